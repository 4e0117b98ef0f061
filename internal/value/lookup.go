package value

import (
	"strconv"
	"strings"
)

// Lookup follows a dotted path ("check_suite.id", "runs.0.conclusion")
// through Objects and Arrays. Numeric segments index Arrays.
// The empty path returns v itself.
//
// ok is false when any segment is missing; a missing key is "not there yet",
// not an error.
func Lookup(v Value, path string) (found Value, ok bool) {
	if path == "" {
		return v, v != nil
	}
	cur := v
	for _, seg := range strings.Split(path, ".") {
		switch node := cur.(type) {
		case Object:
			next, present := node[seg]
			if !present {
				return nil, false
			}
			cur = next
		case Array:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, false
			}
			cur = node[idx]
		default:
			return nil, false
		}
	}
	return cur, true
}
