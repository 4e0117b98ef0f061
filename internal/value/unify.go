package value

import (
	"fmt"
	"strings"
)

// UnifyError reports the first place where two values disagree.
type UnifyError struct {
	// Path is the dotted path of the conflicting field ("" for the root).
	Path  string
	Left  Value
	Right Value
}

func (e *UnifyError) Error() string {
	where := e.Path
	if where == "" {
		where = "<root>"
	}
	return fmt.Sprintf("cannot unify %s with %s at %s",
		describe(e.Left), describe(e.Right), where)
}

func describe(v Value) string {
	data, err := MarshalCanonical(v)
	if err != nil {
		return Kind(v)
	}
	const max = 80
	if len(data) > max {
		return string(data[:max]) + "..."
	}
	return string(data)
}

// Unify merges two values monotonically:
//   - equal values unify to themselves
//   - two Objects unify key-wise; keys present on one side pass through and
//     keys present on both sides are unified recursively
//   - anything else is a *UnifyError
//
// Unify is commutative and associative over values that unify, so the order
// in which fragments arrive never changes the final result. Neither input is
// modified.
func Unify(a, b Value) (Value, error) {
	return unify(a, b, nil)
}

func unify(a, b Value, path []string) (Value, error) {
	if Equal(a, b) {
		return a, nil
	}

	ao, aok := a.(Object)
	bo, bok := b.(Object)
	if !aok || !bok {
		return nil, &UnifyError{Path: strings.Join(path, "."), Left: a, Right: b}
	}

	out := make(Object, len(ao)+len(bo))
	for k, v := range ao {
		out[k] = v
	}
	for _, k := range bo.SortedKeys() {
		bv := bo[k]
		av, shared := ao[k]
		if !shared {
			out[k] = bv
			continue
		}
		merged, err := unify(av, bv, append(path, k))
		if err != nil {
			return nil, err
		}
		out[k] = merged
	}
	return out, nil
}

// UnifyObjects is Unify restricted to Objects.
func UnifyObjects(a, b Object) (Object, error) {
	if a == nil {
		a = Object{}
	}
	if b == nil {
		b = Object{}
	}
	merged, err := Unify(a, b)
	if err != nil {
		return nil, err
	}
	return merged.(Object), nil
}
