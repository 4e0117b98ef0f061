package value

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"
	"unicode/utf16"
)

// Value is a sealed interface over the JSON-like values the core stores.
// Only Null, String, Int, Number, Bool, Array and Object implement it.
type Value interface {
	isValue()
}

// Null is the JSON null.
type Null struct{}

func (Null) isValue() {}

// String is a JSON string.
type String string

func (String) isValue() {}

// Int is a JSON number with an integral value that fits in int64.
type Int int64

func (Int) isValue() {}

// Number is any other JSON number: a fraction, or an integer beyond int64.
// It holds the IEEE 754 double RFC 8785 assigns to the literal. Parse and
// FromAny produce Int whenever the value is integral, so 1.0 and 1 are the
// same Int.
type Number float64

func (Number) isValue() {}

// asInt reports the Int a Number equals, if it is integral and in range.
func (n Number) asInt() (Int, bool) {
	f := float64(n)
	if f != math.Trunc(f) || f < -(1<<63) || f >= 1<<63 {
		return 0, false
	}
	return Int(int64(f)), true
}

// NewNumber returns the Value for a float: an Int when f is integral and fits
// in int64, otherwise a Number. NaN and infinities have no JSON form.
func NewNumber(f float64) (Value, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, fmt.Errorf("number has no JSON form: %v", f)
	}
	if i, ok := Number(f).asInt(); ok {
		return i, nil
	}
	return Number(f), nil
}

// Bool is a JSON boolean.
type Bool bool

func (Bool) isValue() {}

// Array is an ordered list of values. Arrays are leaves as far as Unify is
// concerned: two arrays unify only if they are equal.
type Array []Value

func (Array) isValue() {}

// Object maps field names to values.
// Use SortedKeys() for deterministic iteration.
type Object map[string]Value

func (Object) isValue() {}

// Pair is a key-value pair for Object construction.
type Pair struct {
	Key   string
	Value Value
}

// P is shorthand for Pair.
// Example: NewObject(P("repo", String("python-trio/trio")), P("pr", Int(12)))
func P(key string, v Value) Pair {
	return Pair{Key: key, Value: v}
}

// NewObject builds an Object from pairs.
func NewObject(pairs ...Pair) Object {
	obj := make(Object, len(pairs))
	for _, p := range pairs {
		obj[p.Key] = p.Value
	}
	return obj
}

// Kind returns a short name for the variant, used in error messages.
func Kind(v Value) string {
	switch v.(type) {
	case Null:
		return "null"
	case String:
		return "string"
	case Int:
		return "int"
	case Number:
		return "number"
	case Bool:
		return "bool"
	case Array:
		return "array"
	case Object:
		return "object"
	case nil:
		return "nil"
	default:
		return fmt.Sprintf("%T", v)
	}
}

// Equal reports whether a and b are the same value.
// A nil Object and an empty Object are equal, and so are numbers with the
// same numeric value (Int(2) and Number(2)).
func Equal(a, b Value) bool {
	switch av := a.(type) {
	case Null:
		_, ok := b.(Null)
		return ok
	case String:
		bv, ok := b.(String)
		return ok && av == bv
	case Int:
		switch bv := b.(type) {
		case Int:
			return av == bv
		case Number:
			i, ok := bv.asInt()
			return ok && i == av
		}
		return false
	case Number:
		switch bv := b.(type) {
		case Number:
			return av == bv
		case Int:
			i, ok := av.asInt()
			return ok && i == bv
		}
		return false
	case Bool:
		bv, ok := b.(Bool)
		return ok && av == bv
	case Array:
		bv, ok := b.(Array)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !Equal(av[i], bv[i]) {
				return false
			}
		}
		return true
	case Object:
		bv, ok := b.(Object)
		if !ok || len(av) != len(bv) {
			return false
		}
		for k, x := range av {
			y, present := bv[k]
			if !present || !Equal(x, y) {
				return false
			}
		}
		return true
	default:
		return a == nil && b == nil
	}
}

// SortedKeys returns keys in RFC 8785 canonical order (UTF-16 code units).
// Go's default string ordering compares UTF-8 bytes, which differs for
// characters outside the BMP.
func (obj Object) SortedKeys() []string {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, compareKeysUTF16)
	return keys
}

func compareKeysUTF16(a, b string) int {
	a16 := utf16.Encode([]rune(a))
	b16 := utf16.Encode([]rune(b))
	return slices.Compare(a16, b16)
}

// MarshalJSON encodes the object canonically.
func (obj Object) MarshalJSON() ([]byte, error) {
	return MarshalCanonical(obj)
}

// MarshalJSON encodes the array canonically.
func (arr Array) MarshalJSON() ([]byte, error) {
	return MarshalCanonical(arr)
}

// UnmarshalJSON implements json.Unmarshaler for Object.
// Non-object JSON is rejected.
func (obj *Object) UnmarshalJSON(data []byte) error {
	v, err := Parse(data)
	if err != nil {
		return err
	}
	o, ok := v.(Object)
	if !ok {
		return fmt.Errorf("expected JSON object, got %s", Kind(v))
	}
	*obj = o
	return nil
}

// Parse decodes JSON into a Value.
// Integral numbers become Int, other numbers Number; null becomes Null{}.
func Parse(data []byte) (Value, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var raw any
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("parse value: %w", err)
	}
	if dec.More() {
		return nil, fmt.Errorf("parse value: trailing data after JSON value")
	}
	return FromAny(raw)
}

// MustParse is like Parse but panics on error.
// Use only in tests or with literal input.
func MustParse(s string) Value {
	v, err := Parse([]byte(s))
	if err != nil {
		panic(err)
	}
	return v
}

// FromAny converts a decoded Go value (from encoding/json with UseNumber, or
// from yaml.v3) into a Value.
func FromAny(v any) (Value, error) {
	switch val := v.(type) {
	case nil:
		return Null{}, nil
	case Value:
		return val, nil
	case bool:
		return Bool(val), nil
	case string:
		return String(val), nil
	case int:
		return Int(val), nil
	case int64:
		return Int(val), nil
	case int32:
		return Int(val), nil
	case uint64:
		if val > math.MaxInt64 {
			return Number(float64(val)), nil
		}
		return Int(val), nil
	case json.Number:
		s := string(val)
		if !strings.ContainsAny(s, ".eE") {
			if n, err := val.Int64(); err == nil {
				return Int(n), nil
			}
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, fmt.Errorf("number out of range: %s", s)
		}
		return NewNumber(f)
	case float64:
		return NewNumber(val)
	case float32:
		return NewNumber(float64(val))
	case []any:
		arr := make(Array, len(val))
		for i, elem := range val {
			conv, err := FromAny(elem)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			arr[i] = conv
		}
		return arr, nil
	case map[string]any:
		obj := make(Object, len(val))
		for k, elem := range val {
			conv, err := FromAny(elem)
			if err != nil {
				return nil, fmt.Errorf("[%q]: %w", k, err)
			}
			obj[k] = conv
		}
		return obj, nil
	default:
		return nil, fmt.Errorf("unsupported type: %T", v)
	}
}

// ToAny converts a Value into plain Go values (map[string]any, []any, string,
// int64, float64, bool, nil). Used for YAML/text rendering.
func ToAny(v Value) any {
	switch val := v.(type) {
	case Null, nil:
		return nil
	case String:
		return string(val)
	case Int:
		return int64(val)
	case Number:
		return float64(val)
	case Bool:
		return bool(val)
	case Array:
		out := make([]any, len(val))
		for i, elem := range val {
			out[i] = ToAny(elem)
		}
		return out
	case Object:
		out := make(map[string]any, len(val))
		for k, elem := range val {
			out[k] = ToAny(elem)
		}
		return out
	default:
		return nil
	}
}
