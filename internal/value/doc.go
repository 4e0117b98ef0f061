// Package value provides the mergeable value model shared by the channel log
// and the persistent dict.
//
// A Value is one of Null, String, Int, Number, Bool, Array or Object. The set is
// sealed: nothing outside this package can add a variant, so every switch
// over a Value can be exhaustive.
//
// Key constraints:
//   - Every number has exactly one form: integral values are Int, the rest
//     Number. Equal compares them numerically and MarshalCanonical prints
//     them identically.
//   - All persistence uses MarshalCanonical (RFC 8785 key order, NFC strings,
//     no HTML escaping). Byte equality of canonical encodings is value equality.
//   - Unify is the only way two Objects are combined. It never overwrites a
//     leaf; disagreement is an error.
//
// This package imports nothing internal.
package value
