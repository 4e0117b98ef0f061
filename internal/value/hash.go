package value

import (
	"crypto/sha256"
	"encoding/base64"
	"fmt"
)

// hashBytes is the truncated digest length: 128 bits of SHA-256.
const hashBytes = 16

// Hash returns a deterministic, globally unique, reasonably short identifier
// for v: SHA-256 over the canonical encoding, truncated to 128 bits, encoded
// as URL-safe base64 without padding (22 characters).
//
// Two values that are Equal always hash the same, regardless of key order.
// Callers use it to derive idempotency keys from structured arguments, e.g.
// a worker task id from its parameters.
func Hash(v any) (string, error) {
	canonical, err := MarshalCanonical(v)
	if err != nil {
		return "", fmt.Errorf("hash: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return base64.RawURLEncoding.EncodeToString(sum[:hashBytes]), nil
}

// MustHash is like Hash but panics on error.
// Use only in tests or when inputs are known to be valid.
func MustHash(v any) string {
	h, err := Hash(v)
	if err != nil {
		panic(err)
	}
	return h
}
