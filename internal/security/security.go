// Package security holds small crypto hygiene helpers shared across the
// module: secure randomness, constant-time comparison and best-effort
// zeroization of secret buffers.
package security

import (
	"crypto/rand"
	"crypto/subtle"
	"fmt"
	"io"
)

// RandomBytes returns n cryptographically secure random bytes.
func RandomBytes(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		return nil, fmt.Errorf("failed to read secure random bytes: %w", err)
	}
	return buf, nil
}

// ConstantTimeCompare compares two byte slices without an early exit on the
// first mismatch, so the comparison time reveals nothing about how much of
// the inputs agree. Differing lengths still return false, but only after a
// dummy comparison keeps the timing flat.
func ConstantTimeCompare(a, b []byte) bool {
	if len(a) != len(b) {
		dummy := make([]byte, len(a)+len(b))
		subtle.ConstantTimeCompare(dummy[:len(a)], dummy[len(a):])
		return false
	}
	return subtle.ConstantTimeCompare(a, b) == 1
}

// Zeroize overwrites a secret buffer in place. Best effort only: Go may
// have copied the slice's backing array before this runs.
func Zeroize(buf []byte) {
	for i := range buf {
		buf[i] = 0
	}
}
