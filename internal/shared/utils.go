// Package shared provides small helpers for random material and for wiping
// secrets from memory.
package shared

import (
	"crypto/rand"
	"fmt"
)

// RandomBytes returns size bytes read from crypto/rand.
func RandomBytes(size int) ([]byte, error) {
	b := make([]byte, size)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("read random: %w", err)
	}
	return b, nil
}

// WipeByteArray overwrites the contents of the provided byte slice with zeros.
// Used for derived key material once it is no longer needed.
//
// If the slice is nil, the function does nothing.
func WipeByteArray(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
