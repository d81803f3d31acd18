// Package types defines the canonical wallet records shared by every backend.
package types

import (
	"encoding/hex"
	"fmt"
)

// HashSize is the length of a block or transaction hash in bytes.
const HashSize = 32

// Hash is a block or transaction id in display byte order.
type Hash [HashSize]byte

// IsZero returns true if the hash is all zeros.
func (h Hash) IsZero() bool {
	return h == Hash{}
}

// String returns the hex-encoded hash.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// HexToHash converts a hex string to a Hash.
// Returns an error if the string is not exactly 64 hex characters.
func HexToHash(s string) (Hash, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return Hash{}, fmt.Errorf("invalid hex: %w", err)
	}
	if len(b) != HashSize {
		return Hash{}, fmt.Errorf("hash must be %d bytes, got %d", HashSize, len(b))
	}
	var h Hash
	copy(h[:], b)
	return h, nil
}

// ValidHash reports whether s is a 64 character hex hash.
func ValidHash(s string) bool {
	_, err := HexToHash(s)
	return err == nil
}
