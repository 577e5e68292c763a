// Package hash provides the 20-byte content hash used to address modules,
// descriptors and stored entries.
package hash

import (
	"bytes"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

const Size = 20

type Hash [Size]byte

var Zero Hash

func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

func (h Hash) IsZero() bool {
	return h == Zero
}

func Compare(a, b Hash) int {
	return bytes.Compare(a[:], b[:])
}

func FromBytes(b []byte) (Hash, error) {
	var h Hash
	if len(b) != Size {
		return h, fmt.Errorf("hash must be %d bytes, got %d", Size, len(b))
	}
	copy(h[:], b)
	return h, nil
}

func Parse(s string) (Hash, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return Hash{}, fmt.Errorf("invalid hash %q: %w", s, err)
	}
	return FromBytes(b)
}

// Sum hashes the concatenation of parts with Blake2b-160.
func Sum(parts ...[]byte) Hash {
	d, err := blake2b.New(Size, nil)
	if err != nil {
		// only fails for sizes outside 1..64 or oversized keys
		panic(err)
	}
	for _, p := range parts {
		d.Write(p)
	}
	var h Hash
	d.Sum(h[:0])
	return h
}

// Domain hashes parts under a domain separator so that hashes computed for
// different purposes can never collide.
func Domain(domain string, parts ...[]byte) Hash {
	all := make([][]byte, 0, len(parts)+2)
	all = append(all, []byte{byte(len(domain))}, []byte(domain))
	all = append(all, parts...)
	return Sum(all...)
}
