package storage

import (
	"encoding/hex"
	"fmt"
	"math/bits"
)

// Key is the 160-bit key items and swarms are stored under: an info-hash,
// the SHA-1 of an immutable value, or the SHA-1 of a public key and salt.
type Key [20]byte

// String returns the Key as a lowercase hex string.
func (k Key) String() string {
	return hex.EncodeToString(k[:])
}

// KeyFromHex parses a 40-char hex string into a Key.
func KeyFromHex(s string) (Key, error) {
	var k Key
	b, err := hex.DecodeString(s)
	if err != nil {
		return k, fmt.Errorf("KeyFromHex: decode error: %w", err)
	}
	if len(b) != len(k) {
		return k, fmt.Errorf("KeyFromHex: invalid length: got %d, want %d", len(b), len(k))
	}
	copy(k[:], b)
	return k, nil
}

// MustKeyFromHex is a convenience for tests / hard-coded keys.
// It panics if parsing fails.
func MustKeyFromHex(s string) Key {
	k, err := KeyFromHex(s)
	if err != nil {
		panic(err)
	}
	return k
}

// distanceExp returns the index of the highest differing bit between a and
// b, 0..159, or 0 when they are equal.
func distanceExp(a, b Key) int {
	for i := range a {
		x := a[i] ^ b[i]
		if x != 0 {
			return (len(a)-i)*8 - bits.LeadingZeros8(x) - 1
		}
	}
	return 0
}

// minDistanceExp is the smallest distanceExp from k to any of ids.
func minDistanceExp(k Key, ids []Key) int {
	min := 160
	for _, id := range ids {
		if d := distanceExp(k, id); d < min {
			min = d
		}
	}
	if min == 160 {
		return 0
	}
	return min
}
