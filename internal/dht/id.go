package dht

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"math/bits"
	"math/rand"
	"net"
	"net/netip"

	anadht "github.com/anacrolix/dht/v2"
	"github.com/anacrolix/dht/v2/krpc"

	"github.com/kunal-geeks/dhtnode/internal/storage"
)

// IDBits is the length of a node ID or key in bits (SHA-1 sized).
const IDBits = 160

// IDBytes is the length of an ID in bytes.
const IDBytes = IDBits / 8

// ID represents a DHT node ID or a storage key.
type ID [IDBytes]byte

// RandomID draws an ID from rnd.
func RandomID(rnd *rand.Rand) ID {
	var id ID
	rnd.Read(id[:])
	return id
}

// idFromString reads the string-typed wire fields.
func idFromString(s string) (ID, bool) {
	var id ID
	if len(s) != IDBytes {
		return id, false
	}
	copy(id[:], s)
	return id, true
}

// IDFromHex constructs an ID from a hex string.
// The hex string must decode to IDBytes bytes.
func IDFromHex(s string) (ID, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return ID{}, fmt.Errorf("IDFromHex: decode error: %w", err)
	}
	if len(raw) != IDBytes {
		return ID{}, fmt.Errorf("IDFromHex: invalid length %d, want %d", len(raw), IDBytes)
	}
	var id ID
	copy(id[:], raw)
	return id, nil
}

// String returns the hex encoding of the ID (for logging/debugging).
func (id ID) String() string {
	return hex.EncodeToString(id[:])
}

// Key converts the ID to the storage key type.
func (id ID) Key() storage.Key {
	return storage.Key(id)
}

// IsZero reports whether the ID is all zeros, which marks an unknown ID.
func (id ID) IsZero() bool {
	return id == ID{}
}

// XOR computes the bitwise XOR distance between two IDs.
func (id ID) XOR(other ID) ID {
	var out ID
	for i := 0; i < IDBytes; i++ {
		out[i] = id[i] ^ other[i]
	}
	return out
}

// Equals reports whether two IDs are identical.
func (id ID) Equals(other ID) bool {
	return id == other
}

// Less reports whether id is lexicographically less than other.
// Applied to two XOR distances it tells which ID is closer.
func (id ID) Less(other ID) bool {
	for i := 0; i < IDBytes; i++ {
		if id[i] != other[i] {
			return id[i] < other[i]
		}
	}
	return false
}

// PrefixLen returns the number of leading zero bits in the ID.
//
// Example:
//
//	ID: 00010010.... (in bits)
//	PrefixLen = 3    (first 3 bits are zero, 4th is 1)
func (id ID) PrefixLen() int {
	for i := 0; i < IDBytes; i++ {
		if id[i] != 0 {
			return i*8 + bits.LeadingZeros8(id[i])
		}
	}
	return IDBits
}

// closer reports whether a is closer to target than b.
func closer(target, a, b ID) bool {
	return target.XOR(a).Less(target.XOR(b))
}

// randomIDInBucket returns a random ID sharing exactly prefix leading bits
// with self, i.e. one that falls in bucket number prefix.
func randomIDInBucket(self ID, prefix int, rnd *rand.Rand) ID {
	id := RandomID(rnd)
	if prefix >= IDBits {
		return self
	}
	for i := 0; i < prefix; i++ {
		mask := byte(0x80 >> (i % 8))
		id[i/8] = id[i/8]&^mask | self[i/8]&mask
	}
	mask := byte(0x80 >> (prefix % 8))
	id[prefix/8] = id[prefix/8]&^mask | ^self[prefix/8]&mask
	return id
}

// ImmutableTarget is the key of an immutable item: SHA-1 of its bencoded value.
func ImmutableTarget(v []byte) ID {
	return ID(sha1.Sum(v))
}

// MutableTarget is the key of a mutable item: SHA-1 of public key and salt.
func MutableTarget(k [32]byte, salt []byte) ID {
	h := sha1.New()
	h.Write(k[:])
	h.Write(salt)
	var id ID
	copy(id[:], h.Sum(nil))
	return id
}

func netIP(ip netip.Addr) net.IP {
	return net.IP(ip.Unmap().AsSlice())
}

// secureID draws a random ID with r as its last byte and overwrites the
// BEP 42 prefix for ip.
func secureID(ip netip.Addr, r byte, rnd *rand.Rand) ID {
	id := RandomID(rnd)
	id[19] = r
	anadht.SecureNodeId((*krpc.ID)(&id), netIP(ip))
	return id
}

// GenerateSecureID returns a random node ID that verifies against ip.
func GenerateSecureID(ip netip.Addr, rnd *rand.Rand) ID {
	return secureID(ip, byte(rnd.Intn(256)), rnd)
}

// VerifySecureID reports whether id is a valid node ID for ip. Addresses
// that are not globally routable always verify.
func VerifySecureID(id ID, ip netip.Addr) bool {
	if isLocalAddr(ip) {
		return true
	}
	return anadht.NodeIdSecure([20]byte(id), netIP(ip))
}

func isLocalAddr(ip netip.Addr) bool {
	ip = ip.Unmap()
	return !ip.IsValid() || ip.IsLoopback() || ip.IsPrivate() ||
		ip.IsLinkLocalUnicast() || ip.IsUnspecified()
}
