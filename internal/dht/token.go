package dht

import (
	"crypto/sha1"
	"crypto/subtle"
	"encoding/binary"
	"net/netip"
)

// writeTokens hands out write tokens bound to the requester's address and
// the target key. A token stays valid for one rotation of the secret.
type writeTokens struct {
	secret     uint32
	prevSecret uint32
}

func (w *writeTokens) generate(addr netip.Addr, target ID) string {
	return string(tokenFor(w.secret, addr, target))
}

func (w *writeTokens) verify(token string, addr netip.Addr, target ID) bool {
	if len(token) != tokenSize {
		return false
	}
	t := []byte(token)
	return subtle.ConstantTimeCompare(t, tokenFor(w.secret, addr, target)) == 1 ||
		subtle.ConstantTimeCompare(t, tokenFor(w.prevSecret, addr, target)) == 1
}

// rotate retires the current secret in favour of next.
func (w *writeTokens) rotate(next uint32) {
	w.prevSecret = w.secret
	w.secret = next
}

func tokenFor(secret uint32, addr netip.Addr, target ID) []byte {
	var s [4]byte
	binary.LittleEndian.PutUint32(s[:], secret)

	h := sha1.New()
	h.Write([]byte(addr.Unmap().String()))
	h.Write(s[:])
	h.Write(target[:])
	return h.Sum(nil)[:tokenSize]
}
