package dht

import (
	"math/rand"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestToken_SurvivesOneRotation(t *testing.T) {
	rnd := rand.New(rand.NewSource(42))
	w := writeTokens{secret: rnd.Uint32(), prevSecret: rnd.Uint32()}

	addr := netip.MustParseAddr("203.0.113.7")
	target := RandomID(rnd)

	tok := w.generate(addr, target)
	assert.Len(t, tok, tokenSize)
	assert.True(t, w.verify(tok, addr, target), "fresh token")

	w.rotate(rnd.Uint32())
	assert.True(t, w.verify(tok, addr, target), "token after one rotation")

	w.rotate(rnd.Uint32())
	assert.False(t, w.verify(tok, addr, target), "token after two rotations")
}

func TestToken_BoundToAddressAndTarget(t *testing.T) {
	rnd := rand.New(rand.NewSource(1))
	w := writeTokens{secret: rnd.Uint32(), prevSecret: rnd.Uint32()}

	addr := netip.MustParseAddr("203.0.113.7")
	target := RandomID(rnd)
	tok := w.generate(addr, target)

	assert.False(t, w.verify(tok, netip.MustParseAddr("203.0.113.8"), target))
	assert.False(t, w.verify(tok, addr, RandomID(rnd)))
	assert.False(t, w.verify("", addr, target))
	assert.False(t, w.verify(tok+"x", addr, target))

	// The IPv4-mapped form of an address is the same requester.
	assert.True(t, w.verify(tok, netip.MustParseAddr("::ffff:203.0.113.7"), target))
}

func TestToken_NodeRotation(t *testing.T) {
	n, _ := newTestNode(t)
	from := netip.MustParseAddr("198.51.100.1")
	target := RandomID(rand.New(rand.NewSource(9)))

	tok := n.generateToken(from, target)
	n.NewWriteKey()
	assert.True(t, n.verifyToken(tok, from, target))
	n.NewWriteKey()
	assert.False(t, n.verifyToken(tok, from, target))
}
