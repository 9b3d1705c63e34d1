package p2p

import (
	"net/netip"
)

// Packet is a single datagram received from the network.
type Packet struct {
	// From is filled in by the Transport with the sender's endpoint.
	From netip.AddrPort

	// Local is the transport's own address the datagram arrived on. A node
	// only trusts "ip" hints that arrived on its own socket.
	Local netip.AddrPort

	// Payload is the raw datagram, normally a bencoded KRPC dictionary.
	Payload []byte
}

// Transport defines the behavior any datagram transport must implement.
// Higher-level components (like the DHT) interact with this interface,
// not with concrete UDP types, so tests can plug in an in-memory network.
type Transport interface {
	// Addr returns the local address this transport is bound to.
	Addr() netip.AddrPort

	// ListenAndAccept binds the socket and starts the read loop in a
	// goroutine. It should return quickly.
	ListenAndAccept() error

	// Consume returns a receive-only channel of inbound datagrams.
	Consume() <-chan Packet

	// Unreachable reports endpoints the transport learned are unreachable
	// (for example from a failed write). Delivery is best effort.
	Unreachable() <-chan netip.AddrPort

	// Send writes a datagram to addr. It is fire-and-forget: a nil error
	// only means the datagram was handed to the kernel.
	Send(addr netip.AddrPort, payload []byte) error

	// Close shuts down the transport.
	Close() error
}
