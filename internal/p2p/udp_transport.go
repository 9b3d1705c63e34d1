package p2p

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"syscall"

	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("component", "p2p")

// UDPTransportOpts holds configuration for UDPTransport.
type UDPTransportOpts struct {
	ListenAddr string // e.g. "0.0.0.0:6881" or ":0" for a random free port

	// QueueSize is the capacity of the inbound packet channel. Datagrams
	// arriving while the queue is full are dropped, like a full socket
	// buffer would.
	QueueSize int
}

// UDPTransport is a concrete Transport implementation over a single UDP socket.
type UDPTransport struct {
	UDPTransportOpts

	conn    *net.UDPConn
	addr    netip.AddrPort
	pktCh   chan Packet
	unreach chan netip.AddrPort

	closeOnce sync.Once
	dropped   uint64
	mu        sync.Mutex
}

// NewUDPTransport creates a new UDPTransport with the given options.
func NewUDPTransport(opts UDPTransportOpts) *UDPTransport {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1024
	}
	return &UDPTransport{
		UDPTransportOpts: opts,
		pktCh:            make(chan Packet, opts.QueueSize),
		unreach:          make(chan netip.AddrPort, 64),
	}
}

// Addr returns the bound address. Before ListenAndAccept it is the zero value.
func (t *UDPTransport) Addr() netip.AddrPort {
	return t.addr
}

// Consume returns a receive-only channel of inbound datagrams.
func (t *UDPTransport) Consume() <-chan Packet {
	return t.pktCh
}

// Unreachable returns endpoints whose last write failed with a
// host/network unreachable or connection refused error.
func (t *UDPTransport) Unreachable() <-chan netip.AddrPort {
	return t.unreach
}

// Dropped returns the number of inbound datagrams dropped on a full queue.
func (t *UDPTransport) Dropped() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dropped
}

// ListenAndAccept binds the socket and launches the read loop.
func (t *UDPTransport) ListenAndAccept() error {
	laddr, err := net.ResolveUDPAddr("udp", t.ListenAddr)
	if err != nil {
		return fmt.Errorf("ListenAndAccept: resolve %q: %w", t.ListenAddr, err)
	}
	t.conn, err = net.ListenUDP("udp", laddr)
	if err != nil {
		return fmt.Errorf("ListenAndAccept: %w", err)
	}
	t.addr = t.conn.LocalAddr().(*net.UDPAddr).AddrPort()

	go t.readLoop()

	log.WithField("addr", t.addr).Info("UDP transport listening")
	return nil
}

// Send writes a datagram to addr.
func (t *UDPTransport) Send(addr netip.AddrPort, payload []byte) error {
	if t.conn == nil {
		return fmt.Errorf("Send: transport not listening")
	}
	if len(payload) > MaxPacketSize {
		return fmt.Errorf("Send: %w (%d > %d)", ErrMessageTooBig, len(payload), MaxPacketSize)
	}
	_, err := t.conn.WriteToUDPAddrPort(payload, addr)
	if err != nil {
		if isUnreachable(err) {
			select {
			case t.unreach <- addr:
			default:
			}
		}
		return fmt.Errorf("Send: write to %s: %w", addr, err)
	}
	return nil
}

// Close closes the socket; the read loop exits and closes the packet channel.
func (t *UDPTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		if t.conn != nil {
			err = t.conn.Close()
		} else {
			close(t.pktCh)
		}
	})
	return err
}

func (t *UDPTransport) readLoop() {
	defer close(t.pktCh)

	buf := make([]byte, MaxPacketSize)
	for {
		n, from, err := t.conn.ReadFromUDPAddrPort(buf)
		if errors.Is(err, net.ErrClosed) {
			return
		}
		if err != nil {
			log.WithError(err).Debug("UDP read error")
			continue
		}
		if from.Port() == 0 {
			continue
		}

		payload := make([]byte, n)
		copy(payload, buf[:n])

		select {
		case t.pktCh <- Packet{From: unmapAddrPort(from), Local: t.addr, Payload: payload}:
		default:
			t.mu.Lock()
			t.dropped++
			t.mu.Unlock()
		}
	}
}

func isUnreachable(err error) bool {
	return errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EHOSTUNREACH) ||
		errors.Is(err, syscall.ENETUNREACH)
}

func unmapAddrPort(ap netip.AddrPort) netip.AddrPort {
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
}
