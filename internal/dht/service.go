package dht

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"math/rand"
	"net/netip"
	"sync"
	"time"

	"github.com/kunal-geeks/dhtnode/internal/config"
	"github.com/kunal-geeks/dhtnode/internal/p2p"
	"github.com/kunal-geeks/dhtnode/internal/storage"
)

// Service ties together a DHT Node and a p2p.Transport.
// It serialises every call into the Node behind one mutex, feeds it the
// datagrams the transport reads and runs its timers. The blocking helpers
// wrap the callback-based lookups for callers that prefer a context.
type Service struct {
	mu        sync.Mutex
	node      *Node
	transport p2p.Transport
	settings  config.Settings

	closeOnce sync.Once
}

// ServiceOpts configures a DHT Service.
type ServiceOpts struct {
	Settings  config.Settings
	Transport p2p.Transport
	Storage   storage.Storage // optional, defaults to a MemoryStore
	ID        ID              // optional, derived from the transport address

	Rand *rand.Rand
	Now  func() time.Time
}

// NewService creates a Service. The transport must already be listening;
// nothing is read from it until Run is called.
func NewService(opts ServiceOpts) (*Service, error) {
	if opts.Transport == nil {
		return nil, errors.New("NewService: Transport is required")
	}
	n, err := NewNode(Options{
		Settings: opts.Settings,
		Send:     opts.Transport.Send,
		Local:    opts.Transport.Addr(),
		ID:       opts.ID,
		Storage:  opts.Storage,
		Rand:     opts.Rand,
		Now:      opts.Now,
	})
	if err != nil {
		return nil, fmt.Errorf("NewService: %w", err)
	}
	return &Service{node: n, transport: opts.Transport, settings: n.settings}, nil
}

// Do runs f with exclusive access to the node. Callbacks registered from
// f run later on the Run goroutine, also with the lock held, and must not
// call back into the Service.
func (s *Service) Do(f func(n *Node)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f(s.node)
}

// Run reads from the transport and drives the node's timers until ctx is
// done or the transport is closed.
func (s *Service) Run(ctx context.Context) error {
	tick := time.NewTimer(DefaultTickInterval)
	defer tick.Stop()
	rotate := time.NewTicker(s.settings.TokenRotation)
	defer rotate.Stop()

	packets := s.transport.Consume()
	unreachable := s.transport.Unreachable()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case pkt, ok := <-packets:
			if !ok {
				return ErrClosed
			}
			s.Do(func(n *Node) { n.Incoming(pkt) })

		case addr := <-unreachable:
			s.Do(func(n *Node) { n.Unreachable(addr) })

		case <-tick.C:
			var next time.Duration
			s.Do(func(n *Node) { next = n.Tick() })
			tick.Reset(next)

		case <-rotate.C:
			s.Do(func(n *Node) { n.NewWriteKey() })
		}
	}
}

// wait blocks until the callback delivers on ch or ctx is done. ch must be
// buffered so a late callback never blocks the Run goroutine.
func wait[T any](ctx context.Context, ch <-chan T) (T, error) {
	select {
	case v := <-ch:
		return v, nil
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Bootstrap joins the network through seeds and returns our closest
// neighbours.
func (s *Service) Bootstrap(ctx context.Context, seeds []netip.AddrPort) ([]Contact, error) {
	ch := make(chan []Contact, 1)
	s.Do(func(n *Node) {
		n.Bootstrap(seeds, func(cs []Contact) { ch <- cs })
	})
	return wait(ctx, ch)
}

// Ping returns the ID of the node at addr.
func (s *Service) Ping(ctx context.Context, addr netip.AddrPort) (ID, error) {
	type result struct {
		id  ID
		err error
	}
	ch := make(chan result, 1)
	s.Do(func(n *Node) {
		n.Ping(addr, func(id ID, err error) { ch <- result{id, err} })
	})
	r, err := wait(ctx, ch)
	if err != nil {
		return ID{}, err
	}
	return r.id, r.err
}

// GetPeers collects every peer the lookup for ih finds.
func (s *Service) GetPeers(ctx context.Context, ih ID, flags AnnounceFlags) ([]netip.AddrPort, PeersLookup, error) {
	type result struct {
		peers []netip.AddrPort
		res   PeersLookup
	}
	ch := make(chan result, 1)
	s.Do(func(n *Node) {
		var peers []netip.AddrPort
		n.GetPeers(ih, flags,
			func(ps []netip.AddrPort) { peers = append(peers, ps...) },
			func(res PeersLookup) { ch <- result{dedupPeers(peers), res} },
		)
	})
	r, err := wait(ctx, ch)
	if err != nil {
		return nil, PeersLookup{}, err
	}
	return r.peers, r.res, nil
}

// Announce announces port for ih. It returns once the get_peers phase is
// done and the announces are sent, with the peers found on the way.
func (s *Service) Announce(ctx context.Context, ih ID, port int, flags AnnounceFlags) ([]netip.AddrPort, error) {
	ch := make(chan []netip.AddrPort, 1)
	s.Do(func(n *Node) {
		var peers []netip.AddrPort
		n.Announce(ih, port, flags,
			func(ps []netip.AddrPort) { peers = append(peers, ps...) },
			func(PeersLookup) { ch <- dedupPeers(peers) },
		)
	})
	return wait(ctx, ch)
}

func dedupPeers(in []netip.AddrPort) []netip.AddrPort {
	seen := make(map[netip.AddrPort]bool, len(in))
	out := in[:0]
	for _, p := range in {
		if seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	return out
}

type itemResult struct {
	item  Item
	found bool
}

// Get looks up an immutable item.
func (s *Service) Get(ctx context.Context, target ID) (Item, bool, error) {
	ch := make(chan itemResult, 1)
	s.Do(func(n *Node) {
		n.GetItem(target, func(it Item, ok bool) { ch <- itemResult{it, ok} })
	})
	r, err := wait(ctx, ch)
	return r.item, r.found, err
}

// GetMutable looks up the newest version of a mutable item.
func (s *Service) GetMutable(ctx context.Context, pk [32]byte, salt []byte) (Item, bool, error) {
	ch := make(chan itemResult, 1)
	s.Do(func(n *Node) {
		n.GetMutableItem(pk, salt, func(it Item, ok bool) { ch <- itemResult{it, ok} })
	})
	r, err := wait(ctx, ch)
	return r.item, r.found, err
}

// Put stores an immutable item and returns its target and the number of
// nodes that accepted it.
func (s *Service) Put(ctx context.Context, v []byte) (ID, int, error) {
	type result struct {
		target ID
		acks   int
	}
	ch := make(chan result, 1)
	var perr error
	s.Do(func(n *Node) {
		perr = n.PutItem(v, func(target ID, acks int) { ch <- result{target, acks} })
	})
	if perr != nil {
		return ID{}, 0, perr
	}
	r, err := wait(ctx, ch)
	return r.target, r.acks, err
}

// PutMutable publishes a new version of a mutable item. See
// Node.PutMutableItem for the consistency caveats.
func (s *Service) PutMutable(ctx context.Context, priv ed25519.PrivateKey, salt []byte, update UpdateFunc, opts PutOptions) (Item, int, error) {
	type result struct {
		item Item
		acks int
		err  error
	}
	ch := make(chan result, 1)
	var perr error
	s.Do(func(n *Node) {
		perr = n.PutMutableItem(priv, salt, update, func(it Item, acks int, err error) {
			ch <- result{it, acks, err}
		}, opts)
	})
	if perr != nil {
		return Item{}, 0, perr
	}
	r, err := wait(ctx, ch)
	if err != nil {
		return Item{}, 0, err
	}
	return r.item, r.acks, r.err
}

// SampleInfohashes asks the node at addr for a sample of its infohashes.
func (s *Service) SampleInfohashes(ctx context.Context, addr netip.AddrPort, target ID) (SampleResult, error) {
	type result struct {
		res SampleResult
		err error
	}
	ch := make(chan result, 1)
	s.Do(func(n *Node) {
		n.SampleInfohashes(addr, target, func(res SampleResult, err error) { ch <- result{res, err} })
	})
	r, err := wait(ctx, ch)
	if err != nil {
		return SampleResult{}, err
	}
	return r.res, r.err
}

// Status returns a snapshot of the node.
func (s *Service) Status() Status {
	var st Status
	s.Do(func(n *Node) { st = n.Status() })
	return st
}

// Close shuts the node down and closes the transport.
func (s *Service) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.Do(func(n *Node) { n.Close() })
		err = s.transport.Close()
	})
	return err
}
