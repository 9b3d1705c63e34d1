// Package storage keeps the peers and BEP 44 items a DHT node is
// responsible for.
package storage

import (
	"net/netip"
	"time"
)

// PeersResult is what a get_peers query is answered with.
type PeersResult struct {
	Name string

	// Values holds compact endpoints (6 or 18 bytes each).
	Values []string

	// Seeds and Downloaders are only filled for scrape requests.
	Seeds       *ScrapeFilter
	Downloaders *ScrapeFilter
}

// MutableItem is a stored BEP 44 mutable item. V is nil when a get did not
// ask for the value.
type MutableItem struct {
	V    []byte
	Seq  int64
	Sig  [64]byte
	K    [32]byte
	Salt []byte
}

// Sample is a BEP 51 infohash sample.
type Sample struct {
	Interval time.Duration
	Num      int
	Samples  []Key
}

// Counters reports what the store currently holds.
type Counters struct {
	Torrents      int
	Peers         int
	ImmutableData int
	MutableData   int
}

// Storage defines the operations a node needs from its peer and item store.
// Implementations are called from the node's single owning goroutine.
type Storage interface {
	// GetPeers returns peers of the requested family announced for ih.
	// full reports that the swarm has reached its peer cap; the node then
	// withholds the write token.
	GetPeers(ih Key, v6, noseed, scrape bool) (res PeersResult, full bool)

	// AnnouncePeer records ep as a member of the ih swarm.
	AnnouncePeer(ih Key, ep netip.AddrPort, name string, seed bool)

	GetImmutableItem(target Key) ([]byte, bool)
	PutImmutableItem(target Key, v []byte, from netip.Addr)

	// GetMutableItemSeq returns the stored sequence number for target.
	GetMutableItemSeq(target Key) (int64, bool)

	// GetMutableItem fills V, Sig and K only when forceFill is set or the
	// stored seq is greater than seq. Seq is always returned.
	GetMutableItem(target Key, seq int64, forceFill bool) (MutableItem, bool)

	// PutMutableItem stores the item if it is new or newer than the stored
	// one. Signature and sequence checks are done by the caller.
	PutMutableItem(target Key, item MutableItem, from netip.Addr)

	GetInfohashesSample() Sample

	// UpdateNodeIDs tells the store which IDs the node runs under; items
	// far from all of them are evicted first.
	UpdateNodeIDs(ids []Key)

	// Tick expires stale peers and items.
	Tick()

	Counters() Counters
}
