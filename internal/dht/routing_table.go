package dht

import (
	"math/rand"
	"net/netip"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Contact represents a node in the DHT.
type Contact struct {
	ID   ID
	Addr netip.AddrPort

	// LastSeen is zero until the node has answered one of our queries.
	LastSeen    time.Time
	LastQueried time.Time
	RTT         time.Duration

	// Verified is set when the node proved it owns its address, for example
	// by presenting a valid write token.
	Verified  bool
	FailCount int
}

// Confirmed reports whether the node has ever replied to us.
func (c Contact) Confirmed() bool {
	return !c.LastSeen.IsZero()
}

// RoutingTable is what the Node needs from its routing table.
type RoutingTable interface {
	Self() ID

	// HeardAbout records a node we learned of second hand, or that queried us.
	HeardAbout(id ID, addr netip.AddrPort)

	// NodeSeen records a node that replied to us. It reports whether the
	// node is in the table afterwards.
	NodeSeen(c Contact) bool

	// NodeFailed records a query to the node that timed out.
	NodeFailed(id ID, addr netip.AddrPort)

	// FindNode returns up to n live nodes closest to target. With
	// confirmedOnly only nodes that have replied to us are returned.
	FindNode(target ID, n int, confirmedOnly bool) []Contact

	IsFull(bucket int) bool

	// NeedRefresh returns a target inside a bucket that has been idle for
	// BucketRefreshInterval.
	NeedRefresh() (ID, bool)

	// NextRefresh returns a stale or unconfirmed node to ping.
	NextRefresh() (Contact, bool)

	Depth() int
	NumActiveBuckets() int

	// Size returns the number of nodes, and how many of them are confirmed.
	Size() (nodes, confirmed int)

	Contacts() []Contact

	// Rebase re-files every contact under a new local ID.
	Rebase(self ID)
}

// bucket holds up to K contacts with "least recently seen at the back" semantics.
type bucket struct {
	contacts   []Contact
	lastActive time.Time
}

// find returns the index of the contact with id, or -1.
func (b *bucket) find(id ID) int {
	for i, c := range b.contacts {
		if c.ID == id {
			return i
		}
	}
	return -1
}

// moveToFront moves the contact at index i to the front.
func (b *bucket) moveToFront(i int) {
	if i == 0 {
		return
	}
	c := b.contacts[i]
	copy(b.contacts[1:i+1], b.contacts[:i])
	b.contacts[0] = c
}

func (b *bucket) remove(i int) {
	b.contacts = append(b.contacts[:i], b.contacts[i+1:]...)
}

// replaceable returns the index of the contact a newcomer may replace in a
// full bucket: the one that failed most, or else an unconfirmed one if the
// newcomer is confirmed. -1 if every contact should be kept.
func (b *bucket) replaceable(newcomerConfirmed bool) int {
	worst, fails := -1, 0
	for i, c := range b.contacts {
		if c.FailCount > fails {
			worst, fails = i, c.FailCount
		}
	}
	if worst >= 0 || !newcomerConfirmed {
		return worst
	}
	for i := len(b.contacts) - 1; i >= 0; i-- {
		if !b.contacts[i].Confirmed() {
			return i
		}
	}
	return -1
}

// TableOpts configures a Table.
type TableOpts struct {
	MaxFailCount  int
	EnforceNodeID bool
	Now           func() time.Time
	Rand          *rand.Rand
}

// Table is a Kademlia routing table for a single node.
// It maintains IDBits buckets, each bucket storing up to K contacts.
type Table struct {
	opts    TableOpts
	self    ID
	buckets [IDBits]*bucket
	mu      sync.RWMutex
}

var _ RoutingTable = (*Table)(nil)

// NewTable initializes a routing table for the given local ID.
func NewTable(self ID, opts TableOpts) *Table {
	if opts.MaxFailCount <= 0 {
		opts.MaxFailCount = 20
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Rand == nil {
		opts.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	rt := &Table{opts: opts, self: self}
	for i := 0; i < IDBits; i++ {
		rt.buckets[i] = &bucket{}
	}
	return rt
}

func (rt *Table) Self() ID {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return rt.self
}

// bucketIndex returns the index of the bucket for the given ID: the prefix
// length of its distance to us, clamped to [0, IDBits-1].
func (rt *Table) bucketIndex(id ID) int {
	prefix := rt.self.XOR(id).PrefixLen()
	if prefix >= IDBits {
		return IDBits - 1
	}
	return prefix
}

func (rt *Table) admissible(id ID, addr netip.AddrPort) bool {
	if id == rt.self || !addr.IsValid() || addr.Port() == 0 {
		return false
	}
	if rt.opts.EnforceNodeID && !VerifySecureID(id, addr.Addr()) {
		return false
	}
	return true
}

func (rt *Table) HeardAbout(id ID, addr netip.AddrPort) {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	if !rt.admissible(id, addr) {
		return
	}
	b := rt.buckets[rt.bucketIndex(id)]
	if b.find(id) >= 0 {
		return
	}
	c := Contact{ID: id, Addr: addr}
	if len(b.contacts) < K {
		b.contacts = append(b.contacts, c)
		return
	}
	if i := b.replaceable(false); i >= 0 {
		b.remove(i)
		b.contacts = append(b.contacts, c)
	}
}

func (rt *Table) NodeSeen(c Contact) bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	if !rt.admissible(c.ID, c.Addr) {
		return false
	}
	return rt.insertSeen(c)
}

// insertSeen must be called with rt.mu held.
func (rt *Table) insertSeen(c Contact) bool {
	idx := rt.bucketIndex(c.ID)
	b := rt.buckets[idx]
	now := rt.opts.Now()
	b.lastActive = now

	if i := b.find(c.ID); i >= 0 {
		existing := &b.contacts[i]
		// A node ID does not move to another IP; treat it as a different node.
		if existing.Addr.Addr() != c.Addr.Addr() {
			return false
		}
		existing.Addr = c.Addr
		existing.LastSeen = now
		existing.FailCount = 0
		if c.RTT > 0 {
			existing.RTT = c.RTT
		}
		existing.Verified = existing.Verified || c.Verified
		b.moveToFront(i)
		return true
	}

	c.LastSeen = now
	c.FailCount = 0
	if len(b.contacts) >= K {
		i := b.replaceable(true)
		if i < 0 {
			return false
		}
		log.WithField("evicted", b.contacts[i].ID).Debug("replacing contact")
		b.remove(i)
	}
	b.contacts = append([]Contact{c}, b.contacts...)

	log.WithFields(logrus.Fields{
		"id": c.ID, "addr": c.Addr, "bucket": idx, "size": len(b.contacts),
	}).Debug("added contact")
	return true
}

func (rt *Table) NodeFailed(id ID, addr netip.AddrPort) {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	for _, b := range rt.buckets {
		for i := range b.contacts {
			c := &b.contacts[i]
			if c.Addr != addr || (!id.IsZero() && c.ID != id) {
				continue
			}
			c.FailCount++
			if !c.Confirmed() || c.FailCount >= rt.opts.MaxFailCount {
				b.remove(i)
			}
			return
		}
	}
}

// FindNode returns up to n contacts closest to the target ID,
// based on XOR distance. It merges contacts from all buckets and sorts them.
func (rt *Table) FindNode(target ID, n int, confirmedOnly bool) []Contact {
	rt.mu.RLock()
	defer rt.mu.RUnlock()

	var all []Contact
	for _, b := range rt.buckets {
		for _, c := range b.contacts {
			if c.FailCount > 0 || (confirmedOnly && !c.Confirmed()) {
				continue
			}
			all = append(all, c)
		}
	}

	sort.Slice(all, func(i, j int) bool {
		return closer(target, all[i].ID, all[j].ID)
	})

	if n < len(all) {
		all = all[:n]
	}
	return all
}

func (rt *Table) IsFull(bucket int) bool {
	rt.mu.RLock()
	defer rt.mu.RUnlock()

	if bucket < 0 || bucket >= IDBits {
		return false
	}
	return len(rt.buckets[bucket].contacts) >= K
}

func (rt *Table) NeedRefresh() (ID, bool) {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	now := rt.opts.Now()
	depth := rt.depthLocked()
	for i := 0; i < depth; i++ {
		b := rt.buckets[i]
		if now.Sub(b.lastActive) < BucketRefreshInterval {
			continue
		}
		b.lastActive = now
		return randomIDInBucket(rt.self, i, rt.opts.Rand), true
	}
	return ID{}, false
}

func (rt *Table) NextRefresh() (Contact, bool) {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	now := rt.opts.Now()
	var best *Contact
	for _, b := range rt.buckets {
		for i := range b.contacts {
			c := &b.contacts[i]
			if now.Sub(c.LastQueried) < TransactionTimeout {
				continue
			}
			if c.Confirmed() && now.Sub(c.LastSeen) < BucketRefreshInterval {
				continue
			}
			if best == nil || c.LastSeen.Before(best.LastSeen) {
				best = c
			}
		}
	}
	if best == nil {
		return Contact{}, false
	}
	best.LastQueried = now
	return *best, true
}

// Depth is one past the deepest non-empty bucket.
func (rt *Table) Depth() int {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return rt.depthLocked()
}

func (rt *Table) depthLocked() int {
	for i := IDBits - 1; i >= 0; i-- {
		if len(rt.buckets[i].contacts) > 0 {
			return i + 1
		}
	}
	return 0
}

func (rt *Table) NumActiveBuckets() int {
	rt.mu.RLock()
	defer rt.mu.RUnlock()

	n := 0
	for _, b := range rt.buckets {
		if len(b.contacts) > 0 {
			n++
		}
	}
	return n
}

func (rt *Table) Size() (nodes, confirmed int) {
	rt.mu.RLock()
	defer rt.mu.RUnlock()

	for _, b := range rt.buckets {
		nodes += len(b.contacts)
		for _, c := range b.contacts {
			if c.Confirmed() {
				confirmed++
			}
		}
	}
	return nodes, confirmed
}

// Contacts returns a copy of all contacts, closest buckets last.
func (rt *Table) Contacts() []Contact {
	rt.mu.RLock()
	defer rt.mu.RUnlock()

	var out []Contact
	for _, b := range rt.buckets {
		out = append(out, b.contacts...)
	}
	return out
}

func (rt *Table) Rebase(self ID) {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	var all []Contact
	for i, b := range rt.buckets {
		all = append(all, b.contacts...)
		rt.buckets[i] = &bucket{}
	}
	rt.self = self
	for _, c := range all {
		if c.ID == self {
			continue
		}
		b := rt.buckets[rt.bucketIndex(c.ID)]
		if len(b.contacts) < K {
			b.contacts = append(b.contacts, c)
		}
	}
}
