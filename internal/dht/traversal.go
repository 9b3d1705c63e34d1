package dht

import (
	"net/netip"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kunal-geeks/dhtnode/internal/p2p"
)

// traversalKind is what distinguishes one kind of iterative lookup from
// another: the query it sends, what it collects from replies and what it
// reports when the lookup converges.
type traversalKind interface {
	name() string
	request(t *traversal, e *traversalEntry) *p2p.Msg
	observer(t *traversal, e *traversalEntry) Observer
	onReply(t *traversal, e *traversalEntry, m *p2p.Msg)
	done(t *traversal)
}

// plainObserver gives a kind the default lookup observer.
type plainObserver struct{}

func (plainObserver) observer(t *traversal, e *traversalEntry) Observer {
	return &traversalObserver{t: t, e: e}
}

// traversalEntry is one node a lookup knows about.
type traversalEntry struct {
	id   ID
	addr netip.AddrPort

	// noID marks bootstrap endpoints we have no ID for yet. They sort
	// before every other entry.
	noID bool

	queried      bool
	replied      bool
	failed       bool
	shortTimeout bool

	token string
}

// traversal is an iterative Kademlia lookup. It is driven entirely by
// observer callbacks: each reply or failure tops the in-flight window up
// again until the K closest live nodes have all answered.
type traversal struct {
	n      *Node
	target ID
	kind   traversalKind

	// results is sorted by distance to target.
	results []*traversalEntry

	inFlight  int
	branch    int
	responses int
	timeouts  int

	started  time.Time
	adding   bool
	finished bool
}

func newTraversal(n *Node, target ID, kind traversalKind) *traversal {
	return &traversal{
		n:       n,
		target:  target,
		kind:    kind,
		branch:  n.settings.SearchBranching,
		started: n.now(),
	}
}

// start seeds the lookup from the routing table if nothing was added yet
// and sends the first requests.
func (t *traversal) start() {
	if len(t.results) == 0 {
		for _, c := range t.n.table.FindNode(t.target, K, false) {
			t.addEntry(c.ID, c.Addr, false)
		}
	}
	t.n.running[t] = struct{}{}
	log.WithFields(logrus.Fields{
		"kind": t.kind.name(), "target": t.target, "seeds": len(t.results),
	}).Debug("lookup started")
	t.addRequests()
}

func (t *traversal) less(a, b *traversalEntry) bool {
	if a.noID != b.noID {
		return a.noID
	}
	if a.noID {
		return false
	}
	return closer(t.target, a.id, b.id)
}

// addEntry inserts a node into the sorted result list. Duplicates by ID or
// address, our own ID and known misbehaving endpoints are ignored.
func (t *traversal) addEntry(id ID, addr netip.AddrPort, noID bool) {
	if !addr.IsValid() || addr.Port() == 0 || t.n.isBad(addr) {
		return
	}
	if !noID {
		if id == t.n.id {
			return
		}
		if t.n.settings.EnforceNodeID && !VerifySecureID(id, addr.Addr()) {
			return
		}
	}
	for _, e := range t.results {
		if e.addr == addr || (!noID && !e.noID && e.id == id) {
			return
		}
	}

	e := &traversalEntry{id: id, addr: addr, noID: noID}
	i := sort.Search(len(t.results), func(i int) bool { return t.less(e, t.results[i]) })
	t.results = append(t.results, nil)
	copy(t.results[i+1:], t.results[i:])
	t.results[i] = e

	if len(t.results) > maxLookupResult {
		t.results = t.results[:maxLookupResult]
	}
}

// addRequests keeps up to branch queries in flight among the K closest
// entries that have not replied yet, and finishes the lookup once the K
// closest live entries have replied or nothing is left to ask.
func (t *traversal) addRequests() {
	if t.finished || t.adding {
		return
	}
	t.adding = true

	remaining := K
	outstanding := 0
	for _, e := range t.results {
		if remaining == 0 || t.inFlight >= t.branch {
			break
		}
		if e.replied {
			remaining--
			continue
		}
		if e.queried {
			if !e.failed {
				outstanding++
			}
			continue
		}

		e.queried = true
		t.inFlight++
		if t.invoke(e) {
			outstanding++
		}
	}

	t.adding = false
	if (remaining == 0 && outstanding == 0) || t.inFlight == 0 {
		t.finish()
	}
}

// resort moves e to its place once a bootstrap entry learned its ID. A
// duplicate of an entry already in the list is dropped.
func (t *traversal) resort(e *traversalEntry) {
	rest := t.results[:0]
	dup := false
	for _, r := range t.results {
		if r == e {
			continue
		}
		if !r.noID && r.id == e.id {
			dup = true
		}
		rest = append(rest, r)
	}
	t.results = rest
	if dup || e.id == t.n.id {
		return
	}
	i := sort.Search(len(t.results), func(i int) bool { return t.less(e, t.results[i]) })
	t.results = append(t.results, nil)
	copy(t.results[i+1:], t.results[i:])
	t.results[i] = e
}

// invoke sends the kind's request to e. A failed send has already been
// reported through failed by the time it returns false.
func (t *traversal) invoke(e *traversalEntry) bool {
	o := t.kind.observer(t, e)
	o.state().id = e.id
	if err := t.n.rpc.Invoke(t.kind.request(t, e), e.addr, o); err != nil {
		log.WithError(err).WithField("kind", t.kind.name()).Debug("lookup request failed")
		return false
	}
	return true
}

func (t *traversal) replied(e *traversalEntry, m *p2p.Msg) {
	t.inFlight--
	if e.shortTimeout {
		t.branch--
	}
	e.replied = true
	if e.noID {
		if id, ok := idFromString(m.R.ID); ok {
			e.id = id
			e.noID = false
			t.resort(e)
		}
	}
	if t.finished {
		return
	}

	t.responses++
	e.token = m.R.Token
	t.kind.onReply(t, e, m)
	for _, ni := range parseNodes(m.R) {
		t.addEntry(ni.ID, ni.Addr, false)
	}
	t.addRequests()
}

// failed prunes a branch. An aborted request also narrows the window so a
// closing node does not keep retrying.
func (t *traversal) failed(e *traversalEntry, aborted bool) {
	t.inFlight--
	if e.shortTimeout {
		t.branch--
	}
	e.failed = true
	t.timeouts++
	if aborted && t.branch > 1 {
		t.branch--
	}
	t.addRequests()
}

// slow widens the window while e is late, so one slow node does not stall
// the lookup.
func (t *traversal) slow(e *traversalEntry) {
	if e.shortTimeout || e.failed || e.replied {
		return
	}
	e.shortTimeout = true
	t.branch++
	t.addRequests()
}

func (t *traversal) finish() {
	if t.finished {
		return
	}
	t.finished = true
	delete(t.n.running, t)
	log.WithFields(logrus.Fields{
		"kind":      t.kind.name(),
		"target":    t.target,
		"responses": t.responses,
		"timeouts":  t.timeouts,
		"took":      t.n.now().Sub(t.started),
	}).Debug("lookup done")
	t.kind.done(t)
}

// closest returns up to n entries that replied, closest first. With
// withToken only entries that handed out a write token are returned.
func (t *traversal) closest(n int, withToken bool) []*traversalEntry {
	var out []*traversalEntry
	for _, e := range t.results {
		if len(out) == n {
			break
		}
		if !e.replied || e.noID || (withToken && e.token == "") {
			continue
		}
		out = append(out, e)
	}
	return out
}

func entriesToContacts(es []*traversalEntry) []Contact {
	out := make([]Contact, 0, len(es))
	for _, e := range es {
		out = append(out, Contact{ID: e.id, Addr: e.addr})
	}
	return out
}
