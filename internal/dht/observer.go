package dht

import (
	"errors"
	"net/netip"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kunal-geeks/dhtnode/internal/p2p"
)

var (
	// ErrTimeout is passed to callbacks of queries that got no reply.
	ErrTimeout = errors.New("dht: query timed out")

	// ErrAborted is passed to callbacks of queries that were cancelled
	// before a reply could arrive.
	ErrAborted = errors.New("dht: query aborted")

	// ErrMalformedReply is passed when a reply lacks the expected fields.
	ErrMalformedReply = errors.New("dht: malformed reply")
)

// replyError returns the error carried by an error reply.
func replyError(m *p2p.Msg) error {
	if m.E != nil {
		return m.E
	}
	return ErrMalformedReply
}

// Observer is the continuation of one outstanding query. Exactly one of
// onReply, onTimeout and onAbort is called, through the reply, timeout and
// abort helpers.
type Observer interface {
	state() *observerState
	onReply(m *p2p.Msg)
	onTimeout()
	onAbort()
}

// shortTimeouter is implemented by observers that want to know a query is
// slow before it times out.
type shortTimeouter interface {
	onShortTimeout()
}

type observerState struct {
	addr netip.AddrPort
	id   ID
	sent time.Time
	tid  uint16

	done         bool
	shortTimeout bool
}

func (s *observerState) state() *observerState { return s }

func reply(o Observer, m *p2p.Msg) {
	s := o.state()
	if s.done {
		return
	}
	s.done = true
	o.onReply(m)
}

func timeout(o Observer) {
	s := o.state()
	if s.done {
		return
	}
	s.done = true
	o.onTimeout()
}

func abort(o Observer) {
	s := o.state()
	if s.done {
		return
	}
	s.done = true
	o.onAbort()
}

func shortTimeout(o Observer) {
	s := o.state()
	if s.done || s.shortTimeout {
		return
	}
	s.shortTimeout = true
	if st, ok := o.(shortTimeouter); ok {
		st.onShortTimeout()
	}
}

// nullObserver discards the outcome.
type nullObserver struct {
	observerState
}

func (*nullObserver) onReply(*p2p.Msg) {}
func (*nullObserver) onTimeout()       {}
func (*nullObserver) onAbort()         {}

// pingObserver refreshes a single node. The nodes it returns go into the
// routing table as second-hand contacts.
type pingObserver struct {
	observerState
	table RoutingTable
}

func (o *pingObserver) onReply(m *p2p.Msg) {
	if m.R == nil {
		return
	}
	for _, n := range parseNodes(m.R) {
		o.table.HeardAbout(n.ID, n.Addr)
	}
}

func (*pingObserver) onTimeout() {}
func (*pingObserver) onAbort()   {}

// traversalObserver is one step of an iterative lookup.
type traversalObserver struct {
	observerState
	t *traversal
	e *traversalEntry
}

func (o *traversalObserver) onReply(m *p2p.Msg) {
	if m.Y != "r" || m.R == nil {
		o.t.failed(o.e, false)
		return
	}
	o.t.replied(o.e, m)
}

func (o *traversalObserver) onTimeout()      { o.t.failed(o.e, false) }
func (o *traversalObserver) onAbort()        { o.t.failed(o.e, true) }
func (o *traversalObserver) onShortTimeout() { o.t.slow(o.e) }

// getItemObserver is a lookup step that only passes an item up once its
// hash or signature matches the target.
type getItemObserver struct {
	traversalObserver
}

func (o *getItemObserver) onReply(m *p2p.Msg) {
	if m.Y != "r" || m.R == nil {
		o.t.failed(o.e, false)
		return
	}
	if len(m.R.V) > 0 {
		k := o.t.kind.(*getItemKind)
		it, ok := itemFromReturn(m.R, k.salt)
		if !ok || it.Target() != o.t.target || k.mutable != it.Mutable {
			o.t.n.markBad(o.addr)
			o.t.failed(o.e, false)
			return
		}
		k.found(o.t, it)
	}
	o.t.replied(o.e, m)
}

// putObserver only confirms the put was accepted.
type putObserver struct {
	observerState
	done func(ok bool)
}

func (o *putObserver) onReply(m *p2p.Msg) {
	if m.Y == "e" && m.E != nil {
		log.WithFields(logrus.Fields{"addr": o.addr, "code": m.E.Code}).Debug("put rejected")
	}
	o.done(m.Y == "r")
}

func (o *putObserver) onTimeout() { o.done(false) }
func (o *putObserver) onAbort()   { o.done(false) }

// SampleResult is a BEP 51 response.
type SampleResult struct {
	Interval time.Duration
	Num      int
	Samples  []ID
	Nodes    []p2p.NodeInfo
}

type sampleObserver struct {
	observerState
	cb func(SampleResult, error)
}

func (o *sampleObserver) onReply(m *p2p.Msg) {
	if m.Y != "r" || m.R == nil {
		o.cb(SampleResult{}, replyError(m))
		return
	}
	var res SampleResult
	if m.R.Interval != nil {
		res.Interval = time.Duration(*m.R.Interval) * time.Second
	}
	if m.R.Num != nil {
		res.Num = *m.R.Num
	}
	s := m.R.Samples
	for len(s) >= IDBytes {
		var id ID
		copy(id[:], s[:IDBytes])
		res.Samples = append(res.Samples, id)
		s = s[IDBytes:]
	}
	res.Nodes = parseNodes(m.R)
	o.cb(res, nil)
}

func (o *sampleObserver) onTimeout() { o.cb(SampleResult{}, ErrTimeout) }
func (o *sampleObserver) onAbort()   { o.cb(SampleResult{}, ErrAborted) }

// directObserver hands the raw response to a callback.
type directObserver struct {
	observerState
	cb func(*p2p.Msg, error)
}

func (o *directObserver) onReply(m *p2p.Msg) {
	if m.Y != "r" {
		o.cb(m, replyError(m))
		return
	}
	o.cb(m, nil)
}

func (o *directObserver) onTimeout() { o.cb(nil, ErrTimeout) }
func (o *directObserver) onAbort()   { o.cb(nil, ErrAborted) }

// parseNodes decodes "nodes" and "nodes6", skipping malformed lists.
func parseNodes(r *p2p.Return) []p2p.NodeInfo {
	var out []p2p.NodeInfo
	if n4, err := p2p.UnmarshalCompactNodes(r.Nodes, false); err == nil {
		out = append(out, n4...)
	}
	if n6, err := p2p.UnmarshalCompactNodes(r.Nodes6, true); err == nil {
		out = append(out, n6...)
	}
	return out
}
