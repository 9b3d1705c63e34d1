package dht

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kunal-geeks/dhtnode/internal/p2p"
)

// ErrClosed is returned by operations on a closed node or RPC manager.
var ErrClosed = errors.New("dht: closed")

// SendFunc writes one message to the network. It must not block.
type SendFunc func(addr netip.AddrPort, m *p2p.Msg) error

// RPCManager correlates outgoing queries with their replies. Outstanding
// queries live in a ring of MaxTransactions slots indexed by transaction
// id; oldest and next bound the live window so timeouts fire in FIFO order.
//
// RPCManager is not safe for concurrent use.
type RPCManager struct {
	self     func() ID
	table    RoutingTable
	send     SendFunc
	now      func() time.Time
	readOnly bool

	slots  [MaxTransactions]Observer
	oldest int
	next   int
	count  int

	// Observers evicted from a reused slot, waiting for their abort call.
	aborted []Observer

	closed bool
}

// NewRPCManager creates a manager. self is consulted on every query since
// the node ID can change at runtime.
func NewRPCManager(self func() ID, table RoutingTable, send SendFunc, now func() time.Time) *RPCManager {
	if now == nil {
		now = time.Now
	}
	return &RPCManager{self: self, table: table, send: send, now: now}
}

// SetReadOnly marks outgoing queries with "ro".
func (r *RPCManager) SetReadOnly(ro bool) {
	r.readOnly = ro
}

// NumOutstanding returns the number of queries waiting for a reply.
func (r *RPCManager) NumOutstanding() int {
	return r.count
}

func encodeTID(tid int) string {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], uint16(tid))
	return string(b[:])
}

// Invoke sends query m to addr and registers o for the reply. On failure
// o is aborted and nothing is registered. If the ring is full the oldest
// outstanding query is aborted to make room.
func (r *RPCManager) Invoke(m *p2p.Msg, addr netip.AddrPort, o Observer) error {
	if r.closed {
		abort(o)
		return ErrClosed
	}

	// Abort callbacks may invoke new queries, so keep evicting until the
	// slot at next is free.
	for r.slots[r.next] != nil {
		evicted := r.slots[r.next]
		r.slots[r.next] = nil
		r.count--
		r.advanceOldest()
		log.WithField("addr", evicted.state().addr).Debug("transaction table full, aborting oldest query")
		r.aborted = append(r.aborted, evicted)
		r.flushAborted()
		if r.closed {
			abort(o)
			return ErrClosed
		}
	}

	tid := r.next
	if m.A == nil {
		m.A = &p2p.MsgArgs{}
	}
	self := r.self()
	m.Y = "q"
	m.T = encodeTID(tid)
	m.A.ID = string(self[:])
	if r.readOnly {
		m.ReadOnly = 1
	}

	st := o.state()
	st.addr = addr
	st.sent = r.now()
	st.tid = uint16(tid)

	if err := r.send(addr, m); err != nil {
		abort(o)
		return fmt.Errorf("Invoke: %s to %s: %w", m.Q, addr, err)
	}

	if r.count == 0 {
		r.oldest = tid
	}
	r.slots[tid] = o
	r.count++
	r.next = (tid + 1) % MaxTransactions
	return nil
}

// Incoming matches a reply or error to its query. It returns the sender's
// ID and true when a reply completed a query.
func (r *RPCManager) Incoming(m *p2p.Msg, from netip.AddrPort) (ID, bool) {
	if r.closed {
		return ID{}, false
	}
	if len(m.T) < 2 {
		r.sendError(from, m.T, p2p.ErrorCodeProtocol, "invalid transaction id")
		return ID{}, false
	}

	tid := int(binary.BigEndian.Uint16([]byte(m.T[:2])))
	if tid >= MaxTransactions {
		return ID{}, false
	}
	o := r.slots[tid]
	if o == nil {
		return ID{}, false
	}

	st := o.state()
	if st.addr.Addr().Unmap() != from.Addr().Unmap() {
		log.WithFields(logrus.Fields{"expected": st.addr, "from": from}).Debug("reply from unexpected address")
		return ID{}, false
	}

	var id ID
	if m.Y == "r" {
		var ok bool
		if m.R != nil {
			id, ok = idFromString(m.R.ID)
		}
		if !ok {
			// Leave it to time out.
			return ID{}, false
		}
	}

	r.slots[tid] = nil
	r.count--
	r.advanceOldest()

	if m.Y != "r" {
		reply(o, m)
		return ID{}, false
	}

	rtt := r.now().Sub(st.sent)
	st.id = id
	r.table.NodeSeen(Contact{ID: id, Addr: from, RTT: rtt})
	reply(o, m)
	return id, true
}

// Unreachable times out every query addressed to addr.
func (r *RPCManager) Unreachable(addr netip.AddrPort) {
	var failed []Observer
	for i, n := 0, r.count; n > 0 && i < MaxTransactions; i++ {
		idx := (r.oldest + i) % MaxTransactions
		o := r.slots[idx]
		if o == nil {
			continue
		}
		n--
		if o.state().addr != addr {
			continue
		}
		r.slots[idx] = nil
		r.count--
		failed = append(failed, o)
	}
	r.advanceOldest()

	for _, o := range failed {
		r.fail(o)
	}
}

// Tick times out queries older than TransactionTimeout and fires short
// timeouts. It returns how long until it should be called again.
//
// The sweep stops at the first unexpired query. That is only correct
// because every query gets the same timeout and slots are allocated in
// send order.
func (r *RPCManager) Tick() time.Duration {
	now := r.now()
	next := DefaultTickInterval

	var timedOut []Observer
	for r.count > 0 {
		o := r.slots[r.oldest]
		if o == nil {
			r.oldest = (r.oldest + 1) % MaxTransactions
			continue
		}
		age := now.Sub(o.state().sent)
		if age < TransactionTimeout {
			if d := TransactionTimeout - age; d < next {
				next = d
			}
			break
		}
		r.slots[r.oldest] = nil
		r.count--
		r.oldest = (r.oldest + 1) % MaxTransactions
		timedOut = append(timedOut, o)
	}
	r.advanceOldest()

	var slow []Observer
	for i, n := 0, r.count; n > 0 && i < MaxTransactions; i++ {
		o := r.slots[(r.oldest+i)%MaxTransactions]
		if o == nil {
			continue
		}
		n--
		st := o.state()
		if st.shortTimeout {
			continue
		}
		if _, ok := o.(shortTimeouter); !ok {
			continue
		}
		if age := now.Sub(st.sent); age >= ShortTimeout {
			slow = append(slow, o)
		} else if d := ShortTimeout - age; d < next {
			next = d
		}
	}

	for _, o := range timedOut {
		r.fail(o)
	}
	for _, o := range slow {
		shortTimeout(o)
	}
	return next
}

// Close aborts every outstanding query. Queries invoked from abort
// callbacks are aborted immediately.
func (r *RPCManager) Close() {
	if r.closed {
		return
	}
	r.closed = true

	for i := range r.slots {
		if o := r.slots[i]; o != nil {
			r.slots[i] = nil
			r.aborted = append(r.aborted, o)
		}
	}
	r.count = 0
	r.oldest, r.next = 0, 0
	r.flushAborted()
}

func (r *RPCManager) fail(o Observer) {
	st := o.state()
	r.table.NodeFailed(st.id, st.addr)
	timeout(o)
}

func (r *RPCManager) flushAborted() {
	for len(r.aborted) > 0 {
		o := r.aborted[0]
		r.aborted = r.aborted[1:]
		abort(o)
	}
}

// advanceOldest moves oldest past freed slots.
func (r *RPCManager) advanceOldest() {
	if r.count == 0 {
		r.oldest = r.next
		return
	}
	for r.slots[r.oldest] == nil {
		r.oldest = (r.oldest + 1) % MaxTransactions
	}
}

func (r *RPCManager) sendError(to netip.AddrPort, t string, code int, msg string) {
	err := r.send(to, &p2p.Msg{T: t, Y: "e", E: p2p.NewError(code, msg)})
	if err != nil {
		log.WithError(err).WithField("addr", to).Debug("failed to send error reply")
	}
}
