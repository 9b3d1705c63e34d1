package dht

import (
	"math/rand"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kunal-geeks/dhtnode/internal/config"
	"github.com/kunal-geeks/dhtnode/internal/p2p"
)

var testLocal = netip.MustParseAddrPort("192.0.2.1:6881")

type sentMsg struct {
	to netip.AddrPort
	m  *p2p.Msg
}

// testEnv records what a single test node sends.
type testEnv struct {
	clock   *testClock
	sent    []sentMsg
	sendErr error
}

func (e *testEnv) send(to netip.AddrPort, b []byte) error {
	if e.sendErr != nil {
		return e.sendErr
	}
	m, err := p2p.DecodeMsg(b)
	if err != nil {
		return err
	}
	e.sent = append(e.sent, sentMsg{to: to, m: m})
	return nil
}

func (e *testEnv) last(t *testing.T) sentMsg {
	t.Helper()
	require.NotEmpty(t, e.sent, "nothing was sent")
	return e.sent[len(e.sent)-1]
}

func (e *testEnv) take() []sentMsg {
	s := e.sent
	e.sent = nil
	return s
}

func testSettings() config.Settings {
	s := config.Default()
	s.UploadRateLimit = 0
	return s
}

func newTestNode(t *testing.T, mutate ...func(*Options)) (*Node, *testEnv) {
	t.Helper()
	env := &testEnv{clock: newTestClock()}
	opts := Options{
		Settings: testSettings(),
		Send:     env.send,
		Local:    testLocal,
		Rand:     rand.New(rand.NewSource(1)),
		Now:      env.clock.Now,
	}
	for _, f := range mutate {
		f(&opts)
	}
	n, err := NewNode(opts)
	require.NoError(t, err)
	return n, env
}

func testID(b byte) ID {
	var id ID
	for i := range id {
		id[i] = b
	}
	return id
}

func newQuery(verb string, from ID, a *p2p.MsgArgs) *p2p.Msg {
	if a == nil {
		a = &p2p.MsgArgs{}
	}
	a.ID = string(from[:])
	return &p2p.Msg{T: "xy", Y: "q", Q: verb, A: a}
}

// replyTo builds the reply from id to a query the node sent.
func replyTo(q *p2p.Msg, id ID, r *p2p.Return) *p2p.Msg {
	if r == nil {
		r = &p2p.Return{}
	}
	r.ID = string(id[:])
	return &p2p.Msg{T: q.T, Y: "r", R: r}
}

func encode(t *testing.T, m *p2p.Msg) []byte {
	t.Helper()
	b, err := p2p.EncodeMsg(m)
	require.NoError(t, err)
	return b
}

type netPacket struct {
	to  netip.AddrPort
	pkt p2p.Packet
}

// testNetwork connects nodes through an in-memory queue. Datagrams are
// delivered in send order by run.
type testNetwork struct {
	t     *testing.T
	clock *testClock
	nodes map[netip.AddrPort]*Node
	order []*Node
	queue []netPacket

	// down endpoints swallow everything sent to them.
	down map[netip.AddrPort]bool
}

func newTestNetwork(t *testing.T) *testNetwork {
	return &testNetwork{
		t:     t,
		clock: newTestClock(),
		nodes: make(map[netip.AddrPort]*Node),
		down:  make(map[netip.AddrPort]bool),
	}
}

func (nw *testNetwork) add(i int) *Node {
	nw.t.Helper()
	addr := addrN(i)
	n, err := NewNode(Options{
		Settings: testSettings(),
		Send: func(to netip.AddrPort, b []byte) error {
			nw.queue = append(nw.queue, netPacket{to: to, pkt: p2p.Packet{
				From:    addr,
				Local:   to,
				Payload: append([]byte(nil), b...),
			}})
			return nil
		},
		Local: addr,
		Rand:  rand.New(rand.NewSource(int64(i) + 100)),
		Now:   nw.clock.Now,
	})
	require.NoError(nw.t, err)
	nw.nodes[addr] = n
	nw.order = append(nw.order, n)
	return n
}

// mesh creates count nodes that have all seen each other, as far as their
// bucket sizes allow.
func (nw *testNetwork) mesh(count int) []*Node {
	for i := 1; i <= count; i++ {
		nw.add(i)
	}
	for _, a := range nw.order {
		for _, b := range nw.order {
			if a != b {
				a.table.NodeSeen(Contact{ID: b.ID(), Addr: b.local})
			}
		}
	}
	return nw.order
}

// run delivers queued datagrams until the network is quiet.
func (nw *testNetwork) run() {
	for steps := 0; len(nw.queue) > 0; steps++ {
		require.Less(nw.t, steps, 1_000_000, "network did not settle")
		p := nw.queue[0]
		nw.queue = nw.queue[1:]
		if nw.down[p.to] {
			continue
		}
		if n, ok := nw.nodes[p.to]; ok {
			n.Incoming(p.pkt)
		}
	}
}
