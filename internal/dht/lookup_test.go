package dht

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kunal-geeks/dhtnode/internal/p2p"
)

func TestLookup_Bootstrap(t *testing.T) {
	nw := newTestNetwork(t)
	nw.mesh(20)
	newcomer := nw.add(50)

	var closest []Contact
	done := false
	newcomer.Bootstrap([]netip.AddrPort{addrN(1)}, func(cs []Contact) { closest, done = cs, true })
	nw.run()

	require.True(t, done)
	assert.Len(t, closest, K)
	_, confirmed := newcomer.table.Size()
	assert.GreaterOrEqual(t, confirmed, K)
	assert.Empty(t, newcomer.running)
}

func TestLookup_AnnounceThenGetPeers(t *testing.T) {
	nw := newTestNetwork(t)
	nodes := nw.mesh(30)
	ih := testID(0x5a)

	announced := false
	nodes[3].Announce(ih, 7777, 0, nil, func(res PeersLookup) {
		announced = true
		assert.NotEmpty(t, res.Nodes)
	})
	nw.run()
	require.True(t, announced)

	var peers []netip.AddrPort
	var res PeersLookup
	done := false
	nodes[17].GetPeers(ih, AnnounceScrape,
		func(ps []netip.AddrPort) { peers = append(peers, ps...) },
		func(r PeersLookup) { res, done = r, true },
	)
	nw.run()
	require.True(t, done)
	assert.NotEmpty(t, res.Nodes)
	for _, nt := range res.Nodes {
		assert.Len(t, nt.Token, tokenSize)
	}
	// Scrape replies carry bloom filters instead of values.
	assert.Empty(t, peers)
	assert.Zero(t, res.Seeds)
	assert.InDelta(t, 1, res.Downloaders, 1)

	nodes[17].GetPeers(ih, 0,
		func(ps []netip.AddrPort) { peers = append(peers, ps...) },
		nil,
	)
	nw.run()
	assert.Contains(t, peers, netip.AddrPortFrom(addrN(4).Addr(), 7777))
}

func TestLookup_PutGetImmutable(t *testing.T) {
	nw := newTestNetwork(t)
	nodes := nw.mesh(25)
	v := []byte("l4:spam4:eggse")

	var target ID
	acks := -1
	require.NoError(t, nodes[0].PutItem(v, func(tg ID, n int) { target, acks = tg, n }))
	nw.run()
	assert.Equal(t, ImmutableTarget(v), target)
	assert.Equal(t, K, acks)

	var got Item
	found := false
	nodes[12].GetItem(target, func(it Item, ok bool) { got, found = it, ok })
	nw.run()
	require.True(t, found)
	assert.Equal(t, v, got.V)
	assert.False(t, got.Mutable)

	assert.Error(t, nodes[0].PutItem([]byte("not bencode"), nil))
}

func TestLookup_PutMutableTwice(t *testing.T) {
	nw := newTestNetwork(t)
	nodes := nw.mesh(25)
	priv := testKey(t)
	salt := []byte("profile")

	put := func(n *Node, v string, wantFound bool) (Item, int) {
		var (
			item Item
			acks int
			err  error
		)
		update := func(cur Item, found bool) ([]byte, bool) {
			assert.Equal(t, wantFound, found)
			return []byte(v), true
		}
		require.NoError(t, n.PutMutableItem(priv, salt, update, func(it Item, a int, e error) {
			item, acks, err = it, a, e
		}, PutOptions{CAS: true}))
		nw.run()
		require.NoError(t, err)
		return item, acks
	}

	first, acks := put(nodes[1], "i1e", false)
	assert.Equal(t, int64(0), first.Seq)
	assert.Equal(t, K, acks)

	second, acks := put(nodes[8], "i2e", true)
	assert.Equal(t, int64(1), second.Seq)
	assert.Equal(t, K, acks)

	var got Item
	found := false
	nodes[20].GetMutableItem(second.K, salt, func(it Item, ok bool) { got, found = it, ok })
	nw.run()
	require.True(t, found)
	assert.True(t, got.Mutable)
	assert.Equal(t, int64(1), got.Seq)
	assert.Equal(t, "i2e", string(got.V))
	assert.True(t, got.Verify())
}

func TestLookup_PutMutableCancelled(t *testing.T) {
	nw := newTestNetwork(t)
	nodes := nw.mesh(10)

	var gotErr error
	require.NoError(t, nodes[0].PutMutableItem(testKey(t), nil,
		func(Item, bool) ([]byte, bool) { return nil, false },
		func(_ Item, _ int, err error) { gotErr = err },
		PutOptions{},
	))
	nw.run()
	assert.ErrorIs(t, gotErr, ErrPutCancelled)

	assert.Error(t, nodes[0].PutMutableItem(testKey(t)[:10], nil, nil, nil, PutOptions{}))
}

func TestLookup_SurvivesDeadNodes(t *testing.T) {
	nw := newTestNetwork(t)
	nodes := nw.mesh(30)
	for i := 20; i <= 30; i++ {
		nw.down[addrN(i)] = true
	}
	ih := testID(0x3c)
	for _, n := range nodes[:19] {
		n.storage.AnnouncePeer(ih.Key(), netip.MustParseAddrPort("203.0.113.9:4000"), "", false)
	}

	var res PeersLookup
	done := false
	var peers []netip.AddrPort
	nodes[0].GetPeers(ih, 0,
		func(ps []netip.AddrPort) { peers = append(peers, ps...) },
		func(r PeersLookup) { res, done = r, true },
	)
	nw.run()
	for i := 0; !done && i < 20; i++ {
		nw.clock.Advance(TransactionTimeout)
		nodes[0].Tick()
		nw.run()
	}
	require.True(t, done, "lookup finished once dead branches timed out")
	assert.Contains(t, peers, netip.MustParseAddrPort("203.0.113.9:4000"))
	for _, nt := range res.Nodes {
		assert.False(t, nw.down[nt.Addr], "dead node %s in result", nt.Addr)
	}
}

func TestLookup_SampleAndDirectRequest(t *testing.T) {
	nw := newTestNetwork(t)
	nodes := nw.mesh(5)
	ih := testID(0x44)
	nodes[1].storage.AnnouncePeer(ih.Key(), netip.MustParseAddrPort("203.0.113.9:4000"), "", false)

	var sample SampleResult
	var sampleErr error
	nodes[0].SampleInfohashes(addrN(2), testID(0x01), func(r SampleResult, err error) { sample, sampleErr = r, err })
	nw.run()
	require.NoError(t, sampleErr)
	assert.Equal(t, []ID{ih}, sample.Samples)
	assert.Equal(t, 1, sample.Num)
	assert.NotEmpty(t, sample.Nodes)

	var raw *p2p.Msg
	nodes[0].DirectRequest(addrN(2), &p2p.Msg{Q: "get_peers", A: &p2p.MsgArgs{InfoHash: string(ih[:])}},
		func(m *p2p.Msg, err error) {
			require.NoError(t, err)
			raw = m
		})
	nw.run()
	require.NotNil(t, raw)
	assert.Len(t, raw.R.Values, 1)
	assert.Len(t, raw.R.Token, tokenSize)
}

func TestLookup_AddNode(t *testing.T) {
	nw := newTestNetwork(t)
	nw.mesh(10)
	newcomer := nw.add(50)

	newcomer.AddNode(addrN(1))
	nw.run()

	nodes, confirmed := newcomer.table.Size()
	assert.Equal(t, 1, confirmed)
	assert.Greater(t, nodes, 1, "nodes from the reply are heard about")
}
