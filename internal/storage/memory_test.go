package storage

import (
	"math/rand"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

func newTestStore(t *testing.T, mutate func(*MemoryStoreOpts)) (*MemoryStore, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	opts := MemoryStoreOpts{
		MaxTorrents:    10,
		MaxPeers:       10,
		MaxPeersReply:  100,
		MaxDHTItems:    10,
		SampleInterval: time.Hour,
		MaxSampleCount: 20,
		Now:            clock.Now,
		Rand:           rand.New(rand.NewSource(1)),
	}
	if mutate != nil {
		mutate(&opts)
	}
	return NewMemoryStore(opts), clock
}

func ep(s string) netip.AddrPort { return netip.MustParseAddrPort(s) }

func TestMemoryStore_AnnounceAndGetPeers(t *testing.T) {
	s, _ := newTestStore(t, nil)
	ih := Key{1}

	_, full := s.GetPeers(ih, false, false, false)
	assert.False(t, full)

	s.AnnouncePeer(ih, ep("10.0.0.1:1000"), "ubuntu.iso", false)
	s.AnnouncePeer(ih, ep("10.0.0.2:2000"), "other-name", true)
	s.AnnouncePeer(ih, ep("[2001:db8::1]:3000"), "", false)

	res, full := s.GetPeers(ih, false, false, false)
	assert.False(t, full)
	assert.Equal(t, "ubuntu.iso", res.Name, "first announced name wins")
	assert.ElementsMatch(t, []string{
		"\x0a\x00\x00\x01\x03\xe8",
		"\x0a\x00\x00\x02\x07\xd0",
	}, res.Values)

	res, _ = s.GetPeers(ih, false, true, false)
	assert.Equal(t, []string{"\x0a\x00\x00\x01\x03\xe8"}, res.Values, "noseed skips seeds")

	res, _ = s.GetPeers(ih, true, false, false)
	assert.Len(t, res.Values, 1)
	assert.Len(t, res.Values[0], 18)

	assert.Equal(t, Counters{Torrents: 1, Peers: 3}, s.Counters())
}

func TestMemoryStore_ReannounceDoesNotDuplicate(t *testing.T) {
	s, _ := newTestStore(t, nil)
	ih := Key{1}
	s.AnnouncePeer(ih, ep("10.0.0.1:1000"), "", false)
	s.AnnouncePeer(ih, ep("10.0.0.1:1000"), "", true)

	res, _ := s.GetPeers(ih, false, true, false)
	assert.Empty(t, res.Values, "peer is now a seed")
	assert.Equal(t, 1, s.Counters().Peers)
}

func TestMemoryStore_FullSwarm(t *testing.T) {
	s, _ := newTestStore(t, func(o *MemoryStoreOpts) { o.MaxPeers = 3 })
	ih := Key{7}
	for i := 1; i <= 6; i++ {
		s.AnnouncePeer(ih, netip.AddrPortFrom(netip.AddrFrom4([4]byte{10, 0, 0, byte(i)}), 80), "", false)
	}

	res, full := s.GetPeers(ih, false, false, false)
	assert.True(t, full)
	assert.Len(t, res.Values, 3, "swarm never exceeds MaxPeers")
	assert.Equal(t, 3, s.Counters().Peers)
}

func TestMemoryStore_MaxPeersReply(t *testing.T) {
	s, _ := newTestStore(t, func(o *MemoryStoreOpts) {
		o.MaxPeers = 100
		o.MaxPeersReply = 5
	})
	ih := Key{7}
	for i := 1; i <= 20; i++ {
		s.AnnouncePeer(ih, netip.AddrPortFrom(netip.AddrFrom4([4]byte{10, 0, 0, byte(i)}), 80), "", false)
	}
	res, full := s.GetPeers(ih, false, false, false)
	assert.False(t, full)
	assert.Len(t, res.Values, 5)
}

func TestMemoryStore_Scrape(t *testing.T) {
	s, _ := newTestStore(t, nil)
	ih := Key{3}
	s.AnnouncePeer(ih, ep("10.0.0.1:1"), "", true)
	s.AnnouncePeer(ih, ep("10.0.0.2:1"), "", false)
	s.AnnouncePeer(ih, ep("10.0.0.3:1"), "", false)

	res, _ := s.GetPeers(ih, false, false, true)
	require.NotNil(t, res.Seeds)
	require.NotNil(t, res.Downloaders)
	assert.Empty(t, res.Values)
	assert.InDelta(t, 1, res.Seeds.Estimate(), 1)
	assert.InDelta(t, 2, res.Downloaders.Estimate(), 1)
}

func TestMemoryStore_EvictsSmallestSwarm(t *testing.T) {
	s, _ := newTestStore(t, func(o *MemoryStoreOpts) { o.MaxTorrents = 2 })
	s.AnnouncePeer(Key{1}, ep("10.0.0.1:1"), "", false)
	s.AnnouncePeer(Key{1}, ep("10.0.0.2:1"), "", false)
	s.AnnouncePeer(Key{2}, ep("10.0.0.3:1"), "", false)
	s.AnnouncePeer(Key{3}, ep("10.0.0.4:1"), "", false)

	_, ok := s.torrents[Key{2}]
	assert.False(t, ok, "smallest swarm evicted")
	assert.Equal(t, Counters{Torrents: 2, Peers: 3}, s.Counters())
}

func TestMemoryStore_PeerExpiry(t *testing.T) {
	s, clock := newTestStore(t, nil)
	s.AnnouncePeer(Key{1}, ep("10.0.0.1:1"), "", false)

	clock.now = clock.now.Add(PeerExpiry - time.Minute)
	s.AnnouncePeer(Key{1}, ep("10.0.0.2:1"), "", false)

	clock.now = clock.now.Add(2 * time.Minute)
	s.Tick()
	res, _ := s.GetPeers(Key{1}, false, false, false)
	assert.Equal(t, []string{"\x0a\x00\x00\x02\x00\x01"}, res.Values)

	clock.now = clock.now.Add(PeerExpiry)
	s.Tick()
	assert.Equal(t, Counters{}, s.Counters())
}

func TestMemoryStore_ImmutableItems(t *testing.T) {
	s, _ := newTestStore(t, nil)
	target := Key{9}
	from := netip.MustParseAddr("10.0.0.1")

	_, ok := s.GetImmutableItem(target)
	assert.False(t, ok)

	s.PutImmutableItem(target, []byte("5:hello"), from)
	s.PutImmutableItem(target, []byte("5:hello"), from)

	v, ok := s.GetImmutableItem(target)
	require.True(t, ok)
	assert.Equal(t, "5:hello", string(v))
	assert.Equal(t, 1, s.Counters().ImmutableData)
	assert.Equal(t, 1, s.immutable[target].numAnnouncers, "same IP counted once")

	s.PutImmutableItem(target, []byte("5:hello"), netip.MustParseAddr("10.0.0.2"))
	assert.Equal(t, 2, s.immutable[target].numAnnouncers)
}

func TestMemoryStore_MutableItems(t *testing.T) {
	s, _ := newTestStore(t, nil)
	target := Key{5}
	from := netip.MustParseAddr("10.0.0.1")

	_, ok := s.GetMutableItemSeq(target)
	assert.False(t, ok)

	s.PutMutableItem(target, MutableItem{V: []byte("1:a"), Seq: 4, Sig: [64]byte{1}, K: [32]byte{2}, Salt: []byte("s")}, from)

	seq, ok := s.GetMutableItemSeq(target)
	require.True(t, ok)
	assert.Equal(t, int64(4), seq)

	// Older or equal sequence numbers do not replace the value.
	s.PutMutableItem(target, MutableItem{V: []byte("1:b"), Seq: 3}, from)
	s.PutMutableItem(target, MutableItem{V: []byte("1:c"), Seq: 5, Sig: [64]byte{3}}, from)

	it, ok := s.GetMutableItem(target, -1, true)
	require.True(t, ok)
	assert.Equal(t, "1:c", string(it.V))
	assert.Equal(t, int64(5), it.Seq)
	assert.Equal(t, [64]byte{3}, it.Sig)
	assert.Equal(t, [32]byte{2}, it.K)
	assert.Equal(t, "s", string(it.Salt))

	it, ok = s.GetMutableItem(target, 5, false)
	require.True(t, ok)
	assert.Nil(t, it.V, "requester already has seq 5")
	assert.Equal(t, int64(5), it.Seq)

	it, _ = s.GetMutableItem(target, 4, false)
	assert.Equal(t, "1:c", string(it.V))
}

func TestMemoryStore_EvictsLeastImportantItem(t *testing.T) {
	s, _ := newTestStore(t, func(o *MemoryStoreOpts) { o.MaxDHTItems = 2 })
	s.UpdateNodeIDs([]Key{{}})

	near := Key{19: 1}
	far := Key{0: 0x80}
	newer := Key{19: 2}
	from := netip.MustParseAddr("10.0.0.1")

	s.PutImmutableItem(near, []byte("1:n"), from)
	s.PutImmutableItem(far, []byte("1:f"), from)
	s.PutImmutableItem(newer, []byte("1:x"), from)

	_, ok := s.GetImmutableItem(far)
	assert.False(t, ok, "item farthest from our ID is evicted")
	_, ok = s.GetImmutableItem(near)
	assert.True(t, ok)
	assert.Equal(t, 2, s.Counters().ImmutableData)
}

func TestMemoryStore_ItemLifetime(t *testing.T) {
	s, clock := newTestStore(t, func(o *MemoryStoreOpts) { o.ItemLifetime = time.Minute })
	from := netip.MustParseAddr("10.0.0.1")
	s.PutImmutableItem(Key{1}, []byte("1:a"), from)
	s.PutMutableItem(Key{2}, MutableItem{V: []byte("1:b"), Seq: 1}, from)

	// Lifetimes below two hours are raised to two hours.
	clock.now = clock.now.Add(time.Hour)
	s.Tick()
	assert.Equal(t, 1, s.Counters().ImmutableData)
	assert.Equal(t, 1, s.Counters().MutableData)

	clock.now = clock.now.Add(2 * time.Hour)
	s.Tick()
	assert.Equal(t, Counters{}, s.Counters())
}

func TestMemoryStore_InfohashesSample(t *testing.T) {
	s, clock := newTestStore(t, func(o *MemoryStoreOpts) { o.MaxSampleCount = 2 })

	sample := s.GetInfohashesSample()
	assert.Equal(t, 0, sample.Num)
	assert.Empty(t, sample.Samples)
	assert.Equal(t, time.Hour, sample.Interval)

	for i := 1; i <= 5; i++ {
		s.AnnouncePeer(Key{byte(i)}, ep("10.0.0.1:1"), "", false)
	}

	// The cached sample is kept until the interval passes.
	sample = s.GetInfohashesSample()
	assert.Empty(t, sample.Samples)
	assert.Equal(t, 5, sample.Num)

	clock.now = clock.now.Add(time.Hour)
	sample = s.GetInfohashesSample()
	assert.Len(t, sample.Samples, 2)
	for _, k := range sample.Samples {
		_, ok := s.torrents[k]
		assert.True(t, ok)
	}
}
