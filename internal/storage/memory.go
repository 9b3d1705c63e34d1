package storage

import (
	"bytes"
	"math/rand"
	"net/netip"
	"sort"
	"time"

	"github.com/sirupsen/logrus"
	boom "github.com/tylertreat/BoomFilters"

	"github.com/kunal-geeks/dhtnode/internal/config"
	"github.com/kunal-geeks/dhtnode/internal/p2p"
)

var log = logrus.WithField("component", "storage")

// PeerExpiry is how long an announced peer is kept without re-announcing.
const PeerExpiry = 45 * time.Minute

// maxNameLen bounds the torrent name kept from announce_peer.
const maxNameLen = 100

// MemoryStoreOpts configures a MemoryStore.
type MemoryStoreOpts struct {
	MaxTorrents   int
	MaxPeers      int
	MaxPeersReply int
	MaxDHTItems   int

	// ItemLifetime of 0 disables item expiry.
	ItemLifetime time.Duration

	SampleInterval time.Duration
	MaxSampleCount int

	Now  func() time.Time // defaults to time.Now
	Rand *rand.Rand       // defaults to a time-seeded source
}

// OptsFromSettings maps node settings onto store options.
func OptsFromSettings(s config.Settings) MemoryStoreOpts {
	return MemoryStoreOpts{
		MaxTorrents:    s.MaxTorrents,
		MaxPeers:       s.MaxPeers,
		MaxPeersReply:  s.MaxPeersReply,
		MaxDHTItems:    s.MaxDHTItems,
		ItemLifetime:   s.ItemLifetime,
		SampleInterval: s.SampleInfohashesInterval,
		MaxSampleCount: s.MaxInfohashesSampleCount,
	}
}

type peerEntry struct {
	added time.Time
	seed  bool
}

type swarm struct {
	name  string
	peers map[netip.AddrPort]peerEntry
}

// sortedPeers returns the swarm's endpoints in a stable order.
func (s *swarm) sortedPeers() []netip.AddrPort {
	out := make([]netip.AddrPort, 0, len(s.peers))
	for ap := range s.peers {
		out = append(out, ap)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Compare(out[j]) < 0 })
	return out
}

type item struct {
	value []byte

	// Distinct announcer IPs; the count decides which item to evict.
	ips           *boom.BloomFilter
	numAnnouncers int
	lastSeen      time.Time

	// mutable only
	seq  int64
	sig  [64]byte
	k    [32]byte
	salt []byte
}

func (it *item) touch(from netip.Addr, now time.Time) {
	it.lastSeen = now
	if !it.ips.TestAndAdd(from.Unmap().AsSlice()) {
		it.numAnnouncers++
	}
}

var _ Storage = (*MemoryStore)(nil)

// MemoryStore is an in-memory Storage.
type MemoryStore struct {
	opts MemoryStoreOpts

	nodeIDs   []Key
	torrents  map[Key]*swarm
	immutable map[Key]*item
	mutable   map[Key]*item
	counters  Counters

	sample        []Key
	sampleCreated time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore(opts MemoryStoreOpts) *MemoryStore {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Rand == nil {
		opts.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &MemoryStore{
		opts:      opts,
		torrents:  make(map[Key]*swarm),
		immutable: make(map[Key]*item),
		mutable:   make(map[Key]*item),
	}
}

func (s *MemoryStore) GetPeers(ih Key, v6, noseed, scrape bool) (PeersResult, bool) {
	var res PeersResult
	sw, ok := s.torrents[ih]
	if !ok {
		return res, false
	}
	res.Name = sw.name
	full := s.opts.MaxPeers > 0 && len(sw.peers) >= s.opts.MaxPeers

	if scrape {
		res.Seeds = &ScrapeFilter{}
		res.Downloaders = &ScrapeFilter{}
		for ap, p := range sw.peers {
			if p.seed {
				res.Seeds.Add(ap.Addr())
			} else {
				res.Downloaders.Add(ap.Addr())
			}
		}
		return res, full
	}

	max := s.opts.MaxPeersReply
	// v6 endpoints are three times the size; keep the reply in one datagram.
	if v6 {
		max /= 4
	}

	// Reservoir sample max peers out of the matching ones.
	seen := 0
	for _, ap := range sw.sortedPeers() {
		if ap.Addr().Is6() != v6 {
			continue
		}
		if noseed && sw.peers[ap].seed {
			continue
		}
		seen++
		if len(res.Values) < max {
			res.Values = append(res.Values, p2p.CompactAddr(ap))
			continue
		}
		if j := s.opts.Rand.Intn(seen); j < max {
			res.Values[j] = p2p.CompactAddr(ap)
		}
	}
	return res, full
}

func (s *MemoryStore) AnnouncePeer(ih Key, ep netip.AddrPort, name string, seed bool) {
	ep = netip.AddrPortFrom(ep.Addr().Unmap(), ep.Port())

	sw, ok := s.torrents[ih]
	if !ok {
		if len(s.torrents) > 0 && s.opts.MaxTorrents > 0 && len(s.torrents) >= s.opts.MaxTorrents {
			s.evictSmallestSwarm()
		}
		sw = &swarm{peers: make(map[netip.AddrPort]peerEntry)}
		s.torrents[ih] = sw
		s.counters.Torrents++
	}

	if name != "" && sw.name == "" {
		if len(name) > maxNameLen {
			name = name[:maxNameLen]
		}
		sw.name = name
	}

	if _, exists := sw.peers[ep]; !exists {
		if s.opts.MaxPeers > 0 && len(sw.peers) >= s.opts.MaxPeers {
			// At capacity it is a coin toss whether the newcomer or an
			// existing peer is dropped.
			if s.opts.Rand.Intn(2) == 1 {
				return
			}
			victims := sw.sortedPeers()
			delete(sw.peers, victims[s.opts.Rand.Intn(len(victims))])
			s.counters.Peers--
		}
		s.counters.Peers++
	}
	sw.peers[ep] = peerEntry{added: s.opts.Now(), seed: seed}
}

func (s *MemoryStore) evictSmallestSwarm() {
	var (
		victim Key
		min    = -1
	)
	for k, sw := range s.torrents {
		if min == -1 || len(sw.peers) < min || (len(sw.peers) == min && bytes.Compare(k[:], victim[:]) < 0) {
			victim, min = k, len(sw.peers)
		}
	}
	delete(s.torrents, victim)
	s.counters.Torrents--
	s.counters.Peers -= min
	log.WithField("infohash", victim).Debug("evicted smallest swarm")
}

func (s *MemoryStore) GetImmutableItem(target Key) ([]byte, bool) {
	it, ok := s.immutable[target]
	if !ok {
		return nil, false
	}
	return it.value, true
}

func (s *MemoryStore) PutImmutableItem(target Key, v []byte, from netip.Addr) {
	it, ok := s.immutable[target]
	if !ok {
		if s.opts.MaxDHTItems > 0 && len(s.immutable) >= s.opts.MaxDHTItems {
			s.evictItem(s.immutable)
			s.counters.ImmutableData--
		}
		it = newItem(v)
		s.immutable[target] = it
		s.counters.ImmutableData++
	}
	it.touch(from, s.opts.Now())
}

func (s *MemoryStore) GetMutableItemSeq(target Key) (int64, bool) {
	it, ok := s.mutable[target]
	if !ok {
		return 0, false
	}
	return it.seq, true
}

func (s *MemoryStore) GetMutableItem(target Key, seq int64, forceFill bool) (MutableItem, bool) {
	it, ok := s.mutable[target]
	if !ok {
		return MutableItem{}, false
	}
	out := MutableItem{Seq: it.seq}
	if forceFill || (seq >= 0 && seq < it.seq) {
		out.V = it.value
		out.Sig = it.sig
		out.K = it.k
		out.Salt = it.salt
	}
	return out, true
}

func (s *MemoryStore) PutMutableItem(target Key, mi MutableItem, from netip.Addr) {
	it, ok := s.mutable[target]
	switch {
	case !ok:
		if s.opts.MaxDHTItems > 0 && len(s.mutable) >= s.opts.MaxDHTItems {
			s.evictItem(s.mutable)
			s.counters.MutableData--
		}
		it = newItem(mi.V)
		it.seq, it.sig, it.k = mi.Seq, mi.Sig, mi.K
		it.salt = append([]byte(nil), mi.Salt...)
		s.mutable[target] = it
		s.counters.MutableData++
	case it.seq < mi.Seq:
		it.value = append([]byte(nil), mi.V...)
		it.seq, it.sig = mi.Seq, mi.Sig
	}
	it.touch(from, s.opts.Now())
}

func newItem(v []byte) *item {
	return &item{
		value: append([]byte(nil), v...),
		ips:   boom.NewBloomFilter(128, 0.01),
	}
}

// evictItem removes the least important item: few announcers and far from
// our node IDs. Every 5 announcers are worth one bit of distance.
func (s *MemoryStore) evictItem(table map[Key]*item) {
	var (
		victim Key
		best   int
		found  bool
	)
	for k, it := range table {
		score := it.numAnnouncers/5 - minDistanceExp(k, s.nodeIDs)
		if !found || score < best || (score == best && bytes.Compare(k[:], victim[:]) < 0) {
			victim, best, found = k, score, true
		}
	}
	delete(table, victim)
}

func (s *MemoryStore) GetInfohashesSample() Sample {
	now := s.opts.Now()
	if s.sample == nil || now.Sub(s.sampleCreated) >= s.opts.SampleInterval {
		s.refreshSample(now)
	}
	out := make([]Key, len(s.sample))
	copy(out, s.sample)
	return Sample{
		Interval: s.opts.SampleInterval,
		Num:      len(s.torrents),
		Samples:  out,
	}
}

func (s *MemoryStore) refreshSample(now time.Time) {
	s.sampleCreated = now
	if s.opts.SampleInterval <= 0 || s.opts.MaxSampleCount <= 0 {
		s.sample = []Key{}
		return
	}

	keys := make([]Key, 0, len(s.torrents))
	for k := range s.torrents {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return bytes.Compare(keys[i][:], keys[j][:]) < 0 })
	s.opts.Rand.Shuffle(len(keys), func(i, j int) { keys[i], keys[j] = keys[j], keys[i] })
	if len(keys) > s.opts.MaxSampleCount {
		keys = keys[:s.opts.MaxSampleCount]
	}
	s.sample = keys
}

func (s *MemoryStore) UpdateNodeIDs(ids []Key) {
	s.nodeIDs = append(s.nodeIDs[:0], ids...)
}

func (s *MemoryStore) Tick() {
	now := s.opts.Now()

	for ih, sw := range s.torrents {
		for ap, p := range sw.peers {
			if now.Sub(p.added) > PeerExpiry {
				delete(sw.peers, ap)
				s.counters.Peers--
			}
		}
		if len(sw.peers) == 0 {
			delete(s.torrents, ih)
			s.counters.Torrents--
		}
	}

	if s.opts.ItemLifetime <= 0 {
		return
	}
	lifetime := s.opts.ItemLifetime
	if lifetime < config.MinItemLifetime {
		lifetime = config.MinItemLifetime
	}
	s.counters.ImmutableData -= expireItems(s.immutable, now, lifetime)
	s.counters.MutableData -= expireItems(s.mutable, now, lifetime)
}

func expireItems(table map[Key]*item, now time.Time, lifetime time.Duration) int {
	n := 0
	for k, it := range table {
		if it.lastSeen.Add(lifetime).After(now) {
			continue
		}
		delete(table, k)
		n++
	}
	return n
}

func (s *MemoryStore) Counters() Counters {
	return s.counters
}
