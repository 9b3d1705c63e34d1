package dht

import (
	"errors"
	"fmt"
	"math/rand"
	"net/netip"
	"time"

	"github.com/sirupsen/logrus"
	boom "github.com/tylertreat/BoomFilters"
	"golang.org/x/time/rate"

	"github.com/kunal-geeks/dhtnode/internal/config"
	"github.com/kunal-geeks/dhtnode/internal/p2p"
	"github.com/kunal-geeks/dhtnode/internal/storage"
)

var log = logrus.WithField("component", "dht")

// maxBadNodes is how many misbehaving endpoints are remembered before the
// filter is cleared.
const maxBadNodes = 1000

// Options configures a Node. Send is required; every other field has a
// default, and a zero Settings means config.Default().
type Options struct {
	Settings config.Settings

	// Send writes one datagram. It must not block.
	Send func(addr netip.AddrPort, payload []byte) error

	// Local is the address of the socket the node reads from.
	Local netip.AddrPort

	// ID is generated from Local (BEP 42) when zero.
	ID ID

	Table   RoutingTable
	Storage storage.Storage

	Rand *rand.Rand
	Now  func() time.Time
}

// Stats counts the traffic a node has handled.
type Stats struct {
	// Queries and Failed are keyed by verb.
	Queries map[string]int64
	Failed  map[string]int64

	Replies   int64
	Errors    int64
	Dropped   int64
	Malformed int64
}

func (s Stats) clone() Stats {
	out := s
	out.Queries = make(map[string]int64, len(s.Queries))
	for k, v := range s.Queries {
		out.Queries[k] = v
	}
	out.Failed = make(map[string]int64, len(s.Failed))
	for k, v := range s.Failed {
		out.Failed[k] = v
	}
	return out
}

// Node answers KRPC queries and runs lookups for one local DHT identity.
//
// Node is not safe for concurrent use. Incoming, Unreachable, Tick and the
// lookup methods must be serialised by the caller; Service does that.
type Node struct {
	settings config.Settings
	id       ID
	local    netip.AddrPort
	send     func(netip.AddrPort, []byte) error
	now      func() time.Time
	rnd      *rand.Rand

	table   RoutingTable
	storage storage.Storage
	rpc     *RPCManager

	tokens   writeTokens
	limiter  *rate.Limiter
	voter    *ipVoter
	badNodes *boom.BloomFilter

	running map[*traversal]struct{}
	stats   Stats

	lastStorageTick time.Time
	lastPing        time.Time

	closed bool
}

// NewNode creates a node. Nothing is sent until a lookup is started or a
// query arrives.
func NewNode(opts Options) (*Node, error) {
	if opts.Send == nil {
		return nil, errors.New("NewNode: Send is required")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Rand == nil {
		opts.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	s := opts.Settings
	if s.SearchBranching == 0 {
		s = config.Default()
	}
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("NewNode: %w", err)
	}

	id := opts.ID
	if id.IsZero() {
		if ip := opts.Local.Addr().Unmap(); ip.IsValid() && !ip.IsUnspecified() && !isLocalAddr(ip) {
			id = GenerateSecureID(ip, opts.Rand)
		} else {
			id = RandomID(opts.Rand)
		}
	}

	n := &Node{
		settings: s,
		id:       id,
		local:    opts.Local,
		send:     opts.Send,
		now:      opts.Now,
		rnd:      opts.Rand,
		table:    opts.Table,
		storage:  opts.Storage,
		voter:    newIPVoter(),
		badNodes: boom.NewBloomFilter(maxBadNodes, 0.01),
		running:  make(map[*traversal]struct{}),
		stats: Stats{
			Queries: make(map[string]int64),
			Failed:  make(map[string]int64),
		},
	}
	if n.table == nil {
		n.table = NewTable(id, TableOpts{
			MaxFailCount:  s.MaxFailCount,
			EnforceNodeID: s.EnforceNodeID,
			Now:           opts.Now,
			Rand:          opts.Rand,
		})
	}
	if n.storage == nil {
		so := storage.OptsFromSettings(s)
		so.Now = opts.Now
		so.Rand = opts.Rand
		n.storage = storage.NewMemoryStore(so)
	}
	n.storage.UpdateNodeIDs([]storage.Key{id.Key()})

	if s.UploadRateLimit > 0 {
		burst := s.UploadRateBurst
		if burst <= 0 {
			burst = s.UploadRateLimit
		}
		n.limiter = rate.NewLimiter(rate.Limit(s.UploadRateLimit), burst)
	}

	n.tokens = writeTokens{secret: n.rnd.Uint32(), prevSecret: n.rnd.Uint32()}
	n.rpc = NewRPCManager(n.ID, n.table, n.sendMsg, n.now)
	n.rpc.SetReadOnly(s.ReadOnly)
	n.lastStorageTick = n.now()

	log.WithFields(logrus.Fields{"id": id, "addr": opts.Local}).Info("dht node created")
	return n, nil
}

// ID returns the node's current ID. It changes when the external address
// vote settles on an address the ID does not verify against.
func (n *Node) ID() ID {
	return n.id
}

// Table returns the routing table.
func (n *Node) Table() RoutingTable {
	return n.table
}

// Storage returns the peer and item store.
func (n *Node) Storage() storage.Storage {
	return n.storage
}

// ExternalAddr returns the address most peers report seeing us at.
func (n *Node) ExternalAddr() (netip.Addr, bool) {
	return n.voter.external()
}

// Stats returns a copy of the traffic counters.
func (n *Node) Stats() Stats {
	return n.stats.clone()
}

func (n *Node) sendMsg(addr netip.AddrPort, m *p2p.Msg) error {
	b, err := p2p.EncodeMsg(m)
	if err != nil {
		return fmt.Errorf("sendMsg: %w", err)
	}
	if err := n.send(addr, b); err != nil {
		return fmt.Errorf("sendMsg: %w", err)
	}
	return nil
}

// Incoming handles one datagram. Datagrams that are not KRPC messages are
// dropped without a reply.
func (n *Node) Incoming(pkt p2p.Packet) {
	if n.closed {
		return
	}
	m, err := p2p.DecodeMsg(pkt.Payload)
	if err != nil {
		n.stats.Malformed++
		log.WithError(err).WithField("from", pkt.From).Debug("dropping datagram")
		return
	}

	switch m.Y {
	case "r", "e":
		if m.Y == "r" {
			n.stats.Replies++
		} else {
			n.stats.Errors++
		}
		_, ok := n.rpc.Incoming(m, pkt.From)
		if ok && m.IP != "" && pkt.Local == n.local {
			n.voteExternalIP(m.IP, pkt.From)
		}

	case "q":
		if n.settings.ReadOnly {
			return
		}
		if n.limiter != nil && !n.limiter.AllowN(n.now(), 1) {
			n.stats.Dropped++
			return
		}
		resp := n.IncomingRequest(m, pkt.From)
		if resp == nil {
			return
		}
		if err := n.sendMsg(pkt.From, resp); err != nil {
			log.WithError(err).WithField("to", pkt.From).Debug("failed to send response")
		}

	default:
		n.stats.Malformed++
	}
}

// Unreachable fails every query outstanding to addr.
func (n *Node) Unreachable(addr netip.AddrPort) {
	if n.closed {
		return
	}
	n.rpc.Unreachable(addr)
}

// Tick drives timeouts and housekeeping. It returns how long until it
// should be called again.
func (n *Node) Tick() time.Duration {
	if n.closed {
		return DefaultTickInterval
	}
	next := n.rpc.Tick()
	now := n.now()

	if target, ok := n.table.NeedRefresh(); ok {
		log.WithField("target", target).Debug("refreshing bucket")
		n.Refresh(target, nil)
	} else if now.Sub(n.lastPing) >= NodePingInterval {
		if c, ok := n.table.NextRefresh(); ok {
			n.lastPing = now
			n.pingContact(c)
		}
	}

	if now.Sub(n.lastStorageTick) >= StorageTickInterval {
		n.lastStorageTick = now
		n.storage.Tick()
		if n.badNodes.Count() >= maxBadNodes {
			n.badNodes.Reset()
		}
	}
	return next
}

// pingContact refreshes c with a find_node for a random ID in the bucket
// after c's, so the reply also teaches us about deeper buckets.
func (n *Node) pingContact(c Contact) {
	bucket := n.id.XOR(c.ID).PrefixLen() + 1
	if bucket >= IDBits {
		bucket = IDBits - 1
	}
	target := randomIDInBucket(n.id, bucket, n.rnd)
	m := &p2p.Msg{Q: "find_node", A: &p2p.MsgArgs{Target: string(target[:])}}
	o := &pingObserver{table: n.table}
	o.id = c.ID
	if err := n.rpc.Invoke(m, c.Addr, o); err != nil {
		log.WithError(err).Debug("ping failed")
	}
}

// NewWriteKey rotates the token secret. Tokens issued before the previous
// rotation stop verifying.
func (n *Node) NewWriteKey() {
	n.tokens.rotate(n.rnd.Uint32())
}

func (n *Node) generateToken(from netip.Addr, target ID) string {
	return n.tokens.generate(from, target)
}

func (n *Node) verifyToken(tok string, from netip.Addr, target ID) bool {
	return n.tokens.verify(tok, from, target)
}

func (n *Node) markBad(addr netip.AddrPort) {
	n.badNodes.Add([]byte(addr.String()))
}

func (n *Node) isBad(addr netip.AddrPort) bool {
	return n.badNodes.Test([]byte(addr.String()))
}

// voteExternalIP counts the "ip" field of a reply from a matched query.
func (n *Node) voteExternalIP(compact string, from netip.AddrPort) {
	ap, err := p2p.ParseCompactAddr(compact)
	if err != nil {
		return
	}
	if !n.voter.vote(ap.Addr(), from.Addr()) {
		return
	}
	ip, _ := n.voter.external()
	log.WithField("ip", ip).Info("external address changed")
	if VerifySecureID(n.id, ip) {
		return
	}
	id := GenerateSecureID(ip, n.rnd)
	log.WithFields(logrus.Fields{"old": n.id, "new": id}).Info("node id does not match external address, regenerating")
	n.id = id
	n.table.Rebase(id)
	n.storage.UpdateNodeIDs([]storage.Key{id.Key()})
}

// Close aborts every outstanding query. Lookup callbacks fire with
// whatever they collected so far.
func (n *Node) Close() {
	if n.closed {
		return
	}
	n.closed = true
	n.rpc.Close()
	log.WithField("id", n.id).Info("dht node closed")
}
