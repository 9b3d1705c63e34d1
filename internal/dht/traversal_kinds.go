package dht

import (
	"net/netip"

	"github.com/sirupsen/logrus"

	"github.com/kunal-geeks/dhtnode/internal/p2p"
	"github.com/kunal-geeks/dhtnode/internal/storage"
)

// NodeToken is a node that answered a lookup together with the write
// token it handed out.
type NodeToken struct {
	ID    ID
	Addr  netip.AddrPort
	Token string
}

func entriesToNodeTokens(es []*traversalEntry) []NodeToken {
	out := make([]NodeToken, 0, len(es))
	for _, e := range es {
		out = append(out, NodeToken{ID: e.id, Addr: e.addr, Token: e.token})
	}
	return out
}

// findNodeKind backs bootstrap and bucket refresh.
type findNodeKind struct {
	plainObserver
	label string
	cb    func([]Contact)
}

func (k *findNodeKind) name() string { return k.label }

func (k *findNodeKind) request(t *traversal, _ *traversalEntry) *p2p.Msg {
	return &p2p.Msg{Q: "find_node", A: &p2p.MsgArgs{Target: string(t.target[:])}}
}

func (*findNodeKind) onReply(*traversal, *traversalEntry, *p2p.Msg) {}

func (k *findNodeKind) done(t *traversal) {
	if k.cb != nil {
		k.cb(entriesToContacts(t.closest(K, false)))
	}
}

// PeersLookup is the outcome of a get_peers lookup.
type PeersLookup struct {
	// Nodes are the closest nodes that handed out a write token.
	Nodes []NodeToken

	// Scrape estimates, only filled when AnnounceScrape was requested.
	Seeds       int
	Downloaders int
}

type getPeersKind struct {
	plainObserver
	noseed bool
	scrape bool

	dataCb  func([]netip.AddrPort)
	nodesCb func(PeersLookup)

	seeds       storage.ScrapeFilter
	downloaders storage.ScrapeFilter
}

func (*getPeersKind) name() string { return "get_peers" }

func (k *getPeersKind) request(t *traversal, _ *traversalEntry) *p2p.Msg {
	a := &p2p.MsgArgs{InfoHash: string(t.target[:])}
	if k.noseed {
		a.NoSeed = 1
	}
	if k.scrape {
		a.Scrape = 1
	}
	return &p2p.Msg{Q: "get_peers", A: a}
}

func (k *getPeersKind) onReply(_ *traversal, _ *traversalEntry, m *p2p.Msg) {
	if k.scrape {
		if f, ok := storage.ParseScrapeFilter(m.R.BFsd); ok {
			k.seeds.Merge(f)
		}
		if f, ok := storage.ParseScrapeFilter(m.R.BFpe); ok {
			k.downloaders.Merge(f)
		}
	}
	if len(m.R.Values) == 0 || k.dataCb == nil {
		return
	}
	peers := make([]netip.AddrPort, 0, len(m.R.Values))
	for _, v := range m.R.Values {
		ap, err := p2p.ParseCompactAddr(v)
		if err != nil || ap.Port() == 0 {
			continue
		}
		peers = append(peers, ap)
	}
	if len(peers) > 0 {
		k.dataCb(peers)
	}
}

func (k *getPeersKind) done(t *traversal) {
	if k.nodesCb == nil {
		return
	}
	res := PeersLookup{Nodes: entriesToNodeTokens(t.closest(K, true))}
	if k.scrape {
		res.Seeds = k.seeds.Estimate()
		res.Downloaders = k.downloaders.Estimate()
	}
	k.nodesCb(res)
}

// itemLookup is the outcome of a get lookup.
type itemLookup struct {
	item  Item
	found bool
	nodes []NodeToken
}

// getItemKind looks up a BEP 44 item. An immutable lookup stops at the
// first valid value; a mutable one keeps the highest sequence number seen.
type getItemKind struct {
	salt    []byte
	mutable bool
	cb      func(itemLookup)

	// collect keeps an immutable lookup going after a hit, for puts that
	// need every close node's token.
	collect bool

	best     Item
	haveItem bool
}

func (*getItemKind) name() string { return "get" }

func (k *getItemKind) observer(t *traversal, e *traversalEntry) Observer {
	return &getItemObserver{traversalObserver{t: t, e: e}}
}

func (k *getItemKind) request(t *traversal, _ *traversalEntry) *p2p.Msg {
	return &p2p.Msg{Q: "get", A: &p2p.MsgArgs{Target: string(t.target[:])}}
}

func (*getItemKind) onReply(*traversal, *traversalEntry, *p2p.Msg) {}

// found is called by getItemObserver with an item already checked
// against the target.
func (k *getItemKind) found(t *traversal, it Item) {
	if !k.mutable {
		k.best, k.haveItem = it, true
		if !k.collect {
			t.finish()
		}
		return
	}
	if !k.haveItem || it.Seq > k.best.Seq {
		k.best, k.haveItem = it, true
	}
}

func (k *getItemKind) done(t *traversal) {
	if k.cb != nil {
		k.cb(itemLookup{item: k.best, found: k.haveItem, nodes: entriesToNodeTokens(t.closest(K, true))})
	}
}

// putFanout stores an item on the nodes a get lookup found. It is not
// iterative: every node is asked once and the acknowledgements counted.
type putFanout struct {
	n       *Node
	pending int
	acks    int
	cb      func(acks int)
}

func (n *Node) putItem(it Item, cas *int64, nodes []NodeToken, cb func(acks int)) {
	f := &putFanout{n: n, cb: cb, pending: len(nodes)}
	if len(nodes) == 0 {
		f.finish()
		return
	}
	for _, nt := range nodes {
		a := &p2p.MsgArgs{Token: nt.Token, V: it.V}
		if it.Mutable {
			seq := it.Seq
			a.Seq = &seq
			a.K = string(it.K[:])
			a.Sig = string(it.Sig[:])
			a.Salt = string(it.Salt)
			a.Cas = cas
		}
		o := &putObserver{done: f.ack}
		o.id = nt.ID
		if err := n.rpc.Invoke(&p2p.Msg{Q: "put", A: a}, nt.Addr, o); err != nil {
			log.WithError(err).WithField("addr", nt.Addr).Debug("put failed")
		}
	}
}

func (f *putFanout) ack(ok bool) {
	if ok {
		f.acks++
	}
	f.pending--
	if f.pending == 0 {
		f.finish()
	}
}

func (f *putFanout) finish() {
	log.WithField("acks", f.acks).Debug("put done")
	if f.cb != nil {
		f.cb(f.acks)
	}
}

// announceTo sends announce_peer to each node with the token it handed
// out. Replies are not waited for.
func (n *Node) announceTo(ih ID, port int, flags AnnounceFlags, nodes []NodeToken) {
	for _, nt := range nodes {
		a := &p2p.MsgArgs{
			InfoHash: string(ih[:]),
			Port:     &port,
			Token:    nt.Token,
		}
		if flags&AnnounceImpliedPort != 0 {
			a.ImpliedPort = 1
		}
		if flags&AnnounceSeed != 0 {
			a.Seed = 1
		}
		o := &nullObserver{}
		o.id = nt.ID
		if err := n.rpc.Invoke(&p2p.Msg{Q: "announce_peer", A: a}, nt.Addr, o); err != nil {
			log.WithError(err).WithFields(logrus.Fields{"addr": nt.Addr, "info_hash": ih}).Debug("announce failed")
		}
	}
}
