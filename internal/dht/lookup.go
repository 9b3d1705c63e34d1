package dht

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"net/netip"

	"github.com/sirupsen/logrus"

	"github.com/kunal-geeks/dhtnode/internal/p2p"
)

// AnnounceFlags modify get_peers and announce lookups.
type AnnounceFlags uint8

const (
	// AnnounceSeed announces as a seed and asks for no seeds back.
	AnnounceSeed AnnounceFlags = 1 << iota

	// AnnounceImpliedPort asks nodes to use the source port of the
	// announce instead of the port argument.
	AnnounceImpliedPort

	// AnnounceScrape requests BEP 33 swarm size estimates.
	AnnounceScrape
)

// ErrPutCancelled is passed to a PutMutableItem callback when the update
// function declined to write.
var ErrPutCancelled = errors.New("dht: put cancelled")

// UpdateFunc computes the value to publish from the current one. It
// returns false to cancel the put.
type UpdateFunc func(cur Item, found bool) (v []byte, ok bool)

// PutOptions modify PutMutableItem.
type PutOptions struct {
	// CAS makes nodes reject the put if their stored sequence number is
	// not the one the lookup found.
	CAS bool
}

// Bootstrap looks up our own ID starting from seeds, which fills the
// routing table with our neighbourhood. cb gets the closest nodes that
// answered.
func (n *Node) Bootstrap(seeds []netip.AddrPort, cb func([]Contact)) {
	t := newTraversal(n, n.id, &findNodeKind{label: "bootstrap", cb: cb})
	for _, c := range n.table.FindNode(n.id, K, false) {
		t.addEntry(c.ID, c.Addr, false)
	}
	for _, ep := range seeds {
		t.addEntry(ID{}, ep, true)
	}
	t.start()
}

// Refresh runs a find_node lookup for target.
func (n *Node) Refresh(target ID, cb func([]Contact)) {
	newTraversal(n, target, &findNodeKind{label: "refresh", cb: cb}).start()
}

// GetPeers looks up peers for ih. dataCb is called for each batch of peers
// as replies come in; nodesCb once when the lookup converges.
func (n *Node) GetPeers(ih ID, flags AnnounceFlags, dataCb func([]netip.AddrPort), nodesCb func(PeersLookup)) {
	k := &getPeersKind{
		noseed:  flags&AnnounceSeed != 0,
		scrape:  flags&AnnounceScrape != 0,
		dataCb:  dataCb,
		nodesCb: nodesCb,
	}
	newTraversal(n, ih, k).start()
}

// Announce runs a get_peers lookup for ih and then announces port to the
// K closest nodes that gave us a token. cb receives peers as they are
// found; done, if set, runs once the announces are sent.
func (n *Node) Announce(ih ID, port int, flags AnnounceFlags, cb func([]netip.AddrPort), done func(PeersLookup)) {
	log.WithFields(logrus.Fields{"info_hash": ih, "port": port}).Debug("announcing")
	n.GetPeers(ih, flags&^AnnounceScrape, cb, func(res PeersLookup) {
		n.announceTo(ih, port, flags, res.Nodes)
		if done != nil {
			done(res)
		}
	})
}

// GetItem looks up an immutable item.
func (n *Node) GetItem(target ID, cb func(Item, bool)) {
	k := &getItemKind{cb: func(res itemLookup) { cb(res.item, res.found) }}
	newTraversal(n, target, k).start()
}

// GetMutableItem looks up the mutable item published under pk and salt,
// keeping the highest sequence number any node returned.
func (n *Node) GetMutableItem(pk [32]byte, salt []byte, cb func(Item, bool)) {
	k := &getItemKind{
		salt:    append([]byte(nil), salt...),
		mutable: true,
		cb:      func(res itemLookup) { cb(res.item, res.found) },
	}
	newTraversal(n, MutableTarget(pk, salt), k).start()
}

// PutItem stores the bencoded value v on the nodes closest to its hash.
// cb gets the target and how many nodes accepted the put.
func (n *Node) PutItem(v []byte, cb func(target ID, acks int)) error {
	it, err := NewImmutableItem(v)
	if err != nil {
		return fmt.Errorf("PutItem: %w", err)
	}
	target := it.Target()
	k := &getItemKind{collect: true, cb: func(res itemLookup) {
		n.putItem(it, nil, res.nodes, func(acks int) {
			if cb != nil {
				cb(target, acks)
			}
		})
	}}
	newTraversal(n, target, k).start()
	return nil
}

// PutMutableItem publishes a new version of the item under priv's public
// key and salt. It first looks up the current version, passes it to
// update, then signs the result with the next sequence number and puts it
// to the nodes the lookup found.
//
// This is a read followed by a write, not an atomic operation. Two writers
// may both read sequence N and race to publish N+1; with CAS set, nodes
// reject whichever arrives second, otherwise the last write wins per node.
func (n *Node) PutMutableItem(priv ed25519.PrivateKey, salt []byte, update UpdateFunc, done func(Item, int, error), opts PutOptions) error {
	if len(priv) != ed25519.PrivateKeySize {
		return fmt.Errorf("PutMutableItem: invalid private key size %d", len(priv))
	}
	if len(salt) > MaxSaltSize {
		return fmt.Errorf("PutMutableItem: %w", ErrSaltTooBig)
	}
	var pk [32]byte
	copy(pk[:], priv.Public().(ed25519.PublicKey))
	salt = append([]byte(nil), salt...)

	k := &getItemKind{salt: salt, mutable: true}
	k.cb = func(res itemLookup) {
		v, ok := update(res.item, res.found)
		if !ok {
			done(Item{}, 0, ErrPutCancelled)
			return
		}
		var seq int64
		var cas *int64
		if res.found {
			seq = res.item.Seq + 1
			if opts.CAS {
				c := res.item.Seq
				cas = &c
			}
		}
		it, err := NewMutableItem(priv, salt, v, seq)
		if err != nil {
			done(Item{}, 0, fmt.Errorf("PutMutableItem: %w", err))
			return
		}
		n.putItem(it, cas, res.nodes, func(acks int) { done(it, acks, nil) })
	}
	newTraversal(n, MutableTarget(pk, salt), k).start()
	return nil
}

// SampleInfohashes asks a single node for a BEP 51 sample of the
// infohashes it stores.
func (n *Node) SampleInfohashes(ep netip.AddrPort, target ID, cb func(SampleResult, error)) {
	m := &p2p.Msg{Q: "sample_infohashes", A: &p2p.MsgArgs{Target: string(target[:])}}
	if err := n.rpc.Invoke(m, ep, &sampleObserver{cb: cb}); err != nil {
		log.WithError(err).Debug("sample_infohashes failed")
	}
}

// DirectRequest sends an arbitrary query to ep and hands the raw response
// to cb. The transaction id and our ID are filled in.
func (n *Node) DirectRequest(ep netip.AddrPort, m *p2p.Msg, cb func(*p2p.Msg, error)) {
	if err := n.rpc.Invoke(m, ep, &directObserver{cb: cb}); err != nil {
		log.WithError(err).Debug("direct request failed")
	}
}

// Ping checks that ep is alive and returns its ID.
func (n *Node) Ping(ep netip.AddrPort, cb func(ID, error)) {
	n.DirectRequest(ep, &p2p.Msg{Q: "ping"}, func(m *p2p.Msg, err error) {
		if err != nil {
			cb(ID{}, err)
			return
		}
		id, ok := idFromString(m.R.ID)
		if !ok {
			cb(ID{}, ErrMalformedReply)
			return
		}
		cb(id, nil)
	})
}

// AddNode pings ep with a find_node; if it answers it is added to the
// routing table along with the nodes it returns.
func (n *Node) AddNode(ep netip.AddrPort) {
	target := randomIDInBucket(n.id, n.table.Depth(), n.rnd)
	m := &p2p.Msg{Q: "find_node", A: &p2p.MsgArgs{Target: string(target[:])}}
	if err := n.rpc.Invoke(m, ep, &pingObserver{table: n.table}); err != nil {
		log.WithError(err).WithField("addr", ep).Debug("add node failed")
	}
}
