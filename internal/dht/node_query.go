package dht

import (
	"net/netip"
	"strings"
	"time"

	"github.com/anacrolix/dht/v2/krpc"
	"github.com/sirupsen/logrus"

	"github.com/kunal-geeks/dhtnode/internal/p2p"
	"github.com/kunal-geeks/dhtnode/internal/storage"
)

var knownVerbs = map[string]bool{
	"ping":              true,
	"find_node":         true,
	"get_peers":         true,
	"announce_peer":     true,
	"get":               true,
	"put":               true,
	"sample_infohashes": true,
}

func protocolError(msg string) *p2p.KRPCError {
	return p2p.NewError(p2p.ErrorCodeProtocol, msg)
}

// IncomingRequest answers query m from addr. The result is either a
// response or an error message; it is never nil.
func (n *Node) IncomingRequest(m *p2p.Msg, from netip.AddrPort) *p2p.Msg {
	verb := m.Q
	if !knownVerbs[verb] {
		verb = "unknown"
	}
	n.stats.Queries[verb]++

	if m.A == nil {
		return n.errorReply(m, from, verb, protocolError("missing 'a' key"))
	}
	sender, ok := idFromString(m.A.ID)
	if !ok {
		return n.errorReply(m, from, verb, protocolError("missing 'id' key"))
	}
	// Read-only nodes never answer, so keep them out of the table.
	if m.ReadOnly == 0 {
		n.table.HeardAbout(sender, from)
	}

	resp := &p2p.Msg{
		T:  m.T,
		Y:  "r",
		IP: p2p.CompactAddr(from),
		R:  &p2p.Return{ID: string(n.id[:])},
	}

	var kerr *p2p.KRPCError
	switch m.Q {
	case "ping":
	case "find_node":
		kerr = n.onFindNode(m.A, from, resp.R)
	case "get_peers":
		kerr = n.onGetPeers(m.A, from, resp.R)
	case "announce_peer":
		kerr = n.onAnnounce(m.A, sender, from)
	case "get":
		kerr = n.onGet(m.A, from, resp.R)
	case "put":
		kerr = n.onPut(m.A, sender, from)
	case "sample_infohashes":
		kerr = n.onSampleInfohashes(m.A, from, resp.R)
	default:
		kerr = n.onUnknown(m.A, from, resp.R)
	}
	if kerr != nil {
		return n.errorReply(m, from, verb, kerr)
	}
	fitReply(resp)
	return resp
}

// fitReply drops the farthest nodes6 entries, then nodes entries, until the
// encoded reply fits in one frame. A reply that is still too large goes
// out as it is.
func fitReply(resp *p2p.Msg) {
	r := resp.R
	for {
		b, err := p2p.EncodeMsg(resp)
		if err != nil || len(b) <= p2p.MaxMessageSize {
			return
		}
		switch {
		case len(r.Nodes6) >= p2p.CompactNodeLen6:
			r.Nodes6 = r.Nodes6[:len(r.Nodes6)-p2p.CompactNodeLen6]
		case len(r.Nodes) >= p2p.CompactNodeLen4:
			r.Nodes = r.Nodes[:len(r.Nodes)-p2p.CompactNodeLen4]
		default:
			return
		}
	}
}

func (n *Node) errorReply(m *p2p.Msg, from netip.AddrPort, verb string, kerr *p2p.KRPCError) *p2p.Msg {
	n.stats.Failed[verb]++
	log.WithFields(logrus.Fields{
		"from": from, "q": verb, "code": kerr.Code, "msg": kerr.Msg,
	}).Debug("rejecting query")
	return &p2p.Msg{T: m.T, Y: "e", E: kerr}
}

func (n *Node) onFindNode(a *p2p.MsgArgs, from netip.AddrPort, r *p2p.Return) *p2p.KRPCError {
	target, ok := idFromString(a.Target)
	if !ok {
		return protocolError("missing 'target' key")
	}
	n.writeNodes(r, target, a.Want, from)
	return nil
}

func (n *Node) onGetPeers(a *p2p.MsgArgs, from netip.AddrPort, r *p2p.Return) *p2p.KRPCError {
	ih, ok := idFromString(a.InfoHash)
	if !ok {
		return protocolError("missing 'info_hash' key")
	}
	n.writeNodes(r, ih, a.Want, from)

	v6 := from.Addr().Unmap().Is6()
	res, full := n.storage.GetPeers(ih.Key(), v6, a.NoSeed != 0, a.Scrape != 0)
	// A full swarm sends announcers on to our neighbours.
	if !full {
		r.Token = n.generateToken(from.Addr(), ih)
	}
	r.Name = res.Name
	r.Values = res.Values
	if res.Seeds != nil {
		r.BFsd = string(res.Seeds[:])
	}
	if res.Downloaders != nil {
		r.BFpe = string(res.Downloaders[:])
	}
	return nil
}

func (n *Node) onAnnounce(a *p2p.MsgArgs, sender ID, from netip.AddrPort) *p2p.KRPCError {
	ih, ok := idFromString(a.InfoHash)
	if !ok {
		return protocolError("missing 'info_hash' key")
	}
	if a.Port == nil {
		return protocolError("missing 'port' key")
	}
	if a.Token == "" {
		return protocolError("missing 'token' key")
	}

	port := *a.Port
	if a.ImpliedPort != 0 {
		port = int(from.Port())
	}
	if port < 0 || port > 65535 {
		return protocolError("invalid port")
	}
	if !n.verifyToken(a.Token, from.Addr(), ih) {
		return protocolError("invalid token")
	}

	n.table.NodeSeen(Contact{ID: sender, Addr: from, Verified: true})
	n.storage.AnnouncePeer(ih.Key(), netip.AddrPortFrom(from.Addr(), uint16(port)), a.Name, a.Seed != 0)
	return nil
}

func (n *Node) onPut(a *p2p.MsgArgs, sender ID, from netip.AddrPort) *p2p.KRPCError {
	if len(a.V) > MaxValueSize {
		return p2p.NewError(p2p.ErrorCodeMessageTooBig, "message too big")
	}
	if len(a.V) == 0 {
		return protocolError("missing 'v' key")
	}
	if len(a.Salt) > MaxSaltSize {
		return p2p.NewError(p2p.ErrorCodeSaltTooBig, "salt too big")
	}
	if a.Token == "" {
		return protocolError("missing 'token' key")
	}

	mutable := a.Seq != nil && a.K != "" && a.Sig != ""
	if mutable && (len(a.K) != 32 || len(a.Sig) != 64) {
		return protocolError("invalid key or signature size")
	}

	var (
		target ID
		k      [32]byte
		sig    [64]byte
		salt   = []byte(a.Salt)
	)
	if mutable {
		copy(k[:], a.K)
		copy(sig[:], a.Sig)
		target = MutableTarget(k, salt)
	} else {
		target = ImmutableTarget(a.V)
	}

	if !n.verifyToken(a.Token, from.Addr(), target) {
		return protocolError("invalid token")
	}

	if !mutable {
		n.storage.PutImmutableItem(target.Key(), append([]byte(nil), a.V...), from.Addr())
		n.table.NodeSeen(Contact{ID: sender, Addr: from, Verified: true})
		return nil
	}

	seq := *a.Seq
	if seq < 0 {
		return protocolError("invalid (negative) sequence number")
	}
	if !verifyMutable(a.V, salt, seq, k, sig) {
		return p2p.NewError(p2p.ErrorCodeInvalidSig, "invalid signature")
	}
	if stored, ok := n.storage.GetMutableItemSeq(target.Key()); ok {
		if a.Cas != nil && *a.Cas != stored {
			return p2p.NewError(p2p.ErrorCodeCASMismatch, "CAS mismatch")
		}
		if stored > seq {
			return p2p.NewError(p2p.ErrorCodeSequenceTooLow, "old sequence number")
		}
	}

	n.storage.PutMutableItem(target.Key(), storage.MutableItem{
		V:    append([]byte(nil), a.V...),
		Seq:  seq,
		Sig:  sig,
		K:    k,
		Salt: salt,
	}, from.Addr())
	n.table.NodeSeen(Contact{ID: sender, Addr: from, Verified: true})
	return nil
}

func (n *Node) onGet(a *p2p.MsgArgs, from netip.AddrPort, r *p2p.Return) *p2p.KRPCError {
	target, ok := idFromString(a.Target)
	if !ok {
		return protocolError("missing 'target' key")
	}
	r.Token = n.generateToken(from.Addr(), target)
	n.writeNodes(r, target, a.Want, from)

	if a.Seq == nil {
		if v, ok := n.storage.GetImmutableItem(target.Key()); ok {
			r.V = v
			return nil
		}
		if mi, ok := n.storage.GetMutableItem(target.Key(), 0, true); ok {
			writeMutable(r, mi)
		}
		return nil
	}
	if mi, ok := n.storage.GetMutableItem(target.Key(), *a.Seq, false); ok {
		writeMutable(r, mi)
	}
	return nil
}

func writeMutable(r *p2p.Return, mi storage.MutableItem) {
	seq := mi.Seq
	r.Seq = &seq
	if mi.V == nil {
		return
	}
	r.V = mi.V
	r.K = string(mi.K[:])
	r.Sig = string(mi.Sig[:])
}

func (n *Node) onSampleInfohashes(a *p2p.MsgArgs, from netip.AddrPort, r *p2p.Return) *p2p.KRPCError {
	target, ok := idFromString(a.Target)
	if !ok {
		return protocolError("missing 'target' key")
	}
	s := n.storage.GetInfohashesSample()
	interval := int(s.Interval / time.Second)
	num := s.Num
	r.Interval = &interval
	r.Num = &num

	var b strings.Builder
	b.Grow(len(s.Samples) * IDBytes)
	for _, k := range s.Samples {
		b.Write(k[:])
	}
	r.Samples = b.String()
	n.writeNodes(r, target, a.Want, from)
	return nil
}

// onUnknown answers verbs we do not implement like find_node, as long as
// they carry something to look up.
func (n *Node) onUnknown(a *p2p.MsgArgs, from netip.AddrPort, r *p2p.Return) *p2p.KRPCError {
	target, ok := idFromString(a.Target)
	if !ok {
		target, ok = idFromString(a.InfoHash)
	}
	if !ok {
		return protocolError("unknown message")
	}
	n.writeNodes(r, target, a.Want, from)
	return nil
}

// writeNodes fills "nodes" and/or "nodes6". Without "want" the requester's
// own address family is used.
func (n *Node) writeNodes(r *p2p.Return, target ID, want []krpc.Want, from netip.AddrPort) {
	var v4, v6 bool
	if len(want) == 0 {
		v6 = from.Addr().Unmap().Is6()
		v4 = !v6
	}
	for _, w := range want {
		switch w {
		case krpc.WantNodes:
			v4 = true
		case krpc.WantNodes6:
			v6 = true
		}
	}
	if v4 {
		r.Nodes = p2p.MarshalCompactNodes(n.closestNodes(target, false), false)
	}
	if v6 {
		r.Nodes6 = p2p.MarshalCompactNodes(n.closestNodes(target, true), true)
	}
}

// closestNodes returns up to K confirmed nodes of one family.
func (n *Node) closestNodes(target ID, v6 bool) []p2p.NodeInfo {
	out := make([]p2p.NodeInfo, 0, K)
	for _, c := range n.table.FindNode(target, 3*K, true) {
		if c.Addr.Addr().Unmap().Is6() != v6 {
			continue
		}
		out = append(out, p2p.NodeInfo{ID: c.ID, Addr: c.Addr})
		if len(out) == K {
			break
		}
	}
	return out
}
