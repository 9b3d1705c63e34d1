package p2p

import (
	"fmt"
	"net/netip"

	"github.com/anacrolix/dht/v2/krpc"
)

// Sizes of the compact encodings used by BEP 5 and BEP 32.
const (
	CompactAddrLen4 = 4 + 2
	CompactAddrLen6 = 16 + 2
	CompactNodeLen4 = 20 + CompactAddrLen4
	CompactNodeLen6 = 20 + CompactAddrLen6
)

// NodeInfo is one entry of a "nodes"/"nodes6" string.
type NodeInfo struct {
	ID   [20]byte
	Addr netip.AddrPort
}

// nodeAddr converts an endpoint to krpc's form. IPv4-mapped addresses
// become 4 byte IPs.
func nodeAddr(ap netip.AddrPort) krpc.NodeAddr {
	return krpc.NodeAddr{
		IP:   ap.Addr().Unmap().AsSlice(),
		Port: int(ap.Port()),
	}
}

// addrPortFromNodeAddr is the inverse of nodeAddr.
func addrPortFromNodeAddr(na krpc.NodeAddr) (netip.AddrPort, bool) {
	ip, ok := netip.AddrFromSlice(na.IP)
	if !ok || na.Port < 0 || na.Port > 0xffff {
		return netip.AddrPort{}, false
	}
	return netip.AddrPortFrom(ip, uint16(na.Port)), true
}

// CompactAddr encodes an endpoint as IP bytes followed by a big-endian port.
// IPv4-mapped IPv6 addresses are written in their 4 byte form.
func CompactAddr(ap netip.AddrPort) string {
	b, err := nodeAddr(ap).MarshalBinary()
	if err != nil {
		return ""
	}
	return string(b)
}

// ParseCompactAddr is the inverse of CompactAddr.
func ParseCompactAddr(s string) (netip.AddrPort, error) {
	if len(s) != CompactAddrLen4 && len(s) != CompactAddrLen6 {
		return netip.AddrPort{}, fmt.Errorf("ParseCompactAddr: invalid length %d", len(s))
	}
	var na krpc.NodeAddr
	if err := na.UnmarshalBinary([]byte(s)); err != nil {
		return netip.AddrPort{}, fmt.Errorf("ParseCompactAddr: %w", err)
	}
	ap, ok := addrPortFromNodeAddr(na)
	if !ok {
		return netip.AddrPort{}, fmt.Errorf("ParseCompactAddr: bad address")
	}
	return ap, nil
}

// MarshalCompactNodes concatenates the nodes of the requested family.
// Nodes of the other family are skipped.
func MarshalCompactNodes(nodes []NodeInfo, v6 bool) string {
	nis := make([]krpc.NodeInfo, 0, len(nodes))
	for _, n := range nodes {
		if n.Addr.Addr().Unmap().Is6() != v6 {
			continue
		}
		nis = append(nis, krpc.NodeInfo{ID: n.ID, Addr: nodeAddr(n.Addr)})
	}
	if len(nis) == 0 {
		return ""
	}

	var (
		b   []byte
		err error
	)
	if v6 {
		b, err = krpc.CompactIPv6NodeInfo(nis).MarshalBinary()
	} else {
		b, err = krpc.CompactIPv4NodeInfo(nis).MarshalBinary()
	}
	if err != nil {
		log.WithError(err).Debug("compact nodes marshal failed")
		return ""
	}
	return string(b)
}

// UnmarshalCompactNodes parses a "nodes" (v6=false) or "nodes6" string.
func UnmarshalCompactNodes(s string, v6 bool) ([]NodeInfo, error) {
	size := CompactNodeLen4
	if v6 {
		size = CompactNodeLen6
	}
	if len(s)%size != 0 {
		return nil, fmt.Errorf("UnmarshalCompactNodes: length %d not a multiple of %d", len(s), size)
	}

	var nis []krpc.NodeInfo
	if v6 {
		var c krpc.CompactIPv6NodeInfo
		if err := c.UnmarshalBinary([]byte(s)); err != nil {
			return nil, fmt.Errorf("UnmarshalCompactNodes: %w", err)
		}
		nis = c
	} else {
		var c krpc.CompactIPv4NodeInfo
		if err := c.UnmarshalBinary([]byte(s)); err != nil {
			return nil, fmt.Errorf("UnmarshalCompactNodes: %w", err)
		}
		nis = c
	}

	out := make([]NodeInfo, 0, len(nis))
	for _, ni := range nis {
		addr, ok := addrPortFromNodeAddr(ni.Addr)
		if !ok {
			return nil, fmt.Errorf("UnmarshalCompactNodes: bad address %v", ni.Addr.IP)
		}
		// The v4 decoder may hand back 16 byte IPs.
		if !v6 {
			addr = netip.AddrPortFrom(addr.Addr().Unmap(), addr.Port())
		}
		out = append(out, NodeInfo{ID: ni.ID, Addr: addr})
	}
	return out, nil
}
