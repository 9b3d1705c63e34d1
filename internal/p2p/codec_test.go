package p2p

import (
	"net/netip"
	"strings"
	"testing"

	"github.com/anacrolix/dht/v2/krpc"
	"github.com/anacrolix/torrent/bencode"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeQuery(t *testing.T) {
	port := 6881
	original := &Msg{
		T: "aa",
		Y: "q",
		Q: "announce_peer",
		A: &MsgArgs{
			ID:          strings.Repeat("a", 20),
			InfoHash:    strings.Repeat("b", 20),
			Port:        &port,
			ImpliedPort: 1,
			Token:       "tokn",
		},
	}

	b, err := EncodeMsg(original)
	require.NoError(t, err, "encode should not fail")

	decoded, err := DecodeMsg(b)
	require.NoError(t, err, "decode should not fail")

	assert.Equal(t, "aa", decoded.T)
	assert.Equal(t, "q", decoded.Y)
	assert.Equal(t, "announce_peer", decoded.Q)
	require.NotNil(t, decoded.A)
	require.NotNil(t, decoded.A.Port)
	assert.Equal(t, 6881, *decoded.A.Port)
	assert.Equal(t, 1, decoded.A.ImpliedPort)
	assert.Equal(t, "tokn", decoded.A.Token)
	assert.Equal(t, strings.Repeat("a", 20), decoded.A.ID)
}

func TestEncodeErrorAsList(t *testing.T) {
	m := &Msg{T: "xy", Y: "e", E: NewError(ErrorCodeProtocol, "invalid token")}

	b, err := EncodeMsg(m)
	require.NoError(t, err)
	assert.Contains(t, string(b), "1:eli203e13:invalid tokene")

	decoded, err := DecodeMsg(b)
	require.NoError(t, err)
	require.NotNil(t, decoded.E)
	assert.Equal(t, ErrorCodeProtocol, decoded.E.Code)
	assert.Equal(t, "invalid token", decoded.E.Msg)
}

func TestDecodeErrorWithoutMessage(t *testing.T) {
	decoded, err := DecodeMsg([]byte("d1:eli302ee1:t2:xy1:y1:ee"))
	require.NoError(t, err)
	require.NotNil(t, decoded.E)
	assert.Equal(t, ErrorCodeSequenceTooLow, decoded.E.Code)
	assert.Empty(t, decoded.E.Msg)
}

func TestDecodeIgnoresTrailingBytes(t *testing.T) {
	decoded, err := DecodeMsg([]byte("d1:t2:aa1:y1:qe garbage"))
	require.NoError(t, err)
	assert.Equal(t, "aa", decoded.T)
	assert.Equal(t, "q", decoded.Y)
}

func TestDecodeRejectsNonDict(t *testing.T) {
	for _, in := range []string{"", "l1:ae", "i42e", "4:spam"} {
		_, err := DecodeMsg([]byte(in))
		assert.ErrorIs(t, err, ErrNotKRPC, "input %q", in)
	}
}

func TestDecodeRejectsTruncated(t *testing.T) {
	_, err := DecodeMsg([]byte("d1:t2:aa1:y1:"))
	assert.Error(t, err)
}

func TestDecodeKeepsRawValue(t *testing.T) {
	m := &Msg{T: "aa", Y: "q", Q: "put", A: &MsgArgs{
		ID: strings.Repeat("a", 20),
		V:  bencode.Bytes("li1ei2ee"),
	}}
	b, err := EncodeMsg(m)
	require.NoError(t, err)

	decoded, err := DecodeMsg(b)
	require.NoError(t, err)
	assert.Equal(t, "li1ei2ee", string(decoded.A.V))
}

// Test that messages exceeding MaxPacketSize cause an error.
func TestEncodeTooLargeMessage(t *testing.T) {
	m := &Msg{T: "aa", Y: "r", R: &Return{
		ID:    strings.Repeat("a", 20),
		Nodes: strings.Repeat("n", MaxPacketSize),
	}}
	_, err := EncodeMsg(m)
	assert.ErrorIs(t, err, ErrMessageTooBig)
}

func TestDecodeAcceptsMessageLargerThanFrame(t *testing.T) {
	m := &Msg{T: "aa", Y: "r", R: &Return{
		ID:     strings.Repeat("a", 20),
		V:      bencode.Bytes("1000:" + strings.Repeat("v", 1000)),
		Nodes6: strings.Repeat("n", 8*CompactNodeLen6),
	}}
	b, err := EncodeMsg(m)
	require.NoError(t, err)
	require.Greater(t, len(b), MaxMessageSize)

	decoded, err := DecodeMsg(b)
	require.NoError(t, err)
	require.NotNil(t, decoded.R)
	assert.Equal(t, m.R.Nodes6, decoded.R.Nodes6)
	assert.Equal(t, string(m.R.V), string(decoded.R.V))
}

func TestDecodeWant(t *testing.T) {
	decoded, err := DecodeMsg([]byte("d1:ad2:id20:aaaaaaaaaaaaaaaaaaaa4:wantl2:n42:n6ee1:q9:find_node1:t2:aa1:y1:qe"))
	require.NoError(t, err)
	require.NotNil(t, decoded.A)
	assert.Equal(t, []krpc.Want{krpc.WantNodes, krpc.WantNodes6}, decoded.A.Want)
}

func TestKRPCErrorMessage(t *testing.T) {
	err := error(NewError(ErrorCodeMethodUnknown, "Method Unknown"))
	assert.Contains(t, err.Error(), "204")
	assert.Contains(t, err.Error(), "Method Unknown")
}

func TestCompactAddrRoundTrip(t *testing.T) {
	for _, s := range []string{"1.2.3.4:6881", "[2001:db8::1]:443"} {
		ap := netip.MustParseAddrPort(s)
		c := CompactAddr(ap)
		back, err := ParseCompactAddr(c)
		require.NoError(t, err)
		assert.Equal(t, ap, back)
	}

	mapped := netip.MustParseAddrPort("[::ffff:10.0.0.1]:80")
	assert.Len(t, CompactAddr(mapped), CompactAddrLen4)

	_, err := ParseCompactAddr("abc")
	assert.Error(t, err)
}

func TestCompactNodesSplitsFamilies(t *testing.T) {
	var id4, id6 [20]byte
	id4[0], id6[0] = 4, 6
	nodes := []NodeInfo{
		{ID: id4, Addr: netip.MustParseAddrPort("10.0.0.1:1000")},
		{ID: id6, Addr: netip.MustParseAddrPort("[fe80::1]:2000")},
	}

	n4 := MarshalCompactNodes(nodes, false)
	n6 := MarshalCompactNodes(nodes, true)
	assert.Len(t, n4, CompactNodeLen4)
	assert.Len(t, n6, CompactNodeLen6)

	got4, err := UnmarshalCompactNodes(n4, false)
	require.NoError(t, err)
	require.Len(t, got4, 1)
	assert.Equal(t, nodes[0], got4[0])

	got6, err := UnmarshalCompactNodes(n6, true)
	require.NoError(t, err)
	require.Len(t, got6, 1)
	assert.Equal(t, nodes[1], got6[0])

	_, err = UnmarshalCompactNodes(n4[:10], false)
	assert.Error(t, err)
}

func TestNodeAddrConversion(t *testing.T) {
	na := nodeAddr(netip.MustParseAddrPort("[::ffff:10.0.0.1]:6881"))
	assert.Len(t, na.IP, 4)
	assert.Equal(t, 6881, na.Port)

	ap, ok := addrPortFromNodeAddr(na)
	require.True(t, ok)
	assert.Equal(t, netip.MustParseAddrPort("10.0.0.1:6881"), ap)

	_, ok = addrPortFromNodeAddr(krpc.NodeAddr{IP: []byte{1, 2, 3}, Port: 1})
	assert.False(t, ok)
}
