package p2p

import (
	"errors"
	"fmt"

	"github.com/anacrolix/dht/v2/krpc"
	"github.com/anacrolix/torrent/bencode"
)

const (
	// MaxPacketSize is the largest UDP payload. It bounds what we read,
	// decode and send.
	MaxPacketSize = 0x10000

	// MaxMessageSize is the size replies are trimmed to so they fit in
	// one ethernet frame.
	MaxMessageSize = 1500
)

// KRPC error codes, see BEP 5 and BEP 44.
const (
	ErrorCodeGeneric        = krpc.ErrorCodeGenericError
	ErrorCodeServer         = krpc.ErrorCodeServerError
	ErrorCodeProtocol       = krpc.ErrorCodeProtocolError
	ErrorCodeMethodUnknown  = krpc.ErrorCodeMethodUnknown
	ErrorCodeMessageTooBig  = 205
	ErrorCodeInvalidSig     = 206
	ErrorCodeSaltTooBig     = 207
	ErrorCodeCASMismatch    = 301
	ErrorCodeSequenceTooLow = 302
)

var (
	// ErrNotKRPC is returned by DecodeMsg for datagrams that are not a
	// bencoded dictionary at all.
	ErrNotKRPC = errors.New("not a krpc dictionary")

	ErrMessageTooBig = errors.New("message larger than one datagram")
)

// Msg is the top-level KRPC envelope.
//
//	{"t": <transaction id>, "y": "q"|"r"|"e", "q": <verb>, "a": {...},
//	 "r": {...}, "e": [code, message], "ip": <compact endpoint>}
type Msg struct {
	T        string     `bencode:"t"`
	Y        string     `bencode:"y"`
	Q        string     `bencode:"q,omitempty"`
	A        *MsgArgs   `bencode:"a,omitempty"`
	R        *Return    `bencode:"r,omitempty"`
	E        *KRPCError `bencode:"e,omitempty"`
	IP       string     `bencode:"ip,omitempty"`
	ReadOnly int        `bencode:"ro,omitempty"`
}

// MsgArgs holds the "a" dictionary of a query. Binary fields are kept as
// strings rather than krpc's fixed arrays so a short "id" or "k" reaches
// the handler and gets a 203 instead of failing the whole decode.
type MsgArgs struct {
	ID          string        `bencode:"id"`
	Target      string        `bencode:"target,omitempty"`
	InfoHash    string        `bencode:"info_hash,omitempty"`
	Want        []krpc.Want   `bencode:"want,omitempty"`
	Port        *int          `bencode:"port,omitempty,ignore_unmarshal_type_error"`
	ImpliedPort int           `bencode:"implied_port,omitempty,ignore_unmarshal_type_error"`
	Token       string        `bencode:"token,omitempty"`
	Seed        int           `bencode:"seed,omitempty,ignore_unmarshal_type_error"`
	NoSeed      int           `bencode:"noseed,omitempty,ignore_unmarshal_type_error"`
	Scrape      int           `bencode:"scrape,omitempty,ignore_unmarshal_type_error"`
	Name        string        `bencode:"n,omitempty"`
	V           bencode.Bytes `bencode:"v,omitempty"`
	Seq         *int64        `bencode:"seq,omitempty,ignore_unmarshal_type_error"`
	Cas         *int64        `bencode:"cas,omitempty,ignore_unmarshal_type_error"`
	K           string        `bencode:"k,omitempty"`
	Sig         string        `bencode:"sig,omitempty"`
	Salt        string        `bencode:"salt,omitempty"`
}

// Return holds the "r" dictionary of a response.
type Return struct {
	ID       string        `bencode:"id"`
	Nodes    string        `bencode:"nodes,omitempty"`
	Nodes6   string        `bencode:"nodes6,omitempty"`
	Values   []string      `bencode:"values,omitempty"`
	Token    string        `bencode:"token,omitempty"`
	Name     string        `bencode:"n,omitempty"`
	BFsd     string        `bencode:"BFsd,omitempty"`
	BFpe     string        `bencode:"BFpe,omitempty"`
	V        bencode.Bytes `bencode:"v,omitempty"`
	Seq      *int64        `bencode:"seq,omitempty"`
	K        string        `bencode:"k,omitempty"`
	Sig      string        `bencode:"sig,omitempty"`
	Samples  string        `bencode:"samples,omitempty"`
	Num      *int          `bencode:"num,omitempty"`
	Interval *int          `bencode:"interval,omitempty"`
}

// KRPCError is the [code, message] list carried under "e". It is also a
// Go error so handlers can return it directly.
type KRPCError krpc.Error

// NewError builds a KRPCError.
func NewError(code int, msg string) *KRPCError {
	return &KRPCError{Code: code, Msg: msg}
}

func (e *KRPCError) Error() string {
	ke := krpc.Error(*e)
	return ke.Error()
}

// MarshalBencode encodes the error as a two element list.
func (e KRPCError) MarshalBencode() ([]byte, error) {
	ke := krpc.Error(e)
	return ke.MarshalBencode()
}

// UnmarshalBencode decodes the [code, message] list. Peers in the wild
// sometimes send only the code, so a missing message is tolerated.
func (e *KRPCError) UnmarshalBencode(b []byte) error {
	var l []interface{}
	if err := bencode.Unmarshal(b, &l); err != nil {
		return fmt.Errorf("KRPCError: %w", err)
	}
	if len(l) == 0 {
		return fmt.Errorf("KRPCError: empty list")
	}
	code, ok := l[0].(int64)
	if !ok {
		return fmt.Errorf("KRPCError: code has type %T", l[0])
	}
	e.Code = int(code)
	if len(l) > 1 {
		if s, ok := l[1].(string); ok {
			e.Msg = s
		}
	}
	return nil
}

// EncodeMsg bencodes m into a datagram payload.
func EncodeMsg(m *Msg) ([]byte, error) {
	b, err := bencode.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode: bencode marshal error: %w", err)
	}
	if len(b) > MaxPacketSize {
		return nil, fmt.Errorf("encode: %w (%d > %d)", ErrMessageTooBig, len(b), MaxPacketSize)
	}
	return b, nil
}

// DecodeMsg parses a datagram. Trailing garbage after a complete dictionary
// is ignored, as other implementations do.
func DecodeMsg(b []byte) (*Msg, error) {
	if len(b) < 2 || b[0] != 'd' {
		return nil, ErrNotKRPC
	}
	if len(b) > MaxPacketSize {
		return nil, fmt.Errorf("decode: %w (%d > %d)", ErrMessageTooBig, len(b), MaxPacketSize)
	}
	var m Msg
	err := bencode.Unmarshal(b, &m)
	var trailing bencode.ErrUnusedTrailingBytes
	if err != nil && !errors.As(err, &trailing) {
		return nil, fmt.Errorf("decode: bencode unmarshal error: %w", err)
	}
	return &m, nil
}
