package dht

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"strconv"

	"github.com/anacrolix/torrent/bencode"

	"github.com/kunal-geeks/dhtnode/internal/p2p"
)

var (
	ErrValueTooBig  = errors.New("dht: value larger than 1000 bytes")
	ErrSaltTooBig   = errors.New("dht: salt larger than 64 bytes")
	ErrInvalidValue = errors.New("dht: value is not a single bencoded entry")
)

// Item is a BEP 44 value. V holds the bencoded value exactly as it is
// stored and signed.
type Item struct {
	V       []byte
	Mutable bool

	// Mutable items only.
	K    [32]byte
	Salt []byte
	Seq  int64
	Sig  [64]byte
}

// NewImmutableItem wraps an already bencoded value.
func NewImmutableItem(v []byte) (Item, error) {
	if err := validateValue(v); err != nil {
		return Item{}, fmt.Errorf("NewImmutableItem: %w", err)
	}
	return Item{V: append([]byte(nil), v...)}, nil
}

// NewMutableItem signs v under priv with the given salt and sequence number.
func NewMutableItem(priv ed25519.PrivateKey, salt, v []byte, seq int64) (Item, error) {
	if err := validateValue(v); err != nil {
		return Item{}, fmt.Errorf("NewMutableItem: %w", err)
	}
	if len(salt) > MaxSaltSize {
		return Item{}, fmt.Errorf("NewMutableItem: %w", ErrSaltTooBig)
	}
	if seq < 0 {
		return Item{}, fmt.Errorf("NewMutableItem: negative sequence number %d", seq)
	}
	it := Item{
		V:       append([]byte(nil), v...),
		Mutable: true,
		Salt:    append([]byte(nil), salt...),
		Seq:     seq,
	}
	copy(it.K[:], priv.Public().(ed25519.PublicKey))
	copy(it.Sig[:], ed25519.Sign(priv, signatureBuffer(salt, seq, v)))
	return it, nil
}

// Target is the key the item is stored under.
func (it Item) Target() ID {
	if it.Mutable {
		return MutableTarget(it.K, it.Salt)
	}
	return ImmutableTarget(it.V)
}

// Verify checks the signature of a mutable item. Immutable items are
// verified by their target.
func (it Item) Verify() bool {
	if !it.Mutable {
		return true
	}
	return verifyMutable(it.V, it.Salt, it.Seq, it.K, it.Sig)
}

func validateValue(v []byte) error {
	if len(v) > MaxValueSize {
		return ErrValueTooBig
	}
	var x interface{}
	if err := bencode.Unmarshal(v, &x); err != nil {
		return ErrInvalidValue
	}
	return nil
}

// signatureBuffer is the byte string a mutable item's signature covers:
//
//	[4:salt<len>:<salt>]3:seqi<seq>e1:v<v>
func signatureBuffer(salt []byte, seq int64, v []byte) []byte {
	buf := make([]byte, 0, len(salt)+len(v)+32)
	if len(salt) > 0 {
		buf = append(buf, "4:salt"...)
		buf = strconv.AppendInt(buf, int64(len(salt)), 10)
		buf = append(buf, ':')
		buf = append(buf, salt...)
	}
	buf = append(buf, "3:seqi"...)
	buf = strconv.AppendInt(buf, seq, 10)
	buf = append(buf, "e1:v"...)
	return append(buf, v...)
}

func verifyMutable(v, salt []byte, seq int64, k [32]byte, sig [64]byte) bool {
	return ed25519.Verify(ed25519.PublicKey(k[:]), signatureBuffer(salt, seq, v), sig[:])
}

// itemFromReturn extracts the item of a get response. salt comes from the
// request since responses do not carry it.
func itemFromReturn(r *p2p.Return, salt []byte) (Item, bool) {
	if len(r.V) == 0 || len(r.V) > MaxValueSize {
		return Item{}, false
	}
	it := Item{V: append([]byte(nil), r.V...)}
	if r.Seq == nil && r.K == "" && r.Sig == "" {
		return it, true
	}
	if r.Seq == nil || len(r.K) != 32 || len(r.Sig) != 64 || *r.Seq < 0 {
		return Item{}, false
	}
	it.Mutable = true
	it.Seq = *r.Seq
	it.Salt = append([]byte(nil), salt...)
	copy(it.K[:], r.K)
	copy(it.Sig[:], r.Sig)
	if !it.Verify() {
		return Item{}, false
	}
	return it, true
}
