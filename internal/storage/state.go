package storage

import (
	"fmt"
	"io/fs"
	"net/netip"
	"os"
	"path/filepath"

	"github.com/anacrolix/torrent/bencode"

	"github.com/kunal-geeks/dhtnode/internal/p2p"
)

// State is what a node persists across restarts: its ID and the nodes of
// its routing table, so it can rejoin without the bootstrap routers.
type State struct {
	NodeID Key
	Nodes  []p2p.NodeInfo
}

type stateFile struct {
	ID     string `bencode:"node-id"`
	Nodes  string `bencode:"nodes,omitempty"`
	Nodes6 string `bencode:"nodes6,omitempty"`
}

// SaveState writes st to path as a bencoded dictionary.
func SaveState(path string, st State) error {
	if path == "" {
		return fmt.Errorf("SaveState: path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("SaveState: mkdir: %w", err)
	}

	b, err := bencode.Marshal(stateFile{
		ID:     string(st.NodeID[:]),
		Nodes:  p2p.MarshalCompactNodes(st.Nodes, false),
		Nodes6: p2p.MarshalCompactNodes(st.Nodes, true),
	})
	if err != nil {
		return fmt.Errorf("SaveState: encode: %w", err)
	}

	// Write atomically: write to temp file then rename.
	tmpPath := path + ".tmp"

	if err := os.WriteFile(tmpPath, b, 0o644); err != nil {
		return fmt.Errorf("SaveState: write temp file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("SaveState: rename: %w", err)
	}
	return nil
}

// LoadState reads a state file written by SaveState. It returns
// fs.ErrNotExist if there is none.
func LoadState(path string) (State, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return State{}, fs.ErrNotExist
		}
		return State{}, fmt.Errorf("LoadState: read: %w", err)
	}

	var sf stateFile
	if err := bencode.Unmarshal(b, &sf); err != nil {
		return State{}, fmt.Errorf("LoadState: decode: %w", err)
	}
	if len(sf.ID) != len(Key{}) {
		return State{}, fmt.Errorf("LoadState: invalid node id length %d", len(sf.ID))
	}

	var st State
	copy(st.NodeID[:], sf.ID)

	n4, err := p2p.UnmarshalCompactNodes(sf.Nodes, false)
	if err != nil {
		return State{}, fmt.Errorf("LoadState: nodes: %w", err)
	}
	n6, err := p2p.UnmarshalCompactNodes(sf.Nodes6, true)
	if err != nil {
		return State{}, fmt.Errorf("LoadState: nodes6: %w", err)
	}
	st.Nodes = append(n4, n6...)
	return st, nil
}

// Endpoints returns the addresses of the saved nodes.
func (st State) Endpoints() []netip.AddrPort {
	out := make([]netip.AddrPort, 0, len(st.Nodes))
	for _, n := range st.Nodes {
		out = append(out, n.Addr)
	}
	return out
}
