package dht

import (
	"fmt"
	"io"
	"net/netip"
	"sort"
	"text/tabwriter"

	"github.com/kunal-geeks/dhtnode/internal/storage"
)

// Status is a snapshot of a node for observability.
type Status struct {
	ID           ID
	ExternalAddr netip.Addr

	Nodes         int
	Confirmed     int
	Depth         int
	ActiveBuckets int

	Outstanding int

	// Lookups counts running lookups by kind.
	Lookups map[string]int

	Storage storage.Counters
	Stats   Stats
}

// Status returns a snapshot of the node.
func (n *Node) Status() Status {
	nodes, confirmed := n.table.Size()
	st := Status{
		ID:            n.id,
		Nodes:         nodes,
		Confirmed:     confirmed,
		Depth:         n.table.Depth(),
		ActiveBuckets: n.table.NumActiveBuckets(),
		Outstanding:   n.rpc.NumOutstanding(),
		Lookups:       make(map[string]int),
		Storage:       n.storage.Counters(),
		Stats:         n.stats.clone(),
	}
	st.ExternalAddr, _ = n.voter.external()
	for t := range n.running {
		st.Lookups[t.kind.name()]++
	}
	return st
}

// WriteStatus prints s as an aligned table.
func WriteStatus(w io.Writer, s Status) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)

	ext := "unknown"
	if s.ExternalAddr.IsValid() {
		ext = s.ExternalAddr.String()
	}
	fmt.Fprintf(tw, "node id\t%s\n", s.ID)
	fmt.Fprintf(tw, "external address\t%s\n", ext)
	fmt.Fprintf(tw, "routing table\t%d nodes (%d confirmed)\n", s.Nodes, s.Confirmed)
	fmt.Fprintf(tw, "buckets\t%d active, depth %d\n", s.ActiveBuckets, s.Depth)
	fmt.Fprintf(tw, "outstanding queries\t%d\n", s.Outstanding)
	for _, kind := range sortedKeys(s.Lookups) {
		fmt.Fprintf(tw, "lookups %s\t%d\n", kind, s.Lookups[kind])
	}
	fmt.Fprintf(tw, "torrents\t%d (%d peers)\n", s.Storage.Torrents, s.Storage.Peers)
	fmt.Fprintf(tw, "items\t%d immutable, %d mutable\n", s.Storage.ImmutableData, s.Storage.MutableData)
	fmt.Fprintf(tw, "replies / errors\t%d / %d\n", s.Stats.Replies, s.Stats.Errors)
	fmt.Fprintf(tw, "dropped / malformed\t%d / %d\n", s.Stats.Dropped, s.Stats.Malformed)
	for _, verb := range sortedKeys(s.Stats.Queries) {
		fmt.Fprintf(tw, "queries %s\t%d (%d failed)\n", verb, s.Stats.Queries[verb], s.Stats.Failed[verb])
	}
	return tw.Flush()
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
