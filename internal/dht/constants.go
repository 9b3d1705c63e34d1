package dht

import "time"

const (
	// K is the maximum number of contacts in a single bucket, and the number
	// of nodes returned by find_node.
	K = 8

	// MaxTransactions is the capacity of the outstanding transaction ring.
	MaxTransactions = 2048

	// TransactionTimeout is how long a query waits for a reply.
	TransactionTimeout = 10 * time.Second

	// ShortTimeout lets a lookup widen its search when a node is slow.
	ShortTimeout = 2 * time.Second

	// DefaultTickInterval is returned by Tick when nothing is outstanding.
	DefaultTickInterval = 2 * time.Second

	// StorageTickInterval is how often expired peers and items are purged.
	StorageTickInterval = 2 * time.Minute

	// BucketRefreshInterval is how long a bucket may go without activity.
	BucketRefreshInterval = 15 * time.Minute

	// NodePingInterval bounds how often a stale node is re-pinged.
	NodePingInterval = 5 * time.Second
)

// BEP 44 limits.
const (
	MaxValueSize = 1000
	MaxSaltSize  = 64
)

const (
	tokenSize       = 4
	maxLookupResult = 100
)
