package storage

import (
	"math"
	"net"
	"net/netip"

	"github.com/anacrolix/dht/v2/krpc"
)

// ScrapeFilterSize is the byte size of a BEP 33 seed/downloader filter.
const ScrapeFilterSize = len(krpc.ScrapeBloomFilter{})

// ScrapeFilter is the fixed 2048-bit bloom filter of BEP 33 with netip
// helpers on top of krpc's implementation.
type ScrapeFilter krpc.ScrapeBloomFilter

func (f *ScrapeFilter) bloom() *krpc.ScrapeBloomFilter {
	return (*krpc.ScrapeBloomFilter)(f)
}

// Add inserts an IP address.
func (f *ScrapeFilter) Add(ip netip.Addr) {
	f.bloom().AddIp(net.IP(ip.Unmap().AsSlice()))
}

// Merge ORs other into f. Used to combine filters from several responders.
func (f *ScrapeFilter) Merge(other ScrapeFilter) {
	for i := range f {
		f[i] |= other[i]
	}
}

// Estimate returns the approximate number of distinct addresses in the filter.
func (f *ScrapeFilter) Estimate() int {
	if *f == (ScrapeFilter{}) {
		return 0
	}
	return int(math.Round(float64(f.bloom().EstimateCount())))
}

// ParseScrapeFilter reads a BFsd/BFpe string. ok is false on a wrong size.
func ParseScrapeFilter(s string) (f ScrapeFilter, ok bool) {
	if len(s) != ScrapeFilterSize {
		return f, false
	}
	copy(f[:], s)
	return f, true
}
