package dht

import (
	"net/netip"

	boom "github.com/tylertreat/BoomFilters"
)

const (
	// minExternalVoters is how many distinct peers must report an address
	// before it is adopted.
	minExternalVoters = 3

	maxExternalCandidates = 20
)

type ipCandidate struct {
	voters *boom.BloomFilter
	votes  int
}

// ipVoter tracks which address peers say they see us at. Each peer votes
// at most once per candidate address.
type ipVoter struct {
	candidates map[netip.Addr]*ipCandidate
	current    netip.Addr
}

func newIPVoter() *ipVoter {
	return &ipVoter{candidates: make(map[netip.Addr]*ipCandidate)}
}

func (v *ipVoter) external() (netip.Addr, bool) {
	return v.current, v.current.IsValid()
}

// vote records that voter sees us at ip. It reports whether the adopted
// external address changed.
func (v *ipVoter) vote(ip, voter netip.Addr) bool {
	ip = ip.Unmap()
	if !ip.IsValid() || ip.IsUnspecified() || isLocalAddr(ip) {
		return false
	}

	c, ok := v.candidates[ip]
	if !ok {
		if len(v.candidates) >= maxExternalCandidates {
			v.dropWeakest()
		}
		c = &ipCandidate{voters: boom.NewBloomFilter(256, 0.01)}
		v.candidates[ip] = c
	}
	if c.voters.TestAndAdd(voter.Unmap().AsSlice()) {
		return false
	}
	c.votes++

	if ip == v.current || c.votes < minExternalVoters {
		return false
	}
	if cur, ok := v.candidates[v.current]; ok && cur.votes >= c.votes {
		return false
	}
	v.current = ip
	return true
}

func (v *ipVoter) dropWeakest() {
	var weakest netip.Addr
	fewest := -1
	for ip, c := range v.candidates {
		if ip == v.current {
			continue
		}
		if fewest < 0 || c.votes < fewest {
			weakest, fewest = ip, c.votes
		}
	}
	delete(v.candidates, weakest)
}
