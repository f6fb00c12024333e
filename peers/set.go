package peers

import (
	"net/netip"
	"slices"

	mapset "github.com/deckarep/golang-set/v2"
)

// Set is a concurrency-safe set of known peer addresses.
type Set struct {
	addrs mapset.Set[netip.AddrPort]
}

func NewSet(peers ...Peer) *Set {
	s := &Set{addrs: mapset.NewSet[netip.AddrPort]()}
	s.Add(peers...)
	return s
}

// Add inserts peers and returns how many were new.
func (s *Set) Add(peers ...Peer) int {
	added := 0
	for _, p := range peers {
		if s.addrs.Add(p.AddrPort()) {
			added++
		}
	}
	return added
}

func (s *Set) Remove(p Peer) {
	s.addrs.Remove(p.AddrPort())
}

func (s *Set) Contains(p Peer) bool {
	return s.addrs.Contains(p.AddrPort())
}

func (s *Set) Len() int {
	return s.addrs.Cardinality()
}

// Slice returns the peers ordered by address then port.
func (s *Set) Slice() []Peer {
	addrs := s.addrs.ToSlice()
	slices.SortFunc(addrs, func(a, b netip.AddrPort) int {
		return a.Compare(b)
	})

	peers := make([]Peer, len(addrs))
	for i, ap := range addrs {
		peers[i] = FromAddrPort(ap)
	}
	return peers
}
