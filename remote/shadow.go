// Package remote is the host's view of the device: typed commands over the
// transport client, fronted by a shadow of the device's allocation table so
// bad memory accesses are caught before a packet is ever sent.
package remote

import "sort"

// ShadowTable mirrors the device's live allocations one-for-one. It is
// mutated only by request/response processing on the session goroutine.
type ShadowTable struct {
	regions map[uint32]uint32 // base -> size
}

func NewShadowTable() *ShadowTable {
	return &ShadowTable{regions: make(map[uint32]uint32)}
}

func (s *ShadowTable) Insert(addr, size uint32) {
	s.regions[addr] = size
}

func (s *ShadowTable) Remove(addr uint32) bool {
	if _, ok := s.regions[addr]; !ok {
		return false
	}
	delete(s.regions, addr)
	return true
}

// ContainsExact reports whether addr is a tracked base address.
func (s *ShadowTable) ContainsExact(addr uint32) bool {
	_, ok := s.regions[addr]
	return ok
}

// RangeFits reports whether [addr, addr+size) lies inside one tracked
// region, mirroring the device-side predicate including overflow refusal.
func (s *ShadowTable) RangeFits(addr, size uint32) bool {
	end := addr + size
	if end < addr {
		return false
	}
	for base, sz := range s.regions {
		if addr >= base && end <= base+sz {
			return true
		}
	}
	return false
}

func (s *ShadowTable) Len() int { return len(s.regions) }

// Region is one tracked allocation.
type Region struct {
	Addr uint32
	Size uint32
}

// Regions returns the tracked set sorted by address.
func (s *ShadowTable) Regions() []Region {
	out := make([]Region, 0, len(s.regions))
	for a, sz := range s.regions {
		out = append(out, Region{Addr: a, Size: sz})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Addr < out[j].Addr })
	return out
}
