package device

import (
	"errors"
	"fmt"
	"sort"

	"loadstone/protocol"
)

// The heap is the loader's external collaborator for raw memory. On real
// hardware this is the firmware allocator; here it manages address space
// carved into capability regions so the rest of the server can stay
// identical on both.

var (
	ErrBadAlignment = errors.New("alignment must be a nonzero power of two")
	ErrNoMemory     = errors.New("no region satisfies the request")
	ErrNotAllocated = errors.New("address was not returned by this heap")
)

// Allocator is what the command handlers call. The handlers make no
// assumptions about regions or permissions beyond what AlignedAlloc returns.
type Allocator interface {
	AlignedAlloc(alignment, size, caps uint32) (uint32, error)
	Free(addr uint32) error
	Info() protocol.HeapInfo
}

type freeBlock struct {
	addr uint32
	size uint32
}

type heapRegion struct {
	name string
	base uint32
	size uint32
	caps uint32
	free []freeBlock          // sorted by addr
	used map[uint32]freeBlock // aligned addr -> raw block consumed
}

// Heap is a first-fit allocator over one or more capability regions.
// Requests are matched against regions whose capability mask covers every
// requested bit.
type Heap struct {
	regions []*heapRegion
}

// RegionSpec describes one address range the heap hands out.
type RegionSpec struct {
	Name string
	Base uint32
	Size uint32
	Caps uint32
}

func NewHeap(specs ...RegionSpec) *Heap {
	h := &Heap{}
	for _, s := range specs {
		h.regions = append(h.regions, &heapRegion{
			name: s.Name,
			base: s.Base,
			size: s.Size,
			caps: s.Caps,
			free: []freeBlock{{addr: s.Base, size: s.Size}},
			used: make(map[uint32]freeBlock),
		})
	}
	return h
}

// DefaultHeap lays out the simulated target: a large external cached RAM
// region and a small on-chip SRAM region.
func DefaultHeap() *Heap {
	return NewHeap(
		RegionSpec{
			Name: "external",
			Base: 0x4800_0000,
			Size: 8 * 1024 * 1024,
			Caps: protocol.CapExternalRAM | protocol.Cap8Bit | protocol.Cap32Bit |
				protocol.CapExec | protocol.CapDMA | protocol.CapCacheAligned,
		},
		RegionSpec{
			Name: "internal",
			Base: 0x3010_0000,
			Size: 512 * 1024,
			Caps: protocol.CapInternalRAM | protocol.Cap8Bit | protocol.Cap32Bit |
				protocol.CapExec | protocol.CapDMA,
		},
	)
}

func (h *Heap) AlignedAlloc(alignment, size, caps uint32) (uint32, error) {
	if alignment == 0 || alignment&(alignment-1) != 0 {
		return 0, ErrBadAlignment
	}
	if size == 0 {
		return 0, fmt.Errorf("%w: zero size", ErrNoMemory)
	}
	for _, r := range h.regions {
		if caps&^r.caps != 0 {
			continue
		}
		if addr, ok := r.alloc(alignment, size); ok {
			return addr, nil
		}
	}
	return 0, ErrNoMemory
}

func (r *heapRegion) alloc(alignment, size uint32) (uint32, bool) {
	for i, b := range r.free {
		aligned := (b.addr + alignment - 1) &^ (alignment - 1)
		pad := aligned - b.addr
		if b.size < pad || b.size-pad < size {
			continue
		}
		// consume [b.addr, aligned+size); the leading pad is tracked as
		// part of the used block so Free returns it too
		consumed := freeBlock{addr: b.addr, size: pad + size}
		rest := freeBlock{addr: aligned + size, size: b.size - consumed.size}
		if rest.size > 0 {
			r.free[i] = rest
		} else {
			r.free = append(r.free[:i], r.free[i+1:]...)
		}
		r.used[aligned] = consumed
		return aligned, true
	}
	return 0, false
}

func (h *Heap) Free(addr uint32) error {
	for _, r := range h.regions {
		b, ok := r.used[addr]
		if !ok {
			continue
		}
		delete(r.used, addr)
		r.free = append(r.free, b)
		sort.Slice(r.free, func(i, j int) bool { return r.free[i].addr < r.free[j].addr })
		r.coalesce()
		return nil
	}
	return fmt.Errorf("%w: 0x%08x", ErrNotAllocated, addr)
}

func (r *heapRegion) coalesce() {
	out := r.free[:0]
	for _, b := range r.free {
		if n := len(out); n > 0 && out[n-1].addr+out[n-1].size == b.addr {
			out[n-1].size += b.size
			continue
		}
		out = append(out, b)
	}
	r.free = out
}

func (h *Heap) Info() protocol.HeapInfo {
	var info protocol.HeapInfo
	for _, r := range h.regions {
		var free uint32
		for _, b := range r.free {
			free += b.size
		}
		if r.caps&protocol.CapInternalRAM != 0 {
			info.FreeInternal += free
			info.TotalInternal += r.size
		} else {
			info.FreeExternal += free
			info.TotalExternal += r.size
		}
	}
	return info
}
