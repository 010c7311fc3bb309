package device

import (
	"errors"
	"testing"

	"loadstone/protocol"
)

func TestHeapAlignedAlloc(t *testing.T) {
	h := DefaultHeap()
	for _, align := range []uint32{1, 4, 16, 128, 4096} {
		addr, err := h.AlignedAlloc(align, 100, protocol.CapExternalRAM)
		if err != nil {
			t.Fatalf("alloc align %d: %v", align, err)
		}
		if addr%align != 0 {
			t.Errorf("address 0x%08x not %d-aligned", addr, align)
		}
	}
}

func TestHeapBadAlignment(t *testing.T) {
	h := DefaultHeap()
	for _, align := range []uint32{0, 3, 24, 100} {
		if _, err := h.AlignedAlloc(align, 16, protocol.Cap8Bit); !errors.Is(err, ErrBadAlignment) {
			t.Errorf("alignment %d accepted", align)
		}
	}
}

func TestHeapCapsRouting(t *testing.T) {
	h := DefaultHeap()
	ext, err := h.AlignedAlloc(16, 64, protocol.CapExternalRAM|protocol.Cap8Bit)
	if err != nil {
		t.Fatalf("external alloc: %v", err)
	}
	in, err := h.AlignedAlloc(16, 64, protocol.CapInternalRAM|protocol.Cap8Bit)
	if err != nil {
		t.Fatalf("internal alloc: %v", err)
	}
	if ext == in {
		t.Error("distinct regions returned the same address")
	}
	info := h.Info()
	if info.FreeExternal >= info.TotalExternal {
		t.Error("external region shows no usage")
	}
	if info.FreeInternal >= info.TotalInternal {
		t.Error("internal region shows no usage")
	}
	// a caps bit no region advertises must refuse
	if _, err := h.AlignedAlloc(16, 64, 1<<30); !errors.Is(err, ErrNoMemory) {
		t.Error("unsatisfiable caps produced an allocation")
	}
}

func TestHeapFreeAndCoalesce(t *testing.T) {
	h := NewHeap(RegionSpec{Name: "t", Base: 0x1000, Size: 0x1000, Caps: protocol.Cap8Bit})
	a, err := h.AlignedAlloc(16, 0x800, protocol.Cap8Bit)
	if err != nil {
		t.Fatalf("first alloc: %v", err)
	}
	b, err := h.AlignedAlloc(16, 0x700, protocol.Cap8Bit)
	if err != nil {
		t.Fatalf("second alloc: %v", err)
	}
	// no room for a third of this size
	if _, err := h.AlignedAlloc(16, 0x800, protocol.Cap8Bit); err == nil {
		t.Fatal("overcommit succeeded")
	}
	if err := h.Free(a); err != nil {
		t.Fatalf("free a: %v", err)
	}
	if err := h.Free(b); err != nil {
		t.Fatalf("free b: %v", err)
	}
	// after coalescing the full region is allocatable again
	if _, err := h.AlignedAlloc(16, 0x1000, protocol.Cap8Bit); err != nil {
		t.Errorf("region did not coalesce: %v", err)
	}
	if err := h.Free(0x4242); !errors.Is(err, ErrNotAllocated) {
		t.Errorf("free of foreign address: %v", err)
	}
}

func TestHeapInfoTotals(t *testing.T) {
	h := DefaultHeap()
	before := h.Info()
	if before.FreeExternal != before.TotalExternal || before.FreeInternal != before.TotalInternal {
		t.Fatalf("fresh heap not fully free: %+v", before)
	}
	addr, _ := h.AlignedAlloc(16, 1024, protocol.CapExternalRAM)
	after := h.Info()
	if after.FreeExternal >= before.FreeExternal {
		t.Error("free count did not drop after alloc")
	}
	h.Free(addr)
	restored := h.Info()
	if restored.FreeExternal != before.FreeExternal {
		t.Errorf("free count not restored: %d vs %d", restored.FreeExternal, before.FreeExternal)
	}
}
