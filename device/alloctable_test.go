package device

import "testing"

func TestAllocTableLifecycle(t *testing.T) {
	var tab AllocTable
	if !tab.Insert(0x1000, 64) {
		t.Fatal("insert into empty table failed")
	}
	if !tab.ContainsExact(0x1000) {
		t.Error("base address not found")
	}
	if tab.ContainsExact(0x1004) {
		t.Error("interior address reported as exact base")
	}
	if !tab.Remove(0x1000) {
		t.Error("remove of live record failed")
	}
	if tab.Remove(0x1000) {
		t.Error("double remove succeeded")
	}
	if tab.ContainsExact(0x1000) {
		t.Error("freed record still reported live")
	}
}

func TestAllocTableRangeFits(t *testing.T) {
	var tab AllocTable
	tab.Insert(0x1000, 64)
	tab.Insert(0x2000, 16)

	cases := []struct {
		addr, size uint32
		want       bool
	}{
		{0x1000, 64, true},
		{0x1000, 1, true},
		{0x103f, 1, true},
		{0x1000, 65, false},
		{0x0fff, 2, false},
		{0x1040, 1, false},
		{0x2000, 16, true},
		{0x2008, 9, false},
		{0x3000, 4, false},
		{0xffffffff, 2, false}, // wraps the address space
	}
	for _, c := range cases {
		if got := tab.RangeFits(c.addr, c.size); got != c.want {
			t.Errorf("RangeFits(0x%x, %d) = %v, want %v", c.addr, c.size, got, c.want)
		}
	}
}

func TestAllocTableExhaustion(t *testing.T) {
	var tab AllocTable
	for i := 0; i < MaxAllocations; i++ {
		if !tab.Insert(uint32(0x1000+i*0x100), 16) {
			t.Fatalf("insert %d refused before capacity", i)
		}
	}
	if tab.Insert(0xf000_0000, 16) {
		t.Error("insert past fixed capacity succeeded")
	}
	// freeing one slot makes room again
	if !tab.Remove(0x1000) {
		t.Fatal("remove failed")
	}
	if !tab.Insert(0xf000_0000, 16) {
		t.Error("slot not reusable after free")
	}
}
