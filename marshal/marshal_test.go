package marshal

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"testing"

	"loadstone/sig"
)

// fakeDevice is an in-memory device: regions come from a bump allocator,
// execute runs a Go hook against the stored bytes.
type fakeDevice struct {
	regions map[uint32][]byte
	next    uint32
	frees   int
	onExec  func(d *fakeDevice) (uint32, error)
}

func newFakeDevice() *fakeDevice {
	return &fakeDevice{regions: make(map[uint32][]byte), next: 0x4800_0000}
}

func (d *fakeDevice) Allocate(size, caps, alignment uint32) (uint32, error) {
	if alignment == 0 || alignment&(alignment-1) != 0 {
		return 0, errors.New("bad alignment")
	}
	addr := (d.next + alignment - 1) &^ (alignment - 1)
	d.next = addr + size
	d.regions[addr] = make([]byte, size)
	return addr, nil
}

func (d *fakeDevice) Free(addr uint32) error {
	if _, ok := d.regions[addr]; !ok {
		return fmt.Errorf("free of unknown region 0x%08x", addr)
	}
	delete(d.regions, addr)
	d.frees++
	return nil
}

func (d *fakeDevice) locate(addr, size uint32) ([]byte, error) {
	for base, mem := range d.regions {
		if addr >= base && addr+size <= base+uint32(len(mem)) {
			off := addr - base
			return mem[off : off+size], nil
		}
	}
	return nil, fmt.Errorf("0x%08x+%d not in any region", addr, size)
}

func (d *fakeDevice) WriteMemory(addr uint32, data []byte) error {
	dst, err := d.locate(addr, uint32(len(data)))
	if err != nil {
		return err
	}
	copy(dst, data)
	return nil
}

func (d *fakeDevice) ReadMemory(addr, size uint32) ([]byte, error) {
	src, err := d.locate(addr, size)
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), src...), nil
}

func (d *fakeDevice) Execute(addr uint32) (uint32, error) {
	if d.onExec == nil {
		return 0, nil
	}
	return d.onExec(d)
}

func (d *fakeDevice) slot(argsAddr uint32, i int) uint32 {
	raw, err := d.ReadMemory(argsAddr+uint32(i*4), 4)
	if err != nil {
		panic(err)
	}
	return binary.LittleEndian.Uint32(raw)
}

func (d *fakeDevice) setSlot(argsAddr uint32, i int, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	if err := d.WriteMemory(argsAddr+uint32(i*4), b[:]); err != nil {
		panic(err)
	}
}

func parseSig(t *testing.T, proto string) *sig.Signature {
	t.Helper()
	s, err := sig.NewParser().ParsePrototype(proto)
	if err != nil {
		t.Fatalf("parse %q: %v", proto, err)
	}
	return s
}

func testRig(t *testing.T, proto string) (*fakeDevice, *sig.Signature, uint32, uint32) {
	t.Helper()
	dev := newFakeDevice()
	codeAddr, _ := dev.Allocate(256, 0, 64)
	argsAddr, _ := dev.Allocate(128, 0, 16)
	return dev, parseSig(t, proto), codeAddr, argsAddr
}

func TestCallEchoReturnsExactEncoding(t *testing.T) {
	dev, s, code, args := testRig(t, "int echo(int v);")
	dev.onExec = func(d *fakeDevice) (uint32, error) {
		d.setSlot(args, 31, d.slot(args, 0))
		return 0, nil
	}
	ret, err := NewInvocation(dev, s, true).Call(code, args, Int32(-123456))
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if ret.Int32() != -123456 {
		t.Errorf("echo returned %d", ret.Int32())
	}
}

func TestCallNoopYieldsZeroValue(t *testing.T) {
	dev, s, code, args := testRig(t, "int f(int v);")
	ret, err := NewInvocation(dev, s, true).Call(code, args, Int32(7))
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if ret.Int32() != 0 {
		t.Errorf("untouched return slot read as %d", ret.Int32())
	}
}

func TestCallAdd(t *testing.T) {
	dev, s, code, args := testRig(t, "int add(int a, int b);")
	dev.onExec = func(d *fakeDevice) (uint32, error) {
		sum := int32(d.slot(args, 0)) + int32(d.slot(args, 1))
		d.setSlot(args, 31, uint32(sum))
		return 0, nil
	}
	ret, err := NewInvocation(dev, s, true).Call(code, args, Int32(10), Int32(20))
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if ret.Int32() != 30 {
		t.Errorf("add(10, 20) = %d", ret.Int32())
	}
}

func TestCallFloatArraySyncBack(t *testing.T) {
	dev, s, code, args := testRig(t, "void scale(float* data, int n, float factor);")
	dev.onExec = func(d *fakeDevice) (uint32, error) {
		base := d.slot(args, 0)
		n := int(d.slot(args, 1))
		factor := math.Float32frombits(d.slot(args, 2))
		raw, err := d.ReadMemory(base, uint32(n*4))
		if err != nil {
			return 0, err
		}
		for i := 0; i < n; i++ {
			v := math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
			binary.LittleEndian.PutUint32(raw[i*4:], math.Float32bits(v*factor))
		}
		return 0, d.WriteMemory(base, raw)
	}

	data := Float32s(1, 2, 3, 4)
	ret, err := NewInvocation(dev, s, true).Call(code, args, Arr(data), Int32(4), Float32(2.5))
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if !ret.IsVoid() {
		t.Error("void return not void")
	}
	want := []float32{2.5, 5.0, 7.5, 10.0}
	for i, w := range want {
		if got := data.ElemFloat32(i); got != w {
			t.Errorf("data[%d] = %g, want %g", i, got, w)
		}
	}
	if dev.frees != 1 {
		t.Errorf("transient region not freed exactly once: %d", dev.frees)
	}
}

func TestCallSyncDisabledLeavesHostArray(t *testing.T) {
	dev, s, code, args := testRig(t, "void wipe(float* data, int n);")
	dev.onExec = func(d *fakeDevice) (uint32, error) {
		base := d.slot(args, 0)
		return 0, d.WriteMemory(base, make([]byte, 8))
	}
	data := Float32s(1, 2)
	if _, err := NewInvocation(dev, s, false).Call(code, args, Arr(data), Int32(2)); err != nil {
		t.Fatalf("call: %v", err)
	}
	if data.ElemFloat32(0) != 1 || data.ElemFloat32(1) != 2 {
		t.Error("host array mutated with sync disabled")
	}
}

func TestCallTransientFreedOnExecFailure(t *testing.T) {
	dev, s, code, args := testRig(t, "void f(float* data);")
	dev.onExec = func(d *fakeDevice) (uint32, error) {
		return 0, errors.New("device went away")
	}
	_, err := NewInvocation(dev, s, true).Call(code, args, Arr(Float32s(1, 2, 3)))
	if err == nil {
		t.Fatal("expected failure")
	}
	if dev.frees != 1 {
		t.Errorf("transient region leaked on failure: %d frees", dev.frees)
	}
}

func TestCallValidation(t *testing.T) {
	_, s, _, _ := testRig(t, "int f(int a, float b);")

	t.Run("arity", func(t *testing.T) {
		dev := newFakeDevice()
		_, err := NewInvocation(dev, s, true).Call(0, 0, Int32(1))
		if !errors.Is(err, ErrArgCount) {
			t.Errorf("got %v", err)
		}
	})

	t.Run("scalar type mismatch names the argument", func(t *testing.T) {
		dev := newFakeDevice()
		_, err := NewInvocation(dev, s, true).Call(0, 0, Float32(1), Float32(2))
		var ae *ArgError
		if !errors.As(err, &ae) || ae.Index != 0 {
			t.Errorf("got %v", err)
		}
	})

	t.Run("width mismatch rejected", func(t *testing.T) {
		dev := newFakeDevice()
		_, err := NewInvocation(dev, s, true).Call(0, 0, Int16(1), Float32(2))
		var ae *ArgError
		if !errors.As(err, &ae) {
			t.Errorf("int16 accepted for int: %v", err)
		}
	})
}

func TestCallPointerValidation(t *testing.T) {
	_, s, _, _ := testRig(t, "void f(float* data, int n);")

	t.Run("scalar for pointer", func(t *testing.T) {
		dev := newFakeDevice()
		_, err := NewInvocation(dev, s, true).Call(0, 0, Int32(5), Int32(1))
		var ae *ArgError
		if !errors.As(err, &ae) || ae.Index != 0 {
			t.Errorf("got %v", err)
		}
	})

	t.Run("array dtype mismatch", func(t *testing.T) {
		dev := newFakeDevice()
		_, err := NewInvocation(dev, s, true).Call(0, 0, Arr(Int16s(1, 2)), Int32(2))
		var ae *ArgError
		if !errors.As(err, &ae) || ae.Index != 0 {
			t.Errorf("got %v", err)
		}
	})

	t.Run("array for value parameter", func(t *testing.T) {
		dev := newFakeDevice()
		_, err := NewInvocation(dev, s, true).Call(0, 0, Arr(Float32s(1, 2)), Arr(Int32s(3)))
		var ae *ArgError
		if !errors.As(err, &ae) || ae.Index != 1 {
			t.Errorf("got %v", err)
		}
	})
}

func TestCallZeroDimArrayAsScalar(t *testing.T) {
	dev, s, code, args := testRig(t, "int twice(int v);")
	dev.onExec = func(d *fakeDevice) (uint32, error) {
		d.setSlot(args, 31, d.slot(args, 0)*2)
		return 0, nil
	}
	scalar := NewArray(Int32T)
	binary.LittleEndian.PutUint32(scalar.Bytes(), 21)
	ret, err := NewInvocation(dev, s, true).Call(code, args, Arr(scalar))
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if ret.Int32() != 42 {
		t.Errorf("got %d", ret.Int32())
	}
}

func TestCallNarrowIntWidening(t *testing.T) {
	dev, s, code, args := testRig(t, "int8_t same(int8_t v);")
	dev.onExec = func(d *fakeDevice) (uint32, error) {
		if got := d.slot(args, 0); got != 0xFFFFFFFB {
			return 0, fmt.Errorf("slot not sign-extended: 0x%08x", got)
		}
		d.setSlot(args, 31, d.slot(args, 0))
		return 0, nil
	}
	ret, err := NewInvocation(dev, s, true).Call(code, args, Int8(-5))
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if ret.Int32() != -5 {
		t.Errorf("narrow return read as %d", ret.Int32())
	}
}

func TestCallFloatReturnBitPattern(t *testing.T) {
	dev, s, code, args := testRig(t, "float pi(void);")
	dev.onExec = func(d *fakeDevice) (uint32, error) {
		d.setSlot(args, 31, math.Float32bits(3.25))
		return 0, nil
	}
	ret, err := NewInvocation(dev, s, true).Call(code, args)
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if ret.Float32() != 3.25 {
		t.Errorf("got %g", ret.Float32())
	}
}

func TestCallPointerReturn(t *testing.T) {
	dev, s, code, args := testRig(t, "int* base(void);")
	dev.onExec = func(d *fakeDevice) (uint32, error) {
		d.setSlot(args, 31, 0x4808_1234)
		return 0, nil
	}
	ret, err := NewInvocation(dev, s, true).Call(code, args)
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if ret.Uint32() != 0x4808_1234 {
		t.Errorf("got 0x%08x", ret.Uint32())
	}
}

func TestArrayReshape(t *testing.T) {
	a := Float32s(1, 2, 3, 4, 5, 6)
	m, err := a.Reshape(2, 3)
	if err != nil {
		t.Fatalf("reshape: %v", err)
	}
	if got := m.Shape(); got[0] != 2 || got[1] != 3 {
		t.Errorf("shape %v", got)
	}
	// same storage: sync-back through either view is visible in both
	m.Bytes()[0] = 0
	if a.Bytes()[0] != 0 {
		t.Error("reshape copied storage")
	}
	if _, err := a.Reshape(4, 4); err == nil {
		t.Error("bad reshape accepted")
	}
}
