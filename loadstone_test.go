package loadstone

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"math"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"testing"
	"time"

	"loadstone/build"
	"loadstone/device"
	"loadstone/marshal"
	"loadstone/protocol"
)

//
// fake toolchain: compiles are no-ops, links emit a minimal ELF at the
// ORIGIN the generated script asks for
//

const fakeTextSize = 0x30
const fakeBssSize = 0x10

func writeFakeELF(t *testing.T, path string, base uint32) {
	t.Helper()
	le := binary.LittleEndian
	var body bytes.Buffer
	body.Write(make([]byte, 52))

	textOff := body.Len()
	text := make([]byte, fakeTextSize)
	for i := range text {
		text[i] = byte(0x93 ^ i)
	}
	body.Write(text)

	strtab := []byte("\x00call_remote\x00")
	symtabOff := body.Len()
	body.Write(make([]byte, 16)) // null symbol
	var sym [16]byte
	le.PutUint32(sym[0:], 1) // "call_remote"
	le.PutUint32(sym[4:], base)
	le.PutUint32(sym[8:], 0x10)
	sym[12] = 0x12 // GLOBAL FUNC
	le.PutUint16(sym[14:], 1)
	body.Write(sym[:])

	strtabOff := body.Len()
	body.Write(strtab)

	shstr := []byte("\x00.text\x00.bss\x00.symtab\x00.strtab\x00.shstrtab\x00")
	shstrOff := body.Len()
	body.Write(shstr)

	shOff := body.Len()
	shdr := func(name, typ, flags, addr, off, size, link, info, align, entsize uint32) {
		var h [40]byte
		le.PutUint32(h[0:], name)
		le.PutUint32(h[4:], typ)
		le.PutUint32(h[8:], flags)
		le.PutUint32(h[12:], addr)
		le.PutUint32(h[16:], off)
		le.PutUint32(h[20:], size)
		le.PutUint32(h[24:], link)
		le.PutUint32(h[28:], info)
		le.PutUint32(h[32:], align)
		le.PutUint32(h[36:], entsize)
		body.Write(h[:])
	}
	shdr(0, 0, 0, 0, 0, 0, 0, 0, 0, 0)
	shdr(1, 1 /*PROGBITS*/, 2|4, base, uint32(textOff), fakeTextSize, 0, 0, 4, 0)
	shdr(7, 8 /*NOBITS*/, 2|1, base+fakeTextSize, 0, fakeBssSize, 0, 0, 4, 0)
	shdr(12, 2 /*SYMTAB*/, 0, 0, uint32(symtabOff), 32, 4, 1, 4, 16)
	shdr(20, 3 /*STRTAB*/, 0, 0, uint32(strtabOff), uint32(len(strtab)), 0, 0, 1, 0)
	shdr(28, 3 /*STRTAB*/, 0, 0, uint32(shstrOff), uint32(len(shstr)), 0, 0, 1, 0)

	out := body.Bytes()
	copy(out[0:], []byte{0x7f, 'E', 'L', 'F', 1, 1, 1})
	le.PutUint16(out[16:], 2)
	le.PutUint16(out[18:], 243)
	le.PutUint32(out[20:], 1)
	le.PutUint32(out[24:], base)
	le.PutUint32(out[32:], uint32(shOff))
	le.PutUint16(out[40:], 52)
	le.PutUint16(out[46:], 40)
	le.PutUint16(out[48:], 6)
	le.PutUint16(out[50:], 5)
	if err := os.WriteFile(path, out, 0o644); err != nil {
		t.Fatal(err)
	}
}

type fakeRunner struct {
	t *testing.T
}

var originRe = regexp.MustCompile(`ORIGIN = 0x([0-9a-fA-F]+)`)

func (f *fakeRunner) Run(tool string, args []string) (string, error) {
	out, script := "", ""
	isCompile := false
	for i, a := range args {
		switch {
		case a == "-o" && i+1 < len(args):
			out = args[i+1]
		case a == "-c":
			isCompile = true
		case strings.HasPrefix(a, "-T"):
			script = a[2:]
		}
	}
	if isCompile {
		return "", os.WriteFile(out, []byte("obj"), 0o644)
	}
	raw, err := os.ReadFile(script)
	if err != nil {
		f.t.Fatalf("fake linker: %v", err)
	}
	m := originRe.FindStringSubmatch(string(raw))
	if m == nil {
		f.t.Fatal("fake linker: no ORIGIN")
	}
	base, _ := strconv.ParseUint(m[1], 16, 32)
	writeFakeELF(f.t, out, uint32(base))
	return "", nil
}

//
// end-to-end rig: session ↔ simulated device over an in-process pipe
//

type rig struct {
	session *Session
	mach    *device.SimMachine
}

func newRig(t *testing.T) *rig {
	t.Helper()
	heap := device.DefaultHeap()
	mach := device.NewSimMachine(heap, protocol.CacheLineSize)
	host, dev := net.Pipe()
	srv := device.NewServer(dev, dev, heap, mach, device.Config{
		Log: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	go srv.Run()
	t.Cleanup(func() { host.Close(); dev.Close() })

	builder, err := build.NewBuilder(build.DefaultConfig(), &fakeRunner{t: t})
	if err != nil {
		t.Fatal(err)
	}
	session, err := NewSession(host, builder, 2*time.Second)
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	return &rig{session: session, mach: mach}
}

func writeSource(t *testing.T, name, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

const addSource = `
int add(int a, int b) {
    return a + b;
}
`

const scaleSource = `
void scale(float* data, int n, float factor) {
    for (int i = 0; i < n; i++) {
        data[i] = data[i] * factor;
    }
}
`

// installWrapper gives the uploaded (fake) code its behavior: the hook
// does what the generated wrapper plus the target function would do.
func (r *rig) installWrapper(h *Handle, body func(m *device.SimMachine, slot func(int) uint32, setRet func(uint32))) {
	args := h.ArgsAddress()
	r.mach.Install(h.EntryAddress(), func(m *device.SimMachine) int32 {
		slot := func(i int) uint32 {
			v, _ := m.ReadWord(args + uint32(i*4))
			return v
		}
		setRet := func(v uint32) {
			m.WriteWord(args+uint32(protocol.ReturnSlot*4), v)
		}
		body(m, slot, setRet)
		return 0
	})
}

func TestSessionHandshake(t *testing.T) {
	r := newRig(t)
	if r.session.Info().Major != protocol.VersionMajor {
		t.Errorf("major %d", r.session.Info().Major)
	}
	if err := r.session.Ping(); err != nil {
		t.Errorf("ping: %v", err)
	}
}

func TestLoadAndCallAdd(t *testing.T) {
	r := newRig(t)
	src := writeSource(t, "compute.c", addSource)

	h, err := r.session.Load(src, "add", LoadOptions{SyncArrays: true})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if h.EntryAddress() != h.CodeAddress() {
		t.Errorf("wrapper not linked first: entry 0x%08x, code 0x%08x", h.EntryAddress(), h.CodeAddress())
	}

	r.installWrapper(h, func(m *device.SimMachine, slot func(int) uint32, setRet func(uint32)) {
		setRet(uint32(int32(slot(0)) + int32(slot(1))))
	})

	ret, err := h.Call(marshal.Int32(10), marshal.Int32(20))
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if ret.Int32() != 30 {
		t.Errorf("add(10, 20) = %d", ret.Int32())
	}
}

func TestLoadAndCallScaleArray(t *testing.T) {
	r := newRig(t)
	src := writeSource(t, "scale.c", scaleSource)

	h, err := r.session.Load(src, "scale", LoadOptions{SyncArrays: true})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	r.installWrapper(h, func(m *device.SimMachine, slot func(int) uint32, setRet func(uint32)) {
		base := slot(0)
		n := int(slot(1))
		factor := math.Float32frombits(slot(2))
		for i := 0; i < n; i++ {
			w, _ := m.ReadWord(base + uint32(i*4))
			m.WriteWord(base+uint32(i*4), math.Float32bits(math.Float32frombits(w)*factor))
		}
	})

	data := marshal.Float32s(1, 2, 3, 4)
	if _, err := h.Call(marshal.Arr(data), marshal.Int32(4), marshal.Float32(2.5)); err != nil {
		t.Fatalf("call: %v", err)
	}
	want := []float32{2.5, 5.0, 7.5, 10.0}
	for i, w := range want {
		if got := data.ElemFloat32(i); got != w {
			t.Errorf("data[%d] = %g, want %g", i, got, w)
		}
	}
	// transient array region released: only code+args remain tracked
	if n := r.session.Client().Shadow().Len(); n != 2 {
		t.Errorf("%d regions tracked after call, want 2", n)
	}
}

func TestLoadUploadMatchesDeviceMemory(t *testing.T) {
	r := newRig(t)
	src := writeSource(t, "compute.c", addSource)
	h, err := r.session.Load(src, "add", LoadOptions{})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	back, err := r.session.Client().ReadMemory(h.CodeAddress(), h.Artifact().TotalSize())
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if !bytes.Equal(back, h.Artifact().Data) {
		t.Error("device memory does not match the artifact")
	}
	// trailing BSS padding reached the device as zeros
	for _, b := range back[fakeTextSize:] {
		if b != 0 {
			t.Error("bss not cleared on device")
			break
		}
	}
}

func TestHandleFreeReleasesBothRegions(t *testing.T) {
	r := newRig(t)
	src := writeSource(t, "compute.c", addSource)
	h, err := r.session.Load(src, "add", LoadOptions{})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := h.Free(); err != nil {
		t.Fatalf("free: %v", err)
	}
	if r.session.Client().Shadow().Len() != 0 {
		t.Error("regions survived the free")
	}
	if _, err := h.Call(); !errors.Is(err, ErrHandleFreed) {
		t.Errorf("call after free gave %v", err)
	}
	if err := h.Free(); !errors.Is(err, ErrHandleFreed) {
		t.Errorf("double free gave %v", err)
	}
}

func TestHandleCallRaw(t *testing.T) {
	r := newRig(t)
	src := writeSource(t, "compute.c", addSource)
	h, err := r.session.Load(src, "add", LoadOptions{})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	r.installWrapper(h, func(m *device.SimMachine, slot func(int) uint32, setRet func(uint32)) {
		setRet(slot(0) + slot(1))
	})
	frame := make([]byte, protocol.ArgBytes)
	binary.LittleEndian.PutUint32(frame[0:], 7)
	binary.LittleEndian.PutUint32(frame[4:], 35)
	if _, err := h.CallRaw(frame); err != nil {
		t.Fatalf("raw call: %v", err)
	}
	raw, err := r.session.Client().ReadMemory(h.ArgsAddress()+31*4, 4)
	if err != nil {
		t.Fatalf("read return slot: %v", err)
	}
	if binary.LittleEndian.Uint32(raw) != 42 {
		t.Errorf("raw call result %d", binary.LittleEndian.Uint32(raw))
	}
}

func TestLoadStageErrors(t *testing.T) {
	r := newRig(t)
	// missing source fails in the probe stage with the build error kind
	_, err := r.session.Load(filepath.Join(t.TempDir(), "nope.c"), "add", LoadOptions{})
	if !errors.Is(err, build.ErrSourceMissing) {
		t.Errorf("got %v", err)
	}
	if err == nil || !strings.Contains(err.Error(), "probe build") {
		t.Errorf("stage not named: %v", err)
	}
}

func TestLoadMetadata(t *testing.T) {
	r := newRig(t)
	src := writeSource(t, "compute.c", addSource)
	metaDir := t.TempDir()
	h, err := r.session.Load(src, "add", LoadOptions{MetadataDir: metaDir})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	m := h.Artifact().Meta
	if m.Function != "add" || m.ArgsBase != h.ArgsAddress() || m.CodeBase != h.CodeAddress() {
		t.Errorf("metadata wrong: %+v", m)
	}
	if _, err := os.Stat(filepath.Join(metaDir, "signature.json")); err != nil {
		t.Errorf("metadata not persisted: %v", err)
	}
}
