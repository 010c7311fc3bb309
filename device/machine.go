package device

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
)

// The server drives the hardware through these three narrow interfaces.
// On the real target they are a memcpy, a cache maintenance call, and an
// indirect branch; SimMachine below provides the same contract on a host
// so the whole server can run and be tested off-device.

// Memory is physical address space access.
type Memory interface {
	ReadAt(addr uint32, p []byte) error
	WriteAt(addr uint32, p []byte) error
}

// CacheSyncer flushes the data cache and invalidates the instruction cache
// over a range. Callers must pass cache-line rounded ranges.
type CacheSyncer interface {
	SyncRange(addr, size uint32) error
}

// Executor coerces addr to a function of type int(void) and calls it
// synchronously. An error means the call could not even start (only the
// simulator can detect that; real hardware would fault instead).
type Executor interface {
	Exec(addr uint32) (int32, error)
}

// Machine bundles what one target exposes.
type Machine interface {
	Memory
	CacheSyncer
	Executor
}

var (
	ErrUnmappedAddress = errors.New("address outside mapped memory")
	ErrUnalignedSync   = errors.New("cache sync range not line-aligned")
	ErrNoProgram       = errors.New("no program installed at address")
)

type simRegion struct {
	base uint32
	mem  []byte
}

// SyncedRange records one cache maintenance call, for inspection in tests.
type SyncedRange struct {
	Addr uint32
	Size uint32
}

// SimMachine emulates the target's RAM, cache maintenance and code
// execution on the host. Execution is a registry of Go hooks keyed by
// entry address, standing in for the machine code a real device would run.
type SimMachine struct {
	mu      sync.Mutex
	regions []simRegion
	hooks   map[uint32]func(m *SimMachine) int32
	synced  []SyncedRange
	line    uint32
}

// NewSimMachine maps one region of backing memory per heap region.
func NewSimMachine(h *Heap, cacheLine uint32) *SimMachine {
	m := &SimMachine{
		hooks: make(map[uint32]func(*SimMachine) int32),
		line:  cacheLine,
	}
	for _, r := range h.regions {
		m.regions = append(m.regions, simRegion{base: r.base, mem: make([]byte, r.size)})
	}
	return m
}

func (m *SimMachine) slice(addr, size uint32) ([]byte, error) {
	end := addr + size
	if end < addr {
		return nil, fmt.Errorf("%w: 0x%08x+%d wraps", ErrUnmappedAddress, addr, size)
	}
	for _, r := range m.regions {
		if addr >= r.base && end <= r.base+uint32(len(r.mem)) {
			off := addr - r.base
			return r.mem[off : off+size], nil
		}
	}
	return nil, fmt.Errorf("%w: 0x%08x (%d bytes)", ErrUnmappedAddress, addr, size)
}

func (m *SimMachine) ReadAt(addr uint32, p []byte) error {
	src, err := m.slice(addr, uint32(len(p)))
	if err != nil {
		return err
	}
	copy(p, src)
	return nil
}

func (m *SimMachine) WriteAt(addr uint32, p []byte) error {
	dst, err := m.slice(addr, uint32(len(p)))
	if err != nil {
		return err
	}
	copy(dst, p)
	return nil
}

// SyncRange checks the line alignment the real primitive requires, then
// records the range.
func (m *SimMachine) SyncRange(addr, size uint32) error {
	if addr%m.line != 0 || size%m.line != 0 {
		return fmt.Errorf("%w: 0x%08x+%d (line %d)", ErrUnalignedSync, addr, size, m.line)
	}
	m.mu.Lock()
	m.synced = append(m.synced, SyncedRange{Addr: addr, Size: size})
	m.mu.Unlock()
	return nil
}

// Synced returns every cache maintenance call made so far.
func (m *SimMachine) Synced() []SyncedRange {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]SyncedRange(nil), m.synced...)
}

// Install registers the behavior of the code at addr. The hook receives
// the machine so it can touch the argument frame and any data regions,
// exactly as the real instructions would.
func (m *SimMachine) Install(addr uint32, fn func(m *SimMachine) int32) {
	m.mu.Lock()
	m.hooks[addr] = fn
	m.mu.Unlock()
}

func (m *SimMachine) Exec(addr uint32) (int32, error) {
	m.mu.Lock()
	fn, ok := m.hooks[addr]
	m.mu.Unlock()
	if !ok {
		return 0, fmt.Errorf("%w: 0x%08x", ErrNoProgram, addr)
	}
	return fn(m), nil
}

// Word helpers used by installed programs.

func (m *SimMachine) ReadWord(addr uint32) (uint32, error) {
	var b [4]byte
	if err := m.ReadAt(addr, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

func (m *SimMachine) WriteWord(addr uint32, v uint32) error {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	return m.WriteAt(addr, b[:])
}
