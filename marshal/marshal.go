package marshal

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"loadstone/protocol"
	"loadstone/sig"
)

// Device is the slice of the host façade the marshaller drives.
// remote.Client satisfies it; tests use a fake.
type Device interface {
	Allocate(size, caps, alignment uint32) (uint32, error)
	Free(addr uint32) error
	WriteMemory(addr uint32, data []byte) error
	ReadMemory(addr, size uint32) ([]byte, error)
	Execute(addr uint32) (uint32, error)
}

var ErrArgCount = errors.New("argument count does not match signature")

// trackedArray remembers one array argument for post-call sync-back.
type trackedArray struct {
	addr uint32
	arr  *Array
}

// Invocation marshals one call: packs the frame, runs it, syncs arrays
// back and frees its transient allocations. One Invocation per call; the
// argument frame is a per-function singleton, so concurrent calls into
// the same loaded function are not supported.
type Invocation struct {
	dev  Device
	sig  *sig.Signature
	sync bool

	// DataCaps and Alignment govern the transient array regions.
	DataCaps  uint32
	Alignment uint32

	transient []uint32
	tracked   []trackedArray
}

func NewInvocation(dev Device, s *sig.Signature, syncArrays bool) *Invocation {
	return &Invocation{
		dev:       dev,
		sig:       s,
		sync:      syncArrays,
		DataCaps:  protocol.CapExternalRAM | protocol.Cap8Bit,
		Alignment: 16,
	}
}

// Return is the typed result read from the last slot.
type Return struct {
	Type sig.Type
	Raw  uint32
}

func (r Return) IsVoid() bool { return r.Type.Kind == sig.KindVoid }

// Int32 interprets the slot per the declared integer width and
// signedness.
func (r Return) Int32() int32 {
	if !r.Type.Signed {
		return int32(r.Uint32())
	}
	switch r.Type.Bits {
	case 8:
		return int32(int8(r.Raw))
	case 16:
		return int32(int16(r.Raw))
	default:
		return int32(r.Raw)
	}
}

// Uint32 masks the slot to the declared width.
func (r Return) Uint32() uint32 {
	switch r.Type.Bits {
	case 8:
		return r.Raw & 0xff
	case 16:
		return r.Raw & 0xffff
	default:
		return r.Raw
	}
}

// Float32 reinterprets the slot's bit pattern.
func (r Return) Float32() float32 { return math.Float32frombits(r.Raw) }

// Call runs the whole sequence against a loaded function: pack, write
// frame, execute, sync arrays back, read the return slot, free
// transients. Transient regions are freed even when any step fails.
func (inv *Invocation) Call(codeAddr, argsAddr uint32, args ...Value) (Return, error) {
	defer inv.cleanup()

	frame, err := inv.pack(args)
	if err != nil {
		return Return{}, err
	}
	if err := inv.dev.WriteMemory(argsAddr, frame); err != nil {
		return Return{}, fmt.Errorf("write argument frame: %w", err)
	}
	if _, err := inv.dev.Execute(codeAddr); err != nil {
		return Return{}, fmt.Errorf("execute: %w", err)
	}
	if inv.sync {
		if err := inv.syncBack(); err != nil {
			return Return{}, err
		}
	}
	return inv.readReturn(argsAddr)
}

// pack validates every argument against the signature and produces the
// frame. Array arguments get a transient device region, are written out,
// and contribute their region's address as slot content.
func (inv *Invocation) pack(args []Value) ([]byte, error) {
	params := inv.sig.Params
	if len(args) != len(params) {
		return nil, fmt.Errorf("%w: got %d, signature has %d", ErrArgCount, len(args), len(params))
	}
	frame := make([]byte, protocol.ArgBytes)
	for i, p := range params {
		var word uint32
		switch p.Category {
		case sig.CategoryPointer:
			arr, err := checkArray(i, p, args[i])
			if err != nil {
				return nil, err
			}
			addr, err := inv.uploadArray(i, p, arr)
			if err != nil {
				return nil, err
			}
			word = addr
		default:
			var err error
			word, err = checkValue(i, p, args[i])
			if err != nil {
				return nil, err
			}
		}
		binary.LittleEndian.PutUint32(frame[i*protocol.SlotSize:], word)
	}
	return frame, nil
}

// uploadArray flattens the array into a fresh device region and tracks
// it for sync-back.
func (inv *Invocation) uploadArray(i int, p sig.Param, arr *Array) (uint32, error) {
	size := uint32(arr.NBytes())
	if size == 0 {
		return 0, &ArgError{Index: i, Param: p.Name, Msg: "empty array has no device address"}
	}
	addr, err := inv.dev.Allocate(size, inv.DataCaps, inv.Alignment)
	if err != nil {
		return 0, fmt.Errorf("argument %d (%s): allocate %d bytes: %w", i, p.Name, size, err)
	}
	inv.transient = append(inv.transient, addr)
	if err := inv.dev.WriteMemory(addr, arr.Bytes()); err != nil {
		return 0, fmt.Errorf("argument %d (%s): upload: %w", i, p.Name, err)
	}
	if inv.sync {
		inv.tracked = append(inv.tracked, trackedArray{addr: addr, arr: arr})
	}
	return addr, nil
}

// syncBack copies each tracked device region into its host array's
// backing storage, preserving shape and dtype.
func (inv *Invocation) syncBack() error {
	for _, tr := range inv.tracked {
		data, err := inv.dev.ReadMemory(tr.addr, uint32(tr.arr.NBytes()))
		if err != nil {
			return fmt.Errorf("sync back array at 0x%08x: %w", tr.addr, err)
		}
		if err := tr.arr.SetBytes(data); err != nil {
			return err
		}
	}
	return nil
}

// readReturn fetches slot 31 and types it per the declared return.
func (inv *Invocation) readReturn(argsAddr uint32) (Return, error) {
	ret := Return{Type: inv.sig.Return}
	if ret.Type.Kind == sig.KindVoid {
		return ret, nil
	}
	slotAddr := argsAddr + uint32(protocol.ReturnSlot*protocol.SlotSize)
	raw, err := inv.dev.ReadMemory(slotAddr, protocol.SlotSize)
	if err != nil {
		return Return{}, fmt.Errorf("read return slot: %w", err)
	}
	ret.Raw = binary.LittleEndian.Uint32(raw)
	return ret, nil
}

// cleanup frees every transient region. Free failures are not reported.
func (inv *Invocation) cleanup() {
	for _, addr := range inv.transient {
		inv.dev.Free(addr)
	}
	inv.transient = nil
	inv.tracked = nil
}
