package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var ErrShortPayload = errors.New("payload too short")

// le is shorthand; everything on the wire is little-endian.
var le = binary.LittleEndian

//
// get-info
//

// Info is the response payload of get-info. FirmwareVersion travels as a
// 16-byte NUL-padded field.
type Info struct {
	Major           uint8
	Minor           uint8
	MaxPayload      uint32
	CacheLine       uint32
	MaxAllocations  uint32
	FirmwareVersion string
}

const infoSize = 2 + 2 + 4 + 4 + 4 + 16

func (i Info) Encode() []byte {
	out := make([]byte, infoSize)
	out[0] = i.Major
	out[1] = i.Minor
	// out[2:4] reserved
	le.PutUint32(out[4:], i.MaxPayload)
	le.PutUint32(out[8:], i.CacheLine)
	le.PutUint32(out[12:], i.MaxAllocations)
	copy(out[16:], i.FirmwareVersion) // truncates, NUL padding comes from make
	out[infoSize-1] = 0
	return out
}

func DecodeInfo(p []byte) (Info, error) {
	if len(p) < infoSize {
		return Info{}, fmt.Errorf("get-info: %w (%d bytes)", ErrShortPayload, len(p))
	}
	name := p[16:32]
	n := 0
	for n < len(name) && name[n] != 0 {
		n++
	}
	return Info{
		Major:           p[0],
		Minor:           p[1],
		MaxPayload:      le.Uint32(p[4:]),
		CacheLine:       le.Uint32(p[8:]),
		MaxAllocations:  le.Uint32(p[12:]),
		FirmwareVersion: string(name[:n]),
	}, nil
}

//
// alloc / free
//

type AllocRequest struct {
	Size      uint32
	Caps      uint32
	Alignment uint32
}

func (a AllocRequest) Encode() []byte {
	out := make([]byte, 12)
	le.PutUint32(out[0:], a.Size)
	le.PutUint32(out[4:], a.Caps)
	le.PutUint32(out[8:], a.Alignment)
	return out
}

func DecodeAllocRequest(p []byte) (AllocRequest, error) {
	if len(p) < 12 {
		return AllocRequest{}, fmt.Errorf("alloc: %w", ErrShortPayload)
	}
	return AllocRequest{
		Size:      le.Uint32(p[0:]),
		Caps:      le.Uint32(p[4:]),
		Alignment: le.Uint32(p[8:]),
	}, nil
}

// AllocResponse carries the inner allocator verdict: the frame itself is an
// OK response even when the allocator refused, in which case Address is 0
// and Err is nonzero.
type AllocResponse struct {
	Address uint32
	Err     uint32
}

func (a AllocResponse) Encode() []byte {
	out := make([]byte, 8)
	le.PutUint32(out[0:], a.Address)
	le.PutUint32(out[4:], a.Err)
	return out
}

func DecodeAllocResponse(p []byte) (AllocResponse, error) {
	if len(p) < 8 {
		return AllocResponse{}, fmt.Errorf("alloc response: %w", ErrShortPayload)
	}
	return AllocResponse{Address: le.Uint32(p[0:]), Err: le.Uint32(p[4:])}, nil
}

type FreeRequest struct {
	Address uint32
}

func (f FreeRequest) Encode() []byte {
	out := make([]byte, 4)
	le.PutUint32(out, f.Address)
	return out
}

func DecodeFreeRequest(p []byte) (FreeRequest, error) {
	if len(p) < 4 {
		return FreeRequest{}, fmt.Errorf("free: %w", ErrShortPayload)
	}
	return FreeRequest{Address: le.Uint32(p)}, nil
}

type FreeResponse struct {
	Status uint32
}

func (f FreeResponse) Encode() []byte {
	out := make([]byte, 4)
	le.PutUint32(out, f.Status)
	return out
}

func DecodeFreeResponse(p []byte) (FreeResponse, error) {
	if len(p) < 4 {
		return FreeResponse{}, fmt.Errorf("free response: %w", ErrShortPayload)
	}
	return FreeResponse{Status: le.Uint32(p)}, nil
}

//
// write / read
//

const memHeaderSize = 8 // address + flags + 3 reserved

type WriteRequest struct {
	Address uint32
	Flags   uint8
	Data    []byte
}

func (w WriteRequest) Encode() []byte {
	out := make([]byte, memHeaderSize+len(w.Data))
	le.PutUint32(out[0:], w.Address)
	out[4] = w.Flags
	copy(out[memHeaderSize:], w.Data)
	return out
}

func DecodeWriteRequest(p []byte) (WriteRequest, error) {
	if len(p) < memHeaderSize {
		return WriteRequest{}, fmt.Errorf("write-mem: %w", ErrShortPayload)
	}
	return WriteRequest{
		Address: le.Uint32(p[0:]),
		Flags:   p[4],
		Data:    p[memHeaderSize:],
	}, nil
}

type WriteResponse struct {
	BytesWritten uint32
	Status       uint32
}

func (w WriteResponse) Encode() []byte {
	out := make([]byte, 8)
	le.PutUint32(out[0:], w.BytesWritten)
	le.PutUint32(out[4:], w.Status)
	return out
}

func DecodeWriteResponse(p []byte) (WriteResponse, error) {
	if len(p) < 8 {
		return WriteResponse{}, fmt.Errorf("write-mem response: %w", ErrShortPayload)
	}
	return WriteResponse{BytesWritten: le.Uint32(p[0:]), Status: le.Uint32(p[4:])}, nil
}

type ReadRequest struct {
	Address uint32
	Size    uint32
	Flags   uint8
}

func (r ReadRequest) Encode() []byte {
	out := make([]byte, 12)
	le.PutUint32(out[0:], r.Address)
	le.PutUint32(out[4:], r.Size)
	out[8] = r.Flags
	return out
}

func DecodeReadRequest(p []byte) (ReadRequest, error) {
	if len(p) < 12 {
		return ReadRequest{}, fmt.Errorf("read-mem: %w", ErrShortPayload)
	}
	return ReadRequest{
		Address: le.Uint32(p[0:]),
		Size:    le.Uint32(p[4:]),
		Flags:   p[8],
	}, nil
}

//
// exec
//

type ExecRequest struct {
	Address uint32
}

func (e ExecRequest) Encode() []byte {
	out := make([]byte, 4)
	le.PutUint32(out, e.Address)
	return out
}

func DecodeExecRequest(p []byte) (ExecRequest, error) {
	if len(p) < 4 {
		return ExecRequest{}, fmt.Errorf("exec: %w", ErrShortPayload)
	}
	return ExecRequest{Address: le.Uint32(p)}, nil
}

type ExecResponse struct {
	ReturnValue uint32
}

func (e ExecResponse) Encode() []byte {
	out := make([]byte, 4)
	le.PutUint32(out, e.ReturnValue)
	return out
}

func DecodeExecResponse(p []byte) (ExecResponse, error) {
	if len(p) < 4 {
		return ExecResponse{}, fmt.Errorf("exec response: %w", ErrShortPayload)
	}
	return ExecResponse{ReturnValue: le.Uint32(p)}, nil
}

//
// heap-info
//

type HeapInfo struct {
	FreeExternal  uint32
	TotalExternal uint32
	FreeInternal  uint32
	TotalInternal uint32
}

func (h HeapInfo) Encode() []byte {
	out := make([]byte, 16)
	le.PutUint32(out[0:], h.FreeExternal)
	le.PutUint32(out[4:], h.TotalExternal)
	le.PutUint32(out[8:], h.FreeInternal)
	le.PutUint32(out[12:], h.TotalInternal)
	return out
}

func DecodeHeapInfo(p []byte) (HeapInfo, error) {
	if len(p) < 16 {
		return HeapInfo{}, fmt.Errorf("heap-info response: %w", ErrShortPayload)
	}
	return HeapInfo{
		FreeExternal:  le.Uint32(p[0:]),
		TotalExternal: le.Uint32(p[4:]),
		FreeInternal:  le.Uint32(p[8:]),
		TotalInternal: le.Uint32(p[12:]),
	}, nil
}

//
// error response
//

func EncodeError(code ErrCode) []byte {
	out := make([]byte, 4)
	le.PutUint32(out, uint32(code))
	return out
}

func DecodeError(p []byte) (ErrCode, error) {
	if len(p) < 4 {
		return 0, fmt.Errorf("error response: %w", ErrShortPayload)
	}
	return ErrCode(le.Uint32(p)), nil
}
