package device

import (
	"fmt"
	"log/slog"

	"loadstone/protocol"
)

// Handler implements every command against the allocation table, the heap
// and the machine. It runs only on the protocol goroutine, so nothing in
// here locks.
type Handler struct {
	table      AllocTable
	heap       Allocator
	mach       Machine
	maxPayload uint32
	firmware   string
	log        *slog.Logger
}

func NewHandler(heap Allocator, mach Machine, maxPayload uint32, firmware string, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{
		heap:       heap,
		mach:       mach,
		maxPayload: maxPayload,
		firmware:   firmware,
		log:        log,
	}
}

// Dispatch runs one request and produces either a response payload or a
// protocol error code. A non-nil fatal error means the command destroyed
// the ability to respond (user code faulted); the loop sends nothing and
// the host will observe its timeout.
func (h *Handler) Dispatch(cmd protocol.Command, payload []byte) (resp []byte, code protocol.ErrCode, fatal error) {
	switch cmd {
	case protocol.CmdPing:
		out := make([]byte, len(payload))
		copy(out, payload)
		return out, 0, nil

	case protocol.CmdGetInfo:
		info := protocol.Info{
			Major:           protocol.VersionMajor,
			Minor:           protocol.VersionMinor,
			MaxPayload:      h.maxPayload,
			CacheLine:       protocol.CacheLineSize,
			MaxAllocations:  MaxAllocations,
			FirmwareVersion: h.firmware,
		}
		return info.Encode(), 0, nil

	case protocol.CmdAlloc:
		return h.alloc(payload)

	case protocol.CmdFree:
		return h.free(payload)

	case protocol.CmdWriteMem:
		return h.write(payload)

	case protocol.CmdReadMem:
		return h.read(payload)

	case protocol.CmdExec:
		return h.exec(payload)

	case protocol.CmdHeapInfo:
		return h.heap.Info().Encode(), 0, nil
	}
	h.log.Warn("unknown command", "cmd", fmt.Sprintf("0x%02x", uint8(cmd)))
	return nil, protocol.ErrCodeUnknownCmd, nil
}

func (h *Handler) alloc(payload []byte) ([]byte, protocol.ErrCode, error) {
	req, err := protocol.DecodeAllocRequest(payload)
	if err != nil {
		return nil, protocol.ErrCodeUnknownCmd, nil
	}
	h.log.Debug("alloc", "size", req.Size, "caps", fmt.Sprintf("0x%08x", req.Caps), "align", req.Alignment)

	// the table is a hard cap independent of heap space
	if h.table.Live() >= MaxAllocations {
		h.log.Error("alloc refused, table full", "live", h.table.Live())
		return protocol.AllocResponse{Address: 0, Err: uint32(protocol.ErrCodeAllocFail)}.Encode(), 0, nil
	}
	addr, err := h.heap.AlignedAlloc(req.Alignment, req.Size, req.Caps)
	if err != nil {
		h.log.Error("alloc failed", "size", req.Size, "err", err)
		return protocol.AllocResponse{Address: 0, Err: uint32(protocol.ErrCodeAllocFail)}.Encode(), 0, nil
	}
	if !h.table.Insert(addr, req.Size) {
		h.heap.Free(addr)
		return protocol.AllocResponse{Address: 0, Err: uint32(protocol.ErrCodeAllocFail)}.Encode(), 0, nil
	}
	h.log.Debug("alloc ok", "addr", fmt.Sprintf("0x%08x", addr))
	return protocol.AllocResponse{Address: addr, Err: 0}.Encode(), 0, nil
}

func (h *Handler) free(payload []byte) ([]byte, protocol.ErrCode, error) {
	req, err := protocol.DecodeFreeRequest(payload)
	if err != nil {
		return nil, protocol.ErrCodeUnknownCmd, nil
	}
	if !h.table.Remove(req.Address) {
		h.log.Error("free of unknown address", "addr", fmt.Sprintf("0x%08x", req.Address))
		return nil, protocol.ErrCodeInvalidAddr, nil
	}
	if err := h.heap.Free(req.Address); err != nil {
		h.log.Error("heap free failed", "addr", fmt.Sprintf("0x%08x", req.Address), "err", err)
		return protocol.FreeResponse{Status: 1}.Encode(), 0, nil
	}
	return protocol.FreeResponse{Status: 0}.Encode(), 0, nil
}

func (h *Handler) write(payload []byte) ([]byte, protocol.ErrCode, error) {
	req, err := protocol.DecodeWriteRequest(payload)
	if err != nil {
		return nil, protocol.ErrCodeUnknownCmd, nil
	}
	if req.Flags&protocol.MemFlagSkipBounds == 0 &&
		!h.table.RangeFits(req.Address, uint32(len(req.Data))) {
		h.log.Error("write out of bounds", "addr", fmt.Sprintf("0x%08x", req.Address), "len", len(req.Data))
		return nil, protocol.ErrCodeInvalidAddr, nil
	}
	if err := h.mach.WriteAt(req.Address, req.Data); err != nil {
		return nil, protocol.ErrCodeInvalidAddr, nil
	}

	// instruction fetch must see these bytes: flush+invalidate the
	// affected lines, rounded out because the primitive wants aligned input
	start, size := roundOutToLines(req.Address, uint32(len(req.Data)), protocol.CacheLineSize)
	status := uint32(0)
	if err := h.mach.SyncRange(start, size); err != nil {
		h.log.Error("cache sync failed", "addr", fmt.Sprintf("0x%08x", start), "size", size, "err", err)
		status = 1
	}
	return protocol.WriteResponse{BytesWritten: uint32(len(req.Data)), Status: status}.Encode(), 0, nil
}

func (h *Handler) read(payload []byte) ([]byte, protocol.ErrCode, error) {
	req, err := protocol.DecodeReadRequest(payload)
	if err != nil {
		return nil, protocol.ErrCodeUnknownCmd, nil
	}
	if req.Size > h.maxPayload {
		h.log.Error("read larger than tx buffer", "size", req.Size)
		return nil, protocol.ErrCodeUnknownCmd, nil
	}
	if req.Flags&protocol.MemFlagSkipBounds == 0 && !h.table.RangeFits(req.Address, req.Size) {
		h.log.Error("read out of bounds", "addr", fmt.Sprintf("0x%08x", req.Address), "size", req.Size)
		return nil, protocol.ErrCodeInvalidAddr, nil
	}
	out := make([]byte, req.Size)
	if err := h.mach.ReadAt(req.Address, out); err != nil {
		return nil, protocol.ErrCodeInvalidAddr, nil
	}
	return out, 0, nil
}

func (h *Handler) exec(payload []byte) ([]byte, protocol.ErrCode, error) {
	req, err := protocol.DecodeExecRequest(payload)
	if err != nil {
		return nil, protocol.ErrCodeUnknownCmd, nil
	}
	// entry must lie inside a live region; one byte is enough to ask for
	if !h.table.RangeFits(req.Address, 1) {
		h.log.Error("exec outside live region", "addr", fmt.Sprintf("0x%08x", req.Address))
		return nil, protocol.ErrCodeInvalidAddr, nil
	}
	h.log.Debug("exec", "addr", fmt.Sprintf("0x%08x", req.Address))
	ret, err := h.mach.Exec(req.Address)
	if err != nil {
		// the real CPU would have faulted here; there is nobody left to
		// answer the host
		return nil, 0, fmt.Errorf("execution at 0x%08x: %w", req.Address, err)
	}
	h.log.Debug("exec returned", "value", ret)
	return protocol.ExecResponse{ReturnValue: uint32(ret)}.Encode(), 0, nil
}

func roundOutToLines(addr, size, line uint32) (uint32, uint32) {
	start := addr &^ (line - 1)
	end := (addr + size + line - 1) &^ (line - 1)
	return start, end - start
}
