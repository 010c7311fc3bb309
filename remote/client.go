package remote

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/schollz/progressbar/v3"

	"loadstone/protocol"
	"loadstone/xport"
)

var (
	ErrVersionMismatch = errors.New("protocol major version mismatch")
	ErrShadowViolation = errors.New("access outside tracked allocations")
	ErrNotConnected    = errors.New("handshake has not run")
)

// DeviceError is an error frame from the device, attributed to the command
// that triggered it.
type DeviceError struct {
	Cmd  protocol.Command
	Code protocol.ErrCode
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("device rejected %s: %s (0x%02x)", e.Cmd, e.Code, uint32(e.Code))
}

// AllocError is an allocator refusal, decorated with the heap state at the
// time of failure when it could be fetched.
type AllocError struct {
	Size uint32
	Caps uint32
	Heap *protocol.HeapInfo
}

func (e *AllocError) Error() string {
	if e.Heap == nil {
		return fmt.Sprintf("device allocation of %d bytes (caps 0x%08x) refused", e.Size, e.Caps)
	}
	return fmt.Sprintf("device allocation of %d bytes (caps 0x%08x) refused; heap free: external %d/%d, internal %d/%d",
		e.Size, e.Caps,
		e.Heap.FreeExternal, e.Heap.TotalExternal,
		e.Heap.FreeInternal, e.Heap.TotalInternal)
}

// Client is the typed device façade. One per session; not safe for
// concurrent use.
type Client struct {
	x        *xport.Client
	shadow   *ShadowTable
	info     protocol.Info
	hasInfo  bool
	progress io.Writer // nil disables upload progress reporting
}

func NewClient(conn io.ReadWriter, timeout time.Duration) *Client {
	return &Client{
		x:      xport.NewClient(conn, timeout),
		shadow: NewShadowTable(),
	}
}

// ShowProgress routes an upload progress bar to w (normally stderr from
// the CLI). Nil switches it back off.
func (c *Client) ShowProgress(w io.Writer) { c.progress = w }

// Shadow exposes the mirror table, mainly for the session and for tests.
func (c *Client) Shadow() *ShadowTable { return c.shadow }

// Info returns the get-info record captured by Handshake.
func (c *Client) Info() (protocol.Info, error) {
	if !c.hasInfo {
		return protocol.Info{}, ErrNotConnected
	}
	return c.info, nil
}

// exchange sends a request and peels the error-frame case into DeviceError.
func (c *Client) exchange(cmd protocol.Command, payload []byte) ([]byte, error) {
	f, err := c.x.Exchange(cmd, payload)
	if err != nil {
		return nil, err
	}
	if f.Flags == protocol.FlagError {
		code, derr := protocol.DecodeError(f.Payload)
		if derr != nil {
			return nil, fmt.Errorf("%s: malformed error frame: %w", cmd, derr)
		}
		return nil, &DeviceError{Cmd: cmd, Code: code}
	}
	return f.Payload, nil
}

// Ping round-trips arbitrary bytes and checks the echo.
func (c *Client) Ping(data []byte) error {
	resp, err := c.exchange(protocol.CmdPing, data)
	if err != nil {
		return err
	}
	if len(resp) != len(data) {
		return fmt.Errorf("ping echoed %d bytes, sent %d", len(resp), len(data))
	}
	for i := range data {
		if resp[i] != data[i] {
			return fmt.Errorf("ping echo differs at byte %d", i)
		}
	}
	return nil
}

// Handshake runs get-info and enforces the version policy: a different
// major refuses the connection; a newer minor is reported via the minor
// return for the caller to warn about.
func (c *Client) Handshake() (protocol.Info, error) {
	resp, err := c.exchange(protocol.CmdGetInfo, nil)
	if err != nil {
		return protocol.Info{}, err
	}
	info, err := protocol.DecodeInfo(resp)
	if err != nil {
		return protocol.Info{}, err
	}
	if info.Major != protocol.VersionMajor {
		return info, fmt.Errorf("%w: device %d.%d, host %d.%d",
			ErrVersionMismatch, info.Major, info.Minor, protocol.VersionMajor, protocol.VersionMinor)
	}
	c.info = info
	c.hasInfo = true
	c.x.SetMaxPayload(info.MaxPayload)
	return info, nil
}

// Allocate requests a device region and mirrors it into the shadow table.
func (c *Client) Allocate(size, caps, alignment uint32) (uint32, error) {
	resp, err := c.exchange(protocol.CmdAlloc, protocol.AllocRequest{Size: size, Caps: caps, Alignment: alignment}.Encode())
	if err != nil {
		return 0, err
	}
	ar, err := protocol.DecodeAllocResponse(resp)
	if err != nil {
		return 0, err
	}
	if ar.Err != 0 || ar.Address == 0 {
		ae := &AllocError{Size: size, Caps: caps}
		if hi, herr := c.HeapInfo(); herr == nil {
			ae.Heap = &hi
		}
		return 0, ae
	}
	c.shadow.Insert(ar.Address, size)
	return ar.Address, nil
}

// Free releases a device region. The address must be a tracked base.
func (c *Client) Free(addr uint32) error {
	if !c.shadow.ContainsExact(addr) {
		return fmt.Errorf("%w: free of untracked address 0x%08x", ErrShadowViolation, addr)
	}
	resp, err := c.exchange(protocol.CmdFree, protocol.FreeRequest{Address: addr}.Encode())
	if err != nil {
		return err
	}
	fr, err := protocol.DecodeFreeResponse(resp)
	if err != nil {
		return err
	}
	c.shadow.Remove(addr)
	if fr.Status != 0 {
		return fmt.Errorf("device free of 0x%08x reported status %d", addr, fr.Status)
	}
	return nil
}

// writeChunk is one write-mem exchange.
func (c *Client) writeChunk(addr uint32, flags uint8, data []byte) error {
	resp, err := c.exchange(protocol.CmdWriteMem, protocol.WriteRequest{Address: addr, Flags: flags, Data: data}.Encode())
	if err != nil {
		return err
	}
	wr, err := protocol.DecodeWriteResponse(resp)
	if err != nil {
		return err
	}
	if wr.BytesWritten != uint32(len(data)) {
		return fmt.Errorf("device wrote %d of %d bytes at 0x%08x", wr.BytesWritten, len(data), addr)
	}
	if wr.Status != 0 {
		return fmt.Errorf("cache sync after write at 0x%08x reported status %d", addr, wr.Status)
	}
	return nil
}

// WriteMemory uploads data to a tracked device region, chunked to the
// device's payload ceiling. The device cache-syncs each chunk before
// acknowledging, so code is executable the moment this returns.
func (c *Client) WriteMemory(addr uint32, data []byte) error {
	if !c.shadow.RangeFits(addr, uint32(len(data))) {
		return fmt.Errorf("%w: write of %d bytes at 0x%08x", ErrShadowViolation, len(data), addr)
	}
	return c.writeAll(addr, 0, data)
}

// WriteMemoryUnchecked bypasses both bounds checks for memory owned by
// other firmware subsystems.
func (c *Client) WriteMemoryUnchecked(addr uint32, data []byte) error {
	return c.writeAll(addr, protocol.MemFlagSkipBounds, data)
}

func (c *Client) writeAll(addr uint32, flags uint8, data []byte) error {
	chunk := int(c.x.MaxPayload()) - 64 // leave room for the request prefix
	if chunk <= 0 {
		chunk = len(data)
	}
	var bar *progressbar.ProgressBar
	if c.progress != nil && len(data) > chunk {
		bar = progressbar.NewOptions64(int64(len(data)),
			progressbar.OptionSetWriter(c.progress),
			progressbar.OptionShowBytes(true),
			progressbar.OptionSetDescription("upload"),
			progressbar.OptionClearOnFinish(),
		)
	}
	for off := 0; off < len(data); off += chunk {
		end := off + chunk
		if end > len(data) {
			end = len(data)
		}
		if err := c.writeChunk(addr+uint32(off), flags, data[off:end]); err != nil {
			return err
		}
		if bar != nil {
			bar.Add(end - off)
		}
	}
	if bar != nil {
		bar.Finish()
	}
	return nil
}

// ReadMemory fetches bytes from a tracked region, chunked like writes.
func (c *Client) ReadMemory(addr, size uint32) ([]byte, error) {
	if !c.shadow.RangeFits(addr, size) {
		return nil, fmt.Errorf("%w: read of %d bytes at 0x%08x", ErrShadowViolation, size, addr)
	}
	return c.readAll(addr, size, 0)
}

// ReadMemoryUnchecked bypasses both bounds checks.
func (c *Client) ReadMemoryUnchecked(addr, size uint32) ([]byte, error) {
	return c.readAll(addr, size, protocol.MemFlagSkipBounds)
}

func (c *Client) readAll(addr, size uint32, flags uint8) ([]byte, error) {
	chunk := c.x.MaxPayload()
	out := make([]byte, 0, size)
	for off := uint32(0); off < size; off += chunk {
		n := chunk
		if off+n > size {
			n = size - off
		}
		resp, err := c.exchange(protocol.CmdReadMem, protocol.ReadRequest{Address: addr + off, Size: n, Flags: flags}.Encode())
		if err != nil {
			return nil, err
		}
		if uint32(len(resp)) != n {
			return nil, fmt.Errorf("device returned %d of %d bytes at 0x%08x", len(resp), n, addr+off)
		}
		out = append(out, resp...)
	}
	return out, nil
}

// Execute starts the function at addr and blocks until it returns. The
// entry must lie inside a tracked region.
func (c *Client) Execute(addr uint32) (uint32, error) {
	if !c.shadow.RangeFits(addr, 1) {
		return 0, fmt.Errorf("%w: execute at 0x%08x", ErrShadowViolation, addr)
	}
	resp, err := c.exchange(protocol.CmdExec, protocol.ExecRequest{Address: addr}.Encode())
	if err != nil {
		return 0, err
	}
	er, err := protocol.DecodeExecResponse(resp)
	if err != nil {
		return 0, err
	}
	return er.ReturnValue, nil
}

// HeapInfo fetches the device's per-region heap statistics.
func (c *Client) HeapInfo() (protocol.HeapInfo, error) {
	resp, err := c.exchange(protocol.CmdHeapInfo, nil)
	if err != nil {
		return protocol.HeapInfo{}, err
	}
	return protocol.DecodeHeapInfo(resp)
}
