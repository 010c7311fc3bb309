package loadstone

import (
	"errors"
	"fmt"

	"loadstone/build"
	"loadstone/marshal"
	"loadstone/protocol"
)

var ErrHandleFreed = errors.New("function handle has been freed")

// Handle is one loaded function: its artifact, its two device regions and
// its parsed signature. The argument frame is a singleton per handle, so
// calls through one handle must not overlap.
type Handle struct {
	session    *Session
	artifact   *build.Artifact
	codeAddr   uint32
	argsAddr   uint32
	syncArrays bool
	valid      bool
}

// Artifact exposes the final-pass build result.
func (h *Handle) Artifact() *build.Artifact { return h.artifact }

// CodeAddress is the base of the uploaded image.
func (h *Handle) CodeAddress() uint32 { return h.codeAddr }

// ArgsAddress is the base of the 128-byte argument frame.
func (h *Handle) ArgsAddress() uint32 { return h.argsAddr }

// EntryAddress is where execution starts: the wrapper, linked first in
// .text.
func (h *Handle) EntryAddress() uint32 { return h.artifact.EntryAddress }

// SetSyncArrays toggles post-call array sync-back for subsequent calls.
func (h *Handle) SetSyncArrays(enabled bool) { h.syncArrays = enabled }

// Call marshals args per the parsed signature, runs the function and
// returns the typed result. Array arguments live in transient device
// regions for the duration of the call.
func (h *Handle) Call(args ...marshal.Value) (marshal.Return, error) {
	if !h.valid {
		return marshal.Return{}, ErrHandleFreed
	}
	inv := marshal.NewInvocation(h.session.client, h.artifact.Meta.Signature, h.syncArrays)
	return inv.Call(h.EntryAddress(), h.argsAddr, args...)
}

// CallRaw bypasses the marshaller: the caller supplies the complete
// argument frame and receives the wrapper's raw return word.
func (h *Handle) CallRaw(frame []byte) (uint32, error) {
	if !h.valid {
		return 0, ErrHandleFreed
	}
	if len(frame) > protocol.ArgBytes {
		return 0, fmt.Errorf("frame is %d bytes, the argument region holds %d", len(frame), protocol.ArgBytes)
	}
	if err := h.session.client.WriteMemory(h.argsAddr, frame); err != nil {
		return 0, fmt.Errorf("write argument frame: %w", err)
	}
	return h.session.client.Execute(h.EntryAddress())
}

// Free releases both device regions and invalidates the handle.
func (h *Handle) Free() error {
	if !h.valid {
		return ErrHandleFreed
	}
	h.valid = false
	argErr := h.session.client.Free(h.argsAddr)
	codeErr := h.session.client.Free(h.codeAddr)
	if codeErr != nil {
		return fmt.Errorf("free code region: %w", codeErr)
	}
	if argErr != nil {
		return fmt.Errorf("free argument frame: %w", argErr)
	}
	return nil
}
