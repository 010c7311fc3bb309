package device

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"loadstone/protocol"
)

// FirmwareVersion is what get-info reports for this server build.
const FirmwareVersion = "loadstone-1.0"

// Config sizes the server. Zero values pick the defaults.
type Config struct {
	MaxPayload uint32 // RX/TX payload ceiling
	Firmware   string
	Log        *slog.Logger
}

// Server owns the RX/TX buffers and runs the receive state machine:
// synchronize on the magic pair, read header, payload and checksum,
// verify, dispatch, emit exactly one response. It is the single
// cooperative protocol thread; its only suspension points are reads
// from the transport.
type Server struct {
	r       io.Reader
	w       io.Writer
	handler *Handler
	rx      []byte
	log     *slog.Logger
}

func NewServer(r io.Reader, w io.Writer, heap Allocator, mach Machine, cfg Config) *Server {
	if cfg.MaxPayload == 0 {
		cfg.MaxPayload = protocol.DefaultMaxPayload
	}
	if cfg.Firmware == "" {
		cfg.Firmware = FirmwareVersion
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	return &Server{
		r:       r,
		w:       w,
		handler: NewHandler(heap, mach, cfg.MaxPayload, cfg.Firmware, cfg.Log),
		rx:      make([]byte, cfg.MaxPayload),
		log:     cfg.Log,
	}
}

// Handler exposes the dispatcher, mainly so tests can drive commands
// without a transport.
func (s *Server) Handler() *Handler { return s.handler }

// Run services requests until the transport reports EOF or a write fails.
func (s *Server) Run() error {
	s.log.Info("protocol loop started", "max_payload", len(s.rx))
	for {
		err := s.serveOne()
		switch {
		case err == nil:
		case errors.Is(err, io.EOF), errors.Is(err, io.ErrClosedPipe):
			s.log.Info("transport closed, protocol loop exiting")
			return nil
		default:
			return err
		}
	}
}

func (s *Server) serveOne() error {
	var one [1]byte

	// hunt for the magic pair one byte at a time; anything else is line
	// noise and is dropped silently
	for {
		if _, err := io.ReadFull(s.r, one[:]); err != nil {
			return err
		}
		if one[0] != protocol.Magic0 {
			continue
		}
		if _, err := io.ReadFull(s.r, one[:]); err != nil {
			return err
		}
		if one[0] == protocol.Magic1 {
			break
		}
	}

	var hdr [protocol.HeaderSize]byte
	hdr[0], hdr[1] = protocol.Magic0, protocol.Magic1
	if _, err := io.ReadFull(s.r, hdr[2:]); err != nil {
		return err
	}
	h := protocol.DecodeHeader(hdr[:])

	if h.PayloadLen > uint32(len(s.rx)) {
		// drain payload+checksum so the stream stays framed; the host
		// gets no response for this one and will time out
		s.log.Error("payload too large, draining to resync",
			"len", h.PayloadLen, "max", len(s.rx))
		if err := s.drain(uint64(h.PayloadLen) + protocol.ChecksumSize); err != nil {
			return err
		}
		return nil
	}

	payload := s.rx[:h.PayloadLen]
	if _, err := io.ReadFull(s.r, payload); err != nil {
		return err
	}
	var csum [protocol.ChecksumSize]byte
	if _, err := io.ReadFull(s.r, csum[:]); err != nil {
		return err
	}

	want := binary.LittleEndian.Uint16(csum[:])
	got := protocol.Checksum(hdr[:], payload)
	if want != got {
		// answer with the received command id so the host can attribute
		// the failure to the request it sent
		s.log.Error("checksum mismatch", "calc", fmt.Sprintf("%04x", got), "recv", fmt.Sprintf("%04x", want))
		return s.respond(h.Cmd, protocol.FlagError, protocol.EncodeError(protocol.ErrCodeChecksum))
	}

	resp, code, fatal := s.handler.Dispatch(h.Cmd, payload)
	if fatal != nil {
		s.log.Error("command unrecoverable, no response", "cmd", h.Cmd.String(), "err", fatal)
		return nil
	}
	if code != 0 {
		return s.respond(h.Cmd, protocol.FlagError, protocol.EncodeError(code))
	}
	return s.respond(h.Cmd, protocol.FlagOK, resp)
}

func (s *Server) respond(cmd protocol.Command, flags protocol.Flags, payload []byte) error {
	if err := protocol.Write(s.w, cmd, flags, payload); err != nil {
		return fmt.Errorf("emit response: %w", err)
	}
	return nil
}

func (s *Server) drain(n uint64) error {
	var chunk [256]byte
	for n > 0 {
		want := uint64(len(chunk))
		if n < want {
			want = n
		}
		if _, err := io.ReadFull(s.r, chunk[:want]); err != nil {
			return err
		}
		n -= want
	}
	return nil
}
