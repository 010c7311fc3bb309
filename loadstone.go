// Package loadstone ties the pieces together into the user-facing flow:
// connect to a device over a byte pipe, build a function twice (probe for
// size, final against the allocated addresses), upload it, and hand back
// a callable handle.
//
// A Session and everything reached through it is single-threaded by
// design: the device runs one cooperative protocol loop, so there is
// exactly one request in flight per session.
package loadstone

import (
	"fmt"
	"io"
	"log"
	"time"

	"loadstone/build"
	"loadstone/protocol"
	"loadstone/remote"
	"loadstone/xport"
)

// Placeholder link addresses for the probe pass. Only the probe
// artifact's size is consumed, but the linker still needs plausible
// aligned addresses to resolve against.
const (
	probeCodeAddress = 0x0100_0000
	probeArgsAddress = 0x0200_0000
)

// codeSlack pads the code allocation beyond the probe size. The two
// passes produce identical sizes; the slack only absorbs the alignment
// the allocator may fold into the region.
const codeSlack = 64

// Session is one connected device plus the builder that feeds it.
type Session struct {
	client  *remote.Client
	builder *build.Builder
	info    protocol.Info
}

// NewSession wraps an already-open byte pipe, runs the version handshake
// and refuses incompatible devices. A newer device minor version is
// logged and tolerated.
func NewSession(conn io.ReadWriter, builder *build.Builder, timeout time.Duration) (*Session, error) {
	client := remote.NewClient(conn, timeout)
	info, err := client.Handshake()
	if err != nil {
		return nil, fmt.Errorf("handshake: %w", err)
	}
	if info.Minor != protocol.VersionMinor {
		log.Printf("device speaks protocol %d.%d, host expects %d.%d; continuing",
			info.Major, info.Minor, protocol.VersionMajor, protocol.VersionMinor)
	}
	return &Session{client: client, builder: builder, info: info}, nil
}

// Connect opens a serial device node and establishes a session over it.
func Connect(path string, baud int, builder *build.Builder, timeout time.Duration) (*Session, error) {
	port, err := xport.OpenSerial(path, baud)
	if err != nil {
		return nil, err
	}
	s, err := NewSession(port, builder, timeout)
	if err != nil {
		port.Close()
		return nil, err
	}
	return s, nil
}

// Detect probes candidate serial devices with a ping and keeps the first
// one that answers.
func Detect(candidates []string, baud int, builder *build.Builder, timeout time.Duration) (*Session, error) {
	for _, path := range candidates {
		port, err := xport.OpenSerial(path, baud)
		if err != nil {
			continue
		}
		client := remote.NewClient(port, timeout)
		if err := client.Ping([]byte{0xCA, 0xFE, 0xBA, 0xBE}); err != nil {
			port.Close()
			continue
		}
		log.Printf("found device at %s", path)
		s, err := NewSession(port, builder, timeout)
		if err != nil {
			port.Close()
			return nil, err
		}
		return s, nil
	}
	return nil, fmt.Errorf("no device answered on %d candidate ports", len(candidates))
}

// Client exposes the underlying device façade for direct memory work.
func (s *Session) Client() *remote.Client { return s.client }

// Info returns the device's get-info record.
func (s *Session) Info() protocol.Info { return s.info }

// Ping round-trips a probe pattern.
func (s *Session) Ping() error {
	return s.client.Ping([]byte{0xCA, 0xFE, 0xBA, 0xBE})
}

// HeapStats fetches the device heap counters.
func (s *Session) HeapStats() (protocol.HeapInfo, error) {
	return s.client.HeapInfo()
}

// LoadOptions tune one load. The zero value is usable.
type LoadOptions struct {
	Optimization    string // "" picks the configured default
	ResolveFirmware bool   // bridge unresolved symbols against the firmware image
	CodeCaps        uint32 // 0 picks executable external RAM
	DataCaps        uint32 // 0 picks byte-addressable external RAM
	Alignment       uint32 // 0 picks 16
	SyncArrays      bool   // array arguments sync back after each call
	MetadataDir     string // nonempty: persist signature.json there
}

func (o *LoadOptions) fill() {
	if o.CodeCaps == 0 {
		o.CodeCaps = protocol.CapExternalRAM | protocol.Cap8Bit | protocol.CapExec
	}
	if o.DataCaps == 0 {
		o.DataCaps = protocol.CapExternalRAM | protocol.Cap8Bit
	}
	if o.Alignment == 0 {
		o.Alignment = 16
	}
}

// Load builds function from source, places it on the device and returns
// a callable handle. Errors name the stage that failed.
func (s *Session) Load(source, function string, opts LoadOptions) (*Handle, error) {
	opts.fill()

	// probe pass: identical inputs except the addresses; only the size
	// survives
	probe, err := s.builder.Build(build.Options{
		Source:          source,
		Function:        function,
		BaseAddress:     probeCodeAddress,
		ArgsAddress:     probeArgsAddress,
		Optimization:    opts.Optimization,
		ResolveFirmware: opts.ResolveFirmware,
	})
	if err != nil {
		return nil, fmt.Errorf("probe build: %w", err)
	}

	codeAddr, err := s.client.Allocate(probe.TotalSize()+codeSlack, opts.CodeCaps, opts.Alignment)
	if err != nil {
		return nil, fmt.Errorf("allocate code region: %w", err)
	}
	argsAddr, err := s.client.Allocate(protocol.ArgBytes, opts.DataCaps, opts.Alignment)
	if err != nil {
		s.client.Free(codeAddr)
		return nil, fmt.Errorf("allocate argument frame: %w", err)
	}

	free2 := func() {
		s.client.Free(argsAddr)
		s.client.Free(codeAddr)
	}

	// final pass: same sources, the allocated addresses
	final, err := s.builder.Build(build.Options{
		Source:          source,
		Function:        function,
		BaseAddress:     codeAddr,
		ArgsAddress:     argsAddr,
		Optimization:    opts.Optimization,
		ResolveFirmware: opts.ResolveFirmware,
	})
	if err != nil {
		free2()
		return nil, fmt.Errorf("final build: %w", err)
	}
	if final.TotalSize() > probe.TotalSize()+codeSlack {
		free2()
		return nil, fmt.Errorf("final build: size %d no longer fits the %d-byte reservation",
			final.TotalSize(), probe.TotalSize()+codeSlack)
	}

	if err := s.client.WriteMemory(codeAddr, final.Data); err != nil {
		free2()
		return nil, fmt.Errorf("upload: %w", err)
	}

	if opts.MetadataDir != "" {
		if _, err := final.Meta.Save(opts.MetadataDir); err != nil {
			log.Printf("could not persist metadata: %v", err)
		}
	}

	return &Handle{
		session:    s,
		artifact:   final,
		codeAddr:   codeAddr,
		argsAddr:   argsAddr,
		syncArrays: opts.SyncArrays,
		valid:      true,
	}, nil
}
