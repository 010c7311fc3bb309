// devsim runs the device-side server on a host machine, speaking the
// binary protocol over stdio or a unix socket. It stands in for real
// hardware during development: memory, the allocation table and the heap
// behave exactly like the firmware's, execution is limited to installed
// test hooks, so exec against freshly uploaded code reports a fault the
// way a crashed device would (no response).
package main

import (
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"

	"golang.org/x/term"

	"loadstone/device"
	"loadstone/protocol"
)

var listenPath = flag.String("listen", "", "serve on a unix socket at this path instead of stdio")
var extSize = flag.Int("ext", 8*1024*1024, "external RAM region size in bytes")
var intSize = flag.Int("int", 512*1024, "internal SRAM region size in bytes")
var queueSize = flag.Int("queue", 64*1024, "transport ingest queue size in bytes")
var verbose = flag.Bool("v", false, "debug-level logging")

func main() {
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	if *listenPath == "" {
		// the protocol is binary; a human terminal is never the peer
		if term.IsTerminal(int(os.Stdin.Fd())) {
			fmt.Fprintln(os.Stderr, "refusing to speak the binary protocol on a terminal; pipe a client in or use -listen")
			os.Exit(1)
		}
		serve(stdioConn{}, logger)
		return
	}

	os.Remove(*listenPath)
	ln, err := net.Listen("unix", *listenPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "listen on %s: %v\n", *listenPath, err)
		os.Exit(1)
	}
	defer ln.Close()
	logger.Info("listening", "socket", *listenPath)

	for {
		conn, err := ln.Accept()
		if err != nil {
			logger.Error("accept failed", "err", err)
			return
		}
		logger.Info("client connected")
		serve(conn, logger)
		conn.Close()
		logger.Info("client disconnected")
	}
}

// serve wires one connection the way the firmware wires USB: an ingest
// loop (the interrupt side) feeds the lock-free byte queue, and the
// single protocol goroutine drains it.
func serve(conn io.ReadWriter, logger *slog.Logger) {
	heap := device.NewHeap(
		device.RegionSpec{
			Name: "external",
			Base: 0x4800_0000,
			Size: uint32(*extSize),
			Caps: protocol.CapExternalRAM | protocol.Cap8Bit | protocol.Cap32Bit |
				protocol.CapExec | protocol.CapDMA | protocol.CapCacheAligned,
		},
		device.RegionSpec{
			Name: "internal",
			Base: 0x3010_0000,
			Size: uint32(*intSize),
			Caps: protocol.CapInternalRAM | protocol.Cap8Bit | protocol.Cap32Bit |
				protocol.CapExec | protocol.CapDMA,
		},
	)
	mach := device.NewSimMachine(heap, protocol.CacheLineSize)

	queue := device.NewByteQueue(*queueSize)
	go func() {
		buf := make([]byte, 4096)
		for {
			n, err := conn.Read(buf)
			if n > 0 {
				if accepted := queue.Push(buf[:n]); accepted < n {
					logger.Warn("ingest queue overflow", "dropped", n-accepted, "total_dropped", queue.Dropped())
				}
			}
			if err != nil {
				queue.Close()
				return
			}
		}
	}()

	srv := device.NewServer(queue, conn, heap, mach, device.Config{Log: logger})
	if err := srv.Run(); err != nil {
		logger.Error("protocol loop failed", "err", err)
	}
}

// stdioConn glues stdin/stdout into one pipe.
type stdioConn struct{}

func (stdioConn) Read(p []byte) (int, error)  { return os.Stdin.Read(p) }
func (stdioConn) Write(p []byte) (int, error) { return os.Stdout.Write(p) }
