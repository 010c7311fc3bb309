// loadctl is the host-side driver CLI: probe a device, inspect its heap,
// or build, upload and invoke a C function on it.
//
// usage:
//
//	loadctl [flags] ping
//	loadctl [flags] info
//	loadctl [flags] heap
//	loadctl [flags] load <source.c> <function> [arg ...]
//
// Call arguments are typed against the parsed signature: integer
// parameters take decimal integers, float parameters take decimals, and
// pointer parameters take comma-separated element lists (e.g. 1,2,3.5).
package main

import (
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"loadstone"
	"loadstone/build"
	"loadstone/marshal"
	"loadstone/sig"
)

var portFlag = flag.String("p", "", "serial device node (e.g. /dev/ttyACM0)")
var socketFlag = flag.String("s", "", "unix socket of a devsim instance (instead of -p)")
var baudFlag = flag.Int("baud", 115200, "serial line rate")
var configFlag = flag.String("c", "", "toolchain configuration yaml")
var timeoutFlag = flag.Duration("timeout", 3*time.Second, "response timeout")
var optFlag = flag.String("O", "", "optimization level override (e.g. O2)")
var firmwareFlag = flag.Bool("firmware", false, "resolve symbols against the configured firmware image")
var syncFlag = flag.Bool("sync", true, "sync array arguments back after the call")
var metaFlag = flag.String("meta", "", "directory to persist signature.json into")
var keepFlag = flag.Bool("keep", false, "leave the function loaded instead of freeing it")
var verbose = flag.Int("v", 0, "verbosity: 0 terse, 1 progress, 2 everything")

func main() {
	flag.Parse()
	if flag.NArg() == 0 {
		usage()
	}

	var cfg *build.Config
	var err error
	if *configFlag != "" {
		cfg, err = build.LoadConfig(*configFlag)
		if err != nil {
			log.Fatalf("!!! %v", err)
		}
	} else {
		cfg = build.DefaultConfig()
	}
	builder, err := build.NewBuilder(cfg, nil)
	if err != nil {
		log.Fatalf("!!! %v", err)
	}

	session := connect(builder)

	switch flag.Arg(0) {
	case "ping":
		if err := session.Ping(); err != nil {
			log.Fatalf("!!! ping failed: %v", err)
		}
		log.Printf("device answered")
	case "info":
		info := session.Info()
		fmt.Printf("protocol        %d.%d\n", info.Major, info.Minor)
		fmt.Printf("firmware        %s\n", info.FirmwareVersion)
		fmt.Printf("max payload     %d bytes\n", info.MaxPayload)
		fmt.Printf("cache line      %d bytes\n", info.CacheLine)
		fmt.Printf("max allocations %d\n", info.MaxAllocations)
	case "heap":
		stats, err := session.HeapStats()
		if err != nil {
			log.Fatalf("!!! heap info failed: %v", err)
		}
		fmt.Printf("external  %10d free of %10d (%.1f KB free)\n",
			stats.FreeExternal, stats.TotalExternal, float64(stats.FreeExternal)/1024)
		fmt.Printf("internal  %10d free of %10d (%.1f KB free)\n",
			stats.FreeInternal, stats.TotalInternal, float64(stats.FreeInternal)/1024)
	case "load":
		if flag.NArg() < 3 {
			usage()
		}
		runLoad(session, flag.Arg(1), flag.Arg(2), flag.Args()[3:])
	default:
		usage()
	}
}

func connect(builder *build.Builder) *loadstone.Session {
	switch {
	case *socketFlag != "":
		conn, err := net.Dial("unix", *socketFlag)
		if err != nil {
			log.Fatalf("!!! connect %s: %v", *socketFlag, err)
		}
		session, err := loadstone.NewSession(conn, builder, *timeoutFlag)
		if err != nil {
			log.Fatalf("!!! %v", err)
		}
		return session
	case *portFlag != "":
		session, err := loadstone.Connect(*portFlag, *baudFlag, builder, *timeoutFlag)
		if err != nil {
			log.Fatalf("!!! %v", err)
		}
		return session
	}
	// no explicit port: probe the usual suspects
	candidates := []string{"/dev/ttyACM0", "/dev/ttyACM1", "/dev/ttyUSB0", "/dev/ttyUSB1"}
	session, err := loadstone.Detect(candidates, *baudFlag, builder, *timeoutFlag)
	if err != nil {
		log.Fatalf("!!! %v (use -p or -s)", err)
	}
	return session
}

func runLoad(session *loadstone.Session, source, function string, callArgs []string) {
	if *verbose > 0 {
		log.Printf("@@@ loading %q from %s", function, source)
		session.Client().ShowProgress(os.Stderr)
	}

	start := time.Now()
	h, err := session.Load(source, function, loadstone.LoadOptions{
		Optimization:    *optFlag,
		ResolveFirmware: *firmwareFlag,
		SyncArrays:      *syncFlag,
		MetadataDir:     *metaFlag,
	})
	if err != nil {
		log.Fatalf("!!! load failed: %v", err)
	}
	art := h.Artifact()
	log.Printf("loaded %s: %d bytes at 0x%08x, args at 0x%08x (%.1fms)",
		function, art.TotalSize(), h.CodeAddress(), h.ArgsAddress(),
		float64(time.Since(start).Microseconds())/1000)

	if *verbose > 1 {
		for _, s := range []string{".text", ".rodata", ".data", ".bss"} {
			if sec, ok := art.Section(s); ok {
				log.Printf("@@@ %-8s 0x%08x %6d bytes", sec.Name, sec.Addr, sec.Size)
			}
		}
	}

	if len(callArgs) > 0 {
		callLoaded(h, callArgs)
	}

	if !*keepFlag {
		if err := h.Free(); err != nil {
			log.Printf("!!! free failed: %v", err)
		}
	} else {
		log.Printf("kept loaded; code region 0x%08x", h.CodeAddress())
	}
}

func callLoaded(h *loadstone.Handle, raw []string) {
	params := h.Artifact().Meta.Signature.Params
	if len(raw) != len(params) {
		log.Fatalf("!!! %s takes %d arguments, got %d", h.Artifact().Meta.Function, len(params), len(raw))
	}
	values := make([]marshal.Value, len(raw))
	arrays := make(map[int]*marshal.Array)
	for i, text := range raw {
		v, arr, err := parseArg(params[i], text)
		if err != nil {
			log.Fatalf("!!! argument %d: %v", i, err)
		}
		values[i] = v
		if arr != nil {
			arrays[i] = arr
		}
	}

	ret, err := h.Call(values...)
	if err != nil {
		log.Fatalf("!!! call failed: %v", err)
	}
	printReturn(ret)
	for i, arr := range arrays {
		fmt.Printf("arg %d after call: %s\n", i, formatArray(arr))
	}
}

// parseArg turns CLI text into a typed value per the declared parameter.
func parseArg(p sig.Param, text string) (marshal.Value, *marshal.Array, error) {
	if p.Category == sig.CategoryPointer {
		arr, err := parseArray(p, text)
		if err != nil {
			return marshal.Value{}, nil, err
		}
		return marshal.Arr(arr), arr, nil
	}
	switch p.Type.Kind {
	case sig.KindFloat:
		f, err := strconv.ParseFloat(text, 32)
		if err != nil {
			return marshal.Value{}, nil, fmt.Errorf("%q is not a float", text)
		}
		return marshal.Float32(float32(f)), nil, nil
	case sig.KindInt:
		if p.Type.Signed {
			n, err := strconv.ParseInt(text, 0, p.Type.Bits)
			if err != nil {
				return marshal.Value{}, nil, fmt.Errorf("%q is not a %d-bit integer", text, p.Type.Bits)
			}
			switch p.Type.Bits {
			case 8:
				return marshal.Int8(int8(n)), nil, nil
			case 16:
				return marshal.Int16(int16(n)), nil, nil
			default:
				return marshal.Int32(int32(n)), nil, nil
			}
		}
		n, err := strconv.ParseUint(text, 0, p.Type.Bits)
		if err != nil {
			return marshal.Value{}, nil, fmt.Errorf("%q is not an unsigned %d-bit integer", text, p.Type.Bits)
		}
		switch p.Type.Bits {
		case 8:
			return marshal.UInt8(uint8(n)), nil, nil
		case 16:
			return marshal.UInt16(uint16(n)), nil, nil
		default:
			return marshal.UInt32(uint32(n)), nil, nil
		}
	}
	return marshal.Value{}, nil, fmt.Errorf("cannot pass %s from the command line", p.Type.Text)
}

// parseArray reads a comma-separated element list typed by the pointee.
func parseArray(p sig.Param, text string) (*marshal.Array, error) {
	elems := strings.Split(text, ",")
	elem := p.Type.Elem
	if elem == nil || elem.Kind == sig.KindFloat {
		vals := make([]float32, len(elems))
		for i, e := range elems {
			f, err := strconv.ParseFloat(strings.TrimSpace(e), 32)
			if err != nil {
				return nil, fmt.Errorf("element %d %q is not a float", i, e)
			}
			vals[i] = float32(f)
		}
		return marshal.Float32s(vals...), nil
	}
	switch {
	case elem.Kind == sig.KindInt && elem.Bits == 16 && elem.Signed:
		vals := make([]int16, len(elems))
		for i, e := range elems {
			n, err := strconv.ParseInt(strings.TrimSpace(e), 0, 16)
			if err != nil {
				return nil, fmt.Errorf("element %d %q is not an int16", i, e)
			}
			vals[i] = int16(n)
		}
		return marshal.Int16s(vals...), nil
	case elem.Kind == sig.KindInt && elem.Bits == 8 && !elem.Signed:
		vals := make([]uint8, len(elems))
		for i, e := range elems {
			n, err := strconv.ParseUint(strings.TrimSpace(e), 0, 8)
			if err != nil {
				return nil, fmt.Errorf("element %d %q is not a uint8", i, e)
			}
			vals[i] = uint8(n)
		}
		return marshal.UInt8s(vals...), nil
	case elem.Kind == sig.KindInt && !elem.Signed:
		a := marshal.NewArray(dtypeFor(elem), len(elems))
		for i, e := range elems {
			n, err := strconv.ParseUint(strings.TrimSpace(e), 0, elem.Bits)
			if err != nil {
				return nil, fmt.Errorf("element %d %q is not an unsigned %d-bit integer", i, e, elem.Bits)
			}
			putElem(a, i, uint32(n))
		}
		return a, nil
	default:
		a := marshal.NewArray(dtypeFor(elem), len(elems))
		for i, e := range elems {
			n, err := strconv.ParseInt(strings.TrimSpace(e), 0, elem.Bits)
			if err != nil {
				return nil, fmt.Errorf("element %d %q is not a %d-bit integer", i, e, elem.Bits)
			}
			putElem(a, i, uint32(n))
		}
		return a, nil
	}
}

func dtypeFor(t *sig.Type) marshal.DType {
	switch {
	case t.Bits == 8 && t.Signed:
		return marshal.Int8T
	case t.Bits == 8:
		return marshal.UInt8T
	case t.Bits == 16 && t.Signed:
		return marshal.Int16T
	case t.Bits == 16:
		return marshal.UInt16T
	case t.Signed:
		return marshal.Int32T
	default:
		return marshal.UInt32T
	}
}

func putElem(a *marshal.Array, i int, v uint32) {
	b := a.Bytes()
	switch a.DType().Size() {
	case 1:
		b[i] = byte(v)
	case 2:
		b[i*2] = byte(v)
		b[i*2+1] = byte(v >> 8)
	default:
		b[i*4] = byte(v)
		b[i*4+1] = byte(v >> 8)
		b[i*4+2] = byte(v >> 16)
		b[i*4+3] = byte(v >> 24)
	}
}

func printReturn(ret marshal.Return) {
	switch {
	case ret.IsVoid():
		fmt.Println("returned (void)")
	case ret.Type.Kind == sig.KindFloat, ret.Type.Kind == sig.KindDouble:
		fmt.Printf("returned %g\n", ret.Float32())
	case ret.Type.Kind == sig.KindPointer:
		fmt.Printf("returned 0x%08x\n", ret.Uint32())
	case ret.Type.Signed:
		fmt.Printf("returned %d\n", ret.Int32())
	default:
		fmt.Printf("returned %d\n", ret.Uint32())
	}
}

func formatArray(a *marshal.Array) string {
	var parts []string
	for i := 0; i < a.Len() && i < 16; i++ {
		switch a.DType() {
		case marshal.Float32T:
			parts = append(parts, strconv.FormatFloat(float64(a.ElemFloat32(i)), 'g', -1, 32))
		case marshal.Int16T:
			parts = append(parts, strconv.Itoa(int(a.ElemInt16(i))))
		case marshal.UInt8T:
			parts = append(parts, strconv.Itoa(int(a.Bytes()[i])))
		default:
			parts = append(parts, strconv.Itoa(int(a.ElemInt32(i))))
		}
	}
	s := strings.Join(parts, ", ")
	if a.Len() > 16 {
		s += ", ..."
	}
	return "[" + s + "]"
}

func usage() {
	fmt.Printf("usage: loadctl [flags] ping|info|heap\n")
	fmt.Printf("       loadctl [flags] load <source.c> <function> [arg ...]\n")
	flag.PrintDefaults()
	os.Exit(1)
}
