package build

import (
	"debug/elf"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"

	"loadstone/sig"
	"loadstone/wrap"
)

//go:embed templates/std_types.h
var stdTypes string

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Options is one build request. The same options run twice with different
// addresses are the two passes of a load: sizes are identical by the
// determinism of the pipeline, only the linked addresses differ.
type Options struct {
	Source          string // entry source file; its directory is the source set
	Function        string // target function to wrap
	BaseAddress     uint32 // where the code will live
	ArgsAddress     uint32 // where the argument frame will live
	Optimization    string // "" picks the configured default
	ResolveFirmware bool   // link against the firmware image's symbol table
}

// Builder drives the pipeline: discover, parse, generate, compile, link,
// extract, pad, validate.
type Builder struct {
	cfg     *Config
	tc      *Toolchain
	maxSize uint32
}

func NewBuilder(cfg *Config, runner Runner) (*Builder, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	maxSize, err := cfg.MaxSizeBytes()
	if err != nil {
		return nil, err
	}
	return &Builder{cfg: cfg, tc: NewToolchain(cfg, runner), maxSize: maxSize}, nil
}

// Config exposes the active configuration.
func (b *Builder) Config() *Config { return b.cfg }

// ParseSignature runs discovery-independent signature parsing, used by
// callers that want the prototype before paying for a build.
func (b *Builder) ParseSignature(source, function string) (*sig.Signature, error) {
	parser := sig.NewParser()
	if err := parser.AddTypedefs(stdTypes); err != nil {
		return nil, err
	}
	if pre := b.cfg.Signature.Preamble; pre != "" {
		raw, err := os.ReadFile(pre)
		if err != nil {
			return nil, fmt.Errorf("read typedef preamble: %w", err)
		}
		if err := parser.AddTypedefs(string(raw)); err != nil {
			return nil, err
		}
	}
	raw, err := os.ReadFile(source)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrSourceMissing, source)
	}
	return parser.ParseFunction(string(raw), function)
}

// Build runs the whole pipeline once for the given addresses.
func (b *Builder) Build(opts Options) (*Artifact, error) {
	if _, err := os.Stat(opts.Source); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrSourceMissing, opts.Source)
	}
	if !identRe.MatchString(opts.Function) {
		return nil, fmt.Errorf("invalid function name %q", opts.Function)
	}
	opt := opts.Optimization
	if opt == "" {
		opt = b.cfg.Compiler.Optimization
	}

	sourceDir := filepath.Dir(opts.Source)
	sources, err := b.discoverSources(sourceDir)
	if err != nil {
		return nil, err
	}

	signature, err := b.ParseSignature(opts.Source, opts.Function)
	if err != nil {
		return nil, err
	}

	workDir, err := os.MkdirTemp("", "loadstone-build-")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(workDir)

	// generate the wrapper and its declaration header into the work
	// directory; user sources are never touched
	headerName := wrap.HeaderFileName(opts.Source)
	headerSrc, err := wrap.HeaderSource(signature, opts.Source)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(filepath.Join(workDir, headerName), []byte(headerSrc), 0o644); err != nil {
		return nil, err
	}
	wrapperSrc, err := wrap.WrapperSource(signature, headerName, opts.ArgsAddress)
	if err != nil {
		return nil, err
	}
	wrapperPath := filepath.Join(workDir, wrap.WrapperFileName(opts.Function))
	if err := os.WriteFile(wrapperPath, []byte(wrapperSrc), 0o644); err != nil {
		return nil, err
	}

	// compile every discovered unit plus the wrapper
	includes := []string{workDir, sourceDir}
	var objects []string
	for _, src := range append(append([]string{}, sources...), wrapperPath) {
		obj := filepath.Join(workDir, trimExt(filepath.Base(src))+".o")
		if err := b.tc.Compile(src, obj, opt, includes); err != nil {
			return nil, err
		}
		objects = append(objects, obj)
	}

	script, err := LinkerScript(b.cfg.Wrapper.Entry, opts.BaseAddress, b.maxSize)
	if err != nil {
		return nil, err
	}
	scriptPath := filepath.Join(workDir, "linker.ld")
	if err := os.WriteFile(scriptPath, []byte(script), 0o644); err != nil {
		return nil, err
	}

	firmware := ""
	if opts.ResolveFirmware {
		firmware = b.cfg.Linker.FirmwareELF
		if firmware == "" {
			return nil, fmt.Errorf("%w: no firmware_elf configured", ErrFirmwareMissing)
		}
	}
	elfPath := filepath.Join(workDir, "output.elf")
	if err := b.tc.Link(objects, scriptPath, elfPath, firmware); err != nil {
		return nil, err
	}

	return b.extract(elfPath, opts, signature)
}

// extract turns the linked ELF into the padded flat artifact.
func (b *Builder) extract(elfPath string, opts Options, signature *sig.Signature) (*Artifact, error) {
	f, err := elf.Open(elfPath)
	if err != nil {
		return nil, fmt.Errorf("open linked artifact: %w", err)
	}
	defer f.Close()

	sections, err := ReadSections(f)
	if err != nil {
		return nil, err
	}
	symbols, err := ReadSymbols(f)
	if err != nil {
		return nil, err
	}
	img, imgBase, err := ExtractImage(f)
	if err != nil {
		return nil, err
	}
	padded := PadImage(img, sections)

	art := &Artifact{
		Data:        padded,
		BaseAddress: opts.BaseAddress,
		Sections:    sections,
		Symbols:     symbols,
		Meta:        NewMetadata(signature, opts.BaseAddress, opts.ArgsAddress),
	}

	entry, ok := art.Symbol(b.cfg.Wrapper.Entry)
	if !ok || entry.Kind != SymbolFunction {
		return nil, fmt.Errorf("%w: %s", ErrEntryMissing, b.cfg.Wrapper.Entry)
	}
	art.EntryAddress = entry.Addr

	// validation: size ceiling, layout, entry placement
	if art.TotalSize() > b.maxSize {
		return nil, fmt.Errorf("%w: %d > %d bytes", ErrTooLarge, art.TotalSize(), b.maxSize)
	}
	for _, s := range sections {
		if s.Size > 0 && s.Addr < opts.BaseAddress {
			return nil, fmt.Errorf("%w: %s at 0x%08x, base 0x%08x",
				ErrSectionLayout, s.Name, s.Addr, opts.BaseAddress)
		}
	}
	if text := sections[".text"]; entry.Addr < text.Addr || entry.Addr >= text.Addr+text.Size {
		return nil, fmt.Errorf("%w: %s at 0x%08x outside .text", ErrEntryMissing, b.cfg.Wrapper.Entry, entry.Addr)
	}
	if imgBase < opts.BaseAddress {
		return nil, fmt.Errorf("%w: image starts at 0x%08x, base 0x%08x", ErrSectionLayout, imgBase, opts.BaseAddress)
	}
	return art, nil
}

// discoverSources lists every compilable file in dir, sorted for a
// deterministic build order.
func (b *Builder) discoverSources(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if _, ok := b.cfg.Extensions.Compile[filepath.Ext(e.Name())]; ok {
			out = append(out, filepath.Join(dir, e.Name()))
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w in %s", ErrNoSources, dir)
	}
	sort.Strings(out)
	return out, nil
}

func trimExt(name string) string {
	return name[:len(name)-len(filepath.Ext(name))]
}
