package build

import (
	"debug/elf"
	"fmt"
	"sort"
)

// Section is one loadable section of the linked artifact.
type Section struct {
	Name   string
	Addr   uint32
	Size   uint32
	NoBits bool // .bss-style: occupies address space, carries no file bytes
}

// SymbolKind distinguishes code from data symbols.
type SymbolKind int

const (
	SymbolFunction SymbolKind = iota
	SymbolObject
)

// Symbol is one entry of the linked artifact's symbol table.
type Symbol struct {
	Name string
	Addr uint32
	Size uint32
	Kind SymbolKind
}

// keptSections is the loadable set the loader cares about; everything
// else was either discarded by the script or is debug-only.
var keptSections = map[string]bool{
	".text":   true,
	".rodata": true,
	".data":   true,
	".bss":    true,
}

// ReadSections extracts the kept section table from a linked ELF.
func ReadSections(f *elf.File) (map[string]Section, error) {
	out := make(map[string]Section)
	for _, s := range f.Sections {
		if !keptSections[s.Name] {
			continue
		}
		out[s.Name] = Section{
			Name:   s.Name,
			Addr:   uint32(s.Addr),
			Size:   uint32(s.Size),
			NoBits: s.Type == elf.SHT_NOBITS,
		}
	}
	if _, ok := out[".text"]; !ok {
		return nil, fmt.Errorf("linked artifact has no .text section")
	}
	return out, nil
}

// ReadSymbols extracts function and object symbols.
func ReadSymbols(f *elf.File) ([]Symbol, error) {
	syms, err := f.Symbols()
	if err != nil {
		return nil, fmt.Errorf("read symbol table: %w", err)
	}
	var out []Symbol
	for _, s := range syms {
		var kind SymbolKind
		switch elf.ST_TYPE(s.Info) {
		case elf.STT_FUNC:
			kind = SymbolFunction
		case elf.STT_OBJECT:
			kind = SymbolObject
		default:
			continue
		}
		if s.Name == "" {
			continue
		}
		out = append(out, Symbol{
			Name: s.Name,
			Addr: uint32(s.Value),
			Size: uint32(s.Size),
			Kind: kind,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Addr < out[j].Addr })
	return out, nil
}

// ExtractImage produces the flat binary the way objcopy -O binary would:
// every allocated sections' bytes laid out by ascending address, gaps
// zero-filled, starting at the lowest section address.
func ExtractImage(f *elf.File) ([]byte, uint32, error) {
	type piece struct {
		addr uint32
		data []byte
	}
	var pieces []piece
	for _, s := range f.Sections {
		if s.Flags&elf.SHF_ALLOC == 0 || s.Type == elf.SHT_NOBITS || s.Size == 0 {
			continue
		}
		data, err := s.Data()
		if err != nil {
			return nil, 0, fmt.Errorf("read section %s: %w", s.Name, err)
		}
		pieces = append(pieces, piece{addr: uint32(s.Addr), data: data})
	}
	if len(pieces) == 0 {
		return nil, 0, fmt.Errorf("no loadable bytes in linked artifact")
	}
	sort.Slice(pieces, func(i, j int) bool { return pieces[i].addr < pieces[j].addr })

	base := pieces[0].addr
	end := base
	for _, p := range pieces {
		if pe := p.addr + uint32(len(p.data)); pe > end {
			end = pe
		}
	}
	img := make([]byte, end-base)
	for _, p := range pieces {
		copy(img[p.addr-base:], p.data)
	}
	return img, base, nil
}

// PadImage appends the zero bytes that make the upload complete: first to
// a 4-byte boundary, then one zero byte per BSS byte so the device-side
// write clears the zero-initialized storage too.
func PadImage(img []byte, sections map[string]Section) []byte {
	alignPad := (4 - len(img)%4) % 4
	var bss uint32
	for _, s := range sections {
		if s.NoBits {
			bss += s.Size
		}
	}
	return append(img, make([]byte, alignPad+int(bss))...)
}
