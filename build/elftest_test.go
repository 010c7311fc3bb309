package build

import (
	"bytes"
	"encoding/binary"
	"os"
	"testing"
)

// writeTestELF fabricates the smallest linked artifact the extraction
// step accepts: .text/.rodata/.data laid out contiguously from base, a
// trailing .bss, and a symbol table. It stands in for the cross linker's
// output in pipeline tests.
//
// Section sizes are fixed (text 0x40, rodata 0x10, data 8, bss 0x14) so
// the expected flat image is 0x58 bytes plus 0x14 of BSS padding.
const (
	testTextSize   = 0x40
	testRodataSize = 0x10
	testDataSize   = 8
	testBssSize    = 0x14
)

func writeTestELF(t *testing.T, path string, base uint32, symbols map[string]uint32) {
	t.Helper()
	le := binary.LittleEndian

	const (
		shtProgbits = 1
		shtSymtab   = 2
		shtStrtab   = 3
		shtNobits   = 8
		shfWrite    = 1
		shfAlloc    = 2
		shfExec     = 4
	)

	var body bytes.Buffer
	body.Write(make([]byte, 52)) // ELF header placeholder

	textOff := body.Len()
	text := make([]byte, testTextSize)
	for i := range text {
		text[i] = byte(0x13 + i) // deterministic fake instructions
	}
	body.Write(text)

	rodataOff := body.Len()
	rodata := bytes.Repeat([]byte{0xAB}, testRodataSize)
	body.Write(rodata)

	dataOff := body.Len()
	body.Write([]byte{1, 2, 3, 4, 5, 6, 7, 8})

	// .symtab: null entry plus one FUNC per requested symbol
	strtab := []byte{0}
	type symEnt struct {
		nameOff uint32
		value   uint32
	}
	var ents []symEnt
	for name, value := range symbols {
		ents = append(ents, symEnt{nameOff: uint32(len(strtab)), value: value})
		strtab = append(strtab, name...)
		strtab = append(strtab, 0)
	}
	symtabOff := body.Len()
	body.Write(make([]byte, 16)) // null symbol
	for _, e := range ents {
		var sym [16]byte
		le.PutUint32(sym[0:], e.nameOff)
		le.PutUint32(sym[4:], e.value)
		le.PutUint32(sym[8:], 0x10) // size
		sym[12] = 0x12              // GLOBAL FUNC
		le.PutUint16(sym[14:], 1)   // .text
		body.Write(sym[:])
	}
	strtabOff := body.Len()
	body.Write(strtab)

	shstr := []byte("\x00.text\x00.rodata\x00.data\x00.bss\x00.symtab\x00.strtab\x00.shstrtab\x00")
	shstrOff := body.Len()
	body.Write(shstr)

	shOff := body.Len()
	shdr := func(name, typ, flags, addr, off, size, link, info, align, entsize uint32) {
		var h [40]byte
		le.PutUint32(h[0:], name)
		le.PutUint32(h[4:], typ)
		le.PutUint32(h[8:], flags)
		le.PutUint32(h[12:], addr)
		le.PutUint32(h[16:], off)
		le.PutUint32(h[20:], size)
		le.PutUint32(h[24:], link)
		le.PutUint32(h[28:], info)
		le.PutUint32(h[32:], align)
		le.PutUint32(h[36:], entsize)
		body.Write(h[:])
	}
	shdr(0, 0, 0, 0, 0, 0, 0, 0, 0, 0) // null
	shdr(1, shtProgbits, shfAlloc|shfExec, base, uint32(textOff), testTextSize, 0, 0, 4, 0)
	shdr(7, shtProgbits, shfAlloc, base+testTextSize, uint32(rodataOff), testRodataSize, 0, 0, 4, 0)
	shdr(15, shtProgbits, shfAlloc|shfWrite, base+testTextSize+testRodataSize, uint32(dataOff), testDataSize, 0, 0, 4, 0)
	shdr(21, shtNobits, shfAlloc|shfWrite, base+testTextSize+testRodataSize+testDataSize, 0, testBssSize, 0, 0, 4, 0)
	shdr(26, shtSymtab, 0, 0, uint32(symtabOff), uint32((1+len(ents))*16), 6, 1, 4, 16)
	shdr(34, shtStrtab, 0, 0, uint32(strtabOff), uint32(len(strtab)), 0, 0, 1, 0)
	shdr(42, shtStrtab, 0, 0, uint32(shstrOff), uint32(len(shstr)), 0, 0, 1, 0)

	out := body.Bytes()
	// real ELF header over the placeholder
	copy(out[0:], []byte{0x7f, 'E', 'L', 'F', 1, 1, 1})
	le.PutUint16(out[16:], 2)   // ET_EXEC
	le.PutUint16(out[18:], 243) // EM_RISCV
	le.PutUint32(out[20:], 1)
	le.PutUint32(out[24:], base)          // e_entry
	le.PutUint32(out[32:], uint32(shOff)) // e_shoff
	le.PutUint16(out[40:], 52)            // e_ehsize
	le.PutUint16(out[46:], 40)            // e_shentsize
	le.PutUint16(out[48:], 8)             // e_shnum
	le.PutUint16(out[50:], 7)             // e_shstrndx

	if err := os.WriteFile(path, out, 0o644); err != nil {
		t.Fatalf("write test elf: %v", err)
	}
}
