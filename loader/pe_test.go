package loader

import (
	"encoding/binary"
	"testing"

	"github.com/lunixbochs/binimage/models"
)

// peFixture builds a PE image with three sections (.text, .data, and a
// long-named debug section that maps no content) and a symbol table with
// an aux record to skip. The 64-bit variant differs only in machine,
// optional-header magic, and image base width.
func peFixture(bits int) []byte {
	machine := uint16(0x014c)
	optMagic := uint16(peOptMagic32)
	sizeOpt := uint16(224)
	if bits == 64 {
		machine = 0x8664
		optMagic = peOptMagic64
		sizeOpt = 240
	}

	w := newBuf(binary.LittleEndian)
	w.raw([]byte("MZ"))
	w.padTo(peSignatureOff).u32(0x80)
	w.padTo(0x80).raw(peMagic)

	w.u16(machine).u16(3) // NumberOfSections
	w.u32(0)              // TimeDateStamp
	w.u32(0x200).u32(5)   // PointerToSymbolTable, NumberOfSymbols
	w.u16(sizeOpt).u16(0x0102)

	w.u16(optMagic).u8(2).u8(34)
	w.u32(0x200).u32(0x80).u32(0) // SizeOfCode, SizeOfInitializedData, SizeOfUninitializedData
	w.u32(0x1000).u32(0x1000)     // AddressOfEntryPoint, BaseOfCode
	if bits == 64 {
		w.u64(0x140000000)
	} else {
		w.u32(0x2000).u32(0x400000) // BaseOfData, ImageBase
	}
	w.padTo(0x98 + int(sizeOpt))

	section := func(name string, vsize, vaddr, rawSize, rawPtr, chars uint32) {
		w.name(name, 8)
		w.u32(vsize).u32(vaddr).u32(rawSize).u32(rawPtr)
		w.u32(0).u32(0).u16(0).u16(0)
		w.u32(chars)
	}
	section(".text", 0x100, 0x1000, 0x200, 0x400, imageScnCntCode|imageScnMemExecute|imageScnMemRead)
	section(".data", 0x80, 0x2000, 0x200, 0x600, imageScnCntInitializedData|imageScnMemRead|imageScnMemWrite)
	section("/18", 0x40, 0x3000, 0x40, 0x800, imageScnMemRead)

	w.padTo(0x200)
	symbol := func(name string, value uint32, sect int16, typ uint16, naux uint8) {
		w.name(name, 8)
		w.u32(value)
		w.u16(uint16(sect)).u16(typ)
		w.u8(2).u8(naux) // IMAGE_SYM_CLASS_EXTERNAL
	}
	symbol("start", 0, 1, 0x20, 0)
	symbol("helper", 0x40, 1, 0x20, 1)
	w.raw(make([]byte, coffSymbolSize)) // aux record for helper
	w.u32(0).u32(4)                     // long name at string table offset 4
	w.u32(0x10)
	w.u16(2).u16(0)
	w.u8(2).u8(0)
	symbol("extfn", 0, 0, 0, 0)

	w.u32(30) // string table size, including this field
	w.raw([]byte("global_buffer\x00.debug_info\x00"))
	return w.buf
}

func TestPEDecode32(t *testing.T) {
	buf := peFixture(32)
	if f := Detect(buf); f != COFF32 {
		t.Fatalf("detected %s", f)
	}
	img, err := Decode(buf)
	if err != nil {
		t.Fatal(err)
	}
	if img.Arch != "x86" || img.Bits != 32 {
		t.Fatalf("arch %s bits %d", img.Arch, img.Bits)
	}
	// AddressOfEntryPoint stays an RVA; the image base is not folded in.
	if img.Entry != 0x1000 {
		t.Fatalf("entry 0x%x", img.Entry)
	}

	wantSections := []models.Section{
		{Name: ".text", Addr: 0x401000, Size: 0x100},
		{Name: ".data", Addr: 0x402000, Size: 0x80},
		{Name: ".debug_info", Addr: 0x403000, Size: 0x40},
	}
	if len(img.Sections) != len(wantSections) {
		t.Fatalf("sections %+v", img.Sections)
	}
	for i, sec := range wantSections {
		if img.Sections[i] != sec {
			t.Fatalf("section %d: got %+v want %+v", i, img.Sections[i], sec)
		}
	}

	// .debug_info carries no code or data, so it does not map.
	wantSegments := []models.Segment{
		{Name: ".text", Off: 0x400, Addr: 0x401000, Size: 0x200, R: true, X: true},
		{Name: ".data", Off: 0x600, Addr: 0x402000, Size: 0x200, R: true, W: true},
	}
	if len(img.Segments) != len(wantSegments) {
		t.Fatalf("segments %+v", img.Segments)
	}
	for i, seg := range wantSegments {
		if img.Segments[i] != seg {
			t.Fatalf("segment %d: got %+v want %+v", i, img.Segments[i], seg)
		}
	}
}

func TestPESymbols(t *testing.T) {
	img, err := Decode(peFixture(32))
	if err != nil {
		t.Fatal(err)
	}
	want := []models.Symbol{
		{Name: "start", Kind: models.SymFunc, Addr: 0x401000, Size: 0x40},
		{Name: "helper", Kind: models.SymFunc, Addr: 0x401040, Size: 0xc0},
		{Name: "global_buffer", Kind: models.SymData, Addr: 0x402010, Size: 0x70},
		{Name: "extfn", Kind: models.SymUnknown, Addr: 0, Size: 0},
	}
	if len(img.Symbols) != len(want) {
		t.Fatalf("symbols %+v", img.Symbols)
	}
	for i, sym := range want {
		if img.Symbols[i] != sym {
			t.Fatalf("symbol %d: got %+v want %+v", i, img.Symbols[i], sym)
		}
	}
}

func TestPEDecode64(t *testing.T) {
	buf := peFixture(64)
	if f := Detect(buf); f != COFF64 {
		t.Fatalf("detected %s", f)
	}
	img, err := Decode(buf)
	if err != nil {
		t.Fatal(err)
	}
	if img.Arch != "x86_64" || img.Bits != 64 {
		t.Fatalf("arch %s bits %d", img.Arch, img.Bits)
	}
	if img.Entry != 0x1000 {
		t.Fatalf("entry 0x%x", img.Entry)
	}
	if img.Segments[0].Addr != 0x140001000 {
		t.Fatalf("segment addr 0x%x", img.Segments[0].Addr)
	}
	if img.Symbols[0].Addr != 0x140001000 || img.Symbols[0].Size != 0x40 {
		t.Fatalf("symbol %+v", img.Symbols[0])
	}
}
