package loader

import (
	"encoding/binary"
	"fmt"

	"github.com/pkg/errors"

	"github.com/lunixbochs/binimage/models"
)

const (
	elfIdentSize = 16

	ptLoad = 1

	pfX = 1
	pfW = 2
	pfR = 4

	shtSymtab = 2
	shtDynsym = 11

	sttObject = 1
	sttFunc   = 2
)

var elfMachineMap = map[uint16]string{
	3:   "x86",
	8:   "mips",
	20:  "ppc",
	21:  "ppc64",
	40:  "arm",
	62:  "x86_64",
	183: "arm64",
}

// One header struct per word width; both converge on the widened forms
// below so everything past unpacking is a single code path.

type elfEhdr32 struct {
	Type      uint16
	Machine   uint16
	Version   uint32
	Entry     uint32
	Phoff     uint32
	Shoff     uint32
	Flags     uint32
	Ehsize    uint16
	Phentsize uint16
	Phnum     uint16
	Shentsize uint16
	Shnum     uint16
	Shstrndx  uint16
}

type elfEhdr64 struct {
	Type      uint16
	Machine   uint16
	Version   uint32
	Entry     uint64
	Phoff     uint64
	Shoff     uint64
	Flags     uint32
	Ehsize    uint16
	Phentsize uint16
	Phnum     uint16
	Shentsize uint16
	Shnum     uint16
	Shstrndx  uint16
}

type elfPhdr32 struct {
	Type   uint32
	Off    uint32
	Vaddr  uint32
	Paddr  uint32
	Filesz uint32
	Memsz  uint32
	Flags  uint32
	Align  uint32
}

type elfPhdr64 struct {
	Type   uint32
	Flags  uint32
	Off    uint64
	Vaddr  uint64
	Paddr  uint64
	Filesz uint64
	Memsz  uint64
	Align  uint64
}

type elfShdr32 struct {
	Name      uint32
	Type      uint32
	Flags     uint32
	Addr      uint32
	Off       uint32
	Size      uint32
	Link      uint32
	Info      uint32
	Addralign uint32
	Entsize   uint32
}

type elfShdr64 struct {
	Name      uint32
	Type      uint32
	Flags     uint64
	Addr      uint64
	Off       uint64
	Size      uint64
	Link      uint32
	Info      uint32
	Addralign uint64
	Entsize   uint64
}

type elfSym32 struct {
	Name  uint32
	Value uint32
	Size  uint32
	Info  uint8
	Other uint8
	Shndx uint16
}

type elfSym64 struct {
	Name  uint32
	Info  uint8
	Other uint8
	Shndx uint16
	Value uint64
	Size  uint64
}

type elfHeader struct {
	machine   uint16
	entry     uint64
	phoff     uint64
	shoff     uint64
	phentsize uint64
	phnum     int
	shentsize uint64
	shnum     int
	shstrndx  int
}

type elfShdr struct {
	name uint32
	typ  uint32
	addr uint64
	off  uint64
	size uint64
	link uint32
}

func elfClass(f Format) (bits int, order binary.ByteOrder) {
	switch f {
	case ELF32LE:
		return 32, binary.LittleEndian
	case ELF32BE:
		return 32, binary.BigEndian
	case ELF64LE:
		return 64, binary.LittleEndian
	}
	return 64, binary.BigEndian
}

func decodeElf(buf []byte, f Format) (*models.Image, error) {
	bits, order := elfClass(f)
	hdr, err := readElfHeader(buf, bits, order)
	if err != nil {
		return nil, err
	}
	arch, ok := elfMachineMap[hdr.machine]
	if !ok {
		return nil, errors.Wrapf(ErrFormat, "unsupported machine: %d", hdr.machine)
	}

	segments, err := readElfSegments(buf, hdr, bits, order)
	if err != nil {
		return nil, err
	}
	shdrs, err := readElfShdrs(buf, hdr, bits, order)
	if err != nil {
		return nil, err
	}
	sections, err := elfSections(buf, hdr, shdrs)
	if err != nil {
		return nil, err
	}
	symbols, err := readElfSymbols(buf, shdrs, bits, order)
	if err != nil {
		return nil, err
	}

	return &models.Image{
		Arch:      arch,
		Bits:      bits,
		ByteOrder: order,
		Entry:     hdr.entry,
		Segments:  segments,
		Sections:  sections,
		Symbols:   symbols,
	}, nil
}

func readElfHeader(buf []byte, bits int, order binary.ByteOrder) (*elfHeader, error) {
	if bits == 64 {
		var e elfEhdr64
		if _, err := unpackAt(buf, &e, elfIdentSize, order); err != nil {
			return nil, err
		}
		return &elfHeader{
			machine:   e.Machine,
			entry:     e.Entry,
			phoff:     e.Phoff,
			shoff:     e.Shoff,
			phentsize: uint64(e.Phentsize),
			phnum:     int(e.Phnum),
			shentsize: uint64(e.Shentsize),
			shnum:     int(e.Shnum),
			shstrndx:  int(e.Shstrndx),
		}, nil
	}
	var e elfEhdr32
	if _, err := unpackAt(buf, &e, elfIdentSize, order); err != nil {
		return nil, err
	}
	return &elfHeader{
		machine:   e.Machine,
		entry:     uint64(e.Entry),
		phoff:     uint64(e.Phoff),
		shoff:     uint64(e.Shoff),
		phentsize: uint64(e.Phentsize),
		phnum:     int(e.Phnum),
		shentsize: uint64(e.Shentsize),
		shnum:     int(e.Shnum),
		shstrndx:  int(e.Shstrndx),
	}, nil
}

// readElfSegments walks the program-header table. Loadable entries become
// segments named by their zero-padded position in the table; the position
// counts every entry, loadable or not.
func readElfSegments(buf []byte, hdr *elfHeader, bits int, order binary.ByteOrder) ([]models.Segment, error) {
	var segments []models.Segment
	for pos := 0; pos < hdr.phnum; pos++ {
		at := hdr.phoff + uint64(pos)*hdr.phentsize
		var typ uint32
		var off, vaddr, filesz uint64
		var flags uint32
		if bits == 64 {
			var p elfPhdr64
			if _, err := unpackAt(buf, &p, at, order); err != nil {
				return nil, err
			}
			typ, off, vaddr, filesz, flags = p.Type, p.Off, p.Vaddr, p.Filesz, p.Flags
		} else {
			var p elfPhdr32
			if _, err := unpackAt(buf, &p, at, order); err != nil {
				return nil, err
			}
			typ, flags = p.Type, p.Flags
			off, vaddr, filesz = uint64(p.Off), uint64(p.Vaddr), uint64(p.Filesz)
		}
		if typ != ptLoad {
			continue
		}
		segments = append(segments, models.Segment{
			Name: fmt.Sprintf("%02d", pos),
			Off:  off,
			Addr: vaddr,
			Size: filesz,
			R:    flags&pfR != 0,
			W:    flags&pfW != 0,
			X:    flags&pfX != 0,
		})
	}
	return segments, nil
}

func readElfShdrs(buf []byte, hdr *elfHeader, bits int, order binary.ByteOrder) ([]elfShdr, error) {
	shdrs := make([]elfShdr, 0, hdr.shnum)
	for pos := 0; pos < hdr.shnum; pos++ {
		at := hdr.shoff + uint64(pos)*hdr.shentsize
		if bits == 64 {
			var s elfShdr64
			if _, err := unpackAt(buf, &s, at, order); err != nil {
				return nil, err
			}
			shdrs = append(shdrs, elfShdr{
				name: s.Name, typ: s.Type,
				addr: s.Addr, off: s.Off, size: s.Size, link: s.Link,
			})
		} else {
			var s elfShdr32
			if _, err := unpackAt(buf, &s, at, order); err != nil {
				return nil, err
			}
			shdrs = append(shdrs, elfShdr{
				name: s.Name, typ: s.Type,
				addr: uint64(s.Addr), off: uint64(s.Off), size: uint64(s.Size), link: s.Link,
			})
		}
	}
	return shdrs, nil
}

func elfSections(buf []byte, hdr *elfHeader, shdrs []elfShdr) ([]models.Section, error) {
	var shstrtab []byte
	if hdr.shstrndx > 0 && hdr.shstrndx < len(shdrs) {
		str := shdrs[hdr.shstrndx]
		tab, err := sliceAt(buf, str.off, str.size)
		if err != nil {
			return nil, err
		}
		shstrtab = tab
	}
	sections := make([]models.Section, 0, len(shdrs))
	for _, s := range shdrs {
		var name string
		if shstrtab != nil {
			var err error
			if name, err = strtabAt(shstrtab, uint64(s.name)); err != nil {
				return nil, err
			}
		}
		sections = append(sections, models.Section{
			Name: name,
			Addr: s.addr,
			Size: s.size,
		})
	}
	return sections, nil
}

// readElfSymbols concatenates the static and dynamic symbol tables, static
// first. ELF symbols carry an explicit size, so no inference runs here.
func readElfSymbols(buf []byte, shdrs []elfShdr, bits int, order binary.ByteOrder) ([]models.Symbol, error) {
	var symbols []models.Symbol
	for _, want := range []uint32{shtSymtab, shtDynsym} {
		for _, s := range shdrs {
			if s.typ != want {
				continue
			}
			syms, err := readElfSymtab(buf, shdrs, s, bits, order)
			if err != nil {
				return nil, err
			}
			symbols = append(symbols, syms...)
		}
	}
	return symbols, nil
}

func readElfSymtab(buf []byte, shdrs []elfShdr, tab elfShdr, bits int, order binary.ByteOrder) ([]models.Symbol, error) {
	if int(tab.link) >= len(shdrs) {
		return nil, errors.Wrapf(ErrDecode, "symbol table links to section %d of %d", tab.link, len(shdrs))
	}
	str := shdrs[tab.link]
	strtab, err := sliceAt(buf, str.off, str.size)
	if err != nil {
		return nil, err
	}
	entsize := uint64(16)
	if bits == 64 {
		entsize = 24
	}
	count := tab.size / entsize
	var symbols []models.Symbol
	// index 0 is the null symbol
	for i := uint64(1); i < count; i++ {
		at := tab.off + i*entsize
		var nameoff uint32
		var value, size uint64
		var info uint8
		if bits == 64 {
			var sym elfSym64
			if _, err := unpackAt(buf, &sym, at, order); err != nil {
				return nil, err
			}
			nameoff, value, size, info = sym.Name, sym.Value, sym.Size, sym.Info
		} else {
			var sym elfSym32
			if _, err := unpackAt(buf, &sym, at, order); err != nil {
				return nil, err
			}
			nameoff, info = sym.Name, sym.Info
			value, size = uint64(sym.Value), uint64(sym.Size)
		}
		name, err := strtabAt(strtab, uint64(nameoff))
		if err != nil {
			return nil, err
		}
		symbols = append(symbols, models.Symbol{
			Name: name,
			Kind: elfSymKind(info),
			Addr: value,
			Size: size,
		})
	}
	return symbols, nil
}

func elfSymKind(info uint8) models.SymbolKind {
	switch info & 0xf {
	case sttFunc:
		return models.SymFunc
	case sttObject:
		return models.SymData
	case 0:
		return models.SymUnknown
	}
	return models.SymOther
}
