package loader

import (
	"encoding/binary"
	"strconv"

	"github.com/pkg/errors"

	"github.com/lunixbochs/binimage/models"
)

const (
	coffFileHeaderSize = 20
	coffSymbolSize     = 18

	imageScnCntCode               = 0x00000020
	imageScnCntInitializedData    = 0x00000040
	imageScnCntUninitializedData  = 0x00000080
	imageScnMemExecute            = 0x20000000
	imageScnMemRead               = 0x40000000
	imageScnMemWrite              = 0x80000000

	imageSymDtypeFunction = 2

	imageSymUndefined = 0
	imageSymAbsolute  = -1
	imageSymDebug     = -2
)

var coffMachineMap = map[uint16]string{
	0x014c: "x86",
	0x01c0: "arm",
	0x8664: "x86_64",
	0xaa64: "arm64",
}

type coffFileHeader struct {
	Machine              uint16
	NumberOfSections     uint16
	TimeDateStamp        uint32
	PointerToSymbolTable uint32
	NumberOfSymbols      uint32
	SizeOfOptionalHeader uint16
	Characteristics      uint16
}

// Optional-header prefixes through the image base; the fields past it are
// not needed here. PE32 carries BaseOfData, PE32+ widens ImageBase instead.
type peOptHeader32 struct {
	Magic                   uint16
	MajorLinkerVersion      uint8
	MinorLinkerVersion      uint8
	SizeOfCode              uint32
	SizeOfInitializedData   uint32
	SizeOfUninitializedData uint32
	AddressOfEntryPoint     uint32
	BaseOfCode              uint32
	BaseOfData              uint32
	ImageBase               uint32
}

type peOptHeader64 struct {
	Magic                   uint16
	MajorLinkerVersion      uint8
	MinorLinkerVersion      uint8
	SizeOfCode              uint32
	SizeOfInitializedData   uint32
	SizeOfUninitializedData uint32
	AddressOfEntryPoint     uint32
	BaseOfCode              uint32
	ImageBase               uint64
}

type coffSectionHeader struct {
	Name                 [8]byte
	VirtualSize          uint32
	VirtualAddress       uint32
	SizeOfRawData        uint32
	PointerToRawData     uint32
	PointerToRelocations uint32
	PointerToLinenumbers uint32
	NumberOfRelocations  uint16
	NumberOfLinenumbers  uint16
	Characteristics      uint32
}

type coffSymbol struct {
	Name               [8]byte
	Value              uint32
	SectionNumber      int16
	Type               uint16
	StorageClass       uint8
	NumberOfAuxSymbols uint8
}

func decodePE(buf []byte, f Format) (*models.Image, error) {
	peOff := uint64(binary.LittleEndian.Uint32(buf[peSignatureOff:]))
	var file coffFileHeader
	if _, err := unpackAt(buf, &file, peOff+4, binary.LittleEndian); err != nil {
		return nil, err
	}
	arch, ok := coffMachineMap[file.Machine]
	if !ok {
		return nil, errors.Wrapf(ErrFormat, "unsupported machine: 0x%x", file.Machine)
	}

	optOff := peOff + 4 + coffFileHeaderSize
	bits, imageBase, entry, err := readPEOptHeader(buf, optOff, uint64(file.SizeOfOptionalHeader), f)
	if err != nil {
		return nil, err
	}

	strtab := peStringTable(buf, &file)

	sectOff := optOff + uint64(file.SizeOfOptionalHeader)
	headers := make([]coffSectionHeader, 0, file.NumberOfSections)
	for i := 0; i < int(file.NumberOfSections); i++ {
		var sh coffSectionHeader
		n, err := unpackAt(buf, &sh, sectOff, binary.LittleEndian)
		if err != nil {
			return nil, err
		}
		headers = append(headers, sh)
		sectOff += n
	}

	var (
		segments []models.Segment
		sections []models.Section
	)
	for _, sh := range headers {
		name := peSectionName(sh.Name, strtab)
		sections = append(sections, models.Section{
			Name: name,
			Addr: imageBase + uint64(sh.VirtualAddress),
			Size: peSectionSize(&sh),
		})
		// only sections holding code or data map into memory as segments
		if sh.Characteristics&(imageScnCntCode|imageScnCntInitializedData|imageScnCntUninitializedData) == 0 {
			continue
		}
		segments = append(segments, models.Segment{
			Name: name,
			Off:  uint64(sh.PointerToRawData),
			Addr: imageBase + uint64(sh.VirtualAddress),
			Size: uint64(sh.SizeOfRawData),
			R:    sh.Characteristics&imageScnMemRead != 0,
			W:    sh.Characteristics&imageScnMemWrite != 0,
			X:    sh.Characteristics&imageScnMemExecute != 0,
		})
	}

	symbols, err := readCOFFSymbols(buf, &file, headers, strtab, imageBase)
	if err != nil {
		return nil, err
	}

	return &models.Image{
		Arch:      arch,
		Bits:      bits,
		ByteOrder: binary.LittleEndian,
		Entry:     entry,
		Segments:  segments,
		Sections:  sections,
		Symbols:   symbols,
	}, nil
}

// readPEOptHeader reads the width-appropriate optional header. The entry
// point is AddressOfEntryPoint verbatim; the image base is not added.
func readPEOptHeader(buf []byte, at, size uint64, f Format) (bits int, imageBase, entry uint64, err error) {
	if f == COFF64 {
		var opt peOptHeader64
		if size < 32 {
			return 0, 0, 0, errors.Wrap(ErrFormat, "unreadable PE optional header")
		}
		if _, err := unpackAt(buf, &opt, at, binary.LittleEndian); err != nil {
			return 0, 0, 0, err
		}
		return 64, opt.ImageBase, uint64(opt.AddressOfEntryPoint), nil
	}
	var opt peOptHeader32
	if size < 32 {
		return 0, 0, 0, errors.Wrap(ErrFormat, "unreadable PE optional header")
	}
	if _, err := unpackAt(buf, &opt, at, binary.LittleEndian); err != nil {
		return 0, 0, 0, err
	}
	return 32, uint64(opt.ImageBase), uint64(opt.AddressOfEntryPoint), nil
}

// peStringTable returns the COFF string table, which sits directly after
// the symbol table. Absent or truncated tables degrade to nil; section and
// symbol names then stay in their raw short form.
func peStringTable(buf []byte, file *coffFileHeader) []byte {
	if file.PointerToSymbolTable == 0 {
		return nil
	}
	at := uint64(file.PointerToSymbolTable) + uint64(file.NumberOfSymbols)*coffSymbolSize
	if at+4 > uint64(len(buf)) {
		return nil
	}
	size := uint64(binary.LittleEndian.Uint32(buf[at:]))
	if size < 4 || at+size > uint64(len(buf)) {
		return nil
	}
	return buf[at : at+size]
}

// peSectionName resolves "/N" long-name references through the string
// table; the offset counts from the table start, including its size field.
func peSectionName(raw [8]byte, strtab []byte) string {
	name := cstr(raw[:])
	if len(name) > 1 && name[0] == '/' && strtab != nil {
		if off, err := strconv.ParseUint(name[1:], 10, 32); err == nil && off < uint64(len(strtab)) {
			return cstr(strtab[off:])
		}
	}
	return name
}

func peSectionSize(sh *coffSectionHeader) uint64 {
	if sh.VirtualSize != 0 {
		return uint64(sh.VirtualSize)
	}
	return uint64(sh.SizeOfRawData)
}

// readCOFFSymbols walks the 18-byte symbol records, skipping aux entries.
// COFF records carry no size field, so sizes are inferred per section.
func readCOFFSymbols(buf []byte, file *coffFileHeader, headers []coffSectionHeader, strtab []byte, imageBase uint64) ([]models.Symbol, error) {
	if file.PointerToSymbolTable == 0 || file.NumberOfSymbols == 0 {
		return nil, nil
	}
	var (
		symbols []models.Symbol
		sectOf  []int
	)
	for i := uint64(0); i < uint64(file.NumberOfSymbols); i++ {
		at := uint64(file.PointerToSymbolTable) + i*coffSymbolSize
		var sym coffSymbol
		if _, err := unpackAt(buf, &sym, at, binary.LittleEndian); err != nil {
			return nil, err
		}
		i += uint64(sym.NumberOfAuxSymbols)

		name := coffSymbolName(sym.Name, strtab)
		kind := models.SymOther
		sectIdx := -1
		addr := uint64(sym.Value)
		switch {
		case sym.Type>>4 == imageSymDtypeFunction:
			kind = models.SymFunc
		case sym.SectionNumber == imageSymUndefined:
			kind = models.SymUnknown
		case sym.SectionNumber > 0:
			kind = models.SymData
		}
		if sym.SectionNumber > 0 && int(sym.SectionNumber) <= len(headers) {
			sectIdx = int(sym.SectionNumber) - 1
			addr = imageBase + uint64(headers[sectIdx].VirtualAddress) + uint64(sym.Value)
		}
		symbols = append(symbols, models.Symbol{Name: name, Kind: kind, Addr: addr})
		sectOf = append(sectOf, sectIdx)
	}

	sectEnd := make(map[int]uint64, len(headers))
	for i := range headers {
		sectEnd[i] = imageBase + uint64(headers[i].VirtualAddress) + peSectionSize(&headers[i])
	}
	inferSizes(symbols, sectOf, sectEnd)
	return symbols, nil
}

// coffSymbolName handles the short/long name split: a zero first word
// means the second word is a string-table offset.
func coffSymbolName(raw [8]byte, strtab []byte) string {
	if binary.LittleEndian.Uint32(raw[:4]) == 0 {
		off := uint64(binary.LittleEndian.Uint32(raw[4:]))
		if strtab != nil && off < uint64(len(strtab)) {
			return cstr(strtab[off:])
		}
		return ""
	}
	return cstr(raw[:])
}
