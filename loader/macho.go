package loader

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/lunixbochs/binimage/models"
)

const (
	machoLoadCmdReqDyld = 0x80000000

	machoLoadCmdSegment    = 0x1
	machoLoadCmdSymtab     = 0x2
	machoLoadCmdThread     = 0x4
	machoLoadCmdUnixThread = 0x5
	machoLoadCmdSegment64  = 0x19
	machoLoadCmdMain       = 0x28 | machoLoadCmdReqDyld

	vmProtRead    = 1
	vmProtWrite   = 2
	vmProtExecute = 4

	// section attribute bits marking machine instructions
	sAttrPureInstructions = 0x80000000
	sAttrSomeInstructions = 0x00000400

	nStab = 0xe0
	nType = 0x0e
	nSect = 0x0e
	nUndf = 0x00
)

var machoCpuMap = map[uint32]string{
	7:          "x86",
	0x01000007: "x86_64",
	12:         "arm",
	0x0100000c: "arm64",
	18:         "ppc",
	0x01000012: "ppc64",
}

type machoHeader struct {
	Cputype    uint32
	Cpusubtype uint32
	Filetype   uint32
	Ncmds      uint32
	Sizeofcmds uint32
	Flags      uint32
}

type machoLoadCmd struct {
	Cmd     uint32
	Cmdsize uint32
}

type machoSegment32 struct {
	Name     [16]byte
	Vmaddr   uint32
	Vmsize   uint32
	Fileoff  uint32
	Filesize uint32
	Maxprot  uint32
	Initprot uint32
	Nsects   uint32
	Flags    uint32
}

type machoSegment64 struct {
	Name     [16]byte
	Vmaddr   uint64
	Vmsize   uint64
	Fileoff  uint64
	Filesize uint64
	Maxprot  uint32
	Initprot uint32
	Nsects   uint32
	Flags    uint32
}

type machoSection32 struct {
	Sectname  [16]byte
	Segname   [16]byte
	Addr      uint32
	Size      uint32
	Offset    uint32
	Align     uint32
	Reloff    uint32
	Nreloc    uint32
	Flags     uint32
	Reserved1 uint32
	Reserved2 uint32
}

type machoSection64 struct {
	Sectname  [16]byte
	Segname   [16]byte
	Addr      uint64
	Size      uint64
	Offset    uint32
	Align     uint32
	Reloff    uint32
	Nreloc    uint32
	Flags     uint32
	Reserved1 uint32
	Reserved2 uint32
	Reserved3 uint32
}

type machoEntryPoint struct {
	Entryoff  uint64
	Stacksize uint64
}

type machoSymtabCmd struct {
	Symoff  uint32
	Nsyms   uint32
	Stroff  uint32
	Strsize uint32
}

type machoNlist32 struct {
	Strx  uint32
	Type  uint8
	Sect  uint8
	Desc  uint16
	Value uint32
}

type machoNlist64 struct {
	Strx  uint32
	Type  uint8
	Sect  uint8
	Desc  uint16
	Value uint64
}

// machoSect keeps the per-section facts symbol decoding needs; nlist n_sect
// indexes sections 1-based in load-command order.
type machoSect struct {
	addr uint64
	size uint64
	exec bool
}

func machoOrder(buf []byte) (bits int, order binary.ByteOrder) {
	magic := binary.LittleEndian.Uint32(buf)
	bits = 32
	if magic == machoMagic64 || binary.BigEndian.Uint32(buf) == machoMagic64 {
		bits = 64
	}
	order = binary.LittleEndian
	if magic != machoMagic32 && magic != machoMagic64 {
		order = binary.BigEndian
	}
	return bits, order
}

func decodeMachO(buf []byte, f Format) (*models.Image, error) {
	bits, order := machoOrder(buf)
	var hdr machoHeader
	hdrSize, err := unpackAt(buf, &hdr, 4, order)
	if err != nil {
		return nil, err
	}
	cmdBase := 4 + hdrSize
	if bits == 64 {
		cmdBase += 4 // reserved field
	}
	arch, ok := machoCpuMap[hdr.Cputype]
	if !ok {
		return nil, errors.Wrapf(ErrFormat, "unsupported cpu: 0x%x", hdr.Cputype)
	}

	var (
		segments  []models.Segment
		sections  []models.Section
		sects     []machoSect
		symtab    *machoSymtabCmd
		entry     uint64
		sawMain   bool
		sawLegacy bool
	)

	cmdEnd := cmdBase + uint64(hdr.Sizeofcmds)
	if cmdEnd > uint64(len(buf)) {
		return nil, errors.Wrapf(ErrDecode, "load commands run to 0x%x in a %d byte buffer", cmdEnd, len(buf))
	}
	off := cmdBase
	for i := uint32(0); i < hdr.Ncmds; i++ {
		var lc machoLoadCmd
		if _, err := unpackAt(buf, &lc, off, order); err != nil {
			return nil, err
		}
		if lc.Cmdsize < 8 || off+uint64(lc.Cmdsize) > cmdEnd {
			return nil, errors.Wrapf(ErrDecode, "load command %d size 0x%x escapes command region", i, lc.Cmdsize)
		}
		switch lc.Cmd {
		case machoLoadCmdSegment, machoLoadCmdSegment64:
			seg, secs, ss, err := readMachoSegment(buf, off+8, lc.Cmd, order)
			if err != nil {
				return nil, err
			}
			segments = append(segments, seg)
			sections = append(sections, secs...)
			sects = append(sects, ss...)
		case machoLoadCmdMain:
			var ep machoEntryPoint
			if _, err := unpackAt(buf, &ep, off+8, order); err != nil {
				return nil, err
			}
			entry = ep.Entryoff
			sawMain = true
		case machoLoadCmdThread, machoLoadCmdUnixThread:
			sawLegacy = true
		case machoLoadCmdSymtab:
			var st machoSymtabCmd
			if _, err := unpackAt(buf, &st, off+8, order); err != nil {
				return nil, err
			}
			symtab = &st
		}
		off += uint64(lc.Cmdsize)
	}

	if !sawMain {
		if sawLegacy {
			return nil, errors.Wrap(ErrUnsupported, "thread-state entry point predates LC_MAIN")
		}
		return nil, errors.Wrap(ErrFormat, "entry point command missing")
	}

	symbols, err := readMachoSymbols(buf, symtab, sects, bits, order)
	if err != nil {
		return nil, err
	}

	return &models.Image{
		Arch:      arch,
		Bits:      bits,
		ByteOrder: order,
		Entry:     entry,
		Segments:  segments,
		Sections:  sections,
		Symbols:   symbols,
	}, nil
}

// readMachoSegment decodes one LC_SEGMENT/LC_SEGMENT_64 command body plus
// its trailing section array. Protection comes from initprot alone.
func readMachoSegment(buf []byte, at uint64, cmd uint32, order binary.ByteOrder) (models.Segment, []models.Section, []machoSect, error) {
	var (
		seg    models.Segment
		nsects uint32
		prot   uint32
	)
	if cmd == machoLoadCmdSegment64 {
		var s machoSegment64
		n, err := unpackAt(buf, &s, at, order)
		if err != nil {
			return seg, nil, nil, err
		}
		seg = models.Segment{Name: cstr(s.Name[:]), Off: s.Fileoff, Addr: s.Vmaddr, Size: s.Filesize}
		prot, nsects = s.Initprot, s.Nsects
		at += n
	} else {
		var s machoSegment32
		n, err := unpackAt(buf, &s, at, order)
		if err != nil {
			return seg, nil, nil, err
		}
		seg = models.Segment{Name: cstr(s.Name[:]), Off: uint64(s.Fileoff), Addr: uint64(s.Vmaddr), Size: uint64(s.Filesize)}
		prot, nsects = s.Initprot, s.Nsects
		at += n
	}
	seg.R = prot&vmProtRead != 0
	seg.W = prot&vmProtWrite != 0
	seg.X = prot&vmProtExecute != 0

	var (
		sections []models.Section
		sects    []machoSect
	)
	for i := uint32(0); i < nsects; i++ {
		var name string
		var addr, size uint64
		var flags uint32
		if cmd == machoLoadCmdSegment64 {
			var sec machoSection64
			n, err := unpackAt(buf, &sec, at, order)
			if err != nil {
				return seg, nil, nil, err
			}
			name, addr, size, flags = cstr(sec.Sectname[:]), sec.Addr, sec.Size, sec.Flags
			at += n
		} else {
			var sec machoSection32
			n, err := unpackAt(buf, &sec, at, order)
			if err != nil {
				return seg, nil, nil, err
			}
			name, addr, size, flags = cstr(sec.Sectname[:]), uint64(sec.Addr), uint64(sec.Size), sec.Flags
			at += n
		}
		sections = append(sections, models.Section{Name: name, Addr: addr, Size: size})
		sects = append(sects, machoSect{
			addr: addr,
			size: size,
			exec: flags&(sAttrPureInstructions|sAttrSomeInstructions) != 0,
		})
	}
	return seg, sections, sects, nil
}

// readMachoSymbols decodes the LC_SYMTAB nlist array. Sizes are inferred
// afterwards since nlist records carry none.
func readMachoSymbols(buf []byte, symtab *machoSymtabCmd, sects []machoSect, bits int, order binary.ByteOrder) ([]models.Symbol, error) {
	if symtab == nil || symtab.Nsyms == 0 {
		return nil, nil
	}
	strtab, err := sliceAt(buf, uint64(symtab.Stroff), uint64(symtab.Strsize))
	if err != nil {
		return nil, err
	}
	entsize := uint64(12)
	if bits == 64 {
		entsize = 16
	}
	var (
		symbols []models.Symbol
		sectOf  []int
	)
	for i := uint64(0); i < uint64(symtab.Nsyms); i++ {
		at := uint64(symtab.Symoff) + i*entsize
		var strx uint32
		var typ, sect uint8
		var value uint64
		if bits == 64 {
			var nl machoNlist64
			if _, err := unpackAt(buf, &nl, at, order); err != nil {
				return nil, err
			}
			strx, typ, sect, value = nl.Strx, nl.Type, nl.Sect, nl.Value
		} else {
			var nl machoNlist32
			if _, err := unpackAt(buf, &nl, at, order); err != nil {
				return nil, err
			}
			strx, typ, sect, value = nl.Strx, nl.Type, nl.Sect, uint64(nl.Value)
		}
		if typ&nStab != 0 {
			// debugging entry
			continue
		}
		var name string
		if strx != 0 {
			if name, err = strtabAt(strtab, uint64(strx)); err != nil {
				return nil, err
			}
		}
		kind := models.SymOther
		sectIdx := -1
		switch {
		case typ&nType == nUndf:
			kind = models.SymUnknown
		case typ&nType == nSect && int(sect) >= 1 && int(sect) <= len(sects):
			sectIdx = int(sect) - 1
			if sects[sectIdx].exec {
				kind = models.SymFunc
			} else {
				kind = models.SymData
			}
		}
		symbols = append(symbols, models.Symbol{Name: name, Kind: kind, Addr: value})
		sectOf = append(sectOf, sectIdx)
	}

	sectEnd := make(map[int]uint64, len(sects))
	for i, s := range sects {
		sectEnd[i] = s.addr + s.size
	}
	inferSizes(symbols, sectOf, sectEnd)
	return symbols, nil
}
