package loader

import (
	"bytes"
	"encoding/binary"
)

// Format is the closed set of file signatures Detect can report. Decoding
// dispatches exhaustively on this tag; there is no open-ended probing.
type Format int

const (
	Unknown Format = iota
	ELF32LE
	ELF32BE
	ELF64LE
	ELF64BE
	MachO32
	MachO64
	FatMachO
	COFF32
	COFF64
	Archive
)

func (f Format) String() string {
	switch f {
	case ELF32LE:
		return "elf32le"
	case ELF32BE:
		return "elf32be"
	case ELF64LE:
		return "elf64le"
	case ELF64BE:
		return "elf64be"
	case MachO32:
		return "macho32"
	case MachO64:
		return "macho64"
	case FatMachO:
		return "fat macho"
	case COFF32:
		return "pe32"
	case COFF64:
		return "pe32+"
	case Archive:
		return "archive"
	}
	return "unknown"
}

var (
	elfMagic     = []byte{0x7f, 'E', 'L', 'F'}
	archiveMagic = []byte("!<arch>\n")
	peMagic      = []byte{'P', 'E', 0, 0}
)

const (
	machoMagic32 = 0xfeedface
	machoMagic64 = 0xfeedfacf
	machoFat     = 0xcafebabe

	peSignatureOff = 0x3c

	peOptMagic32 = 0x10b
	peOptMagic64 = 0x20b
)

// Detect classifies buf by signature alone. It never errors; anything it
// cannot place is Unknown, including recognized-but-corrupt header chains.
func Detect(buf []byte) Format {
	if len(buf) >= 8 && bytes.Equal(buf[:8], archiveMagic) {
		return Archive
	}
	if len(buf) >= 6 && bytes.Equal(buf[:4], elfMagic) {
		return detectElf(buf[4], buf[5])
	}
	if len(buf) >= 4 {
		// Mach-O stores the magic in the file's own byte order.
		switch binary.LittleEndian.Uint32(buf) {
		case machoMagic32, machoMagic64:
			return detectMachO(buf[0])
		}
		switch binary.BigEndian.Uint32(buf) {
		case machoMagic32, machoMagic64:
			return detectMachO(buf[3])
		case machoFat:
			return FatMachO
		}
	}
	if len(buf) >= 2 && buf[0] == 'M' && buf[1] == 'Z' {
		return detectPE(buf)
	}
	return Unknown
}

func detectElf(class, data byte) Format {
	switch {
	case class == 1 && data == 1:
		return ELF32LE
	case class == 1 && data == 2:
		return ELF32BE
	case class == 2 && data == 1:
		return ELF64LE
	case class == 2 && data == 2:
		return ELF64BE
	}
	return Unknown
}

// detectMachO takes the low byte of the magic in file order: 0xce for
// 32-bit, 0xcf for 64-bit.
func detectMachO(low byte) Format {
	if low == 0xcf {
		return MachO64
	}
	return MachO32
}

// detectPE follows the DOS stub chain far enough to pick the optional
// header width. Any break in the chain is Unknown, not an error; Detect
// only classifies.
func detectPE(buf []byte) Format {
	if len(buf) < peSignatureOff+4 {
		return Unknown
	}
	peOff := uint64(binary.LittleEndian.Uint32(buf[peSignatureOff:]))
	// signature + file header + optional header magic
	if peOff > uint64(len(buf)) || uint64(len(buf))-peOff < 4+coffFileHeaderSize+2 {
		return Unknown
	}
	if !bytes.Equal(buf[peOff:peOff+4], peMagic) {
		return Unknown
	}
	switch binary.LittleEndian.Uint16(buf[peOff+4+coffFileHeaderSize:]) {
	case peOptMagic32:
		return COFF32
	case peOptMagic64:
		return COFF64
	}
	return Unknown
}
