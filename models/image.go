package models

import (
	"encoding/binary"
	"fmt"
)

// Image is the unified view of one decoded binary. It is built eagerly by
// the loader and holds no reference to the input buffer; treat it as
// read-only after construction.
type Image struct {
	Arch      string
	Bits      int
	ByteOrder binary.ByteOrder

	// Entry is the format's raw entry field: e_entry for ELF, LC_MAIN's
	// entryoff for Mach-O, and AddressOfEntryPoint for PE/COFF. The PE
	// value is an RVA; the image base is not added.
	Entry uint64

	Segments []Segment
	Sections []Section
	Symbols  []Symbol
}

// Symbolicate returns "name+0xoff" for the symbol covering addr, or ""
// if no symbol range contains it.
func (i *Image) Symbolicate(addr uint64) string {
	var nearest *Symbol
	var min uint64
	for n := range i.Symbols {
		sym := &i.Symbols[n]
		if addr < sym.Addr {
			continue
		}
		dist := addr - sym.Addr
		if dist >= sym.Size {
			continue
		}
		if nearest == nil || dist < min {
			nearest = sym
			min = dist
		}
	}
	if nearest == nil {
		return ""
	}
	if min == 0 {
		return nearest.Name
	}
	return fmt.Sprintf("%s+0x%x", nearest.Name, min)
}
