package models

// Segment is a loadable memory region with protection attributes.
type Segment struct {
	Name string
	Off  uint64
	Addr uint64
	Size uint64
	R    bool
	W    bool
	X    bool
}

func (s *Segment) ContainsPhys(addr uint64) bool {
	return s.Off <= addr && addr < s.Off+s.Size
}

func (s *Segment) ContainsVirt(addr uint64) bool {
	return s.Addr <= addr && addr < s.Addr+s.Size
}

// Section is a named byte range, not necessarily loaded into memory.
type Section struct {
	Name string
	Addr uint64
	Size uint64
}
