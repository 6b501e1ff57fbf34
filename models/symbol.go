package models

// SymbolKind is the coarse classification shared by all formats.
type SymbolKind int

const (
	SymUnknown SymbolKind = iota
	SymFunc
	SymData
	SymOther
)

func (k SymbolKind) String() string {
	switch k {
	case SymFunc:
		return "func"
	case SymData:
		return "data"
	case SymOther:
		return "other"
	}
	return "unknown"
}

type Symbol struct {
	Name string
	Kind SymbolKind
	Addr uint64
	Size uint64
}

func (s Symbol) Contains(addr uint64) bool {
	return s.Addr <= addr && addr < s.Addr+s.Size
}
