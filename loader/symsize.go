package loader

import (
	"sort"

	"github.com/lunixbochs/binimage/models"
)

// inferSizes fills in Symbol.Size for formats whose symbol records carry no
// size field (Mach-O nlist, COFF). sectOf[i] names the section containing
// syms[i], or -1 for undefined/absolute symbols, which keep size 0.
// sectEnd maps a section index to the virtual address one past its end.
//
// Within a section, a symbol extends to the next strictly greater symbol
// address; the last symbol in a section extends to the section end.
func inferSizes(syms []models.Symbol, sectOf []int, sectEnd map[int]uint64) {
	groups := make(map[int][]int)
	for i, sect := range sectOf {
		if sect < 0 {
			continue
		}
		groups[sect] = append(groups[sect], i)
	}
	for sect, idx := range groups {
		sort.SliceStable(idx, func(a, b int) bool {
			return syms[idx[a]].Addr < syms[idx[b]].Addr
		})
		for n, i := range idx {
			addr := syms[i].Addr
			next := sectEnd[sect]
			// equal addresses share the same extent, so scan past them
			for m := n + 1; m < len(idx); m++ {
				if a := syms[idx[m]].Addr; a > addr {
					next = a
					break
				}
			}
			if next > addr {
				syms[i].Size = next - addr
			}
		}
	}
}
