// Package loader decodes ELF, Mach-O, and PE/COFF binaries into one
// unified image model. Decoding is read-only: the input buffer is never
// mutated and the returned Image holds no reference to it, so independent
// calls may run concurrently.
package loader

import (
	"os"

	"github.com/pkg/errors"

	"github.com/lunixbochs/binimage/models"
)

// Decode sniffs buf's signature and decodes it into an Image. All
// collections are computed eagerly; on any failure no Image is returned.
// buf must not be mutated for the duration of the call.
func Decode(buf []byte) (*models.Image, error) {
	switch f := Detect(buf); f {
	case ELF32LE, ELF32BE, ELF64LE, ELF64BE:
		return decodeElf(buf, f)
	case MachO32, MachO64:
		return decodeMachO(buf, f)
	case COFF32, COFF64:
		return decodePE(buf, f)
	case FatMachO:
		return nil, errors.Wrap(ErrUnsupported, "fat Mach-O decoding requires an arch selection")
	case Archive:
		return nil, errors.Wrap(ErrUnsupported, "archive decoding unimplemented")
	default:
		return nil, errors.Wrap(ErrFormat, "could not identify file magic")
	}
}

func DecodeFile(path string) (*models.Image, error) {
	p, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Decode(p)
}
