package loader

import "github.com/pkg/errors"

// All decode failures wrap one of these sentinels; match with errors.Is.
var (
	// ErrFormat covers an unrecognized signature or a missing mandatory
	// substructure.
	ErrFormat = errors.New("unrecognized binary format")

	// ErrUnsupported covers recognized inputs this library refuses to
	// decode: archives, fat Mach-O, and pre-LC_MAIN entry points.
	ErrUnsupported = errors.New("unsupported binary feature")

	// ErrDecode covers structural fields that imply an out-of-bounds read
	// or an otherwise inconsistent layout.
	ErrDecode = errors.New("inconsistent binary layout")
)
