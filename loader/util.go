package loader

import (
	"bytes"
	"encoding/binary"

	"github.com/lunixbochs/struc"
	"github.com/pkg/errors"
)

// unpackAt decodes one fixed-layout struct from buf at the given offset,
// returning the number of bytes consumed.
func unpackAt(buf []byte, i interface{}, at uint64, order binary.ByteOrder) (uint64, error) {
	n, err := struc.Sizeof(i)
	if err != nil {
		return 0, err
	}
	size := uint64(n)
	if at > uint64(len(buf)) || uint64(len(buf))-at < size {
		return 0, errors.Wrapf(ErrDecode, "%d byte read at 0x%x exceeds %d byte buffer", size, at, len(buf))
	}
	if err := struc.UnpackWithOrder(bytes.NewReader(buf[at:at+size]), i, order); err != nil {
		return 0, errors.Wrap(ErrDecode, err.Error())
	}
	return size, nil
}

// sliceAt bounds-checks a byte range of buf.
func sliceAt(buf []byte, at, size uint64) ([]byte, error) {
	if at > uint64(len(buf)) || uint64(len(buf))-at < size {
		return nil, errors.Wrapf(ErrDecode, "%d byte range at 0x%x exceeds %d byte buffer", size, at, len(buf))
	}
	return buf[at : at+size], nil
}

// cstr returns the bytes before the first NUL.
func cstr(p []byte) string {
	if i := bytes.IndexByte(p, 0); i >= 0 {
		p = p[:i]
	}
	return string(p)
}

// strtabAt reads a NUL-terminated string from a string table.
func strtabAt(tab []byte, off uint64) (string, error) {
	if off >= uint64(len(tab)) {
		return "", errors.Wrapf(ErrDecode, "string offset 0x%x exceeds %d byte table", off, len(tab))
	}
	return cstr(tab[off:]), nil
}
