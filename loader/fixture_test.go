package loader

import "encoding/binary"

// bufWriter assembles synthetic binaries for tests. Fixtures are generated
// rather than checked in so the golden values sit next to the asserts.
type bufWriter struct {
	order binary.ByteOrder
	buf   []byte
}

func newBuf(order binary.ByteOrder) *bufWriter {
	return &bufWriter{order: order}
}

func (w *bufWriter) raw(p []byte) *bufWriter {
	w.buf = append(w.buf, p...)
	return w
}

func (w *bufWriter) u8(v uint8) *bufWriter {
	w.buf = append(w.buf, v)
	return w
}

func (w *bufWriter) u16(v uint16) *bufWriter {
	var p [2]byte
	w.order.PutUint16(p[:], v)
	return w.raw(p[:])
}

func (w *bufWriter) u32(v uint32) *bufWriter {
	var p [4]byte
	w.order.PutUint32(p[:], v)
	return w.raw(p[:])
}

func (w *bufWriter) u64(v uint64) *bufWriter {
	var p [8]byte
	w.order.PutUint64(p[:], v)
	return w.raw(p[:])
}

// name writes s NUL-padded to a fixed-width field.
func (w *bufWriter) name(s string, width int) *bufWriter {
	p := make([]byte, width)
	copy(p, s)
	return w.raw(p)
}

func (w *bufWriter) padTo(off int) *bufWriter {
	for len(w.buf) < off {
		w.buf = append(w.buf, 0)
	}
	return w
}

func (w *bufWriter) len() int {
	return len(w.buf)
}
