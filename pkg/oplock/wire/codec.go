package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	// ErrShortRead is returned when a message ends before a field does.
	ErrShortRead = errors.New("wire: short read")

	// ErrUnexpectedValue is returned when a fixed field (usually
	// StructureSize) holds the wrong value.
	ErrUnexpectedValue = errors.New("wire: unexpected value")
)

// Reader reads little-endian fields sequentially from a byte slice.
type Reader struct {
	data []byte
	pos  int
	err  error
}

// NewReader returns a Reader positioned at the start of data.
func NewReader(data []byte) *Reader {
	return &Reader{data: data}
}

func (r *Reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || r.pos+n > len(r.data) {
		r.err = fmt.Errorf("%w: need %d bytes at offset %d, have %d", ErrShortRead, n, r.pos, len(r.data)-r.pos)
		return nil
	}
	b := r.data[r.pos : r.pos+n]
	r.pos += n
	return b
}

// ReadUint8 reads one byte.
func (r *Reader) ReadUint8() uint8 {
	if b := r.take(1); b != nil {
		return b[0]
	}
	return 0
}

// ReadUint16 reads a little-endian uint16.
func (r *Reader) ReadUint16() uint16 {
	if b := r.take(2); b != nil {
		return binary.LittleEndian.Uint16(b)
	}
	return 0
}

// ReadUint32 reads a little-endian uint32.
func (r *Reader) ReadUint32() uint32 {
	if b := r.take(4); b != nil {
		return binary.LittleEndian.Uint32(b)
	}
	return 0
}

// ReadUint64 reads a little-endian uint64.
func (r *Reader) ReadUint64() uint64 {
	if b := r.take(8); b != nil {
		return binary.LittleEndian.Uint64(b)
	}
	return 0
}

// ReadGUID reads a 16-byte opaque identifier (lease key or client GUID)
// without any byte swapping.
func (r *Reader) ReadGUID() [16]byte {
	var g [16]byte
	if b := r.take(16); b != nil {
		copy(g[:], b)
	}
	return g
}

// Skip advances past n bytes.
func (r *Reader) Skip(n int) {
	r.take(n)
}

// ExpectUint16 reads a uint16 and fails the reader if it differs from want.
func (r *Reader) ExpectUint16(want uint16) {
	got := r.ReadUint16()
	if r.err == nil && got != want {
		r.err = fmt.Errorf("%w: expected 0x%04X, got 0x%04X at offset %d", ErrUnexpectedValue, want, got, r.pos-2)
	}
}

// Err returns the first error encountered.
func (r *Reader) Err() error { return r.err }

// Remaining returns the number of unread bytes.
func (r *Reader) Remaining() int { return max(len(r.data)-r.pos, 0) }

// Writer appends little-endian fields to a growing buffer.
type Writer struct {
	buf []byte
}

// NewWriter returns a Writer with the given initial capacity.
func NewWriter(capacity int) *Writer {
	return &Writer{buf: make([]byte, 0, capacity)}
}

// WriteUint8 appends one byte.
func (w *Writer) WriteUint8(v uint8) { w.buf = append(w.buf, v) }

// WriteUint16 appends a little-endian uint16.
func (w *Writer) WriteUint16(v uint16) { w.buf = binary.LittleEndian.AppendUint16(w.buf, v) }

// WriteUint32 appends a little-endian uint32.
func (w *Writer) WriteUint32(v uint32) { w.buf = binary.LittleEndian.AppendUint32(w.buf, v) }

// WriteUint64 appends a little-endian uint64.
func (w *Writer) WriteUint64(v uint64) { w.buf = binary.LittleEndian.AppendUint64(w.buf, v) }

// WriteGUID appends a 16-byte identifier verbatim.
func (w *Writer) WriteGUID(g [16]byte) { w.buf = append(w.buf, g[:]...) }

// WriteBytes appends raw bytes.
func (w *Writer) WriteBytes(b []byte) { w.buf = append(w.buf, b...) }

// WriteZeros appends n zero bytes.
func (w *Writer) WriteZeros(n int) {
	for range n {
		w.buf = append(w.buf, 0)
	}
}

// Bytes returns the encoded buffer.
func (w *Writer) Bytes() []byte { return w.buf }

// Len returns the number of bytes written so far.
func (w *Writer) Len() int { return len(w.buf) }
