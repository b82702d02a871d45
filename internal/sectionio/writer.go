package sectionio

import (
	"encoding/binary"
	"io"

	"github.com/traceformat/bintrace/internal/tracerr"
)

// Writer accumulates one section's content in memory and writes the
// 8-byte declared size followed by the content to the underlying stream on
// Finalize.
//
// This follows the simplification suggested by the format's design notes: a
// growable per-section buffer avoids requiring the underlying stream to
// support seeking on the write side, at the cost of holding one whole
// section's content in memory at a time (for a cache, the cache_points
// section holds every cache point).
type Writer struct {
	name   string
	stream io.Writer
	buf    []byte

	finalized bool
}

// NewWriter begins a new section that will be written to stream once
// Finalize is called. The caller must not write to stream directly until
// then.
func NewWriter(name string, stream io.Writer) *Writer {
	return &Writer{name: name, stream: stream, buf: make([]byte, 0, 4096)}
}

// Name returns the section's name, used to attribute errors.
func (w *Writer) Name() string { return w.name }

// BytesWritten returns the number of content bytes buffered so far.
func (w *Writer) BytesWritten() uint64 { return uint64(len(w.buf)) }

func (w *Writer) checkOpen() {
	if w.finalized {
		panic("sectionio: write after finalize on section " + w.name)
	}
}

// WriteBuf appends raw bytes to the section.
func (w *Writer) WriteBuf(buf []byte) {
	w.checkOpen()
	w.buf = append(w.buf, buf...)
}

// WriteUint8 appends a single byte.
func (w *Writer) WriteUint8(v uint8) {
	w.WriteBuf([]byte{v})
}

// WriteUint16 appends a little-endian uint16.
func (w *Writer) WriteUint16(v uint16) {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	w.WriteBuf(b[:])
}

// WriteUint32 appends a little-endian uint32.
func (w *Writer) WriteUint32(v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	w.WriteBuf(b[:])
}

// WriteUint64 appends a little-endian uint64.
func (w *Writer) WriteUint64(v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	w.WriteBuf(b[:])
}

// WriteNarrow8 narrows v to a byte and appends it. Fails with ValueTooBig if
// the narrowing is lossy.
func (w *Writer) WriteNarrow8(v uint64) error {
	n := uint8(v)
	if uint64(n) != v {
		return tracerr.New(tracerr.ValueTooBig, w.name, "value %d does not fit in 1 byte", v)
	}
	w.WriteUint8(n)
	return nil
}

// WriteNarrow16 narrows v to a uint16 and appends it.
func (w *Writer) WriteNarrow16(v uint64) error {
	n := uint16(v)
	if uint64(n) != v {
		return tracerr.New(tracerr.ValueTooBig, w.name, "value %d does not fit in 2 bytes", v)
	}
	w.WriteUint16(n)
	return nil
}

// WriteNarrow32 narrows v to a uint32 and appends it.
func (w *Writer) WriteNarrow32(v uint64) error {
	n := uint32(v)
	if uint64(n) != v {
		return tracerr.New(tracerr.ValueTooBig, w.name, "value %d does not fit in 4 bytes", v)
	}
	w.WriteUint32(n)
	return nil
}

// WriteBounded masks v to maxBytes little-endian bytes and appends them,
// failing with ValueTooBig if that loses information. Used for
// physical-address-sized fields.
func (w *Writer) WriteBounded(v uint64, maxBytes int) error {
	if maxBytes <= 0 || maxBytes > 8 {
		return tracerr.New(tracerr.ValueTooBig, w.name, "invalid width %d", maxBytes)
	}

	var mask uint64 = ^uint64(0)
	if maxBytes < 8 {
		mask >>= (8 - maxBytes) * 8
	}
	masked := v & mask
	if masked != v {
		return tracerr.New(tracerr.ValueTooBig, w.name, "value %d does not fit in %d bytes", v, maxBytes)
	}

	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], masked)
	w.WriteBuf(b[:maxBytes])
	return nil
}

// WriteSizedBuf8 writes a u8 length prefix followed by buf.
func (w *Writer) WriteSizedBuf8(buf []byte) error {
	if err := w.WriteNarrow8(uint64(len(buf))); err != nil {
		return err
	}
	w.WriteBuf(buf)
	return nil
}

// WriteString8 writes a u8-length-prefixed string.
func (w *Writer) WriteString8(s string) error {
	return w.WriteSizedBuf8([]byte(s))
}

// WriteBackAt patches bytes already written to the section at the given
// offset, which must lie within what has been written so far.
func (w *Writer) WriteBackAt(pos uint64, buf []byte) {
	w.checkOpen()
	if pos+uint64(len(buf)) > uint64(len(w.buf)) {
		panic("sectionio: write_back_at out of range")
	}
	copy(w.buf[pos:], buf)
}

// Finalize writes the declared size followed by the buffered content to the
// underlying stream. The Writer must not be used afterward.
func (w *Writer) Finalize() error {
	w.checkOpen()
	w.finalized = true

	var sizeBuf [8]byte
	binary.LittleEndian.PutUint64(sizeBuf[:], uint64(len(w.buf)))

	if _, err := w.stream.Write(sizeBuf[:]); err != nil {
		return tracerr.Wrap(tracerr.UnexpectedEndOfStream, w.name, err)
	}
	if _, err := w.stream.Write(w.buf); err != nil {
		return tracerr.Wrap(tracerr.UnexpectedEndOfStream, w.name, err)
	}
	return nil
}
