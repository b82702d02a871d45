// Package sectionio implements the length-prefixed, seekable section
// framing shared by the trace and cache binary formats: an 8-byte
// little-endian declared size followed by exactly that many content bytes.
package sectionio

import (
	"encoding/binary"
	"io"

	"github.com/traceformat/bintrace/internal/tracerr"
)

const readBufferSize = 16 * 1024

// Reader reads one length-prefixed section from a seekable stream.
//
// Construction consumes the 8-byte declared size. Reads are bounds-checked
// against it: reading past the declared size fails with
// tracerr.UnexpectedEndOfSection, and running out of underlying stream
// mid-section fails with tracerr.UnexpectedEndOfStream.
type Reader struct {
	name   string
	stream io.ReadSeeker

	declaredSize uint64
	remaining    uint64
	startPos     int64

	buf        []byte
	bufPos     int
	bufFilled  int
}

// NewReader reads the declared size and begins a new section.
func NewReader(name string, stream io.ReadSeeker) (*Reader, error) {
	r := &Reader{
		name:   name,
		stream: stream,
		buf:    make([]byte, readBufferSize),
	}

	var sizeBuf [8]byte
	if _, err := io.ReadFull(stream, sizeBuf[:]); err != nil {
		return nil, tracerr.Wrap(tracerr.UnexpectedEndOfStream, name, err)
	}
	r.declaredSize = binary.LittleEndian.Uint64(sizeBuf[:])
	r.remaining = r.declaredSize

	pos, err := stream.Seek(0, io.SeekCurrent)
	if err != nil {
		return nil, err
	}
	r.startPos = pos

	return r, nil
}

// Name returns the section's name, used to attribute errors.
func (r *Reader) Name() string { return r.name }

// DeclaredSize returns the section's declared content size.
func (r *Reader) DeclaredSize() uint64 { return r.declaredSize }

// BytesLeft returns the number of content bytes not yet consumed.
func (r *Reader) BytesLeft() uint64 { return r.remaining }

// StreamPos returns the logical position within the section (bytes consumed
// so far).
func (r *Reader) StreamPos() uint64 { return r.declaredSize - r.remaining }

// Seek repositions within the declared section. position is relative to the
// section's start.
func (r *Reader) Seek(position uint64) error {
	if position > r.declaredSize {
		panic("sectionio: seek outside section")
	}

	if _, err := r.stream.Seek(r.startPos+int64(position), io.SeekStart); err != nil {
		return err
	}
	r.bufPos = 0
	r.bufFilled = 0
	r.remaining = r.declaredSize - position
	return nil
}

// SeekAbsolute repositions to an absolute stream offset previously obtained
// from a position within this section (e.g. one recorded while iterating
// events, to be revisited later via a cache point).
func (r *Reader) SeekAbsolute(streamPos int64) error {
	return r.Seek(uint64(streamPos - r.startPos))
}

// SeekToEnd advances the underlying stream to the first byte after the
// section and marks it fully consumed.
func (r *Reader) SeekToEnd() error {
	if _, err := r.stream.Seek(r.startPos+int64(r.declaredSize), io.SeekStart); err != nil {
		return err
	}
	r.remaining = 0
	r.bufPos = 0
	r.bufFilled = 0
	return nil
}

// Read fills buf entirely from the section, or fails.
func (r *Reader) Read(buf []byte) error {
	size := len(buf)
	if uint64(size) > r.remaining {
		return tracerr.New(tracerr.UnexpectedEndOfSection, r.name,
			"tried to read %d bytes with %d left", size, r.remaining)
	}

	for size > 0 {
		available := r.bufFilled - r.bufPos
		if available == 0 {
			if err := r.fill(); err != nil {
				return err
			}
			available = r.bufFilled - r.bufPos
			if available == 0 {
				return tracerr.New(tracerr.UnexpectedEndOfStream, r.name, "stream ended mid-section")
			}
		}

		n := size
		if n > available {
			n = available
		}
		copy(buf[:n], r.buf[r.bufPos:r.bufPos+n])
		buf = buf[n:]
		r.bufPos += n
		r.remaining -= uint64(n)
		size -= n
	}

	return nil
}

func (r *Reader) fill() error {
	want := uint64(len(r.buf))
	if want > r.remaining {
		want = r.remaining
	}

	n, err := io.ReadFull(r.stream, r.buf[:want])
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return err
	}
	r.bufPos = 0
	r.bufFilled = n
	return nil
}

// ReadUint8 reads a single byte.
func (r *Reader) ReadUint8() (uint8, error) {
	var b [1]byte
	if err := r.Read(b[:]); err != nil {
		return 0, err
	}
	return b[0], nil
}

// ReadUint16 reads a little-endian uint16.
func (r *Reader) ReadUint16() (uint16, error) {
	var b [2]byte
	if err := r.Read(b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b[:]), nil
}

// ReadUint32 reads a little-endian uint32.
func (r *Reader) ReadUint32() (uint32, error) {
	var b [4]byte
	if err := r.Read(b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

// ReadUint64 reads a little-endian uint64.
func (r *Reader) ReadUint64() (uint64, error) {
	var b [8]byte
	if err := r.Read(b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b[:]), nil
}

// ReadBounded reads min(8, maxBytes) little-endian bytes into the low end of
// a zero-initialized uint64. Used for physical-address-sized fields, whose
// width is a runtime parameter (MachineDescription.PhysicalAddressSize).
func (r *Reader) ReadBounded(maxBytes int) (uint64, error) {
	n := maxBytes
	if n > 8 {
		n = 8
	}
	if n < 0 {
		n = 0
	}

	var b [8]byte
	if err := r.Read(b[:n]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b[:]), nil
}

// ReadString8 reads a u8-length-prefixed string.
func (r *Reader) ReadString8() (string, error) {
	n, err := r.ReadUint8()
	if err != nil {
		return "", err
	}
	buf := make([]byte, n)
	if err := r.Read(buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

// ReadSizedBuf8 reads a u8-length-prefixed byte buffer.
func (r *Reader) ReadSizedBuf8() ([]byte, error) {
	n, err := r.ReadUint8()
	if err != nil {
		return nil, err
	}
	buf := make([]byte, n)
	if err := r.Read(buf); err != nil {
		return nil, err
	}
	return buf, nil
}
