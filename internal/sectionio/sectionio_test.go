package sectionio_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/traceformat/bintrace/internal/sectionio"
	"github.com/traceformat/bintrace/internal/tracerr"
)

func TestRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w := sectionio.NewWriter("events", &buf)
	w.WriteUint8(0x12)
	w.WriteUint16(0x3456)
	w.WriteUint32(0x789abcde)
	w.WriteUint64(0x0102030405060708)
	require.NoError(t, w.WriteString8("hello"))
	require.NoError(t, w.Finalize())

	r, err := sectionio.NewReader("events", bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)

	v8, err := r.ReadUint8()
	require.NoError(t, err)
	assert.Equal(t, uint8(0x12), v8)

	v16, err := r.ReadUint16()
	require.NoError(t, err)
	assert.Equal(t, uint16(0x3456), v16)

	v32, err := r.ReadUint32()
	require.NoError(t, err)
	assert.Equal(t, uint32(0x789abcde), v32)

	v64, err := r.ReadUint64()
	require.NoError(t, err)
	assert.Equal(t, uint64(0x0102030405060708), v64)

	s, err := r.ReadString8()
	require.NoError(t, err)
	assert.Equal(t, "hello", s)

	assert.Zero(t, r.BytesLeft())
}

func TestBackpatch(t *testing.T) {
	var buf bytes.Buffer
	w := sectionio.NewWriter("cache_points", &buf)

	pos := w.BytesWritten()
	w.WriteUint16(0) // placeholder
	w.WriteUint8(0xaa)
	w.WriteBackAt(pos, []byte{0x34, 0x12})
	require.NoError(t, w.Finalize())

	r, err := sectionio.NewReader("cache_points", bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)

	v, err := r.ReadUint16()
	require.NoError(t, err)
	assert.Equal(t, uint16(0x1234), v)

	b, err := r.ReadUint8()
	require.NoError(t, err)
	assert.Equal(t, uint8(0xaa), b)
}

func TestWriteNarrowOverflow(t *testing.T) {
	var buf bytes.Buffer
	w := sectionio.NewWriter("machine", &buf)

	err := w.WriteNarrow8(256)
	require.Error(t, err)
	assert.True(t, tracerr.Is(err, tracerr.ValueTooBig))

	err = w.WriteNarrow16(1 << 16)
	require.Error(t, err)
	assert.True(t, tracerr.Is(err, tracerr.ValueTooBig))

	err = w.WriteNarrow32(1 << 32)
	require.Error(t, err)
	assert.True(t, tracerr.Is(err, tracerr.ValueTooBig))
}

func TestWriteBoundedOverflow(t *testing.T) {
	var buf bytes.Buffer
	w := sectionio.NewWriter("machine", &buf)

	err := w.WriteBounded(0x100, 1)
	require.Error(t, err)
	assert.True(t, tracerr.Is(err, tracerr.ValueTooBig))

	require.NoError(t, w.WriteBounded(0xff, 1))
}

func TestReadPastSectionEnd(t *testing.T) {
	var buf bytes.Buffer
	w := sectionio.NewWriter("events", &buf)
	w.WriteUint8(1)
	require.NoError(t, w.Finalize())

	r, err := sectionio.NewReader("events", bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)

	_, err = r.ReadUint8()
	require.NoError(t, err)

	_, err = r.ReadUint8()
	require.Error(t, err)
	assert.True(t, tracerr.Is(err, tracerr.UnexpectedEndOfSection))
}

func TestUnexpectedEndOfStream(t *testing.T) {
	// Declares 8 bytes of content but the underlying stream only has 4.
	raw := []byte{8, 0, 0, 0, 0, 0, 0, 0, 0xde, 0xad, 0xbe, 0xef}
	r, err := sectionio.NewReader("events", bytes.NewReader(raw))
	require.NoError(t, err)

	buf := make([]byte, 8)
	err = r.Read(buf)
	require.Error(t, err)
	assert.True(t, tracerr.Is(err, tracerr.UnexpectedEndOfStream))
}

func TestSeekAndSeekToEnd(t *testing.T) {
	var buf bytes.Buffer
	w := sectionio.NewWriter("events", &buf)
	w.WriteUint8(0xaa)
	w.WriteUint8(0xbb)
	w.WriteUint8(0xcc)
	require.NoError(t, w.Finalize())

	r, err := sectionio.NewReader("events", bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)

	require.NoError(t, r.Seek(2))
	v, err := r.ReadUint8()
	require.NoError(t, err)
	assert.Equal(t, uint8(0xcc), v)

	require.NoError(t, r.SeekToEnd())
	assert.Zero(t, r.BytesLeft())
}

func TestCountingWriterOffset(t *testing.T) {
	var buf bytes.Buffer
	cw := sectionio.NewCountingWriter(&buf)

	w1 := sectionio.NewWriter("header", cw)
	w1.WriteUint32(1)
	require.NoError(t, w1.Finalize())
	afterHeader := cw.Offset()
	assert.Equal(t, uint64(8+4), afterHeader)

	w2 := sectionio.NewWriter("machine", cw)
	w2.WriteUint64(2)
	require.NoError(t, w2.Finalize())
	assert.Equal(t, afterHeader+8+8, cw.Offset())
}
