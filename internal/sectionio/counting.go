package sectionio

import "io"

// CountingWriter wraps an io.Writer and tracks the total number of bytes
// written through it.
//
// Because section content is buffered fully in memory until Finalize, the
// absolute stream offset a not-yet-finalized section's bytes will occupy
// is still deterministic: it equals the CountingWriter's current Offset,
// since writer ownership transfer (spec §9) guarantees nothing else writes
// to the underlying stream out of order. This lets a writer report
// meaningful absolute stream positions (for cache points to reference)
// without requiring the underlying stream to support seeking.
type CountingWriter struct {
	w io.Writer
	n uint64
}

// NewCountingWriter wraps w.
func NewCountingWriter(w io.Writer) *CountingWriter {
	return &CountingWriter{w: w}
}

func (cw *CountingWriter) Write(p []byte) (int, error) {
	n, err := cw.w.Write(p)
	cw.n += uint64(n)
	return n, err
}

// Offset returns the total number of bytes written so far.
func (cw *CountingWriter) Offset() uint64 { return cw.n }
