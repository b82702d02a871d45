// Package cache implements the cache binary format: a container-prefixed
// stream of a cache header, a cache-points section holding full machine
// snapshots, and a trailing index enabling random-access seeking into a
// companion trace (spec §4.6-4.7, §6).
package cache

import (
	"encoding/binary"
	"io"

	"github.com/traceformat/bintrace/internal/container"
	"github.com/traceformat/bintrace/internal/machine"
	"github.com/traceformat/bintrace/internal/sectionio"
	"github.com/traceformat/bintrace/internal/tracerr"
)

// FormatVersion is this implementation's cache format version, checked for
// compatibility against a stream's declared format_version.
const FormatVersion = "1.0.0-dummy"

// ToolInfo identifies this implementation in a stream's container prefix.
type ToolInfo struct {
	Name    string
	Version string
	Info    string
}

// NewWriter writes the container metadata prefix and the cache header
// section, then returns a writer for the cache-points section.
func NewWriter(stream io.Writer, tool ToolInfo, generationDate uint64, desc *machine.Description, pageSize uint32) (*PointsWriter, error) {
	meta := container.Metadata{
		ResourceType:   container.TraceCache,
		FormatVersion:  FormatVersion,
		ToolName:       tool.Name,
		ToolVersion:    tool.Version,
		ToolInfo:       tool.Info,
		GenerationDate: generationDate,
	}
	cw := sectionio.NewCountingWriter(stream)
	if err := container.Create(cw, meta); err != nil {
		return nil, err
	}

	hsw := sectionio.NewWriter("cache_header", cw)
	hsw.WriteUint32(pageSize)
	if err := hsw.Finalize(); err != nil {
		return nil, err
	}

	return newPointsWriter(cw, desc, pageSize), nil
}

// pointEntry accumulates one cache point's index bookkeeping as it is
// written, to be emitted into the cache_index section once cache_points
// finalizes.
type pointEntry struct {
	contextID            uint64
	traceStreamOffset    uint64
	cpuCacheStreamOffset uint64
	pages                []pageEntry
}

type pageEntry struct {
	address           uint64
	cacheStreamOffset uint64
}

// PointsWriter writes the cache_points section: zero or more cache points,
// each a register dump followed by full-page memory dumps (spec §4.6).
//
// Call StartCachePoint, then WriteRegister for every register (all of them
// must precede any WriteMemoryPage), then WriteMemoryPage for every page,
// then FinishCachePoint. Misordered calls panic, matching the original
// implementation's logic_error.
type PointsWriter struct {
	stream   *sectionio.CountingWriter
	machine  *machine.Description
	pageSize uint32
	sw       *sectionio.Writer

	seenContexts map[uint64]bool
	entries      []pointEntry

	pointOpen      bool
	regPhaseClosed bool
	regCountPos    uint64
	regCount       uint16
	current        pointEntry
}

func newPointsWriter(stream *sectionio.CountingWriter, desc *machine.Description, pageSize uint32) *PointsWriter {
	return &PointsWriter{
		stream:       stream,
		machine:      desc,
		pageSize:     pageSize,
		sw:           sectionio.NewWriter("cache_points", stream),
		seenContexts: make(map[uint64]bool),
	}
}

// StartCachePoint begins a new cache point for contextID, a trace context
// id that must not already be indexed, at traceStreamPos (the companion
// trace's absolute stream position this snapshot corresponds to).
func (pw *PointsWriter) StartCachePoint(contextID uint64, traceStreamPos uint64) error {
	if pw.pointOpen {
		panic("cache: start_cache_point called while a cache point is already in progress")
	}
	if pw.seenContexts[contextID] {
		return tracerr.New(tracerr.NonsenseValue, "cache_points", "context id %d is already indexed", contextID)
	}

	pw.pointOpen = true
	pw.regPhaseClosed = false
	pw.current = pointEntry{
		contextID:            contextID,
		traceStreamOffset:    traceStreamPos,
		cpuCacheStreamOffset: pw.stream.Offset() + 8 + pw.sw.BytesWritten(),
	}

	pw.regCountPos = pw.sw.BytesWritten()
	pw.sw.WriteUint16(0) // placeholder, backpatched at FinishCachePoint
	pw.regCount = 0
	return nil
}

// WriteRegister records a register's full value in the current cache
// point. Must precede any WriteMemoryPage call in the same cache point.
func (pw *PointsWriter) WriteRegister(id machine.RegisterID, buf []byte) error {
	if !pw.pointOpen {
		panic("cache: write_register called with no cache point in progress")
	}
	if pw.regPhaseClosed {
		panic("cache: write_register called after write_memory_page in the same cache point")
	}

	reg, ok := pw.machine.Registers[id]
	if !ok {
		return tracerr.New(tracerr.NonsenseValue, "cache_points", "register %d is not defined", id)
	}
	if len(buf) != int(reg.Size) {
		return tracerr.New(tracerr.NonsenseValue, "cache_points",
			"register %d value length %d != declared size %d", id, len(buf), reg.Size)
	}

	pw.sw.WriteUint16(uint16(id))
	pw.sw.WriteUint16(reg.Size)
	pw.sw.WriteBuf(buf)
	pw.regCount++
	return nil
}

// WriteMemoryPage writes one full page of memory content at address, which
// must be aligned to the cache's page size and fully contained in a
// declared memory region.
func (pw *PointsWriter) WriteMemoryPage(address uint64, buf []byte) error {
	if !pw.pointOpen {
		panic("cache: write_memory_page called with no cache point in progress")
	}
	pw.regPhaseClosed = true

	if uint64(len(buf)) != uint64(pw.pageSize) {
		return tracerr.New(tracerr.NonsenseValue, "cache_points",
			"page buffer length %d != page size %d", len(buf), pw.pageSize)
	}
	if address%uint64(pw.pageSize) != 0 {
		return tracerr.New(tracerr.NonsenseValue, "cache_points", "page address %#x is not page-aligned", address)
	}
	if !pw.regionContains(address, uint64(pw.pageSize)) {
		return tracerr.New(tracerr.NonsenseValue, "cache_points",
			"page at %#x is not fully contained in any declared memory region", address)
	}

	offset := pw.stream.Offset() + 8 + pw.sw.BytesWritten()
	pw.current.pages = append(pw.current.pages, pageEntry{address: address, cacheStreamOffset: offset})
	pw.sw.WriteBuf(buf)
	return nil
}

func (pw *PointsWriter) regionContains(address, size uint64) bool {
	for _, region := range pw.machine.MemoryRegions {
		if address >= region.Start && address+size <= region.Start+region.Size {
			return true
		}
	}
	return false
}

// FinishCachePoint back-patches the register count and closes the cache
// point, recording it for the index.
func (pw *PointsWriter) FinishCachePoint() {
	if !pw.pointOpen {
		panic("cache: finish_cache_point called with no cache point in progress")
	}

	var countBuf [2]byte
	binary.LittleEndian.PutUint16(countBuf[:], pw.regCount)
	pw.sw.WriteBackAt(pw.regCountPos, countBuf[:])

	pw.seenContexts[pw.current.contextID] = true
	pw.entries = append(pw.entries, pw.current)
	pw.current = pointEntry{}
	pw.pointOpen = false
}

// Finish finalizes the cache_points section and writes the trailing
// cache_index section, in that order (spec §4.6).
func (pw *PointsWriter) Finish() error {
	if pw.pointOpen {
		panic("cache: finish called with a cache point still in progress")
	}
	if err := pw.sw.Finalize(); err != nil {
		return err
	}

	isw := sectionio.NewWriter("cache_index", pw.stream)
	isw.WriteUint64(uint64(len(pw.entries)))
	for _, e := range pw.entries {
		isw.WriteUint64(e.contextID)
		isw.WriteUint64(e.traceStreamOffset)
		isw.WriteUint64(e.cpuCacheStreamOffset)
		if err := isw.WriteNarrow32(uint64(len(e.pages))); err != nil {
			return err
		}
		for _, p := range e.pages {
			isw.WriteUint64(p.address)
			isw.WriteUint64(p.cacheStreamOffset)
		}
	}
	return isw.Finalize()
}
