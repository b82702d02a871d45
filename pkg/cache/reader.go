package cache

import (
	"io"
	"sort"

	lru "github.com/hashicorp/golang-lru"

	"github.com/traceformat/bintrace/internal/container"
	"github.com/traceformat/bintrace/internal/machine"
	"github.com/traceformat/bintrace/internal/sectionio"
	"github.com/traceformat/bintrace/internal/tracerr"
)

// PageOffset locates one full page of memory within the cache_points
// section, for the caller to build its own page lookup (spec §4.7).
type PageOffset struct {
	Address           uint64
	CacheStreamOffset uint64
}

// Offsets is one cache point's index entry (spec §3's CacheOffsets).
type Offsets struct {
	ContextID            uint64
	TraceStreamOffset    uint64
	CPUCacheStreamOffset uint64
	Pages                []PageOffset
}

// decodedPointCacheSize bounds the LRU of decoded register dumps kept by
// ReadCachePoint, so repeatedly seeking near the same handful of cache
// points doesn't re-decode them from the stream every time.
const decodedPointCacheSize = 32

// Reader parses a cache stream's header and index and serves on-demand
// cache-point reads (spec §4.7).
type Reader struct {
	stream   io.ReadSeeker
	metadata container.Metadata
	pageSize uint32

	// index is kept in descending context-id order (design note §9), so
	// FindClosest is a single linear scan for the first entry < target.
	// Binary search would also work; the format is small enough in
	// practice (cache points, not events) that this stays simple.
	index []Offsets

	pointsSectionStart int64

	decoded *lru.Cache
}

// Open reads the container prefix, the cache header, and the trailing
// index, and returns a Reader ready for FindClosest/ReadCachePoint.
func Open(stream io.ReadSeeker) (*Reader, error) {
	meta, err := container.Open(stream, container.TraceCache, FormatVersion)
	if err != nil {
		return nil, err
	}

	hr, err := sectionio.NewReader("cache_header", stream)
	if err != nil {
		return nil, err
	}
	pageSize, err := hr.ReadUint32()
	if err != nil {
		return nil, err
	}
	if err := hr.SeekToEnd(); err != nil {
		return nil, err
	}

	pointsStart, err := stream.Seek(0, io.SeekCurrent)
	if err != nil {
		return nil, err
	}

	pr, err := sectionio.NewReader("cache_points", stream)
	if err != nil {
		return nil, err
	}
	if err := pr.SeekToEnd(); err != nil {
		return nil, err
	}

	ir, err := sectionio.NewReader("cache_index", stream)
	if err != nil {
		return nil, err
	}
	index, err := readIndex(ir)
	if err != nil {
		return nil, err
	}

	decoded, err := lru.New(decodedPointCacheSize)
	if err != nil {
		return nil, err
	}

	if _, err := stream.Seek(pointsStart, io.SeekStart); err != nil {
		return nil, err
	}

	return &Reader{
		stream:             stream,
		metadata:           meta,
		pageSize:           pageSize,
		index:              index,
		pointsSectionStart: pointsStart,
		decoded:            decoded,
	}, nil
}

func readIndex(r *sectionio.Reader) ([]Offsets, error) {
	count, err := r.ReadUint64()
	if err != nil {
		return nil, err
	}

	entries := make([]Offsets, count)
	for i := range entries {
		e := &entries[i]
		if e.ContextID, err = r.ReadUint64(); err != nil {
			return nil, err
		}
		if e.TraceStreamOffset, err = r.ReadUint64(); err != nil {
			return nil, err
		}
		if e.CPUCacheStreamOffset, err = r.ReadUint64(); err != nil {
			return nil, err
		}
		pageCount, err := r.ReadUint32()
		if err != nil {
			return nil, err
		}
		e.Pages = make([]PageOffset, pageCount)
		for j := range e.Pages {
			if e.Pages[j].Address, err = r.ReadUint64(); err != nil {
				return nil, err
			}
			if e.Pages[j].CacheStreamOffset, err = r.ReadUint64(); err != nil {
				return nil, err
			}
		}
	}

	// Keep the in-memory index in descending key order (design note §9)
	// regardless of on-disk order, so FindClosest is a simple linear scan.
	sort.Slice(entries, func(i, j int) bool { return entries[i].ContextID > entries[j].ContextID })
	return entries, nil
}

// Metadata returns the container prefix's metadata.
func (r *Reader) Metadata() container.Metadata { return r.metadata }

// PageSize returns the cache's declared page size.
func (r *Reader) PageSize() uint32 { return r.pageSize }

// FindClosest returns the index entry with the greatest context id strictly
// less than contextID, and true, or the zero value and false if none
// exists (spec §4.7, Scenario D).
func (r *Reader) FindClosest(contextID uint64) (Offsets, bool) {
	for _, e := range r.index {
		if e.ContextID < contextID {
			return e, true
		}
	}
	return Offsets{}, false
}

// ReadCachePoint seeks to off's register dump and reads it, validating that
// the decoded register set exactly matches desc's register set with
// matching sizes (spec §4.7). Memory pages are not decoded; use off.Pages
// for on-demand page reads.
func (r *Reader) ReadCachePoint(off Offsets, desc *machine.Description) (machine.RegisterContainer, error) {
	if cached, ok := r.decoded.Get(off.ContextID); ok {
		return cached.(machine.RegisterContainer), nil
	}

	if _, err := r.stream.Seek(int64(off.CPUCacheStreamOffset), io.SeekStart); err != nil {
		return machine.RegisterContainer{}, err
	}

	count, err := readUint16At(r.stream)
	if err != nil {
		return machine.RegisterContainer{}, err
	}

	seen := make(map[machine.RegisterID]bool, count)
	regs := machine.RegisterContainer{}
	for i := uint16(0); i < count; i++ {
		id, err := readUint16At(r.stream)
		if err != nil {
			return machine.RegisterContainer{}, err
		}
		size, err := readUint16At(r.stream)
		if err != nil {
			return machine.RegisterContainer{}, err
		}
		reg, ok := desc.Registers[machine.RegisterID(id)]
		if !ok {
			return machine.RegisterContainer{}, tracerr.New(tracerr.MalformedSection, "cache_points",
				"register %d is not defined", id)
		}
		if reg.Size != size {
			return machine.RegisterContainer{}, tracerr.New(tracerr.MalformedSection, "cache_points",
				"register %d declared size %d != machine size %d", id, size, reg.Size)
		}
		if seen[machine.RegisterID(id)] {
			return machine.RegisterContainer{}, tracerr.New(tracerr.MalformedSection, "cache_points",
				"register %d appears twice", id)
		}
		seen[machine.RegisterID(id)] = true

		buf := make([]byte, size)
		if _, err := io.ReadFull(r.stream, buf); err != nil {
			return machine.RegisterContainer{}, tracerr.Wrap(tracerr.UnexpectedEndOfStream, "cache_points", err)
		}
		regs.Set(machine.RegisterID(id), buf)
	}

	if len(seen) != len(desc.Registers) {
		return machine.RegisterContainer{}, tracerr.New(tracerr.MalformedSection, "cache_points",
			"cache point has %d registers, machine declares %d", len(seen), len(desc.Registers))
	}

	r.decoded.Add(off.ContextID, regs)
	return regs, nil
}

// ReadMemoryPage reads one full page previously located via off.Pages.
func (r *Reader) ReadMemoryPage(page PageOffset) ([]byte, error) {
	if _, err := r.stream.Seek(int64(page.CacheStreamOffset), io.SeekStart); err != nil {
		return nil, err
	}
	buf := make([]byte, r.pageSize)
	if _, err := io.ReadFull(r.stream, buf); err != nil {
		return nil, tracerr.Wrap(tracerr.UnexpectedEndOfStream, "cache_points", err)
	}
	return buf, nil
}

func readUint16At(r io.Reader) (uint16, error) {
	var b [2]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, tracerr.Wrap(tracerr.UnexpectedEndOfStream, "cache_points", err)
	}
	return uint16(b[0]) | uint16(b[1])<<8, nil
}
