package cache_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/traceformat/bintrace/internal/machine"
	"github.com/traceformat/bintrace/internal/tracerr"
	"github.com/traceformat/bintrace/pkg/cache"
)

func testDescription() *machine.Description {
	return &machine.Description{
		Architecture:        machine.ArchX64V1,
		PhysicalAddressSize: 8,
		MemoryRegions:       []machine.MemoryRegion{{Start: 0, Size: 32}},
		Registers: map[machine.RegisterID]machine.Register{
			0: {Size: 4, Name: "eax"},
		},
		RegisterOperations: map[machine.RegisterOperationKey]machine.RegisterOperation{},
	}
}

func buildCache(t *testing.T) []byte {
	t.Helper()
	desc := testDescription()

	var buf bytes.Buffer
	pw, err := cache.NewWriter(&buf, cache.ToolInfo{Name: "test"}, 0, desc, 16)
	require.NoError(t, err)

	require.NoError(t, pw.StartCachePoint(20, 1000))
	require.NoError(t, pw.WriteRegister(0, []byte("aaaa")))
	require.NoError(t, pw.WriteMemoryPage(0, bytes.Repeat([]byte{0xaa}, 16)))
	pw.FinishCachePoint()

	require.NoError(t, pw.StartCachePoint(30, 2000))
	require.NoError(t, pw.WriteRegister(0, []byte("bbbb")))
	require.NoError(t, pw.WriteMemoryPage(16, bytes.Repeat([]byte{0xbb}, 16)))
	pw.FinishCachePoint()

	require.NoError(t, pw.Finish())
	return buf.Bytes()
}

// Scenario D: find_closest's strict-upper-bound lookup over two cache
// points at context ids 20 and 30.
func TestFindClosestScenarioD(t *testing.T) {
	raw := buildCache(t)
	r, err := cache.Open(bytes.NewReader(raw))
	require.NoError(t, err)

	_, ok := r.FindClosest(0)
	assert.False(t, ok)

	_, ok = r.FindClosest(20)
	assert.False(t, ok)

	off, ok := r.FindClosest(21)
	require.True(t, ok)
	assert.Equal(t, uint64(20), off.ContextID)

	off, ok = r.FindClosest(30)
	require.True(t, ok)
	assert.Equal(t, uint64(20), off.ContextID)

	off, ok = r.FindClosest(60)
	require.True(t, ok)
	assert.Equal(t, uint64(30), off.ContextID)
}

func TestReadCachePointAndMemoryPage(t *testing.T) {
	desc := testDescription()
	raw := buildCache(t)
	r, err := cache.Open(bytes.NewReader(raw))
	require.NoError(t, err)

	assert.Equal(t, uint32(16), r.PageSize())

	off, ok := r.FindClosest(60)
	require.True(t, ok)
	assert.Equal(t, uint64(2000), off.TraceStreamOffset)
	require.Len(t, off.Pages, 1)
	assert.Equal(t, uint64(16), off.Pages[0].Address)

	regs, err := r.ReadCachePoint(off, desc)
	require.NoError(t, err)
	v, ok := regs.Get(0)
	require.True(t, ok)
	assert.Equal(t, []byte("bbbb"), v)

	page, err := r.ReadMemoryPage(off.Pages[0])
	require.NoError(t, err)
	assert.Equal(t, bytes.Repeat([]byte{0xbb}, 16), page)
}

func TestDuplicateContextIDFails(t *testing.T) {
	desc := testDescription()
	var buf bytes.Buffer
	pw, err := cache.NewWriter(&buf, cache.ToolInfo{Name: "test"}, 0, desc, 16)
	require.NoError(t, err)

	require.NoError(t, pw.StartCachePoint(20, 0))
	pw.FinishCachePoint()

	err = pw.StartCachePoint(20, 100)
	require.Error(t, err)
	assert.True(t, tracerr.Is(err, tracerr.NonsenseValue))
}

func TestMisalignedPageFails(t *testing.T) {
	desc := testDescription()
	var buf bytes.Buffer
	pw, err := cache.NewWriter(&buf, cache.ToolInfo{Name: "test"}, 0, desc, 16)
	require.NoError(t, err)

	require.NoError(t, pw.StartCachePoint(20, 0))
	err = pw.WriteMemoryPage(5, bytes.Repeat([]byte{0}, 16))
	require.Error(t, err)
	assert.True(t, tracerr.Is(err, tracerr.NonsenseValue))
}

func TestPageOutsideRegionFails(t *testing.T) {
	desc := testDescription()
	var buf bytes.Buffer
	pw, err := cache.NewWriter(&buf, cache.ToolInfo{Name: "test"}, 0, desc, 16)
	require.NoError(t, err)

	require.NoError(t, pw.StartCachePoint(20, 0))
	err = pw.WriteMemoryPage(0x1000, bytes.Repeat([]byte{0}, 16))
	require.Error(t, err)
	assert.True(t, tracerr.Is(err, tracerr.NonsenseValue))
}

func TestWriteRegisterAfterMemoryPagePanics(t *testing.T) {
	desc := testDescription()
	var buf bytes.Buffer
	pw, err := cache.NewWriter(&buf, cache.ToolInfo{Name: "test"}, 0, desc, 16)
	require.NoError(t, err)

	require.NoError(t, pw.StartCachePoint(20, 0))
	require.NoError(t, pw.WriteMemoryPage(0, bytes.Repeat([]byte{0}, 16)))

	assert.Panics(t, func() {
		_ = pw.WriteRegister(0, []byte("aaaa"))
	})
}
