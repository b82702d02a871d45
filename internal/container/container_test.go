package container_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/traceformat/bintrace/internal/container"
	"github.com/traceformat/bintrace/internal/tracerr"
)

func TestCreateOpenRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	meta := container.Metadata{
		ResourceType:   container.TraceBin,
		FormatVersion:  "1.0.0-dummy",
		ToolName:       "tracedump",
		ToolVersion:    "0.1.0",
		ToolInfo:       "test run",
		GenerationDate: 1234567890,
	}
	require.NoError(t, container.Create(&buf, meta))

	got, err := container.Open(&buf, container.TraceBin, "1.0.0-dummy")
	require.NoError(t, err)
	assert.Equal(t, meta, got)
}

func TestOpenWrongResourceType(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, container.Create(&buf, container.Metadata{
		ResourceType:  container.TraceCache,
		FormatVersion: "1.0.0-dummy",
	}))

	_, err := container.Open(&buf, container.TraceBin, "1.0.0-dummy")
	require.Error(t, err)
	assert.True(t, tracerr.Is(err, tracerr.IncompatibleType))
}

// Scenario F: a cache stream declaring format version 2.0.0 against core
// version 1.0.0-dummy fails with IncompatibleVersion before any section is
// parsed.
func TestOpenIncompatibleVersion(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, container.Create(&buf, container.Metadata{
		ResourceType:  container.TraceCache,
		FormatVersion: "2.0.0",
	}))

	_, err := container.Open(&buf, container.TraceCache, "1.0.0-dummy")
	require.Error(t, err)
	assert.True(t, tracerr.Is(err, tracerr.IncompatibleVersion))
}

func TestCheckVersionCompatible(t *testing.T) {
	assert.NoError(t, container.CheckVersionCompatible("1.2.3", "1.0.0-dummy"))
	assert.Error(t, container.CheckVersionCompatible("2.0.0", "1.0.0-dummy"))
	assert.Error(t, container.CheckVersionCompatible("not-a-version", "1.0.0-dummy"))
}
