package tracerr_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/traceformat/bintrace/internal/tracerr"
)

func TestNewKind(t *testing.T) {
	err := tracerr.New(tracerr.MalformedSection, "events", "bad op byte %d", 7)

	assert.True(t, tracerr.Is(err, tracerr.MalformedSection))
	assert.False(t, tracerr.Is(err, tracerr.NonsenseValue))

	var terr *tracerr.Error
	require.True(t, errors.As(err, &terr))
	assert.Equal(t, "events", terr.Section())
	assert.Contains(t, terr.Error(), "bad op byte 7")
	assert.Contains(t, terr.Error(), "events")
}

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("short read")
	err := tracerr.Wrap(tracerr.UnexpectedEndOfStream, "header", cause)

	assert.True(t, tracerr.Is(err, tracerr.UnexpectedEndOfStream))
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "short read")
}

func TestIsLooksThroughWrapping(t *testing.T) {
	inner := tracerr.New(tracerr.ValueTooBig, "machine", "region count overflow")
	outer := errors.New("wrapped: " + inner.Error())

	// A plain string copy loses the Kind; Is must not falsely match.
	assert.False(t, tracerr.Is(outer, tracerr.ValueTooBig))
	assert.True(t, tracerr.Is(inner, tracerr.ValueTooBig))

	// Wrapping with %w keeps the Kind visible to Is.
	assert.True(t, tracerr.Is(fmt.Errorf("decoding: %w", inner), tracerr.ValueTooBig))
}

func TestKindString(t *testing.T) {
	cases := map[tracerr.Kind]string{
		tracerr.IncompatibleType:       "incompatible type",
		tracerr.IncompatibleVersion:    "incompatible version",
		tracerr.UnsupportedFeature:     "unsupported feature",
		tracerr.MalformedSection:       "malformed section",
		tracerr.UnexpectedEndOfStream:  "unexpected end of stream",
		tracerr.UnexpectedEndOfSection: "unexpected end of section",
		tracerr.NonsenseValue:          "nonsense value",
		tracerr.ValueTooBig:            "value too big",
		tracerr.MissingData:            "missing data",
	}
	for kind, want := range cases {
		assert.Equal(t, want, kind.String())
	}
}
