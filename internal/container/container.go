// Package container implements the metadata prefix that precedes every
// trace or cache stream: resource type, format version and tool
// identification (spec §6). The core codec packages treat this as an
// external collaborator; this package is a minimal, concrete
// implementation of that collaborator so the rest of the module has
// something real to build on.
package container

import (
	"encoding/binary"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/traceformat/bintrace/internal/tracerr"
)

// ResourceType distinguishes a trace stream from a cache stream.
type ResourceType uint32

const (
	TraceBin   ResourceType = 1
	TraceCache ResourceType = 2
)

func (t ResourceType) String() string {
	switch t {
	case TraceBin:
		return "TraceBin"
	case TraceCache:
		return "TraceCache"
	default:
		return fmt.Sprintf("ResourceType(%d)", uint32(t))
	}
}

// Metadata is the container prefix's content.
type Metadata struct {
	ResourceType   ResourceType
	FormatVersion  string
	ToolName       string
	ToolVersion    string
	ToolInfo       string
	GenerationDate uint64
}

// Create writes the metadata prefix to w. The caller continues writing
// section-framed content to w afterward.
func Create(w io.Writer, meta Metadata) error {
	var buf []byte
	buf = appendUint32(buf, uint32(meta.ResourceType))
	buf = appendString8(buf, meta.FormatVersion)
	buf = appendString8(buf, meta.ToolName)
	buf = appendString8(buf, meta.ToolVersion)
	buf = appendString8(buf, meta.ToolInfo)
	buf = appendUint64(buf, meta.GenerationDate)

	if _, err := w.Write(buf); err != nil {
		return tracerr.Wrap(tracerr.UnexpectedEndOfStream, "metadata", err)
	}
	return nil
}

// Open reads the metadata prefix from r and checks it against want and
// coreVersion, the resource type and format version this implementation
// supports. The caller continues reading section-framed content from r
// afterward.
//
// Fails with IncompatibleType if the resource type doesn't match, or
// IncompatibleVersion if the major version component differs.
func Open(r io.Reader, want ResourceType, coreVersion string) (Metadata, error) {
	var meta Metadata

	rawType, err := readUint32(r)
	if err != nil {
		return meta, err
	}
	meta.ResourceType = ResourceType(rawType)

	if meta.FormatVersion, err = readString8(r); err != nil {
		return meta, err
	}
	if meta.ToolName, err = readString8(r); err != nil {
		return meta, err
	}
	if meta.ToolVersion, err = readString8(r); err != nil {
		return meta, err
	}
	if meta.ToolInfo, err = readString8(r); err != nil {
		return meta, err
	}
	if meta.GenerationDate, err = readUint64(r); err != nil {
		return meta, err
	}

	if meta.ResourceType != want {
		return meta, tracerr.New(tracerr.IncompatibleType, "metadata",
			"expected resource type %s, got %s", want, meta.ResourceType)
	}
	if err := CheckVersionCompatible(meta.FormatVersion, coreVersion); err != nil {
		return meta, err
	}

	return meta, nil
}

// CheckVersionCompatible reports whether a stream's declared format version
// is semantically compatible with this implementation's core version.
// Compatibility requires an identical major version component.
func CheckVersionCompatible(streamVersion, coreVersion string) error {
	streamMajor, err := majorOf(streamVersion)
	if err != nil {
		return tracerr.New(tracerr.IncompatibleVersion, "metadata", "malformed stream version %q", streamVersion)
	}
	coreMajor, err := majorOf(coreVersion)
	if err != nil {
		return tracerr.New(tracerr.IncompatibleVersion, "metadata", "malformed core version %q", coreVersion)
	}

	if streamMajor != coreMajor {
		return tracerr.New(tracerr.IncompatibleVersion, "metadata",
			"stream format version %q is incompatible with core version %q", streamVersion, coreVersion)
	}
	return nil
}

func majorOf(version string) (int, error) {
	core, _, _ := strings.Cut(version, "-")
	parts := strings.SplitN(core, ".", 2)
	return strconv.Atoi(parts[0])
}

func appendUint32(buf []byte, v uint32) []byte {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	return append(buf, b[:]...)
}

func appendUint64(buf []byte, v uint64) []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	return append(buf, b[:]...)
}

func appendString8(buf []byte, s string) []byte {
	buf = append(buf, uint8(len(s)))
	return append(buf, s...)
}

func readUint32(r io.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, tracerr.Wrap(tracerr.UnexpectedEndOfStream, "metadata", err)
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

func readUint64(r io.Reader) (uint64, error) {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, tracerr.Wrap(tracerr.UnexpectedEndOfStream, "metadata", err)
	}
	return binary.LittleEndian.Uint64(b[:]), nil
}

func readString8(r io.Reader) (string, error) {
	var lenBuf [1]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return "", tracerr.Wrap(tracerr.UnexpectedEndOfStream, "metadata", err)
	}
	buf := make([]byte, lenBuf[0])
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", tracerr.Wrap(tracerr.UnexpectedEndOfStream, "metadata", err)
	}
	return string(buf), nil
}
