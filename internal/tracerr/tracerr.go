// Package tracerr defines the typed error taxonomy used by the trace and
// cache codecs.
//
// `fmt.Errorf` is replaced by New and Wrap:
//
//   - New constructs a fresh error of a given Kind.
//   - Wrap attaches a Kind to an underlying error, preserving it for
//     `errors.Unwrap`/`errors.As`.
//
// Callers distinguish error classes with Is, which checks the error's Kind
// regardless of how deeply it has been wrapped:
//
//	if tracerr.Is(err, tracerr.MalformedSection) { ... }
package tracerr

import (
	"errors"
	"fmt"
)

// Kind classifies a failure the way §4.8 of the format's design groups them.
type Kind int

const (
	// IncompatibleType means the container's resource_type didn't match
	// what the reader expected (TraceBin vs TraceCache).
	IncompatibleType Kind = iota
	// IncompatibleVersion means the container's format_version is not
	// semantically compatible with this implementation.
	IncompatibleVersion
	// UnsupportedFeature means the data names a feature this
	// implementation does not decode (non-zero compression, an unknown
	// architecture magic).
	UnsupportedFeature
	// MalformedSection means on-disk content violates an invariant the
	// reader can detect (bad op byte, duplicate ids, dangling reference).
	MalformedSection
	// UnexpectedEndOfStream means the underlying stream ran out of bytes
	// mid-read, or failed to accept a write.
	UnexpectedEndOfStream
	// UnexpectedEndOfSection means a read would cross the section's
	// declared boundary.
	UnexpectedEndOfSection
	// NonsenseValue means a writer caller supplied a value that violates
	// an invariant (duplicate context id, misaligned page, bad key).
	NonsenseValue
	// ValueTooBig means a writer's narrowing conversion would lose
	// information.
	ValueTooBig
	// MissingData means a writer's finalize found less content than was
	// declared (short initial-memory payload).
	MissingData
)

func (k Kind) String() string {
	switch k {
	case IncompatibleType:
		return "incompatible type"
	case IncompatibleVersion:
		return "incompatible version"
	case UnsupportedFeature:
		return "unsupported feature"
	case MalformedSection:
		return "malformed section"
	case UnexpectedEndOfStream:
		return "unexpected end of stream"
	case UnexpectedEndOfSection:
		return "unexpected end of section"
	case NonsenseValue:
		return "nonsense value"
	case ValueTooBig:
		return "value too big"
	case MissingData:
		return "missing data"
	default:
		return "unknown error kind"
	}
}

// Error is a typed, section-attributed error.
//
// Not safe for concurrent use; build and return it in one statement.
type Error struct {
	kind    Kind
	section string
	msg     string
	err     error
}

// New creates an error of the given kind, naming the section it occurred in.
func New(kind Kind, section, format string, args ...any) *Error {
	return &Error{kind: kind, section: section, msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches kind and section to an underlying error, exposing it through
// errors.Unwrap so errors.Is/As can still see the original cause.
func Wrap(kind Kind, section string, err error) *Error {
	return &Error{kind: kind, section: section, err: err}
}

// Kind returns the error's class.
func (e *Error) Kind() Kind { return e.kind }

// Section returns the name of the section the error was raised in, if any.
func (e *Error) Section() string { return e.section }

func (e *Error) Error() string {
	prefix := e.kind.String()
	if e.section != "" {
		prefix = fmt.Sprintf("%s in section %s", prefix, e.section)
	}

	switch {
	case e.err != nil && e.msg != "":
		return fmt.Sprintf("%s: %s: %v", prefix, e.msg, e.err)
	case e.err != nil:
		return fmt.Sprintf("%s: %v", prefix, e.err)
	default:
		return fmt.Sprintf("%s: %s", prefix, e.msg)
	}
}

// Unwrap returns the wrapped cause, if any.
func (e *Error) Unwrap() error { return e.err }

// Is reports whether err was produced with the given Kind, looking through
// any wrapping.
func Is(err error, kind Kind) bool {
	var terr *Error
	if errors.As(err, &terr) {
		return terr.kind == kind
	}
	return false
}
