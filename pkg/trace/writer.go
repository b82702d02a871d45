// Package trace implements the trace binary format: a container-prefixed
// stream of a header, a machine description, the initial memory and
// register state, and an event stream of instructions and their
// register/memory side effects (spec §4.3-4.5, §6).
//
// Writing is modeled as a chain of single-use writers, one per section,
// mirroring the original implementation's move-only ownership transfer
// (spec §9): a writer for section N+1 can only be obtained by consuming the
// writer for section N.
package trace

import (
	"io"

	"github.com/traceformat/bintrace/internal/container"
	"github.com/traceformat/bintrace/internal/machine"
	"github.com/traceformat/bintrace/internal/sectionio"
	"github.com/traceformat/bintrace/internal/tracerr"
)

// FormatVersion is this implementation's trace format version, checked for
// compatibility against a stream's declared format_version.
const FormatVersion = "1.0.0-dummy"

// ToolInfo identifies this implementation in a stream's container prefix.
type ToolInfo struct {
	Name    string
	Version string
	Info    string
}

// NewWriter writes the container metadata prefix and returns a writer for
// the header section, the first of the trace's five sections.
func NewWriter(stream io.Writer, tool ToolInfo, generationDate uint64) (*HeaderWriter, error) {
	meta := container.Metadata{
		ResourceType:   container.TraceBin,
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

	return &HeaderWriter{stream: cw, sw: sectionio.NewWriter("header", cw)}, nil
}

// HeaderWriter writes the 1-byte header section. Only the reserved
// compression value 0 is supported (spec §3).
type HeaderWriter struct {
	stream *sectionio.CountingWriter
	sw     *sectionio.Writer
}

// Finish writes the compression byte (always 0), finalizes the header
// section and returns a writer for the machine section.
func (hw *HeaderWriter) Finish() (*MachineWriter, error) {
	hw.sw.WriteUint8(0)
	if err := hw.sw.Finalize(); err != nil {
		return nil, err
	}
	return &MachineWriter{stream: hw.stream}, nil
}

// MachineWriter writes the machine description section.
type MachineWriter struct {
	stream *sectionio.CountingWriter
}

// Finish serializes desc, finalizes the machine section and returns a
// writer for the initial-memory section.
func (mw *MachineWriter) Finish(desc *machine.Description) (*InitialMemoryWriter, error) {
	sw := sectionio.NewWriter("machine", mw.stream)
	if err := machine.Write(sw, desc); err != nil {
		return nil, err
	}
	if err := sw.Finalize(); err != nil {
		return nil, err
	}

	var total uint64
	for _, region := range desc.MemoryRegions {
		total += region.Size
	}

	return &InitialMemoryWriter{
		stream:   mw.stream,
		machine:  desc,
		sw:       sectionio.NewWriter("initial_memory", mw.stream),
		expected: total,
	}, nil
}

// InitialMemoryWriter writes the concatenated initial content of every
// memory region, in declaration order (spec §4.3).
type InitialMemoryWriter struct {
	stream   *sectionio.CountingWriter
	machine  *machine.Description
	sw       *sectionio.Writer
	expected uint64
	written  uint64
}

// Write appends the next chunk of initial memory content.
func (imw *InitialMemoryWriter) Write(buf []byte) {
	imw.sw.WriteBuf(buf)
	imw.written += uint64(len(buf))
}

// Finish finalizes the initial-memory section and returns a writer for the
// initial-registers section. Fails with MissingData if the total bytes
// written doesn't match the sum of the machine description's region sizes.
func (imw *InitialMemoryWriter) Finish() (*InitialRegistersWriter, error) {
	if imw.written != imw.expected {
		return nil, tracerr.New(tracerr.MissingData, "initial_memory",
			"wrote %d bytes, expected %d", imw.written, imw.expected)
	}
	if err := imw.sw.Finalize(); err != nil {
		return nil, err
	}

	return &InitialRegistersWriter{
		stream:  imw.stream,
		machine: imw.machine,
		sw:      sectionio.NewWriter("initial_registers", imw.stream),
		written: make(map[machine.RegisterID]bool),
	}, nil
}

// InitialRegistersWriter writes the comprehensive initial register dump
// (spec §4.4).
type InitialRegistersWriter struct {
	stream  *sectionio.CountingWriter
	machine *machine.Description
	sw      *sectionio.Writer
	ids     []machine.RegisterID
	bufs    [][]byte
	written map[machine.RegisterID]bool
}

// WriteRegister records reg_id's initial value. size must match the
// register's declared size. Each register may be written at most once.
func (irw *InitialRegistersWriter) WriteRegister(id machine.RegisterID, buf []byte) error {
	reg, ok := irw.machine.Registers[id]
	if !ok {
		return tracerr.New(tracerr.NonsenseValue, "initial_registers", "register %d is not defined", id)
	}
	if len(buf) != int(reg.Size) {
		return tracerr.New(tracerr.NonsenseValue, "initial_registers",
			"register %d value length %d != declared size %d", id, len(buf), reg.Size)
	}
	if irw.written[id] {
		return tracerr.New(tracerr.NonsenseValue, "initial_registers", "register %d written twice", id)
	}

	irw.written[id] = true
	irw.ids = append(irw.ids, id)
	irw.bufs = append(irw.bufs, buf)
	return nil
}

// Finish writes the accumulated register dump, finalizes the section and
// returns a writer for the events section. Fails with MissingData if the
// written register set doesn't exactly match the machine description's
// register set.
func (irw *InitialRegistersWriter) Finish() (*EventsWriter, error) {
	if len(irw.written) != len(irw.machine.Registers) {
		return nil, tracerr.New(tracerr.MissingData, "initial_registers",
			"wrote %d registers, machine declares %d", len(irw.written), len(irw.machine.Registers))
	}

	if err := irw.sw.WriteNarrow32(uint64(len(irw.ids))); err != nil {
		return nil, err
	}
	for i, id := range irw.ids {
		irw.sw.WriteUint16(uint16(id))
		irw.sw.WriteBuf(irw.bufs[i])
	}
	if err := irw.sw.Finalize(); err != nil {
		return nil, err
	}

	return newEventsWriter(irw.stream, irw.machine), nil
}
