package trace

import (
	"encoding/binary"

	"github.com/traceformat/bintrace/internal/machine"
	"github.com/traceformat/bintrace/internal/sectionio"
	"github.com/traceformat/bintrace/internal/tracerr"
)

// EventsWriter encodes the event stream: one diff_size-framed event per
// instruction or opaque "other" event, each followed by the memory and
// register writes attributed to it (spec §4.5).
//
// Declare a new event with StartInstruction or StartOther, then call
// WriteMemory for every memory write (all of them must precede any register
// write in the same diff), then WriteRegister/WriteRegisterAction for every
// register write, then FinishEvent. After the last event, Finish closes the
// section. Calling these out of order is a programming error and panics,
// matching the original implementation's logic_error.
type EventsWriter struct {
	stream       *sectionio.CountingWriter
	sectionStart uint64
	machine      *machine.Description
	sw           *sectionio.Writer

	eventCount   uint64
	eventOpen    bool
	diffPos      uint64
	diffMemCount uint8
	diffRegCount uint8
}

func newEventsWriter(stream *sectionio.CountingWriter, desc *machine.Description) *EventsWriter {
	sectionStart := stream.Offset()
	sw := sectionio.NewWriter("events", stream)
	sw.WriteUint64(0) // placeholder for total event count, backpatched at Finish
	return &EventsWriter{stream: stream, sectionStart: sectionStart, machine: desc, sw: sw}
}

// EventCount returns the number of fully-finished events so far.
func (ew *EventsWriter) EventCount() uint64 { return ew.eventCount }

// StreamPos returns the current absolute stream position of the
// not-yet-flushed events section content, suitable for recording in a cache
// point (spec §4.6). Valid because of the writer chain's move-only,
// strictly sequential section ownership (spec §9): nothing else can write to
// the stream while this section is open.
func (ew *EventsWriter) StreamPos() uint64 {
	return ew.sectionStart + 8 + ew.sw.BytesWritten()
}

// IsEventStarted reports whether an event has been started but not finished.
func (ew *EventsWriter) IsEventStarted() bool { return ew.eventOpen }

// StartInstruction begins declaring a new instruction event.
func (ew *EventsWriter) StartInstruction() {
	ew.beginEvent()
}

// StartOther begins declaring a new opaque event with a description of at
// most 255 bytes.
func (ew *EventsWriter) StartOther(description string) error {
	if ew.eventOpen {
		panic("trace: start_event called while an event is already open")
	}
	if len(description) > 255 {
		return tracerr.New(tracerr.NonsenseValue, "events", "description %q exceeds 255 bytes", description)
	}

	ew.sw.WriteUint8(0xff)
	ew.sw.WriteUint8(0xff)
	if err := ew.sw.WriteSizedBuf8([]byte(description)); err != nil {
		return err
	}

	ew.eventOpen = true
	ew.startDiff()
	return nil
}

func (ew *EventsWriter) beginEvent() {
	if ew.eventOpen {
		panic("trace: start_event called while an event is already open")
	}
	ew.eventOpen = true
	ew.startDiff()
}

// startDiff opens a fresh diff: writes the placeholder diff_size byte and
// resets the per-diff counters.
func (ew *EventsWriter) startDiff() {
	ew.diffPos = ew.sw.BytesWritten()
	ew.sw.WriteUint8(0)
	ew.diffMemCount = 0
	ew.diffRegCount = 0
}

func (ew *EventsWriter) patchDiffByte() {
	b := byte(ew.diffMemCount) | byte(ew.diffRegCount)<<4
	ew.sw.WriteBackAt(ew.diffPos, []byte{b})
}

// WriteMemory declares a memory write in the current diff. Must be called
// before any register write within that same diff.
func (ew *EventsWriter) WriteMemory(address uint64, buf []byte) error {
	if !ew.eventOpen {
		panic("trace: write_memory called with no event in progress")
	}
	if ew.diffRegCount > 0 {
		panic("trace: write_memory called after write_register in the same diff")
	}

	if ew.diffMemCount == 14 {
		ew.diffMemCount = 0xf
		ew.patchDiffByte()
		ew.startDiff()
	}
	ew.diffMemCount++
	ew.patchDiffByte()

	physSize := int(ew.machine.PhysicalAddressSize)
	if err := ew.sw.WriteBounded(address, physSize); err != nil {
		return err
	}

	size := uint64(len(buf))
	if size < 0xff {
		if err := ew.sw.WriteNarrow8(size); err != nil {
			return err
		}
	} else {
		ew.sw.WriteUint8(0xff)
		if err := ew.sw.WriteBounded(size, physSize); err != nil {
			return err
		}
	}
	ew.sw.WriteBuf(buf)
	return nil
}

// WriteRegister declares a plain register write in the current diff. size
// must match the register's declared size.
func (ew *EventsWriter) WriteRegister(id machine.RegisterID, buf []byte) error {
	reg, ok := ew.machine.Registers[id]
	if !ok {
		return tracerr.New(tracerr.NonsenseValue, "events", "register %d is not defined", id)
	}
	if len(buf) != int(reg.Size) {
		return tracerr.New(tracerr.NonsenseValue, "events",
			"register %d value length %d != declared size %d", id, len(buf), reg.Size)
	}

	if err := ew.beginRegisterEntry(); err != nil {
		return err
	}
	ew.writeRegisterID(id)
	ew.sw.WriteBuf(buf)
	return nil
}

// WriteRegisterAction declares a register write expressed as a register
// operation; key must be a defined operation in the machine description.
func (ew *EventsWriter) WriteRegisterAction(key machine.RegisterOperationKey) error {
	if _, ok := ew.machine.RegisterOperations[key]; !ok {
		return tracerr.New(tracerr.NonsenseValue, "events", "register operation %d is not defined", key)
	}

	if err := ew.beginRegisterEntry(); err != nil {
		return err
	}
	ew.writeRegisterID(machine.RegisterID(key))
	return nil
}

func (ew *EventsWriter) beginRegisterEntry() error {
	if !ew.eventOpen {
		panic("trace: write_register called with no event in progress")
	}

	if ew.diffRegCount == 14 {
		ew.diffRegCount = 0xf
		ew.patchDiffByte()
		ew.startDiff()
	}
	ew.diffRegCount++
	ew.patchDiffByte()
	return nil
}

func (ew *EventsWriter) writeRegisterID(id machine.RegisterID) {
	if uint16(id) < 0xff {
		ew.sw.WriteUint8(uint8(id))
	} else {
		ew.sw.WriteUint8(0xff)
		ew.sw.WriteUint16(uint16(id))
	}
}

// FinishEvent closes the event currently being declared.
func (ew *EventsWriter) FinishEvent() {
	if !ew.eventOpen {
		panic("trace: finish_event called with no event in progress")
	}
	ew.eventOpen = false
	ew.eventCount++
}

// Finish finalizes the events section, the last section of a trace. The
// EventsWriter must not be used afterward.
func (ew *EventsWriter) Finish() error {
	if ew.eventOpen {
		panic("trace: finish called with an event still open")
	}

	var countBuf [8]byte
	binary.LittleEndian.PutUint64(countBuf[:], ew.eventCount)
	ew.sw.WriteBackAt(0, countBuf[:])

	return ew.sw.Finalize()
}
