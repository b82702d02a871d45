package trace

import (
	"io"

	"github.com/traceformat/bintrace/internal/container"
	"github.com/traceformat/bintrace/internal/machine"
	"github.com/traceformat/bintrace/internal/sectionio"
	"github.com/traceformat/bintrace/internal/tracerr"
)

// EventHandler receives the side effects of each event as TraceReader
// streams them. Implementations should treat the byte slices as read-only
// and not retain them past the call, since Reader may reuse any backing
// storage-owned in a future event (Go callers that need to keep a write
// should copy it).
type EventHandler interface {
	// OnInstruction is called once at the start of an instruction event.
	OnInstruction()
	// OnOther is called once at the start of an opaque event.
	OnOther(description string)
	// OnMemoryWrite is called for every memory write in the current event,
	// in wire order.
	OnMemoryWrite(address uint64, data []byte)
	// OnRegisterWrite is called for every register write in the current
	// event, in wire order. For a register-operation write, id is the
	// *target* register and data is already the computed new value.
	OnRegisterWrite(id machine.RegisterID, data []byte)
}

// Reader reads a trace binary stream sequentially, invoking an EventHandler
// for each event (spec §4.5, §6).
type Reader struct {
	stream io.ReadSeeker

	metadata  container.Metadata
	machine   *machine.Description
	registers machine.RegisterContainer

	memoryRegionPositions []int64

	eventsReader   *sectionio.Reader
	eventsStart    int64
	eventCount     uint64
	nextEventIndex uint64
}

// Open reads the container prefix, header, machine description, initial
// memory positions and initial registers, and returns a Reader positioned
// to stream events with ReadNextEvent.
func Open(stream io.ReadSeeker) (*Reader, error) {
	meta, err := container.Open(stream, container.TraceBin, FormatVersion)
	if err != nil {
		return nil, err
	}

	headerR, err := sectionio.NewReader("header", stream)
	if err != nil {
		return nil, err
	}
	compression, err := headerR.ReadUint8()
	if err != nil {
		return nil, err
	}
	if compression != 0 {
		return nil, tracerr.New(tracerr.UnsupportedFeature, "header", "compression %d is unsupported", compression)
	}
	if err := headerR.SeekToEnd(); err != nil {
		return nil, err
	}

	machineR, err := sectionio.NewReader("machine", stream)
	if err != nil {
		return nil, err
	}
	desc, err := machine.Read(machineR)
	if err != nil {
		return nil, err
	}
	if err := machineR.SeekToEnd(); err != nil {
		return nil, err
	}

	r := &Reader{stream: stream, metadata: meta, machine: desc}

	if err := r.readInitialMemory(); err != nil {
		return nil, err
	}
	if err := r.readInitialRegisters(); err != nil {
		return nil, err
	}

	r.eventsReader, err = sectionio.NewReader("events", stream)
	if err != nil {
		return nil, err
	}
	if r.eventsStart, err = stream.Seek(0, io.SeekCurrent); err != nil {
		return nil, err
	}
	if r.eventCount, err = r.eventsReader.ReadUint64(); err != nil {
		return nil, err
	}

	return r, nil
}

func (r *Reader) readInitialMemory() error {
	var total uint64
	for _, region := range r.machine.MemoryRegions {
		total += region.Size
	}

	sr, err := sectionio.NewReader("initial_memory", r.stream)
	if err != nil {
		return err
	}
	if sr.DeclaredSize() != total {
		return tracerr.New(tracerr.MalformedSection, "initial_memory",
			"declared size %d != sum of region sizes %d", sr.DeclaredSize(), total)
	}

	r.memoryRegionPositions = make([]int64, len(r.machine.MemoryRegions))
	var offset uint64
	for i, region := range r.machine.MemoryRegions {
		pos, err := r.stream.Seek(0, io.SeekCurrent)
		if err != nil {
			return err
		}
		r.memoryRegionPositions[i] = pos
		if err := sr.Seek(offset + region.Size); err != nil {
			return err
		}
		offset += region.Size
	}

	return sr.SeekToEnd()
}

// InitialMemoryRegionOffset returns the absolute stream offset of the start
// of the i-th memory region's initial content, for random access.
func (r *Reader) InitialMemoryRegionOffset(i int) int64 {
	return r.memoryRegionPositions[i]
}

func (r *Reader) readInitialRegisters() error {
	sr, err := sectionio.NewReader("initial_registers", r.stream)
	if err != nil {
		return err
	}

	count, err := sr.ReadUint32()
	if err != nil {
		return err
	}

	seen := make(map[machine.RegisterID]bool, count)
	r.registers = machine.RegisterContainer{}
	for i := uint32(0); i < count; i++ {
		id, err := sr.ReadUint16()
		if err != nil {
			return err
		}
		reg, ok := r.machine.Registers[machine.RegisterID(id)]
		if !ok {
			return tracerr.New(tracerr.MalformedSection, "initial_registers", "register %d is not defined", id)
		}
		if seen[machine.RegisterID(id)] {
			return tracerr.New(tracerr.MalformedSection, "initial_registers", "register %d appears twice", id)
		}
		seen[machine.RegisterID(id)] = true

		buf := make([]byte, reg.Size)
		if err := sr.Read(buf); err != nil {
			return err
		}
		r.registers.Set(machine.RegisterID(id), buf)
	}

	if len(seen) != len(r.machine.Registers) {
		return tracerr.New(tracerr.MalformedSection, "initial_registers",
			"register dump has %d entries, machine declares %d", len(seen), len(r.machine.Registers))
	}

	return sr.SeekToEnd()
}

// Metadata returns the container prefix's metadata.
func (r *Reader) Metadata() container.Metadata { return r.metadata }

// Machine returns the trace's machine description.
func (r *Reader) Machine() *machine.Description { return r.machine }

// InitialRegisters returns the comprehensive initial register dump.
func (r *Reader) InitialRegisters() machine.RegisterContainer { return r.registers }

// EventCount returns the total number of events declared in the trace.
func (r *Reader) EventCount() uint64 { return r.eventCount }

// NextEventIndex returns the index of the next event to be read.
func (r *Reader) NextEventIndex() uint64 { return r.nextEventIndex }

// StreamPos returns the current absolute stream position, suitable for
// recording in a cache point.
func (r *Reader) StreamPos() (uint64, error) {
	// The underlying stream runs ahead by whatever the section reader has
	// buffered, so derive the position from the bytes actually consumed.
	return uint64(r.eventsStart) + r.eventsReader.StreamPos(), nil
}

// Seek repositions the reader as if contextID events had just been read and
// the stream were now at streamPosition (a value previously obtained from
// StreamPos, typically recorded in a cache point). The caller is
// responsible for also resetting the register context (e.g. from a cache
// point) with ResetRegisters; Seek alone does not know what the registers
// should be.
func (r *Reader) Seek(contextID uint64, streamPosition uint64) error {
	if err := r.eventsReader.SeekAbsolute(int64(streamPosition)); err != nil {
		return err
	}
	r.nextEventIndex = contextID
	return nil
}

// ResetRegisters overwrites the reader's live register context, used after
// Seek to install the state from a cache point.
func (r *Reader) ResetRegisters(regs machine.RegisterContainer) {
	r.registers = regs
}

// ReadNextEvent reads and dispatches the next event to handler. Returns
// false without error once every declared event has been read.
func (r *Reader) ReadNextEvent(handler EventHandler) (bool, error) {
	if r.nextEventIndex >= r.eventCount {
		return false, nil
	}

	diffSize, err := r.eventsReader.ReadUint8()
	if err != nil {
		return false, err
	}

	if diffSize == 0xff {
		eventType, err := r.eventsReader.ReadUint8()
		if err != nil {
			return false, err
		}
		if eventType != 0xff {
			return false, tracerr.New(tracerr.MalformedSection, "events", "unknown event type %d", eventType)
		}
		description, err := r.eventsReader.ReadString8()
		if err != nil {
			return false, err
		}
		handler.OnOther(description)

		diffSize, err = r.eventsReader.ReadUint8()
		if err != nil {
			return false, err
		}
		if diffSize == 0xff {
			return false, tracerr.New(tracerr.MalformedSection, "events", "other event's first diff_size is 0xff")
		}
	} else {
		handler.OnInstruction()
	}

	for {
		memNibble := diffSize & 0x0f
		regNibble := (diffSize >> 4) & 0x0f

		memCount := memNibble
		if memCount == 0xf {
			memCount = 14
		}
		for i := uint8(0); i < memCount; i++ {
			if err := r.readMemoryWrite(handler); err != nil {
				return false, err
			}
		}

		regCount := regNibble
		if regCount == 0xf {
			regCount = 14
		}
		for i := uint8(0); i < regCount; i++ {
			if err := r.readRegisterWrite(handler); err != nil {
				return false, err
			}
		}

		if memNibble != 0xf && regNibble != 0xf {
			break
		}

		diffSize, err = r.eventsReader.ReadUint8()
		if err != nil {
			return false, err
		}
		if diffSize == 0xff {
			return false, tracerr.New(tracerr.MalformedSection, "events", "continuation diff_size is 0xff")
		}
	}

	r.nextEventIndex++
	return true, nil
}

func (r *Reader) readMemoryWrite(handler EventHandler) error {
	physSize := int(r.machine.PhysicalAddressSize)

	address, err := r.eventsReader.ReadBounded(physSize)
	if err != nil {
		return err
	}

	sizeByte, err := r.eventsReader.ReadUint8()
	if err != nil {
		return err
	}
	size := uint64(sizeByte)
	if sizeByte == 0xff {
		if size, err = r.eventsReader.ReadBounded(physSize); err != nil {
			return err
		}
	}

	buf := make([]byte, size)
	if err := r.eventsReader.Read(buf); err != nil {
		return err
	}

	handler.OnMemoryWrite(address, buf)
	return nil
}

func (r *Reader) readRegisterWrite(handler EventHandler) error {
	idByte, err := r.eventsReader.ReadUint8()
	if err != nil {
		return err
	}
	id := uint16(idByte)
	if idByte == 0xff {
		if id, err = r.eventsReader.ReadUint16(); err != nil {
			return err
		}
	}

	if reg, ok := r.machine.Registers[machine.RegisterID(id)]; ok {
		buf := make([]byte, reg.Size)
		if err := r.eventsReader.Read(buf); err != nil {
			return err
		}
		r.registers.Set(machine.RegisterID(id), buf)
		handler.OnRegisterWrite(machine.RegisterID(id), buf)
		return nil
	}

	if op, ok := r.machine.LookupOperation(machine.RegisterID(id)); ok {
		target, ok := r.registers.Get(op.TargetRegister)
		if !ok {
			return tracerr.New(tracerr.MalformedSection, "events",
				"register operation targets register %d with no prior value", op.TargetRegister)
		}
		newValue := machine.Apply(op.Op, target, op.Value)
		r.registers.Set(op.TargetRegister, newValue)
		handler.OnRegisterWrite(op.TargetRegister, newValue)
		return nil
	}

	return tracerr.New(tracerr.MalformedSection, "events", "id %d matches neither a register nor an operation", id)
}
