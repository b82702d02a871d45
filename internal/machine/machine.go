// Package machine models a trace's MachineDescription: the architecture,
// memory layout, register set, register operations and static registers
// that every event in a trace is interpreted against.
package machine

import (
	"iter"

	"github.com/traceformat/bintrace/internal/sectionio"
	"github.com/traceformat/bintrace/internal/tracerr"
)

// Architecture is a tagged enumeration of supported CPU architectures, each
// identified on the wire by a 4-byte magic.
type Architecture uint32

const (
	// ArchX64V1 is the x86-64 architecture, magic "x641".
	ArchX64V1 Architecture = 0x31343678
	// ArchARM64V1 is the ARM64 architecture, magic "arm1". Present in the
	// original implementation but undocumented by the distilled format
	// description; supported here for parity.
	ArchARM64V1 Architecture = 0x316d7261
)

func (a Architecture) String() string {
	switch a {
	case ArchX64V1:
		return "x64_1"
	case ArchARM64V1:
		return "arm64_1"
	default:
		return "unknown"
	}
}

// Valid reports whether magic names a supported architecture.
func (a Architecture) Valid() bool {
	switch a {
	case ArchX64V1, ArchARM64V1:
		return true
	default:
		return false
	}
}

// RegisterID identifies a register or, when it collides with a
// RegisterOperation key, a parametric state transition.
type RegisterID uint16

// RegisterOperationKey identifies a register operation. 0xff is reserved and
// never valid.
type RegisterOperationKey uint8

// InvalidOperationKey is the reserved sentinel value, never a valid key.
const InvalidOperationKey RegisterOperationKey = 0xff

// Op is a register-operation kind.
type Op uint8

const (
	OpSet Op = 0
	OpAdd Op = 1
	OpAnd Op = 2
	OpOr  Op = 3
)

func (o Op) valid() bool {
	return o <= OpOr
}

// MemoryRegion is a contiguous range of initial physical memory.
type MemoryRegion struct {
	Start uint64
	Size  uint64
}

// Register describes one CPU register: its wire size and display name.
type Register struct {
	Size uint16
	Name string
}

// RegisterOperation is a parametric state transition baked into the machine
// description and referenced from the event stream by a 1-byte key instead
// of the full new register value.
type RegisterOperation struct {
	TargetRegister RegisterID
	Op             Op
	Value          []byte
}

// Description is the full machine description: architecture, memory
// layout, registers, register operations and static registers.
//
// All invariants in spec §3 are enforced by Validate, called by both the
// writer (raising NonsenseValue) and the reader (raising MalformedSection).
type Description struct {
	Architecture        Architecture
	PhysicalAddressSize uint8
	MemoryRegions       []MemoryRegion
	Registers           map[RegisterID]Register
	RegisterOperations  map[RegisterOperationKey]RegisterOperation
	StaticRegisters     map[string][]byte
}

// Validate checks every invariant from spec §3. kind is the error Kind to
// raise on violation: tracerr.NonsenseValue for writer-side checks,
// tracerr.MalformedSection for reader-side checks.
func (d *Description) Validate(kind tracerr.Kind) error {
	if !d.Architecture.Valid() {
		return tracerr.New(tracerr.UnsupportedFeature, "machine", "unknown architecture magic 0x%x", uint32(d.Architecture))
	}
	if d.PhysicalAddressSize < 1 || d.PhysicalAddressSize > 8 {
		return tracerr.New(kind, "machine", "physical_address_size %d out of [1, 8]", d.PhysicalAddressSize)
	}

	names := make(map[string]struct{}, len(d.Registers))
	for _, reg := range d.Registers {
		if _, dup := names[reg.Name]; dup {
			return tracerr.New(kind, "machine", "duplicate register name %q", reg.Name)
		}
		names[reg.Name] = struct{}{}
	}

	for key, op := range d.RegisterOperations {
		if key == InvalidOperationKey {
			return tracerr.New(kind, "machine", "register operation key 0xff is reserved")
		}
		if _, collides := d.Registers[RegisterID(key)]; collides {
			return tracerr.New(kind, "machine", "register operation key %d collides with a register id", key)
		}
		target, ok := d.Registers[op.TargetRegister]
		if !ok {
			return tracerr.New(kind, "machine", "register operation %d targets unknown register %d", key, op.TargetRegister)
		}
		if !op.Op.valid() {
			return tracerr.New(kind, "machine", "register operation %d has invalid op byte %d", key, op.Op)
		}
		if len(op.Value) != int(target.Size) {
			return tracerr.New(kind, "machine", "register operation %d value length %d != target size %d", key, len(op.Value), target.Size)
		}
	}

	staticNames := make(map[string]struct{}, len(d.StaticRegisters))
	for name := range d.StaticRegisters {
		if len(name) > 255 {
			return tracerr.New(kind, "machine", "static register name %q exceeds 255 bytes", name)
		}
		if _, dup := staticNames[name]; dup {
			return tracerr.New(kind, "machine", "duplicate static register name %q", name)
		}
		staticNames[name] = struct{}{}
	}

	return nil
}

// LookupOperation finds the register operation for id, if any, distinguishing
// it from a plain register id and from a reference to neither.
func (d *Description) LookupOperation(id RegisterID) (RegisterOperation, bool) {
	op, ok := d.RegisterOperations[RegisterOperationKey(id)]
	return op, ok
}

// Write serializes the description per spec §4.2.
func Write(w *sectionio.Writer, d *Description) error {
	if err := d.Validate(tracerr.NonsenseValue); err != nil {
		return err
	}

	w.WriteUint32(uint32(d.Architecture))
	w.WriteUint8(d.PhysicalAddressSize)

	if err := w.WriteNarrow32(uint64(len(d.MemoryRegions))); err != nil {
		return err
	}
	for _, region := range d.MemoryRegions {
		if err := w.WriteBounded(region.Start, int(d.PhysicalAddressSize)); err != nil {
			return err
		}
		if err := w.WriteBounded(region.Size, int(d.PhysicalAddressSize)); err != nil {
			return err
		}
	}

	if err := w.WriteNarrow32(uint64(len(d.Registers))); err != nil {
		return err
	}
	for id, reg := range d.Registers {
		w.WriteUint16(uint16(id))
		w.WriteUint16(reg.Size)
		if err := w.WriteString8(reg.Name); err != nil {
			return err
		}
	}

	if err := w.WriteNarrow32(uint64(len(d.RegisterOperations))); err != nil {
		return err
	}
	for key, op := range d.RegisterOperations {
		w.WriteUint8(uint8(key))
		w.WriteUint16(uint16(op.TargetRegister))
		w.WriteUint8(uint8(op.Op))
		w.WriteBuf(op.Value)
	}

	if err := w.WriteNarrow32(uint64(len(d.StaticRegisters))); err != nil {
		return err
	}
	for name, value := range d.StaticRegisters {
		if err := w.WriteString8(name); err != nil {
			return err
		}
		if err := w.WriteSizedBuf8(value); err != nil {
			return err
		}
	}

	return nil
}

// Read deserializes a description per spec §4.2 and validates it, raising
// MalformedSection (or UnsupportedFeature for the architecture) on any
// invariant violation.
func Read(r *sectionio.Reader) (*Description, error) {
	magic, err := r.ReadUint32()
	if err != nil {
		return nil, err
	}
	d := &Description{Architecture: Architecture(magic)}

	if d.PhysicalAddressSize, err = r.ReadUint8(); err != nil {
		return nil, err
	}

	regionCount, err := r.ReadUint32()
	if err != nil {
		return nil, err
	}
	d.MemoryRegions = make([]MemoryRegion, regionCount)
	for i := range d.MemoryRegions {
		start, err := r.ReadBounded(int(d.PhysicalAddressSize))
		if err != nil {
			return nil, err
		}
		size, err := r.ReadBounded(int(d.PhysicalAddressSize))
		if err != nil {
			return nil, err
		}
		d.MemoryRegions[i] = MemoryRegion{Start: start, Size: size}
	}

	registerCount, err := r.ReadUint32()
	if err != nil {
		return nil, err
	}
	d.Registers = make(map[RegisterID]Register, registerCount)
	for i := uint32(0); i < registerCount; i++ {
		id, err := r.ReadUint16()
		if err != nil {
			return nil, err
		}
		size, err := r.ReadUint16()
		if err != nil {
			return nil, err
		}
		name, err := r.ReadString8()
		if err != nil {
			return nil, err
		}
		if _, dup := d.Registers[RegisterID(id)]; dup {
			return nil, tracerr.New(tracerr.MalformedSection, "machine", "duplicate register id %d", id)
		}
		d.Registers[RegisterID(id)] = Register{Size: size, Name: name}
	}

	opCount, err := r.ReadUint32()
	if err != nil {
		return nil, err
	}
	d.RegisterOperations = make(map[RegisterOperationKey]RegisterOperation, opCount)
	for i := uint32(0); i < opCount; i++ {
		key, err := r.ReadUint8()
		if err != nil {
			return nil, err
		}
		target, err := r.ReadUint16()
		if err != nil {
			return nil, err
		}
		opByte, err := r.ReadUint8()
		if err != nil {
			return nil, err
		}
		if opByte > uint8(OpOr) {
			return nil, tracerr.New(tracerr.MalformedSection, "machine", "invalid op byte %d", opByte)
		}

		reg, ok := d.Registers[RegisterID(target)]
		if !ok {
			return nil, tracerr.New(tracerr.MalformedSection, "machine", "register operation targets unknown register %d", target)
		}
		value := make([]byte, reg.Size)
		if err := r.Read(value); err != nil {
			return nil, err
		}

		if _, dup := d.RegisterOperations[RegisterOperationKey(key)]; dup {
			return nil, tracerr.New(tracerr.MalformedSection, "machine", "duplicate register operation key %d", key)
		}
		d.RegisterOperations[RegisterOperationKey(key)] = RegisterOperation{
			TargetRegister: RegisterID(target),
			Op:             Op(opByte),
			Value:          value,
		}
	}

	staticCount, err := r.ReadUint32()
	if err != nil {
		return nil, err
	}
	d.StaticRegisters = make(map[string][]byte, staticCount)
	for i := uint32(0); i < staticCount; i++ {
		name, err := r.ReadString8()
		if err != nil {
			return nil, err
		}
		value, err := r.ReadSizedBuf8()
		if err != nil {
			return nil, err
		}
		if _, dup := d.StaticRegisters[name]; dup {
			return nil, tracerr.New(tracerr.MalformedSection, "machine", "duplicate static register name %q", name)
		}
		d.StaticRegisters[name] = value
	}

	if err := d.Validate(tracerr.MalformedSection); err != nil {
		return nil, err
	}

	return d, nil
}

// RegisterContainer is an ordered full-or-partial CPU register snapshot.
type RegisterContainer struct {
	IDs    []RegisterID
	Values [][]byte
}

// Set records id's value, overwriting any prior value for the same id.
func (c *RegisterContainer) Set(id RegisterID, value []byte) {
	for i, existing := range c.IDs {
		if existing == id {
			c.Values[i] = value
			return
		}
	}
	c.IDs = append(c.IDs, id)
	c.Values = append(c.Values, value)
}

// Get returns id's value and whether it was present.
func (c *RegisterContainer) Get(id RegisterID) ([]byte, bool) {
	for i, existing := range c.IDs {
		if existing == id {
			return c.Values[i], true
		}
	}
	return nil, false
}

// Pairs iterates the container's (id, value) pairs in insertion order.
func (c RegisterContainer) Pairs() iter.Seq2[RegisterID, []byte] {
	return func(yield func(RegisterID, []byte) bool) {
		for i, id := range c.IDs {
			if !yield(id, c.Values[i]) {
				return
			}
		}
	}
}
