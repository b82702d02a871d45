package trace

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/traceformat/bintrace/internal/machine"
	"github.com/traceformat/bintrace/internal/sectionio"
)

func scenarioADescription() *machine.Description {
	return &machine.Description{
		Architecture:        machine.ArchX64V1,
		PhysicalAddressSize: 5,
		MemoryRegions:       []machine.MemoryRegion{{Start: 0, Size: 16}},
		Registers: map[machine.RegisterID]machine.Register{
			0:     {Size: 4, Name: "eax"},
			1:     {Size: 4, Name: "ebx"},
			0xf00: {Size: 8, Name: "rax"},
		},
		RegisterOperations: map[machine.RegisterOperationKey]machine.RegisterOperation{
			0xfe: {TargetRegister: 0, Op: machine.OpSet, Value: []byte("0000")},
		},
	}
}

// Scenario A: single instruction, one memory write and two register writes
// (a plain write plus a register-operation write), expects diff header byte
// 0x21 (1 mem, 2 regs) after back-patching.
func TestEventsWriterScenarioADiffByte(t *testing.T) {
	var buf bytes.Buffer
	cw := sectionio.NewCountingWriter(&buf)
	ew := newEventsWriter(cw, scenarioADescription())

	ew.StartInstruction()
	require.NoError(t, ew.WriteMemory(4, []byte("0123")))
	require.NoError(t, ew.WriteRegister(0, []byte("0123")))
	require.NoError(t, ew.WriteRegisterAction(0xfe))
	ew.FinishEvent()
	require.NoError(t, ew.Finish())

	raw := buf.Bytes()
	// 8-byte section size, 8-byte event count, then the first diff's header
	// byte.
	diffByte := raw[16]
	assert.Equal(t, byte(0x21), diffByte)
}

// Scenario B: an other event's wire encoding — description, then a diff
// with one memory write (address 4, 4 bytes) and one register write
// (id 0, 4 bytes). Diff header byte is 0x11 (1 mem, 1 reg) per the
// mem-in-low-nibble/reg-in-high-nibble encoding spec §4.5 and Scenario A
// both establish.
func TestEventsWriterScenarioBOtherEvent(t *testing.T) {
	var buf bytes.Buffer
	cw := sectionio.NewCountingWriter(&buf)
	ew := newEventsWriter(cw, scenarioADescription())

	require.NoError(t, ew.StartOther("event test"))
	require.NoError(t, ew.WriteMemory(4, []byte{0, 1, 2, 3}))
	require.NoError(t, ew.WriteRegister(0, []byte{4, 5, 6, 7}))
	ew.FinishEvent()
	require.NoError(t, ew.Finish())

	raw := buf.Bytes()
	body := raw[16:] // past the section size and the event count

	var want []byte
	want = append(want, 0xff, 0xff, 0x0a)
	want = append(want, "event test"...)
	want = append(want, 0x11)          // diff header: 1 mem, 1 reg
	want = append(want, 4, 0, 0, 0, 0) // address 4, 5-byte physical address
	want = append(want, 0x04)          // memory write size
	want = append(want, 0, 1, 2, 3)    // memory write content
	want = append(want, 0x00)          // register id 0
	want = append(want, 4, 5, 6, 7)    // register value

	assert.Equal(t, want, body)
}

// Scenario C: 18 consecutive register writes in one logical event split
// into a 14-write diff (high nibble 0xf) and a 4-write continuation diff
// (high nibble 4).
func TestEventsWriterScenarioCContinuation(t *testing.T) {
	var buf bytes.Buffer
	cw := sectionio.NewCountingWriter(&buf)
	desc := scenarioADescription()
	ew := newEventsWriter(cw, desc)

	ew.StartInstruction()
	for i := 0; i < 18; i++ {
		require.NoError(t, ew.WriteRegister(0, []byte("abcd")))
	}
	ew.FinishEvent()
	require.NoError(t, ew.Finish())

	raw := buf.Bytes()
	firstDiff := raw[16] // past the section size and the event count
	assert.Equal(t, byte(0xf0), firstDiff&0xf0, "first diff's high nibble must be 0xf (14 writes)")
	assert.Equal(t, byte(0x0), firstDiff&0x0f, "first diff has no memory writes")

	// Skip past the 14 register writes (1 id byte + 4 value bytes each).
	pos := 17 + 14*5
	secondDiff := raw[pos]
	assert.Equal(t, byte(0x40), secondDiff&0xf0, "continuation diff's high nibble must be 4 (4 writes)")
}
