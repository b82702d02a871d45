package main

import (
	"fmt"
	"io"

	"github.com/traceformat/bintrace/internal/machine"
	"github.com/traceformat/bintrace/pkg/trace"
)

// printer is a trace.EventHandler that renders each event's register and
// memory side effects to out, one line per event, grounded on the original
// implementation's TracePrinter (original_source/bin/cli_trace_reader).
type printer struct {
	out     io.Writer
	machine *machine.Description
	reader  *trace.Reader

	context map[machine.RegisterID][]byte
	touched []machine.RegisterID
	seen    map[machine.RegisterID]bool
}

func newPrinter(out io.Writer, r *trace.Reader) *printer {
	desc := r.Machine()
	context := make(map[machine.RegisterID][]byte, len(desc.Registers))
	for id, reg := range desc.Registers {
		context[id] = make([]byte, reg.Size)
	}
	for id, buf := range r.InitialRegisters().Pairs() {
		context[id] = buf
	}

	return &printer{
		out:     out,
		machine: desc,
		reader:  r,
		context: context,
		seen:    make(map[machine.RegisterID]bool),
	}
}

// printInitial prints the initial register context on one line, in the
// style of the original's --initial flag.
func (p *printer) printInitial() {
	for id, buf := range p.reader.InitialRegisters().Pairs() {
		fmt.Fprintf(p.out, "%s=%s ", p.machine.Registers[id].Name, formatValue(buf))
	}
	fmt.Fprintln(p.out)
}

func (p *printer) OnInstruction() {
	fmt.Fprintf(p.out, "#%d: ", p.reader.NextEventIndex())
}

func (p *printer) OnOther(description string) {
	fmt.Fprintf(p.out, "#%d Other event (%s): ", p.reader.NextEventIndex(), description)
}

func (p *printer) OnMemoryWrite(address uint64, data []byte) {
	if len(data) <= 8 {
		fmt.Fprintf(p.out, "0x%x=%s ", address, formatValue(data))
		return
	}
	for _, b := range data {
		fmt.Fprintf(p.out, "%02x ", b)
	}
}

func (p *printer) OnRegisterWrite(id machine.RegisterID, data []byte) {
	buf := make([]byte, len(data))
	copy(buf, data)
	p.context[id] = buf

	if !p.seen[id] {
		p.seen[id] = true
		p.touched = append(p.touched, id)
	}
}

// flushRegisters prints every register touched since the last flush, then
// resets for the next event, matching start_reading's per-event loop.
func (p *printer) flushRegisters() {
	for _, id := range p.touched {
		fmt.Fprintf(p.out, "%s=%s ", p.machine.Registers[id].Name, formatValue(p.context[id]))
	}
	fmt.Fprintln(p.out)

	p.touched = p.touched[:0]
	p.seen = make(map[machine.RegisterID]bool)
}

// formatValue renders a little-endian byte string as a big-endian hex
// value, matching the original's print_buffer_as_value.
func formatValue(buf []byte) string {
	s := "0x"
	for i := len(buf) - 1; i >= 0; i-- {
		s += fmt.Sprintf("%02x", buf[i])
	}
	return s
}
