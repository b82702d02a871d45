// Command tracedump is an example trace-file reader driver: it prints a
// trace's machine description (--info) and streams its events to stdout,
// grounded on original_source/bin/cli_trace_reader's TracePrinter. It is
// not part of the core codec (spec §6).
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"charm.land/lipgloss/v2"
	"github.com/getsentry/sentry-go"
	"github.com/spf13/afero"

	"github.com/traceformat/bintrace/internal/observability"
	"github.com/traceformat/bintrace/internal/observability/wberrors"
	"github.com/traceformat/bintrace/internal/sentry_ext"
	"github.com/traceformat/bintrace/pkg/trace"
)

// styles returns the label/panel styles for --info output. With color
// disabled, both styles still apply layout (bold, padding) but drop color
// and the border so output stays readable when piped or redirected.
func styles(color bool) (label, panel lipgloss.Style) {
	if !color {
		return lipgloss.NewStyle().Bold(true), lipgloss.NewStyle().Padding(0, 1)
	}
	return lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12")),
		lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("238")).
			Padding(0, 1)
}

func main() {
	os.Exit(run())
}

func run() int {
	infoFlag := flag.Bool("info", false, "print trace metadata and machine description, then exit")
	initialFlag := flag.Bool("initial", false, "print the initial register context before streaming events")
	colorFlag := flag.Bool("color", false, "use colored, bordered --info output instead of plain text")
	configFlag := flag.String("config", defaultConfigPath(), "path to a display-defaults config file")
	flag.Parse()

	if flag.NArg() != 1 {
		fmt.Fprintf(os.Stderr, "usage: %s [--info] [--initial] [--color] <trace-file>\n", os.Args[0])
		return 1
	}
	path := flag.Arg(0)

	fs := afero.NewOsFs()
	cfg, err := loadConfig(fs, *configFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "tracedump: reading config: %v\n", err)
		return 1
	}
	showInitial, useColor := cfg.Initial, cfg.Color
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "initial":
			showInitial = *initialFlag
		case "color":
			useColor = *colorFlag
		}
	})

	enableErrorReporting, _ := strconv.ParseBool(os.Getenv("TRACEDUMP_ERROR_REPORTING"))
	var sentryClient *sentry_ext.Client
	if enableErrorReporting {
		sentryClient = sentry_ext.New(sentry_ext.Params{
			DSN:              os.Getenv("TRACEDUMP_SENTRY_DSN"),
			AttachStacktrace: true,
		})
	}

	var sentryHub *sentry.Hub
	if sentryClient != nil {
		sentryHub = sentry.CurrentHub()
		defer sentryClient.Flush(2 * time.Second)
	}
	logger := observability.NewCoreLogger(slog.New(slog.NewJSONHandler(os.Stderr, nil)), sentryHub)

	observability.SetActiveSourcePath(path)

	f, err := fs.Open(path)
	if err != nil {
		logger.CaptureError(wberrors.Bubblef(err, "tracedump: opening %s", path))
		return 1
	}
	defer f.Close()

	reader, err := trace.Open(f)
	if err != nil {
		logger.CaptureError(wberrors.Bubblef(err, "tracedump: opening trace").Section("header", 0))
		return 1
	}

	if *infoFlag {
		printInfo(os.Stdout, reader, useColor)
		return 0
	}

	p := newPrinter(os.Stdout, reader)
	if showInitial {
		p.printInitial()
	}

	for {
		ok, err := reader.ReadNextEvent(p)
		if err != nil {
			offset, _ := reader.StreamPos()
			logger.CaptureError(wberrors.Bubblef(err, "tracedump: reading event").Section("events", offset))
			return 1
		}
		if !ok {
			break
		}
		p.flushRegisters()
	}

	return 0
}

func printInfo(out *os.File, r *trace.Reader, color bool) {
	desc := r.Machine()
	labelStyle, panelStyle := styles(color)

	var body string
	body += labelStyle.Render("version") + ": " + r.Metadata().FormatVersion + "\n"
	body += labelStyle.Render("architecture") + ": " + desc.Architecture.String() + "\n"
	body += labelStyle.Render("event count") + ": " + fmt.Sprint(r.EventCount()) + "\n"
	body += labelStyle.Render("pointer size") + ": " + fmt.Sprintf("%d bytes", desc.PhysicalAddressSize) + "\n"

	var total uint64
	for _, region := range desc.MemoryRegions {
		total += region.Size
	}
	body += labelStyle.Render("memory size") + ": " + fmt.Sprintf("%.2f MiB\n", float64(total)/(1024*1024))
	for _, region := range desc.MemoryRegions {
		body += fmt.Sprintf("  region 0x%x - 0x%x\n", region.Start, region.Start+region.Size)
	}

	body += labelStyle.Render("static registers") + ":\n"
	for name, value := range desc.StaticRegisters {
		body += fmt.Sprintf("  %s: %s\n", name, formatValue(value))
	}

	fmt.Fprintln(out, panelStyle.Render(body))
}
