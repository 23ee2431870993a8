package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/google/go-cmp/cmp"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"

	"github.com/tinyrange/gich/internal/devices/gich"
	"github.com/tinyrange/gich/internal/hv"
)

var errMismatch = errors.New("trace replay mismatch")

// logSink reports maintenance interrupt transitions.
type logSink struct{}

func (logSink) SetIRQ(line uint8, level bool) {
	slog.Debug("maintenance interrupt", "irq", line, "level", level)
}

func run() error {
	configPath := flag.String("config", "", "YAML file describing the register block")
	verbose := flag.Bool("v", false, "enable debug logging")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `gich - GICv2 virtual interface control block

USAGE:
  gich [flags] <command> [args]

COMMANDS:
  dump                 Print every implemented register after reset
  replay TRACE         Apply a YAML trace of register accesses and guest events,
                       checking each read against its expected value
  snapshot OUT [TRACE] Replay TRACE if given, save a snapshot to OUT, restore it
                       into a fresh block and verify the register images match

FLAGS:
  -config FILE   Block configuration (base, listRegisters, priorityBits,
                 preemptionBits, underflowMark, legacySubwordWrites, maintenanceIRQ)
  -v             Log register diagnostics and maintenance line changes

TRACE FORMAT:
  steps:
    - {op: write, offset: 0x008, value: 0xff000003}
    - {op: read, offset: 0x004, expect: 0x90000003}
    - {op: write, offset: 0x100, value: 0x50000028}
    - {op: ack, expect: 40}
    - {op: eoi, id: 40}
    - {op: read, offset: 0x0f1, width: 2, expect: 0}

  Ops: read, write (offset, width 1/2/4, value), ack, eoi and deactivate (id),
  complete (slot), pending (value 0/1 sets the arbitration input).
`)
	}
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	if flag.NArg() < 1 {
		flag.Usage()
		os.Exit(1)
	}

	cfg := gich.DefaultConfig()
	if *configPath != "" {
		var err error
		cfg, err = gich.LoadConfig(*configPath)
		if err != nil {
			return err
		}
	}

	m, err := newMachine(cfg, logSink{})
	if err != nil {
		return fmt.Errorf("create device: %w", err)
	}
	if err := m.cs.Init(hv.SimpleVirtualMachine{Arch: hv.ArchitectureARM64}); err != nil {
		return err
	}
	if err := m.cs.Start(); err != nil {
		return err
	}
	defer m.cs.Stop()

	ctx := context.Background()

	switch cmd := flag.Arg(0); cmd {
	case "dump":
		return dump(m)
	case "replay":
		if flag.NArg() != 2 {
			flag.Usage()
			os.Exit(1)
		}
		trace, err := loadTrace(flag.Arg(1))
		if err != nil {
			return err
		}
		if err := replay(ctx, m, trace, filepath.Base(flag.Arg(1))); err != nil {
			return err
		}
		return dump(m)
	case "snapshot":
		if flag.NArg() < 2 || flag.NArg() > 3 {
			flag.Usage()
			os.Exit(1)
		}
		if flag.NArg() == 3 {
			trace, err := loadTrace(flag.Arg(2))
			if err != nil {
				return err
			}
			if err := replay(ctx, m, trace, filepath.Base(flag.Arg(2))); err != nil {
				return err
			}
		}
		return snapshotRoundTrip(cfg, m.dev, flag.Arg(1))
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func replay(ctx context.Context, m *machine, trace *Trace, title string) error {
	var progress func()
	if term.IsTerminal(int(os.Stderr.Fd())) {
		pb := progressbar.Default(int64(len(trace.Steps)), title)
		defer pb.Close()
		progress = func() { pb.Add(1) }
	}

	mismatches, err := m.replay(ctx, trace, progress)
	if err != nil {
		return err
	}
	for _, mm := range mismatches {
		fmt.Fprintln(os.Stderr, mm)
	}
	if len(mismatches) > 0 {
		return fmt.Errorf("%d of %d steps: %w", len(mismatches), len(trace.Steps), errMismatch)
	}
	slog.Info("trace replayed", "steps", len(trace.Steps), "deactivated", m.deactivated)
	return nil
}

func dump(m *machine) error {
	for _, b := range m.cs.Bindings() {
		fmt.Printf("%s: 0x%08x-0x%08x\n", b.Owner, b.Region.Address, b.Region.Address+b.Region.Size-1)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "REGISTER\tOFFSET\tACCESS\tVALUE")
	for _, r := range m.dev.Registers() {
		fmt.Fprintf(w, "%s\t0x%03x\t%s\t0x%08x\n", r.Name, r.Offset, r.Access, r.Value)
	}
	return w.Flush()
}

func snapshotRoundTrip(cfg gich.Config, dev *gich.GICH, out string) error {
	if err := dev.SaveSnapshotFile(out); err != nil {
		return err
	}

	fresh, err := gich.New(cfg, nil)
	if err != nil {
		return err
	}
	if err := fresh.LoadSnapshotFile(out); err != nil {
		return err
	}
	if diff := cmp.Diff(dev.Registers(), fresh.Registers()); diff != "" {
		return fmt.Errorf("restored registers differ (-saved +restored):\n%s", diff)
	}
	slog.Info("snapshot verified", "path", out, "config", dev.ConfigHash().String()[:16])
	return nil
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "gich: %v\n", err)
		os.Exit(1)
	}
}
