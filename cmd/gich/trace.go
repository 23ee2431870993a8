package main

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/tinyrange/gich/internal/chipset"
	"github.com/tinyrange/gich/internal/devices/gich"
)

// Trace is a recorded sequence of hypervisor register accesses and guest
// interface events.
type Trace struct {
	Steps []Step `yaml:"steps"`
}

// Step is one trace entry. Offset is relative to the block base.
type Step struct {
	Op     string  `yaml:"op"`
	Offset uint64  `yaml:"offset,omitempty"`
	Width  int     `yaml:"width,omitempty"`
	Value  uint32  `yaml:"value,omitempty"`
	ID     uint32  `yaml:"id,omitempty"`
	Slot   int     `yaml:"slot,omitempty"`
	Expect *uint32 `yaml:"expect,omitempty"`
}

// Mismatch records a step whose observed value differs from the expected one.
type Mismatch struct {
	Index int
	Step  Step
	Got   uint32
}

func (m Mismatch) String() string {
	return fmt.Sprintf("step %d (%s 0x%03x): got %#x, want %#x", m.Index, m.Step.Op, m.Step.Offset, m.Got, *m.Step.Expect)
}

func parseTrace(data []byte) (*Trace, error) {
	var t Trace
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("parse trace: %w", err)
	}
	for i, s := range t.Steps {
		switch s.Op {
		case "read", "write", "ack", "eoi", "deactivate", "complete", "pending":
		default:
			return nil, fmt.Errorf("step %d: unknown op %q", i, s.Op)
		}
	}
	return &t, nil
}

func loadTrace(path string) (*Trace, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read trace: %w", err)
	}
	return parseTrace(data)
}

// machine is the device under test wired to a chipset the way a hypervisor
// would wire it.
type machine struct {
	cs    *chipset.Chipset
	dev   *gich.GICH
	lines *chipset.LineSet

	waiting bool

	// watched holds the physical INTIDs with a deactivation callback;
	// deactivated lists their deactivations in order.
	watched     map[uint32]bool
	deactivated []uint32
}

func newMachine(cfg gich.Config, sink chipset.InterruptSink) (*machine, error) {
	m := &machine{lines: chipset.NewLineSet(sink), watched: make(map[uint32]bool)}

	dev, err := gich.New(cfg, nil)
	if err != nil {
		return nil, err
	}
	dev.SetIRQLine(m.lines.AllocateLine(dev.Config().MaintenanceIRQ))
	dev.SetDeactivationTarget(m.lines)
	dev.SetPendingSource(gich.PendingSourceFunc(func() bool { return m.waiting }))
	m.dev = dev

	b := chipset.NewBuilder()
	if err := b.RegisterDevice(string(dev.Type()), dev); err != nil {
		return nil, err
	}
	cs, err := b.Build()
	if err != nil {
		return nil, err
	}
	m.cs = cs
	return m, nil
}

// step applies s and returns the value it observed, if any.
func (m *machine) step(ctx context.Context, s Step) (uint32, bool, error) {
	switch s.Op {
	case "read":
		data := make([]byte, width(s))
		if err := m.cs.HandleMMIO(m.dev.Config().Base+s.Offset, data, false); err != nil {
			return 0, false, err
		}
		return decode(data), true, nil
	case "write":
		data := make([]byte, width(s))
		encode(data, s.Value)
		if err := m.cs.HandleMMIO(m.dev.Config().Base+s.Offset, data, true); err != nil {
			return 0, false, err
		}
		m.watchListRegister(s.Offset)
	case "ack":
		return m.dev.Acknowledge(), true, nil
	case "eoi":
		m.dev.EndOfInterrupt(s.ID)
	case "deactivate":
		m.dev.Deactivate(s.ID)
	case "complete":
		m.dev.CompleteDeactivation(s.Slot)
	case "pending":
		// Arbitration changes reach the device on the next poll.
		m.waiting = s.Value != 0
		return 0, false, m.cs.Poll(ctx)
	default:
		return 0, false, fmt.Errorf("unknown op %q", s.Op)
	}
	return 0, false, nil
}

// watchListRegister registers a deactivation callback for the physical
// interrupt behind the list register at offset, if it holds a hardware
// interrupt not seen before.
func (m *machine) watchListRegister(offset uint64) {
	offset &= gich.BlockSize - 1
	if offset < gich.GICH_LR0 || offset >= gich.GICH_LR0+gich.MaxListRegisters*4 {
		return
	}
	v := m.dev.ReadListRegister(int(offset-gich.GICH_LR0) / 4)
	if !v.HardwareBacked || m.watched[uint32(v.PhysicalID)] {
		return
	}
	id := uint32(v.PhysicalID)
	m.watched[id] = true
	m.lines.RegisterEOICallback(id, func() {
		slog.Debug("physical interrupt deactivated", "pintid", id)
		m.deactivated = append(m.deactivated, id)
	})
}

// replay runs every step of t, calling progress after each one.
func (m *machine) replay(ctx context.Context, t *Trace, progress func()) ([]Mismatch, error) {
	var mismatches []Mismatch
	for i, s := range t.Steps {
		got, observed, err := m.step(ctx, s)
		if err != nil {
			return mismatches, fmt.Errorf("step %d (%s): %w", i, s.Op, err)
		}
		if observed && s.Expect != nil && got != *s.Expect {
			mismatches = append(mismatches, Mismatch{Index: i, Step: s, Got: got})
		}
		if progress != nil {
			progress()
		}
	}
	return mismatches, nil
}

func width(s Step) int {
	if s.Width == 0 {
		return 4
	}
	return s.Width
}

func decode(data []byte) uint32 {
	switch len(data) {
	case 1:
		return uint32(data[0])
	case 2:
		return uint32(binary.LittleEndian.Uint16(data))
	case 4:
		return binary.LittleEndian.Uint32(data)
	}
	return 0
}

func encode(data []byte, value uint32) {
	switch len(data) {
	case 1:
		data[0] = byte(value)
	case 2:
		binary.LittleEndian.PutUint16(data, uint16(value))
	case 4:
		binary.LittleEndian.PutUint32(data, value)
	}
}
