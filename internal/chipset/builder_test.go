package chipset

import (
	"context"
	"errors"
	"slices"
	"strings"
	"testing"

	"github.com/tinyrange/gich/internal/hv"
)

type fakeDevice struct {
	regions []hv.MMIORegion
	polls   int
	reads   []uint64
}

func (d *fakeDevice) Init(hv.VirtualMachine) error { return nil }
func (d *fakeDevice) Start() error                 { return nil }
func (d *fakeDevice) Stop() error                  { return nil }
func (d *fakeDevice) Reset() error                 { return nil }

func (d *fakeDevice) SupportsMmio() *MmioIntercept {
	if len(d.regions) == 0 {
		return nil
	}
	return &MmioIntercept{Regions: d.regions, Handler: d}
}

func (d *fakeDevice) SupportsPollDevice() *PollDevice {
	return &PollDevice{Handler: d}
}

func (d *fakeDevice) ReadMMIO(addr uint64, data []byte) error {
	d.reads = append(d.reads, addr)
	return nil
}

func (d *fakeDevice) WriteMMIO(uint64, []byte) error { return nil }

func (d *fakeDevice) Poll(context.Context) error {
	d.polls++
	return nil
}

func TestRegisterDeviceRejectsOverlap(t *testing.T) {
	b := NewBuilder()
	first := &fakeDevice{regions: []hv.MMIORegion{{Address: 0x1000, Size: 0x1000}}}
	if err := b.RegisterDevice("first", first); err != nil {
		t.Fatalf("RegisterDevice(first): %v", err)
	}

	tests := []struct {
		name    string
		dev     ChipsetDevice
		wantErr string
	}{
		{"empty name", first, "name is empty"},
		{"first", &fakeDevice{}, "already registered"},
		{"overlap", &fakeDevice{regions: []hv.MMIORegion{{Address: 0x1800, Size: 0x1000}}}, "overlaps"},
		{"zero", &fakeDevice{regions: []hv.MMIORegion{{Address: 0x4000}}}, "zero size"},
		{"wrap", &fakeDevice{regions: []hv.MMIORegion{{Address: ^uint64(0) - 1, Size: 4}}}, "overflows"},
	}
	for _, tt := range tests {
		name := tt.name
		if name == "empty name" {
			name = ""
		}
		err := b.RegisterDevice(name, tt.dev)
		if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
			t.Errorf("RegisterDevice(%q): err = %v, want %q", name, err, tt.wantErr)
		}
	}

	err := b.RegisterDevice("again", &fakeDevice{regions: []hv.MMIORegion{{Address: 0x0800, Size: 0x1000}}})
	if !errors.Is(err, ErrRegionConflict) {
		t.Errorf("overlapping region: err = %v, want ErrRegionConflict", err)
	}
	if err := b.WithMmioRegion(0x5000, 0, first); !errors.Is(err, ErrInvalidRegion) {
		t.Errorf("empty region: err = %v, want ErrInvalidRegion", err)
	}

	adjacent := &fakeDevice{regions: []hv.MMIORegion{{Address: 0x2000, Size: 0x1000}}}
	if err := b.RegisterDevice("adjacent", adjacent); err != nil {
		t.Errorf("RegisterDevice(adjacent): %v", err)
	}
}

func TestBuildDispatchesAndPolls(t *testing.T) {
	b := NewBuilder()
	a := &fakeDevice{regions: []hv.MMIORegion{{Address: 0x1000, Size: 0x100}}}
	c := &fakeDevice{regions: []hv.MMIORegion{{Address: 0x2000, Size: 0x100}}}
	if err := b.RegisterDevice("a", a); err != nil {
		t.Fatal(err)
	}
	if err := b.RegisterDevice("c", c); err != nil {
		t.Fatal(err)
	}
	raw := &fakeDevice{}
	if err := b.WithMmioRegion(0x3000, 0x100, raw); err != nil {
		t.Fatalf("WithMmioRegion: %v", err)
	}
	if err := b.WithMmioRegion(0x30f0, 0x100, raw); err == nil {
		t.Errorf("overlapping WithMmioRegion succeeded")
	}
	cs, err := b.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	if err := cs.HandleMMIO(0x2010, make([]byte, 4), false); err != nil {
		t.Fatalf("HandleMMIO: %v", err)
	}
	if len(a.reads) != 0 || len(c.reads) != 1 || c.reads[0] != 0x2010 {
		t.Errorf("reads a=%v c=%v, want only c at 0x2010", a.reads, c.reads)
	}
	if err := cs.HandleMMIO(0x3004, make([]byte, 4), false); err != nil {
		t.Fatalf("HandleMMIO(raw region): %v", err)
	}
	if len(raw.reads) != 1 {
		t.Errorf("raw region reads = %v, want one", raw.reads)
	}
	// Accesses straddling the end of a region are not dispatched.
	if err := cs.HandleMMIO(0x10fe, make([]byte, 4), false); err == nil {
		t.Errorf("straddling access dispatched")
	}

	if err := cs.Poll(context.Background()); err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if a.polls != 1 || c.polls != 1 {
		t.Errorf("polls a=%d c=%d, want 1 each", a.polls, c.polls)
	}

	var owners []string
	for _, binding := range cs.Bindings() {
		owners = append(owners, binding.Owner)
	}
	if want := []string{"a", "c", ""}; !slices.Equal(owners, want) {
		t.Errorf("binding owners = %q, want %q", owners, want)
	}
}

func TestLineSetForwardsTransitions(t *testing.T) {
	var got []bool
	sink := sinkFunc(func(line uint8, level bool) {
		if line != 25 {
			t.Errorf("SetIRQ line = %d, want 25", line)
		}
		got = append(got, level)
	})
	ls := NewLineSet(sink)
	line := ls.AllocateLine(25)

	line.SetLevel(true)
	line.SetLevel(true)
	line.SetLevel(false)
	line.PulseInterrupt()

	want := []bool{true, false, true, false}
	if len(got) != len(want) {
		t.Fatalf("transitions = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("transitions = %v, want %v", got, want)
		}
	}
	if ls.Level(25) || ls.Level(26) {
		t.Errorf("lines left high")
	}
}

type sinkFunc func(line uint8, level bool)

func (f sinkFunc) SetIRQ(line uint8, level bool) { f(line, level) }
