package chipset

import (
	"errors"
	"fmt"
	"slices"

	"github.com/tinyrange/gich/internal/hv"
)

var (
	// ErrRegionConflict is returned when an MMIO region overlaps one that is
	// already registered.
	ErrRegionConflict = errors.New("chipset: MMIO region conflict")
	// ErrInvalidRegion is returned for empty or wrapping MMIO regions.
	ErrInvalidRegion = errors.New("chipset: invalid MMIO region")
)

// InterruptSink receives interrupt assertions for a given line.
type InterruptSink interface {
	SetIRQ(line uint8, level bool)
}

// Binding names the owner of one dispatched MMIO region. Owner is empty for
// regions registered with WithMmioRegion.
type Binding struct {
	Owner  string
	Region hv.MMIORegion
}

type mmioBinding struct {
	Binding
	handler MmioHandler
}

// ChipsetBuilder collects devices and the regions they serve before the
// dispatch tables are frozen by Build.
type ChipsetBuilder struct {
	devices map[string]ChipsetDevice
	mmio    []mmioBinding
	polls   []PollHandler
}

// NewBuilder returns an empty ChipsetBuilder.
func NewBuilder() *ChipsetBuilder {
	return &ChipsetBuilder{devices: make(map[string]ChipsetDevice)}
}

// RegisterDevice adds dev under name together with every intercept it
// declares. Nothing is registered if any of its regions is rejected.
func (b *ChipsetBuilder) RegisterDevice(name string, dev ChipsetDevice) error {
	switch {
	case name == "":
		return fmt.Errorf("chipset: device name is empty")
	case dev == nil:
		return fmt.Errorf("chipset: device %q is nil", name)
	}
	if _, exists := b.devices[name]; exists {
		return fmt.Errorf("chipset: device %q already registered", name)
	}

	var pending []mmioBinding
	if intercept := dev.SupportsMmio(); intercept != nil {
		if intercept.Handler == nil {
			return fmt.Errorf("chipset: device %q declares MMIO regions without a handler", name)
		}
		for _, region := range intercept.Regions {
			binding := mmioBinding{Binding: Binding{Owner: name, Region: region}, handler: intercept.Handler}
			if err := checkRegion(region, append(b.mmio, pending...)); err != nil {
				return fmt.Errorf("device %q: %w", name, err)
			}
			pending = append(pending, binding)
		}
	}

	var poll PollHandler
	if p := dev.SupportsPollDevice(); p != nil {
		if p.Handler == nil {
			return fmt.Errorf("chipset: device %q declares polling without a handler", name)
		}
		poll = p.Handler
	}

	b.mmio = append(b.mmio, pending...)
	if poll != nil {
		b.polls = append(b.polls, poll)
	}
	b.devices[name] = dev
	return nil
}

// WithMmioRegion registers a handler for a region that no chipset device owns.
func (b *ChipsetBuilder) WithMmioRegion(base, size uint64, handler MmioHandler) error {
	if handler == nil {
		return fmt.Errorf("chipset: nil handler for MMIO region 0x%x", base)
	}
	region := hv.MMIORegion{Address: base, Size: size}
	if err := checkRegion(region, b.mmio); err != nil {
		return err
	}
	b.mmio = append(b.mmio, mmioBinding{Binding: Binding{Region: region}, handler: handler})
	return nil
}

func checkRegion(region hv.MMIORegion, existing []mmioBinding) error {
	if region.Size == 0 {
		return fmt.Errorf("%w: zero size at 0x%x", ErrInvalidRegion, region.Address)
	}
	if region.Address+region.Size < region.Address {
		return fmt.Errorf("%w: 0x%x+0x%x overflows", ErrInvalidRegion, region.Address, region.Size)
	}
	for _, other := range existing {
		if regionsOverlap(region, other.Region) {
			return fmt.Errorf("%w: 0x%x-0x%x overlaps 0x%x-0x%x", ErrRegionConflict,
				region.Address, region.Address+region.Size-1,
				other.Region.Address, other.Region.Address+other.Region.Size-1)
		}
	}
	return nil
}

func regionsOverlap(a, b hv.MMIORegion) bool {
	return a.Address < b.Address+b.Size && b.Address < a.Address+a.Size
}

// Build freezes the registered devices into a Chipset. MMIO bindings are
// ordered by base address.
func (b *ChipsetBuilder) Build() (*Chipset, error) {
	if len(b.devices) == 0 && len(b.mmio) == 0 {
		return nil, fmt.Errorf("chipset: nothing registered")
	}

	cs := &Chipset{
		devices: make(map[string]ChipsetDevice, len(b.devices)),
		mmio:    slices.Clone(b.mmio),
		polls:   slices.Clone(b.polls),
	}
	for name, dev := range b.devices {
		cs.devices[name] = dev
	}
	slices.SortFunc(cs.mmio, func(x, y mmioBinding) int {
		switch {
		case x.Region.Address < y.Region.Address:
			return -1
		case x.Region.Address > y.Region.Address:
			return 1
		}
		return 0
	})
	return cs, nil
}

// Chipset dispatches guest accesses to the devices registered with a
// ChipsetBuilder.
type Chipset struct {
	devices map[string]ChipsetDevice
	mmio    []mmioBinding
	polls   []PollHandler
}

// Bindings returns the MMIO map in address order.
func (c *Chipset) Bindings() []Binding {
	out := make([]Binding, len(c.mmio))
	for i, m := range c.mmio {
		out[i] = m.Binding
	}
	return out
}
