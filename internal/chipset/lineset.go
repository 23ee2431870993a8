package chipset

import "sync"

// LineSet manages interrupt lines and deactivation callbacks for the
// physical interrupts a hypervisor forwards to its guests.
type LineSet struct {
	mu sync.Mutex

	sink InterruptSink

	lines map[uint8]*lineState
	eoi   map[uint32][]func()
}

// NewLineSet builds a LineSet that forwards assertions to the provided sink.
func NewLineSet(sink InterruptSink) *LineSet {
	if sink == nil {
		sink = noopInterruptSink{}
	}
	return &LineSet{
		sink:  sink,
		lines: make(map[uint8]*lineState),
		eoi:   make(map[uint32][]func()),
	}
}

// AllocateLine returns a LineInterrupt handle for the given IRQ line.
func (l *LineSet) AllocateLine(irq uint8) LineInterrupt {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.lines[irq]; !ok {
		l.lines[irq] = &lineState{}
	}
	return &lineHandle{owner: l, irq: irq}
}

// Level returns the last level driven on the given line.
func (l *LineSet) Level(irq uint8) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if state, ok := l.lines[irq]; ok {
		return state.level
	}
	return false
}

// RegisterEOICallback registers a callback for the given physical interrupt.
// The callback is invoked when HandleEOI is called with the same ID.
func (l *LineSet) RegisterEOICallback(id uint32, fn func()) {
	if fn == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.eoi[id] = append(l.eoi[id], fn)
}

// HandleEOI notifies listeners that the physical interrupt id was deactivated.
func (l *LineSet) HandleEOI(id uint32) {
	l.mu.Lock()
	callbacks := append([]func(){}, l.eoi[id]...)
	l.mu.Unlock()
	for _, fn := range callbacks {
		fn()
	}
}

// EOITarget is the minimal interface for receivers of physical deactivations.
type EOITarget interface {
	HandleEOI(uint32)
}

type lineState struct {
	level bool
}

type lineHandle struct {
	owner *LineSet
	irq   uint8
}

func (h *lineHandle) SetLevel(high bool) {
	h.owner.setLevel(h.irq, high)
}

func (h *lineHandle) PulseInterrupt() {
	h.owner.pulse(h.irq)
}

func (l *LineSet) setLevel(irq uint8, high bool) {
	l.mu.Lock()
	state := l.lines[irq]
	if state == nil {
		state = &lineState{}
		l.lines[irq] = state
	}
	changed := state.level != high
	state.level = high
	l.mu.Unlock()

	if changed {
		l.sink.SetIRQ(irq, high)
	}
}

func (l *LineSet) pulse(irq uint8) {
	l.sink.SetIRQ(irq, true)
	l.sink.SetIRQ(irq, false)
}

type noopInterruptSink struct{}

func (noopInterruptSink) SetIRQ(uint8, bool) {}

var _ EOITarget = (*LineSet)(nil)
