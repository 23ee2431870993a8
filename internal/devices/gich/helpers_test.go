package gich

import (
	"sync"
	"testing"
)

// testIRQLine captures maintenance line level changes.
type testIRQLine struct {
	mu     sync.Mutex
	level  bool
	events []bool
}

func (t *testIRQLine) SetLevel(level bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.events) == 0 || t.level != level {
		t.events = append(t.events, level)
	}
	t.level = level
}

func (t *testIRQLine) PulseInterrupt() {
	t.SetLevel(true)
	t.SetLevel(false)
}

func (t *testIRQLine) Level() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.level
}

// testDeactivations records physical interrupts handed back for deactivation.
type testDeactivations struct {
	mu  sync.Mutex
	ids []uint32
}

func (t *testDeactivations) HandleEOI(id uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ids = append(t.ids, id)
}

func newTestGICH(t *testing.T, cfg Config) (*GICH, *testIRQLine) {
	t.Helper()
	line := &testIRQLine{}
	g, err := New(cfg, line)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return g, line
}

func mustWrite(t *testing.T, g *GICH, offset uint64, value uint32) {
	t.Helper()
	if err := g.HandleWrite(g.cfg.Base+offset, 4, value); err != nil {
		t.Fatalf("write 0x%03x: %v", offset, err)
	}
}

func mustRead(t *testing.T, g *GICH, offset uint64) uint32 {
	t.Helper()
	value, err := g.HandleRead(g.cfg.Base+offset, 4)
	if err != nil {
		t.Fatalf("read 0x%03x: %v", offset, err)
	}
	return value
}

func lrOffset(idx int) uint64 {
	return GICH_LR0 + uint64(idx)*4
}

// vmcrWithMask returns a VMCR value enabling both groups with the given
// priority mask.
func vmcrWithMask(mask uint32) uint32 {
	return mask<<VMCR_VPMR_SHIFT | VMCR_VENG0 | VMCR_VENG1
}
