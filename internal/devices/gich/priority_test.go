package gich

import (
	"slices"
	"testing"
)

func TestHighestPriorityEligible(t *testing.T) {
	tests := []struct {
		name    string
		vmcr    uint32
		lrs     []VirtualInterrupt
		want    int
		wantErr bool
	}{
		{
			name: "lower value wins",
			vmcr: vmcrWithMask(0xff),
			lrs: []VirtualInterrupt{
				{VirtualID: 1, Priority: 0x08, Group: Group1, State: StatePending},
				{VirtualID: 2, Priority: 0x04, Group: Group1, State: StatePending},
			},
			want: 1,
		},
		{
			name: "ties break by index",
			vmcr: vmcrWithMask(0xff),
			lrs: []VirtualInterrupt{
				{},
				{VirtualID: 3, Priority: 0x04, Group: Group0, State: StateActiveAndPending},
				{VirtualID: 4, Priority: 0x04, Group: Group1, State: StatePending},
			},
			want: 1,
		},
		{
			name: "active only is not eligible",
			vmcr: vmcrWithMask(0xff),
			lrs: []VirtualInterrupt{
				{VirtualID: 5, Priority: 0x00, Group: Group1, State: StateActive},
				{VirtualID: 6, Priority: 0x10, Group: Group1, State: StatePending},
			},
			want: 1,
		},
		{
			name: "priority mask excludes equal priority",
			vmcr: vmcrWithMask(0x40),
			lrs: []VirtualInterrupt{
				{VirtualID: 7, Priority: 0x08, Group: Group1, State: StatePending},
			},
			wantErr: true,
		},
		{
			name: "priority mask admits higher priority",
			vmcr: vmcrWithMask(0x40),
			lrs: []VirtualInterrupt{
				{VirtualID: 7, Priority: 0x08, Group: Group1, State: StatePending},
				{VirtualID: 8, Priority: 0x07, Group: Group1, State: StatePending},
			},
			want: 1,
		},
		{
			name: "disabled group skipped",
			vmcr: 0xff<<VMCR_VPMR_SHIFT | VMCR_VENG1,
			lrs: []VirtualInterrupt{
				{VirtualID: 9, Priority: 0x00, Group: Group0, State: StatePending},
				{VirtualID: 10, Priority: 0x1f, Group: Group1, State: StatePending},
			},
			want: 1,
		},
		{
			name:    "nothing pending",
			vmcr:    vmcrWithMask(0xff),
			lrs:     make([]VirtualInterrupt, 4),
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := highestPriorityEligible(tt.lrs, tt.vmcr)
			if ok == tt.wantErr {
				t.Fatalf("highestPriorityEligible ok = %v, want %v", ok, !tt.wantErr)
			}
			if ok && got != tt.want {
				t.Errorf("highestPriorityEligible = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestGroupPriority(t *testing.T) {
	tests := []struct {
		name     string
		priority uint32
		group    Group
		vmcr     uint32
		want     uint32
	}{
		{"group0 minimum binary point", 0xff, Group0, 0, 0xfe},
		{"group1 minimum binary point", 0xff, Group1, 0, 0xff},
		{"group0 bpr 2", 0xff, Group0, 2 << VMCR_VBPR0_SHIFT, 0xf8},
		{"group1 bpr 3", 0xff, Group1, 3 << VMCR_VBPR1_SHIFT, 0xf8},
		{"group1 common bpr", 0xff, Group1, 2<<VMCR_VBPR0_SHIFT | 6<<VMCR_VBPR1_SHIFT | VMCR_VCBPR, 0xf8},
		{"bpr 7 has no preemption", 0xa0, Group0, 7 << VMCR_VBPR0_SHIFT, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := groupPriority(tt.priority, tt.group, tt.vmcr); got != tt.want {
				t.Errorf("groupPriority(%#x) = %#x, want %#x", tt.priority, got, tt.want)
			}
		})
	}
}

func TestAcknowledgeNesting(t *testing.T) {
	g, _ := newTestGICH(t, Config{})
	mustWrite(t, g, GICH_VMCR, vmcrWithMask(0xff))

	if got := g.Acknowledge(); got != SpuriousID {
		t.Fatalf("Acknowledge on empty file = %d, want spurious", got)
	}

	g.WriteListRegister(0, VirtualInterrupt{VirtualID: 40, Priority: 0x04, Group: Group1, State: StatePending})
	if got := g.Acknowledge(); got != 40 {
		t.Fatalf("Acknowledge = %d, want 40", got)
	}
	if got := g.ReadListRegister(0).State; got != StateActive {
		t.Errorf("LR0 state = %s, want active", got)
	}
	if got := mustRead(t, g, GICH_APR0); got != 0x10 {
		t.Errorf("APR0 = %#x, want 0x10", got)
	}
	if got := g.RunningPriority(); got != 0x20 {
		t.Errorf("running priority = %#x, want 0x20", got)
	}

	// A lower priority interrupt cannot preempt.
	g.WriteListRegister(1, VirtualInterrupt{VirtualID: 41, Priority: 0x06, Group: Group1, State: StatePending})
	if got := g.Acknowledge(); got != SpuriousID {
		t.Errorf("Acknowledge below running priority = %d, want spurious", got)
	}

	g.WriteListRegister(2, VirtualInterrupt{VirtualID: 42, Priority: 0x02, Group: Group1, State: StatePending})
	if got := g.Acknowledge(); got != 42 {
		t.Fatalf("nested Acknowledge = %d, want 42", got)
	}
	if got := mustRead(t, g, GICH_APR0); got != 0x14 {
		t.Errorf("APR0 = %#x, want 0x14", got)
	}

	g.EndOfInterrupt(42)
	if got := mustRead(t, g, GICH_APR0); got != 0x10 {
		t.Errorf("APR0 after first EOI = %#x, want 0x10", got)
	}
	if got := g.ReadListRegister(2).State; got != StateInactive {
		t.Errorf("LR2 state = %s, want inactive", got)
	}

	g.EndOfInterrupt(40)
	if got := mustRead(t, g, GICH_APR0); got != 0 {
		t.Errorf("APR0 after second EOI = %#x, want 0", got)
	}
	if got := g.RunningPriority(); got != idlePriority {
		t.Errorf("running priority = %#x, want idle", got)
	}

	if got := g.Acknowledge(); got != 41 {
		t.Errorf("Acknowledge after EOI = %d, want 41", got)
	}
}

func TestSplitPriorityDropAndDeactivation(t *testing.T) {
	g, _ := newTestGICH(t, Config{})
	mustWrite(t, g, GICH_VMCR, vmcrWithMask(0xff)|VMCR_VEOIM)

	g.WriteListRegister(0, VirtualInterrupt{VirtualID: 33, Priority: 0x04, Group: Group1, State: StatePending})
	if got := g.Acknowledge(); got != 33 {
		t.Fatalf("Acknowledge = %d, want 33", got)
	}

	g.EndOfInterrupt(33)
	if got := mustRead(t, g, GICH_APR0); got != 0 {
		t.Errorf("APR0 after priority drop = %#x, want 0", got)
	}
	if got := g.ReadListRegister(0).State; got != StateActive {
		t.Errorf("LR0 state after priority drop = %s, want active", got)
	}

	// Pending again while still active: acknowledge takes it to active.
	g.WriteListRegister(0, VirtualInterrupt{VirtualID: 33, Priority: 0x04, Group: Group1, State: StateActiveAndPending})
	mustWrite(t, g, GICH_APR0, 0)
	if got := g.Acknowledge(); got != 33 {
		t.Fatalf("Acknowledge of active+pending = %d, want 33", got)
	}
	if got := g.ReadListRegister(0).State; got != StateActive {
		t.Errorf("LR0 state = %s, want active", got)
	}

	g.EndOfInterrupt(33)
	g.Deactivate(33)
	if got := g.ReadListRegister(0).State; got != StateInactive {
		t.Errorf("LR0 state after deactivation = %s, want inactive", got)
	}
	if eoiCount(mustRead(t, g, GICH_HCR)) != 0 {
		t.Errorf("EOICount incremented for a matched deactivation")
	}
}

func TestDeactivateActiveAndPending(t *testing.T) {
	g, _ := newTestGICH(t, Config{})
	g.WriteListRegister(1, VirtualInterrupt{VirtualID: 50, Priority: 0x01, State: StateActiveAndPending})

	g.Deactivate(50)
	if got := g.ReadListRegister(1).State; got != StatePending {
		t.Errorf("LR1 state = %s, want pending", got)
	}
}

func TestUnmatchedEOICounts(t *testing.T) {
	g, _ := newTestGICH(t, Config{})
	mustWrite(t, g, GICH_HCR, HCR_EN)
	g.WriteListRegister(0, VirtualInterrupt{VirtualID: 60, State: StatePending})

	// Pending is not active, so this does not match either.
	g.EndOfInterrupt(60)
	g.Deactivate(61)
	if got := eoiCount(mustRead(t, g, GICH_HCR)); got != 2 {
		t.Fatalf("EOICount = %d, want 2", got)
	}

	for i := 0; i < 40; i++ {
		g.Deactivate(1000)
	}
	if got := mustRead(t, g, GICH_HCR); got != 0xf8000000|HCR_EN {
		t.Errorf("HCR = %#08x, want EOICount saturated at 31", got)
	}

	// The hypervisor resets the count.
	mustWrite(t, g, GICH_HCR, HCR_EN)
	if got := eoiCount(mustRead(t, g, GICH_HCR)); got != 0 {
		t.Errorf("EOICount after write = %d, want 0", got)
	}
}

func TestHardwareInterruptDeactivation(t *testing.T) {
	g, line := newTestGICH(t, Config{})
	var phys testDeactivations
	g.SetDeactivationTarget(&phys)
	mustWrite(t, g, GICH_VMCR, vmcrWithMask(0xff))
	mustWrite(t, g, GICH_HCR, HCR_EN)

	hw := VirtualInterrupt{VirtualID: 40, PhysicalID: 72, HardwareBacked: true, Priority: 0x0a, Group: Group1, State: StatePending}
	g.WriteListRegister(3, hw)
	if got := g.Acknowledge(); got != 40 {
		t.Fatalf("Acknowledge = %d, want 40", got)
	}
	g.EndOfInterrupt(40)

	if got := mustRead(t, g, GICH_EISR0); got != 1<<3 {
		t.Errorf("EISR0 = %#x, want 0x8", got)
	}
	if got := mustRead(t, g, GICH_MISR); got != MISR_EOI {
		t.Errorf("MISR = %#x, want EOI", got)
	}
	if !line.Level() {
		t.Errorf("maintenance line low with an outstanding EOI")
	}
	if !slices.Equal(phys.ids, []uint32{72}) {
		t.Errorf("physical deactivations = %v, want [72]", phys.ids)
	}

	// An identical rewrite keeps the EOI outstanding.
	inactive := hw
	inactive.State = StateInactive
	g.WriteListRegister(3, inactive)
	if got := g.Status().EOI; got != 1<<3 {
		t.Errorf("EISR0 after identical write = %#x, want 0x8", got)
	}

	g.CompleteDeactivation(3)
	if got := g.Status(); got.EOI != 0 || got.Asserted {
		t.Errorf("status after completion = %+v, want EOI clear and line low", got)
	}
	g.CompleteDeactivation(17)
}

func TestListRegisterRewriteClearsEOI(t *testing.T) {
	g, _ := newTestGICH(t, Config{})
	g.WriteListRegister(0, VirtualInterrupt{VirtualID: 90, PhysicalID: 91, HardwareBacked: true, State: StateActive})
	g.Deactivate(90)
	if got := g.Status().EOI; got != 1 {
		t.Fatalf("EISR0 = %#x, want 1", got)
	}

	g.WriteListRegister(0, VirtualInterrupt{VirtualID: 92, State: StatePending})
	if got := g.Status().EOI; got != 0 {
		t.Errorf("EISR0 after rewrite = %#x, want 0", got)
	}
}

func TestSharedPriorityLevelRelease(t *testing.T) {
	g, _ := newTestGICH(t, Config{})
	a := VirtualInterrupt{VirtualID: 10, Priority: 0x03, Group: Group1, State: StateActive}
	b := VirtualInterrupt{VirtualID: 11, Priority: 0x03, Group: Group1, State: StateActive}
	g.WriteListRegister(0, a)
	g.WriteListRegister(1, b)
	if got := mustRead(t, g, GICH_APR0); got != 1<<3 {
		t.Fatalf("APR0 = %#x, want 0x8", got)
	}

	g.WriteListRegister(0, VirtualInterrupt{})
	if got := mustRead(t, g, GICH_APR0); got != 1<<3 {
		t.Errorf("APR0 with one holder left = %#x, want 0x8", got)
	}
	g.WriteListRegister(1, VirtualInterrupt{})
	if got := mustRead(t, g, GICH_APR0); got != 0 {
		t.Errorf("APR0 with no holders = %#x, want 0", got)
	}
}

func TestWithdrawAfterBinaryPointChange(t *testing.T) {
	g, _ := newTestGICH(t, Config{})
	mustWrite(t, g, GICH_VMCR, vmcrWithMask(0xff))

	g.WriteListRegister(0, VirtualInterrupt{VirtualID: 5, Priority: 0x11, Group: Group0, State: StateActive})
	if got := mustRead(t, g, GICH_APR0); got != 1<<17 {
		t.Fatalf("APR0 = %#x, want 0x20000", got)
	}
	if got := g.RunningPriority(); got != 0x88 {
		t.Fatalf("running priority = %#x, want 0x88", got)
	}

	// A coarser binary point would map the slot to level 16 if recomputed.
	mustWrite(t, g, GICH_VMCR, vmcrWithMask(0xff)|4<<VMCR_VBPR0_SHIFT)
	mustWrite(t, g, lrOffset(0), 0)
	if got := mustRead(t, g, GICH_APR0); got != 0 {
		t.Errorf("APR0 after withdrawal = %#x, want 0", got)
	}
	if got := g.RunningPriority(); got != idlePriority {
		t.Errorf("running priority after withdrawal = %#x, want idle", got)
	}

	g.WriteListRegister(1, VirtualInterrupt{VirtualID: 6, Priority: 0x1e, Group: Group0, State: StatePending})
	if got := g.Acknowledge(); got != 6 {
		t.Errorf("Acknowledge after withdrawal = %d, want 6", got)
	}
}

func TestSharedLevelRecordedUnderDifferentBinaryPoints(t *testing.T) {
	g, _ := newTestGICH(t, Config{})
	mustWrite(t, g, GICH_VMCR, vmcrWithMask(0xff))
	g.WriteListRegister(0, VirtualInterrupt{VirtualID: 7, Priority: 0x10, Group: Group0, State: StateActive})

	// Slot 1 is activated at level 16 under the coarser binary point, the
	// same level slot 0 recorded under the fine one.
	mustWrite(t, g, GICH_VMCR, vmcrWithMask(0xff)|4<<VMCR_VBPR0_SHIFT)
	g.WriteListRegister(1, VirtualInterrupt{VirtualID: 8, Priority: 0x11, Group: Group0, State: StateActive})

	g.WriteListRegister(0, VirtualInterrupt{})
	if got := mustRead(t, g, GICH_APR0); got != 1<<16 {
		t.Errorf("APR0 with slot 1 still active = %#x, want 0x10000", got)
	}
	g.WriteListRegister(1, VirtualInterrupt{})
	if got := mustRead(t, g, GICH_APR0); got != 0 {
		t.Errorf("APR0 with no active slots = %#x, want 0", got)
	}
}

func TestActivePriorityLevels(t *testing.T) {
	a := newActivePriorities(7, 7)
	if a.words != 4 {
		t.Fatalf("words = %d, want 4", a.words)
	}
	a.record(a.levelOf(0xfe))
	a.record(a.levelOf(0x40))
	if got := a.word(3); got != 1<<31 {
		t.Errorf("APR3 = %#x, want bit 31", got)
	}
	if got := a.running(); got != 0x40 {
		t.Errorf("running = %#x, want 0x40", got)
	}
	if level, ok := a.drop(); !ok || level != 0x20 {
		t.Errorf("drop = %d, %v; want 32, true", level, ok)
	}
	if got := a.snapshot(); !slices.Equal(got, []uint32{0, 0, 0, 1 << 31}) {
		t.Errorf("snapshot = %#x", got)
	}

	b := newActivePriorities(5, 3)
	if got := b.levelOf(0xe0); got != 7 {
		t.Errorf("levelOf(0xe0) with 3 preemption bits = %d, want 7", got)
	}
	b.record(7)
	if got := b.running(); got != 0xe0 {
		t.Errorf("running = %#x, want 0xe0", got)
	}
}
