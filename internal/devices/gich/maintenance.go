package gich

// MaintenanceStatus is derived from the list registers and control registers
// each time it is needed; it is never stored.
type MaintenanceStatus struct {
	EOI     uint32 // GICH_EISR0: slots with an outstanding hardware EOI
	Empty   uint32 // GICH_ELRSR0: implemented slots holding no interrupt
	Summary uint32 // GICH_MISR: enabled, asserted maintenance conditions

	// Asserted is the level of the maintenance interrupt line.
	Asserted bool
}

// state is the mutable content of one register block.
type state struct {
	hcr  uint32
	vmcr uint32
	lrs  []VirtualInterrupt

	// activeLevel holds, per slot, the preemption level recorded when the
	// slot became active. It is only meaningful while the slot is active.
	activeLevel []uint32

	// eoi holds one bit per slot whose hardware-backed interrupt was
	// deactivated by the guest and not yet completed by the hypervisor.
	eoi uint32

	active activePriorities
}

// deriveStatus computes the maintenance registers from s. pendingWithoutSlot
// is the arbitration input: an interrupt is waiting for a list register.
func deriveStatus(s *state, underflowMark int, pendingWithoutSlot bool) MaintenanceStatus {
	var st MaintenanceStatus

	valid := 0
	anyPending := false
	for i, v := range s.lrs {
		if v.State == StateInactive {
			st.Empty |= slotBit(i)
		} else {
			valid++
		}
		if v.State.IsPending() {
			anyPending = true
		}
	}
	st.EOI = s.eoi & (slotBit(len(s.lrs)) - 1)

	if st.EOI != 0 {
		st.Summary |= MISR_EOI
	}
	if isSet(s.hcr, HCR_UIE) && valid < underflowMark {
		st.Summary |= MISR_U
	}
	if isSet(s.hcr, HCR_LRENPIE) && pendingWithoutSlot && st.Empty == 0 {
		st.Summary |= MISR_LRENP
	}
	if isSet(s.hcr, HCR_NPIE) && !anyPending {
		st.Summary |= MISR_NP
	}

	grp0 := isSet(s.vmcr, VMCR_VENG0)
	grp1 := isSet(s.vmcr, VMCR_VENG1)
	if isSet(s.hcr, HCR_VGRP0EIE) && grp0 {
		st.Summary |= MISR_VGRP0E
	}
	if isSet(s.hcr, HCR_VGRP0DIE) && !grp0 {
		st.Summary |= MISR_VGRP0D
	}
	if isSet(s.hcr, HCR_VGRP1EIE) && grp1 {
		st.Summary |= MISR_VGRP1E
	}
	if isSet(s.hcr, HCR_VGRP1DIE) && !grp1 {
		st.Summary |= MISR_VGRP1D
	}

	st.Asserted = isSet(s.hcr, HCR_EN) && st.Summary != 0
	return st
}

func eoiCount(hcr uint32) uint32 {
	return (hcr >> HCR_EOICOUNT_SHIFT) & HCR_EOICOUNT_MASK
}

// incrementEOICount bumps GICH_HCR.EOICount, saturating at its maximum.
func incrementEOICount(hcr uint32) uint32 {
	count := eoiCount(hcr)
	if count == HCR_EOICOUNT_MASK {
		return hcr
	}
	hcr &^= HCR_EOICOUNT_MASK << HCR_EOICOUNT_SHIFT
	return hcr | (count+1)<<HCR_EOICOUNT_SHIFT
}
