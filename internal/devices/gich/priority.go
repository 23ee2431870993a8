package gich

// groupPriority returns the part of an 8-bit priority that takes part in
// preemption, as selected by the binary point of the interrupt's group.
// Group 1 uses the group 0 binary point when VMCR.VCBPR is set.
func groupPriority(priority uint32, group Group, vmcr uint32) uint32 {
	var shift uint32
	if group == Group0 || isSet(vmcr, VMCR_VCBPR) {
		shift = (vmcr>>VMCR_VBPR0_SHIFT)&VMCR_VBPR_MASK + 1
	} else {
		shift = (vmcr >> VMCR_VBPR1_SHIFT) & VMCR_VBPR_MASK
	}
	return priority & (0xff << shift) & 0xff
}

func groupEnabled(group Group, vmcr uint32) bool {
	if group == Group1 {
		return isSet(vmcr, VMCR_VENG1)
	}
	return isSet(vmcr, VMCR_VENG0)
}

func priorityMask(vmcr uint32) uint32 {
	return (vmcr >> VMCR_VPMR_SHIFT) & VMCR_VPMR_MASK
}

// eligible reports whether v may be presented to the guest under vmcr.
func eligible(v VirtualInterrupt, vmcr uint32) bool {
	return v.State.IsPending() &&
		groupEnabled(v.Group, vmcr) &&
		v.priority8() < priorityMask(vmcr)
}

// highestPriorityEligible selects the eligible slot with the lowest priority
// value, breaking ties by the lowest index.
func highestPriorityEligible(lrs []VirtualInterrupt, vmcr uint32) (int, bool) {
	best := -1
	for i, v := range lrs {
		if !eligible(v, vmcr) {
			continue
		}
		if best < 0 || v.Priority < lrs[best].Priority {
			best = i
		}
	}
	return best, best >= 0
}
