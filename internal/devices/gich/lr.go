package gich

import "fmt"

// State is the lifecycle state of a virtual interrupt held in a list register.
type State uint8

const (
	StateInactive State = iota
	StatePending
	StateActive
	StateActiveAndPending
)

func (s State) String() string {
	switch s {
	case StateInactive:
		return "inactive"
	case StatePending:
		return "pending"
	case StateActive:
		return "active"
	case StateActiveAndPending:
		return "active+pending"
	default:
		return fmt.Sprintf("State(%d)", uint8(s))
	}
}

// IsPending reports whether the interrupt is waiting to be acknowledged.
func (s State) IsPending() bool {
	return s == StatePending || s == StateActiveAndPending
}

// IsActive reports whether the guest is servicing the interrupt.
func (s State) IsActive() bool {
	return s == StateActive || s == StateActiveAndPending
}

// Group is the interrupt group a virtual interrupt is signalled in.
type Group uint8

const (
	Group0 Group = 0
	Group1 Group = 1
)

func (g Group) String() string {
	if g == Group1 {
		return "group1"
	}
	return "group0"
}

// VirtualInterrupt is the decoded content of one list register.
//
// PhysicalID is stored verbatim but only acted on when HardwareBacked is set:
// a software interrupt has no deactivation side effect.
type VirtualInterrupt struct {
	VirtualID      uint16
	PhysicalID     uint16
	HardwareBacked bool
	Group          Group
	Priority       uint8 // 5-bit priority, bits [7:3] of the 8-bit GIC priority
	State          State
}

// Encode packs v into the GICH_LR layout. Fields are truncated to their widths.
func (v VirtualInterrupt) Encode() uint32 {
	raw := uint32(v.VirtualID) & LR_VINTID_MASK
	raw |= (uint32(v.PhysicalID) & LR_PINTID_MASK) << LR_PINTID_SHIFT
	raw |= (uint32(v.Priority) & LR_PRIORITY_MASK) << LR_PRIORITY_SHIFT
	raw |= (uint32(v.State) & LR_STATE_MASK) << LR_STATE_SHIFT
	if v.Group == Group1 {
		raw |= LR_GROUP1
	}
	if v.HardwareBacked {
		raw |= LR_HW
	}
	return raw
}

// DecodeVirtualInterrupt unpacks a GICH_LR value. Reserved bits are dropped.
func DecodeVirtualInterrupt(raw uint32) VirtualInterrupt {
	v := VirtualInterrupt{
		VirtualID:      uint16(raw & LR_VINTID_MASK),
		PhysicalID:     uint16((raw >> LR_PINTID_SHIFT) & LR_PINTID_MASK),
		Priority:       uint8((raw >> LR_PRIORITY_SHIFT) & LR_PRIORITY_MASK),
		State:          State((raw >> LR_STATE_SHIFT) & LR_STATE_MASK),
		HardwareBacked: isSet(raw, LR_HW),
		Group:          Group0,
	}
	if isSet(raw, LR_GROUP1) {
		v.Group = Group1
	}
	return v
}

// priority8 widens the 5-bit list register priority to the 8-bit GIC scale.
func (v VirtualInterrupt) priority8() uint32 {
	return uint32(v.Priority&LR_PRIORITY_MASK) << 3
}

func (v VirtualInterrupt) String() string {
	s := fmt.Sprintf("vINTID=%d prio=%#x %s %s", v.VirtualID, v.Priority, v.Group, v.State)
	if v.HardwareBacked {
		s += fmt.Sprintf(" hw pINTID=%d", v.PhysicalID)
	}
	return s
}
