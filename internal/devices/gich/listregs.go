package gich

// levelFor returns the preemption level slot v occupies while active.
func (g *GICH) levelFor(v VirtualInterrupt) uint32 {
	return g.st.active.levelOf(groupPriority(v.priority8(), v.Group, g.st.vmcr))
}

// writeListRegister replaces slot idx with next on behalf of the hypervisor.
// Unimplemented slots ignore the write. Rewriting a slot drops any EOI
// maintenance still outstanding for its previous occupant.
func (g *GICH) writeListRegister(idx int, next VirtualInterrupt) {
	if idx < 0 || idx >= len(g.st.lrs) {
		return
	}
	prev := g.st.lrs[idx]
	if prev.Encode() == next.Encode() {
		return
	}
	g.st.lrs[idx] = next
	g.st.eoi &^= slotBit(idx)

	// The level released is the one recorded on activation; the binary
	// points may have changed since.
	prevLevel := g.st.activeLevel[idx]
	nextLevel := g.levelFor(next)
	if prev.State.IsActive() && (!next.State.IsActive() || prevLevel != nextLevel) {
		if !g.levelHeldByOtherSlot(idx, prevLevel) {
			g.st.active.release(prevLevel)
		}
	}
	if next.State.IsActive() {
		g.st.activeLevel[idx] = nextLevel
		g.st.active.record(nextLevel)
	}
}

func (g *GICH) levelHeldByOtherSlot(idx int, level uint32) bool {
	for i, v := range g.st.lrs {
		if i != idx && v.State.IsActive() && g.st.activeLevel[i] == level {
			return true
		}
	}
	return false
}

// acknowledge moves the highest priority eligible slot to Active, provided
// it can preempt the running priority. It returns the slot index or -1.
func (g *GICH) acknowledge() int {
	idx, ok := highestPriorityEligible(g.st.lrs, g.st.vmcr)
	if !ok {
		return -1
	}
	v := g.st.lrs[idx]
	if groupPriority(v.priority8(), v.Group, g.st.vmcr) >= g.st.active.running() {
		return -1
	}
	level := g.levelFor(v)
	g.st.lrs[idx].State = StateActive
	g.st.activeLevel[idx] = level
	g.st.active.record(level)
	return idx
}

// deactivation describes a hardware interrupt whose physical counterpart
// must now be deactivated.
type deactivation struct {
	slot       int
	physicalID uint32
}

// deactivate retires the active slot holding vintid. With no matching slot
// the EOI is counted in GICH_HCR.EOICount instead.
func (g *GICH) deactivate(vintid uint32) (deactivation, bool) {
	for i := range g.st.lrs {
		v := &g.st.lrs[i]
		if uint32(v.VirtualID) != vintid || !v.State.IsActive() {
			continue
		}
		if v.State == StateActiveAndPending {
			v.State = StatePending
		} else {
			v.State = StateInactive
		}
		if v.HardwareBacked {
			g.st.eoi |= slotBit(i)
			return deactivation{slot: i, physicalID: uint32(v.PhysicalID)}, true
		}
		return deactivation{}, false
	}
	g.st.hcr = incrementEOICount(g.st.hcr)
	g.log.Debug("gich: EOI without matching list register", "vintid", vintid, "eoicount", eoiCount(g.st.hcr))
	return deactivation{}, false
}
