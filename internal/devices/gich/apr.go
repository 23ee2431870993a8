package gich

import "gvisor.dev/gvisor/pkg/bitmap"

// idlePriority is the running priority when nothing is active. It is lower
// than every 8-bit priority.
const idlePriority = 0x100

// activePriorities tracks which preemption levels hold an active interrupt.
// Level n is bit n%32 of GICH_APR<n/32>; the lowest set level is the running
// priority.
type activePriorities struct {
	words          int // implemented APR registers: 1, 2 or 4
	preemptionBits int
	levels         bitmap.Bitmap
}

func newActivePriorities(priorityBits, preemptionBits int) activePriorities {
	words := 1 << (priorityBits - 5)
	return activePriorities{
		words:          words,
		preemptionBits: preemptionBits,
		levels:         bitmap.New(uint32(words * 32)),
	}
}

// levelOf maps an 8-bit group priority to its preemption level.
func (a *activePriorities) levelOf(groupPriority uint32) uint32 {
	return groupPriority >> (8 - a.preemptionBits)
}

func (a *activePriorities) record(level uint32) {
	if level < uint32(a.words*32) {
		a.levels.Add(level)
	}
}

func (a *activePriorities) release(level uint32) {
	if level < uint32(a.words*32) {
		a.levels.Remove(level)
	}
}

// drop clears the highest active level, if any.
func (a *activePriorities) drop() (uint32, bool) {
	if a.levels.IsEmpty() {
		return 0, false
	}
	level := a.levels.Minimum()
	a.levels.Remove(level)
	return level, true
}

// running returns the 8-bit running priority, or idlePriority.
func (a *activePriorities) running() uint32 {
	if a.levels.IsEmpty() {
		return idlePriority
	}
	return a.levels.Minimum() << (8 - a.preemptionBits)
}

func (a *activePriorities) word(n int) uint32 {
	var w uint32
	for _, level := range a.levels.ToSlice() {
		if int(level/32) == n {
			w |= 1 << (level % 32)
		}
	}
	return w
}

func (a *activePriorities) setWord(n int, value uint32) {
	if n < 0 || n >= a.words {
		return
	}
	for bit := uint32(0); bit < 32; bit++ {
		level := uint32(n)*32 + bit
		if value&(1<<bit) != 0 {
			a.levels.Add(level)
		} else {
			a.levels.Remove(level)
		}
	}
}

func (a *activePriorities) reset() {
	a.levels = bitmap.New(uint32(a.words * 32))
}

func (a *activePriorities) snapshot() []uint32 {
	out := make([]uint32, a.words)
	for i := range out {
		out[i] = a.word(i)
	}
	return out
}
