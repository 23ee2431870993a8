package gich

import (
	"strconv"

	"gvisor.dev/gvisor/pkg/bits"
)

// GICH register offsets within the virtual interface control block.
const (
	GICH_HCR    = 0x000 // Hypervisor Control Register (RW)
	GICH_VTR    = 0x004 // VGIC Type Register (RO)
	GICH_VMCR   = 0x008 // Virtual Machine Control Register (RW)
	GICH_MISR   = 0x010 // Maintenance Interrupt Status Register (RO)
	GICH_EISR0  = 0x020 // End of Interrupt Status Register 0 (RO)
	GICH_EISR1  = 0x024 // End of Interrupt Status Register 1 (RO)
	GICH_ELRSR0 = 0x030 // Empty List Register Status Register 0 (RO)
	GICH_ELRSR1 = 0x034 // Empty List Register Status Register 1 (RO)
	GICH_APR0   = 0x0F0 // Active Priorities Registers 0-3 (RW)
	GICH_LR0    = 0x100 // List Registers 0-63 (RW)
)

const (
	// WindowSize is the extent of the physical window the block is mapped at.
	WindowSize = 0x10000
	// BlockSize is the populated part of the window; the rest aliases it.
	BlockSize = 0x1000

	// DefaultBase is the GICH base on the QEMU virt machine.
	DefaultBase = 0x08030000

	offsetMask = BlockSize - 1

	// MaxListRegisters is the largest list register file this block implements.
	MaxListRegisters = 16

	// architecturalListRegisters is the number of LR slots in the register map.
	architecturalListRegisters = 64
	maxActivePriorityRegisters = 4
)

// GICH_HCR bits
const (
	HCR_EN       = 1 << 0 // Global enable for maintenance interrupts
	HCR_UIE      = 1 << 1 // Underflow interrupt enable
	HCR_LRENPIE  = 1 << 2 // List register entry not present interrupt enable
	HCR_NPIE     = 1 << 3 // No pending interrupt enable
	HCR_VGRP0EIE = 1 << 4 // VM group 0 enabled interrupt enable
	HCR_VGRP0DIE = 1 << 5 // VM group 0 disabled interrupt enable
	HCR_VGRP1EIE = 1 << 6 // VM group 1 enabled interrupt enable
	HCR_VGRP1DIE = 1 << 7 // VM group 1 disabled interrupt enable

	HCR_EOICOUNT_SHIFT = 27
	HCR_EOICOUNT_MASK  = 0x1f

	hcrWritable = 0xff | HCR_EOICOUNT_MASK<<HCR_EOICOUNT_SHIFT
)

// GICH_VTR fields
const (
	VTR_LISTREGS_MASK = 0x1f
	VTR_A3V           = 1 << 21
	VTR_SEIS          = 1 << 22
	VTR_IDBITS_SHIFT  = 23
	VTR_PREBITS_SHIFT = 26
	VTR_PRIBITS_SHIFT = 29
)

// GICH_VMCR fields
const (
	VMCR_VENG0   = 1 << 0 // Virtual group 0 enable
	VMCR_VENG1   = 1 << 1 // Virtual group 1 enable
	VMCR_VACKCTL = 1 << 2
	VMCR_VFIQEN  = 1 << 3
	VMCR_VCBPR   = 1 << 4 // Group 1 uses the group 0 binary point
	VMCR_VEOIM   = 1 << 9 // EOI drops priority only; deactivation is separate

	VMCR_VBPR1_SHIFT = 18
	VMCR_VBPR0_SHIFT = 21
	VMCR_VBPR_MASK   = 0x7
	VMCR_VPMR_SHIFT  = 24
	VMCR_VPMR_MASK   = 0xff

	vmcrWritable = 0xfffc0000 | VMCR_VEOIM | 0x1f
)

// GICH_MISR bits
const (
	MISR_EOI    = 1 << 0 // EOI maintenance outstanding
	MISR_U      = 1 << 1 // Underflow
	MISR_LRENP  = 1 << 2 // List register entry not present
	MISR_NP     = 1 << 3 // No pending
	MISR_VGRP0E = 1 << 4 // Group 0 enabled
	MISR_VGRP0D = 1 << 5 // Group 0 disabled
	MISR_VGRP1E = 1 << 6 // Group 1 enabled
	MISR_VGRP1D = 1 << 7 // Group 1 disabled
)

// GICH_LR fields
const (
	LR_VINTID_MASK    = 0x3ff
	LR_PINTID_SHIFT   = 10
	LR_PINTID_MASK    = 0x3ff
	LR_PRIORITY_SHIFT = 23
	LR_PRIORITY_MASK  = 0x1f
	LR_STATE_SHIFT    = 28
	LR_STATE_MASK     = 0x3
	LR_GROUP1         = 1 << 30
	LR_HW             = 1 << 31

	lrReserved = 0x7 << 20
)

// SpuriousID is returned by an acknowledge with nothing to deliver.
const SpuriousID = 1023

// access is the access mode of one register.
type access uint8

const (
	accessReadOnly access = iota
	accessReadWrite
)

func (a access) String() string {
	if a == accessReadWrite {
		return "RW"
	}
	return "RO"
}

// register describes one register, or a bank of count registers spaced four
// bytes apart. implemented reports how many instances are backed by state;
// the remainder are RAZ/WI.
type register struct {
	name        string
	offset      uint64
	count       int
	access      access
	implemented func(g *GICH) int
	read        func(g *GICH, idx int) uint32
	write       func(g *GICH, idx int, value uint32)
}

func one(*GICH) int { return 1 }

func none(*GICH) int { return 0 }

var registers = []register{
	{
		name: "HCR", offset: GICH_HCR, count: 1, access: accessReadWrite, implemented: one,
		read:  func(g *GICH, _ int) uint32 { return g.st.hcr },
		write: func(g *GICH, _ int, v uint32) { g.st.hcr = v & hcrWritable },
	},
	{
		name: "VTR", offset: GICH_VTR, count: 1, access: accessReadOnly, implemented: one,
		read: func(g *GICH, _ int) uint32 { return g.vtr() },
	},
	{
		name: "VMCR", offset: GICH_VMCR, count: 1, access: accessReadWrite, implemented: one,
		read:  func(g *GICH, _ int) uint32 { return g.st.vmcr },
		write: func(g *GICH, _ int, v uint32) { g.st.vmcr = v & vmcrWritable },
	},
	{
		name: "MISR", offset: GICH_MISR, count: 1, access: accessReadOnly, implemented: one,
		read: func(g *GICH, _ int) uint32 { return g.status().Summary },
	},
	{
		name: "EISR0", offset: GICH_EISR0, count: 1, access: accessReadOnly, implemented: one,
		read: func(g *GICH, _ int) uint32 { return g.status().EOI },
	},
	{
		name: "EISR1", offset: GICH_EISR1, count: 1, access: accessReadOnly, implemented: none,
	},
	{
		name: "ELRSR0", offset: GICH_ELRSR0, count: 1, access: accessReadOnly, implemented: one,
		read: func(g *GICH, _ int) uint32 { return g.status().Empty },
	},
	{
		name: "ELRSR1", offset: GICH_ELRSR1, count: 1, access: accessReadOnly, implemented: none,
	},
	{
		name: "APR", offset: GICH_APR0, count: maxActivePriorityRegisters, access: accessReadWrite,
		implemented: func(g *GICH) int { return g.st.active.words },
		read:        func(g *GICH, idx int) uint32 { return g.st.active.word(idx) },
		write:       func(g *GICH, idx int, v uint32) { g.st.active.setWord(idx, v) },
	},
	{
		name: "LR", offset: GICH_LR0, count: architecturalListRegisters, access: accessReadWrite,
		implemented: func(g *GICH) int { return len(g.st.lrs) },
		read:        func(g *GICH, idx int) uint32 { return g.st.lrs[idx].Encode() },
		write:       func(g *GICH, idx int, v uint32) { g.writeListRegister(idx, DecodeVirtualInterrupt(v)) },
	},
}

// lookupRegister resolves a word-aligned block offset to a register and the
// instance index within it.
func lookupRegister(offset uint64) (*register, int, bool) {
	for i := range registers {
		r := &registers[i]
		if offset < r.offset || offset >= r.offset+uint64(r.count)*4 {
			continue
		}
		return r, int(offset-r.offset) / 4, true
	}
	return nil, 0, false
}

// instanceName returns the architectural name of instance idx of r.
func (r *register) instanceName(idx int) string {
	if r.count == 1 {
		return r.name
	}
	return r.name + strconv.Itoa(idx)
}

// isSet reports whether every bit in mask is set in reg.
func isSet(reg uint32, mask uint32) bool {
	return bits.IsOn64(uint64(reg), uint64(mask))
}

// slotBit returns the status bit for list register i.
func slotBit(i int) uint32 {
	return uint32(bits.MaskOf64(i))
}
