// Package gich implements the hypervisor control interface of a GICv2 (or
// GICv3 legacy) virtual CPU interface: list registers, active priorities and
// the maintenance interrupt status registers of one virtual CPU.
package gich

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/tinyrange/gich/internal/chipset"
	"github.com/tinyrange/gich/internal/hv"
)

var (
	// ErrInvalidRegister is returned for accesses to offsets inside the
	// block that no register occupies.
	ErrInvalidRegister = errors.New("gich: invalid register")
	// ErrOutOfWindow is returned for MMIO accesses outside the 64KiB window.
	ErrOutOfWindow = errors.New("gich: address outside window")
)

// DeviceType tags a device for registration with a device bus.
type DeviceType string

const DeviceTypeGICH DeviceType = "gich"

// PendingSource reports whether interrupt arbitration holds an interrupt
// that is due for the guest but has no list register to go into. It is
// queried while the device lock is held and must not call back into the
// device.
type PendingSource interface {
	PendingWithoutSlot() bool
}

// PendingSourceFunc adapts a function to PendingSource.
type PendingSourceFunc func() bool

func (f PendingSourceFunc) PendingWithoutSlot() bool { return f() }

// GICH is the register block of one virtual CPU interface.
type GICH struct {
	mu sync.Mutex

	cfg Config
	log *slog.Logger

	st     state
	halted bool

	irqLine      chipset.LineInterrupt
	pending      PendingSource
	deactivation chipset.EOITarget
}

// New creates a register block sized by cfg. Zero fields in cfg take their
// defaults. The maintenance interrupt is driven on irqLine.
func New(cfg Config, irqLine chipset.LineInterrupt) (*GICH, error) {
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if irqLine == nil {
		irqLine = chipset.LineInterruptDetached()
	}
	g := &GICH{
		cfg:     cfg,
		log:     slog.Default().With("device", string(DeviceTypeGICH)),
		irqLine: irqLine,
		st: state{
			lrs:         make([]VirtualInterrupt, cfg.ListRegisters),
			activeLevel: make([]uint32, cfg.ListRegisters),
			active:      newActivePriorities(cfg.PriorityBits, cfg.PreemptionBits),
		},
	}
	return g, nil
}

// Config returns the configuration the block was created with.
func (g *GICH) Config() Config {
	return g.cfg
}

// SetLogger replaces the logger used for access diagnostics.
func (g *GICH) SetLogger(l *slog.Logger) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.log = l.With("device", string(DeviceTypeGICH))
}

// SetIRQLine configures the maintenance interrupt line.
func (g *GICH) SetIRQLine(line chipset.LineInterrupt) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if line == nil {
		line = chipset.LineInterruptDetached()
	}
	g.irqLine = line
	g.updateInterrupt()
}

// SetPendingSource wires the arbitration input for the list register entry
// not present condition.
func (g *GICH) SetPendingSource(src PendingSource) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pending = src
	g.updateInterrupt()
}

// SetDeactivationTarget registers the receiver told about hardware-backed
// interrupts the guest has deactivated.
func (g *GICH) SetDeactivationTarget(target chipset.EOITarget) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.deactivation = target
}

// Type returns the device bus tag of the block.
func (g *GICH) Type() DeviceType {
	return DeviceTypeGICH
}

// Range returns the physical window the block is mapped at.
func (g *GICH) Range() hv.MMIORegion {
	return hv.MMIORegion{Address: g.cfg.Base, Size: WindowSize}
}

// Init implements hv.Device.
func (g *GICH) Init(vm hv.VirtualMachine) error {
	if vm == nil {
		return nil
	}
	if arch := vm.Architecture(); arch != hv.ArchitectureARM64 {
		return fmt.Errorf("gich: %s: %w", arch, hv.ErrArchitectureMismatch)
	}
	return nil
}

// MMIORegions implements hv.MemoryMappedIODevice.
func (g *GICH) MMIORegions() []hv.MMIORegion {
	return []hv.MMIORegion{g.Range()}
}

// Start implements chipset.ChangeDeviceState.
func (g *GICH) Start() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.halted = false
	return nil
}

// Stop implements chipset.ChangeDeviceState. Register accesses fail with
// hv.ErrDeviceHalted until the next Start.
func (g *GICH) Stop() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.halted = true
	return nil
}

// Reset implements chipset.ChangeDeviceState.
func (g *GICH) Reset() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.st.hcr = 0
	g.st.vmcr = 0
	g.st.eoi = 0
	clear(g.st.lrs)
	clear(g.st.activeLevel)
	g.st.active.reset()
	g.updateInterrupt()
	return nil
}

// SupportsMmio implements chipset.ChipsetDevice.
func (g *GICH) SupportsMmio() *chipset.MmioIntercept {
	return &chipset.MmioIntercept{
		Regions: g.MMIORegions(),
		Handler: g,
	}
}

// SupportsPollDevice implements chipset.ChipsetDevice. Polling re-evaluates
// the maintenance line against the arbitration input.
func (g *GICH) SupportsPollDevice() *chipset.PollDevice {
	return &chipset.PollDevice{Handler: g}
}

// Poll implements chipset.PollHandler.
func (g *GICH) Poll(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.updateInterrupt()
	return nil
}

// HandleRead performs one register read of width bytes. Widths other than
// 1, 2 and 4 read as zero.
func (g *GICH) HandleRead(addr uint64, width int) (uint32, error) {
	offset := addr & offsetMask
	switch width {
	case 1, 2, 4:
	default:
		return 0, nil
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	value, err := g.read32(offset &^ 3)
	if err != nil {
		return 0, err
	}
	shift := 8 * (offset & 3)
	switch width {
	case 1:
		return (value >> shift) & 0xff, nil
	case 2:
		return (value >> shift) & 0xffff, nil
	}
	return value, nil
}

// HandleWrite performs one register write of width bytes. Sub-word writes
// replace only the addressed bytes unless LegacySubwordWrites is set.
// Widths other than 1, 2 and 4 are ignored.
func (g *GICH) HandleWrite(addr uint64, width int, value uint32) error {
	offset := addr & offsetMask
	aligned := offset &^ 3

	g.mu.Lock()
	defer g.mu.Unlock()

	switch width {
	case 4:
	case 1, 2:
		if g.cfg.LegacySubwordWrites {
			break
		}
		current, err := g.read32(aligned)
		if err != nil {
			return err
		}
		shift := 8 * (offset & 3)
		mask := uint32(0xff)
		if width == 2 {
			mask = 0xffff
		}
		mask <<= shift
		value = current&^mask | (value<<shift)&mask
	default:
		return nil
	}

	if err := g.write32(aligned, value); err != nil {
		return err
	}
	g.updateInterrupt()
	return nil
}

// read32 reads the register at a word-aligned block offset.
func (g *GICH) read32(offset uint64) (uint32, error) {
	if g.halted {
		return 0, hv.ErrDeviceHalted
	}
	reg, idx, ok := lookupRegister(offset)
	if !ok {
		g.log.Warn("gich: read of unmapped offset", "offset", fmt.Sprintf("0x%03x", offset))
		return 0, fmt.Errorf("read offset 0x%03x: %w", offset, ErrInvalidRegister)
	}
	if idx >= reg.implemented(g) {
		return 0, nil
	}
	return reg.read(g, idx), nil
}

// write32 writes the register at a word-aligned block offset.
func (g *GICH) write32(offset uint64, value uint32) error {
	if g.halted {
		return hv.ErrDeviceHalted
	}
	reg, idx, ok := lookupRegister(offset)
	if !ok {
		g.log.Warn("gich: write to unmapped offset", "offset", fmt.Sprintf("0x%03x", offset), "value", value)
		return fmt.Errorf("write offset 0x%03x: %w", offset, ErrInvalidRegister)
	}
	if reg.access == accessReadOnly {
		g.log.Debug("gich: write to read-only register ignored", "register", reg.instanceName(idx), "value", value)
		return nil
	}
	if idx >= reg.implemented(g) {
		g.log.Debug("gich: write to unimplemented register ignored", "register", reg.instanceName(idx))
		return nil
	}
	reg.write(g, idx, value)
	return nil
}

// ReadMMIO implements chipset.MmioHandler.
func (g *GICH) ReadMMIO(addr uint64, data []byte) error {
	if !g.Range().Contains(addr, uint64(len(data))) {
		return fmt.Errorf("read 0x%x: %w", addr, ErrOutOfWindow)
	}
	value, err := g.HandleRead(addr, len(data))
	if err != nil {
		return err
	}
	switch len(data) {
	case 1:
		data[0] = byte(value)
	case 2:
		binary.LittleEndian.PutUint16(data, uint16(value))
	case 4:
		binary.LittleEndian.PutUint32(data, value)
	default:
		clear(data)
	}
	return nil
}

// WriteMMIO implements chipset.MmioHandler.
func (g *GICH) WriteMMIO(addr uint64, data []byte) error {
	if !g.Range().Contains(addr, uint64(len(data))) {
		return fmt.Errorf("write 0x%x: %w", addr, ErrOutOfWindow)
	}
	var value uint32
	switch len(data) {
	case 1:
		value = uint32(data[0])
	case 2:
		value = uint32(binary.LittleEndian.Uint16(data))
	case 4:
		value = binary.LittleEndian.Uint32(data)
	default:
		return nil
	}
	return g.HandleWrite(addr, len(data), value)
}

// ReadListRegister returns slot idx. Unimplemented slots read as zero.
func (g *GICH) ReadListRegister(idx int) VirtualInterrupt {
	g.mu.Lock()
	defer g.mu.Unlock()
	if idx < 0 || idx >= len(g.st.lrs) {
		return VirtualInterrupt{}
	}
	return g.st.lrs[idx]
}

// WriteListRegister replaces slot idx. Unimplemented slots ignore the write.
func (g *GICH) WriteListRegister(idx int, v VirtualInterrupt) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.writeListRegister(idx, DecodeVirtualInterrupt(v.Encode()))
	g.updateInterrupt()
}

// Status returns the current maintenance status.
func (g *GICH) Status() MaintenanceStatus {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.status()
}

// MaintenanceAsserted reports the level of the maintenance interrupt line.
func (g *GICH) MaintenanceAsserted() bool {
	return g.Status().Asserted
}

// HighestPriorityEligible returns the slot that would be presented to the
// guest next, if any.
func (g *GICH) HighestPriorityEligible() (int, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return highestPriorityEligible(g.st.lrs, g.st.vmcr)
}

// RunningPriority returns the 8-bit priority of the highest active
// preemption level, or 0x100 when idle.
func (g *GICH) RunningPriority() uint32 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.st.active.running()
}

// Acknowledge performs a guest interrupt acknowledge and returns the virtual
// INTID taken, or SpuriousID.
func (g *GICH) Acknowledge() uint32 {
	g.mu.Lock()
	defer g.mu.Unlock()

	idx := g.acknowledge()
	g.updateInterrupt()
	if idx < 0 {
		return SpuriousID
	}
	return uint32(g.st.lrs[idx].VirtualID)
}

// EndOfInterrupt performs a guest end of interrupt for vintid. It drops the
// running priority and, unless VMCR.VEOIM is set, deactivates the interrupt.
func (g *GICH) EndOfInterrupt(vintid uint32) {
	g.mu.Lock()
	g.st.active.drop()
	var (
		d  deactivation
		hw bool
	)
	if !isSet(g.st.vmcr, VMCR_VEOIM) {
		d, hw = g.deactivate(vintid)
	}
	g.updateInterrupt()
	target := g.deactivation
	g.mu.Unlock()

	if hw && target != nil {
		target.HandleEOI(d.physicalID)
	}
}

// Deactivate performs a separate guest deactivation of vintid, used when
// VMCR.VEOIM splits priority drop from deactivation.
func (g *GICH) Deactivate(vintid uint32) {
	g.mu.Lock()
	d, hw := g.deactivate(vintid)
	g.updateInterrupt()
	target := g.deactivation
	g.mu.Unlock()

	if hw && target != nil {
		target.HandleEOI(d.physicalID)
	}
}

// CompleteDeactivation records that the hypervisor has deactivated the
// physical interrupt behind slot idx, clearing its EOI status bit.
func (g *GICH) CompleteDeactivation(idx int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if idx < 0 || idx >= len(g.st.lrs) {
		return
	}
	g.st.eoi &^= slotBit(idx)
	g.updateInterrupt()
}

// RegisterValue is one register instance as seen by the hypervisor.
type RegisterValue struct {
	Name   string
	Offset uint64
	Access string
	Value  uint32
}

// Registers returns every implemented register instance in offset order.
func (g *GICH) Registers() []RegisterValue {
	g.mu.Lock()
	defer g.mu.Unlock()

	var out []RegisterValue
	for i := range registers {
		reg := &registers[i]
		for idx := 0; idx < reg.implemented(g); idx++ {
			out = append(out, RegisterValue{
				Name:   reg.instanceName(idx),
				Offset: reg.offset + uint64(idx)*4,
				Access: reg.access.String(),
				Value:  reg.read(g, idx),
			})
		}
	}
	return out
}

func (g *GICH) vtr() uint32 {
	return uint32(g.cfg.PriorityBits-1)<<VTR_PRIBITS_SHIFT |
		uint32(g.cfg.PreemptionBits-1)<<VTR_PREBITS_SHIFT |
		uint32(len(g.st.lrs)-1)&VTR_LISTREGS_MASK
}

func (g *GICH) pendingWithoutSlot() bool {
	return g.pending != nil && g.pending.PendingWithoutSlot()
}

func (g *GICH) status() MaintenanceStatus {
	return deriveStatus(&g.st, g.cfg.UnderflowMark, g.pendingWithoutSlot())
}

// updateInterrupt drives the maintenance line from the current state.
func (g *GICH) updateInterrupt() {
	g.irqLine.SetLevel(g.status().Asserted)
}

var (
	_ hv.MemoryMappedIODevice   = (*GICH)(nil)
	_ chipset.ChipsetDevice     = (*GICH)(nil)
	_ chipset.MmioHandler       = (*GICH)(nil)
	_ chipset.ChangeDeviceState = (*GICH)(nil)
	_ chipset.PollHandler       = (*GICH)(nil)
)
