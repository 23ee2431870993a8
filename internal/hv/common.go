package hv

import "errors"

var (
	ErrDeviceHalted         = errors.New("device halted")
	ErrArchitectureMismatch = errors.New("device unsupported on this architecture")
)

type CpuArchitecture string

const (
	ArchitectureInvalid CpuArchitecture = "invalid"
	ArchitectureX86_64  CpuArchitecture = "x86_64"
	ArchitectureARM64   CpuArchitecture = "arm64"
	ArchitectureRISCV64 CpuArchitecture = "riscv64"
)

// VirtualMachine is the view of the owning machine a device receives during Init.
type VirtualMachine interface {
	Architecture() CpuArchitecture
}

// SimpleVirtualMachine is a VirtualMachine backed by plain fields.
type SimpleVirtualMachine struct {
	Arch CpuArchitecture
}

func (m SimpleVirtualMachine) Architecture() CpuArchitecture { return m.Arch }

type Device interface {
	Init(vm VirtualMachine) error
}

type MMIORegion struct {
	Address uint64
	Size    uint64
}

// Contains reports whether the access [addr, addr+size) lies inside the region.
func (r MMIORegion) Contains(addr, size uint64) bool {
	end := addr + size
	if end < addr {
		return false
	}
	return addr >= r.Address && end <= r.Address+r.Size
}

// MemoryMappedIODevice is a device that serves guest physical address ranges.
type MemoryMappedIODevice interface {
	Device

	MMIORegions() []MMIORegion

	ReadMMIO(addr uint64, data []byte) error
	WriteMMIO(addr uint64, data []byte) error
}

var _ VirtualMachine = SimpleVirtualMachine{}
