// Package hw defines the hardware access contract the firmware is written
// against. A Machine is the single execution environment the boot sequence
// runs on: guest physical memory, model-specific registers, memory-mapped
// I/O, control registers and the bootstrap vCPU register file.
//
// The firmware never touches hardware directly; everything goes through a
// Machine so the same code drives the simulator and, eventually, real metal.
package hw

import (
	"errors"
	"io"
)

var (
	// ErrUnhandledMMIO is returned for accesses outside any register window.
	ErrUnhandledMMIO = errors.New("unhandled MMIO address")

	// ErrUnhandledMSR is returned for unknown model-specific registers.
	ErrUnhandledMSR = errors.New("unhandled MSR")
)

// Register identifies a vCPU register the firmware writes during handoff.
type Register int

const (
	RegisterInvalid Register = iota

	RegisterAMD64Rip
	RegisterAMD64Rsp
	RegisterAMD64Rsi

	RegisterAMD64Cs
	RegisterAMD64Ds
	RegisterAMD64Es
	RegisterAMD64Fs
	RegisterAMD64Gs
	RegisterAMD64Ss
)

// DescriptorTable identifies one of the two descriptor table registers.
type DescriptorTable int

const (
	DescriptorTableGDT DescriptorTable = iota
	DescriptorTableIDT
)

// CPUIDResult holds the four output registers of a CPUID invocation.
type CPUIDResult struct {
	Eax uint32
	Ebx uint32
	Ecx uint32
	Edx uint32
}

// Machine is the hardware surface the boot sequence runs against. Guest
// physical memory is addressed through ReadAt/WriteAt with the physical
// address as the offset.
type Machine interface {
	io.ReaderAt
	io.WriterAt

	MemoryBase() uint64
	MemorySize() uint64

	ReadMSR(msr uint32) (uint64, error)
	WriteMSR(msr uint32, value uint64) error

	ReadMMIO32(addr uint64) (uint32, error)
	WriteMMIO32(addr uint64, value uint32) error

	CPUID(leaf, subleaf uint32) (CPUIDResult, error)

	// WriteCR3 repoints the active page table root. The caller is expected
	// to flush stale translations immediately afterwards.
	WriteCR3(value uint64) error
	FlushTLB() error

	// LoadDescriptorTable points the GDTR or IDTR at a table in guest
	// memory. The table contents must already be in place.
	LoadDescriptorTable(table DescriptorTable, base uint64, limit uint16) error

	SetRegister(reg Register, value uint64) error
}
