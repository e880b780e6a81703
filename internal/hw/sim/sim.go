// Package sim implements hw.Machine in process: flat guest memory, an MSR
// file, an emulated local-APIC register window, a CPUID table and a
// recorded vCPU register file. It doubles as the hypervisor-side GHCB peer,
// servicing mediated requests against the same state and tracking which
// pages are asserted private to the guest.
//
// Everything of interest is observable: IPIs, CR3 switches, TLB flushes and
// register writes are appended to an ordered event trace so tests can
// assert sequencing, not just final state.
package sim

import (
	"fmt"
	"os"

	"github.com/tinyrange/stage0/internal/hw"
)

const (
	apicBaseMSR      = 0x1B
	apicBaseAddrMask = 0x000F_FFFF_FFFF_F000
	apicBaseEnable   = 1 << 11
	apicBaseExtd     = 1 << 10
	apicBaseBootCore = 1 << 8

	x2apicMSRBase = 0x800
	x2apicMSREnd  = 0x8FF

	defaultAPICBase = 0xFEE0_0000

	pageSize = 0x1000
)

// Config selects the simulated hardware's feature set.
type Config struct {
	// MemorySize is the guest RAM size in bytes.
	MemorySize uint64

	// X2Apic advertises x2APIC support through CPUID leaf 1 ECX[21].
	X2Apic bool

	// SevStatus is returned from the SEV_STATUS MSR.
	SevStatus uint64

	// APICID is the bootstrap core's hardware-assigned controller id.
	APICID uint32

	// APICVersion overrides the controller's version register byte.
	// Zero means the default (0x15).
	APICVersion uint8
}

// DescriptorTableLoad records one GDTR or IDTR load.
type DescriptorTableLoad struct {
	Table hw.DescriptorTable
	Base  uint64
	Limit uint16
}

// IPI is one decoded inter-processor interrupt the guest issued.
type IPI struct {
	Destination uint32
	Vector      uint8
	Kind        uint32
	Level       uint32
	Trigger     uint32
}

// Machine is a simulated confidential VM.
type Machine struct {
	mem     []byte
	release func()

	msrs  map[uint32]uint64
	cpuid map[uint32]hw.CPUIDResult

	lapic lapicState

	regs map[hw.Register]uint64

	// privatePages is the hypervisor-asserted page assignment table,
	// keyed by page-aligned physical address.
	privatePages map[uint64]bool

	// Events is the ordered trace of side-effecting operations.
	Events []string

	// IPIs is every inter-processor interrupt issued, in order.
	IPIs []IPI

	// CR3Writes records each page-table root switch.
	CR3Writes []uint64

	// TableLoads records each descriptor-table register load.
	TableLoads []DescriptorTableLoad

	// TLBFlushes counts translation-cache flushes.
	TLBFlushes int
}

type lapicState struct {
	id       uint32
	version  uint32
	spurious uint32
	esr      uint32
	icrHigh  uint32
}

// NewMachine allocates a simulated machine.
func NewMachine(cfg Config) (*Machine, error) {
	if cfg.MemorySize == 0 || cfg.MemorySize%pageSize != 0 {
		return nil, fmt.Errorf("memory size %#x must be a positive page multiple", cfg.MemorySize)
	}
	mem, release, err := allocateMemory(cfg.MemorySize)
	if err != nil {
		return nil, fmt.Errorf("allocate guest memory: %w", err)
	}

	m := &Machine{
		mem:     mem,
		release: release,
		msrs: map[uint32]uint64{
			apicBaseMSR: defaultAPICBase | apicBaseBootCore,
		},
		cpuid:        map[uint32]hw.CPUIDResult{},
		regs:         map[hw.Register]uint64{},
		privatePages: map[uint64]bool{},
		lapic: lapicState{
			id: cfg.APICID,
			// Four LVT entries; no extended APIC area.
			version:  0x03<<16 | 0x15,
			spurious: 0xFF,
		},
	}
	if cfg.APICVersion != 0 {
		m.lapic.version = 0x03<<16 | uint32(cfg.APICVersion)
	}
	if cfg.SevStatus != 0 {
		m.msrs[0xC001_0131] = cfg.SevStatus
	}
	var ecx uint32
	if cfg.X2Apic {
		ecx |= 1 << 21
	}
	m.cpuid[1] = hw.CPUIDResult{Eax: 0x000A_0F10, Ecx: ecx}
	return m, nil
}

// Close releases the guest memory mapping.
func (m *Machine) Close() error {
	if m.release != nil {
		m.release()
		m.release = nil
	}
	return nil
}

func (m *Machine) MemoryBase() uint64 { return 0 }
func (m *Machine) MemorySize() uint64 { return uint64(len(m.mem)) }

// ReadAt implements guest physical memory reads.
func (m *Machine) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off >= int64(len(m.mem)) {
		return 0, os.ErrInvalid
	}
	n := copy(p, m.mem[off:])
	if n < len(p) {
		return n, os.ErrInvalid
	}
	return n, nil
}

// WriteAt implements guest physical memory writes.
func (m *Machine) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 || off >= int64(len(m.mem)) {
		return 0, os.ErrInvalid
	}
	n := copy(m.mem[off:], p)
	if n < len(p) {
		return n, os.ErrInvalid
	}
	return n, nil
}

func (m *Machine) trace(format string, args ...any) {
	m.Events = append(m.Events, fmt.Sprintf(format, args...))
}

func (m *Machine) ReadMSR(msr uint32) (uint64, error) {
	if msr >= x2apicMSRBase && msr <= x2apicMSREnd {
		return m.readX2ApicMSR(msr)
	}
	val, ok := m.msrs[msr]
	if !ok {
		return 0, fmt.Errorf("%w: %#x", hw.ErrUnhandledMSR, msr)
	}
	return val, nil
}

func (m *Machine) WriteMSR(msr uint32, value uint64) error {
	if msr >= x2apicMSRBase && msr <= x2apicMSREnd {
		return m.writeX2ApicMSR(msr, value)
	}
	switch msr {
	case apicBaseMSR:
		m.msrs[msr] = value
	default:
		if _, ok := m.msrs[msr]; !ok {
			return fmt.Errorf("%w: %#x", hw.ErrUnhandledMSR, msr)
		}
		m.msrs[msr] = value
	}
	return nil
}

func (m *Machine) x2apicEnabled() bool {
	return m.msrs[apicBaseMSR]&apicBaseExtd != 0
}

func (m *Machine) readX2ApicMSR(msr uint32) (uint64, error) {
	if !m.x2apicEnabled() {
		return 0, fmt.Errorf("%w: %#x (x2APIC mode not enabled)", hw.ErrUnhandledMSR, msr)
	}
	switch msr {
	case 0x802:
		return uint64(m.lapic.id), nil
	case 0x803:
		return uint64(m.lapic.version), nil
	case 0x80F:
		return uint64(m.lapic.spurious), nil
	case 0x828:
		return uint64(m.lapic.esr), nil
	default:
		return 0, fmt.Errorf("%w: x2APIC %#x", hw.ErrUnhandledMSR, msr)
	}
}

func (m *Machine) writeX2ApicMSR(msr uint32, value uint64) error {
	if !m.x2apicEnabled() {
		return fmt.Errorf("%w: %#x (x2APIC mode not enabled)", hw.ErrUnhandledMSR, msr)
	}
	switch msr {
	case 0x80F:
		m.lapic.spurious = uint32(value)
	case 0x828:
		m.lapic.esr = 0
	case 0x830:
		m.recordIPI(uint32(value>>32), uint32(value))
	default:
		return fmt.Errorf("%w: x2APIC %#x", hw.ErrUnhandledMSR, msr)
	}
	return nil
}

func (m *Machine) apicWindow() uint64 {
	return m.msrs[apicBaseMSR] & apicBaseAddrMask
}

func (m *Machine) ReadMMIO32(addr uint64) (uint32, error) {
	base := m.apicWindow()
	if addr < base || addr >= base+pageSize {
		return 0, fmt.Errorf("%w: %#x", hw.ErrUnhandledMMIO, addr)
	}
	switch addr - base {
	case 0x020:
		return m.lapic.id << 24, nil
	case 0x030:
		return m.lapic.version, nil
	case 0x0F0:
		return m.lapic.spurious, nil
	case 0x280:
		return m.lapic.esr, nil
	case 0x310:
		return m.lapic.icrHigh, nil
	default:
		return 0, fmt.Errorf("%w: APIC register %#x", hw.ErrUnhandledMMIO, addr-base)
	}
}

func (m *Machine) WriteMMIO32(addr uint64, value uint32) error {
	base := m.apicWindow()
	if addr < base || addr >= base+pageSize {
		return fmt.Errorf("%w: %#x", hw.ErrUnhandledMMIO, addr)
	}
	switch addr - base {
	case 0x0F0:
		m.lapic.spurious = value
	case 0x280:
		m.lapic.esr = 0
	case 0x300:
		m.recordIPI(m.lapic.icrHigh>>24, value)
	case 0x310:
		m.lapic.icrHigh = value
	default:
		return fmt.Errorf("%w: APIC register %#x", hw.ErrUnhandledMMIO, addr-base)
	}
	return nil
}

func (m *Machine) recordIPI(destination, icrLow uint32) {
	ipi := IPI{
		Destination: destination,
		Vector:      uint8(icrLow),
		Kind:        icrLow & (0b111 << 8),
		Level:       icrLow & (1 << 14),
		Trigger:     icrLow & (1 << 15),
	}
	m.IPIs = append(m.IPIs, ipi)
	m.trace("ipi kind=%#x dest=%d vector=%#x", ipi.Kind, ipi.Destination, ipi.Vector)
}

func (m *Machine) CPUID(leaf, subleaf uint32) (hw.CPUIDResult, error) {
	res, ok := m.cpuid[leaf]
	if !ok {
		return hw.CPUIDResult{}, fmt.Errorf("unhandled CPUID leaf %#x", leaf)
	}
	_ = subleaf
	return res, nil
}

func (m *Machine) WriteCR3(value uint64) error {
	m.CR3Writes = append(m.CR3Writes, value)
	m.trace("cr3 %#x", value)
	return nil
}

func (m *Machine) FlushTLB() error {
	m.TLBFlushes++
	m.trace("tlb flush")
	return nil
}

func (m *Machine) LoadDescriptorTable(table hw.DescriptorTable, base uint64, limit uint16) error {
	m.TableLoads = append(m.TableLoads, DescriptorTableLoad{Table: table, Base: base, Limit: limit})
	name := "gdt"
	if table == hw.DescriptorTableIDT {
		name = "idt"
	}
	m.trace("%s %#x limit=%d", name, base, limit)
	return nil
}

func (m *Machine) SetRegister(reg hw.Register, value uint64) error {
	m.regs[reg] = value
	m.trace("set reg %d %#x", reg, value)
	return nil
}

// Register returns the last value written to a vCPU register.
func (m *Machine) Register(reg hw.Register) uint64 {
	return m.regs[reg]
}

// AssignPrivate marks [start, start+size) as hypervisor-asserted private
// guest memory, the state the launcher leaves validated RAM in.
func (m *Machine) AssignPrivate(start, size uint64) {
	for off := uint64(0); off < size; off += pageSize {
		m.privatePages[(start+off)&^uint64(pageSize-1)] = true
	}
}

// UnassignPrivate flips pages back to shared, simulating a host
// misrepresenting memory.
func (m *Machine) UnassignPrivate(start, size uint64) {
	for off := uint64(0); off < size; off += pageSize {
		delete(m.privatePages, (start+off)&^uint64(pageSize-1))
	}
}

// PageAssigned implements the hypervisor side of SNP memory validation.
func (m *Machine) PageAssigned(addr uint64) (bool, error) {
	return m.privatePages[addr&^uint64(pageSize-1)], nil
}

var _ hw.Machine = (*Machine)(nil)
