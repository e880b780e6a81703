package apic

import (
	"fmt"
	"log/slog"

	"github.com/tinyrange/stage0/internal/firmware/paging"
	"github.com/tinyrange/stage0/internal/firmware/reg"
	"github.com/tinyrange/stage0/internal/hw"
)

// Lapic is the initialized local APIC, dispatching to whichever variant the
// hardware supports. Created once during bring-up; never reconstructed.
type Lapic struct {
	id   uint32
	regs registers
}

// Enable initializes the local APIC per the AMD64 manual's detection and
// enablement procedure (Vol 2, §16.9): probe CPUID for x2APIC, enable the
// controller through the base-address MSR, switch to x2APIC mode when
// available, otherwise map the legacy MMIO window. The reported version must
// fall in [0x10, 0x20) and the spurious-interrupt software-enable bit is set
// if absent. Any failure is fatal; a broken controller means cores cannot be
// coordinated at all.
func Enable(ch *reg.Channel, m hw.Machine, tables *paging.Refs) (*Lapic, error) {
	features, err := ch.CPUID(cpuidFeatureLeaf, 0)
	if err != nil {
		return nil, fmt.Errorf("query x2APIC support: %w", err)
	}
	hasX2apic := features.Ecx&cpuidX2ApicBit != 0

	base, err := ch.ReadMSR(apicBaseMSR)
	if err != nil {
		return nil, fmt.Errorf("read APIC base: %w", err)
	}
	if base&BaseFlagEnable == 0 {
		base |= BaseFlagEnable
		if err := ch.WriteMSR(apicBaseMSR, base); err != nil {
			return nil, fmt.Errorf("enable local APIC: %w", err)
		}
	}
	if hasX2apic && base&BaseFlagExtd == 0 {
		base |= BaseFlagExtd
		if err := ch.WriteMSR(apicBaseMSR, base); err != nil {
			return nil, fmt.Errorf("enable x2APIC mode: %w", err)
		}
	}

	var regs registers
	if hasX2apic {
		slog.Info("using x2APIC for AP initialization")
		regs = &x2apic{ch: ch}
	} else {
		slog.Info("using xAPIC for AP initialization")
		x, err := initXapic(ch, m, tables, base&apicBaseAddrMask)
		if err != nil {
			return nil, err
		}
		regs = x
	}

	id, err := regs.apicID()
	if err != nil {
		return nil, fmt.Errorf("read local APIC ID: %w", err)
	}

	_, _, version, err := regs.version()
	if err != nil {
		return nil, fmt.Errorf("read APIC version: %w", err)
	}
	if version < 0x10 || version >= 0x20 {
		return nil, fmt.Errorf("%w: %#x", ErrUnsupportedVersion, version)
	}

	flags, vector, err := regs.spurious()
	if err != nil {
		return nil, fmt.Errorf("read spurious interrupt register: %w", err)
	}
	if flags&SpuriousSoftwareEnable == 0 {
		if err := regs.setSpurious(flags|SpuriousSoftwareEnable, vector); err != nil {
			return nil, fmt.Errorf("set APIC software enable: %w", err)
		}
	}

	return &Lapic{id: id, regs: regs}, nil
}

// ID returns the local controller's hardware-assigned identifier.
func (l *Lapic) ID() uint32 { return l.id }

// ErrorStatus reads the error status register.
func (l *Lapic) ErrorStatus() (ErrorFlags, error) { return l.regs.errorStatus() }

// SendIPI issues a raw inter-processor interrupt.
func (l *Lapic) SendIPI(destination uint32, vector uint8, kind MessageType, mode DestinationMode, level Level, trigger TriggerMode, shorthand DestinationShorthand) error {
	return l.regs.sendIPI(destination, vector, kind, mode, level, trigger, shorthand)
}

// SendInitIPI resets the destination core into its wait-for-startup state
// using the fixed two-phase sequence: assert level-triggered, then deassert
// edge-triggered. Error status is cleared before issuing.
func (l *Lapic) SendInitIPI(destination uint32) error {
	if err := l.regs.clearErrors(); err != nil {
		return fmt.Errorf("clear APIC errors: %w", err)
	}
	if err := l.regs.sendIPI(destination, 0, MessageInit, DestinationPhysical,
		LevelAssert, TriggerLevel, ShorthandNone); err != nil {
		return fmt.Errorf("INIT assert to %d: %w", destination, err)
	}
	if err := l.regs.sendIPI(destination, 0, MessageInit, DestinationPhysical,
		LevelDeassert, TriggerEdge, ShorthandNone); err != nil {
		return fmt.Errorf("INIT deassert to %d: %w", destination, err)
	}
	return nil
}

// SendStartupIPI directs the destination core to begin executing at entry.
// The vector field only carries a page-frame number within the first
// megabyte, so entry must be 4K-aligned and below 1 MiB; anything else is
// rejected before touching hardware, because an invalid vector silently
// starts the core at the wrong address.
func (l *Lapic) SendStartupIPI(destination uint32, entry uint64) error {
	if entry%0x1000 != 0 {
		return fmt.Errorf("%w: %#x", ErrVectorNotAligned, entry)
	}
	if entry >= 0x10_0000 {
		return fmt.Errorf("%w: %#x", ErrVectorTooHigh, entry)
	}
	if err := l.regs.clearErrors(); err != nil {
		return fmt.Errorf("clear APIC errors: %w", err)
	}
	if err := l.regs.sendIPI(destination, uint8(entry/0x1000), MessageStartup,
		DestinationPhysical, LevelAssert, TriggerEdge, ShorthandNone); err != nil {
		return fmt.Errorf("SIPI to %d: %w", destination, err)
	}
	return nil
}
