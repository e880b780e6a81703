// Package apic drives the local APIC during multiprocessor bring-up. Two
// hardware variants exist and the set is closed: the legacy xAPIC addressed
// through an MMIO register window, and the x2APIC addressed through MSRs.
// Both implement the same capability set over a register channel, so every
// access transparently goes through the GHCB when the encryption mode
// requires mediation.
//
// Register layouts follow the AMD64 Architecture Programmer's Manual,
// Volume 2, chapter 16.
package apic

import "errors"

var (
	// ErrUnsupportedVersion means the controller reported a version outside
	// the documented range; the hardware cannot be trusted to coordinate
	// cores.
	ErrUnsupportedVersion = errors.New("local APIC version not in valid range")

	// ErrDestinationTooWide means a destination id does not fit the legacy
	// controller's 8-bit destination field.
	ErrDestinationTooWide = errors.New("destination APIC ID too big for xAPIC")

	// ErrVectorNotAligned and ErrVectorTooHigh reject startup vectors the
	// SIPI page-frame encoding cannot carry.
	ErrVectorNotAligned = errors.New("startup vector is not page-aligned")
	ErrVectorTooHigh    = errors.New("startup vector must be below the first megabyte")
)

// Flags in the APIC Base Address Register (MSR 0x1B).
const (
	// BaseFlagEnable enables the local APIC.
	BaseFlagEnable = 1 << 11
	// BaseFlagExtd switches the controller into x2APIC mode. The APIC must
	// be enabled first; support is indicated by CPUID Fn0000_0001 ECX[21].
	BaseFlagExtd = 1 << 10
	// BaseFlagBootCore marks the bootstrap core.
	BaseFlagBootCore = 1 << 8

	apicBaseMSR      = 0x0000_001B
	apicBaseAddrMask = 0x000F_FFFF_FFFF_F000

	cpuidFeatureLeaf = 0x0000_0001
	cpuidX2ApicBit   = 1 << 21
)

// ErrorFlags is the contents of the APIC Error Status Register.
type ErrorFlags uint32

const (
	// ErrSendAccept: message sent by the local APIC was not accepted.
	ErrSendAccept ErrorFlags = 1 << 2
	// ErrReceiveAccept: message received was not accepted by any APIC.
	ErrReceiveAccept ErrorFlags = 1 << 3
	// ErrSendIllegalVector: attempted to send an illegal vector.
	ErrSendIllegalVector ErrorFlags = 1 << 5
	// ErrReceiveIllegalVector: received a message with an illegal vector.
	ErrReceiveIllegalVector ErrorFlags = 1 << 6
	// ErrIllegalRegister: access to an unimplemented APIC register.
	ErrIllegalRegister ErrorFlags = 1 << 7
)

// SpuriousFlags is the flag portion of the Spurious Interrupt Register.
type SpuriousFlags uint32

const (
	// SpuriousSoftwareEnable is the APIC software enable bit.
	SpuriousSoftwareEnable SpuriousFlags = 1 << 8
	// SpuriousFocusChecking enables focus CPU core checking.
	SpuriousFocusChecking SpuriousFlags = 1 << 9

	spuriousFlagMask = uint32(SpuriousSoftwareEnable | SpuriousFocusChecking)
)

// MessageType selects the interrupt type carried by the Interrupt Command
// Register. Only the types valid under x2APIC are represented.
type MessageType uint32

const (
	// MessageFixed delivers a fixed interrupt to the destination.
	MessageFixed MessageType = 0b000 << 8
	// MessageSMI delivers a system management interrupt; edge-triggered,
	// vector must be zero.
	MessageSMI MessageType = 0b010 << 8
	// MessageNMI delivers a non-maskable interrupt; vector ignored.
	MessageNMI MessageType = 0b100 << 8
	// MessageInit puts the destination core into INIT state. After INIT the
	// target only accepts a startup IPI.
	MessageInit MessageType = 0b101 << 8
	// MessageStartup directs the destination core to start executing at the
	// page whose frame number is in the vector field.
	MessageStartup MessageType = 0b110 << 8
)

// DestinationMode selects physical or logical destination addressing.
type DestinationMode uint32

const (
	DestinationPhysical DestinationMode = 0 << 11
	DestinationLogical  DestinationMode = 1 << 11
)

// Level is the level flag of the Interrupt Command Register.
type Level uint32

const (
	LevelDeassert Level = 0 << 14
	LevelAssert   Level = 1 << 14
)

// TriggerMode is the trigger mode flag of the Interrupt Command Register.
type TriggerMode uint32

const (
	TriggerEdge  TriggerMode = 0 << 15
	TriggerLevel TriggerMode = 1 << 15
)

// DestinationShorthand optionally overrides the destination field.
type DestinationShorthand uint32

const (
	// ShorthandNone uses the destination field as-is.
	ShorthandNone DestinationShorthand = 0b00 << 18
	// ShorthandSelf targets only the issuing APIC.
	ShorthandSelf DestinationShorthand = 0b01 << 18
	// ShorthandAllInclSelf targets every local APIC including the issuer.
	ShorthandAllInclSelf DestinationShorthand = 0b10 << 18
	// ShorthandAllExclSelf targets every local APIC except the issuer.
	ShorthandAllExclSelf DestinationShorthand = 0b11 << 18
)

// icrLow assembles the low doubleword of an interrupt command.
func icrLow(vector uint8, kind MessageType, mode DestinationMode, level Level, trigger TriggerMode, shorthand DestinationShorthand) uint32 {
	return uint32(shorthand) | uint32(trigger) | uint32(level) |
		uint32(mode) | uint32(kind) | uint32(vector)
}

// registers is the capability set shared by both controller variants.
type registers interface {
	apicID() (uint32, error)

	// version returns the extended-area flag, the max LVT entry count and
	// the version number.
	version() (bool, uint8, uint8, error)

	errorStatus() (ErrorFlags, error)
	clearErrors() error

	spurious() (SpuriousFlags, uint8, error)
	setSpurious(flags SpuriousFlags, vector uint8) error

	sendIPI(destination uint32, vector uint8, kind MessageType, mode DestinationMode, level Level, trigger TriggerMode, shorthand DestinationShorthand) error
}
