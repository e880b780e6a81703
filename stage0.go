// Package stage0 is the early-boot firmware for a confidential virtual
// machine: the first code that runs inside a hardware-memory-encrypted
// guest, responsible for bringing the machine into a state a
// general-purpose kernel can take over.
//
// The boot sequence is written against a hardware-access interface so the
// same logic drives the in-process simulator used by tests and the dry-run
// CLI. Boot detects the memory-encryption mode, opens the GHCB secure
// channel when register access must be hypervisor-mediated, validates guest
// memory under SEV-SNP, builds the boot parameters and identity-mapped page
// tables, wakes secondary cores, and hands control to the kernel.
package stage0

import (
	"github.com/tinyrange/stage0/internal/firmware"
	"github.com/tinyrange/stage0/internal/firmware/fwcfg"
	"github.com/tinyrange/stage0/internal/firmware/sev"
	"github.com/tinyrange/stage0/internal/hw"
	"github.com/tinyrange/stage0/internal/hw/sim"
)

// -----------------------------------------------------------------------------
// Type Aliases - These re-export types from the internal packages
// -----------------------------------------------------------------------------

// Machine is the hardware surface the boot sequence runs against.
type Machine = hw.Machine

// Config carries the state handed to the boot sequence by the reset vector.
type Config = firmware.Config

// Report describes the machine state at the moment of kernel handoff.
type Report = firmware.Report

// Device is the firmware-configuration collaborator.
type Device = fwcfg.Device

// StaticDevice is a Device backed by fixed values.
type StaticDevice = fwcfg.Static

// RAMRange is one usable guest physical memory range.
type RAMRange = fwcfg.RAMRange

// Peer is the hypervisor-side counterpart servicing GHCB requests.
type Peer = sev.Peer

// Mode is the memory-encryption tier the guest was launched with.
type Mode = sev.Mode

// Encryption tiers.
const (
	ModeOff = sev.ModeOff
	ModeEs  = sev.ModeEs
	ModeSnp = sev.ModeSnp
)

// SimMachine is the in-process machine simulator.
type SimMachine = sim.Machine

// SimConfig selects the simulated hardware's feature set.
type SimConfig = sim.Config

// NewSimMachine allocates a simulated confidential VM.
func NewSimMachine(cfg SimConfig) (*SimMachine, error) {
	return sim.NewMachine(cfg)
}

// Boot runs the firmware's boot sequence to the point of kernel handoff and
// returns the handoff state. Every error is fatal: on real hardware the
// machine halts, there is no supervisor to recover to.
func Boot(m Machine, dev Device, peer Peer, cfg Config) (*Report, error) {
	return firmware.Run(m, dev, peer, cfg)
}
