// Package reg provides the uniform register access primitive the interrupt
// controller driver is built on. A Channel is either direct (plain MSR and
// MMIO access through the machine) or mediated (every access is a GHCB
// round-trip serviced by the hypervisor). The choice is made once at boot
// based on the detected encryption mode and never changes.
package reg

import (
	"github.com/tinyrange/stage0/internal/firmware/sev"
	"github.com/tinyrange/stage0/internal/hw"
)

// Channel dispatches register access either directly or through the GHCB.
type Channel struct {
	machine hw.Machine
	ghcb    *sev.Ghcb
}

// Direct returns a channel that accesses hardware registers in-guest.
func Direct(m hw.Machine) *Channel {
	return &Channel{machine: m}
}

// Mediated returns a channel that routes every access through the secure
// channel. Required under SEV-ES and SEV-SNP, where direct register access
// traps without CPU support for automatic emulation.
func Mediated(m hw.Machine, g *sev.Ghcb) *Channel {
	return &Channel{machine: m, ghcb: g}
}

// IsMediated reports whether accesses go through the GHCB.
func (c *Channel) IsMediated() bool { return c.ghcb != nil }

func (c *Channel) ReadMSR(msr uint32) (uint64, error) {
	if c.ghcb != nil {
		return c.ghcb.MSRRead(msr)
	}
	return c.machine.ReadMSR(msr)
}

func (c *Channel) WriteMSR(msr uint32, value uint64) error {
	if c.ghcb != nil {
		return c.ghcb.MSRWrite(msr, value)
	}
	return c.machine.WriteMSR(msr, value)
}

func (c *Channel) ReadMMIO32(addr uint64) (uint32, error) {
	if c.ghcb != nil {
		return c.ghcb.MMIORead32(addr)
	}
	return c.machine.ReadMMIO32(addr)
}

func (c *Channel) WriteMMIO32(addr uint64, value uint32) error {
	if c.ghcb != nil {
		return c.ghcb.MMIOWrite32(addr, value)
	}
	return c.machine.WriteMMIO32(addr, value)
}

func (c *Channel) CPUID(leaf, subleaf uint32) (hw.CPUIDResult, error) {
	if c.ghcb != nil {
		return c.ghcb.CPUID(leaf, subleaf)
	}
	return c.machine.CPUID(leaf, subleaf)
}
