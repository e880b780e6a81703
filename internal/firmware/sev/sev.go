// Package sev implements the confidential-computing bootstrap: detecting
// which AMD SEV tier the guest runs under, the GHCB secure channel used for
// hypervisor-mediated register access, SNP memory validation and the CC blob
// handed to the kernel.
package sev

import (
	"fmt"

	"github.com/tinyrange/stage0/internal/hw"
)

// Mode is the memory-encryption tier the guest was launched with.
type Mode int

const (
	// ModeOff means no encrypted register state; all hardware access is
	// direct.
	ModeOff Mode = iota
	// ModeEs means SEV-ES: CPU register state is encrypted and MSR/MMIO
	// access must be mediated through the GHCB.
	ModeEs
	// ModeSnp means SEV-SNP: as SEV-ES, plus hypervisor memory assignment
	// must be validated before guest memory is trusted.
	ModeSnp
)

func (m Mode) String() string {
	switch m {
	case ModeEs:
		return "SEV-ES"
	case ModeSnp:
		return "SEV-SNP"
	default:
		return "off"
	}
}

// NeedsGhcb reports whether hardware register access must go through the
// secure channel under this mode.
func (m Mode) NeedsGhcb() bool {
	return m == ModeEs || m == ModeSnp
}

const (
	// SevStatusMSR reports which SEV features are active for this guest.
	// Only safe to read once memory encryption is known to be on.
	SevStatusMSR = 0xC001_0131

	sevStatusEnabled   = 1 << 0
	sevStatusEsEnabled = 1 << 1
	sevStatusSnpActive = 1 << 2
)

// State is the encryption configuration determined once at entry. It never
// changes for the lifetime of the firmware.
type State struct {
	Mode Mode

	// CBitPosition is the physical-address bit that marks a page table
	// entry as encrypted. Zero means memory encryption is inactive.
	CBitPosition uint64
}

// PageMask returns the bit to OR into every physical address placed in a
// page table entry, or 0 when encryption is inactive.
func (s State) PageMask() uint64 {
	if s.CBitPosition == 0 {
		return 0
	}
	return 1 << s.CBitPosition
}

// DetectState classifies the guest's encryption tier. encBit is the
// encrypted-bit position handed over by the reset-vector code; when it is
// zero the guest is unencrypted and the status MSR must not be touched.
func DetectState(m hw.Machine, encBit uint64) (State, error) {
	if encBit == 0 {
		return State{Mode: ModeOff}, nil
	}
	if encBit > 63 {
		return State{}, fmt.Errorf("encrypted bit position %d out of range", encBit)
	}

	// Memory encryption is active, so reading SEV_STATUS cannot fault.
	status, err := m.ReadMSR(SevStatusMSR)
	if err != nil {
		return State{}, fmt.Errorf("read SEV_STATUS: %w", err)
	}

	st := State{Mode: ModeOff, CBitPosition: encBit}
	switch {
	case status&sevStatusSnpActive != 0:
		st.Mode = ModeSnp
	case status&sevStatusEsEnabled != 0:
		st.Mode = ModeEs
	}
	return st, nil
}
