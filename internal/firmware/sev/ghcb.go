package sev

import (
	"errors"
	"fmt"

	"github.com/tinyrange/stage0/internal/hw"
)

var (
	// ErrGhcbClosed is returned for any mediated access after Close.
	ErrGhcbClosed = errors.New("GHCB channel is closed")

	// ErrGhcbDenied wraps a request the hypervisor-side peer rejected.
	ErrGhcbDenied = errors.New("GHCB request denied by hypervisor")

	// ErrValidation is returned when the hypervisor's memory assignment
	// does not match what the guest expects.
	ErrValidation = errors.New("memory validation failed")
)

// Peer is the hypervisor-side counterpart that services GHCB requests. Each
// call performs the access on the guest's behalf; a returned error means the
// access was not honored and must propagate.
type Peer interface {
	ReadMSR(msr uint32) (uint64, error)
	WriteMSR(msr uint32, value uint64) error
	ReadMMIO32(addr uint64) (uint32, error)
	WriteMMIO32(addr uint64, value uint32) error
	CPUID(leaf, subleaf uint32) (hw.CPUIDResult, error)

	// PageAssigned reports whether the hypervisor asserts the 4K page at
	// addr is private to this guest.
	PageAssigned(addr uint64) (bool, error)
}

// Ghcb is the guest-hypervisor communication block. It must be open before
// any mediated hardware access and closed before the kernel handoff; once
// closed it can never be used again.
type Ghcb struct {
	peer Peer
	snp  bool
}

// OpenGhcb establishes the secure channel. Under SNP the GHCB page itself
// has to be shared with the host before the hypervisor will service calls,
// which the launcher asserts through the peer's page assignment table.
func OpenGhcb(peer Peer, st State) (*Ghcb, error) {
	if peer == nil {
		return nil, errors.New("no GHCB peer available")
	}
	if !st.Mode.NeedsGhcb() {
		return nil, fmt.Errorf("GHCB not required under %v", st.Mode)
	}
	return &Ghcb{peer: peer, snp: st.Mode == ModeSnp}, nil
}

// Close tears the channel down. Any mediated access attempted afterwards
// fails with ErrGhcbClosed.
func (g *Ghcb) Close() {
	g.peer = nil
}

func (g *Ghcb) live() (Peer, error) {
	if g == nil || g.peer == nil {
		return nil, ErrGhcbClosed
	}
	return g.peer, nil
}

func (g *Ghcb) MSRRead(msr uint32) (uint64, error) {
	peer, err := g.live()
	if err != nil {
		return 0, err
	}
	val, err := peer.ReadMSR(msr)
	if err != nil {
		return 0, fmt.Errorf("%w: MSR %#x read: %w", ErrGhcbDenied, msr, err)
	}
	return val, nil
}

func (g *Ghcb) MSRWrite(msr uint32, value uint64) error {
	peer, err := g.live()
	if err != nil {
		return err
	}
	if err := peer.WriteMSR(msr, value); err != nil {
		return fmt.Errorf("%w: MSR %#x write: %w", ErrGhcbDenied, msr, err)
	}
	return nil
}

func (g *Ghcb) MMIORead32(addr uint64) (uint32, error) {
	peer, err := g.live()
	if err != nil {
		return 0, err
	}
	val, err := peer.ReadMMIO32(addr)
	if err != nil {
		return 0, fmt.Errorf("%w: MMIO %#x read: %w", ErrGhcbDenied, addr, err)
	}
	return val, nil
}

func (g *Ghcb) MMIOWrite32(addr uint64, value uint32) error {
	peer, err := g.live()
	if err != nil {
		return err
	}
	if err := peer.WriteMMIO32(addr, value); err != nil {
		return fmt.Errorf("%w: MMIO %#x write: %w", ErrGhcbDenied, addr, err)
	}
	return nil
}

func (g *Ghcb) CPUID(leaf, subleaf uint32) (hw.CPUIDResult, error) {
	peer, err := g.live()
	if err != nil {
		return hw.CPUIDResult{}, err
	}
	res, err := peer.CPUID(leaf, subleaf)
	if err != nil {
		return hw.CPUIDResult{}, fmt.Errorf("%w: CPUID %#x: %w", ErrGhcbDenied, leaf, err)
	}
	return res, nil
}

// Range is a physical memory range subject to SNP validation.
type Range struct {
	Start uint64
	Size  uint64
}

const pageSize = 0x1000

// ValidateMemory checks every page of the given ranges against the
// hypervisor-asserted assignment table. A page the host claims is not
// private to this guest means the host is misrepresenting memory and the
// boot must not proceed. progress may be nil.
func (g *Ghcb) ValidateMemory(ranges []Range, progress func(done, total int)) error {
	if !g.snp {
		return errors.New("memory validation only applies under SEV-SNP")
	}
	peer, err := g.live()
	if err != nil {
		return err
	}

	var total int
	for _, r := range ranges {
		total += int((r.Size + pageSize - 1) / pageSize)
	}

	done := 0
	for _, r := range ranges {
		if r.Start%pageSize != 0 {
			return fmt.Errorf("%w: range start %#x not page-aligned", ErrValidation, r.Start)
		}
		for off := uint64(0); off < r.Size; off += pageSize {
			addr := r.Start + off
			assigned, err := peer.PageAssigned(addr)
			if err != nil {
				return fmt.Errorf("%w: page state for %#x: %w", ErrGhcbDenied, addr, err)
			}
			if !assigned {
				return fmt.Errorf("%w: page %#x not assigned to guest", ErrValidation, addr)
			}
			done++
			if progress != nil {
				progress(done, total)
			}
		}
	}
	return nil
}
