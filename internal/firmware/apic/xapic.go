package apic

import (
	"fmt"

	"github.com/tinyrange/stage0/internal/firmware/layout"
	"github.com/tinyrange/stage0/internal/firmware/paging"
	"github.com/tinyrange/stage0/internal/firmware/reg"
	"github.com/tinyrange/stage0/internal/hw"
)

// xAPIC register offsets within the 4K MMIO window. Only the registers the
// firmware needs are represented.
const (
	xapicIDRegister       = 0x020
	xapicVersionRegister  = 0x030
	xapicSpuriousRegister = 0x0F0
	xapicErrorRegister    = 0x280
	xapicICRLowRegister   = 0x300
	xapicICRHighRegister  = 0x310

	xapicWindowSize = 0x1000
)

// xapic is the legacy MMIO-addressed controller. The register window is
// mapped at a reserved virtual slot inside the first page table before any
// access, so the mapping edit needs no working interrupt controller.
type xapic struct {
	ch   *reg.Channel
	base uint64
}

// initXapic maps the register window at the reserved low-memory slot and
// returns the variant. The slot has to land inside the first page table;
// that is a property of the layout, checked rather than assumed.
func initXapic(ch *reg.Channel, m hw.Machine, tables *paging.Refs, base uint64) (*xapic, error) {
	if layout.APICWindowAddr+xapicWindowSize > paging.HugePageSize {
		return nil, fmt.Errorf("APIC window %#x does not land in the first page table", uint64(layout.APICWindowAddr))
	}
	if err := tables.MapLowPage(m, layout.APICWindowAddr, base,
		paging.Present|paging.Writable|paging.NoCache); err != nil {
		return nil, fmt.Errorf("map xAPIC register window: %w", err)
	}
	return &xapic{ch: ch, base: base}, nil
}

func (x *xapic) read(offset uint64) (uint32, error) {
	return x.ch.ReadMMIO32(x.base + offset)
}

func (x *xapic) write(offset uint64, value uint32) error {
	return x.ch.WriteMMIO32(x.base+offset, value)
}

func (x *xapic) apicID() (uint32, error) {
	val, err := x.read(xapicIDRegister)
	if err != nil {
		return 0, err
	}
	return val >> 24, nil
}

func (x *xapic) version() (bool, uint8, uint8, error) {
	val, err := x.read(xapicVersionRegister)
	if err != nil {
		return false, 0, 0, err
	}
	return val&(1<<31) != 0, uint8((val & 0xFF0000) >> 16), uint8(val & 0xFF), nil
}

func (x *xapic) errorStatus() (ErrorFlags, error) {
	val, err := x.read(xapicErrorRegister)
	if err != nil {
		return 0, err
	}
	return ErrorFlags(val), nil
}

func (x *xapic) clearErrors() error {
	return x.write(xapicErrorRegister, 0)
}

func (x *xapic) spurious() (SpuriousFlags, uint8, error) {
	val, err := x.read(xapicSpuriousRegister)
	if err != nil {
		return 0, 0, err
	}
	return SpuriousFlags(val & spuriousFlagMask), uint8(val & 0xFF), nil
}

func (x *xapic) setSpurious(flags SpuriousFlags, vector uint8) error {
	return x.write(xapicSpuriousRegister, uint32(flags)|uint32(vector))
}

func (x *xapic) sendIPI(destination uint32, vector uint8, kind MessageType, mode DestinationMode, level Level, trigger TriggerMode, shorthand DestinationShorthand) error {
	if destination > 0xFF {
		return fmt.Errorf("%w: %d", ErrDestinationTooWide, destination)
	}
	// Writing the low doubleword issues the interrupt, so the destination
	// must be in place first.
	if err := x.write(xapicICRHighRegister, destination<<24); err != nil {
		return err
	}
	return x.write(xapicICRLowRegister, icrLow(vector, kind, mode, level, trigger, shorthand))
}
