package apic

import "github.com/tinyrange/stage0/internal/firmware/reg"

// x2APIC MSR numbers. The x2APIC maps the register file into MSR space at
// 0x800 + (MMIO offset >> 4).
const (
	x2apicIDMSR       = 0x0000_0802
	x2apicVersionMSR  = 0x0000_0803
	x2apicSpuriousMSR = 0x0000_080F
	x2apicErrorMSR    = 0x0000_0828
	x2apicICRMSR      = 0x0000_0830
)

// x2apic is the extended MSR-addressed controller. Destination ids are full
// 32-bit values and the interrupt command is a single 64-bit register.
type x2apic struct {
	ch *reg.Channel
}

func (x *x2apic) apicID() (uint32, error) {
	val, err := x.ch.ReadMSR(x2apicIDMSR)
	if err != nil {
		return 0, err
	}
	return uint32(val), nil
}

func (x *x2apic) version() (bool, uint8, uint8, error) {
	val, err := x.ch.ReadMSR(x2apicVersionMSR)
	if err != nil {
		return false, 0, 0, err
	}
	return val&(1<<31) != 0, uint8((val & 0xFF0000) >> 16), uint8(val & 0xFF), nil
}

func (x *x2apic) errorStatus() (ErrorFlags, error) {
	val, err := x.ch.ReadMSR(x2apicErrorMSR)
	if err != nil {
		return 0, err
	}
	return ErrorFlags(val), nil
}

func (x *x2apic) clearErrors() error {
	return x.ch.WriteMSR(x2apicErrorMSR, 0)
}

func (x *x2apic) spurious() (SpuriousFlags, uint8, error) {
	val, err := x.ch.ReadMSR(x2apicSpuriousMSR)
	if err != nil {
		return 0, 0, err
	}
	return SpuriousFlags(uint32(val) & spuriousFlagMask), uint8(val & 0xFF), nil
}

func (x *x2apic) setSpurious(flags SpuriousFlags, vector uint8) error {
	return x.ch.WriteMSR(x2apicSpuriousMSR, uint64(flags)|uint64(vector))
}

func (x *x2apic) sendIPI(destination uint32, vector uint8, kind MessageType, mode DestinationMode, level Level, trigger TriggerMode, shorthand DestinationShorthand) error {
	value := uint64(destination)<<32 |
		uint64(icrLow(vector, kind, mode, level, trigger, shorthand))
	return x.ch.WriteMSR(x2apicICRMSR, value)
}
