package boot

import (
	"encoding/binary"
	"fmt"

	"github.com/tinyrange/stage0/internal/firmware/fwcfg"
	"github.com/tinyrange/stage0/internal/hw"
)

// Zero page ("boot_params") field offsets per the 64-bit Linux boot
// protocol. The setup header starts at 0x1f1 and fields inside it are
// addressed relative to that.
const (
	zeroPageSize = 4096

	setupHeaderOffset = 497

	acpiRsdpAddrOffset  = 0x070
	zeroPageE820Entries = 488
	zeroPageE820Table   = 720

	e820EntrySize  = 20
	e820MaxEntries = 128
	e820TypeRAM    = 1

	setupHeaderBootFlagOffset = setupHeaderOffset + 13
	setupHeaderHeaderOffset   = setupHeaderOffset + 17
	typeOfLoaderOffset        = setupHeaderOffset + 31
	cmdLinePtrOffset          = setupHeaderOffset + 55
	cmdlineSizeOffset         = setupHeaderOffset + 71
	setupDataOffset           = setupHeaderOffset + 95

	headerMagic               = "HdrS"
	bootFlagMagic      uint16 = 0xAA55
	typeOfLoaderUnknown uint8 = 0xFF
)

// ZeroPage is the preallocated boot-parameter structure. The firmware owns
// it exclusively until the jump; afterwards it is only ever read by the
// kernel.
type ZeroPage struct {
	m    hw.Machine
	Addr uint64
}

// InitZeroPage allocates and populates the boot-parameter structure:
// magic/boot-flag markers, loader type, and the e820 memory map from the
// configuration device.
func InitZeroPage(m hw.Machine, alloc *BumpAllocator, dev fwcfg.Device) (*ZeroPage, error) {
	addr, err := alloc.Alloc(zeroPageSize, 0x1000)
	if err != nil {
		return nil, fmt.Errorf("allocate zero page: %w", err)
	}
	zp := &ZeroPage{m: m, Addr: addr}

	if err := zp.putU16(setupHeaderBootFlagOffset, bootFlagMagic); err != nil {
		return nil, err
	}
	if _, err := m.WriteAt([]byte(headerMagic), int64(addr+setupHeaderHeaderOffset)); err != nil {
		return nil, fmt.Errorf("write header magic: %w", err)
	}
	if err := zp.putU8(typeOfLoaderOffset, typeOfLoaderUnknown); err != nil {
		return nil, err
	}

	ranges, err := dev.MemoryMap()
	if err != nil {
		return nil, fmt.Errorf("read memory map: %w", err)
	}
	if err := zp.setE820(ranges); err != nil {
		return nil, err
	}

	return zp, nil
}

func (z *ZeroPage) putU8(off uint64, v uint8) error {
	if _, err := z.m.WriteAt([]byte{v}, int64(z.Addr+off)); err != nil {
		return fmt.Errorf("write zero page byte @%#x: %w", off, err)
	}
	return nil
}

func (z *ZeroPage) putU16(off uint64, v uint16) error {
	var buf [2]byte
	binary.LittleEndian.PutUint16(buf[:], v)
	if _, err := z.m.WriteAt(buf[:], int64(z.Addr+off)); err != nil {
		return fmt.Errorf("write zero page u16 @%#x: %w", off, err)
	}
	return nil
}

func (z *ZeroPage) putU32(off uint64, v uint32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	if _, err := z.m.WriteAt(buf[:], int64(z.Addr+off)); err != nil {
		return fmt.Errorf("write zero page u32 @%#x: %w", off, err)
	}
	return nil
}

func (z *ZeroPage) putU64(off uint64, v uint64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	if _, err := z.m.WriteAt(buf[:], int64(z.Addr+off)); err != nil {
		return fmt.Errorf("write zero page u64 @%#x: %w", off, err)
	}
	return nil
}

func (z *ZeroPage) getU64(off uint64) (uint64, error) {
	var buf [8]byte
	if _, err := z.m.ReadAt(buf[:], int64(z.Addr+off)); err != nil {
		return 0, fmt.Errorf("read zero page u64 @%#x: %w", off, err)
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

func (z *ZeroPage) setE820(ranges []fwcfg.RAMRange) error {
	if len(ranges) > e820MaxEntries {
		return fmt.Errorf("%d e820 entries exceed table capacity", len(ranges))
	}
	for i, r := range ranges {
		off := uint64(zeroPageE820Table + i*e820EntrySize)
		if err := z.putU64(off, r.Start); err != nil {
			return err
		}
		if err := z.putU64(off+8, r.Size); err != nil {
			return err
		}
		if err := z.putU32(off+16, e820TypeRAM); err != nil {
			return err
		}
	}
	return z.putU8(zeroPageE820Entries, uint8(len(ranges)))
}

// SetCmdline points the header at the kernel command line.
func (z *ZeroPage) SetCmdline(ptr uint64, size uint32) error {
	if err := z.putU32(cmdLinePtrOffset, uint32(ptr)); err != nil {
		return err
	}
	return z.putU32(cmdlineSizeOffset, size)
}

// SetACPIRSDP records the physical address of the ACPI root pointer.
func (z *ZeroPage) SetACPIRSDP(addr uint64) error {
	return z.putU64(acpiRsdpAddrOffset, addr)
}

// SetupData returns the current head of the extensible setup_data list.
func (z *ZeroPage) SetupData() (uint64, error) {
	return z.getU64(setupDataOffset)
}

// SetSetupData installs a new setup_data list head.
func (z *ZeroPage) SetSetupData(head uint64) error {
	return z.putU64(setupDataOffset, head)
}

// E820Ranges reads back the usable memory ranges recorded in the table.
func (z *ZeroPage) E820Ranges() ([]fwcfg.RAMRange, error) {
	var count [1]byte
	if _, err := z.m.ReadAt(count[:], int64(z.Addr+zeroPageE820Entries)); err != nil {
		return nil, fmt.Errorf("read e820 entry count: %w", err)
	}
	ranges := make([]fwcfg.RAMRange, 0, count[0])
	for i := 0; i < int(count[0]); i++ {
		off := uint64(zeroPageE820Table + i*e820EntrySize)
		start, err := z.getU64(off)
		if err != nil {
			return nil, err
		}
		size, err := z.getU64(off + 8)
		if err != nil {
			return nil, err
		}
		ranges = append(ranges, fwcfg.RAMRange{Start: start, Size: size})
	}
	return ranges, nil
}
