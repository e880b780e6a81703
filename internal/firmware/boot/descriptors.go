package boot

import (
	"encoding/binary"
	"fmt"

	"github.com/tinyrange/stage0/internal/hw"
)

// Flat 64-bit mode descriptors: a null entry, one kernel code segment and
// one kernel data segment. Base and limit are ignored in long mode; the
// encodings carry present, DPL 0, and the long-mode bit on the code segment.
const (
	gdtCodeDescriptor = 0x00AF_9B00_0000_FFFF
	gdtDataDescriptor = 0x00CF_9300_0000_FFFF

	gdtEntryCount = 3

	selectorCode = 0x08
	selectorData = 0x10

	idtEntrySize  = 16
	idtEntryCount = 256
)

// SetupDescriptors installs the descriptor tables the 64-bit boot protocol
// expects before the kernel jump: a flat GDT loaded and referenced by all
// six segment registers, then an IDT with every vector empty. The kernel
// installs its own handlers immediately; until then any interrupt hits an
// empty descriptor and faults instead of jumping through stale firmware
// state.
func SetupDescriptors(m hw.Machine, alloc *BumpAllocator) error {
	gdtPA, err := alloc.Alloc(gdtEntryCount*8, 8)
	if err != nil {
		return fmt.Errorf("allocate GDT: %w", err)
	}
	gdt := make([]byte, gdtEntryCount*8)
	binary.LittleEndian.PutUint64(gdt[8:], gdtCodeDescriptor)
	binary.LittleEndian.PutUint64(gdt[16:], gdtDataDescriptor)
	if _, err := m.WriteAt(gdt, int64(gdtPA)); err != nil {
		return fmt.Errorf("write GDT: %w", err)
	}
	if err := m.LoadDescriptorTable(hw.DescriptorTableGDT, gdtPA, uint16(len(gdt)-1)); err != nil {
		return fmt.Errorf("load GDT: %w", err)
	}

	if err := m.SetRegister(hw.RegisterAMD64Cs, selectorCode); err != nil {
		return fmt.Errorf("set code segment: %w", err)
	}
	for _, reg := range []hw.Register{
		hw.RegisterAMD64Ds, hw.RegisterAMD64Es, hw.RegisterAMD64Fs,
		hw.RegisterAMD64Gs, hw.RegisterAMD64Ss,
	} {
		if err := m.SetRegister(reg, selectorData); err != nil {
			return fmt.Errorf("set data segment: %w", err)
		}
	}

	// The allocator zeroes the region, so every vector is already empty.
	idtPA, err := alloc.Alloc(idtEntryCount*idtEntrySize, 16)
	if err != nil {
		return fmt.Errorf("allocate IDT: %w", err)
	}
	if err := m.LoadDescriptorTable(hw.DescriptorTableIDT, idtPA, idtEntryCount*idtEntrySize-1); err != nil {
		return fmt.Errorf("load IDT: %w", err)
	}
	return nil
}
