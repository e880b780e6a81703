// Package paging builds the guest's initial translation tables and performs
// the live remap that keeps the firmware's own mapping intact while the
// active page-table root is switched.
//
// The identity map covers the first 1 GiB using 2 MiB hugepages. Every
// present entry carries the memory-encryption bit in its physical address
// when encryption is active. Tables are always mutated copy-new-then-repoint:
// a mapping still backing the executing instruction stream is never removed.
package paging

import (
	"encoding/binary"
	"fmt"

	"github.com/tinyrange/stage0/internal/firmware/layout"
	"github.com/tinyrange/stage0/internal/hw"
)

// Page table entry flags (AMD64 long mode, 4-level paging).
const (
	Present  uint64 = 1 << 0
	Writable uint64 = 1 << 1
	NoCache  uint64 = 1 << 4
	HugePage uint64 = 1 << 7
)

const (
	// PageSize is the size of one page-table page.
	PageSize = 0x1000
	// EntryCount is the number of 64-bit entries per table.
	EntryCount = 512
	// HugePageSize is the span of one leaf-directory hugepage entry.
	HugePageSize = 0x20_0000

	entrySize = 8
	addrMask  = 0x000F_FFFF_FFFF_F000
)

// PageAllocator hands out zeroed, page-aligned guest memory for table pages.
type PageAllocator interface {
	AllocPage() (uint64, error)
}

// Refs holds the physical addresses of the live page-table pages. The low
// page table (4K granularity, first 2 MiB) is kept addressable so the xAPIC
// register window can be mapped without a working interrupt controller.
type Refs struct {
	PML4  uint64
	PDPT  uint64
	PD    uint64
	LowPT uint64
}

// ReadEntry returns entry index of the table page at tablePA.
func ReadEntry(m hw.Machine, tablePA uint64, index int) (uint64, error) {
	if index < 0 || index >= EntryCount {
		return 0, fmt.Errorf("page table index %d out of range", index)
	}
	var buf [entrySize]byte
	if _, err := m.ReadAt(buf[:], int64(tablePA)+int64(index*entrySize)); err != nil {
		return 0, fmt.Errorf("read page table entry %d @%#x: %w", index, tablePA, err)
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

// WriteEntry sets entry index of the table page at tablePA.
func WriteEntry(m hw.Machine, tablePA uint64, index int, value uint64) error {
	if index < 0 || index >= EntryCount {
		return fmt.Errorf("page table index %d out of range", index)
	}
	var buf [entrySize]byte
	binary.LittleEndian.PutUint64(buf[:], value)
	if _, err := m.WriteAt(buf[:], int64(tablePA)+int64(index*entrySize)); err != nil {
		return fmt.Errorf("write page table entry %d @%#x: %w", index, tablePA, err)
	}
	return nil
}

// Build creates a fresh three-level hierarchy identity-mapping the first
// 1 GiB with 2 MiB hugepages. encMask is OR'd into every physical address
// placed in an entry; pass 0 when memory encryption is inactive.
//
// The new tables are built in the shadow: nothing references them until
// Install repoints the root.
func Build(m hw.Machine, alloc PageAllocator, encMask uint64) (*Refs, error) {
	pml4, err := alloc.AllocPage()
	if err != nil {
		return nil, fmt.Errorf("allocate PML4: %w", err)
	}
	pdpt, err := alloc.AllocPage()
	if err != nil {
		return nil, fmt.Errorf("allocate PDPT: %w", err)
	}
	pd, err := alloc.AllocPage()
	if err != nil {
		return nil, fmt.Errorf("allocate PD: %w", err)
	}

	if err := WriteEntry(m, pml4, 0, (pdpt|encMask)|Present|Writable); err != nil {
		return nil, err
	}
	if err := WriteEntry(m, pdpt, 0, (pd|encMask)|Present|Writable); err != nil {
		return nil, err
	}
	for i := 0; i < EntryCount; i++ {
		entry := (uint64(i)*HugePageSize | encMask) | Present | Writable | HugePage
		if err := WriteEntry(m, pd, i, entry); err != nil {
			return nil, err
		}
	}

	return &Refs{PML4: pml4, PDPT: pdpt, PD: pd, LowPT: layout.BiosPTAddr}, nil
}

// Install carries the firmware's own live mappings into the new tables and
// then atomically repoints the page-table root, flushing stale translations
// immediately. The two preserved windows are the 4K-granular first 2 MiB
// (the low page table) and the page directory backing the firmware image in
// the last 2 MiB below 4 GiB; without them the switch would pull the mapping
// out from under the executing code.
func (r *Refs) Install(m hw.Machine, encMask uint64) error {
	if err := WriteEntry(m, r.PD, 0, (layout.BiosPTAddr|encMask)|Present|Writable); err != nil {
		return fmt.Errorf("preserve low page table: %w", err)
	}
	if err := WriteEntry(m, r.PDPT, 3, (layout.BiosPDAddr|encMask)|Present|Writable); err != nil {
		return fmt.Errorf("preserve firmware page directory: %w", err)
	}
	if err := m.WriteCR3(r.PML4); err != nil {
		return fmt.Errorf("install page table root: %w", err)
	}
	if err := m.FlushTLB(); err != nil {
		return fmt.Errorf("flush TLB after root switch: %w", err)
	}
	return nil
}

// Finalize rewrites the preserved low window back to a uniform hugepage
// identity mapping and flushes the TLB. Only safe once the firmware no
// longer depends on the 4K-granular first 2 MiB, i.e. immediately before
// the kernel handoff; the kernel inherits a clean, uniform mapping policy.
func (r *Refs) Finalize(m hw.Machine, encMask uint64) error {
	if err := WriteEntry(m, r.PD, 0, (0|encMask)|Present|Writable|HugePage); err != nil {
		return fmt.Errorf("restore uniform low mapping: %w", err)
	}
	if err := m.FlushTLB(); err != nil {
		return fmt.Errorf("flush TLB after remap: %w", err)
	}
	return nil
}

// MapLowPage points the 4K entry for virtual address vaddr (which must lie
// inside the first 2 MiB) at the physical page physAddr with the given
// flags, then flushes the TLB. Used to place MMIO register windows inside
// the page table the firmware already controls.
func (r *Refs) MapLowPage(m hw.Machine, vaddr, physAddr uint64, flags uint64) error {
	if vaddr >= HugePageSize {
		return fmt.Errorf("virtual address %#x does not land in the first page table", vaddr)
	}
	if vaddr%PageSize != 0 || physAddr%PageSize != 0 {
		return fmt.Errorf("low page mapping %#x -> %#x not page-aligned", vaddr, physAddr)
	}
	index := int(vaddr / PageSize)
	if err := WriteEntry(m, r.LowPT, index, (physAddr&addrMask)|flags); err != nil {
		return fmt.Errorf("map low page %#x: %w", vaddr, err)
	}
	if err := m.FlushTLB(); err != nil {
		return fmt.Errorf("flush TLB after low page map: %w", err)
	}
	return nil
}
