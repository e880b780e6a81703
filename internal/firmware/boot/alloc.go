package boot

import (
	"errors"
	"fmt"

	"github.com/tinyrange/stage0/internal/hw"
)

// ErrAllocExhausted means the firmware's fixed working area ran out. There
// is nothing to reclaim; the boot halts.
var ErrAllocExhausted = errors.New("boot allocator exhausted")

// BumpAllocator hands out guest memory from a fixed firmware-owned window.
// Allocations are zeroed and never freed; the allocator's lifetime is the
// firmware's single run, after which the kernel owns the memory.
type BumpAllocator struct {
	m    hw.Machine
	base uint64
	size uint64
	next uint64
}

// NewBumpAllocator scopes an allocator over [base, base+size).
func NewBumpAllocator(m hw.Machine, base, size uint64) *BumpAllocator {
	return &BumpAllocator{m: m, base: base, size: size, next: base}
}

// Alloc returns the physical address of a zeroed region of the given size
// and alignment.
func (a *BumpAllocator) Alloc(size, align uint64) (uint64, error) {
	if size == 0 {
		return 0, errors.New("zero-sized allocation")
	}
	if align == 0 {
		align = 1
	}
	addr := (a.next + align - 1) &^ (align - 1)
	if addr+size > a.base+a.size {
		return 0, fmt.Errorf("%w: %d bytes requested, %d left", ErrAllocExhausted, size, a.base+a.size-a.next)
	}
	a.next = addr + size

	// Zero the region; under memory encryption the backing pages hold
	// ciphertext garbage until written.
	zero := make([]byte, size)
	if _, err := a.m.WriteAt(zero, int64(addr)); err != nil {
		return 0, fmt.Errorf("zero allocation @%#x: %w", addr, err)
	}
	return addr, nil
}

// AllocPage returns one zeroed, page-aligned 4K page.
func (a *BumpAllocator) AllocPage() (uint64, error) {
	return a.Alloc(0x1000, 0x1000)
}

// Used reports how many bytes have been handed out.
func (a *BumpAllocator) Used() uint64 {
	return a.next - a.base
}
