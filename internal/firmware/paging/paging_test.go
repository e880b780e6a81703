package paging

import (
	"strings"
	"testing"

	"github.com/tinyrange/stage0/internal/firmware/boot"
	"github.com/tinyrange/stage0/internal/firmware/layout"
	"github.com/tinyrange/stage0/internal/hw/sim"
)

func testMachine(t *testing.T) *sim.Machine {
	t.Helper()
	m, err := sim.NewMachine(sim.Config{MemorySize: 4 << 20})
	if err != nil {
		t.Fatalf("NewMachine: %v", err)
	}
	t.Cleanup(func() { m.Close() })
	return m
}

func build(t *testing.T, m *sim.Machine, encMask uint64) *Refs {
	t.Helper()
	alloc := boot.NewBumpAllocator(m, layout.BumpBase, layout.BumpSize)
	refs, err := Build(m, alloc, encMask)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	return refs
}

func TestBuildIdentityMap(t *testing.T) {
	m := testMachine(t)
	refs := build(t, m, 0)

	pml4e, err := ReadEntry(m, refs.PML4, 0)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := pml4e, refs.PDPT|Present|Writable; got != want {
		t.Errorf("PML4[0] = %#x, want %#x", got, want)
	}

	pdpte, err := ReadEntry(m, refs.PDPT, 0)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := pdpte, refs.PD|Present|Writable; got != want {
		t.Errorf("PDPT[0] = %#x, want %#x", got, want)
	}

	// 1 GiB of 2 MiB hugepages: exactly 512 leaf entries, all
	// present+writable+huge, no encryption bit.
	for i := 0; i < EntryCount; i++ {
		entry, err := ReadEntry(m, refs.PD, i)
		if err != nil {
			t.Fatal(err)
		}
		want := uint64(i)*HugePageSize | Present | Writable | HugePage
		if entry != want {
			t.Fatalf("PD[%d] = %#x, want %#x", i, entry, want)
		}
	}
}

func TestBuildSetsEncryptionBit(t *testing.T) {
	// Every bit position an active encryption configuration can carry must
	// appear in each leaf entry; position 0 is the inactive encoding and is
	// covered by TestBuildIdentityMap.
	for pos := uint64(1); pos <= 63; pos++ {
		m := testMachine(t)
		mask := uint64(1) << pos
		refs := build(t, m, mask)

		for _, idx := range []int{0, 1, 255, 511} {
			entry, err := ReadEntry(m, refs.PD, idx)
			if err != nil {
				t.Fatal(err)
			}
			if entry&mask == 0 {
				t.Fatalf("bit %d: PD[%d] = %#x missing encryption bit", pos, idx, entry)
			}
		}
		pml4e, err := ReadEntry(m, refs.PML4, 0)
		if err != nil {
			t.Fatal(err)
		}
		if pml4e&mask == 0 {
			t.Fatalf("bit %d: PML4[0] = %#x missing encryption bit", pos, pml4e)
		}
	}
}

func TestInstallPreservesLiveMappings(t *testing.T) {
	m := testMachine(t)
	refs := build(t, m, 0)

	if err := refs.Install(m, 0); err != nil {
		t.Fatalf("Install: %v", err)
	}

	pd0, err := ReadEntry(m, refs.PD, 0)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := pd0, uint64(layout.BiosPTAddr)|Present|Writable; got != want {
		t.Errorf("PD[0] = %#x, want carried-forward low page table %#x", got, want)
	}
	if pd0&HugePage != 0 {
		t.Error("PD[0] must stay 4K-granular until Finalize")
	}

	pdpt3, err := ReadEntry(m, refs.PDPT, 3)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := pdpt3, uint64(layout.BiosPDAddr)|Present|Writable; got != want {
		t.Errorf("PDPT[3] = %#x, want firmware page directory %#x", got, want)
	}

	if len(m.CR3Writes) != 1 || m.CR3Writes[0] != refs.PML4 {
		t.Fatalf("CR3 writes = %v, want exactly [%#x]", m.CR3Writes, refs.PML4)
	}

	// The flush has to directly follow the root switch.
	var cr3At, flushAt int = -1, -1
	for i, ev := range m.Events {
		if strings.HasPrefix(ev, "cr3 ") {
			cr3At = i
		}
		if ev == "tlb flush" && cr3At >= 0 && flushAt < 0 {
			flushAt = i
		}
	}
	if flushAt != cr3At+1 {
		t.Fatalf("TLB flush not adjacent to CR3 write: %v", m.Events)
	}
}

func TestFinalizeRestoresUniformMapping(t *testing.T) {
	m := testMachine(t)
	refs := build(t, m, 0)
	if err := refs.Install(m, 0); err != nil {
		t.Fatalf("Install: %v", err)
	}

	flushes := m.TLBFlushes
	if err := refs.Finalize(m, 0); err != nil {
		t.Fatalf("Finalize: %v", err)
	}

	pd0, err := ReadEntry(m, refs.PD, 0)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := pd0, Present|Writable|HugePage; got != want {
		t.Errorf("PD[0] = %#x, want uniform hugepage identity %#x", got, want)
	}
	if m.TLBFlushes != flushes+1 {
		t.Error("Finalize must flush the TLB")
	}
}

func TestFinalizeKeepsEncryptionBit(t *testing.T) {
	m := testMachine(t)
	const mask = uint64(1) << 51
	refs := build(t, m, mask)
	if err := refs.Install(m, mask); err != nil {
		t.Fatalf("Install: %v", err)
	}
	if err := refs.Finalize(m, mask); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	pd0, err := ReadEntry(m, refs.PD, 0)
	if err != nil {
		t.Fatal(err)
	}
	if pd0&mask == 0 {
		t.Fatalf("PD[0] = %#x lost the encryption bit", pd0)
	}
}

func TestMapLowPageBounds(t *testing.T) {
	m := testMachine(t)
	refs := build(t, m, 0)

	if err := refs.MapLowPage(m, HugePageSize, 0xFEE0_0000, Present); err == nil {
		t.Error("mapping outside the first page table must fail")
	}
	if err := refs.MapLowPage(m, 0x1000, 0xFEE0_0800, Present); err == nil {
		t.Error("unaligned physical address must fail")
	}

	if err := refs.MapLowPage(m, 0x1000, 0xFEE0_0000, Present|Writable); err != nil {
		t.Fatalf("MapLowPage: %v", err)
	}
	entry, err := ReadEntry(m, refs.LowPT, 1)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := entry, uint64(0xFEE0_0000)|Present|Writable; got != want {
		t.Fatalf("low PTE = %#x, want %#x", got, want)
	}
}
