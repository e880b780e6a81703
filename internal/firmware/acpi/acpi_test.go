package acpi

import (
	"encoding/binary"
	"testing"

	"github.com/tinyrange/stage0/internal/firmware/boot"
	"github.com/tinyrange/stage0/internal/firmware/layout"
	"github.com/tinyrange/stage0/internal/hw/sim"
)

func buildTestTables(t *testing.T, cpus int) (*sim.Machine, uint64) {
	t.Helper()
	m, err := sim.NewMachine(sim.Config{MemorySize: 4 << 20})
	if err != nil {
		t.Fatalf("NewMachine: %v", err)
	}
	t.Cleanup(func() { m.Close() })

	alloc := boot.NewBumpAllocator(m, layout.BumpBase, layout.BumpSize)
	rsdp, err := BuildTables(m, alloc, cpus)
	if err != nil {
		t.Fatalf("BuildTables: %v", err)
	}
	return m, rsdp
}

func readBytes(t *testing.T, m *sim.Machine, addr uint64, n int) []byte {
	t.Helper()
	buf := make([]byte, n)
	if _, err := m.ReadAt(buf, int64(addr)); err != nil {
		t.Fatalf("read %d bytes @%#x: %v", n, addr, err)
	}
	return buf
}

func sumBytes(b []byte) byte {
	var sum byte
	for _, v := range b {
		sum += v
	}
	return sum
}

func TestBuildTablesChain(t *testing.T) {
	m, rsdpAddr := buildTestTables(t, 4)

	rsdp := readBytes(t, m, rsdpAddr, rsdpSize)
	if got := string(rsdp[0:8]); got != "RSD PTR " {
		t.Fatalf("RSDP signature = %q", got)
	}
	if rsdp[15] != 2 {
		t.Errorf("RSDP revision = %d, want 2", rsdp[15])
	}
	if sum := sumBytes(rsdp[:20]); sum != 0 {
		t.Errorf("RSDP legacy checksum = %#x, want 0", sum)
	}
	if sum := sumBytes(rsdp); sum != 0 {
		t.Errorf("RSDP extended checksum = %#x, want 0", sum)
	}

	xsdtAddr := binary.LittleEndian.Uint64(rsdp[24:])
	xsdtHdr := readBytes(t, m, xsdtAddr, sdtHeaderSize)
	if got := string(xsdtHdr[0:4]); got != "XSDT" {
		t.Fatalf("XSDT signature = %q", got)
	}
	xsdtLen := binary.LittleEndian.Uint32(xsdtHdr[4:8])
	xsdt := readBytes(t, m, xsdtAddr, int(xsdtLen))
	if sum := sumBytes(xsdt); sum != 0 {
		t.Errorf("XSDT checksum = %#x, want 0", sum)
	}
	if got, want := xsdtLen, uint32(sdtHeaderSize+8); got != want {
		t.Errorf("XSDT length = %d, want one table pointer (%d)", got, want)
	}

	madtAddr := binary.LittleEndian.Uint64(xsdt[sdtHeaderSize:])
	madtHdr := readBytes(t, m, madtAddr, sdtHeaderSize)
	if got := string(madtHdr[0:4]); got != "APIC" {
		t.Fatalf("MADT signature = %q", got)
	}
	madt := readBytes(t, m, madtAddr, int(binary.LittleEndian.Uint32(madtHdr[4:8])))
	if sum := sumBytes(madt); sum != 0 {
		t.Errorf("MADT checksum = %#x, want 0", sum)
	}
}

func TestMADTPerCPURecords(t *testing.T) {
	const cpus = 4
	m, rsdpAddr := buildTestTables(t, cpus)

	rsdp := readBytes(t, m, rsdpAddr, rsdpSize)
	xsdtAddr := binary.LittleEndian.Uint64(rsdp[24:])
	xsdt := readBytes(t, m, xsdtAddr, sdtHeaderSize+8)
	madtAddr := binary.LittleEndian.Uint64(xsdt[sdtHeaderSize:])

	madtHdr := readBytes(t, m, madtAddr, sdtHeaderSize)
	madt := readBytes(t, m, madtAddr, int(binary.LittleEndian.Uint32(madtHdr[4:8])))

	body := madt[sdtHeaderSize:]
	if got, want := binary.LittleEndian.Uint32(body[0:]), uint32(lapicMMIOBase); got != want {
		t.Errorf("local APIC address = %#x, want %#x", got, want)
	}

	records := body[8:]
	if got, want := len(records), cpus*8; got != want {
		t.Fatalf("record area = %d bytes, want %d", got, want)
	}
	for cpu := 0; cpu < cpus; cpu++ {
		rec := records[cpu*8 : cpu*8+8]
		if rec[0] != 0 || rec[1] != 8 {
			t.Errorf("cpu %d: record header = %v, want local-APIC type 0 length 8", cpu, rec[:2])
		}
		if rec[2] != uint8(cpu) || rec[3] != uint8(cpu) {
			t.Errorf("cpu %d: ids = %d/%d, want matching processor and APIC id", cpu, rec[2], rec[3])
		}
		if flags := binary.LittleEndian.Uint32(rec[4:]); flags != 1 {
			t.Errorf("cpu %d: flags = %#x, want enabled", cpu, flags)
		}
	}
}

func TestBuildTablesRejectsBadCount(t *testing.T) {
	m, err := sim.NewMachine(sim.Config{MemorySize: 4 << 20})
	if err != nil {
		t.Fatalf("NewMachine: %v", err)
	}
	t.Cleanup(func() { m.Close() })
	alloc := boot.NewBumpAllocator(m, layout.BumpBase, layout.BumpSize)
	if _, err := BuildTables(m, alloc, 0); err == nil {
		t.Error("zero CPUs must be rejected")
	}
}
