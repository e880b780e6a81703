// Package acpi constructs the ACPI tables the kernel uses to discover the
// CPU topology. The firmware emits a MADT with one local-APIC record per
// core, an XSDT referencing it, and the RSDP root pointer; everything is
// written into bump-allocated guest memory and the RSDP physical address is
// recorded in the boot parameters.
package acpi

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/tinyrange/stage0/internal/hw"
)

// Allocator hands out firmware-lifetime guest memory for the tables.
type Allocator interface {
	Alloc(size, align uint64) (uint64, error)
}

const (
	sdtHeaderSize = 36
	rsdpSize      = 36

	lapicMMIOBase = 0xFEE0_0000
)

var (
	oemID      = [6]byte{'S', 'T', 'A', 'G', 'E', '0'}
	oemTableID = [8]byte{'S', 'T', 'G', '0', 'B', 'O', 'O', 'T'}
	creatorID  = [4]byte{'S', 'T', 'G', '0'}
)

// BuildTables emits the table set for cpus cores and returns the physical
// address of the RSDP.
func BuildTables(m hw.Machine, alloc Allocator, cpus int) (uint64, error) {
	if cpus < 1 {
		return 0, fmt.Errorf("invalid CPU count %d", cpus)
	}

	madtAddr, err := writeTable(m, alloc, "APIC", 1, buildMADTBody(cpus))
	if err != nil {
		return 0, fmt.Errorf("write MADT: %w", err)
	}

	xsdtBody := make([]byte, 8)
	binary.LittleEndian.PutUint64(xsdtBody, madtAddr)
	xsdtAddr, err := writeTable(m, alloc, "XSDT", 1, xsdtBody)
	if err != nil {
		return 0, fmt.Errorf("write XSDT: %w", err)
	}

	rsdpAddr, err := alloc.Alloc(rsdpSize, 16)
	if err != nil {
		return 0, fmt.Errorf("allocate RSDP: %w", err)
	}
	if _, err := m.WriteAt(buildRSDP(xsdtAddr), int64(rsdpAddr)); err != nil {
		return 0, fmt.Errorf("write RSDP: %w", err)
	}
	return rsdpAddr, nil
}

// writeTable emits one checksummed system description table and returns its
// physical address.
func writeTable(m hw.Machine, alloc Allocator, signature string, revision uint8, body []byte) (uint64, error) {
	table := make([]byte, sdtHeaderSize+len(body))
	copy(table[:4], signature)
	binary.LittleEndian.PutUint32(table[4:8], uint32(len(table)))
	table[8] = revision
	copy(table[10:16], oemID[:])
	copy(table[16:24], oemTableID[:])
	binary.LittleEndian.PutUint32(table[24:28], 1)
	copy(table[28:32], creatorID[:])
	binary.LittleEndian.PutUint32(table[32:36], 1)
	copy(table[sdtHeaderSize:], body)
	table[9] = checksum(table)

	addr, err := alloc.Alloc(uint64(len(table)), 8)
	if err != nil {
		return 0, err
	}
	if _, err := m.WriteAt(table, int64(addr)); err != nil {
		return 0, err
	}
	return addr, nil
}

func buildMADTBody(cpus int) []byte {
	buf := &bytes.Buffer{}

	binary.Write(buf, binary.LittleEndian, uint32(lapicMMIOBase))
	binary.Write(buf, binary.LittleEndian, uint32(1)) // PC-AT compatible

	for cpu := 0; cpu < cpus; cpu++ {
		buf.WriteByte(0) // Type = Processor Local APIC
		buf.WriteByte(8) // Length
		buf.WriteByte(uint8(cpu))
		buf.WriteByte(uint8(cpu))
		binary.Write(buf, binary.LittleEndian, uint32(1)) // Enabled
	}

	return buf.Bytes()
}

func buildRSDP(xsdtAddr uint64) []byte {
	rsdp := make([]byte, rsdpSize)
	copy(rsdp[0:], []byte("RSD PTR "))
	copy(rsdp[9:], oemID[:])
	rsdp[15] = 2 // ACPI 2.0+
	binary.LittleEndian.PutUint32(rsdp[16:], 0)
	binary.LittleEndian.PutUint32(rsdp[20:], uint32(len(rsdp)))
	binary.LittleEndian.PutUint64(rsdp[24:], xsdtAddr)

	rsdp[8] = checksum(rsdp[:20])
	rsdp[32] = checksum(rsdp)
	return rsdp
}

func checksum(b []byte) byte {
	var sum uint8
	for _, v := range b {
		sum += v
	}
	return byte(0 - sum)
}
