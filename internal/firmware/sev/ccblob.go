package sev

import (
	"encoding/binary"
	"fmt"

	"github.com/tinyrange/stage0/internal/hw"
)

// Allocator hands out firmware-lifetime guest memory for the metadata
// records linked into the boot parameters.
type Allocator interface {
	Alloc(size, align uint64) (uint64, error)
}

const (
	// ccBlobMagic is "AMDE" in little-endian, per the Linux boot protocol's
	// cc_blob_sev_info definition.
	ccBlobMagic   = 0x45444d41
	ccBlobVersion = 1

	// SetupTypeCCBlob is the setup_data type tag for a CC blob descriptor.
	SetupTypeCCBlob = 7

	ccBlobSize       = 40
	setupDataHdrSize = 16
)

// BuildCCBlob assembles the confidentiality metadata the kernel needs to
// find its attestation inputs after the firmware is gone: a cc_blob_sev_info
// record pointing at the SNP secrets and CPUID pages, and a typed setup_data
// node referencing it. The node's next pointer is set to prevHead and its
// own physical address is returned so the caller can install it as the new
// list head.
func BuildCCBlob(m hw.Machine, alloc Allocator, secretsPA, secretsLen, cpuidPA, cpuidLen uint64, prevHead uint64) (uint64, error) {
	blobPA, err := alloc.Alloc(ccBlobSize, 8)
	if err != nil {
		return 0, fmt.Errorf("allocate cc_blob_sev_info: %w", err)
	}

	blob := make([]byte, ccBlobSize)
	binary.LittleEndian.PutUint32(blob[0:], ccBlobMagic)
	binary.LittleEndian.PutUint16(blob[4:], ccBlobVersion)
	// blob[6:8] reserved
	binary.LittleEndian.PutUint64(blob[8:], secretsPA)
	binary.LittleEndian.PutUint32(blob[16:], uint32(secretsLen))
	// blob[20:24] reserved
	binary.LittleEndian.PutUint64(blob[24:], cpuidPA)
	binary.LittleEndian.PutUint32(blob[32:], uint32(cpuidLen))
	// blob[36:40] reserved
	if _, err := m.WriteAt(blob, int64(blobPA)); err != nil {
		return 0, fmt.Errorf("write cc_blob_sev_info: %w", err)
	}

	// setup_data node: header {next, type, len} followed by the 32-bit
	// physical address of the blob.
	nodePA, err := alloc.Alloc(setupDataHdrSize+4, 8)
	if err != nil {
		return 0, fmt.Errorf("allocate CC setup_data node: %w", err)
	}

	node := make([]byte, setupDataHdrSize+4)
	binary.LittleEndian.PutUint64(node[0:], prevHead)
	binary.LittleEndian.PutUint32(node[8:], SetupTypeCCBlob)
	binary.LittleEndian.PutUint32(node[12:], 4)
	binary.LittleEndian.PutUint32(node[16:], uint32(blobPA))
	if _, err := m.WriteAt(node, int64(nodePA)); err != nil {
		return 0, fmt.Errorf("write CC setup_data node: %w", err)
	}

	return nodePA, nil
}
