package boot

import (
	"encoding/binary"
	"fmt"

	"github.com/tinyrange/stage0/internal/hw"
)

// ELF64 identification bytes the firmware accepts: little-endian SysV
// ELF64, current version. Checked exactly, byte for byte; anything else
// falls back to treating the load address as raw code.
var elfIdent = [8]byte{0x7F, 'E', 'L', 'F', 2, 1, 1, 0}

const (
	elfHeaderSize  = 64
	elfEntryOffset = 24
)

// KernelEntry derives the kernel entry point. The launcher loads the image
// at loadAddr before the firmware runs; if a valid ELF64 header is found
// there its declared entry point wins, otherwise the image is assumed to be
// raw code and loadAddr itself is the entry. The fallback is the only
// non-fatal branch in the boot sequence.
func KernelEntry(m hw.Machine, loadAddr uint64) (uint64, error) {
	var header [elfHeaderSize]byte
	if _, err := m.ReadAt(header[:], int64(loadAddr)); err != nil {
		return 0, fmt.Errorf("read kernel header @%#x: %w", loadAddr, err)
	}

	for i, want := range elfIdent {
		if header[i] != want {
			return loadAddr, nil
		}
	}
	return binary.LittleEndian.Uint64(header[elfEntryOffset:]), nil
}
