// Package fwcfg defines the contract with the firmware-configuration
// device: the launcher-provided source of the kernel command line, the
// guest memory map and the CPU topology. The transport-level device I/O
// lives with the machine implementation; the boot sequence only depends on
// this interface.
package fwcfg

import "errors"

// RAMRange is one usable guest physical memory range.
type RAMRange struct {
	Start uint64
	Size  uint64
}

// Device is the configuration-device collaborator.
type Device interface {
	ReadCmdlineSize() (uint32, error)
	ReadCmdline(buf []byte) error

	MemoryMap() ([]RAMRange, error)
	CPUCount() (int, error)
}

// Static is a Device backed by fixed values; it is what the simulator and
// the CLI hand to the boot sequence.
type Static struct {
	Cmdline string
	Ranges  []RAMRange
	CPUs    int
}

func (s *Static) ReadCmdlineSize() (uint32, error) {
	if len(s.Cmdline) == 0 {
		return 0, nil
	}
	// Includes the terminating NUL, as the device protocol does.
	return uint32(len(s.Cmdline)) + 1, nil
}

func (s *Static) ReadCmdline(buf []byte) error {
	if len(buf) < len(s.Cmdline)+1 {
		return errors.New("cmdline buffer too small")
	}
	copy(buf, s.Cmdline)
	buf[len(s.Cmdline)] = 0
	return nil
}

func (s *Static) MemoryMap() ([]RAMRange, error) {
	return s.Ranges, nil
}

func (s *Static) CPUCount() (int, error) {
	if s.CPUs <= 0 {
		return 1, nil
	}
	return s.CPUs, nil
}
