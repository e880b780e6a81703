//go:build linux

package sim

import "golang.org/x/sys/unix"

// allocateMemory maps anonymous memory for the guest, mirroring how a real
// hypervisor backend would back guest RAM.
func allocateMemory(size uint64) ([]byte, func(), error) {
	mem, err := unix.Mmap(
		-1, 0,
		int(size),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_ANONYMOUS|unix.MAP_PRIVATE,
	)
	if err != nil {
		return nil, nil, err
	}
	return mem, func() { _ = unix.Munmap(mem) }, nil
}
