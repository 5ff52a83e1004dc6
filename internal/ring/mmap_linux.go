package ring

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// mapDoubled implements the classic "magic ring buffer" trick: reserve 2*n
// bytes of address space, then map the n-byte data region from fd at
// dataOffset twice, back to back, into that reservation. A record that
// straddles the physical wrap point can then be read as one contiguous
// slice regardless of where its start offset falls.
func mapDoubled(fd int, dataOffset int64, n uint64) ([]byte, error) {
	reservation, err := unix.Mmap(-1, 0, int(2*n), unix.PROT_NONE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("ring: reserve address space: %w", err)
	}
	base := uintptr(unsafe.Pointer(&reservation[0]))

	if err := mmapFixed(fd, dataOffset, n, base); err != nil {
		_ = unix.Munmap(reservation)
		return nil, fmt.Errorf("ring: map data region (first copy): %w", err)
	}
	if err := mmapFixed(fd, dataOffset, n, base+uintptr(n)); err != nil {
		_ = unix.Munmap(reservation)
		return nil, fmt.Errorf("ring: map data region (second copy): %w", err)
	}
	return reservation, nil
}

// mmapFixed maps n bytes of fd at dataOffset onto the exact virtual address
// addr, overwriting the PROT_NONE reservation there. golang.org/x/sys/unix's
// Mmap helper always lets the kernel choose an address, so this drops to
// the raw syscall for the MAP_FIXED case.
func mmapFixed(fd int, dataOffset int64, n uint64, addr uintptr) error {
	_, _, errno := unix.Syscall6(
		unix.SYS_MMAP,
		addr,
		uintptr(n),
		uintptr(unix.PROT_READ),
		uintptr(unix.MAP_SHARED|unix.MAP_FIXED),
		uintptr(fd),
		uintptr(dataOffset),
	)
	if errno != 0 {
		return errno
	}
	return nil
}
