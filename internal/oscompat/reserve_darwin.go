//go:build darwin

package oscompat

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// AllocatePage asks the kernel for memory near hint. Darwin has no
// MAP_FIXED_NOREPLACE, so unlike Linux this cannot atomically fail on an
// occupied range without risking clobbering another mapping; it maps
// without MAP_FIXED and lets the kernel choose, then the caller
// (execpool.Pool.Alloc) checks whether the result actually landed within
// range and releases it otherwise. Documented platform limitation — see
// DESIGN.md.
func AllocatePage(hint uintptr, size int) ([]byte, uintptr, error) {
	addr, _, errno := unix.Syscall6(
		unix.SYS_MMAP,
		hint,
		uintptr(size),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANON,
		^uintptr(0),
		0,
	)
	if errno != 0 {
		return nil, 0, fmt.Errorf("oscompat: mmap near %#x: %w", hint, errno)
	}
	mem := unsafe.Slice((*byte)(unsafe.Pointer(addr)), size)
	return mem, addr, nil
}

// ReleasePage returns a previously allocated region to the OS.
func ReleasePage(mem []byte, base uintptr) {
	_ = unix.Munmap(mem)
}
