//go:build linux

package oscompat

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// AllocatePage asks the kernel for a fresh page-backed region at exactly
// hint (which must be page-aligned). It uses MAP_FIXED_NOREPLACE so the
// call fails cleanly, without clobbering an existing mapping, when hint is
// already occupied — the Linux half of the "probe A±k·page_size"
// placement strategy in SPEC_FULL.md §4.C.
func AllocatePage(hint uintptr, size int) ([]byte, uintptr, error) {
	addr, _, errno := unix.Syscall6(
		unix.SYS_MMAP,
		hint,
		uintptr(size),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANON|unix.MAP_FIXED_NOREPLACE,
		^uintptr(0), // fd = -1
		0,
	)
	if errno != 0 {
		return nil, 0, fmt.Errorf("oscompat: mmap at %#x: %w", hint, errno)
	}
	mem := unsafe.Slice((*byte)(unsafe.Pointer(addr)), size)
	return mem, addr, nil
}

// ReleasePage returns a previously allocated region to the OS.
func ReleasePage(mem []byte, base uintptr) {
	_ = unix.Munmap(mem)
}
