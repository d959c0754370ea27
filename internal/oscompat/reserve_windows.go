//go:build windows

package oscompat

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/windows"
)

// AllocatePage reserves and commits memory at exactly hint. VirtualAlloc
// with an explicit lpAddress fails rather than relocating when that range
// isn't free, giving the same "probe and fail cleanly" semantics as
// MAP_FIXED_NOREPLACE on Linux.
func AllocatePage(hint uintptr, size int) ([]byte, uintptr, error) {
	addr, err := windows.VirtualAlloc(
		hint,
		uintptr(size),
		windows.MEM_RESERVE|windows.MEM_COMMIT,
		windows.PAGE_READWRITE,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("oscompat: VirtualAlloc at %#x: %w", hint, err)
	}
	mem := unsafe.Slice((*byte)(unsafe.Pointer(addr)), size)
	return mem, addr, nil
}

// ReleasePage returns a previously allocated region to the OS.
func ReleasePage(mem []byte, base uintptr) {
	_ = windows.VirtualFree(base, 0, windows.MEM_RELEASE)
}
