//go:build linux || darwin

package oscompat

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/qsel/godetour/internal/direrr"
)

// SetProtection flips the protection of the pages covering [addr,
// addr+size), following qrdl-testaroli's mem_linux.go/mem_unix.go
// makeMemWritable pattern.
func SetProtection(addr uintptr, size int, prot Protection) error {
	pageAddr, pageLen := PageBoundaries(addr, size)
	page := unsafe.Slice((*byte)(unsafe.Pointer(pageAddr)), pageLen)

	var flags int
	switch prot {
	case ProtReadWrite:
		flags = unix.PROT_READ | unix.PROT_WRITE
	case ProtReadExecute:
		flags = unix.PROT_READ | unix.PROT_EXEC
	}
	if err := unix.Mprotect(page, flags); err != nil {
		return fmt.Errorf("%w: mprotect: %v", direrr.ErrProtectionDenied, err)
	}
	return nil
}
