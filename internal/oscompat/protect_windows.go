//go:build windows

package oscompat

import (
	"fmt"

	"golang.org/x/sys/windows"

	"github.com/qsel/godetour/internal/direrr"
)

// SetProtection flips the protection of the pages covering [addr,
// addr+size), following qrdl-testaroli's mem_windows.go pattern.
func SetProtection(addr uintptr, size int, prot Protection) error {
	pageAddr, pageLen := PageBoundaries(addr, size)

	var newProt uint32
	switch prot {
	case ProtReadWrite:
		newProt = windows.PAGE_READWRITE
	case ProtReadExecute:
		newProt = windows.PAGE_EXECUTE_READ
	}
	var old uint32
	if err := windows.VirtualProtect(pageAddr, uintptr(pageLen), newProt, &old); err != nil {
		return fmt.Errorf("%w: VirtualProtect: %v", direrr.ErrProtectionDenied, err)
	}
	return nil
}
