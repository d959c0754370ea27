// Package oscompat implements the OS shims consumed by the core, as
// listed in spec.md §6: allocate_executable_page, set_page_protection,
// and flush_instruction_cache. It is the direct generalization of
// qrdl-testaroli's mem_linux.go/mem_darwin.go/mem_windows.go — the
// teacher only ever flips protection on pages the Go runtime already
// mapped for it, so this package adds the fresh-reservation half
// (AllocatePage) that a standalone trampoline pool needs but a
// test-only prologue patcher never does.
package oscompat

import "os"

// Protection is the page protection to apply.
type Protection int

const (
	ProtReadWrite Protection = iota
	ProtReadExecute
)

// PageSize returns the OS page size, cached for the process lifetime.
var PageSize = os.Getpagesize()

// PageBoundaries returns the page-aligned region covering [addr, addr+size).
func PageBoundaries(addr uintptr, size int) (uintptr, int) {
	ps := uintptr(PageSize)
	start := addr &^ (ps - 1)
	end := addr + uintptr(size)
	return start, int(end - start)
}

// FlushInstructionCache is a no-op on x86/x86-64: the architecture
// guarantees I-cache/D-cache coherency for same-core stores, unlike ARM
// (qrdl-testaroli's override_arm64.go calls __builtin___clear_cache after
// every patch for exactly this reason). Named explicitly so a future
// architecture port has an obvious place to fill in, per spec.md §4.E.
func FlushInstructionCache(addr uintptr, size int) {}
