// Package patcher applies, reverts, and re-applies the byte-level
// overwrite of a target site (component E). It owns the atomicity
// discipline described in spec.md §4.E and delegates serialization and
// overlap rejection to internal/registry.
package patcher

import (
	"unsafe"

	"github.com/qsel/godetour/internal/oscompat"
	"github.com/qsel/godetour/internal/registry"
)

// hotPatchLongLen/hotPatchTotalLen describe the 7-byte payload
// detour.go's redirectBytes produces for ModeHotPatch: a 5-byte long jump
// written into the padding preceding the target, followed by the 2-byte
// short jump written at the live entry point itself.
const (
	hotPatchLongLen  = 5
	hotPatchTotalLen = 7
)

// Install writes newBytes at addr under the given registry, after first
// reserving [addr, addr+len(newBytes)) so a concurrent overlapping install
// is rejected. On success it returns a Release that Uninstall must call
// once the original bytes have been restored.
func Install(reg *registry.Registry, addr uintptr, newBytes []byte) (registry.Release, error) {
	r := registry.Range{Start: addr, Len: len(newBytes)}
	return reg.Install(r, func() error {
		return writeSite(addr, newBytes, true)
	})
}

// Uninstall restores savedBytes at addr and releases the registry
// reservation obtained from Install.
func Uninstall(reg *registry.Registry, release registry.Release, addr uintptr, savedBytes []byte) error {
	if err := reg.Hold(func() error {
		return writeSite(addr, savedBytes, false)
	}); err != nil {
		return err
	}
	release()
	return nil
}

// Rewrite overwrites an already-installed site in place — used by
// SetDetour to change only the displacement of a live jump without a
// disable/enable cycle. The caller must already hold the range (i.e. the
// detour is currently enabled). The site is already active, so this uses
// the same commit order as Install.
func Rewrite(reg *registry.Registry, addr uintptr, newBytes []byte) error {
	return reg.Hold(func() error {
		return writeSite(addr, newBytes, true)
	})
}

// writeSite flips the target page writable, performs the write with the
// torn-write-safe discipline appropriate to its length, and then sets the
// page to read+execute. The page's prior protection is not queried, so it
// ends up read+execute whatever it was before. activating distinguishes an Install/Rewrite
// (true) from an Uninstall (false), which only matters for the 7-byte
// HotPatch payload — see writeHotPatchSite.
func writeSite(addr uintptr, data []byte, activating bool) error {
	pageAddr, pageLen := oscompat.PageBoundaries(addr, len(data))
	if err := oscompat.SetProtection(pageAddr, pageLen, oscompat.ProtReadWrite); err != nil {
		return err
	}

	switch len(data) {
	case 5:
		writeJumpAtomic(addr, data)
	case hotPatchTotalLen:
		writeHotPatchSite(addr, data, activating)
	default:
		writePlain(addr, data)
	}

	if err := oscompat.SetProtection(pageAddr, pageLen, oscompat.ProtReadExecute); err != nil {
		return err
	}
	oscompat.FlushInstructionCache(addr, len(data))
	return nil
}

// writeHotPatchSite writes the padding long jump and the live 2-byte entry
// redirect that make up a HotPatch site, in the order spec.md §4.E and §5
// require. When activating, the long jump goes through writeJumpAtomic:
// under Rewrite the entry already points at the padding, so a thread may be
// executing it mid-write. The entry's 2-byte swap goes through store16.
// When deactivating, the entry is flipped back first, so the padding is no
// longer reachable and is restored with a plain copy.
//
// The two writes must not happen in the same order for both directions.
// Activating (Install/Rewrite) must write the padding first and flip the
// entry last, so no thread can reach the padding before its long jump is
// complete. Deactivating (Uninstall) must flip the entry back to its
// original bytes first and only then restore the padding, so no thread can
// still be routed into padding that a plain write is in the middle of
// overwriting.
func writeHotPatchSite(addr uintptr, data []byte, activating bool) {
	long, entry := data[:hotPatchLongLen], data[hotPatchLongLen:]
	entryAddr := addr + hotPatchLongLen
	if activating {
		writeJumpAtomic(addr, long)
		store16(entryAddr, entry)
		return
	}
	store16(entryAddr, entry)
	writePlain(addr, long)
}

func writePlain(addr uintptr, data []byte) {
	dst := unsafe.Slice((*byte)(unsafe.Pointer(addr)), len(data))
	copy(dst, data)
}
