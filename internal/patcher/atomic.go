//go:build amd64

package patcher

import (
	"sync/atomic"
	"unsafe"
)

// writeJumpAtomic overwrites a 5-byte site (the E9 rel32 redirect, or its
// restore) so that any other thread reading the first byte at any instant
// sees either the old code in full, a harmless EB FE self-loop, or the
// new code in full — never a torn, malformed instruction. This is the
// discipline spec.md §4.E mandates for the redirect hop.
//
// x86/x86-64 guarantee that an aligned load/store up to the machine word
// size is atomic with respect to other cores executing ordinary loads.
// When the 5 bytes fit inside one aligned 8-byte word, a single atomic
// 8-byte store is enough: no other thread can observe a partial write of
// an aligned word. When they straddle two words, no single atomic op
// covers all 5 bytes, so the self-loop trick buys a window in which the
// bytes in the middle can be written non-atomically without any thread
// executing them, because the very first byte forces execution to spin.
func writeJumpAtomic(addr uintptr, data []byte) {
	if len(data) != 5 {
		panic("patcher: writeJumpAtomic requires exactly 5 bytes")
	}

	const wordSize = 8
	base := addr &^ (wordSize - 1)
	offset := addr - base

	if offset+5 <= wordSize {
		writeWithinWord(base, offset, data)
		return
	}

	// Straddles a word boundary: self-loop, fill the middle, then commit
	// the final two bytes (opcode + first displacement byte) atomically.
	selfLoop := [2]byte{0xEB, 0xFE}
	store16(addr, selfLoop[:])

	writePlain(addr+2, data[2:])

	store16(addr, data[:2])
}

// writeWithinWord performs a single atomic 8-byte read-modify-write that
// splices data into the aligned word at base, at the given offset.
func writeWithinWord(base, offset uintptr, data []byte) {
	ptr := (*uint64)(unsafe.Pointer(base))
	for {
		old := atomic.LoadUint64(ptr)
		var buf [8]byte
		*(*uint64)(unsafe.Pointer(&buf[0])) = old
		copy(buf[offset:offset+uintptr(len(data))], data)
		newVal := *(*uint64)(unsafe.Pointer(&buf[0]))
		if atomic.CompareAndSwapUint64(ptr, old, newVal) {
			return
		}
	}
}

func store16(addr uintptr, data []byte) {
	if len(data) != 2 {
		panic("patcher: store16 requires exactly 2 bytes")
	}
	if addr%2 == 0 {
		// An even address keeps both bytes inside one aligned 8-byte word.
		base := addr &^ 7
		writeWithinWord(base, addr-base, data)
		return
	}
	// Not naturally 2-byte aligned: fall back to sequential byte writes.
	// This only affects a patch site (a direct site straddling a word, or a
	// hot-patch entry) at an odd address, which compilers do not produce
	// for function entries in practice.
	writePlain(addr, data)
}
