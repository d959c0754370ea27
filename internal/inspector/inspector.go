// Package inspector implements the target inspector (component D): from an
// entry address it decides how many prologue bytes can be safely stolen,
// whether a hot-patch sequence is available, and produces the
// PrologueStealPlan a trampoline is built from.
//
// Grounded on original_source/src/inline/x86/patcher.rs's is_patchable and
// is_code_padding, translated from the pointer-and-length style of the Rust
// original into reads against a []byte window the caller owns.
package inspector

import (
	"fmt"

	"github.com/qsel/godetour/internal/direrr"
	"github.com/qsel/godetour/internal/xdecode"
)

// Mode is the patch strategy chosen for a target.
type Mode int

const (
	// ModeDirect overwrites the first 5+ bytes of the function itself.
	ModeDirect Mode = iota
	// ModeHotPatch steals only the 2-byte NOP at entry and redirects
	// through a 5-byte long jump placed in the padding immediately
	// preceding entry.
	ModeHotPatch
)

func (m Mode) String() string {
	if m == ModeHotPatch {
		return "hot-patch"
	}
	return "direct"
}

// directPatchLen is the size of a direct 5-byte relative jump redirect.
const directPatchLen = 5

// hotPatchPadLen is the size of the long jump placed in padding above a
// hot-patchable entry, and the number of preceding bytes it requires.
const hotPatchPadLen = 5

// maxReadWindow bounds how many bytes the inspector will ever request from
// its ReadCode callback: room for six maximally long (15-byte) x86
// instructions, more than the walk can consume before it covers 5 bytes
// (at worst four single-byte instructions followed by one 15-byte one,
// 19 bytes). The distilled spec leaves this uncapped; this bound
// keeps the walk from reading unbounded memory past a corrupt or
// misidentified entry point.
const maxReadWindow = 5*15 + 15

// StealPlan is the PrologueStealPlan produced by Inspect.
type StealPlan struct {
	StolenBytes  int
	Instructions []xdecode.Instruction
	Mode         Mode
	Saved        []byte
	PatchSite    uintptr
	RedirectSite uintptr
}

// ReadCode reads up to len(buf) bytes of executable memory starting at
// addr, returning the number of bytes actually available (which may be
// less than len(buf) near a page boundary). Supplied by the caller so the
// inspector has no OS dependency of its own.
type ReadCode func(addr uintptr, buf []byte) (int, error)

// Inspect walks the prologue at target and produces a StealPlan, or a
// structured error (ErrNotEnoughBytes, ErrAlreadyHooked,
// ErrUnsupportedInstruction).
func Inspect(target uintptr, read ReadCode) (StealPlan, error) {
	window := make([]byte, maxReadWindow)
	n, err := read(target, window)
	if err != nil {
		return StealPlan{}, fmt.Errorf("%w: reading entry: %v", direrr.ErrInvalidTarget, err)
	}
	window = window[:n]

	insns, stolen, err := walk(window, target)
	if err != nil {
		return StealPlan{}, err
	}

	if isAlreadyHooked(insns[0]) {
		return StealPlan{}, direrr.ErrAlreadyHooked
	}

	if hot, ok := tryHotPatch(target, window, read); ok {
		return hot, nil
	}

	if stolen < directPatchLen {
		// Rule 3: the decoded prologue itself doesn't reach 5 bytes (it
		// may have terminated early on a RET), but trailing NOP/INT3
		// padding can be consumed as free space to make up the
		// difference without touching any real instruction.
		need := directPatchLen - stolen
		if stolen+need > len(window) || !isCodePadding(window[stolen:stolen+need]) {
			return StealPlan{}, fmt.Errorf("%w: only %d bytes available", direrr.ErrNotEnoughBytes, stolen)
		}
		stolen = directPatchLen
	}

	saved := append([]byte(nil), window[:stolen]...)
	return StealPlan{
		StolenBytes:  stolen,
		Instructions: insns,
		Mode:         ModeDirect,
		Saved:        saved,
		PatchSite:    target,
		RedirectSite: target,
	}, nil
}

// walk decodes instructions from window starting at target until at least
// directPatchLen bytes are covered or the window is exhausted, mirroring
// TrampolineGen::next_instruction's accumulation loop in trampoline.rs. The
// instructions it decodes are kept in the StealPlan, and the trampoline
// builder relocates them without decoding the prologue again.
func walk(window []byte, target uintptr) ([]xdecode.Instruction, int, error) {
	var insns []xdecode.Instruction
	total := 0
	for total < directPatchLen {
		if total >= len(window) {
			return insns, total, fmt.Errorf("%w: %d bytes", direrr.ErrNotEnoughBytes, total)
		}
		inst, err := xdecode.Decode(window[total:], target+uintptr(total))
		if err != nil {
			// A decode failure is always a genuine ErrUnsupportedInstruction,
			// whether it's the very first instruction or a later one in the
			// prologue — the bytes already accumulated don't change that the
			// instruction stream itself couldn't be decoded, so it must not
			// be mistaken for a too-short prologue.
			return nil, 0, err
		}
		insns = append(insns, inst)
		total += inst.Len
		if inst.Kind == xdecode.Return || inst.Kind == xdecode.IndirectBranch {
			break
		}
	}
	return insns, total, nil
}

// isAlreadyHooked rejects a target whose very first instruction is already
// a relative jump — the signature of a function that has already been
// hooked or is a compiler-emitted thunk, matching spec §4.D rule 4.
func isAlreadyHooked(first xdecode.Instruction) bool {
	return first.Kind == xdecode.ShortBranch || first.Kind == xdecode.NearBranch
}

// tryHotPatch checks for the Microsoft-style two-byte-NOP-at-entry plus
// five-byte-padding-above pattern (mov edi, edi / 8B FF, or 66 90) and, if
// found and the preceding bytes are pure padding, returns a HotPatch plan.
func tryHotPatch(target uintptr, entry []byte, read ReadCode) (StealPlan, bool) {
	if !isTwoByteNop(entry) {
		return StealPlan{}, false
	}

	above := make([]byte, hotPatchPadLen)
	if _, err := read(target-hotPatchPadLen, above); err != nil {
		return StealPlan{}, false
	}
	if !isCodePadding(above) {
		return StealPlan{}, false
	}

	insns, err := xdecode.Decode(entry[:2], target)
	if err != nil {
		return StealPlan{}, false
	}

	saved := append([]byte(nil), above...)
	saved = append(saved, entry[:2]...)

	return StealPlan{
		StolenBytes:  2,
		Instructions: []xdecode.Instruction{insns},
		Mode:         ModeHotPatch,
		Saved:        saved,
		PatchSite:    target,
		RedirectSite: target - hotPatchPadLen,
	}, true
}

// isTwoByteNop reports whether buf starts with a canonical 2-byte NOP
// (66 90) or the Microsoft hot-patch pad (mov edi, edi / 8B FF).
func isTwoByteNop(buf []byte) bool {
	if len(buf) < 2 {
		return false
	}
	if buf[0] == 0x8B && buf[1] == 0xFF {
		return true
	}
	if buf[0] == 0x66 && buf[1] == 0x90 {
		return true
	}
	return false
}

// isCodePadding reports whether buf contains only NOP (0x90) or INT3
// (0xCC) bytes, following is_code_padding in original_source's patcher.rs
// (which also allows 0x00; this port omits 0x00 since a run of zero bytes
// preceding a real function entry is far more likely to be unrelated data
// than compiler-emitted padding, and treating it as padding would risk
// silently corrupting it).
func isCodePadding(buf []byte) bool {
	for _, b := range buf {
		if b != 0x90 && b != 0xCC {
			return false
		}
	}
	return true
}
