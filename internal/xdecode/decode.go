// Package xdecode classifies one x86/x86-64 instruction at a time for the
// purposes of prologue stealing and trampoline relocation. It wraps
// golang.org/x/arch/x86/x86asm — the same decoder the Go toolchain uses for
// objdump — rather than maintaining a bespoke opcode table.
package xdecode

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/arch/x86/x86asm"

	"github.com/qsel/godetour/internal/direrr"
)

// Kind classifies a decoded instruction for relocation purposes.
type Kind int

const (
	// Ordinary instructions are copied byte-for-byte into a trampoline.
	Ordinary Kind = iota
	// ShortBranch instructions carry a 1-byte relative displacement.
	ShortBranch
	// NearBranch instructions carry a 4-byte relative displacement.
	NearBranch
	// Call instructions are relative CALLs; they always return, so a
	// trampoline can copy them with an adjusted displacement.
	Call
	// Return instructions (RET/RETF/IRET) terminate the copied prologue.
	Return
	// IndirectBranch instructions (JMP/CALL through a register or memory
	// operand) are copied unchanged and also terminate the prologue.
	IndirectBranch
	// RIPRelative instructions reference memory relative to the address of
	// the following instruction; the displacement must be recomputed for
	// the trampoline's address.
	RIPRelative
)

func (k Kind) String() string {
	switch k {
	case Ordinary:
		return "ordinary"
	case ShortBranch:
		return "short-branch"
	case NearBranch:
		return "near-branch"
	case Call:
		return "call"
	case Return:
		return "return"
	case IndirectBranch:
		return "indirect-branch"
	case RIPRelative:
		return "rip-relative-memory"
	default:
		return "unknown"
	}
}

// Instruction is the InstructionDescriptor produced for one decoded
// instruction: its length, classification, and (for branches and
// RIP-relative operands) where its displacement lives and what absolute
// address it resolves to.
type Instruction struct {
	Len   int
	Kind  Kind
	Op    x86asm.Op
	IsJCXZFamily bool

	// RelOff/RelWidth describe the position and width, in bytes, of the
	// instruction's PC-relative displacement. Zero width means the
	// instruction carries no such displacement.
	RelOff   int
	RelWidth int
	// Target is the absolute address the displacement resolves to:
	// pc + Len + signExtend(displacement). Valid only when RelWidth != 0.
	Target uintptr

	raw []byte
}

// Raw returns the exact bytes that were decoded for this instruction.
func (i Instruction) Raw() []byte { return i.raw }

// Decode classifies a single instruction starting at code[0], which is
// located at virtual address pc. The window code may extend past the end
// of the instruction; it must not be shorter than the instruction itself.
func Decode(code []byte, pc uintptr) (Instruction, error) {
	inst, err := x86asm.Decode(code, 64)
	if err != nil {
		return Instruction{}, fmt.Errorf("%w: %v", direrr.ErrUnsupportedInstruction, err)
	}
	if inst.Op == 0 {
		// x86asm reports a truncated or unrecognised encoding as a bare
		// 1-byte prefix with no opcode instead of returning an error.
		return Instruction{}, fmt.Errorf("%w: truncated or undecodable instruction", direrr.ErrUnsupportedInstruction)
	}
	if inst.Len <= 0 || inst.Len > len(code) {
		return Instruction{}, fmt.Errorf("%w: instruction crosses read boundary", direrr.ErrUnsupportedInstruction)
	}

	out := Instruction{
		Len: inst.Len,
		Op:  inst.Op,
		raw: append([]byte(nil), code[:inst.Len]...),
	}

	if inst.PCRel != 0 {
		out.RelOff = inst.PCRelOff
		out.RelWidth = inst.PCRel
		disp := signExtend(out.raw[out.RelOff:out.RelOff+out.RelWidth], out.RelWidth)
		out.Target = pc + uintptr(inst.Len) + uintptr(disp)
	}

	out.Kind = classify(inst, out)
	out.IsJCXZFamily = inst.Op == x86asm.JCXZ || inst.Op == x86asm.JECXZ || inst.Op == x86asm.JRCXZ

	return out, nil
}

func classify(inst x86asm.Inst, out Instruction) Kind {
	switch inst.Op {
	case x86asm.RET, x86asm.LRET, x86asm.IRET, x86asm.IRETD, x86asm.IRETQ:
		return Return
	}

	if isRIPRelativeMem(inst) {
		return RIPRelative
	}

	switch inst.Op {
	case x86asm.CALL, x86asm.LCALL:
		if out.RelWidth != 0 {
			return Call
		}
		return IndirectBranch
	case x86asm.JMP, x86asm.LJMP:
		if out.RelWidth == 0 {
			return IndirectBranch
		}
	}

	if out.RelWidth == 1 {
		return ShortBranch
	}
	if out.RelWidth == 4 {
		return NearBranch
	}

	return Ordinary
}

// isRIPRelativeMem reports whether the instruction addresses memory
// relative to the instruction pointer. x86asm surfaces this exactly like
// any other PC-relative operand via Inst.PCRel/PCRelOff, but we still need
// to tell "RIP-relative memory operand" apart from "relative branch
// displacement" — the decoder sets a Mem argument's Base field to the
// dedicated x86asm.RIP pseudo-register for the former and leaves branch
// displacements as bare Rel arguments for the latter.
func isRIPRelativeMem(inst x86asm.Inst) bool {
	if inst.PCRel == 0 {
		return false
	}
	for _, a := range inst.Args {
		if a == nil {
			break
		}
		if m, ok := a.(x86asm.Mem); ok && m.Base == x86asm.RIP {
			return true
		}
	}
	return false
}

func signExtend(b []byte, width int) int64 {
	switch width {
	case 1:
		return int64(int8(b[0]))
	case 4:
		return int64(int32(binary.LittleEndian.Uint32(b)))
	default:
		panic("xdecode: unsupported displacement width")
	}
}
