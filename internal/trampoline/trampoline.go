// Package trampoline implements the trampoline builder (component B): it
// walks a stolen prologue instruction by instruction, emits a relocated
// copy into an executable buffer from internal/execpool, fixes up every
// position-dependent operand, and appends a jump back into the original
// function past the stolen bytes.
//
// Grounded on original_source/src/inline/x86/trampoline.rs. That file
// builds its buffer with a list of "Thunkable" closures captured over the
// buffer's eventual base address (pic::Generator/pic::Dynamic) because the
// final address isn't known until the memory pool places it; this package
// uses the same two-phase shape (decide sizes first, resolve addresses
// once the allocation exists) with a plain slice of build closures instead
// of a generic-array PIC abstraction.
package trampoline

import (
	"encoding/binary"
	"fmt"

	"github.com/qsel/godetour/internal/direrr"
	"github.com/qsel/godetour/internal/execpool"
	"github.com/qsel/godetour/internal/inspector"
	"github.com/qsel/godetour/internal/xdecode"
)

const (
	minInt32 = int64(-1) << 31
	maxInt32 = int64(1)<<31 - 1
)

// Trampoline is the finished relocated-prologue buffer.
type Trampoline struct {
	alloc execpool.Allocation
	code  []byte
}

// Addr returns the address a caller can jump to in order to run the
// relocated prologue followed by a return into the original function.
func (t *Trampoline) Addr() uintptr { return t.alloc.Addr() }

// Code returns the exact bytes written into the trampoline, for tests.
func (t *Trampoline) Code() []byte { return t.code }

// Release returns the trampoline's executable memory to its pool. Callers
// must ensure no thread can still be executing inside the trampoline.
func (t *Trampoline) Release() { t.alloc.Free() }

// build produces an instruction's final bytes once the trampoline's base
// address is known. dstOff/size are already fixed by the time build is
// created; only the absolute addresses derived from base remain open.
type build func(base uintptr) ([]byte, error)

type step struct {
	size  int
	build build
}

// Build lays out and allocates a trampoline for plan, backed by pool.
func Build(plan inspector.StealPlan, pool *execpool.Pool) (*Trampoline, error) {
	if len(plan.Instructions) == 0 {
		return nil, fmt.Errorf("%w: empty steal plan", direrr.ErrUnsupportedInstruction)
	}

	srcAddrOf := make([]uintptr, len(plan.Instructions))
	srcOffset := 0
	for i, inst := range plan.Instructions {
		srcAddrOf[i] = plan.PatchSite + uintptr(srcOffset)
		srcOffset += inst.Len
	}
	addrIndex := make(map[uintptr]int, len(plan.Instructions))
	for i, addr := range srcAddrOf {
		addrIndex[addr] = i
	}
	internal := func(target uintptr) bool {
		return target >= plan.PatchSite && target < plan.PatchSite+uintptr(plan.StolenBytes)
	}

	// Pass 1: decide each instruction's emission size. This never depends
	// on the final trampoline offsets (see planSize's doc comment), so it
	// can run before any offsets are known.
	sizes := make([]int, len(plan.Instructions))
	for i, inst := range plan.Instructions {
		size, err := planSize(inst, internal)
		if err != nil {
			return nil, err
		}
		sizes[i] = size
	}

	dstOffOf := make([]int, len(plan.Instructions))
	off := 0
	for i, s := range sizes {
		dstOffOf[i] = off
		off += s
	}

	// Pass 2: now that every instruction's trampoline offset is fixed,
	// build closures that only need the (still unknown) base address to
	// finish resolving internal targets.
	steps := make([]step, 0, len(plan.Instructions)+1)
	for i, inst := range plan.Instructions {
		b, err := planBuild(inst, dstOffOf[i], sizes[i], internal, addrIndex, dstOffOf)
		if err != nil {
			return nil, err
		}
		steps = append(steps, step{size: sizes[i], build: b})
	}

	last := plan.Instructions[len(plan.Instructions)-1]
	terminates := last.Kind == xdecode.Return || last.Kind == xdecode.IndirectBranch
	continuation := plan.PatchSite + uintptr(plan.StolenBytes)

	total := off
	if !terminates {
		termOff := off
		steps = append(steps, step{size: 5, build: func(base uintptr) ([]byte, error) {
			selfIP := base + uintptr(termOff) + 5
			disp := int64(continuation) - int64(selfIP)
			if disp < minInt32 || disp > maxInt32 {
				return absoluteJump(continuation), nil
			}
			buf := make([]byte, 5)
			buf[0] = 0xE9
			binary.LittleEndian.PutUint32(buf[1:], uint32(int32(disp)))
			return buf, nil
		}})
		total += 5
	}

	alloc, code, err := allocateAndBuild(pool, plan.PatchSite, total, steps)
	if err != nil {
		return nil, err
	}
	return &Trampoline{alloc: alloc, code: code}, nil
}

// allocateAndBuild reserves an executable cell and runs every step's build
// closure against its base address. If the terminal jump widened to the
// 14-byte absolute form (pushing the total past the size first reserved),
// it retries once against a cell sized for the actual output — this only
// happens if the pool ever placed a trampoline outside ±2GiB of the
// anchor, which internal/execpool's contract rules out in practice.
func allocateAndBuild(pool *execpool.Pool, anchor uintptr, size int, steps []step) (execpool.Allocation, []byte, error) {
	alloc, err := pool.Alloc(anchor, size)
	if err != nil {
		return execpool.Allocation{}, nil, err
	}

	code, err := assemble(alloc.Addr(), steps)
	if err != nil {
		alloc.Free()
		return execpool.Allocation{}, nil, err
	}

	if len(code) != size {
		alloc.Free()
		alloc, err = pool.Alloc(anchor, len(code))
		if err != nil {
			return execpool.Allocation{}, nil, err
		}
		code, err = assemble(alloc.Addr(), steps)
		if err != nil {
			alloc.Free()
			return execpool.Allocation{}, nil, err
		}
	}

	if err := alloc.Write(code); err != nil {
		alloc.Free()
		return execpool.Allocation{}, nil, err
	}
	return alloc, code, nil
}

func assemble(base uintptr, steps []step) ([]byte, error) {
	code := make([]byte, 0, len(steps)*4)
	for _, s := range steps {
		b, err := s.build(base)
		if err != nil {
			return nil, err
		}
		code = append(code, b...)
	}
	return code, nil
}

// absoluteJump encodes the 14-byte RIP-relative-indirect far jump used when
// a target lies farther than ±2GiB: FF 25 00000000 <imm64 target>.
func absoluteJump(target uintptr) []byte {
	buf := make([]byte, 14)
	buf[0], buf[1] = 0xFF, 0x25
	binary.LittleEndian.PutUint64(buf[6:], uint64(target))
	return buf
}

// planSize decides how many bytes an instruction will occupy in the
// trampoline. The decision only needs to know whether a branch target is
// internal or external, never the target's eventual numeric offset:
// internal short branches keep their original width (their displacement is
// small by construction, since it spans only a few already-decided
// instructions within the same stolen prologue), external short branches
// are unconditionally widened to their near/rel32 form (spec §4.B), and
// every other kind keeps its original length. This lets pass 1 fix every
// offset before pass 2 needs to resolve any address.
func planSize(inst xdecode.Instruction, internal func(uintptr) bool) (int, error) {
	switch inst.Kind {
	case xdecode.ShortBranch:
		if internal(inst.Target) {
			return inst.Len, nil
		}
		if inst.IsJCXZFamily {
			return 9, nil // jecxz +2 ; jmp +5 ; jmp rel32 target
		}
		if inst.Raw()[0] == 0xEB {
			return 5, nil // widened to E9 rel32
		}
		return 6, nil // widened to 0F 8x rel32
	default:
		return inst.Len, nil
	}
}

// planBuild produces the build closure for one instruction now that its
// trampoline offset (dstOff) and every other instruction's offset
// (dstOffOf, indexed the same as addrIndex's original-address lookup) are
// fixed.
func planBuild(inst xdecode.Instruction, dstOff, size int, internal func(uintptr) bool, addrIndex map[uintptr]int, dstOffOf []int) (build, error) {
	switch inst.Kind {
	case xdecode.Ordinary, xdecode.Return, xdecode.IndirectBranch:
		raw := append([]byte(nil), inst.Raw()...)
		return func(uintptr) ([]byte, error) { return raw, nil }, nil

	case xdecode.RIPRelative:
		raw := append([]byte(nil), inst.Raw()...)
		relOff, relWidth, insLen, absTarget := inst.RelOff, inst.RelWidth, inst.Len, inst.Target
		return func(base uintptr) ([]byte, error) {
			selfIP := base + uintptr(dstOff) + uintptr(insLen)
			disp := int64(absTarget) - int64(selfIP)
			if disp < minInt32 || disp > maxInt32 {
				return nil, fmt.Errorf("%w: rip-relative operand %#x too far from trampoline", direrr.ErrUnrelocatableOperand, absTarget)
			}
			out := append([]byte(nil), raw...)
			binary.LittleEndian.PutUint32(out[relOff:relOff+relWidth], uint32(int32(disp)))
			return out, nil
		}, nil

	case xdecode.Call, xdecode.NearBranch:
		return buildRel32Branch(inst, dstOff, internal, addrIndex, dstOffOf, inst.RelOff, inst.RelWidth, inst.Len, append([]byte(nil), inst.Raw()...))

	case xdecode.ShortBranch:
		return planShortBranchBuild(inst, dstOff, size, internal, addrIndex, dstOffOf)

	default:
		return nil, fmt.Errorf("%w: %s", direrr.ErrUnsupportedInstruction, inst.Kind)
	}
}

// buildRel32Branch resolves an already-rel32-width branch/call, pointing
// into the trampoline when the target is internal and at the untouched
// absolute address when it is external.
func buildRel32Branch(inst xdecode.Instruction, dstOff int, internal func(uintptr) bool, addrIndex map[uintptr]int, dstOffOf []int, relOff, relWidth, insLen int, raw []byte) (build, error) {
	target := inst.Target
	isInternal := internal(target)
	var internalOff int
	if isInternal {
		idx, ok := addrIndex[target]
		if !ok {
			return nil, fmt.Errorf("%w: internal branch target %#x does not land on an instruction boundary", direrr.ErrUnrelocatableOperand, target)
		}
		internalOff = dstOffOf[idx]
	}
	return func(base uintptr) ([]byte, error) {
		var destAbs uintptr
		if isInternal {
			destAbs = base + uintptr(internalOff)
		} else {
			destAbs = target
		}
		selfIP := base + uintptr(dstOff) + uintptr(insLen)
		disp := int64(destAbs) - int64(selfIP)
		if disp < minInt32 || disp > maxInt32 {
			return nil, fmt.Errorf("%w: branch target %#x too far from trampoline", direrr.ErrUnrelocatableOperand, target)
		}
		out := append([]byte(nil), raw...)
		binary.LittleEndian.PutUint32(out[relOff:relOff+relWidth], uint32(int32(disp)))
		return out, nil
	}, nil
}

// planShortBranchBuild resolves EB/Jcc-0x7x/JCXZ-family branches per the
// widths planSize already committed to.
func planShortBranchBuild(inst xdecode.Instruction, dstOff, size int, internal func(uintptr) bool, addrIndex map[uintptr]int, dstOffOf []int) (build, error) {
	raw := inst.Raw()
	target := inst.Target

	if internal(target) {
		// Stays at its original width; only its own 1-byte displacement
		// is recomputed against the (now-known) trampoline offset of the
		// target instruction.
		idx, ok := addrIndex[target]
		if !ok {
			return nil, fmt.Errorf("%w: internal branch target %#x does not land on an instruction boundary", direrr.ErrUnrelocatableOperand, target)
		}
		relOff, insLen := inst.RelOff, inst.Len
		targetOff := dstOffOf[idx]
		rawCopy := append([]byte(nil), raw...)
		return func(base uintptr) ([]byte, error) {
			selfIP := base + uintptr(dstOff) + uintptr(insLen)
			disp := int64(base+uintptr(targetOff)) - int64(selfIP)
			if disp < -128 || disp > 127 {
				return nil, fmt.Errorf("%w: internal short branch target %#x moved out of 1-byte range in trampoline", direrr.ErrUnrelocatableOperand, target)
			}
			out := append([]byte(nil), rawCopy...)
			out[relOff] = byte(int8(disp))
			return out, nil
		}, nil
	}

	if inst.IsJCXZFamily {
		opcode := raw[0]
		return func(base uintptr) ([]byte, error) {
			buf := make([]byte, 9)
			buf[0] = opcode
			buf[1] = 0x02
			buf[2] = 0xEB
			buf[3] = 0x05
			buf[4] = 0xE9
			selfIP := base + uintptr(dstOff) + 9
			disp := int64(target) - int64(selfIP)
			if disp < minInt32 || disp > maxInt32 {
				return nil, fmt.Errorf("%w: jcxz target %#x too far from trampoline", direrr.ErrUnrelocatableOperand, target)
			}
			binary.LittleEndian.PutUint32(buf[5:], uint32(int32(disp)))
			return buf, nil
		}, nil
	}

	if raw[0] == 0xEB {
		return func(base uintptr) ([]byte, error) {
			selfIP := base + uintptr(dstOff) + 5
			disp := int64(target) - int64(selfIP)
			if disp < minInt32 || disp > maxInt32 {
				return nil, fmt.Errorf("%w: branch target %#x too far from trampoline", direrr.ErrUnrelocatableOperand, target)
			}
			buf := make([]byte, 5)
			buf[0] = 0xE9
			binary.LittleEndian.PutUint32(buf[1:], uint32(int32(disp)))
			return buf, nil
		}, nil
	}

	condition := raw[0] & 0x0F
	return func(base uintptr) ([]byte, error) {
		selfIP := base + uintptr(dstOff) + 6
		disp := int64(target) - int64(selfIP)
		if disp < minInt32 || disp > maxInt32 {
			return nil, fmt.Errorf("%w: branch target %#x too far from trampoline", direrr.ErrUnrelocatableOperand, target)
		}
		buf := make([]byte, 6)
		buf[0] = 0x0F
		buf[1] = 0x80 | condition
		binary.LittleEndian.PutUint32(buf[2:], uint32(int32(disp)))
		return buf, nil
	}, nil
}
