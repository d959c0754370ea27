package trampoline

import (
	"bytes"
	"encoding/binary"
	"errors"
	"reflect"
	"testing"

	"github.com/qsel/godetour/internal/direrr"
	"github.com/qsel/godetour/internal/execpool"
	"github.com/qsel/godetour/internal/inspector"
	"github.com/qsel/godetour/internal/xdecode"
)

func neverInternal(uintptr) bool { return false }

func TestPlanSizeWidensExternalShortJump(t *testing.T) {
	// EB 05 -> jmp +5, an unconditional short jump to somewhere outside
	// the stolen prologue.
	inst, err := xdecode.Decode([]byte{0xEB, 0x05, 0xCC, 0xCC, 0xCC}, 0x1000)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	size, err := planSize(inst, neverInternal)
	if err != nil {
		t.Fatalf("planSize: %v", err)
	}
	if size != 5 {
		t.Errorf("got size=%d, want 5 (widened to E9 rel32)", size)
	}
}

func TestPlanSizeWidensExternalConditionalJump(t *testing.T) {
	// 74 05 -> je +5, a short conditional jump.
	inst, err := xdecode.Decode([]byte{0x74, 0x05, 0xCC, 0xCC, 0xCC}, 0x1000)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	size, err := planSize(inst, neverInternal)
	if err != nil {
		t.Fatalf("planSize: %v", err)
	}
	if size != 6 {
		t.Errorf("got size=%d, want 6 (widened to 0F 8x rel32)", size)
	}
}

func TestPlanSizeKeepsInternalShortJump(t *testing.T) {
	inst, err := xdecode.Decode([]byte{0xEB, 0x00}, 0x1000)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	size, err := planSize(inst, func(uintptr) bool { return true })
	if err != nil {
		t.Fatalf("planSize: %v", err)
	}
	if size != 2 {
		t.Errorf("got size=%d, want 2 (internal target keeps original width)", size)
	}
}

func TestBuildRelocatesInternalShortBranch(t *testing.T) {
	target := reflect.ValueOf(TestBuildRelocatesInternalShortBranch).Pointer()

	// jmp +0 (targets the very next instruction), then ret.
	jmp, err := xdecode.Decode([]byte{0xEB, 0x00}, target)
	if err != nil {
		t.Fatalf("Decode jmp: %v", err)
	}
	ret, err := xdecode.Decode([]byte{0xC3}, target+2)
	if err != nil {
		t.Fatalf("Decode ret: %v", err)
	}

	plan := inspector.StealPlan{
		StolenBytes:  3,
		Instructions: []xdecode.Instruction{jmp, ret},
		Mode:         inspector.ModeDirect,
		PatchSite:    target,
		RedirectSite: target,
	}

	pool := execpool.New(execpool.DefaultConfig())
	tr, err := Build(plan, pool)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	defer tr.Release()

	code := tr.Code()
	if len(code) != 3 {
		t.Fatalf("got len(code)=%d, want 3 (no terminal jump needed, prologue already ends in ret)", len(code))
	}
	want := []byte{0xEB, 0x00, 0xC3}
	if !bytes.Equal(code, want) {
		t.Errorf("got code=% x, want % x", code, want)
	}
}

func TestBuildAppendsTerminalJump(t *testing.T) {
	target := reflect.ValueOf(TestBuildAppendsTerminalJump).Pointer()

	raw := []byte{0xB8, 0x01, 0x00, 0x00, 0x00} // mov eax, 1
	inst, err := xdecode.Decode(raw, target)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	plan := inspector.StealPlan{
		StolenBytes:  5,
		Instructions: []xdecode.Instruction{inst},
		Mode:         inspector.ModeDirect,
		PatchSite:    target,
		RedirectSite: target,
	}

	pool := execpool.New(execpool.DefaultConfig())
	tr, err := Build(plan, pool)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	defer tr.Release()

	code := tr.Code()
	if len(code) != 10 {
		t.Fatalf("got len(code)=%d, want 10 (5 stolen + 5-byte terminal jump)", len(code))
	}
	if !bytes.Equal(code[:5], raw) {
		t.Errorf("stolen bytes not copied verbatim: got % x, want % x", code[:5], raw)
	}
	if code[5] != 0xE9 {
		t.Fatalf("got terminal opcode %#x, want 0xE9", code[5])
	}

	disp := int32(binary.LittleEndian.Uint32(code[6:10]))
	selfIP := int64(tr.Addr()) + 10
	gotTarget := uintptr(selfIP + int64(disp))
	wantTarget := target + 5
	if gotTarget != wantTarget {
		t.Errorf("terminal jump resolves to %#x, want %#x (continuation past stolen bytes)", gotTarget, wantTarget)
	}
}

func TestBuildRelocatesRIPRelativeOperand(t *testing.T) {
	target := reflect.ValueOf(TestBuildRelocatesRIPRelativeOperand).Pointer()

	raw := []byte{0x48, 0x8D, 0x05, 0x10, 0x00, 0x00, 0x00} // lea rax, [rip+0x10]
	inst, err := xdecode.Decode(raw, target)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if inst.Kind != xdecode.RIPRelative {
		t.Fatalf("got Kind=%v, want RIPRelative", inst.Kind)
	}

	plan := inspector.StealPlan{
		StolenBytes:  7,
		Instructions: []xdecode.Instruction{inst},
		Mode:         inspector.ModeDirect,
		PatchSite:    target,
		RedirectSite: target,
	}

	pool := execpool.New(execpool.DefaultConfig())
	tr, err := Build(plan, pool)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	defer tr.Release()

	code := tr.Code()
	if len(code) != 12 {
		t.Fatalf("got len(code)=%d, want 12 (7-byte lea relocated + 5-byte terminal jump)", len(code))
	}
	if !bytes.Equal(code[:3], raw[:3]) {
		t.Errorf("opcode/ModRM not copied verbatim: got % x, want % x", code[:3], raw[:3])
	}

	disp := int32(binary.LittleEndian.Uint32(code[3:7]))
	selfIP := int64(tr.Addr()) + 7
	gotTarget := uintptr(int64(selfIP) + int64(disp))
	wantTarget := inst.Target
	if gotTarget != wantTarget {
		t.Errorf("relocated rip-relative operand resolves to %#x, want %#x", gotTarget, wantTarget)
	}
}

func TestBuildRIPRelativeReturnsUnrelocatableWhenTooFar(t *testing.T) {
	// Decode at pc=0 with the maximum positive rel32 displacement, so
	// Target sits at the far edge of the 32-bit range from address 0.
	raw := []byte{0x48, 0x8D, 0x05, 0xFF, 0xFF, 0xFF, 0x7F} // lea rax, [rip+0x7FFFFFFF]
	inst, err := xdecode.Decode(raw, 0)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if inst.Kind != xdecode.RIPRelative {
		t.Fatalf("got Kind=%v, want RIPRelative", inst.Kind)
	}

	build, err := planBuild(inst, 0, inst.Len, neverInternal, map[uintptr]int{}, nil)
	if err != nil {
		t.Fatalf("planBuild: %v", err)
	}

	// A trampoline base on the opposite side of the address space from
	// Target pushes the recomputed displacement outside int32 range.
	if _, err := build(0xFFFF_FFFF_0000_0000); !errors.Is(err, direrr.ErrUnrelocatableOperand) {
		t.Errorf("got err=%v, want ErrUnrelocatableOperand", err)
	}
}

func TestBuildSynthesizesJCXZFamilyExternalBranch(t *testing.T) {
	target := reflect.ValueOf(TestBuildSynthesizesJCXZFamilyExternalBranch).Pointer()

	raw := []byte{0xE3, 0x05} // jrcxz +5, external to a 2-byte stolen prologue
	inst, err := xdecode.Decode(raw, target)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !inst.IsJCXZFamily {
		t.Fatalf("expected IsJCXZFamily for jrcxz")
	}

	plan := inspector.StealPlan{
		StolenBytes:  2,
		Instructions: []xdecode.Instruction{inst},
		Mode:         inspector.ModeDirect,
		PatchSite:    target,
		RedirectSite: target,
	}

	pool := execpool.New(execpool.DefaultConfig())
	tr, err := Build(plan, pool)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	defer tr.Release()

	code := tr.Code()
	if len(code) != 14 {
		t.Fatalf("got len(code)=%d, want 14 (9-byte jcxz sequence + 5-byte terminal jump)", len(code))
	}

	wantPrefix := []byte{0xE3, 0x02, 0xEB, 0x05, 0xE9}
	if !bytes.Equal(code[:5], wantPrefix) {
		t.Errorf("got prefix % x, want % x", code[:5], wantPrefix)
	}

	disp := int32(binary.LittleEndian.Uint32(code[5:9]))
	selfIP := int64(tr.Addr()) + 9
	gotTarget := uintptr(int64(selfIP) + int64(disp))
	if gotTarget != inst.Target {
		t.Errorf("jcxz-family branch resolves to %#x, want %#x", gotTarget, inst.Target)
	}
}
