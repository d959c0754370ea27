package xdecode

import "testing"

func TestDecodeNop(t *testing.T) {
	inst, err := Decode([]byte{0x90, 0xCC, 0xCC}, 0x1000)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if inst.Len != 1 || inst.Kind != Ordinary {
		t.Errorf("got Len=%d Kind=%v, want Len=1 Kind=Ordinary", inst.Len, inst.Kind)
	}
}

func TestDecodeRet(t *testing.T) {
	inst, err := Decode([]byte{0xC3}, 0x1000)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if inst.Kind != Return {
		t.Errorf("got Kind=%v, want Return", inst.Kind)
	}
}

func TestDecodeShortJump(t *testing.T) {
	// EB 05 -> jmp +5, target = pc + len(2) + 5
	inst, err := Decode([]byte{0xEB, 0x05}, 0x1000)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if inst.Kind != ShortBranch {
		t.Fatalf("got Kind=%v, want ShortBranch", inst.Kind)
	}
	if inst.RelWidth != 1 || inst.RelOff != 1 {
		t.Errorf("got RelWidth=%d RelOff=%d, want 1,1", inst.RelWidth, inst.RelOff)
	}
	if want := uintptr(0x1000 + 2 + 5); inst.Target != want {
		t.Errorf("got Target=%#x, want %#x", inst.Target, want)
	}
}

func TestDecodeNearJump(t *testing.T) {
	// E9 00 00 00 00 -> jmp +0, target = pc + 5
	inst, err := Decode([]byte{0xE9, 0x00, 0x00, 0x00, 0x00}, 0x2000)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if inst.Kind != NearBranch {
		t.Fatalf("got Kind=%v, want NearBranch", inst.Kind)
	}
	if inst.RelWidth != 4 {
		t.Errorf("got RelWidth=%d, want 4", inst.RelWidth)
	}
	if want := uintptr(0x2000 + 5); inst.Target != want {
		t.Errorf("got Target=%#x, want %#x", inst.Target, want)
	}
}

func TestDecodeCallRel32(t *testing.T) {
	inst, err := Decode([]byte{0xE8, 0x10, 0x00, 0x00, 0x00}, 0x3000)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if inst.Kind != Call {
		t.Errorf("got Kind=%v, want Call", inst.Kind)
	}
	if want := uintptr(0x3000 + 5 + 0x10); inst.Target != want {
		t.Errorf("got Target=%#x, want %#x", inst.Target, want)
	}
}

func TestDecodeIndirectJump(t *testing.T) {
	// FF E0 -> jmp rax
	inst, err := Decode([]byte{0xFF, 0xE0}, 0x1000)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if inst.Kind != IndirectBranch {
		t.Errorf("got Kind=%v, want IndirectBranch", inst.Kind)
	}
}

func TestDecodeRIPRelativeLea(t *testing.T) {
	// 48 8D 05 10 00 00 00 -> lea rax, [rip+0x10]
	inst, err := Decode([]byte{0x48, 0x8D, 0x05, 0x10, 0x00, 0x00, 0x00}, 0x4000)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if inst.Kind != RIPRelative {
		t.Fatalf("got Kind=%v, want RIPRelative", inst.Kind)
	}
	if want := uintptr(0x4000 + 7 + 0x10); inst.Target != want {
		t.Errorf("got Target=%#x, want %#x", inst.Target, want)
	}
}

func TestDecodeJCXZFamily(t *testing.T) {
	// E3 05 -> jrcxz +5
	inst, err := Decode([]byte{0xE3, 0x05}, 0x1000)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !inst.IsJCXZFamily {
		t.Error("expected IsJCXZFamily to be true for jrcxz")
	}
}

func TestDecodeTruncatedInstruction(t *testing.T) {
	// E9 requires 4 more displacement bytes; only one supplied.
	_, err := Decode([]byte{0xE9, 0x00}, 0x1000)
	if err == nil {
		t.Fatal("expected an error decoding a truncated instruction")
	}
}
