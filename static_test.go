package godetour

import (
	"reflect"
	"testing"
)

//go:noinline
func staticTarget(x int) int { return x + 1 }

//go:noinline
func staticDetourA(x int) int { return x + 1000 }

//go:noinline
func staticDetourB(x int) int { return x + 2000 }

func TestStaticDetourIsDisabledBeforeFirstEnable(t *testing.T) {
	sd := NewStatic(reflect.ValueOf(staticTarget).Pointer(), reflect.ValueOf(staticDetourA).Pointer())
	if sd.IsEnabled() {
		t.Error("a freshly constructed StaticDetour should not report enabled")
	}
	if err := sd.Disable(); err != nil {
		t.Errorf("Disable before first Enable should be a no-op, got err: %v", err)
	}
}

func TestStaticDetourLazyEnable(t *testing.T) {
	sd := NewStatic(reflect.ValueOf(staticTarget).Pointer(), reflect.ValueOf(staticDetourA).Pointer())
	if err := sd.Enable(); err != nil {
		t.Fatalf("Enable: %v", err)
	}
	defer sd.Disable()

	if !sd.IsEnabled() {
		t.Error("expected IsEnabled to be true after Enable")
	}
	if got := staticTarget(5); got != 1005 {
		t.Errorf("staticTarget(5) = %d after Enable, want 1005", got)
	}
}

func TestStaticDetourDisableRestoresOriginal(t *testing.T) {
	sd := NewStatic(reflect.ValueOf(staticTarget).Pointer(), reflect.ValueOf(staticDetourA).Pointer())
	if err := sd.Enable(); err != nil {
		t.Fatalf("Enable: %v", err)
	}
	if err := sd.Disable(); err != nil {
		t.Fatalf("Disable: %v", err)
	}

	if got := staticTarget(5); got != 6 {
		t.Errorf("staticTarget(5) = %d after Disable, want 6 (original restored)", got)
	}
}

func TestStaticDetourSetDetourBeforeEnable(t *testing.T) {
	sd := NewStatic(reflect.ValueOf(staticTarget).Pointer(), reflect.ValueOf(staticDetourA).Pointer())
	if err := sd.SetDetour(reflect.ValueOf(staticDetourB).Pointer()); err != nil {
		t.Fatalf("SetDetour before Enable: %v", err)
	}

	if err := sd.Enable(); err != nil {
		t.Fatalf("Enable: %v", err)
	}
	defer sd.Disable()

	if got := staticTarget(5); got != 2005 {
		t.Errorf("staticTarget(5) = %d, want 2005 (SetDetour before Enable should steer the lazily-constructed Detour)", got)
	}
}

func TestStaticDetourSetDetourAfterEnable(t *testing.T) {
	sd := NewStatic(reflect.ValueOf(staticTarget).Pointer(), reflect.ValueOf(staticDetourA).Pointer())
	if err := sd.Enable(); err != nil {
		t.Fatalf("Enable: %v", err)
	}
	defer sd.Disable()

	if err := sd.SetDetour(reflect.ValueOf(staticDetourB).Pointer()); err != nil {
		t.Fatalf("SetDetour after Enable: %v", err)
	}

	if got := staticTarget(5); got != 2005 {
		t.Errorf("staticTarget(5) = %d, want 2005 (live redirect rewrite)", got)
	}
}

func TestStaticDetourTrampolineAddress(t *testing.T) {
	sd := NewStatic(reflect.ValueOf(staticTarget).Pointer(), reflect.ValueOf(staticDetourA).Pointer())
	addr, err := sd.TrampolineAddress()
	if err != nil {
		t.Fatalf("TrampolineAddress: %v", err)
	}
	if addr == 0 {
		t.Error("TrampolineAddress returned 0")
	}
	sd.Disable()
}
