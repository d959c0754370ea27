package godetour

import "testing"

//go:noinline
func multiplyByTwo(x int) int { return x * 2 }

//go:noinline
func subtractOne(x int) int { return x - 1 }

func TestOverrideRedirectsCalls(t *testing.T) {
	replacement := func(x int) int { return x * 100 }
	Override(multiplyByTwo, replacement)

	if got := multiplyByTwo(4); got != 400 {
		t.Errorf("multiplyByTwo(4) = %d after Override, want 400", got)
	}
}

func TestOverrideReturnsCallableOriginal(t *testing.T) {
	var original func(x int) int
	calls := 0
	original = Override(subtractOne, func(x int) int {
		calls++
		return original(x) - 1
	})

	if got := subtractOne(10); got != 8 {
		t.Errorf("subtractOne(10) = %d, want 8 (original(10)=9, minus 1 from the replacement)", got)
	}
	if calls != 1 {
		t.Errorf("got calls=%d, want 1", calls)
	}
}

func TestOverridePanicsOnNonFunc(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Error("expected panic for non-function argument")
		}
	}()
	Override(5, 10)
}
