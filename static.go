package godetour

import "sync"

/*
StaticDetour is a package-level detour that installs its underlying
[Detour] lazily, on first Enable or TrampolineAddress call, rather than at
construction. Declaring one as a package-level var lets a caller wire a
detour into ambient state without an explicit initialization step:

	var patchedRead = godetour.NewStatic(targetAddr, detourAddr)

	func init() {
	    if err := patchedRead.Enable(); err != nil {
	        panic(err)
	    }
	}

Lazy construction exists to break a cyclic-ownership hazard: a global that
eagerly owned a Detour, which owns a trampoline whose address a package-level
closure also captured, would need the trampoline's address before the
Detour exists to produce it. StaticDetour instead stores only the plain
target/detour addresses up front; the Detour (and the trampoline address it
owns) is created on first use and read back out on demand, never captured
ahead of time.
*/
type StaticDetour struct {
	mu sync.Mutex

	target uintptr
	detour uintptr

	handle  *Detour
	initErr error
}

// NewStatic returns a StaticDetour targeting target, initially pointing at
// detour. No inspection or patching happens until Enable or
// TrampolineAddress is first called.
func NewStatic(target, detour uintptr) *StaticDetour {
	return &StaticDetour{target: target, detour: detour}
}

func (s *StaticDetour) ensureLocked() (*Detour, error) {
	if s.handle == nil && s.initErr == nil {
		s.handle, s.initErr = New(s.target, s.detour)
	}
	return s.handle, s.initErr
}

// Enable lazily constructs the underlying Detour if needed, then installs
// the redirect. It is idempotent, matching [Detour.Enable].
func (s *StaticDetour) Enable() error {
	s.mu.Lock()
	h, err := s.ensureLocked()
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return h.Enable()
}

// Disable removes the redirect if a Detour has been constructed. Calling
// Disable before the first Enable is a no-op, since there is nothing
// installed yet.
func (s *StaticDetour) Disable() error {
	s.mu.Lock()
	h := s.handle
	s.mu.Unlock()
	if h == nil {
		return nil
	}
	return h.Disable()
}

// IsEnabled reports whether the redirect is currently installed. It is
// false whenever the underlying Detour has not yet been constructed.
func (s *StaticDetour) IsEnabled() bool {
	s.mu.Lock()
	h := s.handle
	s.mu.Unlock()
	if h == nil {
		return false
	}
	return h.IsEnabled()
}

// SetDetour updates the redirect destination. Before the first Enable this
// only updates the address a later Enable will construct the Detour with;
// afterward it rewrites the already-installed jump the same way
// [Detour.SetDetour] does.
func (s *StaticDetour) SetDetour(newDetour uintptr) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.detour = newDetour
	if s.handle == nil {
		return nil
	}
	return s.handle.SetDetour(newDetour)
}

// TrampolineAddress lazily constructs the underlying Detour if needed and
// returns the callable address of the relocated prologue.
func (s *StaticDetour) TrampolineAddress() (uintptr, error) {
	s.mu.Lock()
	h, err := s.ensureLocked()
	s.mu.Unlock()
	if err != nil {
		return 0, err
	}
	return h.TrampolineAddress(), nil
}
