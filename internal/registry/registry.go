// Package registry implements the process-wide patch registry described
// in spec.md §3: a single mutex-protected set of active patch-site ranges,
// used to serialize concurrent enable/disable operations and reject
// overlapping detours.
//
// Grounded on qrdl-testaroli's single-active-instance discipline (only one
// Mock/Series/global expectations list may be active at a time) —
// generalized here from "one active override" to "a set of disjoint
// byte ranges", since a production detour engine must support many
// simultaneously-installed detours rather than the teacher's one-at-a-time
// test mocking model.
package registry

import (
	"fmt"
	"sync"

	"github.com/qsel/godetour/internal/direrr"
)

// Range is a half-open byte range [Start, Start+Len).
type Range struct {
	Start uintptr
	Len   int
}

func (r Range) overlaps(o Range) bool {
	rEnd := r.Start + uintptr(r.Len)
	oEnd := o.Start + uintptr(o.Len)
	return r.Start < oEnd && o.Start < rEnd
}

// Registry serializes writes to patch sites and rejects overlapping
// installs. There is exactly one process-wide instance (see Global).
type Registry struct {
	mu     sync.Mutex
	active map[Range]struct{}
}

// New creates an empty registry. Tests construct their own instance to
// avoid cross-test interference; production code uses Global.
func New() *Registry {
	return &Registry{active: make(map[Range]struct{})}
}

var global = New()

// Global returns the process-wide registry singleton.
func Global() *Registry { return global }

// Release removes a previously-installed range, freeing it for later
// reuse by another detour. Callers get one from a successful Install.
type Release func()

// Install registers r as occupied and runs fn, which is expected to
// perform the actual byte-level patch, while holding the registry's
// mutex — satisfying §5's fixed "mutex then page-protection call then
// write" acquisition order. If r overlaps any currently installed range,
// fn is never called and ErrOverlappingDetour is returned. If fn fails,
// r is not left registered (§7: "no partial state").
func (reg *Registry) Install(r Range, fn func() error) (Release, error) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	for existing := range reg.active {
		if existing.overlaps(r) {
			return nil, fmt.Errorf("%w: [%#x, %#x) overlaps installed range [%#x, %#x)",
				direrr.ErrOverlappingDetour, r.Start, r.Start+uintptr(r.Len), existing.Start, existing.Start+uintptr(existing.Len))
		}
	}

	if err := fn(); err != nil {
		return nil, err
	}

	reg.active[r] = struct{}{}
	return func() {
		reg.mu.Lock()
		delete(reg.active, r)
		reg.mu.Unlock()
	}, nil
}

// Hold locks the registry for the duration of fn without registering a
// new range — used by uninstall and by SetDetour's re-patch, which touch a
// range the caller already owns.
func (reg *Registry) Hold(fn func() error) error {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	return fn()
}
