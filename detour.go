// This file is part of the godetour project.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at https://www.apache.org/licenses/LICENSE-2.0
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package godetour

import (
	"encoding/binary"
	"fmt"
	"runtime"
	"sync"

	"github.com/qsel/godetour/internal/direrr"
	"github.com/qsel/godetour/internal/execpool"
	"github.com/qsel/godetour/internal/inspector"
	"github.com/qsel/godetour/internal/patcher"
	"github.com/qsel/godetour/internal/registry"
	"github.com/qsel/godetour/internal/trampoline"
)

/*
Detour is the owning handle for one inline function detour. It ties
together the target inspector, the trampoline builder and the patcher: it
is constructed disabled, may be [Detour.Enable]d and [Detour.Disable]d any
number of times, and owns the trampoline buffer for its lifetime.

This collapses three near-duplicate lifecycle types found in the source
this package grew out of (a context-scoped override, a single global mock,
and a series of chained mocks) into one coherent state machine, since a
production detour engine has none of those testing-specific concerns —
there is exactly one kind of "install this redirect, and let me call the
original" operation.
*/
type Detour struct {
	mu sync.Mutex

	target uintptr
	detour uintptr

	plan    inspector.StealPlan
	tramp   *trampoline.Trampoline
	reg     *registry.Registry
	release registry.Release
	enabled bool
}

// New inspects target, builds a trampoline for it, and returns a Detour
// ready to be enabled against detour. The target is left untouched until
// Enable is called.
func New(target, detour uintptr) (*Detour, error) {
	return newWithRegistry(target, detour, registry.Global(), defaultPool)
}

func newWithRegistry(target, detour uintptr, reg *registry.Registry, pool *execpool.Pool) (*Detour, error) {
	if target == detour {
		return nil, direrr.ErrSameAddress
	}
	if target == 0 || detour == 0 {
		return nil, direrr.ErrInvalidTarget
	}

	plan, err := inspector.Inspect(target, readCode)
	if err != nil {
		logErrorw("inspect failed", "target", fmt.Sprintf("%#x", target), "error", err)
		return nil, err
	}

	tramp, err := trampoline.Build(plan, pool)
	if err != nil {
		logErrorw("trampoline build failed", "target", fmt.Sprintf("%#x", target), "error", err)
		return nil, err
	}

	d := &Detour{
		target: target,
		detour: detour,
		plan:   plan,
		tramp:  tramp,
		reg:    reg,
	}
	runtime.SetFinalizer(d, (*Detour).finalize)

	logDebugw("detour constructed",
		"target", fmt.Sprintf("%#x", target),
		"detour", fmt.Sprintf("%#x", detour),
		"mode", plan.Mode.String(),
		"trampoline", fmt.Sprintf("%#x", tramp.Addr()))
	return d, nil
}

// Enable installs the redirect. It is idempotent: calling Enable on an
// already-enabled Detour returns nil without re-patching.
func (d *Detour) Enable() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.enabled {
		return nil
	}

	redirect := d.redirectBytes()
	release, err := patcher.Install(d.reg, d.plan.RedirectSite, redirect)
	if err != nil {
		return err
	}
	d.release = release
	d.enabled = true
	logDebugw("detour enabled", "target", fmt.Sprintf("%#x", d.target))
	return nil
}

// Disable removes the redirect, restoring the target's original bytes. It
// is idempotent: calling Disable on an already-disabled Detour returns nil.
func (d *Detour) Disable() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.disableLocked()
}

func (d *Detour) disableLocked() error {
	if !d.enabled {
		return nil
	}
	restore := d.plan.Saved
	if d.plan.Mode == inspector.ModeDirect {
		// Only the 5-byte redirect overwrote the target; any further stolen
		// bytes were never touched.
		restore = restore[:5]
	}
	if err := patcher.Uninstall(d.reg, d.release, d.plan.RedirectSite, restore); err != nil {
		return err
	}
	d.release = nil
	d.enabled = false
	logDebugw("detour disabled", "target", fmt.Sprintf("%#x", d.target))
	return nil
}

// IsEnabled reports whether the redirect is currently installed.
func (d *Detour) IsEnabled() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.enabled
}

// TrampolineAddress returns the callable address of the relocated
// prologue. It is stable for the lifetime of the Detour.
func (d *Detour) TrampolineAddress() uintptr {
	return d.tramp.Addr()
}

// SetDetour updates the redirect destination. If the Detour is currently
// enabled, only the displacement of the already-installed jump is
// rewritten, under the patch registry's mutex, without a disable/enable
// cycle.
func (d *Detour) SetDetour(newDetour uintptr) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if newDetour == d.target {
		return direrr.ErrSameAddress
	}
	d.detour = newDetour
	if !d.enabled {
		return nil
	}
	return patcher.Rewrite(d.reg, d.plan.RedirectSite, d.redirectBytes())
}

// redirectBytes encodes the jump written at the redirect site: a 5-byte
// relative E9 for a direct patch, or the same 5 bytes followed by the
// 2-byte short jump into them for a hot-patch (the short jump itself never
// changes once installed, since it always targets the fixed offset of the
// long jump immediately following it).
func (d *Detour) redirectBytes() []byte {
	long := encodeRel32Jump(d.plan.RedirectSite, d.detour)
	if d.plan.Mode == inspector.ModeDirect {
		return long
	}
	// HotPatch layout is [RedirectSite: 5-byte long jump][target: 2-byte
	// short jump]. The short jump's displacement is fixed by that layout
	// alone (it always sits exactly 5 bytes after the long jump it must
	// land on): EB F9 jumps back 7 bytes, landing on RedirectSite.
	short := []byte{0xEB, 0xF9}
	return append(long, short...)
}

func encodeRel32Jump(site, dest uintptr) []byte {
	buf := make([]byte, 5)
	buf[0] = 0xE9
	disp := int64(dest) - int64(site+5)
	binary.LittleEndian.PutUint32(buf[1:], uint32(int32(disp)))
	return buf
}

func (d *Detour) finalize() {
	if err := d.Disable(); err != nil {
		// The OS denied the protection change needed to restore the
		// original bytes: leaking the trampoline is safer than freeing
		// memory the target may still be jumping into.
		logErrorw("finalizer could not disable detour, leaking trampoline",
			"target", fmt.Sprintf("%#x", d.target), "error", err)
		return
	}
	d.tramp.Release()
}
