// Package direrr holds the sentinel error values shared by every internal
// package plus the root godetour package, so an error returned from deep
// inside internal/trampoline is the exact same value the caller of
// godetour.New compares against with errors.Is.
package direrr

import "errors"

var (
	ErrNotEnoughBytes               = errors.New("godetour: not enough bytes in prologue to install a detour")
	ErrUnsupportedInstruction       = errors.New("godetour: unsupported instruction in stolen prologue")
	ErrUnrelocatableOperand         = errors.New("godetour: operand cannot be relocated to trampoline")
	ErrOutOfExecutableMemoryInRange = errors.New("godetour: no executable memory available within range of target")
	ErrProtectionDenied             = errors.New("godetour: OS denied page protection change")
	ErrOverlappingDetour            = errors.New("godetour: target overlaps an already-installed detour")
	ErrInvalidTarget                = errors.New("godetour: invalid target address")
	ErrSameAddress                  = errors.New("godetour: target and detour address are identical")
	ErrAlreadyHooked                = errors.New("godetour: target appears to already be hooked or thunked")
)
