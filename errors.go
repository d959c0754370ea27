package godetour

import "github.com/qsel/godetour/internal/direrr"

// Error taxonomy for detour construction and lifecycle operations. These
// are sentinel-comparable with errors.Is, following the same discipline
// the teacher package uses for ErrExpectationsNotMet rather than pulling
// in a stack-trace-carrying error library (see DESIGN.md). The sentinels
// live in internal/direrr so every internal package can return the exact
// same value without importing this root package.
var (
	// ErrNotEnoughBytes means the prologue cannot yield enough detourable
	// bytes even after considering trailing padding.
	ErrNotEnoughBytes = direrr.ErrNotEnoughBytes

	// ErrUnsupportedInstruction means the decoder met an opcode it cannot
	// length-classify or relocate.
	ErrUnsupportedInstruction = direrr.ErrUnsupportedInstruction

	// ErrUnrelocatableOperand means a RIP-relative operand's absolute
	// target is farther than a signed 32-bit displacement from the
	// trampoline.
	ErrUnrelocatableOperand = direrr.ErrUnrelocatableOperand

	// ErrOutOfExecutableMemoryInRange means the executable memory pool
	// could not place a trampoline within range of the target.
	ErrOutOfExecutableMemoryInRange = direrr.ErrOutOfExecutableMemoryInRange

	// ErrProtectionDenied means the OS refused a page protection change.
	ErrProtectionDenied = direrr.ErrProtectionDenied

	// ErrOverlappingDetour means another installed detour already covers
	// bytes this one would touch.
	ErrOverlappingDetour = direrr.ErrOverlappingDetour

	// ErrInvalidTarget means the target address is null, unreadable, or
	// obviously not executable code.
	ErrInvalidTarget = direrr.ErrInvalidTarget

	// ErrSameAddress means target and detour addresses are identical.
	// Supplemental to the distilled taxonomy (see SPEC_FULL.md §7),
	// grounded on original_source's Error::SameAddress.
	ErrSameAddress = direrr.ErrSameAddress

	// ErrAlreadyHooked means the target's first instruction is itself a
	// relative jump, suggesting the function is already detoured or
	// thunked.
	ErrAlreadyHooked = direrr.ErrAlreadyHooked
)
