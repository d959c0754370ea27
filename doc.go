/*
Package godetour is a cross-platform inline function detour engine for
x86-64. It redirects execution of an already-loaded native function to a
caller-supplied replacement, while preserving the ability to invoke the
original behavior through a generated trampoline.

# Platforms supported

This package patches the process's own executable code at runtime and is
therefore OS- and CPU-arch-specific.

Supported OSes:

  - Linux
  - macOS
  - Windows

Supported CPU archs:

  - x86-64

# The concept

Detour steals the first few bytes of a target function's prologue,
relocates them (fixed up for their new address) into an executable
trampoline, and overwrites the original bytes with a jump to a
caller-supplied detour function. Calling through the trampoline runs the
original prologue and then falls into the rest of the original function,
letting a detour call "the original" without recursing back into itself.

Typical use:

	func slowLookup(key string) (string, error) { ... }

	trampoline, err := godetour.New(
	    reflect.ValueOf(slowLookup).Pointer(),
	    reflect.ValueOf(fastLookup).Pointer(),
	)
	if err != nil {
	    log.Fatal(err)
	}
	if err := trampoline.Enable(); err != nil {
	    log.Fatal(err)
	}
	defer trampoline.Disable()

fastLookup can call back into the original slowLookup by jumping to
trampoline.TrampolineAddress() through a function value built with the
same signature, or by using [Override] for compile-time signature
checking:

	original := godetour.Override(slowLookup, fastLookup)
	// original() now runs the un-detoured body of slowLookup

# Concurrency

A single process-wide mutex serializes all install/uninstall operations,
and overlapping patch sites are rejected outright — see
[ErrOverlappingDetour]. The redirect write itself uses a torn-write-safe
sequence so a concurrently executing thread never observes a
half-overwritten instruction.

# Non-goals

This package does not relocate the instruction pointer of a thread
currently executing inside the region being patched (that requires
suspending threads and rewriting their program counters), does not
provide multi-threaded shared-memory safety beyond what a single aligned
pointer-sized write guarantees, and does not emulate instructions beyond
what the prologue decoder needs to relocate a handful of common opcodes.
*/
package godetour
