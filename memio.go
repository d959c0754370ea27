package godetour

import "unsafe"

// readCode copies up to len(buf) bytes of already-loaded executable memory
// starting at addr into buf, the way inspector.Inspect needs to peek at a
// target's prologue. There is no portable way to probe how many bytes are
// actually mapped past addr without OS-specific page-table queries, so
// like the teacher's own direct-pointer memory access this trusts the
// caller's target address to be valid code and reads unconditionally.
func readCode(addr uintptr, buf []byte) (int, error) {
	src := unsafe.Slice((*byte)(unsafe.Pointer(addr)), len(buf))
	copy(buf, src)
	return len(buf), nil
}
