package execpool

// candidates yields successive hint addresses to try when placing a new
// slab close to origin, probing outward in both directions with
// exponentially growing steps of pageSize, the way
// original_source/src/alloc/search.rs chains an "after" iterator with a
// "before" one but bounded to what the ±2GiB window actually allows.
//
// Unlike the Rust original (which walks /proc-style region queries to find
// literal gaps between existing mappings), the Go port relies on the OS's
// own "fail if occupied" placement primitive (MAP_FIXED_NOREPLACE on
// Linux, an explicit lpAddress on Windows, and a check-and-retry loop on
// Darwin — see reserve_*.go) instead of independently discovering free
// regions, so this only needs to generate hint addresses, not verify
// availability.
func candidates(origin uintptr, pageSize, maxDistance uintptr) []uintptr {
	var out []uintptr
	out = append(out, alignDown(origin, pageSize))

	step := pageSize
	for step <= maxDistance {
		if origin+step >= origin { // no unsigned overflow
			out = append(out, alignDown(origin+step, pageSize))
		}
		if step <= origin {
			out = append(out, alignDown(origin-step, pageSize))
		}
		step *= 2
	}
	return out
}

func alignDown(addr, align uintptr) uintptr {
	return addr &^ (align - 1)
}

func alignUp(size, align uintptr) uintptr {
	return (size + align - 1) &^ (align - 1)
}
