// Package execpool implements the executable memory pool (component C):
// a slab allocator that carves cells out of page-backed executable
// regions, guaranteeing every cell it vends lies within a caller-supplied
// distance of an anchor address so that a 32-bit relative branch from the
// anchor can always reach it.
//
// Grounded on original_source/src/alloc/proximity.rs (the pool structure
// and allocate/release algorithm) and original_source/src/alloc/search.rs
// (the outward probing for a placement site), translated to the OS
// primitives the teacher package (qrdl-testaroli) uses for page
// protection — golang.org/x/sys/unix and golang.org/x/sys/windows.
package execpool

import (
	"os"
	"sync"

	"github.com/qsel/godetour/internal/direrr"
	"github.com/qsel/godetour/internal/oscompat"
)

// DefaultMaxDistance is the safety-margined distance kept under the
// architectural ±2GiB limit of a 32-bit relative displacement.
const DefaultMaxDistance = uintptr(1<<31) - 0x10000

// DefaultSlabSize is the size of a freshly reserved region when no
// existing slab can satisfy a request. It amortizes the cost of the OS
// mmap/VirtualAlloc call across many small trampolines.
const DefaultSlabSize = 64 * 1024

// Config tunes the pool's placement behavior.
type Config struct {
	MaxDistance uintptr
	SlabSize    int
}

// DefaultConfig returns the pool's default tuning.
func DefaultConfig() Config {
	return Config{MaxDistance: DefaultMaxDistance, SlabSize: DefaultSlabSize}
}

// Pool is a process-wide allocator of small executable buffers. Its
// lifetime equals the process; there is no teardown path.
type Pool struct {
	mu       sync.Mutex
	cfg      Config
	pageSize uintptr
	slabs    []*slab
}

// New creates a pool with the given configuration.
func New(cfg Config) *Pool {
	if cfg.MaxDistance == 0 {
		cfg.MaxDistance = DefaultMaxDistance
	}
	if cfg.SlabSize == 0 {
		cfg.SlabSize = DefaultSlabSize
	}
	return &Pool{cfg: cfg, pageSize: uintptr(os.Getpagesize())}
}

// Allocation is the token a trampoline holds for its executable cell. It
// must be freed exactly once, on the trampoline's release path.
type Allocation struct {
	pool   *Pool
	slab   *slab
	offset int
	size   int
}

// Addr returns the address of the allocated cell.
func (a Allocation) Addr() uintptr { return a.slab.base + uintptr(a.offset) }

// Write commits data into the cell. The slab is transiently made writable
// for the duration of the call and restored to read+execute afterward,
// matching the "allocate RW, fill in, flip to RX" discipline of §4.C.
func (a Allocation) Write(data []byte) error {
	if len(data) > a.size {
		panic("execpool: write exceeds allocated cell size")
	}
	return a.slab.write(a.offset, data)
}

// Free releases the cell back to its slab. If the slab becomes fully
// empty, the underlying pages are returned to the OS.
func (a Allocation) Free() {
	a.pool.mu.Lock()
	defer a.pool.mu.Unlock()
	a.slab.release(a.offset, a.size)
	if a.slab.allocatedCells == 0 {
		a.pool.removeSlab(a.slab)
	}
}

// Alloc reserves size bytes of executable memory within cfg.MaxDistance of
// anchor. It first tries every existing slab in range, then attempts to
// reserve a new slab progressively farther from anchor.
func (p *Pool) Alloc(anchor uintptr, size int) (Allocation, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if off, s, ok := p.allocFromExisting(anchor, size); ok {
		return Allocation{pool: p, slab: s, offset: off, size: size}, nil
	}

	slabSize := p.cfg.SlabSize
	if size > slabSize {
		slabSize = int(alignUp(uintptr(size), p.pageSize))
	}

	for _, hint := range candidates(anchor, p.pageSize, p.cfg.MaxDistance) {
		mem, base, err := oscompat.AllocatePage(hint, slabSize)
		if err != nil {
			continue
		}
		if !withinDistance(anchor, base, p.cfg.MaxDistance) {
			oscompat.ReleasePage(mem, base)
			continue
		}
		s := newSlab(base, mem)
		p.slabs = append(p.slabs, s)
		off, ok := s.alloc(size)
		if !ok {
			// Freshly reserved slab must fit; this would be a bug.
			panic("execpool: freshly reserved slab could not satisfy its own request")
		}
		return Allocation{pool: p, slab: s, offset: off, size: size}, nil
	}

	return Allocation{}, direrr.ErrOutOfExecutableMemoryInRange
}

func (p *Pool) allocFromExisting(anchor uintptr, size int) (int, *slab, bool) {
	for _, s := range p.slabs {
		if !withinDistance(anchor, s.base, p.cfg.MaxDistance) ||
			!withinDistance(anchor, s.base+uintptr(len(s.mem))-1, p.cfg.MaxDistance) {
			continue
		}
		if off, ok := s.alloc(size); ok {
			return off, s, true
		}
	}
	return 0, nil, false
}

func (p *Pool) removeSlab(target *slab) {
	oscompat.ReleasePage(target.mem, target.base)
	for i, s := range p.slabs {
		if s == target {
			p.slabs = append(p.slabs[:i], p.slabs[i+1:]...)
			return
		}
	}
}

func withinDistance(anchor, addr, maxDistance uintptr) bool {
	var delta uintptr
	if addr >= anchor {
		delta = addr - anchor
	} else {
		delta = anchor - addr
	}
	return delta < maxDistance
}
