package execpool

import "github.com/qsel/godetour/internal/oscompat"

// freeBlock describes a reusable range within a slab, tracked as a simple
// first-fit free list — sufficient given trampolines are small and slabs
// are not expected to hold more than a handful of them.
type freeBlock struct {
	offset int
	size   int
}

type slab struct {
	base           uintptr
	mem            []byte
	writable       bool
	bump           int
	free           []freeBlock
	allocatedCells int
}

func newSlab(base uintptr, mem []byte) *slab {
	return &slab{base: base, mem: mem, writable: true}
}

// alloc reserves size bytes from the slab, first-fit among freed blocks,
// falling back to bumping the high-water mark.
func (s *slab) alloc(size int) (int, bool) {
	for i, b := range s.free {
		if b.size >= size {
			s.free = append(s.free[:i], s.free[i+1:]...)
			if b.size > size {
				s.free = append(s.free, freeBlock{offset: b.offset + size, size: b.size - size})
			}
			s.allocatedCells++
			return b.offset, true
		}
	}
	if s.bump+size > len(s.mem) {
		return 0, false
	}
	off := s.bump
	s.bump += size
	s.allocatedCells++
	return off, true
}

func (s *slab) release(offset, size int) {
	s.free = append(s.free, freeBlock{offset: offset, size: size})
	s.allocatedCells--
}

// write commits data at offset, flipping the slab to writable first (if it
// had already been frozen to read+execute by a prior Write) and back to
// read+execute afterward, so the slab is never simultaneously writable and
// executable for longer than the copy itself takes.
func (s *slab) write(offset int, data []byte) error {
	if !s.writable {
		if err := oscompat.SetProtection(s.base, len(s.mem), oscompat.ProtReadWrite); err != nil {
			return err
		}
		s.writable = true
	}
	copy(s.mem[offset:offset+len(data)], data)
	if err := oscompat.SetProtection(s.base, len(s.mem), oscompat.ProtReadExecute); err != nil {
		return err
	}
	s.writable = false
	oscompat.FlushInstructionCache(s.base, len(s.mem))
	return nil
}
