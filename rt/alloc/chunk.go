// Package alloc manages sub-allocation of GPU memory: a range allocator for
// a single linear block and a pool of buffers built on top of it.
package alloc

import "github.com/gekko3d/scenert/rt/core"

// Range is a free span of a chunk.
type Range struct {
	Offset uint64
	Size   uint64
}

func (r Range) end() uint64 { return r.Offset + r.Size }

// ChunkAllocator hands out aligned sub-ranges of [0, capacity). Free ranges
// are kept unordered and never overlap; adjacent ranges are merged on free.
type ChunkAllocator struct {
	capacity uint64
	ranges   []Range
}

func NewChunkAllocator(capacity uint64) *ChunkAllocator {
	a := &ChunkAllocator{capacity: capacity}
	a.Reset()
	return a
}

func (a *ChunkAllocator) Capacity() uint64 { return a.capacity }

// Reset returns the allocator to a single free range.
func (a *ChunkAllocator) Reset() {
	a.ranges = a.ranges[:0]
	if a.capacity > 0 {
		a.ranges = append(a.ranges, Range{Size: a.capacity})
	}
}

// Alloc reserves size bytes at an offset that is a multiple of alignment.
// Among the ranges that fit, an exactly sized aligned range wins, then
// ranges that need no padding, then the largest.
func (a *ChunkAllocator) Alloc(size, alignment uint64) (uint64, bool) {
	if size == 0 {
		return 0, false
	}
	alignment = max(alignment, 1)

	best := -1
	bestAligned := false
	var bestSize uint64
	for i, r := range a.ranges {
		off := core.RoundUp(r.Offset, alignment)
		if off+size > r.end() {
			continue
		}
		aligned := off == r.Offset
		if aligned && r.Size == size {
			best = i
			break
		}
		if best < 0 || (aligned && !bestAligned) || (aligned == bestAligned && r.Size > bestSize) {
			best, bestAligned, bestSize = i, aligned, r.Size
		}
	}
	if best < 0 {
		return 0, false
	}

	r := a.ranges[best]
	off := core.RoundUp(r.Offset, alignment)
	prefix := Range{Offset: r.Offset, Size: off - r.Offset}
	suffix := Range{Offset: off + size, Size: r.end() - off - size}
	switch {
	case prefix.Size > 0 && suffix.Size > 0:
		a.ranges[best] = prefix
		a.ranges = append(a.ranges, suffix)
	case prefix.Size > 0:
		a.ranges[best] = prefix
	case suffix.Size > 0:
		a.ranges[best] = suffix
	default:
		a.remove(best)
	}
	return off, true
}

// Free returns a range previously obtained from Alloc.
func (a *ChunkAllocator) Free(offset, size uint64) {
	if size == 0 {
		return
	}
	left, right := -1, -1
	for i, r := range a.ranges {
		if r.end() == offset {
			left = i
		}
		if r.Offset == offset+size {
			right = i
		}
	}
	switch {
	case left >= 0 && right >= 0:
		a.ranges[left].Size += size + a.ranges[right].Size
		a.remove(right)
	case left >= 0:
		a.ranges[left].Size += size
	case right >= 0:
		a.ranges[right].Offset = offset
		a.ranges[right].Size += size
	default:
		a.ranges = append(a.ranges, Range{Offset: offset, Size: size})
	}
}

func (a *ChunkAllocator) remove(i int) {
	last := len(a.ranges) - 1
	a.ranges[i] = a.ranges[last]
	a.ranges = a.ranges[:last]
}

// IsEmpty reports whether nothing is allocated.
func (a *ChunkAllocator) IsEmpty() bool {
	if a.capacity == 0 {
		return true
	}
	return len(a.ranges) == 1 && a.ranges[0] == Range{Size: a.capacity}
}

// FreeRanges returns a copy of the free list in no particular order.
func (a *ChunkAllocator) FreeRanges() []Range {
	return append([]Range(nil), a.ranges...)
}

// FreeSize is the total number of free bytes.
func (a *ChunkAllocator) FreeSize() uint64 {
	var n uint64
	for _, r := range a.ranges {
		n += r.Size
	}
	return n
}
