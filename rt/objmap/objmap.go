// Package objmap stores records addressed by dense 32 bit indices in lazily
// allocated pages, and hands those indices out.
package objmap

import (
	"sync"
	"sync/atomic"
)

type page[T any] struct {
	slots []T
}

// Map is a two level table: index = page<<slotBits | slot. Pages are
// allocated on first write and published atomically, so concurrent readers
// need no lock. Writers to the same index must synchronize externally.
type Map[T any] struct {
	pageBits uint
	slotBits uint
	mu       sync.Mutex
	pages    []atomic.Pointer[page[T]]
}

func NewMap[T any](pageBits, slotBits uint) *Map[T] {
	return &Map[T]{
		pageBits: pageBits,
		slotBits: slotBits,
		pages:    make([]atomic.Pointer[page[T]], 1<<pageBits),
	}
}

// Capacity is the number of addressable indices.
func (m *Map[T]) Capacity() uint32 {
	return uint32(1) << (m.pageBits + m.slotBits)
}

func (m *Map[T]) split(index uint32) (uint32, uint32) {
	return index >> m.slotBits, index & (1<<m.slotBits - 1)
}

// Get returns a copy of the record, or the zero value if its page was
// never allocated.
func (m *Map[T]) Get(index uint32) T {
	pi, si := m.split(index)
	if int(pi) >= len(m.pages) {
		var zero T
		return zero
	}
	if p := m.pages[pi].Load(); p != nil {
		return p.slots[si]
	}
	var zero T
	return zero
}

// Ref returns a pointer to the record, allocating its page if needed. It
// panics if index is beyond Capacity.
func (m *Map[T]) Ref(index uint32) *T {
	pi, si := m.split(index)
	p := m.pages[pi].Load()
	if p == nil {
		m.mu.Lock()
		if p = m.pages[pi].Load(); p == nil {
			p = &page[T]{slots: make([]T, 1<<m.slotBits)}
			m.pages[pi].Store(p)
		}
		m.mu.Unlock()
	}
	return &p.slots[si]
}

// Emplace stores v at index and returns a pointer to it.
func (m *Map[T]) Emplace(index uint32, v T) *T {
	r := m.Ref(index)
	*r = v
	return r
}

// Reset zeroes the record at index.
func (m *Map[T]) Reset(index uint32) {
	pi, si := m.split(index)
	if int(pi) >= len(m.pages) {
		return
	}
	if p := m.pages[pi].Load(); p != nil {
		var zero T
		p.slots[si] = zero
	}
}
