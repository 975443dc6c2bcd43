package objmap

import "sync"

// Allocator hands out dense indices starting at first. Freed indices are
// reused in FIFO order before new ones are minted.
type Allocator struct {
	mu    sync.Mutex
	first uint32
	next  uint32
	free  []uint32
	live  int
}

func NewAllocator(first uint32) *Allocator {
	return &Allocator{first: first, next: first}
}

func (a *Allocator) Allocate() uint32 {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.live++
	if len(a.free) > 0 {
		i := a.free[0]
		a.free = a.free[1:]
		return i
	}
	i := a.next
	a.next++
	return i
}

func (a *Allocator) Free(index uint32) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.live--
	a.free = append(a.free, index)
}

// Count is one past the largest index ever handed out.
func (a *Allocator) Count() uint32 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.next
}

// Live is the number of indices currently allocated.
func (a *Allocator) Live() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.live
}
