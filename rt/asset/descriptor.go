package asset

import (
	"fmt"
	"sync"

	"github.com/gekko3d/scenert/rt/gfx"
)

type freeDescriptor struct {
	frameID uint64
	index   uint32
}

// DescriptorPool hands out slots of a bindless descriptor array. Index 0
// is reserved as the invalid descriptor. A freed index is reused only
// after the frame it was freed in has completed.
type DescriptorPool struct {
	mu    sync.Mutex
	array gfx.DescriptorArray
	next  uint32
	free  []freeDescriptor
}

func NewDescriptorPool(dev gfx.Device, name string, kind gfx.DescriptorKind, capacity uint32) (*DescriptorPool, error) {
	arr, err := dev.CreateDescriptorArray(gfx.DescriptorArrayDesc{Name: name, Kind: kind, Size: capacity})
	if err != nil {
		return nil, fmt.Errorf("asset: descriptor array %s: %w", name, err)
	}
	return &DescriptorPool{array: arr, next: 1}, nil
}

func (p *DescriptorPool) Array() gfx.DescriptorArray { return p.array }

// Create writes d into a free slot and returns its index, or 0 when the
// pool is exhausted.
func (p *DescriptorPool) Create(d gfx.Descriptor, lastCompletedFrameID uint64) uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	var index uint32
	switch {
	case len(p.free) > 0 && p.free[0].frameID <= lastCompletedFrameID:
		index = p.free[0].index
		p.free = p.free[1:]
	case p.next < p.array.Size():
		index = p.next
		p.next++
	default:
		return 0
	}
	p.array.Set(index, d)
	return index
}

// Free releases index once frameID completes. Frames must not go
// backwards between calls.
func (p *DescriptorPool) Free(index uint32, frameID uint64) {
	if index == 0 {
		return
	}
	p.mu.Lock()
	p.free = append(p.free, freeDescriptor{frameID: frameID, index: index})
	p.mu.Unlock()
}

// Live is the number of slots in use, including those waiting on a frame.
func (p *DescriptorPool) Live() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return int(p.next-1) - len(p.free)
}

func (p *DescriptorPool) Destroy() {
	p.array.Destroy()
}
