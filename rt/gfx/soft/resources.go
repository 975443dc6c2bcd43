package soft

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/gekko3d/scenert/rt/gfx"
)

type Buffer struct {
	dev       *Device
	id        gfx.Handle
	desc      gfx.BufferDesc
	data      []byte
	addr      uint64
	destroyed atomic.Bool
}

func (b *Buffer) ID() gfx.Handle       { return b.id }
func (b *Buffer) Desc() gfx.BufferDesc { return b.desc }
func (b *Buffer) GPUAddress() uint64   { return b.addr }
func (b *Buffer) Destroyed() bool      { return b.destroyed.Load() }

func (b *Buffer) Map() []byte {
	if !b.desc.Memory.HostVisible() {
		return nil
	}
	return b.data
}

func (b *Buffer) Destroy() {
	if b.destroyed.Swap(true) {
		return
	}
	b.dev.releaseBuffer(b)
}

type Image struct {
	dev       *Device
	id        gfx.Handle
	desc      gfx.ImageDesc
	mu        sync.Mutex
	subs      map[gfx.ImageSubresource][]byte
	destroyed atomic.Bool
}

func (i *Image) ID() gfx.Handle      { return i.id }
func (i *Image) Desc() gfx.ImageDesc { return i.desc }
func (i *Image) Destroy()            { i.destroyed.Store(true) }
func (i *Image) Destroyed() bool     { return i.destroyed.Load() }

func (i *Image) subresourceSize(sub gfx.ImageSubresource) uint64 {
	return gfx.SubresourceSize(i.desc.Format, i.desc.Extent.MipExtent(sub.MipLevel))
}

func (i *Image) write(sub gfx.ImageSubresource, data []byte) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.subs[sub] = append([]byte(nil), data...)
}

// ImageData returns the bytes last copied into a subresource.
func ImageData(img gfx.Image, sub gfx.ImageSubresource) []byte {
	si, ok := img.(*Image)
	if !ok {
		return nil
	}
	si.mu.Lock()
	defer si.mu.Unlock()
	return si.subs[sub]
}

type Sampler struct {
	id   gfx.Handle
	desc gfx.SamplerDesc
}

func (s *Sampler) ID() gfx.Handle        { return s.id }
func (s *Sampler) Desc() gfx.SamplerDesc { return s.desc }
func (s *Sampler) Destroy()              {}

type Semaphore struct {
	id    gfx.Handle
	mu    sync.Mutex
	cond  *sync.Cond
	value uint64
}

func (s *Semaphore) ID() gfx.Handle { return s.id }
func (s *Semaphore) Destroy()       {}

func (s *Semaphore) Value() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.value
}

func (s *Semaphore) Signal(v uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v < s.value {
		return fmt.Errorf("soft: semaphore %d: signal %d below current value %d", s.id, v, s.value)
	}
	s.value = v
	s.cond.Broadcast()
	return nil
}

func (s *Semaphore) Wait(ctx context.Context, v uint64) error {
	stop := context.AfterFunc(ctx, func() {
		s.mu.Lock()
		s.cond.Broadcast()
		s.mu.Unlock()
	})
	defer stop()

	s.mu.Lock()
	defer s.mu.Unlock()
	for s.value < v {
		if err := ctx.Err(); err != nil {
			return err
		}
		s.cond.Wait()
	}
	return nil
}

type ComputePipeline struct {
	id   gfx.Handle
	name string
	wg   [3]uint32
}

func (p *ComputePipeline) ID() gfx.Handle           { return p.id }
func (p *ComputePipeline) Name() string             { return p.name }
func (p *ComputePipeline) WorkgroupSize() [3]uint32 { return p.wg }
func (p *ComputePipeline) Destroy()                 {}

type GraphicsPipeline struct {
	id   gfx.Handle
	desc gfx.GraphicsPipelineDesc
}

func (p *GraphicsPipeline) ID() gfx.Handle                 { return p.id }
func (p *GraphicsPipeline) Name() string                   { return p.desc.Name }
func (p *GraphicsPipeline) Desc() gfx.GraphicsPipelineDesc { return p.desc }
func (p *GraphicsPipeline) Destroy()                       {}

type RenderState struct {
	id   gfx.Handle
	desc gfx.RenderStateDesc
}

func (r *RenderState) ID() gfx.Handle            { return r.id }
func (r *RenderState) Desc() gfx.RenderStateDesc { return r.desc }
func (r *RenderState) Destroy()                  {}

type DescriptorArray struct {
	id    gfx.Handle
	mu    sync.Mutex
	descs []gfx.Descriptor
}

func (a *DescriptorArray) ID() gfx.Handle { return a.id }
func (a *DescriptorArray) Destroy()       {}

func (a *DescriptorArray) Size() uint32 {
	return uint32(len(a.descs))
}

func (a *DescriptorArray) Set(index uint32, d gfx.Descriptor) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if int(index) < len(a.descs) {
		a.descs[index] = d
	}
}

func (a *DescriptorArray) Get(index uint32) gfx.Descriptor {
	a.mu.Lock()
	defer a.mu.Unlock()
	if int(index) < len(a.descs) {
		return a.descs[index]
	}
	return gfx.Descriptor{}
}
