package alloc

import (
	"errors"
	"fmt"
	"sync"

	"github.com/gekko3d/scenert/rt/gfx"
)

var ErrOutOfMemory = errors.New("alloc: out of memory")

const DefaultChunkSize = 4 << 20

type PoolDesc struct {
	Name      string
	Usage     gfx.Usage
	Memory    gfx.MemoryType
	ChunkSize uint64
}

// PoolStats reports memory held by a pool. Allocated counts every backing
// buffer; Used counts bytes handed out.
type PoolStats struct {
	Allocated   uint64
	Used        uint64
	Chunks      int
	FreedChunks int
	Dedicated   int
}

// Slice is a pool allocation. Dedicated allocations own their buffer.
type Slice struct {
	gfx.BufferSlice
	chunk *poolChunk
}

func (s Slice) IsNull() bool { return s.Buffer == nil }

// Map returns host memory for the slice when the pool is host visible.
func (s Slice) Map() []byte {
	m := s.Buffer.Map()
	if m == nil {
		return nil
	}
	return m[s.Offset : s.Offset+s.Size]
}

type poolChunk struct {
	buffer gfx.Buffer
	alloc  *ChunkAllocator
	live   int
}

// BufferPool sub-allocates fixed size buffers. Chunks that become empty
// move to a freed list and are reused before new buffers are created.
// Requests larger than the chunk size get a dedicated buffer.
type BufferPool struct {
	mu        sync.Mutex
	dev       gfx.Device
	desc      PoolDesc
	chunks    []*poolChunk
	freed     []*poolChunk
	dedicated int
	stats     PoolStats
}

func NewBufferPool(dev gfx.Device, desc PoolDesc) *BufferPool {
	if desc.ChunkSize == 0 {
		desc.ChunkSize = DefaultChunkSize
	}
	return &BufferPool{dev: dev, desc: desc}
}

func (p *BufferPool) Alloc(size, alignment uint64) (Slice, error) {
	if size == 0 {
		return Slice{}, fmt.Errorf("alloc: pool %q: zero size request", p.desc.Name)
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if size > p.desc.ChunkSize {
		b, err := p.createBuffer(size, "dedicated")
		if err != nil {
			return Slice{}, err
		}
		p.stats.Allocated += size
		p.stats.Used += size
		p.dedicated++
		return Slice{BufferSlice: gfx.BufferSlice{Buffer: b, Size: size}}, nil
	}

	for _, c := range p.chunks {
		if s, ok := p.allocFrom(c, size, alignment); ok {
			return s, nil
		}
	}

	var c *poolChunk
	if n := len(p.freed); n > 0 {
		c = p.freed[n-1]
		p.freed = p.freed[:n-1]
	} else {
		b, err := p.createBuffer(p.desc.ChunkSize, "chunk")
		if err != nil {
			return Slice{}, err
		}
		c = &poolChunk{buffer: b, alloc: NewChunkAllocator(p.desc.ChunkSize)}
		p.stats.Allocated += p.desc.ChunkSize
	}
	p.chunks = append(p.chunks, c)
	s, _ := p.allocFrom(c, size, alignment)
	return s, nil
}

func (p *BufferPool) createBuffer(size uint64, kind string) (gfx.Buffer, error) {
	b, err := p.dev.CreateBuffer(gfx.BufferDesc{
		Name:   p.desc.Name + "/" + kind,
		Size:   size,
		Usage:  p.desc.Usage,
		Memory: p.desc.Memory,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: pool %q: %d bytes: %w", ErrOutOfMemory, p.desc.Name, size, err)
	}
	return b, nil
}

func (p *BufferPool) allocFrom(c *poolChunk, size, alignment uint64) (Slice, bool) {
	off, ok := c.alloc.Alloc(size, alignment)
	if !ok {
		return Slice{}, false
	}
	c.live++
	p.stats.Used += size
	return Slice{BufferSlice: gfx.BufferSlice{Buffer: c.buffer, Offset: off, Size: size}, chunk: c}, true
}

// Free releases s. The caller guarantees the GPU no longer uses it.
func (p *BufferPool) Free(s Slice) {
	if s.IsNull() {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	p.stats.Used -= s.Size
	if s.chunk == nil {
		p.stats.Allocated -= s.Size
		p.dedicated--
		s.Buffer.Destroy()
		return
	}
	c := s.chunk
	c.alloc.Free(s.Offset, s.Size)
	c.live--
	if c.live == 0 && c.alloc.IsEmpty() {
		for i, x := range p.chunks {
			if x == c {
				p.chunks = append(p.chunks[:i], p.chunks[i+1:]...)
				break
			}
		}
		p.freed = append(p.freed, c)
	}
}

// Trim destroys freed chunks while Used/Allocated stays at or below
// loadFactor.
func (p *BufferPool) Trim(loadFactor float64) {
	if loadFactor <= 0 || loadFactor > 1 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for len(p.freed) > 0 {
		n := len(p.freed)
		c := p.freed[n-1]
		remaining := p.stats.Allocated - c.alloc.Capacity()
		if float64(remaining) < float64(p.stats.Used)/loadFactor {
			break
		}
		p.freed = p.freed[:n-1]
		p.stats.Allocated = remaining
		c.buffer.Destroy()
	}
}

func (p *BufferPool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.stats
	s.Chunks = len(p.chunks)
	s.FreedChunks = len(p.freed)
	s.Dedicated = p.dedicated
	return s
}

// Destroy releases every chunk. Outstanding dedicated slices stay owned by
// their holders.
func (p *BufferPool) Destroy() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range append(p.chunks, p.freed...) {
		c.buffer.Destroy()
	}
	p.chunks, p.freed = nil, nil
	p.stats = PoolStats{}
}
