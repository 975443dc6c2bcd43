package scene

import (
	"encoding/binary"
	"fmt"
	"slices"
	"sync"

	"github.com/gekko3d/scenert/rt/core"
	"github.com/gekko3d/scenert/rt/gfx"
	"github.com/gekko3d/scenert/rt/pipelines"
)

const (
	PassGroupHeaderSize = 352
	MaxPassesPerGroup   = 32
	// PassGroupGrain rounds every list capacity so resizes stay rare.
	PassGroupGrain = 4096

	// DispatchArgsSize is one {x, y, z, count} record.
	DispatchArgsSize = 16
	// BVH lists and node lists start with two dispatch records: the two
	// traversal parities, or process-all and process-updates.
	ListHeaderSize = 2 * DispatchArgsSize

	bvhListEntrySize  = 8
	nodeListEntrySize = 8
)

// PassGroupCapacity sizes the lists of a pass group: BVH rows, and nodes
// per user node type.
type PassGroupCapacity struct {
	Bvhs  uint32
	Nodes [MaxUserNodeTypes]uint32
}

func (c PassGroupCapacity) rounded() PassGroupCapacity {
	c.Bvhs = core.RoundUp(max(c.Bvhs, 1), PassGroupGrain)
	for i, n := range c.Nodes {
		c.Nodes[i] = core.RoundUp(n, PassGroupGrain)
	}
	return c
}

func (c PassGroupCapacity) fits(o PassGroupCapacity) bool {
	if o.Bvhs > c.Bvhs {
		return false
	}
	for i := range c.Nodes {
		if o.Nodes[i] > c.Nodes[i] {
			return false
		}
	}
	return true
}

type passGroupLayout struct {
	size          uint64
	bvhList       uint32
	bvhVisibility uint32
	nodeLists     [MaxUserNodeTypes]uint32
	updateLists   [MaxUserNodeTypes]uint32
}

func newPassGroupLayout(c PassGroupCapacity) passGroupLayout {
	var l passGroupLayout
	off := uint32(PassGroupHeaderSize)
	l.bvhList = off
	off += ListHeaderSize + 2*c.Bvhs*bvhListEntrySize
	l.bvhVisibility = off
	off = core.AlignUp(off+c.Bvhs*4, 16)
	for t, n := range c.Nodes {
		if n == 0 {
			continue
		}
		l.nodeLists[t] = off
		off += ListHeaderSize + n*nodeListEntrySize
		l.updateLists[t] = off
		off = core.AlignUp(off+n*4, 16)
	}
	l.size = uint64(off)
	return l
}

type PassGroupConfig struct {
	Name   string
	Logger core.Logger
}

// PassGroupBuffer holds the traversal state shared by up to 32 passes:
// BVH lists, persistent BVH visibility and one node list per user type.
type PassGroupBuffer struct {
	dev   gfx.Device
	pipes *pipelines.Pipelines
	name  string
	log   core.Logger

	mu          sync.Mutex
	passes      []uint16
	ignoreMask  uint32
	capacity    PassGroupCapacity
	layout      passGroupLayout
	buffer      gfx.Buffer
	headerDirty bool
}

func NewPassGroupBuffer(dev gfx.Device, pipes *pipelines.Pipelines, cfg PassGroupConfig) *PassGroupBuffer {
	if cfg.Name == "" {
		cfg.Name = "scene.passgroup"
	}
	return &PassGroupBuffer{dev: dev, pipes: pipes, name: cfg.Name, log: core.ForComponent(cfg.Logger, "passgroup"), headerDirty: true}
}

// SetPasses replaces the pass indices. Every slot whose index changed has
// its occlusion test result invalidated.
func (g *PassGroupBuffer) SetPasses(passes []uint16) error {
	if len(passes) > MaxPassesPerGroup {
		return fmt.Errorf("%w: %d", ErrTooManyPasses, len(passes))
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	for i := range max(len(passes), len(g.passes)) {
		if i >= len(passes) || i >= len(g.passes) || passes[i] != g.passes[i] {
			g.ignoreMask |= 1 << i
		}
	}
	g.passes = slices.Clone(passes)
	g.headerDirty = true
	return nil
}

func (g *PassGroupBuffer) Passes() []uint16 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return slices.Clone(g.passes)
}

// IgnoreOcclusionTestMask is the set of pass slots whose previous frame
// visibility will be ignored by the next commit.
func (g *PassGroupBuffer) IgnoreOcclusionTestMask() uint32 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.ignoreMask
}

// InvalidateOcclusion makes the next commit ignore visibility of the
// passes selected by mask.
func (g *PassGroupBuffer) InvalidateOcclusion(mask uint32) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.ignoreMask |= mask
	g.headerDirty = true
}

// ResizeBuffer grows the buffer when any capacity exceeds the current one.
// A new buffer starts cleared and with all occlusion results invalidated.
func (g *PassGroupBuffer) ResizeBuffer(ctx gfx.Context, c PassGroupCapacity) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.buffer != nil && g.capacity.fits(c) {
		return false, nil
	}
	want := c.rounded()
	want.Bvhs = max(want.Bvhs, g.capacity.Bvhs)
	for i := range want.Nodes {
		want.Nodes[i] = max(want.Nodes[i], g.capacity.Nodes[i])
	}
	layout := newPassGroupLayout(want)
	buf, err := g.dev.CreateBuffer(gfx.BufferDesc{
		Name:   g.name,
		Size:   layout.size,
		Usage:  sceneBufferUsage,
		Memory: gfx.MemoryDefault,
	})
	if err != nil {
		return false, fmt.Errorf("scene: create %s: %w", g.name, err)
	}
	ctx.ClearBuffer(buf, 0, layout.size, 0)
	if g.buffer != nil {
		ctx.TrackObject(g.buffer)
	}
	g.buffer, g.capacity, g.layout = buf, want, layout
	g.ignoreMask |= lowBits(len(g.passes))
	g.headerDirty = true
	g.log.Debugf("%s resized to %d bytes", g.name, layout.size)
	return true, nil
}

func lowBits(n int) uint32 {
	if n >= 32 {
		return ^uint32(0)
	}
	return uint32(1)<<n - 1
}

func (g *PassGroupBuffer) headerLocked() []byte {
	b := make([]byte, PassGroupHeaderSize)
	le := binary.LittleEndian
	le.PutUint32(b[0:], uint32(len(g.passes)))
	le.PutUint32(b[4:], g.ignoreMask)
	le.PutUint32(b[8:], g.layout.bvhList)
	le.PutUint32(b[12:], g.layout.bvhVisibility)
	for i, p := range g.passes {
		le.PutUint16(b[16+2*i:], p)
	}
	for t := range MaxUserNodeTypes {
		le.PutUint32(b[80+8*t:], g.layout.nodeLists[t])
		le.PutUint32(b[84+8*t:], g.layout.updateLists[t])
	}
	return b
}

// CommitUpdates writes the header if it changed and initializes the group
// for this frame. The ignore mask is consumed: it is cleared on the host
// and again on the GPU by the following commit.
func (g *PassGroupBuffer) CommitUpdates(ctx gfx.Context, passInfoAddress, frameID uint64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.buffer == nil {
		return fmt.Errorf("%w: %s has no buffer", ErrInvalidUsage, g.name)
	}
	if g.headerDirty {
		if err := copyRows(ctx, g.buffer, 0, g.headerLocked()); err != nil {
			return fmt.Errorf("scene: %s header: %w", g.name, err)
		}
		transferToCompute(ctx)
		g.headerDirty = g.ignoreMask != 0
		g.ignoreMask = 0
	}
	g.pipes.InitPassGroup(ctx, pipelines.PassInitArgs{
		PassGroupAddress: g.buffer.GPUAddress(),
		PassInfoAddress:  passInfoAddress,
		FrameID:          uint32(frameID),
		PassCount:        uint32(len(g.passes)),
	})
	return nil
}

// BvhDispatchArgs is the indirect record of the BVH list read by layers
// with the given parity.
func (g *PassGroupBuffer) BvhDispatchArgs(parity uint32) gfx.BufferSlice {
	g.mu.Lock()
	defer g.mu.Unlock()
	return gfx.BufferSlice{Buffer: g.buffer, Offset: uint64(g.layout.bvhList) + uint64(parity&1)*DispatchArgsSize, Size: DispatchArgsSize}
}

// NodeListDispatchArgs is the indirect record processing every listed node
// of type t, or only the ones flagged for update.
func (g *PassGroupBuffer) NodeListDispatchArgs(t NodeType, updates bool) gfx.BufferSlice {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !t.IsUser() || g.layout.nodeLists[t.UserIndex()] == 0 {
		return gfx.BufferSlice{}
	}
	off := uint64(g.layout.nodeLists[t.UserIndex()])
	if updates {
		off += DispatchArgsSize
	}
	return gfx.BufferSlice{Buffer: g.buffer, Offset: off, Size: DispatchArgsSize}
}

func (g *PassGroupBuffer) Capacity() PassGroupCapacity {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.capacity
}

func (g *PassGroupBuffer) Buffer() gfx.Buffer {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.buffer
}

func (g *PassGroupBuffer) GpuAddress() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.buffer == nil {
		return 0
	}
	return g.buffer.GPUAddress()
}

func (g *PassGroupBuffer) Destroy() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.buffer != nil {
		g.buffer.Destroy()
		g.buffer = nil
	}
}
