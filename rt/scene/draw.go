package scene

import (
	"fmt"
	"sync"

	"github.com/gekko3d/scenert/rt/core"
	"github.com/gekko3d/scenert/rt/gfx"
	"github.com/gekko3d/scenert/rt/pipelines"
)

// Draw buffer layout: a header, one DrawGroupEntry per draw group, then
// per group its dispatch arguments, draw infos and search tree layers.
const (
	DrawBufferHeaderSize = 16
	DrawGroupEntrySize   = 32
	DrawDispatchArgsSize = 16
	DrawInstanceInfoSize = 16

	// MaxSearchTreeDepth counts the draw info layer itself.
	MaxSearchTreeDepth = 5

	DefaultMeshletsPerWorkgroup = 32

	drawBufferGrain  = 4 << 20
	drawCounterGrain = 256 << 10
	drawBufferAlign  = 16
)

type DrawBufferDesc struct {
	// DrawCounts holds the draw capacity of every draw group, indexed by
	// material.
	DrawCounts           []uint32
	MeshletsPerWorkgroup uint32
}

// DrawGroupLayout places one draw group. Offsets are bytes from the start
// of the draw buffer.
type DrawGroupLayout struct {
	DrawParamOffset uint32
	DrawInfoOffset  uint32
	DrawCapacity    uint32
	TreeDepth       uint32
	TreeOffsets     [MaxSearchTreeDepth - 1]uint32
	TreeSizes       [MaxSearchTreeDepth - 1]uint32
}

type DrawBufferLayout struct {
	MeshletsPerWorkgroup uint32
	Groups               []DrawGroupLayout
	CounterCount         uint32
	Size                 uint64
	MaxTreeDepth         uint32
}

// searchTreeDepth returns the number of layers needed to reduce n draws to
// a single root when every layer divides the span by fanout.
func searchTreeDepth(n, fanout uint32) (depth uint32, sizes [MaxSearchTreeDepth - 1]uint32) {
	depth = 1
	for count := n; count > 1 && depth < MaxSearchTreeDepth; depth++ {
		count = core.DivCeil(count, fanout)
		sizes[depth-1] = count
	}
	return depth, sizes
}

func newDrawBufferLayout(desc DrawBufferDesc) DrawBufferLayout {
	l := DrawBufferLayout{
		MeshletsPerWorkgroup: max(desc.MeshletsPerWorkgroup, 2),
		Groups:               make([]DrawGroupLayout, len(desc.DrawCounts)),
	}
	off := uint32(DrawBufferHeaderSize + len(desc.DrawCounts)*DrawGroupEntrySize)
	for i, n := range desc.DrawCounts {
		g := &l.Groups[i]
		g.DrawCapacity = n
		g.DrawParamOffset = core.AlignUp(off, drawBufferAlign)
		off = g.DrawParamOffset + DrawDispatchArgsSize
		g.DrawInfoOffset = off
		off += n * DrawInstanceInfoSize
		g.TreeDepth, g.TreeSizes = searchTreeDepth(n, l.MeshletsPerWorkgroup)
		for layer := range g.TreeDepth - 1 {
			g.TreeOffsets[layer] = off
			off += core.AlignUp(g.TreeSizes[layer]*4, drawBufferAlign)
		}
		l.CounterCount += 1 + core.DivCeil(n, l.MeshletsPerWorkgroup)
		l.MaxTreeDepth = max(l.MaxTreeDepth, g.TreeDepth)
	}
	l.Size = uint64(core.AlignUp(off, drawBufferAlign))
	return l
}

func (g DrawGroupLayout) encode(w *rowWriter) {
	w.u32(g.DrawParamOffset).u32(g.DrawInfoOffset).u32(g.DrawCapacity).u32(g.TreeDepth)
	for _, o := range g.TreeOffsets {
		w.u32(o)
	}
}

type DrawBufferConfig struct {
	Name   string
	Logger core.Logger
}

// DrawBuffer holds the indirect draw parameters generated from the visible
// instances of one pass group.
type DrawBuffer struct {
	dev   gfx.Device
	pipes *pipelines.Pipelines
	name  string
	log   core.Logger

	mu       sync.Mutex
	layout   DrawBufferLayout
	buffer   gfx.Buffer
	counters gfx.Buffer
}

func NewDrawBuffer(dev gfx.Device, pipes *pipelines.Pipelines, cfg DrawBufferConfig) *DrawBuffer {
	if cfg.Name == "" {
		cfg.Name = "scene.draws"
	}
	return &DrawBuffer{dev: dev, pipes: pipes, name: cfg.Name, log: core.ForComponent(cfg.Logger, "draw")}
}

// UpdateLayout lays out one draw group per entry of desc.DrawCounts,
// growing the draw and counter buffers when needed, and writes the header
// and group entries.
func (d *DrawBuffer) UpdateLayout(ctx gfx.Context, desc DrawBufferDesc) error {
	if desc.MeshletsPerWorkgroup == 0 {
		desc.MeshletsPerWorkgroup = DefaultMeshletsPerWorkgroup
	}
	l := newDrawBufferLayout(desc)

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.buffer == nil || d.buffer.Desc().Size < l.Size {
		size := core.RoundUp(l.Size, drawBufferGrain)
		buf, err := d.dev.CreateBuffer(gfx.BufferDesc{Name: d.name, Size: size, Usage: sceneBufferUsage, Memory: gfx.MemoryDefault})
		if err != nil {
			return fmt.Errorf("scene: create %s: %w", d.name, err)
		}
		if d.buffer != nil {
			ctx.TrackObject(d.buffer)
		}
		d.log.Debugf("%s grown to %d bytes", d.name, size)
		d.buffer = buf
	}
	counterSize := uint64(l.CounterCount) * 4
	if d.counters == nil || d.counters.Desc().Size < counterSize {
		size := core.RoundUp(max(counterSize, 1), drawCounterGrain)
		buf, err := d.dev.CreateBuffer(gfx.BufferDesc{Name: d.name + ".counters", Size: size, Usage: sceneBufferUsage, Memory: gfx.MemoryDefault})
		if err != nil {
			return fmt.Errorf("scene: create %s counters: %w", d.name, err)
		}
		if d.counters != nil {
			ctx.TrackObject(d.counters)
		}
		ctx.ClearBuffer(buf, 0, size, 0)
		d.counters = buf
	}
	d.layout = l

	w := &rowWriter{b: make([]byte, DrawBufferHeaderSize+len(l.Groups)*DrawGroupEntrySize)}
	w.u64(d.counters.GPUAddress()).u32(uint32(len(l.Groups))).u32(l.MeshletsPerWorkgroup)
	for _, g := range l.Groups {
		g.encode(w)
	}
	if err := copyRows(ctx, d.buffer, 0, w.b); err != nil {
		return fmt.Errorf("scene: %s layout: %w", d.name, err)
	}
	transferToCompute(ctx)
	return nil
}

type GenerateDrawsDesc struct {
	Group     *PassGroupBuffer
	Instances *InstanceManager
	FrameID   uint64
	// PassMask selects the group's passes that receive draws.
	PassMask uint32
}

// GenerateDraws resets the draw groups, appends one draw per visible
// instance draw and builds the search trees bottom up.
func (d *DrawBuffer) GenerateDraws(ctx gfx.Context, desc GenerateDrawsDesc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	count := uint32(len(d.layout.Groups))
	if d.buffer == nil || count == 0 {
		return
	}
	address := d.buffer.GPUAddress()

	ctx.BeginDebugLabel(d.name)
	defer ctx.EndDebugLabel()
	d.pipes.InitDrawList(ctx, pipelines.DrawListInitArgs{DrawBufferAddress: address, DrawGroupCount: count})
	if list := desc.Group.NodeListDispatchArgs(NodeTypeInstance, false); !list.IsNull() {
		computeToCompute(ctx)
		d.pipes.GenerateDrawList(ctx, pipelines.DrawListGenerateArgs{
			DrawBufferAddress:   address,
			PassGroupAddress:    desc.Group.GpuAddress(),
			InstanceNodeAddress: desc.Instances.GpuAddress(),
			FrameID:             uint32(desc.FrameID),
			PassMask:            desc.PassMask,
		}, list)
	}
	for layer := uint32(1); layer < d.layout.MaxTreeDepth; layer++ {
		computeToCompute(ctx)
		d.pipes.BuildDrawSearchTree(ctx, pipelines.DrawListBuildSearchTreeArgs{
			DrawBufferAddress: address,
			DrawGroupCount:    count,
			Layer:             layer,
		}, count)
	}
	ctx.MemoryBarrier(gfx.StageComputeShader, gfx.AccessShaderWrite,
		gfx.StageIndirect|gfx.StageTaskMeshShader, gfx.AccessParameterRead|gfx.AccessShaderRead)
}

func (d *DrawBuffer) Layout() DrawBufferLayout {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.layout
}

// DrawParams is the indirect argument record of a draw group, or a null
// slice for groups outside the layout.
func (d *DrawBuffer) DrawParams(group uint32) gfx.BufferSlice {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.buffer == nil || int(group) >= len(d.layout.Groups) {
		return gfx.BufferSlice{}
	}
	return gfx.BufferSlice{Buffer: d.buffer, Offset: uint64(d.layout.Groups[group].DrawParamOffset), Size: DrawDispatchArgsSize}
}

func (d *DrawBuffer) Buffer() gfx.Buffer {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.buffer
}

func (d *DrawBuffer) Destroy() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.buffer != nil {
		d.buffer.Destroy()
		d.buffer = nil
	}
	if d.counters != nil {
		d.counters.Destroy()
		d.counters = nil
	}
}
