package scene

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/gekko3d/scenert/rt/core"
	"github.com/gekko3d/scenert/rt/gfx"
	"github.com/gekko3d/scenert/rt/objmap"
	"github.com/gekko3d/scenert/rt/pipelines"
	"github.com/go-gl/mathgl/mgl32"
)

// Pass info row layout. Fields after the viewport are written by
// processPasses only.
const (
	PassInfoSize = 320

	passMetadataOffset    = 0
	passProjectionOffset  = 16
	passTransformOffset   = 80
	passMirrorPlaneOffset = 112
	passPrevMirrorOffset  = 128
	passViewDistOffset    = 144
	passViewportOffset    = 160
	passFrustumOffset     = 176
	passViewOffset        = 272

	MaxRenderPasses = 1 << 16
	passGrain       = 64
	passListEntry   = 8
)

type PassFlags uint32

const (
	// PassIgnoreOcclusionTest drops last frame's visibility for one frame,
	// after a camera cut.
	PassIgnoreOcclusionTest PassFlags = 1 << iota
	PassMirror
	PassDisabled
)

// PassDirty selects the row fields a commit copies.
type PassDirty uint32

const (
	PassDirtyMetadata PassDirty = 1 << iota
	PassDirtyProjection
	PassDirtyTransform
	PassDirtyMirrorPlane
	PassDirtyViewDistance
	PassDirtyLodSelection
	PassDirtyViewport
	PassDirtyAll = PassDirtyMetadata | PassDirtyProjection | PassDirtyTransform | PassDirtyMirrorPlane |
		PassDirtyViewDistance | PassDirtyLodSelection | PassDirtyViewport
)

// RenderPass is the host state of a pass. The camera is a node and
// optional joint; Transform is relative to it.
type RenderPass struct {
	Type         uint32
	Flags        PassFlags
	CameraNode   int32
	CameraJoint  int32
	Projection   mgl32.Mat4
	Transform    core.Transform
	MirrorPlane  mgl32.Vec4
	ViewDistance float32
	LodScale     float32
	LodBias      float32
	Viewport     mgl32.Vec4
}

func (p RenderPass) encode(frameID uint32) []byte {
	w := &rowWriter{b: make([]byte, PassInfoSize)}
	w.u32(p.Type).u32(uint32(p.Flags)).u32(uint32(p.CameraNode)).u32(uint32(p.CameraJoint))
	w.mat4(p.Projection)
	w.quat(p.Transform.Rotation).vec3(p.Transform.Translation).u32(frameID)
	w.vec4(p.MirrorPlane)
	w.skip(16)
	w.f32(p.ViewDistance).f32(p.LodScale).f32(p.LodBias).skip(4)
	w.vec4(p.Viewport)
	return w.b
}

type passRecord struct {
	live  bool
	pass  RenderPass
	dirty PassDirty
	// zero clears the whole row, for freed passes.
	zero bool
}

type PassConfig struct {
	Logger core.Logger
}

// PassManager owns the pass info table.
type PassManager struct {
	dev   gfx.Device
	pipes *pipelines.Pipelines
	log   core.Logger

	mu       sync.Mutex
	passes   *objmap.Map[passRecord]
	alloc    *objmap.Allocator
	dirty    []uint16
	buffer   gfx.Buffer
	list     gfx.Buffer
	capacity uint32
}

func NewPassManager(dev gfx.Device, pipes *pipelines.Pipelines, cfg PassConfig) *PassManager {
	return &PassManager{
		dev:    dev,
		pipes:  pipes,
		log:    core.ForComponent(cfg.Logger, "pass"),
		passes: objmap.NewMap[passRecord](8, 8),
		alloc:  objmap.NewAllocator(0),
	}
}

func DefaultRenderPass() RenderPass {
	return RenderPass{
		CameraNode:  -1,
		CameraJoint: -1,
		Projection:  mgl32.Ident4(),
		Transform:   core.IdentityTransform(),
		LodScale:    1,
		Viewport:    mgl32.Vec4{0, 0, 1, 1},
	}
}

func (m *PassManager) CreateRenderPass(p RenderPass) (uint16, error) {
	if !validRotation(p.Transform.Rotation) {
		return 0, fmt.Errorf("%w: zero rotation", ErrInvalidUsage)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	idx := m.alloc.Allocate()
	if idx >= MaxRenderPasses {
		m.alloc.Free(idx)
		return 0, fmt.Errorf("%w: pass table full", ErrInvalidUsage)
	}
	rec := m.passes.Ref(idx)
	*rec = passRecord{live: true, pass: p, dirty: rec.dirty}
	m.markLocked(uint16(idx), rec, PassDirtyAll)
	return uint16(idx), nil
}

// FreeRenderPass releases the index and clears its row in the next
// commit.
func (m *PassManager) FreeRenderPass(pass uint16) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, err := m.passLocked(pass)
	if err != nil {
		return err
	}
	*rec = passRecord{zero: true, dirty: rec.dirty}
	m.markLocked(pass, rec, PassDirtyAll)
	m.alloc.Free(uint32(pass))
	return nil
}

func (m *PassManager) update(pass uint16, d PassDirty, fn func(p *RenderPass)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, err := m.passLocked(pass)
	if err != nil {
		return err
	}
	fn(&rec.pass)
	m.markLocked(pass, rec, d)
	return nil
}

func (m *PassManager) UpdateRenderPassMetadata(pass uint16, passType uint32, flags PassFlags) error {
	return m.update(pass, PassDirtyMetadata, func(p *RenderPass) {
		p.Type, p.Flags = passType, flags
	})
}

// UpdateRenderPassCamera binds the pass to a node, and optionally one of
// its joints; -1 detaches it.
func (m *PassManager) UpdateRenderPassCamera(pass uint16, node, joint int32) error {
	return m.update(pass, PassDirtyMetadata, func(p *RenderPass) {
		p.CameraNode, p.CameraJoint = node, joint
	})
}

func (m *PassManager) UpdateRenderPassProjection(pass uint16, proj mgl32.Mat4) error {
	return m.update(pass, PassDirtyProjection, func(p *RenderPass) { p.Projection = proj })
}

// UpdateRenderPassTransform moves the pass. A cut makes the next frame
// ignore occlusion results gathered from the old view.
func (m *PassManager) UpdateRenderPassTransform(pass uint16, t core.Transform, cut bool) error {
	if !validRotation(t.Rotation) {
		return fmt.Errorf("%w: zero rotation", ErrInvalidUsage)
	}
	d := PassDirtyTransform
	if cut {
		d |= PassDirtyMetadata
	}
	return m.update(pass, d, func(p *RenderPass) {
		p.Transform = t
		if cut {
			p.Flags |= PassIgnoreOcclusionTest
		}
	})
}

func (m *PassManager) UpdateRenderPassMirrorPlane(pass uint16, plane mgl32.Vec4) error {
	return m.update(pass, PassDirtyMirrorPlane, func(p *RenderPass) { p.MirrorPlane = plane })
}

// UpdateRenderPassViewDistance sets the far culling distance; 0 disables
// it.
func (m *PassManager) UpdateRenderPassViewDistance(pass uint16, distance float32) error {
	return m.update(pass, PassDirtyViewDistance, func(p *RenderPass) { p.ViewDistance = distance })
}

func (m *PassManager) UpdateRenderPassLodSelection(pass uint16, scale, bias float32) error {
	return m.update(pass, PassDirtyLodSelection, func(p *RenderPass) { p.LodScale, p.LodBias = scale, bias })
}

// UpdateRenderPassViewport sets the normalized viewport region x, y, w, h.
func (m *PassManager) UpdateRenderPassViewport(pass uint16, region mgl32.Vec4) error {
	return m.update(pass, PassDirtyViewport, func(p *RenderPass) { p.Viewport = region })
}

func (m *PassManager) PassInfo(pass uint16) (RenderPass, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, err := m.passLocked(pass)
	if err != nil {
		return RenderPass{}, false
	}
	return rec.pass, true
}

// PassCount is one past the largest pass index in use.
func (m *PassManager) PassCount() uint32 { return m.alloc.Count() }

// FrustumPlanes computes the pass frustum on the host from the absolute
// transform of its camera node.
func (m *PassManager) FrustumPlanes(pass uint16, camera core.Transform) ([6]mgl32.Vec4, error) {
	p, ok := m.PassInfo(pass)
	if !ok {
		return [6]mgl32.Vec4{}, fmt.Errorf("%w: pass %d", ErrNotFound, pass)
	}
	view := camera.Mul(p.Transform).Inverse().Mat4()
	return core.ExtractFrustum(p.Projection.Mul4(view)), nil
}

func (m *PassManager) passLocked(pass uint16) (*passRecord, error) {
	if uint32(pass) >= m.alloc.Count() {
		return nil, fmt.Errorf("%w: pass %d", ErrNotFound, pass)
	}
	rec := m.passes.Ref(uint32(pass))
	if !rec.live {
		return nil, fmt.Errorf("%w: pass %d", ErrNotFound, pass)
	}
	return rec, nil
}

func (m *PassManager) markLocked(pass uint16, rec *passRecord, d PassDirty) {
	if rec.dirty == 0 {
		m.dirty = append(m.dirty, pass)
	}
	rec.dirty |= d
}

// CommitUpdates copies the changed fields of every dirty pass with one
// copyRenderPassInfo dispatch.
func (m *PassManager) CommitUpdates(ctx gfx.Context, frameID uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.resizeLocked(ctx); err != nil {
		return err
	}
	if len(m.dirty) == 0 {
		return nil
	}

	rows := make([]byte, 0, len(m.dirty)*PassInfoSize)
	list := make([]byte, len(m.dirty)*passListEntry)
	var cuts []uint16
	for i, idx := range m.dirty {
		rec := m.passes.Ref(uint32(idx))
		row := make([]byte, PassInfoSize)
		if !rec.zero {
			row = rec.pass.encode(uint32(frameID))
		}
		rows = append(rows, row...)
		binary.LittleEndian.PutUint32(list[i*passListEntry:], uint32(idx))
		binary.LittleEndian.PutUint32(list[i*passListEntry+4:], uint32(rec.dirty))
		rec.dirty, rec.zero = 0, false
		if rec.live && rec.pass.Flags&PassIgnoreOcclusionTest != 0 {
			cuts = append(cuts, idx)
		}
	}
	count := uint32(len(m.dirty))
	m.dirty = m.dirty[:0]

	// The cut flag lasts one frame.
	for _, idx := range cuts {
		rec := m.passes.Ref(uint32(idx))
		rec.pass.Flags &^= PassIgnoreOcclusionTest
		m.markLocked(idx, rec, PassDirtyMetadata)
	}

	src, err := ctx.WriteScratch(rows)
	if err != nil {
		return fmt.Errorf("scene: pass rows: %w", err)
	}
	entries, err := ctx.WriteScratch(list)
	if err != nil {
		return fmt.Errorf("scene: pass list: %w", err)
	}
	m.pipes.CopyRenderPassInfo(ctx, pipelines.PassInfoUpdateCopyArgs{
		PassInfoAddress: m.buffer.GPUAddress(),
		SourceAddress:   src.GPUAddress(),
		ListAddress:     entries.GPUAddress(),
		PassCount:       count,
		FrameID:         uint32(frameID),
	})
	return nil
}

func (m *PassManager) resizeLocked(ctx gfx.Context) error {
	want := core.RoundUp(max(m.alloc.Count(), 1), passGrain)
	if m.buffer != nil && want <= m.capacity {
		return nil
	}
	buf, err := growBuffer(ctx, m.dev, gfx.BufferDesc{
		Name:   "scene.passes",
		Size:   uint64(want) * PassInfoSize,
		Usage:  sceneBufferUsage,
		Memory: gfx.MemoryDefault,
	}, m.buffer, copyRegion{size: uint64(m.capacity) * PassInfoSize})
	if err != nil {
		return err
	}
	list, err := growBuffer(ctx, m.dev, gfx.BufferDesc{
		Name:   "scene.passes.list",
		Size:   DispatchArgsSize + uint64(want)*4,
		Usage:  sceneBufferUsage,
		Memory: gfx.MemoryDefault,
	}, m.list)
	if err != nil {
		buf.Destroy()
		return err
	}
	transferToCompute(ctx)
	m.buffer, m.list, m.capacity = buf, list, want
	return nil
}

// ProcessPasses resolves every pass camera into view space, computes its
// frustum planes and moves the mirror plane into the previous frame slot.
func (m *PassManager) ProcessPasses(ctx gfx.Context, nodeBufferAddress, frameID uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.buffer == nil || m.alloc.Live() == 0 {
		return
	}
	args := pipelines.PassInfoUpdateArgs{
		NodeBufferAddress: nodeBufferAddress,
		PassInfoAddress:   m.buffer.GPUAddress(),
		ListAddress:       m.list.GPUAddress(),
		FrameID:           uint32(frameID),
		PassCount:         m.alloc.Count(),
	}
	ctx.BeginDebugLabel("processPasses")
	defer ctx.EndDebugLabel()
	m.pipes.InitRenderPassUpdate(ctx, args)
	computeToCompute(ctx)
	m.pipes.PrepareRenderPassUpdate(ctx, args)
	computeToCompute(ctx)
	m.pipes.ExecuteRenderPassUpdate(ctx, args, gfx.BufferSlice{Buffer: m.list, Size: DispatchArgsSize})
}

func (m *PassManager) Buffer() gfx.Buffer {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.buffer
}

func (m *PassManager) GpuAddress() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.buffer == nil {
		return 0
	}
	return m.buffer.GPUAddress()
}

func (m *PassManager) Destroy() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, b := range []gfx.Buffer{m.buffer, m.list} {
		if b != nil {
			b.Destroy()
		}
	}
	m.buffer, m.list = nil, nil
}
