package scene

import (
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/gekko3d/scenert/rt/alloc"
	"github.com/gekko3d/scenert/rt/core"
	"github.com/gekko3d/scenert/rt/gfx"
	"github.com/gekko3d/scenert/rt/objmap"
	"github.com/gekko3d/scenert/rt/pipelines"
)

const (
	DefaultInstanceGrain = 1024

	// instanceTouchOnly marks a node update entry that only bumps the
	// row's update frame.
	instanceTouchOnly = 0xffffffff
	nodeUpdateEntry   = 8
)

const (
	instDirtyNode uint32 = 1 << iota
	instDirtyHeader
	instDirtyDraws
	instDirtyParams
	instDirtyDrawParams
	instDirtyJoints
	instDirtyWeights
	instDirtyAnimationMeta
	instDirtyAnimationParams
	instDirtyAABB
	instDirtyAll = 1<<iota - 1
)

// DrawRegistry counts the draws of resident instances per material.
type DrawRegistry interface {
	AddInstanceDraws(draws []InstanceDrawDesc)
	RemoveInstanceDraws(draws []InstanceDrawDesc)
}

// InstanceDesc creates an instance together with its scene node. Draw,
// joint, weight and animation counts are fixed for the instance lifetime.
type InstanceDesc struct {
	Parent                int32
	ParentJoint           int32
	Transform             core.Transform
	Flags                 InstanceFlags
	Draws                 []InstanceDrawDesc
	InstanceParameterSize uint32
	JointCount            uint32
	WeightCount           uint32
	AnimationCount        uint32
}

type instanceRecord struct {
	live      bool
	node      uint32
	flags     InstanceFlags
	draws     []InstanceDrawDesc
	layout    instanceLayout
	data      []byte
	drawDirty []bool

	slice     alloc.Slice
	geometry  uint64
	animation uint64
	resident  bool

	dirty      atomic.Uint32
	dirtyFrame uint32
}

type retiredSlice struct {
	frameID uint64
	slice   alloc.Slice
	index   uint32
	isIndex bool
}

type InstanceConfig struct {
	Grain     uint32
	ChunkSize uint64
	Logger    core.Logger
}

// InstanceManager owns instance node rows and the per instance data
// blobs mirrored into pooled GPU buffers.
type InstanceManager struct {
	dev      gfx.Device
	pipes    *pipelines.Pipelines
	nodes    *NodeManager
	registry DrawRegistry
	cfg      InstanceConfig
	log      core.Logger

	mu        sync.Mutex
	instances *objmap.Map[instanceRecord]
	alloc     *objmap.Allocator
	pool      *alloc.BufferPool
	dirty     []uint32
	retired   []retiredSlice
	unstamped int
	animated  int

	buffer   gfx.Buffer
	capacity uint32
}

func NewInstanceManager(dev gfx.Device, pipes *pipelines.Pipelines, nodes *NodeManager, registry DrawRegistry, cfg InstanceConfig) *InstanceManager {
	if cfg.Grain == 0 {
		cfg.Grain = DefaultInstanceGrain
	}
	cfg.Logger = core.OrNop(cfg.Logger)
	return &InstanceManager{
		dev:       dev,
		pipes:     pipes,
		nodes:     nodes,
		registry:  registry,
		cfg:       cfg,
		log:       core.ForComponent(cfg.Logger, "instance"),
		instances: objmap.NewMap[instanceRecord](nodeMapPageBits, nodeMapSlotBits),
		alloc:     objmap.NewAllocator(1),
		pool: alloc.NewBufferPool(dev, alloc.PoolDesc{
			Name:      "scene.instances",
			Usage:     sceneBufferUsage,
			Memory:    gfx.MemoryDefault,
			ChunkSize: cfg.ChunkSize,
		}),
	}
}

// CreateInstance adds an instance and its scene node. The instance stays
// non resident until AllocateGpuBuffer is called.
func (m *InstanceManager) CreateInstance(desc InstanceDesc) (NodeRef, error) {
	for i, d := range desc.Draws {
		if d.Material >= MaxMaterials {
			return 0, fmt.Errorf("%w: draw %d uses material %d", ErrInvalidUsage, i, d.Material)
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	idx := m.alloc.Allocate()
	ref := MakeNodeRef(NodeTypeInstance, idx)
	node, err := m.nodes.CreateNode(NodeDesc{Ref: ref, Parent: desc.Parent, ParentJoint: desc.ParentJoint, Transform: desc.Transform})
	if err != nil {
		m.alloc.Free(idx)
		return 0, err
	}
	if desc.AnimationCount > 0 {
		desc.Flags |= InstanceAnimation
		m.animated++
	}
	layout := newInstanceLayout(desc)
	rec := m.instances.Ref(idx)
	rec.live = true
	rec.node = node
	rec.flags = desc.Flags
	rec.draws = append([]InstanceDrawDesc(nil), desc.Draws...)
	rec.layout = layout
	rec.data = make([]byte, layout.size)
	rec.drawDirty = make([]bool, len(desc.Draws))
	rec.slice, rec.geometry, rec.animation, rec.resident = alloc.Slice{}, 0, 0, false

	copy(rec.data, layout.header(rec.flags))
	for i, d := range rec.draws {
		copy(rec.data[layout.draws+uint32(i)*InstanceDrawSize:], d.encode(layout.drawParams[i]))
	}
	for j := range desc.JointCount {
		for b := range layout.jointBuffers {
			Joint{Rotation: identityQuat, Scale: 1}.encode(&rowWriter{b: rec.data, off: int(layout.relJoints + (b*desc.JointCount+j)*JointSize)})
		}
	}
	m.markLocked(idx, rec, instDirtyAll)
	return ref, nil
}

// DestroyInstance removes the instance, its draws and its node. The GPU
// slice and index are recycled once the frame of the next commit
// completes.
func (m *InstanceManager) DestroyInstance(ref NodeRef) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx, rec, err := m.instanceLocked(ref)
	if err != nil {
		return err
	}
	if rec.resident {
		m.registry.RemoveInstanceDraws(rec.draws)
		rec.resident = false
	}
	if !rec.slice.IsNull() {
		m.retireLocked(retiredSlice{slice: rec.slice})
		rec.slice = alloc.Slice{}
	}
	if rec.flags&InstanceAnimation != 0 {
		m.animated--
	}
	if err := m.nodes.DestroyNode(rec.node); err != nil {
		m.log.Warnf("destroy instance %s: %v", ref, err)
	}
	rec.live = false
	rec.data = nil
	m.markLocked(idx, rec, instDirtyNode)
	m.retireLocked(retiredSlice{index: idx, isIndex: true})
	return nil
}

// Node returns the scene node index of an instance.
func (m *InstanceManager) Node(ref NodeRef) (uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, rec, err := m.instanceLocked(ref)
	if err != nil {
		return 0, err
	}
	return rec.node, nil
}

// AllocateGpuBuffer reserves the instance's property buffer.
func (m *InstanceManager) AllocateGpuBuffer(ref NodeRef) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx, rec, err := m.instanceLocked(ref)
	if err != nil {
		return err
	}
	if !rec.slice.IsNull() {
		return nil
	}
	s, err := m.pool.Alloc(uint64(rec.layout.size), 16)
	if err != nil {
		return fmt.Errorf("scene: instance %s: %w", ref, err)
	}
	rec.slice = s
	m.markLocked(idx, rec, instDirtyNode)
	return nil
}

// FreeGpuBuffer makes the instance non resident and releases its slice
// once the frame of the next commit completes.
func (m *InstanceManager) FreeGpuBuffer(ref NodeRef) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx, rec, err := m.instanceLocked(ref)
	if err != nil {
		return err
	}
	if rec.slice.IsNull() {
		return nil
	}
	m.retireLocked(retiredSlice{slice: rec.slice})
	rec.slice = alloc.Slice{}
	m.markLocked(idx, rec, instDirtyNode)
	return nil
}

func (m *InstanceManager) SetGeometryBuffer(ref NodeRef, address uint64) error {
	return m.update(ref, instDirtyNode, func(rec *instanceRecord) error {
		rec.geometry = address
		return nil
	})
}

func (m *InstanceManager) SetAnimationBuffer(ref NodeRef, address uint64) error {
	return m.update(ref, instDirtyNode, func(rec *instanceRecord) error {
		rec.animation = address
		return nil
	})
}

func (m *InstanceManager) UpdateInstanceParameters(ref NodeRef, data []byte) error {
	return m.update(ref, instDirtyParams, func(rec *instanceRecord) error {
		if uint32(len(data)) > rec.layout.paramSize {
			return fmt.Errorf("%w: %d parameter bytes, instance has %d", ErrInvalidUsage, len(data), rec.layout.paramSize)
		}
		copy(rec.data[rec.layout.params:], data)
		return nil
	})
}

// UpdateDrawParameters writes the material parameters of one draw.
// Adjacent dirty draws are uploaded with a single copy.
func (m *InstanceManager) UpdateDrawParameters(ref NodeRef, draw uint32, data []byte) error {
	return m.update(ref, instDirtyDrawParams, func(rec *instanceRecord) error {
		if int(draw) >= len(rec.draws) {
			return fmt.Errorf("%w: draw %d of %d", ErrInvalidUsage, draw, len(rec.draws))
		}
		if uint32(len(data)) > rec.draws[draw].ParameterSize {
			return fmt.Errorf("%w: %d parameter bytes, draw has %d", ErrInvalidUsage, len(data), rec.draws[draw].ParameterSize)
		}
		copy(rec.data[rec.layout.drawParams[draw]:], data)
		rec.drawDirty[draw] = true
		return nil
	})
}

// UpdateJoints writes relative joints starting at first.
func (m *InstanceManager) UpdateJoints(ref NodeRef, first uint32, joints []Joint) error {
	return m.update(ref, instDirtyJoints, func(rec *instanceRecord) error {
		if first+uint32(len(joints)) > rec.layout.joints {
			return fmt.Errorf("%w: joints %d+%d of %d", ErrInvalidUsage, first, len(joints), rec.layout.joints)
		}
		w := &rowWriter{b: rec.data, off: int(rec.layout.relJoints + first*JointSize)}
		for _, j := range joints {
			j.encode(w)
		}
		return nil
	})
}

// UpdateWeights writes morph target weights starting at first.
func (m *InstanceManager) UpdateWeights(ref NodeRef, first uint32, weights []float32) error {
	return m.update(ref, instDirtyWeights, func(rec *instanceRecord) error {
		if first+uint32(len(weights)) > rec.layout.weightCount {
			return fmt.Errorf("%w: weights %d+%d of %d", ErrInvalidUsage, first, len(weights), rec.layout.weightCount)
		}
		w := &rowWriter{b: rec.data, off: int(rec.layout.weights + first*4)}
		for _, v := range weights {
			w.f32(v)
		}
		return nil
	})
}

func (m *InstanceManager) UpdateAnimationMetadata(ref NodeRef, h AnimationHeader) error {
	return m.update(ref, instDirtyAnimationMeta, func(rec *instanceRecord) error {
		if rec.layout.animations == 0 {
			return fmt.Errorf("%w: instance has no animations", ErrInvalidUsage)
		}
		w := &rowWriter{b: rec.data, off: int(rec.layout.animation)}
		w.u32(min(h.ActiveCount, rec.layout.animations)).u32(h.Flags).f32(h.Time)
		return nil
	})
}

func (m *InstanceManager) UpdateAnimationParameters(ref NodeRef, first uint32, params []AnimationParameters) error {
	return m.update(ref, instDirtyAnimationParams, func(rec *instanceRecord) error {
		if first+uint32(len(params)) > rec.layout.animations {
			return fmt.Errorf("%w: animations %d+%d of %d", ErrInvalidUsage, first, len(params), rec.layout.animations)
		}
		w := &rowWriter{b: rec.data, off: int(rec.layout.animation + AnimationHeaderSize + first*AnimationParameterSize)}
		for _, p := range params {
			p.encode(w)
		}
		return nil
	})
}

// UpdateBounds sets the local bounds of the instance.
func (m *InstanceManager) UpdateBounds(ref NodeRef, b core.AABB) error {
	return m.update(ref, instDirtyAABB, func(rec *instanceRecord) error {
		w := &rowWriter{b: rec.data, off: int(rec.layout.aabb)}
		w.vec3(b.Min).skip(4).vec3(b.Max)
		return nil
	})
}

func (m *InstanceManager) update(ref NodeRef, bit uint32, fn func(rec *instanceRecord) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx, rec, err := m.instanceLocked(ref)
	if err != nil {
		return err
	}
	if err := fn(rec); err != nil {
		return err
	}
	m.markLocked(idx, rec, bit)
	return nil
}

func (m *InstanceManager) instanceLocked(ref NodeRef) (uint32, *instanceRecord, error) {
	if ref.Type() != NodeTypeInstance || ref.Index() == 0 || ref.Index() >= m.alloc.Count() {
		return 0, nil, fmt.Errorf("%w: %s is not an instance", ErrInvalidUsage, ref)
	}
	rec := m.instances.Ref(ref.Index())
	if !rec.live {
		return 0, nil, fmt.Errorf("%w: instance %s", ErrNotFound, ref)
	}
	return ref.Index(), rec, nil
}

// markLocked sets dirty bits and queues the instance once per commit.
func (m *InstanceManager) markLocked(idx uint32, rec *instanceRecord, bits uint32) {
	if rec.dirty.Or(bits) == 0 {
		m.dirty = append(m.dirty, idx)
	}
}

func (m *InstanceManager) retireLocked(r retiredSlice) {
	m.retired = append(m.retired, r)
	m.unstamped++
}

func (rec *instanceRecord) residentNow() bool {
	if !rec.live || rec.slice.IsNull() {
		return false
	}
	if rec.flags&InstanceAnimation != 0 {
		return rec.geometry != 0 && rec.animation != 0
	}
	return true
}

func (rec *instanceRecord) nodeRow(frameID uint32) []byte {
	w := &rowWriter{b: make([]byte, InstanceNodeInfoSize)}
	if !rec.live {
		return w.b
	}
	var property uint64
	if rec.resident {
		property = rec.slice.GPUAddress()
	}
	w.u32(rec.node).u32(uint32(rec.flags)).u32(rec.dirtyFrame).u32(frameID).
		u64(rec.geometry).u64(rec.animation).u64(property)
	return w.b
}

// CommitUpdates releases retired slices, grows the node row buffer and
// uploads the changed parts of every dirty instance. All node rows are
// then updated by a single updateInstanceNodes dispatch.
func (m *InstanceManager) CommitUpdates(ctx gfx.Context, frameID, lastCompletedFrameID uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.recycleLocked(lastCompletedFrameID)
	if err := m.resizeLocked(ctx); err != nil {
		return err
	}

	var rows, entries []byte
	copied := false
	for _, idx := range m.dirty {
		rec := m.instances.Ref(idx)
		flags := rec.dirty.Swap(0)
		if flags == 0 {
			continue
		}
		resident := rec.residentNow()
		switch {
		case resident && !rec.resident:
			flags = instDirtyAll
			m.registry.AddInstanceDraws(rec.draws)
		case !resident && rec.resident:
			flags |= instDirtyNode
			m.registry.RemoveInstanceDraws(rec.draws)
		}
		rec.resident = resident

		if resident && flags&^instDirtyNode != 0 {
			rec.dirtyFrame = uint32(frameID)
			if err := m.uploadLocked(ctx, rec, flags); err != nil {
				return err
			}
			copied = true
		}

		src := uint32(instanceTouchOnly)
		if flags&instDirtyNode != 0 || !rec.live {
			src = uint32(len(rows))
			rows = append(rows, rec.nodeRow(uint32(frameID))...)
		}
		entries = binary.LittleEndian.AppendUint32(entries, idx)
		entries = binary.LittleEndian.AppendUint32(entries, src)
	}
	m.dirty = m.dirty[:0]

	for i := len(m.retired) - m.unstamped; i < len(m.retired); i++ {
		m.retired[i].frameID = frameID
	}
	m.unstamped = 0

	if len(entries) == 0 {
		return nil
	}
	if copied {
		transferToCompute(ctx)
	}
	var srcAddress uint64
	if len(rows) > 0 {
		s, err := ctx.WriteScratch(rows)
		if err != nil {
			return fmt.Errorf("scene: instance rows: %w", err)
		}
		srcAddress = s.GPUAddress()
	}
	e, err := ctx.WriteScratch(entries)
	if err != nil {
		return fmt.Errorf("scene: instance entries: %w", err)
	}
	m.pipes.UpdateInstanceNodes(ctx, pipelines.InstanceUpdateNodeArgs{
		InstanceNodeAddress: m.buffer.GPUAddress(),
		SourceAddress:       srcAddress,
		EntryAddress:        e.GPUAddress(),
		EntryCount:          uint32(len(entries) / nodeUpdateEntry),
		FrameID:             uint32(frameID),
	})
	return nil
}

// uploadLocked copies the sections selected by flags from the host blob
// into the instance slice.
func (m *InstanceManager) uploadLocked(ctx gfx.Context, rec *instanceRecord, flags uint32) error {
	l := rec.layout
	put := func(off, size uint32) error {
		if size == 0 {
			return nil
		}
		return copyRows(ctx, rec.slice.Buffer, rec.slice.Offset+uint64(off), rec.data[off:off+size])
	}
	if flags == instDirtyAll {
		clear(rec.drawDirty)
		return put(0, l.size)
	}

	type section struct {
		bit       uint32
		off, size uint32
	}
	sections := []section{
		{instDirtyHeader, 0, InstanceHeaderSize},
		{instDirtyDraws, l.draws, uint32(len(rec.draws)) * InstanceDrawSize},
		{instDirtyParams, l.params, l.paramSize},
		{instDirtyJoints, l.relJoints, l.joints * JointSize},
		{instDirtyWeights, l.weights, l.weightCount * 4},
		{instDirtyAnimationMeta, l.animation, min(l.animations, 1) * AnimationHeaderSize},
		{instDirtyAnimationParams, l.animation + AnimationHeaderSize, l.animations * AnimationParameterSize},
		{instDirtyAABB, l.aabb, InstanceAABBSize},
	}
	for _, s := range sections {
		if flags&s.bit != 0 {
			if err := put(s.off, s.size); err != nil {
				return fmt.Errorf("scene: instance upload: %w", err)
			}
		}
	}
	if flags&instDirtyDrawParams != 0 {
		for i := 0; i < len(rec.drawDirty); {
			if !rec.drawDirty[i] {
				i++
				continue
			}
			j := i
			for j+1 < len(rec.drawDirty) && rec.drawDirty[j+1] {
				j++
			}
			end := l.drawParams[j] + align16(rec.draws[j].ParameterSize)
			if err := put(l.drawParams[i], end-l.drawParams[i]); err != nil {
				return fmt.Errorf("scene: instance draw parameters: %w", err)
			}
			for k := i; k <= j; k++ {
				rec.drawDirty[k] = false
			}
			i = j + 1
		}
	}
	return nil
}

func (m *InstanceManager) recycleLocked(lastCompleted uint64) {
	n := 0
	for i, r := range m.retired {
		if i >= len(m.retired)-m.unstamped || r.frameID > lastCompleted {
			m.retired[n] = r
			n++
			continue
		}
		if r.isIndex {
			m.instances.Reset(r.index)
			m.alloc.Free(r.index)
		} else {
			m.pool.Free(r.slice)
		}
	}
	clear(m.retired[n:])
	m.retired = m.retired[:n]
	m.pool.Trim(0.5)
}

func (m *InstanceManager) resizeLocked(ctx gfx.Context) error {
	want := core.RoundUp(max(m.alloc.Count(), 1), m.cfg.Grain)
	if m.buffer != nil && want <= m.capacity {
		return nil
	}
	buf, err := growBuffer(ctx, m.dev, gfx.BufferDesc{
		Name:   "scene.instance.nodes",
		Size:   uint64(want) * InstanceNodeInfoSize,
		Usage:  sceneBufferUsage,
		Memory: gfx.MemoryDefault,
	}, m.buffer, copyRegion{size: uint64(m.capacity) * InstanceNodeInfoSize})
	if err != nil {
		return err
	}
	transferToCompute(ctx)
	m.buffer, m.capacity = buf, want
	return nil
}

// ProcessPassGroupAnimations blends the animations of the group's visible
// animated instances into their relative joints and weights.
func (m *InstanceManager) ProcessPassGroupAnimations(ctx gfx.Context, group *PassGroupBuffer, frameID uint64) {
	m.mu.Lock()
	animated, buffer := m.animated, m.buffer
	m.mu.Unlock()
	all := group.NodeListDispatchArgs(NodeTypeInstance, false)
	if animated == 0 || buffer == nil || all.IsNull() {
		return
	}
	args := pipelines.InstanceAnimateArgs{
		InstanceNodeAddress: buffer.GPUAddress(),
		PassGroupAddress:    group.GpuAddress(),
		FrameID:             uint32(frameID),
	}
	ctx.BeginDebugLabel("instanceAnimations")
	defer ctx.EndDebugLabel()
	computeToCompute(ctx)
	m.pipes.PrepareInstanceAnimations(ctx, args, all)
	computeToCompute(ctx)
	m.pipes.ProcessInstanceAnimations(ctx, args, group.NodeListDispatchArgs(NodeTypeInstance, true))
	computeToCompute(ctx)
	m.pipes.ResetUpdateLists(ctx, pipelines.ResetUpdateListArgs{
		PassGroupAddress: args.PassGroupAddress,
		NodeType:         NodeTypeInstance.UserIndex(),
	})
}

// ProcessPassGroupInstances computes absolute joints and bounds of the
// group's visible instances.
func (m *InstanceManager) ProcessPassGroupInstances(ctx gfx.Context, group *PassGroupBuffer, nodeBufferAddress, frameID uint64) {
	m.mu.Lock()
	buffer := m.buffer
	m.mu.Unlock()
	all := group.NodeListDispatchArgs(NodeTypeInstance, false)
	if buffer == nil || all.IsNull() {
		return
	}
	prepare := pipelines.InstanceUpdatePrepareArgs{
		InstanceNodeAddress: buffer.GPUAddress(),
		PassGroupAddress:    group.GpuAddress(),
		NodeBufferAddress:   nodeBufferAddress,
		FrameID:             uint32(frameID),
	}
	ctx.BeginDebugLabel("instanceUpdates")
	defer ctx.EndDebugLabel()
	computeToCompute(ctx)
	m.pipes.PrepareInstanceUpdates(ctx, prepare, all)
	computeToCompute(ctx)
	m.pipes.ExecuteInstanceUpdates(ctx, pipelines.InstanceUpdateExecuteArgs(prepare), group.NodeListDispatchArgs(NodeTypeInstance, true))
	computeToCompute(ctx)
	m.pipes.ResetUpdateLists(ctx, pipelines.ResetUpdateListArgs{
		PassGroupAddress: prepare.PassGroupAddress,
		NodeType:         NodeTypeInstance.UserIndex(),
	})
}

// Resident reports whether the instance's rows reference its data.
func (m *InstanceManager) Resident(ref NodeRef) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, rec, err := m.instanceLocked(ref)
	return err == nil && rec.resident
}

// PropertyAddress is the GPU address of the instance data, 0 while no
// buffer is allocated.
func (m *InstanceManager) PropertyAddress(ref NodeRef) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, rec, err := m.instanceLocked(ref)
	if err != nil {
		return 0
	}
	return rec.slice.GPUAddress()
}

func (m *InstanceManager) Buffer() gfx.Buffer {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.buffer
}

func (m *InstanceManager) GpuAddress() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.buffer == nil {
		return 0
	}
	return m.buffer.GPUAddress()
}

// Capacity is the number of instance rows the node buffer holds.
func (m *InstanceManager) Capacity() uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.capacity
}

func (m *InstanceManager) Destroy() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.buffer != nil {
		m.buffer.Destroy()
		m.buffer = nil
	}
	m.pool.Destroy()
}
