package scene

import (
	"fmt"
	"sync"

	"github.com/gekko3d/scenert/rt/core"
	"github.com/gekko3d/scenert/rt/gfx"
	"github.com/gekko3d/scenert/rt/objmap"
	"github.com/gekko3d/scenert/rt/pipelines"
	"github.com/go-gl/mathgl/mgl32"
)

const (
	DefaultNodeGrain = 1024
	DefaultBvhGrain  = 256

	nodeMapPageBits = 12
	nodeMapSlotBits = 12
)

type nodeDirty uint8

const (
	dirtyNode nodeDirty = 1 << iota
	dirtyBvhNode
	dirtyBvhChain
)

type NodeConfig struct {
	// NodeGrain and BvhGrain are the capacity steps of the node buffer.
	NodeGrain uint32
	BvhGrain  uint32
	Logger    core.Logger
}

func (c NodeConfig) withDefaults() NodeConfig {
	if c.NodeGrain == 0 {
		c.NodeGrain = DefaultNodeGrain
	}
	if c.BvhGrain == 0 {
		c.BvhGrain = DefaultBvhGrain
	}
	c.Logger = core.OrNop(c.Logger)
	return c
}

// NodeDesc describes a scene node. Parent must already exist.
type NodeDesc struct {
	Ref         NodeRef
	Parent      int32
	ParentJoint int32
	Transform   core.Transform
}

// BvhDesc describes a BVH node; the zero Bounds is never culled and a zero
// MaxDistance means no distance limit.
type BvhDesc struct {
	Parent      int32
	ParentJoint int32
	Transform   core.Transform
	Bounds      core.AABB
	MaxDistance float32
}

// BvhHostLink records where a node is attached. Parent is the row that
// holds the node, which may be a chained row of the logical BVH.
type BvhHostLink struct {
	Parent     NodeRef
	ChildIndex uint32
	// ChildDepth bounds the depth of the subtree below the node. It only
	// grows.
	ChildDepth uint32
}

type nodeRecord struct {
	live    bool
	info    NodeInfo
	link    BvhHostLink
	dirty   nodeDirty
	onDirty bool
}

type bvhRecord struct {
	live    bool
	info    BvhInfo
	next    uint32
	dirty   nodeDirty
	onDirty bool
}

type retiredNode struct {
	frameID uint64
	node    uint32
	hasNode bool
	bvh     uint32
}

// NodeManager owns scene nodes and BVHs and their rows in the node buffer.
type NodeManager struct {
	dev   gfx.Device
	pipes *pipelines.Pipelines
	cfg   NodeConfig
	log   core.Logger

	mu        sync.Mutex
	nodes     *objmap.Map[nodeRecord]
	nodeAlloc *objmap.Allocator
	bvhs      *objmap.Map[bvhRecord]
	bvhAlloc  *objmap.Allocator
	byRef     map[NodeRef]uint32

	dirtyNodes []uint32
	dirtyBvhs  []uint32
	retired    []retiredNode
	unstamped  int

	buffer     gfx.Buffer
	layout     nodeLayout
	upload     scatter
	frameID    uint64
	traversals map[uint64]uint32
}

func NewNodeManager(dev gfx.Device, pipes *pipelines.Pipelines, cfg NodeConfig) *NodeManager {
	cfg = cfg.withDefaults()
	return &NodeManager{
		dev:        dev,
		pipes:      pipes,
		cfg:        cfg,
		log:        core.ForComponent(cfg.Logger, "node"),
		nodes:      objmap.NewMap[nodeRecord](nodeMapPageBits, nodeMapSlotBits),
		nodeAlloc:  objmap.NewAllocator(0),
		bvhs:       objmap.NewMap[bvhRecord](nodeMapPageBits, nodeMapSlotBits),
		bvhAlloc:   objmap.NewAllocator(1),
		byRef:      map[NodeRef]uint32{},
		traversals: map[uint64]uint32{},
	}
}

func validRotation(q mgl32.Quat) bool {
	return q.W != 0 || q.V != (mgl32.Vec3{})
}

// CreateNode adds a node and returns its index. The type of desc.Ref is
// fixed for the node's lifetime; BVH nodes are made with CreateBvh.
func (m *NodeManager) CreateNode(desc NodeDesc) (uint32, error) {
	if !desc.Ref.Type().IsUser() {
		return 0, fmt.Errorf("%w: node type %s", ErrInvalidUsage, desc.Ref.Type())
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byRef[desc.Ref]; ok {
		return 0, fmt.Errorf("%w: %s already has a node", ErrInvalidUsage, desc.Ref)
	}
	return m.createNodeLocked(desc)
}

func (m *NodeManager) createNodeLocked(desc NodeDesc) (uint32, error) {
	if desc.Transform.Rotation == (mgl32.Quat{}) {
		desc.Transform.Rotation = mgl32.QuatIdent()
	}
	var parentRef NodeRef
	if desc.Parent >= 0 {
		p, err := m.nodeLocked(uint32(desc.Parent))
		if err != nil {
			return 0, fmt.Errorf("parent: %w", err)
		}
		parentRef = p.info.SelfRef
	} else {
		desc.Parent, desc.ParentJoint = -1, -1
	}
	idx := m.nodeAlloc.Allocate()
	if idx > MaxNodeIndex {
		m.nodeAlloc.Free(idx)
		return 0, fmt.Errorf("%w: node index space exhausted", ErrInvalidUsage)
	}
	rec := m.nodes.Emplace(idx, nodeRecord{
		live: true,
		info: NodeInfo{
			Transform:   desc.Transform,
			ParentNode:  desc.Parent,
			ParentJoint: desc.ParentJoint,
			ParentRef:   parentRef,
			SelfRef:     desc.Ref,
		},
	})
	m.byRef[desc.Ref] = idx
	m.markNodeLocked(idx, rec, dirtyNode)
	return idx, nil
}

// CreateBvh adds a BVH node with an empty child list.
func (m *NodeManager) CreateBvh(desc BvhDesc) (NodeRef, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	bi := m.bvhAlloc.Allocate()
	ref := MakeNodeRef(NodeTypeBvh, bi)
	node, err := m.createNodeLocked(NodeDesc{Ref: ref, Parent: desc.Parent, ParentJoint: desc.ParentJoint, Transform: desc.Transform})
	if err != nil {
		m.bvhAlloc.Free(bi)
		return 0, err
	}
	b := m.bvhs.Emplace(bi, bvhRecord{live: true, info: BvhInfo{Node: node, Bounds: desc.Bounds, MaxDistance: desc.MaxDistance}})
	m.markBvhLocked(bi, b, dirtyBvhNode)
	return ref, nil
}

// DestroyNode detaches the node and, for BVHs, all of its children. Its
// rows are cleared in the next commit and indices are recycled once that
// frame completes.
func (m *NodeManager) DestroyNode(node uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, err := m.nodeLocked(node)
	if err != nil {
		return err
	}
	if !rec.link.Parent.IsNull() {
		m.detachLocked(node, rec)
	}
	self := rec.info.SelfRef
	if self.Type() == NodeTypeBvh {
		for row := self.Index(); row != 0; {
			b := m.bvhs.Ref(row)
			for _, c := range b.info.Children {
				if ci, ok := m.byRef[c]; ok {
					m.nodes.Ref(ci).link.Parent = 0
				}
			}
			b.info.Children = nil
			b.live = false
			m.markBvhLocked(row, b, dirtyBvhNode)
			m.retireLocked(retiredNode{bvh: row})
			row = b.next
		}
	}
	delete(m.byRef, self)
	rec.live = false
	m.markNodeLocked(node, rec, dirtyNode)
	m.retireLocked(retiredNode{node: node, hasNode: true})
	return nil
}

func (m *NodeManager) retireLocked(r retiredNode) {
	m.retired = append(m.retired, r)
	m.unstamped++
}

// UpdateNodeTransform sets the node's transform relative to its parent.
func (m *NodeManager) UpdateNodeTransform(node uint32, t core.Transform) error {
	if !validRotation(t.Rotation) {
		return fmt.Errorf("%w: zero rotation", ErrInvalidUsage)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, err := m.nodeLocked(node)
	if err != nil {
		return err
	}
	rec.info.Transform = t
	m.markNodeLocked(node, rec, dirtyNode)
	return nil
}

// UpdateBvhBounds replaces the culling bounds of a BVH.
func (m *NodeManager) UpdateBvhBounds(bvh NodeRef, bounds core.AABB, maxDistance float32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, err := m.bvhLocked(bvh)
	if err != nil {
		return err
	}
	b.info.Bounds = bounds
	b.info.MaxDistance = maxDistance
	m.markBvhLocked(bvh.Index(), b, dirtyBvhNode)
	return nil
}

// NodeIndex resolves a node reference to its node index.
func (m *NodeManager) NodeIndex(ref NodeRef) (uint32, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i, ok := m.byRef[ref]
	return i, ok
}

func (m *NodeManager) NodeInfo(node uint32) (NodeInfo, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, err := m.nodeLocked(node)
	if err != nil {
		return NodeInfo{}, false
	}
	return rec.info, true
}

func (m *NodeManager) HostLink(node uint32) (BvhHostLink, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, err := m.nodeLocked(node)
	if err != nil {
		return BvhHostLink{}, false
	}
	return rec.link, true
}

// BvhInfo returns the row of a head or chained BVH.
func (m *NodeManager) BvhInfo(bvh NodeRef) (BvhInfo, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, err := m.bvhLocked(bvh)
	if err != nil {
		return BvhInfo{}, false
	}
	info := b.info
	info.Children = append([]NodeRef(nil), b.info.Children...)
	return info, true
}

// ChainOf lists the head row of bvh followed by its chained rows.
func (m *NodeManager) ChainOf(bvh NodeRef) []NodeRef {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.bvhLocked(bvh); err != nil {
		return nil
	}
	var out []NodeRef
	for row := bvh.Index(); row != 0; row = m.bvhs.Ref(row).next {
		out = append(out, MakeNodeRef(NodeTypeBvh, row))
	}
	return out
}

// Buffer is the node buffer, nil before the first commit.
func (m *NodeManager) Buffer() gfx.Buffer {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.buffer
}

func (m *NodeManager) GpuAddress() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.buffer == nil {
		return 0
	}
	return m.buffer.GPUAddress()
}

// Capacity returns the node and BVH row counts of the node buffer.
func (m *NodeManager) Capacity() (nodes, bvhs uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.layout.nodes, m.layout.bvhs
}

// Destroy releases the node buffer immediately.
func (m *NodeManager) Destroy() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.buffer != nil {
		m.buffer.Destroy()
		m.buffer = nil
	}
}

func (m *NodeManager) nodeLocked(node uint32) (*nodeRecord, error) {
	if node >= m.nodeAlloc.Count() {
		return nil, fmt.Errorf("%w: node %d", ErrNotFound, node)
	}
	rec := m.nodes.Ref(node)
	if !rec.live {
		return nil, fmt.Errorf("%w: node %d", ErrNotFound, node)
	}
	return rec, nil
}

func (m *NodeManager) bvhLocked(ref NodeRef) (*bvhRecord, error) {
	if ref.Type() != NodeTypeBvh || ref.Index() == 0 || ref.Index() >= m.bvhAlloc.Count() {
		return nil, fmt.Errorf("%w: %s is not a bvh", ErrInvalidUsage, ref)
	}
	b := m.bvhs.Ref(ref.Index())
	if !b.live {
		return nil, fmt.Errorf("%w: bvh %s", ErrNotFound, ref)
	}
	return b, nil
}

func (m *NodeManager) markNodeLocked(i uint32, rec *nodeRecord, d nodeDirty) {
	rec.dirty |= d
	if !rec.onDirty {
		rec.onDirty = true
		m.dirtyNodes = append(m.dirtyNodes, i)
	}
}

func (m *NodeManager) markBvhLocked(i uint32, b *bvhRecord, d nodeDirty) {
	b.dirty |= d
	if !b.onDirty {
		b.onDirty = true
		m.dirtyBvhs = append(m.dirtyBvhs, i)
	}
}

// CommitUpdates compacts underused BVH chains, grows the node buffer and
// uploads every changed row with one uploadData dispatch.
func (m *NodeManager) CommitUpdates(ctx gfx.Context, frameID, lastCompletedFrameID uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.frameID = frameID

	m.recycleLocked(lastCompletedFrameID)
	m.compactChainsLocked()

	if err := m.resizeLocked(ctx); err != nil {
		return err
	}

	for _, i := range m.dirtyNodes {
		rec := m.nodes.Ref(i)
		if rec.dirty&dirtyNode != 0 {
			row := make([]byte, NodeInfoSize)
			if rec.live {
				rec.info.UpdateFrameID = uint32(frameID)
				row = rec.info.encode()
			}
			m.upload.add(m.layout.nodeInfo(i), row)
		}
		rec.dirty, rec.onDirty = 0, false
	}
	m.dirtyNodes = m.dirtyNodes[:0]

	for _, i := range m.dirtyBvhs {
		b := m.bvhs.Ref(i)
		if b.dirty&dirtyBvhNode != 0 {
			row := make([]byte, BvhInfoSize)
			if b.live {
				row = b.info.encode()
			}
			m.upload.add(m.layout.bvhInfo(i), row)
		}
		b.dirty, b.onDirty = 0, false
	}
	m.dirtyBvhs = m.dirtyBvhs[:0]

	if m.upload.count() > 0 {
		transferToCompute(ctx)
	}
	if err := m.upload.submit(ctx, m.pipes, m.buffer); err != nil {
		return err
	}

	for i := len(m.retired) - m.unstamped; i < len(m.retired); i++ {
		m.retired[i].frameID = frameID
	}
	m.unstamped = 0
	return nil
}

func (m *NodeManager) recycleLocked(lastCompleted uint64) {
	n := 0
	for i, r := range m.retired {
		if i >= len(m.retired)-m.unstamped || r.frameID > lastCompleted {
			m.retired[n] = r
			n++
			continue
		}
		if r.hasNode {
			m.nodes.Reset(r.node)
			m.nodeAlloc.Free(r.node)
		} else {
			m.bvhs.Reset(r.bvh)
			m.bvhAlloc.Free(r.bvh)
		}
	}
	clear(m.retired[n:])
	m.retired = m.retired[:n]
}

func (m *NodeManager) resizeLocked(ctx gfx.Context) error {
	want := nodeLayout{
		nodes: core.RoundUp(max(m.nodeAlloc.Count(), 1), m.cfg.NodeGrain),
		bvhs:  core.RoundUp(max(m.bvhAlloc.Count(), 1), m.cfg.BvhGrain),
	}
	if m.buffer != nil && want.nodes <= m.layout.nodes && want.bvhs <= m.layout.bvhs {
		return nil
	}
	want.nodes = max(want.nodes, m.layout.nodes)
	want.bvhs = max(want.bvhs, m.layout.bvhs)

	old := m.layout
	buf, err := growBuffer(ctx, m.dev, gfx.BufferDesc{
		Name:   "scene.nodes",
		Size:   want.size(),
		Usage:  sceneBufferUsage,
		Memory: gfx.MemoryDefault,
	}, m.buffer,
		copyRegion{src: old.nodeInfo(0), dst: want.nodeInfo(0), size: uint64(old.nodes) * NodeInfoSize},
		copyRegion{src: old.transforms(), dst: want.transforms(), size: uint64(old.nodes) * NodeTransformSize},
		copyRegion{src: old.bvhInfo(0), dst: want.bvhInfo(0), size: uint64(old.bvhs) * BvhInfoSize},
	)
	if err != nil {
		return err
	}
	if err := copyRows(ctx, buf, 0, want.header()); err != nil {
		return fmt.Errorf("scene: node header: %w", err)
	}
	m.buffer, m.layout = buf, want
	m.log.Debugf("node buffer %d nodes, %d bvhs", want.nodes, want.bvhs)
	return nil
}
