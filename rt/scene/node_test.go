package scene

import (
	"math"
	"testing"

	"github.com/gekko3d/scenert/rt/core"
	"github.com/gekko3d/scenert/rt/gfx"
	"github.com/gekko3d/scenert/rt/gfx/soft"
	"github.com/gekko3d/scenert/rt/pipelines"
	"github.com/go-gl/mathgl/mgl32"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newNodes(t *testing.T, f *fixture, cfg NodeConfig) *NodeManager {
	t.Helper()
	m := NewNodeManager(f.dev, f.pipes, cfg)
	t.Cleanup(m.Destroy)
	return m
}

func (f *fixture) commitNodes(t *testing.T, m *NodeManager, frameID, lastCompleted uint64) []soft.Command {
	t.Helper()
	return f.record(t, func(ctx gfx.Context) {
		require.NoError(t, m.CommitUpdates(ctx, frameID, lastCompleted))
	})
}

func light(i uint32) NodeRef { return MakeNodeRef(NodeTypeLight, i) }

func createLights(t *testing.T, m *NodeManager, n int) []uint32 {
	t.Helper()
	out := make([]uint32, n)
	for i := range out {
		idx, err := m.CreateNode(NodeDesc{Ref: light(uint32(i + 1)), Parent: -1})
		require.NoError(t, err)
		out[i] = idx
	}
	return out
}

func TestNodeRef(t *testing.T) {
	r := MakeNodeRef(NodeTypeInstance, 42)
	assert.Equal(t, NodeTypeInstance, r.Type())
	assert.Equal(t, uint32(42), r.Index())
	assert.False(t, r.IsNull())
	assert.True(t, NodeRef(0).IsNull())
	assert.Equal(t, uint32(MaxNodeIndex), MakeNodeRef(NodeTypeBvh, math.MaxUint32).Index())

	assert.False(t, NodeTypeBvh.IsUser())
	assert.True(t, NodeTypeInstance.IsUser())
	assert.Equal(t, uint32(0), NodeTypeInstance.UserIndex())
	assert.Equal(t, "user3", NodeType(5).String())
}

func TestEmptyFrameRecordsNoDispatch(t *testing.T) {
	f := newFixture(t)
	m := newNodes(t, f, NodeConfig{})

	cmds := f.commitNodes(t, m, 1, 0)
	assert.Empty(t, dispatchesOf(cmds, pipelines.UploadData))
	assert.Equal(t, 1, countKind(cmds, soft.CmdClearBuffer))

	nodes, bvhs := m.Capacity()
	assert.Equal(t, uint32(DefaultNodeGrain), nodes)
	assert.Equal(t, uint32(DefaultBvhGrain), bvhs)
	data := soft.Bytes(m.Buffer())
	assert.Equal(t, nodes, u32At(data, 0))
	assert.Equal(t, bvhs, u32At(data, 4))

	cmds = f.commitNodes(t, m, 2, 1)
	assert.Empty(t, cmds)
}

func TestNodeRowsAreUploaded(t *testing.T) {
	f := newFixture(t)
	m := newNodes(t, f, NodeConfig{})

	parent, err := m.CreateNode(NodeDesc{Ref: light(1), Parent: -1})
	require.NoError(t, err)
	child, err := m.CreateNode(NodeDesc{
		Ref:         light(2),
		Parent:      int32(parent),
		ParentJoint: 3,
		Transform:   core.Transform{Rotation: mgl32.QuatIdent(), Translation: mgl32.Vec3{1, 2, 3}},
	})
	require.NoError(t, err)

	cmds := f.commitNodes(t, m, 5, 0)
	up := dispatchesOf(cmds, pipelines.UploadData)
	require.Len(t, up, 1)
	// Adjacent rows coalesce into one chunk.
	assert.Equal(t, [3]uint32{1, 1, 1}, up[0].Groups)

	data := soft.Bytes(m.Buffer())
	row := data[m.layout.nodeInfo(child):]
	assert.Equal(t, float32(1), math.Float32frombits(u32At(row, 12)))
	assert.Equal(t, float32(2), math.Float32frombits(u32At(row, 20)))
	assert.Equal(t, uint32(5), u32At(row, 28))
	assert.Equal(t, parent, u32At(row, 32))
	assert.Equal(t, uint32(3), u32At(row, 36))
	assert.Equal(t, uint32(light(1)), u32At(row, 40))
	assert.Equal(t, uint32(light(2)), u32At(row, 44))

	root := data[m.layout.nodeInfo(parent):]
	assert.Equal(t, uint32(math.MaxUint32), u32At(root, 32))
	assert.Equal(t, uint32(math.MaxUint32), u32At(root, 36))

	_, err = m.CreateNode(NodeDesc{Ref: light(1), Parent: -1})
	assert.ErrorIs(t, err, ErrInvalidUsage)
	_, err = m.CreateNode(NodeDesc{Ref: MakeNodeRef(NodeTypeBvh, 9), Parent: -1})
	assert.ErrorIs(t, err, ErrInvalidUsage)
	_, err = m.CreateNode(NodeDesc{Ref: light(3), Parent: 77})
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, m.UpdateNodeTransform(child, core.Transform{}), ErrInvalidUsage)
}

func TestNodeBufferGrowthKeepsRows(t *testing.T) {
	f := newFixture(t)
	m := newNodes(t, f, NodeConfig{NodeGrain: 4, BvhGrain: 4})

	first := createLights(t, m, 3)
	require.NoError(t, m.UpdateNodeTransform(first[0], core.Transform{Rotation: mgl32.QuatIdent(), Translation: mgl32.Vec3{7, 0, 0}}))
	f.commitNodes(t, m, 1, 0)
	old := m.Buffer()

	for i := range 4 {
		_, err := m.CreateNode(NodeDesc{Ref: light(uint32(10 + i)), Parent: -1})
		require.NoError(t, err)
	}
	cmds := f.commitNodes(t, m, 2, 1)
	assert.NotSame(t, old, m.Buffer())
	assert.Equal(t, 3, countKind(cmds, soft.CmdCopyBuffer)-1, "three region copies plus the header")

	nodes, _ := m.Capacity()
	assert.Equal(t, uint32(8), nodes)
	row := soft.Bytes(m.Buffer())[m.layout.nodeInfo(first[0]):]
	assert.Equal(t, float32(7), math.Float32frombits(u32At(row, 16)))
	assert.Equal(t, uint32(1), u32At(row, 28))
}

func TestAttachContinuesIntoChainedRows(t *testing.T) {
	f := newFixture(t)
	m := newNodes(t, f, NodeConfig{})

	bvh, err := m.CreateBvh(BvhDesc{Parent: -1})
	require.NoError(t, err)
	nodes := createLights(t, m, BvhChildCount+BvhChainChildCount+1)
	require.NoError(t, m.AttachNodesToBvh(bvh, nodes...))

	chain := m.ChainOf(bvh)
	require.Len(t, chain, 3)
	head, ok := m.BvhInfo(bvh)
	require.True(t, ok)
	assert.Len(t, head.Children, BvhChildCount)
	assert.Equal(t, chain[1], head.Chained)
	mid, _ := m.BvhInfo(chain[1])
	assert.True(t, mid.Chain)
	assert.Len(t, mid.Children, BvhChainChildCount)

	link, ok := m.HostLink(nodes[len(nodes)-1])
	require.True(t, ok)
	assert.Equal(t, chain[2], link.Parent)
	assert.Equal(t, uint32(0), link.ChildIndex)

	assert.ErrorIs(t, m.AttachNodesToBvh(chain[1], nodes[0]), ErrInvalidUsage)

	f.commitNodes(t, m, 1, 0)
	row := soft.Bytes(m.Buffer())[m.layout.bvhInfo(chain[1].Index()):]
	assert.Equal(t, chain[2].Index()|BvhChainChildCount<<24, u32At(row, 4))
	headRow := soft.Bytes(m.Buffer())[m.layout.bvhInfo(bvh.Index()):]
	assert.Equal(t, uint16(BvhChildCount), uint16(u32At(headRow, 16)>>16))
	assert.Equal(t, uint32(chain[1]), u32At(headRow, 20))
	assert.Equal(t, uint32(light(1)), u32At(headRow, 24))
}

func TestDetachSwapsLastChild(t *testing.T) {
	f := newFixture(t)
	m := newNodes(t, f, NodeConfig{})

	bvh, err := m.CreateBvh(BvhDesc{Parent: -1})
	require.NoError(t, err)
	n := createLights(t, m, 3)
	require.NoError(t, m.AttachNodesToBvh(bvh, n...))
	require.NoError(t, m.DetachNode(n[0]))

	info, _ := m.BvhInfo(bvh)
	assert.Equal(t, []NodeRef{light(3), light(2)}, info.Children)
	link, _ := m.HostLink(n[2])
	assert.Equal(t, uint32(0), link.ChildIndex)
	link, _ = m.HostLink(n[0])
	assert.True(t, link.Parent.IsNull())

	// Moving a node between BVHs detaches it first.
	other, err := m.CreateBvh(BvhDesc{Parent: -1})
	require.NoError(t, err)
	require.NoError(t, m.AttachNodesToBvh(other, n[1]))
	info, _ = m.BvhInfo(bvh)
	assert.Equal(t, []NodeRef{light(3)}, info.Children)
	link, _ = m.HostLink(n[1])
	assert.Equal(t, other, link.Parent)
}

func TestChainCompaction(t *testing.T) {
	f := newFixture(t)
	m := newNodes(t, f, NodeConfig{})

	bvh, err := m.CreateBvh(BvhDesc{Parent: -1})
	require.NoError(t, err)
	var nodes []uint32
	for i := range BvhChildCount + 4 {
		ref := light(uint32(i + 1))
		if i%2 == 0 {
			ref = MakeNodeRef(NodeTypeReflectionProbe, uint32(i+1))
		}
		idx, err := m.CreateNode(NodeDesc{Ref: ref, Parent: -1})
		require.NoError(t, err)
		nodes = append(nodes, idx)
	}
	require.NoError(t, m.AttachNodesToBvh(bvh, nodes...))
	require.Len(t, m.ChainOf(bvh), 2)
	f.commitNodes(t, m, 1, 0)

	for _, n := range nodes[:5] {
		require.NoError(t, m.DetachNode(n))
	}
	f.commitNodes(t, m, 2, 1)

	require.Len(t, m.ChainOf(bvh), 1)
	info, _ := m.BvhInfo(bvh)
	require.Len(t, info.Children, BvhChildCount-1)
	assert.True(t, info.Chained.IsNull())
	for i, c := range info.Children {
		if i > 0 {
			assert.LessOrEqual(t, info.Children[i-1].Type(), c.Type())
		}
		idx, ok := m.NodeIndex(c)
		require.True(t, ok)
		link, _ := m.HostLink(idx)
		assert.Equal(t, bvh, link.Parent)
		assert.Equal(t, uint32(i), link.ChildIndex)
	}
}

func TestAttachRejectsCycles(t *testing.T) {
	f := newFixture(t)
	m := newNodes(t, f, NodeConfig{})

	outer, err := m.CreateBvh(BvhDesc{Parent: -1})
	require.NoError(t, err)
	inner, err := m.CreateBvh(BvhDesc{Parent: -1})
	require.NoError(t, err)
	outerNode, _ := m.NodeIndex(outer)
	innerNode, _ := m.NodeIndex(inner)

	require.NoError(t, m.AttachNodesToBvh(outer, innerNode))
	assert.ErrorIs(t, m.AttachNodesToBvh(inner, outerNode), ErrInvalidUsage)
	assert.ErrorIs(t, m.AttachNodesToBvh(outer, outerNode), ErrInvalidUsage)
	assert.ErrorIs(t, m.AttachNodesToBvh(light(1), innerNode), ErrInvalidUsage)
}

func TestChildDepthPropagates(t *testing.T) {
	f := newFixture(t)
	m := newNodes(t, f, NodeConfig{})

	root, err := m.CreateBvh(BvhDesc{Parent: -1})
	require.NoError(t, err)
	mid, err := m.CreateBvh(BvhDesc{Parent: -1})
	require.NoError(t, err)
	rootNode, _ := m.NodeIndex(root)
	midNode, _ := m.NodeIndex(mid)
	leaf := createLights(t, m, 1)[0]

	require.NoError(t, m.AttachNodesToBvh(root, midNode))
	link, _ := m.HostLink(rootNode)
	assert.Equal(t, uint32(1), link.ChildDepth)

	require.NoError(t, m.AttachNodesToBvh(mid, leaf))
	link, _ = m.HostLink(midNode)
	assert.Equal(t, uint32(1), link.ChildDepth)
	link, _ = m.HostLink(rootNode)
	assert.Equal(t, uint32(2), link.ChildDepth)

	// Depth bounds only grow.
	require.NoError(t, m.DetachNode(leaf))
	link, _ = m.HostLink(rootNode)
	assert.Equal(t, uint32(2), link.ChildDepth)
}

func TestDestroyedIndicesRecycleAfterCompletion(t *testing.T) {
	f := newFixture(t)
	m := newNodes(t, f, NodeConfig{})

	first := createLights(t, m, 1)[0]
	f.commitNodes(t, m, 1, 0)
	require.NoError(t, m.DestroyNode(first))
	_, ok := m.NodeIndex(light(1))
	assert.False(t, ok)

	f.commitNodes(t, m, 2, 1)
	row := soft.Bytes(m.Buffer())[m.layout.nodeInfo(first):]
	assert.Equal(t, make([]byte, NodeInfoSize), row[:NodeInfoSize])

	second, err := m.CreateNode(NodeDesc{Ref: light(2), Parent: -1})
	require.NoError(t, err)
	assert.NotEqual(t, first, second)

	f.commitNodes(t, m, 3, 2)
	third, err := m.CreateNode(NodeDesc{Ref: light(3), Parent: -1})
	require.NoError(t, err)
	assert.Equal(t, first, third)
}

func TestDestroyBvhReleasesChildren(t *testing.T) {
	f := newFixture(t)
	m := newNodes(t, f, NodeConfig{})

	bvh, err := m.CreateBvh(BvhDesc{Parent: -1})
	require.NoError(t, err)
	nodes := createLights(t, m, BvhChildCount+1)
	require.NoError(t, m.AttachNodesToBvh(bvh, nodes...))
	bvhNode, _ := m.NodeIndex(bvh)

	require.NoError(t, m.DestroyNode(bvhNode))
	for _, n := range nodes {
		link, ok := m.HostLink(n)
		require.True(t, ok)
		assert.True(t, link.Parent.IsNull())
	}
	_, ok := m.BvhInfo(bvh)
	assert.False(t, ok)
	assert.ErrorIs(t, m.DestroyNode(bvhNode), ErrNotFound)
}

func TestTraverseBvhDispatchesEveryLayer(t *testing.T) {
	f := newFixture(t)
	m := newNodes(t, f, NodeConfig{})
	group := NewPassGroupBuffer(f.dev, f.pipes, PassGroupConfig{})
	t.Cleanup(group.Destroy)

	root, err := m.CreateBvh(BvhDesc{Parent: -1})
	require.NoError(t, err)
	mid, err := m.CreateBvh(BvhDesc{Parent: -1})
	require.NoError(t, err)
	midNode, _ := m.NodeIndex(mid)
	require.NoError(t, m.AttachNodesToBvh(root, midNode))
	require.NoError(t, m.AttachNodesToBvh(mid, createLights(t, m, 1)...))

	var fresh, appended []soft.Command
	f.record(t, func(ctx gfx.Context) {
		require.NoError(t, m.CommitUpdates(ctx, 1, 0))
		_, err := group.ResizeBuffer(ctx, PassGroupCapacity{Bvhs: 4})
		require.NoError(t, err)
		require.NoError(t, m.TraverseBvh(ctx, TraverseDesc{Group: group, Roots: []NodeRef{root}, FrameID: 1}))
		fresh = ctx.(*soft.Context).Recorded()
		require.NoError(t, m.TraverseBvh(ctx, TraverseDesc{Group: group, Roots: []NodeRef{mid}, FrameID: 1, Append: true}))
		appended = ctx.(*soft.Context).Recorded()[len(fresh):]
	})

	assert.Len(t, dispatchesOf(fresh, pipelines.InitBvhTraversal), 1)
	layers := dispatchesOf(fresh, pipelines.ProcessBvhLayer)
	require.Len(t, layers, 3)
	for i, l := range layers {
		assert.Equal(t, uint64(i%2)*DispatchArgsSize, l.Args.Offset-uint64(group.layout.bvhList))
	}
	assert.Len(t, dispatchesOf(fresh, pipelines.FinalizeBvhTraversal), 1)

	assert.Len(t, dispatchesOf(appended, pipelines.PrepareBvhTraversal), 1)
	assert.Len(t, dispatchesOf(appended, pipelines.ProcessBvhLayer), 3, "appended traversals keep the stored depth")

	f.record(t, func(ctx gfx.Context) {
		assert.NoError(t, m.TraverseBvh(ctx, TraverseDesc{Group: group}))
		assert.ErrorIs(t, m.TraverseBvh(ctx, TraverseDesc{Group: group, Roots: []NodeRef{light(1)}}), ErrInvalidUsage)
	})
}
