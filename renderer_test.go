package scenert

import (
	"context"
	"testing"

	"github.com/gekko3d/scenert/rt/core"
	"github.com/gekko3d/scenert/rt/gfx"
	"github.com/gekko3d/scenert/rt/gfx/soft"
	"github.com/gekko3d/scenert/rt/pipelines"
	"github.com/gekko3d/scenert/rt/scene"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRenderer(t *testing.T, opts ...Option) (*Renderer, *soft.Device) {
	t.Helper()
	dev := soft.New()
	opts = append([]Option{WithShaderSource(pipelines.NoShaders{}), WithJobWorkers(2)}, opts...)
	r, err := New(dev, opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, r.Close())
		dev.Close()
	})
	return r, dev
}

func depthImage(t *testing.T, dev *soft.Device) gfx.Image {
	t.Helper()
	img, err := dev.CreateImage(gfx.ImageDesc{
		Name:       "depth",
		Format:     gfx.FormatD32,
		Extent:     gfx.Extent3D{Width: 64, Height: 64, Depth: 1},
		MipCount:   1,
		LayerCount: 1,
		Usage:      gfx.UsageDepthStencil | gfx.UsageShaderResource,
	})
	require.NoError(t, err)
	t.Cleanup(img.Destroy)
	return img
}

func TestNewRequiresShaders(t *testing.T) {
	dev := soft.New()
	defer dev.Close()
	_, err := New(dev)
	assert.ErrorIs(t, err, ErrNoShaders)
}

func TestConfigDefaults(t *testing.T) {
	c := newConfig([]Option{WithAssetBudget(1 << 20), WithDescriptorCapacity(8, 4), WithStagingSize(1 << 16)})
	assert.Equal(t, DefaultFramesInFlight, c.FramesInFlight)
	assert.NotNil(t, c.Logger)

	ac := c.assetConfig()
	assert.Equal(t, uint64(1<<20), ac.Budget)
	assert.Equal(t, uint32(8), ac.TextureDescriptors)
	assert.Equal(t, uint32(4), ac.SamplerDescriptors)
	assert.Equal(t, DefaultFramesInFlight, ac.FeedbackFrames)
	assert.Equal(t, uint64(1<<16), c.transferConfig().StagingSize)
}

func TestEmptyFrames(t *testing.T) {
	r, dev := newRenderer(t, WithFramesInFlight(2))

	for range 5 {
		require.NoError(t, r.Frame(context.Background(), FrameTarget{}))
	}
	require.NoError(t, dev.WaitIdle())
	assert.Equal(t, uint64(5), r.FrameID())
	assert.Equal(t, uint64(5), r.LastCompletedFrameID())

	for _, p := range []string{pipelines.UploadData, pipelines.UpdateInstanceNodes, pipelines.ProcessBvhLayer, pipelines.UpdateAssetList} {
		assert.Empty(t, dev.Dispatches(p), p)
	}
}

func TestFrameDrawsStaticInstance(t *testing.T) {
	r, dev := newRenderer(t)

	pass, err := r.Passes().CreateRenderPass(scene.DefaultRenderPass())
	require.NoError(t, err)
	material, err := r.Materials().CreateMaterial(scene.MaterialDesc{
		Name:        "opaque",
		Shaders:     []scene.MaterialShader{{PassTypes: 1 << 0}},
		DepthFormat: gfx.FormatD32,
	})
	require.NoError(t, err)

	root, err := r.Nodes().CreateBvh(scene.BvhDesc{Parent: -1, ParentJoint: -1, Transform: core.IdentityTransform()})
	require.NoError(t, err)
	ref, err := r.Instances().CreateInstance(scene.InstanceDesc{
		Parent:      -1,
		ParentJoint: -1,
		Transform:   core.IdentityTransform(),
		Flags:       scene.InstanceStatic,
		Draws:       []scene.InstanceDrawDesc{{Material: material, ParameterSize: 16}},
	})
	require.NoError(t, err)
	node, err := r.Instances().Node(ref)
	require.NoError(t, err)
	require.NoError(t, r.Nodes().AttachNodesToBvh(root, node))
	require.NoError(t, r.Instances().AllocateGpuBuffer(ref))

	group, err := r.CreatePassGroup("main", []uint16{pass})
	require.NoError(t, err)
	group.SetRoots(root)
	group.SetPassTypes(0)

	require.NoError(t, r.Frame(context.Background(), FrameTarget{Depth: depthImage(t, dev), Area: gfx.Extent3D{Width: 64, Height: 64, Depth: 1}}))
	require.NoError(t, dev.WaitIdle())

	assert.True(t, r.Instances().Resident(ref))
	assert.Equal(t, uint32(1), r.Materials().DrawCount(material))
	assert.Len(t, dev.Dispatches(pipelines.InitPassGroup), 1)
	assert.NotEmpty(t, dev.Dispatches(pipelines.ProcessBvhLayer))
	assert.Len(t, dev.Dispatches(pipelines.GenerateDrawList), 1)
	assert.NotEmpty(t, dev.Dispatches(pipelines.GenerateHizImage))

	var draws, occlusion int
	for _, c := range dev.Commands() {
		if c.Kind != soft.CmdDrawMeshIndirect {
			continue
		}
		switch c.Pipeline {
		case "opaque.0":
			draws++
			assert.Equal(t, group.Draws().DrawParams(material), c.Args)
		case pipelines.OcclusionTest:
			occlusion++
		}
	}
	assert.Equal(t, 1, draws)
	assert.Equal(t, 1, occlusion)
	assert.Equal(t, uint32(1), group.passMask())
}

func TestFailedFrameKeepsTimelineMoving(t *testing.T) {
	r, dev := newRenderer(t)

	group, err := r.CreatePassGroup("broken", nil)
	require.NoError(t, err)
	group.SetRoots(scene.MakeNodeRef(scene.NodeTypeLight, 1))

	err = r.Frame(context.Background(), FrameTarget{})
	assert.ErrorIs(t, err, scene.ErrInvalidUsage)
	require.NoError(t, dev.WaitIdle())
	assert.Equal(t, uint64(1), r.LastCompletedFrameID())

	require.NoError(t, r.DestroyPassGroup(group))
	assert.ErrorIs(t, r.DestroyPassGroup(group), scene.ErrNotFound)
	require.NoError(t, r.Frame(context.Background(), FrameTarget{}))
	require.NoError(t, dev.WaitIdle())
	assert.Equal(t, uint64(2), r.LastCompletedFrameID())
}

func TestFrameWithBusyContextStillSignals(t *testing.T) {
	r, dev := newRenderer(t)

	// Frame 1 reuses contexts[1]; holding it open makes Begin fail.
	busy := r.contexts[1]
	require.NoError(t, busy.Begin())

	err := r.Frame(context.Background(), FrameTarget{})
	require.Error(t, err)
	require.NoError(t, dev.WaitIdle())
	assert.Equal(t, uint64(1), r.LastCompletedFrameID())

	require.NoError(t, busy.End())
	for i := 0; i < 3; i++ {
		require.NoError(t, r.Frame(context.Background(), FrameTarget{}))
	}
	require.NoError(t, dev.WaitIdle())
	assert.Equal(t, uint64(4), r.LastCompletedFrameID())
}

func TestFrameAfterClose(t *testing.T) {
	dev := soft.New()
	defer dev.Close()
	r, err := New(dev, WithShaderSource(pipelines.NoShaders{}), WithJobWorkers(1))
	require.NoError(t, err)
	require.NoError(t, r.Close())
	require.NoError(t, r.Close())
	assert.ErrorIs(t, r.Frame(context.Background(), FrameTarget{}), ErrClosed)
}
