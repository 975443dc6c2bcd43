package scene

import (
	"encoding/binary"
	"fmt"

	"github.com/gekko3d/scenert/rt/gfx"
	"github.com/gekko3d/scenert/rt/pipelines"
)

// TraverseDesc selects the roots one traversal starts from.
type TraverseDesc struct {
	Group           *PassGroupBuffer
	PassInfoAddress uint64
	Roots           []NodeRef
	FrameID         uint64
	// Append adds the roots to a traversal already recorded for Group
	// this frame instead of starting a fresh one.
	Append bool
}

// TraverseBvh records one processBvhLayer dispatch per BVH layer. The layer
// count is bounded by the deepest root's childDepth; appended traversals
// reuse the bound stored for the pass group.
func (m *NodeManager) TraverseBvh(ctx gfx.Context, desc TraverseDesc) error {
	if len(desc.Roots) == 0 {
		return nil
	}
	groupAddress := desc.Group.GpuAddress()
	if groupAddress == 0 {
		return fmt.Errorf("%w: pass group has no buffer", ErrInvalidUsage)
	}

	m.mu.Lock()
	if m.buffer == nil {
		m.mu.Unlock()
		return fmt.Errorf("%w: traversal before the first commit", ErrInvalidUsage)
	}
	var depth uint32
	roots := make([]byte, 4*len(desc.Roots))
	for i, r := range desc.Roots {
		if r.Type() != NodeTypeBvh {
			m.mu.Unlock()
			return fmt.Errorf("%w: root %s is not a bvh", ErrInvalidUsage, r)
		}
		if n, ok := m.byRef[r]; ok {
			depth = max(depth, m.nodes.Ref(n).link.ChildDepth)
		}
		binary.LittleEndian.PutUint32(roots[4*i:], uint32(r))
	}
	if desc.Append {
		depth = max(depth, m.traversals[groupAddress])
	}
	m.traversals[groupAddress] = depth
	nodeAddress := m.buffer.GPUAddress()
	m.mu.Unlock()

	rootSlice, err := ctx.WriteScratch(roots)
	if err != nil {
		return fmt.Errorf("scene: traversal roots: %w", err)
	}
	args := pipelines.TraverseBvhArgs{
		NodeBufferAddress: nodeAddress,
		PassGroupAddress:  groupAddress,
		PassInfoAddress:   desc.PassInfoAddress,
		RootAddress:       rootSlice.GPUAddress(),
		RootCount:         uint32(len(desc.Roots)),
		FrameID:           uint32(desc.FrameID),
	}

	ctx.BeginDebugLabel("traverseBvh")
	defer ctx.EndDebugLabel()
	if desc.Append {
		args.Flags = pipelines.TraverseAppend
		m.pipes.PrepareBvhTraversal(ctx, args)
	} else {
		m.pipes.InitBvhTraversal(ctx, args)
	}
	flags := args.Flags
	for layer := range depth + 1 {
		computeToCompute(ctx)
		args.Layer = layer
		args.Flags = flags | pipelines.TraverseResetCounters
		m.pipes.ProcessBvhLayer(ctx, args, desc.Group.BvhDispatchArgs(layer))
	}
	computeToCompute(ctx)
	args.Flags = flags
	m.pipes.FinalizeBvhTraversal(ctx, args)
	return nil
}
