// Package scenert wires the scene runtime into a frame loop: it owns the
// scene, asset and transfer managers and records one frame per call to
// Renderer.Frame on a ring of graphics contexts paced by a frame timeline.
package scenert

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/gekko3d/scenert/rt/asset"
	"github.com/gekko3d/scenert/rt/core"
	"github.com/gekko3d/scenert/rt/gfx"
	"github.com/gekko3d/scenert/rt/hiz"
	"github.com/gekko3d/scenert/rt/job"
	"github.com/gekko3d/scenert/rt/pipelines"
	"github.com/gekko3d/scenert/rt/scene"
	"github.com/gekko3d/scenert/rt/transfer"
)

var (
	ErrNoShaders = errors.New("scenert: no shader source configured")
	ErrClosed    = errors.New("scenert: renderer closed")
)

// FrameTarget holds the attachments draws are rendered into. Frames without
// a depth image run the scene update only.
type FrameTarget struct {
	Color []gfx.Image
	Depth gfx.Image
	Area  gfx.Extent3D
}

type Renderer struct {
	dev gfx.Device
	cfg Config
	log core.Logger

	jobs      *job.System
	pipes     *pipelines.Pipelines
	xfer      *transfer.Manager
	assets    *asset.Manager
	nodes     *scene.NodeManager
	instances *scene.InstanceManager
	passes    *scene.PassManager
	materials *scene.MaterialManager
	hiz       *hiz.Image

	timeline gfx.Semaphore
	contexts []gfx.Context
	frameID  uint64

	mu     sync.Mutex
	groups []*PassGroup
	closed bool
}

// New creates every manager on dev. A shader source is required.
func New(dev gfx.Device, opts ...Option) (*Renderer, error) {
	cfg := newConfig(opts)
	if cfg.Shaders == nil {
		return nil, ErrNoShaders
	}
	r := &Renderer{dev: dev, cfg: cfg, log: core.ForComponent(cfg.Logger, "renderer")}
	if err := r.init(); err != nil {
		r.release()
		return nil, err
	}
	r.log.Infof("ready, %d frames in flight, %d job workers", cfg.FramesInFlight, r.jobs.Workers())
	return r, nil
}

func (r *Renderer) init() error {
	var err error
	r.jobs = job.NewSystem(r.cfg.JobWorkers)
	if r.pipes, err = pipelines.New(r.dev, r.cfg.Shaders, r.cfg.Logger); err != nil {
		return fmt.Errorf("scenert: pipelines: %w", err)
	}
	if r.xfer, err = transfer.New(r.dev, r.cfg.transferConfig()); err != nil {
		return fmt.Errorf("scenert: transfer: %w", err)
	}
	ac := r.cfg.assetConfig()
	ac.Jobs = r.jobs
	if r.assets, err = asset.New(r.dev, r.xfer, r.pipes, ac); err != nil {
		return fmt.Errorf("scenert: assets: %w", err)
	}
	r.nodes = scene.NewNodeManager(r.dev, r.pipes, scene.NodeConfig{Logger: r.cfg.Logger})
	r.materials = scene.NewMaterialManager(r.dev, scene.MaterialConfig{Logger: r.cfg.Logger})
	r.instances = scene.NewInstanceManager(r.dev, r.pipes, r.nodes, r.materials, scene.InstanceConfig{Logger: r.cfg.Logger})
	r.passes = scene.NewPassManager(r.dev, r.pipes, scene.PassConfig{Logger: r.cfg.Logger})
	r.hiz = hiz.New(r.dev, r.pipes, hiz.Config{Logger: r.cfg.Logger})

	if r.timeline, err = r.dev.CreateSemaphore(gfx.SemaphoreDesc{Name: "scenert.frames"}); err != nil {
		return fmt.Errorf("scenert: frame timeline: %w", err)
	}
	for range r.cfg.FramesInFlight {
		ctx, err := r.dev.CreateContext(gfx.QueueGraphics)
		if err != nil {
			return fmt.Errorf("scenert: frame context: %w", err)
		}
		r.contexts = append(r.contexts, ctx)
	}
	return nil
}

func (r *Renderer) Nodes() *scene.NodeManager         { return r.nodes }
func (r *Renderer) Instances() *scene.InstanceManager { return r.instances }
func (r *Renderer) Passes() *scene.PassManager        { return r.passes }
func (r *Renderer) Materials() *scene.MaterialManager { return r.materials }
func (r *Renderer) Assets() *asset.Manager            { return r.assets }
func (r *Renderer) Transfer() *transfer.Manager       { return r.xfer }
func (r *Renderer) Jobs() *job.System                 { return r.jobs }
func (r *Renderer) Pipelines() *pipelines.Pipelines   { return r.pipes }
func (r *Renderer) HiZ() *hiz.Image                   { return r.hiz }

// FrameID is the id of the last frame recorded.
func (r *Renderer) FrameID() uint64 { return r.frameID }

// LastCompletedFrameID is the newest frame the GPU has finished.
func (r *Renderer) LastCompletedFrameID() uint64 { return r.timeline.Value() }

// Frame records and submits the next frame. It blocks while the context it
// reuses is still in flight. A frame that fails to record is submitted
// empty so the timeline keeps advancing.
func (r *Renderer) Frame(ctx context.Context, target FrameTarget) error {
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return ErrClosed
	}

	frameID := r.frameID + 1
	inFlight := uint64(len(r.contexts))
	if frameID > inFlight {
		if err := r.timeline.Wait(ctx, frameID-inFlight); err != nil {
			return fmt.Errorf("scenert: wait for frame %d: %w", frameID-inFlight, err)
		}
	}
	r.frameID = frameID
	last := r.timeline.Value()

	gctx := r.contexts[frameID%inFlight]
	recordErr := gctx.Begin()
	if recordErr == nil {
		recordErr = r.record(gctx, frameID, last, target)
		if err := gctx.End(); err != nil && recordErr == nil {
			recordErr = err
		}
	} else {
		recordErr = fmt.Errorf("scenert: begin frame %d: %w", frameID, recordErr)
	}

	submit := gfx.SubmitDesc{Signal: []gfx.SemaphoreValue{{Semaphore: r.timeline, Value: frameID}}}
	if recordErr == nil {
		submit.Contexts = []gfx.Context{gctx}
	} else {
		r.log.Errorf("frame %d dropped: %v", frameID, recordErr)
	}
	if err := r.dev.Submit(submit); err != nil {
		// Nothing queued will signal frameID; advance it from the host.
		_ = r.timeline.Signal(frameID)
		return errors.Join(recordErr, fmt.Errorf("scenert: submit frame %d: %w", frameID, err))
	}
	return recordErr
}

func (r *Renderer) record(ctx gfx.Context, frameID, last uint64, target FrameTarget) error {
	ctx.BeginDebugLabel(fmt.Sprintf("frame %d", frameID))
	defer ctx.EndDebugLabel()

	r.materials.CommitUpdates(frameID, last)
	if err := r.passes.CommitUpdates(ctx, frameID); err != nil {
		return err
	}
	if err := r.instances.CommitUpdates(ctx, frameID, last); err != nil {
		return err
	}
	if err := r.nodes.CommitUpdates(ctx, frameID, last); err != nil {
		return err
	}
	r.passes.ProcessPasses(ctx, r.nodes.GpuAddress(), frameID)

	groups := r.passGroups()
	for _, g := range groups {
		if err := r.processGroup(ctx, g, frameID); err != nil {
			return fmt.Errorf("scenert: pass group %q: %w", g.name, err)
		}
	}

	if target.Depth != nil {
		ctx.BeginRendering(gfx.RenderingDesc{Color: target.Color, Depth: target.Depth, Area: target.Area, ClearDepth: true})
		for _, g := range groups {
			for _, pt := range g.PassTypes() {
				r.materials.DispatchDraws(ctx, pt, []*scene.DrawBuffer{g.draws})
			}
		}
		ctx.EndRendering()

		ctx.ImageBarrier(target.Depth, gfx.FullImageRange(target.Depth), gfx.UsageDepthStencil, gfx.UsageShaderResource, 0)
		if err := r.hiz.Generate(ctx, target.Depth); err != nil {
			return fmt.Errorf("scenert: hiz: %w", err)
		}
		for _, g := range groups {
			r.hiz.TestOcclusion(ctx, pipelines.OcclusionTestArgs{
				PassGroupAddress:  g.buffer.GpuAddress(),
				PassInfoAddress:   r.passes.GpuAddress(),
				NodeBufferAddress: r.nodes.GpuAddress(),
				FrameID:           uint32(frameID),
			}, g.buffer.BvhDispatchArgs(0))
		}
		ctx.ImageBarrier(target.Depth, gfx.FullImageRange(target.Depth), gfx.UsageShaderResource, gfx.UsageDepthStencil, 0)
	}

	if err := r.assets.ProcessFeedback(frameID, last); err != nil {
		return err
	}
	return r.assets.CommitUpdates(ctx, frameID, last)
}

// processGroup sizes the group for the current scene, traverses it and
// generates its draws.
func (r *Renderer) processGroup(ctx gfx.Context, g *PassGroup, frameID uint64) error {
	var c scene.PassGroupCapacity
	_, c.Bvhs = r.nodes.Capacity()
	c.Nodes[scene.NodeTypeInstance.UserIndex()] = r.instances.Capacity()
	if _, err := g.buffer.ResizeBuffer(ctx, c); err != nil {
		return err
	}
	if err := g.buffer.CommitUpdates(ctx, r.passes.GpuAddress(), frameID); err != nil {
		return err
	}
	err := r.nodes.TraverseBvh(ctx, scene.TraverseDesc{
		Group:           g.buffer,
		PassInfoAddress: r.passes.GpuAddress(),
		Roots:           g.Roots(),
		FrameID:         frameID,
	})
	if err != nil {
		return err
	}
	r.instances.ProcessPassGroupAnimations(ctx, g.buffer, frameID)
	r.instances.ProcessPassGroupInstances(ctx, g.buffer, r.nodes.GpuAddress(), frameID)
	if err := r.materials.UpdateDrawBuffer(ctx, g.draws, 0); err != nil {
		return err
	}
	g.draws.GenerateDraws(ctx, scene.GenerateDrawsDesc{
		Group:     g.buffer,
		Instances: r.instances,
		FrameID:   frameID,
		PassMask:  g.passMask(),
	})
	return nil
}

// Close waits for the GPU and releases everything the renderer owns.
func (r *Renderer) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	err := r.dev.WaitIdle()
	return errors.Join(err, r.release())
}

func (r *Renderer) release() error {
	var errs []error
	r.mu.Lock()
	for _, g := range r.groups {
		g.destroy()
	}
	r.groups = nil
	r.mu.Unlock()
	if r.assets != nil {
		errs = append(errs, r.assets.Close())
	}
	if r.xfer != nil {
		errs = append(errs, r.xfer.Close())
	}
	if r.hiz != nil {
		r.hiz.Destroy()
	}
	if r.instances != nil {
		r.instances.Destroy()
	}
	if r.materials != nil {
		r.materials.Destroy()
	}
	if r.passes != nil {
		r.passes.Destroy()
	}
	if r.nodes != nil {
		r.nodes.Destroy()
	}
	if r.pipes != nil {
		r.pipes.Destroy()
	}
	if r.timeline != nil {
		r.timeline.Destroy()
	}
	if r.jobs != nil {
		r.jobs.Close()
	}
	return errors.Join(errs...)
}
