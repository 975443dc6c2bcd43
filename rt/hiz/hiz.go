// Package hiz builds a hierarchical depth pyramid from a depth image. The
// pyramid holds the nearest depth in R; occlusion tests sample it to
// reject bounding boxes hidden behind previously drawn geometry.
package hiz

import (
	"fmt"

	"github.com/gekko3d/scenert/rt/core"
	"github.com/gekko3d/scenert/rt/gfx"
	"github.com/gekko3d/scenert/rt/pipelines"
)

const (
	Format = gfx.FormatR16G16Float

	// MipsPerPass is the number of levels the first pass writes. The
	// second pass writes the remaining tail.
	MipsPerPass = 5
	// MaxMips bounds the pyramid; larger depth images are clamped.
	MaxMips = 15
)

type Config struct {
	Logger core.Logger
}

// Image owns the pyramid and is recreated whenever the depth image
// changes size.
type Image struct {
	dev   gfx.Device
	pipes *pipelines.Pipelines
	log   core.Logger

	image   gfx.Image
	extent  gfx.Extent3D
	layers  uint32
	mips    uint32
	counter gfx.Buffer
}

func New(dev gfx.Device, pipes *pipelines.Pipelines, cfg Config) *Image {
	return &Image{dev: dev, pipes: pipes, log: core.ForComponent(cfg.Logger, "hiz")}
}

// Image returns the pyramid, or nil before the first Generate.
func (h *Image) Image() gfx.Image { return h.image }

func (h *Image) MipCount() uint32 { return h.mips }

func (h *Image) Extent() gfx.Extent3D { return h.extent }

// View describes the whole pyramid for sampling.
func (h *Image) View() gfx.ImageViewDesc {
	return gfx.ImageViewDesc{
		Type:   gfx.ViewType2DArray,
		Format: Format,
		Range:  gfx.ImageRange{Aspect: gfx.AspectColor, MipCount: h.mips, LayerCount: h.layers},
		Usage:  gfx.UsageShaderResource,
	}
}

// MipCountFor is log2 of the larger side plus one, clamped to MaxMips.
func MipCountFor(e gfx.Extent3D) uint32 {
	return min(core.Log2(max(e.Width, e.Height, 1))+1, MaxMips)
}

func (h *Image) resize(ctx gfx.Context, depth gfx.ImageDesc) error {
	extent := gfx.Extent3D{Width: depth.Extent.Width, Height: depth.Extent.Height, Depth: 1}
	layers := max(depth.LayerCount, 1)
	if h.image != nil && extent == h.extent && layers == h.layers {
		return nil
	}
	if h.image != nil {
		ctx.TrackObject(h.image)
		ctx.TrackObject(h.counter)
		h.image, h.counter = nil, nil
	}

	mips := MipCountFor(extent)
	img, err := h.dev.CreateImage(gfx.ImageDesc{
		Name:       "hiz",
		Format:     Format,
		Extent:     extent,
		MipCount:   mips,
		LayerCount: layers,
		Usage:      gfx.UsageShaderResource | gfx.UsageUnorderedAccess,
	})
	if err != nil {
		return fmt.Errorf("hiz: create image: %w", err)
	}
	// One completion counter per layer and pass.
	counter, err := h.dev.CreateBuffer(gfx.BufferDesc{
		Name:   "hiz.counter",
		Size:   uint64(layers) * 2 * 4,
		Usage:  gfx.UsageUnorderedAccess | gfx.UsageDeviceAddress | gfx.UsageTransferDst,
		Memory: gfx.MemoryDefault,
	})
	if err != nil {
		img.Destroy()
		return fmt.Errorf("hiz: create counter: %w", err)
	}
	h.image, h.counter = img, counter
	h.extent, h.layers, h.mips = extent, layers, mips
	h.log.Debugf("%dx%dx%d with %d mips", extent.Width, extent.Height, layers, mips)
	return nil
}

func (h *Image) mipView(mip uint32, usage gfx.Usage) gfx.Descriptor {
	return gfx.ImageViewDescriptor(h.image, gfx.ImageViewDesc{
		Type:   gfx.ViewType2DArray,
		Format: Format,
		Range:  gfx.ImageRange{Aspect: gfx.AspectColor, BaseMip: mip, MipCount: 1, LayerCount: h.layers},
		Usage:  usage,
	})
}

// Generate rebuilds the pyramid from depth, which must be readable as a
// shader resource. On return every level is in the ShaderResource state.
func (h *Image) Generate(ctx gfx.Context, depth gfx.Image) error {
	desc := depth.Desc()
	if err := h.resize(ctx, desc); err != nil {
		return err
	}
	ctx.BeginDebugLabel("hiz")
	defer ctx.EndDebugLabel()

	full := gfx.FullImageRange(h.image)
	ctx.ClearBuffer(h.counter, 0, h.counter.Desc().Size, 0)
	ctx.MemoryBarrier(gfx.StageTransfer, gfx.AccessTransferWrite, gfx.StageComputeShader, gfx.AccessShaderRead|gfx.AccessShaderWrite)
	ctx.ImageBarrier(h.image, full, gfx.UsageShaderResource, gfx.UsageUnorderedAccess, gfx.BarrierDiscard)

	// Depth is read through an R, R, 0, 1 swizzle so both passes sample a
	// two channel source.
	src := gfx.ImageViewDescriptor(depth, gfx.ImageViewDesc{
		Type:    gfx.ViewType2DArray,
		Format:  desc.Format,
		Range:   gfx.ImageRange{Aspect: gfx.AspectDepth, MipCount: 1, LayerCount: h.layers},
		Swizzle: [4]gfx.ComponentSwizzle{gfx.SwizzleR, gfx.SwizzleR, gfx.SwizzleZero, gfx.SwizzleOne},
		Usage:   gfx.UsageShaderResource,
	})
	first := min(h.mips, MipsPerPass)
	h.pass(ctx, src, h.extent, 0, 0, first, 0)

	if h.mips > first {
		last := gfx.ImageRange{Aspect: gfx.AspectColor, BaseMip: first - 1, MipCount: 1, LayerCount: h.layers}
		ctx.ImageBarrier(h.image, last, gfx.UsageUnorderedAccess, gfx.UsageShaderResource, 0)
		h.pass(ctx, h.mipView(first-1, gfx.UsageShaderResource), h.extent.MipExtent(first-1), first-1, first, h.mips-first, 1)

		head := gfx.ImageRange{Aspect: gfx.AspectColor, MipCount: first - 1, LayerCount: h.layers}
		tail := gfx.ImageRange{Aspect: gfx.AspectColor, BaseMip: first, MipCount: h.mips - first, LayerCount: h.layers}
		ctx.ImageBarrier(h.image, head, gfx.UsageUnorderedAccess, gfx.UsageShaderResource, 0)
		ctx.ImageBarrier(h.image, tail, gfx.UsageUnorderedAccess, gfx.UsageShaderResource, 0)
		return nil
	}
	ctx.ImageBarrier(h.image, full, gfx.UsageUnorderedAccess, gfx.UsageShaderResource, 0)
	return nil
}

// pass writes count levels starting at dstMip from src, a single level
// view of the given extent.
func (h *Image) pass(ctx gfx.Context, src gfx.Descriptor, extent gfx.Extent3D, srcMip, dstMip, count, index uint32) {
	views := make([]gfx.Descriptor, 0, count+1)
	views = append(views, src)
	for m := range count {
		views = append(views, h.mipView(dstMip+m, gfx.UsageUnorderedAccess))
	}
	h.pipes.GenerateHizImage(ctx, pipelines.CommonGenerateHizImageArgs{
		SrcExtent:      [2]uint32{extent.Width, extent.Height},
		DstMipCount:    count,
		SrcMip:         srcMip,
		CounterAddress: h.counter.GPUAddress() + uint64(index*h.layers)*4,
	}, views, h.layers)
}

// TestOcclusion draws the bounding boxes listed in indirect against the
// pyramid, which is bound at set 0, binding 0. It does nothing before the
// first Generate.
func (h *Image) TestOcclusion(ctx gfx.Context, args pipelines.OcclusionTestArgs, indirect gfx.BufferSlice) {
	if h.image == nil || indirect.IsNull() {
		return
	}
	ctx.BeginDebugLabel("occlusionTest")
	defer ctx.EndDebugLabel()
	ctx.BeginRendering(gfx.RenderingDesc{Area: h.extent})
	ctx.BindDescriptor(0, 0, gfx.ImageViewDescriptor(h.image, h.View()))
	h.pipes.OcclusionTest(ctx, args, indirect)
	ctx.EndRendering()
}

// Destroy releases the pyramid immediately. The device must be idle.
func (h *Image) Destroy() {
	if h.image != nil {
		h.image.Destroy()
		h.counter.Destroy()
		h.image, h.counter = nil, nil
	}
}
