package asset

import (
	"github.com/gekko3d/scenert/rt/core"
	"github.com/gekko3d/scenert/rt/gfx"
	"github.com/gekko3d/scenert/rt/transfer"
)

// Iface is the part of the manager an asset implementation may use.
type Iface struct {
	m      *Manager
	handle Handle
}

func (i *Iface) Handle() Handle { return i.handle }

func (i *Iface) Device() gfx.Device { return i.m.dev }

func (i *Iface) Transfer() *transfer.Manager { return i.m.xfer }

func (i *Iface) Logger() core.Logger { return i.m.log }

// FrameID is the frame currently being recorded.
func (i *Iface) FrameID() uint64 { return i.m.frameID.Load() }

// CreateTextureDescriptor returns a texture slot, or 0 when exhausted.
func (i *Iface) CreateTextureDescriptor(img gfx.Image, view gfx.ImageViewDesc) uint32 {
	return i.m.textures.Create(gfx.ImageViewDescriptor(img, view), i.m.lastCompleted.Load())
}

func (i *Iface) CreateSamplerDescriptor(s gfx.Sampler) uint32 {
	return i.m.samplers.Create(gfx.SamplerDescriptor(s), i.m.lastCompleted.Load())
}

func (i *Iface) FreeTextureDescriptor(index uint32) {
	i.m.textures.Free(index, i.FrameID())
}

func (i *Iface) FreeSamplerDescriptor(index uint32) {
	i.m.samplers.Free(index, i.FrameID())
}

// Release destroys obj once the current frame has completed.
func (i *Iface) Release(obj gfx.Destroyer) {
	i.m.release(obj)
}
