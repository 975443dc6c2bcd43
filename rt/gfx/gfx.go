// Package gfx is the graphics backend surface the scene runtime is written
// against. Objects are opaque; the runtime only relies on buffer device
// addresses, timeline semaphores, indirect compute and indirect mesh
// draws.
package gfx

import (
	"context"
	"errors"
)

var (
	ErrOutOfMemory   = errors.New("gfx: out of memory")
	ErrDeviceLost    = errors.New("gfx: device lost")
	ErrUnsupported   = errors.New("gfx: unsupported")
	ErrInvalidHandle = errors.New("gfx: invalid handle")
)

// Destroyer is anything the backend can release. Contexts use it to defer
// destruction until submitted work completes.
type Destroyer interface {
	Destroy()
}

type Buffer interface {
	Destroyer
	ID() Handle
	Desc() BufferDesc
	// Map returns host memory for host visible buffers, nil otherwise.
	Map() []byte
	// GPUAddress is the device address of the first byte.
	GPUAddress() uint64
}

type Image interface {
	Destroyer
	ID() Handle
	Desc() ImageDesc
}

type Sampler interface {
	Destroyer
	ID() Handle
	Desc() SamplerDesc
}

// Semaphore is a timeline semaphore.
type Semaphore interface {
	Destroyer
	ID() Handle
	Value() uint64
	Wait(ctx context.Context, value uint64) error
	Signal(value uint64) error
}

type Pipeline interface {
	Destroyer
	ID() Handle
	Name() string
}

type ComputePipeline interface {
	Pipeline
	WorkgroupSize() [3]uint32
}

type GraphicsPipeline interface {
	Pipeline
	Desc() GraphicsPipelineDesc
}

type RenderState interface {
	Destroyer
	ID() Handle
	Desc() RenderStateDesc
}

type DescriptorKind int

const (
	DescriptorNone DescriptorKind = iota
	DescriptorBuffer
	DescriptorImageView
	DescriptorSampler
)

// Descriptor is a view of a resource bound to a shader slot.
type Descriptor struct {
	Kind    DescriptorKind
	Buffer  BufferSlice
	Image   Image
	View    ImageViewDesc
	Sampler Sampler
}

func BufferDescriptor(s BufferSlice) Descriptor {
	return Descriptor{Kind: DescriptorBuffer, Buffer: s}
}

func ImageViewDescriptor(img Image, view ImageViewDesc) Descriptor {
	return Descriptor{Kind: DescriptorImageView, Image: img, View: view}
}

func SamplerDescriptor(s Sampler) Descriptor {
	return Descriptor{Kind: DescriptorSampler, Sampler: s}
}

// DescriptorArray is a bindless descriptor table.
type DescriptorArray interface {
	Destroyer
	ID() Handle
	Size() uint32
	Set(index uint32, d Descriptor)
	Get(index uint32) Descriptor
}

// BufferSlice is a byte range of a buffer.
type BufferSlice struct {
	Buffer Buffer
	Offset uint64
	Size   uint64
}

func WholeBuffer(b Buffer) BufferSlice {
	return BufferSlice{Buffer: b, Size: b.Desc().Size}
}

func (s BufferSlice) IsNull() bool { return s.Buffer == nil }

// GPUAddress returns the device address of the slice start, or 0.
func (s BufferSlice) GPUAddress() uint64 {
	if s.Buffer == nil {
		return 0
	}
	return s.Buffer.GPUAddress() + s.Offset
}

// Sub returns a sub range relative to s.
func (s BufferSlice) Sub(offset, size uint64) BufferSlice {
	return BufferSlice{Buffer: s.Buffer, Offset: s.Offset + offset, Size: size}
}

// Scratch is transient host visible memory owned by a context. It stays
// valid until the context is begun again.
type Scratch struct {
	BufferSlice
	Data []byte
}

// Context records commands for one queue.
type Context interface {
	Queue() Queue
	Begin() error
	End() error

	BeginDebugLabel(name string)
	EndDebugLabel()

	BindPipeline(p Pipeline)
	BindDescriptor(set, binding uint32, d Descriptor)
	BindDescriptors(set uint32, ds []Descriptor)
	BindDescriptorArray(set uint32, a DescriptorArray)
	BindRenderState(rs RenderState)
	SetShaderConstants(data []byte)

	Dispatch(x, y, z uint32)
	DispatchIndirect(args BufferSlice)
	DrawMesh(x, y, z uint32)
	DrawMeshIndirect(args BufferSlice, drawCount uint32)

	BeginRendering(desc RenderingDesc)
	EndRendering()

	ImageBarrier(img Image, r ImageRange, src, dst Usage, flags BarrierFlags)
	MemoryBarrier(srcStages Stage, srcAccess Access, dstStages Stage, dstAccess Access)
	AcquireImage(img Image, r ImageRange, from Queue)
	ReleaseImage(img Image, r ImageRange, to Queue)

	CopyBuffer(dst Buffer, dstOffset uint64, src Buffer, srcOffset uint64, size uint64)
	CopyBufferToImage(dst Image, sub ImageSubresource, src Buffer, srcOffset uint64)
	DecompressBuffer(dst Buffer, dstOffset uint64, src Buffer, srcOffset uint64, compressedSize, rawSize uint64)
	ClearBuffer(dst Buffer, offset, size uint64, value uint32)

	AllocScratch(size, alignment uint64) (Scratch, error)
	WriteScratch(data []byte) (BufferSlice, error)

	// TrackObject destroys obj once the work recorded so far completes.
	TrackObject(obj Destroyer)
}

type Device interface {
	Features() Features

	CreateBuffer(desc BufferDesc) (Buffer, error)
	CreateImage(desc ImageDesc) (Image, error)
	CreateSampler(desc SamplerDesc) (Sampler, error)
	CreateSemaphore(desc SemaphoreDesc) (Semaphore, error)
	CreateComputePipeline(desc ComputePipelineDesc) (ComputePipeline, error)
	CreateGraphicsPipeline(desc GraphicsPipelineDesc) (GraphicsPipeline, error)
	CreateDescriptorArray(desc DescriptorArrayDesc) (DescriptorArray, error)
	CreateRenderState(desc RenderStateDesc) (RenderState, error)
	CreateContext(q Queue) (Context, error)

	// Submit queues recorded contexts. Waits and signals are timeline values.
	Submit(desc SubmitDesc) error
	WaitIdle() error
}

// FullImageRange covers every mip and layer of img.
func FullImageRange(img Image) ImageRange {
	d := img.Desc()
	aspect := AspectColor
	if d.Format.Info().Depth {
		aspect = AspectDepth
	}
	return ImageRange{Aspect: aspect, MipCount: max(d.MipCount, 1), LayerCount: max(d.LayerCount, 1)}
}
