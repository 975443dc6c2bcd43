package gfx

import "fmt"

// Handle identifies a backend object for logging and tracking.
type Handle uint64

// Usage describes how a resource may be accessed. Barriers use the same
// flags to describe the before and after state of an image.
type Usage uint32

const (
	UsageShaderResource Usage = 1 << iota
	UsageUnorderedAccess
	UsageTransferSrc
	UsageTransferDst
	UsageParameterBuffer
	UsageRenderTarget
	UsageDepthStencil
	UsageDeviceAddress
	UsageDecompressionSrc
	UsageShaderRead = UsageShaderResource | UsageParameterBuffer
)

type MemoryType int

const (
	MemoryDefault MemoryType = iota
	MemoryUpload
	MemoryReadback
	MemoryDefaultMappable
)

// HostVisible reports whether buffers of this memory type can be mapped.
func (m MemoryType) HostVisible() bool {
	return m != MemoryDefault
}

type Queue int

const (
	QueueGraphics Queue = iota
	QueueCompute
	QueueComputeTransfer
	QueueComputeBackground
	QueueTransferUpload
	QueueTransferReadback
	QueueSparseBinding
	QueueCount
)

func (q Queue) String() string {
	switch q {
	case QueueGraphics:
		return "graphics"
	case QueueCompute:
		return "compute"
	case QueueComputeTransfer:
		return "compute-transfer"
	case QueueComputeBackground:
		return "compute-background"
	case QueueTransferUpload:
		return "transfer-upload"
	case QueueTransferReadback:
		return "transfer-readback"
	case QueueSparseBinding:
		return "sparse-binding"
	}
	return fmt.Sprintf("queue(%d)", int(q))
}

// Stage is a pipeline stage mask used by memory barriers.
type Stage uint32

const (
	StageIndirect Stage = 1 << iota
	StageComputeShader
	StageTaskMeshShader
	StageFragmentShader
	StageRenderTarget
	StageTransfer
	StageHost
	StageAll Stage = ^Stage(0)
)

// Access is a memory access mask used by memory barriers.
type Access uint32

const (
	AccessParameterRead Access = 1 << iota
	AccessShaderRead
	AccessShaderWrite
	AccessTransferRead
	AccessTransferWrite
	AccessHostRead
	AccessHostWrite
	AccessRead  = AccessParameterRead | AccessShaderRead | AccessTransferRead | AccessHostRead
	AccessWrite = AccessShaderWrite | AccessTransferWrite | AccessHostWrite
)

type BarrierFlags uint32

const (
	// BarrierDiscard allows the previous contents to be dropped.
	BarrierDiscard BarrierFlags = 1 << iota
)

type Format int

const (
	FormatUnknown Format = iota
	FormatR8Unorm
	FormatRG8Unorm
	FormatRGBA8Unorm
	FormatRGBA8Srgb
	FormatR16Float
	FormatR16G16Float
	FormatRGBA16Float
	FormatR32Uint
	FormatR32Float
	FormatRG32Float
	FormatRGBA32Float
	FormatD16
	FormatD32
	FormatBC1
	FormatBC3
	FormatBC4
	FormatBC5
	FormatBC7
)

// FormatInfo describes the storage of one texel block.
type FormatInfo struct {
	BlockSize   uint32
	BlockWidth  uint32
	BlockHeight uint32
	Depth       bool
}

var formatInfos = map[Format]FormatInfo{
	FormatR8Unorm:     {1, 1, 1, false},
	FormatRG8Unorm:    {2, 1, 1, false},
	FormatRGBA8Unorm:  {4, 1, 1, false},
	FormatRGBA8Srgb:   {4, 1, 1, false},
	FormatR16Float:    {2, 1, 1, false},
	FormatR16G16Float: {4, 1, 1, false},
	FormatRGBA16Float: {8, 1, 1, false},
	FormatR32Uint:     {4, 1, 1, false},
	FormatR32Float:    {4, 1, 1, false},
	FormatRG32Float:   {8, 1, 1, false},
	FormatRGBA32Float: {16, 1, 1, false},
	FormatD16:         {2, 1, 1, true},
	FormatD32:         {4, 1, 1, true},
	FormatBC1:         {8, 4, 4, false},
	FormatBC3:         {16, 4, 4, false},
	FormatBC4:         {8, 4, 4, false},
	FormatBC5:         {16, 4, 4, false},
	FormatBC7:         {16, 4, 4, false},
}

func (f Format) Info() FormatInfo {
	return formatInfos[f]
}

// Extent3D is the size of an image in texels.
type Extent3D struct {
	Width, Height, Depth uint32
}

// MipExtent returns the extent of mip level m.
func (e Extent3D) MipExtent(m uint32) Extent3D {
	return Extent3D{
		Width:  max(e.Width>>m, 1),
		Height: max(e.Height>>m, 1),
		Depth:  max(e.Depth>>m, 1),
	}
}

// SubresourceSize returns the byte size of one mip level of one layer.
func SubresourceSize(f Format, e Extent3D) uint64 {
	info := f.Info()
	if info.BlockSize == 0 {
		return 0
	}
	bw := (e.Width + info.BlockWidth - 1) / info.BlockWidth
	bh := (e.Height + info.BlockHeight - 1) / info.BlockHeight
	return uint64(bw) * uint64(bh) * uint64(max(e.Depth, 1)) * uint64(info.BlockSize)
}

type ImageAspect uint32

const (
	AspectColor ImageAspect = 1 << iota
	AspectDepth
	AspectStencil
)

// ImageSubresource selects one mip level of one array layer.
type ImageSubresource struct {
	Aspect     ImageAspect
	MipLevel   uint32
	ArrayLayer uint32
}

// ImageRange selects a block of mips and layers.
type ImageRange struct {
	Aspect     ImageAspect
	BaseMip    uint32
	MipCount   uint32
	BaseLayer  uint32
	LayerCount uint32
}

type ComponentSwizzle uint8

const (
	SwizzleIdentity ComponentSwizzle = iota
	SwizzleZero
	SwizzleOne
	SwizzleR
	SwizzleG
	SwizzleB
	SwizzleA
)

type ImageViewType int

const (
	ViewType2D ImageViewType = iota
	ViewType2DArray
	ViewType3D
	ViewTypeCube
)

type ImageViewDesc struct {
	Type    ImageViewType
	Format  Format
	Range   ImageRange
	Swizzle [4]ComponentSwizzle
	Usage   Usage
}

type Filter int

const (
	FilterNearest Filter = iota
	FilterLinear
)

type AddressMode int

const (
	AddressRepeat AddressMode = iota
	AddressMirror
	AddressClampToEdge
)

type ReductionMode int

const (
	ReductionAverage ReductionMode = iota
	ReductionMin
	ReductionMax
)

type SamplerDesc struct {
	MagFilter     Filter
	MinFilter     Filter
	MipFilter     Filter
	AddressU      AddressMode
	AddressV      AddressMode
	AddressW      AddressMode
	MaxAnisotropy float32
	Reduction     ReductionMode
}

type BufferDesc struct {
	Name   string
	Size   uint64
	Usage  Usage
	Memory MemoryType
}

type ImageDesc struct {
	Name       string
	Format     Format
	Extent     Extent3D
	MipCount   uint32
	LayerCount uint32
	Usage      Usage
}

type SemaphoreDesc struct {
	Name    string
	Initial uint64
}

// SemaphoreValue is one wait or signal operation on a timeline semaphore.
type SemaphoreValue struct {
	Semaphore Semaphore
	Value     uint64
}

type SubmitDesc struct {
	Contexts []Context
	Wait     []SemaphoreValue
	Signal   []SemaphoreValue
}

type ComputePipelineDesc struct {
	Name          string
	Code          []byte
	WorkgroupSize [3]uint32
	ConstantSize  uint32
}

type GraphicsPipelineDesc struct {
	Name         string
	Task         []byte
	Mesh         []byte
	Fragment     []byte
	ConstantSize uint32
	ColorFormats []Format
	DepthFormat  Format
}

type CullMode int

const (
	CullNone CullMode = iota
	CullBack
	CullFront
)

type CompareOp int

const (
	CompareAlways CompareOp = iota
	CompareGreaterEqual
	CompareLessEqual
	CompareEqual
)

type RenderStateDesc struct {
	Name       string
	Cull       CullMode
	DepthTest  bool
	DepthWrite bool
	DepthFunc  CompareOp
}

type DescriptorArrayDesc struct {
	Name string
	Kind DescriptorKind
	Size uint32
}

// RenderingDesc describes attachments for dynamic rendering.
type RenderingDesc struct {
	Color      []Image
	Depth      Image
	Area       Extent3D
	ClearDepth bool
}

// Features lists optional device capabilities.
type Features struct {
	MeshShader    bool
	GDeflate      bool
	DeviceAddress bool
}
