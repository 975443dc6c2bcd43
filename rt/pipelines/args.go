package pipelines

import "encoding/binary"

// Argument structs are pushed as shader constants. Marshal writes the
// fields little endian in declaration order; the layouts are shared with
// the shaders and must not change independently.

type packer struct {
	buf []byte
	off int
}

func newPacker(size int) *packer { return &packer{buf: make([]byte, size)} }

func (p *packer) u32(v uint32) *packer {
	binary.LittleEndian.PutUint32(p.buf[p.off:], v)
	p.off += 4
	return p
}

func (p *packer) u64(v uint64) *packer {
	binary.LittleEndian.PutUint64(p.buf[p.off:], v)
	p.off += 8
	return p
}

func (p *packer) bytes() []byte { return p.buf }

const PassInitArgsSize = 24

type PassInitArgs struct {
	PassGroupAddress uint64
	PassInfoAddress  uint64
	FrameID          uint32
	PassCount        uint32
}

func (a PassInitArgs) Marshal() []byte {
	return newPacker(PassInitArgsSize).u64(a.PassGroupAddress).u64(a.PassInfoAddress).u32(a.FrameID).u32(a.PassCount).bytes()
}

const PassInfoUpdateArgsSize = 32

type PassInfoUpdateArgs struct {
	NodeBufferAddress uint64
	PassInfoAddress   uint64
	ListAddress       uint64
	FrameID           uint32
	PassCount         uint32
}

func (a PassInfoUpdateArgs) Marshal() []byte {
	return newPacker(PassInfoUpdateArgsSize).u64(a.NodeBufferAddress).u64(a.PassInfoAddress).u64(a.ListAddress).u32(a.FrameID).u32(a.PassCount).bytes()
}

const PassInfoUpdateCopyArgsSize = 32

type PassInfoUpdateCopyArgs struct {
	PassInfoAddress uint64
	SourceAddress   uint64
	ListAddress     uint64
	PassCount       uint32
	FrameID         uint32
}

func (a PassInfoUpdateCopyArgs) Marshal() []byte {
	return newPacker(PassInfoUpdateCopyArgsSize).u64(a.PassInfoAddress).u64(a.SourceAddress).u64(a.ListAddress).u32(a.PassCount).u32(a.FrameID).bytes()
}

// TraverseBvhFlags select traversal behaviour.
const (
	TraverseResetCounters uint32 = 1 << iota
	TraverseAppend
)

const TraverseBvhArgsSize = 48

type TraverseBvhArgs struct {
	NodeBufferAddress uint64
	PassGroupAddress  uint64
	PassInfoAddress   uint64
	RootAddress       uint64
	RootCount         uint32
	Layer             uint32
	FrameID           uint32
	Flags             uint32
}

func (a TraverseBvhArgs) Marshal() []byte {
	return newPacker(TraverseBvhArgsSize).u64(a.NodeBufferAddress).u64(a.PassGroupAddress).u64(a.PassInfoAddress).u64(a.RootAddress).
		u32(a.RootCount).u32(a.Layer).u32(a.FrameID).u32(a.Flags).bytes()
}

const InstanceAnimateArgsSize = 24

type InstanceAnimateArgs struct {
	InstanceNodeAddress uint64
	PassGroupAddress    uint64
	FrameID             uint32
	Reserved            uint32
}

func (a InstanceAnimateArgs) Marshal() []byte {
	return newPacker(InstanceAnimateArgsSize).u64(a.InstanceNodeAddress).u64(a.PassGroupAddress).u32(a.FrameID).u32(a.Reserved).bytes()
}

const InstanceUpdatePrepareArgsSize = 32

type InstanceUpdatePrepareArgs struct {
	InstanceNodeAddress uint64
	PassGroupAddress    uint64
	NodeBufferAddress   uint64
	FrameID             uint32
	Reserved            uint32
}

func (a InstanceUpdatePrepareArgs) Marshal() []byte {
	return newPacker(InstanceUpdatePrepareArgsSize).u64(a.InstanceNodeAddress).u64(a.PassGroupAddress).u64(a.NodeBufferAddress).u32(a.FrameID).u32(a.Reserved).bytes()
}

const InstanceUpdateExecuteArgsSize = 32

type InstanceUpdateExecuteArgs struct {
	InstanceNodeAddress uint64
	PassGroupAddress    uint64
	NodeBufferAddress   uint64
	FrameID             uint32
	Reserved            uint32
}

func (a InstanceUpdateExecuteArgs) Marshal() []byte {
	return newPacker(InstanceUpdateExecuteArgsSize).u64(a.InstanceNodeAddress).u64(a.PassGroupAddress).u64(a.NodeBufferAddress).u32(a.FrameID).u32(a.Reserved).bytes()
}

const InstanceUpdateNodeArgsSize = 32

// InstanceUpdateNodeArgs drives the instance node row update. Each entry
// is {instanceIndex u32, srcOffset u32}; srcOffset 0xffffffff only bumps
// the row's update frame.
type InstanceUpdateNodeArgs struct {
	InstanceNodeAddress uint64
	SourceAddress       uint64
	EntryAddress        uint64
	EntryCount          uint32
	FrameID             uint32
}

func (a InstanceUpdateNodeArgs) Marshal() []byte {
	return newPacker(InstanceUpdateNodeArgsSize).u64(a.InstanceNodeAddress).u64(a.SourceAddress).u64(a.EntryAddress).u32(a.EntryCount).u32(a.FrameID).bytes()
}

const DrawListInitArgsSize = 16

type DrawListInitArgs struct {
	DrawBufferAddress uint64
	DrawGroupCount    uint32
	Reserved          uint32
}

func (a DrawListInitArgs) Marshal() []byte {
	return newPacker(DrawListInitArgsSize).u64(a.DrawBufferAddress).u32(a.DrawGroupCount).u32(a.Reserved).bytes()
}

const DrawListGenerateArgsSize = 32

type DrawListGenerateArgs struct {
	DrawBufferAddress   uint64
	PassGroupAddress    uint64
	InstanceNodeAddress uint64
	FrameID             uint32
	PassMask            uint32
}

func (a DrawListGenerateArgs) Marshal() []byte {
	return newPacker(DrawListGenerateArgsSize).u64(a.DrawBufferAddress).u64(a.PassGroupAddress).u64(a.InstanceNodeAddress).u32(a.FrameID).u32(a.PassMask).bytes()
}

const DrawListBuildSearchTreeArgsSize = 16

type DrawListBuildSearchTreeArgs struct {
	DrawBufferAddress uint64
	DrawGroupCount    uint32
	Layer             uint32
}

func (a DrawListBuildSearchTreeArgs) Marshal() []byte {
	return newPacker(DrawListBuildSearchTreeArgsSize).u64(a.DrawBufferAddress).u32(a.DrawGroupCount).u32(a.Layer).bytes()
}

const UploadArgsSize = 32

// UploadArgs drives the scatter upload. Each chunk is {srcOffset u32,
// dstOffset u32, size u32} in dwords.
type UploadArgs struct {
	DstAddress   uint64
	SrcAddress   uint64
	ChunkAddress uint64
	ChunkCount   uint32
	Reserved     uint32
}

func (a UploadArgs) Marshal() []byte {
	return newPacker(UploadArgsSize).u64(a.DstAddress).u64(a.SrcAddress).u64(a.ChunkAddress).u32(a.ChunkCount).u32(a.Reserved).bytes()
}

const OcclusionTestArgsSize = 32

type OcclusionTestArgs struct {
	PassGroupAddress  uint64
	PassInfoAddress   uint64
	NodeBufferAddress uint64
	HizDescriptor     uint32
	FrameID           uint32
}

func (a OcclusionTestArgs) Marshal() []byte {
	return newPacker(OcclusionTestArgsSize).u64(a.PassGroupAddress).u64(a.PassInfoAddress).u64(a.NodeBufferAddress).u32(a.HizDescriptor).u32(a.FrameID).bytes()
}

const CommonGenerateHizImageArgsSize = 24

type CommonGenerateHizImageArgs struct {
	SrcExtent      [2]uint32
	DstMipCount    uint32
	SrcMip         uint32
	CounterAddress uint64
}

func (a CommonGenerateHizImageArgs) Marshal() []byte {
	return newPacker(CommonGenerateHizImageArgsSize).u32(a.SrcExtent[0]).u32(a.SrcExtent[1]).u32(a.DstMipCount).u32(a.SrcMip).u64(a.CounterAddress).bytes()
}

const AssetListUpdateArgsSize = 32

// AssetListUpdateArgs copies DwordCount dwords of entries into a group
// list. With Init set the header is written as well.
type AssetListUpdateArgs struct {
	DstAddress  uint64
	SrcAddress  uint64
	DwordCount  uint32
	GroupHandle uint32
	FrameID     uint32
	Init        uint32
}

func (a AssetListUpdateArgs) Marshal() []byte {
	return newPacker(AssetListUpdateArgsSize).u64(a.DstAddress).u64(a.SrcAddress).u32(a.DwordCount).u32(a.GroupHandle).u32(a.FrameID).u32(a.Init).bytes()
}

const ResetUpdateListArgsSize = 16

type ResetUpdateListArgs struct {
	PassGroupAddress uint64
	NodeType         uint32
	Reserved         uint32
}

func (a ResetUpdateListArgs) Marshal() []byte {
	return newPacker(ResetUpdateListArgsSize).u64(a.PassGroupAddress).u32(a.NodeType).u32(a.Reserved).bytes()
}
