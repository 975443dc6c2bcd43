package scene

import (
	"encoding/binary"
	"fmt"

	"github.com/gekko3d/scenert/rt/gfx"
	"github.com/gekko3d/scenert/rt/pipelines"
)

// UploadChunkSize is the size of one {srcOffset, dstOffset, size} record,
// all in dwords.
const UploadChunkSize = 12

// scatter gathers rows bound for one buffer so they can be written by a
// single uploadData dispatch. Rows landing right after the previous one
// extend its chunk.
type scatter struct {
	data   []byte
	chunks []uint32
}

func (s *scatter) add(dstOffset uint64, row []byte) {
	if len(row) == 0 {
		return
	}
	src := uint32(len(s.data) / 4)
	dst := uint32(dstOffset / 4)
	size := uint32(len(row) / 4)
	s.data = append(s.data, row...)
	if n := len(s.chunks); n > 0 {
		last := s.chunks[n-3:]
		if last[0]+last[2] == src && last[1]+last[2] == dst {
			last[2] += size
			return
		}
	}
	s.chunks = append(s.chunks, src, dst, size)
}

func (s *scatter) count() uint32 { return uint32(len(s.chunks) / 3) }

func (s *scatter) reset() {
	s.data = s.data[:0]
	s.chunks = s.chunks[:0]
}

// submit records the dispatch. Nothing is recorded when no rows were added.
func (s *scatter) submit(ctx gfx.Context, pipes *pipelines.Pipelines, dst gfx.Buffer) error {
	defer s.reset()
	if s.count() == 0 {
		return nil
	}
	src, err := ctx.WriteScratch(s.data)
	if err != nil {
		return fmt.Errorf("scene: upload data: %w", err)
	}
	meta := make([]byte, len(s.chunks)*4)
	for i, v := range s.chunks {
		binary.LittleEndian.PutUint32(meta[i*4:], v)
	}
	chunks, err := ctx.WriteScratch(meta)
	if err != nil {
		return fmt.Errorf("scene: upload chunks: %w", err)
	}
	pipes.UploadData(ctx, pipelines.UploadArgs{
		DstAddress:   dst.GPUAddress(),
		SrcAddress:   src.GPUAddress(),
		ChunkAddress: chunks.GPUAddress(),
		ChunkCount:   s.count(),
	})
	return nil
}

// copyRows writes data at offset of dst through the context's scratch
// memory with a plain copy.
func copyRows(ctx gfx.Context, dst gfx.Buffer, offset uint64, data []byte) error {
	src, err := ctx.WriteScratch(data)
	if err != nil {
		return err
	}
	ctx.CopyBuffer(dst, offset, src.Buffer, src.Offset, uint64(len(data)))
	return nil
}

// growBuffer creates a buffer of size bytes, zeroes it and copies the
// given regions of old across. old is released once the recorded work
// completes.
func growBuffer(ctx gfx.Context, dev gfx.Device, desc gfx.BufferDesc, old gfx.Buffer, regions ...copyRegion) (gfx.Buffer, error) {
	buf, err := dev.CreateBuffer(desc)
	if err != nil {
		return nil, fmt.Errorf("scene: create %s: %w", desc.Name, err)
	}
	ctx.ClearBuffer(buf, 0, desc.Size, 0)
	if old != nil {
		for _, r := range regions {
			if r.size > 0 {
				ctx.CopyBuffer(buf, r.dst, old, r.src, r.size)
			}
		}
		ctx.TrackObject(old)
	}
	return buf, nil
}

type copyRegion struct {
	src, dst, size uint64
}

func transferToCompute(ctx gfx.Context) {
	ctx.MemoryBarrier(gfx.StageTransfer, gfx.AccessTransferWrite, gfx.StageComputeShader, gfx.AccessShaderRead|gfx.AccessShaderWrite)
}

func computeToCompute(ctx gfx.Context) {
	ctx.MemoryBarrier(gfx.StageComputeShader, gfx.AccessShaderWrite,
		gfx.StageComputeShader|gfx.StageIndirect, gfx.AccessShaderRead|gfx.AccessShaderWrite|gfx.AccessParameterRead)
}

// sceneBufferUsage covers every buffer the scene managers create.
const sceneBufferUsage = gfx.UsageShaderResource | gfx.UsageUnorderedAccess | gfx.UsageDeviceAddress |
	gfx.UsageTransferSrc | gfx.UsageTransferDst | gfx.UsageParameterBuffer
