package soft

import (
	"bytes"
	"compress/flate"
	"context"
	"encoding/binary"
	"testing"
	"time"

	"github.com/gekko3d/scenert/rt/gfx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBuffer(t *testing.T, d *Device, size uint64, mem gfx.MemoryType) gfx.Buffer {
	t.Helper()
	b, err := d.CreateBuffer(gfx.BufferDesc{Name: "test", Size: size, Memory: mem})
	require.NoError(t, err)
	return b
}

func submit(t *testing.T, d *Device, c gfx.Context, signal ...gfx.SemaphoreValue) {
	t.Helper()
	require.NoError(t, c.End())
	require.NoError(t, d.Submit(gfx.SubmitDesc{Contexts: []gfx.Context{c}, Signal: signal}))
}

func TestCopyClearAndScratch(t *testing.T) {
	d := New()
	defer d.Close()

	dst := newBuffer(t, d, 64, gfx.MemoryDefault)
	assert.Nil(t, dst.Map())
	ctx, err := d.CreateContext(gfx.QueueGraphics)
	require.NoError(t, err)

	require.NoError(t, ctx.Begin())
	ctx.ClearBuffer(dst, 0, 64, 0xdeadbeef)
	src, err := ctx.WriteScratch([]byte{1, 2, 3, 4, 5, 6, 7, 8})
	require.NoError(t, err)
	ctx.CopyBuffer(dst, 8, src.Buffer, src.Offset, 8)
	submit(t, d, ctx)
	require.NoError(t, d.WaitIdle())

	data := Bytes(dst)
	assert.Equal(t, uint32(0xdeadbeef), binary.LittleEndian.Uint32(data[0:]))
	assert.Equal(t, []byte{1, 2, 3, 4, 5, 6, 7, 8}, data[8:16])
	assert.Equal(t, uint32(0xdeadbeef), binary.LittleEndian.Uint32(data[16:]))
}

func TestResolveAddress(t *testing.T) {
	d := New()
	defer d.Close()
	a := newBuffer(t, d, 100, gfx.MemoryUpload)
	b := newBuffer(t, d, 100, gfx.MemoryUpload)
	copy(b.Map()[10:], "hello")

	got, err := d.Resolve(b.GPUAddress()+10, 5)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got))

	_, err = d.Resolve(a.GPUAddress()+90, 20)
	assert.Error(t, err)

	b.Destroy()
	_, err = d.Resolve(b.GPUAddress(), 1)
	assert.Error(t, err)
}

func TestIndirectDispatchRunsKernel(t *testing.T) {
	var groups [3]uint32
	var constants []byte
	d := New(WithKernel("fill", func(inv *Invocation) error {
		groups = inv.Groups
		constants = inv.Command.Constants
		return nil
	}))
	defer d.Close()

	args := newBuffer(t, d, 16, gfx.MemoryUpload)
	binary.LittleEndian.PutUint32(args.Map()[0:], 3)
	binary.LittleEndian.PutUint32(args.Map()[4:], 2)
	binary.LittleEndian.PutUint32(args.Map()[8:], 1)

	p, err := d.CreateComputePipeline(gfx.ComputePipelineDesc{Name: "fill"})
	require.NoError(t, err)
	ctx, _ := d.CreateContext(gfx.QueueCompute)
	require.NoError(t, ctx.Begin())
	ctx.BindPipeline(p)
	ctx.SetShaderConstants([]byte{9, 9})
	ctx.DispatchIndirect(gfx.WholeBuffer(args))
	submit(t, d, ctx)
	require.NoError(t, d.WaitIdle())

	assert.Equal(t, [3]uint32{3, 2, 1}, groups)
	assert.Equal(t, []byte{9, 9}, constants)
	require.Len(t, d.Dispatches("fill"), 1)
	assert.Equal(t, gfx.QueueCompute, d.Dispatches("fill")[0].Queue)
}

func TestTimelineWaitOrdersQueues(t *testing.T) {
	d := New()
	defer d.Close()
	sem, _ := d.CreateSemaphore(gfx.SemaphoreDesc{})
	buf := newBuffer(t, d, 4, gfx.MemoryReadback)

	gfxCtx, _ := d.CreateContext(gfx.QueueGraphics)
	require.NoError(t, gfxCtx.Begin())
	gfxCtx.ClearBuffer(buf, 0, 4, 2)
	require.NoError(t, gfxCtx.End())
	require.NoError(t, d.Submit(gfx.SubmitDesc{
		Contexts: []gfx.Context{gfxCtx},
		Wait:     []gfx.SemaphoreValue{{Semaphore: sem, Value: 1}},
	}))

	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, uint32(0), binary.LittleEndian.Uint32(buf.Map()))

	xfer, _ := d.CreateContext(gfx.QueueTransferUpload)
	require.NoError(t, xfer.Begin())
	xfer.ClearBuffer(buf, 0, 4, 1)
	submit(t, d, xfer, gfx.SemaphoreValue{Semaphore: sem, Value: 1})
	require.NoError(t, d.WaitIdle())

	assert.Equal(t, uint32(2), binary.LittleEndian.Uint32(buf.Map()))
	assert.Equal(t, uint64(1), sem.Value())
}

func TestSemaphoreWaitHonoursContext(t *testing.T) {
	d := New()
	sem, _ := d.CreateSemaphore(gfx.SemaphoreDesc{Initial: 3})
	require.NoError(t, sem.Wait(context.Background(), 2))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, sem.Wait(ctx, 4), context.DeadlineExceeded)
	assert.Error(t, sem.Signal(1))
}

func TestTrackedObjectsDestroyedAfterExecution(t *testing.T) {
	d := New()
	defer d.Close()
	old := newBuffer(t, d, 32, gfx.MemoryDefault)
	ctx, _ := d.CreateContext(gfx.QueueGraphics)
	require.NoError(t, ctx.Begin())
	ctx.TrackObject(old)
	assert.False(t, old.(*Buffer).Destroyed())
	submit(t, d, ctx)
	require.NoError(t, d.WaitIdle())
	assert.True(t, old.(*Buffer).Destroyed())
}

func TestDecompressNeedsFeature(t *testing.T) {
	raw := bytes.Repeat([]byte("scene"), 100)
	var packed bytes.Buffer
	w, _ := flate.NewWriter(&packed, flate.BestCompression)
	_, _ = w.Write(raw)
	require.NoError(t, w.Close())

	d := New(WithGDeflate())
	defer d.Close()
	assert.True(t, d.Features().GDeflate)
	src := newBuffer(t, d, uint64(packed.Len()), gfx.MemoryUpload)
	copy(src.Map(), packed.Bytes())
	dst := newBuffer(t, d, uint64(len(raw)), gfx.MemoryDefault)

	ctx, _ := d.CreateContext(gfx.QueueComputeTransfer)
	require.NoError(t, ctx.Begin())
	ctx.DecompressBuffer(dst, 0, src, 0, uint64(packed.Len()), uint64(len(raw)))
	submit(t, d, ctx)
	require.NoError(t, d.WaitIdle())
	assert.Equal(t, raw, Bytes(dst))
}

func TestMemoryLimit(t *testing.T) {
	d := New(WithMemoryLimit(100))
	_, err := d.CreateBuffer(gfx.BufferDesc{Size: 64})
	require.NoError(t, err)
	_, err = d.CreateBuffer(gfx.BufferDesc{Size: 64})
	assert.ErrorIs(t, err, gfx.ErrOutOfMemory)
}
