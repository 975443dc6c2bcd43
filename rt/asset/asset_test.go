package asset

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"image/color"
	"testing"
	"time"

	"github.com/gekko3d/scenert/rt/archive"
	"github.com/gekko3d/scenert/rt/gfx"
	"github.com/gekko3d/scenert/rt/gfx/soft"
	"github.com/gekko3d/scenert/rt/job"
	"github.com/gekko3d/scenert/rt/pipelines"
	"github.com/gekko3d/scenert/rt/transfer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const mib = 1 << 20

// updateAssetList mirrors the list update shader: write the header, then
// copy the packed entries.
func updateAssetList(inv *soft.Invocation) error {
	c := inv.Command.Constants
	le := binary.LittleEndian
	dst, src := le.Uint64(c[0:]), le.Uint64(c[8:])
	count, group, frame, init := le.Uint32(c[16:]), le.Uint32(c[20:]), le.Uint32(c[24:]), le.Uint32(c[28:])

	out, err := inv.Device.Resolve(dst, ListHeaderSize+uint64(count)*4)
	if err != nil {
		return err
	}
	le.PutUint32(out[0:], group)
	le.PutUint32(out[4:], 0)
	le.PutUint32(out[8:], frame)
	if init != 0 {
		le.PutUint32(out[12:], 0)
	}
	if count == 0 {
		return nil
	}
	in, err := inv.Device.Resolve(src, uint64(count)*4)
	if err != nil {
		return err
	}
	copy(out[ListHeaderSize:], in)
	return nil
}

type fakeAsset struct {
	typ        Type
	size       uint64
	address    uint64
	descriptor uint32
	failStream bool

	resident  bool
	requested int
	evicted   int
}

func (a *fakeAsset) Properties() Properties {
	if !a.resident {
		return Properties{Type: a.typ}
	}
	return Properties{Type: a.typ, DescriptorIndex: a.descriptor, GPUAddress: a.address, GPUSize: a.size}
}

func (a *fakeAsset) RequestStream(*Iface) (uint64, error) {
	if a.failStream {
		return 0, errors.New("no data")
	}
	return 0, nil
}

func (a *fakeAsset) RequestEviction(*Iface) { a.requested++ }

func (a *fakeAsset) MakeResident(*Iface) error {
	a.resident = true
	return nil
}

func (a *fakeAsset) Evict(*Iface) {
	a.resident = false
	a.evicted++
}

func (a *fakeAsset) GPUSize() uint64 { return a.size }

type fixture struct {
	dev   *soft.Device
	xfer  *transfer.Manager
	pipes *pipelines.Pipelines
	m     *Manager
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	dev := soft.New(soft.WithKernel(pipelines.UpdateAssetList, updateAssetList))
	xfer, err := transfer.New(dev, transfer.Config{StagingSize: 4 * mib})
	require.NoError(t, err)
	pipes, err := pipelines.New(dev, pipelines.NoShaders{}, nil)
	require.NoError(t, err)
	m, err := New(dev, xfer, pipes, cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, dev.WaitIdle())
		m.Close()
		pipes.Destroy()
		xfer.Close()
		dev.Close()
	})
	return &fixture{dev: dev, xfer: xfer, pipes: pipes, m: m}
}

func syncCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func (f *fixture) sync(t *testing.T) {
	t.Helper()
	require.NoError(t, f.m.Sync(syncCtx(t)))
}

// commit records CommitUpdates for frameID and runs it to completion.
func (f *fixture) commit(t *testing.T, frameID, lastCompleted uint64) {
	t.Helper()
	ctx, err := f.dev.CreateContext(gfx.QueueGraphics)
	require.NoError(t, err)
	require.NoError(t, ctx.Begin())
	require.NoError(t, f.m.CommitUpdates(ctx, frameID, lastCompleted))
	require.NoError(t, ctx.End())
	require.NoError(t, f.dev.Submit(gfx.SubmitDesc{Contexts: []gfx.Context{ctx}}))
	require.NoError(t, f.dev.WaitIdle())
	require.NoError(t, f.dev.Err())
}

func (f *fixture) list(t *testing.T, g GroupHandle) []uint32 {
	t.Helper()
	info, err := f.m.GroupInfo(g)
	require.NoError(t, err)
	raw, err := f.dev.Resolve(info.GPUAddress, ListHeaderSize+uint64(info.DwordCount)*4)
	require.NoError(t, err)
	out := make([]uint32, len(raw)/4)
	for i := range out {
		out[i] = binary.LittleEndian.Uint32(raw[4*i:])
	}
	return out
}

func (f *fixture) status(t *testing.T, h Handle) Status {
	t.Helper()
	info, err := f.m.AssetInfo(h)
	require.NoError(t, err)
	return info.Properties.Status
}

func TestGroupListMatchesResidency(t *testing.T) {
	f := newFixture(t, Config{})
	a, err := f.m.CreateAsset("a", &fakeAsset{typ: TypeBuffer, size: 64, address: 0x0000_1234_5678_9abc})
	require.NoError(t, err)
	b, err := f.m.CreateAsset("b", &fakeAsset{typ: TypeTexture, size: 64, descriptor: 7})
	require.NoError(t, err)
	c, err := f.m.CreateAsset("c", &fakeAsset{typ: TypeTexture, descriptor: 9, failStream: true})
	require.NoError(t, err)

	g, err := f.m.CreateAssetGroup("g", GroupAppManaged, []GroupEntry{
		{Asset: a, Kind: RefAddress, Offset: 0},
		{Asset: b, Kind: RefDescriptor, Offset: 2},
		{Asset: c, Kind: RefDescriptor, Offset: 3},
	})
	require.NoError(t, err)
	require.NoError(t, f.m.StreamAssetGroup(g))
	f.sync(t)
	f.commit(t, 1, 0)

	assert.Equal(t, StatusResident, f.status(t, a))
	assert.Equal(t, StatusResident, f.status(t, b))
	assert.Equal(t, StatusNonResident, f.status(t, c))

	words := f.list(t, g)
	assert.Equal(t, uint32(g), words[0])
	assert.Equal(t, uint32(1), words[2])
	assert.Equal(t, []uint32{0x5678_9abc, 0x1234, 7, 0}, words[4:])

	info, err := f.m.GroupInfo(g)
	require.NoError(t, err)
	assert.NotZero(t, info.Status&GroupActive)
	assert.Zero(t, info.Status&GroupResident, "a member failed to stream")
	assert.Equal(t, uint64(1), info.LastCommitFrameID)
	assert.Equal(t, uint64(128), f.m.MemoryUsed())
}

func TestEvictedAssetsWriteZero(t *testing.T) {
	f := newFixture(t, Config{Budget: 100})
	a, err := f.m.CreateAsset("", &fakeAsset{typ: TypeBuffer, size: 200, address: 0xabc0})
	require.NoError(t, err)
	g, err := f.m.CreateAssetGroup("", GroupAppManaged, []GroupEntry{{Asset: a, Kind: RefAddress}})
	require.NoError(t, err)
	require.NoError(t, f.m.StreamAssetGroup(g))
	f.sync(t)
	f.commit(t, 1, 0)
	assert.Equal(t, []uint32{0xabc0, 0}, f.list(t, g)[4:])

	require.NoError(t, f.m.EvictAssetGroup(g))
	require.NoError(t, f.m.EvictUnused())
	f.sync(t)
	assert.Equal(t, StatusEvictRequest, f.status(t, a))
	f.commit(t, 2, 1)
	assert.Equal(t, []uint32{0, 0}, f.list(t, g)[4:])

	// Still over budget: the commit schedules another pass, and frame 1
	// has completed.
	f.sync(t)
	assert.Equal(t, StatusNonResident, f.status(t, a))
	assert.Zero(t, f.m.MemoryUsed())
}

func TestDeferredEviction(t *testing.T) {
	f := newFixture(t, Config{Budget: 4 * mib})
	fa := &fakeAsset{typ: TypeBuffer, size: 1 * mib, address: 0x1000}
	fb := &fakeAsset{typ: TypeTexture, size: 4 * mib, descriptor: 3}
	a, err := f.m.CreateAsset("A", fa)
	require.NoError(t, err)
	b, err := f.m.CreateAsset("B", fb)
	require.NoError(t, err)
	c, err := f.m.CreateAsset("C", &fakeAsset{typ: TypeSampler, descriptor: 1})
	require.NoError(t, err)

	g, err := f.m.CreateAssetGroup("G", GroupAppManaged, []GroupEntry{
		{Asset: a, Kind: RefAddress, Offset: 0},
		{Asset: b, Kind: RefDescriptor, Offset: 2},
	})
	require.NoError(t, err)
	h, err := f.m.CreateAssetGroup("H", GroupAppManaged, []GroupEntry{{Asset: c, Kind: RefDescriptor}})
	require.NoError(t, err)

	f.commit(t, 1, 0)
	require.NoError(t, f.m.StreamAssetGroup(g))
	f.sync(t)
	require.Equal(t, uint64(5*mib), f.m.MemoryUsed())

	require.NoError(t, f.m.EvictAssetGroup(g))
	require.NoError(t, f.m.StreamAssetGroup(h))
	f.sync(t)

	assert.Equal(t, StatusEvictRequest, f.status(t, a))
	assert.Equal(t, StatusEvictRequest, f.status(t, b))
	assert.Equal(t, 1, fa.requested)
	assert.Zero(t, fa.evicted)
	assert.Equal(t, uint64(5*mib), f.m.MemoryUsed())

	// Frame 1 has not completed yet.
	f.commit(t, 2, 0)
	f.sync(t)
	assert.Equal(t, StatusEvictRequest, f.status(t, a))
	assert.Equal(t, StatusEvictRequest, f.status(t, b))

	f.commit(t, 3, 1)
	f.sync(t)
	assert.Equal(t, StatusNonResident, f.status(t, a))
	assert.Equal(t, StatusNonResident, f.status(t, b))
	assert.Zero(t, f.m.MemoryUsed())
	assert.Equal(t, StatusResident, f.status(t, c))
}

func TestStreamCancelsPendingEviction(t *testing.T) {
	f := newFixture(t, Config{Budget: 10})
	fa := &fakeAsset{typ: TypeBuffer, size: 100, address: 0x40}
	a, err := f.m.CreateAsset("a", fa)
	require.NoError(t, err)
	g, err := f.m.CreateAssetGroup("g", GroupAppManaged, []GroupEntry{{Asset: a, Kind: RefAddress}})
	require.NoError(t, err)

	require.NoError(t, f.m.StreamAssetGroup(g))
	require.NoError(t, f.m.EvictAssetGroup(g))
	require.NoError(t, f.m.EvictUnused())
	f.sync(t)
	require.Equal(t, StatusEvictRequest, f.status(t, a))

	require.NoError(t, f.m.StreamAssetGroup(g))
	f.sync(t)
	assert.Equal(t, StatusResident, f.status(t, a))
	assert.Zero(t, fa.evicted)
	assert.Equal(t, uint64(100), f.m.MemoryUsed())
}

func TestActiveAssetsAreNeverEvicted(t *testing.T) {
	f := newFixture(t, Config{Budget: 1})
	a, err := f.m.CreateAsset("a", &fakeAsset{typ: TypeBuffer, size: 1000})
	require.NoError(t, err)
	g1, err := f.m.CreateAssetGroup("g1", GroupAppManaged, []GroupEntry{{Asset: a, Kind: RefAddress}})
	require.NoError(t, err)
	g2, err := f.m.CreateAssetGroup("g2", GroupAppManaged, []GroupEntry{{Asset: a, Kind: RefAddress}})
	require.NoError(t, err)

	require.NoError(t, f.m.StreamAssetGroup(g1))
	require.NoError(t, f.m.StreamAssetGroup(g2))
	require.NoError(t, f.m.EvictAssetGroup(g1))
	for frame := uint64(1); frame <= 4; frame++ {
		require.NoError(t, f.m.EvictUnused())
		f.sync(t)
		f.commit(t, frame, frame-1)
		f.sync(t)
	}
	assert.Equal(t, StatusResident, f.status(t, a))
	info, err := f.m.AssetInfo(a)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), info.ActiveGroupCount)
}

func TestZeroSizeAssetsLeaveUnusedSet(t *testing.T) {
	f := newFixture(t, Config{})
	s, err := f.m.CreateAsset("sampler", NewSamplerStatic(gfx.SamplerDesc{MagFilter: gfx.FilterLinear}))
	require.NoError(t, err)
	a, err := f.m.CreateAsset("a", &fakeAsset{typ: TypeBuffer, size: 16})
	require.NoError(t, err)
	g, err := f.m.CreateAssetGroup("g", GroupAppManaged, []GroupEntry{
		{Asset: s, Kind: RefDescriptor},
		{Asset: a, Kind: RefAddress, Offset: 1},
	})
	require.NoError(t, err)
	require.NoError(t, f.m.StreamAssetGroup(g))
	require.NoError(t, f.m.EvictAssetGroup(g))
	f.sync(t)

	f.m.assetMu.Lock()
	_, hasSampler := f.m.unused[s]
	_, hasBuffer := f.m.unused[a]
	f.m.assetMu.Unlock()
	assert.False(t, hasSampler)
	assert.True(t, hasBuffer)

	info, err := f.m.AssetInfo(s)
	require.NoError(t, err)
	assert.Equal(t, StatusResident, info.Properties.Status)
	assert.NotZero(t, info.Properties.DescriptorIndex)
}

func TestDescriptorPoolWaitsForFrame(t *testing.T) {
	dev := soft.New()
	defer dev.Close()
	p, err := NewDescriptorPool(dev, "test", gfx.DescriptorSampler, 3)
	require.NoError(t, err)
	defer p.Destroy()

	first := p.Create(gfx.Descriptor{Kind: gfx.DescriptorSampler}, 0)
	second := p.Create(gfx.Descriptor{Kind: gfx.DescriptorSampler}, 0)
	assert.Equal(t, []uint32{1, 2}, []uint32{first, second})
	assert.Zero(t, p.Create(gfx.Descriptor{}, 0), "pool exhausted")

	p.Free(first, 5)
	assert.Zero(t, p.Create(gfx.Descriptor{}, 4))
	assert.Equal(t, first, p.Create(gfx.Descriptor{}, 5))
	assert.Equal(t, 2, p.Live())
}

func TestBufferFromArchiveStreams(t *testing.T) {
	f := newFixture(t, Config{})
	data := make([]byte, 300)
	for i := range data {
		data[i] = byte(i * 7)
	}
	b := archive.NewBuilder()
	file, err := b.AddFile("buf", nil)
	require.NoError(t, err)
	file.AddSubFile(BufferSubFile, data, archive.CompressionHuffman)
	raw, err := b.Bytes()
	require.NoError(t, err)
	arc, err := archive.NewReader(bytes.NewReader(raw), int64(len(raw)))
	require.NoError(t, err)

	buf, err := NewBufferFromArchive(arc, "buf", 0)
	require.NoError(t, err)
	h, err := f.m.CreateAsset("buf", buf)
	require.NoError(t, err)
	g, err := f.m.CreateAssetGroup("g", GroupAppManaged, []GroupEntry{{Asset: h, Kind: RefAddress}})
	require.NoError(t, err)
	require.NoError(t, f.m.StreamAssetGroup(g))
	f.sync(t)

	info, err := f.m.AssetInfo(h)
	require.NoError(t, err)
	require.Equal(t, StatusResident, info.Properties.Status)
	got, err := f.dev.Resolve(info.Properties.GPUAddress, uint64(len(data)))
	require.NoError(t, err)
	assert.Equal(t, data, got)
	assert.Equal(t, uint64(len(data)), f.m.MemoryUsed())
}

func TestTextureStaticBuildsMipChain(t *testing.T) {
	f := newFixture(t, Config{})
	src := image.NewNRGBA(image.Rect(0, 0, 4, 4))
	for y := range 4 {
		for x := range 4 {
			src.Set(x, y, color.NRGBA{R: uint8(x * 60), G: uint8(y * 60), A: 255})
		}
	}
	tex, err := NewTextureStatic("tex", src, true)
	require.NoError(t, err)
	assert.Equal(t, uint32(3), tex.Header().MipCount)
	assert.Equal(t, uint64(64+16+4), tex.GPUSize())

	h, err := f.m.CreateAsset("tex", tex)
	require.NoError(t, err)
	g, err := f.m.CreateAssetGroup("g", GroupAppManaged, []GroupEntry{{Asset: h, Kind: RefDescriptor}})
	require.NoError(t, err)
	require.NoError(t, f.m.StreamAssetGroup(g))
	f.sync(t)
	f.commit(t, 1, 0)

	info, err := f.m.AssetInfo(h)
	require.NoError(t, err)
	assert.Equal(t, StatusResident, info.Properties.Status)
	assert.NotZero(t, info.Properties.DescriptorIndex)
	assert.Equal(t, info.Properties.DescriptorIndex, f.list(t, g)[4])
	assert.Equal(t, gfx.DescriptorImageView, f.m.TextureDescriptors().Get(info.Properties.DescriptorIndex).Kind)
}

func TestFeedbackStreamsAndEvictsGPUManagedGroups(t *testing.T) {
	f := newFixture(t, Config{})
	a, err := f.m.CreateAsset("a", &fakeAsset{typ: TypeBuffer, size: 8, address: 0x80})
	require.NoError(t, err)
	g, err := f.m.CreateAssetGroup("g", GroupGPUManaged, []GroupEntry{{Asset: a, Kind: RefAddress}})
	require.NoError(t, err)
	app, err := f.m.CreateAssetGroup("app", GroupAppManaged, []GroupEntry{{Asset: a, Kind: RefAddress}})
	require.NoError(t, err)

	f.commit(t, 1, 0)
	require.GreaterOrEqual(t, f.m.FeedbackCapacity(), uint32(2))
	fb, err := f.dev.Resolve(f.m.FeedbackAddress(), 12)
	require.NoError(t, err)
	binary.LittleEndian.PutUint32(fb[0:], 2)
	binary.LittleEndian.PutUint32(fb[4:], uint32(g))
	binary.LittleEndian.PutUint32(fb[8:], uint32(app))

	require.NoError(t, f.m.ProcessFeedback(2, 1))
	f.sync(t)
	info, err := f.m.GroupInfo(g)
	require.NoError(t, err)
	assert.NotZero(t, info.Status&GroupActive)
	assert.Equal(t, uint64(2), info.LastUseFrameID)
	appInfo, err := f.m.GroupInfo(app)
	require.NoError(t, err)
	assert.Zero(t, appInfo.Status&GroupActive, "app managed groups ignore feedback")

	// Already processed.
	require.NoError(t, f.m.ProcessFeedback(2, 1))

	f.commit(t, 2, 1)
	require.NoError(t, f.m.ProcessFeedback(3, 2))
	f.sync(t)
	info, err = f.m.GroupInfo(g)
	require.NoError(t, err)
	assert.Zero(t, info.Status&GroupActive)
}

func TestManyDirtyGroupsUseJobSystem(t *testing.T) {
	jobs := job.NewSystem(4)
	defer jobs.Close()
	f := newFixture(t, Config{Jobs: jobs})

	const n = parallelGroupThreshold + 10
	groups := make([]GroupHandle, n)
	for i := range n {
		h, err := f.m.CreateAsset(fmt.Sprintf("a%d", i), &fakeAsset{typ: TypeTexture, size: 4, descriptor: uint32(100 + i)})
		require.NoError(t, err)
		groups[i], err = f.m.CreateAssetGroup(fmt.Sprintf("g%d", i), GroupAppManaged, []GroupEntry{{Asset: h, Kind: RefDescriptor}})
		require.NoError(t, err)
		require.NoError(t, f.m.StreamAssetGroup(groups[i]))
	}
	f.sync(t)
	f.commit(t, 1, 0)
	for i, g := range groups {
		assert.Equal(t, uint32(100+i), f.list(t, g)[4])
	}
}

func TestNamesAndDestroy(t *testing.T) {
	f := newFixture(t, Config{})
	a, err := f.m.CreateAsset("a", &fakeAsset{typ: TypeBuffer, size: 4})
	require.NoError(t, err)
	_, err = f.m.CreateAsset("a", &fakeAsset{})
	assert.ErrorIs(t, err, ErrDuplicateName)

	got, ok := f.m.FindAsset("a")
	assert.True(t, ok)
	assert.Equal(t, a, got)

	g, err := f.m.CreateAssetGroup("g", GroupAppManaged, []GroupEntry{{Asset: a, Kind: RefAddress}})
	require.NoError(t, err)
	_, err = f.m.CreateAssetGroup("bad", GroupAppManaged, []GroupEntry{{Asset: 999, Kind: RefAddress}})
	assert.ErrorIs(t, err, ErrInvalidEntry)

	assert.ErrorIs(t, f.m.DestroyAsset(a), ErrInUse)
	require.NoError(t, f.m.DestroyAssetGroup(g))
	_, ok = f.m.FindAssetGroup("g")
	assert.False(t, ok)
	require.NoError(t, f.m.DestroyAsset(a))
	_, ok = f.m.FindAsset("a")
	assert.False(t, ok)
	_, err = f.m.AssetInfo(a)
	assert.ErrorIs(t, err, ErrNotFound)
}
