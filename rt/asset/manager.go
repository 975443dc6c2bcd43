package asset

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/gekko3d/scenert/rt/alloc"
	"github.com/gekko3d/scenert/rt/core"
	"github.com/gekko3d/scenert/rt/gfx"
	"github.com/gekko3d/scenert/rt/job"
	"github.com/gekko3d/scenert/rt/objmap"
	"github.com/gekko3d/scenert/rt/pipelines"
	"github.com/gekko3d/scenert/rt/transfer"
)

const (
	DefaultBudget             = 1 << 30
	DefaultTextureDescriptors = 1 << 16
	DefaultSamplerDescriptors = 1 << 11
	DefaultFeedbackFrames     = 2

	mapPageBits = 8
	mapSlotBits = 12

	feedbackGrain = 1024
	// Dirty group counts above this fill their lists on the job system.
	parallelGroupThreshold = 64
	parallelGroupBatch     = 16
)

type Config struct {
	// Budget is the GPU memory assets may occupy before unused ones are
	// evicted.
	Budget             uint64
	TextureDescriptors uint32
	SamplerDescriptors uint32
	GroupChunkSize     uint64
	// FeedbackFrames is the number of feedback buffers cycled through; it
	// should cover the frames in flight.
	FeedbackFrames int
	Jobs           *job.System
	Logger         core.Logger
}

func (c Config) withDefaults() Config {
	if c.Budget == 0 {
		c.Budget = DefaultBudget
	}
	if c.TextureDescriptors == 0 {
		c.TextureDescriptors = DefaultTextureDescriptors
	}
	if c.SamplerDescriptors == 0 {
		c.SamplerDescriptors = DefaultSamplerDescriptors
	}
	if c.GroupChunkSize == 0 {
		c.GroupChunkSize = alloc.DefaultChunkSize
	}
	if c.FeedbackFrames <= 0 {
		c.FeedbackFrames = DefaultFeedbackFrames
	}
	c.Logger = core.OrNop(c.Logger)
	return c
}

type assetRecord struct {
	live             bool
	name             string
	asset            Asset
	status           Status
	activeGroupCount uint32
	activeFrameID    uint64
	groups           []GroupHandle
	charged          uint64
}

type groupRecord struct {
	live        bool
	name        string
	typ         GroupType
	status      GroupStatus
	entries     []GroupEntry
	members     []Handle
	dwords      uint32
	slice       alloc.Slice
	dirty       bool
	initialized bool
	lastUpdate  uint64
	lastCommit  uint64
	lastUse     uint64
}

type requestKind int

const (
	requestStream requestKind = iota
	requestEvict
	requestEvictUnused
	requestStop
)

type request struct {
	kind  requestKind
	group GroupHandle
}

type completion struct {
	asset      Handle
	transferID uint64
	stop       bool
}

type deferred struct {
	frameID uint64
	fn      func()
}

type feedbackSlot struct {
	buffer    gfx.Buffer
	capacity  uint32
	frameID   uint64
	processed bool
}

type Manager struct {
	dev   gfx.Device
	xfer  *transfer.Manager
	pipes *pipelines.Pipelines
	cfg   Config
	log   core.Logger

	ctx    context.Context
	cancel context.CancelFunc

	frameID       atomic.Uint64
	lastCompleted atomic.Uint64
	memoryUsed    atomic.Uint64

	textures *DescriptorPool
	samplers *DescriptorPool
	lists    *alloc.BufferPool

	// assetMu guards records, state transitions, the unused set and the
	// dirty group list.
	assetMu    sync.Mutex
	assets     *objmap.Map[assetRecord]
	groups     *objmap.Map[groupRecord]
	assetAlloc *objmap.Allocator
	groupAlloc *objmap.Allocator
	unused     map[Handle]uint64
	dirty      []GroupHandle
	released   []deferred
	feedback   []feedbackSlot
	current    int
	epoch      map[GroupHandle]bool
	epochFrame uint64
	closed     bool

	namesMu    sync.RWMutex
	assetNames map[string]Handle
	groupNames map[string]GroupHandle

	requests    workQueue[request]
	completions workQueue[completion]

	busyMu   sync.Mutex
	busyCond *sync.Cond
	busy     int

	wg sync.WaitGroup
}

func New(dev gfx.Device, xfer *transfer.Manager, pipes *pipelines.Pipelines, cfg Config) (*Manager, error) {
	cfg = cfg.withDefaults()
	textures, err := NewDescriptorPool(dev, "asset.textures", gfx.DescriptorImageView, cfg.TextureDescriptors)
	if err != nil {
		return nil, err
	}
	samplers, err := NewDescriptorPool(dev, "asset.samplers", gfx.DescriptorSampler, cfg.SamplerDescriptors)
	if err != nil {
		textures.Destroy()
		return nil, err
	}

	m := &Manager{
		dev:      dev,
		xfer:     xfer,
		pipes:    pipes,
		cfg:      cfg,
		log:      core.ForComponent(cfg.Logger, "asset"),
		textures: textures,
		samplers: samplers,
		lists: alloc.NewBufferPool(dev, alloc.PoolDesc{
			Name:      "asset.lists",
			Usage:     gfx.UsageShaderResource | gfx.UsageUnorderedAccess | gfx.UsageDeviceAddress,
			Memory:    gfx.MemoryDefault,
			ChunkSize: cfg.GroupChunkSize,
		}),
		assets:     objmap.NewMap[assetRecord](mapPageBits, mapSlotBits),
		groups:     objmap.NewMap[groupRecord](mapPageBits, mapSlotBits),
		assetAlloc: objmap.NewAllocator(1),
		groupAlloc: objmap.NewAllocator(1),
		unused:     map[Handle]uint64{},
		feedback:   make([]feedbackSlot, cfg.FeedbackFrames),
		epoch:      map[GroupHandle]bool{},
		assetNames: map[string]Handle{},
		groupNames: map[string]GroupHandle{},
	}
	m.ctx, m.cancel = context.WithCancel(context.Background())
	m.frameID.Store(1)
	m.busyCond = sync.NewCond(&m.busyMu)
	m.requests.init()
	m.completions.init()

	m.wg.Add(2)
	go m.requestWorker()
	go m.residencyWorker()
	return m, nil
}

func (m *Manager) iface(h Handle) *Iface { return &Iface{m: m, handle: h} }

// CreateAsset registers a. An empty name is replaced by a random one.
func (m *Manager) CreateAsset(name string, a Asset) (Handle, error) {
	if name == "" {
		name = uuid.NewString()
	}
	m.namesMu.Lock()
	if _, ok := m.assetNames[name]; ok {
		m.namesMu.Unlock()
		return 0, fmt.Errorf("%w: asset %q", ErrDuplicateName, name)
	}
	h := Handle(m.assetAlloc.Allocate())
	m.assetNames[name] = h
	m.namesMu.Unlock()

	m.assetMu.Lock()
	m.assets.Emplace(uint32(h), assetRecord{live: true, name: name, asset: a})
	m.assetMu.Unlock()
	m.log.Debugf("created %s %q as %d", a.Properties().Type, name, h)
	return h, nil
}

func (m *Manager) FindAsset(name string) (Handle, bool) {
	m.namesMu.RLock()
	defer m.namesMu.RUnlock()
	h, ok := m.assetNames[name]
	return h, ok
}

// DestroyAsset evicts and forgets an asset. It fails while a group still
// lists it.
func (m *Manager) DestroyAsset(h Handle) error {
	m.assetMu.Lock()
	defer m.assetMu.Unlock()
	rec, err := m.assetLocked(h)
	if err != nil {
		return err
	}
	if len(rec.groups) > 0 {
		return fmt.Errorf("%w: %q", ErrInUse, rec.name)
	}
	if rec.status != StatusNonResident {
		m.evictLocked(h, rec)
	}
	delete(m.unused, h)

	m.namesMu.Lock()
	delete(m.assetNames, rec.name)
	m.namesMu.Unlock()
	m.assets.Reset(uint32(h))
	m.assetAlloc.Free(uint32(h))
	return nil
}

func (m *Manager) assetLocked(h Handle) (*assetRecord, error) {
	if h == 0 || uint32(h) >= m.assets.Capacity() {
		return nil, fmt.Errorf("%w: asset %d", ErrNotFound, h)
	}
	rec := m.assets.Ref(uint32(h))
	if !rec.live {
		return nil, fmt.Errorf("%w: asset %d", ErrNotFound, h)
	}
	return rec, nil
}

func (m *Manager) groupLocked(g GroupHandle) (*groupRecord, error) {
	if g == 0 || uint32(g) >= m.groups.Capacity() {
		return nil, fmt.Errorf("%w: group %d", ErrNotFound, g)
	}
	grp := m.groups.Ref(uint32(g))
	if !grp.live {
		return nil, fmt.Errorf("%w: group %d", ErrNotFound, g)
	}
	return grp, nil
}

func (m *Manager) AssetInfo(h Handle) (Info, error) {
	m.assetMu.Lock()
	defer m.assetMu.Unlock()
	rec, err := m.assetLocked(h)
	if err != nil {
		return Info{}, err
	}
	props := rec.asset.Properties()
	props.Status = rec.status
	return Info{
		Name:             rec.name,
		Properties:       props,
		ActiveGroupCount: rec.activeGroupCount,
		ActiveFrameID:    rec.activeFrameID,
	}, nil
}

// CreateAssetGroup allocates a list for entries. Entry offsets are dwords
// past the list header.
func (m *Manager) CreateAssetGroup(name string, typ GroupType, entries []GroupEntry) (GroupHandle, error) {
	if name == "" {
		name = uuid.NewString()
	}
	m.assetMu.Lock()
	defer m.assetMu.Unlock()

	var dwords uint32
	var members []Handle
	seen := map[Handle]bool{}
	for _, e := range entries {
		if _, err := m.assetLocked(e.Asset); err != nil {
			return 0, fmt.Errorf("%w: %w", ErrInvalidEntry, err)
		}
		dwords = max(dwords, e.Offset+e.Kind.dwords())
		if !seen[e.Asset] {
			seen[e.Asset] = true
			members = append(members, e.Asset)
		}
	}

	m.namesMu.Lock()
	if _, ok := m.groupNames[name]; ok {
		m.namesMu.Unlock()
		return 0, fmt.Errorf("%w: group %q", ErrDuplicateName, name)
	}
	slice, err := m.lists.Alloc(ListHeaderSize+uint64(dwords)*4, 16)
	if err != nil {
		m.namesMu.Unlock()
		return 0, fmt.Errorf("asset: group %q: %w", name, err)
	}
	g := GroupHandle(m.groupAlloc.Allocate())
	m.groupNames[name] = g
	m.namesMu.Unlock()

	m.groups.Emplace(uint32(g), groupRecord{
		live:    true,
		name:    name,
		typ:     typ,
		entries: append([]GroupEntry(nil), entries...),
		members: members,
		dwords:  dwords,
		slice:   slice,
	})
	for _, h := range members {
		rec := m.assets.Ref(uint32(h))
		rec.groups = append(rec.groups, g)
	}
	m.markDirtyLocked(g)
	return g, nil
}

func (m *Manager) FindAssetGroup(name string) (GroupHandle, bool) {
	m.namesMu.RLock()
	defer m.namesMu.RUnlock()
	g, ok := m.groupNames[name]
	return g, ok
}

// DestroyAssetGroup releases a group. An active group is evicted first.
// Its list is freed once the current frame completes.
func (m *Manager) DestroyAssetGroup(g GroupHandle) error {
	m.assetMu.Lock()
	defer m.assetMu.Unlock()
	grp, err := m.groupLocked(g)
	if err != nil {
		return err
	}
	if grp.status&GroupActive != 0 {
		m.executeEvict(g)
	}
	for _, h := range grp.members {
		rec := m.assets.Ref(uint32(h))
		for i, x := range rec.groups {
			if x == g {
				rec.groups = append(rec.groups[:i], rec.groups[i+1:]...)
				break
			}
		}
	}
	slice := grp.slice
	m.deferLocked(func() { m.lists.Free(slice) })
	delete(m.epoch, g)

	m.namesMu.Lock()
	delete(m.groupNames, grp.name)
	m.namesMu.Unlock()
	m.groups.Reset(uint32(g))
	m.groupAlloc.Free(uint32(g))
	return nil
}

func (m *Manager) GroupInfo(g GroupHandle) (GroupInfo, error) {
	m.assetMu.Lock()
	defer m.assetMu.Unlock()
	grp, err := m.groupLocked(g)
	if err != nil {
		return GroupInfo{}, err
	}
	return GroupInfo{
		Name:              grp.name,
		Type:              grp.typ,
		Status:            grp.status,
		Entries:           append([]GroupEntry(nil), grp.entries...),
		DwordCount:        grp.dwords,
		GPUAddress:        grp.slice.GPUAddress(),
		LastUpdateFrameID: grp.lastUpdate,
		LastCommitFrameID: grp.lastCommit,
		LastUseFrameID:    grp.lastUse,
	}, nil
}

// GroupAddress is the GPU address of the group's list header, or 0.
func (m *Manager) GroupAddress(g GroupHandle) uint64 {
	m.assetMu.Lock()
	defer m.assetMu.Unlock()
	grp, err := m.groupLocked(g)
	if err != nil {
		return 0
	}
	return grp.slice.GPUAddress()
}

func (m *Manager) StreamAssetGroup(g GroupHandle) error {
	return m.enqueue(request{kind: requestStream, group: g})
}

func (m *Manager) EvictAssetGroup(g GroupHandle) error {
	return m.enqueue(request{kind: requestEvict, group: g})
}

// EvictUnused schedules an eviction pass over the unused set.
func (m *Manager) EvictUnused() error {
	return m.enqueue(request{kind: requestEvictUnused})
}

// Sync blocks until every queued request and residency completion has
// been processed.
func (m *Manager) Sync(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		m.busyMu.Lock()
		m.busyCond.Broadcast()
		m.busyMu.Unlock()
	})
	defer stop()

	m.busyMu.Lock()
	defer m.busyMu.Unlock()
	for m.busy > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		m.busyCond.Wait()
	}
	return nil
}

// MemoryUsed is the GPU memory charged by resident assets.
func (m *Manager) MemoryUsed() uint64 { return m.memoryUsed.Load() }

func (m *Manager) Budget() uint64 { return m.cfg.Budget }

func (m *Manager) TextureDescriptors() gfx.DescriptorArray { return m.textures.Array() }

func (m *Manager) SamplerDescriptors() gfx.DescriptorArray { return m.samplers.Array() }

// Close stops both workers, evicts every resident asset and releases all
// GPU memory. The device must be idle.
func (m *Manager) Close() error {
	m.assetMu.Lock()
	if m.closed {
		m.assetMu.Unlock()
		return nil
	}
	m.closed = true
	m.assetMu.Unlock()

	m.requests.push(request{kind: requestStop})
	m.completions.push(completion{stop: true})
	m.cancel()
	m.wg.Wait()

	m.assetMu.Lock()
	defer m.assetMu.Unlock()
	for h := uint32(1); h < m.assetAlloc.Count(); h++ {
		rec := m.assets.Ref(h)
		if rec.live && rec.status != StatusNonResident {
			m.evictLocked(Handle(h), rec)
		}
	}
	for _, d := range m.released {
		d.fn()
	}
	m.released = nil
	for _, s := range m.feedback {
		if s.buffer != nil {
			s.buffer.Destroy()
		}
	}
	m.lists.Destroy()
	m.textures.Destroy()
	m.samplers.Destroy()
	return nil
}

func (m *Manager) enqueue(r request) error {
	m.assetMu.Lock()
	closed := m.closed
	m.assetMu.Unlock()
	if closed {
		return ErrClosed
	}
	m.addBusy(1)
	m.requests.push(r)
	return nil
}

func (m *Manager) addBusy(n int) {
	m.busyMu.Lock()
	m.busy += n
	if m.busy == 0 {
		m.busyCond.Broadcast()
	}
	m.busyMu.Unlock()
}

// release destroys obj once the current frame completes.
func (m *Manager) release(obj gfx.Destroyer) {
	m.deferLocked(obj.Destroy)
}

// deferLocked runs fn once the current frame completes. Callers hold
// assetMu; asset implementations reach it through Iface during calls the
// manager makes under that lock.
func (m *Manager) deferLocked(fn func()) {
	m.released = append(m.released, deferred{frameID: m.frameID.Load(), fn: fn})
}

func (m *Manager) runDeferredLocked(lastCompleted uint64) {
	n := 0
	for _, d := range m.released {
		if d.frameID <= lastCompleted {
			d.fn()
			continue
		}
		m.released[n] = d
		n++
	}
	clear(m.released[n:])
	m.released = m.released[:n]
}

func (m *Manager) markDirtyLocked(g GroupHandle) {
	grp := m.groups.Ref(uint32(g))
	if !grp.live || grp.dirty {
		return
	}
	grp.dirty = true
	m.dirty = append(m.dirty, g)
}

func (m *Manager) markAssetGroupsDirtyLocked(rec *assetRecord) {
	for _, g := range rec.groups {
		m.markDirtyLocked(g)
	}
}

type workQueue[T any] struct {
	mu    sync.Mutex
	cond  *sync.Cond
	items []T
}

func (q *workQueue[T]) init() { q.cond = sync.NewCond(&q.mu) }

func (q *workQueue[T]) push(v T) {
	q.mu.Lock()
	q.items = append(q.items, v)
	q.mu.Unlock()
	q.cond.Signal()
}

func (q *workQueue[T]) pop() T {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 {
		q.cond.Wait()
	}
	v := q.items[0]
	var zero T
	q.items[0] = zero
	q.items = q.items[1:]
	return v
}
