// Package transfer streams archive sub-files into GPU buffers and images.
// Requests are grouped into batches; a submission worker reads them into a
// staging ring and records copies, a retirement worker waits for the GPU
// and recycles staging memory. Every request gets an id; a batch signals
// the transfer timeline with the id of its last request.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"github.com/gekko3d/scenert/rt/alloc"
	"github.com/gekko3d/scenert/rt/archive"
	"github.com/gekko3d/scenert/rt/core"
	"github.com/gekko3d/scenert/rt/gfx"
)

const (
	// ContextCount bounds the batches in flight on the GPU.
	ContextCount = 4

	DefaultStagingSize = 64 << 20
	DefaultScratchSize = 16 << 20

	stagingAlignment = 256
)

var (
	ErrClosed       = errors.New("transfer: manager closed")
	ErrTooLarge     = errors.New("transfer: request exceeds staging capacity")
	ErrNotSupported = errors.New("transfer: unsupported request")
)

type Config struct {
	// StagingSize is the size of the host visible staging ring.
	StagingSize uint64
	// ScratchSize bounds GPU decompression of image data per copy batch.
	ScratchSize uint64
	Logger      core.Logger
}

func (c Config) withDefaults() Config {
	if c.StagingSize == 0 {
		c.StagingSize = DefaultStagingSize
	}
	if c.ScratchSize == 0 {
		c.ScratchSize = DefaultScratchSize
	}
	c.Logger = core.OrNop(c.Logger)
	return c
}

type request struct {
	id  uint64
	arc *archive.Archive
	sf  *archive.SubFile

	buffer       gfx.Buffer
	bufferOffset uint64
	image        gfx.Image
	sub          gfx.ImageSubresource

	direct      bool
	gpuDecode   bool
	stagingSize uint64

	stagingOffset uint64
	staged        bool
	err           error
}

type batch struct {
	requests []*request
	lastID   uint64
}

type retirement struct {
	lastID  uint64
	staging []alloc.Range
	stop    bool
}

// Stats counts manager activity.
type Stats struct {
	Requests uint64
	Flushes  uint64
	Bytes    uint64
}

type Manager struct {
	dev gfx.Device
	cfg Config
	log core.Logger

	timeline gfx.Semaphore
	scratch  gfx.Buffer

	staging      gfx.Buffer
	stagingMu    sync.Mutex
	stagingCond  *sync.Cond
	stagingAlloc *alloc.ChunkAllocator
	inFlight     int

	slots    *semaphore.Weighted
	contexts [ContextCount]gfx.Context
	nextSlot int

	mu          sync.Mutex
	cond        *sync.Cond
	lastID      uint64
	flushedID   uint64
	pending     []*request
	pendingSize uint64
	batches     []*batch
	closing     bool

	retireMu   sync.Mutex
	retireCond *sync.Cond
	retires    []retirement

	doneMu    sync.Mutex
	doneCond  *sync.Cond
	completed atomic.Uint64

	failMu sync.Mutex
	failed map[uint64]error

	requests atomic.Uint64
	flushes  atomic.Uint64
	bytes    atomic.Uint64

	wg sync.WaitGroup
}

func New(dev gfx.Device, cfg Config) (*Manager, error) {
	cfg = cfg.withDefaults()
	m := &Manager{
		dev:          dev,
		cfg:          cfg,
		log:          core.ForComponent(cfg.Logger, "transfer"),
		stagingAlloc: alloc.NewChunkAllocator(cfg.StagingSize),
		slots:        semaphore.NewWeighted(ContextCount),
		failed:       map[uint64]error{},
	}
	m.stagingCond = sync.NewCond(&m.stagingMu)
	m.cond = sync.NewCond(&m.mu)
	m.retireCond = sync.NewCond(&m.retireMu)
	m.doneCond = sync.NewCond(&m.doneMu)

	var err error
	if m.timeline, err = dev.CreateSemaphore(gfx.SemaphoreDesc{Name: "transfer"}); err != nil {
		return nil, fmt.Errorf("transfer: timeline: %w", err)
	}
	if m.staging, err = dev.CreateBuffer(gfx.BufferDesc{
		Name:   "transfer/staging",
		Size:   cfg.StagingSize,
		Usage:  gfx.UsageTransferSrc | gfx.UsageDecompressionSrc,
		Memory: gfx.MemoryUpload,
	}); err != nil {
		return nil, fmt.Errorf("transfer: staging: %w", err)
	}
	if dev.Features().GDeflate {
		if m.scratch, err = dev.CreateBuffer(gfx.BufferDesc{
			Name:  "transfer/scratch",
			Size:  cfg.ScratchSize,
			Usage: gfx.UsageTransferSrc | gfx.UsageTransferDst,
		}); err != nil {
			m.staging.Destroy()
			return nil, fmt.Errorf("transfer: scratch: %w", err)
		}
	}
	for i := range m.contexts {
		if m.contexts[i], err = dev.CreateContext(gfx.QueueComputeTransfer); err != nil {
			return nil, fmt.Errorf("transfer: context %d: %w", i, err)
		}
	}

	m.wg.Add(2)
	go m.submitWorker()
	go m.retireWorker()
	return m, nil
}

// Timeline is signalled with the last request id of each batch.
func (m *Manager) Timeline() gfx.Semaphore { return m.timeline }

// UploadBuffer streams sf into dst at dstOffset. Uncompressed sub-files
// bound for mappable destinations are written directly by the I/O path.
func (m *Manager) UploadBuffer(arc *archive.Archive, sf *archive.SubFile, dst gfx.Buffer, dstOffset uint64) uint64 {
	r := &request{arc: arc, sf: sf, buffer: dst, bufferOffset: dstOffset}
	r.direct = directUpload(sf, dst)
	if !r.direct {
		r.gpuDecode = m.canGPUDecode(sf)
		r.stagingSize = stagedSize(sf, r.gpuDecode)
	}
	return m.enqueue(r)
}

// UploadImage streams sf into one subresource of dst. The payload must be
// the tightly packed subresource.
func (m *Manager) UploadImage(arc *archive.Archive, sf *archive.SubFile, dst gfx.Image, sub gfx.ImageSubresource) uint64 {
	r := &request{arc: arc, sf: sf, image: dst, sub: sub}
	r.gpuDecode = m.canGPUDecode(sf) && uint64(sf.RawSize) <= m.cfg.ScratchSize
	r.stagingSize = stagedSize(sf, r.gpuDecode)
	return m.enqueue(r)
}

func directUpload(sf *archive.SubFile, dst gfx.Buffer) bool {
	return sf.Compression == archive.CompressionNone && dst.Map() != nil
}

func (m *Manager) canGPUDecode(sf *archive.SubFile) bool {
	return m.dev.Features().GDeflate && sf.Compression == archive.CompressionGDeflate
}

func stagedSize(sf *archive.SubFile, gpuDecode bool) uint64 {
	if gpuDecode {
		return uint64(sf.CompressedSize)
	}
	return uint64(sf.RawSize)
}

func (m *Manager) enqueue(r *request) uint64 {
	m.requests.Add(1)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastID++
	r.id = m.lastID
	if m.closing {
		m.fail(r, ErrClosed)
		return r.id
	}
	if len(m.pending) > 0 && m.pendingSize+r.stagingSize > m.cfg.StagingSize {
		m.flushLocked()
	}
	m.pending = append(m.pending, r)
	m.pendingSize += r.stagingSize
	if m.pendingSize > m.cfg.StagingSize/4 {
		m.flushLocked()
	}
	return r.id
}

// Flush hands pending requests to the submission worker.
func (m *Manager) Flush() {
	m.mu.Lock()
	m.flushLocked()
	m.mu.Unlock()
}

func (m *Manager) flushLocked() {
	if len(m.pending) == 0 {
		return
	}
	m.batches = append(m.batches, &batch{requests: m.pending, lastID: m.lastID})
	m.flushedID = m.lastID
	m.pending = nil
	m.pendingSize = 0
	m.flushes.Add(1)
	m.cond.Signal()
}

// CompletedBatchID returns the largest id whose upload has completed.
// Pending requests are flushed so the value eventually advances.
func (m *Manager) CompletedBatchID() uint64 {
	m.Flush()
	return m.completed.Load()
}

// WaitForCompletion blocks until request id has completed.
func (m *Manager) WaitForCompletion(ctx context.Context, id uint64) error {
	if err := m.Err(id); errors.Is(err, ErrClosed) {
		return err
	}
	m.mu.Lock()
	if id > m.lastID {
		m.mu.Unlock()
		return fmt.Errorf("transfer: wait for unknown id %d", id)
	}
	if id > m.flushedID {
		m.flushLocked()
	}
	m.mu.Unlock()

	stop := context.AfterFunc(ctx, func() {
		m.doneMu.Lock()
		m.doneCond.Broadcast()
		m.doneMu.Unlock()
	})
	defer stop()

	m.doneMu.Lock()
	defer m.doneMu.Unlock()
	for m.completed.Load() < id {
		if err := ctx.Err(); err != nil {
			return err
		}
		m.doneCond.Wait()
	}
	return nil
}

// Err returns the failure of request id, or nil.
func (m *Manager) Err(id uint64) error {
	m.failMu.Lock()
	defer m.failMu.Unlock()
	return m.failed[id]
}

func (m *Manager) Stats() Stats {
	return Stats{Requests: m.requests.Load(), Flushes: m.flushes.Load(), Bytes: m.bytes.Load()}
}

// StagingIdle reports whether no staging memory is reserved.
func (m *Manager) StagingIdle() bool {
	m.stagingMu.Lock()
	defer m.stagingMu.Unlock()
	return m.stagingAlloc.IsEmpty()
}

// Close flushes outstanding work, waits for it and stops both workers.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closing {
		m.mu.Unlock()
		return nil
	}
	m.flushLocked()
	m.closing = true
	m.cond.Broadcast()
	m.mu.Unlock()

	m.wg.Wait()
	m.staging.Destroy()
	if m.scratch != nil {
		m.scratch.Destroy()
	}
	return nil
}

func (m *Manager) fail(r *request, err error) {
	r.err = err
	m.log.Errorf("request %d (%s): %v", r.id, r.sf.Identifier, err)
	m.failMu.Lock()
	m.failed[r.id] = err
	m.failMu.Unlock()
}
