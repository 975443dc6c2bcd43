package transfer

import (
	"context"
	"fmt"
	"sync"

	"github.com/gekko3d/scenert/rt/alloc"
	"github.com/gekko3d/scenert/rt/archive"
	"github.com/gekko3d/scenert/rt/core"
	"github.com/gekko3d/scenert/rt/gfx"
)

func (m *Manager) submitWorker() {
	defer m.wg.Done()
	for {
		m.mu.Lock()
		for len(m.batches) == 0 && !m.closing {
			m.cond.Wait()
		}
		if len(m.batches) == 0 {
			m.mu.Unlock()
			m.pushRetirement(retirement{stop: true})
			return
		}
		b := m.batches[0]
		m.batches = m.batches[1:]
		m.mu.Unlock()

		m.processBatch(b)
	}
}

func (m *Manager) processBatch(b *batch) {
	var staging []alloc.Range
	for _, r := range b.requests {
		if r.direct || r.stagingSize == 0 {
			continue
		}
		off, err := m.reserveStaging(r.stagingSize)
		if err != nil {
			m.fail(r, err)
			continue
		}
		r.stagingOffset = off
		r.staged = true
		staging = append(staging, alloc.Range{Offset: off, Size: r.stagingSize})
	}

	m.readBatch(b)

	if err := m.slots.Acquire(context.Background(), 1); err != nil {
		m.log.Errorf("acquire context: %v", err)
		return
	}
	ctx := m.contexts[m.nextSlot]
	m.nextSlot = (m.nextSlot + 1) % ContextCount

	if err := m.record(ctx, b); err != nil {
		m.log.Errorf("record batch %d: %v", b.lastID, err)
	}
	if err := m.dev.Submit(gfx.SubmitDesc{
		Contexts: []gfx.Context{ctx},
		Signal:   []gfx.SemaphoreValue{{Semaphore: m.timeline, Value: b.lastID}},
	}); err != nil {
		m.log.Errorf("submit batch %d: %v", b.lastID, err)
		for _, r := range b.requests {
			if r.err == nil {
				m.fail(r, err)
			}
		}
		// Nothing will signal the timeline; advance it from the host so
		// waiters and retirement still make progress.
		_ = m.timeline.Signal(b.lastID)
	}

	m.stagingMu.Lock()
	m.inFlight++
	m.stagingMu.Unlock()
	m.pushRetirement(retirement{lastID: b.lastID, staging: staging})
}

// reserveStaging waits for retirement to free space. A request that cannot
// fit even with nothing in flight fails.
func (m *Manager) reserveStaging(size uint64) (uint64, error) {
	if size > m.cfg.StagingSize {
		return 0, fmt.Errorf("%w: %d > %d", ErrTooLarge, size, m.cfg.StagingSize)
	}
	m.stagingMu.Lock()
	defer m.stagingMu.Unlock()
	for {
		if off, ok := m.stagingAlloc.Alloc(size, stagingAlignment); ok {
			return off, nil
		}
		if m.inFlight == 0 {
			return 0, fmt.Errorf("%w: %d bytes fragmented", ErrTooLarge, size)
		}
		m.stagingCond.Wait()
	}
}

// readBatch issues the batch's reads, one asynchronous group per archive,
// and waits for all completions.
func (m *Manager) readBatch(b *batch) {
	type group struct {
		arc  *archive.Archive
		reqs []archive.Request
		owns []*request
	}
	var groups []*group
	byArc := map[*archive.Archive]*group{}
	mem := m.staging.Map()

	for _, r := range b.requests {
		if r.err != nil {
			continue
		}
		var dst []byte
		decode := true
		switch {
		case r.direct:
			mapped := r.buffer.Map()
			end := r.bufferOffset + uint64(r.sf.RawSize)
			if end > uint64(len(mapped)) {
				m.fail(r, fmt.Errorf("%w: destination too small", archive.ErrOutOfBounds))
				continue
			}
			dst = mapped[r.bufferOffset:end]
		case r.staged:
			dst = mem[r.stagingOffset : r.stagingOffset+r.stagingSize]
			decode = !r.gpuDecode
		default:
			continue
		}
		g := byArc[r.arc]
		if g == nil {
			g = &group{arc: r.arc}
			byArc[r.arc] = g
			groups = append(groups, g)
		}
		g.reqs = append(g.reqs, archive.Request{SubFile: r.sf, Dst: dst, Decode: decode})
		g.owns = append(g.owns, r)
	}

	var wg sync.WaitGroup
	for _, g := range groups {
		wg.Add(1)
		g.arc.ReadAsync(context.Background(), g.reqs, func(err error) {
			defer wg.Done()
			if err != nil {
				for _, r := range g.owns {
					m.fail(r, err)
				}
				return
			}
			for _, r := range g.owns {
				m.bytes.Add(uint64(r.sf.RawSize))
			}
		})
	}
	wg.Wait()
}

// record emits the copy commands for the successful requests of b.
func (m *Manager) record(ctx gfx.Context, b *batch) error {
	if err := ctx.Begin(); err != nil {
		return err
	}
	ctx.BeginDebugLabel("transfer")

	var images []*request
	for _, r := range b.requests {
		if r.err == nil && r.image != nil {
			images = append(images, r)
			ctx.ImageBarrier(r.image, subRange(r.sub), 0, gfx.UsageTransferDst, gfx.BarrierDiscard)
		}
	}

	for _, r := range b.requests {
		if r.err != nil || r.buffer == nil || r.direct {
			continue
		}
		if r.gpuDecode {
			ctx.DecompressBuffer(r.buffer, r.bufferOffset, m.staging, r.stagingOffset, uint64(r.sf.CompressedSize), uint64(r.sf.RawSize))
		} else {
			ctx.CopyBuffer(r.buffer, r.bufferOffset, m.staging, r.stagingOffset, uint64(r.sf.RawSize))
		}
	}

	var scratchOff uint64
	var scratchBatch []*request
	var scratchOffsets []uint64
	flushScratch := func() {
		if len(scratchBatch) == 0 {
			return
		}
		ctx.MemoryBarrier(gfx.StageTransfer, gfx.AccessTransferWrite, gfx.StageTransfer, gfx.AccessTransferRead)
		for i, r := range scratchBatch {
			ctx.CopyBufferToImage(r.image, r.sub, m.scratch, scratchOffsets[i])
		}
		ctx.MemoryBarrier(gfx.StageTransfer, gfx.AccessTransferRead, gfx.StageTransfer, gfx.AccessTransferWrite)
		scratchBatch, scratchOffsets, scratchOff = scratchBatch[:0], scratchOffsets[:0], 0
	}
	for _, r := range images {
		if !r.gpuDecode {
			ctx.CopyBufferToImage(r.image, r.sub, m.staging, r.stagingOffset)
			continue
		}
		raw := uint64(r.sf.RawSize)
		if scratchOff+raw > m.cfg.ScratchSize {
			flushScratch()
		}
		ctx.DecompressBuffer(m.scratch, scratchOff, m.staging, r.stagingOffset, uint64(r.sf.CompressedSize), raw)
		scratchBatch = append(scratchBatch, r)
		scratchOffsets = append(scratchOffsets, scratchOff)
		scratchOff += core.AlignUp(raw, stagingAlignment)
	}
	flushScratch()

	ctx.MemoryBarrier(gfx.StageTransfer, gfx.AccessTransferWrite, gfx.StageAll, gfx.AccessRead)
	for _, r := range images {
		ctx.ImageBarrier(r.image, subRange(r.sub), gfx.UsageTransferDst, gfx.UsageShaderResource, 0)
	}
	ctx.EndDebugLabel()
	return ctx.End()
}

func subRange(sub gfx.ImageSubresource) gfx.ImageRange {
	aspect := sub.Aspect
	if aspect == 0 {
		aspect = gfx.AspectColor
	}
	return gfx.ImageRange{Aspect: aspect, BaseMip: sub.MipLevel, MipCount: 1, BaseLayer: sub.ArrayLayer, LayerCount: 1}
}

func (m *Manager) pushRetirement(r retirement) {
	m.retireMu.Lock()
	m.retires = append(m.retires, r)
	m.retireCond.Signal()
	m.retireMu.Unlock()
}

func (m *Manager) retireWorker() {
	defer m.wg.Done()
	for {
		m.retireMu.Lock()
		for len(m.retires) == 0 {
			m.retireCond.Wait()
		}
		r := m.retires[0]
		m.retires = m.retires[1:]
		m.retireMu.Unlock()

		if r.stop {
			return
		}
		if err := m.timeline.Wait(context.Background(), r.lastID); err != nil {
			m.log.Errorf("wait for batch %d: %v", r.lastID, err)
		}

		m.stagingMu.Lock()
		for _, s := range r.staging {
			m.stagingAlloc.Free(s.Offset, s.Size)
		}
		m.inFlight--
		m.stagingCond.Broadcast()
		m.stagingMu.Unlock()
		m.slots.Release(1)

		m.doneMu.Lock()
		m.completed.Store(r.lastID)
		m.doneCond.Broadcast()
		m.doneMu.Unlock()
	}
}
