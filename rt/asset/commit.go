package asset

import (
	"encoding/binary"
	"fmt"

	"github.com/gekko3d/scenert/rt/core"
	"github.com/gekko3d/scenert/rt/gfx"
	"github.com/gekko3d/scenert/rt/pipelines"
)

type listWrite struct {
	group    GroupHandle
	grp      *groupRecord
	data     []byte
	resident bool
}

// CommitUpdates rewrites the lists of every dirty group and clears this
// frame's feedback buffer. Objects released by assets are destroyed once
// lastCompletedFrameID has caught up with the frame they were released in.
func (m *Manager) CommitUpdates(ctx gfx.Context, frameID, lastCompletedFrameID uint64) error {
	m.frameID.Store(frameID)
	m.lastCompleted.Store(lastCompletedFrameID)

	m.assetMu.Lock()
	defer m.assetMu.Unlock()

	m.runDeferredLocked(lastCompletedFrameID)
	m.lists.Trim(0.5)

	if err := m.prepareFeedbackLocked(ctx, frameID); err != nil {
		return err
	}

	writes := make([]listWrite, 0, len(m.dirty))
	for _, g := range m.dirty {
		grp := m.groups.Ref(uint32(g))
		if !grp.live || !grp.dirty {
			continue
		}
		grp.dirty = false
		writes = append(writes, listWrite{group: g, grp: grp})
	}
	clear(m.dirty)
	m.dirty = m.dirty[:0]

	if jobs := m.cfg.Jobs; jobs != nil && len(writes) > parallelGroupThreshold {
		j := jobs.NewBatch(uint32(len(writes)), parallelGroupBatch, func(i uint32) {
			m.fillListLocked(&writes[i])
		})
		jobs.Queue(j)
		jobs.Wait(j)
	} else {
		for i := range writes {
			m.fillListLocked(&writes[i])
		}
	}

	for i := range writes {
		w := &writes[i]
		var src uint64
		if len(w.data) > 0 {
			s, err := ctx.WriteScratch(w.data)
			if err != nil {
				return fmt.Errorf("asset: list %q: %w", w.grp.name, err)
			}
			src = s.GPUAddress()
		}
		var init uint32
		if !w.grp.initialized {
			init = 1
			w.grp.initialized = true
		}
		m.pipes.UpdateAssetList(ctx, pipelines.AssetListUpdateArgs{
			DstAddress:  w.grp.slice.GPUAddress(),
			SrcAddress:  src,
			DwordCount:  w.grp.dwords,
			GroupHandle: uint32(w.group),
			FrameID:     uint32(frameID),
			Init:        init,
		})
		w.grp.lastUpdate = frameID
		w.grp.lastCommit = frameID
		if w.resident {
			w.grp.status |= GroupResident
		} else {
			w.grp.status &^= GroupResident
		}
	}

	if m.memoryUsed.Load() > m.cfg.Budget && !m.closed {
		m.addBusy(1)
		m.requests.push(request{kind: requestEvictUnused})
	}
	return nil
}

// fillListLocked packs the entries of one group. Only resident assets
// write non-zero values.
func (m *Manager) fillListLocked(w *listWrite) {
	w.data = make([]byte, int(w.grp.dwords)*4)
	w.resident = true
	for _, e := range w.grp.entries {
		rec := m.assets.Ref(uint32(e.Asset))
		if !rec.live || rec.status != StatusResident {
			w.resident = false
			continue
		}
		p := rec.asset.Properties()
		off := int(e.Offset) * 4
		switch e.Kind {
		case RefDescriptor:
			binary.LittleEndian.PutUint32(w.data[off:], p.DescriptorIndex)
		case RefAddress:
			binary.LittleEndian.PutUint64(w.data[off:], p.GPUAddress)
		}
	}
}

// prepareFeedbackLocked selects and clears the feedback buffer shaders
// write to in frameID, growing it with the group count.
func (m *Manager) prepareFeedbackLocked(ctx gfx.Context, frameID uint64) error {
	m.current = int(frameID % uint64(len(m.feedback)))
	slot := &m.feedback[m.current]
	need := core.AlignUp(m.groupAlloc.Count(), feedbackGrain)
	if slot.buffer == nil || slot.capacity < need {
		if slot.buffer != nil {
			m.deferLocked(slot.buffer.Destroy)
		}
		buf, err := m.dev.CreateBuffer(gfx.BufferDesc{
			Name:   fmt.Sprintf("asset.feedback.%d", m.current),
			Size:   uint64(need+1) * 4,
			Usage:  gfx.UsageUnorderedAccess | gfx.UsageDeviceAddress | gfx.UsageTransferDst,
			Memory: gfx.MemoryDefaultMappable,
		})
		if err != nil {
			slot.buffer = nil
			return fmt.Errorf("asset: feedback buffer: %w", err)
		}
		slot.buffer = buf
		slot.capacity = need
	}
	ctx.ClearBuffer(slot.buffer, 0, slot.buffer.Desc().Size, 0)
	slot.frameID = frameID
	slot.processed = false
	return nil
}

// FeedbackAddress is the buffer shaders record accessed groups into this
// frame: a count followed by group handles.
func (m *Manager) FeedbackAddress() uint64 {
	m.assetMu.Lock()
	defer m.assetMu.Unlock()
	if b := m.feedback[m.current].buffer; b != nil {
		return b.GPUAddress()
	}
	return 0
}

// FeedbackCapacity is the number of group handles the current feedback
// buffer holds.
func (m *Manager) FeedbackCapacity() uint32 {
	m.assetMu.Lock()
	defer m.assetMu.Unlock()
	return m.feedback[m.current].capacity
}

// ProcessFeedback reads the newest completed feedback buffer. GPU managed
// groups that were accessed and not in the previous epoch are streamed;
// groups of the previous epoch that were not accessed are evicted.
func (m *Manager) ProcessFeedback(frameID, lastCompletedFrameID uint64) error {
	m.assetMu.Lock()
	slot := m.readyFeedbackLocked(lastCompletedFrameID)
	if slot == nil {
		m.assetMu.Unlock()
		return nil
	}
	slot.processed = true
	data := slot.buffer.Map()
	count := min(binary.LittleEndian.Uint32(data), slot.capacity)

	seen := make(map[GroupHandle]bool, count)
	var stream, evict []GroupHandle
	for i := range count {
		g := GroupHandle(binary.LittleEndian.Uint32(data[4+4*i:]))
		if seen[g] {
			continue
		}
		grp, err := m.groupLocked(g)
		if err != nil || grp.typ != GroupGPUManaged {
			continue
		}
		seen[g] = true
		if grp.lastUse == 0 || !m.epoch[g] {
			stream = append(stream, g)
		}
		grp.lastUse = frameID
	}
	for g := range m.epoch {
		if !seen[g] {
			evict = append(evict, g)
		}
	}
	m.epoch = seen
	m.epochFrame = frameID
	m.assetMu.Unlock()

	for _, g := range evict {
		if err := m.EvictAssetGroup(g); err != nil {
			return err
		}
	}
	for _, g := range stream {
		if err := m.StreamAssetGroup(g); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) readyFeedbackLocked(lastCompleted uint64) *feedbackSlot {
	var best *feedbackSlot
	for i := range m.feedback {
		s := &m.feedback[i]
		if s.buffer == nil || s.processed || s.frameID == 0 || s.frameID > lastCompleted {
			continue
		}
		if best == nil || s.frameID > best.frameID {
			best = s
		}
	}
	return best
}
