package asset

import (
	"cmp"
	"slices"
)

func (m *Manager) requestWorker() {
	defer m.wg.Done()
	for {
		r := m.requests.pop()
		if r.kind == requestStop {
			return
		}
		m.assetMu.Lock()
		switch r.kind {
		case requestStream:
			m.executeStream(r.group)
		case requestEvict:
			m.executeEvict(r.group)
		case requestEvictUnused:
			m.executeEvictUnused()
		}
		m.assetMu.Unlock()
		m.addBusy(-1)
	}
}

func (m *Manager) residencyWorker() {
	defer m.wg.Done()
	for {
		c := m.completions.pop()
		if c.stop {
			return
		}
		err := m.xfer.WaitForCompletion(m.ctx, c.transferID)
		if err == nil {
			err = m.xfer.Err(c.transferID)
		}

		m.assetMu.Lock()
		rec, lookupErr := m.assetLocked(c.asset)
		switch {
		case lookupErr != nil || rec.status != StatusStreamRequest:
		case err != nil:
			m.log.Errorf("stream %q: %v", rec.name, err)
			rec.asset.Evict(m.iface(c.asset))
			rec.status = StatusNonResident
		default:
			m.makeResidentLocked(c.asset, rec)
		}
		m.assetMu.Unlock()
		m.addBusy(-1)
	}
}

// executeStream activates a group and starts streaming its members.
func (m *Manager) executeStream(g GroupHandle) {
	grp, err := m.groupLocked(g)
	if err != nil {
		m.log.Warnf("stream: %v", err)
		return
	}
	if m.memoryUsed.Load() > m.cfg.Budget {
		m.executeEvictUnused()
	}
	if grp.status&GroupActive != 0 {
		return
	}
	grp.status |= GroupActive
	for _, h := range grp.members {
		rec := m.assets.Ref(uint32(h))
		switch rec.status {
		case StatusNonResident:
			m.requestStreamLocked(h, rec)
		case StatusEvictRequest:
			m.makeResidentLocked(h, rec)
		}
		if rec.activeGroupCount == 0 {
			delete(m.unused, h)
		}
		rec.activeGroupCount++
	}
	m.markDirtyLocked(g)
}

func (m *Manager) requestStreamLocked(h Handle, rec *assetRecord) {
	id, err := rec.asset.RequestStream(m.iface(h))
	if err != nil {
		m.log.Errorf("request stream %q: %v", rec.name, err)
		return
	}
	if id == 0 {
		m.makeResidentLocked(h, rec)
		return
	}
	rec.status = StatusStreamRequest
	m.addBusy(1)
	m.completions.push(completion{asset: h, transferID: id})
}

func (m *Manager) makeResidentLocked(h Handle, rec *assetRecord) {
	if err := rec.asset.MakeResident(m.iface(h)); err != nil {
		m.log.Errorf("make resident %q: %v", rec.name, err)
		if rec.status != StatusEvictRequest {
			rec.asset.Evict(m.iface(h))
			rec.status = StatusNonResident
		}
		return
	}
	rec.status = StatusResident
	if rec.charged == 0 {
		rec.charged = rec.asset.GPUSize()
		m.memoryUsed.Add(rec.charged)
	}
	m.markAssetGroupsDirtyLocked(rec)
}

func (m *Manager) evictLocked(h Handle, rec *assetRecord) {
	rec.asset.Evict(m.iface(h))
	rec.status = StatusNonResident
	m.memoryUsed.Add(-rec.charged)
	rec.charged = 0
	m.markAssetGroupsDirtyLocked(rec)
}

// executeEvict deactivates a group. Members no longer used by any active
// group join the unused set.
func (m *Manager) executeEvict(g GroupHandle) {
	grp, err := m.groupLocked(g)
	if err != nil {
		m.log.Warnf("evict: %v", err)
		return
	}
	if grp.status&GroupActive == 0 {
		return
	}
	grp.status &^= GroupActive
	frame := m.frameID.Load()
	for _, h := range grp.members {
		rec := m.assets.Ref(uint32(h))
		if rec.activeGroupCount == 0 {
			continue
		}
		rec.activeGroupCount--
		if rec.activeGroupCount > 0 {
			continue
		}
		rec.activeFrameID = frame
		if rec.asset.GPUSize() == 0 {
			continue
		}
		m.unused[h] = frame
	}
}

type unusedEntry struct {
	frameID uint64
	asset   Handle
}

// executeEvictUnused walks the unused set oldest first until memory is
// within budget - budget/8. Resident assets are asked to evict and
// re-inserted at the current frame; assets already asked are evicted once
// that frame has completed.
func (m *Manager) executeEvictUnused() {
	target := m.cfg.Budget - m.cfg.Budget/8
	used := m.memoryUsed.Load()
	if used <= target {
		return
	}

	entries := make([]unusedEntry, 0, len(m.unused))
	var pending uint64
	for h, f := range m.unused {
		entries = append(entries, unusedEntry{frameID: f, asset: h})
		if rec := m.assets.Ref(uint32(h)); rec.status == StatusEvictRequest {
			pending += rec.charged
		}
	}
	slices.SortFunc(entries, func(a, b unusedEntry) int {
		if c := cmp.Compare(a.frameID, b.frameID); c != 0 {
			return c
		}
		return cmp.Compare(a.asset, b.asset)
	})

	frame := m.frameID.Load()
	last := m.lastCompleted.Load()
	for _, e := range entries {
		if used <= target {
			break
		}
		rec := m.assets.Ref(uint32(e.asset))
		if !rec.live || rec.asset.GPUSize() == 0 {
			delete(m.unused, e.asset)
			continue
		}
		switch rec.status {
		case StatusResident:
			if used-pending <= target {
				continue
			}
			rec.asset.RequestEviction(m.iface(e.asset))
			rec.status = StatusEvictRequest
			pending += rec.charged
			m.unused[e.asset] = frame
			m.markAssetGroupsDirtyLocked(rec)
		case StatusEvictRequest:
			if last < e.frameID {
				continue
			}
			charged := rec.charged
			m.evictLocked(e.asset, rec)
			used -= charged
			pending -= charged
			delete(m.unused, e.asset)
			m.log.Debugf("evicted %q (%d bytes)", rec.name, charged)
		case StatusNonResident:
			delete(m.unused, e.asset)
		}
	}
}
