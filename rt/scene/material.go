package scene

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/gekko3d/scenert/rt/core"
	"github.com/gekko3d/scenert/rt/gfx"
	"github.com/gekko3d/scenert/rt/objmap"
)

// MaterialShader is the program set used by the pass types in PassTypes,
// a bit mask of pass type values.
type MaterialShader struct {
	PassTypes uint32
	Task      []byte
	Mesh      []byte
	Fragment  []byte
}

type MaterialDesc struct {
	Name         string
	TwoSided     bool
	Shaders      []MaterialShader
	ColorFormats []gfx.Format
	DepthFormat  gfx.Format
	ConstantSize uint32
}

// MaxMaterials bounds material indices, including the ones referenced by
// instance draws.
const MaxMaterials = 1 << 16

// MaterialDrawConstantsSize is the size of the constants pushed before a
// material draw: draw buffer address, group and pass type.
const MaterialDrawConstantsSize = 16

type materialRecord struct {
	live      bool
	name      string
	passTypes []uint32
	pipelines []gfx.GraphicsPipeline
	state     gfx.RenderState
	drawCount atomic.Int32
}

type MaterialConfig struct {
	Logger core.Logger
}

// MaterialManager owns material pipelines and counts the resident draws of
// every material. Each material index is one draw group.
type MaterialManager struct {
	dev gfx.Device
	log core.Logger

	mu        sync.RWMutex
	materials *objmap.Map[materialRecord]
	alloc     *objmap.Allocator
	// groups is one past the highest material index referenced by a draw.
	groups atomic.Uint32

	frameID uint64
	retired []retiredMaterial
}

// retiredMaterial is a destroyed material whose index returns to the
// allocator once frameID completed and no draw references it.
type retiredMaterial struct {
	index   uint32
	frameID uint64
}

func NewMaterialManager(dev gfx.Device, cfg MaterialConfig) *MaterialManager {
	return &MaterialManager{
		dev:       dev,
		log:       core.ForComponent(cfg.Logger, "material"),
		materials: objmap.NewMap[materialRecord](8, 8),
		alloc:     objmap.NewAllocator(0),
	}
}

// CreateMaterial builds one graphics pipeline per shader entry. All of
// them share a render state that disables culling for two sided materials.
func (m *MaterialManager) CreateMaterial(desc MaterialDesc) (uint32, error) {
	if len(desc.Shaders) == 0 {
		return 0, fmt.Errorf("%w: material %q has no shaders", ErrInvalidUsage, desc.Name)
	}
	cull := gfx.CullBack
	if desc.TwoSided {
		cull = gfx.CullNone
	}
	state, err := m.dev.CreateRenderState(gfx.RenderStateDesc{
		Name:       desc.Name,
		Cull:       cull,
		DepthTest:  true,
		DepthWrite: true,
		DepthFunc:  gfx.CompareGreaterEqual,
	})
	if err != nil {
		return 0, fmt.Errorf("scene: material %q render state: %w", desc.Name, err)
	}
	pipes := make([]gfx.GraphicsPipeline, 0, len(desc.Shaders))
	masks := make([]uint32, 0, len(desc.Shaders))
	for i, s := range desc.Shaders {
		p, err := m.dev.CreateGraphicsPipeline(gfx.GraphicsPipelineDesc{
			Name:         fmt.Sprintf("%s.%d", desc.Name, i),
			Task:         s.Task,
			Mesh:         s.Mesh,
			Fragment:     s.Fragment,
			ConstantSize: max(desc.ConstantSize, MaterialDrawConstantsSize),
			ColorFormats: desc.ColorFormats,
			DepthFormat:  desc.DepthFormat,
		})
		if err != nil {
			for _, p := range pipes {
				p.Destroy()
			}
			state.Destroy()
			return 0, fmt.Errorf("scene: material %q pipeline %d: %w", desc.Name, i, err)
		}
		pipes = append(pipes, p)
		masks = append(masks, s.PassTypes)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	idx := m.alloc.Allocate()
	rec := m.materials.Ref(idx)
	rec.drawCount.Store(0)
	rec.live = true
	rec.name = desc.Name
	rec.passTypes = masks
	rec.pipelines = pipes
	rec.state = state
	m.raiseGroups(idx + 1)
	m.log.Debugf("material %q created as %d", desc.Name, idx)
	return idx, nil
}

// DestroyMaterial releases the pipelines after the work recorded in ctx
// completes. Draws referencing the material keep counting until their
// instances are removed; the index is reused only after that and after the
// current frame retires.
func (m *MaterialManager) DestroyMaterial(ctx gfx.Context, material uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if material >= m.alloc.Count() {
		return fmt.Errorf("%w: material %d", ErrNotFound, material)
	}
	rec := m.materials.Ref(material)
	if !rec.live {
		return fmt.Errorf("%w: material %d", ErrNotFound, material)
	}
	for _, p := range rec.pipelines {
		ctx.TrackObject(p)
	}
	ctx.TrackObject(rec.state)
	rec.live = false
	rec.pipelines, rec.passTypes, rec.state = nil, nil, nil
	m.retired = append(m.retired, retiredMaterial{index: material, frameID: m.frameID + 1})
	return nil
}

// CommitUpdates returns the indices of retired materials to the allocator.
func (m *MaterialManager) CommitUpdates(frameID, lastCompletedFrameID uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.frameID = frameID
	kept := m.retired[:0]
	for _, r := range m.retired {
		if r.frameID > lastCompletedFrameID || m.materials.Ref(r.index).drawCount.Load() > 0 {
			kept = append(kept, r)
			continue
		}
		m.alloc.Free(r.index)
	}
	m.retired = kept
}

func (m *MaterialManager) raiseGroups(n uint32) {
	for {
		cur := m.groups.Load()
		if n <= cur || m.groups.CompareAndSwap(cur, n) {
			return
		}
	}
}

func (m *MaterialManager) AddInstanceDraws(draws []InstanceDrawDesc) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, d := range draws {
		m.materials.Ref(d.Material).drawCount.Add(1)
		m.raiseGroups(d.Material + 1)
	}
}

func (m *MaterialManager) RemoveInstanceDraws(draws []InstanceDrawDesc) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, d := range draws {
		if m.materials.Ref(d.Material).drawCount.Add(-1) < 0 {
			m.log.Warnf("material %d draw count below zero", d.Material)
		}
	}
}

// DrawCount is the number of resident draws referencing material.
func (m *MaterialManager) DrawCount(material uint32) uint32 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if material >= m.groups.Load() {
		return 0
	}
	return uint32(max(m.materials.Ref(material).drawCount.Load(), 0))
}

// DrawCounts snapshots the draw count of every draw group.
func (m *MaterialManager) DrawCounts() []uint32 {
	n := m.groups.Load()
	counts := make([]uint32, n)
	for i := range n {
		counts[i] = m.DrawCount(i)
	}
	return counts
}

// UpdateDrawBuffer lays out db with one draw group per material.
func (m *MaterialManager) UpdateDrawBuffer(ctx gfx.Context, db *DrawBuffer, meshletsPerWorkgroup uint32) error {
	return db.UpdateLayout(ctx, DrawBufferDesc{DrawCounts: m.DrawCounts(), MeshletsPerWorkgroup: meshletsPerWorkgroup})
}

func (rec *materialRecord) pipeline(passType uint32) gfx.GraphicsPipeline {
	for i, mask := range rec.passTypes {
		if passType < 32 && mask&(1<<passType) != 0 {
			return rec.pipelines[i]
		}
	}
	return nil
}

// DispatchDraws issues one indirect mesh draw per draw buffer for every
// material with draws and a pipeline for passType. Must be recorded inside
// BeginRendering.
func (m *MaterialManager) DispatchDraws(ctx gfx.Context, passType uint32, buffers []*DrawBuffer) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := m.alloc.Count()
	for idx := range n {
		rec := m.materials.Ref(idx)
		if !rec.live || rec.drawCount.Load() <= 0 {
			continue
		}
		p := rec.pipeline(passType)
		if p == nil {
			continue
		}
		ctx.BindPipeline(p)
		ctx.BindRenderState(rec.state)
		for _, db := range buffers {
			args := db.DrawParams(idx)
			if args.IsNull() {
				continue
			}
			w := &rowWriter{b: make([]byte, MaterialDrawConstantsSize)}
			w.u64(args.Buffer.GPUAddress()).u32(idx).u32(passType)
			ctx.SetShaderConstants(w.b)
			ctx.DrawMeshIndirect(args, 1)
		}
	}
}

// Destroy releases every material immediately. The device must be idle.
func (m *MaterialManager) Destroy() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for idx := range m.alloc.Count() {
		rec := m.materials.Ref(idx)
		if !rec.live {
			continue
		}
		for _, p := range rec.pipelines {
			p.Destroy()
		}
		rec.state.Destroy()
		rec.live = false
	}
}
