package scenert

import (
	"slices"
	"sync"

	"github.com/gekko3d/scenert/rt/scene"
)

// PassGroup is a set of up to 32 render passes traversed together, with
// the draw buffer their draws are generated into.
type PassGroup struct {
	name   string
	buffer *scene.PassGroupBuffer
	draws  *scene.DrawBuffer

	mu        sync.Mutex
	passCount int
	roots     []scene.NodeRef
	passTypes []uint32
}

// CreatePassGroup adds a group processed by every following frame.
func (r *Renderer) CreatePassGroup(name string, passes []uint16) (*PassGroup, error) {
	g := &PassGroup{
		name:   name,
		buffer: scene.NewPassGroupBuffer(r.dev, r.pipes, scene.PassGroupConfig{Name: name, Logger: r.cfg.Logger}),
		draws:  scene.NewDrawBuffer(r.dev, r.pipes, scene.DrawBufferConfig{Name: name + ".draws", Logger: r.cfg.Logger}),
	}
	if err := g.SetPasses(passes); err != nil {
		g.destroy()
		return nil, err
	}
	r.mu.Lock()
	r.groups = append(r.groups, g)
	r.mu.Unlock()
	return g, nil
}

// DestroyPassGroup stops processing g. Its buffers are released once the
// GPU is idle.
func (r *Renderer) DestroyPassGroup(g *PassGroup) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	i := slices.Index(r.groups, g)
	if i < 0 {
		return scene.ErrNotFound
	}
	r.groups = slices.Delete(r.groups, i, i+1)
	if err := r.dev.WaitIdle(); err != nil {
		return err
	}
	g.destroy()
	return nil
}

func (r *Renderer) passGroups() []*PassGroup {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.groups)
}

func (g *PassGroup) Name() string                   { return g.name }
func (g *PassGroup) Buffer() *scene.PassGroupBuffer { return g.buffer }
func (g *PassGroup) Draws() *scene.DrawBuffer       { return g.draws }

// SetPasses replaces the group's passes. Slots whose pass changed skip
// last frame's occlusion results.
func (g *PassGroup) SetPasses(passes []uint16) error {
	if err := g.buffer.SetPasses(passes); err != nil {
		return err
	}
	g.mu.Lock()
	g.passCount = len(passes)
	g.mu.Unlock()
	return nil
}

// SetRoots sets the BVHs traversal starts from.
func (g *PassGroup) SetRoots(roots ...scene.NodeRef) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.roots = slices.Clone(roots)
}

func (g *PassGroup) Roots() []scene.NodeRef {
	g.mu.Lock()
	defer g.mu.Unlock()
	return slices.Clone(g.roots)
}

// SetPassTypes selects the material pipelines drawn for this group.
func (g *PassGroup) SetPassTypes(types ...uint32) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.passTypes = slices.Clone(types)
}

func (g *PassGroup) PassTypes() []uint32 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return slices.Clone(g.passTypes)
}

func (g *PassGroup) passMask() uint32 {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.passCount >= 32 {
		return ^uint32(0)
	}
	return 1<<g.passCount - 1
}

func (g *PassGroup) destroy() {
	g.draws.Destroy()
	g.buffer.Destroy()
}
