// Package pipelines owns the compute and mesh pipelines the scene runtime
// dispatches, and the argument layouts shared with their shaders. Helpers
// bind, push constants and dispatch; they never insert barriers.
package pipelines

import (
	"fmt"

	"github.com/gekko3d/scenert/rt/archive"
	"github.com/gekko3d/scenert/rt/core"
	"github.com/gekko3d/scenert/rt/gfx"
)

// Pipeline names double as shader file names.
const (
	InitPassGroup            = "initPassGroup"
	InitBvhTraversal         = "initBvhTraversal"
	PrepareBvhTraversal      = "prepareBvhTraversal"
	ProcessBvhLayer          = "processBvhLayer"
	FinalizeBvhTraversal     = "finalizeBvhTraversal"
	PrepareInstanceAnimation = "prepareInstanceAnimations"
	ProcessInstanceAnimation = "processInstanceAnimations"
	ResetUpdateLists         = "resetUpdateLists"
	PrepareInstanceUpdates   = "prepareInstanceUpdates"
	ExecuteInstanceUpdates   = "executeInstanceUpdates"
	UpdateInstanceNodes      = "updateInstanceNodes"
	InitDrawList             = "initDrawList"
	GenerateDrawList         = "generateDrawList"
	BuildDrawSearchTree      = "buildDrawSearchTree"
	InitRenderPassUpdate     = "initRenderPassUpdate"
	PrepareRenderPassUpdate  = "prepareRenderPassUpdate"
	ExecuteRenderPassUpdate  = "executeRenderPassUpdate"
	CopyRenderPassInfo       = "copyRenderPassInfo"
	UploadData               = "uploadData"
	UpdateAssetList          = "updateAssetList"
	GenerateHizImage         = "generateHizImage"
	OcclusionTest            = "occlusionTest"
)

// WorkgroupSize is the linear workgroup size of every list-processing
// pipeline.
const WorkgroupSize = 64

// HizWorkgroupSize is the square tile one Hi-Z workgroup reduces.
const HizWorkgroupSize = 32

var computeStages = []struct {
	name      string
	wg        [3]uint32
	constants uint32
}{
	{InitPassGroup, [3]uint32{WorkgroupSize, 1, 1}, PassInitArgsSize},
	{InitBvhTraversal, [3]uint32{WorkgroupSize, 1, 1}, TraverseBvhArgsSize},
	{PrepareBvhTraversal, [3]uint32{WorkgroupSize, 1, 1}, TraverseBvhArgsSize},
	{ProcessBvhLayer, [3]uint32{WorkgroupSize, 1, 1}, TraverseBvhArgsSize},
	{FinalizeBvhTraversal, [3]uint32{1, 1, 1}, TraverseBvhArgsSize},
	{PrepareInstanceAnimation, [3]uint32{WorkgroupSize, 1, 1}, InstanceAnimateArgsSize},
	{ProcessInstanceAnimation, [3]uint32{WorkgroupSize, 1, 1}, InstanceAnimateArgsSize},
	{ResetUpdateLists, [3]uint32{1, 1, 1}, ResetUpdateListArgsSize},
	{PrepareInstanceUpdates, [3]uint32{WorkgroupSize, 1, 1}, InstanceUpdatePrepareArgsSize},
	{ExecuteInstanceUpdates, [3]uint32{WorkgroupSize, 1, 1}, InstanceUpdateExecuteArgsSize},
	{UpdateInstanceNodes, [3]uint32{WorkgroupSize, 1, 1}, InstanceUpdateNodeArgsSize},
	{InitDrawList, [3]uint32{WorkgroupSize, 1, 1}, DrawListInitArgsSize},
	{GenerateDrawList, [3]uint32{WorkgroupSize, 1, 1}, DrawListGenerateArgsSize},
	{BuildDrawSearchTree, [3]uint32{WorkgroupSize, 1, 1}, DrawListBuildSearchTreeArgsSize},
	{InitRenderPassUpdate, [3]uint32{1, 1, 1}, PassInfoUpdateArgsSize},
	{PrepareRenderPassUpdate, [3]uint32{WorkgroupSize, 1, 1}, PassInfoUpdateArgsSize},
	{ExecuteRenderPassUpdate, [3]uint32{WorkgroupSize, 1, 1}, PassInfoUpdateArgsSize},
	{CopyRenderPassInfo, [3]uint32{WorkgroupSize, 1, 1}, PassInfoUpdateCopyArgsSize},
	{UploadData, [3]uint32{WorkgroupSize, 1, 1}, UploadArgsSize},
	{UpdateAssetList, [3]uint32{WorkgroupSize, 1, 1}, AssetListUpdateArgsSize},
	{GenerateHizImage, [3]uint32{HizWorkgroupSize, HizWorkgroupSize, 1}, CommonGenerateHizImageArgsSize},
}

// ShaderSource resolves shader binaries by pipeline name.
type ShaderSource interface {
	ShaderCode(name string) ([]byte, error)
}

// ShaderSubFile is the sub-file holding a pipeline's binary.
var ShaderSubFile = archive.MakeFourCC("SPV ")

// ArchiveShaders loads binaries from an archive; each pipeline is a file
// named after it.
type ArchiveShaders struct {
	Archive *archive.Archive
}

func (s ArchiveShaders) ShaderCode(name string) ([]byte, error) {
	f, ok := s.Archive.FindFile(name)
	if !ok {
		return nil, fmt.Errorf("pipelines: shader %q not in archive", name)
	}
	sf, ok := f.FindSubFile(ShaderSubFile)
	if !ok {
		return nil, fmt.Errorf("pipelines: shader %q has no code", name)
	}
	code := make([]byte, sf.RawSize)
	if err := s.Archive.Read(sf, code); err != nil {
		return nil, fmt.Errorf("pipelines: shader %q: %w", name, err)
	}
	return code, nil
}

// NoShaders supplies empty binaries, for devices that do not compile code.
type NoShaders struct{}

func (NoShaders) ShaderCode(string) ([]byte, error) { return nil, nil }

type Pipelines struct {
	compute       map[string]gfx.ComputePipeline
	occlusionTest gfx.GraphicsPipeline
	log           core.Logger
}

func New(dev gfx.Device, src ShaderSource, log core.Logger) (*Pipelines, error) {
	p := &Pipelines{compute: map[string]gfx.ComputePipeline{}, log: core.ForComponent(log, "pipelines")}
	for _, st := range computeStages {
		code, err := src.ShaderCode(st.name)
		if err != nil {
			p.Destroy()
			return nil, err
		}
		cp, err := dev.CreateComputePipeline(gfx.ComputePipelineDesc{
			Name:          st.name,
			Code:          code,
			WorkgroupSize: st.wg,
			ConstantSize:  st.constants,
		})
		if err != nil {
			p.Destroy()
			return nil, fmt.Errorf("pipelines: create %s: %w", st.name, err)
		}
		p.compute[st.name] = cp
	}

	code, err := src.ShaderCode(OcclusionTest)
	if err != nil {
		p.Destroy()
		return nil, err
	}
	p.occlusionTest, err = dev.CreateGraphicsPipeline(gfx.GraphicsPipelineDesc{
		Name:         OcclusionTest,
		Mesh:         code,
		Fragment:     code,
		ConstantSize: OcclusionTestArgsSize,
		DepthFormat:  gfx.FormatD32,
	})
	if err != nil {
		p.Destroy()
		return nil, fmt.Errorf("pipelines: create %s: %w", OcclusionTest, err)
	}
	p.log.Debugf("created %d compute pipelines", len(p.compute))
	return p, nil
}

// Compute returns the named compute pipeline, or nil.
func (p *Pipelines) Compute(name string) gfx.ComputePipeline {
	return p.compute[name]
}

func (p *Pipelines) Destroy() {
	for _, cp := range p.compute {
		cp.Destroy()
	}
	p.compute = map[string]gfx.ComputePipeline{}
	if p.occlusionTest != nil {
		p.occlusionTest.Destroy()
		p.occlusionTest = nil
	}
}

type marshaler interface {
	Marshal() []byte
}

func (p *Pipelines) bind(ctx gfx.Context, name string, args marshaler) {
	ctx.BindPipeline(p.compute[name])
	ctx.SetShaderConstants(args.Marshal())
}

func (p *Pipelines) dispatch(ctx gfx.Context, name string, args marshaler, x, y, z uint32) {
	if x == 0 || y == 0 || z == 0 {
		return
	}
	p.bind(ctx, name, args)
	ctx.Dispatch(x, y, z)
}

func (p *Pipelines) dispatchIndirect(ctx gfx.Context, name string, args marshaler, indirect gfx.BufferSlice) {
	p.bind(ctx, name, args)
	ctx.DispatchIndirect(indirect)
}

func groupsFor(items uint32) uint32 {
	return core.DivCeil(items, WorkgroupSize)
}

func (p *Pipelines) InitPassGroup(ctx gfx.Context, args PassInitArgs) {
	p.dispatch(ctx, InitPassGroup, args, max(groupsFor(args.PassCount), 1), 1, 1)
}

func (p *Pipelines) InitBvhTraversal(ctx gfx.Context, args TraverseBvhArgs) {
	p.dispatch(ctx, InitBvhTraversal, args, max(groupsFor(args.RootCount), 1), 1, 1)
}

func (p *Pipelines) PrepareBvhTraversal(ctx gfx.Context, args TraverseBvhArgs) {
	p.dispatch(ctx, PrepareBvhTraversal, args, max(groupsFor(args.RootCount), 1), 1, 1)
}

func (p *Pipelines) ProcessBvhLayer(ctx gfx.Context, args TraverseBvhArgs, indirect gfx.BufferSlice) {
	p.dispatchIndirect(ctx, ProcessBvhLayer, args, indirect)
}

func (p *Pipelines) FinalizeBvhTraversal(ctx gfx.Context, args TraverseBvhArgs) {
	p.dispatch(ctx, FinalizeBvhTraversal, args, 1, 1, 1)
}

func (p *Pipelines) PrepareInstanceAnimations(ctx gfx.Context, args InstanceAnimateArgs, indirect gfx.BufferSlice) {
	p.dispatchIndirect(ctx, PrepareInstanceAnimation, args, indirect)
}

func (p *Pipelines) ProcessInstanceAnimations(ctx gfx.Context, args InstanceAnimateArgs, indirect gfx.BufferSlice) {
	p.dispatchIndirect(ctx, ProcessInstanceAnimation, args, indirect)
}

func (p *Pipelines) ResetUpdateLists(ctx gfx.Context, args ResetUpdateListArgs) {
	p.dispatch(ctx, ResetUpdateLists, args, 1, 1, 1)
}

func (p *Pipelines) PrepareInstanceUpdates(ctx gfx.Context, args InstanceUpdatePrepareArgs, indirect gfx.BufferSlice) {
	p.dispatchIndirect(ctx, PrepareInstanceUpdates, args, indirect)
}

func (p *Pipelines) ExecuteInstanceUpdates(ctx gfx.Context, args InstanceUpdateExecuteArgs, indirect gfx.BufferSlice) {
	p.dispatchIndirect(ctx, ExecuteInstanceUpdates, args, indirect)
}

func (p *Pipelines) UpdateInstanceNodes(ctx gfx.Context, args InstanceUpdateNodeArgs) {
	p.dispatch(ctx, UpdateInstanceNodes, args, groupsFor(args.EntryCount), 1, 1)
}

func (p *Pipelines) InitDrawList(ctx gfx.Context, args DrawListInitArgs) {
	p.dispatch(ctx, InitDrawList, args, max(groupsFor(args.DrawGroupCount), 1), 1, 1)
}

func (p *Pipelines) GenerateDrawList(ctx gfx.Context, args DrawListGenerateArgs, indirect gfx.BufferSlice) {
	p.dispatchIndirect(ctx, GenerateDrawList, args, indirect)
}

func (p *Pipelines) BuildDrawSearchTree(ctx gfx.Context, args DrawListBuildSearchTreeArgs, groups uint32) {
	p.dispatch(ctx, BuildDrawSearchTree, args, groups, 1, 1)
}

func (p *Pipelines) InitRenderPassUpdate(ctx gfx.Context, args PassInfoUpdateArgs) {
	p.dispatch(ctx, InitRenderPassUpdate, args, 1, 1, 1)
}

func (p *Pipelines) PrepareRenderPassUpdate(ctx gfx.Context, args PassInfoUpdateArgs) {
	p.dispatch(ctx, PrepareRenderPassUpdate, args, max(groupsFor(args.PassCount), 1), 1, 1)
}

func (p *Pipelines) ExecuteRenderPassUpdate(ctx gfx.Context, args PassInfoUpdateArgs, indirect gfx.BufferSlice) {
	p.dispatchIndirect(ctx, ExecuteRenderPassUpdate, args, indirect)
}

func (p *Pipelines) CopyRenderPassInfo(ctx gfx.Context, args PassInfoUpdateCopyArgs) {
	p.dispatch(ctx, CopyRenderPassInfo, args, groupsFor(args.PassCount), 1, 1)
}

// UploadData scatters chunks, one workgroup per chunk.
func (p *Pipelines) UploadData(ctx gfx.Context, args UploadArgs) {
	p.dispatch(ctx, UploadData, args, args.ChunkCount, 1, 1)
}

func (p *Pipelines) UpdateAssetList(ctx gfx.Context, args AssetListUpdateArgs) {
	p.dispatch(ctx, UpdateAssetList, args, max(groupsFor(args.DwordCount), 1), 1, 1)
}

// HizTileSize is the source tile one Hi-Z workgroup reduces.
const HizTileSize = HizWorkgroupSize * 2

// GenerateHizImage binds the source view at binding 0 and destination mip
// views from binding 1, one workgroup layer per image layer.
func (p *Pipelines) GenerateHizImage(ctx gfx.Context, args CommonGenerateHizImageArgs, views []gfx.Descriptor, layers uint32) {
	p.bind(ctx, GenerateHizImage, args)
	ctx.BindDescriptors(0, views)
	ctx.Dispatch(core.DivCeil(args.SrcExtent[0], HizTileSize), core.DivCeil(args.SrcExtent[1], HizTileSize), max(layers, 1))
}

// OcclusionTest draws BVH bounding boxes against the Hi-Z image and marks
// visible ones. Must run inside BeginRendering.
func (p *Pipelines) OcclusionTest(ctx gfx.Context, args OcclusionTestArgs, indirect gfx.BufferSlice) {
	ctx.BindPipeline(p.occlusionTest)
	ctx.SetShaderConstants(args.Marshal())
	ctx.DrawMeshIndirect(indirect, 1)
}
