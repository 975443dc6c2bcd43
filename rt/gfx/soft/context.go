package soft

import (
	"fmt"
	"strings"
	"sync"

	"github.com/gekko3d/scenert/rt/core"
	"github.com/gekko3d/scenert/rt/gfx"
)

// Context records commands. Begin blocks until the previous submission of
// this context has executed, then recycles its scratch memory.
type Context struct {
	dev   *Device
	queue gfx.Queue

	mu        sync.Mutex
	recording bool
	cmds      []Command
	tracked   []gfx.Destroyer
	pending   chan struct{}

	pipeline    string
	constants   []byte
	bindings    []Binding
	arrays      map[uint32]gfx.DescriptorArray
	renderState gfx.RenderState
	labels      []string

	scratch    []*Buffer
	scratchIdx int
	scratchOff uint64
}

var _ gfx.Context = (*Context)(nil)

func (c *Context) Queue() gfx.Queue { return c.queue }

func (c *Context) Begin() error {
	c.mu.Lock()
	pending := c.pending
	c.mu.Unlock()
	if pending != nil {
		<-pending
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.recording {
		return fmt.Errorf("soft: context already recording")
	}
	c.recording = true
	c.cmds = nil
	c.pipeline = ""
	c.constants = nil
	c.bindings = nil
	c.arrays = nil
	c.renderState = nil
	c.labels = nil
	c.scratchIdx = 0
	c.scratchOff = 0
	return nil
}

func (c *Context) End() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.recording {
		return fmt.Errorf("soft: context not recording")
	}
	c.recording = false
	return nil
}

func (c *Context) takeRecorded(done chan struct{}) ([]Command, []gfx.Destroyer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cmds, tracked := c.cmds, c.tracked
	c.cmds, c.tracked = nil, nil
	c.recording = false
	c.pending = done
	return cmds, tracked
}

// Recorded returns the commands recorded since Begin.
func (c *Context) Recorded() []Command {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Command(nil), c.cmds...)
}

func (c *Context) push(cmd Command) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cmd.Queue = c.queue
	cmd.Label = strings.Join(c.labels, "/")
	c.cmds = append(c.cmds, cmd)
}

func (c *Context) pushBound(cmd Command) {
	c.mu.Lock()
	cmd.Pipeline = c.pipeline
	cmd.Constants = append([]byte(nil), c.constants...)
	cmd.Bindings = append([]Binding(nil), c.bindings...)
	if len(c.arrays) > 0 {
		cmd.Arrays = make(map[uint32]gfx.DescriptorArray, len(c.arrays))
		for k, v := range c.arrays {
			cmd.Arrays[k] = v
		}
	}
	cmd.RenderState = c.renderState
	c.mu.Unlock()
	c.push(cmd)
}

func (c *Context) BeginDebugLabel(name string) {
	c.mu.Lock()
	c.labels = append(c.labels, name)
	c.mu.Unlock()
}

func (c *Context) EndDebugLabel() {
	c.mu.Lock()
	if len(c.labels) > 0 {
		c.labels = c.labels[:len(c.labels)-1]
	}
	c.mu.Unlock()
}

func (c *Context) BindPipeline(p gfx.Pipeline) {
	c.mu.Lock()
	c.pipeline = p.Name()
	c.mu.Unlock()
}

func (c *Context) BindDescriptor(set, binding uint32, d gfx.Descriptor) {
	c.mu.Lock()
	c.bindings = append(c.bindings, Binding{Set: set, Binding: binding, Descriptor: d})
	c.mu.Unlock()
}

func (c *Context) BindDescriptors(set uint32, ds []gfx.Descriptor) {
	for i, d := range ds {
		c.BindDescriptor(set, uint32(i), d)
	}
}

func (c *Context) BindDescriptorArray(set uint32, a gfx.DescriptorArray) {
	c.mu.Lock()
	if c.arrays == nil {
		c.arrays = map[uint32]gfx.DescriptorArray{}
	}
	c.arrays[set] = a
	c.mu.Unlock()
}

func (c *Context) BindRenderState(rs gfx.RenderState) {
	c.mu.Lock()
	c.renderState = rs
	c.mu.Unlock()
}

func (c *Context) SetShaderConstants(data []byte) {
	c.mu.Lock()
	c.constants = append(c.constants[:0:0], data...)
	c.mu.Unlock()
}

func (c *Context) Dispatch(x, y, z uint32) {
	c.pushBound(Command{Kind: CmdDispatch, Groups: [3]uint32{x, y, z}})
}

func (c *Context) DispatchIndirect(args gfx.BufferSlice) {
	c.pushBound(Command{Kind: CmdDispatchIndirect, Args: args})
}

func (c *Context) DrawMesh(x, y, z uint32) {
	c.pushBound(Command{Kind: CmdDrawMesh, Groups: [3]uint32{x, y, z}})
}

func (c *Context) DrawMeshIndirect(args gfx.BufferSlice, drawCount uint32) {
	c.pushBound(Command{Kind: CmdDrawMeshIndirect, Args: args, DrawCount: drawCount})
}

func (c *Context) BeginRendering(desc gfx.RenderingDesc) {
	c.push(Command{Kind: CmdBeginRendering, Rendering: desc})
}

func (c *Context) EndRendering() {
	c.push(Command{Kind: CmdEndRendering})
}

func (c *Context) ImageBarrier(img gfx.Image, r gfx.ImageRange, src, dst gfx.Usage, flags gfx.BarrierFlags) {
	c.push(Command{Kind: CmdImageBarrier, Image: img, Range: r, SrcUsage: src, DstUsage: dst, Flags: flags})
}

func (c *Context) MemoryBarrier(srcStages gfx.Stage, srcAccess gfx.Access, dstStages gfx.Stage, dstAccess gfx.Access) {
	c.push(Command{Kind: CmdMemoryBarrier, SrcStages: srcStages, SrcAccess: srcAccess, DstStages: dstStages, DstAccess: dstAccess})
}

func (c *Context) AcquireImage(img gfx.Image, r gfx.ImageRange, from gfx.Queue) {
	c.push(Command{Kind: CmdAcquireImage, Image: img, Range: r, OtherQueue: from})
}

func (c *Context) ReleaseImage(img gfx.Image, r gfx.ImageRange, to gfx.Queue) {
	c.push(Command{Kind: CmdReleaseImage, Image: img, Range: r, OtherQueue: to})
}

func (c *Context) CopyBuffer(dst gfx.Buffer, dstOffset uint64, src gfx.Buffer, srcOffset uint64, size uint64) {
	c.push(Command{Kind: CmdCopyBuffer, Dst: dst, DstOffset: dstOffset, Src: src, SrcOffset: srcOffset, Size: size})
}

func (c *Context) CopyBufferToImage(dst gfx.Image, sub gfx.ImageSubresource, src gfx.Buffer, srcOffset uint64) {
	c.push(Command{Kind: CmdCopyBufferToImage, Image: dst, Sub: sub, Src: src, SrcOffset: srcOffset})
}

func (c *Context) DecompressBuffer(dst gfx.Buffer, dstOffset uint64, src gfx.Buffer, srcOffset uint64, compressedSize, rawSize uint64) {
	c.push(Command{Kind: CmdDecompressBuffer, Dst: dst, DstOffset: dstOffset, Src: src, SrcOffset: srcOffset, Size: compressedSize, RawSize: rawSize})
}

func (c *Context) ClearBuffer(dst gfx.Buffer, offset, size uint64, value uint32) {
	c.push(Command{Kind: CmdClearBuffer, Dst: dst, DstOffset: offset, Size: size, Value: value})
}

func (c *Context) AllocScratch(size, alignment uint64) (gfx.Scratch, error) {
	alignment = max(alignment, 16)
	c.mu.Lock()
	defer c.mu.Unlock()
	for {
		if c.scratchIdx < len(c.scratch) {
			b := c.scratch[c.scratchIdx]
			off := core.AlignUp(c.scratchOff, alignment)
			if off+size <= b.desc.Size {
				c.scratchOff = off + size
				data := b.data[off : off+size]
				clear(data)
				return gfx.Scratch{BufferSlice: gfx.BufferSlice{Buffer: b, Offset: off, Size: size}, Data: data}, nil
			}
			c.scratchIdx++
			c.scratchOff = 0
			continue
		}
		nb, err := c.dev.CreateBuffer(gfx.BufferDesc{
			Name:   "scratch",
			Size:   max(scratchChunkSize, core.AlignUp(size, alignment)),
			Usage:  gfx.UsageTransferSrc | gfx.UsageShaderResource | gfx.UsageParameterBuffer | gfx.UsageDeviceAddress,
			Memory: gfx.MemoryUpload,
		})
		if err != nil {
			return gfx.Scratch{}, err
		}
		c.scratch = append(c.scratch, nb.(*Buffer))
	}
}

func (c *Context) WriteScratch(data []byte) (gfx.BufferSlice, error) {
	s, err := c.AllocScratch(uint64(len(data)), 16)
	if err != nil {
		return gfx.BufferSlice{}, err
	}
	copy(s.Data, data)
	return s.BufferSlice, nil
}

func (c *Context) TrackObject(obj gfx.Destroyer) {
	c.mu.Lock()
	c.tracked = append(c.tracked, obj)
	c.mu.Unlock()
}
