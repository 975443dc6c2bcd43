package soft

import (
	"encoding/binary"
	"fmt"

	"github.com/gekko3d/scenert/rt/gfx"
)

type CommandKind int

const (
	CmdDispatch CommandKind = iota
	CmdDispatchIndirect
	CmdDrawMesh
	CmdDrawMeshIndirect
	CmdCopyBuffer
	CmdCopyBufferToImage
	CmdDecompressBuffer
	CmdClearBuffer
	CmdImageBarrier
	CmdMemoryBarrier
	CmdAcquireImage
	CmdReleaseImage
	CmdBeginRendering
	CmdEndRendering
)

var commandNames = [...]string{
	CmdDispatch:          "dispatch",
	CmdDispatchIndirect:  "dispatch-indirect",
	CmdDrawMesh:          "draw-mesh",
	CmdDrawMeshIndirect:  "draw-mesh-indirect",
	CmdCopyBuffer:        "copy-buffer",
	CmdCopyBufferToImage: "copy-buffer-to-image",
	CmdDecompressBuffer:  "decompress-buffer",
	CmdClearBuffer:       "clear-buffer",
	CmdImageBarrier:      "image-barrier",
	CmdMemoryBarrier:     "memory-barrier",
	CmdAcquireImage:      "acquire-image",
	CmdReleaseImage:      "release-image",
	CmdBeginRendering:    "begin-rendering",
	CmdEndRendering:      "end-rendering",
}

func (k CommandKind) String() string {
	if int(k) < len(commandNames) {
		return commandNames[k]
	}
	return fmt.Sprintf("command(%d)", int(k))
}

// Binding is one descriptor bound at record time.
type Binding struct {
	Set, Binding uint32
	Descriptor   gfx.Descriptor
}

// Command is one recorded operation together with the state bound when it
// was recorded.
type Command struct {
	Kind  CommandKind
	Queue gfx.Queue
	Label string

	Pipeline    string
	Constants   []byte
	Bindings    []Binding
	Arrays      map[uint32]gfx.DescriptorArray
	RenderState gfx.RenderState
	Groups      [3]uint32
	Args        gfx.BufferSlice
	DrawCount   uint32

	Dst, Src             gfx.Buffer
	DstOffset, SrcOffset uint64
	Size, RawSize        uint64
	Value                uint32

	Image      gfx.Image
	Sub        gfx.ImageSubresource
	Range      gfx.ImageRange
	SrcUsage   gfx.Usage
	DstUsage   gfx.Usage
	Flags      gfx.BarrierFlags
	SrcStages  gfx.Stage
	DstStages  gfx.Stage
	SrcAccess  gfx.Access
	DstAccess  gfx.Access
	OtherQueue gfx.Queue
	Rendering  gfx.RenderingDesc
}

// Descriptor returns the descriptor bound at (set, binding), if any.
func (c Command) Descriptor(set, binding uint32) (gfx.Descriptor, bool) {
	for i := len(c.Bindings) - 1; i >= 0; i-- {
		if b := c.Bindings[i]; b.Set == set && b.Binding == binding {
			return b.Descriptor, true
		}
	}
	return gfx.Descriptor{}, false
}

func (d *Device) exec(c *Command) error {
	switch c.Kind {
	case CmdCopyBuffer:
		dst, src := Bytes(c.Dst), Bytes(c.Src)
		if c.DstOffset+c.Size > uint64(len(dst)) || c.SrcOffset+c.Size > uint64(len(src)) {
			return fmt.Errorf("copy of %d bytes out of bounds", c.Size)
		}
		copy(dst[c.DstOffset:c.DstOffset+c.Size], src[c.SrcOffset:c.SrcOffset+c.Size])
	case CmdClearBuffer:
		dst := Bytes(c.Dst)
		if c.DstOffset+c.Size > uint64(len(dst)) {
			return fmt.Errorf("clear of %d bytes out of bounds", c.Size)
		}
		region := dst[c.DstOffset : c.DstOffset+c.Size]
		for i := 0; i+4 <= len(region); i += 4 {
			binary.LittleEndian.PutUint32(region[i:], c.Value)
		}
	case CmdDecompressBuffer:
		if !d.features.GDeflate {
			return gfx.ErrUnsupported
		}
		dst, src := Bytes(c.Dst), Bytes(c.Src)
		if c.DstOffset+c.RawSize > uint64(len(dst)) || c.SrcOffset+c.Size > uint64(len(src)) {
			return fmt.Errorf("decompress out of bounds")
		}
		return inflate(dst[c.DstOffset:c.DstOffset+c.RawSize], src[c.SrcOffset:c.SrcOffset+c.Size])
	case CmdCopyBufferToImage:
		img, ok := c.Image.(*Image)
		if !ok {
			return gfx.ErrInvalidHandle
		}
		src := Bytes(c.Src)
		size := img.subresourceSize(c.Sub)
		if c.SrcOffset+size > uint64(len(src)) {
			return fmt.Errorf("image copy of %d bytes out of bounds", size)
		}
		img.write(c.Sub, src[c.SrcOffset:c.SrcOffset+size])
	case CmdDispatch, CmdDispatchIndirect:
		groups := c.Groups
		if c.Kind == CmdDispatchIndirect {
			args := SliceBytes(c.Args.Sub(0, 12))
			for i := range groups {
				groups[i] = binary.LittleEndian.Uint32(args[4*i:])
			}
			c.Groups = groups
		}
		if k := d.kernel(c.Pipeline); k != nil {
			return k(&Invocation{Device: d, Command: *c, Groups: groups})
		}
	}
	return nil
}
