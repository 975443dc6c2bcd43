package scene

import (
	"encoding/binary"
	"math"

	"github.com/gekko3d/scenert/rt/core"
	"github.com/go-gl/mathgl/mgl32"
)

// Node buffer layout: a header followed by NodeInfo[nodeCapacity],
// NodeTransform[nodeCapacity] and BvhInfo[bvhCapacity].
const (
	NodeBufferHeaderSize = 32
	NodeInfoSize         = 48
	NodeTransformSize    = 32
	BvhInfoSize          = 128

	// BvhChildCount is the child capacity of a chain head; chained rows
	// drop the AABB and distance fields and hold BvhChainChildCount.
	BvhChildCount      = 26
	BvhChainChildCount = 30
)

type nodeLayout struct {
	nodes uint32
	bvhs  uint32
}

func (l nodeLayout) size() uint64 {
	return NodeBufferHeaderSize + uint64(l.nodes)*(NodeInfoSize+NodeTransformSize) + uint64(l.bvhs)*BvhInfoSize
}

func (l nodeLayout) nodeInfo(i uint32) uint64 {
	return NodeBufferHeaderSize + uint64(i)*NodeInfoSize
}

func (l nodeLayout) transforms() uint64 {
	return NodeBufferHeaderSize + uint64(l.nodes)*NodeInfoSize
}

func (l nodeLayout) bvhInfo(i uint32) uint64 {
	return l.transforms() + uint64(l.nodes)*NodeTransformSize + uint64(i)*BvhInfoSize
}

func (l nodeLayout) header() []byte {
	b := make([]byte, NodeBufferHeaderSize)
	binary.LittleEndian.PutUint32(b[0:], l.nodes)
	binary.LittleEndian.PutUint32(b[4:], l.bvhs)
	return b
}

type rowWriter struct {
	b   []byte
	off int
}

func (w *rowWriter) u16(v uint16) *rowWriter {
	binary.LittleEndian.PutUint16(w.b[w.off:], v)
	w.off += 2
	return w
}

func (w *rowWriter) u32(v uint32) *rowWriter {
	binary.LittleEndian.PutUint32(w.b[w.off:], v)
	w.off += 4
	return w
}

func (w *rowWriter) u64(v uint64) *rowWriter {
	binary.LittleEndian.PutUint64(w.b[w.off:], v)
	w.off += 8
	return w
}

func (w *rowWriter) f32(v float32) *rowWriter { return w.u32(math.Float32bits(v)) }

func (w *rowWriter) quat(q mgl32.Quat) *rowWriter {
	return w.f32(q.V[0]).f32(q.V[1]).f32(q.V[2]).f32(q.W)
}

func (w *rowWriter) vec3(v mgl32.Vec3) *rowWriter { return w.f32(v[0]).f32(v[1]).f32(v[2]) }

func (w *rowWriter) vec4(v mgl32.Vec4) *rowWriter { return w.f32(v[0]).f32(v[1]).f32(v[2]).f32(v[3]) }

func (w *rowWriter) mat4(m mgl32.Mat4) *rowWriter {
	for _, f := range m {
		w.f32(f)
	}
	return w
}

func (w *rowWriter) skip(n int) *rowWriter {
	w.off += n
	return w
}

// NodeInfo is the host copy of a node row.
type NodeInfo struct {
	Transform     core.Transform
	UpdateFrameID uint32
	// ParentNode is -1 for roots. ParentJoint is -1 unless the node is
	// attached to a joint of its parent instance.
	ParentNode  int32
	ParentJoint int32
	ParentRef   NodeRef
	SelfRef     NodeRef
}

func (n NodeInfo) encode() []byte {
	w := &rowWriter{b: make([]byte, NodeInfoSize)}
	w.quat(n.Transform.Rotation).vec3(n.Transform.Translation).u32(n.UpdateFrameID).
		u32(uint32(n.ParentNode)).u32(uint32(n.ParentJoint)).u32(uint32(n.ParentRef)).u32(uint32(n.SelfRef))
	return w.b
}

// BvhInfo is the host copy of one BVH row, head or chained.
type BvhInfo struct {
	Node        uint32
	Bounds      core.AABB
	MaxDistance float32
	Children    []NodeRef
	Chained     NodeRef
	// Chain is set for rows that continue another row's child list.
	Chain bool
}

func (b BvhInfo) encode() []byte {
	w := &rowWriter{b: make([]byte, BvhInfoSize)}
	w.u32(b.Node)
	if b.Chain {
		w.u32(b.Chained.Index() | uint32(len(b.Children))<<24)
	} else {
		for _, h := range b.Bounds.Half() {
			w.u16(uint16(h))
		}
		w.u16(uint16(core.HalfFromFloat32(b.MaxDistance))).u16(uint16(len(b.Children))).u32(uint32(b.Chained))
	}
	for _, c := range b.Children {
		w.u32(uint32(c))
	}
	return w.b
}
