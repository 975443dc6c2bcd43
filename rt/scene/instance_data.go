package scene

import (
	"github.com/gekko3d/scenert/rt/core"
	"github.com/go-gl/mathgl/mgl32"
)

// InstanceFlags are stored in the instance node row.
type InstanceFlags uint32

const (
	InstanceStatic InstanceFlags = 1 << iota
	InstanceDeform
	InstanceAnimation
	InstanceNoMotionVectors
)

const (
	InstanceNodeInfoSize   = 48
	InstanceHeaderSize     = 64
	InstanceDrawSize       = 32
	JointSize              = 32
	AnimationHeaderSize    = 16
	AnimationParameterSize = 32
	InstanceAABBSize       = 32
)

type BlendOp uint32

const (
	BlendNone BlendOp = iota
	BlendChain
	BlendSlerp
)

// Joint is a rigid transform with uniform scale.
type Joint struct {
	Rotation    mgl32.Quat
	Translation mgl32.Vec3
	Scale       float32
}

type AnimationHeader struct {
	ActiveCount uint32
	Flags       uint32
	Time        float32
}

type AnimationParameters struct {
	Op         BlendOp
	Channel    uint32
	Weight     float32
	Group      uint32
	GroupCount uint32
	Timestamp  float32
}

// InstanceDrawDesc is one draw of an instance. ParameterSize bytes of
// per draw material parameters are reserved for it.
type InstanceDrawDesc struct {
	Material          uint32
	Mesh              uint32
	MeshInstanceFirst uint32
	MeshInstanceCount uint32
	ParameterSize     uint32
}

// instanceLayout places every section of the instance data blob. Joint
// and weight sections are multi-buffered: animated instances keep an extra
// relative joint copy and an extra weight copy, absolute joints always
// keep the previous frame for motion vectors.
type instanceLayout struct {
	size          uint32
	params        uint32
	paramSize     uint32
	draws         uint32
	drawParams    []uint32
	relJoints     uint32
	absJoints     uint32
	joints        uint32
	jointBuffers  uint32
	weights       uint32
	weightCount   uint32
	weightStride  uint32
	weightBuffers uint32
	animation     uint32
	animations    uint32
	aabb          uint32
}

var identityQuat = mgl32.QuatIdent()

func align16(v uint32) uint32 { return core.AlignUp(v, 16) }

func newInstanceLayout(desc InstanceDesc) instanceLayout {
	l := instanceLayout{
		paramSize:     desc.InstanceParameterSize,
		joints:        desc.JointCount,
		jointBuffers:  1,
		weightCount:   desc.WeightCount,
		weightBuffers: 3,
		animations:    desc.AnimationCount,
	}
	if desc.AnimationCount > 0 {
		l.jointBuffers, l.weightBuffers = 2, 4
	}
	off := uint32(InstanceHeaderSize)
	l.params = off
	off += align16(l.paramSize)
	l.draws = off
	off += uint32(len(desc.Draws)) * InstanceDrawSize
	l.drawParams = make([]uint32, len(desc.Draws))
	for i, d := range desc.Draws {
		l.drawParams[i] = align16(off)
		off = l.drawParams[i] + align16(d.ParameterSize)
	}
	l.relJoints = align16(off)
	off = l.relJoints + l.joints*JointSize*l.jointBuffers
	l.absJoints = off
	off += l.joints * JointSize * 2
	l.weightStride = align16(l.weightCount * 4)
	l.weights = off
	off += l.weightStride * l.weightBuffers
	l.animation = off
	if l.animations > 0 {
		off += AnimationHeaderSize + l.animations*AnimationParameterSize
	}
	l.aabb = align16(off)
	l.size = l.aabb + InstanceAABBSize
	return l
}

func (l instanceLayout) header(flags InstanceFlags) []byte {
	w := &rowWriter{b: make([]byte, InstanceHeaderSize)}
	w.u32(uint32(flags)).u32(uint32(len(l.drawParams))).u32(l.draws).u32(l.params).u32(l.paramSize).
		u32(l.relJoints).u32(l.absJoints).u32(l.joints).
		u32(l.weights).u32(l.weightCount).u32(l.animation).u32(l.animations).
		u32(l.aabb).u32(l.jointBuffers).u32(l.weightBuffers)
	return w.b
}

func (d InstanceDrawDesc) encode(paramOffset uint32) []byte {
	w := &rowWriter{b: make([]byte, InstanceDrawSize)}
	w.u32(d.Material).u32(d.Mesh).u32(d.MeshInstanceFirst).u32(d.MeshInstanceCount).u32(paramOffset).u32(d.ParameterSize)
	return w.b
}

func (j Joint) encode(w *rowWriter) {
	w.quat(j.Rotation).vec3(j.Translation).f32(j.Scale)
}

func (a AnimationParameters) encode(w *rowWriter) {
	w.u32(uint32(a.Op)).u32(a.Channel).f32(min(max(a.Weight, 0), 1)).u32(a.Group).u32(a.GroupCount).f32(a.Timestamp).skip(8)
}
