package core

import "github.com/go-gl/mathgl/mgl32"

// Transform is a rigid transform: rotate, then translate. Scene nodes and
// pass cameras carry no scale.
type Transform struct {
	Rotation    mgl32.Quat
	Translation mgl32.Vec3
}

func IdentityTransform() Transform {
	return Transform{Rotation: mgl32.QuatIdent()}
}

// Mul returns t ∘ child, the transform of child expressed in t's parent space.
func (t Transform) Mul(child Transform) Transform {
	return Transform{
		Rotation:    t.Rotation.Mul(child.Rotation).Normalize(),
		Translation: t.Rotation.Rotate(child.Translation).Add(t.Translation),
	}
}

func (t Transform) Inverse() Transform {
	inv := t.Rotation.Conjugate()
	return Transform{
		Rotation:    inv,
		Translation: inv.Rotate(t.Translation.Mul(-1)),
	}
}

func (t Transform) Apply(p mgl32.Vec3) mgl32.Vec3 {
	return t.Rotation.Rotate(p).Add(t.Translation)
}

func (t Transform) Mat4() mgl32.Mat4 {
	return mgl32.Translate3D(t.Translation.X(), t.Translation.Y(), t.Translation.Z()).Mul4(t.Rotation.Mat4())
}

// AABB is an axis-aligned box. The zero value is the empty box, which
// culling treats as "always visible".
type AABB struct {
	Min, Max mgl32.Vec3
}

func (b AABB) IsEmpty() bool {
	return b.Min == (mgl32.Vec3{}) && b.Max == (mgl32.Vec3{})
}

func (b AABB) Union(o AABB) AABB {
	if b.IsEmpty() {
		return o
	}
	if o.IsEmpty() {
		return b
	}
	return AABB{
		Min: mgl32.Vec3{min(b.Min[0], o.Min[0]), min(b.Min[1], o.Min[1]), min(b.Min[2], o.Min[2])},
		Max: mgl32.Vec3{max(b.Max[0], o.Max[0]), max(b.Max[1], o.Max[1]), max(b.Max[2], o.Max[2])},
	}
}

// Half packs the box into six half floats, rounding outward so the packed
// box still contains the original.
func (b AABB) Half() [6]Float16 {
	var out [6]Float16
	for i := 0; i < 3; i++ {
		out[i] = halfDown(b.Min[i])
		out[3+i] = halfUp(b.Max[i])
	}
	return out
}

func halfDown(f float32) Float16 {
	h := HalfFromFloat32(f)
	if h.Float32() > f {
		if h&0x8000 != 0 || h == 0 {
			return (h | 0x8000) + 1
		}
		return h - 1
	}
	return h
}

func halfUp(f float32) Float16 {
	h := HalfFromFloat32(f)
	if h.Float32() < f {
		if h&0x8000 != 0 {
			if h == 0x8000 {
				return 1
			}
			return h - 1
		}
		return h + 1
	}
	return h
}
