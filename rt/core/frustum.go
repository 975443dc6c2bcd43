package core

import "github.com/go-gl/mathgl/mgl32"

// ExtractFrustum returns normalized planes Left, Right, Bottom, Top, Near,
// Far of a view-projection matrix with a [0, 1] clip depth range. Plane
// normals point inside.
func ExtractFrustum(vp mgl32.Mat4) [6]mgl32.Vec4 {
	row := func(r int) mgl32.Vec4 {
		return mgl32.Vec4{vp.At(r, 0), vp.At(r, 1), vp.At(r, 2), vp.At(r, 3)}
	}
	w := row(3)
	planes := [6]mgl32.Vec4{
		w.Add(row(0)),
		w.Sub(row(0)),
		w.Add(row(1)),
		w.Sub(row(1)),
		row(2),
		w.Sub(row(2)),
	}
	for i := range planes {
		if l := planes[i].Vec3().Len(); l > 0 {
			planes[i] = planes[i].Mul(1 / l)
		}
	}
	return planes
}

// AABBInFrustum tests the box corner furthest along each plane normal.
// Empty boxes are always inside.
func AABBInFrustum(b AABB, planes [6]mgl32.Vec4) bool {
	if b.IsEmpty() {
		return true
	}
	for _, p := range planes {
		var v mgl32.Vec3
		for a := 0; a < 3; a++ {
			if p[a] > 0 {
				v[a] = b.Max[a]
			} else {
				v[a] = b.Min[a]
			}
		}
		if p.Vec3().Dot(v)+p[3] < 0 {
			return false
		}
	}
	return true
}

// TransformPlane moves a plane given in local space into the space of t.
func TransformPlane(t Transform, plane mgl32.Vec4) mgl32.Vec4 {
	n := t.Rotation.Rotate(plane.Vec3())
	d := plane[3] - n.Dot(t.Translation)
	return n.Vec4(d)
}
