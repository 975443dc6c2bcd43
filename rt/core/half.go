package core

import "github.com/x448/float16"

// Float16 is an IEEE 754 binary16 value as stored in GPU rows.
type Float16 = float16.Float16

// HalfFromFloat32 converts with round-to-nearest-even. Values beyond the
// half range saturate to infinity; NaN stays NaN.
func HalfFromFloat32(f float32) Float16 {
	return float16.Fromfloat32(f)
}
