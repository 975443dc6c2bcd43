package core

import (
	"math/bits"

	"golang.org/x/exp/constraints"
)

// AlignUp rounds v up to a multiple of a. a must be a power of two; zero
// leaves v untouched.
func AlignUp[T constraints.Unsigned](v, a T) T {
	if a == 0 {
		return v
	}
	return (v + a - 1) &^ (a - 1)
}

// IsAligned reports whether v is a multiple of the power of two a.
func IsAligned[T constraints.Unsigned](v, a T) bool {
	return a == 0 || v&(a-1) == 0
}

// DivCeil returns ceil(n / d).
func DivCeil[T constraints.Unsigned](n, d T) T {
	return (n + d - 1) / d
}

// RoundUp rounds v up to a multiple of an arbitrary grain.
func RoundUp[T constraints.Unsigned](v, grain T) T {
	if grain == 0 {
		return v
	}
	return DivCeil(v, grain) * grain
}

func IsPow2(v uint64) bool {
	return v != 0 && v&(v-1) == 0
}

// NextPow2 returns the smallest power of two >= v. NextPow2(0) is 1.
func NextPow2(v uint64) uint64 {
	if v <= 1 {
		return 1
	}
	return 1 << (64 - bits.LeadingZeros64(v-1))
}

// Log2 returns floor(log2(v)) for v > 0.
func Log2(v uint32) uint32 {
	return uint32(31 - bits.LeadingZeros32(v|1))
}
