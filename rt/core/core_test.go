package core

import (
	"fmt"
	"math"
	"testing"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/stretchr/testify/assert"
)

func TestAlignHelpers(t *testing.T) {
	assert.Equal(t, uint64(0), AlignUp[uint64](0, 16))
	assert.Equal(t, uint64(16), AlignUp[uint64](1, 16))
	assert.Equal(t, uint64(32), AlignUp[uint64](32, 16))
	assert.Equal(t, uint32(7), AlignUp[uint32](7, 0))
	assert.True(t, IsAligned[uint64](256, 64))
	assert.False(t, IsAligned[uint64](65, 64))
	assert.Equal(t, uint32(3), DivCeil[uint32](9, 4))
	assert.Equal(t, uint64(8192), RoundUp[uint64](4097, 4096))
	assert.Equal(t, uint64(1), NextPow2(0))
	assert.Equal(t, uint64(64), NextPow2(33))
	assert.Equal(t, uint64(64), NextPow2(64))
	assert.Equal(t, uint32(10), Log2(1024))
	assert.Equal(t, uint32(10), Log2(1500))
}

func TestHalfRoundTrip(t *testing.T) {
	for _, f := range []float32{0, 1, -1, 0.5, 2048, 65504, -0.25, 6.1035156e-05, 5.9604645e-08} {
		assert.Equal(t, f, HalfFromFloat32(f).Float32(), "value %v", f)
	}
	assert.True(t, math.IsInf(float64(HalfFromFloat32(1e6).Float32()), 1))
	assert.True(t, math.IsNaN(float64(HalfFromFloat32(float32(math.NaN())).Float32())))
	assert.Equal(t, uint16(0x3c00), HalfFromFloat32(1).Bits())
	// 1 + 2^-11 is halfway between 1 and the next half; ties go to even.
	assert.Equal(t, uint16(0x3c00), HalfFromFloat32(1+1.0/2048).Bits())
	assert.Equal(t, uint16(0x3c02), HalfFromFloat32(1+3.0/2048).Bits())
}

func TestAABBHalfContainsOriginal(t *testing.T) {
	b := AABB{Min: mgl32.Vec3{-1.0001, 0.1, -3.3}, Max: mgl32.Vec3{2.0003, 0.30001, -0.99995}}
	h := b.Half()
	for i := 0; i < 3; i++ {
		assert.LessOrEqual(t, h[i].Float32(), b.Min[i])
		assert.GreaterOrEqual(t, h[3+i].Float32(), b.Max[i])
	}
}

func TestTransformInverse(t *testing.T) {
	tr := Transform{
		Rotation:    mgl32.QuatRotate(mgl32.DegToRad(90), mgl32.Vec3{0, 0, 1}),
		Translation: mgl32.Vec3{1, 2, 3},
	}
	p := mgl32.Vec3{4, 5, 6}
	back := tr.Inverse().Apply(tr.Apply(p))
	assert.InDelta(t, p.X(), back.X(), 1e-5)
	assert.InDelta(t, p.Y(), back.Y(), 1e-5)
	assert.InDelta(t, p.Z(), back.Z(), 1e-5)

	composed := tr.Mul(tr.Inverse())
	assert.InDelta(t, 0, composed.Translation.Len(), 1e-5)
}

func TestFrustumCulling(t *testing.T) {
	proj := mgl32.Perspective(mgl32.DegToRad(90), 1, 0.1, 100)
	view := mgl32.LookAtV(mgl32.Vec3{0, 0, 0}, mgl32.Vec3{0, 0, -1}, mgl32.Vec3{0, 1, 0})
	planes := ExtractFrustum(proj.Mul4(view))

	front := AABB{Min: mgl32.Vec3{-1, -1, -11}, Max: mgl32.Vec3{1, 1, -9}}
	behind := AABB{Min: mgl32.Vec3{-1, -1, 9}, Max: mgl32.Vec3{1, 1, 11}}
	assert.True(t, AABBInFrustum(front, planes))
	assert.False(t, AABBInFrustum(behind, planes))
	assert.True(t, AABBInFrustum(AABB{}, planes))
}

type captureLogger struct {
	debug bool
	lines []string
}

func (c *captureLogger) DebugEnabled() bool    { return c.debug }
func (c *captureLogger) SetDebug(enabled bool) { c.debug = enabled }
func (c *captureLogger) Debugf(f string, a ...any) {
	c.lines = append(c.lines, "D "+fmt.Sprintf(f, a...))
}
func (c *captureLogger) Infof(f string, a ...any)  { c.lines = append(c.lines, "I "+fmt.Sprintf(f, a...)) }
func (c *captureLogger) Warnf(f string, a ...any)  { c.lines = append(c.lines, "W "+fmt.Sprintf(f, a...)) }
func (c *captureLogger) Errorf(f string, a ...any) { c.lines = append(c.lines, "E "+fmt.Sprintf(f, a...)) }

func TestComponentLogger(t *testing.T) {
	base := &captureLogger{}
	asset := ForComponent(base, "asset")
	assert.Equal(t, "asset", Component(asset))
	assert.Equal(t, "asset.pool", Component(ForComponent(asset, "pool")))
	assert.Equal(t, "", Component(base))

	asset.Infof("created %q as %d", "rock", 3)
	asset.Debugf("hidden")
	asset.SetDebug(true)
	asset.Debugf("evicted %d bytes", 64)
	ForComponent(asset, "pool").Warnf("100%% used")

	assert.Equal(t, []string{
		`I asset: created "rock" as 3`,
		"D asset: evicted 64 bytes",
		"W asset.pool: 100% used",
	}, base.lines)

	nop := ForComponent(nil, "x")
	assert.False(t, nop.DebugEnabled())
	nop.Errorf("dropped")
	assert.Equal(t, "", Component(nop))
}

func TestLevelNames(t *testing.T) {
	assert.Equal(t, "DEBUG", LevelDebug.String())
	assert.Equal(t, "WARN", LevelWarn.String())
	assert.Equal(t, "ERROR", LevelError.String())
}
