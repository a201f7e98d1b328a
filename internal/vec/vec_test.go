package vec

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestVec3_CrossAndNormalize(t *testing.T) {
	x := Vec3{X: 1}
	y := Vec3{Y: 1}

	assert.Equal(t, Vec3{Z: 1}, x.Cross(y))
	assert.Equal(t, float32(0), x.Dot(y))
	assert.InDelta(t, 1.0, float64(Vec3{X: 3, Y: 4}.Normalized().Length()), 1e-6)
	assert.Equal(t, Vec3{}, Vec3{}.Normalized())
}

func TestVec3_MinMax(t *testing.T) {
	a := Vec3{X: 1, Y: 5, Z: -2}
	b := Vec3{X: 3, Y: 0, Z: -1}

	assert.Equal(t, Vec3{X: 1, Y: 0, Z: -2}, a.Min(b))
	assert.Equal(t, Vec3{X: 3, Y: 5, Z: -1}, a.Max(b))
}

func TestVec2_Length(t *testing.T) {
	assert.Equal(t, float32(5), Vec2{X: 3, Y: 4}.Length())
	assert.Equal(t, Vec2{X: 2, Y: 4}, Vec2{X: 1, Y: 2}.Mul(2))
}
