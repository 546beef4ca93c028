package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTruncate(t *testing.T) {
	assert.Equal(t, "hello", Truncate("hello", 10))
	assert.Equal(t, "hello...", Truncate("hello world", 5))
	assert.Equal(t, "x", Truncate("x", 0))
	assert.Equal(t, "日本...", Truncate("日本語です", 2))
}

func TestTitleFrom(t *testing.T) {
	assert.Equal(t, "What is in the paper", TitleFrom("  What is in   the paper\nsecond line", 60))
	assert.Equal(t, "abc...", TitleFrom("abcdef", 3))
	assert.Equal(t, "", TitleFrom("   ", 10))
}

func TestNormalizeL2(t *testing.T) {
	x := []float32{3, 4}
	NormalizeL2(x)
	assert.InDelta(t, 0.6, x[0], 1e-6)
	assert.InDelta(t, 0.8, x[1], 1e-6)

	zero := []float32{0, 0}
	NormalizeL2(zero)
	assert.Equal(t, []float32{0, 0}, zero)
}

func TestFloatConversions(t *testing.T) {
	assert.Equal(t, []float32{1, 0.5}, Float32s(Float64s([]float32{1, 0.5})))
}
