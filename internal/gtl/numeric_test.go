package gtl

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSum(t *testing.T) {
	assert.Equal(t, 6, Sum([]int{1, 2, 3}))
	assert.Equal(t, 0, Sum([]int{}))
	assert.InDelta(t, 3.5, Sum([]float64{1, 1.5, 1}), 1e-9)
}

func TestClampIndex(t *testing.T) {
	off, ok := ClampIndex[uint64](5, 2, 10)
	assert.True(t, ok)
	assert.Equal(t, uint64(3), off)

	_, ok = ClampIndex[uint64](1, 2, 10)
	assert.False(t, ok)

	_, ok = ClampIndex[uint64](10, 2, 10)
	assert.False(t, ok)
}
