package tensor

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestShapeNumElements(t *testing.T) {
	assert.Equal(t, 1, Shape{}.NumElements())
	assert.Equal(t, 24, Shape{2, 3, 4}.NumElements())
	assert.Equal(t, 0, Shape{3, 0}.NumElements())
}

func TestShapeEqual(t *testing.T) {
	assert.True(t, Shape{2, 3}.Equal(Shape{2, 3}))
	assert.False(t, Shape{2, 3}.Equal(Shape{3, 2}))
	assert.False(t, Shape{2, 3}.Equal(Shape{2, 3, 1}))
}

func TestShapeRavelUnravel(t *testing.T) {
	s := Shape{2, 3, 4}
	assert.Equal(t, []int{1, 2, 3}, s.Unravel(23))
	assert.Equal(t, []int{0, 1, 0}, s.Unravel(4))
	for off := 0; off < s.NumElements(); off++ {
		assert.Equal(t, off, s.Ravel(s.Unravel(off)))
	}
}
