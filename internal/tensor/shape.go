package tensor

// Shape represents the dimensions of a row-major array.
type Shape []int

// NumElements returns the total number of elements.
func (s Shape) NumElements() int {
	if len(s) == 0 {
		return 1 // Scalar has 1 element
	}
	n := 1
	for _, dim := range s {
		n *= dim
	}
	return n
}

// Equal checks if two shapes are equal.
func (s Shape) Equal(other Shape) bool {
	if len(s) != len(other) {
		return false
	}
	for i := range s {
		if s[i] != other[i] {
			return false
		}
	}
	return true
}

// Unravel converts a flat row-major offset into per-axis coordinates.
func (s Shape) Unravel(offset int) []int {
	coords := make([]int, len(s))
	for i := len(s) - 1; i >= 0; i-- {
		coords[i] = offset % s[i]
		offset /= s[i]
	}
	return coords
}

// Ravel converts per-axis coordinates into a flat row-major offset.
func (s Shape) Ravel(coords []int) int {
	offset := 0
	for i, c := range coords {
		offset = offset*s[i] + c
	}
	return offset
}
