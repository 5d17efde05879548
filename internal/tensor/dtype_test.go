package tensor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDataTypeLookups(t *testing.T) {
	tests := []struct {
		dtype    DataType
		name     string
		size     int
		index    int
		isFloat  bool
		isSigned bool
	}{
		{Half, "half", 2, HalfIndex, true, false},
		{Float32, "float", 4, FloatIndex, true, false},
		{Float64, "double", 8, DoubleIndex, true, false},
		{Int8, "int8_t", 1, Int8Index, false, true},
		{Int16, "int16_t", 2, Int16Index, false, true},
		{Int32, "int32_t", 4, Int32Index, false, true},
		{Int64, "int64_t", 8, Int64Index, false, true},
		{Uint8, "uint8_t", 1, Uint8Index, false, false},
		{Uint16, "uint16_t", 2, Uint16Index, false, false},
		{Uint32, "uint32_t", 4, Uint32Index, false, false},
		{Uint64, "uint64_t", 8, Uint64Index, false, false},
		{Bool, "bool", 1, AuxIndex, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.name, tt.dtype.String())
			assert.Equal(t, tt.size, tt.dtype.Size())
			assert.Equal(t, tt.index, tt.dtype.Index())
			assert.Equal(t, tt.isFloat, tt.dtype.IsFloat())
			assert.Equal(t, tt.isSigned, tt.dtype.IsSignedInteger())

			parsed, err := ParseDataType(tt.name)
			require.NoError(t, err)
			assert.Equal(t, tt.dtype, parsed)
		})
	}
}

func TestDataTypeUnknownPanics(t *testing.T) {
	bogus := DataType(99)

	assert.Panics(t, func() { _ = bogus.String() })
	assert.Panics(t, func() { _ = bogus.Size() })
	assert.Panics(t, func() { _ = bogus.Index() })
	assert.Panics(t, func() { _, _ = bogus.WGSL() })
	assert.Panics(t, func() { _ = bogus.IsInteger() })
}

func TestDataTypeWGSL(t *testing.T) {
	name, ok := Float32.WGSL()
	assert.True(t, ok)
	assert.Equal(t, "f32", name)

	name, ok = Half.WGSL()
	assert.True(t, ok)
	assert.Equal(t, "f16", name)

	_, ok = Float64.WGSL()
	assert.False(t, ok)
}

func TestParseDataTypeRejectsUnknown(t *testing.T) {
	_, err := ParseDataType("bfloat16")
	assert.Error(t, err)
}
