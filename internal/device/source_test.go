package device

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/libdnn/internal/conv"
	"github.com/born-ml/libdnn/internal/tensor"
)

type hostBuffer struct {
	n     int
	dtype tensor.DataType
}

func (b hostBuffer) Len() int               { return b.n }
func (b hostBuffer) DType() tensor.DataType { return b.dtype }

func forwardPlan(dtype tensor.DataType) *KernelPlan {
	cfg := conv.New2D(2, 2, 4, 4, 3, 1)
	cfg.DataType = dtype
	return &KernelPlan{
		Name:   "conv_forward",
		Mode:   conv.Forward,
		Config: cfg,
		Tile:   conv.DefaultTileParams(),
		Args: []ArgSpec{
			{Name: "im_in", Binding: 0, Access: Read},
			{Name: "wg", Binding: 1, Access: Read},
			{Name: "im_out", Binding: 3, Access: ReadWrite},
			{Name: "batch_size", Binding: 12, Access: Uniform},
		},
	}
}

func TestCheckArgs(t *testing.T) {
	plan := forwardPlan(tensor.Float32)
	buf := BufferArg(hostBuffer{n: 4, dtype: tensor.Float32})
	assert.NoError(t, plan.CheckArgs([]Arg{buf, buf, buf, ScalarArg(2)}))

	for name, args := range map[string][]Arg{
		"too few":        {buf, buf, buf},
		"scalar swapped": {buf, buf, ScalarArg(2), buf},
		"wrong type":     {buf, BufferArg(hostBuffer{n: 4, dtype: tensor.Half}), buf, ScalarArg(2)},
	} {
		assert.ErrorIs(t, plan.CheckArgs(args), ErrBadArgument, name)
	}
}

func TestCheckLimits(t *testing.T) {
	plan := forwardPlan(tensor.Float32)
	require.NoError(t, plan.CheckLimits(DefaultLimits()))
	assert.Equal(t, [3]int{16, 16, 1}, plan.Block())

	small := DefaultLimits()
	small.MaxWorkgroupSize = [3]int{8, 8, 1}
	assert.Error(t, plan.CheckLimits(small))

	small = DefaultLimits()
	small.MaxInvocations = 128
	assert.Error(t, plan.CheckLimits(small))

	// The default tiles stage 1024 elements.
	small = DefaultLimits()
	small.MaxWorkgroupStorage = 4095
	assert.Error(t, plan.CheckLimits(small))

	bad := forwardPlan(tensor.Float32)
	bad.Tile.TSKUnroll = 3
	assert.Error(t, bad.CheckLimits(DefaultLimits()))

	half := forwardPlan(tensor.Half)
	assert.ErrorIs(t, half.CheckLimits(DefaultLimits()), ErrUnsupportedType)
	f16 := DefaultLimits()
	f16.ShaderF16 = true
	assert.NoError(t, half.CheckLimits(f16))
}

func TestSourcePlan(t *testing.T) {
	src := &Source{Plans: []KernelPlan{*forwardPlan(tensor.Float32)}}
	plan, ok := src.Plan("conv_forward")
	require.True(t, ok)
	assert.Same(t, &src.Plans[0], plan)
	_, ok = src.Plan("conv_weights")
	assert.False(t, ok)
}

func TestFamilyString(t *testing.T) {
	assert.Equal(t, "webgpu", FamilyWebGPU.String())
	assert.Equal(t, "reference", FamilyReference.String())
}
