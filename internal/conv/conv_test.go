package conv

import (
	"testing"

	"github.com/born-ml/libdnn/internal/tensor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newConfig(t *testing.T, fin, fout, group int, in, kernel, stride, pad, dilation []int) Config {
	t.Helper()
	cfg := Config{
		FmapsIn:         fin,
		FmapsOut:        fout,
		InShape:         in,
		OutShape:        OutputShape(in, kernel, stride, pad, dilation),
		Kernel:          kernel,
		Stride:          stride,
		Pad:             pad,
		Dilation:        dilation,
		Group:           group,
		BiasTerm:        true,
		WeightsBackward: true,
		BiasBackward:    true,
		DataType:        tensor.Float32,
	}
	require.NoError(t, cfg.Validate())
	return cfg
}

func TestSkipRangeCheck(t *testing.T) {
	tests := []struct {
		name string
		pad  []int
		want bool
	}{
		{"no pad", []int{0, 0}, true},
		{"pad h", []int{1, 0}, false},
		{"pad w", []int{0, 2}, false},
		{"pad both", []int{1, 1}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := newConfig(t, 3, 4, 1, []int{8, 8}, []int{3, 3}, []int{1, 1}, tt.pad, []int{1, 1})
			assert.Equal(t, tt.want, cfg.SkipRangeCheck())
		})
	}
}

func TestForwardGEMMGroupProperty(t *testing.T) {
	tests := []struct {
		fin, fout, group int
		kernel           []int
	}{
		{4, 8, 1, []int{3, 3}},
		{4, 8, 2, []int{3, 3}},
		{6, 12, 3, []int{1, 5}},
		{8, 8, 8, []int{3, 3}},
	}
	for _, tt := range tests {
		cfg := newConfig(t, tt.fin, tt.fout, tt.group, []int{9, 9}, tt.kernel,
			[]int{1, 1}, []int{0, 0}, []int{1, 1})
		g := cfg.ForwardGEMM()
		assert.Equal(t, tt.fout, g.M*tt.group)
		assert.Equal(t, tt.fin*tt.kernel[0]*tt.kernel[1], g.K*tt.group)
		assert.Equal(t, cfg.OutSpatial(), g.N)
		assert.Equal(t, g.KG, g.K*tt.group)
		assert.Equal(t, g.MG, g.M*tt.group)
	}
}

func TestBackwardDataGEMM(t *testing.T) {
	cfg := newConfig(t, 4, 6, 2, []int{7, 5}, []int{3, 2}, []int{2, 1}, []int{1, 0}, []int{1, 2})

	g := cfg.BackwardDataGEMM()
	assert.Equal(t, 2, g.M)
	assert.Equal(t, 3*6, g.K)
	assert.Equal(t, 35, g.N)
	assert.Equal(t, []int{(3-1)*1 - 1, (2-1)*2 - 0}, cfg.ModePad(BackwardData))

	cfg.BwAlgo = BwCol2imAtomic
	g = cfg.BackwardDataGEMM()
	assert.Equal(t, 2*6, g.M)
	assert.Equal(t, 3, g.K)
	assert.Equal(t, cfg.OutSpatial(), g.N)
	assert.Equal(t, cfg.Pad, cfg.ModePad(BackwardData))
}

func TestWeightsGEMM(t *testing.T) {
	cfg := newConfig(t, 4, 6, 2, []int{6, 6}, []int{3, 3}, []int{1, 1}, []int{1, 1}, []int{1, 1})
	g := cfg.WeightsGEMM()
	assert.Equal(t, 3, g.M)
	assert.Equal(t, 2*9, g.N)
	assert.Equal(t, 36, g.K)
	assert.Equal(t, cfg.Pad, cfg.ModePad(BackwardWeights))
}

func TestOffsets(t *testing.T) {
	cfg := newConfig(t, 2, 3, 1, []int{4, 4}, []int{3, 3}, []int{1, 1}, []int{1, 1}, []int{1, 1})
	assert.Equal(t, Offsets{B: 32, C: 48}, cfg.OffsetsFor(Forward))
	assert.Equal(t, Offsets{A: 54, B: 48, C: 32}, cfg.OffsetsFor(BackwardData))
	assert.Equal(t, Offsets{A: 48, B: 32, C: 54}, cfg.OffsetsFor(BackwardWeights))
	assert.Equal(t, 54, cfg.WeightSize())
}

func TestValidateRejectsMalformed(t *testing.T) {
	base := New2D(4, 4, 8, 8, 3, 1)
	require.NoError(t, base.Validate())

	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"rank mismatch", func(c *Config) { c.Stride = []int{1} }},
		{"group does not divide", func(c *Config) { c.Group = 3 }},
		{"zero group", func(c *Config) { c.Group = 0 }},
		{"negative pad", func(c *Config) { c.Pad = []int{-1, 0} }},
		{"wrong out shape", func(c *Config) { c.OutShape = []int{7, 8} }},
		{"no axes", func(c *Config) {
			c.Kernel, c.Stride, c.Pad, c.Dilation, c.InShape, c.OutShape = nil, nil, nil, nil, nil, nil
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := base.Clone()
			tt.mutate(&c)
			assert.ErrorIs(t, c.Validate(), ErrInvalidConfig)
		})
	}
}

func TestCloneIsDeep(t *testing.T) {
	a := New2D(2, 2, 5, 5, 3, 0)
	b := a.Clone()
	b.Kernel[0] = 5
	assert.Equal(t, 3, a.Kernel[0])
}

func TestTileParamsDerived(t *testing.T) {
	p := DefaultTileParams()
	assert.Equal(t, 64, p.TSM())
	assert.Equal(t, 64, p.TSN())
	assert.Equal(t, 16, p.RTSM())
	assert.Equal(t, 2, p.LPTA())
	assert.Equal(t, 2, p.LPTB())

	p.WorkgroupSize0 = 8
	p.WorkgroupSize1 = 4
	p.TSK = 3
	// 3*16 / 32 does not divide; rounds up.
	assert.Equal(t, 2, p.LPTA())
	assert.Equal(t, 3, p.LPTB())
}

func TestNumTilesIsEven(t *testing.T) {
	p := DefaultTileParams()
	for k := 1; k < 200; k++ {
		n := p.NumTiles(k)
		assert.Zero(t, n%2, "k=%d", k)
		assert.GreaterOrEqual(t, n*p.TSK, k)
		assert.Less(t, (n-2)*p.TSK, k)
	}
}

func TestFingerprint(t *testing.T) {
	cfg := newConfig(t, 3, 8, 1, []int{32, 32}, []int{3, 3}, []int{1, 1}, []int{1, 1}, []int{1, 1})
	got := cfg.Fingerprint("Reference")
	assert.Equal(t,
		"CONV_float_float_float_Reference_2D_IN[32,32]_OUT[32,32]_K[3,3]_S[1,1]_P[1,1]_D[1,1]_FIN[3]_FOUT[8]_G[1]",
		got)
	assert.Equal(t, got, cfg.Clone().Fingerprint("Reference"))

	other := cfg.Clone()
	other.Pad = []int{0, 0}
	other.OutShape = OutputShape(other.InShape, other.Kernel, other.Stride, other.Pad, other.Dilation)
	assert.NotEqual(t, got, other.Fingerprint("Reference"))
}

// Derived values are read straight off constructor and Clone results.
func TestMethodsOnUnaddressableConfig(t *testing.T) {
	assert.NoError(t, New2D(2, 3, 5, 5, 3, 1).Validate())
	assert.Equal(t, 2*25, New2D(2, 3, 5, 5, 3, 1).InputSize())
	assert.Equal(t, 3*25, New2D(2, 3, 5, 5, 3, 1).OutputSize())
	assert.Equal(t, 3*2*9, New2D(2, 3, 5, 5, 3, 1).WeightSize())
	assert.False(t, New2D(2, 3, 5, 5, 3, 1).SkipRangeCheck())
	assert.True(t, New2D(2, 3, 5, 5, 3, 0).Clone().SkipRangeCheck())
	assert.Equal(t, 3, New2D(2, 3, 5, 5, 3, 0).Clone().ForwardGEMM().M)
	assert.Equal(t,
		New2D(2, 3, 5, 5, 3, 1).Fingerprint("Reference"),
		New2D(2, 3, 5, 5, 3, 1).Clone().Fingerprint("Reference"))
}

func TestParseAlgorithms(t *testing.T) {
	bw, err := ParseBwAlgo("col2im_atomic")
	require.NoError(t, err)
	assert.Equal(t, BwCol2imAtomic, bw)

	wg, err := ParseWgAlgo("atomic")
	require.NoError(t, err)
	assert.Equal(t, WgAtomic, wg)

	_, err = ParseWgAlgo("blocked")
	assert.ErrorIs(t, err, ErrInvalidConfig)

	m, err := ParseMode("wg")
	require.NoError(t, err)
	assert.Equal(t, BackwardWeights, m)
	assert.Equal(t, "conv_weights", m.KernelName())
}
