package codegen

import (
	"regexp"
	"strconv"
	"strings"
	"testing"

	"github.com/born-ml/libdnn/internal/conv"
	"github.com/born-ml/libdnn/internal/device"
	"github.com/born-ml/libdnn/internal/tensor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(pad int) conv.Config {
	cfg := conv.New2D(4, 8, 10, 10, 3, pad)
	cfg.BiasTerm = true
	return cfg
}

func generate(t *testing.T, cfg conv.Config) *device.Source {
	t.Helper()
	src, err := Generate(&cfg, conv.DefaultTileSet(), "Test")
	require.NoError(t, err)
	return src
}

func TestGenerateEntryPoints(t *testing.T) {
	src := generate(t, testConfig(1))

	require.Len(t, src.Plans, conv.NumModes)
	for _, m := range conv.Modes {
		assert.Contains(t, src.Text, "fn "+m.KernelName()+"(")
		plan, ok := src.Plan(m.KernelName())
		require.True(t, ok)
		assert.Equal(t, m, plan.Mode)
	}
	assert.True(t, strings.HasPrefix(src.Text, "// "+src.Fingerprint))
	assert.Contains(t, src.Text, "alias Dtype = f32;")
	assert.NotContains(t, src.Text, "enable f16;")
}

func TestGeneratePrefixesModuleScope(t *testing.T) {
	src := generate(t, testConfig(1))
	consts := regexp.MustCompile(`(?m)^const (\w+):`).FindAllStringSubmatch(src.Text, -1)
	require.NotEmpty(t, consts)

	seen := map[string]bool{}
	for _, m := range consts {
		name := m[1]
		assert.Regexp(t, `^(fw|bw|wg)_`, name)
		assert.False(t, seen[name], "duplicate const %s", name)
		seen[name] = true
	}
	for _, name := range []string{"fw_M", "bw_K", "wg_NG", "fw_KG", "wg_LPTB", "bw_v_num_tiles", "fw_v_bmul"} {
		assert.True(t, seen[name], name)
	}
}

func TestGenerateRangeChecks(t *testing.T) {
	withPad := generate(t, testConfig(1)).Text
	noPad := generate(t, testConfig(0)).Text

	assert.Contains(t, kernelText(withPad, "conv_forward"), "in_range")
	assert.NotContains(t, kernelText(noPad, "conv_forward"), "in_range")
	assert.NotContains(t, kernelText(noPad, "conv_weights"), "in_range")

	// Strided backward taps are always checked.
	assert.Contains(t, kernelText(noPad, "conv_backward"), "in_range")
}

func TestGenerateEvenTileCount(t *testing.T) {
	for _, k := range []int{1, 3, 5, 7} {
		cfg := conv.New2D(2, 2, 9, 9, k, 0)
		src := generate(t, cfg)
		for _, m := range regexp.MustCompile(`const \w+_v_num_tiles: i32 = (\d+);`).FindAllStringSubmatch(src.Text, -1) {
			n, err := strconv.Atoi(m[1])
			require.NoError(t, err)
			assert.Zero(t, n%2)
		}
	}
}

func TestGenerateBindings(t *testing.T) {
	cfg := testConfig(1)
	src := generate(t, cfg)
	for _, want := range []string{
		"@group(0) @binding(0) var<storage, read> fw_im_in: array<Dtype>;",
		"@group(0) @binding(2) var<storage, read> fw_bias: array<Dtype>;",
		"@group(0) @binding(3) var<storage, read_write> fw_im_out: array<Dtype>;",
		"@group(0) @binding(6) var<storage, read_write> bw_im_in_diff: array<Dtype>;",
		"@group(0) @binding(12) var<uniform> wg_params: wg_Params;",
	} {
		assert.Contains(t, src.Text, want)
	}

	cfg.BiasTerm = false
	src = generate(t, cfg)
	assert.NotContains(t, src.Text, "fw_bias")
	assert.NotContains(t, src.Text, "bias_diff")
	plan, _ := src.Plan("conv_forward")
	assert.Len(t, plan.Args, 3)
}

func TestGenerateAtomics(t *testing.T) {
	cfg := testConfig(1)
	cfg.BwAlgo = conv.BwCol2imAtomic
	cfg.WgAlgo = conv.WgAtomic
	src := generate(t, cfg)

	assert.Contains(t, src.Text, "var<storage, read_write> bw_im_in_diff: array<atomic<u32>>;")
	assert.Contains(t, src.Text, "fn bw_atomic_add_im_in_diff(idx: i32, v: f32)")
	assert.Contains(t, src.Text, "fn wg_atomic_add_weight_diff(idx: i32, v: f32)")
	assert.Contains(t, src.Text, "fn wg_atomic_add_bias_diff(idx: i32, v: f32)")
	assert.Contains(t, src.Text, "bitcast<u32>(bitcast<f32>(old) + v)")
	assert.Contains(t, kernelText(src.Text, "conv_weights"), "return;")

	plan, _ := src.Plan("conv_weights")
	assert.True(t, plan.Atomic)
	grid, block := LaunchGeometry(plan, 5)
	assert.Equal(t, 5*cfg.Group, grid[2])
	assert.Equal(t, [3]int{16, 16, 1}, block)

	cfg.WgAlgo = conv.WgDirect
	src = generate(t, cfg)
	plan, _ = src.Plan("conv_weights")
	grid, _ = LaunchGeometry(plan, 5)
	assert.Equal(t, cfg.Group, grid[2])
	assert.Contains(t, kernelText(src.Text, "conv_weights"), "batch < wg_params.batch_size")
}

func TestGenerateHalf(t *testing.T) {
	cfg := testConfig(0)
	cfg.DataType = tensor.Half
	cfg.BwAlgo = conv.BwCol2imAtomic
	src := generate(t, cfg)
	assert.Contains(t, src.Text, "enable f16;")
	assert.Contains(t, src.Text, "alias Dtype = f16;")
	assert.Contains(t, src.Text, "pack2x16float")
	assert.Contains(t, src.Fingerprint, "CONV_half_half_half_")
}

func TestGenerateRejectsUnsupportedTypes(t *testing.T) {
	for _, dt := range []tensor.DataType{tensor.Float64, tensor.Int32, tensor.Bool} {
		cfg := testConfig(0)
		cfg.DataType = dt
		_, err := Generate(&cfg, conv.DefaultTileSet(), "Test")
		assert.ErrorIs(t, err, device.ErrUnsupportedType, dt.String())
	}
}

func TestGenerateVectorUnroll(t *testing.T) {
	cfg := testConfig(0)
	tiles := conv.DefaultTileSet()
	src, err := Generate(&cfg, tiles, "Test")
	require.NoError(t, err)
	assert.Contains(t, src.Text, "Creg[wm][wn].w = Creg[wm][wn].w + a * Breg[wn].w;")

	tiles[conv.Forward].VectorUnroll = false
	src, err = Generate(&cfg, tiles, "Test")
	require.NoError(t, err)
	assert.Contains(t, kernelText(src.Text, "conv_forward"), "Creg[wm][wn] = Creg[wm][wn] + a * Breg[wn];")

	tiles[conv.Forward].VWN = 8
	tiles[conv.Forward].WPTN = 8
	src, err = Generate(&cfg, tiles, "Test")
	require.NoError(t, err)
	assert.Contains(t, src.Text, "var Breg: array<array<f32, 8>, 1>;")
	assert.Contains(t, src.Text, "for (var v: i32 = 0; v < 8; v++)")
}

func TestGenerateTSKUnroll(t *testing.T) {
	cfg := testConfig(0)
	tiles := conv.DefaultTileSet()
	tiles[conv.Forward].TSKUnroll = 4
	src, err := Generate(&cfg, tiles, "Test")
	require.NoError(t, err)
	fw := kernelText(src.Text, "conv_forward")
	assert.Contains(t, fw, "(k + 3)")
	assert.NotContains(t, fw, "(k + 4)")
}

func TestGenerateIsDeterministic(t *testing.T) {
	cfg := testConfig(1)
	assert.Equal(t, generate(t, cfg).Text, generate(t, cfg.Clone()).Text)
}

func TestGenerateMode(t *testing.T) {
	cfg := testConfig(1)
	text, err := GenerateMode(&cfg, conv.DefaultTileSet(), "Test", conv.BackwardData)
	require.NoError(t, err)
	assert.Contains(t, text, "fn conv_backward(")
	assert.NotContains(t, text, "fn conv_forward(")
}

func TestStrategySelection(t *testing.T) {
	cfg := testConfig(0)
	assert.IsType(t, im2colData{}, strategyFor(conv.BackwardData, &cfg))
	assert.IsType(t, directWeights{}, strategyFor(conv.BackwardWeights, &cfg))
	cfg.BwAlgo = conv.BwCol2imAtomic
	cfg.WgAlgo = conv.WgAtomic
	assert.IsType(t, col2imData{}, strategyFor(conv.BackwardData, &cfg))
	assert.IsType(t, atomicWeights{}, strategyFor(conv.BackwardWeights, &cfg))
	for _, m := range conv.Modes {
		assert.Equal(t, m, strategyFor(m, &cfg).mode())
	}
}

func TestCodeIndentation(t *testing.T) {
	c := &Code{}
	c.Block(func() { c.Line("let x = %d;", 1) }, "fn f()")
	assert.Equal(t, "fn f() {\n    let x = 1;\n}\n", c.String())
}

// kernelText returns the text of one entry point up to the next.
func kernelText(text, name string) string {
	start := strings.Index(text, "fn "+name+"(")
	if start < 0 {
		return ""
	}
	rest := text[start+1:]
	if end := strings.Index(rest, "@compute"); end >= 0 {
		rest = rest[:end]
	}
	return rest
}
