//go:build windows

package webgpu

import (
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/libdnn/internal/backend/cpu"
	"github.com/born-ml/libdnn/internal/codegen"
	"github.com/born-ml/libdnn/internal/conv"
	"github.com/born-ml/libdnn/internal/device"
	"github.com/born-ml/libdnn/internal/tensor"
)

func newDevice(t *testing.T) *Device {
	t.Helper()
	dev, err := New()
	if err != nil {
		t.Skipf("WebGPU not available: %v", err)
	}
	t.Cleanup(dev.Release)
	return dev
}

func TestBufferRoundTrip(t *testing.T) {
	dev := newDevice(t)
	for _, dt := range []tensor.DataType{tensor.Float32, tensor.Half} {
		buf, err := dev.Alloc(dt, 5)
		require.NoError(t, err)
		require.NoError(t, dev.Upload(buf, []float32{1, -2, 0.5, 4, 8}))
		got := make([]float32, 5)
		require.NoError(t, dev.Download(buf, got))
		assert.Equal(t, []float32{1, -2, 0.5, 4, 8}, got, dt.String())

		require.NoError(t, dev.Fill(buf, 3))
		require.NoError(t, dev.Download(buf, got))
		assert.Equal(t, []float32{3, 3, 3, 3, 3}, got)
		dev.Free(buf)
	}
	assert.Positive(t, dev.PoolStats().Released)

	_, err := dev.Alloc(tensor.Int32, 4)
	assert.ErrorIs(t, err, device.ErrUnsupportedType)
}

func TestKernelsMatchOracle(t *testing.T) {
	const batch = 2
	dev := newDevice(t)
	cfg := conv.New2D(3, 4, 7, 6, 3, 1)
	cfg.BiasTerm = true
	cfg.BwAlgo = conv.BwCol2imAtomic
	cfg.WgAlgo = conv.WgAtomic

	src, err := codegen.Generate(&cfg, conv.DefaultTileSet(), dev.Name())
	require.NoError(t, err)
	prog := dev.CreateProgram()
	prog.SetSource(src)
	require.NoError(t, prog.Compile())

	rng := rand.New(rand.NewPCG(1, 2))
	host := map[string][]float32{
		"im_in":       random(rng, batch*cfg.InputSize()),
		"wg":          random(rng, cfg.WeightSize()),
		"bias":        random(rng, cfg.FmapsOut),
		"im_out":      make([]float32, batch*cfg.OutputSize()),
		"im_out_diff": random(rng, batch*cfg.OutputSize()),
		"im_in_diff":  make([]float32, batch*cfg.InputSize()),
		"weight_diff": make([]float32, cfg.WeightSize()),
		"bias_diff":   make([]float32, cfg.FmapsOut),
	}
	bufs := map[string]device.Buffer{}
	for name, data := range host {
		buf, err := dev.Alloc(tensor.Float32, len(data))
		require.NoError(t, err)
		require.NoError(t, dev.Upload(buf, data))
		bufs[name] = buf
	}

	for _, m := range conv.Modes {
		plan, ok := src.Plan(m.KernelName())
		require.True(t, ok)
		args := make([]device.Arg, 0, len(plan.Args))
		for _, spec := range plan.Args {
			if spec.IsScalar() {
				args = append(args, device.ScalarArg(batch))
				continue
			}
			args = append(args, device.BufferArg(bufs[spec.Name]))
		}
		k, err := prog.Kernel(plan.Name)
		require.NoError(t, err)
		grid, block := codegen.LaunchGeometry(plan, batch)
		require.NoError(t, k.Launch(grid, block, args...))
	}
	require.NoError(t, dev.Synchronize())

	read := func(name string) []float32 {
		out := make([]float32, bufs[name].Len())
		require.NoError(t, dev.Download(bufs[name], out))
		return out
	}
	assert.InDeltaSlice(t, cpu.ConvForward(&cfg, batch, host["im_in"], host["wg"], host["bias"]), read("im_out"), 1e-4)
	assert.InDeltaSlice(t, cpu.ConvBackwardData(&cfg, batch, host["im_out_diff"], host["wg"]), read("im_in_diff"), 1e-4)
	wantW, wantB := cpu.ConvBackwardWeights(&cfg, batch, host["im_in"], host["im_out_diff"])
	assert.InDeltaSlice(t, wantW, read("weight_diff"), 1e-4)
	assert.InDeltaSlice(t, wantB, read("bias_diff"), 1e-4)
}

func TestCompileRejectsOversizedTiles(t *testing.T) {
	dev := newDevice(t)
	cfg := conv.New2D(2, 2, 8, 8, 3, 1)
	tiles := conv.DefaultTileSet()
	tiles[conv.Forward].WorkgroupSize0 = 32
	src, err := codegen.Generate(&cfg, tiles, dev.Name())
	require.NoError(t, err)
	prog := dev.CreateProgram()
	prog.SetSource(src)
	assert.ErrorIs(t, prog.Compile(), device.ErrCompile)
	_, err = prog.Kernel("conv_forward")
	assert.ErrorIs(t, err, device.ErrNotCompiled)
}

func random(rng *rand.Rand, n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = rng.Float32()*2 - 1
	}
	return out
}
