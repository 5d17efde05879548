// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package conv_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/libdnn/backend/cpu"
	"github.com/born-ml/libdnn/conv"
)

func TestPublicForward(t *testing.T) {
	const batch = 1
	dev := cpu.New(cpu.WithWorkers(1))
	cfg := conv.New2D(1, 1, 3, 3, 3, 1)
	cfg.BiasTerm = true

	layer, err := conv.New(dev, cfg, conv.WithTiles(conv.DefaultTileSet()))
	require.NoError(t, err)

	alloc := func(n int, v float32) conv.Buffer {
		buf, err := dev.Alloc(conv.Float32, n)
		require.NoError(t, err)
		require.NoError(t, dev.Fill(buf, v))
		return buf
	}
	bottom := alloc(batch*cfg.InputSize(), 1)
	weight := alloc(cfg.WeightSize(), 1)
	bias := alloc(cfg.FmapsOut, 0.5)
	top := alloc(batch*cfg.OutputSize(), 0)
	layer.Forward(bottom, weight, bias, top, batch)

	got := make([]float32, top.Len())
	require.NoError(t, dev.Download(top, got))
	// A 3x3 box filter over ones counts the in-image taps.
	assert.Equal(t, []float32{4.5, 6.5, 4.5, 6.5, 9.5, 6.5, 4.5, 6.5, 4.5}, got)
}

func TestPublicErrors(t *testing.T) {
	cfg := conv.New2D(2, 2, 4, 4, 3, 0)
	cfg.OutShape = []int{4, 4}
	_, err := conv.New(cpu.New(), cfg)
	assert.ErrorIs(t, err, conv.ErrInvalidConfig)

	half := conv.New2D(2, 2, 4, 4, 3, 1)
	half.DataType = conv.Half
	_, err = conv.New(cpu.New(cpu.WithLimits(conv.Limits{
		MaxWorkgroupSize: [3]int{256, 256, 64}, MaxInvocations: 256, MaxWorkgroupStorage: 16384,
	})), half)
	assert.ErrorIs(t, err, conv.ErrUnsupportedType)
}
