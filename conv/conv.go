// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package conv

import (
	"log/slog"

	internalconv "github.com/born-ml/libdnn/internal/conv"
	"github.com/born-ml/libdnn/internal/device"
	"github.com/born-ml/libdnn/internal/engine"
	"github.com/born-ml/libdnn/internal/tensor"
	"github.com/born-ml/libdnn/internal/tuner"
)

// Config describes one convolution layer.
type Config = internalconv.Config

// Quantizer is the quantization reference carried with a layer.
type Quantizer = internalconv.Quantizer

// TileParams are the tuning parameters of one kernel.
type TileParams = internalconv.TileParams

// TileSet holds the tile parameters of the three kernels, indexed by Mode.
type TileSet = internalconv.TileSet

// Mode selects one of the three kernels.
type Mode = internalconv.Mode

// Kernel modes.
const (
	Forward         = internalconv.Forward
	BackwardData    = internalconv.BackwardData
	BackwardWeights = internalconv.BackwardWeights
)

// NumModes is the number of kernels an engine builds.
const NumModes = internalconv.NumModes

// BwAlgo selects the backward data algorithm.
type BwAlgo = internalconv.BwAlgo

// Backward data algorithms.
const (
	BwIm2col       = internalconv.BwIm2col
	BwCol2imAtomic = internalconv.BwCol2imAtomic
)

// WgAlgo selects the backward weights algorithm.
type WgAlgo = internalconv.WgAlgo

// Backward weights algorithms.
const (
	WgDirect = internalconv.WgDirect
	WgAtomic = internalconv.WgAtomic
)

// DataType is the element type of layer buffers.
type DataType = tensor.DataType

// Kernel element types.
const (
	Float32 = tensor.Float32
	Half    = tensor.Half
)

// Device is a compute device engines run on.
type Device = device.Device

// Buffer is an opaque device buffer.
type Buffer = device.Buffer

// Limits are the device properties the tuning space is bounded by.
type Limits = device.Limits

// Engine is one convolution layer bound to a device.
type Engine = engine.Engine

// Option configures an Engine.
type Option = engine.Option

// TuneOptions configures a tuning run.
type TuneOptions = tuner.Options

// TuneResult is the outcome of a tuning run.
type TuneResult = tuner.Result

// Errors.
var (
	ErrInvalidConfig     = internalconv.ErrInvalidConfig
	ErrNotBuilt          = engine.ErrNotBuilt
	ErrCompile           = device.ErrCompile
	ErrUnsupportedType   = device.ErrUnsupportedType
	ErrDeviceUnavailable = device.ErrDeviceUnavailable
)

// New creates an engine for cfg on dev and builds its kernels with the
// default tuning.
func New(dev Device, cfg Config, opts ...Option) (*Engine, error) {
	return engine.New(dev, cfg, opts...)
}

// New2D returns a square 2-D configuration with stride 1 and dilation 1.
func New2D(fin, fout, h, w, k, pad int) Config {
	return internalconv.New2D(fin, fout, h, w, k, pad)
}

// OutputShape computes the spatial output shape of a convolution.
func OutputShape(in, kernel, stride, pad, dilation []int) []int {
	return internalconv.OutputShape(in, kernel, stride, pad, dilation)
}

// DefaultTileSet returns the default tuning of every kernel.
func DefaultTileSet() TileSet {
	return internalconv.DefaultTileSet()
}

// DefaultTuneOptions returns the default annealing schedule.
func DefaultTuneOptions() TuneOptions {
	return tuner.DefaultOptions()
}

// WithLogger sets the logger used by the engine and its tuner.
func WithLogger(l *slog.Logger) Option {
	return engine.WithLogger(l)
}

// WithTiles sets the starting tuning of every kernel.
func WithTiles(tiles TileSet) Option {
	return engine.WithTiles(tiles)
}
