// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package cpu provides the reference device for convolution engines.
//
// The reference device runs the same tiled kernels the WebGPU device
// compiles from WGSL, on the host and without a GPU. Workgroups execute in
// parallel; atomic accumulation and half precision storage behave as on
// the GPU. It is the device used by tests and by tuning runs on machines
// without WebGPU.
//
// Example:
//
//	import (
//	    "github.com/born-ml/libdnn/backend/cpu"
//	    "github.com/born-ml/libdnn/conv"
//	)
//
//	func main() {
//	    dev := cpu.New()
//	    layer, err := conv.New(dev, conv.New2D(3, 16, 32, 32, 3, 1))
//	    if err != nil {
//	        log.Fatal(err)
//	    }
//	    fmt.Println(layer.Fingerprint())
//	}
package cpu

import (
	"github.com/born-ml/libdnn/conv"
	internalcpu "github.com/born-ml/libdnn/internal/backend/cpu"
	"github.com/born-ml/libdnn/internal/parallel"
)

// Device is the host reference device.
type Device = internalcpu.Device

// Option configures a Device.
type Option = internalcpu.Option

// Compile-time check that Device implements conv.Device.
var _ conv.Device = (*Device)(nil)

// New creates a reference device with WebGPU default limits and half
// precision support.
func New(opts ...Option) *Device {
	return internalcpu.New(opts...)
}

// WithLimits overrides the limits the device reports and enforces.
func WithLimits(l conv.Limits) Option {
	return internalcpu.WithLimits(l)
}

// WithWorkers sets the number of goroutines running workgroups. One runs
// them sequentially; zero or less keeps one per CPU.
func WithWorkers(n int) Option {
	cfg := parallel.DefaultConfig()
	if n > 0 {
		cfg.Workers = n
	}
	return internalcpu.WithParallel(cfg)
}
