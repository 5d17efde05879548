//go:build windows

// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package webgpu provides the WebGPU device for convolution engines.
//
// Generated kernels are WGSL compute shaders; each engine compiles them into
// one shader module with a pipeline per entry point.
//
// Example:
//
//	import (
//	    "github.com/born-ml/libdnn/backend/webgpu"
//	    "github.com/born-ml/libdnn/conv"
//	)
//
//	func main() {
//	    gpu, err := webgpu.New()
//	    if err != nil {
//	        log.Fatal(err)
//	    }
//	    defer gpu.Release()
//
//	    layer, err := conv.New(gpu, conv.New2D(3, 16, 224, 224, 3, 1))
//	    if err != nil {
//	        log.Fatal(err)
//	    }
//	    layer.Tune(conv.Forward, 8, conv.DefaultTuneOptions())
//	}
package webgpu

import (
	internalwebgpu "github.com/born-ml/libdnn/internal/backend/webgpu"
	"github.com/born-ml/libdnn/conv"
)

// Device runs generated WGSL kernels on a GPU.
type Device = internalwebgpu.Device

// PoolStats describes buffer reuse on a device.
type PoolStats = internalwebgpu.PoolStats

// Compile-time check that Device implements conv.Device.
var _ conv.Device = (*Device)(nil)

// New creates a WebGPU device on the first available adapter.
//
// Returns an error wrapping conv.ErrDeviceUnavailable if WebGPU is not
// available. Call Release when done to free GPU resources.
func New() (*Device, error) {
	return internalwebgpu.New()
}

// IsAvailable checks if WebGPU is available on this system.
func IsAvailable() bool {
	return internalwebgpu.IsAvailable()
}
