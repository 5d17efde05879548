// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package conv provides autotuned N-dimensional convolution engines for
// compute devices.
//
// # Overview
//
// An Engine owns one convolution layer: its configuration, one tuning
// space per kernel and a compiled program holding three generated kernels:
//   - forward: top = weight * bottom + bias
//   - backward data: the gradient with respect to bottom
//   - backward weights: the gradients with respect to weight and bias
//
// Each kernel is a tiled matrix product whose operands are gathered from
// the image on the fly (implicit im2col). Tile shapes, work per thread,
// vector widths and workgroup sizes are tuning parameters; Tune searches
// them with simulated annealing and rebuilds with the best assignment.
//
// # Basic Usage
//
//	import (
//	    "github.com/born-ml/libdnn/backend/cpu"
//	    "github.com/born-ml/libdnn/conv"
//	)
//
//	func main() {
//	    const batch = 8
//	    dev := cpu.New()
//	    cfg := conv.New2D(3, 16, 32, 32, 3, 1)
//	    cfg.BiasTerm = true
//
//	    layer, err := conv.New(dev, cfg)
//	    if err != nil {
//	        log.Fatal(err)
//	    }
//
//	    bottom, _ := dev.Alloc(conv.Float32, batch*cfg.InputSize())
//	    weight, _ := dev.Alloc(conv.Float32, cfg.WeightSize())
//	    bias, _ := dev.Alloc(conv.Float32, cfg.FmapsOut)
//	    top, _ := dev.Alloc(conv.Float32, batch*cfg.OutputSize())
//	    layer.Forward(bottom, weight, bias, top, batch)
//	}
//
// # Algorithms
//
// The backward data kernel either gathers through the flipped kernel
// (BwIm2col) or scatters with atomic adds (BwCol2imAtomic). The backward
// weights kernel either loops over the batch inside each workgroup
// (WgDirect) or gives every sample its own workgroups and accumulates with
// atomic adds (WgAtomic). Atomic variants clear their outputs before each
// launch.
//
// # Failure
//
// New returns an error when the configuration is invalid or the initial
// build fails. Forward and Backward panic on launch failure; RunForward and
// RunBackward return the error instead.
package conv
