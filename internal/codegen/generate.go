// Package codegen generates the WGSL source of the convolution kernels.
//
// One source unit holds three tiled GEMM entry points (forward, backward
// data and backward weights). Each embeds its GEMM dimensions, convolution
// geometry and tuning parameters as constants and maps tile coordinates to
// tensor offsets on the fly, so no im2col buffer is materialized.
//
// Generation is a pure function of the configuration and the tuning
// parameters; compiling and launching belong to the device.
package codegen

import (
	"fmt"

	"github.com/born-ml/libdnn/internal/conv"
	"github.com/born-ml/libdnn/internal/device"
	"github.com/born-ml/libdnn/internal/tensor"
)

// Generate returns the source unit of all three kernels.
func Generate(cfg *conv.Config, tiles conv.TileSet, deviceName string) (*device.Source, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	wgslType, ok := cfg.DataType.WGSL()
	if !ok || !cfg.DataType.IsFloat() {
		return nil, fmt.Errorf("libdnn: generate: %w: %s", device.ErrUnsupportedType, cfg.DataType)
	}

	src := &device.Source{
		Fingerprint: cfg.Fingerprint(deviceName),
		Plans:       make([]device.KernelPlan, 0, conv.NumModes),
	}
	c := &Code{}
	c.Line("// %s", src.Fingerprint)
	if cfg.DataType == tensor.Half {
		c.Line("enable f16;")
	}
	c.Blank()
	c.Line("alias Dtype = %s;", wgslType)
	c.Blank()

	for _, m := range conv.Modes {
		s := strategyFor(m, cfg)
		plan := s.plan(cfg, tiles[m])
		src.Plans = append(src.Plans, plan)

		k := newKernel(c, &src.Plans[len(src.Plans)-1])
		k.defs()
		k.bindings()
		s.emit(k)
		c.Blank()
	}
	src.Text = c.String()
	return src, nil
}

// GenerateMode returns the source of a single kernel, for inspection.
func GenerateMode(cfg *conv.Config, tiles conv.TileSet, deviceName string, m conv.Mode) (string, error) {
	src, err := Generate(cfg, tiles, deviceName)
	if err != nil {
		return "", err
	}
	c := &Code{}
	if cfg.DataType == tensor.Half {
		c.Line("enable f16;")
	}
	wgslType, _ := cfg.DataType.WGSL()
	c.Line("alias Dtype = %s;", wgslType)
	c.Blank()
	plan, _ := src.Plan(m.KernelName())
	k := newKernel(c, plan)
	k.defs()
	k.bindings()
	strategyFor(m, cfg).emit(k)
	return c.String(), nil
}
