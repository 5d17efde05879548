// Package conv describes one convolution instance and derives everything the
// kernel generator needs from it: per-mode GEMM dimensions, padding constants,
// buffer offsets and the kernel fingerprint.
package conv

import (
	"errors"
	"fmt"

	"github.com/born-ml/libdnn/internal/tensor"
)

// ErrInvalidConfig is returned for malformed convolution configurations.
var ErrInvalidConfig = errors.New("invalid convolution config")

// BwAlgo selects the backward-data algorithm.
type BwAlgo int

const (
	// BwIm2col gathers the output gradient through the flipped kernel.
	BwIm2col BwAlgo = iota
	// BwCol2imAtomic scatters column products into the input gradient with atomic adds.
	BwCol2imAtomic
)

// String returns the algorithm name.
func (a BwAlgo) String() string {
	switch a {
	case BwIm2col:
		return "im2col"
	case BwCol2imAtomic:
		return "col2im_atomic"
	default:
		return fmt.Sprintf("BwAlgo(%d)", int(a))
	}
}

// ParseBwAlgo parses a backward-data algorithm name.
func ParseBwAlgo(s string) (BwAlgo, error) {
	switch s {
	case "im2col", "":
		return BwIm2col, nil
	case "col2im_atomic", "atomic":
		return BwCol2imAtomic, nil
	default:
		return 0, fmt.Errorf("%w: unknown backward-data algorithm %q", ErrInvalidConfig, s)
	}
}

// WgAlgo selects the backward-weights algorithm.
type WgAlgo int

const (
	// WgDirect folds the batch loop into the accumulator, one grid slot per group.
	WgDirect WgAlgo = iota
	// WgAtomic processes one batch element per grid slot and accumulates with atomic adds.
	WgAtomic
)

// String returns the algorithm name.
func (a WgAlgo) String() string {
	switch a {
	case WgDirect:
		return "direct"
	case WgAtomic:
		return "atomic"
	default:
		return fmt.Sprintf("WgAlgo(%d)", int(a))
	}
}

// ParseWgAlgo parses a backward-weights algorithm name.
func ParseWgAlgo(s string) (WgAlgo, error) {
	switch s {
	case "direct", "":
		return WgDirect, nil
	case "atomic":
		return WgAtomic, nil
	default:
		return 0, fmt.Errorf("%w: unknown backward-weights algorithm %q", ErrInvalidConfig, s)
	}
}

// QuantMode is the quantization policy of a layer.
type QuantMode int

// Quantization policies.
const (
	QuantNone QuantMode = iota
	QuantPassive
	QuantActive
)

// Quantizer is the quantization reference carried with the layer.
// The engine stores it and hands it back unchanged.
type Quantizer struct {
	Mode      QuantMode
	Scale     float64
	ZeroPoint int64
}

// Config is an immutable description of one convolution instance.
type Config struct {
	// FmapsIn and FmapsOut are the input and output feature-map counts.
	FmapsIn  int
	FmapsOut int

	// InShape and OutShape are the spatial shapes (without batch and channel).
	InShape  []int
	OutShape []int

	Kernel   []int
	Stride   []int
	Pad      []int
	Dilation []int

	Group    int
	BiasTerm bool

	// WeightsBackward and BiasBackward gate the weight-gradient kernel.
	WeightsBackward bool
	BiasBackward    bool

	BwAlgo BwAlgo
	WgAlgo WgAlgo

	DataType  tensor.DataType
	Quantizer *Quantizer

	FastUnsafeMath bool
}

// OutputShape computes the spatial output shape of a convolution.
func OutputShape(in, kernel, stride, pad, dilation []int) []int {
	out := make([]int, len(in))
	for i := range in {
		ext := dilation[i]*(kernel[i]-1) + 1
		out[i] = (in[i]+2*pad[i]-ext)/stride[i] + 1
	}
	return out
}

// New2D is a convenience constructor for the common square 2-D case.
// Output shape, stride 1 and dilation 1 are filled in.
func New2D(fin, fout, h, w, k, pad int) Config {
	cfg := Config{
		FmapsIn:         fin,
		FmapsOut:        fout,
		InShape:         []int{h, w},
		Kernel:          []int{k, k},
		Stride:          []int{1, 1},
		Pad:             []int{pad, pad},
		Dilation:        []int{1, 1},
		Group:           1,
		WeightsBackward: true,
		BiasBackward:    true,
		DataType:        tensor.Float32,
	}
	cfg.OutShape = OutputShape(cfg.InShape, cfg.Kernel, cfg.Stride, cfg.Pad, cfg.Dilation)
	return cfg
}

// NumAxes returns the spatial rank.
func (c Config) NumAxes() int {
	return len(c.Kernel)
}

// Clone returns a deep copy.
func (c Config) Clone() Config {
	c.InShape = append([]int(nil), c.InShape...)
	c.OutShape = append([]int(nil), c.OutShape...)
	c.Kernel = append([]int(nil), c.Kernel...)
	c.Stride = append([]int(nil), c.Stride...)
	c.Pad = append([]int(nil), c.Pad...)
	c.Dilation = append([]int(nil), c.Dilation...)
	if c.Quantizer != nil {
		q := *c.Quantizer
		c.Quantizer = &q
	}
	return c
}

// Validate checks the structural preconditions of the configuration.
func (c Config) Validate() error {
	n := len(c.Kernel)
	if n == 0 {
		return fmt.Errorf("%w: no spatial axes", ErrInvalidConfig)
	}
	for name, v := range map[string][]int{
		"in_shape": c.InShape, "out_shape": c.OutShape, "stride": c.Stride,
		"pad": c.Pad, "dilation": c.Dilation,
	} {
		if len(v) != n {
			return fmt.Errorf("%w: %s has %d axes, kernel has %d", ErrInvalidConfig, name, len(v), n)
		}
	}
	if c.Group < 1 {
		return fmt.Errorf("%w: group must be >= 1, got %d", ErrInvalidConfig, c.Group)
	}
	if c.FmapsIn < 1 || c.FmapsOut < 1 {
		return fmt.Errorf("%w: feature maps must be positive (in=%d, out=%d)", ErrInvalidConfig, c.FmapsIn, c.FmapsOut)
	}
	if c.FmapsIn%c.Group != 0 || c.FmapsOut%c.Group != 0 {
		return fmt.Errorf("%w: group %d does not divide feature maps (in=%d, out=%d)",
			ErrInvalidConfig, c.Group, c.FmapsIn, c.FmapsOut)
	}
	for i := 0; i < n; i++ {
		if c.Kernel[i] < 1 || c.Stride[i] < 1 || c.Dilation[i] < 1 || c.Pad[i] < 0 {
			return fmt.Errorf("%w: axis %d has kernel=%d stride=%d dilation=%d pad=%d",
				ErrInvalidConfig, i, c.Kernel[i], c.Stride[i], c.Dilation[i], c.Pad[i])
		}
		if c.InShape[i] < 1 || c.OutShape[i] < 1 {
			return fmt.Errorf("%w: axis %d has in=%d out=%d", ErrInvalidConfig, i, c.InShape[i], c.OutShape[i])
		}
	}
	want := OutputShape(c.InShape, c.Kernel, c.Stride, c.Pad, c.Dilation)
	if !tensor.Shape(want).Equal(c.OutShape) {
		return fmt.Errorf("%w: out_shape %v does not match geometry (expected %v)", ErrInvalidConfig, c.OutShape, want)
	}
	return nil
}

// SkipRangeCheck reports whether the forward and weight kernels can omit the
// per-element bounds check. It holds exactly when every pad is zero.
func (c Config) SkipRangeCheck() bool {
	for _, p := range c.Pad {
		if p > 0 {
			return false
		}
	}
	return true
}

// InputSize returns fmaps_in * prod(in_shape), the per-sample input length.
func (c Config) InputSize() int {
	return c.FmapsIn * prod(c.InShape)
}

// OutputSize returns fmaps_out * prod(out_shape), the per-sample output length.
func (c Config) OutputSize() int {
	return c.FmapsOut * prod(c.OutShape)
}

// WeightSize returns fmaps_out * fmaps_in/group * prod(kernel).
func (c Config) WeightSize() int {
	return c.FmapsOut * (c.FmapsIn / c.Group) * prod(c.Kernel)
}
