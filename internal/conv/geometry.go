package conv

import (
	"fmt"

	"github.com/samber/lo"
)

// Mode is one of the three computation modes of the engine.
type Mode int

// Computation modes.
const (
	Forward Mode = iota
	BackwardData
	BackwardWeights
)

// NumModes is the number of computation modes.
const NumModes = 3

// Modes lists the computation modes in generation order.
var Modes = [NumModes]Mode{Forward, BackwardData, BackwardWeights}

// String returns the short mode tag used as a prefix in generated source.
func (m Mode) String() string {
	switch m {
	case Forward:
		return "fw"
	case BackwardData:
		return "bw"
	case BackwardWeights:
		return "wg"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// KernelName returns the entry point name of the mode's kernel.
func (m Mode) KernelName() string {
	switch m {
	case Forward:
		return "conv_forward"
	case BackwardData:
		return "conv_backward"
	case BackwardWeights:
		return "conv_weights"
	default:
		panic(fmt.Sprintf("libdnn: unknown mode %d", int(m)))
	}
}

// ParseMode parses a mode tag ("fw", "bw", "wg").
func ParseMode(s string) (Mode, error) {
	for _, m := range Modes {
		if m.String() == s {
			return m, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown mode %q", ErrInvalidConfig, s)
}

// GEMM holds the matrix dimensions of one mode. The grouped variants span all
// groups (MG = M * group); only the one that applies to a mode is set.
type GEMM struct {
	M, N, K    int
	MG, NG, KG int
}

func prod(v []int) int {
	return lo.Reduce(v, func(acc, x, _ int) int { return acc * x }, 1)
}

// ForwardGEMM returns the forward dimensions:
// M = fout/g, K = fin/g * prod(kernel), N = prod(out_shape).
func (c Config) ForwardGEMM() GEMM {
	ks := prod(c.Kernel)
	return GEMM{
		MG: c.FmapsOut,
		M:  c.FmapsOut / c.Group,
		N:  prod(c.OutShape),
		KG: c.FmapsIn * ks,
		K:  c.FmapsIn / c.Group * ks,
	}
}

// BackwardDataGEMM returns the backward-data dimensions for the configured algorithm.
//
// im2col: M = fin/g, K = fout/g * prod(kernel), N = prod(in_shape).
// col2im: M = fin/g * prod(kernel), K = fout/g, N = prod(out_shape).
func (c Config) BackwardDataGEMM() GEMM {
	ks := prod(c.Kernel)
	switch c.BwAlgo {
	case BwCol2imAtomic:
		return GEMM{
			MG: c.FmapsIn * ks,
			M:  c.FmapsIn / c.Group * ks,
			N:  prod(c.OutShape),
			KG: c.FmapsOut,
			K:  c.FmapsOut / c.Group,
		}
	default:
		return GEMM{
			MG: c.FmapsIn,
			M:  c.FmapsIn / c.Group,
			N:  prod(c.InShape),
			KG: c.FmapsOut * ks,
			K:  c.FmapsOut / c.Group * ks,
		}
	}
}

// WeightsGEMM returns the backward-weights dimensions:
// M = fout/g, N = fin/g * prod(kernel), K = prod(out_shape).
func (c Config) WeightsGEMM() GEMM {
	ks := prod(c.Kernel)
	return GEMM{
		MG: c.FmapsOut,
		M:  c.FmapsOut / c.Group,
		NG: c.FmapsIn * ks,
		N:  c.FmapsIn / c.Group * ks,
		K:  prod(c.OutShape),
	}
}

// GEMMFor returns the dimensions of the given mode.
func (c Config) GEMMFor(m Mode) GEMM {
	switch m {
	case Forward:
		return c.ForwardGEMM()
	case BackwardData:
		return c.BackwardDataGEMM()
	case BackwardWeights:
		return c.WeightsGEMM()
	default:
		panic(fmt.Sprintf("libdnn: unknown mode %d", int(m)))
	}
}

// ModePad returns the per-axis pad constants embedded in the mode's kernel.
// Backward-data im2col flips the kernel, so its pad becomes
// (kernel-1)*dilation - pad and may be negative.
func (c Config) ModePad(m Mode) []int {
	pad := append([]int(nil), c.Pad...)
	if m == BackwardData && c.BwAlgo == BwIm2col {
		for i := range pad {
			pad[i] = (c.Kernel[i]-1)*c.Dilation[i] - c.Pad[i]
		}
	}
	return pad
}

// Offsets are the per-sample buffer strides of one mode, named after the
// operands they index: A is the weight-side operand, B the gathered image,
// C the result. Zero means the operand has no batch stride.
type Offsets struct {
	A, B, C int
}

// OffsetsFor returns the buffer offsets of the given mode.
func (c Config) OffsetsFor(m Mode) Offsets {
	ks := prod(c.Kernel)
	imsi := prod(c.InShape)
	imso := prod(c.OutShape)
	switch m {
	case Forward:
		return Offsets{B: c.FmapsIn * imsi, C: c.FmapsOut * imso}
	case BackwardData:
		return Offsets{A: c.FmapsIn * c.FmapsOut * ks, B: c.FmapsOut * imso, C: c.FmapsIn * imsi}
	case BackwardWeights:
		return Offsets{A: c.FmapsOut * imso, B: c.FmapsIn * imsi, C: c.FmapsIn * c.FmapsOut * ks}
	default:
		panic(fmt.Sprintf("libdnn: unknown mode %d", int(m)))
	}
}

// KernelSize returns prod(kernel).
func (c Config) KernelSize() int {
	return prod(c.Kernel)
}

// InSpatial returns prod(in_shape).
func (c Config) InSpatial() int {
	return prod(c.InShape)
}

// OutSpatial returns prod(out_shape).
func (c Config) OutSpatial() int {
	return prod(c.OutShape)
}
