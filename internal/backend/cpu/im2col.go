package cpu

import (
	"github.com/born-ml/libdnn/internal/conv"
	"github.com/born-ml/libdnn/internal/tensor"
)

// Explicit im2col lowering on host slices. The kernels gather columns on the
// fly; these helpers materialize the column matrix instead, which gives a
// second reference that shares no index code with taps.
//
// Column layout for one sample and group: [fin/group * kernel_size][out_spatial],
// row r = c*kernel_size + kpos, column = output position.

// Im2col fills the column matrix of group g of one sample.
//
// For each (channel, kernel position) row and output position column, the
// entry is the input value the kernel tap reads, or zero where the tap falls
// into the padding.
func Im2col(cfg *conv.Config, sample []float32, g int) []float32 {
	in, out, ker := tensor.Shape(cfg.InShape), tensor.Shape(cfg.OutShape), tensor.Shape(cfg.Kernel)
	finG := cfg.FmapsIn / cfg.Group
	ks, imso, imsi := ker.NumElements(), out.NumElements(), in.NumElements()

	col := make([]float32, finG*ks*imso)
	x := make([]int, len(in))
	for kpos := 0; kpos < ks; kpos++ {
		k := ker.Unravel(kpos)
		for opos := 0; opos < imso; opos++ {
			o := out.Unravel(opos)
			inside := true
			for i := range x {
				x[i] = o[i]*cfg.Stride[i] - cfg.Pad[i] + k[i]*cfg.Dilation[i]
				if x[i] < 0 || x[i] >= in[i] {
					inside = false
					break
				}
			}
			if !inside {
				continue // zero padding
			}
			ipos := in.Ravel(x)
			for c := 0; c < finG; c++ {
				col[(c*ks+kpos)*imso+opos] = sample[(g*finG+c)*imsi+ipos]
			}
		}
	}
	return col
}

// Col2im scatters a column matrix of group g back into one sample of the
// input gradient, summing the contributions of overlapping taps.
func Col2im(cfg *conv.Config, col []float32, g int, sample []float32) {
	in, out, ker := tensor.Shape(cfg.InShape), tensor.Shape(cfg.OutShape), tensor.Shape(cfg.Kernel)
	finG := cfg.FmapsIn / cfg.Group
	ks, imso, imsi := ker.NumElements(), out.NumElements(), in.NumElements()

	x := make([]int, len(in))
	for kpos := 0; kpos < ks; kpos++ {
		k := ker.Unravel(kpos)
		for opos := 0; opos < imso; opos++ {
			o := out.Unravel(opos)
			inside := true
			for i := range x {
				x[i] = o[i]*cfg.Stride[i] - cfg.Pad[i] + k[i]*cfg.Dilation[i]
				if x[i] < 0 || x[i] >= in[i] {
					inside = false
					break
				}
			}
			if !inside {
				continue
			}
			ipos := in.Ravel(x)
			for c := 0; c < finG; c++ {
				sample[(g*finG+c)*imsi+ipos] += col[(c*ks+kpos)*imso+opos]
			}
		}
	}
}

// Im2colForward computes the forward convolution by lowering every sample
// and group to a column matrix and multiplying it with the group's weights:
//
//	top[g] = weights[g] (fout/group x fin/group*ks) @ col[g] (fin/group*ks x out_spatial)
//
// bias may be nil.
func Im2colForward(cfg *conv.Config, batch int, input, weights, bias []float32) []float32 {
	finG, foutG := cfg.FmapsIn/cfg.Group, cfg.FmapsOut/cfg.Group
	ks, imso, imsi := cfg.KernelSize(), cfg.OutSpatial(), cfg.InSpatial()
	rows := finG * ks

	out := make([]float32, batch*cfg.FmapsOut*imso)
	for n := 0; n < batch; n++ {
		sample := input[n*cfg.FmapsIn*imsi : (n+1)*cfg.FmapsIn*imsi]
		for g := 0; g < cfg.Group; g++ {
			col := Im2col(cfg, sample, g)
			for i := 0; i < foutG; i++ {
				co := g*foutG + i
				w := weights[co*rows : (co+1)*rows]
				dst := out[(n*cfg.FmapsOut+co)*imso : (n*cfg.FmapsOut+co+1)*imso]
				for j := 0; j < imso; j++ {
					var sum float64
					for r := 0; r < rows; r++ {
						sum += float64(w[r]) * float64(col[r*imso+j])
					}
					if bias != nil {
						sum += float64(bias[co])
					}
					dst[j] = float32(sum)
				}
			}
		}
	}
	return out
}

// Col2imBackwardData computes the input gradient as the transposed product
// col[g] = weights[g]^T @ top_diff[g], scattered back with Col2im.
func Col2imBackwardData(cfg *conv.Config, batch int, outDiff, weights []float32) []float32 {
	finG, foutG := cfg.FmapsIn/cfg.Group, cfg.FmapsOut/cfg.Group
	ks, imso, imsi := cfg.KernelSize(), cfg.OutSpatial(), cfg.InSpatial()
	rows := finG * ks

	out := make([]float32, batch*cfg.FmapsIn*imsi)
	col := make([]float32, rows*imso)
	for n := 0; n < batch; n++ {
		sample := out[n*cfg.FmapsIn*imsi : (n+1)*cfg.FmapsIn*imsi]
		for g := 0; g < cfg.Group; g++ {
			for r := 0; r < rows; r++ {
				for j := 0; j < imso; j++ {
					var sum float64
					for i := 0; i < foutG; i++ {
						co := g*foutG + i
						sum += float64(weights[co*rows+r]) * float64(outDiff[(n*cfg.FmapsOut+co)*imso+j])
					}
					col[r*imso+j] = float32(sum)
				}
			}
			Col2im(cfg, col, g, sample)
		}
	}
	return out
}
