package cpu

import (
	"github.com/born-ml/libdnn/internal/conv"
	"github.com/born-ml/libdnn/internal/tensor"
)

// Direct N-d grouped convolution on host slices, used to check the kernels.
// Layouts: input [batch][fin][in_shape...], output [batch][fout][out_shape...],
// weights [fout][fin/group][kernel...], bias [fout].

// taps calls f for every (output position, kernel position, input position)
// triple whose input position lies inside the image.
func taps(cfg *conv.Config, f func(opos, kpos, ipos int)) {
	in, out, ker := tensor.Shape(cfg.InShape), tensor.Shape(cfg.OutShape), tensor.Shape(cfg.Kernel)
	x := make([]int, len(in))
	for opos := 0; opos < out.NumElements(); opos++ {
		o := out.Unravel(opos)
		for kpos := 0; kpos < ker.NumElements(); kpos++ {
			k := ker.Unravel(kpos)
			inside := true
			for i := range x {
				x[i] = o[i]*cfg.Stride[i] - cfg.Pad[i] + k[i]*cfg.Dilation[i]
				if x[i] < 0 || x[i] >= in[i] {
					inside = false
					break
				}
			}
			if inside {
				f(opos, kpos, in.Ravel(x))
			}
		}
	}
}

// ConvForward returns the forward convolution of batch samples. bias may be nil.
func ConvForward(cfg *conv.Config, batch int, input, weights, bias []float32) []float32 {
	imsi, imso, ks := cfg.InSpatial(), cfg.OutSpatial(), cfg.KernelSize()
	finG, foutG := cfg.FmapsIn/cfg.Group, cfg.FmapsOut/cfg.Group
	acc := make([]float64, batch*cfg.FmapsOut*imso)
	taps(cfg, func(opos, kpos, ipos int) {
		for n := 0; n < batch; n++ {
			for co := 0; co < cfg.FmapsOut; co++ {
				g := co / foutG
				for c := 0; c < finG; c++ {
					ci := g*finG + c
					w := weights[(co*finG+c)*ks+kpos]
					acc[(n*cfg.FmapsOut+co)*imso+opos] += float64(w) * float64(input[(n*cfg.FmapsIn+ci)*imsi+ipos])
				}
			}
		}
	})
	out := make([]float32, len(acc))
	for i, v := range acc {
		if bias != nil {
			v += float64(bias[(i/imso)%cfg.FmapsOut])
		}
		out[i] = float32(v)
	}
	return out
}

// ConvBackwardData returns the input gradient for the output gradient outDiff.
func ConvBackwardData(cfg *conv.Config, batch int, outDiff, weights []float32) []float32 {
	imsi, imso, ks := cfg.InSpatial(), cfg.OutSpatial(), cfg.KernelSize()
	finG, foutG := cfg.FmapsIn/cfg.Group, cfg.FmapsOut/cfg.Group
	acc := make([]float64, batch*cfg.FmapsIn*imsi)
	taps(cfg, func(opos, kpos, ipos int) {
		for n := 0; n < batch; n++ {
			for co := 0; co < cfg.FmapsOut; co++ {
				g := co / foutG
				dy := float64(outDiff[(n*cfg.FmapsOut+co)*imso+opos])
				for c := 0; c < finG; c++ {
					ci := g*finG + c
					acc[(n*cfg.FmapsIn+ci)*imsi+ipos] += dy * float64(weights[(co*finG+c)*ks+kpos])
				}
			}
		}
	})
	return toFloat32(acc)
}

// ConvBackwardWeights returns the weight and bias gradients summed over the batch.
func ConvBackwardWeights(cfg *conv.Config, batch int, input, outDiff []float32) (weightDiff, biasDiff []float32) {
	imsi, imso, ks := cfg.InSpatial(), cfg.OutSpatial(), cfg.KernelSize()
	finG, foutG := cfg.FmapsIn/cfg.Group, cfg.FmapsOut/cfg.Group
	wacc := make([]float64, cfg.FmapsOut*finG*ks)
	taps(cfg, func(opos, kpos, ipos int) {
		for n := 0; n < batch; n++ {
			for co := 0; co < cfg.FmapsOut; co++ {
				g := co / foutG
				dy := float64(outDiff[(n*cfg.FmapsOut+co)*imso+opos])
				for c := 0; c < finG; c++ {
					ci := g*finG + c
					wacc[(co*finG+c)*ks+kpos] += dy * float64(input[(n*cfg.FmapsIn+ci)*imsi+ipos])
				}
			}
		}
	})
	bacc := make([]float64, cfg.FmapsOut)
	for n := 0; n < batch; n++ {
		for co := 0; co < cfg.FmapsOut; co++ {
			for p := 0; p < imso; p++ {
				bacc[co] += float64(outDiff[(n*cfg.FmapsOut+co)*imso+p])
			}
		}
	}
	return toFloat32(wacc), toFloat32(bacc)
}

func toFloat32(v []float64) []float32 {
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(x)
	}
	return out
}
