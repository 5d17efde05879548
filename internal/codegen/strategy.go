package codegen

import (
	"fmt"

	"github.com/born-ml/libdnn/internal/conv"
	"github.com/born-ml/libdnn/internal/device"
)

// Buffer bindings. Entry points use disjoint slots so that each automatic
// pipeline layout holds only its own buffers.
const (
	bindFwImIn  = 0
	bindFwWg    = 1
	bindFwBias  = 2
	bindFwImOut = 3

	bindBwWg        = 4
	bindBwImOutDiff = 5
	bindBwImInDiff  = 6

	bindWgImIn       = 8
	bindWgImOutDiff  = 9
	bindWgWeightDiff = 10
	bindWgBiasDiff   = 11
	bindWgParams     = 12
)

// strategy is one kernel variant: it describes its arguments, emits its
// source and computes its launch geometry.
type strategy interface {
	mode() conv.Mode
	plan(cfg *conv.Config, tile conv.TileParams) device.KernelPlan
	emit(k *kernel)
	grid(p *device.KernelPlan, batch int) [3]int
}

// strategyFor selects the variant configured for a mode.
func strategyFor(m conv.Mode, cfg *conv.Config) strategy {
	switch m {
	case conv.Forward:
		return forward{}
	case conv.BackwardData:
		if cfg.BwAlgo == conv.BwCol2imAtomic {
			return col2imData{}
		}
		return im2colData{}
	case conv.BackwardWeights:
		if cfg.WgAlgo == conv.WgAtomic {
			return atomicWeights{}
		}
		return directWeights{}
	default:
		panic(fmt.Sprintf("libdnn: unknown mode %d", int(m)))
	}
}

// basePlan fills in the fields every variant shares.
func basePlan(m conv.Mode, cfg *conv.Config, tile conv.TileParams) device.KernelPlan {
	return device.KernelPlan{
		Name:           m.KernelName(),
		Mode:           m,
		Config:         cfg.Clone(),
		GEMM:           cfg.GEMMFor(m),
		Tile:           tile,
		Pad:            cfg.ModePad(m),
		Offsets:        cfg.OffsetsFor(m),
		SkipRangeCheck: cfg.SkipRangeCheck(),
	}
}

// sampleGrid covers the GEMM tiles once per batch sample and group.
func sampleGrid(p *device.KernelPlan, batch int) [3]int {
	x, y := p.Tile.Grid(p.GEMM)
	return [3]int{x, y, batch * p.Config.Group}
}

// LaunchGeometry returns the grid and workgroup dimensions of a plan for
// batch samples.
func LaunchGeometry(p *device.KernelPlan, batch int) (grid, block [3]int) {
	return strategyFor(p.Mode, &p.Config).grid(p, batch), p.Block()
}

// rangeCheck declares the in_range flag unless checks are skipped.
func (k *kernel) rangeCheck() bool {
	if k.plan.SkipRangeCheck {
		return false
	}
	k.Line("var in_range = true;")
	return true
}

// forward computes im_out = wg * im2col(im_in) + bias.
type forward struct{}

func (forward) mode() conv.Mode { return conv.Forward }

func (forward) plan(cfg *conv.Config, tile conv.TileParams) device.KernelPlan {
	p := basePlan(conv.Forward, cfg, tile)
	p.Bias = cfg.BiasTerm
	p.Args = []device.ArgSpec{
		{Name: "im_in", Binding: bindFwImIn, Access: device.Read},
		{Name: "wg", Binding: bindFwWg, Access: device.Read},
	}
	if p.Bias {
		p.Args = append(p.Args, device.ArgSpec{Name: "bias", Binding: bindFwBias, Access: device.Read})
	}
	p.Args = append(p.Args, device.ArgSpec{Name: "im_out", Binding: bindFwImOut, Access: device.ReadWrite})
	return p
}

func (forward) grid(p *device.KernelPlan, batch int) [3]int { return sampleGrid(p, batch) }

func (forward) emit(k *kernel) {
	k.begin()
	k.Line("let batch = i32(wid.z) / %s;", k.n("v_g"))
	k.Line("let group = i32(wid.z) %% %s;", k.n("v_g"))
	k.Line("let a_base = group * (%s * %s);", k.n("M"), k.n("K"))
	k.Line("let b_base = %s * batch + group * (%s / %s);", k.n("v_B_off"), k.n("v_B_off"), k.n("v_g"))
	k.Line("let c_base = %s * batch + group * (%s * %s);", k.n("v_C_off"), k.n("M"), k.n("N"))
	if k.plan.Bias {
		k.Line("let d_base = group * (%s / %s);", k.n("v_fout"), k.n("v_g"))
	}
	k.registers(false)
	k.tiles(func() {
		k.Line("v = %s[a_base + (offM + row) * %s + tiledIndex];", k.n("wg"), k.n("K"))
	}, func() {
		k.Line("var imageIndex = offN + col;")
		k.Line("var ti = tiledIndex;")
		k.gatherAxes("ti", "imageIndex", "v_imso", func(i int, coord string) string {
			return fmt.Sprintf("%s * %s - %s", coord, k.n(fmt.Sprintf("v_s_%d", i)), k.n(fmt.Sprintf("v_p_%d", i)))
		})
		checked := k.rangeCheck()
		for i := 0; i < k.cfg.NumAxes(); i++ {
			k.Line("let d_iter_im_%d = d_temp_%d + d_iter_%d;", i, i, i)
			if checked {
				k.Line("in_range = in_range && d_iter_im_%d >= 0 && d_iter_im_%d < %s;", i, i, k.n(fmt.Sprintf("v_imsi_%d", i)))
			}
			k.Line("ti = ti * %s + d_iter_im_%d;", k.n(fmt.Sprintf("v_imsi_%d", i)), i)
		}
		load := fmt.Sprintf("v = %s[b_base + ti];", k.n("im_in"))
		if checked {
			k.Block(func() { k.Line("%s", load) }, "if (in_range)")
		} else {
			k.Line("%s", load)
		}
	}, false)
	k.storeC(func(acc string) {
		if k.plan.Bias {
			k.Line("%s[c_base + globalRow * %s + globalCol] = Dtype(%s + %s * f32(%s[d_base + globalRow]));",
				k.n("im_out"), k.n("N"), acc, k.n("v_bmul"), k.n("bias"))
		} else {
			k.Line("%s[c_base + globalRow * %s + globalCol] = Dtype(%s);", k.n("im_out"), k.n("N"), acc)
		}
	})
	k.Close()
}

// im2colData computes the input gradient by gathering the output gradient
// through the flipped kernel.
type im2colData struct{}

func (im2colData) mode() conv.Mode { return conv.BackwardData }

func (im2colData) plan(cfg *conv.Config, tile conv.TileParams) device.KernelPlan {
	p := basePlan(conv.BackwardData, cfg, tile)
	// Strided taps need the divisibility check whatever the padding.
	p.SkipRangeCheck = false
	p.Args = []device.ArgSpec{
		{Name: "wg", Binding: bindBwWg, Access: device.Read},
		{Name: "im_out_diff", Binding: bindBwImOutDiff, Access: device.Read},
		{Name: "im_in_diff", Binding: bindBwImInDiff, Access: device.ReadWrite},
	}
	return p
}

func (im2colData) grid(p *device.KernelPlan, batch int) [3]int { return sampleGrid(p, batch) }

func (im2colData) emit(k *kernel) {
	k.begin()
	k.Line("let batch = i32(wid.z) / %s;", k.n("v_g"))
	k.Line("let group = i32(wid.z) %% %s;", k.n("v_g"))
	k.Line("let a_base = group * (%s / (%s * %s));", k.n("v_A_off"), k.n("v_g"), k.n("v_g"))
	k.Line("let b_base = %s * batch + group * (%s / %s);", k.n("v_B_off"), k.n("v_B_off"), k.n("v_g"))
	k.Line("let c_base = %s * batch + group * (%s * %s);", k.n("v_C_off"), k.n("M"), k.n("N"))
	k.registers(false)
	k.tiles(func() {
		ks := k.n("v_ks")
		k.Line("let kidx = (%s - 1 - tiledIndex %% %s) + (offM + row) * %s;", ks, ks, ks)
		k.Line("let midx = tiledIndex / %s;", ks)
		k.Line("v = %s[a_base + kidx + (%s / %s * %s) * midx];", k.n("wg"), k.n("v_fin"), k.n("v_g"), ks)
	}, func() {
		k.Line("var imageIndex = offN + col;")
		k.Line("var ti = tiledIndex;")
		k.gatherAxes("ti", "imageIndex", "v_imsi", func(i int, coord string) string {
			return fmt.Sprintf("%s - %s", coord, k.n(fmt.Sprintf("v_p_%d", i)))
		})
		k.Line("var in_range = true;")
		for i := 0; i < k.cfg.NumAxes(); i++ {
			s := k.n(fmt.Sprintf("v_s_%d", i))
			k.Line("let d_iter_im_%d = d_temp_%d + d_iter_%d;", i, i, i)
			k.Line("in_range = in_range && d_iter_im_%d >= 0 && d_iter_im_%d < %s * %s && d_iter_im_%d %% %s == 0;",
				i, i, k.n(fmt.Sprintf("v_imso_%d", i)), s, i, s)
			k.Line("ti = ti * %s + d_iter_im_%d / %s;", k.n(fmt.Sprintf("v_imso_%d", i)), i, s)
		}
		k.Block(func() { k.Line("v = %s[b_base + ti];", k.n("im_out_diff")) }, "if (in_range)")
	}, false)
	k.storeC(func(acc string) {
		k.Line("%s[c_base + globalRow * %s + globalCol] = Dtype(%s);", k.n("im_in_diff"), k.n("N"), acc)
	})
	k.Close()
}

// col2imData computes column products and scatters them into the input
// gradient with atomic adds. The input gradient must be zeroed first.
type col2imData struct{}

func (col2imData) mode() conv.Mode { return conv.BackwardData }

func (col2imData) plan(cfg *conv.Config, tile conv.TileParams) device.KernelPlan {
	p := basePlan(conv.BackwardData, cfg, tile)
	p.Atomic = true
	p.Args = []device.ArgSpec{
		{Name: "wg", Binding: bindBwWg, Access: device.Read},
		{Name: "im_out_diff", Binding: bindBwImOutDiff, Access: device.Read},
		{Name: "im_in_diff", Binding: bindBwImInDiff, Access: device.Atomic},
	}
	return p
}

func (col2imData) grid(p *device.KernelPlan, batch int) [3]int { return sampleGrid(p, batch) }

func (col2imData) emit(k *kernel) {
	k.begin()
	k.Line("let batch = i32(wid.z) / %s;", k.n("v_g"))
	k.Line("let group = i32(wid.z) %% %s;", k.n("v_g"))
	k.Line("let a_base = group * (%s / (%s * %s));", k.n("v_A_off"), k.n("v_g"), k.n("v_g"))
	k.Line("let b_base = %s * batch + group * (%s / %s);", k.n("v_B_off"), k.n("v_B_off"), k.n("v_g"))
	k.Line("let c_base = %s * batch + group * (%s / %s);", k.n("v_C_off"), k.n("v_C_off"), k.n("v_g"))
	k.registers(false)
	k.tiles(func() {
		k.Line("v = %s[a_base + tiledIndex * %s + offM + row];", k.n("wg"), k.n("M"))
	}, func() {
		k.Line("v = %s[b_base + offN + col + tiledIndex * %s];", k.n("im_out_diff"), k.n("N"))
	}, false)
	k.storeC(func(acc string) {
		ks := k.n("v_ks")
		k.Line("var kidx = globalRow %% %s;", ks)
		k.Line("var ci = globalRow / %s;", ks)
		k.Line("var opos = globalCol;")
		k.Line("var in_range = true;")
		for i := k.cfg.NumAxes() - 1; i >= 0; i-- {
			kd := k.n(fmt.Sprintf("v_k_%d", i))
			od := k.n(fmt.Sprintf("v_imso_%d", i))
			k.Line("let kpos_%d = kidx %% %s;", i, kd)
			k.Line("kidx = kidx / %s;", kd)
			k.Line("let o_%d = opos %% %s;", i, od)
			k.Line("opos = opos / %s;", od)
			k.Line("let d_iter_im_%d = o_%d * %s + kpos_%d * %s - %s;", i, i,
				k.n(fmt.Sprintf("v_s_%d", i)), i, k.n(fmt.Sprintf("v_d_%d", i)), k.n(fmt.Sprintf("v_p_%d", i)))
			k.Line("in_range = in_range && d_iter_im_%d >= 0 && d_iter_im_%d < %s;", i, i, k.n(fmt.Sprintf("v_imsi_%d", i)))
		}
		for i := 0; i < k.cfg.NumAxes(); i++ {
			k.Line("ci = ci * %s + d_iter_im_%d;", k.n(fmt.Sprintf("v_imsi_%d", i)), i)
		}
		k.Block(func() {
			k.Line("%s(c_base + ci, %s);", k.n("atomic_add_im_in_diff"), acc)
		}, "if (in_range)")
	})
	k.Close()
}

// weightsPlan builds the plan shared by both weight-gradient variants.
func weightsPlan(cfg *conv.Config, tile conv.TileParams, atomic bool) device.KernelPlan {
	p := basePlan(conv.BackwardWeights, cfg, tile)
	p.Atomic = atomic
	p.Weights = cfg.WeightsBackward
	p.Bias = cfg.BiasTerm && cfg.BiasBackward
	out := device.ReadWrite
	if atomic {
		out = device.Atomic
	}
	p.Args = []device.ArgSpec{
		{Name: "im_in", Binding: bindWgImIn, Access: device.Read},
		{Name: "im_out_diff", Binding: bindWgImOutDiff, Access: device.Read},
	}
	if p.Weights {
		p.Args = append(p.Args, device.ArgSpec{Name: "weight_diff", Binding: bindWgWeightDiff, Access: out})
	}
	if p.Bias {
		p.Args = append(p.Args, device.ArgSpec{Name: "bias_diff", Binding: bindWgBiasDiff, Access: out})
	}
	p.Args = append(p.Args, device.ArgSpec{Name: "batch_size", Binding: bindWgParams, Access: device.Uniform})
	return p
}

// weightsTiles emits the tile loop of the weight-gradient kernel for the
// batch sample held in a_base and b_base.
func weightsTiles(k *kernel) {
	k.tiles(func() {
		k.Line("v = %s[a_base + (offM + row) * %s + tiledIndex];", k.n("im_out_diff"), k.n("K"))
	}, func() {
		k.Line("var imageIndex = offN + col;")
		k.Line("var ti = tiledIndex;")
		k.gatherAxes("imageIndex", "ti", "v_imso", func(i int, coord string) string {
			return fmt.Sprintf("%s * %s - %s", coord, k.n(fmt.Sprintf("v_s_%d", i)), k.n(fmt.Sprintf("v_p_%d", i)))
		})
		checked := k.rangeCheck()
		for i := 0; i < k.cfg.NumAxes(); i++ {
			k.Line("let d_iter_im_%d = d_temp_%d + d_iter_%d;", i, i, i)
			if checked {
				k.Line("in_range = in_range && d_iter_im_%d >= 0 && d_iter_im_%d < %s;", i, i, k.n(fmt.Sprintf("v_imsi_%d", i)))
			}
			k.Line("imageIndex = imageIndex * %s + d_iter_im_%d;", k.n(fmt.Sprintf("v_imsi_%d", i)), i)
		}
		load := fmt.Sprintf("v = %s[b_base + imageIndex];", k.n("im_in"))
		if checked {
			k.Block(func() { k.Line("%s", load) }, "if (in_range)")
		} else {
			k.Line("%s", load)
		}
	}, k.plan.Bias)
}

// weightsStore writes or atomically adds the weight and bias gradients.
func weightsStore(k *kernel) {
	atomic := k.plan.Atomic
	if k.plan.Weights {
		k.storeC(func(acc string) {
			if atomic {
				k.Line("%s(c_base + globalRow * %s + globalCol, %s);", k.n("atomic_add_weight_diff"), k.n("N"), acc)
			} else {
				k.Line("%s[c_base + globalRow * %s + globalCol] = Dtype(%s);", k.n("weight_diff"), k.n("N"), acc)
			}
		})
	}
	if k.plan.Bias {
		k.Open("if (tidn == 0 && offN == 0)")
		k.Open("for (var wm: i32 = 0; wm < %s; wm++)", k.n("WPTM"))
		k.Line("let globalRow = offM + tidm + wm * %s;", k.n("RTSM"))
		k.Block(func() {
			if atomic {
				k.Line("%s(d_base + globalRow, Dreg[wm]);", k.n("atomic_add_bias_diff"))
			} else {
				k.Line("%s[d_base + globalRow] = Dtype(Dreg[wm]);", k.n("bias_diff"))
			}
		}, "if (globalRow < %s)", k.n("M"))
		k.Close()
		k.Close()
	}
}

// directWeights folds the batch loop into the accumulator: one grid slot per group.
type directWeights struct{}

func (directWeights) mode() conv.Mode { return conv.BackwardWeights }

func (directWeights) plan(cfg *conv.Config, tile conv.TileParams) device.KernelPlan {
	return weightsPlan(cfg, tile, false)
}

func (directWeights) grid(p *device.KernelPlan, _ int) [3]int {
	x, y := p.Tile.Grid(p.GEMM)
	return [3]int{x, y, p.Config.Group}
}

func (directWeights) emit(k *kernel) {
	k.begin()
	k.Line("let group = i32(wid.z);")
	k.Line("let c_base = group * (%s * %s);", k.n("M"), k.n("N"))
	k.Line("let d_base = group * (%s / %s);", k.n("v_fout"), k.n("v_g"))
	k.registers(k.plan.Bias)
	k.Open("for (var batch: i32 = 0; batch < %s.batch_size; batch++)", k.n("params"))
	k.Line("let a_base = batch * %s + group * (%s / %s);", k.n("v_A_off"), k.n("v_A_off"), k.n("v_g"))
	k.Line("let b_base = batch * %s + group * (%s / %s);", k.n("v_B_off"), k.n("v_B_off"), k.n("v_g"))
	weightsTiles(k)
	k.Close()
	weightsStore(k)
	k.Close()
}

// atomicWeights runs one grid slot per batch sample and group and
// accumulates across slots with atomic adds.
type atomicWeights struct{}

func (atomicWeights) mode() conv.Mode { return conv.BackwardWeights }

func (atomicWeights) plan(cfg *conv.Config, tile conv.TileParams) device.KernelPlan {
	return weightsPlan(cfg, tile, true)
}

func (atomicWeights) grid(p *device.KernelPlan, batch int) [3]int { return sampleGrid(p, batch) }

func (atomicWeights) emit(k *kernel) {
	k.begin()
	k.Line("let batch = i32(wid.z) / %s;", k.n("v_g"))
	k.Line("let group = i32(wid.z) %% %s;", k.n("v_g"))
	k.Block(func() { k.Line("return;") }, "if (batch >= %s.batch_size)", k.n("params"))
	k.Line("let a_base = batch * %s + group * (%s / %s);", k.n("v_A_off"), k.n("v_A_off"), k.n("v_g"))
	k.Line("let b_base = batch * %s + group * (%s / %s);", k.n("v_B_off"), k.n("v_B_off"), k.n("v_g"))
	k.Line("let c_base = group * (%s * %s);", k.n("M"), k.n("N"))
	k.Line("let d_base = group * (%s / %s);", k.n("v_fout"), k.n("v_g"))
	k.registers(k.plan.Bias)
	weightsTiles(k)
	weightsStore(k)
	k.Close()
}
