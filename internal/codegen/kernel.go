package codegen

import (
	"fmt"

	"github.com/born-ml/libdnn/internal/conv"
	"github.com/born-ml/libdnn/internal/device"
)

// kernel emits one entry point. Every module-scope name is prefixed with the
// mode tag so the three kernels can share a source unit.
type kernel struct {
	*Code
	plan *device.KernelPlan
	cfg  *conv.Config
	tile conv.TileParams
	pre  string
}

func newKernel(c *Code, plan *device.KernelPlan) *kernel {
	return &kernel{
		Code: c,
		plan: plan,
		cfg:  &plan.Config,
		tile: plan.Tile,
		pre:  plan.Mode.String() + "_",
	}
}

// n returns the prefixed module-scope name.
func (k *kernel) n(name string) string {
	return k.pre + name
}

func (k *kernel) constInt(name string, v int) {
	k.Line("const %s: i32 = %d;", k.n(name), v)
}

// defs emits the geometry and tuning constants of the kernel.
func (k *kernel) defs() {
	cfg, g, t := k.cfg, k.plan.GEMM, k.tile
	k.Line("// %s: %s", k.plan.Name, k.plan.Mode.String())
	k.constInt("v_g", cfg.Group)
	k.constInt("v_A_off", k.plan.Offsets.A)
	k.constInt("v_B_off", k.plan.Offsets.B)
	k.constInt("v_C_off", k.plan.Offsets.C)
	for i := range cfg.Kernel {
		k.constInt(fmt.Sprintf("v_imsi_%d", i), cfg.InShape[i])
		k.constInt(fmt.Sprintf("v_imso_%d", i), cfg.OutShape[i])
	}
	k.constInt("v_imsi", cfg.InSpatial())
	k.constInt("v_imso", cfg.OutSpatial())
	for i := range cfg.Kernel {
		k.constInt(fmt.Sprintf("v_k_%d", i), cfg.Kernel[i])
		k.constInt(fmt.Sprintf("v_p_%d", i), k.plan.Pad[i])
		k.constInt(fmt.Sprintf("v_s_%d", i), cfg.Stride[i])
		k.constInt(fmt.Sprintf("v_d_%d", i), cfg.Dilation[i])
	}
	k.constInt("v_ks", cfg.KernelSize())
	k.constInt("v_fin", cfg.FmapsIn)
	k.constInt("v_fout", cfg.FmapsOut)
	if k.plan.Mode == conv.Forward && k.plan.Bias {
		k.Line("const %s: f32 = 1.0;", k.n("v_bmul"))
	}
	k.constInt("MG", g.MG)
	k.constInt("M", g.M)
	k.constInt("N", g.N)
	if k.plan.Mode == conv.BackwardWeights {
		k.constInt("NG", g.NG)
	} else {
		k.constInt("KG", g.KG)
	}
	k.constInt("K", g.K)
	k.constInt("v_pad_A", t.PadA)
	k.constInt("v_pad_B", t.PadB)
	k.constInt("TSM", t.TSM())
	k.constInt("TSN", t.TSN())
	k.constInt("TSK", t.TSK)
	k.constInt("TSK_UNROLL", t.TSKUnroll)
	k.constInt("WPTM", t.WPTM)
	k.constInt("VWM", t.VWM)
	k.constInt("WPTN", t.WPTN)
	k.constInt("VWN", t.VWN)
	k.constInt("RTSM", t.RTSM())
	k.constInt("RTSN", t.RTSN())
	k.constInt("LPTA", t.LPTA())
	k.constInt("LPTB", t.LPTB())
	k.constInt("v_num_tiles", t.NumTiles(g.K))
	k.Blank()
}

// bindings declares the kernel's buffers, the scalar uniform block and the
// atomic helpers.
func (k *kernel) bindings() {
	var scalars []device.ArgSpec
	uniform := -1
	for _, a := range k.plan.Args {
		switch a.Access {
		case device.Read:
			k.Line("@group(0) @binding(%d) var<storage, read> %s: array<Dtype>;", a.Binding, k.n(a.Name))
		case device.ReadWrite:
			k.Line("@group(0) @binding(%d) var<storage, read_write> %s: array<Dtype>;", a.Binding, k.n(a.Name))
		case device.Atomic:
			k.Line("@group(0) @binding(%d) var<storage, read_write> %s: array<atomic<u32>>;", a.Binding, k.n(a.Name))
		case device.Uniform:
			scalars = append(scalars, a)
			uniform = a.Binding
		}
	}
	if len(scalars) > 0 {
		k.Blank()
		k.Open("struct %s", k.n("Params"))
		for _, s := range scalars {
			k.Line("%s: i32,", s.Name)
		}
		for i := len(scalars); i%4 != 0; i++ {
			k.Line("_pad%d: i32,", i)
		}
		k.Close()
		k.Line("@group(0) @binding(%d) var<uniform> %s: %s;", uniform, k.n("params"), k.n("Params"))
	}
	k.Blank()
	for _, a := range k.plan.Args {
		if a.Access == device.Atomic {
			k.atomicAdd(a.Name)
		}
	}
	t := k.tile
	k.Line("var<workgroup> %s: array<Dtype, %d>;", k.n("Asub"), t.TSM()*(t.TSK+t.PadA))
	k.Line("var<workgroup> %s: array<Dtype, %d>;", k.n("Bsub"), t.TSK*(t.TSN()+t.PadB))
	k.Blank()
}

// atomicAdd emits the float atomic add helper of one buffer. Floats are
// accumulated through compare-exchange on their bit pattern; half values
// share a 32-bit word with their neighbor.
func (k *kernel) atomicAdd(buf string) {
	b := k.n(buf)
	k.Open("fn %s(idx: i32, v: f32)", k.n("atomic_add_"+buf))
	if k.cfg.DataType.Size() == 2 {
		k.Line("let w = idx / 2;")
		k.Line("let hi = (idx %% 2) == 1;")
		k.Line("var old = atomicLoad(&%s[w]);", b)
		k.Open("loop")
		k.Line("var h = unpack2x16float(old);")
		k.Block(func() { k.Line("h.y = h.y + v;") }, "if (hi)")
		k.Block(func() { k.Line("h.x = h.x + v;") }, "else")
		k.Line("let res = atomicCompareExchangeWeak(&%s[w], old, pack2x16float(h));", b)
	} else {
		k.Line("var old = atomicLoad(&%s[idx]);", b)
		k.Open("loop")
		k.Line("let res = atomicCompareExchangeWeak(&%s[idx], old, bitcast<u32>(bitcast<f32>(old) + v));", b)
	}
	k.Block(func() { k.Line("break;") }, "if (res.exchanged)")
	k.Line("old = res.old_value;")
	k.Close()
	k.Close()
	k.Blank()
}

// begin opens the entry point and derives the thread and tile offsets.
func (k *kernel) begin() {
	k.Line("@compute @workgroup_size(%d, %d, 1)", k.tile.WorkgroupSize0, k.tile.WorkgroupSize1)
	k.Open("fn %s(@builtin(local_invocation_id) lid: vec3<u32>, @builtin(workgroup_id) wid: vec3<u32>)", k.plan.Name)
	k.Line("let tidn = i32(lid.x);")
	k.Line("let tidm = i32(lid.y);")
	k.Line("let tid = tidm * %s + tidn;", k.n("RTSN"))
	k.Line("let offN = %s * i32(wid.x);", k.n("TSN"))
	k.Line("let offM = %s * i32(wid.y);", k.n("TSM"))
}

// regType is the register type holding w lanes.
func regType(w int) string {
	switch w {
	case 1:
		return "f32"
	case 2, 4:
		return fmt.Sprintf("vec%d<f32>", w)
	default:
		return fmt.Sprintf("array<f32, %d>", w)
	}
}

// lane addresses element idx of a register array with w lanes per slot.
func lane(base, idx string, w int) string {
	if w == 1 {
		return fmt.Sprintf("%s[%s]", base, idx)
	}
	return fmt.Sprintf("%s[%s / %d][%s %% %d]", base, idx, w, idx, w)
}

var components = [4]string{"x", "y", "z", "w"}

// registers declares the per-thread accumulators.
func (k *kernel) registers(bias bool) {
	t := k.tile
	k.Line("var Areg: array<%s, %d>;", regType(t.VWM), t.WPTM/t.VWM)
	k.Line("var Breg: array<%s, %d>;", regType(t.VWN), t.WPTN/t.VWN)
	k.Line("var Creg: array<array<%s, %d>, %d>;", regType(t.VWN), t.WPTN/t.VWN, t.WPTM)
	if bias {
		k.Line("var Dreg: array<f32, %d>;", t.WPTM)
	}
}

// loadA emits the cooperative load of the A tile. body assigns v from the
// global A operand at GEMM row offM+row and column tiledIndex.
func (k *kernel) loadA(body func()) {
	k.Open("for (var la: i32 = 0; la < %s; la++)", k.n("LPTA"))
	k.Line("let id = la * %s * %s + tid;", k.n("RTSN"), k.n("RTSM"))
	k.Line("let row = id / %s;", k.n("TSK"))
	k.Line("let col = id %% %s;", k.n("TSK"))
	k.Open("if (row < %s)", k.n("TSM"))
	k.Line("let tiledIndex = %s * t + col;", k.n("TSK"))
	k.Line("var v = Dtype(0.0);")
	k.Block(body, "if ((offM + row) < %s && tiledIndex < %s)", k.n("M"), k.n("K"))
	k.Line("%s[row * (%s + %s) + col] = v;", k.n("Asub"), k.n("TSK"), k.n("v_pad_A"))
	k.Close()
	k.Close()
}

// loadB emits the cooperative load of the B tile. body assigns v from the
// global B operand at GEMM row tiledIndex and column offN+col.
func (k *kernel) loadB(body func()) {
	k.Open("for (var lb: i32 = 0; lb < %s; lb++)", k.n("LPTB"))
	k.Line("let id = lb * %s * %s + tid;", k.n("RTSN"), k.n("RTSM"))
	k.Line("let col = id %% %s;", k.n("TSN"))
	k.Line("let row = id / %s;", k.n("TSN"))
	k.Open("if (row < %s)", k.n("TSK"))
	k.Line("let tiledIndex = %s * t + row;", k.n("TSK"))
	k.Line("var v = Dtype(0.0);")
	k.Block(body, "if ((offN + col) < %s && tiledIndex < %s)", k.n("N"), k.n("K"))
	k.Line("%s[row * (%s + %s) + col] = v;", k.n("Bsub"), k.n("TSN"), k.n("v_pad_B"))
	k.Close()
	k.Close()
}

// tiles emits the K-tile loop: cooperative loads, barrier, multiply, barrier.
func (k *kernel) tiles(loadA, loadB func(), bias bool) {
	k.Open("for (var t: i32 = 0; t < %s; t++)", k.n("v_num_tiles"))
	k.loadA(loadA)
	k.loadB(loadB)
	k.Line("workgroupBarrier();")
	k.multiply(bias)
	k.Line("workgroupBarrier();")
	k.Close()
}

// multiply emits the register-blocked product of the staged tiles.
func (k *kernel) multiply(bias bool) {
	t := k.tile
	k.Open("for (var k: i32 = 0; k < %s; k += %s)", k.n("TSK"), k.n("TSK_UNROLL"))
	for ku := 0; ku < t.TSKUnroll; ku++ {
		kk := "k"
		if ku > 0 {
			kk = fmt.Sprintf("(k + %d)", ku)
		}
		k.Block(func() {
			k.Line("%s = f32(%s[%s * (%s + %s) + tidn + wn * %s]);", lane("Breg", "wn", t.VWN),
				k.n("Bsub"), kk, k.n("TSN"), k.n("v_pad_B"), k.n("RTSN"))
		}, "for (var wn: i32 = 0; wn < %s; wn++)", k.n("WPTN"))
		k.Block(func() {
			k.Line("%s = f32(%s[(tidm + wm * %s) * (%s + %s) + %s]);", lane("Areg", "wm", t.VWM),
				k.n("Asub"), k.n("RTSM"), k.n("TSK"), k.n("v_pad_A"), kk)
		}, "for (var wm: i32 = 0; wm < %s; wm++)", k.n("WPTM"))
		k.Open("for (var wm: i32 = 0; wm < %s; wm++)", k.n("WPTM"))
		k.Line("let a = %s;", lane("Areg", "wm", t.VWM))
		if bias {
			k.Line("Dreg[wm] = Dreg[wm] + a;")
		}
		k.Block(k.fma, "for (var wn: i32 = 0; wn < %d; wn++)", t.WPTN/t.VWN)
		k.Close()
	}
	k.Close()
}

// fma accumulates one Breg slot into Creg, unrolled per lane when vector
// unrolling is on.
func (k *kernel) fma() {
	w := k.tile.VWN
	switch {
	case w == 1:
		k.Line("Creg[wm][wn] = Creg[wm][wn] + a * Breg[wn];")
	case k.tile.VectorUnroll && w <= 4:
		for v := 0; v < w; v++ {
			c := components[v]
			k.Line("Creg[wm][wn].%s = Creg[wm][wn].%s + a * Breg[wn].%s;", c, c, c)
		}
	case k.tile.VectorUnroll:
		for v := 0; v < w; v++ {
			k.Line("Creg[wm][wn][%d] = Creg[wm][wn][%d] + a * Breg[wn][%d];", v, v, v)
		}
	case w <= 4:
		k.Line("Creg[wm][wn] = Creg[wm][wn] + a * Breg[wn];")
	default:
		k.Block(func() {
			k.Line("Creg[wm][wn][v] = Creg[wm][wn][v] + a * Breg[wn][v];")
		}, "for (var v: i32 = 0; v < %d; v++)", w)
	}
}

// storeC walks every output element owned by the thread. body receives the
// accumulator expression and runs only inside the M x N bounds.
func (k *kernel) storeC(body func(acc string)) {
	k.Open("for (var wm: i32 = 0; wm < %s; wm++)", k.n("WPTM"))
	k.Line("let globalRow = offM + tidm + wm * %s;", k.n("RTSM"))
	k.Open("for (var wn: i32 = 0; wn < %s; wn++)", k.n("WPTN"))
	k.Line("let globalCol = offN + tidn + wn * %s;", k.n("RTSN"))
	k.Block(func() { body(lane("Creg[wm]", "wn", k.tile.VWN)) },
		"if (globalRow < %s && globalCol < %s)", k.n("M"), k.n("N"))
	k.Close()
	k.Close()
}

// gatherAxes splits a flattened kernel position and a flattened spatial
// position into per-axis d_iter/d_temp terms, last axis first.
// temp formats the d_temp term from the axis index and spatial coordinate.
func (k *kernel) gatherAxes(kernelVar, spatialVar, spatialShape string, temp func(i int, coord string) string) {
	for i := k.cfg.NumAxes() - 1; i >= 0; i-- {
		k.Line("let d_iter_%d = (%s %% %s) * %s;", i, kernelVar, k.n(fmt.Sprintf("v_k_%d", i)), k.n(fmt.Sprintf("v_d_%d", i)))
		k.Line("%s = %s / %s;", kernelVar, kernelVar, k.n(fmt.Sprintf("v_k_%d", i)))
		coord := fmt.Sprintf("(%s %% %s)", spatialVar, k.n(fmt.Sprintf("%s_%d", spatialShape, i)))
		k.Line("let d_temp_%d = %s;", i, temp(i, coord))
		k.Line("%s = %s / %s;", spatialVar, spatialVar, k.n(fmt.Sprintf("%s_%d", spatialShape, i)))
	}
}
