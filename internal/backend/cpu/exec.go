package cpu

import (
	"fmt"

	"github.com/born-ml/libdnn/internal/conv"
	"github.com/born-ml/libdnn/internal/device"
	"github.com/born-ml/libdnn/internal/parallel"
)

type kernel struct {
	dev  *Device
	plan *device.KernelPlan
}

func (k *kernel) Name() string { return k.plan.Name }

// Launch runs every workgroup of the grid. Workgroups run in parallel; the
// threads of one workgroup run phase by phase, which stands in for the two
// barriers of each tile iteration.
func (k *kernel) Launch(grid, block [3]int, args ...device.Arg) error {
	if block != k.plan.Block() {
		return fmt.Errorf("cpu: %s: %w: block %v, kernel is built for %v",
			k.plan.Name, device.ErrBadArgument, block, k.plan.Block())
	}
	if err := k.plan.CheckArgs(args); err != nil {
		return fmt.Errorf("cpu: %w", err)
	}
	e := &executor{plan: k.plan, bufs: make(map[string]*buffer, len(args))}
	for i, spec := range k.plan.Args {
		if spec.IsScalar() {
			if spec.Name == "batch_size" {
				e.batchSize = int(args[i].Scalar)
			}
			continue
		}
		b, err := k.dev.buffer("launch", args[i].Buffer)
		if err != nil {
			return err
		}
		e.bufs[spec.Name] = b
	}
	e.init()
	parallel.ForGrid(grid, e.workgroup, k.dev.parallel)
	return nil
}

// executor holds the resolved geometry of one launch.
type executor struct {
	plan      *device.KernelPlan
	bufs      map[string]*buffer
	batchSize int

	n                   int
	kernel, stride, dil [maxAxes]int
	pad, imsi, imso     [maxAxes]int
	ks, group, fin      int
	fout                int
}

func (e *executor) init() {
	cfg := &e.plan.Config
	e.n = cfg.NumAxes()
	for i := 0; i < e.n; i++ {
		e.kernel[i] = cfg.Kernel[i]
		e.stride[i] = cfg.Stride[i]
		e.dil[i] = cfg.Dilation[i]
		e.pad[i] = e.plan.Pad[i]
		e.imsi[i] = cfg.InShape[i]
		e.imso[i] = cfg.OutShape[i]
	}
	e.ks = cfg.KernelSize()
	e.group = cfg.Group
	e.fin = cfg.FmapsIn
	e.fout = cfg.FmapsOut
}

// operands are the GEMM views of one batch sample and group. Callers keep
// row < M, col < N and k < K.
type operands struct {
	a     func(row, k int) float32
	b     func(k, col int) float32
	store func(row, col int, v float32)
	bias  func(row int, v float32)
}

func (e *executor) workgroup(wx, wy, wz int) {
	p := e.plan
	switch {
	case p.Mode == conv.BackwardWeights && !p.Atomic:
		w := e.newWorkgroup(wx, wy)
		for batch := 0; batch < e.batchSize; batch++ {
			w.accumulate(e.operands(batch, wz))
		}
		w.flush(e.operands(0, wz))
	default:
		batch, group := wz/e.group, wz%e.group
		if p.Mode == conv.BackwardWeights && batch >= e.batchSize {
			return
		}
		ops := e.operands(batch, group)
		w := e.newWorkgroup(wx, wy)
		w.accumulate(ops)
		w.flush(ops)
	}
}

// tileState is the staging memory and register file of one workgroup.
type tileState struct {
	plan       *device.KernelPlan
	t          conv.TileParams
	g          conv.GEMM
	offM, offN int
	tsm, tsn   int
	threads    int
	asub, bsub []float32
	creg, dreg []float32
}

func (e *executor) newWorkgroup(wx, wy int) *tileState {
	t := e.plan.Tile
	w := &tileState{
		plan:    e.plan,
		t:       t,
		g:       e.plan.GEMM,
		tsm:     t.TSM(),
		tsn:     t.TSN(),
		threads: t.Threads(),
	}
	w.offM, w.offN = w.tsm*wy, w.tsn*wx
	w.asub = make([]float32, w.tsm*(t.TSK+t.PadA))
	w.bsub = make([]float32, t.TSK*(w.tsn+t.PadB))
	w.creg = make([]float32, w.threads*t.WPTM*t.WPTN)
	w.dreg = make([]float32, w.threads*t.WPTM)
	return w
}

// accumulate runs the tile loop for one set of operands.
func (w *tileState) accumulate(ops operands) {
	t, g := w.t, w.g
	lda, ldb := t.TSK+t.PadA, w.tsn+t.PadB
	for tile := 0; tile < t.NumTiles(g.K); tile++ {
		// Cooperative loads.
		for tid := 0; tid < w.threads; tid++ {
			for la := 0; la < t.LPTA(); la++ {
				id := la*w.threads + tid
				row, col := id/t.TSK, id%t.TSK
				if row >= w.tsm {
					continue
				}
				ti := t.TSK*tile + col
				var v float32
				if w.offM+row < g.M && ti < g.K {
					v = ops.a(w.offM+row, ti)
				}
				w.asub[row*lda+col] = v
			}
			for lb := 0; lb < t.LPTB(); lb++ {
				id := lb*w.threads + tid
				col, row := id%w.tsn, id/w.tsn
				if row >= t.TSK {
					continue
				}
				ti := t.TSK*tile + row
				var v float32
				if w.offN+col < g.N && ti < g.K {
					v = ops.b(ti, w.offN+col)
				}
				w.bsub[row*ldb+col] = v
			}
		}
		// Register-blocked multiply.
		for tid := 0; tid < w.threads; tid++ {
			tidm, tidn := tid/t.RTSN(), tid%t.RTSN()
			creg := w.creg[tid*t.WPTM*t.WPTN:]
			for k := 0; k < t.TSK; k++ {
				for wm := 0; wm < t.WPTM; wm++ {
					a := w.asub[(tidm+wm*t.RTSM())*lda+k]
					if w.plan.Bias && w.plan.Mode == conv.BackwardWeights {
						w.dreg[tid*t.WPTM+wm] += a
					}
					for wn := 0; wn < t.WPTN; wn++ {
						creg[wm*t.WPTN+wn] += a * w.bsub[k*ldb+tidn+wn*t.RTSN()]
					}
				}
			}
		}
	}
}

// flush stores the accumulators of every thread.
func (w *tileState) flush(ops operands) {
	t, g := w.t, w.g
	for tid := 0; tid < w.threads; tid++ {
		tidm, tidn := tid/t.RTSN(), tid%t.RTSN()
		for wm := 0; wm < t.WPTM; wm++ {
			row := w.offM + tidm + wm*t.RTSM()
			if row >= g.M {
				continue
			}
			if ops.store != nil {
				for wn := 0; wn < t.WPTN; wn++ {
					col := w.offN + tidn + wn*t.RTSN()
					if col < g.N {
						ops.store(row, col, w.creg[tid*t.WPTM*t.WPTN+wm*t.WPTN+wn])
					}
				}
			}
			if ops.bias != nil && tidn == 0 && w.offN == 0 {
				ops.bias(row, w.dreg[tid*t.WPTM+wm])
			}
		}
	}
}

func (e *executor) operands(batch, group int) operands {
	switch e.plan.Mode {
	case conv.Forward:
		return e.forward(batch, group)
	case conv.BackwardData:
		if e.plan.Atomic {
			return e.col2im(batch, group)
		}
		return e.im2col(batch, group)
	default:
		return e.weights(batch, group)
	}
}

func (e *executor) forward(batch, group int) operands {
	g, off := e.plan.GEMM, e.plan.Offsets
	wg, in, out := e.bufs["wg"], e.bufs["im_in"], e.bufs["im_out"]
	aBase := group * g.M * g.K
	bBase := off.B*batch + group*(off.B/e.group)
	cBase := off.C*batch + group*g.M*g.N
	dBase := group * (e.fout / e.group)
	skip := e.plan.SkipRangeCheck
	ops := operands{
		a: func(row, k int) float32 { return wg.load(aBase + row*g.K + k) },
		b: func(k, col int) float32 {
			var dIter, dTemp [maxAxes]int
			ti, img := k, col
			for i := e.n - 1; i >= 0; i-- {
				dIter[i] = (ti % e.kernel[i]) * e.dil[i]
				ti /= e.kernel[i]
				dTemp[i] = (img%e.imso[i])*e.stride[i] - e.pad[i]
				img /= e.imso[i]
			}
			for i := 0; i < e.n; i++ {
				im := dTemp[i] + dIter[i]
				if !skip && (im < 0 || im >= e.imsi[i]) {
					return 0
				}
				ti = ti*e.imsi[i] + im
			}
			return in.load(bBase + ti)
		},
	}
	if e.plan.Bias {
		bias := e.bufs["bias"]
		ops.store = func(row, col int, v float32) {
			out.store(cBase+row*g.N+col, v+bias.load(dBase+row))
		}
	} else {
		ops.store = func(row, col int, v float32) { out.store(cBase+row*g.N+col, v) }
	}
	return ops
}

func (e *executor) im2col(batch, group int) operands {
	g, off := e.plan.GEMM, e.plan.Offsets
	wg, outDiff, inDiff := e.bufs["wg"], e.bufs["im_out_diff"], e.bufs["im_in_diff"]
	aBase := group * (off.A / (e.group * e.group))
	bBase := off.B*batch + group*(off.B/e.group)
	cBase := off.C*batch + group*g.M*g.N
	ld := e.fin / e.group * e.ks
	return operands{
		a: func(row, k int) float32 {
			kidx := (e.ks - 1 - k%e.ks) + row*e.ks
			return wg.load(aBase + kidx + ld*(k/e.ks))
		},
		b: func(k, col int) float32 {
			var dIter, dTemp [maxAxes]int
			ti, img := k, col
			for i := e.n - 1; i >= 0; i-- {
				dIter[i] = (ti % e.kernel[i]) * e.dil[i]
				ti /= e.kernel[i]
				dTemp[i] = img%e.imsi[i] - e.pad[i]
				img /= e.imsi[i]
			}
			for i := 0; i < e.n; i++ {
				im := dTemp[i] + dIter[i]
				if im < 0 || im >= e.imso[i]*e.stride[i] || im%e.stride[i] != 0 {
					return 0
				}
				ti = ti*e.imso[i] + im/e.stride[i]
			}
			return outDiff.load(bBase + ti)
		},
		store: func(row, col int, v float32) { inDiff.store(cBase+row*g.N+col, v) },
	}
}

func (e *executor) col2im(batch, group int) operands {
	g, off := e.plan.GEMM, e.plan.Offsets
	wg, outDiff, inDiff := e.bufs["wg"], e.bufs["im_out_diff"], e.bufs["im_in_diff"]
	aBase := group * (off.A / (e.group * e.group))
	bBase := off.B*batch + group*(off.B/e.group)
	cBase := off.C*batch + group*(off.C/e.group)
	return operands{
		a: func(row, k int) float32 { return wg.load(aBase + k*g.M + row) },
		b: func(k, col int) float32 { return outDiff.load(bBase + col + k*g.N) },
		store: func(row, col int, v float32) {
			var dIm [maxAxes]int
			kidx, ci, opos := row%e.ks, row/e.ks, col
			for i := e.n - 1; i >= 0; i-- {
				kpos := kidx % e.kernel[i]
				kidx /= e.kernel[i]
				o := opos % e.imso[i]
				opos /= e.imso[i]
				dIm[i] = o*e.stride[i] + kpos*e.dil[i] - e.pad[i]
				if dIm[i] < 0 || dIm[i] >= e.imsi[i] {
					return
				}
			}
			for i := 0; i < e.n; i++ {
				ci = ci*e.imsi[i] + dIm[i]
			}
			inDiff.add(cBase+ci, v)
		},
	}
}

func (e *executor) weights(batch, group int) operands {
	g, off := e.plan.GEMM, e.plan.Offsets
	in, outDiff := e.bufs["im_in"], e.bufs["im_out_diff"]
	aBase := batch*off.A + group*(off.A/e.group)
	bBase := batch*off.B + group*(off.B/e.group)
	cBase := group * g.M * g.N
	dBase := group * (e.fout / e.group)
	skip := e.plan.SkipRangeCheck
	ops := operands{
		a: func(row, k int) float32 { return outDiff.load(aBase + row*g.K + k) },
		b: func(k, col int) float32 {
			var dIter, dTemp [maxAxes]int
			ti, img := k, col
			for i := e.n - 1; i >= 0; i-- {
				dIter[i] = (img % e.kernel[i]) * e.dil[i]
				img /= e.kernel[i]
				dTemp[i] = (ti%e.imso[i])*e.stride[i] - e.pad[i]
				ti /= e.imso[i]
			}
			for i := 0; i < e.n; i++ {
				im := dTemp[i] + dIter[i]
				if !skip && (im < 0 || im >= e.imsi[i]) {
					return 0
				}
				img = img*e.imsi[i] + im
			}
			return in.load(bBase + img)
		},
	}
	if e.plan.Weights {
		wd := e.bufs["weight_diff"]
		if e.plan.Atomic {
			ops.store = func(row, col int, v float32) { wd.add(cBase+row*g.N+col, v) }
		} else {
			ops.store = func(row, col int, v float32) { wd.store(cBase+row*g.N+col, v) }
		}
	}
	if e.plan.Bias {
		bd := e.bufs["bias_diff"]
		if e.plan.Atomic {
			ops.bias = func(row int, v float32) { bd.add(dBase+row, v) }
		} else {
			ops.bias = func(row int, v float32) { bd.store(dBase+row, v) }
		}
	}
	return ops
}
