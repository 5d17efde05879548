package engine

import (
	"errors"
	"fmt"

	"github.com/born-ml/libdnn/internal/conv"
	"github.com/born-ml/libdnn/internal/device"
	"github.com/born-ml/libdnn/internal/tuner"
)

// scratch holds the buffers a tuning run launches against.
type scratch struct {
	dev  device.Device
	bufs bindings
}

func (e *Engine) newScratch(batch int) (*scratch, error) {
	sizes := map[string]int{
		"im_in":       batch * e.cfg.InputSize(),
		"im_in_diff":  batch * e.cfg.InputSize(),
		"im_out":      batch * e.cfg.OutputSize(),
		"im_out_diff": batch * e.cfg.OutputSize(),
		"wg":          e.cfg.WeightSize(),
		"weight_diff": e.cfg.WeightSize(),
		"bias":        e.cfg.FmapsOut,
		"bias_diff":   e.cfg.FmapsOut,
	}
	s := &scratch{dev: e.dev, bufs: bindings{}}
	for name, n := range sizes {
		buf, err := e.dev.Alloc(e.cfg.DataType, n)
		if err != nil {
			s.free()
			return nil, fmt.Errorf("libdnn: tune: alloc %s: %w", name, err)
		}
		s.bufs[name] = buf
		if err := e.dev.Fill(buf, 0.5); err != nil {
			s.free()
			return nil, fmt.Errorf("libdnn: tune: fill %s: %w", name, err)
		}
	}
	return s, nil
}

func (s *scratch) free() {
	for _, buf := range s.bufs {
		s.dev.Free(buf)
	}
}

// run launches the kernel of mode m the way Forward and Backward do.
func (e *Engine) run(m conv.Mode, batch int, b bindings) error {
	switch m {
	case conv.Forward:
		return e.RunForward(b["im_in"], b["wg"], b["bias"], b["im_out"], batch)
	case conv.BackwardData:
		return e.RunBackward(true, false, b["im_out"], b["im_out_diff"], b["wg"], b["weight_diff"],
			b["bias"], b["bias_diff"], b["im_in"], b["im_in_diff"], batch)
	default:
		return e.RunBackward(false, true, b["im_out"], b["im_out_diff"], b["wg"], b["weight_diff"],
			b["bias"], b["bias_diff"], b["im_in"], b["im_in_diff"], batch)
	}
}

// Tune searches the tuning space of mode m by building and timing each
// candidate on scratch buffers of batch samples. The kernels are rebuilt
// with the best assignment before Tune returns.
func (e *Engine) Tune(m conv.Mode, batch int, opts tuner.Options) (tuner.Result, error) {
	if batch < 1 {
		return tuner.Result{}, fmt.Errorf("libdnn: tune: batch must be >= 1, got %d", batch)
	}
	s, err := e.newScratch(batch)
	if err != nil {
		return tuner.Result{}, err
	}
	defer s.free()

	if opts.Logger == nil {
		opts.Logger = e.log
	}
	obj := tuner.Objective{
		Setup: e.Build,
		Benchmark: func() (float64, error) {
			return tuner.TimedScore(func() error {
				if err := e.run(m, batch, s.bufs); err != nil {
					return err
				}
				return e.dev.Synchronize()
			})
		},
	}
	res, tuneErr := tuner.Tune(e.sets[m], obj, opts)

	// The last candidate built may not be the best one.
	if err := e.Build(); err != nil {
		return res, errors.Join(tuneErr, fmt.Errorf("libdnn: tune: rebuild: %w", err))
	}
	if tuneErr != nil {
		return res, fmt.Errorf("libdnn: tune %s: %w", m, tuneErr)
	}
	e.log.Info("tuned", "mode", m.String(), "score", res.BestScore, "params", res.Best.String())
	return res, nil
}

// TuneAll tunes the three modes in order.
func (e *Engine) TuneAll(batch int, opts tuner.Options) ([conv.NumModes]tuner.Result, error) {
	var out [conv.NumModes]tuner.Result
	for _, m := range conv.Modes {
		res, err := e.Tune(m, batch, opts)
		out[m] = res
		if err != nil {
			return out, err
		}
	}
	return out, nil
}
