package engine

import (
	"fmt"

	"github.com/born-ml/libdnn/internal/codegen"
	"github.com/born-ml/libdnn/internal/conv"
	"github.com/born-ml/libdnn/internal/device"
)

// bindings maps kernel argument names to buffers.
type bindings map[string]device.Buffer

// launch binds args in plan order and runs one kernel over batch samples.
func (e *Engine) launch(m conv.Mode, batch int, bufs bindings) error {
	if !e.built {
		return fmt.Errorf("libdnn: %s: %w", m, ErrNotBuilt)
	}
	name := m.KernelName()
	plan, ok := e.src.Plan(name)
	if !ok {
		return fmt.Errorf("libdnn: %s: %w: %s", m, device.ErrKernelNotFound, name)
	}
	k, err := e.prog.Kernel(name)
	if err != nil {
		return fmt.Errorf("libdnn: %s: %w", m, err)
	}
	args := make([]device.Arg, 0, len(plan.Args))
	for _, spec := range plan.Args {
		if spec.IsScalar() {
			args = append(args, device.ScalarArg(int32(batch)))
			continue
		}
		buf := bufs[spec.Name]
		if buf == nil {
			return fmt.Errorf("libdnn: %s: %w: missing %s", m, device.ErrBadArgument, spec.Name)
		}
		args = append(args, device.BufferArg(buf))
	}
	grid, block := codegen.LaunchGeometry(plan, batch)
	if err := k.Launch(grid, block, args...); err != nil {
		return fmt.Errorf("libdnn: %s: %w", m, err)
	}
	return nil
}

// RunForward computes top = conv(bottom, weight) + bias. bias is ignored
// when the layer has no bias term.
func (e *Engine) RunForward(bottom, weight, bias, top device.Buffer, batch int) error {
	return e.launch(conv.Forward, batch, bindings{
		"im_in":  bottom,
		"wg":     weight,
		"bias":   bias,
		"im_out": top,
	})
}

// RunBackward propagates topDiff to bottomDiff when propData is set and to
// weightDiff and biasDiff when propWeights is set. top and bias are accepted
// for symmetry with the forward call and are not read.
func (e *Engine) RunBackward(propData, propWeights bool,
	top, topDiff, weight, weightDiff, bias, biasDiff, bottom, bottomDiff device.Buffer,
	batch int,
) error {
	if propData {
		if e.cfg.BwAlgo == conv.BwCol2imAtomic {
			if err := e.dev.Fill(bottomDiff, 0); err != nil {
				return fmt.Errorf("libdnn: %s: zero bottom diff: %w", conv.BackwardData, err)
			}
		}
		err := e.launch(conv.BackwardData, batch, bindings{
			"wg":          weight,
			"im_out_diff": topDiff,
			"im_in_diff":  bottomDiff,
		})
		if err != nil {
			return err
		}
	}
	if propWeights && (e.cfg.WeightsBackward || e.cfg.BiasBackward) {
		if e.cfg.WgAlgo == conv.WgAtomic {
			if err := e.zero(weightDiff, e.cfg.WeightsBackward); err != nil {
				return err
			}
			if err := e.zero(biasDiff, e.cfg.BiasTerm && e.cfg.BiasBackward); err != nil {
				return err
			}
		}
		return e.launch(conv.BackwardWeights, batch, bindings{
			"im_in":       bottom,
			"im_out_diff": topDiff,
			"weight_diff": weightDiff,
			"bias_diff":   biasDiff,
		})
	}
	return nil
}

func (e *Engine) zero(buf device.Buffer, used bool) error {
	if !used || buf == nil {
		return nil
	}
	if err := e.dev.Fill(buf, 0); err != nil {
		return fmt.Errorf("libdnn: %s: zero gradient: %w", conv.BackwardWeights, err)
	}
	return nil
}

// Forward is RunForward for callers that treat launch failure as fatal.
func (e *Engine) Forward(bottom, weight, bias, top device.Buffer, batch int) {
	if err := e.RunForward(bottom, weight, bias, top, batch); err != nil {
		panic(err.Error())
	}
}

// Backward is RunBackward for callers that treat launch failure as fatal.
func (e *Engine) Backward(propData, propWeights bool,
	top, topDiff, weight, weightDiff, bias, biasDiff, bottom, bottomDiff device.Buffer,
	batch int,
) {
	err := e.RunBackward(propData, propWeights, top, topDiff, weight, weightDiff, bias, biasDiff,
		bottom, bottomDiff, batch)
	if err != nil {
		panic(err.Error())
	}
}
