package cpu

import (
	"fmt"

	"github.com/born-ml/libdnn/internal/device"
)

// maxAxes bounds the spatial rank the executor handles.
const maxAxes = 8

type program struct {
	dev      *Device
	src      *device.Source
	kernels  map[string]*kernel
	compiled bool
}

func (p *program) SetSource(src *device.Source) {
	p.src = src
	p.kernels = nil
	p.compiled = false
}

// Compile checks every plan against the device limits.
func (p *program) Compile() error {
	if p.src == nil {
		return fmt.Errorf("cpu: compile: %w: no source", device.ErrCompile)
	}
	kernels := make(map[string]*kernel, len(p.src.Plans))
	for i := range p.src.Plans {
		plan := &p.src.Plans[i]
		if err := checkPlan(plan, p.dev.limits); err != nil {
			return fmt.Errorf("cpu: compile %s: %w: %w", plan.Name, device.ErrCompile, err)
		}
		kernels[plan.Name] = &kernel{dev: p.dev, plan: plan}
	}
	p.kernels = kernels
	p.compiled = true
	return nil
}

func (p *program) Kernel(name string) (device.Kernel, error) {
	if !p.compiled {
		return nil, fmt.Errorf("cpu: %w", device.ErrNotCompiled)
	}
	k, ok := p.kernels[name]
	if !ok {
		return nil, fmt.Errorf("cpu: %w: %s", device.ErrKernelNotFound, name)
	}
	return k, nil
}

func checkPlan(plan *device.KernelPlan, limits device.Limits) error {
	if err := plan.CheckLimits(limits); err != nil {
		return err
	}
	if plan.Config.NumAxes() > maxAxes {
		return fmt.Errorf("%d spatial axes exceed %d", plan.Config.NumAxes(), maxAxes)
	}
	return nil
}
