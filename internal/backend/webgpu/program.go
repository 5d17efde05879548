//go:build windows

package webgpu

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/go-webgpu/webgpu/wgpu"

	"github.com/born-ml/libdnn/internal/device"
)

// program is one shader module with a compute pipeline per entry point.
type program struct {
	dev *Device
	src *device.Source

	mu        sync.RWMutex
	shader    *wgpu.ShaderModule
	pipelines map[string]*wgpu.ComputePipeline
	compiled  bool
}

func (p *program) SetSource(src *device.Source) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.releaseLocked()
	p.src = src
}

func (p *program) releaseLocked() {
	for _, pl := range p.pipelines {
		pl.Release()
	}
	p.pipelines = nil
	if p.shader != nil {
		p.shader.Release()
		p.shader = nil
	}
	p.compiled = false
}

// Compile checks the plans against the device limits, then creates the
// shader module and one pipeline per entry point. Native panics raised by
// invalid WGSL are returned as errors.
func (p *program) Compile() (err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.releaseLocked()

	if p.src == nil {
		return fmt.Errorf("webgpu: compile: %w: no source", device.ErrCompile)
	}
	for i := range p.src.Plans {
		plan := &p.src.Plans[i]
		if err := plan.CheckLimits(p.dev.limits); err != nil {
			return fmt.Errorf("webgpu: compile %s: %w: %w", plan.Name, device.ErrCompile, err)
		}
	}

	defer func() {
		if r := recover(); r != nil {
			p.releaseLocked()
			err = fmt.Errorf("webgpu: compile: %w: %v", device.ErrCompile, r)
		}
	}()

	p.dev.mu.RLock()
	defer p.dev.mu.RUnlock()
	p.shader = p.dev.device.CreateShaderModuleWGSL(p.src.Text)
	if p.shader == nil {
		return fmt.Errorf("webgpu: compile: %w: shader module rejected", device.ErrCompile)
	}
	p.pipelines = make(map[string]*wgpu.ComputePipeline, len(p.src.Plans))
	for i := range p.src.Plans {
		name := p.src.Plans[i].Name
		// Auto layout: each entry point binds only its own slots.
		pipeline := p.dev.device.CreateComputePipelineSimple(nil, p.shader, name)
		if pipeline == nil {
			p.releaseLocked()
			return fmt.Errorf("webgpu: compile %s: %w: pipeline rejected", name, device.ErrCompile)
		}
		p.pipelines[name] = pipeline
	}
	p.compiled = true
	return nil
}

func (p *program) Kernel(name string) (device.Kernel, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if !p.compiled {
		return nil, fmt.Errorf("webgpu: %w", device.ErrNotCompiled)
	}
	pipeline, ok := p.pipelines[name]
	if !ok {
		return nil, fmt.Errorf("webgpu: %w: %s", device.ErrKernelNotFound, name)
	}
	plan, _ := p.src.Plan(name)
	return &kernel{prog: p, plan: plan, pipeline: pipeline}, nil
}

type kernel struct {
	prog     *program
	plan     *device.KernelPlan
	pipeline *wgpu.ComputePipeline
}

func (k *kernel) Name() string { return k.plan.Name }

// Launch binds args in plan order and dispatches grid workgroups. The
// workgroup size is compiled into the shader, so block must match it.
func (k *kernel) Launch(grid, block [3]int, args ...device.Arg) (err error) {
	if block != k.plan.Block() {
		return fmt.Errorf("webgpu: %s: %w: block %v, kernel compiled for %v",
			k.plan.Name, device.ErrBadArgument, block, k.plan.Block())
	}
	if err := k.plan.CheckArgs(args); err != nil {
		return fmt.Errorf("webgpu: %w", err)
	}
	for _, n := range grid {
		if n <= 0 {
			return nil
		}
	}

	k.prog.mu.RLock()
	defer k.prog.mu.RUnlock()
	if !k.prog.compiled {
		return fmt.Errorf("webgpu: %s: %w", k.plan.Name, device.ErrNotCompiled)
	}
	dev := k.prog.dev
	dev.mu.RLock()
	defer dev.mu.RUnlock()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("webgpu: launch %s: %v", k.plan.Name, r)
		}
	}()

	entries := make([]wgpu.BindGroupEntry, 0, len(args))
	for i, spec := range k.plan.Args {
		if spec.IsScalar() {
			// Uniform block: the scalar followed by padding to 16 bytes.
			params := make([]byte, 16)
			//nolint:gosec // G115: two's complement round trip
			binary.LittleEndian.PutUint32(params[0:4], uint32(args[i].Scalar))
			uniform := dev.createUniformBuffer(params)
			defer uniform.Release()
			//nolint:gosec // G115: binding slots are small constants
			entries = append(entries, wgpu.BufferBindingEntry(uint32(spec.Binding), uniform, 0, 16))
			continue
		}
		b, err := dev.buffer("launch", args[i].Buffer)
		if err != nil {
			return err
		}
		entries = append(entries, b.entry(spec.Binding))
	}

	layout := k.pipeline.GetBindGroupLayout(0)
	bindGroup := dev.device.CreateBindGroupSimple(layout, entries)
	defer bindGroup.Release()

	encoder := dev.device.CreateCommandEncoder(nil)
	pass := encoder.BeginComputePass(nil)
	pass.SetPipeline(k.pipeline)
	pass.SetBindGroup(0, bindGroup, nil)
	//nolint:gosec // G115: grid dimensions are positive and small
	pass.DispatchWorkgroups(uint32(grid[0]), uint32(grid[1]), uint32(grid[2]))
	pass.End()
	cmdBuffer := encoder.Finish(nil)
	dev.queue.Submit(cmdBuffer)
	return nil
}
