package device

import (
	"fmt"

	"github.com/born-ml/libdnn/internal/conv"
	"github.com/born-ml/libdnn/internal/tensor"
)

// Access is the way a kernel touches a buffer argument.
type Access int

// Buffer access kinds.
const (
	Read Access = iota
	ReadWrite
	// Atomic buffers are only updated through atomic adds.
	Atomic
	// Uniform scalars travel in a uniform block.
	Uniform
)

// ArgSpec describes one positional kernel argument.
type ArgSpec struct {
	Name    string
	Binding int
	Access  Access
}

// IsScalar reports whether the argument is a scalar.
func (a ArgSpec) IsScalar() bool { return a.Access == Uniform }

// KernelPlan is the structured description of one generated entry point.
// Devices that cannot run the source text execute the plan instead; both
// describe the same computation.
type KernelPlan struct {
	Name string
	Mode conv.Mode

	Config  conv.Config
	GEMM    conv.GEMM
	Tile    conv.TileParams
	Pad     []int
	Offsets conv.Offsets

	SkipRangeCheck bool
	// Atomic accumulates results with atomic adds.
	Atomic bool
	// Bias adds the bias (forward) or computes its gradient (weights).
	Bias bool
	// Weights stores the weight gradient (weights kernel only).
	Weights bool

	Args []ArgSpec
}

// Block returns the workgroup dimensions.
func (p *KernelPlan) Block() [3]int {
	return [3]int{p.Tile.WorkgroupSize0, p.Tile.WorkgroupSize1, 1}
}

// CheckArgs verifies that args match the plan positionally.
func (p *KernelPlan) CheckArgs(args []Arg) error {
	if len(args) != len(p.Args) {
		return fmt.Errorf("%w: %s takes %d arguments, got %d", ErrBadArgument, p.Name, len(p.Args), len(args))
	}
	for i, spec := range p.Args {
		if spec.IsScalar() != args[i].IsScalar() {
			return fmt.Errorf("%w: %s argument %d (%s)", ErrBadArgument, p.Name, i, spec.Name)
		}
		if !spec.IsScalar() && args[i].Buffer.DType() != p.Config.DataType {
			return fmt.Errorf("%w: %s argument %d (%s) is %s, kernel uses %s", ErrBadArgument,
				p.Name, i, spec.Name, args[i].Buffer.DType(), p.Config.DataType)
		}
	}
	return nil
}

// CheckLimits reports whether the plan's tiling fits a device.
func (p *KernelPlan) CheckLimits(limits Limits) error {
	t := p.Tile
	if t.WorkgroupSize0 > limits.MaxWorkgroupSize[0] || t.WorkgroupSize1 > limits.MaxWorkgroupSize[1] {
		return fmt.Errorf("workgroup %dx%d exceeds %v", t.WorkgroupSize0, t.WorkgroupSize1, limits.MaxWorkgroupSize)
	}
	if t.Threads() > limits.MaxInvocations {
		return fmt.Errorf("%d invocations exceed %d", t.Threads(), limits.MaxInvocations)
	}
	if bytes := t.LocalMemoryElements() * p.Config.DataType.Size(); bytes > limits.MaxWorkgroupStorage {
		return fmt.Errorf("%d bytes of workgroup storage exceed %d", bytes, limits.MaxWorkgroupStorage)
	}
	if t.TSK%t.TSKUnroll != 0 || t.WPTM%t.VWM != 0 || t.WPTN%t.VWN != 0 {
		return fmt.Errorf("inconsistent tiling %+v", t)
	}
	if p.Config.DataType == tensor.Half && !limits.ShaderF16 {
		return fmt.Errorf("%w: half precision", ErrUnsupportedType)
	}
	return nil
}

// Source is one generated source unit with the plans of its entry points.
type Source struct {
	Fingerprint string
	Text        string
	Plans       []KernelPlan
}

// Plan looks up the plan of an entry point.
func (s *Source) Plan(name string) (*KernelPlan, bool) {
	for i := range s.Plans {
		if s.Plans[i].Name == name {
			return &s.Plans[i], true
		}
	}
	return nil, false
}
