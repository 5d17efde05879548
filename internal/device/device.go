// Package device defines the boundary between the convolution engine and a
// compute device: programs built from generated source, kernels launched
// with positional arguments, and opaque memory buffers.
package device

import (
	"errors"
	"fmt"

	"github.com/born-ml/libdnn/internal/tensor"
)

// Device errors.
var (
	ErrCompile           = errors.New("compile failed")
	ErrKernelNotFound    = errors.New("kernel not found")
	ErrNotCompiled       = errors.New("program not compiled")
	ErrUnsupportedType   = errors.New("unsupported data type")
	ErrDeviceUnavailable = errors.New("device unavailable")
	ErrBadArgument       = errors.New("bad kernel argument")
)

// Family groups devices that share tuning behavior.
type Family int

// Device families.
const (
	// FamilyWebGPU devices let the tuner toggle vector unrolling.
	FamilyWebGPU Family = iota
	// FamilyReference devices always unroll vector operations.
	FamilyReference
)

// String returns the family name.
func (f Family) String() string {
	switch f {
	case FamilyWebGPU:
		return "webgpu"
	case FamilyReference:
		return "reference"
	default:
		return fmt.Sprintf("Family(%d)", int(f))
	}
}

// Limits are the device properties the parameter space and the compiler check against.
type Limits struct {
	// MaxWorkgroupSize is the per-dimension workgroup size limit.
	MaxWorkgroupSize [3]int
	// MaxInvocations is the limit on threads per workgroup.
	MaxInvocations int
	// MaxWorkgroupStorage is the workgroup memory limit in bytes.
	MaxWorkgroupStorage int
	// ShaderF16 reports support for half precision in kernels.
	ShaderF16 bool
}

// DefaultLimits returns the WebGPU default limits.
func DefaultLimits() Limits {
	return Limits{
		MaxWorkgroupSize:    [3]int{256, 256, 64},
		MaxInvocations:      256,
		MaxWorkgroupStorage: 16384,
	}
}

// Buffer is an opaque handle to device memory.
type Buffer interface {
	// Len returns the element count.
	Len() int
	DType() tensor.DataType
}

// Device is a compute device able to compile and run generated kernels.
type Device interface {
	Name() string
	Family() Family
	Limits() Limits

	CreateProgram() Program

	Alloc(dtype tensor.DataType, n int) (Buffer, error)
	Upload(buf Buffer, data []float32) error
	Download(buf Buffer, data []float32) error
	Fill(buf Buffer, v float32) error
	Free(buf Buffer)

	// Synchronize blocks until all submitted work has finished.
	Synchronize() error
	Release()
}

// Program is a compilable unit of generated source.
type Program interface {
	// SetSource replaces the source. The previous build becomes invalid.
	SetSource(src *Source)
	Compile() error
	Kernel(name string) (Kernel, error)
}

// Kernel is one compiled entry point.
type Kernel interface {
	Name() string
	// Launch runs grid workgroups of block threads. Arguments are bound in
	// the positional order of the kernel's plan.
	Launch(grid, block [3]int, args ...Arg) error
}

// Arg is one positional kernel argument: a buffer or an int32 scalar.
type Arg struct {
	Buffer Buffer
	Scalar int32
}

// BufferArg wraps a buffer argument.
func BufferArg(b Buffer) Arg { return Arg{Buffer: b} }

// ScalarArg wraps a scalar argument.
func ScalarArg(v int32) Arg { return Arg{Scalar: v} }

// IsScalar reports whether the argument is a scalar.
func (a Arg) IsScalar() bool { return a.Buffer == nil }
