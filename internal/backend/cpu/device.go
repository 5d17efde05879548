// Package cpu provides the reference device: it runs the convolution kernel
// plans on the host with the same tiling, index transforms and atomic
// accumulation as the generated WGSL.
package cpu

import (
	"fmt"

	"github.com/born-ml/libdnn/internal/device"
	"github.com/born-ml/libdnn/internal/parallel"
	"github.com/born-ml/libdnn/internal/tensor"
)

// Device is the host reference device.
type Device struct {
	limits   device.Limits
	parallel parallel.Config
}

// Option configures a Device.
type Option func(*Device)

// WithLimits overrides the reported device limits.
func WithLimits(l device.Limits) Option {
	return func(d *Device) { d.limits = l }
}

// WithParallel overrides the workgroup scheduling.
func WithParallel(cfg parallel.Config) Option {
	return func(d *Device) { d.parallel = cfg }
}

// New creates a reference device with WebGPU default limits and half
// precision support.
func New(opts ...Option) *Device {
	limits := device.DefaultLimits()
	limits.ShaderF16 = true
	d := &Device{limits: limits, parallel: parallel.DefaultConfig()}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Name returns the device name used in kernel fingerprints.
func (d *Device) Name() string { return "Reference" }

// Family returns FamilyReference.
func (d *Device) Family() device.Family { return device.FamilyReference }

// Limits returns the device limits.
func (d *Device) Limits() device.Limits { return d.limits }

// CreateProgram returns an empty program.
func (d *Device) CreateProgram() device.Program {
	return &program{dev: d}
}

// Alloc allocates a zeroed buffer of n elements.
func (d *Device) Alloc(dtype tensor.DataType, n int) (device.Buffer, error) {
	if dtype != tensor.Float32 && dtype != tensor.Half {
		return nil, fmt.Errorf("cpu: alloc: %w: %s", device.ErrUnsupportedType, dtype)
	}
	if n < 0 {
		return nil, fmt.Errorf("cpu: alloc: negative size %d", n)
	}
	return newBuffer(dtype, n), nil
}

func (d *Device) buffer(op string, buf device.Buffer) (*buffer, error) {
	b, ok := buf.(*buffer)
	if !ok {
		return nil, fmt.Errorf("cpu: %s: %w: foreign buffer %T", op, device.ErrBadArgument, buf)
	}
	return b, nil
}

// Upload copies host values into the first len(data) elements of buf.
func (d *Device) Upload(buf device.Buffer, data []float32) error {
	b, err := d.buffer("upload", buf)
	if err != nil {
		return err
	}
	if len(data) > b.n {
		return fmt.Errorf("cpu: upload: %d values into buffer of %d", len(data), b.n)
	}
	for i, v := range data {
		b.store(i, v)
	}
	return nil
}

// Download copies the first len(data) elements of buf to the host.
func (d *Device) Download(buf device.Buffer, data []float32) error {
	b, err := d.buffer("download", buf)
	if err != nil {
		return err
	}
	if len(data) > b.n {
		return fmt.Errorf("cpu: download: %d values from buffer of %d", len(data), b.n)
	}
	for i := range data {
		data[i] = b.load(i)
	}
	return nil
}

// Fill sets every element of buf to v.
func (d *Device) Fill(buf device.Buffer, v float32) error {
	b, err := d.buffer("fill", buf)
	if err != nil {
		return err
	}
	for i := 0; i < b.n; i++ {
		b.store(i, v)
	}
	return nil
}

// Free drops the buffer.
func (d *Device) Free(buf device.Buffer) {
	if b, ok := buf.(*buffer); ok {
		b.words = nil
		b.n = 0
	}
}

// Synchronize is a no-op: launches complete before they return.
func (d *Device) Synchronize() error { return nil }

// Release is a no-op.
func (d *Device) Release() {}
