//go:build windows

// Package webgpu implements the convolution device on WebGPU.
// Uses go-webgpu (github.com/go-webgpu/webgpu) for zero-CGO WebGPU bindings.
package webgpu

import (
	"fmt"
	"sync"

	"github.com/go-webgpu/webgpu/wgpu"

	"github.com/born-ml/libdnn/internal/device"
)

// deviceName is the name used in kernel fingerprints.
const deviceName = "WebGPU"

// Device runs generated WGSL kernels on a GPU.
type Device struct {
	instance *wgpu.Instance
	adapter  *wgpu.Adapter
	device   *wgpu.Device
	queue    *wgpu.Queue

	limits device.Limits
	pool   *bufferPool

	// Pipelines of released programs are dropped with them; mu guards
	// the device handles against Release during a launch.
	mu sync.RWMutex
}

// New creates a WebGPU device on the first adapter found, preferring a
// high-performance one. Returns an error wrapping device.ErrDeviceUnavailable
// if WebGPU is not available.
func New() (dev *Device, err error) {
	// Recover from panic if wgpu_native library is not found.
	defer func() {
		if r := recover(); r != nil {
			dev = nil
			err = fmt.Errorf("webgpu: %w: native library not available: %v", device.ErrDeviceUnavailable, r)
		}
	}()

	if err := wgpu.Init(); err != nil {
		return nil, fmt.Errorf("webgpu: %w: %w", device.ErrDeviceUnavailable, err)
	}
	instance, err := wgpu.CreateInstance(nil)
	if err != nil {
		return nil, fmt.Errorf("webgpu: %w: create instance: %w", device.ErrDeviceUnavailable, err)
	}

	adapter, err := requestAdapter(instance)
	if err != nil {
		instance.Release()
		return nil, err
	}

	gpu, err := adapter.RequestDevice(nil)
	if err != nil {
		adapter.Release()
		instance.Release()
		return nil, fmt.Errorf("webgpu: %w: request device: %w", device.ErrDeviceUnavailable, err)
	}

	queue := gpu.GetQueue()
	if queue == nil {
		gpu.Release()
		adapter.Release()
		instance.Release()
		return nil, fmt.Errorf("webgpu: %w: no queue", device.ErrDeviceUnavailable)
	}

	return &Device{
		instance: instance,
		adapter:  adapter,
		device:   gpu,
		queue:    queue,
		// The device is requested without optional features or raised
		// limits, so the WebGPU defaults apply and f16 is unavailable.
		limits: device.DefaultLimits(),
		pool:   newBufferPool(gpu),
	}, nil
}

// requestAdapter tries high-performance, then low-power, then any adapter.
func requestAdapter(instance *wgpu.Instance) (*wgpu.Adapter, error) {
	var lastErr error
	for _, opts := range []*wgpu.RequestAdapterOptions{
		{PowerPreference: wgpu.PowerPreferenceHighPerformance},
		{PowerPreference: wgpu.PowerPreferenceLowPower},
		nil,
	} {
		adapter, err := instance.RequestAdapter(opts)
		if err == nil && adapter != nil {
			return adapter, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("webgpu: %w: no adapter: %v", device.ErrDeviceUnavailable, lastErr)
}

// IsAvailable checks if WebGPU is available on this system.
func IsAvailable() bool {
	dev, err := New()
	if err != nil {
		return false
	}
	dev.Release()
	return true
}

// Name returns the device name used in kernel fingerprints.
func (d *Device) Name() string { return deviceName }

// Family returns FamilyWebGPU.
func (d *Device) Family() device.Family { return device.FamilyWebGPU }

// Limits returns the device limits.
func (d *Device) Limits() device.Limits { return d.limits }

// CreateProgram returns an empty program.
func (d *Device) CreateProgram() device.Program {
	return &program{dev: d}
}

// PoolStats returns buffer reuse statistics.
func (d *Device) PoolStats() PoolStats { return d.pool.stats() }

// Synchronize blocks until every submitted launch has finished. Mapping a
// buffer for reading waits for the queue.
func (d *Device) Synchronize() error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	fence := d.device.CreateBuffer(&wgpu.BufferDescriptor{
		Usage: storageUsage,
		Size:  4,
	})
	defer fence.Release()
	_, err := d.readBuffer(fence, 4)
	return err
}

// Release releases all WebGPU resources.
// Must be called when the device is no longer needed.
func (d *Device) Release() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.pool != nil {
		d.pool.clear()
		d.pool = nil
	}
	if d.queue != nil {
		d.queue.Release()
		d.queue = nil
	}
	if d.device != nil {
		d.device.Release()
		d.device = nil
	}
	if d.adapter != nil {
		d.adapter.Release()
		d.adapter = nil
	}
	if d.instance != nil {
		d.instance.Release()
		d.instance = nil
	}
}
