//go:build windows

package webgpu

import (
	"encoding/binary"
	"fmt"
	"math"
	"unsafe"

	"github.com/go-webgpu/webgpu/wgpu"
	"github.com/x448/float16"

	"github.com/born-ml/libdnn/internal/device"
	"github.com/born-ml/libdnn/internal/tensor"
)

// buffer is a storage buffer of float32 or packed float16 elements.
type buffer struct {
	buf   *wgpu.Buffer
	size  uint64
	n     int
	dtype tensor.DataType
}

func (b *buffer) Len() int               { return b.n }
func (b *buffer) DType() tensor.DataType { return b.dtype }
func (b *buffer) bytes() uint64          { return byteSize(b.dtype, b.n) }

func (b *buffer) entry(binding int) wgpu.BindGroupEntry {
	//nolint:gosec // G115: binding slots are small constants
	return wgpu.BufferBindingEntry(uint32(binding), b.buf, 0, b.size)
}

// byteSize is the storage size of n elements, rounded to whole 32-bit
// words: atomics and half pairs address the buffer as array<u32>.
func byteSize(dtype tensor.DataType, n int) uint64 {
	words := n
	if dtype == tensor.Half {
		words = (n + 1) / 2
	}
	//nolint:gosec // G115: n is non-negative
	return uint64(max(words, 1)) * 4
}

// Alloc allocates a zeroed buffer of n elements.
func (d *Device) Alloc(dtype tensor.DataType, n int) (device.Buffer, error) {
	if dtype != tensor.Float32 && dtype != tensor.Half {
		return nil, fmt.Errorf("webgpu: alloc: %w: %s", device.ErrUnsupportedType, dtype)
	}
	if n < 0 {
		return nil, fmt.Errorf("webgpu: alloc: negative size %d", n)
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	buf, size := d.pool.acquire(byteSize(dtype, n))
	b := &buffer{buf: buf, size: size, n: n, dtype: dtype}
	d.writeBuffer(b.buf, make([]byte, b.bytes()))
	return b, nil
}

func (d *Device) buffer(op string, buf device.Buffer) (*buffer, error) {
	b, ok := buf.(*buffer)
	if !ok || b.buf == nil {
		return nil, fmt.Errorf("webgpu: %s: %w: foreign or freed buffer %T", op, device.ErrBadArgument, buf)
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
		return fmt.Errorf("webgpu: upload: %d values into buffer of %d", len(data), b.n)
	}
	raw := encode(b.dtype, data)
	if b.dtype == tensor.Half && len(data)%2 == 1 && len(data) < b.n {
		// Keep the neighbor sharing the last word.
		host := make([]float32, len(data)+1)
		if err := d.Download(buf, host); err != nil {
			return err
		}
		copy(host, data)
		raw = encode(b.dtype, host)
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	d.writeBuffer(b.buf, raw)
	return nil
}

// Download copies the first len(data) elements of buf to the host.
func (d *Device) Download(buf device.Buffer, data []float32) error {
	b, err := d.buffer("download", buf)
	if err != nil {
		return err
	}
	if len(data) > b.n {
		return fmt.Errorf("webgpu: download: %d values from buffer of %d", len(data), b.n)
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	raw, err := d.readBuffer(b.buf, b.bytes())
	if err != nil {
		return fmt.Errorf("webgpu: download: %w", err)
	}
	decode(b.dtype, raw, data)
	return nil
}

// Fill sets every element of buf to v.
func (d *Device) Fill(buf device.Buffer, v float32) error {
	b, err := d.buffer("fill", buf)
	if err != nil {
		return err
	}
	host := make([]float32, b.n)
	for i := range host {
		host[i] = v
	}
	return d.Upload(b, host)
}

// Free returns the buffer to the pool.
func (d *Device) Free(buf device.Buffer) {
	b, ok := buf.(*buffer)
	if !ok || b.buf == nil {
		return
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.pool != nil {
		d.pool.release(b.buf, b.size)
	}
	b.buf = nil
}

// encode packs host values in the buffer's element format.
func encode(dtype tensor.DataType, data []float32) []byte {
	if dtype == tensor.Half {
		out := make([]byte, 2*len(data))
		for i, v := range data {
			binary.LittleEndian.PutUint16(out[2*i:], float16.Fromfloat32(v).Bits())
		}
		return out
	}
	out := make([]byte, 4*len(data))
	for i, v := range data {
		binary.LittleEndian.PutUint32(out[4*i:], math.Float32bits(v))
	}
	return out
}

func decode(dtype tensor.DataType, raw []byte, data []float32) {
	for i := range data {
		if dtype == tensor.Half {
			data[i] = float16.Frombits(binary.LittleEndian.Uint16(raw[2*i:])).Float32()
			continue
		}
		data[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[4*i:]))
	}
}

// createBuffer creates a buffer with initial data through a mapping at
// creation.
func (d *Device) createBuffer(data []byte, usage wgpu.BufferUsage) *wgpu.Buffer {
	size := (uint64(len(data)) + 3) &^ 3
	buffer := d.device.CreateBuffer(&wgpu.BufferDescriptor{
		Usage:            usage,
		Size:             size,
		MappedAtCreation: wgpu.True,
	})
	mappedPtr := buffer.GetMappedRange(0, size)
	//nolint:gosec // unsafe.Slice for zero-copy conversion from unsafe.Pointer
	mappedSlice := unsafe.Slice((*byte)(mappedPtr), size)
	copy(mappedSlice, data)
	buffer.Unmap()
	return buffer
}

// createUniformBuffer creates a uniform buffer with 16-byte alignment.
func (d *Device) createUniformBuffer(data []byte) *wgpu.Buffer {
	aligned := make([]byte, (len(data)+15)&^15)
	copy(aligned, data)
	return d.createBuffer(aligned, wgpu.BufferUsageUniform|wgpu.BufferUsageCopyDst)
}

// writeBuffer copies data to the start of dst through a staging buffer.
func (d *Device) writeBuffer(dst *wgpu.Buffer, data []byte) {
	staging := d.createBuffer(data, wgpu.BufferUsageCopySrc)
	defer staging.Release()

	size := (uint64(len(data)) + 3) &^ 3
	encoder := d.device.CreateCommandEncoder(nil)
	encoder.CopyBufferToBuffer(staging, 0, dst, 0, size)
	cmdBuffer := encoder.Finish(nil)
	d.queue.Submit(cmdBuffer)
}

// readBuffer reads data back from a GPU buffer to CPU memory.
// Uses a staging buffer since storage buffers can't be mapped directly.
func (d *Device) readBuffer(src *wgpu.Buffer, size uint64) ([]byte, error) {
	staging := d.device.CreateBuffer(&wgpu.BufferDescriptor{
		Usage: wgpu.BufferUsageMapRead | wgpu.BufferUsageCopyDst,
		Size:  size,
	})
	defer staging.Release()

	encoder := d.device.CreateCommandEncoder(nil)
	encoder.CopyBufferToBuffer(src, 0, staging, 0, size)
	cmdBuffer := encoder.Finish(nil)
	d.queue.Submit(cmdBuffer)

	if err := staging.MapAsync(d.device, wgpu.MapModeRead, 0, size); err != nil {
		return nil, fmt.Errorf("failed to map staging buffer: %w", err)
	}
	mappedPtr := staging.GetMappedRange(0, size)
	//nolint:gosec // unsafe.Slice for zero-copy conversion from unsafe.Pointer
	mappedSlice := unsafe.Slice((*byte)(mappedPtr), size)
	result := make([]byte, size)
	copy(result, mappedSlice)
	staging.Unmap()
	return result, nil
}
