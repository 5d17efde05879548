//go:build windows

package webgpu

import (
	"sync"

	"github.com/go-webgpu/webgpu/wgpu"
)

// sizeClass buckets buffers for reuse.
type sizeClass int

const (
	// smallClass for buffers < 4KB.
	smallClass sizeClass = iota
	// mediumClass for buffers 4KB-1MB.
	mediumClass
	// largeClass for buffers > 1MB.
	largeClass
	numClasses
)

const (
	smallThreshold  = 4 * 1024    // 4KB
	mediumThreshold = 1024 * 1024 // 1MB
	maxPoolSize     = 100         // Max buffers per class
)

// storageUsage is the usage of every kernel buffer: bound as storage, copied
// from for read-back and copied into for uploads.
const storageUsage = wgpu.BufferUsageStorage | wgpu.BufferUsageCopySrc | wgpu.BufferUsageCopyDst

type pooledBuffer struct {
	buffer *wgpu.Buffer
	size   uint64
}

// bufferPool reuses storage buffers. Tuning allocates the same scratch
// sizes for every candidate, so most requests after the first are hits.
type bufferPool struct {
	device *wgpu.Device

	classes [numClasses][]*pooledBuffer
	mu      sync.Mutex

	// Statistics
	allocated uint64
	released  uint64
	hits      uint64
	misses    uint64
}

func newBufferPool(device *wgpu.Device) *bufferPool {
	p := &bufferPool{device: device}
	for i := range p.classes {
		p.classes[i] = make([]*pooledBuffer, 0, maxPoolSize)
	}
	return p
}

// acquire returns a storage buffer of at least size bytes.
func (p *bufferPool) acquire(size uint64) (*wgpu.Buffer, uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	class := classify(size)
	for i, pb := range p.classes[class] {
		if pb.size >= size {
			p.classes[class] = append(p.classes[class][:i], p.classes[class][i+1:]...)
			p.hits++
			return pb.buffer, pb.size
		}
	}

	p.misses++
	p.allocated++
	buffer := p.device.CreateBuffer(&wgpu.BufferDescriptor{
		Usage: storageUsage,
		Size:  size,
	})
	return buffer, size
}

// release returns a buffer to the pool, or frees it when the pool is full.
func (p *bufferPool) release(buffer *wgpu.Buffer, size uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.released++
	class := classify(size)
	if len(p.classes[class]) >= maxPoolSize {
		buffer.Release()
		return
	}
	p.classes[class] = append(p.classes[class], &pooledBuffer{buffer: buffer, size: size})
}

// clear frees every pooled buffer.
func (p *bufferPool) clear() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i := range p.classes {
		for _, pb := range p.classes[i] {
			pb.buffer.Release()
		}
		p.classes[i] = p.classes[i][:0]
	}
}

// PoolStats describes buffer reuse.
type PoolStats struct {
	Allocated, Released, Hits, Misses uint64
	Pooled                            int
}

func (p *bufferPool) stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	pooled := 0
	for i := range p.classes {
		pooled += len(p.classes[i])
	}
	return PoolStats{
		Allocated: p.allocated,
		Released:  p.released,
		Hits:      p.hits,
		Misses:    p.misses,
		Pooled:    pooled,
	}
}

func classify(size uint64) sizeClass {
	if size < smallThreshold {
		return smallClass
	}
	if size < mediumThreshold {
		return mediumClass
	}
	return largeClass
}
