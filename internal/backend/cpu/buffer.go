package cpu

import (
	"math"
	"sync/atomic"

	"github.com/born-ml/libdnn/internal/tensor"
	"github.com/x448/float16"
)

// buffer stores elements as 32-bit words, the way the generated kernels
// see storage: one float per word, or two half values per word with the
// even element in the low half.
type buffer struct {
	dtype tensor.DataType
	n     int
	words []uint32
}

func newBuffer(dtype tensor.DataType, n int) *buffer {
	words := n
	if dtype == tensor.Half {
		words = (n + 1) / 2
	}
	return &buffer{dtype: dtype, n: n, words: make([]uint32, words)}
}

// Len returns the element count.
func (b *buffer) Len() int { return b.n }

// DType returns the element type.
func (b *buffer) DType() tensor.DataType { return b.dtype }

func halfShift(i int) uint {
	return uint(16 * (i % 2))
}

func (b *buffer) load(i int) float32 {
	if b.dtype == tensor.Half {
		w := atomic.LoadUint32(&b.words[i/2])
		return float16.Frombits(uint16(w >> halfShift(i))).Float32()
	}
	return math.Float32frombits(atomic.LoadUint32(&b.words[i]))
}

// update applies f to element i atomically.
func (b *buffer) update(i int, f func(old float32) float32) {
	if b.dtype == tensor.Half {
		shift := halfShift(i)
		mask := uint32(0xffff) << shift
		word := &b.words[i/2]
		for {
			old := atomic.LoadUint32(word)
			h := float16.Frombits(uint16(old >> shift)).Float32()
			bits := uint32(float16.Fromfloat32(f(h)).Bits()) << shift
			if atomic.CompareAndSwapUint32(word, old, old&^mask|bits) {
				return
			}
		}
	}
	word := &b.words[i]
	for {
		old := atomic.LoadUint32(word)
		if atomic.CompareAndSwapUint32(word, old, math.Float32bits(f(math.Float32frombits(old)))) {
			return
		}
	}
}

func (b *buffer) store(i int, v float32) {
	if b.dtype == tensor.Half {
		b.update(i, func(float32) float32 { return v })
		return
	}
	atomic.StoreUint32(&b.words[i], math.Float32bits(v))
}

func (b *buffer) add(i int, v float32) {
	b.update(i, func(old float32) float32 { return old + v })
}
