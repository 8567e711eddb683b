// Package bitmap provides dense bit sets indexed by card, word or region
// number.
package bitmap

import (
	"iter"
	"math/bits"
)

type Set[K ~uint64 | ~uint | ~int] struct {
	bits []uint64
}

func NewSet[K ~uint64 | ~uint | ~int](nBits K) Set[K] {
	return Set[K]{make([]uint64, (uint64(nBits)+63)/64)}
}

// Cap returns the number of bits the set can hold.
func (b Set[K]) Cap() K { return K(len(b.bits) * 64) }

func (b Set[K]) Has(i K) bool {
	return uint64(i)/64 < uint64(len(b.bits)) && (b.bits[uint64(i)/64]&(1<<(uint64(i)%64))) != 0
}

func (b Set[K]) Add(i K) {
	b.bits[uint64(i)/64] |= 1 << (uint64(i) % 64)
}

// TryAdd sets bit i and reports whether it was previously clear.
func (b Set[K]) TryAdd(i K) bool {
	w := &b.bits[uint64(i)/64]
	m := uint64(1) << (uint64(i) % 64)
	if *w&m != 0 {
		return false
	}
	*w |= m
	return true
}

func (b Set[K]) Remove(i K) {
	b.bits[uint64(i)/64] &^= 1 << (uint64(i) % 64)
}

// Clear removes every bit.
func (b Set[K]) Clear() {
	clear(b.bits)
}

// ClearRange removes bits [start, end).
func (b Set[K]) ClearRange(start, end K) {
	for i := start; i < end; i++ {
		if uint64(i)%64 == 0 && uint64(end-i) >= 64 {
			b.bits[uint64(i)/64] = 0
			i += 63
			continue
		}
		b.Remove(i)
	}
}

func (b Set[K]) Len() int {
	var sum int
	for _, w := range b.bits {
		sum += bits.OnesCount64(w)
	}
	return sum
}

// NextSet returns the lowest set bit in [from, to), or to if there is none.
func (b Set[K]) NextSet(from, to K) K {
	for i := uint64(from); i < uint64(to); {
		w := b.bits[i/64] >> (i % 64)
		if w != 0 {
			n := i + uint64(bits.TrailingZeros64(w))
			if n >= uint64(to) {
				return to
			}
			return K(n)
		}
		i = (i/64 + 1) * 64
	}
	return to
}

func (b Set[K]) All() iter.Seq[K] {
	return func(yield func(K) bool) {
		for i, val := range b.bits {
			for val != 0 {
				bitI := bits.TrailingZeros64(val)
				if !yield(K(i*64 + bitI)) {
					return
				}
				val &^= 1 << bitI
			}
		}
	}
}
