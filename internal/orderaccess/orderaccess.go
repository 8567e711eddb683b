// Package orderaccess provides the memory-ordering primitives the collector
// relies on: fences, and byte-granular plain, release, acquire and
// compare-and-swap operations on packed byte tables.
//
// Go's sync/atomic operations are sequentially consistent, so every
// acquire or release form here is at least as strong as the ordering it
// names. The distinct names are kept so call sites document the pairing
// they depend on.
package orderaccess

import (
	"sync/atomic"
)

// Written by Fence. Its value is never read for anything meaningful.
var fenceWord atomic.Uint64

// Fence is a full two-way memory barrier.
func Fence() {
	fenceWord.Add(1)
}

// StoreLoad orders earlier stores before later loads.
func StoreLoad() { Fence() }

// LoadLoad orders earlier loads before later loads.
func LoadLoad() { fenceWord.Load() }

// Release orders earlier loads and stores before later stores.
func Release() { fenceWord.Load() }

// Acquire orders earlier loads before later loads and stores.
func Acquire() { fenceWord.Load() }

// Bytes is a fixed-size table of bytes packed eight to a word, so that
// single entries can be loaded, stored and compared-and-swapped atomically
// and a whole row of eight entries can be tested with one load.
//
// Every accessor is safe for concurrent use.
type Bytes struct {
	words []uint64
	n     int
}

// NewBytes creates a table of n entries, each set to fill.
func NewBytes(n int, fill byte) *Bytes {
	b := &Bytes{
		words: make([]uint64, (n+7)/8),
		n:     n,
	}
	if fill != 0 {
		row := Row(fill)
		for i := range b.words {
			b.words[i] = row
		}
	}
	return b
}

// Row returns a word with every byte set to v.
func Row(v byte) uint64 {
	return uint64(v) * 0x0101010101010101
}

// Len returns the number of entries.
func (b *Bytes) Len() int { return b.n }

// Load is a plain (volatile) load of entry i.
func (b *Bytes) Load(i int) byte {
	w := atomic.LoadUint64(&b.words[i>>3])
	return byte(w >> ((i & 7) * 8))
}

// LoadAcquire loads entry i with acquire semantics.
func (b *Bytes) LoadAcquire(i int) byte { return b.Load(i) }

// Store is a plain (volatile) store of v into entry i. Neighbouring entries
// in the same word are preserved even when they are written concurrently.
func (b *Bytes) Store(i int, v byte) {
	p := &b.words[i>>3]
	shift := uint((i & 7) * 8)
	mask := uint64(0xff) << shift
	for {
		old := atomic.LoadUint64(p)
		if byte(old>>shift) == v {
			return
		}
		if atomic.CompareAndSwapUint64(p, old, old&^mask|uint64(v)<<shift) {
			return
		}
	}
}

// ReleaseStore stores v into entry i with release semantics.
func (b *Bytes) ReleaseStore(i int, v byte) { b.Store(i, v) }

// CompareAndSwap replaces entry i with new if it currently holds old.
// A successful swap is a full barrier.
func (b *Bytes) CompareAndSwap(i int, old, new byte) bool {
	p := &b.words[i>>3]
	shift := uint((i & 7) * 8)
	mask := uint64(0xff) << shift
	for {
		w := atomic.LoadUint64(p)
		if byte(w>>shift) != old {
			return false
		}
		if atomic.CompareAndSwapUint64(p, w, w&^mask|uint64(new)<<shift) {
			return true
		}
	}
}

// Fill stores v into entries [from, to). Whole words inside the range are
// written with a single store.
func (b *Bytes) Fill(from, to int, v byte) {
	for from < to && from&7 != 0 {
		b.Store(from, v)
		from++
	}
	row := Row(v)
	for ; from+8 <= to; from += 8 {
		atomic.StoreUint64(&b.words[from>>3], row)
	}
	for ; from < to; from++ {
		b.Store(from, v)
	}
}

// RowAt returns the aligned word holding entries [i&^7, i&^7+8).
func (b *Bytes) RowAt(i int) uint64 {
	return atomic.LoadUint64(&b.words[i>>3])
}

// Snapshot copies entries [from, to) into a new byte slice.
func (b *Bytes) Snapshot(from, to int) []byte {
	out := make([]byte, 0, to-from)
	for i := from; i < to; i++ {
		out = append(out, b.Load(i))
	}
	return out
}
