// Package object implements the object format the collector works on.
//
// The heap is a simulated address space: a word array covering a reserved
// range of byte addresses. Every object starts with a mark word followed
// by a klass word; arrays add a length word. The klass word is written
// last with a release store, so a reader that finds it zero is looking at
// an object that has not been published yet.
package object

import (
	"sync/atomic"

	"github.com/LimeChain/regiongc/internal/gclog"
	"github.com/LimeChain/regiongc/internal/memregion"
)

const (
	// HeaderWords is the size of an instance header.
	HeaderWords = 2
	// ArrayHeaderWords is the size of an array header.
	ArrayHeaderWords = 3
	// MinFillWords is the smallest block that can be turned into a filler.
	MinFillWords = HeaderWords

	markOffset   = 0
	klassOffset  = memregion.WordSize
	lengthOffset = 2 * memregion.WordSize
)

// Mark word encoding. The low two bits hold the lock state; a marked
// (or forwarded) object has both set and keeps its forwardee in the rest
// of the word. Unmarked objects keep their age above the lock bits.
const (
	lockMask      = 0x3
	unlockedValue = 0x1
	markedValue   = 0x3
	ageShift      = 3
	ageMask       = 0xf

	// InitMarkValue is the mark word of a freshly allocated object.
	InitMarkValue uint64 = unlockedValue

	// MaxAge is the largest age a mark word can record.
	MaxAge = ageMask
)

// BadHeapWord is written over unused space when mangling is on.
const BadHeapWord uint64 = 0xBAADBABEBAADBABE

// Memory is the backing store of a reserved heap range.
type Memory struct {
	reserved memregion.MemRegion
	words    []uint64
	universe *Universe
}

// NewMemory backs reserved with zeroed words. reserved must be word aligned.
func NewMemory(reserved memregion.MemRegion, u *Universe) *Memory {
	gclog.Guarantee(memregion.IsAligned(reserved.Start(), memregion.WordSize),
		"reserved range %v is not word aligned", reserved)
	return &Memory{
		reserved: reserved,
		words:    make([]uint64, reserved.WordSize()),
		universe: u,
	}
}

// Reserved returns the covered address range.
func (m *Memory) Reserved() memregion.MemRegion { return m.reserved }

// Universe returns the klass registry objects in m refer to.
func (m *Memory) Universe() *Universe { return m.universe }

// IsInReserved reports whether addr lies in the reserved range.
func (m *Memory) IsInReserved(addr uintptr) bool { return m.reserved.Contains(addr) }

func (m *Memory) slot(addr uintptr) *uint64 {
	if !m.reserved.Contains(addr) || addr&memregion.WordMask != 0 {
		gclog.Fatalf("address %#x outside heap %v or misaligned", addr, m.reserved)
	}
	return &m.words[(addr-m.reserved.Start())>>memregion.LogWordSize]
}

// Load reads the word at addr.
func (m *Memory) Load(addr uintptr) uint64 { return atomic.LoadUint64(m.slot(addr)) }

// Store writes the word at addr.
func (m *Memory) Store(addr uintptr, v uint64) { atomic.StoreUint64(m.slot(addr), v) }

// LoadAcquire reads the word at addr with acquire semantics.
func (m *Memory) LoadAcquire(addr uintptr) uint64 { return m.Load(addr) }

// ReleaseStore writes the word at addr with release semantics.
func (m *Memory) ReleaseStore(addr uintptr, v uint64) { m.Store(addr, v) }

// LoadRef reads the reference stored in the field at addr.
func (m *Memory) LoadRef(field uintptr) uintptr { return uintptr(m.Load(field)) }

// StoreRef writes a reference into the field at addr. It performs no
// barrier; mutator stores go through the card table's StoreField.
func (m *Memory) StoreRef(field uintptr, v uintptr) { m.Store(field, uint64(v)) }

// Zero clears every word of mr.
func (m *Memory) Zero(mr memregion.MemRegion) { m.fill(mr, 0) }

// Mangle overwrites every word of mr with BadHeapWord.
func (m *Memory) Mangle(mr memregion.MemRegion) { m.fill(mr, BadHeapWord) }

func (m *Memory) fill(mr memregion.MemRegion, v uint64) {
	for p := mr.Start(); p < mr.End(); p += memregion.WordSize {
		m.Store(p, v)
	}
}

// IsMangled reports whether every word of mr holds BadHeapWord.
func (m *Memory) IsMangled(mr memregion.MemRegion) bool {
	for p := mr.Start(); p < mr.End(); p += memregion.WordSize {
		if m.Load(p) != BadHeapWord {
			return false
		}
	}
	return true
}

// Copy moves words words from src to dst. The ranges may overlap.
func (m *Memory) Copy(dst, src uintptr, words uintptr) {
	if dst == src || words == 0 {
		return
	}
	n := words * memregion.WordSize
	if dst < src {
		for i := uintptr(0); i < n; i += memregion.WordSize {
			m.Store(dst+i, m.Load(src+i))
		}
		return
	}
	for i := n; i > 0; i -= memregion.WordSize {
		m.Store(dst+i-memregion.WordSize, m.Load(src+i-memregion.WordSize))
	}
}

// SizeFor returns the size in words of an object of klass k. length is
// ignored for instances.
func SizeFor(k *Klass, length int) uintptr {
	switch k.Kind {
	case KindInstance:
		return k.InstanceWords()
	case KindObjArray:
		return ArrayHeaderWords + uintptr(length)
	default:
		return ArrayHeaderWords + memregion.AlignUp(uintptr(length*k.ElemBytes), memregion.WordSize)/memregion.WordSize
	}
}

// InitObject formats the block at addr as an object of klass k. The body
// is zeroed and the klass word is published last.
func (m *Memory) InitObject(addr uintptr, k *Klass, length int) {
	size := SizeFor(k, length)
	m.Zero(memregion.FromWords(addr, size))
	m.Store(addr+markOffset, InitMarkValue)
	if k.Kind != KindInstance {
		m.Store(addr+lengthOffset, uint64(length))
	}
	m.ReleaseStore(addr+klassOffset, k.ID)
}

// FillWithObject formats [addr, addr+words) as a dead filler block.
func (m *Memory) FillWithObject(addr uintptr, words uintptr) {
	gclog.Guarantee(words >= MinFillWords, "filler of %d words is too small", words)
	u := m.universe
	if words == HeaderWords {
		m.InitObject(addr, u.FillerObject(), 0)
		return
	}
	// An int array of (words - header) words.
	elems := int(words-ArrayHeaderWords) * memregion.WordSize / u.FillerArray().ElemBytes
	m.InitObject(addr, u.FillerArray(), elems)
}

// KlassOrNull returns obj's klass, or nil if it has not been published.
func (m *Memory) KlassOrNull(obj uintptr) *Klass {
	return m.universe.Lookup(m.LoadAcquire(obj + klassOffset))
}

// Klass returns obj's klass. The object must be published.
func (m *Memory) Klass(obj uintptr) *Klass {
	k := m.KlassOrNull(obj)
	if k == nil {
		gclog.Fatalf("object %#x has no klass", obj)
	}
	return k
}

// ClearKlass unpublishes obj. Used to simulate an allocation that has
// claimed its space but not yet finished initialising it.
func (m *Memory) ClearKlass(obj uintptr) { m.Store(obj+klassOffset, 0) }

// SetKlass publishes obj as an instance of k with a release store.
func (m *Memory) SetKlass(obj uintptr, k *Klass) { m.ReleaseStore(obj+klassOffset, k.ID) }

// ArrayLength returns the element count of an array.
func (m *Memory) ArrayLength(obj uintptr) int {
	return int(m.Load(obj + lengthOffset))
}

// Size returns the size of obj in words.
func (m *Memory) Size(obj uintptr) uintptr {
	k := m.Klass(obj)
	if k.Kind == KindInstance {
		return k.InstanceWords()
	}
	return SizeFor(k, m.ArrayLength(obj))
}

// IsArray reports whether obj is an array of either kind.
func (m *Memory) IsArray(obj uintptr) bool { return m.Klass(obj).Kind != KindInstance }

// IsObjArray reports whether obj is an array of references.
func (m *Memory) IsObjArray(obj uintptr) bool { return m.Klass(obj).Kind == KindObjArray }

// RefField returns the address of obj's i-th reference field or element.
func (m *Memory) RefField(obj uintptr, i int) uintptr {
	if m.IsObjArray(obj) {
		return obj + (ArrayHeaderWords+uintptr(i))*memregion.WordSize
	}
	return obj + (HeaderWords+uintptr(i))*memregion.WordSize
}

// refRange returns the address range of obj's reference slots.
func (m *Memory) refRange(obj uintptr) memregion.MemRegion {
	k := m.Klass(obj)
	switch k.Kind {
	case KindInstance:
		return memregion.FromWords(obj+HeaderWords*memregion.WordSize, uintptr(k.RefFields))
	case KindObjArray:
		return memregion.FromWords(obj+ArrayHeaderWords*memregion.WordSize, uintptr(m.ArrayLength(obj)))
	}
	return memregion.FromWords(obj, 0)
}

// OopIterate calls fn with the address of every reference field of obj
// and returns the object size in words.
func (m *Memory) OopIterate(obj uintptr, fn func(field uintptr)) uintptr {
	refs := m.refRange(obj)
	for p := refs.Start(); p < refs.End(); p += memregion.WordSize {
		fn(p)
	}
	return m.Size(obj)
}

// OopIterateBounded is OopIterate restricted to fields inside mr.
func (m *Memory) OopIterateBounded(obj uintptr, mr memregion.MemRegion, fn func(field uintptr)) uintptr {
	refs := m.refRange(obj).Intersection(mr)
	for p := refs.Start(); p < refs.End(); p += memregion.WordSize {
		fn(p)
	}
	return m.Size(obj)
}

// Mark returns obj's mark word.
func (m *Memory) Mark(obj uintptr) uint64 { return m.Load(obj + markOffset) }

// SetMark overwrites obj's mark word.
func (m *Memory) SetMark(obj uintptr, v uint64) { m.Store(obj+markOffset, v) }

// CASMark replaces obj's mark word if it still holds old.
func (m *Memory) CASMark(obj uintptr, old, new uint64) bool {
	return atomic.CompareAndSwapUint64(m.slot(obj+markOffset), old, new)
}

// InitMark resets obj's mark word to the freshly-allocated value.
func (m *Memory) InitMark(obj uintptr) { m.SetMark(obj, InitMarkValue) }

// IsGCMarked reports whether obj is marked or forwarded.
func (m *Memory) IsGCMarked(obj uintptr) bool {
	return m.Mark(obj)&lockMask == markedValue
}

// SetMarked marks obj live for a full collection.
func (m *Memory) SetMarked(obj uintptr) { m.SetMark(obj, markedValue) }

// IsMarkWord reports whether v is a valid mark word of a live object.
// Dead runs produced by compaction store a plain address instead.
func IsMarkWord(v uint64) bool { return v&lockMask != 0 }

// ForwardTo installs a forwarding pointer in obj's mark word.
func (m *Memory) ForwardTo(obj, to uintptr) {
	m.SetMark(obj, uint64(to)|markedValue)
}

// Forwardee returns the address obj was forwarded to, or 0.
func (m *Memory) Forwardee(obj uintptr) uintptr {
	mark := m.Mark(obj)
	if mark&lockMask != markedValue {
		return 0
	}
	return uintptr(mark &^ lockMask)
}

// Age returns obj's age in survived young collections.
func (m *Memory) Age(obj uintptr) uint {
	return uint(m.Mark(obj)>>ageShift) & ageMask
}

// SetAge stores age into obj's mark word.
func (m *Memory) SetAge(obj uintptr, age uint) {
	if age > MaxAge {
		age = MaxAge
	}
	m.SetMark(obj, unlockedValue|uint64(age)<<ageShift)
}
