package object

import (
	"fmt"
	"sync"
)

// Kind distinguishes the three object shapes the collector understands.
type Kind uint8

const (
	// KindInstance is a fixed-size object: header, reference fields, then
	// data words.
	KindInstance Kind = iota
	// KindObjArray is an array of references.
	KindObjArray
	// KindTypeArray is an array of primitive elements.
	KindTypeArray
)

func (k Kind) String() string {
	switch k {
	case KindInstance:
		return "instance"
	case KindObjArray:
		return "objArray"
	case KindTypeArray:
		return "typeArray"
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// Klass describes the layout of every object that points to it.
type Klass struct {
	ID   uint64
	Name string
	Kind Kind

	// RefFields and DataWords give the instance layout. Reference fields
	// always come first.
	RefFields int
	DataWords int

	// ElemBytes is the element size of a type array.
	ElemBytes int
}

// InstanceWords is the total size of an instance of k.
func (k *Klass) InstanceWords() uintptr {
	return HeaderWords + uintptr(k.RefFields+k.DataWords)
}

// Universe is the registry of klasses known to a heap. Klass IDs are
// stored in object headers; ID 0 is reserved for "not yet published".
type Universe struct {
	mu      sync.RWMutex
	klasses []*Klass

	fillerObject *Klass
	fillerArray  *Klass
	objArray     *Klass
}

// NewUniverse creates a registry holding the built-in klasses.
func NewUniverse() *Universe {
	u := &Universe{}
	u.fillerObject = u.DefineInstance("java.lang.Object", 0, 0)
	u.fillerArray = u.DefineTypeArray("[I", 4)
	u.objArray = u.DefineObjArray("[Ljava.lang.Object;")
	return u
}

func (u *Universe) define(k *Klass) *Klass {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.klasses = append(u.klasses, k)
	k.ID = uint64(len(u.klasses))
	return k
}

// DefineInstance registers an instance klass.
func (u *Universe) DefineInstance(name string, refFields, dataWords int) *Klass {
	return u.define(&Klass{Name: name, Kind: KindInstance, RefFields: refFields, DataWords: dataWords})
}

// DefineObjArray registers a reference array klass.
func (u *Universe) DefineObjArray(name string) *Klass {
	return u.define(&Klass{Name: name, Kind: KindObjArray, ElemBytes: 8})
}

// DefineTypeArray registers a primitive array klass.
func (u *Universe) DefineTypeArray(name string, elemBytes int) *Klass {
	return u.define(&Klass{Name: name, Kind: KindTypeArray, ElemBytes: elemBytes})
}

// Lookup returns the klass with the given ID, or nil for ID 0.
func (u *Universe) Lookup(id uint64) *Klass {
	if id == 0 {
		return nil
	}
	u.mu.RLock()
	defer u.mu.RUnlock()
	if id > uint64(len(u.klasses)) {
		return nil
	}
	return u.klasses[id-1]
}

// FillerObject is the klass used for minimum-sized fillers.
func (u *Universe) FillerObject() *Klass { return u.fillerObject }

// FillerArray is the klass used for fillers larger than the minimum.
func (u *Universe) FillerArray() *Klass { return u.fillerArray }

// ObjArray is the generic reference array klass.
func (u *Universe) ObjArray() *Klass { return u.objArray }
