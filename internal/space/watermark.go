package space

import "fmt"

// Watermark is an address within a particular space, used as a traversal
// checkpoint. Two watermarks are equal iff both fields match, so the
// struct may be compared with ==.
type Watermark struct {
	Space *Space
	Point uintptr
}

func (w Watermark) String() string {
	return fmt.Sprintf("%v@%#x", w.Space, w.Point)
}
