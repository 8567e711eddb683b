package mark

// Worklist is a LIFO of grey objects waiting to be scanned.
type Worklist struct {
	stack []uintptr
}

func (w *Worklist) Push(obj uintptr) { w.stack = append(w.stack, obj) }
func (w *Worklist) Len() int         { return len(w.stack) }
func (w *Worklist) IsEmpty() bool    { return len(w.stack) == 0 }

// Pop removes the most recently pushed object.
func (w *Worklist) Pop() (uintptr, bool) {
	n := len(w.stack)
	if n == 0 {
		return 0, false
	}
	obj := w.stack[n-1]
	w.stack = w.stack[:n-1]
	return obj, true
}

// Reset empties the list, keeping its storage.
func (w *Worklist) Reset() { w.stack = w.stack[:0] }
