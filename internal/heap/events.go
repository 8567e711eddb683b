package heap

import (
	"sync"
	"time"
)

// EventKind names the kind of collection an Event reports.
type EventKind string

const (
	KindYoung EventKind = "young"
	KindFull  EventKind = "full"
	KindMark  EventKind = "mark"
)

// Event reports a finished collection.
type Event struct {
	Seq        uint64        `json:"seq"`
	Kind       EventKind     `json:"kind"`
	Cause      string        `json:"cause"`
	Start      time.Time     `json:"start"`
	Pause      time.Duration `json:"pauseNanos"`
	UsedBefore uintptr       `json:"usedBefore"`
	UsedAfter  uintptr       `json:"usedAfter"`
	Capacity   uintptr       `json:"capacity"`
}

// broker fans events out to subscribers. A subscriber that falls behind
// misses events rather than holding up the VM thread.
type broker struct {
	mu   sync.Mutex
	subs map[chan Event]struct{}
	seq  uint64
}

func (b *broker) publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	ev.Seq = b.seq
	for ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Subscribe returns a channel receiving an Event after every collection,
// buffering up to buf of them, and a function that ends the
// subscription and closes the channel.
func (h *Heap) Subscribe(buf int) (<-chan Event, func()) {
	b := &h.events
	ch := make(chan Event, buf)
	b.mu.Lock()
	if b.subs == nil {
		b.subs = make(map[chan Event]struct{})
	}
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, ch)
			b.mu.Unlock()
			close(ch)
		})
	}
}
