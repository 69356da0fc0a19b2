package pitupdate

import (
	"sync"

	"github.com/t7a/pitupdate/internal/queue"
)

// EventKind names a state change of the Upgrader.
type EventKind int

const (
	EventAvailable EventKind = iota + 1
	EventDownloading
	EventDownloaded
	EventError
	EventClosing
)

func (k EventKind) String() string {
	switch k {
	case EventAvailable:
		return "available"
	case EventDownloading:
		return "downloading"
	case EventDownloaded:
		return "downloaded"
	case EventError:
		return "error"
	case EventClosing:
		return "closing"
	}
	return "unknown"
}

// Event is one notification, with the status right after the change.
type Event struct {
	Kind   EventKind
	Status Status
	Err    error // set for EventError
}

// Subscription delivers events in the order they happened.  Emitting
// never waits for the receiver; undelivered events queue up.  C is
// closed after Cancel, or after the closing event has been delivered.
type Subscription struct {
	C <-chan Event

	kinds  map[EventKind]bool // empty means all
	q      *queue.Queue[Event]
	once   sync.Once
	cancel func()
}

func newSubscription(kinds []EventKind, unregister func(*Subscription)) *Subscription {
	s := &Subscription{
		kinds: make(map[EventKind]bool),
		q:     queue.New[Event](),
	}
	for _, k := range kinds {
		s.kinds[k] = true
	}
	s.C = s.q.C()
	s.cancel = func() { unregister(s) }
	return s
}

func (s *Subscription) wants(k EventKind) bool {
	return len(s.kinds) == 0 || s.kinds[k]
}

func (s *Subscription) push(ev Event) {
	s.q.Push(ev)
}

// finish lets the queue drain and then closes C.
func (s *Subscription) finish() {
	s.q.Finish()
}

// Cancel stops delivery.  Events still queued are dropped.
func (s *Subscription) Cancel() {
	s.once.Do(func() {
		s.cancel()
		s.q.Cancel()
	})
}
