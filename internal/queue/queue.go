// Package queue delivers values through a channel without ever making
// the sender wait: values pile up until the receiver takes them.
package queue

import "sync"

// Queue is an unbounded FIFO drained through C.
type Queue[T any] struct {
	out  chan T
	wake chan struct{}
	done chan struct{}

	mu       sync.Mutex
	items    []T
	finished bool
	once     sync.Once
}

func New[T any]() *Queue[T] {
	q := &Queue[T]{
		out:  make(chan T),
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go q.run()
	return q
}

// C delivers queued values in order.  It is closed once a finished
// queue has drained, or right after Cancel.
func (q *Queue[T]) C() <-chan T { return q.out }

// Done is closed by Cancel.
func (q *Queue[T]) Done() <-chan struct{} { return q.done }

// Push appends v.  Values pushed after Finish or Cancel are dropped.
func (q *Queue[T]) Push(v T) {
	q.mu.Lock()
	if q.finished {
		q.mu.Unlock()
		return
	}
	q.items = append(q.items, v)
	q.mu.Unlock()
	q.signal()
}

// Finish lets the queue drain and then closes C.
func (q *Queue[T]) Finish() {
	q.mu.Lock()
	q.finished = true
	q.mu.Unlock()
	q.signal()
}

// Cancel stops delivery.  Values still queued are dropped.
func (q *Queue[T]) Cancel() {
	q.once.Do(func() {
		q.mu.Lock()
		q.finished = true
		q.items = nil
		q.mu.Unlock()
		close(q.done)
	})
}

func (q *Queue[T]) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue[T]) run() {
	defer close(q.out)
	for {
		q.mu.Lock()
		if len(q.items) == 0 {
			finished := q.finished
			q.mu.Unlock()
			if finished {
				return
			}
			select {
			case <-q.wake:
				continue
			case <-q.done:
				return
			}
		}
		v := q.items[0]
		q.items = q.items[1:]
		q.mu.Unlock()
		select {
		case q.out <- v:
		case <-q.done:
			return
		}
	}
}
