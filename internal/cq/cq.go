// Package cq implements a simple concurrent queue.
package cq

import "sync"

// Flush calls every function in queue in order and collects the errors
// they return. A failing function does not stop the ones after it.
func Flush(queue []func() error) (errs []error) {
	for _, ev := range queue {
		err := ev()
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

// Queue is an unbounded queue with any number of producers and a
// single consumer that takes everything queued so far at once.
type Queue[T any] struct {
	done  chan struct{}
	close sync.Once

	add chan T
	get chan []T
}

func New[T any]() *Queue[T] {
	q := Queue[T]{
		done: make(chan struct{}),
		add:  make(chan T),
		get:  make(chan []T),
	}
	go q.run()

	return &q
}

// Stop ends the queue. Pending values are dropped and later calls to
// Put return false.
func (q *Queue[T]) Stop() {
	q.close.Do(func() {
		close(q.done)
	})
}

// Put queues v. It blocks only until the queue accepts the value and
// returns false if the queue has been stopped.
func (q *Queue[T]) Put(v T) bool {
	select {
	case q.add <- v:
		return true
	case <-q.done:
		return false
	}
}

// TryGet returns every value queued since the previous call, or nil
// without blocking if there are none.
func (q *Queue[T]) TryGet() []T {
	select {
	case s := <-q.get:
		return s
	default:
		return nil
	}
}

func (q *Queue[T]) run() {
	var s []T
	var get chan []T

	for {
		select {
		case <-q.done:
			return

		case v := <-q.add:
			s = append(s, v)
			get = q.get

		case get <- s:
			s = nil
			get = nil
		}
	}
}
