// Package ev batches deferred actions so that they can be run together
// once some operation has finished.
package ev

import (
	"errors"

	"deedles.dev/kms/internal/cq"
)

// Events is a series of deferred actions. The zero value is ready to
// use.
type Events struct {
	events []func() error
}

// Add queues f to be run by the next Flush.
func (q *Events) Add(f func() error) {
	q.events = append(q.events, f)
}

func (q *Events) Len() int {
	return len(q.events)
}

// Flush runs every queued action in order, even if some fail, and
// returns all of their errors joined.
func (q *Events) Flush() error {
	events := q.events
	q.events = nil
	return errors.Join(cq.Flush(events)...)
}

// Discard drops every queued action without running it.
func (q *Events) Discard() {
	q.events = nil
}
