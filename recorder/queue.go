package recorder

import (
	"sync"

	"github.com/portablesession/psp/state"
)

// queue is the single-owner event buffer created at Start. Listeners (via
// the poll loop) append; Drain takes the whole buffer in one swap, so a
// take-and-clear never loses a concurrent append. Keeping the queue an
// explicit object rather than package state makes concurrent recordings on
// distinct targets independent by construction.
type queue struct {
	mu     sync.Mutex
	events []state.Event
}

func newQueue() *queue {
	return &queue{}
}

func (q *queue) append(events []state.Event) {
	q.mu.Lock()
	q.events = append(q.events, events...)
	q.mu.Unlock()
}

// takeAll swaps the buffer for an empty one and returns the previous
// contents. Infallible on an empty buffer.
func (q *queue) takeAll() []state.Event {
	q.mu.Lock()
	events := q.events
	q.events = nil
	q.mu.Unlock()
	if events == nil {
		return []state.Event{}
	}
	return events
}
