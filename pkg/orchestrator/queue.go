package orchestrator

import (
	"slices"

	"github.com/dotfleet/dotfleet-go/pkg/fsm"
)

// queue is a sequential work list: only the head is in progress, and the
// next address is dispatched when the head completes or fails.
type queue struct {
	event fsm.EventID

	// drained is the notification sent when the last item completes.
	drained string

	items []string
}

func newQueue(ev fsm.EventID, drained string) *queue {
	return &queue{event: ev, drained: drained}
}

func (q *queue) active() bool {
	return len(q.items) > 0
}

func (q *queue) head() string {
	if len(q.items) == 0 {
		return ""
	}
	return q.items[0]
}

// push appends addresses not yet queued and reports whether the queue was
// idle before, in which case the caller starts the head.
func (q *queue) push(addrs []string) (wasIdle bool) {
	wasIdle = len(q.items) == 0
	for _, a := range addrs {
		if !slices.Contains(q.items, a) {
			q.items = append(q.items, a)
		}
	}
	return wasIdle && len(q.items) > 0
}

// pop removes addr if it is the head. It reports whether it did.
func (q *queue) pop(addr string) bool {
	if q.head() != addr || addr == "" {
		return false
	}
	q.items = q.items[1:]
	return true
}

// truncate drops everything behind the head.
func (q *queue) truncate() {
	if len(q.items) > 1 {
		q.items = q.items[:1]
	}
}

func (q *queue) reset() {
	q.items = nil
}

// next returns the event that starts the current head.
func (q *queue) next() fsm.Event {
	return fsm.Event{Name: q.event, Addresses: slices.Clone(q.items)}
}
