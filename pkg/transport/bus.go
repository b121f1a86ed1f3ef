package transport

import "sync"

// DefaultBusSize is the event buffer used by NewBus when size is not
// positive.
const DefaultBusSize = 256

// Bus delivers events from driver goroutines to one consumer.
type Bus struct {
	ch   chan Event
	done chan struct{}
	once sync.Once
}

// NewBus creates a bus with a buffer of size events.
func NewBus(size int) *Bus {
	if size <= 0 {
		size = DefaultBusSize
	}
	return &Bus{
		ch:   make(chan Event, size),
		done: make(chan struct{}),
	}
}

// Emit publishes an event. It blocks while the buffer is full and returns
// false once the bus is closed.
func (b *Bus) Emit(ev Event) bool {
	select {
	case <-b.done:
		return false
	default:
	}
	select {
	case b.ch <- ev:
		return true
	case <-b.done:
		return false
	}
}

// C returns the receive side.
func (b *Bus) C() <-chan Event {
	return b.ch
}

// Done is closed once the bus is closed.
func (b *Bus) Done() <-chan struct{} {
	return b.done
}

// Close stops further emission. Buffered events stay readable.
func (b *Bus) Close() {
	b.once.Do(func() { close(b.done) })
}
