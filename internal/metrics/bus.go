package metrics

import (
	"sync"
	"sync/atomic"
)

// Bus is the boundary between workers and result consumers. Publishing is
// non-blocking: when the buffer is full the event is dropped and counted
// rather than stalling load generation. Backpressure from a slow consumer
// must never reach a worker.
type Bus struct {
	ch      chan Result
	dropped atomic.Int64
	once    sync.Once
}

// NewBus creates a bus with the given buffer capacity. Capacity below one is
// raised to a sane default.
func NewBus(capacity int) *Bus {
	if capacity < 1 {
		capacity = 4096
	}
	return &Bus{ch: make(chan Result, capacity)}
}

// Publish enqueues a result without blocking. Full buffer drops the event.
func (b *Bus) Publish(r Result) {
	select {
	case b.ch <- r:
	default:
		b.dropped.Add(1)
	}
}

// Events exposes the stream for a consumer. The channel closes after Close
// once the remaining buffered events have been drained by the consumer.
func (b *Bus) Events() <-chan Result {
	return b.ch
}

// Dropped reports how many events were discarded due to a full buffer.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

// Close marks the stream complete. Callers must ensure all publishers have
// finished first; the orchestrator closes the bus only after every worker
// has reached a terminal state.
func (b *Bus) Close() {
	b.once.Do(func() { close(b.ch) })
}

// Drain forwards every event to the sinks until the bus is closed and empty.
// It is meant to run on its own goroutine for the lifetime of a run.
func (b *Bus) Drain(sinks ...Sink) {
	for r := range b.ch {
		for _, s := range sinks {
			s.Record(r)
		}
	}
}
