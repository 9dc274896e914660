package observability

import "sync"

// DeadLetterQueue buffers telemetry events that could not be delivered to
// the bus, so the projector, hub, and ingest worker never block on a slow
// or absent subscriber.
type DeadLetterQueue struct {
	mu       sync.Mutex
	capacity int
	events   []TelemetryEvent
}

// NewDeadLetterQueue creates a DLQ with the provided capacity. Capacity <=0 implies unbounded.
func NewDeadLetterQueue(capacity int) *DeadLetterQueue {
	return &DeadLetterQueue{
		capacity: capacity,
		events:   make([]TelemetryEvent, 0),
	}
}

// Offer records a telemetry event, evicting the oldest entry when full.
func (q *DeadLetterQueue) Offer(event TelemetryEvent) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.capacity > 0 && len(q.events) >= q.capacity {
		copy(q.events[0:], q.events[1:])
		q.events[len(q.events)-1] = cloneTelemetryEvent(event)
		return
	}
	q.events = append(q.events, cloneTelemetryEvent(event))
}

// Drain retrieves and clears all queued telemetry events.
func (q *DeadLetterQueue) Drain() []TelemetryEvent {
	q.mu.Lock()
	defer q.mu.Unlock()
	drained := make([]TelemetryEvent, len(q.events))
	copy(drained, q.events)
	q.events = q.events[:0]
	return drained
}

// Len returns the number of queued telemetry events.
func (q *DeadLetterQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events)
}
