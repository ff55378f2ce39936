// Package bus carries normalized inbound events from the socket reader to
// the dispatch workers over a bounded queue, so a slow run can never stall
// frame ingestion or acknowledgment.
package bus

import (
	"context"
	"sync"

	"github.com/richardliang/takopi-slack-plugin/pkg/logger"
)

// Queue is a bounded inbound event queue. When full, the oldest event is
// dropped in favor of the newest; the platform redelivers unacked frames,
// so sustained overflow degrades to redelivery rather than deadlock.
type Queue struct {
	events    chan InboundEvent
	mu        sync.RWMutex
	closed    bool
	closeOnce sync.Once
}

// NewQueue creates a queue with the given capacity.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 100
	}
	return &Queue{events: make(chan InboundEvent, capacity)}
}

// Publish enqueues an event without blocking.
func (q *Queue) Publish(ev InboundEvent) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return
	}

	select {
	case q.events <- ev:
	default:
		// Queue full — drop oldest and retry
		select {
		case dropped := <-q.events:
			logger.WarnCF("bus", "inbound queue full, dropping oldest event", map[string]interface{}{
				"dropped_id": dropped.EventID(),
			})
		default:
		}
		select {
		case q.events <- ev:
		default:
		}
	}
}

// Consume blocks for the next event or context cancellation.
func (q *Queue) Consume(ctx context.Context) (InboundEvent, bool) {
	select {
	case ev, ok := <-q.events:
		return ev, ok
	case <-ctx.Done():
		return nil, false
	}
}

// Close shuts the queue down. Pending events are still consumable.
func (q *Queue) Close() {
	q.closeOnce.Do(func() {
		q.mu.Lock()
		q.closed = true
		q.mu.Unlock()
		close(q.events)
	})
}
