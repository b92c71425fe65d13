package orchestrator

import (
	"context"
	"log/slog"

	"github.com/catalyst-dev/catalyst/pkg/bus"
)

// memoryBus is the sequential-mode stand-in for the broker publisher. It
// queues published events in process so the orchestrator can feed them to
// the next stage handler, and mirrors each one to the audit store so both
// modes leave the same trail. Single-goroutine by construction: the
// sequential loop is the only producer and consumer.
type memoryBus struct {
	auditor bus.Auditor
	logger  *slog.Logger
	queue   []*bus.Event
}

func newMemoryBus(auditor bus.Auditor, logger *slog.Logger) *memoryBus {
	return &memoryBus{auditor: auditor, logger: logger}
}

// Publish enqueues the event for the next stage. The audit write is
// best-effort, same as the broker publisher's.
func (m *memoryBus) Publish(ctx context.Context, evt *bus.Event) error {
	if m.auditor != nil {
		if err := m.auditor.RecordEvent(ctx, evt); err != nil {
			m.logger.Warn("Best-effort audit write failed",
				"event_id", evt.EventID, "event_type", evt.Type, "error", err)
		}
	}
	m.queue = append(m.queue, evt)
	return nil
}

// next pops the oldest queued event, or nil when the pipeline has drained.
func (m *memoryBus) next() *bus.Event {
	if len(m.queue) == 0 {
		return nil
	}
	evt := m.queue[0]
	m.queue = m.queue[1:]
	return evt
}
