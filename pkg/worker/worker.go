// Package worker runs the agent consumers. A Worker is a thin wrapper
// binding one agent's queue to the stage dispatch handler; the Manager owns
// one worker per agent and the graceful-shutdown choreography.
package worker

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/catalyst-dev/catalyst/pkg/bus"
)

// Worker consumes one agent's queue and dispatches deliveries to the
// pipeline handler. It owns its consumer and its cancellation.
type Worker struct {
	agent    string
	consumer *bus.Consumer
	handler  bus.HandlerFunc
	running  atomic.Bool
}

// New creates a worker for the named agent. dedup may be nil to disable
// replay detection for this worker; failer marks tasks failed when their
// events dead-letter.
func New(agent, brokerURL string, dedup bus.DedupChecker, failer bus.TaskFailer, handler bus.HandlerFunc) (*Worker, error) {
	queue, ok := bus.QueueForAgent(agent)
	if !ok {
		return nil, fmt.Errorf("no queue defined for agent %q", agent)
	}
	return &Worker{
		agent:    agent,
		consumer: bus.NewConsumer(agent, queue, brokerURL, dedup, failer),
		handler:  handler,
	}, nil
}

// Agent returns the worker's agent name.
func (w *Worker) Agent() string { return w.agent }

// Running reports whether the worker's consume loop is active.
func (w *Worker) Running() bool { return w.running.Load() }

// Run blocks in the consume loop until Stop is called or the context is
// cancelled.
func (w *Worker) Run(ctx context.Context) error {
	w.running.Store(true)
	defer w.running.Store(false)
	return w.consumer.StartConsuming(ctx, w.handler, 1)
}

// Stop asks the consumer to shut down after its in-flight message.
func (w *Worker) Stop() {
	w.consumer.Stop()
}
