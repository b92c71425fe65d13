// Package orchestrator starts pipeline runs and is the only place that
// knows whether the deployment is event-driven or sequential. In
// event-driven mode it seeds the pipeline with a single task.initiated
// event; in sequential mode it drives the same stage handlers in dependency
// order through an in-process bus.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/catalyst-dev/catalyst/pkg/agents"
	"github.com/catalyst-dev/catalyst/pkg/bus"
	"github.com/catalyst-dev/catalyst/pkg/config"
	"github.com/catalyst-dev/catalyst/pkg/store"
)

// Store is the slice of the task store the orchestrator needs.
type Store interface {
	CreateTask(ctx context.Context, taskID, traceID, prompt string) error
	UpdateTaskStatus(ctx context.Context, taskID string, status store.TaskStatus, phase string) error
}

// HandlerFactory builds the stage dispatch table against a publisher. The
// sequential path calls it with the in-process bus so the same handler code
// runs in both modes.
type HandlerFactory func(pub agents.Publisher) map[bus.EventType]bus.HandlerFunc

// Orchestrator starts tasks in the configured execution mode.
type Orchestrator struct {
	mode      config.Mode
	store     Store
	publisher agents.Publisher // broker publisher; nil in sequential mode
	handlers  HandlerFactory
	auditor   bus.Auditor // sequential-mode audit mirror; may be nil
	logger    *slog.Logger
}

// New creates an orchestrator. In event-driven mode publisher must be the
// broker publisher; in sequential mode it is unused and may be nil.
func New(mode config.Mode, st Store, publisher agents.Publisher, handlers HandlerFactory, auditor bus.Auditor, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		mode:      mode,
		store:     st,
		publisher: publisher,
		handlers:  handlers,
		auditor:   auditor,
		logger:    logger,
	}
}

// Mode returns the execution mode the orchestrator was built with.
func (o *Orchestrator) Mode() config.Mode { return o.mode }

// ExecuteTask persists a new task and starts the pipeline. In event-driven
// mode it returns as soon as task.initiated is published; in sequential mode
// it returns after the pipeline has run to its terminal state. The returned
// ids identify the task and its trace.
func (o *Orchestrator) ExecuteTask(ctx context.Context, prompt string) (taskID, traceID string, err error) {
	taskID = uuid.NewString()
	traceID = uuid.NewString()
	log := o.logger.With("task_id", taskID, "trace_id", traceID, "mode", o.mode)

	if err := o.store.CreateTask(ctx, taskID, traceID, prompt); err != nil {
		return "", "", fmt.Errorf("creating task: %w", err)
	}
	if err := o.store.UpdateTaskStatus(ctx, taskID, store.StatusRunning, "initiated"); err != nil {
		return "", "", fmt.Errorf("starting task: %w", err)
	}

	seed, err := o.seedEvent(taskID, traceID, prompt)
	if err != nil {
		return "", "", err
	}

	if o.mode == config.ModeEventDriven {
		if err := o.publisher.Publish(ctx, seed); err != nil {
			o.failTask(ctx, taskID, "initiated")
			return "", "", fmt.Errorf("publishing task.initiated: %w", err)
		}
		log.Info("Task submitted to event pipeline")
		return taskID, traceID, nil
	}

	if err := o.runSequential(ctx, seed, log); err != nil {
		return "", "", err
	}
	return taskID, traceID, nil
}

func (o *Orchestrator) seedEvent(taskID, traceID, prompt string) (*bus.Event, error) {
	payload, err := marshalTaskPayload(prompt)
	if err != nil {
		return nil, err
	}
	return bus.NewEvent(bus.TypeTaskInitiated, traceID, taskID, agents.AgentOrchestrator, payload), nil
}

// runSequential drives the pipeline to a terminal state in process. Each
// published event is dequeued and dispatched to its stage handler; a retry
// outcome is re-attempted inline with the same bound as the broker path.
func (o *Orchestrator) runSequential(ctx context.Context, seed *bus.Event, log *slog.Logger) error {
	mem := newMemoryBus(o.auditor, log)
	table := o.handlers(mem)

	if err := mem.Publish(ctx, seed); err != nil {
		return err
	}

	for evt := mem.next(); evt != nil; evt = mem.next() {
		handler, ok := table[evt.Type]
		if !ok {
			// Terminal or informational events with no stage behind them.
			log.Debug("No sequential handler for event", "event_type", evt.Type)
			continue
		}
		if err := o.runStage(ctx, handler, evt, log); err != nil {
			o.failTask(ctx, evt.TaskID, string(evt.Type))
			return err
		}
	}
	log.Info("Sequential pipeline finished")
	return nil
}

// runStage invokes one handler, retrying inline up to the same attempt bound
// the consumer enforces in event-driven mode.
func (o *Orchestrator) runStage(ctx context.Context, handler bus.HandlerFunc, evt *bus.Event, log *slog.Logger) error {
	for attempt := evt.Attempt; attempt <= bus.MaxDeliveryAttempts; attempt++ {
		evt.Attempt = attempt
		outcome, err := handler(ctx, evt)
		switch outcome {
		case bus.OutcomeOK:
			return nil
		case bus.OutcomeRetry:
			log.Warn("Stage asked for retry",
				"event_type", evt.Type, "attempt", attempt, "error", err)
		default:
			return fmt.Errorf("stage %s failed: %w", evt.Type, err)
		}
	}
	return fmt.Errorf("stage %s exhausted %d attempts", evt.Type, bus.MaxDeliveryAttempts)
}

// failTask transitions the task to failed, logging rather than failing on a
// store error since the caller is already unwinding.
func (o *Orchestrator) failTask(ctx context.Context, taskID, phase string) {
	if err := o.store.UpdateTaskStatus(ctx, taskID, store.StatusFailed, phase); err != nil {
		o.logger.Error("Failed to mark task failed", "task_id", taskID, "error", err)
	}
}

func marshalTaskPayload(prompt string) ([]byte, error) {
	payload, err := json.Marshal(agents.TaskPayload{Prompt: prompt})
	if err != nil {
		return nil, fmt.Errorf("encoding task payload: %w", err)
	}
	return payload, nil
}
