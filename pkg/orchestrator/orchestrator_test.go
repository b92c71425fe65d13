package orchestrator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/catalyst-dev/catalyst/pkg/agents"
	"github.com/catalyst-dev/catalyst/pkg/bus"
	"github.com/catalyst-dev/catalyst/pkg/config"
	"github.com/catalyst-dev/catalyst/pkg/store"
)

// memStore implements both the orchestrator's Store and agents.TaskStore.
type memStore struct {
	tasks     map[string]*store.Task
	createErr error
	updateErr error
}

func newMemStore() *memStore {
	return &memStore{tasks: map[string]*store.Task{}}
}

func (m *memStore) CreateTask(ctx context.Context, taskID, traceID, prompt string) error {
	if m.createErr != nil {
		return m.createErr
	}
	if _, ok := m.tasks[taskID]; ok {
		return nil
	}
	m.tasks[taskID] = &store.Task{TaskID: taskID, TraceID: traceID, Prompt: prompt, Status: store.StatusPending}
	return nil
}

func (m *memStore) GetTask(ctx context.Context, taskID string) (*store.Task, error) {
	t, ok := m.tasks[taskID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *memStore) UpdateTaskStatus(ctx context.Context, taskID string, status store.TaskStatus, phase string) error {
	if m.updateErr != nil {
		return m.updateErr
	}
	t, ok := m.tasks[taskID]
	if !ok {
		return store.ErrNotFound
	}
	t.Status = status
	t.CurrentPhase = phase
	return nil
}

// memAuditor records every published event in order.
type memAuditor struct {
	events []*bus.Event
}

func (a *memAuditor) RecordEvent(ctx context.Context, evt *bus.Event) error {
	a.events = append(a.events, evt)
	return nil
}

func (a *memAuditor) types() []bus.EventType {
	out := make([]bus.EventType, 0, len(a.events))
	for _, e := range a.events {
		out = append(out, e.Type)
	}
	return out
}

type recordingPublisher struct {
	events []*bus.Event
	err    error
}

func (p *recordingPublisher) Publish(ctx context.Context, evt *bus.Event) error {
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, evt)
	return nil
}

// stageLLM answers each pipeline stage in order: plan, architecture, code,
// review.
type stageLLM struct {
	review string
	calls  int
}

func (l *stageLLM) Generate(ctx context.Context, prompt string) (string, error) {
	l.calls++
	switch l.calls {
	case 1:
		return "1. implement counter\n2. test counter", nil
	case 2:
		return "single module counter.py with a Counter class", nil
	case 3:
		return "--- counter.py ---\nclass Counter:\n    pass\n", nil
	default:
		if l.review != "" {
			return l.review, nil
		}
		return "APPROVE\nLooks good.", nil
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func factory(st *memStore, l *stageLLM) HandlerFactory {
	return func(pub agents.Publisher) map[bus.EventType]bus.HandlerFunc {
		deps := &agents.Deps{Store: st, Publisher: pub, LLM: l, Logger: testLogger()}
		return agents.Pipeline(deps)
	}
}

// fullPipeline is the event sequence of one successful run, in causal order.
var fullPipeline = []bus.EventType{
	bus.TypeTaskInitiated,
	bus.TypePlanCreated,
	bus.TypeArchitectureProposed,
	bus.TypeCodePROpened,
	bus.TypeTestResults,
	bus.TypeReviewDecision,
	bus.TypeDeployComplete,
}

func TestExecuteTaskSequentialCompletes(t *testing.T) {
	st := newMemStore()
	audit := &memAuditor{}
	llm := &stageLLM{}
	orc := New(config.ModeSequential, st, nil, factory(st, llm), audit, testLogger())

	taskID, traceID, err := orc.ExecuteTask(context.Background(), "build a counter app")
	require.NoError(t, err)
	require.NotEmpty(t, taskID)
	require.NotEmpty(t, traceID)

	task := st.tasks[taskID]
	require.NotNil(t, task)
	assert.Equal(t, store.StatusCompleted, task.Status)

	assert.Equal(t, fullPipeline, audit.types())
	for _, evt := range audit.events {
		assert.Equal(t, traceID, evt.TraceID, "trace id must be stable across the pipeline")
		assert.Equal(t, taskID, evt.TaskID)
	}
}

func TestExecuteTaskSequentialMakesNoBrokerCalls(t *testing.T) {
	st := newMemStore()
	llm := &stageLLM{}
	pub := &recordingPublisher{err: errors.New("broker is down")}
	orc := New(config.ModeSequential, st, pub, factory(st, llm), &memAuditor{}, testLogger())

	taskID, _, err := orc.ExecuteTask(context.Background(), "build a counter app")
	require.NoError(t, err)
	assert.Equal(t, store.StatusCompleted, st.tasks[taskID].Status)
	assert.Empty(t, pub.events)
}

func TestExecuteTaskSequentialReviewerRejection(t *testing.T) {
	st := newMemStore()
	audit := &memAuditor{}
	llm := &stageLLM{review: "REJECT\nIncomplete implementation."}
	orc := New(config.ModeSequential, st, nil, factory(st, llm), audit, testLogger())

	taskID, _, err := orc.ExecuteTask(context.Background(), "build a counter app")
	require.NoError(t, err)

	assert.Equal(t, store.StatusFailed, st.tasks[taskID].Status)

	types := audit.types()
	assert.Contains(t, types, bus.TypeDeployFailed)
	assert.NotContains(t, types, bus.TypeDeployComplete)
}

func TestExecuteTaskSequentialStageFailure(t *testing.T) {
	st := newMemStore()
	failing := func(pub agents.Publisher) map[bus.EventType]bus.HandlerFunc {
		return map[bus.EventType]bus.HandlerFunc{
			bus.TypeTaskInitiated: func(ctx context.Context, evt *bus.Event) (bus.Outcome, error) {
				return bus.OutcomeFatal, errors.New("planner blew up")
			},
		}
	}
	orc := New(config.ModeSequential, st, nil, failing, nil, testLogger())

	_, _, err := orc.ExecuteTask(context.Background(), "doomed task")
	require.Error(t, err)

	require.Len(t, st.tasks, 1)
	for _, task := range st.tasks {
		assert.Equal(t, store.StatusFailed, task.Status)
	}
}

func TestExecuteTaskSequentialRetriesAreBounded(t *testing.T) {
	st := newMemStore()
	attempts := 0
	flaky := func(pub agents.Publisher) map[bus.EventType]bus.HandlerFunc {
		return map[bus.EventType]bus.HandlerFunc{
			bus.TypeTaskInitiated: func(ctx context.Context, evt *bus.Event) (bus.Outcome, error) {
				attempts++
				return bus.OutcomeRetry, errors.New("transient")
			},
		}
	}
	orc := New(config.ModeSequential, st, nil, flaky, nil, testLogger())

	_, _, err := orc.ExecuteTask(context.Background(), "flaky task")
	require.Error(t, err)
	assert.Equal(t, bus.MaxDeliveryAttempts, attempts)
}

func TestExecuteTaskEventDrivenPublishesSeed(t *testing.T) {
	st := newMemStore()
	pub := &recordingPublisher{}
	orc := New(config.ModeEventDriven, st, pub, nil, nil, testLogger())

	taskID, traceID, err := orc.ExecuteTask(context.Background(), "build a counter app")
	require.NoError(t, err)

	// The orchestrator is not in the critical path; the task is left running.
	assert.Equal(t, store.StatusRunning, st.tasks[taskID].Status)

	require.Len(t, pub.events, 1)
	seed := pub.events[0]
	assert.Equal(t, bus.TypeTaskInitiated, seed.Type)
	assert.Equal(t, taskID, seed.TaskID)
	assert.Equal(t, traceID, seed.TraceID)
	assert.Equal(t, agents.AgentOrchestrator, seed.Actor)
}

func TestExecuteTaskEventDrivenPublishFailureFailsTask(t *testing.T) {
	st := newMemStore()
	pub := &recordingPublisher{err: errors.New("all retries exhausted")}
	orc := New(config.ModeEventDriven, st, pub, nil, nil, testLogger())

	_, _, err := orc.ExecuteTask(context.Background(), "build a counter app")
	require.Error(t, err)

	require.Len(t, st.tasks, 1)
	for _, task := range st.tasks {
		assert.Equal(t, store.StatusFailed, task.Status)
	}
}

func TestExecuteTaskCreateFailure(t *testing.T) {
	st := newMemStore()
	st.createErr = errors.New("db down")
	orc := New(config.ModeSequential, st, nil, factory(st, &stageLLM{}), nil, testLogger())

	_, _, err := orc.ExecuteTask(context.Background(), "task")
	assert.Error(t, err)
}

// Both modes, driven by the same deterministic LLM, must leave the task in
// the same terminal state and the same audit event-type sequence.
func TestSequentialAndEventDrivenEquivalence(t *testing.T) {
	seqStore := newMemStore()
	seqAudit := &memAuditor{}
	seqOrc := New(config.ModeSequential, seqStore, nil, factory(seqStore, &stageLLM{}), seqAudit, testLogger())

	seqTaskID, _, err := seqOrc.ExecuteTask(context.Background(), "build a counter app")
	require.NoError(t, err)

	// Event-driven mode with the broker replaced by a synchronous in-process
	// dispatcher: each published event is routed straight to its handler,
	// which is what the worker fleet does with the real broker.
	edStore := newMemStore()
	edAudit := &memAuditor{}
	edLLM := &stageLLM{}

	var dispatcher *loopbackPublisher
	deps := &agents.Deps{Store: edStore, LLM: edLLM, Logger: testLogger()}
	table := agents.Pipeline(deps)
	dispatcher = &loopbackPublisher{table: table, audit: edAudit}
	deps.Publisher = dispatcher

	edOrc := New(config.ModeEventDriven, edStore, dispatcher, nil, nil, testLogger())
	edTaskID, _, err := edOrc.ExecuteTask(context.Background(), "build a counter app")
	require.NoError(t, err)

	assert.Equal(t, seqStore.tasks[seqTaskID].Status, edStore.tasks[edTaskID].Status)
	assert.Equal(t, seqAudit.types(), edAudit.types())
}

// loopbackPublisher audits and immediately dispatches each event to its
// handler, emulating the broker delivery chain synchronously.
type loopbackPublisher struct {
	table map[bus.EventType]bus.HandlerFunc
	audit *memAuditor
}

func (p *loopbackPublisher) Publish(ctx context.Context, evt *bus.Event) error {
	_ = p.audit.RecordEvent(ctx, evt)
	handler, ok := p.table[evt.Type]
	if !ok {
		return nil
	}
	if _, err := handler(ctx, evt); err != nil {
		return err
	}
	return nil
}
