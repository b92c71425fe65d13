package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/catalyst-dev/catalyst/pkg/agents"
	"github.com/catalyst-dev/catalyst/pkg/bus"
)

// StopGracePeriod bounds how long StopAll waits for workers to drain their
// in-flight message.
const StopGracePeriod = 30 * time.Second

// pipelineAgents are the workers the manager runs: the six stage agents
// plus the orchestrator's completion worker.
var pipelineAgents = []string{
	agents.AgentPlanner,
	agents.AgentArchitect,
	agents.AgentCoder,
	agents.AgentTester,
	agents.AgentReviewer,
	agents.AgentDeployer,
	agents.AgentOrchestrator,
}

// Manager owns one worker per pipeline agent, each in its own goroutine so
// one slow handler cannot block another agent.
type Manager struct {
	workers []*Worker
	logger  *slog.Logger

	mu      sync.Mutex
	started bool
	wg      sync.WaitGroup
}

// NewManager builds the full worker set on a shared dispatch handler. The
// orchestrator's completion worker runs without replay detection: it
// publishes nothing, so the audit-based predicate would misfire on the
// task's own earlier events. All workers share the failer, so a task whose
// event dead-letters is marked failed rather than left running.
func NewManager(brokerURL string, handler bus.HandlerFunc, dedup bus.DedupChecker, failer bus.TaskFailer, logger *slog.Logger) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}

	workers := make([]*Worker, 0, len(pipelineAgents))
	for _, agent := range pipelineAgents {
		workerDedup := dedup
		if agent == agents.AgentOrchestrator {
			workerDedup = nil
		}
		w, err := New(agent, brokerURL, workerDedup, failer, handler)
		if err != nil {
			return nil, fmt.Errorf("creating worker for %s: %w", agent, err)
		}
		workers = append(workers, w)
	}
	return &Manager{workers: workers, logger: logger}, nil
}

// Workers returns the managed workers.
func (m *Manager) Workers() []*Worker { return m.workers }

// StartAll launches every worker in its own goroutine. Calling it twice is
// an error.
func (m *Manager) StartAll(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return fmt.Errorf("worker manager already started")
	}
	m.started = true

	for _, w := range m.workers {
		m.wg.Add(1)
		go func(w *Worker) {
			defer m.wg.Done()
			if err := w.Run(ctx); err != nil {
				m.logger.Error("Worker exited with error", "agent", w.Agent(), "error", err)
			}
		}(w)
	}
	m.logger.Info("All agent workers started", "count", len(m.workers))
	return nil
}

// StopAll signals every worker to stop and waits up to the grace period for
// in-flight messages to drain. Safe to call without a prior StartAll.
func (m *Manager) StopAll() {
	for _, w := range m.workers {
		w.Stop()
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.logger.Info("All agent workers stopped")
	case <-time.After(StopGracePeriod):
		m.logger.Warn("Worker shutdown grace period expired", "grace", StopGracePeriod)
	}
}

// Health reports, per agent, whether the worker's consume loop is active.
func (m *Manager) Health() map[string]bool {
	health := make(map[string]bool, len(m.workers))
	for _, w := range m.workers {
		health[w.Agent()] = w.Running()
	}
	return health
}
