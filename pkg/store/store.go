package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/catalyst-dev/catalyst/pkg/bus"
)

// TaskStatus is the task lifecycle state.
type TaskStatus string

// Task lifecycle states.
const (
	StatusPending   TaskStatus = "pending"
	StatusRunning   TaskStatus = "running"
	StatusCompleted TaskStatus = "completed"
	StatusFailed    TaskStatus = "failed"
)

// Valid reports whether s is a known lifecycle state.
func (s TaskStatus) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Terminal reports whether s ends the task lifecycle.
func (s TaskStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Task is the durable record of one pipeline run.
type Task struct {
	TaskID       string     `json:"task_id"`
	TraceID      string     `json:"trace_id"`
	Prompt       string     `json:"prompt"`
	Status       TaskStatus `json:"status"`
	CurrentPhase string     `json:"current_phase"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	CostEstimate float64    `json:"cost_estimate"`
}

// AuditRecord is one row of the append-only event audit. Consumers of the
// audit can reconstruct a task's timeline but must not rely on it for
// delivery correctness; the broker is the source of truth.
type AuditRecord struct {
	EventID       string    `json:"event_id"`
	EventType     string    `json:"event_type"`
	TaskID        string    `json:"task_id"`
	TraceID       string    `json:"trace_id"`
	Actor         string    `json:"actor"`
	Timestamp     time.Time `json:"timestamp"`
	PayloadDigest string    `json:"payload_digest"`
}

// Store persists tasks and the event audit. All mutations of the relational
// state go through it; no component issues SQL elsewhere.
type Store struct {
	db *sql.DB
}

// NewStore creates a store on an open database client.
func NewStore(client *Client) *Store {
	return &Store{db: client.DB()}
}

// CreateTask inserts a new task row. Idempotent by task_id: re-creating an
// existing task is a no-op.
func (s *Store) CreateTask(ctx context.Context, taskID, traceID, prompt string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks (task_id, trace_id, prompt, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, now(), now())
		 ON CONFLICT (task_id) DO NOTHING`,
		taskID, traceID, prompt, StatusPending)
	if err != nil {
		return fmt.Errorf("creating task %s: %w", taskID, err)
	}
	return nil
}

// GetTask loads one task by id.
func (s *Store) GetTask(ctx context.Context, taskID string) (*Task, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT task_id, trace_id, prompt, status, current_phase, created_at, updated_at, cost_estimate
		 FROM tasks WHERE task_id = $1`, taskID)

	var t Task
	err := row.Scan(&t.TaskID, &t.TraceID, &t.Prompt, &t.Status, &t.CurrentPhase,
		&t.CreatedAt, &t.UpdatedAt, &t.CostEstimate)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading task %s: %w", taskID, err)
	}
	return &t, nil
}

// UpdateTaskStatus transitions a task's status and last observed phase.
func (s *Store) UpdateTaskStatus(ctx context.Context, taskID string, status TaskStatus, phase string) error {
	if !status.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = $2, current_phase = $3, updated_at = now() WHERE task_id = $1`,
		taskID, status, phase)
	if err != nil {
		return fmt.Errorf("updating task %s status: %w", taskID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkTaskFailed transitions the task to failed, recording the phase that
// gave up on it. Implements bus.TaskFailer.
func (s *Store) MarkTaskFailed(ctx context.Context, taskID, phase string) error {
	return s.UpdateTaskStatus(ctx, taskID, StatusFailed, phase)
}

// AddCost accumulates LLM cost onto the task's estimate.
func (s *Store) AddCost(ctx context.Context, taskID string, delta float64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET cost_estimate = cost_estimate + $2, updated_at = now() WHERE task_id = $1`,
		taskID, delta)
	if err != nil {
		return fmt.Errorf("adding cost to task %s: %w", taskID, err)
	}
	return nil
}

// RecordEvent appends one published event to the audit. Callers treat the
// write as best-effort; a duplicate event_id is a no-op so replays never
// error. Implements bus.Auditor.
func (s *Store) RecordEvent(ctx context.Context, evt *bus.Event) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO agent_events (event_id, event_type, task_id, trace_id, actor, timestamp, payload_digest)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (event_id) DO NOTHING`,
		evt.EventID, string(evt.Type), evt.TaskID, evt.TraceID, evt.Actor,
		evt.Timestamp, payloadDigest(evt.Payload))
	if err != nil {
		return fmt.Errorf("recording event %s: %w", evt.EventID, err)
	}
	return nil
}

// RecordEventBestEffort logs and swallows audit write failures. Used on
// paths where the audit must never affect correctness.
func (s *Store) RecordEventBestEffort(ctx context.Context, evt *bus.Event) {
	if err := s.RecordEvent(ctx, evt); err != nil {
		slog.Warn("Best-effort audit write failed",
			"event_id", evt.EventID, "event_type", evt.Type, "error", err)
	}
}

// LoadTaskHistory returns the chronologically ordered audit for one task.
func (s *Store) LoadTaskHistory(ctx context.Context, taskID string) ([]AuditRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT event_id, event_type, task_id, trace_id, actor, timestamp, payload_digest
		 FROM agent_events WHERE task_id = $1 ORDER BY timestamp ASC`, taskID)
	if err != nil {
		return nil, fmt.Errorf("loading history for task %s: %w", taskID, err)
	}
	defer func() { _ = rows.Close() }()

	var history []AuditRecord
	for rows.Next() {
		var r AuditRecord
		if err := rows.Scan(&r.EventID, &r.EventType, &r.TaskID, &r.TraceID,
			&r.Actor, &r.Timestamp, &r.PayloadDigest); err != nil {
			return nil, fmt.Errorf("scanning audit row: %w", err)
		}
		history = append(history, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating audit rows: %w", err)
	}
	return history, nil
}

// AlreadyHandled reports whether the agent has already recorded an output
// event for the task this event belongs to. A replay whose side-effect is
// in the audit is acknowledged without re-execution. Implements
// bus.DedupChecker.
func (s *Store) AlreadyHandled(ctx context.Context, evt *bus.Event, agent string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM agent_events WHERE task_id = $1 AND actor = $2)`,
		evt.TaskID, agent).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("dedup check for task %s agent %s: %w", evt.TaskID, agent, err)
	}
	return exists, nil
}

// payloadDigest returns the hex SHA-256 of the payload, or "" when empty.
func payloadDigest(payload []byte) string {
	if len(payload) == 0 {
		return ""
	}
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}
