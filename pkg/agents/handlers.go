package agents

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/catalyst-dev/catalyst/pkg/bus"
	"github.com/catalyst-dev/catalyst/pkg/llm"
	"github.com/catalyst-dev/catalyst/pkg/sandbox"
	"github.com/catalyst-dev/catalyst/pkg/store"
)

// maxCapturedOutput bounds the test output embedded in event payloads.
const maxCapturedOutput = 16 * 1024

// TaskStore is the slice of the task store the handlers need.
type TaskStore interface {
	GetTask(ctx context.Context, taskID string) (*store.Task, error)
	UpdateTaskStatus(ctx context.Context, taskID string, status store.TaskStatus, phase string) error
}

// Publisher publishes one event. Satisfied by the broker publisher in
// event-driven mode and by an in-process bus in sequential mode.
type Publisher interface {
	Publish(ctx context.Context, evt *bus.Event) error
}

// TestRunner is the slice of the sandbox executor the tester needs.
type TestRunner interface {
	RunPythonTests(ctx context.Context, req sandbox.PythonTestRequest) (*sandbox.TestRunResult, error)
}

// Deps carries the collaborators shared by all stage handlers. Sandbox may
// be nil; the tester then skips execution and reports a pass with a note.
type Deps struct {
	Store     TaskStore
	Publisher Publisher
	LLM       llm.Client
	Sandbox   TestRunner
	Logger    *slog.Logger
}

func (d *Deps) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}

// Pipeline returns the dispatch table mapping each event type to its stage
// handler. Workers and the sequential orchestrator share this table.
func Pipeline(d *Deps) map[bus.EventType]bus.HandlerFunc {
	return map[bus.EventType]bus.HandlerFunc{
		bus.TypeTaskInitiated:        d.HandlePlan,
		bus.TypePlanCreated:          d.HandleArchitecture,
		bus.TypeArchitectureProposed: d.HandleCode,
		bus.TypeCodePROpened:         d.HandleTest,
		bus.TypeTestResults:          d.HandleReview,
		bus.TypeReviewDecision:       d.HandleDeploy,
		bus.TypeDeployComplete:       d.HandleCompletion,
	}
}

// Dispatch wraps a dispatch table as a single handler. Event types without
// an entry are acknowledged and logged; the topology should not route them
// here in the first place.
func Dispatch(table map[bus.EventType]bus.HandlerFunc, logger *slog.Logger) bus.HandlerFunc {
	return func(ctx context.Context, evt *bus.Event) (bus.Outcome, error) {
		handler, ok := table[evt.Type]
		if !ok {
			logger.Warn("No handler for event type, acknowledging",
				"event_type", evt.Type, "event_id", evt.EventID)
			return bus.OutcomeOK, nil
		}
		return handler(ctx, evt)
	}
}

// beginStage loads the event's task and records the agent as the current
// phase. A nil task in the return means the caller should stop and return
// the outcome as-is: the task is missing (fatal), the store is unavailable
// (retry), or the task is no longer running (ack without work).
func (d *Deps) beginStage(ctx context.Context, evt *bus.Event, agent string) (*store.Task, bus.Outcome, error) {
	task, err := d.Store.GetTask(ctx, evt.TaskID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, bus.OutcomeFatal, fmt.Errorf("task %s not found", evt.TaskID)
	}
	if err != nil {
		return nil, bus.OutcomeRetry, fmt.Errorf("loading task %s: %w", evt.TaskID, err)
	}
	if task.Status != store.StatusRunning {
		d.logger().Info("Task is not running, skipping event",
			"task_id", task.TaskID, "status", task.Status, "agent", agent)
		return nil, bus.OutcomeOK, nil
	}
	if err := d.Store.UpdateTaskStatus(ctx, task.TaskID, store.StatusRunning, agent); err != nil {
		return nil, bus.OutcomeRetry, fmt.Errorf("recording phase %s: %w", agent, err)
	}
	return task, bus.OutcomeOK, nil
}

// generate consults the LLM, retrying once in-handler. A second failure is
// returned to the caller, which reports a retry outcome.
func (d *Deps) generate(ctx context.Context, agent, prompt string) (string, error) {
	out, err := d.LLM.Generate(ctx, prompt)
	if err == nil {
		return out, nil
	}
	d.logger().Warn("LLM call failed, retrying once", "agent", agent, "error", err)
	out, retryErr := d.LLM.Generate(ctx, prompt)
	if retryErr != nil {
		return "", fmt.Errorf("llm call for %s failed twice: %w", agent, retryErr)
	}
	return out, nil
}

// publishNext emits the stage's single downstream event.
func (d *Deps) publishNext(ctx context.Context, evt *bus.Event, eventType bus.EventType, agent string, payload any) (bus.Outcome, error) {
	raw, err := marshalPayload(payload)
	if err != nil {
		return bus.OutcomeFatal, err
	}
	next := bus.NewEvent(eventType, evt.TraceID, evt.TaskID, agent, raw)
	if err := d.Publisher.Publish(ctx, next); err != nil {
		return bus.OutcomeRetry, fmt.Errorf("publishing %s: %w", eventType, err)
	}
	return bus.OutcomeOK, nil
}

// HandlePlan consumes task.initiated and produces plan.created.
func (d *Deps) HandlePlan(ctx context.Context, evt *bus.Event) (bus.Outcome, error) {
	task, outcome, err := d.beginStage(ctx, evt, AgentPlanner)
	if task == nil {
		return outcome, err
	}

	var payload TaskPayload
	if len(evt.Payload) > 0 {
		if err := decodePayload(evt.Payload, &payload); err != nil {
			return bus.OutcomeFatal, err
		}
	}
	prompt := payload.Prompt
	if prompt == "" {
		prompt = task.Prompt
	}

	plan, err := d.generate(ctx, AgentPlanner, plannerPrompt(prompt))
	if err != nil {
		return bus.OutcomeRetry, err
	}
	return d.publishNext(ctx, evt, bus.TypePlanCreated, AgentPlanner, PlanPayload{Plan: plan})
}

// HandleArchitecture consumes plan.created and produces architecture.proposed.
func (d *Deps) HandleArchitecture(ctx context.Context, evt *bus.Event) (bus.Outcome, error) {
	task, outcome, err := d.beginStage(ctx, evt, AgentArchitect)
	if task == nil {
		return outcome, err
	}

	var payload PlanPayload
	if err := decodePayload(evt.Payload, &payload); err != nil {
		return bus.OutcomeFatal, err
	}

	arch, err := d.generate(ctx, AgentArchitect, architectPrompt(task.Prompt, payload.Plan))
	if err != nil {
		return bus.OutcomeRetry, err
	}
	return d.publishNext(ctx, evt, bus.TypeArchitectureProposed, AgentArchitect,
		ArchitecturePayload{Architecture: arch})
}

// HandleCode consumes architecture.proposed and produces code.pr.opened.
func (d *Deps) HandleCode(ctx context.Context, evt *bus.Event) (bus.Outcome, error) {
	task, outcome, err := d.beginStage(ctx, evt, AgentCoder)
	if task == nil {
		return outcome, err
	}

	var payload ArchitecturePayload
	if err := decodePayload(evt.Payload, &payload); err != nil {
		return bus.OutcomeFatal, err
	}

	out, err := d.generate(ctx, AgentCoder, coderPrompt(task.Prompt, payload.Architecture))
	if err != nil {
		return bus.OutcomeRetry, err
	}

	files := ParseFileBlocks(out, "main.py")
	if len(files) == 0 {
		return bus.OutcomeRetry, fmt.Errorf("coder produced no files for task %s", task.TaskID)
	}
	sources, tests := SplitTestFiles(files)

	return d.publishNext(ctx, evt, bus.TypeCodePROpened, AgentCoder, CodePayload{
		Files:     sources,
		TestFiles: tests,
		PRRef:     "pr/" + shortID(task.TaskID),
	})
}

// HandleTest consumes code.pr.opened, runs the generated tests in the
// sandbox, and produces test.results. Without test files or without a
// sandbox it reports a pass with a note instead of blocking the pipeline.
func (d *Deps) HandleTest(ctx context.Context, evt *bus.Event) (bus.Outcome, error) {
	task, outcome, err := d.beginStage(ctx, evt, AgentTester)
	if task == nil {
		return outcome, err
	}

	var payload CodePayload
	if err := decodePayload(evt.Payload, &payload); err != nil {
		return bus.OutcomeFatal, err
	}

	results := TestResultsPayload{Passed: true}
	switch {
	case len(payload.TestFiles) == 0:
		results.Output = "no test files in change, skipping test run"
	case d.Sandbox == nil:
		results.Output = "sandbox unavailable in this deployment, skipping test run"
	default:
		run, err := d.Sandbox.RunPythonTests(ctx, sandbox.PythonTestRequest{
			SourceFiles: payload.Files,
			TestFiles:   payload.TestFiles,
		})
		if err != nil {
			return bus.OutcomeRetry, fmt.Errorf("sandbox test run: %w", err)
		}
		results.Passed = run.ExitCode == 0 && !run.TimedOut
		results.Stats = run.Stats
		results.Output = truncate(run.Stdout+run.Stderr, maxCapturedOutput)
	}

	return d.publishNext(ctx, evt, bus.TypeTestResults, AgentTester, results)
}

// HandleReview consumes test.results and produces review.decision. Failed
// tests are rejected without consulting the LLM.
func (d *Deps) HandleReview(ctx context.Context, evt *bus.Event) (bus.Outcome, error) {
	task, outcome, err := d.beginStage(ctx, evt, AgentReviewer)
	if task == nil {
		return outcome, err
	}

	var payload TestResultsPayload
	if err := decodePayload(evt.Payload, &payload); err != nil {
		return bus.OutcomeFatal, err
	}

	review := ReviewPayload{}
	if !payload.Passed {
		review.Decision = DecisionReject
		review.Comments = "tests failed: " + payload.Stats.Summary()
	} else {
		out, err := d.generate(ctx, AgentReviewer,
			reviewerPrompt(task.Prompt, payload.Output, payload.Passed))
		if err != nil {
			return bus.OutcomeRetry, err
		}
		review.Decision, review.Comments = ParseReviewVerdict(out)
	}

	return d.publishNext(ctx, evt, bus.TypeReviewDecision, AgentReviewer, review)
}

// HandleDeploy consumes review.decision. An approval produces
// deploy.complete with the artefact reference; a rejection is terminal, so
// the deployer marks the task failed and emits deploy.failed for the audit.
func (d *Deps) HandleDeploy(ctx context.Context, evt *bus.Event) (bus.Outcome, error) {
	task, outcome, err := d.beginStage(ctx, evt, AgentDeployer)
	if task == nil {
		return outcome, err
	}

	var payload ReviewPayload
	if err := decodePayload(evt.Payload, &payload); err != nil {
		return bus.OutcomeFatal, err
	}

	if payload.Decision == DecisionReject {
		// deploy.failed has no queue binding, so the terminal transition
		// cannot be left to the completion handler.
		if err := d.Store.UpdateTaskStatus(ctx, task.TaskID, store.StatusFailed, AgentDeployer); err != nil {
			return bus.OutcomeRetry, fmt.Errorf("marking task %s failed: %w", task.TaskID, err)
		}
		return d.publishNext(ctx, evt, bus.TypeDeployFailed, AgentDeployer, DeployPayload{
			Reason: "change rejected by reviewer: " + payload.Comments,
		})
	}

	return d.publishNext(ctx, evt, bus.TypeDeployComplete, AgentDeployer, DeployPayload{
		ArtifactRef: "oci://catalyst/tasks/" + task.TaskID + ":latest",
	})
}

// HandleCompletion consumes deploy.complete on the orchestrator queue and
// marks the task completed. The transition is idempotent, so replays ack
// cleanly.
func (d *Deps) HandleCompletion(ctx context.Context, evt *bus.Event) (bus.Outcome, error) {
	if evt.Type != bus.TypeDeployComplete {
		d.logger().Info("Ignoring non-deploy completion event", "event_type", evt.Type)
		return bus.OutcomeOK, nil
	}

	err := d.Store.UpdateTaskStatus(ctx, evt.TaskID, store.StatusCompleted, "complete")
	if errors.Is(err, store.ErrNotFound) {
		return bus.OutcomeFatal, fmt.Errorf("task %s not found", evt.TaskID)
	}
	if err != nil {
		return bus.OutcomeRetry, fmt.Errorf("marking task %s completed: %w", evt.TaskID, err)
	}
	d.logger().Info("Task completed", "task_id", evt.TaskID, "trace_id", evt.TraceID)
	return bus.OutcomeOK, nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "\n... (output truncated)"
}
