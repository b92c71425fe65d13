package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

const (
	defaultMemoryLimitBytes = 512 * 1024 * 1024
	defaultCPUQuota         = 50000 // half a core out of the 100ms period
	defaultTimeout          = 300 * time.Second

	// killedExitCode is reported when a container is killed before its
	// exit code could be observed.
	killedExitCode = 137
)

// Config holds the executor's resource policy.
type Config struct {
	Image            string
	MemoryLimitBytes int64
	CPUQuota         int64
	DefaultTimeout   time.Duration
	NetworkMode      string
}

// Executor runs commands inside ephemeral sandbox containers. Callers may
// invoke it concurrently; each call owns its own workspace and container.
type Executor struct {
	runtime ContainerRuntime
	cfg     Config
	logger  *slog.Logger
}

// NewExecutor creates an executor, filling unset config fields with the
// default resource caps.
func NewExecutor(runtime ContainerRuntime, cfg Config, logger *slog.Logger) *Executor {
	if cfg.MemoryLimitBytes <= 0 {
		cfg.MemoryLimitBytes = defaultMemoryLimitBytes
	}
	if cfg.CPUQuota <= 0 {
		cfg.CPUQuota = defaultCPUQuota
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = defaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{runtime: runtime, cfg: cfg, logger: logger}
}

// RunRequest describes one sandbox execution. Files maps workspace-relative
// paths to contents. Requirements are pip package specs installed before the
// command runs.
type RunRequest struct {
	Files        map[string]string `json:"files"`
	Command      string            `json:"command"`
	TimeoutSec   int               `json:"timeout"`
	Env          map[string]string `json:"env"`
	Requirements []string          `json:"requirements"`
}

// RunResult is the captured outcome of one sandbox execution.
type RunResult struct {
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	ExitCode   int    `json:"exit_code"`
	DurationMS int64  `json:"duration_ms"`
	TimedOut   bool   `json:"timed_out"`
}

// RunCommand materialises the request's files into a fresh temporary
// workspace, runs the command in an ephemeral container with the workspace
// mounted at the fixed in-container path, and captures output and exit code.
// The container and the workspace are removed on every path out of this
// function. Runtime-level failures (engine unreachable, container cannot be
// created) return an error; command failures are reported in the result.
func (e *Executor) RunCommand(ctx context.Context, req RunRequest) (*RunResult, error) {
	if strings.TrimSpace(req.Command) == "" {
		return nil, fmt.Errorf("sandbox command must not be empty")
	}

	workspace, err := os.MkdirTemp("", "catalyst-sandbox-")
	if err != nil {
		return nil, fmt.Errorf("creating sandbox workspace: %w", err)
	}
	defer func() {
		if rmErr := os.RemoveAll(workspace); rmErr != nil {
			e.logger.Warn("failed to remove sandbox workspace", "path", workspace, "error", rmErr)
		}
	}()

	if err := materialize(workspace, req.Files); err != nil {
		return nil, err
	}

	timeout := e.cfg.DefaultTimeout
	if req.TimeoutSec > 0 {
		timeout = time.Duration(req.TimeoutSec) * time.Second
	}

	// Cleanup must run even after the caller's context is cancelled.
	cleanupCtx := context.WithoutCancel(ctx)

	id, err := e.runtime.Create(ctx, ContainerSpec{
		Image:         e.cfg.Image,
		Cmd:           []string{"sh", "-c", buildScript(req)},
		Env:           envSlice(req.Env),
		WorkspacePath: workspace,
		MemoryBytes:   e.cfg.MemoryLimitBytes,
		CPUQuota:      e.cfg.CPUQuota,
		NetworkMode:   e.cfg.NetworkMode,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRuntimeUnavailable, err)
	}
	defer func() {
		if rmErr := e.runtime.Remove(cleanupCtx, id); rmErr != nil {
			e.logger.Warn("failed to remove sandbox container", "container_id", id, "error", rmErr)
		}
	}()

	start := time.Now()
	if err := e.runtime.Start(ctx, id); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRuntimeUnavailable, err)
	}

	exitCode, timedOut, err := e.awaitExit(ctx, cleanupCtx, id, timeout)
	if err != nil {
		return nil, err
	}

	stdout, stderr, err := e.runtime.Logs(cleanupCtx, id)
	if err != nil {
		e.logger.Warn("failed to collect sandbox logs", "container_id", id, "error", err)
	}
	if timedOut {
		stderr += fmt.Sprintf("\nsandbox: command timed out after %s and was killed", timeout)
	}

	return &RunResult{
		Stdout:     stdout,
		Stderr:     stderr,
		ExitCode:   exitCode,
		DurationMS: time.Since(start).Milliseconds(),
		TimedOut:   timedOut,
	}, nil
}

// awaitExit waits for the container to stop, killing it when the timeout or
// the caller's deadline expires first.
func (e *Executor) awaitExit(ctx, cleanupCtx context.Context, id string, timeout time.Duration) (int, bool, error) {
	type waitOutcome struct {
		code int64
		err  error
	}
	waitCh := make(chan waitOutcome, 1)
	go func() {
		code, err := e.runtime.Wait(cleanupCtx, id)
		waitCh <- waitOutcome{code: code, err: err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case out := <-waitCh:
		if out.err != nil {
			return 0, false, fmt.Errorf("%w: %v", ErrRuntimeUnavailable, out.err)
		}
		return int(out.code), false, nil
	case <-timer.C:
	case <-ctx.Done():
	}

	if killErr := e.runtime.Kill(cleanupCtx, id); killErr != nil {
		e.logger.Warn("failed to kill timed-out sandbox container", "container_id", id, "error", killErr)
	}

	exitCode := killedExitCode
	select {
	case out := <-waitCh:
		if out.err == nil {
			exitCode = int(out.code)
		}
	case <-time.After(5 * time.Second):
	}
	if exitCode == 0 {
		// A killed container must never look successful.
		exitCode = killedExitCode
	}

	if ctx.Err() != nil {
		return 0, false, fmt.Errorf("sandbox execution cancelled: %w", ctx.Err())
	}
	return exitCode, true, nil
}

// PythonTestRequest runs pytest over the provided files.
type PythonTestRequest struct {
	TestFiles    map[string]string `json:"test_files"`
	SourceFiles  map[string]string `json:"source_files"`
	Requirements []string          `json:"requirements"`
	ExtraArgs    []string          `json:"extra_args"`
	Coverage     bool              `json:"coverage"`
	TimeoutSec   int               `json:"timeout"`
}

// TestRunResult pairs the raw execution output with parsed runner stats.
// Stats is nil when the runner summary could not be parsed.
type TestRunResult struct {
	RunResult
	Stats *TestStats `json:"stats,omitempty"`
}

// RunPythonTests runs pytest inside the sandbox and parses its summary line.
func (e *Executor) RunPythonTests(ctx context.Context, req PythonTestRequest) (*TestRunResult, error) {
	args := append([]string{}, req.ExtraArgs...)
	if req.Coverage {
		args = append(args, "--cov=.", "--cov-report=term")
	}
	cmd := "python -m pytest " + strings.Join(args, " ")

	result, err := e.RunCommand(ctx, RunRequest{
		Files:        mergeFiles(req.SourceFiles, req.TestFiles),
		Command:      strings.TrimSpace(cmd),
		TimeoutSec:   req.TimeoutSec,
		Requirements: req.Requirements,
	})
	if err != nil {
		return nil, err
	}

	out := &TestRunResult{RunResult: *result}
	if stats, ok := ParsePytestSummary(result.Stdout + "\n" + result.Stderr); ok {
		out.Stats = stats
	}
	return out, nil
}

// JavaScriptTestRequest runs a JS test command over the provided files.
type JavaScriptTestRequest struct {
	TestFiles       map[string]string `json:"test_files"`
	SourceFiles     map[string]string `json:"source_files"`
	PackageManifest string            `json:"package_manifest"`
	TestCommand     string            `json:"test_command"`
	TimeoutSec      int               `json:"timeout"`
}

// RunJavaScriptTests installs the package manifest's dependencies and runs
// the test command, parsing the jest-style summary from its output.
func (e *Executor) RunJavaScriptTests(ctx context.Context, req JavaScriptTestRequest) (*TestRunResult, error) {
	files := mergeFiles(req.SourceFiles, req.TestFiles)
	if req.PackageManifest != "" {
		if files == nil {
			files = map[string]string{}
		}
		files["package.json"] = req.PackageManifest
	}

	testCmd := req.TestCommand
	if testCmd == "" {
		testCmd = "npx jest"
	}
	cmd := testCmd
	if req.PackageManifest != "" {
		cmd = "npm install --no-audit --no-fund && " + testCmd
	}

	result, err := e.RunCommand(ctx, RunRequest{
		Files:      files,
		Command:    cmd,
		TimeoutSec: req.TimeoutSec,
	})
	if err != nil {
		return nil, err
	}

	out := &TestRunResult{RunResult: *result}
	if stats, ok := ParseJestSummary(result.Stdout + "\n" + result.Stderr); ok {
		out.Stats = stats
	}
	return out, nil
}

// LintRequest runs a linter over the provided files.
type LintRequest struct {
	Files      map[string]string `json:"files"`
	Linter     string            `json:"linter"`
	ExtraArgs  []string          `json:"extra_args"`
	TimeoutSec int               `json:"timeout"`
}

// RunLinter invokes the requested linter (default ruff) against the
// workspace root.
func (e *Executor) RunLinter(ctx context.Context, req LintRequest) (*RunResult, error) {
	linter := req.Linter
	if linter == "" {
		linter = "ruff"
	}
	parts := []string{linter}
	if linter == "ruff" {
		parts = append(parts, "check")
	}
	parts = append(parts, req.ExtraArgs...)
	parts = append(parts, ".")

	return e.RunCommand(ctx, RunRequest{
		Files:      req.Files,
		Command:    strings.Join(parts, " "),
		TimeoutSec: req.TimeoutSec,
	})
}

// Limits reports the executor's effective resource caps.
type Limits struct {
	MemoryBytes       int64 `json:"memory_bytes"`
	CPUQuota          int64 `json:"cpu_quota"`
	DefaultTimeoutSec int   `json:"default_timeout_sec"`
}

// Status reports the health of the container runtime and the sandbox image.
type Status struct {
	ContainerRuntimeOK bool   `json:"container_runtime_ok"`
	ImageReady         bool   `json:"image_ready"`
	Limits             Limits `json:"limits"`
}

// Status checks runtime reachability and local image presence.
func (e *Executor) Status(ctx context.Context) Status {
	st := Status{
		Limits: Limits{
			MemoryBytes:       e.cfg.MemoryLimitBytes,
			CPUQuota:          e.cfg.CPUQuota,
			DefaultTimeoutSec: int(e.cfg.DefaultTimeout / time.Second),
		},
	}
	if err := e.runtime.Ping(ctx); err != nil {
		e.logger.Warn("container runtime unreachable", "error", err)
		return st
	}
	st.ContainerRuntimeOK = true

	ready, err := e.runtime.HasImage(ctx, e.cfg.Image)
	if err != nil {
		e.logger.Warn("failed to check sandbox image", "image", e.cfg.Image, "error", err)
		return st
	}
	st.ImageReady = ready
	return st
}

// materialize writes the request files under the workspace, rejecting paths
// that would escape it.
func materialize(workspace string, files map[string]string) error {
	for name, content := range files {
		clean := filepath.Clean(name)
		if clean == "." || filepath.IsAbs(clean) ||
			clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
			return fmt.Errorf("invalid workspace file path %q", name)
		}
		path := filepath.Join(workspace, clean)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return fmt.Errorf("creating workspace directory for %q: %w", name, err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			return fmt.Errorf("writing workspace file %q: %w", name, err)
		}
	}
	return nil
}

// buildScript prefixes the command with a pip install of the requested
// requirements.
func buildScript(req RunRequest) string {
	if len(req.Requirements) == 0 {
		return req.Command
	}
	quoted := make([]string, 0, len(req.Requirements))
	for _, r := range req.Requirements {
		quoted = append(quoted, shellQuote(r))
	}
	return "pip install --quiet " + strings.Join(quoted, " ") + " && " + req.Command
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// envSlice converts the env map to the engine's KEY=VALUE form, sorted for
// deterministic container specs.
func envSlice(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

func mergeFiles(sets ...map[string]string) map[string]string {
	out := map[string]string{}
	for _, set := range sets {
		for k, v := range set {
			out[k] = v
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
