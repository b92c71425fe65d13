package sandbox

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRuntime records every engine call and returns canned output. Create
// snapshots the workspace contents so tests can assert on materialised files
// after the executor has deleted the directory.
type fakeRuntime struct {
	mu sync.Mutex

	pingErr     error
	hasImage    bool
	hasImageErr error
	createErr   error
	startErr    error
	waitCode    int64
	waitErr     error
	holdWait    bool
	stdout      string
	stderr      string

	created      []ContainerSpec
	started      []string
	killed       []string
	removed      []string
	workspaceDir string
	seenFiles    map[string]string

	killCh chan struct{}
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{killCh: make(chan struct{})}
}

func (f *fakeRuntime) Ping(ctx context.Context) error { return f.pingErr }

func (f *fakeRuntime) HasImage(ctx context.Context, img string) (bool, error) {
	return f.hasImage, f.hasImageErr
}

func (f *fakeRuntime) Create(ctx context.Context, spec ContainerSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return "", f.createErr
	}
	f.created = append(f.created, spec)
	f.workspaceDir = spec.WorkspacePath
	f.seenFiles = map[string]string{}
	_ = filepath.WalkDir(spec.WorkspacePath, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, _ := filepath.Rel(spec.WorkspacePath, path)
		content, _ := os.ReadFile(path)
		f.seenFiles[rel] = string(content)
		return nil
	})
	return "container-1", nil
}

func (f *fakeRuntime) Start(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.started = append(f.started, id)
	return nil
}

func (f *fakeRuntime) Wait(ctx context.Context, id string) (int64, error) {
	if f.holdWait {
		select {
		case <-f.killCh:
			return 137, nil
		case <-ctx.Done():
			return -1, ctx.Err()
		}
	}
	return f.waitCode, f.waitErr
}

func (f *fakeRuntime) Logs(ctx context.Context, id string) (string, string, error) {
	return f.stdout, f.stderr, nil
}

func (f *fakeRuntime) Kill(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.killed = append(f.killed, id)
	select {
	case <-f.killCh:
	default:
		close(f.killCh)
	}
	return nil
}

func (f *fakeRuntime) Remove(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, id)
	return nil
}

func newTestExecutor(rt ContainerRuntime) *Executor {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewExecutor(rt, Config{Image: "catalyst-sandbox:latest"}, logger)
}

func TestRunCommandCapturesOutput(t *testing.T) {
	rt := newFakeRuntime()
	rt.stdout = "hello\n"
	rt.waitCode = 0

	result, err := newTestExecutor(rt).RunCommand(context.Background(), RunRequest{
		Files:   map[string]string{"main.py": "print('hello')"},
		Command: "python main.py",
		Env:     map[string]string{"B": "2", "A": "1"},
	})
	require.NoError(t, err)

	assert.Equal(t, "hello\n", result.Stdout)
	assert.Equal(t, 0, result.ExitCode)
	assert.False(t, result.TimedOut)

	require.Len(t, rt.created, 1)
	spec := rt.created[0]
	assert.Equal(t, "catalyst-sandbox:latest", spec.Image)
	assert.Equal(t, []string{"sh", "-c", "python main.py"}, spec.Cmd)
	assert.Equal(t, []string{"A=1", "B=2"}, spec.Env)
	assert.Equal(t, int64(512*1024*1024), spec.MemoryBytes)
	assert.Equal(t, int64(50000), spec.CPUQuota)

	assert.Equal(t, map[string]string{"main.py": "print('hello')"}, rt.seenFiles)
}

func TestRunCommandNonZeroExitIsNotAnError(t *testing.T) {
	rt := newFakeRuntime()
	rt.waitCode = 2
	rt.stderr = "SyntaxError: invalid syntax\n"

	result, err := newTestExecutor(rt).RunCommand(context.Background(), RunRequest{Command: "python broken.py"})
	require.NoError(t, err)
	assert.Equal(t, 2, result.ExitCode)
	assert.Contains(t, result.Stderr, "SyntaxError")
}

func TestRunCommandAlwaysCleansUp(t *testing.T) {
	rt := newFakeRuntime()
	rt.waitCode = 1

	_, err := newTestExecutor(rt).RunCommand(context.Background(), RunRequest{
		Files:   map[string]string{"a.txt": "x"},
		Command: "false",
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"container-1"}, rt.removed)
	_, statErr := os.Stat(rt.workspaceDir)
	assert.True(t, os.IsNotExist(statErr), "workspace directory should be deleted")
}

func TestRunCommandCleansUpOnStartFailure(t *testing.T) {
	rt := newFakeRuntime()
	rt.startErr = errors.New("engine exploded")

	_, err := newTestExecutor(rt).RunCommand(context.Background(), RunRequest{
		Files:   map[string]string{"a.txt": "x"},
		Command: "true",
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRuntimeUnavailable)

	assert.Equal(t, []string{"container-1"}, rt.removed)
	_, statErr := os.Stat(rt.workspaceDir)
	assert.True(t, os.IsNotExist(statErr))
}

func TestRunCommandTimeoutKillsContainer(t *testing.T) {
	rt := newFakeRuntime()
	rt.holdWait = true

	start := time.Now()
	result, err := newTestExecutor(rt).RunCommand(context.Background(), RunRequest{
		Command:    "sleep 9999",
		TimeoutSec: 1,
	})
	require.NoError(t, err)

	assert.Less(t, time.Since(start), 3*time.Second)
	assert.True(t, result.TimedOut)
	assert.NotEqual(t, 0, result.ExitCode)
	assert.Contains(t, result.Stderr, "timed out")
	assert.Equal(t, []string{"container-1"}, rt.killed)
	assert.Equal(t, []string{"container-1"}, rt.removed)
}

func TestRunCommandRejectsEscapingPaths(t *testing.T) {
	for _, path := range []string{"../evil.py", "/etc/passwd", "a/../../evil"} {
		rt := newFakeRuntime()
		_, err := newTestExecutor(rt).RunCommand(context.Background(), RunRequest{
			Files:   map[string]string{path: "x"},
			Command: "true",
		})
		assert.Error(t, err, "path %q should be rejected", path)
		assert.Empty(t, rt.created, "no container should be created for %q", path)
	}
}

func TestRunCommandRequiresCommand(t *testing.T) {
	_, err := newTestExecutor(newFakeRuntime()).RunCommand(context.Background(), RunRequest{Command: "  "})
	assert.Error(t, err)
}

func TestRunCommandInstallsRequirementsFirst(t *testing.T) {
	rt := newFakeRuntime()
	_, err := newTestExecutor(rt).RunCommand(context.Background(), RunRequest{
		Command:      "python main.py",
		Requirements: []string{"requests==2.32.0", "flask"},
	})
	require.NoError(t, err)

	require.Len(t, rt.created, 1)
	script := rt.created[0].Cmd[2]
	assert.Equal(t, "pip install --quiet 'requests==2.32.0' 'flask' && python main.py", script)
}

func TestRunPythonTestsParsesSummary(t *testing.T) {
	rt := newFakeRuntime()
	rt.stdout = "collected 1 item\n\ntest_math.py .                     [100%]\n\n=== 1 passed in 0.02s ===\n"

	result, err := newTestExecutor(rt).RunPythonTests(context.Background(), PythonTestRequest{
		TestFiles: map[string]string{"test_math.py": "def test_add():\n    assert 1 + 1 == 2\n"},
	})
	require.NoError(t, err)

	assert.Equal(t, 0, result.ExitCode)
	assert.Contains(t, result.Stdout, "1 passed")
	require.NotNil(t, result.Stats)
	assert.Equal(t, 1, result.Stats.Passed)
	assert.Equal(t, 0, result.Stats.Failed)

	require.Len(t, rt.created, 1)
	assert.Contains(t, rt.created[0].Cmd[2], "pytest")
}

func TestRunPythonTestsCoverageFlag(t *testing.T) {
	rt := newFakeRuntime()
	_, err := newTestExecutor(rt).RunPythonTests(context.Background(), PythonTestRequest{
		TestFiles: map[string]string{"test_a.py": "def test(): pass"},
		Coverage:  true,
	})
	require.NoError(t, err)
	assert.Contains(t, rt.created[0].Cmd[2], "--cov=.")
}

func TestRunPythonTestsUnparseableOutput(t *testing.T) {
	rt := newFakeRuntime()
	rt.waitCode = 2
	rt.stderr = "pytest: command not found\n"

	result, err := newTestExecutor(rt).RunPythonTests(context.Background(), PythonTestRequest{
		TestFiles: map[string]string{"test_a.py": ""},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, result.ExitCode)
	assert.Nil(t, result.Stats)
}

func TestRunJavaScriptTestsParsesSummary(t *testing.T) {
	rt := newFakeRuntime()
	rt.stdout = "PASS ./sum.test.js\n\nTests:       1 failed, 2 passed, 3 total\n"

	result, err := newTestExecutor(rt).RunJavaScriptTests(context.Background(), JavaScriptTestRequest{
		TestFiles:       map[string]string{"sum.test.js": "test('x', () => {})"},
		PackageManifest: `{"name":"t","devDependencies":{"jest":"^29"}}`,
	})
	require.NoError(t, err)

	require.NotNil(t, result.Stats)
	assert.Equal(t, 2, result.Stats.Passed)
	assert.Equal(t, 1, result.Stats.Failed)

	script := rt.created[0].Cmd[2]
	assert.Contains(t, script, "npm install")
	assert.Contains(t, script, "jest")
	assert.Equal(t, `{"name":"t","devDependencies":{"jest":"^29"}}`, rt.seenFiles["package.json"])
}

func TestRunLinterDefaultsToRuff(t *testing.T) {
	rt := newFakeRuntime()
	_, err := newTestExecutor(rt).RunLinter(context.Background(), LintRequest{
		Files: map[string]string{"main.py": "x=1"},
	})
	require.NoError(t, err)
	assert.Equal(t, "ruff check .", rt.created[0].Cmd[2])
}

func TestStatusReportsRuntimeAndImage(t *testing.T) {
	rt := newFakeRuntime()
	rt.hasImage = true

	st := newTestExecutor(rt).Status(context.Background())
	assert.True(t, st.ContainerRuntimeOK)
	assert.True(t, st.ImageReady)
	assert.Equal(t, int64(512*1024*1024), st.Limits.MemoryBytes)
	assert.Equal(t, 300, st.Limits.DefaultTimeoutSec)
}

func TestStatusRuntimeDown(t *testing.T) {
	rt := newFakeRuntime()
	rt.pingErr = errors.New("cannot connect to the docker daemon")

	st := newTestExecutor(rt).Status(context.Background())
	assert.False(t, st.ContainerRuntimeOK)
	assert.False(t, st.ImageReady)
}
