// Package api exposes the HTTP surface: task submission and inspection, the
// sandbox endpoints, and the health probe.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	cfg "github.com/catalyst-dev/catalyst/pkg/config"
	"github.com/catalyst-dev/catalyst/pkg/sandbox"
	"github.com/catalyst-dev/catalyst/pkg/store"
)

// shutdownTimeout bounds the HTTP server's graceful drain.
const shutdownTimeout = 5 * time.Second

// TaskService starts pipeline runs.
type TaskService interface {
	ExecuteTask(ctx context.Context, prompt string) (taskID, traceID string, err error)
	Mode() cfg.Mode
}

// TaskReader loads task state and history.
type TaskReader interface {
	GetTask(ctx context.Context, taskID string) (*store.Task, error)
	LoadTaskHistory(ctx context.Context, taskID string) ([]store.AuditRecord, error)
}

// SandboxService is the executor surface behind the sandbox endpoints.
type SandboxService interface {
	RunCommand(ctx context.Context, req sandbox.RunRequest) (*sandbox.RunResult, error)
	RunPythonTests(ctx context.Context, req sandbox.PythonTestRequest) (*sandbox.TestRunResult, error)
	RunJavaScriptTests(ctx context.Context, req sandbox.JavaScriptTestRequest) (*sandbox.TestRunResult, error)
	RunLinter(ctx context.Context, req sandbox.LintRequest) (*sandbox.RunResult, error)
	Status(ctx context.Context) sandbox.Status
}

// Server wires the HTTP routes to the orchestrator, the task store, and the
// sandbox executor.
type Server struct {
	tasks    TaskService
	reader   TaskReader
	sandbox  SandboxService // nil when no container runtime is configured
	health   map[string]CheckFunc
	logger   *slog.Logger
	engine   *gin.Engine
	httpSrv  *http.Server
	httpPort string
}

// NewServer builds the server and registers all routes. healthChecks maps
// dependency names to their probes; sandboxSvc may be nil.
func NewServer(port string, tasks TaskService, reader TaskReader, sandboxSvc SandboxService, healthChecks map[string]CheckFunc, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery(), requestLogger(logger))

	s := &Server{
		tasks:    tasks,
		reader:   reader,
		sandbox:  sandboxSvc,
		health:   healthChecks,
		logger:   logger,
		engine:   engine,
		httpPort: port,
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	api := s.engine.Group("/api")

	api.POST("/tasks", s.createTaskHandler)
	api.GET("/tasks/:id", s.getTaskHandler)
	api.GET("/logs/:task_id", s.getLogsHandler)

	sb := api.Group("/sandbox")
	sb.POST("/run", s.sandboxRunHandler)
	sb.POST("/test/python", s.sandboxPythonTestHandler)
	sb.POST("/test/javascript", s.sandboxJavaScriptTestHandler)
	sb.POST("/lint", s.sandboxLintHandler)
	sb.GET("/status", s.sandboxStatusHandler)

	api.GET("/health", s.healthHandler)
}

// Engine exposes the router for tests.
func (s *Server) Engine() http.Handler { return s.engine }

// Start runs the HTTP server until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.httpSrv = &http.Server{
		Addr:              ":" + s.httpPort,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("HTTP server listening", "port", s.httpPort)
	if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests within the shutdown timeout.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	drainCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()
	return s.httpSrv.Shutdown(drainCtx)
}
