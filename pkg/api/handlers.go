package api

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/catalyst-dev/catalyst/pkg/sandbox"
	"github.com/catalyst-dev/catalyst/pkg/store"
)

// createTaskHandler handles POST /api/tasks. In event-driven mode the
// pipeline proceeds asynchronously; in sequential mode the call returns once
// the pipeline has reached a terminal state.
func (s *Server) createTaskHandler(c *gin.Context) {
	var req CreateTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "prompt is required"})
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "prompt must not be blank"})
		return
	}

	taskID, traceID, err := s.tasks.ExecuteTask(c.Request.Context(), req.Prompt)
	if err != nil {
		s.mapError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, CreateTaskResponse{TaskID: taskID, TraceID: traceID})
}

// getTaskHandler handles GET /api/tasks/:id.
func (s *Server) getTaskHandler(c *gin.Context) {
	task, err := s.reader.GetTask(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.mapError(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

// getLogsHandler handles GET /api/logs/:task_id, returning the task's
// chronologically ordered event audit.
func (s *Server) getLogsHandler(c *gin.Context) {
	history, err := s.reader.LoadTaskHistory(c.Request.Context(), c.Param("task_id"))
	if err != nil {
		s.mapError(c, err)
		return
	}
	if history == nil {
		history = []store.AuditRecord{}
	}
	c.JSON(http.StatusOK, history)
}

// requireSandbox rejects sandbox calls on deployments without a container
// runtime.
func (s *Server) requireSandbox(c *gin.Context) bool {
	if s.sandbox == nil {
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: "sandbox is not configured in this deployment"})
		return false
	}
	return true
}

// sandboxRunHandler handles POST /api/sandbox/run.
func (s *Server) sandboxRunHandler(c *gin.Context) {
	if !s.requireSandbox(c) {
		return
	}
	var req sandbox.RunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body: " + err.Error()})
		return
	}
	if strings.TrimSpace(req.Command) == "" {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "command is required"})
		return
	}

	result, err := s.sandbox.RunCommand(c.Request.Context(), req)
	if err != nil {
		s.mapError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// sandboxPythonTestHandler handles POST /api/sandbox/test/python.
func (s *Server) sandboxPythonTestHandler(c *gin.Context) {
	if !s.requireSandbox(c) {
		return
	}
	var req sandbox.PythonTestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body: " + err.Error()})
		return
	}
	if len(req.TestFiles) == 0 {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "test_files is required"})
		return
	}

	result, err := s.sandbox.RunPythonTests(c.Request.Context(), req)
	if err != nil {
		s.mapError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// sandboxJavaScriptTestHandler handles POST /api/sandbox/test/javascript.
func (s *Server) sandboxJavaScriptTestHandler(c *gin.Context) {
	if !s.requireSandbox(c) {
		return
	}
	var req sandbox.JavaScriptTestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body: " + err.Error()})
		return
	}
	if len(req.TestFiles) == 0 {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "test_files is required"})
		return
	}

	result, err := s.sandbox.RunJavaScriptTests(c.Request.Context(), req)
	if err != nil {
		s.mapError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// sandboxLintHandler handles POST /api/sandbox/lint.
func (s *Server) sandboxLintHandler(c *gin.Context) {
	if !s.requireSandbox(c) {
		return
	}
	var req sandbox.LintRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body: " + err.Error()})
		return
	}
	if len(req.Files) == 0 {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "files is required"})
		return
	}

	result, err := s.sandbox.RunLinter(c.Request.Context(), req)
	if err != nil {
		s.mapError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// sandboxStatusHandler handles GET /api/sandbox/status.
func (s *Server) sandboxStatusHandler(c *gin.Context) {
	if !s.requireSandbox(c) {
		return
	}
	c.JSON(http.StatusOK, s.sandbox.Status(c.Request.Context()))
}
