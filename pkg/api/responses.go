package api

// CreateTaskResponse is the body returned by POST /api/tasks.
type CreateTaskResponse struct {
	TaskID  string `json:"task_id"`
	TraceID string `json:"trace_id"`
}

// ErrorResponse is the uniform error body.
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthCheck is one dependency's health entry.
type HealthCheck struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// HealthResponse is the body of GET /api/health.
type HealthResponse struct {
	Status  string                 `json:"status"`
	Mode    string                 `json:"mode"`
	Version string                 `json:"version"`
	Checks  map[string]HealthCheck `json:"checks"`
}
