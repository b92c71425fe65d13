package api

// CreateTaskRequest is the body of POST /api/tasks.
type CreateTaskRequest struct {
	Prompt string `json:"prompt" binding:"required"`
}

// Sandbox request bodies reuse the executor's own request types
// (sandbox.RunRequest and friends carry json tags for exactly this surface).
