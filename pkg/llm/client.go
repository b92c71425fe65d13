// Package llm defines the seam to the external LLM collaborator.
// Agent handlers are the only callers; everything behind Generate is
// replaceable, so tests and sequential-mode demos inject deterministic
// clients.
package llm

import "context"

// Client generates text from a prompt.
type Client interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// StaticClient returns a fixed response for every prompt.
// Useful for tests and offline runs.
type StaticClient struct {
	Response string
}

// Generate returns the configured response.
func (c *StaticClient) Generate(ctx context.Context, prompt string) (string, error) {
	return c.Response, nil
}
