package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewHTTPClientUnknownProvider(t *testing.T) {
	_, err := NewHTTPClient(Config{Provider: "mystery"})
	assert.Error(t, err)

	// A base URL override makes any provider name acceptable.
	_, err = NewHTTPClient(Config{Provider: "mystery", BaseURL: "http://localhost:9999/v1"})
	assert.NoError(t, err)
}

func TestGenerateReturnsFirstChoice(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var req chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "test-model", req.Model)
		require.Len(t, req.Messages, 1)
		assert.Equal(t, "write a plan", req.Messages[0].Content)

		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]string{"role": "assistant", "content": "the plan"}},
			},
		})
	}))
	defer srv.Close()

	client, err := NewHTTPClient(Config{Provider: "openai", BaseURL: srv.URL, APIKey: "test-key", Model: "test-model"})
	require.NoError(t, err)

	out, err := client.Generate(context.Background(), "write a plan")
	require.NoError(t, err)
	assert.Equal(t, "the plan", out)
}

func TestGenerateSurfacesProviderError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]string{"message": "rate limited", "type": "rate_limit"},
		})
	}))
	defer srv.Close()

	client, err := NewHTTPClient(Config{Provider: "openai", BaseURL: srv.URL})
	require.NoError(t, err)

	_, err = client.Generate(context.Background(), "prompt")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rate limited")
}

func TestGenerateEmptyChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"choices": []any{}})
	}))
	defer srv.Close()

	client, err := NewHTTPClient(Config{Provider: "openai", BaseURL: srv.URL})
	require.NoError(t, err)

	_, err = client.Generate(context.Background(), "prompt")
	assert.Error(t, err)
}

func TestStaticClient(t *testing.T) {
	c := &StaticClient{Response: "canned"}
	out, err := c.Generate(context.Background(), "anything")
	require.NoError(t, err)
	assert.Equal(t, "canned", out)
}
