package providers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/metalagman/atelier/internal/llm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOllamaComplete(t *testing.T) {
	var gotPath string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &gotBody)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"model":"llama3.1","message":{"role":"assistant","content":"local answer"},"done":true,"prompt_eval_count":5,"eval_count":2}` + "\n"))
	}))
	t.Cleanup(srv.Close)

	client, err := NewOllama(Options{Model: "llama3.1", BaseURL: srv.URL}, srv.Client())
	require.NoError(t, err)

	out, err := client.Complete(context.Background(), llm.NewPrompt("sys", "hi"))
	require.NoError(t, err)
	assert.Equal(t, "local answer", out.Content)
	assert.Equal(t, 5, out.Usage.PromptTokens)
	assert.Equal(t, 2, out.Usage.CompletionTokens)
	assert.Equal(t, "/api/chat", gotPath)
	assert.Equal(t, false, gotBody["stream"])
}

func TestNewOllama_AddsScheme(t *testing.T) {
	c, err := NewOllama(Options{Model: "llama3.1", BaseURL: "localhost:11434"}, nil)
	require.NoError(t, err)
	assert.NotNil(t, c.client)
}
