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

func TestAnthropicComplete(t *testing.T) {
	var gotPath, gotKey string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.Header.Get("X-Api-Key")
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &gotBody)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "msg_1",
			"type": "message",
			"role": "assistant",
			"model": "claude-sonnet-4-5",
			"content": [{"type": "text", "text": "hello there"}],
			"stop_reason": "end_turn",
			"usage": {"input_tokens": 9, "output_tokens": 3}
		}`))
	}))
	t.Cleanup(srv.Close)

	client, err := NewAnthropic(Options{Model: "claude-sonnet-4-5", BaseURL: srv.URL, APIKey: "ak"}, srv.Client())
	require.NoError(t, err)

	out, err := client.Complete(context.Background(), llm.NewPrompt("be brief", "hi"))
	require.NoError(t, err)
	assert.Equal(t, "hello there", out.Content)
	assert.Equal(t, 9, out.Usage.PromptTokens)
	assert.Equal(t, "/v1/messages", gotPath)
	assert.Equal(t, "ak", gotKey)
	assert.NotNil(t, gotBody["system"])
	assert.InDelta(t, 4096, gotBody["max_tokens"], 1e-9)
}

func TestAnthropicComplete_AuthError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"type": "error", "error": {"type": "authentication_error", "message": "invalid x-api-key"}}`))
	}))
	t.Cleanup(srv.Close)

	client, err := NewAnthropic(Options{Model: "claude-sonnet-4-5", BaseURL: srv.URL, APIKey: "bad"}, srv.Client())
	require.NoError(t, err)

	_, err = client.Complete(context.Background(), llm.NewPrompt("", "hi"))
	assert.Equal(t, llm.KindAuth, llm.KindOf(err))
}
