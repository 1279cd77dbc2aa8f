package providers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/metalagman/atelier/internal/llm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenAIComplete_SendsExpectedPayloadAndParsesOutput(t *testing.T) {
	var gotAuth, gotPath string
	var gotBody map[string]any

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		body, err := io.ReadAll(r.Body)
		if err != nil {
			t.Fatalf("read request body: %v", err)
		}
		if err := json.Unmarshal(body, &gotBody); err != nil {
			t.Fatalf("unmarshal request body: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "chatcmpl-1",
			"object": "chat.completion",
			"created": 1,
			"model": "deepseek-chat",
			"choices": [
				{"index": 0, "finish_reason": "stop", "message": {"role": "assistant", "content": " {\"status\":\"ok\"} "}}
			],
			"usage": {"prompt_tokens": 12, "completion_tokens": 4, "total_tokens": 16}
		}`))
	}))
	t.Cleanup(srv.Close)

	client, err := NewOpenAI(Options{Name: "deepseek", Model: "deepseek-chat", BaseURL: srv.URL, APIKey: "test-api-key"}, srv.Client())
	require.NoError(t, err)

	req := llm.NewPrompt("Output only JSON.", `{"task":"demo"}`)
	req.Temperature = 0.2
	req.MaxTokens = 256
	out, err := client.Complete(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, `{"status":"ok"}`, out.Content)
	assert.Equal(t, 12, out.Usage.PromptTokens)
	assert.Equal(t, 4, out.Usage.CompletionTokens)
	assert.Equal(t, "Bearer test-api-key", gotAuth)
	assert.Equal(t, "/chat/completions", gotPath)
	assert.Equal(t, "deepseek-chat", gotBody["model"])
	assert.InDelta(t, 0.2, gotBody["temperature"], 1e-9)
	assert.InDelta(t, 256, gotBody["max_tokens"], 1e-9)

	msgs, ok := gotBody["messages"].([]any)
	require.True(t, ok)
	require.Len(t, msgs, 2)
	assert.Equal(t, "system", msgs[0].(map[string]any)["role"])
	assert.Equal(t, "user", msgs[1].(map[string]any)["role"])
}

func TestOpenAIComplete_ClassifiesRateLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error": {"message": "Rate limit reached", "type": "requests", "code": "rate_limit_exceeded"}}`))
	}))
	t.Cleanup(srv.Close)

	client, err := NewOpenAI(Options{Model: "gpt-4o-mini", BaseURL: srv.URL, APIKey: "k"}, srv.Client())
	require.NoError(t, err)

	_, err = client.Complete(context.Background(), llm.NewPrompt("", "hi"))
	require.Error(t, err)
	var e *llm.Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, llm.KindRateLimit, e.Kind)
	assert.Equal(t, http.StatusTooManyRequests, e.StatusCode)
	assert.Equal(t, 7*time.Second, e.RetryAfter)
}

func TestOpenAIComplete_ServerErrorIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"error": {"message": "overloaded"}}`))
	}))
	t.Cleanup(srv.Close)

	client, err := NewOpenAI(Options{Model: "gpt-4o-mini", BaseURL: srv.URL, APIKey: "k"}, srv.Client())
	require.NoError(t, err)

	_, err = client.Complete(context.Background(), llm.NewPrompt("", "hi"))
	assert.Equal(t, llm.KindServer, llm.KindOf(err))
}

func TestNewOpenAI_RequiresKeyAndModel(t *testing.T) {
	_, err := NewOpenAI(Options{Model: "m"}, nil)
	require.Error(t, err)
	_, err = NewOpenAI(Options{APIKey: "k"}, nil)
	require.Error(t, err)
}

func TestParseRetryAfter(t *testing.T) {
	assert.Equal(t, 30*time.Second, parseRetryAfter("30"))
	assert.Equal(t, time.Duration(0), parseRetryAfter(""))
	assert.Equal(t, time.Duration(0), parseRetryAfter("soon"))
}
