package llm

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassifyStatus(t *testing.T) {
	t.Parallel()

	tests := []struct {
		status int
		body   string
		want   Kind
	}{
		{429, "Rate limit reached", KindRateLimit},
		{429, "You exceeded your current quota", KindQuota},
		{401, "", KindAuth},
		{403, "", KindAuth},
		{402, "", KindQuota},
		{408, "", KindTimeout},
		{500, "", KindServer},
		{503, "", KindServer},
		{400, "bad", KindBadRequest},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ClassifyStatus(tt.status, tt.body), "%d %q", tt.status, tt.body)
	}
}

func TestClassifyWrapsPlainErrors(t *testing.T) {
	t.Parallel()

	assert.Equal(t, KindTimeout, Classify("p", context.DeadlineExceeded).Kind)
	assert.Equal(t, KindCanceled, Classify("p", context.Canceled).Kind)
	assert.Equal(t, KindRateLimit, Classify("p", fmt.Errorf("x: %w", ErrNoAvailableKey)).Kind)
	assert.Equal(t, KindConnection, Classify("p", errors.New("dial tcp: connection refused")).Kind)
	assert.Equal(t, KindRateLimit, Classify("p", errors.New("429 Too Many Requests")).Kind)
	assert.Equal(t, KindUnknown, Classify("p", errors.New("odd")).Kind)

	e := Classify("p", NewError(KindServer, "", "x"))
	assert.Equal(t, "p", e.Provider)
	assert.Equal(t, KindServer, e.Kind)
}

func TestFallbackAndRetryPolicies(t *testing.T) {
	t.Parallel()

	assert.True(t, ShouldFallback(KindAuth))
	assert.False(t, Retryable(KindAuth))
	assert.True(t, ShouldFallback(KindQuota))
	assert.False(t, Retryable(KindQuota))
	assert.False(t, ShouldFallback(KindBadRequest))
	assert.False(t, ShouldFallback(KindCanceled))
	assert.True(t, Retryable(KindServer))
}
