// Package providers adapts vendor SDKs to llm.Backend and assembles the
// gateway from configuration.
package providers

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/metalagman/atelier/internal/llm"
)

// Provider types accepted in llm.providers.*.type.
const (
	TypeOpenAI    = "openai"
	TypeAnthropic = "anthropic"
	TypeGemini    = "gemini"
	TypeOllama    = "ollama"
)

const defaultTimeout = 60 * time.Second

// Options configures a single-key backend.
type Options struct {
	Name    string
	Model   string
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

func (o Options) timeout() time.Duration {
	if o.Timeout <= 0 {
		return defaultTimeout
	}
	return o.Timeout
}

// statusError converts an upstream HTTP failure into a classified error.
func statusError(provider string, status int, header http.Header, err error) *llm.Error {
	e := &llm.Error{
		Kind:       llm.ClassifyStatus(status, err.Error()),
		Provider:   provider,
		StatusCode: status,
		Err:        err,
	}
	if header != nil {
		e.RetryAfter = parseRetryAfter(header.Get("Retry-After"))
	}
	return e
}

func parseRetryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}
