package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

// Kind classifies gateway failures.
type Kind string

// Failure kinds.
const (
	KindRateLimit  Kind = "rate_limit"
	KindQuota      Kind = "quota"
	KindServer     Kind = "server"
	KindConnection Kind = "connection"
	KindTimeout    Kind = "timeout"
	KindAuth       Kind = "auth"
	KindBadRequest Kind = "bad_request"
	KindEmpty      Kind = "empty_response"
	KindCanceled   Kind = "canceled"
	KindUnknown    Kind = "unknown"
)

var (
	// ErrRateLimitExceeded is returned when a limiter stage cannot be acquired in time.
	ErrRateLimitExceeded = errors.New("rate limit exceeded")
	// ErrNoAvailableKey is returned when every key in a pool is unusable.
	ErrNoAvailableKey = errors.New("no available api key")
)

// Error is a classified provider failure.
type Error struct {
	Kind       Kind
	Provider   string
	StatusCode int
	RetryAfter time.Duration
	Message    string
	Err        error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Provider != "" {
		b.WriteString(e.Provider)
		b.WriteString(": ")
	}
	b.WriteString(string(e.Kind))
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " (status %d)", e.StatusCode)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds a classified error.
func NewError(kind Kind, provider, message string) *Error {
	return &Error{Kind: kind, Provider: provider, Message: message}
}

// KindOf returns the kind of err, or KindUnknown.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, ErrRateLimitExceeded) || errors.Is(err, ErrNoAvailableKey) {
		return KindRateLimit
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	if errors.Is(err, context.Canceled) {
		return KindCanceled
	}
	return KindUnknown
}

// ShouldFallback reports whether the next provider should be tried.
func ShouldFallback(kind Kind) bool {
	switch kind {
	case KindRateLimit, KindQuota, KindServer, KindConnection, KindTimeout, KindAuth, KindEmpty:
		return true
	default:
		return false
	}
}

// Retryable reports whether the same provider may be retried.
func Retryable(kind Kind) bool {
	switch kind {
	case KindRateLimit, KindServer, KindConnection, KindTimeout, KindEmpty:
		return true
	default:
		return false
	}
}

// ClassifyStatus maps an HTTP status and message body to a kind.
func ClassifyStatus(status int, body string) Kind {
	lower := strings.ToLower(body)
	switch {
	case status == 429:
		if strings.Contains(lower, "quota") || strings.Contains(lower, "insufficient") || strings.Contains(lower, "billing") {
			return KindQuota
		}
		return KindRateLimit
	case status == 401 || status == 403:
		return KindAuth
	case status == 402:
		return KindQuota
	case status == 408:
		return KindTimeout
	case status >= 500:
		return KindServer
	case status >= 400:
		return KindBadRequest
	default:
		return KindUnknown
	}
}

// Classify converts an arbitrary error into a classified *Error. Errors that
// are already classified are returned with the provider filled in.
func Classify(provider string, err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		if e.Provider == "" {
			cp := *e
			cp.Provider = provider
			return &cp
		}
		return e
	}
	out := &Error{Provider: provider, Err: err}
	switch {
	case errors.Is(err, ErrRateLimitExceeded), errors.Is(err, ErrNoAvailableKey):
		out.Kind = KindRateLimit
	case errors.Is(err, context.DeadlineExceeded):
		out.Kind = KindTimeout
	case errors.Is(err, context.Canceled):
		out.Kind = KindCanceled
	default:
		out.Kind = classifyText(err)
	}
	return out
}

func classifyText(err error) Kind {
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return KindTimeout
		}
		return KindConnection
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "429") || strings.Contains(msg, "rate limit") || strings.Contains(msg, "too many requests"):
		if strings.Contains(msg, "quota") {
			return KindQuota
		}
		return KindRateLimit
	case strings.Contains(msg, "quota"):
		return KindQuota
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline"):
		return KindTimeout
	case strings.Contains(msg, "connection refused") || strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "no such host") || strings.Contains(msg, "eof"):
		return KindConnection
	case strings.Contains(msg, "unauthorized") || strings.Contains(msg, "invalid api key") || strings.Contains(msg, "401"):
		return KindAuth
	case strings.Contains(msg, "500") || strings.Contains(msg, "502") || strings.Contains(msg, "503") ||
		strings.Contains(msg, "504") || strings.Contains(msg, "internal server error"):
		return KindServer
	default:
		return KindUnknown
	}
}
