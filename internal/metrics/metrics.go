// Package metrics exposes Prometheus collectors for the gateway, search and
// workflow layers. A nil *Recorder is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder holds every collector.
type Recorder struct {
	gatherer        prometheus.Gatherer
	llmRequests     *prometheus.CounterVec
	llmDuration     *prometheus.HistogramVec
	llmTokens       *prometheus.CounterVec
	llmThrottle     *prometheus.CounterVec
	llmFallback     *prometheus.CounterVec
	llmCache        *prometheus.CounterVec
	searchResults   *prometheus.CounterVec
	searchRetry     *prometheus.CounterVec
	nodeDuration    *prometheus.HistogramVec
	sessionsByState *prometheus.CounterVec
	violations      *prometheus.CounterVec
}

// New registers collectors on reg. Pass prometheus.NewRegistry() in tests.
func New(reg *prometheus.Registry) *Recorder {
	f := promauto.With(reg)
	return &Recorder{
		gatherer: reg,
		llmRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "atelier_llm_requests_total",
			Help: "LLM requests by provider, model and outcome.",
		}, []string{"provider", "model", "status", "error_type"}),
		llmDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "atelier_llm_request_duration_seconds",
			Help:    "LLM request latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"provider", "model"}),
		llmTokens: f.NewCounterVec(prometheus.CounterOpts{
			Name: "atelier_llm_tokens_total",
			Help: "Tokens consumed by type.",
		}, []string{"provider", "type"}),
		llmThrottle: f.NewCounterVec(prometheus.CounterOpts{
			Name: "atelier_llm_throttle_total",
			Help: "Rate-limit events by provider and reason.",
		}, []string{"provider", "reason"}),
		llmFallback: f.NewCounterVec(prometheus.CounterOpts{
			Name: "atelier_llm_fallback_total",
			Help: "Fallback advances from a failed provider.",
		}, []string{"from", "reason"}),
		llmCache: f.NewCounterVec(prometheus.CounterOpts{
			Name: "atelier_llm_cache_total",
			Help: "Response cache lookups.",
		}, []string{"result"}),
		searchResults: f.NewCounterVec(prometheus.CounterOpts{
			Name: "atelier_search_results_total",
			Help: "Search results kept after quality control.",
		}, []string{"tool"}),
		searchRetry: f.NewCounterVec(prometheus.CounterOpts{
			Name: "atelier_search_retry_level_total",
			Help: "Search outcomes by retry level.",
		}, []string{"level"}),
		nodeDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "atelier_workflow_node_duration_seconds",
			Help:    "Workflow node execution time.",
			Buckets: []float64{0.01, 0.1, 0.5, 1, 5, 15, 60, 300, 900},
		}, []string{"node", "outcome"}),
		sessionsByState: f.NewCounterVec(prometheus.CounterOpts{
			Name: "atelier_sessions_total",
			Help: "Sessions reaching a status.",
		}, []string{"status"}),
		violations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "atelier_safety_violations_total",
			Help: "Safety violations by type.",
		}, []string{"type"}),
	}
}

// Handler serves the registry in Prometheus text format.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(r.gatherer, promhttp.HandlerOpts{})
}

// ObserveLLM records one provider call.
func (r *Recorder) ObserveLLM(provider, model string, errType string, d time.Duration, promptTokens, completionTokens int) {
	if r == nil {
		return
	}
	status := "success"
	if errType != "" {
		status = "error"
	}
	r.llmRequests.WithLabelValues(provider, model, status, errType).Inc()
	r.llmDuration.WithLabelValues(provider, model).Observe(d.Seconds())
	if promptTokens > 0 {
		r.llmTokens.WithLabelValues(provider, "prompt").Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		r.llmTokens.WithLabelValues(provider, "completion").Add(float64(completionTokens))
	}
}

// Throttle records a rate-limit event.
func (r *Recorder) Throttle(provider, reason string) {
	if r == nil {
		return
	}
	r.llmThrottle.WithLabelValues(provider, reason).Inc()
}

// Fallback records a provider advance.
func (r *Recorder) Fallback(from, reason string) {
	if r == nil {
		return
	}
	r.llmFallback.WithLabelValues(from, reason).Inc()
}

// Cache records a cache hit or miss.
func (r *Recorder) Cache(hit bool) {
	if r == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	r.llmCache.WithLabelValues(result).Inc()
}

// SearchOutcome records kept results and the retry level used.
func (r *Recorder) SearchOutcome(tool string, kept int, level string) {
	if r == nil {
		return
	}
	r.searchResults.WithLabelValues(tool).Add(float64(kept))
	r.searchRetry.WithLabelValues(level).Inc()
}

// Node records a workflow node execution.
func (r *Recorder) Node(node, outcome string, d time.Duration) {
	if r == nil {
		return
	}
	r.nodeDuration.WithLabelValues(node, outcome).Observe(d.Seconds())
}

// Session records a session reaching status.
func (r *Recorder) Session(status string) {
	if r == nil {
		return
	}
	r.sessionsByState.WithLabelValues(status).Inc()
}

// Violation records a safety violation.
func (r *Recorder) Violation(kind string) {
	if r == nil {
		return
	}
	r.violations.WithLabelValues(kind).Inc()
}
