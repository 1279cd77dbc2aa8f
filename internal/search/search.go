// Package search dispatches per-deliverable queries to web, Chinese web,
// academic and knowledge-base backends and ranks the results.
package search

import (
	"context"
	"time"
)

// ToolName identifies a search backend.
type ToolName string

// Search backends.
const (
	ToolWeb        ToolName = "web"
	ToolChineseWeb ToolName = "chinese_web"
	ToolAcademic   ToolName = "academic"
	ToolKB         ToolName = "kb"
)

// Credibility levels from the trust list.
const (
	CredibilityHigh    = "high"
	CredibilityMedium  = "medium"
	CredibilityLow     = "low"
	CredibilityUnknown = "unknown"
)

// Options tunes a single backend call.
type Options struct {
	MaxResults int
	Timeout    time.Duration
}

// Result is a search hit normalized across backends.
type Result struct {
	Title             string   `json:"title"`
	URL               string   `json:"url"`
	Content           string   `json:"content"`
	Snippet           string   `json:"snippet,omitempty"`
	RelevanceScore    float64  `json:"relevance_score"`
	PublishedDate     string   `json:"published_date,omitempty"`
	SourceCredibility string   `json:"source_credibility,omitempty"`
	QualityScore      float64  `json:"quality_score"`
	ReferenceNumber   int      `json:"reference_number,omitempty"`
	Tool              ToolName `json:"tool,omitempty"`
}

// Outcome is the ranked result set for one deliverable.
type Outcome struct {
	DeliverableID  string   `json:"deliverable_id"`
	Tool           ToolName `json:"tool"`
	Query          string   `json:"query"`
	Results        []Result `json:"results"`
	RetryLevel     int      `json:"retry_level"`
	QualityWarning bool     `json:"quality_warning"`
	Error          string   `json:"error,omitempty"`
}

// Tool is a search backend.
type Tool interface {
	Name() ToolName
	Search(ctx context.Context, query string, opts Options) ([]Result, error)
}
