package safety

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/metalagman/atelier/internal/llm"
	"github.com/rs/zerolog/log"
)

// Action is the verdict of a content check.
type Action string

// Content actions.
const (
	ActionAllow    Action = "allow"
	ActionWarn     Action = "warn"
	ActionReject   Action = "reject"
	ActionSanitize Action = "sanitize"
)

// Hit sources.
const (
	SourceKeyword    = "keyword"
	SourcePrivacy    = "privacy"
	SourceEvasion    = "evasion"
	SourceModeration = "moderation"
	SourceSemantic   = "semantic"
)

// Hit is one rule match.
type Hit struct {
	Source   string   `json:"source"`
	Category string   `json:"category"`
	Match    string   `json:"match"`
	Count    int      `json:"count"`
	Severity Severity `json:"severity"`
}

// ContentResult is the outcome of a content check.
type ContentResult struct {
	Action     Action   `json:"action"`
	Safe       bool     `json:"safe"`
	Severity   Severity `json:"severity,omitempty"`
	Hits       []Hit    `json:"hits,omitempty"`
	Warnings   []string `json:"warnings,omitempty"`
	MaskedText string   `json:"masked_text,omitempty"`
	Reason     string   `json:"reason,omitempty"`
}

// ContentChecker applies the dynamic rules, optionally backed by an external
// moderation endpoint and an LLM semantic check.
type ContentChecker struct {
	rules     *RuleLoader
	moderator Moderator
	semantic  llm.Completer
}

// ContentOption customizes a ContentChecker.
type ContentOption func(*ContentChecker)

// WithModerator adds an external moderation call.
func WithModerator(m Moderator) ContentOption {
	return func(c *ContentChecker) { c.moderator = m }
}

// WithSemanticCheck adds an LLM pass that flags unsafe intent the keyword
// lists miss.
func WithSemanticCheck(client llm.Completer) ContentOption {
	return func(c *ContentChecker) { c.semantic = client }
}

// NewContentChecker creates a checker reading rules from loader.
func NewContentChecker(loader *RuleLoader, opts ...ContentOption) *ContentChecker {
	c := &ContentChecker{rules: loader}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Check evaluates text against the current ruleset.
func (c *ContentChecker) Check(ctx context.Context, text string) ContentResult {
	rs := c.rules.Current()
	length := utf8.RuneCountInString(text)

	keywordHits := matchKeywords(rs, text)
	keywordHits = append(keywordHits, c.external(ctx, text)...)

	var regexHits []Hit
	masked := text
	if rs.Detection.EnablePrivacyCheck {
		var hits []Hit
		hits, masked = matchPatterns(rs.PrivacyPatterns, SourcePrivacy, masked, maskValue)
		regexHits = append(regexHits, hits...)
	}
	if rs.Detection.EnableEvasionCheck {
		var hits []Hit
		hits, masked = matchPatterns(rs.EvasionPatterns, SourceEvasion, masked, func(string) string { return "[已移除]" })
		regexHits = append(regexHits, hits...)
	}

	res := combine(rs.Detection, length, keywordHits)
	res.Hits = append(keywordHits, regexHits...)
	if res.Action != ActionReject && len(regexHits) > 0 {
		res.Action = ActionSanitize
		res.Safe = false
		res.Severity = maxSeverity(regexHits)
		res.MaskedText = masked
		res.Reason = "sensitive personal data or instruction override detected"
	}
	if res.Action != ActionAllow {
		log.Debug().
			Str("action", string(res.Action)).
			Str("severity", string(res.Severity)).
			Int("hits", len(res.Hits)).
			Msg("content check")
	}
	return res
}

// combine applies the severity thresholds to keyword-level hits.
func combine(dc DetectionConfig, length int, hits []Hit) ContentResult {
	var high, medium, low int
	for _, h := range hits {
		switch h.Severity {
		case SeverityHigh:
			high += h.Count
		case SeverityMedium:
			medium += h.Count
		case SeverityLow:
			low += h.Count
		}
	}
	res := ContentResult{Action: ActionAllow, Safe: true}
	switch {
	case high > 0:
		res.Severity = SeverityHigh
		if high == 1 && length > dc.HighAllowLength {
			res.Action = ActionWarn
			res.Warnings = append(res.Warnings, fmt.Sprintf("one high-severity term in a long text (%d chars)", length))
			return res
		}
		res.Action, res.Safe = ActionReject, false
		res.Reason = fmt.Sprintf("%d high-severity term(s)", high)
	case medium > 1:
		res.Severity = SeverityMedium
		res.Action, res.Safe = ActionReject, false
		res.Reason = fmt.Sprintf("%d medium-severity terms", medium)
	case medium == 1:
		res.Severity = SeverityMedium
		if length <= dc.ShortTextLength {
			res.Action, res.Safe = ActionReject, false
			res.Reason = "medium-severity term in a short text"
			return res
		}
		res.Action = ActionWarn
		res.Warnings = append(res.Warnings, "one medium-severity term")
	case low > 0:
		res.Severity = SeverityLow
		density := float64(low) * 100 / float64(max(length, 1))
		if density > dc.LowDensityThreshold {
			res.Action, res.Safe = ActionReject, false
			res.Reason = fmt.Sprintf("low-severity density %.1f per 100 chars", density)
			return res
		}
		res.Warnings = append(res.Warnings, fmt.Sprintf("%d low-severity term(s)", low))
	}
	return res
}

// matchKeywords counts keyword occurrences after removing whitelisted phrases.
func matchKeywords(rs *RuleSet, text string) []Hit {
	lowered := strings.ToLower(text)
	for _, w := range rs.Whitelist {
		if w != "" {
			lowered = strings.ReplaceAll(lowered, w, " ")
		}
	}
	names := make([]string, 0, len(rs.Keywords))
	for name := range rs.Keywords {
		names = append(names, name)
	}
	sort.Strings(names)

	var hits []Hit
	for _, name := range names {
		cat := rs.Keywords[name]
		if !cat.Enabled {
			continue
		}
		for _, w := range cat.Words {
			if w == "" {
				continue
			}
			if n := strings.Count(lowered, w); n > 0 {
				hits = append(hits, Hit{Source: SourceKeyword, Category: name, Match: w, Count: n, Severity: cat.Severity})
			}
		}
	}
	return hits
}

// matchPatterns finds pattern hits and returns text with every hit replaced.
// When a pattern has a capture group only the first group is replaced.
func matchPatterns(patterns map[string]*Pattern, source, text string, replace func(string) string) ([]Hit, string) {
	names := make([]string, 0, len(patterns))
	for name := range patterns {
		names = append(names, name)
	}
	sort.Strings(names)

	var hits []Hit
	for _, name := range names {
		p := patterns[name]
		if !p.Enabled || p.re == nil {
			continue
		}
		locs := p.re.FindAllStringSubmatchIndex(text, -1)
		if len(locs) == 0 {
			continue
		}
		var b strings.Builder
		last := 0
		for _, loc := range locs {
			start, end := loc[0], loc[1]
			if len(loc) >= 4 && loc[2] >= 0 {
				start, end = loc[2], loc[3]
			}
			b.WriteString(text[last:start])
			b.WriteString(replace(text[start:end]))
			last = end
		}
		b.WriteString(text[last:])
		first := locs[0]
		match := text[first[0]:first[1]]
		if len(first) >= 4 && first[2] >= 0 {
			match = text[first[2]:first[3]]
		}
		hits = append(hits, Hit{Source: source, Category: name, Match: maskValue(match), Count: len(locs), Severity: p.Severity})
		text = b.String()
	}
	return hits, text
}

// maskValue keeps the first three and last two characters of long values.
func maskValue(s string) string {
	r := []rune(s)
	if len(r) <= 6 {
		return strings.Repeat("*", len(r))
	}
	return string(r[:3]) + strings.Repeat("*", len(r)-5) + string(r[len(r)-2:])
}

func maxSeverity(hits []Hit) Severity {
	var out Severity
	for _, h := range hits {
		if h.Severity.rank() > out.rank() {
			out = h.Severity
		}
	}
	return out
}

const semanticPrompt = `You review requests sent to an interior design consulting service.
Decide whether the text asks for illegal, violent, sexual or otherwise harmful content.
Reply with JSON only: {"unsafe": true|false, "category": "<short label>", "reason": "<one sentence>"}`

type semanticVerdict struct {
	Unsafe   bool   `json:"unsafe"`
	Category string `json:"category"`
	Reason   string `json:"reason"`
}

// external runs the optional moderation and semantic checks. Their failures
// are logged and never block the request.
func (c *ContentChecker) external(ctx context.Context, text string) []Hit {
	var hits []Hit
	if c.moderator != nil {
		mr, err := c.moderator.Moderate(ctx, text)
		switch {
		case err != nil:
			log.Warn().Err(err).Msg("moderation check failed")
		case mr.Flagged:
			hits = append(hits, Hit{
				Source:   SourceModeration,
				Category: strings.Join(mr.Categories, ","),
				Count:    1,
				Severity: SeverityHigh,
			})
		}
	}
	if c.semantic != nil {
		req := llm.NewPrompt(semanticPrompt, text)
		req.Temperature = 0
		req.MaxTokens = 200
		resp, err := c.semantic.Complete(ctx, req)
		if err != nil {
			log.Warn().Err(err).Msg("semantic safety check failed")
			return hits
		}
		var v semanticVerdict
		if err := llm.DecodeJSON(resp.Content, &v); err != nil {
			log.Warn().Err(err).Msg("parse semantic safety verdict")
			return hits
		}
		if v.Unsafe {
			hits = append(hits, Hit{Source: SourceSemantic, Category: v.Category, Match: v.Reason, Count: 1, Severity: SeverityMedium})
		}
	}
	return hits
}
