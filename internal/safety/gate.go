// Package safety implements the input gate: content rules with hot reload,
// domain classification, complexity assessment and the violation log.
package safety

import (
	"context"
	"math"
	"strings"

	"github.com/rs/zerolog/log"
)

// GateConfig holds gate thresholds.
type GateConfig struct {
	// SecondaryThreshold is the domain confidence below which the brief is
	// re-checked against the structured summary.
	SecondaryThreshold float64
	// DriftConfidenceDrop is the confidence drop treated as drift.
	DriftConfidenceDrop float64
}

func (c GateConfig) withDefaults() GateConfig {
	if c.SecondaryThreshold <= 0 {
		c.SecondaryThreshold = 0.85
	}
	if c.DriftConfidenceDrop <= 0 {
		c.DriftConfidenceDrop = 0.3
	}
	return c
}

// ValidationResult is the stage 1 verdict.
type ValidationResult struct {
	Passed                   bool             `json:"passed"`
	Content                  ContentResult    `json:"content"`
	Domain                   DomainResult     `json:"domain"`
	Complexity               ComplexityResult `json:"complexity"`
	NeedsSecondaryValidation bool             `json:"needs_secondary_validation"`
	NeedsClarification       bool             `json:"needs_clarification"`
	RejectionReason          string           `json:"rejection_reason,omitempty"`
	RejectionMessage         string           `json:"rejection_message,omitempty"`
	Violations               []Violation      `json:"violations,omitempty"`
}

// SecondaryResult is the stage 2 verdict.
type SecondaryResult struct {
	Domain          DomainResult `json:"domain"`
	Drift           bool         `json:"drift"`
	ConfidenceDelta float64      `json:"confidence_delta"`
	Reason          string       `json:"reason,omitempty"`
}

// ReportCheck is the outcome of the report guard.
type ReportCheck struct {
	Text      string `json:"text"`
	Sanitized bool   `json:"sanitized"`
	Removed   int    `json:"removed_paragraphs"`
	Hits      []Hit  `json:"hits,omitempty"`
}

// Gate runs the two-stage input validation and the report guard.
type Gate struct {
	rules      *RuleLoader
	content    *ContentChecker
	domain     *DomainClassifier
	violations *ViolationLog
	cfg        GateConfig
}

// NewGate assembles a gate. violations may be nil.
func NewGate(rules *RuleLoader, content *ContentChecker, domain *DomainClassifier, violations *ViolationLog, cfg GateConfig) *Gate {
	return &Gate{
		rules:      rules,
		content:    content,
		domain:     domain,
		violations: violations,
		cfg:        cfg.withDefaults(),
	}
}

// Validate runs content safety, domain classification and complexity
// assessment on a raw brief.
func (g *Gate) Validate(ctx context.Context, sessionID, input string) ValidationResult {
	var res ValidationResult
	if strings.TrimSpace(input) == "" {
		return g.reject(ctx, res, sessionID, input, ReasonEmptyInput, nil, nil)
	}

	res.Content = g.content.Check(ctx, input)
	switch res.Content.Action {
	case ActionReject:
		return g.reject(ctx, res, sessionID, input, ReasonContentUnsafe, res.Content.Hits, nil)
	case ActionSanitize:
		return g.reject(ctx, res, sessionID, input, ReasonPrivacySanitize, res.Content.Hits,
			map[string]string{"masked": res.Content.MaskedText})
	}

	res.Domain = g.domain.Classify(ctx, input)
	if res.Domain.Label == DomainNotDesign {
		return g.reject(ctx, res, sessionID, input, ReasonNotDesign, res.Domain, nil)
	}
	res.Complexity = AssessComplexity(input, res.Domain)
	res.Passed = true
	res.NeedsClarification = res.Domain.Label == DomainUnclear
	res.NeedsSecondaryValidation = res.Domain.Confidence < g.cfg.SecondaryThreshold

	log.Info().
		Str("session_id", sessionID).
		Str("domain", res.Domain.Label).
		Float64("domain_confidence", res.Domain.Confidence).
		Str("complexity", res.Complexity.Level).
		Bool("needs_secondary", res.NeedsSecondaryValidation).
		Msg("input gate passed")
	return res
}

func (g *Gate) reject(ctx context.Context, res ValidationResult, sessionID, input, reason string, details any, vars map[string]string) ValidationResult {
	res.Passed = false
	res.RejectionReason = reason
	res.RejectionMessage = Message(reason, vars)
	v := Violation{
		SessionID:     sessionID,
		ViolationType: reason,
		Details:       details,
		UserInput:     input,
		ActionTaken:   "rejected",
	}
	if err := g.violations.Record(ctx, v); err != nil {
		log.Error().Err(err).Str("session_id", sessionID).Msg("record violation")
	}
	res.Violations = append(res.Violations, v)
	return res
}

// SecondaryValidate re-classifies the structured project summary and
// reports drift from the stage 1 result.
func (g *Gate) SecondaryValidate(ctx context.Context, summary string, stage1 DomainResult) SecondaryResult {
	cur := g.domain.Classify(ctx, summary)
	res := SecondaryResult{
		Domain:          cur,
		ConfidenceDelta: math.Round((cur.Confidence-stage1.Confidence)*1000) / 1000,
	}
	switch {
	case cur.Label != stage1.Label && cur.Label != DomainDesign:
		res.Drift = true
		res.Reason = "classification changed from " + stage1.Label + " to " + cur.Label
	case stage1.Confidence-cur.Confidence > g.cfg.DriftConfidenceDrop:
		res.Drift = true
		res.Reason = "domain confidence dropped"
	}
	log.Info().
		Str("stage1", stage1.Label).
		Str("stage2", cur.Label).
		Float64("delta", res.ConfidenceDelta).
		Bool("drift", res.Drift).
		Msg("secondary domain validation")
	return res
}

const removedParagraph = "[该段内容已根据安全策略移除]"

// CheckReport masks privacy and evasion hits in a generated report and
// replaces paragraphs containing blocked terms.
func (g *Gate) CheckReport(ctx context.Context, sessionID, report string) ReportCheck {
	rs := g.rules.Current()
	out := ReportCheck{Text: report}

	paragraphs := strings.Split(report, "\n\n")
	for i, p := range paragraphs {
		for _, h := range matchKeywords(rs, p) {
			if h.Severity.rank() >= SeverityMedium.rank() {
				paragraphs[i] = removedParagraph
				out.Removed++
				out.Hits = append(out.Hits, h)
				break
			}
		}
	}
	text := strings.Join(paragraphs, "\n\n")

	hits, text := matchPatterns(rs.PrivacyPatterns, SourcePrivacy, text, maskValue)
	out.Hits = append(out.Hits, hits...)
	hits, text = matchPatterns(rs.EvasionPatterns, SourceEvasion, text, func(string) string { return "[已移除]" })
	out.Hits = append(out.Hits, hits...)

	out.Text = text
	out.Sanitized = text != report
	if out.Sanitized {
		err := g.violations.Record(ctx, Violation{
			SessionID:     sessionID,
			ViolationType: ReasonReportSanitized,
			Details:       out.Hits,
			UserInput:     report,
			ActionTaken:   "sanitized",
		})
		if err != nil {
			log.Error().Err(err).Str("session_id", sessionID).Msg("record report violation")
		}
	}
	return out
}

// Rules returns the loader backing the gate.
func (g *Gate) Rules() *RuleLoader { return g.rules }
