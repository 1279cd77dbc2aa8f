package search

import (
	"sort"
	"strings"
	"time"
	"unicode"

	"gonum.org/v1/gonum/floats"
)

// QC defaults.
const (
	DefaultRelevanceThreshold = 0.6
	DefaultRelaxedThreshold   = 0.45
	DefaultMinContentLength   = 50
	DefaultMinResults         = 3

	minQualityScore = 30
	maxQualityScore = 100
)

// compositeWeights are relevance, timeliness, credibility and completeness.
var compositeWeights = []float64{0.4, 0.2, 0.2, 0.2}

// QCOptions configures RunQC.
type QCOptions struct {
	RelevanceThreshold float64
	MinContentLength   int
	Trust              *TrustList
	Now                time.Time
}

func (o QCOptions) withDefaults() QCOptions {
	if o.RelevanceThreshold <= 0 {
		o.RelevanceThreshold = DefaultRelevanceThreshold
	}
	if o.MinContentLength <= 0 {
		o.MinContentLength = DefaultMinContentLength
	}
	if o.Now.IsZero() {
		o.Now = time.Now()
	}
	return o
}

// RunQC filters, deduplicates, scores and ranks raw results. Reference
// numbers start at 1 in ranked order.
func RunQC(results []Result, opts QCOptions) []Result {
	opts = opts.withDefaults()

	kept := make([]Result, 0, len(results))
	for _, r := range results {
		if r.RelevanceScore < opts.RelevanceThreshold {
			continue
		}
		if len([]rune(strings.TrimSpace(r.Content))) < opts.MinContentLength {
			continue
		}
		kept = append(kept, r)
	}
	kept = Dedup(kept)

	for i := range kept {
		r := &kept[i]
		r.SourceCredibility = opts.Trust.Credibility(r.URL)
		r.QualityScore = CompositeScore(
			r.RelevanceScore*100,
			TimelinessScore(r.PublishedDate, opts.Now),
			CredibilityScore(r.SourceCredibility),
			CompletenessScore(*r),
		)
	}
	sort.SliceStable(kept, func(i, j int) bool {
		return kept[i].QualityScore > kept[j].QualityScore
	})
	for i := range kept {
		kept[i].ReferenceNumber = i + 1
	}
	return kept
}

// Dedup drops results repeating an earlier URL, normalized title or
// normalized first-100-character content prefix.
func Dedup(results []Result) []Result {
	urls := make(map[string]struct{})
	titles := make(map[string]struct{})
	prefixes := make(map[string]struct{})
	out := make([]Result, 0, len(results))
	for _, r := range results {
		u := strings.TrimRight(strings.TrimSpace(r.URL), "/")
		t := normalizeText(r.Title)
		p := contentPrefix(r.Content)
		if _, dup := urls[u]; u != "" && dup {
			continue
		}
		if _, dup := titles[t]; t != "" && dup {
			continue
		}
		if _, dup := prefixes[p]; p != "" && dup {
			continue
		}
		if u != "" {
			urls[u] = struct{}{}
		}
		if t != "" {
			titles[t] = struct{}{}
		}
		if p != "" {
			prefixes[p] = struct{}{}
		}
		out = append(out, r)
	}
	return out
}

func normalizeText(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func contentPrefix(s string) string {
	r := []rune(strings.Join(strings.Fields(strings.ToLower(s)), " "))
	if len(r) > 100 {
		r = r[:100]
	}
	return string(r)
}

// CompositeScore combines sub-scores in [0,100] and clamps to [30,100].
func CompositeScore(relevance, timeliness, credibility, completeness float64) float64 {
	score := floats.Dot(compositeWeights, []float64{relevance, timeliness, credibility, completeness})
	return min(max(score, minQualityScore), maxQualityScore)
}

var dateLayouts = []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02", "2006/01/02", "2006-01", "2006"}

// TimelinessScore decays with publication age; a missing or unparsable
// date scores 70.
func TimelinessScore(published string, now time.Time) float64 {
	published = strings.TrimSpace(published)
	if published == "" {
		return 70
	}
	var t time.Time
	var err error
	for _, layout := range dateLayouts {
		if t, err = time.Parse(layout, published); err == nil {
			break
		}
	}
	if err != nil {
		return 70
	}
	age := now.Sub(t)
	year := 365 * 24 * time.Hour
	switch {
	case age < year:
		return 100
	case age < 2*year:
		return 90
	case age < 3*year:
		return 80
	case age < 5*year:
		return 70
	default:
		return 60
	}
}

// CredibilityScore maps a credibility level to a sub-score.
func CredibilityScore(level string) float64 {
	switch level {
	case CredibilityHigh:
		return 100
	case CredibilityMedium:
		return 70
	case CredibilityLow:
		return 40
	default:
		return 50
	}
}

// CompletenessScore rewards content length and the presence of title,
// date and URL.
func CompletenessScore(r Result) float64 {
	var score float64
	switch n := len([]rune(r.Content)); {
	case n >= 500:
		score = 60
	case n >= 200:
		score = 45
	case n >= 50:
		score = 30
	default:
		score = 15
	}
	if strings.TrimSpace(r.Title) != "" {
		score += 15
	}
	if strings.TrimSpace(r.PublishedDate) != "" {
		score += 10
	}
	if strings.TrimSpace(r.URL) != "" {
		score += 15
	}
	return score
}
