// Package motivation infers why a deliverable matters to the client through
// a cascade of LLM, weighted keyword and rule stages.
package motivation

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/metalagman/atelier/internal/db"
	"github.com/metalagman/atelier/internal/llm"
	"github.com/metalagman/atelier/internal/memo"
	"github.com/rs/zerolog/log"
)

// Type is a motivation category.
type Type string

// Motivation types.
const (
	Functional  Type = "functional"
	Emotional   Type = "emotional"
	Aesthetic   Type = "aesthetic"
	Social      Type = "social"
	Cultural    Type = "cultural"
	Commercial  Type = "commercial"
	Sustainable Type = "sustainable"
	Wellness    Type = "wellness"
	Technical   Type = "technical"
	Mixed       Type = "mixed"
)

// Types lists every motivation type.
var Types = []Type{Functional, Emotional, Aesthetic, Social, Cultural, Commercial, Sustainable, Wellness, Technical, Mixed}

// ValidType reports whether t is a known type.
func ValidType(t Type) bool {
	for _, v := range Types {
		if v == t {
			return true
		}
	}
	return false
}

// Stages of the cascade.
const (
	StageLLM     = "llm"
	StageKeyword = "keyword"
	StageRule    = "rule"
	StageDefault = "default"
)

// Input describes the deliverable being classified.
type Input struct {
	SessionID     string `json:"session_id,omitempty"`
	DeliverableID string `json:"deliverable_id,omitempty"`
	Title         string `json:"title"`
	Description   string `json:"description"`
	Context       string `json:"context,omitempty"`
	Format        string `json:"format,omitempty"`
}

func (in Input) text() string {
	return strings.Join([]string{in.Title, in.Description, in.Context}, "\n")
}

// Result is the inferred motivation.
type Result struct {
	Type       Type    `json:"type"`
	Confidence float64 `json:"confidence"`
	Stage      string  `json:"stage"`
	Reasoning  string  `json:"reasoning,omitempty"`
}

// UnmatchedCase is an input no confident stage could classify.
type UnmatchedCase struct {
	Timestamp      time.Time `json:"timestamp"`
	SessionID      string    `json:"session_id"`
	DeliverableID  string    `json:"deliverable_id,omitempty"`
	Title          string    `json:"title"`
	Description    string    `json:"description"`
	BestType       Type      `json:"best_type"`
	BestConfidence float64   `json:"best_confidence"`
	Stage          string    `json:"stage"`
}

// Config holds the stage gates.
type Config struct {
	MinConfidenceThreshold float64
	KeywordGate            float64
	RuleGate               float64
	RingSize               int
}

func (c Config) withDefaults() Config {
	if c.MinConfidenceThreshold <= 0 {
		c.MinConfidenceThreshold = 0.7
	}
	if c.KeywordGate <= 0 {
		c.KeywordGate = 0.6
	}
	if c.RuleGate <= 0 {
		c.RuleGate = 0.5
	}
	if c.RingSize <= 0 {
		c.RingSize = 200
	}
	return c
}

// Engine runs the inference cascade.
type Engine struct {
	client llm.Completer
	kv     db.KV
	cfg    Config
	cache  *memo.Cache[Result]
	now    func() time.Time

	mu   sync.Mutex
	ring []UnmatchedCase
	next int
	full bool
}

// NewEngine creates an engine. client and kv may be nil.
func NewEngine(client llm.Completer, kv db.KV, cfg Config) *Engine {
	cfg = cfg.withDefaults()
	e := &Engine{client: client, kv: kv, cfg: cfg, now: time.Now, ring: make([]UnmatchedCase, cfg.RingSize)}
	if client != nil {
		cache, err := memo.New[Result](10_000, 6*time.Hour)
		if err != nil {
			log.Warn().Err(err).Msg("motivation cache disabled")
		}
		e.cache = cache
	}
	return e
}

// Close releases the cache.
func (e *Engine) Close() { e.cache.Close() }

// Infer classifies in. It never fails: the last stage is a mixed default.
// Inputs that pass neither the LLM nor the keyword gate are recorded as
// unmatched.
func (e *Engine) Infer(ctx context.Context, in Input) Result {
	var best Result
	if r, ok := e.askLLM(ctx, in); ok {
		if r.Confidence >= e.cfg.MinConfidenceThreshold {
			return r
		}
		best = r
	}
	if r, ok := KeywordMatch(in); ok {
		if r.Confidence >= e.cfg.KeywordGate {
			return r
		}
		if r.Confidence > best.Confidence {
			best = r
		}
	}

	res := Result{Type: Mixed, Confidence: 0.3, Stage: StageDefault, Reasoning: "no stage reached its confidence gate"}
	if r, ok := RuleMatch(in); ok && r.Confidence >= e.cfg.RuleGate {
		res = r
	}
	e.recordUnmatched(ctx, in, best, res.Stage)
	return res
}

func (e *Engine) recordUnmatched(ctx context.Context, in Input, best Result, stage string) {
	c := UnmatchedCase{
		Timestamp:      e.now().UTC(),
		SessionID:      in.SessionID,
		DeliverableID:  in.DeliverableID,
		Title:          in.Title,
		Description:    truncate(in.Description, 200),
		BestType:       best.Type,
		BestConfidence: best.Confidence,
		Stage:          stage,
	}
	e.mu.Lock()
	e.ring[e.next] = c
	e.next = (e.next + 1) % len(e.ring)
	if e.next == 0 {
		e.full = true
	}
	e.mu.Unlock()

	if e.kv == nil {
		return
	}
	ns := db.NS(db.NSMotivationUnmatched, c.Timestamp.Format("2006-01-02"))
	key := strconv.FormatInt(c.Timestamp.UnixNano(), 10) + "_" + in.DeliverableID
	if err := db.PutJSON(ctx, e.kv, ns, key, c); err != nil {
		log.Warn().Err(err).Msg("store unmatched motivation case")
	}
}

// Unmatched returns the retained unmatched cases, oldest first.
func (e *Engine) Unmatched() []UnmatchedCase {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []UnmatchedCase
	if e.full {
		out = append(out, e.ring[e.next:]...)
	}
	out = append(out, e.ring[:e.next]...)
	return out
}

const llmPrompt = `You classify the motivation behind an interior design deliverable.
Allowed types: functional, emotional, aesthetic, social, cultural, commercial,
sustainable, wellness, technical, mixed. Reply with JSON only:
{"type": "<type>", "confidence": 0.0-1.0, "reasoning": "<one sentence>"}`

func (e *Engine) askLLM(ctx context.Context, in Input) (Result, bool) {
	if e.client == nil {
		return Result{}, false
	}
	sum := sha1.Sum([]byte(in.text()))
	key := hex.EncodeToString(sum[:])
	if r, ok := e.cache.Get(key); ok {
		return r, true
	}
	req := llm.NewPrompt(llmPrompt, fmt.Sprintf("Title: %s\nDescription: %s\nContext: %s", in.Title, in.Description, in.Context))
	req.Temperature = 0
	req.MaxTokens = 200
	resp, err := e.client.Complete(ctx, req)
	if err != nil {
		log.Warn().Err(err).Msg("motivation llm stage failed")
		return Result{}, false
	}
	var v struct {
		Type       string  `json:"type"`
		Confidence float64 `json:"confidence"`
		Reasoning  string  `json:"reasoning"`
	}
	if err := llm.DecodeJSON(resp.Content, &v); err != nil {
		log.Warn().Err(err).Msg("parse motivation verdict")
		return Result{}, false
	}
	t := Type(strings.ToLower(strings.TrimSpace(v.Type)))
	if !ValidType(t) {
		return Result{}, false
	}
	r := Result{Type: t, Confidence: min(max(v.Confidence, 0), 1), Stage: StageLLM, Reasoning: v.Reasoning}
	e.cache.Set(key, r)
	return r, true
}

// Field weights for keyword scoring.
const (
	titleWeight       = 2.0
	descriptionWeight = 1.0
	contextWeight     = 0.5
)

var keywords = map[Type][]string{
	Functional:  {"功能", "动线", "分区", "效率", "收纳", "布局", "function", "layout", "circulation", "storage", "efficiency", "zoning"},
	Emotional:   {"情感", "记忆", "温暖", "归属", "故事", "氛围", "emotion", "memory", "story", "belonging", "atmosphere"},
	Aesthetic:   {"美学", "风格", "色彩", "材质", "意境", "视觉", "aesthetic", "style", "palette", "mood board", "visual"},
	Social:      {"社交", "社区", "互动", "交流", "聚会", "social", "community", "gathering", "interaction"},
	Cultural:    {"文化", "传统", "地域", "非遗", "在地", "历史", "culture", "cultural", "heritage", "tradition", "local identity"},
	Commercial:  {"商业", "坪效", "品牌", "营收", "引流", "转化", "commercial", "brand", "revenue", "conversion", "retail"},
	Sustainable: {"可持续", "环保", "低碳", "节能", "再生", "sustainable", "sustainability", "low-carbon", "recycled", "energy saving"},
	Wellness:    {"健康", "疗愈", "康养", "舒适", "自然光", "wellness", "healing", "well-being", "biophilic", "comfort"},
	Technical:   {"结构", "机电", "声学", "消防", "规范", "智能化", "structural", "mep", "acoustic", "fire safety", "code compliance"},
}

// KeywordMatch scores in against the keyword table. Confidence blends the
// winner's share of the total with its absolute strength.
func KeywordMatch(in Input) (Result, bool) {
	title := strings.ToLower(in.Title)
	desc := strings.ToLower(in.Description)
	ctx := strings.ToLower(in.Context)

	scores := make(map[Type]float64)
	total := 0.0
	for t, words := range keywords {
		s := 0.0
		for _, w := range words {
			s += titleWeight*float64(strings.Count(title, w)) +
				descriptionWeight*float64(strings.Count(desc, w)) +
				contextWeight*float64(strings.Count(ctx, w))
		}
		if s > 0 {
			scores[t] = s
			total += s
		}
	}
	if total == 0 {
		return Result{}, false
	}
	ranked := make([]Type, 0, len(scores))
	for t := range scores {
		ranked = append(ranked, t)
	}
	sort.Slice(ranked, func(i, j int) bool {
		if scores[ranked[i]] != scores[ranked[j]] {
			return scores[ranked[i]] > scores[ranked[j]]
		}
		return ranked[i] < ranked[j]
	})
	top := ranked[0]
	share := scores[top] / total
	strength := min(scores[top]/3, 1)
	conf := 0.6*share + 0.4*strength
	return Result{
		Type:       top,
		Confidence: conf,
		Stage:      StageKeyword,
		Reasoning:  fmt.Sprintf("keyword score %.1f of %.1f", scores[top], total),
	}, true
}

type rule struct {
	name       string
	typ        Type
	confidence float64
	formats    []string
	terms      []string
}

var rules = []rule{
	{name: "visual_format", typ: Aesthetic, confidence: 0.6, formats: []string{"moodboard", "material_palette", "color_scheme", "visualization", "rendering_brief"}},
	{name: "technical_format", typ: Technical, confidence: 0.6, formats: []string{"structural_review", "mep_plan", "acoustic_plan", "hvac_plan", "fire_safety", "code_compliance"}},
	{name: "research_format", typ: Social, confidence: 0.55, formats: []string{"persona", "user_research", "journey_map", "survey"}},
	{name: "naming_format", typ: Emotional, confidence: 0.55, formats: []string{"naming", "brand_story", "narrative", "slogan"}},
	{name: "space_terms", typ: Functional, confidence: 0.55, terms: []string{"平米", "㎡", "面积", "sqm", "square"}},
	{name: "budget_terms", typ: Commercial, confidence: 0.5, terms: []string{"预算", "成本", "投资", "budget", "cost", "roi"}},
}

// RuleMatch returns the first rule matching the format or text.
func RuleMatch(in Input) (Result, bool) {
	lowered := strings.ToLower(in.text())
	for _, r := range rules {
		if matchesRule(r, in.Format, lowered) {
			return Result{Type: r.typ, Confidence: r.confidence, Stage: StageRule, Reasoning: "rule " + r.name}, true
		}
	}
	return Result{}, false
}

func matchesRule(r rule, format, lowered string) bool {
	for _, f := range r.formats {
		if f == format {
			return true
		}
	}
	for _, t := range r.terms {
		if strings.Contains(lowered, t) {
			return true
		}
	}
	return false
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
