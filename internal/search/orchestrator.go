package search

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/metalagman/atelier/internal/metrics"
	"github.com/metalagman/atelier/internal/model"
	"github.com/rs/zerolog/log"
)

// Retry levels.
const (
	LevelPrecise = iota
	LevelRelaxed
	LevelBroadened
	LevelSwapped
)

// roleTools is the closed role-to-tool permission map, in preference order.
var roleTools = map[model.RoleType][]ToolName{
	model.RoleDirector:   nil,
	model.RoleNarrative:  {ToolChineseWeb, ToolWeb, ToolKB},
	model.RoleResearcher: {ToolChineseWeb, ToolWeb, ToolAcademic, ToolKB},
	model.RoleScene:      {ToolChineseWeb, ToolWeb, ToolKB},
	model.RoleEngineer:   {ToolChineseWeb, ToolWeb, ToolAcademic, ToolKB},
}

// swapTool is the level 3 substitute for each tool.
var swapTool = map[ToolName]ToolName{
	ToolAcademic:   ToolWeb,
	ToolKB:         ToolChineseWeb,
	ToolChineseWeb: ToolWeb,
	ToolWeb:        ToolChineseWeb,
}

// academicFormats prefer the academic tool when the role allows it.
var academicFormats = map[string]struct{}{
	"literature_review": {}, "user_research": {}, "acoustic_plan": {}, "wellness": {},
	"sustainability": {}, "accessibility": {}, "cultural_research": {}, "structural_review": {},
}

// PermittedTools returns the tools role may use.
func PermittedTools(role model.RoleType) []ToolName {
	return append([]ToolName(nil), roleTools[role]...)
}

// Config tunes the orchestrator.
type Config struct {
	Timeout            time.Duration
	RelevanceThreshold float64
	RelaxedThreshold   float64
	MinContentLength   int
	MinResults         int
	MaxResults         int
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.RelevanceThreshold <= 0 {
		c.RelevanceThreshold = DefaultRelevanceThreshold
	}
	if c.RelaxedThreshold <= 0 {
		c.RelaxedThreshold = DefaultRelaxedThreshold
	}
	if c.MinContentLength <= 0 {
		c.MinContentLength = DefaultMinContentLength
	}
	if c.MinResults <= 0 {
		c.MinResults = DefaultMinResults
	}
	if c.MaxResults <= 0 {
		c.MaxResults = 10
	}
	return c
}

// Orchestrator runs per-deliverable searches with QC and retry escalation.
type Orchestrator struct {
	tools map[ToolName]Tool
	trust *TrustList
	cfg   Config
	rec   *metrics.Recorder
	now   func() time.Time
}

// NewOrchestrator registers tools. trust and rec may be nil.
func NewOrchestrator(cfg Config, trust *TrustList, rec *metrics.Recorder, tools ...Tool) *Orchestrator {
	o := &Orchestrator{
		tools: make(map[ToolName]Tool, len(tools)),
		trust: trust,
		cfg:   cfg.withDefaults(),
		rec:   rec,
		now:   time.Now,
	}
	for _, t := range tools {
		if t != nil {
			o.tools[t.Name()] = t
		}
	}
	return o
}

// Tools returns the registered tools.
func (o *Orchestrator) Tools() map[ToolName]Tool {
	out := make(map[ToolName]Tool, len(o.tools))
	for k, v := range o.tools {
		out[k] = v
	}
	return out
}

// SelectTool picks the registered tool role should use for d.
func (o *Orchestrator) SelectTool(d model.Deliverable, role model.RoleType) (ToolName, bool) {
	permitted := roleTools[role]
	has := func(name ToolName) bool {
		if _, ok := o.tools[name]; !ok {
			return false
		}
		for _, p := range permitted {
			if p == name {
				return true
			}
		}
		return false
	}
	if _, ok := academicFormats[d.Format]; ok && has(ToolAcademic) {
		return ToolAcademic, true
	}
	if hasCJK(d.Name+d.Description) && has(ToolChineseWeb) {
		return ToolChineseWeb, true
	}
	for _, name := range []ToolName{ToolWeb, ToolChineseWeb, ToolKB, ToolAcademic} {
		if has(name) {
			return name, true
		}
	}
	return "", false
}

// SearchForDeliverable runs one escalating search for d. Tool failures are
// reported in Outcome.Error, never returned.
func (o *Orchestrator) SearchForDeliverable(ctx context.Context, d model.Deliverable, project model.ProjectContext, role model.RoleType) Outcome {
	out := Outcome{DeliverableID: d.ID}
	tool, ok := o.SelectTool(d, role)
	if !ok {
		out.Error = fmt.Sprintf("role %s has no search tool available", role)
		out.QualityWarning = true
		return out
	}
	out = o.escalate(ctx, d, project, tool)
	o.rec.SearchOutcome(string(out.Tool), len(out.Results), strconv.Itoa(out.RetryLevel))
	log.Info().
		Str("deliverable", d.ID).
		Str("tool", string(out.Tool)).
		Int("results", len(out.Results)).
		Int("retry_level", out.RetryLevel).
		Bool("quality_warning", out.QualityWarning).
		Msg("deliverable search finished")
	return out
}

func (o *Orchestrator) escalate(ctx context.Context, d model.Deliverable, project model.ProjectContext, tool ToolName) Outcome {
	best := Outcome{DeliverableID: d.ID, Tool: tool}
	consider := func(c Outcome) bool {
		if best.Query == "" || len(c.Results) > len(best.Results) {
			best = c
		}
		return len(c.Results) >= o.cfg.MinResults
	}
	finish := func(c Outcome) Outcome {
		c.QualityWarning = c.RetryLevel > 0 || len(c.Results) < o.cfg.MinResults
		return c
	}

	// Level 0 and 1 share one backend call.
	q := BuildQuery(d, project, tool, false)
	raw, err := o.call(ctx, tool, q.Text)
	level0 := Outcome{DeliverableID: d.ID, Tool: tool, Query: q.Text, RetryLevel: LevelPrecise}
	if err != nil {
		level0.Error = err.Error()
	} else {
		level0.Results = o.qc(raw, o.cfg.RelevanceThreshold)
	}
	if consider(level0) {
		return finish(level0)
	}
	if err == nil {
		level1 := Outcome{DeliverableID: d.ID, Tool: tool, Query: q.Text, RetryLevel: LevelRelaxed, Results: o.qc(raw, o.cfg.RelaxedThreshold)}
		if consider(level1) {
			return finish(level1)
		}
	}
	if ctx.Err() != nil {
		return finish(best)
	}

	broad := BuildQuery(d, project, tool, true)
	if broad.Text != q.Text {
		if c := o.attempt(ctx, d.ID, tool, broad.Text, LevelBroadened); consider(c) {
			return finish(c)
		}
	}
	if ctx.Err() != nil {
		return finish(best)
	}

	if alt, ok := swapTool[tool]; ok {
		if _, registered := o.tools[alt]; registered {
			altQuery := BuildQuery(d, project, alt, true)
			if c := o.attempt(ctx, d.ID, alt, altQuery.Text, LevelSwapped); consider(c) {
				return finish(c)
			}
		}
	}
	return finish(best)
}

func (o *Orchestrator) attempt(ctx context.Context, id string, tool ToolName, query string, level int) Outcome {
	c := Outcome{DeliverableID: id, Tool: tool, Query: query, RetryLevel: level}
	raw, err := o.call(ctx, tool, query)
	if err != nil {
		c.Error = err.Error()
		return c
	}
	c.Results = o.qc(raw, o.cfg.RelaxedThreshold)
	return c
}

func (o *Orchestrator) call(ctx context.Context, name ToolName, query string) ([]Result, error) {
	tool, ok := o.tools[name]
	if !ok {
		return nil, fmt.Errorf("search tool %s is not registered", name)
	}
	ctx, cancel := context.WithTimeout(ctx, o.cfg.Timeout)
	defer cancel()
	results, err := tool.Search(ctx, query, Options{MaxResults: o.cfg.MaxResults, Timeout: o.cfg.Timeout})
	if err != nil {
		log.Warn().Err(err).Str("tool", string(name)).Msg("search tool failed")
		return nil, err
	}
	for i := range results {
		if results[i].Tool == "" {
			results[i].Tool = name
		}
	}
	return results, nil
}

func (o *Orchestrator) qc(raw []Result, threshold float64) []Result {
	cp := append([]Result(nil), raw...)
	return RunQC(cp, QCOptions{
		RelevanceThreshold: threshold,
		MinContentLength:   o.cfg.MinContentLength,
		Trust:              o.trust,
		Now:                o.now(),
	})
}
