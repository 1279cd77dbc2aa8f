package expert

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/metalagman/atelier/internal/llm"
	"github.com/metalagman/atelier/internal/logging"
	"github.com/metalagman/atelier/internal/model"
	"github.com/metalagman/atelier/internal/search"
	"github.com/rs/zerolog/log"
)

// AgentResult metadata keys.
const (
	// MetaSearches holds []SearchSummary.
	MetaSearches = "searches"
	// MetaErrorKind holds the llm.Kind of a failed call.
	MetaErrorKind = "error_kind"
)

// ErrInvalidOutput is returned when no attempt produced schema-valid JSON.
var ErrInvalidOutput = errors.New("invalid structured output")

const stricterInstruction = "上一次输出不符合要求（%s）。请只输出一个合法的 JSON 对象，严格遵守给定格式，不要输出任何解释或 Markdown 代码块。"

// LLM is the gateway surface the executor needs.
type LLM interface {
	NewRequest(system, user string) llm.Request
	Complete(ctx context.Context, req llm.Request) (llm.Response, error)
}

// Searcher runs deliverable searches.
type Searcher interface {
	SearchForDeliverable(ctx context.Context, d model.Deliverable, project model.ProjectContext, role model.RoleType) search.Outcome
}

// Config tunes the executor.
type Config struct {
	MaxRetries          int
	CitationTokenBudget int
	RoleTimeout         time.Duration
}

// Task is one expert assignment for one round.
type Task struct {
	SessionID    string
	Role         model.RoleDescriptor
	Deliverables []model.Deliverable
	Project      model.ProjectContext
	UserInput    string
	Feedback     []string
	Round        int
	// References numbers citations across the session. Nil uses a private
	// registry.
	References *search.Registry
}

// SearchSummary describes one deliverable search run for a role.
type SearchSummary struct {
	RoleID         string          `json:"role_id"`
	DeliverableID  string          `json:"deliverable_id"`
	Tool           search.ToolName `json:"tool"`
	Query          string          `json:"query"`
	Results        int             `json:"results"`
	RetryLevel     int             `json:"retry_level"`
	QualityWarning bool            `json:"quality_warning"`
	Error          string          `json:"error,omitempty"`
}

// Reply is a validated structured completion.
type Reply struct {
	Doc      map[string]any
	Raw      string
	Response llm.Response
	Attempts int
}

// Executor runs expert roles.
type Executor struct {
	llm      LLM
	registry *Registry
	searcher Searcher
	cfg      Config
}

// NewExecutor creates an executor. searcher may be nil to disable grounding.
func NewExecutor(client LLM, registry *Registry, searcher Searcher, cfg Config) *Executor {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.CitationTokenBudget <= 0 {
		cfg.CitationTokenBudget = 3000
	}
	return &Executor{llm: client, registry: registry, searcher: searcher, cfg: cfg}
}

// Registry returns the prompt registry.
func (e *Executor) Registry() *Registry { return e.registry }

// Call renders p with data and asks for a JSON reply, re-prompting with a
// stricter instruction until the reply decodes and validates. Provider
// errors are returned without re-prompting. When out is non-nil the
// validated document is decoded into it.
func (e *Executor) Call(ctx context.Context, p *Prompt, data any, out any) (Reply, error) {
	system, user, err := p.Render(data)
	if err != nil {
		return Reply{}, err
	}
	var lastErr error
	for attempt := 0; attempt <= e.cfg.MaxRetries; attempt++ {
		prompt := user
		if lastErr != nil {
			prompt = user + "\n\n" + fmt.Sprintf(stricterInstruction, truncateRunes(lastErr.Error(), 300))
		}
		req := e.llm.NewRequest(system, prompt)
		if p.Temperature > 0 {
			req.Temperature = p.Temperature
		}
		resp, err := e.llm.Complete(ctx, req)
		if err != nil {
			return Reply{Attempts: attempt + 1}, fmt.Errorf("prompt %s: %w", p.Name, err)
		}
		doc, err := decodeReply(resp.Content, p.Schema)
		if err == nil {
			if out != nil {
				if err := remarshal(doc, out); err != nil {
					return Reply{Attempts: attempt + 1}, fmt.Errorf("prompt %s: %w: %w", p.Name, ErrInvalidOutput, err)
				}
			}
			return Reply{Doc: doc, Raw: resp.Content, Response: resp, Attempts: attempt + 1}, nil
		}
		lastErr = err
		log.Warn().Err(err).Str("prompt", p.Name).Int("attempt", attempt+1).Msg("structured output rejected")
	}
	return Reply{Attempts: e.cfg.MaxRetries + 1}, fmt.Errorf("prompt %s: %w: %w", p.Name, ErrInvalidOutput, lastErr)
}

func decodeReply(content, schema string) (map[string]any, error) {
	var doc map[string]any
	if err := llm.DecodeJSON(content, &doc); err != nil {
		return nil, err
	}
	if err := ValidateOutput(schema, doc); err != nil {
		return nil, err
	}
	return doc, nil
}

func remarshal(doc map[string]any, out any) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

type expertOutput struct {
	Content      string   `json:"content"`
	Confidence   *float64 `json:"confidence"`
	Deliverables []struct {
		DeliverableID string `json:"deliverable_id"`
		Output        string `json:"output"`
	} `json:"deliverables"`
	OpenIssues []string `json:"open_issues"`
}

type expertData struct {
	Role         model.RoleDescriptor
	Deliverables []model.Deliverable
	Project      model.ProjectContext
	UserInput    string
	Citations    string
	Feedback     []string
	Round        int
}

// Execute runs one expert task. Failures are reported in AgentResult.Error;
// Execute never panics.
func (e *Executor) Execute(ctx context.Context, task Task) (res model.AgentResult) {
	role := task.Role.Normalize()
	started := time.Now()
	res = model.AgentResult{
		AgentType: string(role.RoleType),
		RoleID:    role.RoleID,
		Round:     task.Round,
		Metadata:  map[string]any{},
	}
	logger := logging.Session("expert", task.SessionID).With().Str("role_id", role.RoleID).Int("round", task.Round).Logger()
	defer func() {
		if r := recover(); r != nil {
			res.Error = fmt.Sprintf("expert panic: %v", r)
			res.Metadata["traceback"] = string(debug.Stack())
			logger.Error().Str("panic", fmt.Sprint(r)).Msg("expert panicked")
		}
		res.Metadata["duration_ms"] = time.Since(started).Milliseconds()
	}()

	if e.cfg.RoleTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.RoleTimeout)
		defer cancel()
	}

	p, ok := e.registry.ForRole(role)
	if !ok {
		res.Error = fmt.Sprintf("no prompt for role %s", role.RoleID)
		return res
	}

	tools := search.PermittedTools(role.RoleType)
	toolNames := make([]string, 0, len(tools))
	for _, t := range tools {
		toolNames = append(toolNames, string(t))
	}
	res.Metadata["tools"] = toolNames

	refs := task.References
	if refs == nil {
		refs = search.NewRegistry()
	}
	citations, sources, searches := e.ground(ctx, task, role, refs)
	res.Sources = sources
	if len(searches) > 0 {
		res.Metadata[MetaSearches] = searches
	}

	var out expertOutput
	reply, err := e.Call(ctx, p, expertData{
		Role:         role,
		Deliverables: task.Deliverables,
		Project:      task.Project,
		UserInput:    task.UserInput,
		Citations:    citations,
		Feedback:     task.Feedback,
		Round:        task.Round,
	}, &out)
	res.Metadata["attempts"] = reply.Attempts
	if err != nil {
		res.Error = err.Error()
		res.Metadata[MetaErrorKind] = string(llm.KindOf(err))
		logger.Warn().Err(err).Msg("expert failed")
		return res
	}

	res.Content = out.Content
	res.StructuredData = reply.Doc
	res.Confidence = 0.8
	if out.Confidence != nil {
		res.Confidence = min(max(*out.Confidence, 0), 1)
	}
	res.Metadata["provider"] = reply.Response.Provider
	res.Metadata["model"] = reply.Response.Model
	logger.Info().
		Int("sources", len(res.Sources)).
		Int("attempts", reply.Attempts).
		Float64("confidence", res.Confidence).
		Msg("expert finished")
	return res
}

// ground searches every deliverable that requires it and renders the
// citation block within the token budget.
func (e *Executor) ground(ctx context.Context, task Task, role model.RoleDescriptor, refs *search.Registry) (string, []model.Source, []SearchSummary) {
	if e.searcher == nil || len(search.PermittedTools(role.RoleType)) == 0 {
		return "", nil, nil
	}
	var (
		sources  []model.Source
		results  []search.Result
		searches []SearchSummary
		seen     = make(map[int]struct{})
	)
	for _, d := range task.Deliverables {
		if !d.RequireSearch {
			continue
		}
		outcome := e.searcher.SearchForDeliverable(ctx, d, task.Project, role.RoleType)
		searches = append(searches, SearchSummary{
			RoleID:         role.RoleID,
			DeliverableID:  d.ID,
			Tool:           outcome.Tool,
			Query:          outcome.Query,
			Results:        len(outcome.Results),
			RetryLevel:     outcome.RetryLevel,
			QualityWarning: outcome.QualityWarning,
			Error:          outcome.Error,
		})
		registered := refs.Register(d.ID, outcome.Results)
		for i, src := range registered {
			if _, dup := seen[src.ReferenceNumber]; dup {
				continue
			}
			seen[src.ReferenceNumber] = struct{}{}
			sources = append(sources, src)
			r := outcome.Results[i]
			r.ReferenceNumber = src.ReferenceNumber
			results = append(results, r)
		}
	}
	return FormatCitations(results, e.cfg.CitationTokenBudget), sources, searches
}

// FormatCitations renders numbered citations, cutting the block at budget
// tokens.
func FormatCitations(results []search.Result, budget int) string {
	var b strings.Builder
	used := 0
	for _, r := range results {
		body := r.Snippet
		if body == "" {
			body = r.Content
		}
		entry := fmt.Sprintf("[%d] %s (%s)\n%s\n", r.ReferenceNumber, r.Title, r.URL, truncateRunes(body, 400))
		n := llm.CountTokens(entry)
		if used+n > budget {
			if rest := budget - used; rest > 0 {
				b.WriteString(llm.TruncateTokens(entry, rest))
			}
			break
		}
		b.WriteString(entry)
		used += n
	}
	return strings.TrimSpace(b.String())
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
