package search

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/metalagman/atelier/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubTool struct {
	name ToolName

	mu      sync.Mutex
	queries []string
	fn      func(query string) ([]Result, error)
}

func (s *stubTool) Name() ToolName { return s.name }

func (s *stubTool) Search(_ context.Context, query string, _ Options) ([]Result, error) {
	s.mu.Lock()
	s.queries = append(s.queries, query)
	s.mu.Unlock()
	return s.fn(query)
}

func (s *stubTool) calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.queries...)
}

func fixed(results []Result) func(string) ([]Result, error) {
	return func(string) ([]Result, error) { return results, nil }
}

var cafeDeliverable = model.Deliverable{
	ID:            "D1",
	Name:          "Cafe benchmark",
	Description:   "Benchmark cafes for young professionals",
	Format:        "benchmark",
	RequireSearch: true,
}

func newTestOrchestrator(tools ...Tool) *Orchestrator {
	o := NewOrchestrator(Config{}, DefaultTrustList(), nil, tools...)
	o.now = func() time.Time { return time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC) }
	return o
}

func TestSearchForDeliverableRelaxesThreshold(t *testing.T) {
	t.Parallel()

	web := &stubTool{name: ToolWeb, fn: fixed(sixResults())}
	o := newTestOrchestrator(web)

	out := o.SearchForDeliverable(context.Background(), cafeDeliverable, model.ProjectContext{ProjectType: "restaurant"}, model.RoleNarrative)
	require.Len(t, out.Results, 3)
	assert.Equal(t, LevelRelaxed, out.RetryLevel)
	assert.True(t, out.QualityWarning)
	assert.Equal(t, ToolWeb, out.Tool)
	assert.Len(t, web.calls(), 1, "relaxing the threshold reuses the raw results")
	for i, r := range out.Results {
		assert.Equal(t, i+1, r.ReferenceNumber)
		if i > 0 {
			assert.GreaterOrEqual(t, out.Results[i-1].QualityScore, r.QualityScore)
		}
	}
}

func goodResults(prefix string, n int) []Result {
	out := make([]Result, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, Result{
			Title:          prefix + string(rune('A'+i)),
			URL:            "https://" + prefix + ".example/" + string(rune('a'+i)),
			Content:        longText(prefix + string(rune('a'+i))),
			RelevanceScore: 0.9,
		})
	}
	return out
}

func TestSearchForDeliverablePreciseLevel(t *testing.T) {
	t.Parallel()

	web := &stubTool{name: ToolWeb, fn: fixed(goodResults("web", 4))}
	out := newTestOrchestrator(web).SearchForDeliverable(context.Background(), cafeDeliverable, model.ProjectContext{}, model.RoleNarrative)
	assert.Equal(t, LevelPrecise, out.RetryLevel)
	assert.False(t, out.QualityWarning)
	assert.Len(t, out.Results, 4)
	assert.Contains(t, out.Query, "benchmark case study interior design")
}

func TestSearchForDeliverableBroadensThenSwaps(t *testing.T) {
	t.Parallel()

	web := &stubTool{name: ToolWeb, fn: fixed(goodResults("web", 1))}
	zh := &stubTool{name: ToolChineseWeb, fn: fixed(goodResults("zh", 3))}
	o := newTestOrchestrator(web, zh)

	out := o.SearchForDeliverable(context.Background(), cafeDeliverable, model.ProjectContext{ProjectType: "restaurant"}, model.RoleNarrative)
	assert.Equal(t, LevelSwapped, out.RetryLevel)
	assert.Equal(t, ToolChineseWeb, out.Tool)
	assert.True(t, out.QualityWarning)
	assert.Len(t, out.Results, 3)

	calls := web.calls()
	require.Len(t, calls, 2)
	assert.NotContains(t, calls[1], "restaurant interior design", "level 2 drops context phrases")
}

func TestSearchForDeliverableToolErrorNeverFails(t *testing.T) {
	t.Parallel()

	web := &stubTool{name: ToolWeb, fn: func(string) ([]Result, error) { return nil, errors.New("upstream down") }}
	out := newTestOrchestrator(web).SearchForDeliverable(context.Background(), cafeDeliverable, model.ProjectContext{}, model.RoleScene)
	assert.Empty(t, out.Results)
	assert.Contains(t, out.Error, "upstream down")
	assert.True(t, out.QualityWarning)
}

func TestSearchForDeliverableDirectorCannotSearch(t *testing.T) {
	t.Parallel()

	web := &stubTool{name: ToolWeb, fn: fixed(goodResults("web", 3))}
	out := newTestOrchestrator(web).SearchForDeliverable(context.Background(), cafeDeliverable, model.ProjectContext{}, model.RoleDirector)
	assert.Empty(t, out.Results)
	assert.NotEmpty(t, out.Error)
	assert.Empty(t, web.calls())
}

func TestSelectTool(t *testing.T) {
	t.Parallel()

	all := newTestOrchestrator(
		&stubTool{name: ToolWeb}, &stubTool{name: ToolChineseWeb},
		&stubTool{name: ToolAcademic}, &stubTool{name: ToolKB},
	)
	research := model.Deliverable{Format: "literature_review", Name: "Review"}
	tool, ok := all.SelectTool(research, model.RoleResearcher)
	require.True(t, ok)
	assert.Equal(t, ToolAcademic, tool)

	tool, _ = all.SelectTool(research, model.RoleNarrative)
	assert.Equal(t, ToolWeb, tool, "narrative role may not use academic search")

	tool, _ = all.SelectTool(model.Deliverable{Name: "用户画像"}, model.RoleScene)
	assert.Equal(t, ToolChineseWeb, tool)

	kbOnly := newTestOrchestrator(&stubTool{name: ToolKB})
	tool, ok = kbOnly.SelectTool(model.Deliverable{Name: "x"}, model.RoleEngineer)
	require.True(t, ok)
	assert.Equal(t, ToolKB, tool)
}

func TestPermittedTools(t *testing.T) {
	t.Parallel()

	assert.Empty(t, PermittedTools(model.RoleDirector))
	assert.ElementsMatch(t, []ToolName{ToolChineseWeb, ToolWeb, ToolKB}, PermittedTools(model.RoleNarrative))
	assert.ElementsMatch(t, []ToolName{ToolChineseWeb, ToolWeb, ToolAcademic, ToolKB}, PermittedTools(model.RoleEngineer))
}
