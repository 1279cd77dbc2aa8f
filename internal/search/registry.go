package search

import (
	"sort"
	"strings"
	"sync"

	"github.com/metalagman/atelier/internal/model"
)

// Reference is one bibliography entry.
type Reference struct {
	Number       int      `json:"number"`
	Title        string   `json:"title"`
	URL          string   `json:"url"`
	Tool         ToolName `json:"tool,omitempty"`
	Deliverables []string `json:"deliverables"`
}

// Registry numbers references globally across a session's deliverables.
// The same URL keeps its first number.
type Registry struct {
	mu      sync.Mutex
	byKey   map[string]*Reference
	ordered []*Reference
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{byKey: make(map[string]*Reference)}
}

// Register assigns global numbers to results and returns them as sources.
func (r *Registry) Register(deliverableID string, results []Result) []model.Source {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.Source, 0, len(results))
	for _, res := range results {
		key := strings.TrimRight(strings.TrimSpace(res.URL), "/")
		if key == "" {
			key = "title:" + normalizeText(res.Title)
		}
		ref, ok := r.byKey[key]
		if !ok {
			ref = &Reference{Number: len(r.ordered) + 1, Title: res.Title, URL: res.URL, Tool: res.Tool}
			r.byKey[key] = ref
			r.ordered = append(r.ordered, ref)
		}
		if !containsString(ref.Deliverables, deliverableID) {
			ref.Deliverables = append(ref.Deliverables, deliverableID)
		}
		out = append(out, model.Source{ReferenceNumber: ref.Number, Title: ref.Title, URL: ref.URL, Tool: string(ref.Tool)})
	}
	return out
}

// RegisterSources re-registers already numbered sources, used when
// rebuilding the bibliography from persisted results.
func (r *Registry) RegisterSources(deliverableID string, sources []model.Source) []model.Source {
	results := make([]Result, 0, len(sources))
	for _, s := range sources {
		results = append(results, Result{Title: s.Title, URL: s.URL, Tool: ToolName(s.Tool)})
	}
	return r.Register(deliverableID, results)
}

// References returns the bibliography in number order.
func (r *Registry) References() []Reference {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Reference, 0, len(r.ordered))
	for _, ref := range r.ordered {
		cp := *ref
		cp.Deliverables = append([]string(nil), ref.Deliverables...)
		sort.Strings(cp.Deliverables)
		out = append(out, cp)
	}
	return out
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
