// Package expert runs prompt-driven expert roles: prompt lookup, search
// grounding, the LLM call and structured output validation.
package expert

import (
	"bytes"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"text/template"

	"github.com/metalagman/atelier/internal/model"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

//go:embed prompts/*.yaml
var promptFS embed.FS

// Prompt names used by workflow nodes.
const (
	PromptRequirements = "requirements_analyst"
	PromptCalibration  = "calibration_questionnaire"
	PromptDirector     = "project_director"
	PromptReview       = "review"
	PromptAggregator   = "result_aggregator"
	PromptFollowup     = "followup"
)

// Prompt is one registry entry. System and User are text/template sources.
type Prompt struct {
	Name        string  `yaml:"-"`
	Temperature float64 `yaml:"temperature"`
	System      string  `yaml:"system"`
	User        string  `yaml:"user"`
	Schema      string  `yaml:"schema"`

	system *template.Template
	user   *template.Template
}

type promptFile struct {
	Version string             `yaml:"version"`
	Prompts map[string]*Prompt `yaml:"prompts"`
}

var funcs = template.FuncMap{
	"join": func(items any, sep string) string {
		switch v := items.(type) {
		case []string:
			return strings.Join(v, sep)
		case []model.RoleType:
			parts := make([]string, 0, len(v))
			for _, rt := range v {
				parts = append(parts, string(rt))
			}
			return strings.Join(parts, sep)
		default:
			return fmt.Sprint(items)
		}
	},
}

// Registry resolves prompts by role id, role type or node name.
type Registry struct {
	prompts map[string]*Prompt
}

// LoadRegistry parses the embedded prompts and applies overrides from dir.
// Override files are *.yaml in the same format; set fields replace the
// embedded ones.
func LoadRegistry(dir string) (*Registry, error) {
	data, err := promptFS.ReadFile("prompts/default.yaml")
	if err != nil {
		return nil, fmt.Errorf("read embedded prompts: %w", err)
	}
	base, err := parsePromptFile(data)
	if err != nil {
		return nil, fmt.Errorf("parse embedded prompts: %w", err)
	}
	if dir != "" {
		files, err := filepath.Glob(filepath.Join(dir, "*.yaml"))
		if err != nil {
			return nil, fmt.Errorf("list prompt overrides: %w", err)
		}
		sort.Strings(files)
		for _, path := range files {
			raw, err := os.ReadFile(path)
			if err != nil {
				return nil, fmt.Errorf("read prompt override %s: %w", path, err)
			}
			over, err := parsePromptFile(raw)
			if err != nil {
				return nil, fmt.Errorf("parse prompt override %s: %w", path, err)
			}
			for name, p := range over {
				base[name] = merge(base[name], p)
			}
			log.Debug().Str("path", path).Int("prompts", len(over)).Msg("prompt overrides applied")
		}
	}
	for name, p := range base {
		p.Name = name
		if err := p.compile(); err != nil {
			return nil, err
		}
	}
	return &Registry{prompts: base}, nil
}

func parsePromptFile(data []byte) (map[string]*Prompt, error) {
	var f promptFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	out := make(map[string]*Prompt, len(f.Prompts))
	for name, p := range f.Prompts {
		if p != nil {
			out[name] = p
		}
	}
	return out, nil
}

func merge(base, over *Prompt) *Prompt {
	if base == nil {
		return over
	}
	out := *base
	if over.Temperature > 0 {
		out.Temperature = over.Temperature
	}
	if over.System != "" {
		out.System = over.System
	}
	if over.User != "" {
		out.User = over.User
	}
	if over.Schema != "" {
		out.Schema = over.Schema
	}
	return &out
}

func (p *Prompt) compile() error {
	var err error
	if p.system, err = template.New(p.Name + ".system").Funcs(funcs).Parse(p.System); err != nil {
		return fmt.Errorf("parse prompt %s system: %w", p.Name, err)
	}
	if p.user, err = template.New(p.Name + ".user").Funcs(funcs).Parse(p.User); err != nil {
		return fmt.Errorf("parse prompt %s user: %w", p.Name, err)
	}
	return nil
}

// Render executes both templates against data.
func (p *Prompt) Render(data any) (system, user string, err error) {
	var sb, ub bytes.Buffer
	if err := p.system.Execute(&sb, data); err != nil {
		return "", "", fmt.Errorf("execute prompt %s system: %w", p.Name, err)
	}
	if err := p.user.Execute(&ub, data); err != nil {
		return "", "", fmt.Errorf("execute prompt %s user: %w", p.Name, err)
	}
	return strings.TrimSpace(sb.String()), strings.TrimSpace(ub.String()), nil
}

// Get returns the prompt registered under name.
func (r *Registry) Get(name string) (*Prompt, bool) {
	p, ok := r.prompts[name]
	return p, ok
}

// ForRole resolves a role id first, then its role type.
func (r *Registry) ForRole(role model.RoleDescriptor) (*Prompt, bool) {
	if p, ok := r.prompts[role.RoleID]; ok {
		return p, true
	}
	role = role.Normalize()
	p, ok := r.prompts[string(role.RoleType)]
	return p, ok
}

// Names lists registered prompts in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.prompts))
	for name := range r.prompts {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
