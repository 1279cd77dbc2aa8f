// Package diag runs deployment and search tool health checks.
package diag

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/metalagman/atelier/internal/app"
	"github.com/metalagman/atelier/internal/config"
	"github.com/metalagman/atelier/internal/db"
	"github.com/metalagman/atelier/internal/expert"
	"github.com/metalagman/atelier/internal/llm/providers"
	"github.com/metalagman/atelier/internal/safety"
	"github.com/metalagman/atelier/internal/search"
)

// Check outcomes.
const (
	StatusPass = "pass"
	StatusWarn = "warn"
	StatusFail = "fail"
)

// ErrChecksFailed signals that at least one check failed.
var ErrChecksFailed = errors.New("diagnostic checks failed")

// Check is one diagnostic line.
type Check struct {
	Name     string        `json:"name"`
	Status   string        `json:"status"`
	Detail   string        `json:"detail"`
	Duration time.Duration `json:"duration,omitempty"`
}

// Failed reports whether any check failed.
func Failed(checks []Check) bool {
	for _, c := range checks {
		if c.Status == StatusFail {
			return true
		}
	}
	return false
}

func pass(name, format string, args ...any) Check {
	return Check{Name: name, Status: StatusPass, Detail: fmt.Sprintf(format, args...)}
}

func warn(name, format string, args ...any) Check {
	return Check{Name: name, Status: StatusWarn, Detail: fmt.Sprintf(format, args...)}
}

func fail(name string, err error) Check {
	return Check{Name: name, Status: StatusFail, Detail: err.Error()}
}

// VerifyDeployment checks configuration, storage, rules, prompts and
// provider credentials.
func VerifyDeployment(ctx context.Context, cfg config.Config) []Check {
	var checks []Check

	if err := cfg.Validate(); err != nil {
		checks = append(checks, fail("config", err))
	} else {
		checks = append(checks, pass("config", "env=%s primary=%s", cfg.App.Env, cfg.LLM.Primary))
	}

	checks = append(checks, writable("data dir", cfg.App.DataDir))
	checks = append(checks, database(ctx, cfg.Storage.DBPath))

	if rules, err := safety.NewRuleLoader(cfg.Safety.RulesFile); err != nil {
		checks = append(checks, fail("safety rules", err))
	} else {
		rs := rules.Current()
		checks = append(checks, pass("safety rules", "version %s, %d keyword categories", rs.Version, len(rs.Keywords)))
	}

	if reg, err := expert.LoadRegistry(cfg.Expert.PromptsDir); err != nil {
		checks = append(checks, fail("prompts", err))
	} else {
		checks = append(checks, pass("prompts", "%d prompts loaded", len(reg.Names())))
	}

	for i, name := range cfg.LLM.ProviderOrder() {
		checks = append(checks, provider(cfg, name, i == 0))
	}

	if cfg.Image.APIKey == "" {
		checks = append(checks, warn("image generation", "disabled, no api key"))
	} else {
		checks = append(checks, writable("image output", cfg.Image.OutputDir))
	}
	return checks
}

func provider(cfg config.Config, name string, primary bool) Check {
	label := "llm " + name
	pc := cfg.LLM.Providers[name]
	if pc.Type == providers.TypeOllama {
		return pass(label, "local model %s at %s", pc.Model, pc.BaseURL)
	}
	if n := len(pc.Keys()); n > 0 {
		return pass(label, "model %s, %d key(s)", pc.Model, n)
	}
	if primary && cfg.App.Env == "production" {
		return fail(label, errors.New("no api key configured"))
	}
	return warn(label, "no api key configured")
}

func writable(name, dir string) Check {
	if dir == "" {
		return warn(name, "not configured")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fail(name, err)
	}
	f, err := os.CreateTemp(dir, ".probe-*")
	if err != nil {
		return fail(name, err)
	}
	_ = f.Close()
	_ = os.Remove(f.Name())
	return pass(name, "%s is writable", dir)
}

func database(ctx context.Context, path string) Check {
	started := time.Now()
	conn, err := db.Open(path)
	if err != nil {
		return fail("database", err)
	}
	defer func() { _ = conn.Close() }()
	if err := conn.PingContext(ctx); err != nil {
		return fail("database", err)
	}
	c := pass("database", "%s migrated", filepath.Clean(path))
	c.Duration = time.Since(started)
	return c
}

// QuickCheckTools reports which search backends are configured without
// calling them.
func QuickCheckTools(cfg config.Config) []Check {
	var checks []Check
	sc := cfg.Search

	if sc.WebAPIKey != "" {
		checks = append(checks, pass(string(search.ToolWeb), "tavily at %s", sc.WebBaseURL))
	} else {
		checks = append(checks, warn(string(search.ToolWeb), "no api key, web search disabled"))
	}
	if sc.ChineseWebAPIKey != "" {
		checks = append(checks, pass(string(search.ToolChineseWeb), "bocha at %s", sc.ChineseWebBaseURL))
	} else {
		checks = append(checks, warn(string(search.ToolChineseWeb), "no api key, chinese web search disabled"))
	}
	checks = append(checks, pass(string(search.ToolAcademic), "arxiv at %s", firstNonEmpty(sc.AcademicBaseURL, search.DefaultArxivURL)))

	kb, err := search.LoadKBDir(sc.KBDir)
	if err != nil {
		checks = append(checks, fail(string(search.ToolKB), err))
	} else {
		n, _ := kb.Count()
		_ = kb.Close()
		if n == 0 {
			checks = append(checks, warn(string(search.ToolKB), "no documents in %q", sc.KBDir))
		} else {
			checks = append(checks, pass(string(search.ToolKB), "%d documents", n))
		}
	}

	if _, err := search.LoadTrustList(sc.TrustListFile); err != nil {
		checks = append(checks, fail("trust list", err))
	} else {
		checks = append(checks, pass("trust list", "loaded"))
	}

	if !Failed(checks) && sc.WebAPIKey == "" && sc.ChineseWebAPIKey == "" {
		checks = append(checks, warn("coverage", "only academic and knowledge-base search are available"))
	}
	return checks
}

// DiagnoseSearchTools runs query against every configured backend.
func DiagnoseSearchTools(ctx context.Context, cfg config.Config, query string) []Check {
	ts, err := search.BuildTools(app.SearchToolsConfig(cfg))
	if err != nil {
		return []Check{fail("search tools", err)}
	}
	defer func() { _ = ts.Close() }()
	return ProbeTools(ctx, ts.Tools, query, cfg.Search.Timeout)
}

// ProbeTools calls each tool once and reports hit counts and latency.
func ProbeTools(ctx context.Context, tools []search.Tool, query string, timeout time.Duration) []Check {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	checks := make([]Check, 0, len(tools))
	for _, tool := range tools {
		name := string(tool.Name())
		tctx, cancel := context.WithTimeout(ctx, timeout)
		started := time.Now()
		results, err := tool.Search(tctx, query, search.Options{MaxResults: 5, Timeout: timeout})
		cancel()

		var c Check
		switch {
		case err != nil:
			c = fail(name, err)
		case len(results) == 0:
			c = warn(name, "no results for %q", query)
		default:
			c = pass(name, "%d results, top: %s", len(results), results[0].Title)
		}
		c.Duration = time.Since(started)
		checks = append(checks, c)
	}
	return checks
}

var (
	passStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("2")).Bold(true)
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("3")).Bold(true)
	failStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("1")).Bold(true)
	nameStyle   = lipgloss.NewStyle().Width(18)
	detailStyle = lipgloss.NewStyle().Faint(true)
)

// Render writes one styled line per check followed by a summary.
func Render(w io.Writer, title string, checks []Check) {
	_, _ = fmt.Fprintln(w, lipgloss.NewStyle().Bold(true).Underline(true).Render(title))
	counts := map[string]int{}
	for _, c := range checks {
		counts[c.Status]++
		badge := passStyle.Render("PASS")
		switch c.Status {
		case StatusWarn:
			badge = warnStyle.Render("WARN")
		case StatusFail:
			badge = failStyle.Render("FAIL")
		}
		line := fmt.Sprintf("  %s %s %s", badge, nameStyle.Render(c.Name), c.Detail)
		if c.Duration > 0 {
			line += " " + detailStyle.Render(c.Duration.Round(time.Millisecond).String())
		}
		_, _ = fmt.Fprintln(w, line)
	}
	_, _ = fmt.Fprintf(w, "\n%d passed, %d warnings, %d failed\n", counts[StatusPass], counts[StatusWarn], counts[StatusFail])
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
