package diag

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/metalagman/atelier/internal/config"
	"github.com/metalagman/atelier/internal/search"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.App.DataDir = dir
	cfg.Storage.DBPath = filepath.Join(dir, "atelier.db")
	cfg.Safety.RulesFile = ""
	cfg.Search.KBDir = filepath.Join(dir, "kb")
	cfg.Image.OutputDir = filepath.Join(dir, "images")
	return cfg
}

func byName(checks []Check) map[string]Check {
	out := make(map[string]Check, len(checks))
	for _, c := range checks {
		out[c.Name] = c
	}
	return out
}

func TestVerifyDeployment(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)

	checks := VerifyDeployment(context.Background(), cfg)
	require.False(t, Failed(checks), "%+v", checks)

	got := byName(checks)
	assert.Equal(t, StatusPass, got["config"].Status)
	assert.Equal(t, StatusPass, got["database"].Status)
	assert.Equal(t, StatusPass, got["safety rules"].Status)
	assert.Equal(t, StatusPass, got["prompts"].Status)
	assert.Equal(t, StatusWarn, got["llm openai"].Status)
	assert.Equal(t, StatusWarn, got["image generation"].Status)
}

func TestVerifyDeploymentProductionNeedsKey(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	cfg.App.Env = "production"

	checks := VerifyDeployment(context.Background(), cfg)
	assert.True(t, Failed(checks))
	assert.Equal(t, StatusFail, byName(checks)["llm openai"].Status)
}

func TestQuickCheckTools(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	require.NoError(t, os.MkdirAll(cfg.Search.KBDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(cfg.Search.KBDir, "lighting.md"), []byte("# 照明\n咖啡厅照明"), 0o644))
	cfg.Search.WebAPIKey = "tvly-test"

	got := byName(QuickCheckTools(cfg))
	assert.Equal(t, StatusPass, got["web"].Status)
	assert.Equal(t, StatusWarn, got["chinese_web"].Status)
	assert.Equal(t, StatusPass, got["academic"].Status)
	assert.Equal(t, StatusPass, got["kb"].Status)
	assert.Equal(t, "1 documents", got["kb"].Detail)
	assert.NotContains(t, got, "coverage")
}

type stubTool struct {
	name    search.ToolName
	results []search.Result
	err     error
}

func (s stubTool) Name() search.ToolName { return s.name }

func (s stubTool) Search(context.Context, string, search.Options) ([]search.Result, error) {
	return s.results, s.err
}

func TestProbeTools(t *testing.T) {
	t.Parallel()
	tools := []search.Tool{
		stubTool{name: search.ToolWeb, results: []search.Result{{Title: "咖啡厅设计趋势"}}},
		stubTool{name: search.ToolAcademic},
		stubTool{name: search.ToolChineseWeb, err: errors.New("status 401")},
	}

	checks := ProbeTools(context.Background(), tools, "咖啡厅", 0)
	require.Len(t, checks, 3)
	assert.Equal(t, StatusPass, checks[0].Status)
	assert.Contains(t, checks[0].Detail, "咖啡厅设计趋势")
	assert.Equal(t, StatusWarn, checks[1].Status)
	assert.Equal(t, StatusFail, checks[2].Status)
	assert.True(t, Failed(checks))

	var buf bytes.Buffer
	Render(&buf, "search tools", checks)
	out := buf.String()
	assert.Contains(t, out, "PASS")
	assert.Contains(t, out, "FAIL")
	assert.Contains(t, out, "1 passed, 1 warnings, 1 failed")
}
