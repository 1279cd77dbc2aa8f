package safety

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testRulesV1 = `version: "1"
keywords:
  test_high:
    enabled: true
    severity: high
    words: [hx]
  test_medium:
    enabled: true
    severity: medium
    words: [mx]
  test_low:
    enabled: true
    severity: low
    words: [lx]
privacy_patterns:
  phone_cn:
    enabled: true
    pattern: '(?:^|[^\d])(1[3-9]\d{9})(?:[^\d]|$)'
    severity: medium
evasion_patterns:
  override:
    enabled: true
    pattern: '(?i)ignore previous instructions'
    severity: high
detection_config:
  enable_privacy_check: true
  enable_evasion_check: true
  short_text_length: 500
  high_allow_length: 200
  low_density_threshold: 10
whitelist:
  - hx-safe
`

func writeRules(t *testing.T, body string) (string, *RuleLoader) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "security_rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	l, err := NewRuleLoader(path)
	require.NoError(t, err)
	return path, l
}

func TestParseRulesRequiresTopLevelKeys(t *testing.T) {
	t.Parallel()

	_, err := ParseRules([]byte("version: '1'\nkeywords: {}\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "privacy_patterns")
}

func TestParseRulesRejectsBadPatternAndSeverity(t *testing.T) {
	t.Parallel()

	base := "version: '1'\nkeywords: {}\nevasion_patterns: {}\ndetection_config: {}\n"
	_, err := ParseRules([]byte(base + "privacy_patterns:\n  bad:\n    enabled: true\n    pattern: '('\n    severity: low\n"))
	require.Error(t, err)

	_, err = ParseRules([]byte(base + "privacy_patterns:\n  bad:\n    enabled: true\n    pattern: 'x'\n    severity: extreme\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid severity")
}

func TestEmbeddedDefaultsParse(t *testing.T) {
	t.Parallel()

	rs, err := ParseRules(DefaultRulesYAML())
	require.NoError(t, err)
	assert.NotEmpty(t, rs.Keywords)
	assert.Equal(t, 500, rs.Detection.ShortTextLength)
	assert.True(t, rs.Detection.EnablePrivacyCheck)
}

func TestLoaderFallsBackToEmbeddedRules(t *testing.T) {
	t.Parallel()

	l, err := NewRuleLoader(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	rs := l.Current()
	require.NotNil(t, rs)
	assert.Contains(t, rs.Keywords, "violence")
}

func TestLoaderPicksUpFileChangeOnNextAccess(t *testing.T) {
	t.Parallel()

	path, l := writeRules(t, testRulesV1)
	first := l.Current()
	assert.Equal(t, "1", first.Version)

	updated := []byte(`version: "2"` + testRulesV1[len(`version: "1"`):])
	require.NoError(t, os.WriteFile(path, updated, 0o600))
	future := time.Now().Add(time.Hour)
	require.NoError(t, os.Chtimes(path, future, future))

	second := l.Current()
	assert.Equal(t, "2", second.Version)
	assert.Equal(t, "1", first.Version, "readers keep the version they loaded")
	assert.EqualValues(t, 2, l.Reloads())
}

func TestLoaderKeepsPreviousRulesOnInvalidFile(t *testing.T) {
	t.Parallel()

	path, l := writeRules(t, testRulesV1)
	require.NoError(t, os.WriteFile(path, []byte("version: [broken"), 0o600))
	future := time.Now().Add(time.Hour)
	require.NoError(t, os.Chtimes(path, future, future))

	rs := l.Current()
	require.NotNil(t, rs)
	assert.Equal(t, "1", rs.Version)
	assert.Error(t, l.Reload())
}

func TestLoaderWatchReloadsOnWrite(t *testing.T) {
	t.Parallel()

	path, l := writeRules(t, testRulesV1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, l.Watch(ctx))

	updated := []byte(`version: "3"` + testRulesV1[len(`version: "1"`):])
	require.NoError(t, os.WriteFile(path, updated, 0o600))

	assert.Eventually(t, func() bool {
		return l.current.Load().Version == "3"
	}, 5*time.Second, 20*time.Millisecond)
}

func TestInitRulesInstallsProcessLoader(t *testing.T) {
	path, _ := writeRules(t, testRulesV1)
	l, err := InitRules(path)
	require.NoError(t, err)
	assert.Same(t, l, Rules())
	assert.Equal(t, path, Rules().Path())
}
