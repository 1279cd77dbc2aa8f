package safety

import (
	"bytes"
	"context"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

//go:embed default_rules.yaml
var defaultRulesYAML []byte

// DefaultRulesYAML returns the embedded ruleset.
func DefaultRulesYAML() []byte { return bytes.Clone(defaultRulesYAML) }

// Severity ranks a rule hit.
type Severity string

// Severities in ascending order.
const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

func (s Severity) rank() int {
	switch s {
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	default:
		return 0
	}
}

// KeywordCategory is a named keyword list.
type KeywordCategory struct {
	Enabled  bool     `yaml:"enabled"`
	Severity Severity `yaml:"severity"`
	Words    []string `yaml:"words"`
}

// Pattern is a named regular expression rule.
type Pattern struct {
	Enabled     bool     `yaml:"enabled"`
	Pattern     string   `yaml:"pattern"`
	Severity    Severity `yaml:"severity"`
	Description string   `yaml:"description"`

	re *regexp.Regexp
}

// DetectionConfig holds thresholds of the content check.
type DetectionConfig struct {
	EnablePrivacyCheck  bool    `yaml:"enable_privacy_check"`
	EnableEvasionCheck  bool    `yaml:"enable_evasion_check"`
	ShortTextLength     int     `yaml:"short_text_length"`
	HighAllowLength     int     `yaml:"high_allow_length"`
	LowDensityThreshold float64 `yaml:"low_density_threshold"`
}

// RuleSet is one immutable version of the dynamic rules.
type RuleSet struct {
	Version         string                     `yaml:"version"`
	Keywords        map[string]KeywordCategory `yaml:"keywords"`
	PrivacyPatterns map[string]*Pattern        `yaml:"privacy_patterns"`
	EvasionPatterns map[string]*Pattern        `yaml:"evasion_patterns"`
	Detection       DetectionConfig            `yaml:"detection_config"`
	Whitelist       []string                   `yaml:"whitelist"`

	loadedAt time.Time
}

// LoadedAt reports when this version was parsed.
func (r *RuleSet) LoadedAt() time.Time { return r.loadedAt }

// ParseRules decodes and validates a ruleset.
func ParseRules(data []byte) (*RuleSet, error) {
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse rules yaml: %w", err)
	}
	for _, key := range []string{"version", "keywords", "privacy_patterns", "evasion_patterns", "detection_config"} {
		if _, ok := raw[key]; !ok {
			return nil, fmt.Errorf("rules: missing top-level key %q", key)
		}
	}

	var rs RuleSet
	if err := yaml.Unmarshal(data, &rs); err != nil {
		return nil, fmt.Errorf("decode rules: %w", err)
	}
	for name, cat := range rs.Keywords {
		if cat.Severity.rank() == 0 {
			return nil, fmt.Errorf("rules: keywords.%s: invalid severity %q", name, cat.Severity)
		}
		for i, w := range cat.Words {
			cat.Words[i] = strings.ToLower(strings.TrimSpace(w))
		}
		rs.Keywords[name] = cat
	}
	for _, group := range []struct {
		name     string
		patterns map[string]*Pattern
	}{{"privacy_patterns", rs.PrivacyPatterns}, {"evasion_patterns", rs.EvasionPatterns}} {
		for name, p := range group.patterns {
			if p == nil {
				return nil, fmt.Errorf("rules: %s.%s is empty", group.name, name)
			}
			if p.Severity.rank() == 0 {
				return nil, fmt.Errorf("rules: %s.%s: invalid severity %q", group.name, name, p.Severity)
			}
			re, err := regexp.Compile(p.Pattern)
			if err != nil {
				return nil, fmt.Errorf("rules: %s.%s: %w", group.name, name, err)
			}
			p.re = re
		}
	}
	for i, w := range rs.Whitelist {
		rs.Whitelist[i] = strings.ToLower(strings.TrimSpace(w))
	}
	if rs.Detection.ShortTextLength <= 0 {
		rs.Detection.ShortTextLength = 500
	}
	if rs.Detection.HighAllowLength <= 0 {
		rs.Detection.HighAllowLength = 200
	}
	if rs.Detection.LowDensityThreshold <= 0 {
		rs.Detection.LowDensityThreshold = 10
	}
	rs.loadedAt = time.Now()
	return &rs, nil
}

// RuleLoader serves the current ruleset, reloading the file when its
// modification time or size changes. Readers never observe a partial swap.
type RuleLoader struct {
	path    string
	current atomic.Pointer[RuleSet]

	mu      sync.Mutex
	modTime time.Time
	size    int64
	exists  bool
	reloads atomic.Int64
}

// NewRuleLoader loads path, or the embedded defaults when the file is missing.
func NewRuleLoader(path string) (*RuleLoader, error) {
	l := &RuleLoader{path: path}
	if err := l.Reload(); err != nil {
		return nil, err
	}
	return l, nil
}

// Path returns the watched file.
func (l *RuleLoader) Path() string { return l.path }

// Reloads counts successful loads.
func (l *RuleLoader) Reloads() int64 { return l.reloads.Load() }

// Current returns the active ruleset after a cheap mtime check.
func (l *RuleLoader) Current() *RuleSet {
	if l.changed() {
		if err := l.Reload(); err != nil {
			log.Error().Err(err).Str("path", l.path).Msg("reload safety rules, keeping previous version")
		}
	}
	return l.current.Load()
}

func (l *RuleLoader) changed() bool {
	if l.path == "" {
		return false
	}
	info, err := os.Stat(l.path)
	l.mu.Lock()
	defer l.mu.Unlock()
	if err != nil {
		return l.exists
	}
	return !l.exists || !info.ModTime().Equal(l.modTime) || info.Size() != l.size
}

// Reload re-reads the file and swaps the ruleset atomically. A parse error
// leaves the previous ruleset in place.
func (l *RuleLoader) Reload() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	data := defaultRulesYAML
	var info os.FileInfo
	if l.path != "" {
		var err error
		info, err = os.Stat(l.path)
		switch {
		case err == nil:
			data, err = os.ReadFile(l.path)
			if err != nil {
				return fmt.Errorf("read rules %s: %w", l.path, err)
			}
		case errors.Is(err, os.ErrNotExist):
			info = nil
		default:
			return fmt.Errorf("stat rules %s: %w", l.path, err)
		}
	}

	rs, err := ParseRules(data)
	if err != nil {
		if info != nil {
			// Remember the broken version so it is not re-parsed on every access.
			l.modTime, l.size, l.exists = info.ModTime(), info.Size(), true
		}
		return err
	}
	if info != nil {
		l.modTime, l.size, l.exists = info.ModTime(), info.Size(), true
	} else {
		l.modTime, l.size, l.exists = time.Time{}, 0, false
	}
	l.current.Store(rs)
	l.reloads.Add(1)
	log.Debug().
		Str("path", l.path).
		Str("version", rs.Version).
		Bool("embedded", info == nil).
		Msg("safety rules loaded")
	return nil
}

// Watch pushes reloads on file events until ctx ends. The per-access mtime
// check stays active, so Watch is optional.
func (l *RuleLoader) Watch(ctx context.Context) error {
	if l.path == "" {
		return nil
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create rules watcher: %w", err)
	}
	dir := filepath.Dir(l.path)
	if err := w.Add(dir); err != nil {
		_ = w.Close()
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	target := filepath.Clean(l.path)
	go func() {
		defer func() { _ = w.Close() }()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target {
					continue
				}
				if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) || ev.Has(fsnotify.Remove) {
					if err := l.Reload(); err != nil {
						log.Error().Err(err).Str("path", l.path).Msg("reload safety rules")
					}
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				log.Warn().Err(err).Msg("rules watcher error")
			}
		}
	}()
	return nil
}

var (
	rulesMu     sync.Mutex
	rulesLoader *RuleLoader
)

// DefaultRulesPath is used by Rules when InitRules was not called.
const DefaultRulesPath = "config/security_rules.yaml"

// InitRules installs the process-wide loader for path.
func InitRules(path string) (*RuleLoader, error) {
	l, err := NewRuleLoader(path)
	if err != nil {
		return nil, err
	}
	rulesMu.Lock()
	rulesLoader = l
	rulesMu.Unlock()
	return l, nil
}

// Rules returns the process-wide loader, creating it from DefaultRulesPath
// (or the embedded defaults) on first use.
func Rules() *RuleLoader {
	rulesMu.Lock()
	defer rulesMu.Unlock()
	if rulesLoader == nil {
		l, err := NewRuleLoader(DefaultRulesPath)
		if err != nil {
			log.Error().Err(err).Str("path", DefaultRulesPath).Msg("load safety rules, using embedded defaults")
			l, _ = NewRuleLoader("")
		}
		rulesLoader = l
	}
	return rulesLoader
}
