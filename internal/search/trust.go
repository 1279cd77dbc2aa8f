package search

import (
	_ "embed"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/gobwas/glob"
	"gopkg.in/yaml.v3"
)

//go:embed default_trust.yaml
var defaultTrustYAML []byte

type trustFile struct {
	High   []string `yaml:"high"`
	Medium []string `yaml:"medium"`
	Low    []string `yaml:"low"`
}

type trustLayer struct {
	level    string
	matchers []glob.Glob
}

// TrustList maps URL hosts to credibility levels using glob patterns.
// Layers are checked high, medium, low; the first match wins.
type TrustList struct {
	layers []trustLayer
}

// DefaultTrustList returns the embedded list.
func DefaultTrustList() *TrustList {
	tl, err := ParseTrustList(defaultTrustYAML)
	if err != nil {
		panic(fmt.Sprintf("embedded trust list: %v", err))
	}
	return tl
}

// LoadTrustList reads path and layers it over the embedded list. An empty
// path returns the embedded list.
func LoadTrustList(path string) (*TrustList, error) {
	if path == "" {
		return DefaultTrustList(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read trust list: %w", err)
	}
	var tf trustFile
	if err := yaml.Unmarshal(data, &tf); err != nil {
		return nil, fmt.Errorf("parse trust list: %w", err)
	}
	var base trustFile
	if err := yaml.Unmarshal(defaultTrustYAML, &base); err != nil {
		return nil, fmt.Errorf("parse embedded trust list: %w", err)
	}
	// File entries come first so they can reclassify embedded hosts.
	merged := trustFile{
		High:   append(tf.High, base.High...),
		Medium: append(tf.Medium, base.Medium...),
		Low:    append(tf.Low, base.Low...),
	}
	return compileTrust(merged, tf)
}

// ParseTrustList compiles a YAML trust list.
func ParseTrustList(data []byte) (*TrustList, error) {
	var tf trustFile
	if err := yaml.Unmarshal(data, &tf); err != nil {
		return nil, fmt.Errorf("parse trust list: %w", err)
	}
	return compileTrust(tf, trustFile{})
}

// compileTrust orders layers so that explicit overrides win over the
// embedded defaults of any level.
func compileTrust(all, overrides trustFile) (*TrustList, error) {
	tl := &TrustList{}
	add := func(level string, patterns []string) error {
		layer := trustLayer{level: level}
		for _, p := range patterns {
			g, err := glob.Compile(strings.ToLower(strings.TrimSpace(p)))
			if err != nil {
				return fmt.Errorf("trust pattern %q: %w", p, err)
			}
			layer.matchers = append(layer.matchers, g)
		}
		if len(layer.matchers) > 0 {
			tl.layers = append(tl.layers, layer)
		}
		return nil
	}
	steps := []struct {
		level    string
		patterns []string
	}{
		{CredibilityHigh, overrides.High},
		{CredibilityMedium, overrides.Medium},
		{CredibilityLow, overrides.Low},
		{CredibilityHigh, all.High},
		{CredibilityMedium, all.Medium},
		{CredibilityLow, all.Low},
	}
	for _, s := range steps {
		if err := add(s.level, s.patterns); err != nil {
			return nil, err
		}
	}
	return tl, nil
}

// Credibility returns the level for rawURL, or unknown.
func (t *TrustList) Credibility(rawURL string) string {
	if t == nil {
		return CredibilityUnknown
	}
	host := hostOf(rawURL)
	if host == "" {
		return CredibilityUnknown
	}
	candidates := []string{host}
	if !strings.HasPrefix(host, "www.") {
		candidates = append(candidates, "www."+host)
	}
	for _, layer := range t.layers {
		for _, m := range layer.matchers {
			for _, c := range candidates {
				if m.Match(c) {
					return layer.level
				}
			}
		}
	}
	return CredibilityUnknown
}

func hostOf(rawURL string) string {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || u.Host == "" {
		return ""
	}
	return strings.ToLower(u.Hostname())
}
