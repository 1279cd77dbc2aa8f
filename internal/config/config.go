// Package config provides configuration loading and management for atelier.
package config

import (
	"os"
	"strings"
	"time"
)

// Config is the root configuration.
type Config struct {
	App         AppConfig         `json:"app"         mapstructure:"app"`
	Log         LogConfig         `json:"log"         mapstructure:"log"`
	LLM         LLMConfig         `json:"llm"         mapstructure:"llm"`
	Concurrency ConcurrencyConfig `json:"concurrency" mapstructure:"concurrency"`
	Search      SearchConfig      `json:"search"      mapstructure:"search"`
	Safety      SafetyConfig      `json:"safety"      mapstructure:"safety"`
	Storage     StorageConfig     `json:"storage"     mapstructure:"storage"`
	Workflow    WorkflowConfig    `json:"workflow"    mapstructure:"workflow"`
	Expert      ExpertConfig      `json:"expert"      mapstructure:"expert"`
	Motivation  MotivationConfig  `json:"motivation"  mapstructure:"motivation"`
	Image       ImageConfig       `json:"image"       mapstructure:"image"`
	Server      ServerConfig      `json:"server"      mapstructure:"server"`
}

// AppConfig holds process-level settings.
type AppConfig struct {
	Name    string `json:"name"     mapstructure:"name"`
	Env     string `json:"env"      mapstructure:"env"`
	DataDir string `json:"data_dir" mapstructure:"data_dir"`
}

// LogConfig selects the log output format.
type LogConfig struct {
	Format string `json:"format" mapstructure:"format"`
}

// LLMConfig configures the gateway and its providers.
type LLMConfig struct {
	Primary     string                    `json:"primary"     mapstructure:"primary"`
	Fallback    []string                  `json:"fallback"    mapstructure:"fallback"`
	Temperature float64                   `json:"temperature" mapstructure:"temperature"`
	MaxTokens   int                       `json:"max_tokens"  mapstructure:"max_tokens"`
	Timeout     time.Duration             `json:"timeout"     mapstructure:"timeout"`
	MaxRetries  int                       `json:"max_retries" mapstructure:"max_retries"`
	Cache       CacheConfig               `json:"cache"       mapstructure:"cache"`
	Providers   map[string]ProviderConfig `json:"providers"   mapstructure:"providers"`
}

// ProviderConfig describes one upstream LLM provider.
type ProviderConfig struct {
	Type      string          `json:"type"                  mapstructure:"type"`
	Model     string          `json:"model"                 mapstructure:"model"`
	BaseURL   string          `json:"base_url,omitempty"    mapstructure:"base_url"`
	APIKey    string          `json:"api_key,omitempty"     mapstructure:"api_key"`
	APIKeys   []string        `json:"api_keys,omitempty"    mapstructure:"api_keys"`
	APIKeyEnv string          `json:"api_key_env,omitempty" mapstructure:"api_key_env"`
	Selection string          `json:"selection"             mapstructure:"selection"`
	RateLimit RateLimitConfig `json:"rate_limit"            mapstructure:"rate_limit"`
}

// RateLimitConfig holds the three limiter stages for a provider.
type RateLimitConfig struct {
	RequestsPerWindow int           `json:"requests_per_window" mapstructure:"requests_per_window"`
	Window            time.Duration `json:"window"              mapstructure:"window"`
	TokensPerSecond   float64       `json:"tokens_per_second"   mapstructure:"tokens_per_second"`
	BucketSize        int           `json:"bucket_size"         mapstructure:"bucket_size"`
	MaxConcurrent     int           `json:"max_concurrent"      mapstructure:"max_concurrent"`
	AcquireTimeout    time.Duration `json:"acquire_timeout"     mapstructure:"acquire_timeout"`
	RetryAfter        time.Duration `json:"retry_after"         mapstructure:"retry_after"`
}

// CacheConfig configures the response cache.
type CacheConfig struct {
	Enabled bool          `json:"enabled"  mapstructure:"enabled"`
	MaxSize int           `json:"max_size" mapstructure:"max_size"`
	TTL     time.Duration `json:"ttl"      mapstructure:"ttl"`
}

// ConcurrencyConfig configures the adaptive batch semaphore.
type ConcurrencyConfig struct {
	BatchInitial      int           `json:"batch_initial"      mapstructure:"batch_initial"`
	IncreaseThreshold int           `json:"increase_threshold" mapstructure:"increase_threshold"`
	IncreaseStep      int           `json:"increase_step"      mapstructure:"increase_step"`
	DecreaseStep      int           `json:"decrease_step"      mapstructure:"decrease_step"`
	Cooldown          time.Duration `json:"cooldown"           mapstructure:"cooldown"`
	BatchTimeout      time.Duration `json:"batch_timeout"      mapstructure:"batch_timeout"`
}

// SearchConfig configures search tools and quality control.
type SearchConfig struct {
	Timeout            time.Duration `json:"timeout"              mapstructure:"timeout"`
	RelevanceThreshold float64       `json:"relevance_threshold"  mapstructure:"relevance_threshold"`
	RelaxedThreshold   float64       `json:"relaxed_threshold"    mapstructure:"relaxed_threshold"`
	MinContentLength   int           `json:"min_content_length"   mapstructure:"min_content_length"`
	MinResults         int           `json:"min_results"          mapstructure:"min_results"`
	MaxResults         int           `json:"max_results"          mapstructure:"max_results"`
	WebAPIKey          string        `json:"web_api_key"          mapstructure:"web_api_key"`
	WebBaseURL         string        `json:"web_base_url"         mapstructure:"web_base_url"`
	ChineseWebAPIKey   string        `json:"chinese_web_api_key"  mapstructure:"chinese_web_api_key"`
	ChineseWebBaseURL  string        `json:"chinese_web_base_url" mapstructure:"chinese_web_base_url"`
	AcademicBaseURL    string        `json:"academic_base_url"    mapstructure:"academic_base_url"`
	KBDir              string        `json:"kb_dir"               mapstructure:"kb_dir"`
	TrustListFile      string        `json:"trust_list_file"      mapstructure:"trust_list_file"`
}

// SafetyConfig configures the input/report gate.
type SafetyConfig struct {
	RulesFile           string  `json:"rules_file"            mapstructure:"rules_file"`
	WatchRules          bool    `json:"watch_rules"           mapstructure:"watch_rules"`
	ViolationLog        string  `json:"violation_log"         mapstructure:"violation_log"`
	ModerationURL       string  `json:"moderation_url"        mapstructure:"moderation_url"`
	ModerationAPIKey    string  `json:"moderation_api_key"    mapstructure:"moderation_api_key"`
	EnableLLMCheck      bool    `json:"enable_llm_check"      mapstructure:"enable_llm_check"`
	SecondaryThreshold  float64 `json:"secondary_threshold"   mapstructure:"secondary_threshold"`
	DriftConfidenceDrop float64 `json:"drift_confidence_drop" mapstructure:"drift_confidence_drop"`
}

// StorageConfig configures persistence.
type StorageConfig struct {
	DBPath    string          `json:"db_path"    mapstructure:"db_path"`
	KVBackend string          `json:"kv_backend" mapstructure:"kv_backend"`
	Retention RetentionConfig `json:"retention"  mapstructure:"retention"`
}

// RetentionConfig is the default policy of the prune command.
type RetentionConfig struct {
	KeepLast int `json:"keep_last" mapstructure:"keep_last"`
	KeepDays int `json:"keep_days" mapstructure:"keep_days"`
}

// WorkflowConfig configures the analysis graph.
type WorkflowConfig struct {
	DefaultMode         string        `json:"default_mode"         mapstructure:"default_mode"`
	MaxReviewRounds     int           `json:"max_review_rounds"    mapstructure:"max_review_rounds"`
	EnableFollowup      bool          `json:"enable_followup"      mapstructure:"enable_followup"`
	ConfirmRequirements bool          `json:"confirm_requirements" mapstructure:"confirm_requirements"`
	RoleTimeout         time.Duration `json:"role_timeout"         mapstructure:"role_timeout"`
}

// ExpertConfig configures the role executor.
type ExpertConfig struct {
	MaxRetries          int    `json:"max_retries"           mapstructure:"max_retries"`
	PromptsDir          string `json:"prompts_dir"           mapstructure:"prompts_dir"`
	CitationTokenBudget int    `json:"citation_token_budget" mapstructure:"citation_token_budget"`
}

// MotivationConfig configures the inference cascade gates.
type MotivationConfig struct {
	MinConfidenceThreshold float64 `json:"min_confidence_threshold" mapstructure:"min_confidence_threshold"`
	KeywordGate            float64 `json:"keyword_gate"             mapstructure:"keyword_gate"`
	RuleGate               float64 `json:"rule_gate"                mapstructure:"rule_gate"`
}

// ImageConfig configures the image generation adapter.
type ImageConfig struct {
	APIKey    string `json:"api_key"    mapstructure:"api_key"`
	BaseURL   string `json:"base_url"   mapstructure:"base_url"`
	Model     string `json:"model"      mapstructure:"model"`
	OutputDir string `json:"output_dir" mapstructure:"output_dir"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Addr string `json:"addr" mapstructure:"addr"`
}

// ProviderOrder returns the primary provider followed by fallbacks, without duplicates.
func (c LLMConfig) ProviderOrder() []string {
	seen := make(map[string]struct{})
	order := make([]string, 0, len(c.Fallback)+1)
	for _, name := range append([]string{c.Primary}, c.Fallback...) {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		order = append(order, name)
	}
	return order
}

// Keys returns all configured API keys for the provider.
func (p ProviderConfig) Keys() []string {
	keys := make([]string, 0, len(p.APIKeys)+1)
	add := func(k string) {
		k = strings.TrimSpace(k)
		if k == "" {
			return
		}
		for _, existing := range keys {
			if existing == k {
				return
			}
		}
		keys = append(keys, k)
	}
	add(p.APIKey)
	for _, k := range p.APIKeys {
		add(k)
	}
	if len(keys) == 0 && p.APIKeyEnv != "" {
		for _, k := range strings.Split(os.Getenv(p.APIKeyEnv), ",") {
			add(k)
		}
	}
	return keys
}
