package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// flatEnv maps config keys to the conventional un-nested environment names.
var flatEnv = map[string][]string{
	"llm.providers.openai.api_key":     {"OPENAI_API_KEY"},
	"llm.providers.openai.api_keys":    {"OPENAI_API_KEYS"},
	"llm.providers.deepseek.api_key":   {"DEEPSEEK_API_KEY"},
	"llm.providers.deepseek.api_keys":  {"DEEPSEEK_API_KEYS"},
	"llm.providers.anthropic.api_key":  {"ANTHROPIC_API_KEY"},
	"llm.providers.gemini.api_key":     {"GEMINI_API_KEY", "GOOGLE_API_KEY"},
	"llm.providers.openrouter.api_key": {"OPENROUTER_API_KEY"},
	"llm.providers.ollama.base_url":    {"OLLAMA_HOST"},
	"llm.primary":                      {"LLM_PROVIDER"},
	"llm.timeout":                      {"LLM_TIMEOUT"},
	"search.web_api_key":               {"TAVILY_API_KEY"},
	"search.chinese_web_api_key":       {"BOCHA_API_KEY"},
	"safety.moderation_api_key":        {"MODERATION_API_KEY"},
	"image.api_key":                    {"IMAGE_API_KEY"},
	"server.addr":                      {"ATELIER_ADDR"},
	"app.env":                          {"ATELIER_ENV"},
}

// Load builds the layered configuration: process env, then .env, then the
// optional config file, then defaults.
func Load(path string) (Config, error) {
	v, err := NewViper(path)
	if err != nil {
		return Config{}, err
	}
	return Decode(v)
}

// NewViper prepares a viper instance with defaults, env bindings and the
// optional config file.
func NewViper(path string) (*viper.Viper, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	SetDefaults(v)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "__"))
	v.AutomaticEnv()
	for key, names := range flatEnv {
		nested := strings.ToUpper(strings.ReplaceAll(key, ".", "__"))
		args := append([]string{key, nested}, names...)
		if err := v.BindEnv(args...); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", key, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}
	return v, nil
}

// Decode validates and unmarshals viper settings into a Config.
func Decode(v *viper.Viper) (Config, error) {
	if err := ValidateSettings(v.AllSettings()); err != nil {
		return Config{}, err
	}
	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Default returns the configuration produced by defaults alone.
func Default() Config {
	v := viper.New()
	SetDefaults(v)
	var cfg Config
	_ = v.Unmarshal(&cfg)
	return cfg
}

// SetDefaults registers every default value on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "atelier")
	v.SetDefault("app.env", "development")
	v.SetDefault("app.data_dir", ".atelier")
	v.SetDefault("log.format", "console")

	v.SetDefault("llm.primary", "openai")
	v.SetDefault("llm.fallback", []string{"deepseek"})
	v.SetDefault("llm.temperature", 0.7)
	v.SetDefault("llm.max_tokens", 4000)
	v.SetDefault("llm.timeout", 60*time.Second)
	v.SetDefault("llm.max_retries", 2)
	v.SetDefault("llm.cache.enabled", true)
	v.SetDefault("llm.cache.max_size", 1000)
	v.SetDefault("llm.cache.ttl", time.Hour)

	setProviderDefaults(v, "openai", "openai", "gpt-4o-mini", "https://api.openai.com/v1", 200)
	setProviderDefaults(v, "deepseek", "openai", "deepseek-chat", "https://api.deepseek.com/v1", 300)
	setProviderDefaults(v, "openrouter", "openai", "openai/gpt-4o-mini", "https://openrouter.ai/api/v1", 200)
	setProviderDefaults(v, "anthropic", "anthropic", "claude-sonnet-4-5", "", 50)
	setProviderDefaults(v, "gemini", "gemini", "gemini-2.5-flash", "", 60)
	setProviderDefaults(v, "ollama", "ollama", "llama3.1", "http://localhost:11434", 1000)

	v.SetDefault("concurrency.batch_initial", 4)
	v.SetDefault("concurrency.increase_threshold", 5)
	v.SetDefault("concurrency.increase_step", 1)
	v.SetDefault("concurrency.decrease_step", 1)
	v.SetDefault("concurrency.cooldown", 10*time.Second)
	v.SetDefault("concurrency.batch_timeout", 900*time.Second)

	v.SetDefault("search.timeout", 30*time.Second)
	v.SetDefault("search.relevance_threshold", 0.6)
	v.SetDefault("search.relaxed_threshold", 0.45)
	v.SetDefault("search.min_content_length", 50)
	v.SetDefault("search.min_results", 3)
	v.SetDefault("search.max_results", 10)
	v.SetDefault("search.web_api_key", "")
	v.SetDefault("search.web_base_url", "https://api.tavily.com")
	v.SetDefault("search.chinese_web_api_key", "")
	v.SetDefault("search.chinese_web_base_url", "https://api.bochaai.com")
	v.SetDefault("search.academic_base_url", "https://export.arxiv.org")
	v.SetDefault("search.kb_dir", "knowledge_base")
	v.SetDefault("search.trust_list_file", "")

	v.SetDefault("safety.rules_file", "config/security_rules.yaml")
	v.SetDefault("safety.watch_rules", false)
	v.SetDefault("safety.violation_log", ".atelier/violations.jsonl")
	v.SetDefault("safety.moderation_url", "")
	v.SetDefault("safety.moderation_api_key", "")
	v.SetDefault("safety.enable_llm_check", true)
	v.SetDefault("safety.secondary_threshold", 0.85)
	v.SetDefault("safety.drift_confidence_drop", 0.3)

	v.SetDefault("storage.db_path", ".atelier/atelier.db")
	v.SetDefault("storage.kv_backend", "sqlite")
	v.SetDefault("storage.retention.keep_last", 0)
	v.SetDefault("storage.retention.keep_days", 30)

	v.SetDefault("workflow.default_mode", "dynamic")
	v.SetDefault("workflow.max_review_rounds", 3)
	v.SetDefault("workflow.enable_followup", false)
	v.SetDefault("workflow.confirm_requirements", false)
	v.SetDefault("workflow.role_timeout", 600*time.Second)

	v.SetDefault("expert.max_retries", 2)
	v.SetDefault("expert.prompts_dir", "")
	v.SetDefault("expert.citation_token_budget", 3000)

	v.SetDefault("motivation.min_confidence_threshold", 0.7)
	v.SetDefault("motivation.keyword_gate", 0.6)
	v.SetDefault("motivation.rule_gate", 0.5)

	v.SetDefault("image.api_key", "")
	v.SetDefault("image.base_url", "")
	v.SetDefault("image.model", "gpt-image-1")
	v.SetDefault("image.output_dir", ".atelier/images")

	v.SetDefault("server.addr", ":8000")
}

func setProviderDefaults(v *viper.Viper, name, typ, model, baseURL string, perMinute int) {
	prefix := "llm.providers." + name + "."
	v.SetDefault(prefix+"type", typ)
	v.SetDefault(prefix+"model", model)
	v.SetDefault(prefix+"base_url", baseURL)
	v.SetDefault(prefix+"api_key", "")
	v.SetDefault(prefix+"api_keys", []string{})
	v.SetDefault(prefix+"selection", "round_robin")
	v.SetDefault(prefix+"rate_limit.requests_per_window", perMinute)
	v.SetDefault(prefix+"rate_limit.window", time.Minute)
	v.SetDefault(prefix+"rate_limit.tokens_per_second", 5.0)
	v.SetDefault(prefix+"rate_limit.bucket_size", 10)
	v.SetDefault(prefix+"rate_limit.max_concurrent", 10)
	v.SetDefault(prefix+"rate_limit.acquire_timeout", 30*time.Second)
	v.SetDefault(prefix+"rate_limit.retry_after", time.Minute)
}
