package config

import (
	_ "embed"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"
)

//go:embed schema.json
var schemaJSON string

var compiledSchema = sync.OnceValues(func() (*gojsonschema.Schema, error) {
	return gojsonschema.NewSchema(gojsonschema.NewStringLoader(schemaJSON))
})

// ValidateSettings checks raw viper settings against the embedded schema
// before they are decoded.
func ValidateSettings(settings map[string]any) error {
	schema, err := compiledSchema()
	if err != nil {
		return fmt.Errorf("compile config schema: %w", err)
	}
	result, err := schema.Validate(gojsonschema.NewGoLoader(settings))
	if err != nil {
		return fmt.Errorf("validate config schema: %w", err)
	}
	if result.Valid() {
		return nil
	}

	errs := make([]string, 0, len(result.Errors()))
	for _, re := range result.Errors() {
		errs = append(errs, re.Field()+": "+re.Description())
	}
	sort.Strings(errs)
	return fmt.Errorf("config schema validation failed: %s", strings.Join(errs, "; "))
}

// Validate checks constraints that span several fields.
func (c Config) Validate() error {
	order := c.LLM.ProviderOrder()
	if len(order) == 0 {
		return errors.New("llm.primary is required")
	}
	for _, name := range order {
		p, ok := c.LLM.Providers[name]
		if !ok {
			return fmt.Errorf("llm provider %q is not defined", name)
		}
		if p.Model == "" {
			return fmt.Errorf("llm.providers.%s.model is required", name)
		}
	}
	if c.App.Env == "production" {
		primary := c.LLM.Providers[c.LLM.Primary]
		if primary.Type != "ollama" && len(primary.Keys()) == 0 {
			return fmt.Errorf("llm.providers.%s: api key is required in production", c.LLM.Primary)
		}
	}
	if c.Workflow.MaxReviewRounds <= 0 {
		return errors.New("workflow.max_review_rounds must be > 0")
	}
	if c.Search.RelaxedThreshold > c.Search.RelevanceThreshold {
		return errors.New("search.relaxed_threshold must not exceed search.relevance_threshold")
	}
	if c.Storage.Retention.KeepLast < 0 || c.Storage.Retention.KeepDays < 0 {
		return errors.New("storage.retention values must not be negative")
	}
	return nil
}
