package expert

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"
)

var (
	schemaMu    sync.Mutex
	schemaCache = make(map[string]*gojsonschema.Schema)
)

func compiledSchema(src string) (*gojsonschema.Schema, error) {
	schemaMu.Lock()
	defer schemaMu.Unlock()
	if s, ok := schemaCache[src]; ok {
		return s, nil
	}
	s, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(src))
	if err != nil {
		return nil, fmt.Errorf("compile output schema: %w", err)
	}
	schemaCache[src] = s
	return s, nil
}

// ValidateOutput checks a decoded completion against a JSON schema. An
// empty schema accepts anything.
func ValidateOutput(schema string, doc any) error {
	if strings.TrimSpace(schema) == "" {
		return nil
	}
	s, err := compiledSchema(schema)
	if err != nil {
		return err
	}
	result, err := s.Validate(gojsonschema.NewGoLoader(doc))
	if err != nil {
		return fmt.Errorf("validate output: %w", err)
	}
	if result.Valid() {
		return nil
	}
	errs := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		errs = append(errs, e.String())
	}
	sort.Strings(errs)
	return fmt.Errorf("output schema validation failed: %s", strings.Join(errs, "; "))
}
