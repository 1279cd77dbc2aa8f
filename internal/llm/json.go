package llm

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrNoJSON is returned when a completion holds no JSON object.
var ErrNoJSON = errors.New("no json object in completion")

// ExtractJSON returns the first balanced {...} block of text. Braces inside
// JSON strings are ignored.
func ExtractJSON(text string) (string, bool) {
	start := -1
	depth := 0
	inString := false
	escaped := false
	for i := 0; i < len(text); i++ {
		c := text[i]
		if start == -1 {
			if c == '{' {
				start = i
				depth = 1
			}
			continue
		}
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return text[start : i+1], true
			}
		}
	}
	return "", false
}

// DecodeJSON extracts the first JSON object in text into v.
func DecodeJSON(text string, v any) error {
	raw, ok := ExtractJSON(text)
	if !ok {
		return ErrNoJSON
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return fmt.Errorf("decode completion json: %w", err)
	}
	return nil
}
