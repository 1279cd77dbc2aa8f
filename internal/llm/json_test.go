package llm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractJSON(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		want string
		ok   bool
	}{
		{"plain", `{"a":1}`, `{"a":1}`, true},
		{"fenced", "```json\n{\"a\":{\"b\":2}}\n```", `{"a":{"b":2}}`, true},
		{"first of two", `x {"a":1} y {"b":2}`, `{"a":1}`, true},
		{"brace in string", `{"a":"}{"}`, `{"a":"}{"}`, true},
		{"escaped quote", `{"a":"\"}"}`, `{"a":"\"}"}`, true},
		{"unbalanced", `{"a":1`, "", false},
		{"none", "no json here", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, ok := ExtractJSON(tt.in)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDecodeJSON(t *testing.T) {
	t.Parallel()

	var out struct {
		Safe bool `json:"safe"`
	}
	require.NoError(t, DecodeJSON("result: {\"safe\": true}", &out))
	assert.True(t, out.Safe)
	assert.ErrorIs(t, DecodeJSON("nothing", &out), ErrNoJSON)
	assert.Error(t, DecodeJSON("{not json}", &out))
}
