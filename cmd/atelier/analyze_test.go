package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/metalagman/atelier/internal/safety"
	"github.com/metalagman/atelier/internal/workflow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResumeValue(t *testing.T) {
	t.Parallel()
	ir := &workflow.InterruptRequest{
		InteractionType: workflow.InteractionRequirements,
		InterruptID:     "int-1",
		Options:         []string{"approve", "revise"},
	}

	tests := []struct {
		name string
		line string
		want map[string]any
	}{
		{
			name: "option",
			line: "approve\n",
			want: map[string]any{"action": "approve", "intent": "approve", "interrupt_id": "int-1"},
		},
		{
			name: "option with text",
			line: "revise 面积改为 300 平方米",
			want: map[string]any{"action": "revise", "intent": "revise", "answer": "面积改为 300 平方米", "interrupt_id": "int-1"},
		},
		{
			name: "free text",
			line: "预算大约五十万",
			want: map[string]any{"answer": "预算大约五十万", "interrupt_id": "int-1"},
		},
		{
			name: "json",
			line: `{"intent":"revise","interrupt_id":"int-0"}`,
			want: map[string]any{"intent": "revise", "interrupt_id": "int-0"},
		},
		{
			name: "cancel",
			line: workflow.CancelSentinel,
			want: map[string]any{"cancel": true, "interrupt_id": "int-1"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := resumeValue(ir, tt.line)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := resumeValue(ir, "{broken")
	require.Error(t, err)
}

func TestRulesValidate(t *testing.T) {
	t.Parallel()

	good := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(good, safety.DefaultRulesYAML(), 0o644))

	cmd := rulesValidateCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{good})
	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "ok")
	assert.Contains(t, out.String(), "privacy patterns:")

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("privacy_patterns:\n  broken:\n    pattern: \"([\"\n"), 0o644))
	cmd = rulesValidateCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{bad})
	require.Error(t, cmd.Execute())
}
