package search

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTrustListLevels(t *testing.T) {
	t.Parallel()

	tl := DefaultTrustList()
	tests := map[string]string{
		"https://www.sz.gov.cn/page":       CredibilityHigh,
		"https://arxiv.org/abs/1234":       CredibilityHigh,
		"https://archdaily.com/cafe":       CredibilityHigh,
		"https://www.zhihu.com/question/1": CredibilityMedium,
		"https://blog.csdn.net/x":          CredibilityLow,
		"https://unknown.example/x":        CredibilityUnknown,
		"not a url":                        CredibilityUnknown,
	}
	for in, want := range tests {
		assert.Equal(t, want, tl.Credibility(in), in)
	}

	var nilList *TrustList
	assert.Equal(t, CredibilityUnknown, nilList.Credibility("https://arxiv.org"))
}

func TestLoadTrustListOverridesEmbedded(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "trust.yaml")
	require.NoError(t, os.WriteFile(path, []byte("low:\n  - \"*.zhihu.com\"\nhigh:\n  - \"*.example.org\"\n"), 0o600))
	tl, err := LoadTrustList(path)
	require.NoError(t, err)
	assert.Equal(t, CredibilityLow, tl.Credibility("https://www.zhihu.com/q"))
	assert.Equal(t, CredibilityHigh, tl.Credibility("https://docs.example.org/a"))
	assert.Equal(t, CredibilityHigh, tl.Credibility("https://arxiv.org/abs/1"))
}

func TestParseTrustListRejectsBadGlob(t *testing.T) {
	t.Parallel()

	_, err := ParseTrustList([]byte("high:\n  - \"[\"\n"))
	assert.Error(t, err)
}
