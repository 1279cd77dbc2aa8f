package search

import (
	"net/http"
	"time"
)

// ToolsConfig selects and configures the search backends.
type ToolsConfig struct {
	Timeout           time.Duration
	WebAPIKey         string
	WebBaseURL        string
	ChineseWebAPIKey  string
	ChineseWebBaseURL string
	AcademicBaseURL   string
	KBDir             string
}

// Toolset is the set of configured backends.
type Toolset struct {
	KB    *KBTool
	Tools []Tool
}

// Close releases the knowledge-base index.
func (t *Toolset) Close() error {
	if t == nil || t.KB == nil {
		return nil
	}
	return t.KB.Close()
}

// BuildTools creates the knowledge base, the academic backend and every web
// backend that has an API key.
func BuildTools(tc ToolsConfig) (*Toolset, error) {
	kb, err := LoadKBDir(tc.KBDir)
	if err != nil {
		return nil, err
	}
	timeout := tc.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	client := &http.Client{Timeout: timeout}
	ts := &Toolset{KB: kb, Tools: []Tool{kb, NewArxivTool(tc.AcademicBaseURL, client)}}
	if tc.WebAPIKey != "" {
		ts.Tools = append(ts.Tools, NewTavilyTool(tc.WebBaseURL, tc.WebAPIKey, client))
	}
	if tc.ChineseWebAPIKey != "" {
		ts.Tools = append(ts.Tools, NewBochaTool(tc.ChineseWebBaseURL, tc.ChineseWebAPIKey, client))
	}
	return ts, nil
}
