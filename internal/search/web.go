package search

import (
	"context"
	"fmt"
	"net/http"
	"strings"
)

// DefaultTavilyURL is the Tavily API root.
const DefaultTavilyURL = "https://api.tavily.com"

// TavilyTool searches the open web through the Tavily JSON API.
type TavilyTool struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewTavilyTool creates the web tool.
func NewTavilyTool(baseURL, apiKey string, client *http.Client) *TavilyTool {
	if baseURL == "" {
		baseURL = DefaultTavilyURL
	}
	return &TavilyTool{baseURL: strings.TrimRight(baseURL, "/"), apiKey: apiKey, client: httpClientOr(client)}
}

// Name implements Tool.
func (t *TavilyTool) Name() ToolName { return ToolWeb }

type tavilyRequest struct {
	APIKey      string `json:"api_key"`
	Query       string `json:"query"`
	MaxResults  int    `json:"max_results"`
	SearchDepth string `json:"search_depth"`
}

type tavilyResponse struct {
	Results []struct {
		Title         string  `json:"title"`
		URL           string  `json:"url"`
		Content       string  `json:"content"`
		RawContent    string  `json:"raw_content"`
		Score         float64 `json:"score"`
		PublishedDate string  `json:"published_date"`
	} `json:"results"`
}

// Search implements Tool.
func (t *TavilyTool) Search(ctx context.Context, query string, opts Options) ([]Result, error) {
	if t.apiKey == "" {
		return nil, fmt.Errorf("%s: api key is not configured", ToolWeb)
	}
	var resp tavilyResponse
	req := tavilyRequest{APIKey: t.apiKey, Query: query, MaxResults: maxResults(opts), SearchDepth: "advanced"}
	if err := doJSON(ctx, t.client, ToolWeb, http.MethodPost, t.baseURL+"/search", nil, req, &resp); err != nil {
		return nil, err
	}
	out := make([]Result, 0, len(resp.Results))
	for _, r := range resp.Results {
		content := r.Content
		if r.RawContent != "" {
			content = r.RawContent
		}
		content = StripHTML(content)
		out = append(out, Result{
			Title:          StripHTML(r.Title),
			URL:            r.URL,
			Content:        content,
			Snippet:        truncate(content, 200),
			RelevanceScore: r.Score,
			PublishedDate:  r.PublishedDate,
			Tool:           ToolWeb,
		})
	}
	return out, nil
}

// DefaultBochaURL is the Bocha API root.
const DefaultBochaURL = "https://api.bochaai.com"

// BochaTool searches the Chinese web through the Bocha JSON API.
type BochaTool struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewBochaTool creates the Chinese web tool.
func NewBochaTool(baseURL, apiKey string, client *http.Client) *BochaTool {
	if baseURL == "" {
		baseURL = DefaultBochaURL
	}
	return &BochaTool{baseURL: strings.TrimRight(baseURL, "/"), apiKey: apiKey, client: httpClientOr(client)}
}

// Name implements Tool.
func (t *BochaTool) Name() ToolName { return ToolChineseWeb }

type bochaRequest struct {
	Query     string `json:"query"`
	Summary   bool   `json:"summary"`
	Count     int    `json:"count"`
	Freshness string `json:"freshness"`
}

type bochaResponse struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
	Data struct {
		WebPages struct {
			Value []struct {
				Name          string `json:"name"`
				URL           string `json:"url"`
				Snippet       string `json:"snippet"`
				Summary       string `json:"summary"`
				DatePublished string `json:"datePublished"`
			} `json:"value"`
		} `json:"webPages"`
	} `json:"data"`
}

// Search implements Tool. Bocha returns no scores, so relevance decays
// with rank.
func (t *BochaTool) Search(ctx context.Context, query string, opts Options) ([]Result, error) {
	if t.apiKey == "" {
		return nil, fmt.Errorf("%s: api key is not configured", ToolChineseWeb)
	}
	var resp bochaResponse
	req := bochaRequest{Query: query, Summary: true, Count: maxResults(opts), Freshness: "noLimit"}
	headers := map[string]string{"Authorization": "Bearer " + t.apiKey}
	if err := doJSON(ctx, t.client, ToolChineseWeb, http.MethodPost, t.baseURL+"/v1/web-search", headers, req, &resp); err != nil {
		return nil, err
	}
	if resp.Code != 0 && resp.Code != http.StatusOK {
		return nil, fmt.Errorf("%s: api code %d: %s", ToolChineseWeb, resp.Code, resp.Msg)
	}
	pages := resp.Data.WebPages.Value
	out := make([]Result, 0, len(pages))
	for i, p := range pages {
		content := p.Summary
		if content == "" {
			content = p.Snippet
		}
		content = StripHTML(content)
		out = append(out, Result{
			Title:          StripHTML(p.Name),
			URL:            p.URL,
			Content:        content,
			Snippet:        StripHTML(p.Snippet),
			RelevanceScore: rankRelevance(i),
			PublishedDate:  p.DatePublished,
			Tool:           ToolChineseWeb,
		})
	}
	return out, nil
}

func maxResults(opts Options) int {
	if opts.MaxResults > 0 {
		return opts.MaxResults
	}
	return 10
}
