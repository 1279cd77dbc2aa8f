package search

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// DefaultArxivURL is the arXiv export API root.
const DefaultArxivURL = "https://export.arxiv.org"

// ArxivTool searches arXiv through its Atom API.
type ArxivTool struct {
	baseURL string
	client  *http.Client
}

// NewArxivTool creates the academic tool.
func NewArxivTool(baseURL string, client *http.Client) *ArxivTool {
	if baseURL == "" {
		baseURL = DefaultArxivURL
	}
	return &ArxivTool{baseURL: strings.TrimRight(baseURL, "/"), client: httpClientOr(client)}
}

// Name implements Tool.
func (t *ArxivTool) Name() ToolName { return ToolAcademic }

type atomFeed struct {
	Entries []struct {
		ID        string `xml:"id"`
		Title     string `xml:"title"`
		Summary   string `xml:"summary"`
		Published string `xml:"published"`
		Links     []struct {
			Href string `xml:"href,attr"`
			Rel  string `xml:"rel,attr"`
			Type string `xml:"type,attr"`
		} `xml:"link"`
	} `xml:"entry"`
}

// Search implements Tool. Relevance decays with arXiv rank.
func (t *ArxivTool) Search(ctx context.Context, query string, opts Options) ([]Result, error) {
	terms := strings.Fields(query)
	for i, term := range terms {
		terms[i] = "all:" + term
	}
	params := url.Values{}
	params.Set("search_query", strings.Join(terms, " AND "))
	params.Set("start", "0")
	params.Set("max_results", strconv.Itoa(maxResults(opts)))
	params.Set("sortBy", "relevance")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.baseURL+"/api/query?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", ToolAcademic, err)
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s request: %w", ToolAcademic, err)
	}
	defer func() { _ = resp.Body.Close() }()
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read %s response: %w", ToolAcademic, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{Tool: ToolAcademic, StatusCode: resp.StatusCode, Body: truncate(string(data), 200)}
	}
	var feed atomFeed
	if err := xml.Unmarshal(data, &feed); err != nil {
		return nil, fmt.Errorf("decode %s feed: %w", ToolAcademic, err)
	}
	out := make([]Result, 0, len(feed.Entries))
	for i, e := range feed.Entries {
		link := e.ID
		for _, l := range e.Links {
			if l.Rel == "alternate" && l.Href != "" {
				link = l.Href
				break
			}
		}
		summary := collapseSpace(e.Summary)
		out = append(out, Result{
			Title:          collapseSpace(e.Title),
			URL:            link,
			Content:        summary,
			Snippet:        truncate(summary, 200),
			RelevanceScore: rankRelevance(i),
			PublishedDate:  e.Published,
			Tool:           ToolAcademic,
		})
	}
	return out, nil
}
