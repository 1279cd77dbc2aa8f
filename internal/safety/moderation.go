package safety

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// ModerationResult is the verdict of an external moderation endpoint.
type ModerationResult struct {
	Flagged    bool
	Categories []string
}

// Moderator classifies text with an external service.
type Moderator interface {
	Moderate(ctx context.Context, text string) (ModerationResult, error)
}

// OpenAIModerator calls an OpenAI-compatible /moderations endpoint.
type OpenAIModerator struct {
	client openai.Client
}

// NewOpenAIModerator creates a moderator for baseURL. An empty baseURL uses
// the public OpenAI endpoint.
func NewOpenAIModerator(baseURL, apiKey string, httpClient *http.Client) (*OpenAIModerator, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("moderation api key is required")
	}
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(1),
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	if httpClient != nil {
		opts = append(opts, option.WithHTTPClient(httpClient))
	}
	return &OpenAIModerator{client: openai.NewClient(opts...)}, nil
}

// Moderate implements Moderator.
func (m *OpenAIModerator) Moderate(ctx context.Context, text string) (ModerationResult, error) {
	resp, err := m.client.Moderations.New(ctx, openai.ModerationNewParams{
		Input: openai.ModerationNewParamsInputUnion{OfString: openai.String(text)},
	})
	if err != nil {
		return ModerationResult{}, fmt.Errorf("moderation request: %w", err)
	}
	var out ModerationResult
	seen := make(map[string]struct{})
	for _, r := range resp.Results {
		if !r.Flagged {
			continue
		}
		out.Flagged = true
		var cats map[string]bool
		if err := json.Unmarshal([]byte(r.Categories.RawJSON()), &cats); err != nil {
			continue
		}
		for name, on := range cats {
			if _, dup := seen[name]; on && !dup {
				seen[name] = struct{}{}
				out.Categories = append(out.Categories, name)
			}
		}
	}
	sort.Strings(out.Categories)
	return out, nil
}
