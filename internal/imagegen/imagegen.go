// Package imagegen renders concept images for deliverables and records
// their metadata per session.
package imagegen

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/metalagman/atelier/internal/db"
	"github.com/metalagman/atelier/internal/model"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/rs/zerolog/log"
)

// ErrDisabled is returned when no image API key is configured.
var ErrDisabled = errors.New("image generation is disabled")

// Aspect ratios and the sizes requested for them.
var sizes = map[string]string{
	"16:9": "1536x1024",
	"9:16": "1024x1536",
	"1:1":  "1024x1024",
}

// DefaultAspectRatio is used when a request leaves it empty.
const DefaultAspectRatio = "16:9"

const maxAnalysisRunes = 800

// Request asks for one deliverable image.
type Request struct {
	SessionID   string
	Deliverable model.Deliverable
	OwnerRole   string
	Analysis    string
	AspectRatio string
}

// Backend produces PNG bytes for a prompt.
type Backend interface {
	Generate(ctx context.Context, prompt, size string) ([]byte, error)
}

// Config configures the generator.
type Config struct {
	APIKey    string
	BaseURL   string
	Model     string
	OutputDir string
	// URLPrefix is prepended to the session-relative path in metadata.
	URLPrefix string
}

// Generator writes images to disk and metadata to the KV store.
type Generator struct {
	backend   Backend
	kv        db.KV
	outputDir string
	urlPrefix string
	now       func() time.Time
}

// New builds a generator backed by the OpenAI Images API. Without an API
// key the generator is disabled.
func New(cfg Config, kv db.KV, httpClient *http.Client) *Generator {
	var backend Backend
	if cfg.APIKey != "" {
		backend = NewOpenAIBackend(cfg.BaseURL, cfg.APIKey, cfg.Model, httpClient)
	}
	return NewWithBackend(backend, kv, cfg)
}

// NewWithBackend builds a generator over an explicit backend.
func NewWithBackend(backend Backend, kv db.KV, cfg Config) *Generator {
	if cfg.OutputDir == "" {
		cfg.OutputDir = filepath.Join(".atelier", "images")
	}
	if cfg.URLPrefix == "" {
		cfg.URLPrefix = "/images"
	}
	return &Generator{backend: backend, kv: kv, outputDir: cfg.OutputDir, urlPrefix: strings.TrimRight(cfg.URLPrefix, "/"), now: time.Now}
}

// Enabled reports whether images can be generated.
func (g *Generator) Enabled() bool { return g != nil && g.backend != nil }

// OutputDir is the image root directory.
func (g *Generator) OutputDir() string { return g.outputDir }

// Generate renders the image, writes it and stores its metadata.
func (g *Generator) Generate(ctx context.Context, req Request) (model.ImageMetadata, error) {
	if !g.Enabled() {
		return model.ImageMetadata{}, ErrDisabled
	}
	aspect := req.AspectRatio
	if aspect == "" {
		aspect = DefaultAspectRatio
	}
	size, ok := sizes[aspect]
	if !ok {
		return model.ImageMetadata{}, fmt.Errorf("unsupported aspect ratio %q", aspect)
	}
	prompt := BuildPrompt(req.Deliverable, req.Analysis, aspect)
	data, err := g.backend.Generate(ctx, prompt, size)
	if err != nil {
		return model.ImageMetadata{}, fmt.Errorf("generate image for %s: %w", req.Deliverable.ID, err)
	}

	now := g.now().UTC()
	session := safeName(req.SessionID)
	filename := fmt.Sprintf("%s_%s.png", safeName(req.Deliverable.ID), now.Format("20060102_150405"))
	dir := filepath.Join(g.outputDir, session)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return model.ImageMetadata{}, fmt.Errorf("create image dir: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, filename), data, 0o644); err != nil {
		return model.ImageMetadata{}, fmt.Errorf("write image: %w", err)
	}

	meta := model.ImageMetadata{
		DeliverableID: req.Deliverable.ID,
		Filename:      filename,
		URL:           g.urlPrefix + "/" + session + "/" + filename,
		OwnerRole:     req.OwnerRole,
		Prompt:        prompt,
		AspectRatio:   aspect,
		FileSizeBytes: int64(len(data)),
		CreatedAt:     now,
	}
	if g.kv != nil {
		if err := db.PutJSON(ctx, g.kv, db.NS(db.NSImages, req.SessionID), filename, meta); err != nil {
			return meta, fmt.Errorf("store image metadata: %w", err)
		}
	}
	log.Info().
		Str("session_id", req.SessionID).
		Str("deliverable", req.Deliverable.ID).
		Int64("bytes", meta.FileSizeBytes).
		Msg("concept image generated")
	return meta, nil
}

// List returns the stored image metadata for a session.
func (g *Generator) List(ctx context.Context, sessionID string) ([]model.ImageMetadata, error) {
	if g.kv == nil {
		return nil, nil
	}
	return db.ListJSON[model.ImageMetadata](ctx, g.kv, db.NS(db.NSImages, sessionID))
}

var aspectHints = map[string]string{
	"16:9": "wide landscape composition",
	"9:16": "tall portrait composition",
	"1:1":  "square composition",
}

// BuildPrompt assembles the image prompt from the deliverable and up to 800
// characters of expert analysis.
func BuildPrompt(d model.Deliverable, analysis, aspect string) string {
	parts := []string{"Interior design concept visualization: " + d.Name}
	if d.Description != "" {
		parts = append(parts, d.Description)
	}
	if d.Constraints.StylePreferences != "" {
		parts = append(parts, "Style: "+d.Constraints.StylePreferences)
	}
	if len(d.Constraints.MustInclude) > 0 {
		parts = append(parts, "Must include: "+strings.Join(d.Constraints.MustInclude, ", "))
	}
	if a := strings.TrimSpace(analysis); a != "" {
		r := []rune(a)
		if len(r) > maxAnalysisRunes {
			r = r[:maxAnalysisRunes]
		}
		parts = append(parts, "Design intent: "+string(r))
	}
	if hint, ok := aspectHints[aspect]; ok {
		parts = append(parts, hint+", photorealistic rendering, natural lighting")
	}
	return strings.Join(parts, "\n")
}

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9_-]+`)

func safeName(s string) string {
	s = unsafeName.ReplaceAllString(s, "_")
	if s == "" {
		return "_"
	}
	return s
}

// OpenAIBackend calls an OpenAI-compatible images endpoint.
type OpenAIBackend struct {
	client openai.Client
	model  string
}

// NewOpenAIBackend creates the backend.
func NewOpenAIBackend(baseURL, apiKey, imageModel string, httpClient *http.Client) *OpenAIBackend {
	opts := []option.RequestOption{option.WithAPIKey(apiKey), option.WithMaxRetries(1)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	if httpClient != nil {
		opts = append(opts, option.WithHTTPClient(httpClient))
	}
	if imageModel == "" {
		imageModel = "gpt-image-1"
	}
	return &OpenAIBackend{client: openai.NewClient(opts...), model: imageModel}
}

// Generate implements Backend.
func (b *OpenAIBackend) Generate(ctx context.Context, prompt, size string) ([]byte, error) {
	params := openai.ImageGenerateParams{
		Prompt: prompt,
		Model:  openai.ImageModel(b.model),
		N:      openai.Int(1),
		Size:   openai.ImageGenerateParamsSize(size),
	}
	if strings.HasPrefix(b.model, "dall-e") {
		params.ResponseFormat = openai.ImageGenerateParamsResponseFormatB64JSON
	}
	resp, err := b.client.Images.Generate(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("images request: %w", err)
	}
	if len(resp.Data) == 0 || resp.Data[0].B64JSON == "" {
		return nil, errors.New("images response has no base64 data")
	}
	data, err := base64.StdEncoding.DecodeString(resp.Data[0].B64JSON)
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	return data, nil
}
