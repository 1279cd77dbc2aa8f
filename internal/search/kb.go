package search

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/blevesearch/bleve/v2"
	"github.com/rs/zerolog/log"
)

// KBDocument is one knowledge-base entry.
type KBDocument struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	URL       string `json:"url"`
	Content   string `json:"content"`
	Published string `json:"published"`
}

// KBTool searches an in-memory bleve index of internal documents.
type KBTool struct {
	index bleve.Index
}

// NewKBTool creates an empty knowledge base.
func NewKBTool() (*KBTool, error) {
	index, err := bleve.NewMemOnly(bleve.NewIndexMapping())
	if err != nil {
		return nil, fmt.Errorf("create kb index: %w", err)
	}
	return &KBTool{index: index}, nil
}

// LoadKBDir indexes every .md and .txt file under dir. A missing dir
// yields an empty knowledge base.
func LoadKBDir(dir string) (*KBTool, error) {
	kb, err := NewKBTool()
	if err != nil {
		return nil, err
	}
	if dir == "" {
		return kb, nil
	}
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		log.Debug().Str("dir", dir).Msg("knowledge base dir not found")
		return kb, nil
	}
	batch := kb.index.NewBatch()
	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		ext := strings.ToLower(filepath.Ext(path))
		if d.IsDir() || (ext != ".md" && ext != ".txt") {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		rel, _ := filepath.Rel(dir, path)
		doc := KBDocument{
			ID:      filepath.ToSlash(rel),
			Title:   titleOf(string(data), rel),
			URL:     "kb://" + filepath.ToSlash(rel),
			Content: string(data),
		}
		if info, err := d.Info(); err == nil {
			doc.Published = info.ModTime().UTC().Format("2006-01-02")
		}
		return batch.Index(doc.ID, doc)
	})
	if err != nil {
		return nil, fmt.Errorf("load kb dir: %w", err)
	}
	if err := kb.index.Batch(batch); err != nil {
		return nil, fmt.Errorf("index kb batch: %w", err)
	}
	log.Info().Str("dir", dir).Int("documents", batch.Size()).Msg("knowledge base loaded")
	return kb, nil
}

func titleOf(content, fallback string) string {
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		return strings.TrimSpace(strings.TrimLeft(line, "#"))
	}
	return fallback
}

// Add indexes doc.
func (k *KBTool) Add(doc KBDocument) error {
	if doc.ID == "" {
		return fmt.Errorf("kb document id is required")
	}
	if err := k.index.Index(doc.ID, doc); err != nil {
		return fmt.Errorf("index kb document %s: %w", doc.ID, err)
	}
	return nil
}

// Count returns the number of indexed documents.
func (k *KBTool) Count() (uint64, error) { return k.index.DocCount() }

// Close releases the index.
func (k *KBTool) Close() error { return k.index.Close() }

// Name implements Tool.
func (k *KBTool) Name() ToolName { return ToolKB }

// Search implements Tool. Relevance is the bleve score normalized to the
// best hit.
func (k *KBTool) Search(ctx context.Context, query string, opts Options) ([]Result, error) {
	q := bleve.NewMatchQuery(query)
	req := bleve.NewSearchRequestOptions(q, maxResults(opts), 0, false)
	req.Fields = []string{"*"}
	res, err := k.index.SearchInContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("kb search: %w", err)
	}
	if len(res.Hits) == 0 {
		return nil, nil
	}
	top := res.Hits[0].Score
	out := make([]Result, 0, len(res.Hits))
	for _, hit := range res.Hits {
		rel := 0.0
		if top > 0 {
			rel = 0.95 * hit.Score / top
		}
		content := stringField(hit.Fields, "content")
		out = append(out, Result{
			Title:          stringField(hit.Fields, "title"),
			URL:            stringField(hit.Fields, "url"),
			Content:        content,
			Snippet:        truncate(collapseSpace(content), 200),
			RelevanceScore: rel,
			PublishedDate:  stringField(hit.Fields, "published"),
			Tool:           ToolKB,
		})
	}
	return out, nil
}

func stringField(fields map[string]interface{}, name string) string {
	if v, ok := fields[name].(string); ok {
		return v
	}
	return ""
}
