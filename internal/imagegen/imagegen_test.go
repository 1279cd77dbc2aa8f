package imagegen

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/metalagman/atelier/internal/db"
	"github.com/metalagman/atelier/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var pngBytes = []byte("\x89PNG\r\n\x1a\nfake")

type fakeBackend struct {
	prompt string
	size   string
	err    error
}

func (f *fakeBackend) Generate(_ context.Context, prompt, size string) ([]byte, error) {
	f.prompt, f.size = prompt, size
	return pngBytes, f.err
}

func moodBoard() model.Deliverable {
	return model.Deliverable{
		ID:          "D2",
		Name:        "Mood board",
		Description: "Warm minimal cafe",
		Constraints: model.Constraints{StylePreferences: "Japandi", MustInclude: []string{"oak", "linen"}},
	}
}

func TestGenerateWritesFileAndMetadata(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	kv := db.NewMemoryKV()
	backend := &fakeBackend{}
	g := NewWithBackend(backend, kv, Config{OutputDir: dir})
	g.now = func() time.Time { return time.Date(2026, 10, 15, 8, 30, 0, 0, time.UTC) }

	meta, err := g.Generate(context.Background(), Request{SessionID: "s-1", Deliverable: moodBoard(), OwnerRole: "V5_场景专家_5-1", Analysis: "暖色木饰面", AspectRatio: "9:16"})
	require.NoError(t, err)
	assert.Equal(t, "D2_20261015_083000.png", meta.Filename)
	assert.Equal(t, "/images/s-1/D2_20261015_083000.png", meta.URL)
	assert.Equal(t, int64(len(pngBytes)), meta.FileSizeBytes)
	assert.Equal(t, "1024x1536", backend.size)
	assert.Contains(t, backend.prompt, "Japandi")
	assert.Contains(t, backend.prompt, "oak, linen")
	assert.Contains(t, backend.prompt, "tall portrait")

	written, err := os.ReadFile(filepath.Join(dir, "s-1", meta.Filename))
	require.NoError(t, err)
	assert.Equal(t, pngBytes, written)

	listed, err := g.List(context.Background(), "s-1")
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, "D2", listed[0].DeliverableID)
}

func TestGenerateErrors(t *testing.T) {
	t.Parallel()

	disabled := New(Config{OutputDir: t.TempDir()}, nil, nil)
	assert.False(t, disabled.Enabled())
	_, err := disabled.Generate(context.Background(), Request{Deliverable: moodBoard()})
	assert.ErrorIs(t, err, ErrDisabled)

	g := NewWithBackend(&fakeBackend{}, nil, Config{OutputDir: t.TempDir()})
	_, err = g.Generate(context.Background(), Request{Deliverable: moodBoard(), AspectRatio: "4:3"})
	assert.Error(t, err)

	failing := NewWithBackend(&fakeBackend{err: errors.New("quota")}, nil, Config{OutputDir: t.TempDir()})
	_, err = failing.Generate(context.Background(), Request{Deliverable: moodBoard()})
	assert.ErrorContains(t, err, "quota")
}

func TestBuildPromptTruncatesAnalysis(t *testing.T) {
	t.Parallel()

	p := BuildPrompt(moodBoard(), strings.Repeat("木", 1000), "16:9")
	assert.Equal(t, 800, strings.Count(p, "木"))
	assert.Contains(t, p, "wide landscape")
}

func TestSafeName(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "a_b", safeName("a/b"))
	assert.Equal(t, "_", safeName(""))
	assert.Equal(t, "D-1_x", safeName("D-1_x"))
}

func TestOpenAIBackend(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasSuffix(r.URL.Path, "/images/generations"), r.URL.Path)
		assert.Equal(t, "Bearer img-key", r.Header.Get("Authorization"))
		var body map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "1536x1024", body["size"])
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"created": 1,
			"data":    []map[string]any{{"b64_json": base64.StdEncoding.EncodeToString(pngBytes)}},
		})
	}))
	defer srv.Close()

	b := NewOpenAIBackend(srv.URL+"/v1/", "img-key", "", srv.Client())
	data, err := b.Generate(context.Background(), "a cafe", "1536x1024")
	require.NoError(t, err)
	assert.Equal(t, pngBytes, data)
}
