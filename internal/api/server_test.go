package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/metalagman/atelier/internal/db"
	"github.com/metalagman/atelier/internal/session"
	"github.com/metalagman/atelier/internal/workflow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

type fakeSessions struct {
	mu      sync.Mutex
	started []string
	resumed map[string]any
	status  map[string]session.StatusView
	results map[string]session.ResultView
	// resumeErr is returned by Resume for waiting sessions when set.
	resumeErr error
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{
		resumed: make(map[string]any),
		status:  make(map[string]session.StatusView),
		results: make(map[string]session.ResultView),
	}
}

func (f *fakeSessions) Start(_ context.Context, input, mode, source string) (string, error) {
	if mode != "" && mode != workflow.ModeFixed && mode != workflow.ModeDynamic {
		return "", session.ErrInvalidMode
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	id := fmt.Sprintf("ses-%d", len(f.started)+1)
	f.started = append(f.started, input)
	f.status[id] = session.StatusView{SessionID: id, Status: workflow.StatusRunning, Meta: &session.Meta{Source: source}}
	return id, nil
}

func (f *fakeSessions) Resume(_ context.Context, id string, value any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.status[id]
	if !ok {
		return db.ErrSessionNotFound
	}
	if st.Status != workflow.StatusWaitingForInput {
		return session.ErrNotWaiting
	}
	if f.resumeErr != nil {
		return f.resumeErr
	}
	f.resumed[id] = value
	return nil
}

func (f *fakeSessions) Cancel(_ context.Context, id string) (session.StatusView, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.status[id]
	if !ok {
		return session.StatusView{}, db.ErrSessionNotFound
	}
	st.Status = workflow.StatusCancelled
	f.status[id] = st
	return st, nil
}

func (f *fakeSessions) Status(_ context.Context, id string) (session.StatusView, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.status[id]
	if !ok {
		return session.StatusView{}, db.ErrSessionNotFound
	}
	return st, nil
}

func (f *fakeSessions) Result(_ context.Context, id string) (session.ResultView, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	res, ok := f.results[id]
	if !ok {
		return session.ResultView{}, session.ErrResultNotReady
	}
	return res, nil
}

func (f *fakeSessions) List(context.Context, string, int) ([]db.Session, error) {
	return []db.Session{{ID: "ses-1", Status: workflow.StatusCompleted}}, nil
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *Error          `json:"error"`
}

func do(t *testing.T, h http.Handler, method, path, body string) (int, envelope) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
	return rec.Code, env
}

func TestStartAndStatus(t *testing.T) {
	t.Parallel()
	fake := newFakeSessions()
	h := NewServer(fake, Options{}).Routes()

	code, env := do(t, h, http.MethodPost, "/api/analysis/start", `{"user_input":"设计一个咖啡厅","mode":"dynamic"}`)
	require.Equal(t, http.StatusAccepted, code)
	require.True(t, env.Success)
	var started struct {
		SessionID string `json:"session_id"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &started))
	assert.Equal(t, "ses-1", started.SessionID)

	code, env = do(t, h, http.MethodGet, "/api/analysis/status/ses-1", "")
	require.Equal(t, http.StatusOK, code)
	var view session.StatusView
	require.NoError(t, json.Unmarshal(env.Data, &view))
	assert.Equal(t, workflow.StatusRunning, view.Status)
	assert.Equal(t, "api", view.Meta.Source)
}

func TestStartValidation(t *testing.T) {
	t.Parallel()
	h := NewServer(newFakeSessions(), Options{}).Routes()

	tests := []struct {
		name string
		body string
	}{
		{name: "missing input", body: `{}`},
		{name: "blank input", body: `{"user_input":"   "}`},
		{name: "bad mode", body: `{"user_input":"设计","mode":"turbo"}`},
		{name: "bad json", body: `{`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			code, env := do(t, h, http.MethodPost, "/api/analysis/start", tt.body)
			assert.Equal(t, http.StatusBadRequest, code)
			assert.False(t, env.Success)
			require.NotNil(t, env.Error)
			assert.Equal(t, CodeBadRequest, env.Error.Code)
		})
	}
}

func TestResume(t *testing.T) {
	t.Parallel()
	fake := newFakeSessions()
	fake.status["ses-9"] = session.StatusView{SessionID: "ses-9", Status: workflow.StatusWaitingForInput}
	fake.status["ses-10"] = session.StatusView{SessionID: "ses-10", Status: workflow.StatusCompleted}
	h := NewServer(fake, Options{}).Routes()

	code, env := do(t, h, http.MethodPost, "/api/analysis/resume", `{"session_id":"ses-9","resume_value":{"intent":"skip"}}`)
	require.Equal(t, http.StatusOK, code, string(env.Data))
	var a ack
	require.NoError(t, json.Unmarshal(env.Data, &a))
	assert.True(t, a.Ack)
	raw, ok := fake.resumed["ses-9"].(json.RawMessage)
	require.True(t, ok)
	assert.JSONEq(t, `{"intent":"skip"}`, string(raw))

	code, env = do(t, h, http.MethodPost, "/api/analysis/resume", `{"session_id":"ses-10","resume_value":"x"}`)
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, CodeConflict, env.Error.Code)

	code, _ = do(t, h, http.MethodPost, "/api/analysis/resume", `{"session_id":"nope"}`)
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = do(t, h, http.MethodPost, "/api/analysis/resume", `{"resume_value":"x"}`)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestResumePinsInterruptID(t *testing.T) {
	t.Parallel()
	fake := newFakeSessions()
	fake.status["ses-4"] = session.StatusView{SessionID: "ses-4", Status: workflow.StatusWaitingForInput}
	h := NewServer(fake, Options{}).Routes()

	code, env := do(t, h, http.MethodPost, "/api/analysis/resume", `{"session_id":"ses-4","interrupt_id":"i-1","resume_value":{"action":"approve"}}`)
	require.Equal(t, http.StatusOK, code, string(env.Data))
	assert.Equal(t, workflow.ResumeValue{"action": "approve", "interrupt_id": "i-1"}, fake.resumed["ses-4"])

	code, _ = do(t, h, http.MethodPost, "/api/analysis/resume", `{"session_id":"ses-4","interrupt_id":"i-2","resume_value":{"action":"approve","interrupt_id":"i-1"}}`)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, workflow.ResumeValue{"action": "approve", "interrupt_id": "i-1"}, fake.resumed["ses-4"])

	code, _ = do(t, h, http.MethodPost, "/api/analysis/resume", `{"session_id":"ses-4","interrupt_id":"i-3"}`)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, workflow.ResumeValue{"interrupt_id": "i-3"}, fake.resumed["ses-4"])
}

func TestResumeRejectedAnswerConflicts(t *testing.T) {
	t.Parallel()
	fake := newFakeSessions()
	fake.status["ses-5"] = session.StatusView{SessionID: "ses-5", Status: workflow.StatusWaitingForInput}
	fake.resumeErr = fmt.Errorf("%w: %w", session.ErrResumeRejected, workflow.ErrDuplicateResume)
	h := NewServer(fake, Options{}).Routes()

	code, env := do(t, h, http.MethodPost, "/api/analysis/resume", `{"session_id":"ses-5","resume_value":{"intent":"skip"}}`)
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, CodeConflict, env.Error.Code)
	assert.Empty(t, fake.resumed)
}

func TestCancelAndResult(t *testing.T) {
	t.Parallel()
	fake := newFakeSessions()
	fake.status["ses-3"] = session.StatusView{SessionID: "ses-3", Status: workflow.StatusWaitingForInput}
	fake.results["ses-4"] = session.ResultView{
		SessionID:   "ses-4",
		Status:      workflow.StatusCompleted,
		FinalReport: &workflow.Report{Title: "报告", Markdown: "# 报告\n"},
	}
	h := NewServer(fake, Options{}).Routes()

	code, env := do(t, h, http.MethodPost, "/api/analysis/cancel/ses-3", "")
	require.Equal(t, http.StatusOK, code)
	var a ack
	require.NoError(t, json.Unmarshal(env.Data, &a))
	assert.Equal(t, workflow.StatusCancelled, a.Status)

	code, _ = do(t, h, http.MethodGet, "/api/analysis/result/ses-3", "")
	assert.Equal(t, http.StatusConflict, code)

	code, env = do(t, h, http.MethodGet, "/api/analysis/result/ses-4", "")
	require.Equal(t, http.StatusOK, code)
	var res map[string]any
	require.NoError(t, json.Unmarshal(env.Data, &res))
	assert.Contains(t, res, "final_report")
	assert.Contains(t, res, "review_feedback")
	assert.Contains(t, res, "expert_reports")
	assert.Contains(t, res, "images")

	code, _ = do(t, h, http.MethodGet, "/api/analysis/status/missing", "")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestHealthMetricsAndImages(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "ses-1"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ses-1", "D1.png"), []byte("png"), 0o644))
	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("atelier_up 1\n"))
	})
	h := NewServer(newFakeSessions(), Options{ImagesDir: dir, Metrics: metrics}).Routes()

	code, env := do(t, h, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, code)
	assert.True(t, env.Success)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, "atelier_up 1\n", rec.Body.String())

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/images/ses-1/D1.png", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "png", rec.Body.String())

	code, env = do(t, h, http.MethodGet, "/api/analysis/sessions", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(env.Data), "ses-1")
}
