// Package session runs analysis sessions in the background and exposes
// their status and results to the HTTP API and the CLI.
package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/metalagman/atelier/internal/db"
	"github.com/metalagman/atelier/internal/model"
	"github.com/metalagman/atelier/internal/search"
	"github.com/metalagman/atelier/internal/workflow"
	"github.com/rs/zerolog/log"
)

// Sentinel errors.
var (
	ErrNotWaiting     = errors.New("session is not waiting for input")
	ErrStaleInterrupt = errors.New("interrupt has already been answered")
	ErrResumeRejected = errors.New("resume value does not answer the pending interrupt")
	ErrResultNotReady = errors.New("session has no final report yet")
	ErrClosed         = errors.New("session service is closed")
	ErrInvalidMode    = errors.New("mode must be fixed or dynamic")
)

// Meta is what the service records about a session outside its state.
type Meta struct {
	Source    string    `json:"source"`
	Mode      string    `json:"mode"`
	CreatedAt time.Time `json:"created_at"`
}

// StatusView is the polled session status.
type StatusView struct {
	SessionID       string                     `json:"session_id"`
	Status          string                     `json:"status"`
	CurrentStage    string                     `json:"current_stage"`
	Detail          string                     `json:"detail,omitempty"`
	InterruptData   *workflow.InterruptRequest `json:"interrupt_data,omitempty"`
	RejectionReason string                     `json:"rejection_reason,omitempty"`
	Error           string                     `json:"error,omitempty"`
	Traceback       string                     `json:"traceback,omitempty"`
	Meta            *Meta                      `json:"meta,omitempty"`
}

// ExpertReport is the latest output of one expert.
type ExpertReport struct {
	RoleID     string         `json:"role_id"`
	RoleName   string         `json:"role_name"`
	Content    string         `json:"content"`
	Confidence float64        `json:"confidence"`
	Round      int            `json:"round"`
	Sources    []model.Source `json:"sources,omitempty"`
	Error      string         `json:"error,omitempty"`
}

// ResultView is the final output of a session.
type ResultView struct {
	SessionID       string                        `json:"session_id"`
	Status          string                        `json:"status"`
	FinalReport     *workflow.Report              `json:"final_report"`
	ReviewFeedback  map[string][]model.ReviewItem `json:"review_feedback"`
	ExpertReports   []ExpertReport                `json:"expert_reports"`
	Images          []model.ImageMetadata         `json:"images"`
	References      []search.Reference            `json:"references,omitempty"`
	FollowupHistory []workflow.FollowupTurn       `json:"followup_history,omitempty"`
	ReportSanitized bool                          `json:"report_sanitized"`
}

// Service starts and resumes sessions on background goroutines.
type Service struct {
	engine *workflow.Engine
	store  *db.Store
	kv     db.KV

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	closed   bool
	inflight map[string]int
}

// NewService creates a service. kv may be nil.
func NewService(engine *workflow.Engine, store *db.Store, kv db.KV) *Service {
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{engine: engine, store: store, kv: kv, ctx: ctx, cancel: cancel, inflight: make(map[string]int)}
}

// Start registers a session and runs it in the background.
func (s *Service) Start(ctx context.Context, input, mode, source string) (string, error) {
	switch mode {
	case "":
		mode = workflow.ModeDynamic
	case workflow.ModeFixed, workflow.ModeDynamic:
	default:
		return "", fmt.Errorf("%q: %w", mode, ErrInvalidMode)
	}
	id := workflow.NewSessionID()
	if _, err := s.engine.Create(ctx, id, input, mode); err != nil {
		return "", err
	}
	if s.kv != nil {
		meta := Meta{Source: source, Mode: mode, CreatedAt: time.Now().UTC()}
		if err := db.PutJSON(ctx, s.kv, db.NS(db.NSSession, id), "meta", meta); err != nil {
			log.Warn().Err(err).Str("session_id", id).Msg("store session meta")
		}
	}
	if err := s.background(id, func(ctx context.Context) (workflow.Snapshot, error) {
		return s.engine.Run(ctx, id)
	}); err != nil {
		return "", err
	}
	log.Info().Str("session_id", id).Str("mode", mode).Str("source", source).Msg("session accepted")
	return id, nil
}

// Resume validates the answer against the pending interrupt and continues
// the session in the background.
func (s *Service) Resume(ctx context.Context, sessionID string, value any) error {
	resume, err := workflow.ParseResume(value)
	if err != nil {
		return err
	}
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.Status != workflow.StatusWaitingForInput {
		return fmt.Errorf("session %s is %s: %w", sessionID, sess.Status, ErrNotWaiting)
	}
	if id := resume.String("interrupt_id"); id != "" && id != sess.InterruptID {
		return fmt.Errorf("interrupt %s: %w", id, ErrStaleInterrupt)
	}
	snap, err := s.engine.Status(ctx, sessionID)
	if err != nil {
		return err
	}
	if snap.Interrupt != nil && !resume.Cancel() {
		if err := workflow.CheckResume(*snap.Interrupt, snap.State.LastInteraction(), resume); err != nil {
			return fmt.Errorf("%w: %w", ErrResumeRejected, err)
		}
	}
	return s.background(sessionID, func(ctx context.Context) (workflow.Snapshot, error) {
		return s.engine.Resume(ctx, sessionID, resume)
	})
}

// Cancel stops a session.
func (s *Service) Cancel(ctx context.Context, sessionID string) (StatusView, error) {
	snap, err := s.engine.Cancel(ctx, sessionID)
	if err != nil {
		return StatusView{}, err
	}
	return s.statusView(ctx, snap), nil
}

// Status returns the current status of a session.
func (s *Service) Status(ctx context.Context, sessionID string) (StatusView, error) {
	snap, err := s.engine.Status(ctx, sessionID)
	if err != nil {
		return StatusView{}, err
	}
	return s.statusView(ctx, snap), nil
}

// Wait blocks until the session leaves the running states or ctx ends.
func (s *Service) Wait(ctx context.Context, sessionID string, poll time.Duration) (StatusView, error) {
	if poll <= 0 {
		poll = 200 * time.Millisecond
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		view, err := s.Status(ctx, sessionID)
		if err != nil {
			return StatusView{}, err
		}
		if view.Status != workflow.StatusRunning && view.Status != workflow.StatusInitializing {
			return view, nil
		}
		select {
		case <-ctx.Done():
			return view, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Result returns the report and supporting outputs of a session.
func (s *Service) Result(ctx context.Context, sessionID string) (ResultView, error) {
	snap, err := s.engine.Status(ctx, sessionID)
	if err != nil {
		return ResultView{}, err
	}
	st := snap.State
	if st.FinalReport == nil {
		return ResultView{}, fmt.Errorf("session %s is %s: %w", sessionID, snap.Status, ErrResultNotReady)
	}
	view := ResultView{
		SessionID:       sessionID,
		Status:          snap.Status,
		FinalReport:     st.FinalReport,
		ReviewFeedback:  st.ReviewFeedback,
		Images:          st.GeneratedImages,
		References:      st.References,
		FollowupHistory: st.FollowupHistory,
		ReportSanitized: st.ReportSanitized,
	}
	latest := st.LatestResults()
	for _, id := range st.RoleIDs() {
		r, ok := latest[id]
		if !ok {
			continue
		}
		name := id
		if role, ok := st.Role(id); ok && role.DynamicRoleName != "" {
			name = role.DynamicRoleName
		}
		view.ExpertReports = append(view.ExpertReports, ExpertReport{
			RoleID:     id,
			RoleName:   name,
			Content:    r.Content,
			Confidence: r.Confidence,
			Round:      r.Round,
			Sources:    r.Sources,
			Error:      r.Error,
		})
	}
	sort.SliceStable(view.Images, func(i, j int) bool { return view.Images[i].DeliverableID < view.Images[j].DeliverableID })
	return view, nil
}

// List returns recent sessions, optionally filtered by status.
func (s *Service) List(ctx context.Context, status string, limit int) ([]db.Session, error) {
	return s.store.ListSessions(ctx, status, limit)
}

// Close cancels in-flight runs and waits for them to stop.
func (s *Service) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for sessions: %w", ctx.Err())
	}
}

func (s *Service) background(sessionID string, fn func(context.Context) (workflow.Snapshot, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.wg.Add(1)
	s.inflight[sessionID]++
	go func() {
		defer s.wg.Done()
		defer s.done(sessionID)
		snap, err := fn(s.ctx)
		if err != nil {
			log.Error().Err(err).Str("session_id", sessionID).Msg("session run failed")
			return
		}
		log.Debug().
			Str("session_id", sessionID).
			Str("status", snap.Status).
			Str("stage", snap.CurrentStage).
			Msg("session run returned")
	}()
	return nil
}

func (s *Service) done(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight[sessionID]--; s.inflight[sessionID] <= 0 {
		delete(s.inflight, sessionID)
	}
}

func (s *Service) busy(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inflight[sessionID] > 0
}

func (s *Service) statusView(ctx context.Context, snap workflow.Snapshot) StatusView {
	view := StatusView{
		SessionID:     snap.SessionID,
		Status:        snap.Status,
		CurrentStage:  snap.CurrentStage,
		InterruptData: snap.Interrupt,
		Error:         snap.Error,
		Traceback:     snap.Traceback,
	}
	// Accepted work is reported as running until the background run commits.
	if s.busy(snap.SessionID) && (view.Status == workflow.StatusWaitingForInput || view.Status == workflow.StatusInitializing) {
		view.Status = workflow.StatusRunning
		view.InterruptData = nil
	}
	if st := snap.State; st != nil {
		view.RejectionReason = st.RejectionReason
		switch {
		case snap.Interrupt != nil:
			view.Detail = snap.Interrupt.Message
		case st.RejectionMessage != "":
			view.Detail = st.RejectionMessage
		}
	}
	if s.kv != nil {
		meta, ok, err := db.GetJSON[Meta](ctx, s.kv, db.NS(db.NSSession, snap.SessionID), "meta")
		if err != nil {
			log.Warn().Err(err).Str("session_id", snap.SessionID).Msg("load session meta")
		} else if ok {
			view.Meta = &meta
		}
	}
	return view
}
