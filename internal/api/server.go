// Package api serves the analysis HTTP API.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/metalagman/atelier/internal/db"
	"github.com/metalagman/atelier/internal/session"
	"github.com/metalagman/atelier/internal/workflow"
	"github.com/rs/zerolog/log"
)

// Sessions is the session service the API drives.
type Sessions interface {
	Start(ctx context.Context, input, mode, source string) (string, error)
	Resume(ctx context.Context, sessionID string, value any) error
	Cancel(ctx context.Context, sessionID string) (session.StatusView, error)
	Status(ctx context.Context, sessionID string) (session.StatusView, error)
	Result(ctx context.Context, sessionID string) (session.ResultView, error)
	List(ctx context.Context, status string, limit int) ([]db.Session, error)
}

// Options configures the server.
type Options struct {
	// ImagesDir is served under /images when set.
	ImagesDir string
	// Metrics is served under /metrics when set.
	Metrics http.Handler
}

// Server holds the API handlers.
type Server struct {
	sessions Sessions
	opts     Options
}

// NewServer creates a server.
func NewServer(sessions Sessions, opts Options) *Server {
	return &Server{sessions: sessions, opts: opts}
}

type startRequest struct {
	UserInput string `json:"user_input" binding:"required"`
	Mode      string `json:"mode"`
}

type resumeRequest struct {
	SessionID   string          `json:"session_id" binding:"required"`
	ResumeValue json.RawMessage `json:"resume_value"`
	// InterruptID pins the answer to one interrupt when resume_value omits it.
	InterruptID string `json:"interrupt_id"`
}

type ack struct {
	Ack       bool   `json:"ack"`
	SessionID string `json:"session_id"`
	Status    string `json:"status,omitempty"`
}

// Routes returns the HTTP handler.
func (s *Server) Routes() http.Handler {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger())

	r.GET("/healthz", func(c *gin.Context) {
		respond(c, http.StatusOK, gin.H{"status": "ok"})
	})
	if s.opts.Metrics != nil {
		r.GET("/metrics", gin.WrapH(s.opts.Metrics))
	}
	if s.opts.ImagesDir != "" {
		r.Static("/images", s.opts.ImagesDir)
	}

	g := r.Group("/api/analysis")
	g.POST("/start", s.handleStart)
	g.GET("/status/:session_id", s.handleStatus)
	g.POST("/resume", s.handleResume)
	g.POST("/cancel/:session_id", s.handleCancel)
	g.GET("/result/:session_id", s.handleResult)
	g.GET("/sessions", s.handleList)
	return r
}

func (s *Server) handleStart(c *gin.Context) {
	var req startRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "user_input is required")
		return
	}
	if strings.TrimSpace(req.UserInput) == "" {
		badRequest(c, "user_input is required")
		return
	}
	id, err := s.sessions.Start(c.Request.Context(), req.UserInput, req.Mode, "api")
	if err != nil {
		s.writeError(c, err)
		return
	}
	respond(c, http.StatusAccepted, gin.H{"session_id": id})
}

func (s *Server) handleStatus(c *gin.Context) {
	view, err := s.sessions.Status(c.Request.Context(), c.Param("session_id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	respond(c, http.StatusOK, view)
}

func (s *Server) handleResume(c *gin.Context) {
	var req resumeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "session_id is required")
		return
	}
	var value any
	if len(req.ResumeValue) > 0 && string(req.ResumeValue) != "null" {
		value = req.ResumeValue
	}
	if req.InterruptID != "" {
		rv, err := workflow.ParseResume(value)
		if err != nil {
			badRequest(c, err.Error())
			return
		}
		if rv.String("interrupt_id") == "" {
			rv["interrupt_id"] = req.InterruptID
		}
		value = rv
	}
	if err := s.sessions.Resume(c.Request.Context(), req.SessionID, value); err != nil {
		s.writeError(c, err)
		return
	}
	respond(c, http.StatusOK, ack{Ack: true, SessionID: req.SessionID})
}

func (s *Server) handleCancel(c *gin.Context) {
	id := c.Param("session_id")
	view, err := s.sessions.Cancel(c.Request.Context(), id)
	if err != nil {
		s.writeError(c, err)
		return
	}
	respond(c, http.StatusOK, ack{Ack: true, SessionID: id, Status: view.Status})
}

func (s *Server) handleResult(c *gin.Context) {
	res, err := s.sessions.Result(c.Request.Context(), c.Param("session_id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	respond(c, http.StatusOK, res)
}

func (s *Server) handleList(c *gin.Context) {
	sessions, err := s.sessions.List(c.Request.Context(), c.Query("status"), 50)
	if err != nil {
		s.writeError(c, err)
		return
	}
	respond(c, http.StatusOK, gin.H{"sessions": sessions})
}

func (s *Server) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, db.ErrSessionNotFound):
		fail(c, http.StatusNotFound, CodeNotFound, "session not found")
	case errors.Is(err, session.ErrInvalidMode):
		badRequest(c, err.Error())
	case errors.Is(err, session.ErrNotWaiting),
		errors.Is(err, session.ErrStaleInterrupt),
		errors.Is(err, session.ErrResumeRejected),
		errors.Is(err, session.ErrResultNotReady):
		fail(c, http.StatusConflict, CodeConflict, err.Error())
	default:
		log.Error().Err(err).Str("path", c.FullPath()).Msg("request failed")
		fail(c, http.StatusInternalServerError, CodeInternal, "internal error")
	}
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		started := time.Now()
		c.Next()
		log.Debug().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("duration", time.Since(started)).
			Msg("http request")
	}
}
