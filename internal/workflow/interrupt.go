package workflow

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/google/uuid"
)

// Interaction types.
const (
	InteractionRequirements = "requirements_confirmation"
	InteractionCalibration  = "calibration_questionnaire"
	InteractionRoleReview   = "role_and_task_unified_review"
	InteractionClarify      = "domain_clarification"
	InteractionDriftAlert   = "domain_drift_alert"
	InteractionUnclear      = "domain_unclear"
	InteractionFinalReview  = "final_review"
	InteractionQuestion     = "question"
)

// CancelSentinel cancels a waiting session when passed as the resume value.
const CancelSentinel = "__cancel__"

// Resume values that cannot answer the pending interrupt.
var (
	ErrDuplicateResume = errors.New("resume repeats the previous answer")
	ErrResumeMismatch  = errors.New("resume does not answer the pending interrupt")
)

// InterruptRequest is the payload a suspender publishes.
type InterruptRequest struct {
	InteractionType string   `json:"interaction_type"`
	Message         string   `json:"message"`
	InterruptID     string   `json:"interrupt_id"`
	Node            string   `json:"node"`
	Options         []string `json:"options,omitempty"`
	// RequireChoice rejects answers that name no action or intent.
	RequireChoice bool           `json:"require_choice,omitempty"`
	Data          map[string]any `json:"data,omitempty"`
}

// CheckResume reports whether resume answers req. prev is the answer to
// the interrupt before req, if any. A value without an interrupt_id that
// equals prev is a redelivery and never answers req.
func CheckResume(req InterruptRequest, prev *InteractionRecord, resume ResumeValue) error {
	if t := resume.String("interaction_type"); t != "" && t != req.InteractionType {
		return fmt.Errorf("%s answered as %s: %w", req.InteractionType, t, ErrResumeMismatch)
	}
	if resume.String("interrupt_id") == "" && prev != nil && sameAnswer(prev.Resume, resume) {
		return fmt.Errorf("%s: %w", req.InteractionType, ErrDuplicateResume)
	}
	choice := ""
	for _, key := range []string{"action", "intent"} {
		c := resume.String(key)
		if c == "" {
			continue
		}
		if len(req.Options) > 0 && !slices.Contains(req.Options, c) {
			return fmt.Errorf("%s %q is not one of %v: %w", key, c, req.Options, ErrResumeMismatch)
		}
		choice = c
	}
	if req.RequireChoice && choice == "" {
		return fmt.Errorf("%s needs one of %v: %w", req.InteractionType, req.Options, ErrResumeMismatch)
	}
	return nil
}

func sameAnswer(a, b ResumeValue) bool {
	x, errA := answerJSON(a)
	y, errB := answerJSON(b)
	return errA == nil && errB == nil && bytes.Equal(x, y)
}

func answerJSON(r ResumeValue) ([]byte, error) {
	trimmed := make(map[string]any, len(r))
	for k, v := range r {
		if k != "interrupt_id" && k != "interaction_type" {
			trimmed[k] = v
		}
	}
	return json.Marshal(trimmed)
}

// ResumeValue is the caller-supplied answer to an interrupt.
type ResumeValue map[string]any

// ParseResume normalizes a raw resume value. Strings become {"answer": s}
// and the cancel sentinel becomes {"cancel": true}.
func ParseResume(raw any) (ResumeValue, error) {
	switch v := raw.(type) {
	case nil:
		return ResumeValue{}, nil
	case ResumeValue:
		return v, nil
	case string:
		if strings.TrimSpace(v) == CancelSentinel {
			return ResumeValue{"cancel": true}, nil
		}
		return ResumeValue{"answer": v}, nil
	case json.RawMessage:
		var decoded any
		if err := json.Unmarshal(v, &decoded); err != nil {
			return nil, fmt.Errorf("decode resume value: %w", err)
		}
		return ParseResume(decoded)
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("encode resume value: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("resume value must be an object or string: %w", err)
	}
	return out, nil
}

// Cancel reports whether the value carries the cancel sentinel.
func (r ResumeValue) Cancel() bool {
	if b, ok := r["cancel"].(bool); ok && b {
		return true
	}
	return r.String("answer") == CancelSentinel
}

// String returns a string field, or "".
func (r ResumeValue) String(key string) string {
	s, _ := r[key].(string)
	return strings.TrimSpace(s)
}

// Map returns an object field, or nil.
func (r ResumeValue) Map(key string) map[string]any {
	m, _ := r[key].(map[string]any)
	return m
}

// Decode decodes field key into out.
func (r ResumeValue) Decode(key string, out any) error {
	v, ok := r[key]
	if !ok || v == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

// Command is what a node returns: a partial update and an optional next
// node. A suspending command also carries the interrupt to publish.
type Command struct {
	Update  Update
	Goto    string
	suspend *InterruptRequest
}

// Suspend pauses the graph at the current node.
func Suspend(req InterruptRequest) Command {
	return Command{suspend: &req}
}

// SuspendWith pauses the graph and persists update with the suspension.
func SuspendWith(update Update, req InterruptRequest) Command {
	return Command{Update: update, suspend: &req}
}

// Suspended reports whether the command pauses the graph.
func (c Command) Suspended() bool { return c.suspend != nil }

// Runtime is the per-invocation node context.
type Runtime struct {
	SessionID string
	Node      string
	resume    ResumeValue
	consumed  bool
	last      *InterruptRequest
}

// Interrupt publishes req. On the resumed invocation it returns the resume
// value once; otherwise suspended is true and the node must return
// Suspend(req) at once.
func (rt *Runtime) Interrupt(req InterruptRequest) (resume ResumeValue, suspended bool) {
	if rt.resume != nil && !rt.consumed {
		rt.consumed = true
		return rt.resume, false
	}
	if req.InterruptID == "" {
		req.InterruptID = uuid.NewString()
	}
	req.Node = rt.Node
	rt.last = &req
	return nil, true
}

// Pending returns the last unanswered interrupt raised in this invocation.
func (rt *Runtime) Pending() (InterruptRequest, bool) {
	if rt.last == nil {
		return InterruptRequest{}, false
	}
	return *rt.last, true
}
