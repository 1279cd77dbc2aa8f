// Package workflow runs the analysis graph: typed state, node execution,
// suspension at interrupts and resumption from persisted snapshots.
package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/metalagman/atelier/internal/db"
	"github.com/metalagman/atelier/internal/logging"
	"github.com/metalagman/atelier/internal/metrics"
	"github.com/metalagman/atelier/internal/safety"
	"github.com/rs/zerolog/log"
)

// End is the terminal pseudo-node.
const End = "__end__"

// Node names.
const (
	NodeInputGuard     = "input_guard"
	NodeRequirements   = "requirements_analyst"
	NodeDomainValidate = "domain_validator"
	NodeCalibration    = "calibration_questionnaire"
	NodeDirector       = "project_director"
	NodeRoleReview     = "role_task_review"
	NodeBatch          = "batch_executor"
	NodeReview         = "multi_perspective_review"
	NodeAggregator     = "result_aggregator"
	NodeReportGuard    = "report_guard"
	NodeFollowup       = "post_completion_followup"
	NodeRejected       = "input_rejected"
)

// Sentinel errors.
var (
	ErrUnknownNode   = errors.New("unknown node")
	ErrBadTransition = errors.New("inadmissible transition")
	ErrSessionBusy   = errors.New("session is locked by another worker")
)

// NodeFunc is a graph node.
type NodeFunc func(ctx context.Context, rt *Runtime, st *State) (Command, error)

// Graph is a set of nodes and their admissible successors. The first listed
// successor is the default when a node returns no Goto.
type Graph struct {
	entry string
	nodes map[string]NodeFunc
	edges map[string][]string
}

// NewGraph creates an empty graph entered at entry.
func NewGraph(entry string) *Graph {
	return &Graph{entry: entry, nodes: make(map[string]NodeFunc), edges: make(map[string][]string)}
}

// AddNode registers fn under name with its successors.
func (g *Graph) AddNode(name string, fn NodeFunc, successors ...string) {
	g.nodes[name] = fn
	g.edges[name] = successors
}

// Validate checks that every successor is registered.
func (g *Graph) Validate() error {
	if _, ok := g.nodes[g.entry]; !ok {
		return fmt.Errorf("entry %s: %w", g.entry, ErrUnknownNode)
	}
	for name, succ := range g.edges {
		if len(succ) == 0 {
			return fmt.Errorf("node %s has no successors", name)
		}
		for _, s := range succ {
			if s == End {
				continue
			}
			if _, ok := g.nodes[s]; !ok {
				return fmt.Errorf("edge %s -> %s: %w", name, s, ErrUnknownNode)
			}
		}
	}
	return nil
}

func (g *Graph) next(node, requested string) (string, error) {
	succ := g.edges[node]
	if requested == "" {
		return succ[0], nil
	}
	for _, s := range succ {
		if s == requested {
			return s, nil
		}
	}
	return "", fmt.Errorf("%s -> %s: %w", node, requested, ErrBadTransition)
}

// Snapshot is the externally visible session view.
type Snapshot struct {
	SessionID    string            `json:"session_id"`
	Status       string            `json:"status"`
	CurrentStage string            `json:"current_stage"`
	StepIndex    int               `json:"step_index"`
	PendingNode  string            `json:"pending_node,omitempty"`
	Interrupt    *InterruptRequest `json:"interrupt_data,omitempty"`
	Error        string            `json:"error,omitempty"`
	Traceback    string            `json:"traceback,omitempty"`
	State        *State            `json:"-"`
}

// Options configures an Engine.
type Options struct {
	// MaxReviewRounds caps review -> batch loops.
	MaxReviewRounds int
	// LockDir enables per-session flock when set.
	LockDir  string
	Recorder *metrics.Recorder
}

// Engine executes a graph against the session store.
type Engine struct {
	graph *Graph
	store *db.Store
	opts  Options

	mu      sync.Mutex
	running map[string]context.CancelFunc
}

// NewEngine validates graph and creates an engine.
func NewEngine(graph *Graph, store *db.Store, opts Options) (*Engine, error) {
	if err := graph.Validate(); err != nil {
		return nil, err
	}
	if opts.MaxReviewRounds <= 0 {
		opts.MaxReviewRounds = 3
	}
	return &Engine{graph: graph, store: store, opts: opts, running: make(map[string]context.CancelFunc)}, nil
}

// NewSessionID issues a session id.
func NewSessionID() string {
	return "ses-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
}

// Create registers a session without running it.
func (e *Engine) Create(ctx context.Context, sessionID, input, mode string) (Snapshot, error) {
	if mode == "" {
		mode = ModeDynamic
	}
	st := &State{
		SessionID:    sessionID,
		UserInput:    input,
		Mode:         mode,
		Status:       StatusInitializing,
		CurrentStage: e.graph.entry,
	}
	if err := e.store.CreateSession(ctx, db.Session{
		ID:           sessionID,
		UserInput:    input,
		Mode:         mode,
		Status:       StatusInitializing,
		CurrentStage: e.graph.entry,
	}); err != nil {
		return Snapshot{}, fmt.Errorf("create session: %w", err)
	}
	if err := e.commit(ctx, st, 0, "", nil, db.Update{Status: StatusInitializing, CurrentStage: e.graph.entry}); err != nil {
		return Snapshot{}, err
	}
	return e.view(st, 0, ""), nil
}

// Start creates a session and runs it until it suspends or terminates.
func (e *Engine) Start(ctx context.Context, sessionID, input, mode string) (Snapshot, error) {
	if _, err := e.Create(ctx, sessionID, input, mode); err != nil {
		return Snapshot{}, err
	}
	return e.Run(ctx, sessionID)
}

// Run executes a session created by Create from its entry node.
func (e *Engine) Run(ctx context.Context, sessionID string) (Snapshot, error) {
	release, err := e.lock(sessionID)
	if err != nil {
		return Snapshot{}, err
	}
	defer release()

	st, step, err := e.load(ctx, sessionID)
	if err != nil {
		return Snapshot{}, err
	}
	if st.Status != StatusInitializing {
		return e.view(st, step, ""), nil
	}
	log.Info().Str("session_id", sessionID).Str("mode", st.Mode).Msg("session started")
	return e.run(ctx, st, step, e.graph.entry, nil)
}

// Resume re-enters the pending node with value. A session that is not
// waiting, a value naming a stale interrupt_id, or a value CheckResume
// refuses returns the current snapshot unchanged.
func (e *Engine) Resume(ctx context.Context, sessionID string, value any) (Snapshot, error) {
	resume, err := ParseResume(value)
	if err != nil {
		return Snapshot{}, err
	}
	release, err := e.lock(sessionID)
	if err != nil {
		return Snapshot{}, err
	}
	defer release()

	st, step, err := e.load(ctx, sessionID)
	if err != nil {
		return Snapshot{}, err
	}
	sess, err := e.store.GetSession(ctx, sessionID)
	if err != nil {
		return Snapshot{}, fmt.Errorf("get session: %w", err)
	}
	if st.Status != StatusWaitingForInput || sess.PendingNode == "" {
		log.Info().Str("session_id", sessionID).Str("status", st.Status).Msg("resume ignored, session not waiting")
		return e.view(st, step, sess.PendingNode), nil
	}
	if id := resume.String("interrupt_id"); id != "" && id != sess.InterruptID {
		log.Info().Str("session_id", sessionID).Str("interrupt_id", id).Msg("resume ignored, stale interrupt")
		return e.view(st, step, sess.PendingNode), nil
	}
	if resume.Cancel() {
		return e.finishCancelled(ctx, st, step, sess.PendingNode)
	}
	if st.CurrentInteraction != nil {
		if err := CheckResume(*st.CurrentInteraction, st.LastInteraction(), resume); err != nil {
			log.Info().Err(err).Str("session_id", sessionID).Msg("resume ignored")
			return e.view(st, step, sess.PendingNode), nil
		}
	}

	node := sess.PendingNode
	record := InteractionRecord{InterruptID: sess.InterruptID, Node: node, Resume: resume, At: time.Now().UTC()}
	if st.CurrentInteraction != nil {
		record.InteractionType = st.CurrentInteraction.InteractionType
	}
	if err := st.Apply(Update{
		"current_interaction": Tombstone,
		"interaction_queue":   Tombstone,
		"interaction_history": []InteractionRecord{record},
		"status":              StatusRunning,
	}); err != nil {
		return Snapshot{}, err
	}
	log.Info().Str("session_id", sessionID).Str("node", node).Msg("session resumed")
	data, _ := json.Marshal(resume)
	return e.run(ctx, st, step, node, &resumeEntry{value: resume, event: db.Event{Type: "resumed", Message: node, DataJSON: string(data)}})
}

// Cancel stops a session. A running session has its context cancelled; a
// waiting one transitions to cancelled at once.
func (e *Engine) Cancel(ctx context.Context, sessionID string) (Snapshot, error) {
	e.mu.Lock()
	cancel, running := e.running[sessionID]
	e.mu.Unlock()
	if running {
		cancel()
		log.Info().Str("session_id", sessionID).Msg("cancel requested for running session")
		return e.Status(ctx, sessionID)
	}
	st, step, err := e.load(ctx, sessionID)
	if err != nil {
		return Snapshot{}, err
	}
	if st.Status != StatusInitializing {
		return e.Resume(ctx, sessionID, CancelSentinel)
	}
	release, err := e.lock(sessionID)
	if err != nil {
		return Snapshot{}, err
	}
	defer release()
	return e.finishCancelled(ctx, st, step, st.CurrentStage)
}

// Status returns the latest snapshot.
func (e *Engine) Status(ctx context.Context, sessionID string) (Snapshot, error) {
	st, step, err := e.load(ctx, sessionID)
	if err != nil {
		return Snapshot{}, err
	}
	sess, err := e.store.GetSession(ctx, sessionID)
	if err != nil {
		return Snapshot{}, fmt.Errorf("get session: %w", err)
	}
	snap := e.view(st, step, sess.PendingNode)
	// The session row moves to running before the first node commits.
	if st.Status == StatusInitializing && sess.Status != StatusInitializing {
		snap.Status = sess.Status
	}
	return snap, nil
}

type resumeEntry struct {
	value ResumeValue
	event db.Event
}

func (e *Engine) run(ctx context.Context, st *State, step int, node string, resume *resumeEntry) (Snapshot, error) {
	// Store writes outlive a cancelled run.
	sctx := context.WithoutCancel(ctx)
	ctx, cancel := context.WithCancel(ctx)
	e.mu.Lock()
	e.running[st.SessionID] = cancel
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.running, st.SessionID)
		e.mu.Unlock()
		cancel()
	}()

	logger := logging.Session("workflow", st.SessionID)
	if err := e.store.UpdateSession(sctx, st.SessionID, db.Update{Status: StatusRunning, CurrentStage: node, StepIndex: step}, nil); err != nil {
		return Snapshot{}, err
	}
	st.Status = StatusRunning

	var pending []db.Event
	if resume != nil {
		pending = append(pending, resume.event)
	}
	for node != End {
		if ctx.Err() != nil {
			return e.finishCancelled(sctx, st, step, node)
		}
		fn, ok := e.graph.nodes[node]
		if !ok {
			return e.fail(sctx, st, step, node, fmt.Errorf("%s: %w", node, ErrUnknownNode), "")
		}
		st.CurrentStage = node
		rt := &Runtime{SessionID: st.SessionID, Node: node}
		if resume != nil {
			rt.resume = resume.value
			resume = nil
		}

		pending = append(pending, db.Event{Type: "node_started", Message: node})
		started := time.Now()
		cmd, trace, err := invoke(ctx, fn, rt, st)
		elapsed := time.Since(started)
		if err != nil {
			if ctx.Err() != nil && errors.Is(err, context.Canceled) {
				return e.finishCancelled(sctx, st, step, node)
			}
			e.opts.Recorder.Node(node, "error", elapsed)
			logger.Error().Err(err).Str("node", node).Dur("duration", elapsed).Msg("node failed")
			return e.fail(sctx, st, step, node, err, trace)
		}
		if err := st.Apply(cmd.Update); err != nil {
			return e.fail(sctx, st, step, node, err, "")
		}

		if cmd.Suspended() {
			req := *cmd.suspend
			if p, ok := rt.Pending(); ok && req.InterruptID == "" {
				req.InterruptID = p.InterruptID
			}
			if req.InterruptID == "" {
				req.InterruptID = uuid.NewString()
			}
			req.Node = node
			st.CurrentInteraction = &req
			st.InteractionQueue = append(st.InteractionQueue, req)
			st.Status = StatusWaitingForInput
			step++
			data, _ := json.Marshal(req)
			pending = append(pending, db.Event{Type: "interrupted", Message: req.InteractionType, DataJSON: string(data)})
			if err := e.commit(sctx, st, step, node, pending, db.Update{
				Status:       StatusWaitingForInput,
				CurrentStage: node,
				StepIndex:    step,
				PendingNode:  node,
				InterruptID:  req.InterruptID,
			}); err != nil {
				return Snapshot{}, err
			}
			e.opts.Recorder.Node(node, "suspended", elapsed)
			e.opts.Recorder.Session(StatusWaitingForInput)
			logger.Info().
				Str("node", node).
				Str("interaction_type", req.InteractionType).
				Str("interrupt_id", req.InterruptID).
				Msg("session waiting for input")
			return e.view(st, step, node), nil
		}

		next, err := e.graph.next(node, cmd.Goto)
		if err != nil {
			return e.fail(sctx, st, step, node, err, "")
		}
		if node == NodeReview && next == NodeBatch && st.ReviewRound >= e.opts.MaxReviewRounds {
			logger.Info().Int("round", st.ReviewRound).Msg("review round cap reached, aggregating")
			next = NodeAggregator
			if err := st.Apply(Update{"rerun_roles": Tombstone}); err != nil {
				return e.fail(sctx, st, step, node, err, "")
			}
		}

		step++
		pending = append(pending, db.Event{Type: "node_finished", Message: node, DataJSON: fmt.Sprintf(`{"next":%q,"duration_ms":%d}`, next, elapsed.Milliseconds())})
		stage := next
		if next == End {
			stage = node
		}
		if err := e.commit(sctx, st, step, node, pending, db.Update{Status: StatusRunning, CurrentStage: stage, StepIndex: step}); err != nil {
			return Snapshot{}, err
		}
		pending = nil
		e.opts.Recorder.Node(node, "ok", elapsed)
		logger.Debug().Str("node", node).Str("next", next).Dur("duration", elapsed).Msg("node finished")
		node = next
	}
	return e.finish(sctx, st, step)
}

// invoke runs fn, converting a panic into an error with its stack.
func invoke(ctx context.Context, fn NodeFunc, rt *Runtime, st *State) (cmd Command, trace string, err error) {
	defer func() {
		if r := recover(); r != nil {
			trace = string(debug.Stack())
			err = fmt.Errorf("node %s panicked: %v", rt.Node, r)
		}
	}()
	cmd, err = fn(ctx, rt, st)
	return cmd, "", err
}

func (e *Engine) finish(ctx context.Context, st *State, step int) (Snapshot, error) {
	status := StatusCompleted
	if st.Status == StatusRejected || st.Status == StatusCancelled {
		status = st.Status
	}
	now := time.Now().UTC()
	st.Status = status
	st.FinalStatus = status
	st.CompletedAt = &now
	step++
	if err := e.commit(ctx, st, step, End, []db.Event{{Type: "session_" + status, Message: st.RejectionReason}}, db.Update{
		Status:       status,
		CurrentStage: st.CurrentStage,
		StepIndex:    step,
	}); err != nil {
		return Snapshot{}, err
	}
	e.opts.Recorder.Session(status)
	log.Info().Str("session_id", st.SessionID).Str("status", status).Msg("session finished")
	return e.view(st, step, ""), nil
}

func (e *Engine) fail(ctx context.Context, st *State, step int, node string, cause error, trace string) (Snapshot, error) {
	if trace == "" {
		trace = errorChain(cause)
	}
	st.Status = StatusFailed
	st.FinalStatus = StatusFailed
	st.RejectionReason = safety.ReasonNodeError
	st.RejectionMessage = safety.Message(safety.ReasonNodeError, nil)
	st.Error = cause.Error()
	st.Traceback = trace
	st.CurrentInteraction = nil
	step++
	if err := e.commit(ctx, st, step, node, []db.Event{{Type: "node_error", Message: node, DataJSON: jsonString(map[string]string{"error": cause.Error()})}}, db.Update{
		Status:       StatusFailed,
		CurrentStage: node,
		StepIndex:    step,
		Error:        cause.Error(),
	}); err != nil {
		return Snapshot{}, errors.Join(cause, err)
	}
	e.opts.Recorder.Session(StatusFailed)
	return e.view(st, step, ""), nil
}

func (e *Engine) finishCancelled(ctx context.Context, st *State, step int, node string) (Snapshot, error) {
	st.Status = StatusCancelled
	st.FinalStatus = StatusCancelled
	st.RejectionReason = safety.ReasonUserCancelled
	st.RejectionMessage = safety.Message(safety.ReasonUserCancelled, nil)
	st.CurrentInteraction = nil
	st.InteractionQueue = nil
	now := time.Now().UTC()
	st.CompletedAt = &now
	step++
	if err := e.commit(ctx, st, step, node, []db.Event{{Type: "session_cancelled", Message: node}}, db.Update{
		Status:       StatusCancelled,
		CurrentStage: node,
		StepIndex:    step,
	}); err != nil {
		return Snapshot{}, err
	}
	e.opts.Recorder.Session(StatusCancelled)
	log.Info().Str("session_id", st.SessionID).Str("node", node).Msg("session cancelled")
	return e.view(st, step, ""), nil
}

func (e *Engine) commit(ctx context.Context, st *State, step int, node string, events []db.Event, update db.Update) error {
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	if err := e.store.CommitSnapshot(ctx, db.Snapshot{SessionID: st.SessionID, StepIndex: step, Node: node, State: data}, events, update); err != nil {
		return fmt.Errorf("commit step %d: %w", step, err)
	}
	return nil
}

func (e *Engine) load(ctx context.Context, sessionID string) (*State, int, error) {
	snap, ok, err := e.store.LatestSnapshot(ctx, sessionID)
	if err != nil {
		return nil, 0, fmt.Errorf("load snapshot: %w", err)
	}
	if !ok {
		return nil, 0, fmt.Errorf("session %s: %w", sessionID, db.ErrSessionNotFound)
	}
	var st State
	if err := json.Unmarshal(snap.State, &st); err != nil {
		return nil, 0, fmt.Errorf("decode snapshot %d: %w", snap.StepIndex, err)
	}
	return &st, snap.StepIndex, nil
}

func (e *Engine) lock(sessionID string) (func(), error) {
	if e.opts.LockDir == "" {
		return func() {}, nil
	}
	lock, ok, err := db.TryAcquireSessionLock(e.opts.LockDir, sessionID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("session %s: %w", sessionID, ErrSessionBusy)
	}
	return func() {
		if err := lock.Release(); err != nil {
			log.Warn().Err(err).Str("session_id", sessionID).Msg("release session lock")
		}
	}, nil
}

func (e *Engine) view(st *State, step int, pending string) Snapshot {
	snap := Snapshot{
		SessionID:    st.SessionID,
		Status:       st.Status,
		CurrentStage: st.CurrentStage,
		StepIndex:    step,
		Error:        st.Error,
		Traceback:    st.Traceback,
		State:        st,
	}
	if st.Status == StatusWaitingForInput {
		snap.PendingNode = pending
		snap.Interrupt = st.CurrentInteraction
	}
	return snap
}

func errorChain(err error) string {
	var b strings.Builder
	for i := 0; err != nil; i++ {
		fmt.Fprintf(&b, "%d: %s\n", i, err.Error())
		err = errors.Unwrap(err)
	}
	return b.String()
}

func jsonString(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(data)
}
