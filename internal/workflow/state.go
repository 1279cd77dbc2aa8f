package workflow

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/metalagman/atelier/internal/expert"
	"github.com/metalagman/atelier/internal/model"
	"github.com/metalagman/atelier/internal/motivation"
	"github.com/metalagman/atelier/internal/safety"
	"github.com/metalagman/atelier/internal/search"
)

// Session statuses.
const (
	StatusInitializing    = "initializing"
	StatusRunning         = "running"
	StatusWaitingForInput = "waiting_for_input"
	StatusCompleted       = "completed"
	StatusFailed          = "failed"
	StatusCancelled       = "cancelled"
	StatusRejected        = "rejected"
)

// Terminal reports whether status ends a session.
func Terminal(status string) bool {
	switch status {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusRejected:
		return true
	default:
		return false
	}
}

// Execution modes.
const (
	ModeFixed   = "fixed"
	ModeDynamic = "dynamic"
)

// Requirements is the structured brief produced by the requirements analyst.
type Requirements struct {
	ProjectType     string              `json:"project_type"`
	ProjectSummary  string              `json:"project_summary"`
	Location        string              `json:"location,omitempty"`
	KeyRequirements []string            `json:"key_requirements,omitempty"`
	Deliverables    []model.Deliverable `json:"deliverables"`
	Confirmed       bool                `json:"confirmed"`
}

// Project returns the search and prompt context of the brief.
func (r *Requirements) Project() model.ProjectContext {
	if r == nil {
		return model.ProjectContext{}
	}
	return model.ProjectContext{ProjectType: r.ProjectType, Summary: r.ProjectSummary, Location: r.Location}
}

// Deliverable looks up a deliverable by id.
func (r *Requirements) Deliverable(id string) (model.Deliverable, bool) {
	if r == nil {
		return model.Deliverable{}, false
	}
	for _, d := range r.Deliverables {
		if d.ID == id {
			return d, true
		}
	}
	return model.Deliverable{}, false
}

// Question is one calibration question.
type Question struct {
	ID       string   `json:"id"`
	Question string   `json:"question"`
	Options  []string `json:"options,omitempty"`
}

// InteractionRecord is one answered interrupt.
type InteractionRecord struct {
	InterruptID     string         `json:"interrupt_id"`
	InteractionType string         `json:"interaction_type"`
	Node            string         `json:"node"`
	Resume          map[string]any `json:"resume_value"`
	At              time.Time      `json:"at"`
}

// ReviewRecord summarizes one review round.
type ReviewRecord struct {
	Round  int                `json:"round"`
	Scores map[string]float64 `json:"scores"`
	Rerun  []string           `json:"rerun_roles,omitempty"`
	At     time.Time          `json:"at"`
}

// ReportSection is one titled block of the report.
type ReportSection struct {
	Title   string `json:"title"`
	Content string `json:"content"`
}

// Report is the aggregated deliverable of a session.
type Report struct {
	Title            string             `json:"title"`
	ExecutiveSummary string             `json:"executive_summary,omitempty"`
	Sections         []ReportSection    `json:"sections"`
	Conclusion       string             `json:"conclusion,omitempty"`
	References       []search.Reference `json:"references,omitempty"`
	Markdown         string             `json:"markdown"`
}

// FollowupTurn is one post-completion question and its answer.
type FollowupTurn struct {
	Question string    `json:"question"`
	Answer   string    `json:"answer"`
	At       time.Time `json:"at"`
}

// State is the graph-wide analysis state. Unknown keys survive in Extras.
type State struct {
	SessionID    string `json:"session_id"`
	UserInput    string `json:"user_input"`
	CurrentStage string `json:"current_stage,omitempty"`
	Mode         string `json:"mode"`

	Requirements              *Requirements                `json:"structured_requirements,omitempty"`
	RequirementsModifications string                       `json:"requirements_modifications,omitempty"`
	Motivations               map[string]motivation.Result `json:"motivations,omitempty"`

	DomainClassification     string                  `json:"domain_classification,omitempty"`
	DomainConfidence         float64                 `json:"domain_confidence,omitempty"`
	DomainResult             *safety.DomainResult    `json:"domain_result,omitempty"`
	TaskComplexity           string                  `json:"task_complexity,omitempty"`
	ComplexityConfidence     float64                 `json:"complexity_confidence,omitempty"`
	ComplexityReasoning      string                  `json:"complexity_reasoning,omitempty"`
	SuggestedExperts         []model.RoleType        `json:"suggested_experts,omitempty"`
	NeedsSecondaryValidation bool                    `json:"needs_secondary_validation,omitempty"`
	SecondaryValidation      *safety.SecondaryResult `json:"secondary_validation,omitempty"`
	Violations               []safety.Violation      `json:"violations,omitempty"`
	RejectionReason          string                  `json:"rejection_reason,omitempty"`
	RejectionMessage         string                  `json:"rejection_message,omitempty"`

	CalibrationQuestions []Question     `json:"calibration_questions,omitempty"`
	CalibrationAnswers   map[string]any `json:"calibration_answers,omitempty"`

	Strategy            string                       `json:"strategy,omitempty"`
	ActiveRoles         []model.RoleDescriptor       `json:"active_roles,omitempty"`
	DeliverableOwnerMap map[string]string            `json:"deliverable_owner_map,omitempty"`
	TaskAssignments     map[string][]string          `json:"task_assignments,omitempty"`
	AgentResults        map[string]model.AgentResult `json:"agent_results,omitempty"`
	SearchResults       []expert.SearchSummary       `json:"search_results,omitempty"`
	GeneratedImages     []model.ImageMetadata        `json:"generated_images,omitempty"`
	References          []search.Reference           `json:"references,omitempty"`

	ReviewFeedback map[string][]model.ReviewItem `json:"review_feedback,omitempty"`
	ReviewRound    int                           `json:"review_round,omitempty"`
	ReviewHistory  []ReviewRecord                `json:"review_history,omitempty"`
	RerunRoles     []string                      `json:"rerun_roles,omitempty"`

	ReportDraft     *Report        `json:"report_draft,omitempty"`
	FinalReport     *Report        `json:"final_report,omitempty"`
	ReportSanitized bool           `json:"report_sanitized,omitempty"`
	FollowupHistory []FollowupTurn `json:"followup_history,omitempty"`

	CurrentInteraction *InterruptRequest `json:"current_interaction,omitempty"`
	// InteractionQueue holds raised interrupts that are not answered yet.
	InteractionQueue   []InterruptRequest  `json:"interaction_queue,omitempty"`
	InteractionHistory []InteractionRecord `json:"interaction_history,omitempty"`

	Status      string     `json:"status"`
	FinalStatus string     `json:"final_status,omitempty"`
	Error       string     `json:"error,omitempty"`
	Traceback   string     `json:"traceback,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	Extras map[string]any `json:"-"`
}

type stateFields State

var (
	knownKeysOnce sync.Once
	knownKeys     map[string]struct{}
)

func stateKeys() map[string]struct{} {
	knownKeysOnce.Do(func() {
		knownKeys = make(map[string]struct{})
		t := reflect.TypeOf(stateFields{})
		for i := range t.NumField() {
			name, _, _ := strings.Cut(t.Field(i).Tag.Get("json"), ",")
			if name != "" && name != "-" {
				knownKeys[name] = struct{}{}
			}
		}
	})
	return knownKeys
}

// MarshalJSON flattens Extras next to the typed fields.
func (s State) MarshalJSON() ([]byte, error) {
	data, err := json.Marshal(stateFields(s))
	if err != nil {
		return nil, err
	}
	if len(s.Extras) == 0 {
		return data, nil
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	known := stateKeys()
	for k, v := range s.Extras {
		if _, ok := known[k]; !ok {
			m[k] = v
		}
	}
	return json.Marshal(m)
}

// UnmarshalJSON fills the typed fields and collects unknown keys in Extras.
func (s *State) UnmarshalJSON(data []byte) error {
	var fields stateFields
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	*s = State(fields)
	known := stateKeys()
	for k, v := range m {
		if _, ok := known[k]; ok {
			continue
		}
		if s.Extras == nil {
			s.Extras = make(map[string]any)
		}
		s.Extras[k] = v
	}
	return nil
}

// Clone returns a deep copy through the JSON form.
func (s *State) Clone() (*State, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("marshal state: %w", err)
	}
	var out State
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("unmarshal state: %w", err)
	}
	return &out, nil
}

// LatestResults returns the newest result of every role, keyed by role id,
// skipping results that recorded a failure when a successful one exists.
func (s *State) LatestResults() map[string]model.AgentResult {
	out := make(map[string]model.AgentResult)
	for _, r := range s.AgentResults {
		cur, ok := out[r.RoleID]
		switch {
		case !ok:
			out[r.RoleID] = r
		case cur.Failed() && !r.Failed():
			out[r.RoleID] = r
		case cur.Failed() == r.Failed() && r.Round > cur.Round:
			out[r.RoleID] = r
		}
	}
	return out
}

// LastInteraction returns the most recently answered interrupt.
func (s *State) LastInteraction() *InteractionRecord {
	if len(s.InteractionHistory) == 0 {
		return nil
	}
	rec := s.InteractionHistory[len(s.InteractionHistory)-1]
	return &rec
}

// RoleIDs returns the active role ids in assignment order.
func (s *State) RoleIDs() []string {
	ids := make([]string, 0, len(s.ActiveRoles))
	for _, r := range s.ActiveRoles {
		ids = append(ids, r.RoleID)
	}
	return ids
}

// Role looks up an active role.
func (s *State) Role(id string) (model.RoleDescriptor, bool) {
	for _, r := range s.ActiveRoles {
		if r.RoleID == id {
			return r, true
		}
	}
	return model.RoleDescriptor{}, false
}

// ResultKey is the agent_results key of a role's result for round. The
// first round uses the bare role id.
func ResultKey(roleID string, round int) string {
	if round <= 1 {
		return roleID
	}
	return fmt.Sprintf("%s#r%d", roleID, round)
}

// Update is a partial state keyed by JSON field names.
type Update map[string]any

type tombstone struct{}

// Tombstone deletes the key it is assigned to.
var Tombstone = tombstone{}

// appendKey reports whether key merges by appending.
func appendKey(key string) bool {
	return key == "agent_results" || key == "generated_images" ||
		strings.HasSuffix(key, "_queue") ||
		strings.HasSuffix(key, "_history") ||
		strings.HasSuffix(key, "_results")
}

// Apply merges u into s. Keys are applied in sorted order so the outcome
// never depends on map iteration.
func (s *State) Apply(u Update) error {
	if len(u) == 0 {
		return nil
	}
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("unmarshal state: %w", err)
	}
	if err := mergeInto(doc, u); err != nil {
		return err
	}
	data, err = json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal merged state: %w", err)
	}
	var next State
	if err := json.Unmarshal(data, &next); err != nil {
		return fmt.Errorf("decode merged state: %w", err)
	}
	*s = next
	return nil
}

func mergeInto(doc map[string]any, u Update) error {
	keys := make([]string, 0, len(u))
	for k := range u {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, key := range keys {
		raw := u[key]
		if _, ok := raw.(tombstone); ok {
			delete(doc, key)
			continue
		}
		val, err := normalize(raw)
		if err != nil {
			return fmt.Errorf("merge %s: %w", key, err)
		}
		if !appendKey(key) {
			doc[key] = val
			continue
		}
		doc[key] = appendValue(key, doc[key], val)
	}
	return nil
}

func appendValue(key string, cur, val any) any {
	switch add := val.(type) {
	case []any:
		existing, _ := cur.([]any)
		return append(existing, add...)
	case map[string]any:
		existing, _ := cur.(map[string]any)
		if existing == nil {
			existing = make(map[string]any, len(add))
		}
		for k, v := range add {
			if _, taken := existing[k]; taken && key == "agent_results" {
				continue
			}
			existing[k] = v
		}
		return existing
	case nil:
		return cur
	default:
		return val
	}
}

func normalize(v any) (any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}
