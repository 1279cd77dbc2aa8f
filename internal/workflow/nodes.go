package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/metalagman/atelier/internal/expert"
	"github.com/metalagman/atelier/internal/imagegen"
	"github.com/metalagman/atelier/internal/llm"
	"github.com/metalagman/atelier/internal/model"
	"github.com/metalagman/atelier/internal/motivation"
	"github.com/metalagman/atelier/internal/safety"
	"github.com/metalagman/atelier/internal/search"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// Config holds the node-level switches.
type Config struct {
	ConfirmRequirements bool
	EnableFollowup      bool
	BatchTimeout        time.Duration
}

// Deps are the services nodes call. Motivation and Images may be nil.
type Deps struct {
	Gate       *safety.Gate
	Experts    *expert.Executor
	Motivation *motivation.Engine
	Images     *imagegen.Generator
	Semaphore  *llm.AdaptiveSemaphore
	Config     Config
}

type nodes struct {
	Deps
}

// BuildGraph wires the analysis nodes into the session graph.
func BuildGraph(deps Deps) *Graph {
	if deps.Semaphore == nil {
		deps.Semaphore = llm.NewAdaptiveSemaphore(llm.AdaptiveConfig{Initial: 4})
	}
	if deps.Config.BatchTimeout <= 0 {
		deps.Config.BatchTimeout = 15 * time.Minute
	}
	n := &nodes{Deps: deps}
	g := NewGraph(NodeInputGuard)
	g.AddNode(NodeInputGuard, n.inputGuard, NodeRequirements, NodeRejected)
	g.AddNode(NodeRequirements, n.requirementsAnalyst, NodeDomainValidate)
	g.AddNode(NodeDomainValidate, n.domainValidator, NodeCalibration, NodeRejected, NodeRequirements)
	g.AddNode(NodeCalibration, n.calibration, NodeDirector)
	g.AddNode(NodeDirector, n.director, NodeRoleReview)
	g.AddNode(NodeRoleReview, n.roleReview, NodeBatch, NodeRejected)
	g.AddNode(NodeBatch, n.batch, NodeReview)
	g.AddNode(NodeReview, n.review, NodeAggregator, NodeBatch)
	g.AddNode(NodeAggregator, n.aggregate, NodeReportGuard)
	g.AddNode(NodeReportGuard, n.reportGuard, NodeFollowup)
	g.AddNode(NodeFollowup, n.followup, End, NodeFollowup)
	g.AddNode(NodeRejected, n.rejected, End)
	return g
}

func (n *nodes) call(ctx context.Context, name string, data, out any) error {
	p, ok := n.Experts.Registry().Get(name)
	if !ok {
		return fmt.Errorf("prompt %s not registered", name)
	}
	_, err := n.Experts.Call(ctx, p, data, out)
	return err
}

// input_guard

func gateUpdate(res safety.ValidationResult) Update {
	upd := Update{
		"domain_classification":      res.Domain.Label,
		"domain_confidence":          res.Domain.Confidence,
		"domain_result":              res.Domain,
		"task_complexity":            res.Complexity.Level,
		"complexity_confidence":      res.Complexity.Confidence,
		"complexity_reasoning":       res.Complexity.Reasoning,
		"suggested_experts":          res.Complexity.SuggestedExperts,
		"needs_secondary_validation": res.NeedsSecondaryValidation,
	}
	if len(res.Violations) > 0 {
		upd["violations"] = res.Violations
	}
	return upd
}

func (n *nodes) inputGuard(ctx context.Context, rt *Runtime, st *State) (Command, error) {
	res := n.Gate.Validate(ctx, st.SessionID, st.UserInput)
	upd := gateUpdate(res)
	if !res.Passed {
		upd["rejection_reason"] = res.RejectionReason
		upd["rejection_message"] = res.RejectionMessage
		return Command{Update: upd, Goto: NodeRejected}, nil
	}
	if !res.NeedsClarification {
		return Command{Update: upd, Goto: NodeRequirements}, nil
	}

	req := InterruptRequest{
		InteractionType: InteractionUnclear,
		Message:         safety.Message(safety.ReasonDomainUnclear, nil),
		Options:         []string{"adjust", "continue", "reject"},
		RequireChoice:   true,
		Data:            map[string]any{"domain": res.Domain.Label, "confidence": res.Domain.Confidence},
	}
	resume, suspended := rt.Interrupt(req)
	if suspended {
		return SuspendWith(upd, req), nil
	}
	switch resume.String("action") {
	case "adjust":
		adjustment := firstNonEmpty(resume.String("adjustment"), resume.String("answer"))
		if adjustment == "" {
			rt.Interrupt(req)
			return SuspendWith(upd, req), nil
		}
		adjusted := *st
		adjusted.UserInput = strings.TrimSpace(st.UserInput + "\n" + adjustment)
		cmd, err := n.inputGuard(ctx, rt, &adjusted)
		if err != nil {
			return Command{}, err
		}
		cmd.Update["user_input"] = adjusted.UserInput
		return cmd, nil
	case "reject":
		upd["rejection_reason"] = safety.ReasonDomainUnclear
		upd["rejection_message"] = safety.Message(safety.ReasonDomainUnclear, nil)
		return Command{Update: upd, Goto: NodeRejected}, nil
	default:
		upd["needs_secondary_validation"] = true
		return Command{Update: upd, Goto: NodeRequirements}, nil
	}
}

// requirements_analyst

type requirementsData struct {
	UserInput     string
	Modifications string
	Formats       []string
}

type requirementsOutput struct {
	ProjectType     string              `json:"project_type"`
	ProjectSummary  string              `json:"project_summary"`
	Location        string              `json:"location"`
	KeyRequirements []string            `json:"key_requirements"`
	Deliverables    []model.Deliverable `json:"deliverables"`
}

func (n *nodes) analyze(ctx context.Context, input, modifications string) (*Requirements, error) {
	var out requirementsOutput
	err := n.call(ctx, expert.PromptRequirements, requirementsData{
		UserInput:     input,
		Modifications: modifications,
		Formats:       search.Formats(),
	}, &out)
	if err != nil {
		return nil, fmt.Errorf("analyze requirements: %w", err)
	}
	return &Requirements{
		ProjectType:     strings.TrimSpace(out.ProjectType),
		ProjectSummary:  strings.TrimSpace(out.ProjectSummary),
		Location:        strings.TrimSpace(out.Location),
		KeyRequirements: out.KeyRequirements,
		Deliverables:    NormalizeDeliverables(out.Deliverables),
	}, nil
}

func (n *nodes) motivations(ctx context.Context, sessionID string, req *Requirements) map[string]motivation.Result {
	if n.Motivation == nil || req == nil {
		return nil
	}
	out := make(map[string]motivation.Result, len(req.Deliverables))
	for _, d := range req.Deliverables {
		out[d.ID] = n.Motivation.Infer(ctx, motivation.Input{
			SessionID:     sessionID,
			DeliverableID: d.ID,
			Title:         d.Name,
			Description:   d.Description,
			Context:       req.ProjectSummary,
			Format:        d.Format,
		})
	}
	return out
}

func confirmationRequest(req *Requirements) InterruptRequest {
	return InterruptRequest{
		InteractionType: InteractionRequirements,
		Message:         "请确认整理后的项目需求与交付物，如需调整请选择修改并说明。",
		Options:         []string{"approve", "revise"},
		Data:            map[string]any{"structured_requirements": req},
	}
}

func (n *nodes) requirementsAnalyst(ctx context.Context, rt *Runtime, st *State) (Command, error) {
	confirm := n.Config.ConfirmRequirements
	if st.Requirements == nil {
		req, err := n.analyze(ctx, st.UserInput, st.RequirementsModifications)
		if err != nil {
			return Command{}, err
		}
		if !confirm {
			req.Confirmed = true
			return Command{Update: Update{
				"structured_requirements": req,
				"motivations":             n.motivations(ctx, st.SessionID, req),
			}}, nil
		}
		return SuspendWith(Update{"structured_requirements": req}, confirmationRequest(req)), nil
	}
	if !confirm || st.Requirements.Confirmed {
		return Command{}, nil
	}

	ir := confirmationRequest(st.Requirements)
	resume, suspended := rt.Interrupt(ir)
	if suspended {
		return Suspend(ir), nil
	}
	mods := modificationsText(resume)
	if resume.String("intent") == "revise" {
		req, err := n.analyze(ctx, st.UserInput, mods)
		if err != nil {
			return Command{}, err
		}
		next := confirmationRequest(req)
		rt.Interrupt(next)
		return SuspendWith(Update{"structured_requirements": req, "requirements_modifications": mods}, next), nil
	}

	req := *st.Requirements
	if m := resume.Map("modifications"); m != nil {
		if v, ok := m["project_summary"].(string); ok && v != "" {
			req.ProjectSummary = v
		}
		if v, ok := m["project_type"].(string); ok && v != "" {
			req.ProjectType = v
		}
		if v, ok := m["location"].(string); ok && v != "" {
			req.Location = v
		}
	}
	req.Confirmed = true
	return Command{Update: Update{
		"structured_requirements": &req,
		"motivations":             n.motivations(ctx, st.SessionID, &req),
	}}, nil
}

func modificationsText(resume ResumeValue) string {
	if s := resume.String("modifications"); s != "" {
		return s
	}
	m := resume.Map("modifications")
	if len(m) == 0 {
		return ""
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	lines := make([]string, 0, len(keys))
	for _, k := range keys {
		lines = append(lines, fmt.Sprintf("%s: %v", k, m[k]))
	}
	return strings.Join(lines, "\n")
}

// domain_validator

func summaryText(req *Requirements) string {
	parts := []string{req.ProjectType, req.ProjectSummary}
	parts = append(parts, req.KeyRequirements...)
	for _, d := range req.Deliverables {
		parts = append(parts, d.Name+" "+d.Description)
	}
	return strings.TrimSpace(strings.Join(parts, "\n"))
}

func (n *nodes) domainValidator(ctx context.Context, rt *Runtime, st *State) (Command, error) {
	if !st.NeedsSecondaryValidation || st.Requirements == nil {
		return Command{Goto: NodeCalibration}, nil
	}
	sec := st.SecondaryValidation
	if sec == nil {
		stage1 := safety.DomainResult{Label: st.DomainClassification, Confidence: st.DomainConfidence}
		if st.DomainResult != nil {
			stage1 = *st.DomainResult
		}
		res := n.Gate.SecondaryValidate(ctx, summaryText(st.Requirements), stage1)
		sec = &res
	}
	upd := Update{"secondary_validation": sec}
	if !sec.Drift {
		upd["needs_secondary_validation"] = false
		return Command{Update: upd, Goto: NodeCalibration}, nil
	}

	ir := InterruptRequest{
		InteractionType: InteractionDriftAlert,
		Message:         "整理后的需求与空间设计的相关度明显下降。请选择调整需求、继续分析或终止本次分析。",
		Options:         []string{"adjust", "continue", "reject"},
		RequireChoice:   true,
		Data: map[string]any{
			"reason":           sec.Reason,
			"confidence_delta": sec.ConfidenceDelta,
			"domain":           sec.Domain.Label,
		},
	}
	resume, suspended := rt.Interrupt(ir)
	if suspended {
		return SuspendWith(upd, ir), nil
	}
	switch resume.String("action") {
	case "adjust":
		adjustment := firstNonEmpty(resume.String("adjustment"), resume.String("answer"))
		adjusted := Update{
			"structured_requirements":    Tombstone,
			"secondary_validation":       Tombstone,
			"motivations":                Tombstone,
			"requirements_modifications": adjustment,
			"needs_secondary_validation": false,
		}
		if adjustment != "" {
			adjusted["user_input"] = strings.TrimSpace(st.UserInput + "\n" + adjustment)
		}
		return Command{Update: adjusted, Goto: NodeRequirements}, nil
	case "reject":
		upd["rejection_reason"] = safety.ReasonDriftRejected
		upd["rejection_message"] = safety.Message(safety.ReasonDriftRejected, nil)
		return Command{Update: upd, Goto: NodeRejected}, nil
	default:
		upd["needs_secondary_validation"] = false
		return Command{Update: upd, Goto: NodeCalibration}, nil
	}
}

// calibration_questionnaire

type calibrationData struct {
	Summary      string
	Deliverables []model.Deliverable
}

var defaultQuestions = []Question{
	{ID: "q1", Question: "您更偏好哪种整体氛围？", Options: []string{"温暖放松", "简洁克制", "活力鲜明", "精致高级"}},
	{ID: "q2", Question: "项目预算更接近哪个区间？", Options: []string{"经济型", "中等", "较充裕", "不设上限"}},
	{ID: "q3", Question: "本次咨询最看重的成果是什么？", Options: []string{"概念与叙事", "空间与视觉", "技术可行性", "用户研究依据"}},
}

func (n *nodes) questions(ctx context.Context, st *State) []Question {
	var out struct {
		Questions []Question `json:"questions"`
	}
	err := n.call(ctx, expert.PromptCalibration, calibrationData{
		Summary:      st.Requirements.ProjectSummary,
		Deliverables: st.Requirements.Deliverables,
	}, &out)
	if err != nil || len(out.Questions) == 0 {
		log.Warn().Err(err).Str("session_id", st.SessionID).Msg("calibration questions unavailable, using defaults")
		return defaultQuestions
	}
	for i := range out.Questions {
		if out.Questions[i].ID == "" {
			out.Questions[i].ID = fmt.Sprintf("q%d", i+1)
		}
	}
	return out.Questions
}

func calibrationRequest(questions []Question) InterruptRequest {
	return InterruptRequest{
		InteractionType: InteractionCalibration,
		Message:         "开始分析前，请回答几个校准问题，也可以选择跳过。",
		Options:         []string{"submit", "skip"},
		Data:            map[string]any{"questions": questions},
	}
}

func (n *nodes) calibration(ctx context.Context, rt *Runtime, st *State) (Command, error) {
	if st.Requirements == nil {
		return Command{}, errors.New("calibration without structured requirements")
	}
	if len(st.CalibrationQuestions) == 0 {
		questions := n.questions(ctx, st)
		return SuspendWith(Update{"calibration_questions": questions}, calibrationRequest(questions)), nil
	}
	ir := calibrationRequest(st.CalibrationQuestions)
	resume, suspended := rt.Interrupt(ir)
	if suspended {
		return Suspend(ir), nil
	}
	answers := map[string]any{"skipped": true}
	if resume.String("intent") != "skip" {
		answers = resume.Map("answers")
		if answers == nil {
			answers = map[string]any{}
		}
	}
	return Command{Update: Update{"calibration_answers": answers}}, nil
}

// project_director

type directorData struct {
	SuggestedExperts []model.RoleType
	Summary          string
	Complexity       string
	Answers          string
	Deliverables     []model.Deliverable
}

type directorOutput struct {
	Strategy            string                 `json:"strategy"`
	Roles               []model.RoleDescriptor `json:"roles"`
	DeliverableOwnerMap map[string]string      `json:"deliverable_owner_map"`
}

func (n *nodes) director(ctx context.Context, _ *Runtime, st *State) (Command, error) {
	req := st.Requirements
	if req == nil {
		return Command{}, errors.New("director without structured requirements")
	}
	var (
		roles    []model.RoleDescriptor
		owners   map[string]string
		strategy string
	)
	if st.Mode == ModeFixed {
		roles, owners = FixedAssignment(req.Deliverables)
		strategy = "fixed"
	} else {
		var out directorOutput
		err := n.call(ctx, expert.PromptDirector, directorData{
			SuggestedExperts: st.SuggestedExperts,
			Summary:          req.ProjectSummary,
			Complexity:       st.TaskComplexity,
			Answers:          answersText(st.CalibrationAnswers),
			Deliverables:     req.Deliverables,
		}, &out)
		switch {
		case errors.Is(err, expert.ErrInvalidOutput):
			log.Warn().Err(err).Str("session_id", st.SessionID).Msg("director output rejected, using fixed assignment")
			roles, owners = FixedAssignment(req.Deliverables)
			strategy = "fixed"
		case err != nil:
			return Command{}, fmt.Errorf("assign roles: %w", err)
		default:
			roles, owners = ReconcileAssignment(out.Roles, out.DeliverableOwnerMap, req.Deliverables)
			strategy = out.Strategy
		}
	}
	tasks := make(map[string][]string, len(roles))
	for _, r := range roles {
		tasks[r.RoleID] = r.Tasks
	}
	log.Info().
		Str("session_id", st.SessionID).
		Int("roles", len(roles)).
		Int("deliverables", len(owners)).
		Msg("roles assigned")
	return Command{Update: Update{
		"active_roles":          roles,
		"deliverable_owner_map": owners,
		"task_assignments":      tasks,
		"strategy":              strategy,
	}}, nil
}

// ReconcileAssignment keeps valid proposed roles and guarantees every
// deliverable an owner among the returned roles.
func ReconcileAssignment(proposed []model.RoleDescriptor, proposedOwners map[string]string, deliverables []model.Deliverable) ([]model.RoleDescriptor, map[string]string) {
	var roles []model.RoleDescriptor
	index := make(map[string]int)
	for _, r := range proposed {
		r = r.Normalize()
		if r.RoleID == "" || r.RoleType == "" {
			continue
		}
		if _, dup := index[r.RoleID]; dup {
			continue
		}
		if r.DynamicRoleName == "" {
			r.DynamicRoleName = r.RoleID
		}
		index[r.RoleID] = len(roles)
		roles = append(roles, r)
	}
	owners := make(map[string]string, len(deliverables))
	for _, d := range deliverables {
		if owner, ok := proposedOwners[d.ID]; ok {
			if _, exists := index[owner]; exists {
				owners[d.ID] = owner
				continue
			}
		}
		fixed := fixedRoles[FormatRole(d.Format)]
		if _, exists := index[fixed.RoleID]; !exists {
			index[fixed.RoleID] = len(roles)
			roles = append(roles, fixed)
		}
		i := index[fixed.RoleID]
		roles[i].Tasks = append(roles[i].Tasks, fmt.Sprintf("完成交付物 %s：%s", d.ID, d.Name))
		owners[d.ID] = fixed.RoleID
	}
	return roles, owners
}

func answersText(answers map[string]any) string {
	if len(answers) == 0 {
		return ""
	}
	if skipped, _ := answers["skipped"].(bool); skipped {
		return ""
	}
	data, err := json.Marshal(answers)
	if err != nil {
		return ""
	}
	return string(data)
}

// role_task_review

func (n *nodes) roleReview(_ context.Context, rt *Runtime, st *State) (Command, error) {
	ir := InterruptRequest{
		InteractionType: InteractionRoleReview,
		Message:         "请确认专家角色与任务分配。可直接批准，或按角色修改任务列表。",
		Options:         []string{"approve", "reject"},
		RequireChoice:   true,
		Data: map[string]any{
			"roles":                 st.ActiveRoles,
			"deliverable_owner_map": st.DeliverableOwnerMap,
			"strategy":              st.Strategy,
		},
	}
	resume, suspended := rt.Interrupt(ir)
	if suspended {
		return Suspend(ir), nil
	}
	switch firstNonEmpty(resume.String("action"), resume.String("intent")) {
	case "reject":
		return Command{Update: Update{
			"rejection_reason":  safety.ReasonUserCancelled,
			"rejection_message": safety.Message(safety.ReasonUserCancelled, nil),
		}, Goto: NodeRejected}, nil
	case "approve":
	default:
		rt.Interrupt(ir)
		return Suspend(ir), nil
	}

	var mods map[string][]string
	if err := resume.Decode("modifications", &mods); err != nil {
		return Command{}, fmt.Errorf("decode task modifications: %w", err)
	}
	roles := make([]model.RoleDescriptor, len(st.ActiveRoles))
	copy(roles, st.ActiveRoles)
	tasks := make(map[string][]string, len(roles))
	for i, r := range roles {
		if t, ok := mods[r.RoleID]; ok {
			roles[i].Tasks = t
		}
		tasks[r.RoleID] = roles[i].Tasks
	}
	return Command{Update: Update{"active_roles": roles, "task_assignments": tasks}, Goto: NodeBatch}, nil
}

// batch_executor

func (n *nodes) batch(ctx context.Context, _ *Runtime, st *State) (Command, error) {
	round := st.ReviewRound + 1
	roles := st.ActiveRoles
	if len(st.RerunRoles) > 0 {
		roles = nil
		for _, r := range st.ActiveRoles {
			if containsString(st.RerunRoles, r.RoleID) {
				roles = append(roles, r)
			}
		}
	}
	refs := search.NewRegistry()
	for _, ref := range st.References {
		for _, d := range ref.Deliverables {
			refs.Register(d, []search.Result{{Title: ref.Title, URL: ref.URL, Tool: ref.Tool}})
		}
	}
	feedback := roleFeedback(st.ReviewFeedback)

	bctx, cancel := context.WithTimeout(ctx, n.Config.BatchTimeout)
	defer cancel()

	results := make([]model.AgentResult, len(roles))
	var g errgroup.Group
	for i, role := range roles {
		role = role.Normalize()
		task := expert.Task{
			SessionID:    st.SessionID,
			Role:         role,
			Deliverables: DeliverablesFor(st.Requirements, st.DeliverableOwnerMap, role.RoleID),
			Project:      st.Requirements.Project(),
			UserInput:    st.UserInput,
			Feedback:     feedback[role.RoleID],
			Round:        round,
			References:   refs,
		}
		g.Go(func() error {
			if err := n.Semaphore.Acquire(bctx); err != nil {
				results[i] = model.AgentResult{
					AgentType: string(role.RoleType),
					RoleID:    role.RoleID,
					Round:     round,
					Error:     fmt.Sprintf("batch slot unavailable: %v", err),
				}
				return nil
			}
			defer n.Semaphore.Release()
			res := n.Experts.Execute(bctx, task)
			observe(n.Semaphore, res)
			results[i] = res
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return Command{}, err
	}

	agentResults := make(map[string]model.AgentResult, len(results))
	var searches []expert.SearchSummary
	failed := 0
	for _, r := range results {
		agentResults[ResultKey(r.RoleID, round)] = r
		if s, ok := r.Metadata[expert.MetaSearches].([]expert.SearchSummary); ok {
			searches = append(searches, s...)
		}
		if r.Failed() {
			failed++
		}
	}
	log.Info().
		Str("session_id", st.SessionID).
		Int("round", round).
		Int("roles", len(results)).
		Int("failed", failed).
		Int("limit", n.Semaphore.Limit()).
		Msg("batch finished")

	upd := Update{
		"agent_results": agentResults,
		"references":    refs.References(),
		"rerun_roles":   Tombstone,
	}
	if len(searches) > 0 {
		upd["search_results"] = searches
	}
	if images := n.images(ctx, st, results); len(images) > 0 {
		upd["generated_images"] = images
	}
	return Command{Update: upd}, nil
}

func observe(sem *llm.AdaptiveSemaphore, res model.AgentResult) {
	if !res.Failed() {
		sem.OnSuccess()
		return
	}
	switch kind, _ := res.Metadata[expert.MetaErrorKind].(string); llm.Kind(kind) {
	case llm.KindRateLimit, llm.KindQuota:
		sem.OnRateLimit()
	}
}

func roleFeedback(feedback map[string][]model.ReviewItem) map[string][]string {
	out := make(map[string][]string)
	for _, item := range feedback["judge"] {
		if item.RoleID == "" || item.Status == "rejected" || item.Status == "resolved" {
			continue
		}
		text := item.Description
		if item.Response != "" {
			text += "（" + item.Response + "）"
		}
		out[item.RoleID] = append(out[item.RoleID], text)
	}
	return out
}

func (n *nodes) images(ctx context.Context, st *State, results []model.AgentResult) []model.ImageMetadata {
	if !n.Images.Enabled() {
		return nil
	}
	done := make(map[string]struct{}, len(st.GeneratedImages))
	for _, img := range st.GeneratedImages {
		done[img.DeliverableID] = struct{}{}
	}
	var out []model.ImageMetadata
	for _, r := range results {
		if r.Failed() {
			continue
		}
		for _, d := range DeliverablesFor(st.Requirements, st.DeliverableOwnerMap, r.RoleID) {
			if _, ok := done[d.ID]; ok || !IsVisual(d.Format) {
				continue
			}
			meta, err := n.Images.Generate(ctx, imagegen.Request{
				SessionID:   st.SessionID,
				Deliverable: d,
				OwnerRole:   r.RoleID,
				Analysis:    r.Content,
			})
			if err != nil {
				log.Warn().Err(err).Str("session_id", st.SessionID).Str("deliverable_id", d.ID).Msg("concept image failed")
				continue
			}
			out = append(out, meta)
		}
	}
	return out
}

// multi_perspective_review

// Review perspectives.
const (
	PerspectiveRed    = "red"
	PerspectiveBlue   = "blue"
	PerspectiveClient = "client"
	PerspectiveJudge  = "judge"
)

type reviewResult struct {
	RoleID  string
	Content string
}

type reviewData struct {
	Perspective string
	UserInput   string
	Round       int
	Results     []reviewResult
	Issues      []model.ReviewItem
}

type reviewOutput struct {
	Score float64            `json:"score"`
	Items []model.ReviewItem `json:"items"`
}

// orderedResults returns the latest result of every active role in role
// order.
func orderedResults(st *State, includeFailed bool) []reviewResult {
	latest := st.LatestResults()
	var out []reviewResult
	for _, id := range st.RoleIDs() {
		r, ok := latest[id]
		if !ok {
			continue
		}
		if r.Failed() {
			if !includeFailed {
				continue
			}
			out = append(out, reviewResult{RoleID: id, Content: "（该专家未能产出结果）"})
			continue
		}
		out = append(out, reviewResult{RoleID: id, Content: r.Content})
	}
	return out
}

func (n *nodes) review(ctx context.Context, _ *Runtime, st *State) (Command, error) {
	round := st.ReviewRound + 1
	results := orderedResults(st, true)
	record := ReviewRecord{Round: round, Scores: map[string]float64{}, At: time.Now().UTC()}
	if len(results) == 0 {
		return Command{Update: Update{"review_round": round, "review_history": []ReviewRecord{record}}, Goto: NodeAggregator}, nil
	}

	perspectives := []string{PerspectiveRed, PerspectiveBlue, PerspectiveClient}
	outs := make([]reviewOutput, len(perspectives))
	var g errgroup.Group
	for i, p := range perspectives {
		g.Go(func() error {
			out, err := n.reviewOnce(ctx, p, st, round, results, nil)
			if err != nil {
				log.Warn().Err(err).Str("session_id", st.SessionID).Str("perspective", p).Msg("review perspective failed")
				return nil
			}
			outs[i] = out
			return nil
		})
	}
	_ = g.Wait()

	feedback := make(map[string][]model.ReviewItem, 4)
	var issues []model.ReviewItem
	for i, p := range perspectives {
		items := normalizeItems(p, outs[i].Items)
		feedback[p] = items
		record.Scores[p] = outs[i].Score
		issues = append(issues, items...)
	}
	var verdicts []model.ReviewItem
	if len(issues) > 0 {
		out, err := n.reviewOnce(ctx, PerspectiveJudge, st, round, results, issues)
		if err != nil {
			log.Warn().Err(err).Str("session_id", st.SessionID).Msg("review judge failed")
		} else {
			verdicts = normalizeItems(PerspectiveJudge, out.Items)
			record.Scores[PerspectiveJudge] = out.Score
		}
	}
	feedback[PerspectiveJudge] = verdicts
	record.Rerun = RerunRoles(verdicts, st.RoleIDs())

	upd := Update{
		"review_feedback": feedback,
		"review_round":    round,
		"review_history":  []ReviewRecord{record},
	}
	log.Info().
		Str("session_id", st.SessionID).
		Int("round", round).
		Int("issues", len(issues)).
		Strs("rerun", record.Rerun).
		Msg("review round finished")
	if len(record.Rerun) > 0 {
		upd["rerun_roles"] = record.Rerun
		return Command{Update: upd, Goto: NodeBatch}, nil
	}
	return Command{Update: upd, Goto: NodeAggregator}, nil
}

func (n *nodes) reviewOnce(ctx context.Context, perspective string, st *State, round int, results []reviewResult, issues []model.ReviewItem) (reviewOutput, error) {
	var out reviewOutput
	err := n.call(ctx, expert.PromptReview, reviewData{
		Perspective: perspective,
		UserInput:   st.UserInput,
		Round:       round,
		Results:     results,
		Issues:      issues,
	}, &out)
	return out, err
}

func normalizeItems(perspective string, items []model.ReviewItem) []model.ReviewItem {
	out := make([]model.ReviewItem, 0, len(items))
	for i, item := range items {
		if strings.TrimSpace(item.Description) == "" {
			continue
		}
		if item.IssueID == "" {
			item.IssueID = fmt.Sprintf("%s-%d", perspective, i+1)
		}
		item.Perspective = perspective
		item.Severity = strings.ToLower(strings.TrimSpace(item.Severity))
		if item.Severity == "" {
			item.Severity = "minor"
		}
		item.Status = strings.ToLower(strings.TrimSpace(item.Status))
		if item.Status == "" {
			item.Status = "open"
		}
		out = append(out, item)
	}
	return out
}

// RerunRoles returns the active roles with a critical verdict that is still
// open or accepted, sorted.
func RerunRoles(verdicts []model.ReviewItem, active []string) []string {
	var out []string
	for _, v := range verdicts {
		if v.Severity != "critical" || (v.Status != "open" && v.Status != "accepted") {
			continue
		}
		if containsString(active, v.RoleID) && !containsString(out, v.RoleID) {
			out = append(out, v.RoleID)
		}
	}
	sort.Strings(out)
	return out
}

// result_aggregator

type aggregatorData struct {
	Summary string
	Results []reviewResult
	Review  string
}

type aggregatorOutput struct {
	Title            string          `json:"title"`
	ExecutiveSummary string          `json:"executive_summary"`
	Sections         []ReportSection `json:"sections"`
	Conclusion       string          `json:"conclusion"`
}

func (n *nodes) aggregate(ctx context.Context, _ *Runtime, st *State) (Command, error) {
	if st.FinalReport != nil {
		return Command{}, nil
	}
	results := orderedResults(st, false)
	var out aggregatorOutput
	err := n.call(ctx, expert.PromptAggregator, aggregatorData{
		Summary: st.Requirements.Project().Summary,
		Results: results,
		Review:  reviewSummary(st.ReviewFeedback[PerspectiveJudge]),
	}, &out)
	if err != nil {
		if ctx.Err() != nil {
			return Command{}, err
		}
		log.Warn().Err(err).Str("session_id", st.SessionID).Msg("aggregation failed, assembling report from expert outputs")
		out = fallbackReport(st, results)
	}
	report := Report{
		Title:            out.Title,
		ExecutiveSummary: out.ExecutiveSummary,
		Sections:         out.Sections,
		Conclusion:       out.Conclusion,
		References:       st.References,
	}
	report.Markdown = RenderMarkdown(report)
	return Command{Update: Update{"report_draft": report}}, nil
}

func fallbackReport(st *State, results []reviewResult) aggregatorOutput {
	title := "设计咨询报告"
	summary := ""
	if st.Requirements != nil && st.Requirements.ProjectSummary != "" {
		summary = st.Requirements.ProjectSummary
	}
	out := aggregatorOutput{Title: title, ExecutiveSummary: summary}
	for _, r := range results {
		name := r.RoleID
		if role, ok := st.Role(r.RoleID); ok && role.DynamicRoleName != "" {
			name = role.DynamicRoleName
		}
		out.Sections = append(out.Sections, ReportSection{Title: name, Content: r.Content})
	}
	return out
}

func reviewSummary(verdicts []model.ReviewItem) string {
	lines := make([]string, 0, len(verdicts))
	for _, v := range verdicts {
		line := fmt.Sprintf("- [%s/%s] %s", v.Severity, v.Status, v.Description)
		if v.Response != "" {
			line += "：" + v.Response
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

// RenderMarkdown renders the report with its bibliography.
func RenderMarkdown(r Report) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", r.Title)
	if r.ExecutiveSummary != "" {
		fmt.Fprintf(&b, "## 摘要\n\n%s\n\n", r.ExecutiveSummary)
	}
	for _, s := range r.Sections {
		fmt.Fprintf(&b, "## %s\n\n%s\n\n", s.Title, strings.TrimSpace(s.Content))
	}
	if r.Conclusion != "" {
		fmt.Fprintf(&b, "## 结论\n\n%s\n\n", r.Conclusion)
	}
	if len(r.References) > 0 {
		b.WriteString("## 参考文献\n\n")
		for _, ref := range r.References {
			fmt.Fprintf(&b, "[%d] %s (%s)\n", ref.Number, ref.Title, ref.URL)
		}
	}
	return strings.TrimSpace(b.String()) + "\n"
}

// report_guard

func (n *nodes) reportGuard(ctx context.Context, _ *Runtime, st *State) (Command, error) {
	if st.FinalReport != nil {
		return Command{}, nil
	}
	if st.ReportDraft == nil {
		return Command{}, errors.New("report guard without a draft")
	}
	check := n.Gate.CheckReport(ctx, st.SessionID, st.ReportDraft.Markdown)
	final := *st.ReportDraft
	final.Markdown = check.Text
	return Command{Update: Update{
		"final_report":     final,
		"report_sanitized": check.Sanitized,
	}}, nil
}

// post_completion_followup

var followupDone = map[string]struct{}{"": {}, "结束": {}, "done": {}, "end": {}, "exit": {}}

func (n *nodes) followup(ctx context.Context, rt *Runtime, st *State) (Command, error) {
	if !n.Config.EnableFollowup || st.FinalReport == nil {
		return Command{Goto: End}, nil
	}
	ir := InterruptRequest{
		InteractionType: InteractionFinalReview,
		Message:         "报告已生成。如有追问请直接输入，回复“结束”完成本次会话。",
		Data:            map[string]any{"title": st.FinalReport.Title, "turns": len(st.FollowupHistory)},
	}
	resume, suspended := rt.Interrupt(ir)
	if suspended {
		return Suspend(ir), nil
	}
	question := firstNonEmpty(resume.String("answer"), resume.String("question"))
	if _, done := followupDone[strings.ToLower(question)]; done {
		return Command{Goto: End}, nil
	}
	var out struct {
		Answer string `json:"answer"`
	}
	err := n.call(ctx, expert.PromptFollowup, map[string]string{
		"Report":   st.FinalReport.Markdown,
		"Question": question,
	}, &out)
	if err != nil {
		if ctx.Err() != nil {
			return Command{}, err
		}
		log.Warn().Err(err).Str("session_id", st.SessionID).Msg("follow-up answer failed")
		out.Answer = "暂时无法回答该问题，请稍后重试。"
	}
	turn := FollowupTurn{Question: question, Answer: out.Answer, At: time.Now().UTC()}
	return Command{Update: Update{"followup_history": []FollowupTurn{turn}}, Goto: NodeFollowup}, nil
}

// input_rejected

func (n *nodes) rejected(_ context.Context, _ *Runtime, st *State) (Command, error) {
	reason := st.RejectionReason
	if reason == "" {
		reason = safety.ReasonNotDesign
	}
	status := StatusRejected
	if reason == safety.ReasonUserCancelled {
		status = StatusCancelled
	}
	msg := st.RejectionMessage
	if msg == "" {
		msg = safety.Message(reason, nil)
	}
	log.Info().Str("session_id", st.SessionID).Str("reason", reason).Msg("session rejected")
	return Command{Update: Update{
		"status":            status,
		"final_status":      status,
		"rejection_reason":  reason,
		"rejection_message": msg,
	}, Goto: End}, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
