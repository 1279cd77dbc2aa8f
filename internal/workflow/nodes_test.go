package workflow

import (
	"context"
	"testing"

	"github.com/metalagman/atelier/internal/model"
	"github.com/metalagman/atelier/internal/safety"
	"github.com/metalagman/atelier/internal/search"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequirementsConfirmationRevise(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{ConfirmRequirements: true})
	ctx := context.Background()

	snap, err := h.engine.Start(ctx, "r1", designBrief, ModeDynamic)
	require.NoError(t, err)
	require.Equal(t, NodeRequirements, snap.PendingNode)
	assert.Equal(t, InteractionRequirements, snap.Interrupt.InteractionType)
	assert.False(t, snap.State.Requirements.Confirmed)

	revised, err := h.engine.Resume(ctx, "r1", map[string]any{"intent": "revise", "modifications": "增加吧台区域"})
	require.NoError(t, err)
	require.Equal(t, NodeRequirements, revised.PendingNode)
	assert.NotEqual(t, snap.Interrupt.InterruptID, revised.Interrupt.InterruptID)
	assert.Equal(t, "增加吧台区域", revised.State.RequirementsModifications)
	assert.Equal(t, 2, h.llm.count("requirements"))

	approved, err := h.engine.Resume(ctx, "r1", map[string]any{
		"intent":        "approve",
		"modifications": map[string]any{"location": "广州"},
	})
	require.NoError(t, err)
	assert.Equal(t, NodeCalibration, approved.PendingNode)
	assert.True(t, approved.State.Requirements.Confirmed)
	assert.Equal(t, "广州", approved.State.Requirements.Location)
	assert.Equal(t, 2, h.llm.count("requirements"))
}

func TestFixedModeSkipsDirector(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	ctx := context.Background()

	_, err := h.engine.Start(ctx, "f1", designBrief, ModeFixed)
	require.NoError(t, err)
	snap, err := h.engine.Resume(ctx, "f1", map[string]any{"intent": "skip"})
	require.NoError(t, err)

	require.Equal(t, NodeRoleReview, snap.PendingNode)
	assert.Zero(t, h.llm.count("director"))
	assert.Equal(t, "fixed", snap.State.Strategy)
	assert.Equal(t, researcherID, snap.State.DeliverableOwnerMap["D1"])
	assert.Equal(t, sceneExpertID, snap.State.DeliverableOwnerMap["D2"])
}

func TestRoleReviewRejectCancels(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	ctx := context.Background()

	_, err := h.engine.Start(ctx, "rr1", designBrief, ModeDynamic)
	require.NoError(t, err)
	_, err = h.engine.Resume(ctx, "rr1", map[string]any{"intent": "skip"})
	require.NoError(t, err)
	snap, err := h.engine.Resume(ctx, "rr1", map[string]any{"action": "reject"})
	require.NoError(t, err)

	assert.Equal(t, StatusCancelled, snap.Status)
	assert.Equal(t, safety.ReasonUserCancelled, snap.State.RejectionReason)
	assert.Zero(t, h.llm.count("expert"))
}

func TestRoleReviewAppliesTaskEdits(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	ctx := context.Background()

	_, err := h.engine.Start(ctx, "rr2", designBrief, ModeDynamic)
	require.NoError(t, err)
	_, err = h.engine.Resume(ctx, "rr2", map[string]any{"intent": "skip"})
	require.NoError(t, err)
	snap, err := h.engine.Resume(ctx, "rr2", map[string]any{
		"action":        "approve",
		"modifications": map[string]any{researcherID: []string{"访谈十位常客"}},
	})
	require.NoError(t, err)

	require.Equal(t, StatusCompleted, snap.Status)
	role, ok := snap.State.Role(researcherID)
	require.True(t, ok)
	assert.Equal(t, []string{"访谈十位常客"}, role.Tasks)
	assert.Equal(t, []string{"访谈十位常客"}, snap.State.TaskAssignments[researcherID])
}

func TestUnclearInputRequestsClarification(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("reject", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t, Config{})
		snap, err := h.engine.Start(ctx, "u1", "帮我看看这个怎么弄", ModeDynamic)
		require.NoError(t, err)
		require.Equal(t, NodeInputGuard, snap.PendingNode)
		assert.Equal(t, InteractionUnclear, snap.Interrupt.InteractionType)

		snap, err = h.engine.Resume(ctx, "u1", map[string]any{"action": "reject"})
		require.NoError(t, err)
		assert.Equal(t, StatusRejected, snap.Status)
		assert.Equal(t, safety.ReasonDomainUnclear, snap.State.RejectionReason)
	})

	t.Run("continue", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t, Config{})
		_, err := h.engine.Start(ctx, "u2", "帮我看看这个怎么弄", ModeDynamic)
		require.NoError(t, err)

		snap, err := h.engine.Resume(ctx, "u2", map[string]any{"action": "continue"})
		require.NoError(t, err)
		assert.Equal(t, NodeCalibration, snap.PendingNode)
		require.NotNil(t, snap.State.SecondaryValidation)
		assert.False(t, snap.State.SecondaryValidation.Drift)
		assert.Equal(t, safety.DomainDesign, snap.State.SecondaryValidation.Domain.Label)
	})
}

func TestFollowupLoop(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{EnableFollowup: true})
	ctx := context.Background()

	_, err := h.engine.Start(ctx, "q1", designBrief, ModeDynamic)
	require.NoError(t, err)
	_, err = h.engine.Resume(ctx, "q1", map[string]any{"intent": "skip"})
	require.NoError(t, err)
	snap, err := h.engine.Resume(ctx, "q1", map[string]any{"action": "approve"})
	require.NoError(t, err)
	require.Equal(t, NodeFollowup, snap.PendingNode)
	require.NotNil(t, snap.State.FinalReport)

	snap, err = h.engine.Resume(ctx, "q1", "墙面用什么颜色？")
	require.NoError(t, err)
	require.Equal(t, NodeFollowup, snap.PendingNode)
	require.Len(t, snap.State.FollowupHistory, 1)
	assert.Equal(t, "建议采用暖色木饰面。", snap.State.FollowupHistory[0].Answer)

	snap, err = h.engine.Resume(ctx, "q1", "结束")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, snap.Status)
	assert.Equal(t, 1, h.llm.count("followup"))
}

func TestAggregatorFallsBackToExpertSections(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	h.llm.set("aggregator", `not json at all`)
	ctx := context.Background()

	_, err := h.engine.Start(ctx, "a1", designBrief, ModeDynamic)
	require.NoError(t, err)
	_, err = h.engine.Resume(ctx, "a1", map[string]any{"intent": "skip"})
	require.NoError(t, err)
	snap, err := h.engine.Resume(ctx, "a1", map[string]any{"action": "approve"})
	require.NoError(t, err)

	require.Equal(t, StatusCompleted, snap.Status)
	report := snap.State.FinalReport
	require.NotNil(t, report)
	assert.Equal(t, "设计咨询报告", report.Title)
	require.Len(t, report.Sections, 2)
	assert.Equal(t, "用户研究员", report.Sections[0].Title)
}

func TestReconcileAssignment(t *testing.T) {
	t.Parallel()

	deliverables := []model.Deliverable{
		{ID: "D1", Name: "画像", Format: "persona"},
		{ID: "D2", Name: "照明", Format: "lighting_plan"},
		{ID: "D3", Name: "命名", Format: "naming"},
	}
	proposed := []model.RoleDescriptor{
		{RoleID: "V4_研究员_4-1", Tasks: []string{"画像"}},
		{RoleID: "V4_研究员_4-1"},
		{RoleID: "bogus"},
	}
	owners := map[string]string{"D1": "V4_研究员_4-1", "D2": "V9_ghost"}

	roles, got := ReconcileAssignment(proposed, owners, deliverables)

	ids := make([]string, 0, len(roles))
	for _, r := range roles {
		ids = append(ids, r.RoleID)
	}
	assert.Equal(t, []string{"V4_研究员_4-1", "V6_技术与工程专家_6-1", "V3_叙事与体验专家_3-1"}, ids)
	assert.Equal(t, map[string]string{
		"D1": "V4_研究员_4-1",
		"D2": "V6_技术与工程专家_6-1",
		"D3": "V3_叙事与体验专家_3-1",
	}, got)
	assert.Equal(t, model.RoleResearcher, roles[0].RoleType)
	assert.Equal(t, []string{"完成交付物 D2：照明"}, roles[1].Tasks)

	for _, d := range deliverables {
		owner := got[d.ID]
		assert.Contains(t, ids, owner, "deliverable %s owner must be an active role", d.ID)
	}
}

func TestRerunRoles(t *testing.T) {
	t.Parallel()

	verdicts := []model.ReviewItem{
		{RoleID: "V4_a", Severity: "critical", Status: "accepted"},
		{RoleID: "V3_b", Severity: "critical", Status: "open"},
		{RoleID: "V5_c", Severity: "critical", Status: "rejected"},
		{RoleID: "V6_d", Severity: "major", Status: "accepted"},
		{RoleID: "V9_gone", Severity: "critical", Status: "open"},
		{RoleID: "V4_a", Severity: "critical", Status: "open"},
	}
	got := RerunRoles(verdicts, []string{"V3_b", "V4_a", "V5_c", "V6_d"})
	assert.Equal(t, []string{"V3_b", "V4_a"}, got)
}

func TestNormalizeDeliverables(t *testing.T) {
	t.Parallel()

	got := NormalizeDeliverables([]model.Deliverable{
		{ID: "D1", Name: "Mood", Format: "Mood Board"},
		{ID: "D1", Name: "Dup", Format: "persona"},
		{Name: "", Format: "something odd"},
	})
	require.Len(t, got, 3)
	assert.Equal(t, "D1", got[0].ID)
	assert.Equal(t, "moodboard", got[0].Format)
	assert.Equal(t, "D2", got[1].ID)
	assert.Equal(t, "D3", got[2].ID)
	assert.Equal(t, "D3", got[2].Name)
	assert.Equal(t, fallbackFormat, got[2].Format)
	assert.Equal(t, []int{1, 2, 3}, []int{got[0].Priority, got[1].Priority, got[2].Priority})
}

func TestFixedAssignment(t *testing.T) {
	t.Parallel()

	roles, owners := FixedAssignment([]model.Deliverable{
		{ID: "D1", Name: "情绪板", Format: "moodboard"},
		{ID: "D2", Name: "故事", Format: "narrative"},
		{ID: "D3", Name: "平面", Format: "floor_plan"},
	})
	require.Len(t, roles, 2)
	assert.Equal(t, model.RoleNarrative, roles[0].RoleType)
	assert.Equal(t, model.RoleScene, roles[1].RoleType)
	assert.Len(t, roles[1].Tasks, 2)
	assert.Equal(t, owners["D1"], owners["D3"])
	assert.True(t, IsVisual("moodboard"))
	assert.False(t, IsVisual("narrative"))
}

func TestRenderMarkdownReferences(t *testing.T) {
	t.Parallel()

	md := RenderMarkdown(Report{
		Title:    "报告",
		Sections: []ReportSection{{Title: "研究", Content: "结论 [1]"}},
		References: []search.Reference{
			{Number: 1, Title: "Cafe trends", URL: "https://example.com/a"},
			{Number: 2, Title: "Lighting", URL: "https://example.com/b"},
		},
	})
	assert.Contains(t, md, "# 报告\n")
	assert.Contains(t, md, "## 研究\n\n结论 [1]")
	assert.Contains(t, md, "## 参考文献\n\n[1] Cafe trends (https://example.com/a)\n[2] Lighting (https://example.com/b)\n")
}
