package workflow

import (
	"encoding/json"
	"testing"

	"github.com/metalagman/atelier/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyIsOrderIndependent(t *testing.T) {
	t.Parallel()

	updates := []Update{
		{"current_stage": "batch_executor", "review_round": 1},
		{"agent_results": map[string]model.AgentResult{"V4_a": {RoleID: "V4_a", Content: "one"}}},
		{"interaction_history": []InteractionRecord{{InterruptID: "i1"}}},
		{"interaction_history": []InteractionRecord{{InterruptID: "i2"}}},
		{"rerun_roles": []string{"V4_a"}},
	}
	merged := func(u Update) *State {
		st := &State{SessionID: "s"}
		require.NoError(t, st.Apply(u))
		return st
	}

	combined := Update{}
	for _, u := range updates[:2] {
		for k, v := range u {
			combined[k] = v
		}
	}
	for range 20 {
		a := merged(combined)
		b := merged(combined)
		assert.Equal(t, a, b)
	}

	st := &State{SessionID: "s"}
	for _, u := range updates {
		require.NoError(t, st.Apply(u))
	}
	assert.Equal(t, "batch_executor", st.CurrentStage)
	require.Len(t, st.InteractionHistory, 2)
	assert.Equal(t, "i1", st.InteractionHistory[0].InterruptID)
	assert.Equal(t, "i2", st.InteractionHistory[1].InterruptID)
}

func TestApplyMergeRules(t *testing.T) {
	t.Parallel()

	st := &State{SessionID: "s", Strategy: "old"}
	require.NoError(t, st.Apply(Update{
		"strategy":      "new",
		"agent_results": map[string]model.AgentResult{"V4_a": {RoleID: "V4_a", Content: "first"}},
		"rerun_roles":   []string{"V4_a"},
	}))
	require.NoError(t, st.Apply(Update{
		"agent_results": map[string]model.AgentResult{
			"V4_a":    {RoleID: "V4_a", Content: "overwrite attempt"},
			"V4_a#r2": {RoleID: "V4_a", Content: "second", Round: 2},
		},
		"rerun_roles": Tombstone,
	}))

	assert.Equal(t, "new", st.Strategy)
	assert.Equal(t, "first", st.AgentResults["V4_a"].Content)
	assert.Equal(t, "second", st.AgentResults["V4_a#r2"].Content)
	assert.Nil(t, st.RerunRoles)
	assert.Equal(t, "second", st.LatestResults()["V4_a"].Content)
}

func TestLatestResultsPrefersSuccess(t *testing.T) {
	t.Parallel()

	st := &State{AgentResults: map[string]model.AgentResult{
		"V4_a":    {RoleID: "V4_a", Content: "ok", Round: 1},
		"V4_a#r2": {RoleID: "V4_a", Round: 2, Error: "timeout"},
	}}
	assert.Equal(t, "ok", st.LatestResults()["V4_a"].Content)
}

func TestStateKeepsUnknownKeys(t *testing.T) {
	t.Parallel()

	raw := `{"session_id":"s","user_input":"x","mode":"dynamic","status":"running","legacy_flag":true,"custom":{"a":1}}`
	var st State
	require.NoError(t, json.Unmarshal([]byte(raw), &st))
	assert.Equal(t, true, st.Extras["legacy_flag"])

	require.NoError(t, st.Apply(Update{"custom": map[string]any{"b": 2}}))
	assert.Equal(t, map[string]any{"b": float64(2)}, st.Extras["custom"])

	out, err := json.Marshal(&st)
	require.NoError(t, err)
	var doc map[string]any
	require.NoError(t, json.Unmarshal(out, &doc))
	assert.Equal(t, true, doc["legacy_flag"])
	assert.Equal(t, "s", doc["session_id"])
}

func TestResultKey(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "V4_a", ResultKey("V4_a", 1))
	assert.Equal(t, "V4_a#r3", ResultKey("V4_a", 3))
}

func TestParseResume(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		in     any
		want   ResumeValue
		cancel bool
	}{
		{name: "nil", in: nil, want: ResumeValue{}},
		{name: "string", in: "继续", want: ResumeValue{"answer": "继续"}},
		{name: "sentinel", in: CancelSentinel, want: ResumeValue{"cancel": true}, cancel: true},
		{name: "raw json", in: json.RawMessage(`{"intent":"skip"}`), want: ResumeValue{"intent": "skip"}},
		{name: "map", in: map[string]any{"action": "approve"}, want: ResumeValue{"action": "approve"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := ParseResume(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.cancel, got.Cancel())
		})
	}

	_, err := ParseResume([]int{1})
	require.Error(t, err)
}

func TestCheckResume(t *testing.T) {
	t.Parallel()
	review := InterruptRequest{InteractionType: InteractionRoleReview, InterruptID: "i2", Options: []string{"approve", "reject"}, RequireChoice: true}
	question := InterruptRequest{InteractionType: InteractionFinalReview, InterruptID: "i3"}
	prev := &InteractionRecord{InterruptID: "i1", Resume: map[string]any{"intent": "skip", "interrupt_id": "i1"}}

	tests := []struct {
		name    string
		req     InterruptRequest
		prev    *InteractionRecord
		resume  ResumeValue
		wantErr error
	}{
		{name: "approve", req: review, prev: prev, resume: ResumeValue{"action": "approve"}},
		{name: "redelivered answer", req: review, prev: prev, resume: ResumeValue{"intent": "skip"}, wantErr: ErrDuplicateResume},
		{name: "pinned answer is not a redelivery", req: question, prev: prev, resume: ResumeValue{"intent": "skip", "interrupt_id": "i3"}},
		{name: "unknown option", req: review, resume: ResumeValue{"intent": "skip"}, wantErr: ErrResumeMismatch},
		{name: "missing choice", req: review, resume: ResumeValue{"answer": "ok"}, wantErr: ErrResumeMismatch},
		{name: "wrong interaction type", req: review, resume: ResumeValue{"action": "approve", "interaction_type": InteractionCalibration}, wantErr: ErrResumeMismatch},
		{name: "free text", req: question, prev: prev, resume: ResumeValue{"answer": "墙面用什么颜色？"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := CheckResume(tt.req, tt.prev, tt.resume)
			if tt.wantErr == nil {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestRuntimeInterruptOnce(t *testing.T) {
	t.Parallel()

	rt := &Runtime{Node: "n", resume: ResumeValue{"answer": "x"}}
	v, suspended := rt.Interrupt(InterruptRequest{InteractionType: InteractionQuestion})
	require.False(t, suspended)
	assert.Equal(t, "x", v.String("answer"))

	_, suspended = rt.Interrupt(InterruptRequest{InteractionType: InteractionQuestion})
	require.True(t, suspended)
	p, ok := rt.Pending()
	require.True(t, ok)
	assert.Equal(t, "n", p.Node)
	assert.NotEmpty(t, p.InterruptID)
}
