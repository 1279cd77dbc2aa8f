package safety

import (
	"testing"

	"github.com/metalagman/atelier/internal/model"
	"github.com/stretchr/testify/assert"
)

func TestAssessComplexity(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		text    string
		level   string
		experts []model.RoleType
	}{
		{
			name:    "naming forces simple",
			text:    "中餐包房8间，以苏东坡的诗词命名，4个字",
			level:   ComplexitySimple,
			experts: []model.RoleType{model.RoleNarrative, model.RoleResearcher},
		},
		{
			name:    "long naming brief stays simple",
			text:    "为我们位于上海的3000平方米多业态商业综合体中的一家高端日式餐厅取名，要求体现品牌调性、客群定位和极简风格，并兼顾无障碍与消防审批要求",
			level:   ComplexitySimple,
			experts: []model.RoleType{model.RoleNarrative, model.RoleResearcher},
		},
		{
			name:    "cafe brief",
			text:    "Design a 200 m² modern cafe in Shenzhen for young professionals.",
			level:   ComplexityMedium,
			experts: []model.RoleType{model.RoleNarrative, model.RoleResearcher, model.RoleScene},
		},
		{
			name:    "large area",
			text:    "设计一个2500平米的办公楼层",
			level:   ComplexityComplex,
			experts: []model.RoleType{model.RoleNarrative, model.RoleResearcher, model.RoleScene, model.RoleEngineer},
		},
		{
			name:    "special users",
			text:    "儿童医院候诊区改造",
			level:   ComplexityComplex,
			experts: []model.RoleType{model.RoleNarrative, model.RoleResearcher, model.RoleScene, model.RoleEngineer},
		},
		{
			name:    "small scope",
			text:    "卧室换个颜色",
			level:   ComplexitySimple,
			experts: []model.RoleType{model.RoleNarrative},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			res := AssessComplexity(tt.text, DomainResult{})
			assert.Equal(t, tt.level, res.Level, res.Reasoning)
			assert.Equal(t, tt.experts, res.SuggestedExperts)
		})
	}
}

func TestAssessComplexityNamingReasoning(t *testing.T) {
	t.Parallel()

	res := AssessComplexity("中餐包房8间，以苏东坡的诗词命名，4个字", DomainResult{})
	assert.GreaterOrEqual(t, res.Confidence, 0.85)
	assert.Contains(t, res.Reasoning, "命名类")
}

func TestExtractArea(t *testing.T) {
	t.Parallel()

	assert.InDelta(t, 200.0, extractArea("a 200 m² cafe"), 1e-9)
	assert.InDelta(t, 120.5, extractArea("120.5平米两居室，另有80平方米花园"), 1e-9)
	assert.Zero(t, extractArea("no area here"))
}
