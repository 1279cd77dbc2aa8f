package search

import (
	"testing"

	"github.com/metalagman/atelier/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatVocabularyIsClosed(t *testing.T) {
	t.Parallel()

	assert.GreaterOrEqual(t, len(Formats()), 45)
	assert.True(t, KnownFormat("persona"))
	assert.True(t, KnownFormat("journey_map"))
	assert.False(t, KnownFormat("poem"))
}

func TestBuildQueryVariants(t *testing.T) {
	t.Parallel()

	d := model.Deliverable{
		ID:          "D1",
		Name:        "Target persona",
		Description: "Profile young professionals visiting the cafe after work",
		Format:      "persona",
	}
	project := model.ProjectContext{ProjectType: "commercial_space"}

	web := BuildQuery(d, project, ToolWeb, false)
	assert.Contains(t, web.Text, "user persona design methodology")
	assert.Contains(t, web.Text, "commercial space design")
	assert.NotContains(t, web.Text, academicSuffix)
	assert.LessOrEqual(t, len(web.Keywords), 7)
	assert.Equal(t, []string{"target", "persona"}, web.Keywords[:2])

	academic := BuildQuery(d, project, ToolAcademic, false)
	assert.Contains(t, academic.Text, academicSuffix)

	zh := BuildQuery(d, project, ToolChineseWeb, false)
	assert.Contains(t, zh.Text, "用户画像 设计方法")
	assert.Contains(t, zh.Text, "商业空间设计")

	broad := BuildQuery(d, project, ToolWeb, true)
	assert.NotContains(t, broad.Text, "methodology")
	assert.True(t, broad.Broad)
}

func TestExtractKeywordsCJK(t *testing.T) {
	t.Parallel()

	d := model.Deliverable{Name: "咖啡厅用户画像", Description: "分析年轻白领的消费习惯与空间偏好，年轻白领是主要客群"}
	kw := ExtractKeywords(d)
	require.NotEmpty(t, kw)
	assert.Equal(t, "咖啡", kw[0])
	assert.LessOrEqual(t, len(kw), 7)
	assert.Contains(t, kw, "白领", "repeated bigrams rank first in the description")
}

func TestExtractKeywordsFallsBackToDeclared(t *testing.T) {
	t.Parallel()

	kw := ExtractKeywords(model.Deliverable{Name: "a b", Keywords: []string{"lighting"}})
	assert.Equal(t, []string{"lighting"}, kw)
}

func TestBigramsSkipParticles(t *testing.T) {
	t.Parallel()

	assert.Equal(t, []string{"客厅", "设计"}, bigrams("客厅的设计"))
	assert.Empty(t, bigrams("abc"))
}
