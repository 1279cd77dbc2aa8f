package safety

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/metalagman/atelier/internal/llm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func verdictProvider(calls *atomic.Int32, body string) llm.Completer {
	return llm.ProviderFunc{ProviderName: "stub", Fn: func(context.Context, llm.Request) (llm.Response, error) {
		calls.Add(1)
		return llm.Response{Content: body}, nil
	}}
}

func TestDomainClassifierKeywordOnly(t *testing.T) {
	t.Parallel()

	c := NewDomainClassifier(nil)
	tests := []struct {
		name    string
		text    string
		label   string
		minConf float64
	}{
		{name: "naming task", text: "中餐包房8间，以苏东坡的诗词命名，4个字", label: DomainDesign, minConf: 0.95},
		{name: "programming", text: "用Python写一个爬虫程序", label: DomainNotDesign, minConf: 0.85},
		{name: "english brief", text: "Design a 200 m² modern cafe in Shenzhen for young professionals.", label: DomainDesign, minConf: 0.85},
		{name: "vague", text: "帮我看看这个怎么弄", label: DomainUnclear, minConf: 0.5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			res := c.Classify(context.Background(), tt.text)
			assert.Equal(t, tt.label, res.Label, "%+v", res)
			assert.GreaterOrEqual(t, res.Confidence, tt.minConf)
		})
	}
}

func TestDomainClassifierWithModel(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	c := NewDomainClassifier(verdictProvider(&calls, `{"is_design": true, "confidence": 0.9, "reason": "space design"}`))

	res := c.Classify(context.Background(), "设计一个客厅")
	assert.Equal(t, DomainDesign, res.Label)
	assert.InDelta(t, 0.85, res.Confidence, 1e-9)
	assert.Equal(t, DomainDesign, res.LLMVerdict)

	res = c.Classify(context.Background(), "现代风格客厅设计，材料与灯光")
	assert.Equal(t, DomainDesign, res.Label)
	assert.Greater(t, res.Confidence, 0.85)
	assert.LessOrEqual(t, res.Confidence, 0.98)
}

func TestDomainClassifierModelRejects(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	c := NewDomainClassifier(verdictProvider(&calls, `{"is_design": false, "confidence": 0.8}`))
	res := c.Classify(context.Background(), "推荐几只股票")
	assert.Equal(t, DomainNotDesign, res.Label)
	assert.InDelta(t, 0.85, res.Confidence, 1e-9)
}

func TestDomainClassifierCachesModelVerdicts(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	c := NewDomainClassifier(verdictProvider(&calls, `{"is_design": true, "confidence": 0.9}`))
	defer c.cache.Close()

	c.Classify(context.Background(), "设计一个客厅")
	c.cache.Wait()
	c.Classify(context.Background(), "设计一个客厅")
	require.EqualValues(t, 1, calls.Load())
}

func TestDomainClassifierSkipsModelForNaming(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	c := NewDomainClassifier(verdictProvider(&calls, `{"is_design": false}`))
	res := c.Classify(context.Background(), "给咖啡店起个名字")
	assert.Equal(t, DomainDesign, res.Label)
	assert.Zero(t, calls.Load())
}
