package safety

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/metalagman/atelier/internal/llm"
	"github.com/metalagman/atelier/internal/memo"
	"github.com/rs/zerolog/log"
)

// Domain labels.
const (
	DomainDesign    = "design_related"
	DomainNotDesign = "not_design_related"
	DomainUnclear   = "unclear"
)

var designBuckets = map[string][]string{
	"space_type": {
		"住宅", "公寓", "别墅", "客厅", "卧室", "厨房", "卫生间", "餐厅", "包房", "包间", "茶室", "咖啡", "酒店", "办公", "展厅", "商铺", "门店", "会所", "民宿", "样板间",
		"apartment", "villa", "living room", "bedroom", "kitchen", "bathroom", "restaurant", "cafe", "café", "coffee shop", "hotel", "office", "showroom", "store", "lobby", "studio",
	},
	"design_action": {
		"设计", "装修", "改造", "翻新", "布局", "规划", "软装", "硬装", "陈设",
		"design", "renovate", "renovation", "remodel", "layout", "furnish", "decorate", "fit-out",
	},
	"style": {
		"风格", "现代", "极简", "北欧", "新中式", "中式", "日式", "侘寂", "工业风", "法式", "轻奢", "复古",
		"modern", "minimalist", "scandinavian", "industrial", "japandi", "wabi-sabi", "contemporary", "vintage", "classic",
	},
	"material_light": {
		"材料", "材质", "灯光", "照明", "色彩", "配色", "木饰面", "石材", "家具",
		"material", "lighting", "palette", "furniture", "texture", "finishes",
	},
	"area": {
		"平米", "平方米", "㎡", "面积",
		"m²", "m2", "sqm", "square meter", "square feet", "sq ft",
	},
	"brand_experience": {
		"品牌", "氛围", "动线", "体验", "调性", "客群",
		"brand", "ambience", "atmosphere", "customer journey", "experience", "young professionals",
	},
	"naming": {
		"命名", "取名", "起名", "名字", "店名",
		"naming", "name for",
	},
}

var nonDesignBuckets = map[string][]string{
	"programming": {"python", "java", "golang", "javascript", "代码", "编程", "写代码", "函数", "code", "coding", "programming"},
	"software":    {"程序", "软件", "app开发", "小程序", "数据库", "software", "database", "deploy"},
	"scraping":    {"爬虫", "爬取", "抓取", "scraper", "crawler", "scrape"},
	"finance":     {"股票", "基金", "炒股", "理财", "期货", "stock", "crypto", "trading"},
	"medical":     {"诊断", "药物", "病症", "治疗", "diagnosis", "prescription", "symptom"},
	"legal":       {"诉讼", "律师", "合同纠纷", "lawsuit", "attorney"},
	"homework":    {"作业", "考试", "论文代写", "homework", "exam answers"},
	"cooking":     {"菜谱", "做菜", "烹饪", "recipe", "cooking"},
}

var namingPattern = regexp.MustCompile(`(?i)(命名|取名|起名|名字|店名|\bnam(e|ing)\b)`)

// DomainResult is a domain classification.
type DomainResult struct {
	Label            string   `json:"label"`
	Confidence       float64  `json:"confidence"`
	DesignBuckets    []string `json:"design_buckets,omitempty"`
	NonDesignBuckets []string `json:"non_design_buckets,omitempty"`
	LLMVerdict       string   `json:"llm_verdict,omitempty"`
	Reasoning        string   `json:"reasoning"`
}

// IsDesign reports a design_related label.
func (r DomainResult) IsDesign() bool { return r.Label == DomainDesign }

// DomainClassifier labels a brief as interior-design related or not.
type DomainClassifier struct {
	client llm.Completer
	cache  *memo.Cache[llmDomainVerdict]
}

type llmDomainVerdict struct {
	IsDesign   bool    `json:"is_design"`
	Confidence float64 `json:"confidence"`
	Reason     string  `json:"reason"`
}

// NewDomainClassifier creates a classifier. client may be nil, in which case
// only keyword buckets are used.
func NewDomainClassifier(client llm.Completer) *DomainClassifier {
	c := &DomainClassifier{client: client}
	if client != nil {
		cache, err := memo.New[llmDomainVerdict](10_000, time.Hour)
		if err != nil {
			log.Warn().Err(err).Msg("domain verdict cache disabled")
		}
		c.cache = cache
	}
	return c
}

// Classify labels text.
func (c *DomainClassifier) Classify(ctx context.Context, text string) DomainResult {
	lowered := strings.ToLower(text)
	res := DomainResult{
		DesignBuckets:    matchBuckets(designBuckets, lowered),
		NonDesignBuckets: matchBuckets(nonDesignBuckets, lowered),
	}
	d, n := len(res.DesignBuckets), len(res.NonDesignBuckets)

	if namingPattern.MatchString(text) {
		res.Label, res.Confidence = DomainDesign, 0.95
		res.Reasoning = "naming task for a space or brand"
		return res
	}
	if n >= 3 && d == 0 {
		res.Label, res.Confidence = DomainNotDesign, 0.9
		res.Reasoning = fmt.Sprintf("non-design signals: %s", strings.Join(res.NonDesignBuckets, ", "))
		return res
	}

	verdict, ok := c.askLLM(ctx, text)
	if ok {
		res.LLMVerdict = DomainNotDesign
		if verdict.IsDesign {
			res.LLMVerdict = DomainDesign
		}
	}
	switch {
	case ok && verdict.IsDesign && d >= 2:
		res.Label = DomainDesign
		res.Confidence = min(0.85+0.03*float64(d-2), 0.98)
		res.Reasoning = fmt.Sprintf("design signals %s confirmed by model", strings.Join(res.DesignBuckets, ", "))
	case !ok && d >= 3:
		res.Label, res.Confidence = DomainDesign, 0.85
		res.Reasoning = fmt.Sprintf("design signals: %s", strings.Join(res.DesignBuckets, ", "))
	case ok && !verdict.IsDesign && d == 0 && n >= 1:
		res.Label, res.Confidence = DomainNotDesign, 0.85
		res.Reasoning = "model and keywords agree the request is outside interior design"
	case !ok && d == 2 && n == 0:
		res.Label, res.Confidence = DomainDesign, 0.75
		res.Reasoning = fmt.Sprintf("weak design signals: %s", strings.Join(res.DesignBuckets, ", "))
	default:
		res.Label, res.Confidence = DomainUnclear, 0.5
		res.Reasoning = fmt.Sprintf("design=%d non_design=%d", d, n)
	}
	return res
}

const domainPrompt = `You classify requests sent to an interior and spatial design consultancy.
Design-related means interior design, space planning, styling, materials, lighting,
brand space experience or naming of spaces. Reply with JSON only:
{"is_design": true|false, "confidence": 0.0-1.0, "reason": "<one sentence>"}`

func (c *DomainClassifier) askLLM(ctx context.Context, text string) (llmDomainVerdict, bool) {
	if c.client == nil {
		return llmDomainVerdict{}, false
	}
	sum := sha1.Sum([]byte(text))
	key := hex.EncodeToString(sum[:])
	if v, ok := c.cache.Get(key); ok {
		return v, true
	}
	req := llm.NewPrompt(domainPrompt, text)
	req.Temperature = 0
	req.MaxTokens = 200
	resp, err := c.client.Complete(ctx, req)
	if err != nil {
		log.Warn().Err(err).Msg("domain llm check failed")
		return llmDomainVerdict{}, false
	}
	var v llmDomainVerdict
	if err := llm.DecodeJSON(resp.Content, &v); err != nil {
		log.Warn().Err(err).Msg("parse domain verdict")
		return llmDomainVerdict{}, false
	}
	c.cache.Set(key, v)
	return v, true
}

func matchBuckets(buckets map[string][]string, lowered string) []string {
	var out []string
	for name, words := range buckets {
		for _, w := range words {
			if strings.Contains(lowered, w) {
				out = append(out, name)
				break
			}
		}
	}
	sort.Strings(out)
	return out
}
