package search

import (
	"math"
	"sort"
	"strings"
	"unicode"

	"github.com/metalagman/atelier/internal/model"
)

type phrase struct {
	en string
	zh string
}

// formatPhrases is the closed deliverable format vocabulary.
var formatPhrases = map[string]phrase{
	"persona":             {"user persona design methodology", "用户画像 设计方法"},
	"journey_map":         {"customer journey mapping techniques", "用户旅程地图 方法"},
	"moodboard":           {"interior design moodboard inspiration", "情绪板 设计灵感"},
	"benchmark":           {"benchmark case study interior design", "对标案例 室内设计"},
	"case_study":          {"interior design case study", "室内设计 案例分析"},
	"concept":             {"interior design concept development", "设计概念 方案"},
	"narrative":           {"spatial narrative storytelling design", "空间叙事 设计"},
	"brand_story":         {"brand storytelling space design", "品牌故事 空间表达"},
	"naming":              {"naming strategy brand space", "命名策略 空间品牌"},
	"slogan":              {"brand slogan copywriting", "品牌口号 文案"},
	"space_planning":      {"space planning layout principles", "空间规划 平面布局"},
	"floor_plan":          {"floor plan layout design", "平面布置图 设计"},
	"zoning":              {"functional zoning interior", "功能分区 室内"},
	"circulation":         {"circulation flow design interior", "动线设计"},
	"lighting_plan":       {"lighting design plan interior", "照明设计 方案"},
	"material_palette":    {"material palette interior finishes", "材料搭配 饰面"},
	"color_scheme":        {"color scheme interior design", "色彩方案 室内"},
	"furniture_selection": {"furniture selection interior design", "家具选型"},
	"soft_furnishing":     {"soft furnishing styling guide", "软装搭配 指南"},
	"art_program":         {"art program curation hospitality", "艺术品 陈设 策划"},
	"signage":             {"wayfinding signage design", "导视系统 设计"},
	"wayfinding":          {"wayfinding design principles", "导视 寻路设计"},
	"scene_design":        {"scene design experience space", "场景设计 体验空间"},
	"experience_design":   {"experience design retail space", "体验设计 商业空间"},
	"rendering_brief":     {"architectural rendering brief", "效果图 说明"},
	"visualization":       {"interior visualization techniques", "室内 可视化 表现"},
	"budget_estimate":     {"interior fit-out cost estimate", "装修预算 估算"},
	"cost_plan":           {"fit-out cost planning", "成本规划 装修"},
	"schedule":            {"interior fit-out project schedule", "施工计划 工期"},
	"technical_spec":      {"interior technical specification", "技术规格 说明"},
	"mep_plan":            {"MEP coordination interior design", "机电 协调 室内"},
	"acoustic_plan":       {"acoustic design interior spaces", "声学设计 室内"},
	"hvac_plan":           {"HVAC design interior comfort", "暖通设计 舒适"},
	"structural_review":   {"structural review renovation", "结构评估 改造"},
	"code_compliance":     {"building code compliance interior", "规范 合规 审查"},
	"fire_safety":         {"fire safety interior design code", "消防 设计规范"},
	"accessibility":       {"accessible design universal design", "无障碍设计 通用设计"},
	"sustainability":      {"sustainable interior design materials", "可持续 室内设计 材料"},
	"wellness":            {"wellness design WELL standard", "健康建筑 WELL"},
	"smart_home":          {"smart home system integration", "智能家居 系统"},
	"market_research":     {"market research hospitality design trends", "市场调研 设计趋势"},
	"trend_report":        {"interior design trend report", "室内设计 趋势报告"},
	"competitor_analysis": {"competitor analysis retail space", "竞品分析 空间"},
	"user_research":       {"user research interview methods design", "用户研究 访谈"},
	"survey":              {"user survey questionnaire design", "问卷调研 设计"},
	"site_analysis":       {"site analysis interior renovation", "场地分析"},
	"cultural_research":   {"cultural context design research", "文化研究 设计"},
	"literature_review":   {"design research literature review", "文献综述 设计研究"},
	"design_guidelines":   {"interior design guidelines standards", "设计导则 标准"},
	"maintenance_guide":   {"interior maintenance guide materials", "维护指南 材料"},
	"procurement_list":    {"FF&E procurement schedule", "采购清单 家具设备"},
	"presentation":        {"design presentation storytelling", "方案汇报 表达"},
}

// projectPhrases maps project types to context phrases.
var projectPhrases = map[string]phrase{
	"residential":      {"residential interior design", "住宅室内设计"},
	"commercial_space": {"commercial space design", "商业空间设计"},
	"hospitality":      {"hospitality interior design", "酒店空间设计"},
	"restaurant":       {"restaurant interior design", "餐饮空间设计"},
	"office":           {"office workplace design", "办公空间设计"},
	"retail":           {"retail store design", "零售空间设计"},
	"cultural":         {"cultural venue design", "文化空间设计"},
	"exhibition":       {"exhibition design", "展陈设计"},
	"healthcare":       {"healthcare interior design", "医疗空间设计"},
	"education":        {"learning environment design", "教育空间设计"},
	"mixed_use":        {"mixed-use development design", "综合体设计"},
}

// academicSuffix is appended to academic query variants.
const academicSuffix = "methodology research"

var englishStopwords = map[string]struct{}{
	"the": {}, "and": {}, "for": {}, "with": {}, "that": {}, "this": {}, "from": {}, "into": {},
	"about": {}, "are": {}, "our": {}, "your": {}, "their": {}, "will": {}, "should": {}, "can": {},
	"a": {}, "an": {}, "of": {}, "to": {}, "in": {}, "on": {}, "by": {}, "as": {}, "is": {}, "be": {},
	"design": {}, "create": {}, "make": {}, "provide": {}, "based": {}, "including": {}, "using": {},
}

// cjkStopRunes are particles that make a bigram uninformative.
const cjkStopRunes = "的了和与及或在是为对把被这那个一些并等"

// Formats returns the known deliverable formats.
func Formats() []string {
	out := make([]string, 0, len(formatPhrases))
	for f := range formatPhrases {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

// KnownFormat reports whether format is in the vocabulary.
func KnownFormat(format string) bool {
	_, ok := formatPhrases[format]
	return ok
}

// Query is a built query for one tool.
type Query struct {
	Tool     ToolName
	Keywords []string
	Text     string
	Broad    bool
}

// BuildQuery builds the query variant for tool. Broad queries keep only the
// extracted keywords.
func BuildQuery(d model.Deliverable, project model.ProjectContext, tool ToolName, broad bool) Query {
	keywords := ExtractKeywords(d)
	q := Query{Tool: tool, Keywords: keywords, Broad: broad}
	parts := append([]string(nil), keywords...)
	if !broad {
		chinese := tool == ToolKB || tool == ToolChineseWeb
		if p, ok := formatPhrases[d.Format]; ok {
			parts = append(parts, pick(p, chinese))
		}
		if p, ok := projectPhrases[project.ProjectType]; ok {
			parts = append(parts, pick(p, chinese))
		}
		if tool == ToolAcademic {
			parts = append(parts, academicSuffix)
		}
	}
	if len(parts) == 0 {
		parts = append(parts, d.Name)
	}
	q.Text = strings.Join(parts, " ")
	return q
}

func pick(p phrase, chinese bool) string {
	if chinese {
		return p.zh
	}
	return p.en
}

// ExtractKeywords returns up to 2 keywords from the name and up to 5 from
// the description, falling back to the declared keywords.
func ExtractKeywords(d model.Deliverable) []string {
	seen := make(map[string]struct{})
	var out []string
	add := func(words []string) {
		for _, w := range words {
			if _, ok := seen[w]; ok || w == "" {
				continue
			}
			seen[w] = struct{}{}
			out = append(out, w)
		}
	}
	add(keywords(d.Name, 2))
	add(keywords(d.Description, 5))
	if len(out) == 0 {
		add(d.Keywords)
	}
	return out
}

func keywords(text string, n int) []string {
	if hasCJK(text) {
		return cjkKeywords(text, n)
	}
	return latinKeywords(text, n)
}

func hasCJK(s string) bool {
	for _, r := range s {
		if unicode.Is(unicode.Han, r) {
			return true
		}
	}
	return false
}

func latinKeywords(text string, n int) []string {
	var out []string
	seen := make(map[string]struct{})
	for _, f := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '-'
	}) {
		if len([]rune(f)) < 3 {
			continue
		}
		if _, stop := englishStopwords[f]; stop {
			continue
		}
		if _, dup := seen[f]; dup {
			continue
		}
		seen[f] = struct{}{}
		out = append(out, f)
		if len(out) == n {
			break
		}
	}
	return out
}

// bigramCorpus is the reference corpus for CJK document frequency: the
// Chinese format and project phrases plus common brief boilerplate.
var bigramCorpus = func() []map[string]struct{} {
	docs := []string{"设计一个空间", "需要提供方案", "项目要求包括", "希望能够打造", "进行分析研究"}
	for _, p := range formatPhrases {
		docs = append(docs, p.zh)
	}
	for _, p := range projectPhrases {
		docs = append(docs, p.zh)
	}
	out := make([]map[string]struct{}, 0, len(docs))
	for _, d := range docs {
		set := make(map[string]struct{})
		for _, b := range bigrams(d) {
			set[b] = struct{}{}
		}
		out = append(out, set)
	}
	return out
}()

// cjkKeywords ranks Han bigrams by TF-IDF against bigramCorpus. Latin words
// embedded in the text are kept as candidates with the same weighting.
func cjkKeywords(text string, n int) []string {
	terms := append(bigrams(text), latinKeywords(text, 10)...)
	if len(terms) == 0 {
		return nil
	}
	tf := make(map[string]int)
	first := make(map[string]int)
	for i, t := range terms {
		if _, ok := first[t]; !ok {
			first[t] = i
		}
		tf[t]++
	}
	total := float64(len(bigramCorpus))
	type scored struct {
		term  string
		score float64
	}
	ranked := make([]scored, 0, len(tf))
	for t, c := range tf {
		df := 0
		for _, doc := range bigramCorpus {
			if _, ok := doc[t]; ok {
				df++
			}
		}
		idf := math.Log((total+1)/(float64(df)+1)) + 1
		ranked = append(ranked, scored{term: t, score: float64(c) * idf})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].score != ranked[j].score {
			return ranked[i].score > ranked[j].score
		}
		return first[ranked[i].term] < first[ranked[j].term]
	})
	out := make([]string, 0, n)
	for _, s := range ranked {
		if len(out) == n {
			break
		}
		out = append(out, s.term)
	}
	return out
}

// bigrams returns overlapping Han bigrams, skipping those with particles.
func bigrams(text string) []string {
	var out []string
	var run []rune
	flush := func() {
		for i := 0; i+1 < len(run); i++ {
			if strings.ContainsRune(cjkStopRunes, run[i]) || strings.ContainsRune(cjkStopRunes, run[i+1]) {
				continue
			}
			out = append(out, string(run[i:i+2]))
		}
		run = run[:0]
	}
	for _, r := range text {
		if unicode.Is(unicode.Han, r) {
			run = append(run, r)
			continue
		}
		flush()
	}
	flush()
	return out
}
