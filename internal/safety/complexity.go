package safety

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/metalagman/atelier/internal/model"
)

// Complexity levels.
const (
	ComplexitySimple  = "simple"
	ComplexityMedium  = "medium"
	ComplexityComplex = "complex"
)

// ComplexityResult is the task complexity assessment.
type ComplexityResult struct {
	Level            string           `json:"level"`
	Confidence       float64          `json:"confidence"`
	Score            int              `json:"score"`
	Reasoning        string           `json:"reasoning"`
	SuggestedExperts []model.RoleType `json:"suggested_experts"`
}

var (
	simpleTaskPattern = regexp.MustCompile(`(?i)(命名|取名|起名|名字|店名|推荐|\bnam(e|ing)\b|\brecommend)`)
	areaPattern       = regexp.MustCompile(`(?i)(\d+(?:\.\d+)?)\s*(平方米|平米|㎡|m²|m2|sqm|square\s*met(?:er|re)s?)`)

	complexPatterns = []struct {
		name string
		re   *regexp.Regexp
	}{
		{"multi-system", regexp.MustCompile(`(?i)(综合体|多业态|园区|全案.*(机电|暖通)|mixed-use|campus|multi-building)`)},
		{"extreme environment", regexp.MustCompile(`(?i)(极寒|高原|沙漠|海上|地下空间|extreme (climate|environment)|arctic|offshore)`)},
		{"special users", regexp.MustCompile(`(?i)(医院|养老院|无障碍|康复中心|hospital|elderly care|nursing home|accessibility)`)},
		{"regulatory", regexp.MustCompile(`(?i)(消防审批|文物保护|历史建筑|规范审查|heritage|fire code|building permit)`)},
	}

	dimensionTerms = map[string][]string{
		"space":     {"客厅", "卧室", "厨房", "餐厅", "包房", "大堂", "前台", "cafe", "café", "restaurant", "lobby", "bedroom", "kitchen", "office", "hotel"},
		"style":     {"风格", "现代", "极简", "中式", "日式", "北欧", "modern", "minimalist", "scandinavian", "industrial", "style"},
		"users":     {"家庭", "老人", "孩子", "宠物", "客群", "年轻", "young", "professionals", "family", "children", "guests"},
		"budget":    {"预算", "万元", "budget", "cost"},
		"materials": {"材料", "材质", "灯光", "照明", "material", "lighting"},
		"schedule":  {"工期", "周内", "deadline", "schedule", "timeline"},
	}
	dimensionOrder = []string{"space", "style", "users", "budget", "materials", "schedule"}
)

// AssessComplexity scores text by task kind and signals, never by length.
func AssessComplexity(text string, domain DomainResult) ComplexityResult {
	lowered := strings.ToLower(text)

	if simpleTaskPattern.MatchString(text) {
		return ComplexityResult{
			Level:            ComplexitySimple,
			Confidence:       0.9,
			Reasoning:        "命名类/推荐类任务，聚焦叙事与研究",
			SuggestedExperts: []model.RoleType{model.RoleNarrative, model.RoleResearcher},
		}
	}

	area := extractArea(text)
	if area >= 2000 {
		return complexResult(fmt.Sprintf("large area %.0f m²", area))
	}
	for _, p := range complexPatterns {
		if p.re.MatchString(text) {
			return complexResult(p.name)
		}
	}

	score := 0
	var signals []string
	switch {
	case area >= 500:
		score += 3
	case area >= 100:
		score += 2
	case area > 0:
		score++
	}
	if area > 0 {
		signals = append(signals, fmt.Sprintf("area %.0f m²", area))
	}
	dims := 0
	for _, name := range dimensionOrder {
		if dims == 4 {
			break
		}
		for _, term := range dimensionTerms[name] {
			if strings.Contains(lowered, term) {
				dims++
				signals = append(signals, name)
				break
			}
		}
	}
	score += dims
	if len(domain.DesignBuckets) >= 5 {
		score++
		signals = append(signals, "broad design scope")
	}

	res := ComplexityResult{Score: score}
	switch {
	case score <= 2:
		res.Level, res.Confidence = ComplexitySimple, 0.75
		res.SuggestedExperts = []model.RoleType{model.RoleNarrative}
	case score <= 6:
		res.Level, res.Confidence = ComplexityMedium, 0.8
		res.SuggestedExperts = []model.RoleType{model.RoleNarrative, model.RoleResearcher, model.RoleScene}
	default:
		res.Level, res.Confidence = ComplexityComplex, 0.85
		res.SuggestedExperts = []model.RoleType{model.RoleNarrative, model.RoleResearcher, model.RoleScene, model.RoleEngineer}
	}
	res.Reasoning = fmt.Sprintf("score %d from %s", score, strings.Join(signals, ", "))
	if len(signals) == 0 {
		res.Reasoning = fmt.Sprintf("score %d, no scope signals", score)
	}
	return res
}

func complexResult(reason string) ComplexityResult {
	return ComplexityResult{
		Level:            ComplexityComplex,
		Confidence:       0.9,
		Score:            10,
		Reasoning:        "explicit complex signal: " + reason,
		SuggestedExperts: []model.RoleType{model.RoleNarrative, model.RoleResearcher, model.RoleScene, model.RoleEngineer},
	}
}

// extractArea returns the largest area mentioned in square meters.
func extractArea(text string) float64 {
	var best float64
	for _, m := range areaPattern.FindAllStringSubmatch(text, -1) {
		v, err := strconv.ParseFloat(m[1], 64)
		if err == nil && v > best {
			best = v
		}
	}
	return best
}
