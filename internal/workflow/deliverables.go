package workflow

import (
	"fmt"
	"sort"
	"strings"

	"github.com/metalagman/atelier/internal/model"
	"github.com/metalagman/atelier/internal/search"
)

// fallbackFormat replaces formats outside the vocabulary.
const fallbackFormat = "concept"

var formatAliases = map[string]string{
	"mood_board":       "moodboard",
	"mood":             "moodboard",
	"user_persona":     "persona",
	"personas":         "persona",
	"customer_journey": "journey_map",
	"user_journey":     "journey_map",
	"floorplan":        "floor_plan",
	"layout":           "space_planning",
	"material_board":   "material_palette",
	"materials":        "material_palette",
	"colour_scheme":    "color_scheme",
	"palette":          "color_scheme",
	"lighting":         "lighting_plan",
	"lighting_design":  "lighting_plan",
	"render":           "rendering_brief",
	"rendering":        "rendering_brief",
	"concept_image":    "visualization",
	"budget":           "budget_estimate",
	"cases":            "case_study",
	"benchmarking":     "benchmark",
	"story":            "narrative",
	"brand_narrative":  "brand_story",
	"name":             "naming",
}

// visualFormats get a concept image when image generation is enabled.
var visualFormats = map[string]struct{}{
	"moodboard": {}, "visualization": {}, "rendering_brief": {}, "scene_design": {},
	"material_palette": {}, "color_scheme": {}, "concept": {},
}

// formatRoles assigns deliverable formats to expert families in fixed mode.
var formatRoles = map[model.RoleType][]string{
	model.RoleNarrative: {
		"narrative", "brand_story", "naming", "slogan", "presentation", "concept",
	},
	model.RoleResearcher: {
		"persona", "journey_map", "benchmark", "case_study", "market_research", "trend_report",
		"competitor_analysis", "user_research", "survey", "site_analysis", "cultural_research",
		"literature_review",
	},
	model.RoleScene: {
		"moodboard", "space_planning", "floor_plan", "zoning", "circulation", "material_palette",
		"color_scheme", "furniture_selection", "soft_furnishing", "art_program", "signage",
		"wayfinding", "scene_design", "experience_design", "rendering_brief", "visualization",
	},
	model.RoleEngineer: {
		"lighting_plan", "budget_estimate", "cost_plan", "schedule", "technical_spec", "mep_plan",
		"acoustic_plan", "hvac_plan", "structural_review", "code_compliance", "fire_safety",
		"accessibility", "sustainability", "wellness", "smart_home", "design_guidelines",
		"maintenance_guide", "procurement_list",
	},
}

// fixedRoles are the standing experts used in fixed mode.
var fixedRoles = map[model.RoleType]model.RoleDescriptor{
	model.RoleNarrative: {
		RoleID: "V3_叙事与体验专家_3-1", RoleType: model.RoleNarrative, DynamicRoleName: "叙事与体验专家",
		FocusAreas: []string{"空间叙事", "品牌表达"}, ExpectedOutput: "叙事策略与文案",
	},
	model.RoleResearcher: {
		RoleID: "V4_设计研究员_4-1", RoleType: model.RoleResearcher, DynamicRoleName: "设计研究员",
		FocusAreas: []string{"用户研究", "案例对标"}, ExpectedOutput: "研究结论与依据",
	},
	model.RoleScene: {
		RoleID: "V5_场景与空间专家_5-1", RoleType: model.RoleScene, DynamicRoleName: "场景与空间专家",
		FocusAreas: []string{"空间布局", "材料色彩"}, ExpectedOutput: "场景方案与视觉说明",
	},
	model.RoleEngineer: {
		RoleID: "V6_技术与工程专家_6-1", RoleType: model.RoleEngineer, DynamicRoleName: "技术与工程专家",
		FocusAreas: []string{"照明机电", "造价工期"}, ExpectedOutput: "技术方案与约束",
	},
}

var formatOwner = func() map[string]model.RoleType {
	out := make(map[string]model.RoleType)
	for rt, formats := range formatRoles {
		for _, f := range formats {
			out[f] = rt
		}
	}
	return out
}()

// NormalizeFormat maps a free-form format onto the vocabulary.
func NormalizeFormat(format string) string {
	f := strings.ToLower(strings.TrimSpace(format))
	f = strings.NewReplacer(" ", "_", "-", "_").Replace(f)
	if alias, ok := formatAliases[f]; ok {
		f = alias
	}
	if search.KnownFormat(f) {
		return f
	}
	return fallbackFormat
}

// NormalizeDeliverables makes ids unique and non-empty and maps formats
// onto the vocabulary. Priorities default to list order.
func NormalizeDeliverables(in []model.Deliverable) []model.Deliverable {
	out := make([]model.Deliverable, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for i, d := range in {
		d.ID = strings.TrimSpace(d.ID)
		if _, dup := seen[d.ID]; d.ID == "" || dup {
			for n := i + 1; ; n++ {
				id := fmt.Sprintf("D%d", n)
				if _, taken := seen[id]; !taken {
					d.ID = id
					break
				}
			}
		}
		seen[d.ID] = struct{}{}
		d.Format = NormalizeFormat(d.Format)
		if d.Priority <= 0 {
			d.Priority = i + 1
		}
		if d.Name == "" {
			d.Name = d.ID
		}
		out = append(out, d)
	}
	return out
}

// FormatRole returns the expert family owning format in fixed mode.
func FormatRole(format string) model.RoleType {
	if rt, ok := formatOwner[NormalizeFormat(format)]; ok {
		return rt
	}
	return model.RoleNarrative
}

// FixedAssignment assigns every deliverable to the standing expert of its
// format family. Roles are returned in family order.
func FixedAssignment(deliverables []model.Deliverable) ([]model.RoleDescriptor, map[string]string) {
	owners := make(map[string]string, len(deliverables))
	tasks := make(map[model.RoleType][]string)
	for _, d := range deliverables {
		rt := FormatRole(d.Format)
		owners[d.ID] = fixedRoles[rt].RoleID
		tasks[rt] = append(tasks[rt], fmt.Sprintf("完成交付物 %s：%s", d.ID, d.Name))
	}
	types := make([]model.RoleType, 0, len(tasks))
	for rt := range tasks {
		types = append(types, rt)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	roles := make([]model.RoleDescriptor, 0, len(types))
	for _, rt := range types {
		r := fixedRoles[rt]
		r.Tasks = tasks[rt]
		roles = append(roles, r)
	}
	return roles, owners
}

// IsVisual reports whether format gets a concept image.
func IsVisual(format string) bool {
	_, ok := visualFormats[format]
	return ok
}

// DeliverablesFor returns the deliverables owned by roleID.
func DeliverablesFor(req *Requirements, owners map[string]string, roleID string) []model.Deliverable {
	if req == nil {
		return nil
	}
	var out []model.Deliverable
	for _, d := range req.Deliverables {
		if owners[d.ID] == roleID {
			d.OwnerRole = roleID
			out = append(out, d)
		}
	}
	return out
}
