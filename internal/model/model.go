// Package model holds the domain records shared by the analysis pipeline.
package model

import (
	"strings"
	"time"
)

// RoleType is the expert family a role belongs to.
type RoleType string

// Expert families.
const (
	RoleDirector   RoleType = "V2"
	RoleNarrative  RoleType = "V3"
	RoleResearcher RoleType = "V4"
	RoleScene      RoleType = "V5"
	RoleEngineer   RoleType = "V6"
)

// RoleTypes lists every known family in id order.
var RoleTypes = []RoleType{RoleDirector, RoleNarrative, RoleResearcher, RoleScene, RoleEngineer}

// ParseRoleType derives the family from a role id such as "V4_设计研究员_4-1".
func ParseRoleType(roleID string) (RoleType, bool) {
	prefix, _, _ := strings.Cut(strings.TrimSpace(roleID), "_")
	prefix = strings.ToUpper(prefix)
	for _, rt := range RoleTypes {
		if string(rt) == prefix {
			return rt, true
		}
	}
	return "", false
}

// Constraints narrows what a deliverable must contain.
type Constraints struct {
	MustInclude      []string `json:"must_include,omitempty"`
	StylePreferences string   `json:"style_preferences,omitempty"`
}

// Deliverable is one artifact the session must produce.
type Deliverable struct {
	ID            string      `json:"id"`
	Name          string      `json:"name"`
	Description   string      `json:"description"`
	Format        string      `json:"format"`
	Keywords      []string    `json:"keywords,omitempty"`
	Constraints   Constraints `json:"constraints"`
	OwnerRole     string      `json:"owner_role"`
	RequireSearch bool        `json:"require_search"`
	Priority      int         `json:"priority"`
}

// RoleDescriptor describes an expert assigned by the director.
type RoleDescriptor struct {
	RoleID          string   `json:"role_id"`
	RoleType        RoleType `json:"role_type"`
	DynamicRoleName string   `json:"dynamic_role_name"`
	FocusAreas      []string `json:"focus_areas,omitempty"`
	Tasks           []string `json:"tasks,omitempty"`
	ExpectedOutput  string   `json:"expected_output,omitempty"`
	Dependencies    []string `json:"dependencies,omitempty"`
}

// Normalize fills RoleType from RoleID when missing.
func (r RoleDescriptor) Normalize() RoleDescriptor {
	if r.RoleType == "" {
		if rt, ok := ParseRoleType(r.RoleID); ok {
			r.RoleType = rt
		}
	}
	return r
}

// Source is a citation attached to an agent result.
type Source struct {
	ReferenceNumber int    `json:"reference_number"`
	Title           string `json:"title"`
	URL             string `json:"url"`
	Tool            string `json:"tool,omitempty"`
}

// AgentResult is the output of one expert for one round.
type AgentResult struct {
	AgentType      string         `json:"agent_type"`
	RoleID         string         `json:"role_id"`
	Content        string         `json:"content"`
	StructuredData map[string]any `json:"structured_data,omitempty"`
	Confidence     float64        `json:"confidence"`
	Sources        []Source       `json:"sources,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	Round          int            `json:"round"`
	Error          string         `json:"error,omitempty"`
}

// Failed reports whether the result records a structured failure.
func (r AgentResult) Failed() bool {
	return r.Error != ""
}

// ImageMetadata records a generated concept image.
type ImageMetadata struct {
	DeliverableID string    `json:"deliverable_id"`
	Filename      string    `json:"filename"`
	URL           string    `json:"url"`
	OwnerRole     string    `json:"owner_role"`
	Prompt        string    `json:"prompt"`
	AspectRatio   string    `json:"aspect_ratio"`
	FileSizeBytes int64     `json:"file_size_bytes"`
	CreatedAt     time.Time `json:"created_at"`
}

// ReviewItem is one red/blue/judge/client finding.
type ReviewItem struct {
	IssueID     string  `json:"issue_id"`
	Perspective string  `json:"perspective"`
	RoleID      string  `json:"role_id,omitempty"`
	Description string  `json:"description"`
	Severity    string  `json:"severity,omitempty"`
	Status      string  `json:"status"`
	Response    string  `json:"response,omitempty"`
	Score       float64 `json:"score,omitempty"`
}

// ProjectContext summarizes the project for search and prompts.
type ProjectContext struct {
	ProjectType string `json:"project_type"`
	Summary     string `json:"summary"`
	Location    string `json:"location,omitempty"`
}
