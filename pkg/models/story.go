package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/storyforge-ai/story-engine/pkg/jsonutil"
)

// CurrentVersion marks the single live row for a story uuid. Historical
// versions are strictly positive.
const CurrentVersion = -1

// Story is one versioned user story. Rows sharing a UUID are versions of the
// same card; exactly one of them carries Version == CurrentVersion.
type Story struct {
	ID             int64     `json:"story_id"`
	ConversationID int64     `json:"conversation_id"`
	UUID           uuid.UUID `json:"uuid"`
	Version        int       `json:"version"`
	Order          int       `json:"order"`

	JiraID             *int64     `json:"jira_id,omitempty"`
	Summary            string     `json:"summary"`
	Background         string     `json:"background,omitempty"`
	Description        string     `json:"description,omitempty"`
	AcceptanceCriteria string     `json:"acceptance_criteria,omitempty"`
	StoryPoints        *int       `json:"story_points,omitempty"`
	Priority           string     `json:"priority,omitempty"`
	Dependency         string     `json:"dependency,omitempty"`
	Performance        string     `json:"performance,omitempty"`
	Solution           string     `json:"solution,omitempty"`
	UIUXDesign         string     `json:"ui_ux_design,omitempty"`
	Assignee           string     `json:"assignee,omitempty"`
	PlannedStart       *time.Time `json:"planned_start,omitempty"`
	PlannedEnd         *time.Time `json:"planned_end,omitempty"`

	GenerateTime time.Time `json:"generate_time"`
	IsSelected   bool      `json:"is_selected"`

	CreateBy   string    `json:"create_by,omitempty"`
	ModifyBy   string    `json:"modify_by,omitempty"`
	CreateTime time.Time `json:"create_time"`
	ModifyTime time.Time `json:"modify_time"`
	IsDeleted  bool      `json:"-"`
}

// Clone returns a copy of the story without the row identity fields, ready
// to be inserted as a new version.
func (s *Story) Clone() *Story {
	c := *s
	c.ID = 0
	c.CreateTime = time.Time{}
	c.ModifyTime = time.Time{}
	c.CreateBy = ""
	c.ModifyBy = ""
	return &c
}

// StoryPayload is the model-facing JSON shape of a single story. Field names
// match what the prompt templates instruct the model to emit; types are
// flexible because models drift between strings and numbers.
type StoryPayload struct {
	Summary            string                `json:"Summary"`
	Background         string                `json:"Background"`
	Description        string                `json:"Description"`
	AcceptanceCriteria string                `json:"Acceptance Criteria"`
	StoryPoints        jsonutil.FlexibleInt  `json:"Story Points"`
	Priority           string                `json:"Priority"`
	Dependency         string                `json:"Dependency"`
	Performance        string                `json:"Performance"`
	Solution           string                `json:"Solution"`
	UIUXDesign         string                `json:"UI UX Design"`
	UUID               string                `json:"UUID"`
	IsNew              jsonutil.FlexibleBool `json:"jira_is_new"`
}

// ParseStoryPayloads decodes the model's JSON array of stories.
func ParseStoryPayloads(raw string) ([]StoryPayload, error) {
	var payloads []StoryPayload
	if err := json.Unmarshal([]byte(raw), &payloads); err != nil {
		return nil, fmt.Errorf("failed to parse story payload: %w", err)
	}
	return payloads, nil
}

// PayloadFromStory converts a persisted story back into the model-facing
// shape, used when handing the current story set to the model as context.
func PayloadFromStory(s *Story) StoryPayload {
	points := 0
	if s.StoryPoints != nil {
		points = *s.StoryPoints
	}
	return StoryPayload{
		Summary:            s.Summary,
		Background:         s.Background,
		Description:        s.Description,
		AcceptanceCriteria: s.AcceptanceCriteria,
		StoryPoints:        jsonutil.FlexibleInt(points),
		Priority:           s.Priority,
		Dependency:         s.Dependency,
		Performance:        s.Performance,
		Solution:           s.Solution,
		UIUXDesign:         s.UIUXDesign,
		UUID:               s.UUID.String(),
	}
}

// Apply copies the payload's business fields onto the story. Identity and
// ordering fields are untouched.
func (p StoryPayload) Apply(s *Story) {
	s.Summary = p.Summary
	s.Background = p.Background
	s.Description = p.Description
	s.AcceptanceCriteria = p.AcceptanceCriteria
	if p.StoryPoints != 0 {
		points := int(p.StoryPoints)
		s.StoryPoints = &points
	}
	if len(p.Priority) > 20 {
		p.Priority = p.Priority[:20]
	}
	s.Priority = p.Priority
	s.Dependency = p.Dependency
	s.Performance = p.Performance
	s.Solution = p.Solution
	s.UIUXDesign = p.UIUXDesign
}
