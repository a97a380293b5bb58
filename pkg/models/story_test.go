package models

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseStoryPayloads_FlexibleTypes(t *testing.T) {
	raw := `[
		{"Summary":"login","Story Points":"3 points","jira_is_new":"true"},
		{"Summary":"signup","Story Points":5,"jira_is_new":false,"UUID":"0b0e8a70-0a62-4b35-9e52-1d2f6d8a9f11"}
	]`

	payloads, err := ParseStoryPayloads(raw)
	require.NoError(t, err)
	require.Len(t, payloads, 2)

	assert.Equal(t, 3, int(payloads[0].StoryPoints))
	assert.True(t, bool(payloads[0].IsNew))
	assert.Equal(t, 5, int(payloads[1].StoryPoints))
	assert.False(t, bool(payloads[1].IsNew))
	assert.Equal(t, "0b0e8a70-0a62-4b35-9e52-1d2f6d8a9f11", payloads[1].UUID)
}

func TestParseStoryPayloads_Invalid(t *testing.T) {
	_, err := ParseStoryPayloads(`{"not":"an array"}`)
	require.Error(t, err)
}

func TestStoryPayload_Apply(t *testing.T) {
	story := &Story{UUID: uuid.New(), Version: CurrentVersion, Order: 2}
	p := StoryPayload{
		Summary:     "login",
		Description: "as a user",
		StoryPoints: 8,
		Priority:    "an unreasonably long priority value",
	}
	p.Apply(story)

	assert.Equal(t, "login", story.Summary)
	assert.Equal(t, "as a user", story.Description)
	require.NotNil(t, story.StoryPoints)
	assert.Equal(t, 8, *story.StoryPoints)
	assert.Len(t, story.Priority, 20)

	// Identity and ordering stay untouched.
	assert.Equal(t, 2, story.Order)
	assert.Equal(t, CurrentVersion, story.Version)
}

func TestPayloadFromStory_RoundTrip(t *testing.T) {
	points := 5
	story := &Story{
		UUID:        uuid.New(),
		Summary:     "login",
		Background:  "bg",
		StoryPoints: &points,
		Priority:    "High",
	}

	p := PayloadFromStory(story)
	assert.Equal(t, story.UUID.String(), p.UUID)
	assert.Equal(t, 5, int(p.StoryPoints))

	applied := &Story{UUID: story.UUID}
	p.Apply(applied)
	assert.Equal(t, story.Summary, applied.Summary)
	assert.Equal(t, story.Background, applied.Background)
	assert.Equal(t, story.Priority, applied.Priority)
}

func TestStoryClone(t *testing.T) {
	points := 3
	s := &Story{
		ID:          9,
		UUID:        uuid.New(),
		Version:     CurrentVersion,
		Order:       4,
		Summary:     "x",
		StoryPoints: &points,
		CreateBy:    "alice",
		CreateTime:  time.Now(),
	}
	c := s.Clone()

	assert.Zero(t, c.ID)
	assert.Empty(t, c.CreateBy)
	assert.True(t, c.CreateTime.IsZero())
	assert.Equal(t, s.UUID, c.UUID)
	assert.Equal(t, s.Order, c.Order)
	assert.Equal(t, s.Summary, c.Summary)
}

func TestTurnInputMode(t *testing.T) {
	in := &TurnInput{}
	assert.Equal(t, TurnModeConversation, in.Mode())

	id := uuid.New()
	in.TargetStoryUUID = &id
	assert.Equal(t, TurnModeRecordEdit, in.Mode())
}
