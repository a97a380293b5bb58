// Package services implements the turn orchestration and story lifecycle on
// top of the repositories and the model gateway.
package services

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/storyforge-ai/story-engine/pkg/llm"
	"github.com/storyforge-ai/story-engine/pkg/models"
	"github.com/storyforge-ai/story-engine/pkg/prompts"
	"github.com/storyforge-ai/story-engine/pkg/repositories"
)

// StoryService owns the versioned story lifecycle: applying model output to
// the store, manual edits, history and deletion. Every mutation of an
// existing story goes through the same retire-then-insert sequence so the
// single-live-version rule holds no matter who writes.
type StoryService interface {
	// ApplyTurnPayloads reconciles one turn's model output with the stored
	// story set. New payloads become new cards appended after the existing
	// ones; payloads naming a known UUID become new versions of that card,
	// keeping its position.
	ApplyTurnPayloads(ctx context.Context, conversationID int64, payloads []models.StoryPayload, operator string) ([]*models.Story, error)

	// ReviseOne applies a payload to a single existing card as a new version.
	ReviseOne(ctx context.Context, id uuid.UUID, payload models.StoryPayload, operator string) (*models.Story, error)

	// UpdateStory applies a manual field edit as a new version.
	UpdateStory(ctx context.Context, story *models.Story, operator string) (*models.Story, error)

	// AssignJiraID records the external issue a card was exported to. This is
	// a back-reference on the live row, not a new version.
	AssignJiraID(ctx context.Context, id uuid.UUID, jiraID int64, operator string) error

	CurrentByConversation(ctx context.Context, conversationID int64) ([]*models.Story, error)
	CurrentByUUID(ctx context.Context, id uuid.UUID) (*models.Story, error)
	VersionHistory(ctx context.Context, id uuid.UUID) ([]*models.Story, error)
	BatchSoftDelete(ctx context.Context, ids []uuid.UUID, operator string) (int64, error)
	DeleteByConversation(ctx context.Context, conversationID int64, operator string) error

	// EnrichBackgrounds fills empty backgrounds in a payload batch with one
	// shared paragraph generated from the batch, before persistence. Best
	// effort: failures are logged and the payloads returned unchanged.
	EnrichBackgrounds(ctx context.Context, sessionID string, payloads []models.StoryPayload) []models.StoryPayload

	// StoriesJSON renders stories in the model-facing payload shape.
	StoriesJSON(stories []*models.Story) (string, error)
}

type storyService struct {
	stories repositories.StoryRepository
	gateway llm.ModelGateway
	logger  *zap.Logger
}

var _ StoryService = (*storyService)(nil)

// NewStoryService creates a story service.
func NewStoryService(stories repositories.StoryRepository, gateway llm.ModelGateway, logger *zap.Logger) StoryService {
	return &storyService{
		stories: stories,
		gateway: gateway,
		logger:  logger.Named("story_service"),
	}
}

func (s *storyService) ApplyTurnPayloads(ctx context.Context, conversationID int64, payloads []models.StoryPayload, operator string) ([]*models.Story, error) {
	existing, err := s.stories.FindCurrentByConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	byUUID := make(map[uuid.UUID]*models.Story, len(existing))
	for _, st := range existing {
		byUUID[st.UUID] = st
	}

	nextOrder, err := s.stories.MaxOrder(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	var result []*models.Story
	for _, p := range payloads {
		target := payloadTarget(p, byUUID)
		if target == nil {
			nextOrder++
			created, err := s.createFromPayload(ctx, conversationID, p, nextOrder, operator)
			if err != nil {
				return nil, err
			}
			result = append(result, created)
			continue
		}

		revised, err := s.reviseStory(ctx, target, p, operator)
		if err != nil {
			return nil, err
		}
		result = append(result, revised)
	}

	s.logger.Info("applied turn payloads",
		zap.Int64("conversation_id", conversationID),
		zap.Int("payloads", len(payloads)),
		zap.Int("stories", len(result)))
	return result, nil
}

// payloadTarget resolves which stored card a payload revises, nil for a new
// card. A payload claiming to be new is trusted; an unknown UUID also means
// new, since a model occasionally invents one.
func payloadTarget(p models.StoryPayload, byUUID map[uuid.UUID]*models.Story) *models.Story {
	if bool(p.IsNew) || p.UUID == "" {
		return nil
	}
	id, err := uuid.Parse(p.UUID)
	if err != nil {
		return nil
	}
	return byUUID[id]
}

func (s *storyService) createFromPayload(ctx context.Context, conversationID int64, p models.StoryPayload, order int, operator string) (*models.Story, error) {
	story := &models.Story{
		ConversationID: conversationID,
		UUID:           uuid.New(),
		Version:        models.CurrentVersion,
		Order:          order,
		CreateBy:       operator,
		GenerateTime:   time.Now(),
	}
	p.Apply(story)
	if err := s.stories.Insert(ctx, story); err != nil {
		return nil, err
	}
	return story, nil
}

// retireLive stamps the live row with the next version number. A current row
// already carrying a positive version was stamped by a revision whose insert
// never landed; it needs no stamp, only the replacement insert.
func (s *storyService) retireLive(ctx context.Context, current *models.Story) error {
	if current.Version != models.CurrentVersion {
		return nil
	}
	maxVersion, err := s.stories.MaxVersion(ctx, current.UUID)
	if err != nil {
		return err
	}
	return s.stories.StampVersion(ctx, current.UUID, maxVersion+1)
}

// reviseStory retires the live row and inserts the revised copy as the new
// live row, keeping uuid and position.
func (s *storyService) reviseStory(ctx context.Context, current *models.Story, p models.StoryPayload, operator string) (*models.Story, error) {
	if err := s.retireLive(ctx, current); err != nil {
		return nil, err
	}

	revised := current.Clone()
	revised.Version = models.CurrentVersion
	revised.CreateBy = operator
	revised.GenerateTime = time.Now()
	p.Apply(revised)
	if err := s.stories.Insert(ctx, revised); err != nil {
		return nil, err
	}
	return revised, nil
}

func (s *storyService) ReviseOne(ctx context.Context, id uuid.UUID, payload models.StoryPayload, operator string) (*models.Story, error) {
	current, err := s.stories.FindCurrentByUUID(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.reviseStory(ctx, current, payload, operator)
}

func (s *storyService) UpdateStory(ctx context.Context, story *models.Story, operator string) (*models.Story, error) {
	current, err := s.stories.FindCurrentByUUID(ctx, story.UUID)
	if err != nil {
		return nil, err
	}
	if err := s.retireLive(ctx, current); err != nil {
		return nil, err
	}

	revised := current.Clone()
	revised.Version = models.CurrentVersion
	revised.CreateBy = operator
	applyManualFields(revised, story)
	if err := s.stories.Insert(ctx, revised); err != nil {
		return nil, err
	}
	return revised, nil
}

// applyManualFields copies user-editable fields from the request onto the new
// version, leaving identity and ordering alone.
func applyManualFields(dst, src *models.Story) {
	if src.Summary != "" {
		dst.Summary = src.Summary
	}
	if src.Background != "" {
		dst.Background = src.Background
	}
	if src.Description != "" {
		dst.Description = src.Description
	}
	if src.AcceptanceCriteria != "" {
		dst.AcceptanceCriteria = src.AcceptanceCriteria
	}
	if src.StoryPoints != nil {
		dst.StoryPoints = src.StoryPoints
	}
	if src.Priority != "" {
		dst.Priority = src.Priority
	}
	if src.Dependency != "" {
		dst.Dependency = src.Dependency
	}
	if src.Performance != "" {
		dst.Performance = src.Performance
	}
	if src.Solution != "" {
		dst.Solution = src.Solution
	}
	if src.UIUXDesign != "" {
		dst.UIUXDesign = src.UIUXDesign
	}
	if src.Assignee != "" {
		dst.Assignee = src.Assignee
	}
	if src.PlannedStart != nil {
		dst.PlannedStart = src.PlannedStart
	}
	if src.PlannedEnd != nil {
		dst.PlannedEnd = src.PlannedEnd
	}
}

func (s *storyService) AssignJiraID(ctx context.Context, id uuid.UUID, jiraID int64, operator string) error {
	return s.stories.UpdateJiraID(ctx, id, jiraID, operator)
}

func (s *storyService) CurrentByConversation(ctx context.Context, conversationID int64) ([]*models.Story, error) {
	return s.stories.FindCurrentByConversation(ctx, conversationID)
}

func (s *storyService) CurrentByUUID(ctx context.Context, id uuid.UUID) (*models.Story, error) {
	return s.stories.FindCurrentByUUID(ctx, id)
}

func (s *storyService) VersionHistory(ctx context.Context, id uuid.UUID) ([]*models.Story, error) {
	return s.stories.FindVersionsByUUID(ctx, id)
}

func (s *storyService) DeleteByConversation(ctx context.Context, conversationID int64, operator string) error {
	return s.stories.SoftDeleteByConversation(ctx, conversationID, operator)
}

func (s *storyService) BatchSoftDelete(ctx context.Context, ids []uuid.UUID, operator string) (int64, error) {
	return s.stories.SoftDeleteByUUIDs(ctx, ids, operator)
}

func (s *storyService) EnrichBackgrounds(ctx context.Context, sessionID string, payloads []models.StoryPayload) []models.StoryPayload {
	bare := 0
	summaries := make([]string, 0, len(payloads))
	for _, p := range payloads {
		if strings.TrimSpace(p.Background) == "" {
			bare++
		}
		summaries = append(summaries, p.Summary)
	}
	if bare == 0 {
		return payloads
	}

	background, err := s.gateway.Complete(ctx, sessionID, llm.NoThink(prompts.BatchBackgroundPrompt(summaries)))
	if err != nil {
		s.logger.Warn("batch background generation failed", zap.Error(err))
		return payloads
	}
	background = strings.TrimSpace(llm.StripThinking(background))
	if background == "" {
		return payloads
	}
	for i := range payloads {
		if strings.TrimSpace(payloads[i].Background) == "" {
			payloads[i].Background = background
		}
	}
	return payloads
}

func (s *storyService) StoriesJSON(stories []*models.Story) (string, error) {
	payloads := make([]models.StoryPayload, 0, len(stories))
	for _, st := range stories {
		payloads = append(payloads, models.PayloadFromStory(st))
	}
	raw, err := json.Marshal(payloads)
	if err != nil {
		return "", fmt.Errorf("marshal stories: %w", err)
	}
	return string(raw), nil
}
