package services

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/storyforge-ai/story-engine/pkg/apperrors"
	"github.com/storyforge-ai/story-engine/pkg/llm"
	"github.com/storyforge-ai/story-engine/pkg/models"
	"github.com/storyforge-ai/story-engine/pkg/prompts"
	"github.com/storyforge-ai/story-engine/pkg/repositories"
	"github.com/storyforge-ai/story-engine/pkg/retrieval"
)

// InitSessionRequest bootstraps a new conversation.
type InitSessionRequest struct {
	SessionID  string     `json:"session_id,omitempty"`
	ProjectKey string     `json:"project_key,omitempty"`
	FirstInput string     `json:"first_input,omitempty"`
	StoryUUID  *uuid.UUID `json:"story_uuid,omitempty"`
	Operator   string     `json:"operator,omitempty"`
}

// SessionDetail bundles a conversation with its log and live stories.
type SessionDetail struct {
	Session  *models.ChatSession   `json:"session"`
	Messages []*models.ChatMessage `json:"messages"`
	Stories  []*models.Story       `json:"records"`
}

// ConversationService orchestrates conversation turns end to end: sequence
// checking, knowledge retrieval, prompting, streaming, extraction and
// persistence.
type ConversationService interface {
	InitSession(ctx context.Context, req InitSessionRequest) (*models.ChatSession, error)

	// RunTurn executes one turn, streaming progress frames to out. ctx
	// bounds the pipeline itself; clientCtx bounds delivery to the caller.
	// When clientCtx ends first the remaining frames are dropped but the
	// pipeline still runs to completion and persists its results. The
	// caller owns out and closes it after RunTurn returns.
	RunTurn(ctx context.Context, clientCtx context.Context, input models.TurnInput, out chan<- models.OutboundEvent) error

	ListSessions(ctx context.Context, creator, projectKey string) ([]*models.ChatSession, error)
	SessionDetail(ctx context.Context, sessionID string) (*SessionDetail, error)
	DeleteConversation(ctx context.Context, sessionID, operator string) error
}

type conversationService struct {
	sessions  repositories.SessionRepository
	messages  repositories.MessageRepository
	stories   StoryService
	gateway   llm.ModelGateway
	retriever retrieval.Retriever
	logger    *zap.Logger
}

var _ ConversationService = (*conversationService)(nil)

// NewConversationService creates a conversation service. retriever may be
// nil when no knowledge service is configured.
func NewConversationService(
	sessions repositories.SessionRepository,
	messages repositories.MessageRepository,
	stories StoryService,
	gateway llm.ModelGateway,
	retriever retrieval.Retriever,
	logger *zap.Logger,
) ConversationService {
	return &conversationService{
		sessions:  sessions,
		messages:  messages,
		stories:   stories,
		gateway:   gateway,
		retriever: retriever,
		logger:    logger.Named("conversation_service"),
	}
}

func (s *conversationService) InitSession(ctx context.Context, req InitSessionRequest) (*models.ChatSession, error) {
	session := &models.ChatSession{
		SessionID:  req.SessionID,
		ProjectKey: req.ProjectKey,
		Status:     models.SessionStatusActive,
		StoryUUID:  req.StoryUUID,
		CreateBy:   req.Operator,
	}
	if session.SessionID == "" {
		session.SessionID = uuid.NewString()
	}
	if err := s.sessions.Create(ctx, session); err != nil {
		return nil, err
	}

	// The title is cosmetic; a failed summary call never fails the bootstrap.
	if strings.TrimSpace(req.FirstInput) != "" {
		summary, err := s.gateway.Complete(ctx, session.SessionID, llm.NoThink(prompts.SummaryPrompt(req.FirstInput)))
		if err != nil {
			s.logger.Warn("session summary generation failed",
				zap.String("session_id", session.SessionID), zap.Error(err))
		} else if summary = strings.TrimSpace(llm.StripThinking(summary)); summary != "" {
			if err := s.sessions.UpdateSummary(ctx, session.SessionID, summary); err != nil {
				s.logger.Warn("session summary update failed",
					zap.String("session_id", session.SessionID), zap.Error(err))
			} else {
				session.Summary = summary
			}
		}
	}
	return session, nil
}

// turnContext carries one turn's state between pipeline steps.
type turnContext struct {
	input   models.TurnInput
	session *models.ChatSession
	mode    models.TurnMode

	snippets []retrieval.Snippet
	current  []*models.Story
	target   *models.Story

	history []llm.Message
	result  *llm.StreamResult
	reply   string
	refs    []llm.ReferenceDoc

	persisted []*models.Story
}

func (s *conversationService) RunTurn(ctx context.Context, clientCtx context.Context, input models.TurnInput, out chan<- models.OutboundEvent) error {
	tc := &turnContext{input: input, mode: input.Mode()}
	log := s.logger.With(
		zap.String("session_id", input.SessionID),
		zap.Int("round", input.RoundNumber),
		zap.String("mode", tc.mode.String()))

	deliver := func(ev models.OutboundEvent) {
		if clientCtx.Err() != nil {
			return
		}
		select {
		case <-clientCtx.Done():
		case out <- ev:
		}
	}

	err := s.runPipeline(ctx, clientCtx, tc, deliver, log)
	if err != nil {
		log.Error("turn failed", zap.Error(err))
		deliver(models.NewFailed(err, tc.reply))
		return err
	}

	deliver(models.NewRecordsReady(&models.TurnResult{
		Reply:          tc.reply,
		Stories:        tc.persisted,
		ConversationID: tc.session.ID,
		SessionID:      tc.session.SessionID,
	}))
	log.Info("turn completed", zap.Int("stories", len(tc.persisted)))
	return nil
}

func (s *conversationService) runPipeline(ctx context.Context, clientCtx context.Context, tc *turnContext, deliver func(models.OutboundEvent), log *zap.Logger) error {
	if err := s.loadSession(ctx, tc); err != nil {
		return err
	}
	if err := s.checkSequence(ctx, tc); err != nil {
		return err
	}
	if err := s.persistUserMessage(ctx, tc); err != nil {
		return err
	}
	s.retrieveKnowledge(ctx, tc, log)
	if err := s.loadStories(ctx, tc); err != nil {
		return err
	}
	if err := s.composePrompt(ctx, tc); err != nil {
		return err
	}
	if err := s.invokeModel(ctx, clientCtx, tc, deliver); err != nil {
		return err
	}
	if err := s.extractAndPersist(ctx, tc, log); err != nil {
		return err
	}
	if err := s.persistAssistantMessage(ctx, tc); err != nil {
		return err
	}
	s.saveCheckpoint(ctx, tc, log)
	return nil
}

func (s *conversationService) loadSession(ctx context.Context, tc *turnContext) error {
	session, err := s.sessions.GetBySessionID(ctx, tc.input.SessionID)
	if err != nil {
		return err
	}
	tc.session = session
	if tc.input.ConversationID == 0 {
		tc.input.ConversationID = session.ID
	}
	if tc.input.TargetStoryUUID == nil && session.StoryUUID != nil {
		tc.input.TargetStoryUUID = session.StoryUUID
		tc.mode = models.TurnModeRecordEdit
	}
	return nil
}

// checkSequence rejects out-of-order rounds before anything is written.
func (s *conversationService) checkSequence(ctx context.Context, tc *turnContext) error {
	last, err := s.messages.LastRound(ctx, tc.input.SessionID)
	if err != nil {
		return err
	}
	if tc.input.RoundNumber != last+1 {
		return fmt.Errorf("%w: round %d after round %d", apperrors.ErrSequence, tc.input.RoundNumber, last)
	}
	return nil
}

func (s *conversationService) persistUserMessage(ctx context.Context, tc *turnContext) error {
	promptID := tc.input.PromptID
	msg := &models.ChatMessage{
		ConversationID: tc.session.ID,
		SessionID:      tc.input.SessionID,
		Role:           models.ChatRoleUser,
		Content:        tc.input.UserInput,
		RoundNumber:    tc.input.RoundNumber,
		RefDocumentIDs: joinIDs(tc.input.DocumentIDs),
		CreateBy:       tc.input.Operator,
	}
	if promptID != 0 {
		msg.PromptID = &promptID
	}
	return s.messages.Save(ctx, msg)
}

// retrieveKnowledge is best effort: a failed retrieval logs a warning and the
// turn proceeds ungrounded.
func (s *conversationService) retrieveKnowledge(ctx context.Context, tc *turnContext, log *zap.Logger) {
	if s.retriever == nil || tc.input.KnowledgeBaseID == nil {
		return
	}
	snippets, err := s.retriever.Retrieve(ctx, tc.input.UserInput, *tc.input.KnowledgeBaseID)
	if err != nil {
		log.Warn("knowledge retrieval failed", zap.Error(err))
		return
	}
	tc.snippets = snippets
}

func (s *conversationService) loadStories(ctx context.Context, tc *turnContext) error {
	if tc.mode == models.TurnModeRecordEdit {
		target, err := s.stories.CurrentByUUID(ctx, *tc.input.TargetStoryUUID)
		if err != nil {
			return err
		}
		tc.target = target
		tc.current = []*models.Story{target}
		return nil
	}

	current, err := s.stories.CurrentByConversation(ctx, tc.session.ID)
	if err != nil {
		return err
	}
	tc.current = current
	return nil
}

func (s *conversationService) composePrompt(ctx context.Context, tc *turnContext) error {
	var storiesJSON string
	if len(tc.current) > 0 && (tc.input.RoundNumber > 1 || tc.mode == models.TurnModeRecordEdit) {
		rendered, err := s.stories.StoriesJSON(tc.current)
		if err != nil {
			return err
		}
		storiesJSON = rendered
	}

	userMsg := llm.Message{
		Role:    llm.RoleUser,
		Content: prompts.BuildUserMessage(tc.input.UserInput, tc.snippets, storiesJSON),
	}

	if tc.input.RoundNumber > 1 {
		if history, ok := s.loadCheckpoint(ctx, tc); ok {
			tc.history = append(history, userMsg)
			return nil
		}
	}
	tc.history = []llm.Message{
		{Role: llm.RoleSystem, Content: prompts.ChooseSystem(tc.input.RoundNumber, tc.mode)},
		userMsg,
	}
	return nil
}

func (s *conversationService) loadCheckpoint(ctx context.Context, tc *turnContext) ([]llm.Message, bool) {
	raw, err := s.sessions.LoadCheckpoint(ctx, tc.input.SessionID)
	if err != nil || len(raw) == 0 {
		return nil, false
	}
	var history []llm.Message
	if err := json.Unmarshal(raw, &history); err != nil {
		s.logger.Warn("discarding unreadable checkpoint",
			zap.String("session_id", tc.input.SessionID), zap.Error(err))
		return nil, false
	}
	return history, len(history) > 0
}

// invokeModel streams the model call. The stream producer and the delta
// forwarder run concurrently; delivery stops when the client goes away but
// the stream is always drained so the result is complete.
func (s *conversationService) invokeModel(ctx context.Context, clientCtx context.Context, tc *turnContext, deliver func(models.OutboundEvent)) error {
	events := make(chan llm.StreamEvent, 64)

	var result *llm.StreamResult
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(events)
		res, err := s.gateway.StreamChat(gctx, tc.input.SessionID, tc.history, events)
		if err != nil {
			return err
		}
		result = res
		return nil
	})
	g.Go(func() error {
		for ev := range events {
			switch ev.Kind {
			case llm.EventThinkText:
				deliver(models.NewThinkDelta(ev.Content))
			case llm.EventAnswerText:
				deliver(models.NewAnswerDelta(ev.Content))
			}
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}

	if strings.TrimSpace(result.Answer) == "" && result.BlockPayload == "" {
		return fmt.Errorf("%w: session %s round %d", apperrors.ErrEmptyModelResponse, tc.input.SessionID, tc.input.RoundNumber)
	}
	tc.result = result
	return nil
}

// extractAndPersist turns the completed answer into story writes. A turn
// whose answer carries no story block is a plain conversational reply, not
// an error; the stored set is returned untouched.
func (s *conversationService) extractAndPersist(ctx context.Context, tc *turnContext, log *zap.Logger) error {
	answer := tc.result.Answer
	if tc.mode == models.TurnModeRecordEdit {
		tc.refs, answer = llm.SplitReferencePrefix(answer)
	}
	tc.reply = strings.TrimSpace(llm.StripThinking(answer))

	kind, payload := tc.result.Block, tc.result.BlockPayload
	if payload == "" {
		kind, payload, _ = llm.ExtractFencedPayload(llm.FlattenTranscript(tc.result.Think, answer))
	}
	if payload == "" || kind != llm.BlockJSON {
		if payload != "" {
			log.Info("ignoring non-story block", zap.String("kind", string(kind)))
		}
		tc.persisted = tc.current
		return nil
	}

	payloads, err := models.ParseStoryPayloads(payload)
	if err != nil {
		log.Warn("story payload did not parse, treating as plain reply", zap.Error(err))
		tc.persisted = tc.current
		return nil
	}
	if len(payloads) == 0 {
		tc.persisted = tc.current
		return nil
	}

	if tc.mode == models.TurnModeRecordEdit {
		revised, err := s.stories.ReviseOne(ctx, tc.target.UUID, payloads[0], tc.input.Operator)
		if err != nil {
			return err
		}
		tc.persisted = []*models.Story{revised}
		return nil
	}

	payloads = s.stories.EnrichBackgrounds(ctx, tc.input.SessionID, payloads)
	persisted, err := s.stories.ApplyTurnPayloads(ctx, tc.session.ID, payloads, tc.input.Operator)
	if err != nil {
		return err
	}
	tc.persisted = persisted
	return nil
}

func (s *conversationService) persistAssistantMessage(ctx context.Context, tc *turnContext) error {
	return s.messages.Save(ctx, &models.ChatMessage{
		ConversationID:   tc.session.ID,
		SessionID:        tc.input.SessionID,
		Role:             models.ChatRoleAssistant,
		Content:          tc.reply,
		ThinkContent:     tc.result.Think,
		RoundNumber:      tc.input.RoundNumber,
		CitedDocumentIDs: refDocNames(tc.refs),
		CreateBy:         tc.input.Operator,
	})
}

// saveCheckpoint persists the prompt history including the new exchange.
// Losing a checkpoint degrades the next prompt, it does not fail the turn.
func (s *conversationService) saveCheckpoint(ctx context.Context, tc *turnContext, log *zap.Logger) {
	history := append(tc.history, llm.Message{Role: llm.RoleAssistant, Content: tc.reply})
	raw, err := json.Marshal(history)
	if err != nil {
		log.Warn("checkpoint marshal failed", zap.Error(err))
		return
	}
	if err := s.sessions.SaveCheckpoint(ctx, tc.input.SessionID, raw); err != nil {
		log.Warn("checkpoint save failed", zap.Error(err))
	}
}

func (s *conversationService) ListSessions(ctx context.Context, creator, projectKey string) ([]*models.ChatSession, error) {
	return s.sessions.ListByCreator(ctx, creator, projectKey)
}

func (s *conversationService) SessionDetail(ctx context.Context, sessionID string) (*SessionDetail, error) {
	session, err := s.sessions.GetBySessionID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	messages, err := s.messages.ListBySession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	stories, err := s.stories.CurrentByConversation(ctx, session.ID)
	if err != nil {
		return nil, err
	}
	return &SessionDetail{Session: session, Messages: messages, Stories: stories}, nil
}

func (s *conversationService) DeleteConversation(ctx context.Context, sessionID, operator string) error {
	session, err := s.sessions.GetBySessionID(ctx, sessionID)
	if err != nil {
		return err
	}
	if err := s.sessions.SoftDelete(ctx, sessionID, operator); err != nil {
		return err
	}
	if err := s.messages.SoftDeleteBySession(ctx, sessionID); err != nil {
		return err
	}
	return s.stories.DeleteByConversation(ctx, session.ID, operator)
}

func joinIDs(ids []int64) string {
	if len(ids) == 0 {
		return ""
	}
	parts := make([]string, 0, len(ids))
	for _, id := range ids {
		parts = append(parts, strconv.FormatInt(id, 10))
	}
	return strings.Join(parts, ",")
}

func refDocNames(refs []llm.ReferenceDoc) string {
	if len(refs) == 0 {
		return ""
	}
	names := make([]string, 0, len(refs))
	for _, r := range refs {
		names = append(names, r.Name)
	}
	return strings.Join(names, ",")
}
