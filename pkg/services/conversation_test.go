package services

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/storyforge-ai/story-engine/pkg/apperrors"
	"github.com/storyforge-ai/story-engine/pkg/llm"
	"github.com/storyforge-ai/story-engine/pkg/models"
)

type conversationFixture struct {
	sessions  *fakeSessionRepo
	messages  *fakeMessageRepo
	stories   *fakeStoryRepo
	gateway   *llm.MockGateway
	retriever *fakeRetriever
	svc       ConversationService
}

func newConversationFixture() *conversationFixture {
	f := &conversationFixture{
		sessions:  newFakeSessionRepo(),
		messages:  &fakeMessageRepo{},
		stories:   &fakeStoryRepo{},
		gateway:   &llm.MockGateway{},
		retriever: &fakeRetriever{},
	}
	logger := zap.NewNop()
	storySvc := NewStoryService(f.stories, f.gateway, logger)
	f.svc = NewConversationService(f.sessions, f.messages, storySvc, f.gateway, f.retriever, logger)
	return f
}

func (f *conversationFixture) newSession(t *testing.T, storyUUID *uuid.UUID) *models.ChatSession {
	t.Helper()
	session := &models.ChatSession{SessionID: uuid.NewString(), CreateBy: "alice", StoryUUID: storyUUID}
	require.NoError(t, f.sessions.Create(context.Background(), session))
	return session
}

func (f *conversationFixture) runTurn(t *testing.T, ctx, clientCtx context.Context, input models.TurnInput) ([]models.OutboundEvent, error) {
	t.Helper()
	out := make(chan models.OutboundEvent, 256)
	err := f.svc.RunTurn(ctx, clientCtx, input, out)
	close(out)
	var events []models.OutboundEvent
	for ev := range out {
		events = append(events, ev)
	}
	return events, err
}

// storyBlockRecord builds an envelope data record whose value is a fenced
// story payload followed by trailing prose.
func storyBlockRecord(t *testing.T, payload any, trailing string) string {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	value := "```json\n" + string(raw) + "\n```" + trailing
	wrapped, err := json.Marshal(map[string]string{"data": value})
	require.NoError(t, err)
	return "data:" + string(wrapped)
}

func TestRunTurn_FirstRoundCreatesStories(t *testing.T) {
	f := newConversationFixture()
	f.gateway.CompleteText = "Shared background."
	session := f.newSession(t, nil)

	f.gateway.Script = []string{
		"think:breaking down the requirement",
		storyBlockRecord(t, []map[string]any{
			{"Summary": "login", "jira_is_new": true},
			{"Summary": "signup", "jira_is_new": true},
		}, " Here are the stories."),
	}

	events, err := f.runTurn(t, context.Background(), context.Background(), models.TurnInput{
		SessionID:   session.SessionID,
		RoundNumber: 1,
		UserInput:   "I need an auth system",
		Operator:    "alice",
	})
	require.NoError(t, err)
	require.NotEmpty(t, events)

	final := events[len(events)-1]
	require.Equal(t, models.OutboundRecordsReady, final.Type)
	require.Len(t, final.Result.Stories, 2)
	assert.Equal(t, 1, final.Result.Stories[0].Order)
	assert.Equal(t, 2, final.Result.Stories[1].Order)
	assert.Equal(t, "Shared background.", final.Result.Stories[0].Background)
	assert.Contains(t, final.Result.Reply, "Here are the stories.")
	assert.Equal(t, session.ID, final.Result.ConversationID)

	var sawThink, sawAnswer bool
	for _, ev := range events[:len(events)-1] {
		switch ev.Type {
		case models.OutboundThinkDelta:
			sawThink = true
		case models.OutboundAnswerDelta:
			sawAnswer = true
		}
	}
	assert.True(t, sawThink)
	assert.True(t, sawAnswer)

	// Both sides of the exchange are logged with the reasoning preserved.
	logged, err := f.messages.ListBySession(context.Background(), session.SessionID)
	require.NoError(t, err)
	require.Len(t, logged, 2)
	assert.Equal(t, models.ChatRoleUser, logged[0].Role)
	assert.Equal(t, models.ChatRoleAssistant, logged[1].Role)
	assert.Equal(t, "breaking down the requirement", logged[1].ThinkContent)

	checkpoint, err := f.sessions.LoadCheckpoint(context.Background(), session.SessionID)
	require.NoError(t, err)
	assert.NotEmpty(t, checkpoint)
}

func TestRunTurn_SecondRoundRevisesViaCheckpoint(t *testing.T) {
	f := newConversationFixture()
	f.gateway.CompleteText = "bg"
	session := f.newSession(t, nil)

	f.gateway.Script = []string{
		"think:t",
		storyBlockRecord(t, []map[string]any{{"Summary": "login", "jira_is_new": true}}, ""),
	}
	_, err := f.runTurn(t, context.Background(), context.Background(), models.TurnInput{
		SessionID: session.SessionID, RoundNumber: 1, UserInput: "auth", Operator: "alice",
	})
	require.NoError(t, err)

	stored, err := f.stories.FindCurrentByConversation(context.Background(), session.ID)
	require.NoError(t, err)
	require.Len(t, stored, 1)

	f.gateway.Script = []string{
		"think:revising",
		storyBlockRecord(t, []map[string]any{
			{"Summary": "login with MFA", "UUID": stored[0].UUID.String(), "jira_is_new": false},
		}, ""),
	}
	events, err := f.runTurn(t, context.Background(), context.Background(), models.TurnInput{
		SessionID: session.SessionID, RoundNumber: 2, UserInput: "add MFA", Operator: "alice",
	})
	require.NoError(t, err)

	final := events[len(events)-1]
	require.Equal(t, models.OutboundRecordsReady, final.Type)
	require.Len(t, final.Result.Stories, 1)
	assert.Equal(t, stored[0].UUID, final.Result.Stories[0].UUID)
	assert.Equal(t, "login with MFA", final.Result.Stories[0].Summary)
	assert.Equal(t, 1, f.stories.liveCount(stored[0].UUID))

	// The second prompt is built from the checkpointed history plus the new
	// user message, not from scratch.
	lastCall := f.gateway.Calls[len(f.gateway.Calls)-1]
	require.GreaterOrEqual(t, len(lastCall), 3)
	assert.Equal(t, llm.RoleAssistant, lastCall[len(lastCall)-2].Role)
	assert.Contains(t, lastCall[len(lastCall)-1].Content, "add MFA")
}

func TestRunTurn_LaterRoundStillEnrichesBackgrounds(t *testing.T) {
	f := newConversationFixture()
	f.gateway.CompleteText = "Shared background."
	session := f.newSession(t, nil)

	f.gateway.Script = []string{
		"think:t",
		storyBlockRecord(t, []map[string]any{
			{"Summary": "login", "Background": "written by the model", "jira_is_new": true},
		}, ""),
	}
	_, err := f.runTurn(t, context.Background(), context.Background(), models.TurnInput{
		SessionID: session.SessionID, RoundNumber: 1, UserInput: "auth", Operator: "alice",
	})
	require.NoError(t, err)
	assert.Empty(t, f.gateway.CompleteCalls)

	f.gateway.Script = []string{
		"think:t",
		storyBlockRecord(t, []map[string]any{{"Summary": "checkout", "jira_is_new": true}}, ""),
	}
	events, err := f.runTurn(t, context.Background(), context.Background(), models.TurnInput{
		SessionID: session.SessionID, RoundNumber: 2, UserInput: "add checkout", Operator: "alice",
	})
	require.NoError(t, err)

	// A continuation turn's new stories get the batch background too, not
	// just the opening batch.
	final := events[len(events)-1]
	require.Equal(t, models.OutboundRecordsReady, final.Type)
	require.Len(t, final.Result.Stories, 1)
	assert.Equal(t, "Shared background.", final.Result.Stories[0].Background)
	require.Len(t, f.gateway.CompleteCalls, 1)
}

func TestRunTurn_OutOfSequenceRoundWritesNothing(t *testing.T) {
	f := newConversationFixture()
	session := f.newSession(t, nil)

	events, err := f.runTurn(t, context.Background(), context.Background(), models.TurnInput{
		SessionID: session.SessionID, RoundNumber: 2, UserInput: "skip ahead", Operator: "alice",
	})
	require.ErrorIs(t, err, apperrors.ErrSequence)

	require.Len(t, events, 1)
	assert.Equal(t, models.OutboundFailed, events[0].Type)
	assert.Zero(t, f.messages.count(session.SessionID))
	assert.Empty(t, f.gateway.Calls)
}

func TestRunTurn_RetrieverFailureIsBestEffort(t *testing.T) {
	f := newConversationFixture()
	f.gateway.CompleteText = "bg"
	f.retriever.err = assert.AnError
	session := f.newSession(t, nil)

	f.gateway.Script = []string{
		"think:t",
		storyBlockRecord(t, []map[string]any{{"Summary": "s", "jira_is_new": true}}, ""),
	}
	kb := int64(42)
	events, err := f.runTurn(t, context.Background(), context.Background(), models.TurnInput{
		SessionID: session.SessionID, RoundNumber: 1, UserInput: "auth",
		KnowledgeBaseID: &kb, Operator: "alice",
	})
	require.NoError(t, err)
	assert.Equal(t, 1, f.retriever.calls)
	assert.Equal(t, models.OutboundRecordsReady, events[len(events)-1].Type)
}

func TestRunTurn_EmptyModelResponse(t *testing.T) {
	f := newConversationFixture()
	session := f.newSession(t, nil)
	f.gateway.Script = nil

	events, err := f.runTurn(t, context.Background(), context.Background(), models.TurnInput{
		SessionID: session.SessionID, RoundNumber: 1, UserInput: "auth", Operator: "alice",
	})
	require.ErrorIs(t, err, apperrors.ErrEmptyModelResponse)
	assert.Equal(t, models.OutboundFailed, events[len(events)-1].Type)

	// The user message is logged before the model call and stays.
	assert.Equal(t, 1, f.messages.count(session.SessionID))
}

func TestRunTurn_PlainReplyWithoutBlock(t *testing.T) {
	f := newConversationFixture()
	session := f.newSession(t, nil)

	f.gateway.Script = []string{
		"think:t",
		"data:Could you tell me more about the users?",
	}
	events, err := f.runTurn(t, context.Background(), context.Background(), models.TurnInput{
		SessionID: session.SessionID, RoundNumber: 1, UserInput: "vague idea", Operator: "alice",
	})
	require.NoError(t, err)

	final := events[len(events)-1]
	require.Equal(t, models.OutboundRecordsReady, final.Type)
	assert.Empty(t, final.Result.Stories)
	assert.Equal(t, "Could you tell me more about the users?", final.Result.Reply)
}

func TestRunTurn_PersistenceFailureAfterAnswer(t *testing.T) {
	f := newConversationFixture()
	f.gateway.CompleteText = "bg"
	session := f.newSession(t, nil)
	f.stories.failInsert = apperrors.ErrPersistence

	f.gateway.Script = []string{
		"think:t",
		storyBlockRecord(t, []map[string]any{{"Summary": "s", "jira_is_new": true}}, " draft below"),
	}
	events, err := f.runTurn(t, context.Background(), context.Background(), models.TurnInput{
		SessionID: session.SessionID, RoundNumber: 1, UserInput: "auth", Operator: "alice",
	})
	require.ErrorIs(t, err, apperrors.ErrPersistence)

	// Deltas were already delivered; the terminal frame reports the failure
	// but still carries the generated answer, which is expensive to redo.
	require.Greater(t, len(events), 1)
	assert.Equal(t, models.OutboundThinkDelta, events[0].Type)
	final := events[len(events)-1]
	assert.Equal(t, models.OutboundFailed, final.Type)
	require.NotNil(t, final.Result)
	assert.Contains(t, final.Result.Reply, "draft below")
}

func TestRunTurn_ClientGoneButPipelinePersists(t *testing.T) {
	f := newConversationFixture()
	f.gateway.CompleteText = "bg"
	session := f.newSession(t, nil)

	f.gateway.Script = []string{
		"think:t",
		storyBlockRecord(t, []map[string]any{{"Summary": "s", "jira_is_new": true}}, ""),
	}
	clientCtx, cancel := context.WithCancel(context.Background())
	cancel()

	events, err := f.runTurn(t, context.Background(), clientCtx, models.TurnInput{
		SessionID: session.SessionID, RoundNumber: 1, UserInput: "auth", Operator: "alice",
	})
	require.NoError(t, err)
	assert.Empty(t, events)

	stored, err := f.stories.FindCurrentByConversation(context.Background(), session.ID)
	require.NoError(t, err)
	assert.Len(t, stored, 1)
	assert.Equal(t, 2, f.messages.count(session.SessionID))
}

func TestRunTurn_RecordEditRevisesSingleCard(t *testing.T) {
	f := newConversationFixture()

	target := &models.Story{
		ConversationID: 0, // set after session creation
		UUID:           uuid.New(),
		Version:        models.CurrentVersion,
		Order:          1,
		Summary:        "login",
	}
	session := f.newSession(t, &target.UUID)
	target.ConversationID = session.ID
	require.NoError(t, f.stories.Insert(context.Background(), target))

	refs := `[{"referenceDoc":"auth.md","referencePath":"/kb/auth.md"}]`
	f.gateway.Script = []string{
		`data:{"data":` + mustJSON(t, refs) + `}`,
		"think:editing the card",
		storyBlockRecord(t, []map[string]any{
			{"Summary": "login via SSO", "UUID": target.UUID.String(), "jira_is_new": false},
		}, " done"),
	}

	events, err := f.runTurn(t, context.Background(), context.Background(), models.TurnInput{
		SessionID: session.SessionID, RoundNumber: 1, UserInput: "switch to SSO", Operator: "alice",
	})
	require.NoError(t, err)

	final := events[len(events)-1]
	require.Equal(t, models.OutboundRecordsReady, final.Type)
	require.Len(t, final.Result.Stories, 1)
	assert.Equal(t, target.UUID, final.Result.Stories[0].UUID)
	assert.Equal(t, "login via SSO", final.Result.Stories[0].Summary)
	assert.Equal(t, 1, f.stories.liveCount(target.UUID))

	logged, err := f.messages.ListBySession(context.Background(), session.SessionID)
	require.NoError(t, err)
	require.Len(t, logged, 2)
	assert.Equal(t, "auth.md", logged[1].CitedDocumentIDs)
}

func TestInitSession_GeneratesSummary(t *testing.T) {
	f := newConversationFixture()
	f.gateway.CompleteText = "Auth system planning"

	session, err := f.svc.InitSession(context.Background(), InitSessionRequest{
		FirstInput: "I need an auth system",
		Operator:   "alice",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, session.SessionID)
	assert.Equal(t, "Auth system planning", session.Summary)
	require.Len(t, f.gateway.CompleteCalls, 1)
	assert.Contains(t, f.gateway.CompleteCalls[0], "/no_think")
}

func TestInitSession_SummaryFailureIsNotFatal(t *testing.T) {
	f := newConversationFixture()
	f.gateway.CompleteErr = assert.AnError

	session, err := f.svc.InitSession(context.Background(), InitSessionRequest{
		FirstInput: "idea", Operator: "alice",
	})
	require.NoError(t, err)
	assert.Empty(t, session.Summary)
}

func TestDeleteConversation_Cascades(t *testing.T) {
	f := newConversationFixture()
	session := f.newSession(t, nil)
	seedStory(t, f.stories, session.ID, 1, "s")
	require.NoError(t, f.messages.Save(context.Background(), &models.ChatMessage{
		ConversationID: session.ID, SessionID: session.SessionID,
		Role: models.ChatRoleUser, Content: "hi", RoundNumber: 1,
	}))

	require.NoError(t, f.svc.DeleteConversation(context.Background(), session.SessionID, "alice"))

	_, err := f.sessions.GetBySessionID(context.Background(), session.SessionID)
	require.ErrorIs(t, err, apperrors.ErrNotFound)
	assert.Zero(t, f.messages.count(session.SessionID))
	stored, err := f.stories.FindCurrentByConversation(context.Background(), session.ID)
	require.NoError(t, err)
	assert.Empty(t, stored)
}

func TestSessionDetail(t *testing.T) {
	f := newConversationFixture()
	session := f.newSession(t, nil)
	seedStory(t, f.stories, session.ID, 1, "s")

	detail, err := f.svc.SessionDetail(context.Background(), session.SessionID)
	require.NoError(t, err)
	assert.Equal(t, session.SessionID, detail.Session.SessionID)
	assert.Len(t, detail.Stories, 1)
}

func mustJSON(t *testing.T, s string) string {
	t.Helper()
	raw, err := json.Marshal(s)
	require.NoError(t, err)
	return string(raw)
}
