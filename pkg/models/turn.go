package models

import "github.com/google/uuid"

// TurnMode selects the orchestration path, decided once at turn start from
// the presence of TargetStoryUUID.
type TurnMode int

const (
	// TurnModeConversation generates or updates the conversation's story set.
	TurnModeConversation TurnMode = iota
	// TurnModeRecordEdit edits exactly one existing story card.
	TurnModeRecordEdit
)

func (m TurnMode) String() string {
	if m == TurnModeRecordEdit {
		return "record_edit"
	}
	return "conversation"
}

// TurnInput describes one conversation turn. Immutable once the orchestrator
// starts; RoundNumber must be exactly one past the last persisted round.
type TurnInput struct {
	SessionID       string
	ConversationID  int64
	PromptID        int64
	RoundNumber     int
	UserInput       string
	KnowledgeBaseID *int64
	DocumentIDs     []int64
	TargetStoryUUID *uuid.UUID
	Operator        string
}

// Mode returns the orchestration path for this input.
func (in *TurnInput) Mode() TurnMode {
	if in.TargetStoryUUID != nil {
		return TurnModeRecordEdit
	}
	return TurnModeConversation
}

// OutboundEventType discriminates events streamed back to the caller.
type OutboundEventType string

const (
	OutboundThinkDelta   OutboundEventType = "think_delta"
	OutboundAnswerDelta  OutboundEventType = "answer_delta"
	OutboundRecordsReady OutboundEventType = "records_ready"
	OutboundFailed       OutboundEventType = "failed"
)

// OutboundEvent is one frame delivered to the caller while a turn runs.
// Think/Answer deltas arrive live; RecordsReady or Failed terminates the
// sequence. A Failed frame after deltas does not invalidate what was already
// delivered.
type OutboundEvent struct {
	Type   OutboundEventType `json:"type"`
	Delta  string            `json:"delta,omitempty"`
	Result *TurnResult       `json:"result,omitempty"`
	Error  string            `json:"error,omitempty"`
}

// TurnResult is the final payload of a successful turn.
type TurnResult struct {
	Reply          string   `json:"reply"`
	Stories        []*Story `json:"records"`
	ConversationID int64    `json:"conversation_id"`
	SessionID      string   `json:"session_id"`
}

// NewThinkDelta builds a live reasoning-text frame.
func NewThinkDelta(text string) OutboundEvent {
	return OutboundEvent{Type: OutboundThinkDelta, Delta: text}
}

// NewAnswerDelta builds a live answer-text frame.
func NewAnswerDelta(text string) OutboundEvent {
	return OutboundEvent{Type: OutboundAnswerDelta, Delta: text}
}

// NewRecordsReady builds the terminal success frame.
func NewRecordsReady(result *TurnResult) OutboundEvent {
	return OutboundEvent{Type: OutboundRecordsReady, Result: result}
}

// NewFailed builds the terminal failure frame. reply carries any answer text
// the model already produced, so a failure after a successful model call does
// not discard the generated text.
func NewFailed(err error, reply string) OutboundEvent {
	ev := OutboundEvent{Type: OutboundFailed, Error: err.Error()}
	if reply != "" {
		ev.Result = &TurnResult{Reply: reply}
	}
	return ev
}
