package models

import (
	"time"

	"github.com/google/uuid"
)

// Chat message roles.
const (
	ChatRoleUser      = "user"
	ChatRoleAssistant = "assistant"
)

// Session status values.
const (
	SessionStatusActive = "active"
	SessionStatusClosed = "closed"
)

// ChatSession is one multi-turn conversation. SessionID is the external
// identifier callers resume with; ID is the conversation's row identity that
// stories and messages hang off.
type ChatSession struct {
	ID         int64      `json:"conversation_id"`
	SessionID  string     `json:"session_id"`
	ProjectKey string     `json:"project_key,omitempty"`
	Summary    string     `json:"summary,omitempty"`
	Status     string     `json:"status"`
	StoryUUID  *uuid.UUID `json:"story_uuid,omitempty"` // set when the session edits a single card

	CreateBy   string    `json:"create_by,omitempty"`
	ModifyBy   string    `json:"modify_by,omitempty"`
	CreateTime time.Time `json:"create_time"`
	ModifyTime time.Time `json:"modify_time"`
	IsDeleted  bool      `json:"-"`
}

// ChatMessage is one logged message inside a turn. Append-only; rows are
// never mutated, only soft-deleted when the whole conversation is deleted.
type ChatMessage struct {
	ID               int64  `json:"id"`
	ConversationID   int64  `json:"conversation_id"`
	SessionID        string `json:"session_id"`
	Role             string `json:"role"`
	Content          string `json:"content"`
	ThinkContent     string `json:"think_content,omitempty"`
	PromptID         *int64 `json:"prompt_id,omitempty"`
	RefDocumentIDs   string `json:"ref_document_ids,omitempty"`
	CitedDocumentIDs string `json:"cited_document_ids,omitempty"`
	RoundNumber      int    `json:"round_number"`

	CreateBy   string    `json:"create_by,omitempty"`
	CreateTime time.Time `json:"create_time"`
	IsDeleted  bool      `json:"-"`
}
