package repositories

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/storyforge-ai/story-engine/pkg/apperrors"
	"github.com/storyforge-ai/story-engine/pkg/database"
	"github.com/storyforge-ai/story-engine/pkg/models"
)

// MessageRepository persists the append-only chat log.
type MessageRepository interface {
	Save(ctx context.Context, msg *models.ChatMessage) error

	// LastRound returns the highest persisted round number for a session,
	// zero when the session has no messages yet.
	LastRound(ctx context.Context, sessionID string) (int, error)

	ListBySession(ctx context.Context, sessionID string) ([]*models.ChatMessage, error)
	SoftDeleteBySession(ctx context.Context, sessionID string) error
}

type messageRepository struct {
	db     *database.DB
	logger *zap.Logger
}

var _ MessageRepository = (*messageRepository)(nil)

// NewMessageRepository creates a message repository.
func NewMessageRepository(db *database.DB, logger *zap.Logger) MessageRepository {
	return &messageRepository{db: db, logger: logger.Named("message_repository")}
}

func (r *messageRepository) Save(ctx context.Context, msg *models.ChatMessage) error {
	query := `
		INSERT INTO chat_messages (
			conversation_id, session_id, role, content, think_content,
			prompt_id, ref_document_ids, cited_document_ids, round_number, create_by
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id, create_time`

	err := r.db.QueryRow(ctx, query,
		msg.ConversationID, msg.SessionID, msg.Role, msg.Content, nullIfEmpty(msg.ThinkContent),
		msg.PromptID, nullIfEmpty(msg.RefDocumentIDs), nullIfEmpty(msg.CitedDocumentIDs), msg.RoundNumber, msg.CreateBy,
	).Scan(&msg.ID, &msg.CreateTime)
	if err != nil {
		return fmt.Errorf("%w: save message: %v", apperrors.ErrPersistence, err)
	}
	return nil
}

func (r *messageRepository) LastRound(ctx context.Context, sessionID string) (int, error) {
	query := `
		SELECT COALESCE(MAX(round_number), 0)
		FROM chat_messages
		WHERE session_id = $1 AND NOT is_deleted`

	var round int
	if err := r.db.QueryRow(ctx, query, sessionID).Scan(&round); err != nil {
		return 0, fmt.Errorf("%w: last round: %v", apperrors.ErrPersistence, err)
	}
	return round, nil
}

func (r *messageRepository) ListBySession(ctx context.Context, sessionID string) ([]*models.ChatMessage, error) {
	query := `
		SELECT id, conversation_id, session_id, role, content,
			COALESCE(think_content, ''), prompt_id,
			COALESCE(ref_document_ids, ''), COALESCE(cited_document_ids, ''),
			round_number, COALESCE(create_by, ''), create_time
		FROM chat_messages
		WHERE session_id = $1 AND NOT is_deleted
		ORDER BY round_number, id`

	rows, err := r.db.Query(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("%w: query messages: %v", apperrors.ErrPersistence, err)
	}
	defer rows.Close()

	var messages []*models.ChatMessage
	for rows.Next() {
		var m models.ChatMessage
		if err := rows.Scan(
			&m.ID, &m.ConversationID, &m.SessionID, &m.Role, &m.Content,
			&m.ThinkContent, &m.PromptID,
			&m.RefDocumentIDs, &m.CitedDocumentIDs,
			&m.RoundNumber, &m.CreateBy, &m.CreateTime,
		); err != nil {
			return nil, fmt.Errorf("%w: scan message: %v", apperrors.ErrPersistence, err)
		}
		messages = append(messages, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate messages: %v", apperrors.ErrPersistence, err)
	}
	return messages, nil
}

func (r *messageRepository) SoftDeleteBySession(ctx context.Context, sessionID string) error {
	query := `
		UPDATE chat_messages
		SET is_deleted = TRUE
		WHERE session_id = $1 AND NOT is_deleted`

	if _, err := r.db.Exec(ctx, query, sessionID); err != nil {
		return fmt.Errorf("%w: soft delete messages: %v", apperrors.ErrPersistence, err)
	}
	return nil
}

// nullIfEmpty maps empty strings to SQL NULL so optional text columns stay
// NULL rather than collecting empty strings.
func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
