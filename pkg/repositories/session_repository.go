package repositories

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/storyforge-ai/story-engine/pkg/apperrors"
	"github.com/storyforge-ai/story-engine/pkg/database"
	"github.com/storyforge-ai/story-engine/pkg/models"
)

// SessionRepository persists conversations and their prompt checkpoints. The
// checkpoint is an opaque JSON document owned by the orchestrator; the store
// round-trips it without inspecting it.
type SessionRepository interface {
	Create(ctx context.Context, session *models.ChatSession) error
	GetBySessionID(ctx context.Context, sessionID string) (*models.ChatSession, error)
	ListByCreator(ctx context.Context, creator, projectKey string) ([]*models.ChatSession, error)
	UpdateSummary(ctx context.Context, sessionID, summary string) error
	SoftDelete(ctx context.Context, sessionID string, operator string) error

	SaveCheckpoint(ctx context.Context, sessionID string, checkpoint []byte) error
	LoadCheckpoint(ctx context.Context, sessionID string) ([]byte, error)
}

type sessionRepository struct {
	db     *database.DB
	logger *zap.Logger
}

var _ SessionRepository = (*sessionRepository)(nil)

// NewSessionRepository creates a session repository.
func NewSessionRepository(db *database.DB, logger *zap.Logger) SessionRepository {
	return &sessionRepository{db: db, logger: logger.Named("session_repository")}
}

func (r *sessionRepository) Create(ctx context.Context, session *models.ChatSession) error {
	query := `
		INSERT INTO chat_sessions (
			session_id, project_key, summary, status, story_uuid, create_by, modify_by
		) VALUES ($1, $2, $3, $4, $5, $6, $6)
		RETURNING id, create_time, modify_time`

	status := session.Status
	if status == "" {
		status = models.SessionStatusActive
	}
	err := r.db.QueryRow(ctx, query,
		session.SessionID, nullIfEmpty(session.ProjectKey), nullIfEmpty(session.Summary),
		status, session.StoryUUID, session.CreateBy,
	).Scan(&session.ID, &session.CreateTime, &session.ModifyTime)
	if err != nil {
		return fmt.Errorf("%w: create session: %v", apperrors.ErrPersistence, err)
	}
	session.Status = status
	return nil
}

func (r *sessionRepository) GetBySessionID(ctx context.Context, sessionID string) (*models.ChatSession, error) {
	query := `
		SELECT id, session_id, COALESCE(project_key, ''), COALESCE(summary, ''),
			status, story_uuid, COALESCE(create_by, ''), COALESCE(modify_by, ''),
			create_time, modify_time
		FROM chat_sessions
		WHERE session_id = $1 AND NOT is_deleted`

	var s models.ChatSession
	err := r.db.QueryRow(ctx, query, sessionID).Scan(
		&s.ID, &s.SessionID, &s.ProjectKey, &s.Summary,
		&s.Status, &s.StoryUUID, &s.CreateBy, &s.ModifyBy,
		&s.CreateTime, &s.ModifyTime,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: session %s", apperrors.ErrNotFound, sessionID)
		}
		return nil, fmt.Errorf("%w: get session: %v", apperrors.ErrPersistence, err)
	}
	return &s, nil
}

func (r *sessionRepository) ListByCreator(ctx context.Context, creator, projectKey string) ([]*models.ChatSession, error) {
	query := `
		SELECT id, session_id, COALESCE(project_key, ''), COALESCE(summary, ''),
			status, story_uuid, COALESCE(create_by, ''), COALESCE(modify_by, ''),
			create_time, modify_time
		FROM chat_sessions
		WHERE create_by = $1 AND NOT is_deleted`
	args := []any{creator}
	if projectKey != "" {
		query += ` AND project_key = $2`
		args = append(args, projectKey)
	}
	query += ` ORDER BY create_time DESC`

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: list sessions: %v", apperrors.ErrPersistence, err)
	}
	defer rows.Close()

	var sessions []*models.ChatSession
	for rows.Next() {
		var s models.ChatSession
		if err := rows.Scan(
			&s.ID, &s.SessionID, &s.ProjectKey, &s.Summary,
			&s.Status, &s.StoryUUID, &s.CreateBy, &s.ModifyBy,
			&s.CreateTime, &s.ModifyTime,
		); err != nil {
			return nil, fmt.Errorf("%w: scan session: %v", apperrors.ErrPersistence, err)
		}
		sessions = append(sessions, &s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate sessions: %v", apperrors.ErrPersistence, err)
	}
	return sessions, nil
}

func (r *sessionRepository) UpdateSummary(ctx context.Context, sessionID, summary string) error {
	query := `
		UPDATE chat_sessions
		SET summary = $2, modify_time = now()
		WHERE session_id = $1 AND NOT is_deleted`

	tag, err := r.db.Exec(ctx, query, sessionID, summary)
	if err != nil {
		return fmt.Errorf("%w: update summary: %v", apperrors.ErrPersistence, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: session %s", apperrors.ErrNotFound, sessionID)
	}
	return nil
}

func (r *sessionRepository) SoftDelete(ctx context.Context, sessionID string, operator string) error {
	query := `
		UPDATE chat_sessions
		SET is_deleted = TRUE, modify_by = $2, modify_time = now()
		WHERE session_id = $1 AND NOT is_deleted`

	tag, err := r.db.Exec(ctx, query, sessionID, operator)
	if err != nil {
		return fmt.Errorf("%w: soft delete session: %v", apperrors.ErrPersistence, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: session %s", apperrors.ErrNotFound, sessionID)
	}
	return nil
}

func (r *sessionRepository) SaveCheckpoint(ctx context.Context, sessionID string, checkpoint []byte) error {
	query := `
		UPDATE chat_sessions
		SET checkpoint = $2, modify_time = now()
		WHERE session_id = $1 AND NOT is_deleted`

	tag, err := r.db.Exec(ctx, query, sessionID, checkpoint)
	if err != nil {
		return fmt.Errorf("%w: save checkpoint: %v", apperrors.ErrPersistence, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: session %s", apperrors.ErrNotFound, sessionID)
	}
	return nil
}

func (r *sessionRepository) LoadCheckpoint(ctx context.Context, sessionID string) ([]byte, error) {
	query := `
		SELECT checkpoint
		FROM chat_sessions
		WHERE session_id = $1 AND NOT is_deleted`

	var checkpoint []byte
	if err := r.db.QueryRow(ctx, query, sessionID).Scan(&checkpoint); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: session %s", apperrors.ErrNotFound, sessionID)
		}
		return nil, fmt.Errorf("%w: load checkpoint: %v", apperrors.ErrPersistence, err)
	}
	return checkpoint, nil
}
