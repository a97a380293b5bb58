// Package repositories provides PostgreSQL persistence for sessions,
// messages and versioned user stories.
package repositories

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/storyforge-ai/story-engine/pkg/apperrors"
	"github.com/storyforge-ai/story-engine/pkg/database"
	"github.com/storyforge-ai/story-engine/pkg/models"
)

// StoryRepository persists versioned user stories. The version scheme is
// copy-on-write: the live row carries version -1, history rows carry the
// positive version they were stamped with when superseded.
type StoryRepository interface {
	Insert(ctx context.Context, story *models.Story) error

	// StampVersion retires the live row for uuid by assigning it a positive
	// version. Returns ErrVersionConflict when no live row exists, which
	// means a concurrent writer already retired it.
	StampVersion(ctx context.Context, id uuid.UUID, version int) error

	MaxVersion(ctx context.Context, id uuid.UUID) (int, error)
	MaxOrder(ctx context.Context, conversationID int64) (int, error)

	// FindCurrentByConversation and FindCurrentByUUID return the live row per
	// uuid. When a uuid has no live row because a stamp succeeded but the
	// replacement insert failed, the highest stamped version serves as current
	// until the next revision lands.
	FindCurrentByConversation(ctx context.Context, conversationID int64) ([]*models.Story, error)
	FindCurrentByUUID(ctx context.Context, id uuid.UUID) (*models.Story, error)
	FindVersionsByUUID(ctx context.Context, id uuid.UUID) ([]*models.Story, error)

	SoftDeleteByUUIDs(ctx context.Context, ids []uuid.UUID, operator string) (int64, error)
	SoftDeleteByConversation(ctx context.Context, conversationID int64, operator string) error
	UpdateJiraID(ctx context.Context, id uuid.UUID, jiraID int64, operator string) error
}

type storyRepository struct {
	db     *database.DB
	logger *zap.Logger
}

var _ StoryRepository = (*storyRepository)(nil)

// NewStoryRepository creates a story repository.
func NewStoryRepository(db *database.DB, logger *zap.Logger) StoryRepository {
	return &storyRepository{db: db, logger: logger.Named("story_repository")}
}

const storyColumns = `id, conversation_id, uuid, version, story_order, jira_id,
	summary, background, description, acceptance_criteria, story_points,
	priority, dependency, performance, solution, ui_ux_design, assignee,
	planned_start, planned_end, generate_time, is_selected,
	create_by, modify_by, create_time, modify_time`

func scanStory(row pgx.Row) (*models.Story, error) {
	var s models.Story
	err := row.Scan(
		&s.ID, &s.ConversationID, &s.UUID, &s.Version, &s.Order, &s.JiraID,
		&s.Summary, &s.Background, &s.Description, &s.AcceptanceCriteria, &s.StoryPoints,
		&s.Priority, &s.Dependency, &s.Performance, &s.Solution, &s.UIUXDesign, &s.Assignee,
		&s.PlannedStart, &s.PlannedEnd, &s.GenerateTime, &s.IsSelected,
		&s.CreateBy, &s.ModifyBy, &s.CreateTime, &s.ModifyTime,
	)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *storyRepository) Insert(ctx context.Context, story *models.Story) error {
	query := `
		INSERT INTO user_stories (
			conversation_id, uuid, version, story_order, jira_id,
			summary, background, description, acceptance_criteria, story_points,
			priority, dependency, performance, solution, ui_ux_design, assignee,
			planned_start, planned_end, generate_time, is_selected,
			create_by, modify_by
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10,
			$11, $12, $13, $14, $15, $16, $17, $18, now(), $19, $20, $20)
		RETURNING id, generate_time, create_time, modify_time`

	err := r.db.QueryRow(ctx, query,
		story.ConversationID, story.UUID, story.Version, story.Order, story.JiraID,
		story.Summary, story.Background, story.Description, story.AcceptanceCriteria, story.StoryPoints,
		story.Priority, story.Dependency, story.Performance, story.Solution, story.UIUXDesign, story.Assignee,
		story.PlannedStart, story.PlannedEnd, story.IsSelected,
		story.CreateBy,
	).Scan(&story.ID, &story.GenerateTime, &story.CreateTime, &story.ModifyTime)
	if err != nil {
		return fmt.Errorf("%w: insert story: %v", apperrors.ErrPersistence, err)
	}
	return nil
}

func (r *storyRepository) StampVersion(ctx context.Context, id uuid.UUID, version int) error {
	query := `
		UPDATE user_stories
		SET version = $2, modify_time = now()
		WHERE uuid = $1 AND version = $3 AND NOT is_deleted`

	tag, err := r.db.Exec(ctx, query, id, version, models.CurrentVersion)
	if err != nil {
		return fmt.Errorf("%w: stamp story version: %v", apperrors.ErrPersistence, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: story %s has no live version", apperrors.ErrVersionConflict, id)
	}
	return nil
}

func (r *storyRepository) MaxVersion(ctx context.Context, id uuid.UUID) (int, error) {
	query := `
		SELECT COALESCE(MAX(version), 0)
		FROM user_stories
		WHERE uuid = $1 AND version > 0`

	var max int
	if err := r.db.QueryRow(ctx, query, id).Scan(&max); err != nil {
		return 0, fmt.Errorf("%w: max story version: %v", apperrors.ErrPersistence, err)
	}
	return max, nil
}

func (r *storyRepository) MaxOrder(ctx context.Context, conversationID int64) (int, error) {
	query := `
		SELECT COALESCE(MAX(story_order), 0)
		FROM user_stories
		WHERE conversation_id = $1 AND version = $2 AND NOT is_deleted`

	var max int
	if err := r.db.QueryRow(ctx, query, conversationID, models.CurrentVersion).Scan(&max); err != nil {
		return 0, fmt.Errorf("%w: max story order: %v", apperrors.ErrPersistence, err)
	}
	return max, nil
}

func (r *storyRepository) FindCurrentByConversation(ctx context.Context, conversationID int64) ([]*models.Story, error) {
	query := `
		SELECT ` + storyColumns + `
		FROM (
			SELECT DISTINCT ON (uuid) ` + storyColumns + `
			FROM user_stories
			WHERE conversation_id = $1 AND NOT is_deleted
			ORDER BY uuid, (version = $2) DESC, version DESC
		) current
		ORDER BY story_order, id`

	rows, err := r.db.Query(ctx, query, conversationID, models.CurrentVersion)
	if err != nil {
		return nil, fmt.Errorf("%w: query stories: %v", apperrors.ErrPersistence, err)
	}
	defer rows.Close()

	var stories []*models.Story
	for rows.Next() {
		s, err := scanStory(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: scan story: %v", apperrors.ErrPersistence, err)
		}
		stories = append(stories, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate stories: %v", apperrors.ErrPersistence, err)
	}
	return stories, nil
}

func (r *storyRepository) FindCurrentByUUID(ctx context.Context, id uuid.UUID) (*models.Story, error) {
	query := `
		SELECT ` + storyColumns + `
		FROM user_stories
		WHERE uuid = $1 AND NOT is_deleted
		ORDER BY (version = $2) DESC, version DESC
		LIMIT 1`

	s, err := scanStory(r.db.QueryRow(ctx, query, id, models.CurrentVersion))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: story %s", apperrors.ErrNotFound, id)
		}
		return nil, fmt.Errorf("%w: find story: %v", apperrors.ErrPersistence, err)
	}
	return s, nil
}

func (r *storyRepository) FindVersionsByUUID(ctx context.Context, id uuid.UUID) ([]*models.Story, error) {
	query := `
		SELECT ` + storyColumns + `
		FROM user_stories
		WHERE uuid = $1 AND NOT is_deleted
		ORDER BY CASE WHEN version = $2 THEN 2147483647 ELSE version END DESC`

	rows, err := r.db.Query(ctx, query, id, models.CurrentVersion)
	if err != nil {
		return nil, fmt.Errorf("%w: query story versions: %v", apperrors.ErrPersistence, err)
	}
	defer rows.Close()

	var stories []*models.Story
	for rows.Next() {
		s, err := scanStory(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: scan story version: %v", apperrors.ErrPersistence, err)
		}
		stories = append(stories, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate story versions: %v", apperrors.ErrPersistence, err)
	}
	return stories, nil
}

func (r *storyRepository) SoftDeleteByUUIDs(ctx context.Context, ids []uuid.UUID, operator string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	query := `
		UPDATE user_stories
		SET is_deleted = TRUE, modify_by = $2, modify_time = now()
		WHERE uuid = ANY($1) AND NOT is_deleted`

	tag, err := r.db.Exec(ctx, query, ids, operator)
	if err != nil {
		return 0, fmt.Errorf("%w: soft delete stories: %v", apperrors.ErrPersistence, err)
	}
	r.logger.Info("soft deleted stories",
		zap.Int("requested", len(ids)),
		zap.Int64("rows", tag.RowsAffected()))
	return tag.RowsAffected(), nil
}

func (r *storyRepository) SoftDeleteByConversation(ctx context.Context, conversationID int64, operator string) error {
	query := `
		UPDATE user_stories
		SET is_deleted = TRUE, modify_by = $2, modify_time = now()
		WHERE conversation_id = $1 AND NOT is_deleted`

	if _, err := r.db.Exec(ctx, query, conversationID, operator); err != nil {
		return fmt.Errorf("%w: soft delete conversation stories: %v", apperrors.ErrPersistence, err)
	}
	return nil
}

func (r *storyRepository) UpdateJiraID(ctx context.Context, id uuid.UUID, jiraID int64, operator string) error {
	query := `
		UPDATE user_stories
		SET jira_id = $2, modify_by = $3, modify_time = now()
		WHERE uuid = $1 AND version = $4 AND NOT is_deleted`

	tag, err := r.db.Exec(ctx, query, id, jiraID, operator, models.CurrentVersion)
	if err != nil {
		return fmt.Errorf("%w: update jira id: %v", apperrors.ErrPersistence, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: story %s", apperrors.ErrNotFound, id)
	}
	return nil
}
