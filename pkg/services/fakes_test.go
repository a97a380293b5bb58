package services

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/storyforge-ai/story-engine/pkg/apperrors"
	"github.com/storyforge-ai/story-engine/pkg/models"
	"github.com/storyforge-ai/story-engine/pkg/repositories"
	"github.com/storyforge-ai/story-engine/pkg/retrieval"
)

// fakeStoryRepo is an in-memory StoryRepository that mirrors the store's
// partial unique index: at most one live version per uuid.
type fakeStoryRepo struct {
	mu      sync.Mutex
	stories []*models.Story
	nextID  int64

	failInsert error
}

var _ repositories.StoryRepository = (*fakeStoryRepo)(nil)

func (f *fakeStoryRepo) Insert(ctx context.Context, story *models.Story) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failInsert != nil {
		return f.failInsert
	}
	if story.Version == models.CurrentVersion {
		for _, s := range f.stories {
			if s.UUID == story.UUID && s.Version == models.CurrentVersion && !s.IsDeleted {
				return fmt.Errorf("%w: duplicate live version for %s", apperrors.ErrPersistence, story.UUID)
			}
		}
	}
	f.nextID++
	story.ID = f.nextID
	story.CreateTime = time.Now()
	story.ModifyTime = story.CreateTime
	cp := *story
	f.stories = append(f.stories, &cp)
	return nil
}

func (f *fakeStoryRepo) StampVersion(ctx context.Context, id uuid.UUID, version int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.stories {
		if s.UUID == id && s.Version == models.CurrentVersion && !s.IsDeleted {
			s.Version = version
			return nil
		}
	}
	return fmt.Errorf("%w: story %s has no live version", apperrors.ErrVersionConflict, id)
}

func (f *fakeStoryRepo) MaxVersion(ctx context.Context, id uuid.UUID) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	maxV := 0
	for _, s := range f.stories {
		if s.UUID == id && s.Version > maxV {
			maxV = s.Version
		}
	}
	return maxV, nil
}

func (f *fakeStoryRepo) MaxOrder(ctx context.Context, conversationID int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	maxO := 0
	for _, s := range f.stories {
		if s.ConversationID == conversationID && s.Version == models.CurrentVersion && !s.IsDeleted && s.Order > maxO {
			maxO = s.Order
		}
	}
	return maxO, nil
}

// preferred mirrors the store's current-row reads: the live row wins, and a
// uuid whose live row was stamped without a replacement falls back to its
// highest stamped version.
func preferred(cur, cand *models.Story) *models.Story {
	if cur == nil || cand.Version == models.CurrentVersion {
		return cand
	}
	if cur.Version != models.CurrentVersion && cand.Version > cur.Version {
		return cand
	}
	return cur
}

func (f *fakeStoryRepo) FindCurrentByConversation(ctx context.Context, conversationID int64) ([]*models.Story, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	byUUID := make(map[uuid.UUID]*models.Story)
	for _, s := range f.stories {
		if s.ConversationID == conversationID && !s.IsDeleted {
			byUUID[s.UUID] = preferred(byUUID[s.UUID], s)
		}
	}
	var out []*models.Story
	for _, s := range byUUID {
		cp := *s
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Order != out[j].Order {
			return out[i].Order < out[j].Order
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (f *fakeStoryRepo) FindCurrentByUUID(ctx context.Context, id uuid.UUID) (*models.Story, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var best *models.Story
	for _, s := range f.stories {
		if s.UUID == id && !s.IsDeleted {
			best = preferred(best, s)
		}
	}
	if best == nil {
		return nil, fmt.Errorf("%w: story %s", apperrors.ErrNotFound, id)
	}
	cp := *best
	return &cp, nil
}

func (f *fakeStoryRepo) FindVersionsByUUID(ctx context.Context, id uuid.UUID) ([]*models.Story, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.Story
	for _, s := range f.stories {
		if s.UUID == id && !s.IsDeleted {
			cp := *s
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		vi, vj := out[i].Version, out[j].Version
		if vi == models.CurrentVersion {
			return true
		}
		if vj == models.CurrentVersion {
			return false
		}
		return vi > vj
	})
	return out, nil
}

func (f *fakeStoryRepo) SoftDeleteByUUIDs(ctx context.Context, ids []uuid.UUID, operator string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, s := range f.stories {
		for _, id := range ids {
			if s.UUID == id && !s.IsDeleted {
				s.IsDeleted = true
				n++
			}
		}
	}
	return n, nil
}

func (f *fakeStoryRepo) SoftDeleteByConversation(ctx context.Context, conversationID int64, operator string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.stories {
		if s.ConversationID == conversationID {
			s.IsDeleted = true
		}
	}
	return nil
}

func (f *fakeStoryRepo) UpdateJiraID(ctx context.Context, id uuid.UUID, jiraID int64, operator string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.stories {
		if s.UUID == id && s.Version == models.CurrentVersion && !s.IsDeleted {
			s.JiraID = &jiraID
			return nil
		}
	}
	return fmt.Errorf("%w: story %s", apperrors.ErrNotFound, id)
}

// liveCount returns how many live rows exist for a uuid, for invariant
// assertions.
func (f *fakeStoryRepo) liveCount(id uuid.UUID) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, s := range f.stories {
		if s.UUID == id && s.Version == models.CurrentVersion && !s.IsDeleted {
			n++
		}
	}
	return n
}

type fakeSessionRepo struct {
	mu          sync.Mutex
	sessions    map[string]*models.ChatSession
	checkpoints map[string][]byte
	nextID      int64
}

var _ repositories.SessionRepository = (*fakeSessionRepo)(nil)

func newFakeSessionRepo() *fakeSessionRepo {
	return &fakeSessionRepo{
		sessions:    make(map[string]*models.ChatSession),
		checkpoints: make(map[string][]byte),
	}
}

func (f *fakeSessionRepo) Create(ctx context.Context, session *models.ChatSession) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	session.ID = f.nextID
	session.CreateTime = time.Now()
	session.ModifyTime = session.CreateTime
	if session.Status == "" {
		session.Status = models.SessionStatusActive
	}
	cp := *session
	f.sessions[session.SessionID] = &cp
	return nil
}

func (f *fakeSessionRepo) GetBySessionID(ctx context.Context, sessionID string) (*models.ChatSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[sessionID]
	if !ok || s.IsDeleted {
		return nil, fmt.Errorf("%w: session %s", apperrors.ErrNotFound, sessionID)
	}
	cp := *s
	return &cp, nil
}

func (f *fakeSessionRepo) ListByCreator(ctx context.Context, creator, projectKey string) ([]*models.ChatSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.ChatSession
	for _, s := range f.sessions {
		if s.CreateBy == creator && !s.IsDeleted && (projectKey == "" || s.ProjectKey == projectKey) {
			cp := *s
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeSessionRepo) UpdateSummary(ctx context.Context, sessionID, summary string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[sessionID]
	if !ok {
		return fmt.Errorf("%w: session %s", apperrors.ErrNotFound, sessionID)
	}
	s.Summary = summary
	return nil
}

func (f *fakeSessionRepo) SoftDelete(ctx context.Context, sessionID string, operator string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[sessionID]
	if !ok {
		return fmt.Errorf("%w: session %s", apperrors.ErrNotFound, sessionID)
	}
	s.IsDeleted = true
	return nil
}

func (f *fakeSessionRepo) SaveCheckpoint(ctx context.Context, sessionID string, checkpoint []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.sessions[sessionID]; !ok {
		return fmt.Errorf("%w: session %s", apperrors.ErrNotFound, sessionID)
	}
	f.checkpoints[sessionID] = append([]byte(nil), checkpoint...)
	return nil
}

func (f *fakeSessionRepo) LoadCheckpoint(ctx context.Context, sessionID string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.sessions[sessionID]; !ok {
		return nil, fmt.Errorf("%w: session %s", apperrors.ErrNotFound, sessionID)
	}
	return f.checkpoints[sessionID], nil
}

type fakeMessageRepo struct {
	mu       sync.Mutex
	messages []*models.ChatMessage
	nextID   int64

	failSave error
}

var _ repositories.MessageRepository = (*fakeMessageRepo)(nil)

func (f *fakeMessageRepo) Save(ctx context.Context, msg *models.ChatMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSave != nil {
		return f.failSave
	}
	f.nextID++
	msg.ID = f.nextID
	msg.CreateTime = time.Now()
	cp := *msg
	f.messages = append(f.messages, &cp)
	return nil
}

func (f *fakeMessageRepo) LastRound(ctx context.Context, sessionID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	last := 0
	for _, m := range f.messages {
		if m.SessionID == sessionID && !m.IsDeleted && m.RoundNumber > last {
			last = m.RoundNumber
		}
	}
	return last, nil
}

func (f *fakeMessageRepo) ListBySession(ctx context.Context, sessionID string) ([]*models.ChatMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.ChatMessage
	for _, m := range f.messages {
		if m.SessionID == sessionID && !m.IsDeleted {
			cp := *m
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeMessageRepo) SoftDeleteBySession(ctx context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range f.messages {
		if m.SessionID == sessionID {
			m.IsDeleted = true
		}
	}
	return nil
}

func (f *fakeMessageRepo) count(sessionID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, m := range f.messages {
		if m.SessionID == sessionID && !m.IsDeleted {
			n++
		}
	}
	return n
}

type fakeRetriever struct {
	snippets []retrieval.Snippet
	err      error
	calls    int
}

var _ retrieval.Retriever = (*fakeRetriever)(nil)

func (f *fakeRetriever) Retrieve(ctx context.Context, query string, knowledgeBaseID int64) ([]retrieval.Snippet, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.snippets, nil
}
