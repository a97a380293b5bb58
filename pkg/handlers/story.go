package handlers

import (
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/storyforge-ai/story-engine/pkg/models"
	"github.com/storyforge-ai/story-engine/pkg/services"
)

// StoryHandler manages direct story operations outside the turn flow.
type StoryHandler struct {
	stories services.StoryService
	logger  *zap.Logger
}

// NewStoryHandler creates a story handler.
func NewStoryHandler(stories services.StoryService, logger *zap.Logger) *StoryHandler {
	return &StoryHandler{stories: stories, logger: logger.Named("story_handler")}
}

type updateStoryRequest struct {
	Story    models.Story `json:"story"`
	Operator string       `json:"operator,omitempty"`
}

// HandleUpdate applies a manual field edit as a new version of the story.
func (h *StoryHandler) HandleUpdate(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r)
	if !ok {
		return
	}
	var req updateStoryRequest
	if !decodeBody(w, r, &req) {
		return
	}
	req.Story.UUID = id
	revised, err := h.stories.UpdateStory(r.Context(), &req.Story, req.Operator)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeSuccess(w, revised)
}

// HandleHistory returns every stored version of a story, newest first.
func (h *StoryHandler) HandleHistory(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r)
	if !ok {
		return
	}
	versions, err := h.stories.VersionHistory(r.Context(), id)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeSuccess(w, versions)
}

type assignJiraRequest struct {
	JiraID   int64  `json:"jira_id"`
	Operator string `json:"operator,omitempty"`
}

// HandleAssignJira records the external issue id a story was exported to.
func (h *StoryHandler) HandleAssignJira(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r)
	if !ok {
		return
	}
	var req assignJiraRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.JiraID <= 0 {
		writeJSON(w, http.StatusBadRequest, APIResponse{Success: false, Message: "jira_id is required"})
		return
	}
	if err := h.stories.AssignJiraID(r.Context(), id, req.JiraID, req.Operator); err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeSuccess(w, nil)
}

type batchDeleteRequest struct {
	UUIDs    []string `json:"uuids"`
	Operator string   `json:"operator,omitempty"`
}

// HandleBatchDelete soft-deletes a set of stories including their history.
func (h *StoryHandler) HandleBatchDelete(w http.ResponseWriter, r *http.Request) {
	var req batchDeleteRequest
	if !decodeBody(w, r, &req) {
		return
	}
	ids := make([]uuid.UUID, 0, len(req.UUIDs))
	for _, raw := range req.UUIDs {
		id, err := uuid.Parse(raw)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, APIResponse{Success: false, Message: "invalid uuid: " + raw})
			return
		}
		ids = append(ids, id)
	}
	deleted, err := h.stories.BatchSoftDelete(r.Context(), ids, req.Operator)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeSuccess(w, map[string]int64{"deleted": deleted})
}

func pathUUID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("uuid"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, APIResponse{Success: false, Message: "invalid story uuid"})
		return uuid.UUID{}, false
	}
	return id, true
}
