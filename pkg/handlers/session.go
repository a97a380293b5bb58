package handlers

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/storyforge-ai/story-engine/pkg/services"
)

// SessionHandler manages conversation lifecycle endpoints.
type SessionHandler struct {
	conversations services.ConversationService
	logger        *zap.Logger
}

// NewSessionHandler creates a session handler.
func NewSessionHandler(conversations services.ConversationService, logger *zap.Logger) *SessionHandler {
	return &SessionHandler{conversations: conversations, logger: logger.Named("session_handler")}
}

// HandleInit bootstraps a new conversation, optionally generating its title
// from the first input.
func (h *SessionHandler) HandleInit(w http.ResponseWriter, r *http.Request) {
	var req services.InitSessionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	session, err := h.conversations.InitSession(r.Context(), req)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeSuccess(w, session)
}

// HandleList returns the caller's conversations, optionally filtered by
// project.
func (h *SessionHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	creator := r.URL.Query().Get("operator")
	if creator == "" {
		writeJSON(w, http.StatusBadRequest, APIResponse{Success: false, Message: "operator is required"})
		return
	}
	sessions, err := h.conversations.ListSessions(r.Context(), creator, r.URL.Query().Get("project_key"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeSuccess(w, sessions)
}

// HandleDetail returns a conversation with its message log and live stories.
func (h *SessionHandler) HandleDetail(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("session_id")
	detail, err := h.conversations.SessionDetail(r.Context(), sessionID)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeSuccess(w, detail)
}

// HandleDelete soft-deletes a conversation together with its messages and
// stories.
func (h *SessionHandler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("session_id")
	operator := r.URL.Query().Get("operator")
	if err := h.conversations.DeleteConversation(r.Context(), sessionID, operator); err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeSuccess(w, nil)
}
