package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/storyforge-ai/story-engine/pkg/models"
	"github.com/storyforge-ai/story-engine/pkg/services"
)

// turnTimeout bounds the whole pipeline including persistence after the
// model call.
const turnTimeout = 15 * time.Minute

// TurnHandler streams conversation turns.
type TurnHandler struct {
	conversations services.ConversationService
	logger        *zap.Logger
}

// NewTurnHandler creates a turn handler.
func NewTurnHandler(conversations services.ConversationService, logger *zap.Logger) *TurnHandler {
	return &TurnHandler{conversations: conversations, logger: logger.Named("turn_handler")}
}

type turnRequest struct {
	SessionID       string  `json:"session_id"`
	RoundNumber     int     `json:"round_number"`
	UserInput       string  `json:"user_input"`
	PromptID        int64   `json:"prompt_id,omitempty"`
	KnowledgeBaseID *int64  `json:"knowledge_base_id,omitempty"`
	DocumentIDs     []int64 `json:"document_ids,omitempty"`
	TargetStoryUUID string  `json:"target_story_uuid,omitempty"`
	Operator        string  `json:"operator,omitempty"`
}

// thinkFrame is one live reasoning record in the response stream.
type thinkFrame struct {
	Think string `json:"think"`
}

// bodyFrame terminates the response stream.
type bodyFrame struct {
	Body struct {
		Success bool   `json:"success"`
		Message string `json:"message,omitempty"`
		Data    struct {
			Reply   string          `json:"reply"`
			Records []*models.Story `json:"records"`
		} `json:"data"`
		ConversationID int64  `json:"conversation_id,omitempty"`
		SessionID      string `json:"session_id,omitempty"`
	} `json:"body"`
}

// HandleTurn runs one turn, streaming think records followed by a single
// body record. Records are JSON objects terminated by a blank line. The
// pipeline keeps running if the client disconnects mid-stream; only delivery
// stops.
func (h *TurnHandler) HandleTurn(w http.ResponseWriter, r *http.Request) {
	var req turnRequest
	if !decodeBody(w, r, &req) {
		return
	}
	input, ok := h.buildInput(w, req)
	if !ok {
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)

	pipelineCtx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), turnTimeout)
	defer cancel()
	clientCtx := r.Context()

	out := make(chan models.OutboundEvent, 64)
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer close(out)
		_ = h.conversations.RunTurn(pipelineCtx, clientCtx, input, out)
	}()

	enc := json.NewEncoder(w)
	for ev := range out {
		if clientCtx.Err() != nil {
			continue // drain; the service has already stopped delivering
		}
		switch ev.Type {
		case models.OutboundThinkDelta:
			h.writeFrame(enc, w, flusher, thinkFrame{Think: ev.Delta})
		case models.OutboundRecordsReady:
			var frame bodyFrame
			frame.Body.Success = true
			frame.Body.Data.Reply = ev.Result.Reply
			frame.Body.Data.Records = ev.Result.Stories
			frame.Body.ConversationID = ev.Result.ConversationID
			frame.Body.SessionID = ev.Result.SessionID
			h.writeFrame(enc, w, flusher, frame)
		case models.OutboundFailed:
			var frame bodyFrame
			frame.Body.Success = false
			frame.Body.Message = ev.Error
			if ev.Result != nil {
				frame.Body.Data.Reply = ev.Result.Reply
			}
			frame.Body.Data.Records = []*models.Story{}
			h.writeFrame(enc, w, flusher, frame)
		}
	}
	<-done
}

func (h *TurnHandler) buildInput(w http.ResponseWriter, req turnRequest) (models.TurnInput, bool) {
	input := models.TurnInput{
		SessionID:       req.SessionID,
		PromptID:        req.PromptID,
		RoundNumber:     req.RoundNumber,
		UserInput:       req.UserInput,
		KnowledgeBaseID: req.KnowledgeBaseID,
		DocumentIDs:     req.DocumentIDs,
		Operator:        req.Operator,
	}
	if req.SessionID == "" || req.UserInput == "" || req.RoundNumber < 1 {
		writeJSON(w, http.StatusBadRequest, APIResponse{Success: false, Message: "session_id, round_number and user_input are required"})
		return input, false
	}
	if req.TargetStoryUUID != "" {
		id, err := uuid.Parse(req.TargetStoryUUID)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, APIResponse{Success: false, Message: "invalid target_story_uuid"})
			return input, false
		}
		input.TargetStoryUUID = &id
	}
	return input, true
}

func (h *TurnHandler) writeFrame(enc *json.Encoder, w http.ResponseWriter, flusher http.Flusher, frame any) {
	if err := enc.Encode(frame); err != nil {
		h.logger.Debug("frame write failed", zap.Error(err))
		return
	}
	// Encoder already emitted one newline; the blank line ends the record.
	_, _ = w.Write([]byte("\n"))
	if flusher != nil {
		flusher.Flush()
	}
}
