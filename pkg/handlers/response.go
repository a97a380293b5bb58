// Package handlers exposes the HTTP API.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/storyforge-ai/story-engine/pkg/apperrors"
)

// APIResponse is the uniform JSON envelope for non-streaming endpoints.
type APIResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeSuccess(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, APIResponse{Success: true, Data: data})
}

func writeError(w http.ResponseWriter, logger *zap.Logger, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, apperrors.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, apperrors.ErrSequence), errors.Is(err, apperrors.ErrVersionConflict):
		status = http.StatusConflict
	case errors.Is(err, apperrors.ErrEmptyModelResponse), errors.Is(err, apperrors.ErrUpstream):
		status = http.StatusBadGateway
	}
	if status == http.StatusInternalServerError {
		logger.Error("request failed", zap.Error(err))
	} else {
		logger.Warn("request rejected", zap.Int("status", status), zap.Error(err))
	}
	writeJSON(w, status, APIResponse{Success: false, Message: err.Error()})
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, APIResponse{Success: false, Message: "invalid request body"})
		return false
	}
	return true
}
