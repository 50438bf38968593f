package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"diagram-collab/internal/middleware"
	"diagram-collab/internal/protocol"
	"diagram-collab/internal/repository"
	"diagram-collab/internal/services"

	"go.uber.org/zap"
)

var (
	errUnauthenticated = errors.New("missing caller identity")
	errBadBody         = errors.New("malformed request body")
)

type errorCase struct {
	err    error
	status int
}

// first match wins
var errorCases = []errorCase{
	{errUnauthenticated, http.StatusUnauthorized},
	{errBadBody, http.StatusBadRequest},
	{services.ErrInvalidToken, http.StatusForbidden},
	{services.ErrAnonymousNotAllowed, http.StatusForbidden},
	{services.ErrExpired, http.StatusGone},
	{services.ErrSessionPaused, http.StatusLocked},
	{services.ErrFull, http.StatusConflict},
	{services.ErrForbidden, http.StatusForbidden},
	{services.ErrSessionEnded, http.StatusGone},
	{protocol.ErrChannelDenied, http.StatusForbidden},
	{protocol.ErrInvalidEnvelope, http.StatusBadRequest},
	{repository.ErrNotFound, http.StatusNotFound},
	{repository.ErrCollaboratorOffline, http.StatusGone},
	{repository.ErrCapacityReached, http.StatusConflict},
	{repository.ErrSessionNotActive, http.StatusLocked},
	{repository.ErrDuplicate, http.StatusConflict},
}

type errorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
	Field  string `json:"field,omitempty"`
}

func statusFor(err error) int {
	var ve *services.ValidationError
	if errors.As(err, &ve) {
		return http.StatusBadRequest
	}
	for _, c := range errorCases {
		if errors.Is(err, c.err) {
			return c.status
		}
	}
	return http.StatusInternalServerError
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	resp := errorResponse{Error: err.Error()}

	var je *services.JoinError
	if errors.As(err, &je) {
		resp.Reason = string(je.Reason)
	}
	var ve *services.ValidationError
	if errors.As(err, &ve) {
		resp.Field = ve.Field
	}

	if status == http.StatusInternalServerError {
		middleware.AddSpanError(r.Context(), err)
		h.logger.Error("request failed",
			zap.String("request_id", middleware.GetRequestID(r.Context())),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		resp.Error = "internal error"
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func decode(r *http.Request, v interface{}) error {
	if r.Body == nil {
		return nil
	}
	err := json.NewDecoder(r.Body).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	return errBadBody
}
