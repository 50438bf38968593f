package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"diagram-collab/internal/middleware"
	"diagram-collab/internal/models"
	"diagram-collab/internal/protocol"
	"diagram-collab/internal/services"
	"diagram-collab/internal/services/collaboration"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// Handler serves the session HTTP API
type Handler struct {
	sessions SessionService
	presence PresenceService
	events   EventService
	gateway  *collaboration.Gateway // nil disables /ws routes
	logger   *zap.Logger
	now      func() time.Time
}

func NewHandler(
	sessions SessionService,
	presence PresenceService,
	events EventService,
	gateway *collaboration.Gateway,
	logger *zap.Logger,
) *Handler {
	return &Handler{
		sessions: sessions,
		presence: presence,
		events:   events,
		gateway:  gateway,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func callerOf(r *http.Request) (*protocol.Identity, error) {
	identity := middleware.IdentityFrom(r.Context())
	if identity == nil {
		return nil, errUnauthenticated
	}
	return identity, nil
}

// sessionView adds invite details for callers allowed to share the session
type sessionView struct {
	*models.Session
	InviteToken string `json:"invite_token,omitempty"`
	InviteURL   string `json:"invite_url,omitempty"`
}

func (h *Handler) view(s *models.Session, withInvite bool) sessionView {
	v := sessionView{Session: s}
	if withInvite {
		v.InviteToken = s.InviteToken
		v.InviteURL = h.sessions.InviteURL(s)
	}
	return v
}

// Session handlers

type createSessionRequest struct {
	DiagramID        string     `json:"diagram_id"`
	MaxCollaborators *int       `json:"max_collaborators"`
	AllowAnonymous   bool       `json:"allow_anonymous"`
	IsPublic         bool       `json:"is_public"`
	InviteTTLSeconds int64      `json:"invite_ttl_seconds"`
	InviteExpiresAt  *time.Time `json:"invite_expires_at"`
}

func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	caller, err := callerOf(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	var req createSessionRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	opts := services.SessionOptions{
		MaxCollaborators: services.DefaultMaxCollaborators,
		AllowAnonymous:   req.AllowAnonymous,
		IsPublic:         req.IsPublic,
		InviteTTL:        time.Duration(req.InviteTTLSeconds) * time.Second,
		InviteExpiresAt:  req.InviteExpiresAt,
	}
	if req.MaxCollaborators != nil {
		opts.MaxCollaborators = *req.MaxCollaborators
	}

	s, err := h.sessions.CreateSession(r.Context(), req.DiagramID, caller.ID, opts)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, h.view(s, true))
}

// JoinSession consumes an invite link. Callers without identity join anonymously.
func (h *Handler) JoinSession(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	c, err := h.sessions.JoinSession(r.Context(), q.Get("sessionId"), q.Get("token"), middleware.IdentityFrom(r.Context()))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// authorize resolves the caller and checks an action on the session in the route
func (h *Handler) authorize(r *http.Request, action models.Action) (string, *protocol.Identity, *models.Collaborator, error) {
	sessionID := mux.Vars(r)["id"]
	caller, err := callerOf(r)
	if err != nil {
		return sessionID, nil, nil, err
	}
	c, err := h.sessions.Authorize(r.Context(), sessionID, caller.ID, action)
	return sessionID, caller, c, err
}

func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	sessionID, caller, _, err := h.authorize(r, models.ActionView)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	s, err := h.sessions.GetSession(r.Context(), sessionID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	_, inviteErr := h.sessions.Authorize(r.Context(), sessionID, caller.ID, models.ActionInvite)
	writeJSON(w, http.StatusOK, h.view(s, inviteErr == nil))
}

func (h *Handler) ListCollaborators(w http.ResponseWriter, r *http.Request) {
	sessionID, _, _, err := h.authorize(r, models.ActionView)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	list, err := h.sessions.ListCollaborators(r.Context(), sessionID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"collaborators": list,
		"count":         len(list),
	})
}

type leaveRequest struct {
	CollaboratorID string `json:"collaborator_id"`
}

func (h *Handler) LeaveSession(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["id"]
	var req leaveRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if req.CollaboratorID == "" {
		h.writeError(w, r, &services.ValidationError{Field: "collaborator_id", Message: "is required"})
		return
	}
	c, err := h.ownCollaborator(r, req.CollaboratorID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := h.sessions.LeaveSession(r.Context(), sessionID, c.ID); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// manage runs an owner-level state change and replies with the session
func (h *Handler) manage(action func(r *http.Request, sessionID string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sessionID, _, _, err := h.authorize(r, models.ActionManage)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		if err := action(r, sessionID); err != nil {
			h.writeError(w, r, err)
			return
		}
		s, err := h.sessions.GetSession(r.Context(), sessionID)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, h.view(s, false))
	}
}

func (h *Handler) PauseSession(w http.ResponseWriter, r *http.Request) {
	h.manage(func(r *http.Request, id string) error { return h.sessions.PauseSession(r.Context(), id) })(w, r)
}

func (h *Handler) ResumeSession(w http.ResponseWriter, r *http.Request) {
	h.manage(func(r *http.Request, id string) error { return h.sessions.ResumeSession(r.Context(), id) })(w, r)
}

func (h *Handler) EndSession(w http.ResponseWriter, r *http.Request) {
	h.manage(func(r *http.Request, id string) error { return h.sessions.EndSession(r.Context(), id) })(w, r)
}

type inviteRequest struct {
	TTLSeconds int64 `json:"ttl_seconds"`
}

func (h *Handler) RegenerateInvite(w http.ResponseWriter, r *http.Request) {
	sessionID, _, _, err := h.authorize(r, models.ActionInvite)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	var req inviteRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	s, err := h.sessions.RegenerateInvite(r.Context(), sessionID, time.Duration(req.TTLSeconds)*time.Second)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h.view(s, true))
}

type updateRequest struct {
	UpdateType string          `json:"update_type"`
	Data       json.RawMessage `json:"data"`
}

// PublishUpdate relays a document change on behalf of an editor
func (h *Handler) PublishUpdate(w http.ResponseWriter, r *http.Request) {
	sessionID, caller, c, err := h.authorize(r, models.ActionEdit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	var req updateRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if req.UpdateType == "" {
		h.writeError(w, r, &services.ValidationError{Field: "update_type", Message: "is required"})
		return
	}

	ev := protocol.DiagramUpdate{UpdateType: req.UpdateType, Data: req.Data}
	if err := h.events.Emit(r.Context(), sessionID, caller.ID, ev, h.now()); err != nil {
		h.writeError(w, r, err)
		return
	}
	if c != nil {
		if err := h.presence.RecordEdit(r.Context(), c.ID, req.UpdateType); err != nil {
			h.logger.Warn("failed to record edit", zap.String("collaborator_id", c.ID), zap.Error(err))
		}
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

// ListEvents pages through the persisted event log with ?after=&limit=
func (h *Handler) ListEvents(w http.ResponseWriter, r *http.Request) {
	sessionID, _, _, err := h.authorize(r, models.ActionView)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	limit := 100
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			h.writeError(w, r, &services.ValidationError{Field: "limit", Message: "must be a positive integer"})
			return
		}
		limit = n
	}

	events, err := h.events.History(r.Context(), sessionID, r.URL.Query().Get("after"), limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"events": events,
		"limit":  limit,
	})
}

// EndDiagramSessions is called when a diagram is deleted
func (h *Handler) EndDiagramSessions(w http.ResponseWriter, r *http.Request) {
	if _, err := callerOf(r); err != nil {
		h.writeError(w, r, err)
		return
	}
	n, err := h.sessions.EndSessionsForDiagram(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"ended": n})
}

// Collaborator handlers

// ownCollaborator loads a collaborator the caller acts as. Rows with a user id
// need a matching identity; anonymous rows are addressed by id alone.
func (h *Handler) ownCollaborator(r *http.Request, collaboratorID string) (*models.Collaborator, error) {
	c, err := h.sessions.GetCollaborator(r.Context(), collaboratorID)
	if err != nil {
		return nil, err
	}
	if c.UserID == nil {
		return c, nil
	}
	identity := middleware.IdentityFrom(r.Context())
	if identity == nil {
		return nil, errUnauthenticated
	}
	if identity.ID != *c.UserID {
		return nil, services.ErrForbidden
	}
	return c, nil
}

func (h *Handler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	c, err := h.ownCollaborator(r, mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	updated, err := h.presence.Heartbeat(r.Context(), c.ID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

type cursorRequest struct {
	X               float64 `json:"x"`
	Y               float64 `json:"y"`
	TargetElementID string  `json:"target_element_id"`
}

func (h *Handler) UpdateCursor(w http.ResponseWriter, r *http.Request) {
	var req cursorRequest
	h.collaboratorAction(w, r, &req, func(r *http.Request, id string) error {
		return h.presence.UpdateCursor(r.Context(), id, req.X, req.Y, req.TargetElementID)
	})
}

type selectionRequest struct {
	ElementIDs []string `json:"element_ids"`
}

func (h *Handler) UpdateSelection(w http.ResponseWriter, r *http.Request) {
	var req selectionRequest
	h.collaboratorAction(w, r, &req, func(r *http.Request, id string) error {
		return h.presence.UpdateSelection(r.Context(), id, req.ElementIDs)
	})
}

type editRequest struct {
	UpdateType string `json:"update_type"`
}

func (h *Handler) RecordEdit(w http.ResponseWriter, r *http.Request) {
	var req editRequest
	h.collaboratorAction(w, r, &req, func(r *http.Request, id string) error {
		return h.presence.RecordEdit(r.Context(), id, req.UpdateType)
	})
}

func (h *Handler) RecordChatMessage(w http.ResponseWriter, r *http.Request) {
	h.collaboratorAction(w, r, nil, func(r *http.Request, id string) error {
		return h.presence.RecordChatMessage(r.Context(), id)
	})
}

func (h *Handler) MarkAway(w http.ResponseWriter, r *http.Request) {
	h.collaboratorAction(w, r, nil, func(r *http.Request, id string) error {
		return h.presence.MarkAway(r.Context(), id)
	})
}

func (h *Handler) collaboratorAction(w http.ResponseWriter, r *http.Request, body interface{}, action func(*http.Request, string) error) {
	c, err := h.ownCollaborator(r, mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if body != nil {
		if err := decode(r, body); err != nil {
			h.writeError(w, r, err)
			return
		}
	}
	if err := action(r, c.ID); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) PromoteCollaborator(w http.ResponseWriter, r *http.Request) {
	h.changeRole(w, r, h.sessions.PromoteToEditor)
}

func (h *Handler) DemoteCollaborator(w http.ResponseWriter, r *http.Request) {
	h.changeRole(w, r, h.sessions.DemoteToViewer)
}

func (h *Handler) changeRole(w http.ResponseWriter, r *http.Request, change func(ctx context.Context, id string) (bool, error)) {
	caller, err := callerOf(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	c, err := h.sessions.GetCollaborator(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if _, err := h.sessions.Authorize(r.Context(), c.SessionID, caller.ID, models.ActionManage); err != nil {
		h.writeError(w, r, err)
		return
	}

	changed, err := change(r.Context(), c.ID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	updated, err := h.sessions.GetCollaborator(r.Context(), c.ID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"changed":      changed,
		"collaborator": updated,
	})
}
