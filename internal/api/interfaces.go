package api

import (
	"context"
	"time"

	"diagram-collab/internal/models"
	"diagram-collab/internal/protocol"
	"diagram-collab/internal/services"
)

/*
Consumer-driven interfaces: the handlers declare only the methods they call.
*services.LifecycleManager, *services.PresenceTracker and *services.Broadcaster
satisfy them; tests may substitute fakes.
*/

// SessionService is the lifecycle surface used by the session endpoints
type SessionService interface {
	CreateSession(ctx context.Context, diagramID, ownerID string, opts services.SessionOptions) (*models.Session, error)
	JoinSession(ctx context.Context, sessionID, inviteToken string, identity *protocol.Identity) (*models.Collaborator, error)
	LeaveSession(ctx context.Context, sessionID, collaboratorID string) error
	EndSession(ctx context.Context, sessionID string) error
	EndSessionsForDiagram(ctx context.Context, diagramID string) (int, error)
	PauseSession(ctx context.Context, sessionID string) error
	ResumeSession(ctx context.Context, sessionID string) error
	PromoteToEditor(ctx context.Context, collaboratorID string) (bool, error)
	DemoteToViewer(ctx context.Context, collaboratorID string) (bool, error)
	GetSession(ctx context.Context, sessionID string) (*models.Session, error)
	GetCollaborator(ctx context.Context, collaboratorID string) (*models.Collaborator, error)
	ListCollaborators(ctx context.Context, sessionID string) ([]*models.Collaborator, error)
	RegenerateInvite(ctx context.Context, sessionID string, ttl time.Duration) (*models.Session, error)
	InviteURL(s *models.Session) string
	Authorize(ctx context.Context, sessionID, userID string, action models.Action) (*models.Collaborator, error)
}

// PresenceService backs the collaborator endpoints
type PresenceService interface {
	Heartbeat(ctx context.Context, collaboratorID string) (*models.Collaborator, error)
	UpdateCursor(ctx context.Context, collaboratorID string, x, y float64, targetElementID string) error
	UpdateSelection(ctx context.Context, collaboratorID string, elementIDs []string) error
	RecordEdit(ctx context.Context, collaboratorID, updateType string) error
	RecordChatMessage(ctx context.Context, collaboratorID string) error
	MarkAway(ctx context.Context, collaboratorID string) error
}

// EventService publishes server-side events and serves the event log
type EventService interface {
	Emit(ctx context.Context, sessionID, userID string, ev protocol.Event, at time.Time) error
	History(ctx context.Context, sessionID, afterID string, limit int) ([]*protocol.Envelope, error)
}
