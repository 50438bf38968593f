package services

import (
	"context"
	"time"

	"diagram-collab/internal/models"
	"diagram-collab/internal/protocol"
)

/*
Interfaces are declared here, where they are consumed. The GORM
repositories in internal/repository and the in-memory store in
internal/repository/memstore both satisfy them.
*/

// SessionRepository is what the lifecycle manager and janitor need from session storage
type SessionRepository interface {
	CreateSession(ctx context.Context, s *models.Session) error
	GetSession(ctx context.Context, sessionID string) (*models.Session, error)
	UpdateInvite(ctx context.Context, sessionID, token string, expiresAt *time.Time) error
	TransitionStatus(ctx context.Context, sessionID string, from, to models.SessionStatus) (bool, error)
	EndSession(ctx context.Context, sessionID string, at time.Time) (bool, error)
	RefreshActiveCount(ctx context.Context, sessionID string, now time.Time) (int, error)
	ListExpiredActive(ctx context.Context, now time.Time) ([]*models.Session, error)
	ListOpenByDiagram(ctx context.Context, diagramID string) ([]*models.Session, error)
	Stats(ctx context.Context, now time.Time) (*models.SessionStats, error)
}

// CollaboratorRepository is what lifecycle and presence need from collaborator storage
type CollaboratorRepository interface {
	AdmitCollaborator(ctx context.Context, candidate *models.Collaborator, now time.Time) (*models.Collaborator, bool, error)
	GetCollaborator(ctx context.Context, id string) (*models.Collaborator, error)
	FindCollaborator(ctx context.Context, sessionID, userID string) (*models.Collaborator, error)
	ListCollaborators(ctx context.Context, sessionID string) ([]*models.Collaborator, error)
	MarkOffline(ctx context.Context, id string, at time.Time) (bool, error)
	MarkAway(ctx context.Context, id string, at time.Time) (bool, error)
	Heartbeat(ctx context.Context, id string, now time.Time) (models.PresenceStatus, error)
	UpdateCursor(ctx context.Context, id string, cursor models.CursorPosition) error
	UpdateSelection(ctx context.Context, id string, elementIDs []string) error
	IncrementCounters(ctx context.Context, id string, delta models.CounterDelta) error
	ChangeRole(ctx context.Context, id string, from, to models.Role) (bool, error)
}

// EventRepository stores persisted broadcast events for replay
type EventRepository interface {
	StoreEvent(ctx context.Context, event *models.SessionEvent) error
	ListEvents(ctx context.Context, sessionID, afterID string, limit int) ([]*models.SessionEvent, error)
	DeleteOldEvents(ctx context.Context, sessionID string, keepCount int) (int64, error)
}

// Publisher hands envelopes to the channel fabric
type Publisher interface {
	Publish(ctx context.Context, env *protocol.Envelope) error
}
