package services

import (
	"context"
	"errors"
	"time"

	"diagram-collab/internal/models"
	"diagram-collab/internal/protocol"
	"diagram-collab/internal/repository"

	"go.uber.org/zap"
)

/*
Presence is lazy. A collaborator is online when its stored status is online
AND its last heartbeat is inside models.StalenessWindow. Nothing rewrites
rows when a heartbeat lapses; reads fold the lapse into "away" and every
read of active_users_count recounts.

  online ──(no heartbeat for 5m)──► away (derived)
    ▲                                 │
    └────────── heartbeat ◄───────────┘  capacity permitting
*/

// PresenceTracker records liveness and activity of collaborators
type PresenceTracker struct {
	collaborators CollaboratorRepository
	broadcaster   *Broadcaster
	logger        *zap.Logger
	now           func() time.Time
}

func NewPresenceTracker(collaborators CollaboratorRepository, broadcaster *Broadcaster, logger *zap.Logger, now func() time.Time) *PresenceTracker {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &PresenceTracker{
		collaborators: collaborators,
		broadcaster:   broadcaster,
		logger:        logger,
		now:           now,
	}
}

// Heartbeat refreshes last_seen_at. An away collaborator comes back online
// if the session has a free seat; an offline one has to rejoin.
func (t *PresenceTracker) Heartbeat(ctx context.Context, collaboratorID string) (*models.Collaborator, error) {
	now := t.now()
	previous, err := t.collaborators.Heartbeat(ctx, collaboratorID, now)
	if err != nil {
		return nil, err
	}

	c, err := t.collaborators.GetCollaborator(ctx, collaboratorID)
	if err != nil {
		return nil, err
	}
	if previous == models.PresenceAway {
		t.logger.Debug("collaborator back online",
			zap.String("session_id", c.SessionID),
			zap.String("collaborator_id", c.ID),
		)
		t.broadcaster.emitQuietly(ctx, c.SessionID, userIDOf(c), protocol.PresenceChange{
			CollaboratorID: c.ID,
			Status:         string(models.PresenceOnline),
			LastSeenAt:     now,
		}, now)
	}
	return c, nil
}

// IsOnline is the authoritative presence check for reads
func (t *PresenceTracker) IsOnline(c *models.Collaborator) bool {
	return models.IsOnline(c, t.now())
}

// EffectiveStatus reports the status a reader should see
func (t *PresenceTracker) EffectiveStatus(c *models.Collaborator) models.PresenceStatus {
	return models.EffectiveStatus(c, t.now())
}

// touch is the implicit heartbeat behind every activity call. A full session
// does not block the activity itself.
func (t *PresenceTracker) touch(ctx context.Context, collaboratorID string) error {
	_, err := t.collaborators.Heartbeat(ctx, collaboratorID, t.now())
	if errors.Is(err, repository.ErrCapacityReached) {
		t.logger.Debug("activity from collaborator that cannot return online",
			zap.String("collaborator_id", collaboratorID))
		return nil
	}
	return err
}

// UpdateCursor overwrites the stored cursor. No history is kept.
func (t *PresenceTracker) UpdateCursor(ctx context.Context, collaboratorID string, x, y float64, targetElementID string) error {
	if err := t.touch(ctx, collaboratorID); err != nil {
		return err
	}
	return t.collaborators.UpdateCursor(ctx, collaboratorID, models.CursorPosition{
		X:               x,
		Y:               y,
		TargetElementID: targetElementID,
		Timestamp:       t.now(),
	})
}

func (t *PresenceTracker) UpdateSelection(ctx context.Context, collaboratorID string, elementIDs []string) error {
	if err := t.touch(ctx, collaboratorID); err != nil {
		return err
	}
	return t.collaborators.UpdateSelection(ctx, collaboratorID, elementIDs)
}

// RecordEdit counts one edit, attributing it to created or modified elements by update type
func (t *PresenceTracker) RecordEdit(ctx context.Context, collaboratorID, updateType string) error {
	if err := t.touch(ctx, collaboratorID); err != nil {
		return err
	}
	return t.collaborators.IncrementCounters(ctx, collaboratorID, editDelta(updateType))
}

func editDelta(updateType string) models.CounterDelta {
	delta := models.CounterDelta{Edits: 1}
	switch updateType {
	case protocol.UpdateElementCreated, protocol.UpdateRelationCreated:
		delta.ElementsCreated = 1
	case protocol.UpdateElementUpdated, protocol.UpdateRelationUpdated:
		delta.ElementsModified = 1
	}
	return delta
}

func (t *PresenceTracker) RecordChatMessage(ctx context.Context, collaboratorID string) error {
	if err := t.touch(ctx, collaboratorID); err != nil {
		return err
	}
	return t.collaborators.IncrementCounters(ctx, collaboratorID, models.CounterDelta{ChatMessages: 1})
}

// MarkAway records an explicit idle signal from the client
func (t *PresenceTracker) MarkAway(ctx context.Context, collaboratorID string) error {
	now := t.now()
	changed, err := t.collaborators.MarkAway(ctx, collaboratorID, now)
	if err != nil || !changed {
		return err
	}

	c, err := t.collaborators.GetCollaborator(ctx, collaboratorID)
	if err != nil {
		return err
	}
	t.broadcaster.emitQuietly(ctx, c.SessionID, userIDOf(c), protocol.PresenceChange{
		CollaboratorID: c.ID,
		Status:         string(models.PresenceAway),
		LastSeenAt:     c.LastSeenAt,
	}, now)
	return nil
}
