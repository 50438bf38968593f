package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"diagram-collab/internal/models"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// CollaboratorRepositoryImpl handles collaborator rows and the presence
// writes that must stay consistent with the session's cached counter
type CollaboratorRepositoryImpl struct {
	db *gorm.DB
}

// NewCollaboratorRepository creates a new collaborator repository
func NewCollaboratorRepository(db *gorm.DB) *CollaboratorRepositoryImpl {
	return &CollaboratorRepositoryImpl{db: db}
}

// AdmitCollaborator is find-or-create-then-reactivate under the session row lock.
//
// An authenticated candidate reuses its existing (session_id, user_id) row;
// an already-online row is refreshed without consuming a seat. Otherwise a
// seat must be free. The unique index on (session_id, user_id) backs this up
// if two admissions race past the lookup.
func (r *CollaboratorRepositoryImpl) AdmitCollaborator(ctx context.Context, candidate *models.Collaborator, now time.Time) (*models.Collaborator, bool, error) {
	var admitted *models.Collaborator
	created := false

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var s models.Session
		if err := forUpdate(tx).First(&s, "session_id = ?", candidate.SessionID).Error; err != nil {
			return translate(err)
		}
		if !s.IsActive() {
			return ErrSessionNotActive
		}

		var existing *models.Collaborator
		if candidate.UserID != nil {
			var row models.Collaborator
			err := tx.Where("session_id = ? AND user_id = ?", candidate.SessionID, *candidate.UserID).First(&row).Error
			switch {
			case err == nil:
				existing = &row
			case !errors.Is(err, gorm.ErrRecordNotFound):
				return err
			}
		}

		if existing != nil && models.IsOnline(existing, now) {
			existing.LastSeenAt = now
			if err := tx.Model(existing).UpdateColumn("last_seen_at", now).Error; err != nil {
				return err
			}
			admitted = existing
			return nil
		}

		online, err := countOnline(tx, s.SessionID, now)
		if err != nil {
			return err
		}
		if online >= s.MaxCollaborators {
			return ErrCapacityReached
		}

		if existing != nil {
			updates := map[string]interface{}{
				"status":       models.PresenceOnline,
				"last_seen_at": now,
				"left_at":      nil,
			}
			if candidate.DisplayName != "" {
				updates["display_name"] = candidate.DisplayName
			}
			if candidate.Role == models.RoleOwner {
				updates["role"] = models.RoleOwner
			}
			if err := tx.Model(existing).Updates(updates).Error; err != nil {
				return err
			}
			if err := tx.First(existing, "id = ?", existing.ID).Error; err != nil {
				return err
			}
			admitted = existing
		} else {
			if err := tx.Create(candidate).Error; err != nil {
				return translate(err)
			}
			admitted = candidate
			created = true
		}

		_, err = recount(tx, s.SessionID, now)
		return err
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrSessionNotActive) ||
			errors.Is(err, ErrCapacityReached) || errors.Is(err, ErrDuplicate) {
			return nil, false, err
		}
		return nil, false, fmt.Errorf("failed to admit collaborator: %w", err)
	}
	return admitted, created, nil
}

// GetCollaborator retrieves a collaborator by id
func (r *CollaboratorRepositoryImpl) GetCollaborator(ctx context.Context, id string) (*models.Collaborator, error) {
	var c models.Collaborator
	if err := r.db.WithContext(ctx).First(&c, "id = ?", id).Error; err != nil {
		if translate(err) == ErrNotFound {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get collaborator: %w", err)
	}
	return &c, nil
}

// FindCollaborator looks up the row of an authenticated user in a session
func (r *CollaboratorRepositoryImpl) FindCollaborator(ctx context.Context, sessionID, userID string) (*models.Collaborator, error) {
	var c models.Collaborator
	err := r.db.WithContext(ctx).
		Where("session_id = ? AND user_id = ?", sessionID, userID).
		First(&c).Error
	if err != nil {
		if translate(err) == ErrNotFound {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to find collaborator: %w", err)
	}
	return &c, nil
}

// ListCollaborators returns every collaborator ever attached to the session
func (r *CollaboratorRepositoryImpl) ListCollaborators(ctx context.Context, sessionID string) ([]*models.Collaborator, error) {
	var rows []*models.Collaborator
	err := r.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("joined_at ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list collaborators: %w", err)
	}
	return rows, nil
}

// MarkOffline records a leave. It reports false when the collaborator was already offline.
func (r *CollaboratorRepositoryImpl) MarkOffline(ctx context.Context, id string, at time.Time) (bool, error) {
	return r.setStatus(ctx, id, models.PresenceOffline, at)
}

// MarkAway flips an online collaborator to away
func (r *CollaboratorRepositoryImpl) MarkAway(ctx context.Context, id string, at time.Time) (bool, error) {
	return r.setStatus(ctx, id, models.PresenceAway, at)
}

func (r *CollaboratorRepositoryImpl) setStatus(ctx context.Context, id string, status models.PresenceStatus, at time.Time) (bool, error) {
	changed := false
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var c models.Collaborator
		if err := forUpdate(tx).First(&c, "id = ?", id).Error; err != nil {
			return translate(err)
		}
		if c.Status == status || c.Status == models.PresenceOffline {
			return nil
		}

		updates := map[string]interface{}{"status": status}
		if status == models.PresenceOffline {
			updates["left_at"] = at
		}
		if err := tx.Model(&c).Updates(updates).Error; err != nil {
			return err
		}
		changed = true

		_, err := recount(tx, c.SessionID, at)
		return err
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, err
		}
		return false, fmt.Errorf("failed to set collaborator status: %w", err)
	}
	return changed, nil
}

// Heartbeat refreshes last_seen_at and returns the effective status before the write.
// A collaborator that had lapsed to away is promoted back to online only if a seat is free.
func (r *CollaboratorRepositoryImpl) Heartbeat(ctx context.Context, id string, now time.Time) (models.PresenceStatus, error) {
	var previous models.PresenceStatus
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var c models.Collaborator
		if err := tx.First(&c, "id = ?", id).Error; err != nil {
			return translate(err)
		}
		if c.Status == models.PresenceOffline {
			return ErrCollaboratorOffline
		}

		previous = models.EffectiveStatus(&c, now)
		if previous == models.PresenceOnline {
			return tx.Model(&c).UpdateColumn("last_seen_at", now).Error
		}

		var s models.Session
		if err := forUpdate(tx).First(&s, "session_id = ?", c.SessionID).Error; err != nil {
			return translate(err)
		}
		online, err := countOnline(tx, s.SessionID, now)
		if err != nil {
			return err
		}
		if online >= s.MaxCollaborators {
			return ErrCapacityReached
		}

		if err := tx.Model(&c).Updates(map[string]interface{}{
			"status":       models.PresenceOnline,
			"last_seen_at": now,
		}).Error; err != nil {
			return err
		}
		_, err = recount(tx, s.SessionID, now)
		return err
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrCollaboratorOffline) || errors.Is(err, ErrCapacityReached) {
			return "", err
		}
		return "", fmt.Errorf("failed to record heartbeat: %w", err)
	}
	return previous, nil
}

// UpdateCursor overwrites the cursor; no history is kept
func (r *CollaboratorRepositoryImpl) UpdateCursor(ctx context.Context, id string, cursor models.CursorPosition) error {
	return r.updateColumn(ctx, id, "cursor_position", datatypes.NewJSONType(cursor))
}

// UpdateSelection overwrites the current selection
func (r *CollaboratorRepositoryImpl) UpdateSelection(ctx context.Context, id string, elementIDs []string) error {
	if elementIDs == nil {
		elementIDs = []string{}
	}
	return r.updateColumn(ctx, id, "current_selection", datatypes.NewJSONType(elementIDs))
}

func (r *CollaboratorRepositoryImpl) updateColumn(ctx context.Context, id, column string, value interface{}) error {
	result := r.db.WithContext(ctx).
		Model(&models.Collaborator{}).
		Where("id = ?", id).
		Update(column, value)
	if result.Error != nil {
		return fmt.Errorf("failed to update %s: %w", column, result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// IncrementCounters applies atomic in-place increments to the activity counters
func (r *CollaboratorRepositoryImpl) IncrementCounters(ctx context.Context, id string, delta models.CounterDelta) error {
	result := r.db.WithContext(ctx).
		Model(&models.Collaborator{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"edits_count":       gorm.Expr("edits_count + ?", delta.Edits),
			"elements_created":  gorm.Expr("elements_created + ?", delta.ElementsCreated),
			"elements_modified": gorm.Expr("elements_modified + ?", delta.ElementsModified),
			"chat_messages":     gorm.Expr("chat_messages + ?", delta.ChatMessages),
		})
	if result.Error != nil {
		return fmt.Errorf("failed to increment counters: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ChangeRole swaps the role only if the collaborator currently holds `from`
func (r *CollaboratorRepositoryImpl) ChangeRole(ctx context.Context, id string, from, to models.Role) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&models.Collaborator{}).
		Where("id = ? AND role = ?", id, from).
		Update("role", to)
	if result.Error != nil {
		return false, fmt.Errorf("failed to change role: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		if _, err := r.GetCollaborator(ctx, id); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}
