package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"diagram-collab/internal/models"

	"gorm.io/gorm"
)

// SessionRepositoryImpl handles all database operations for sessions using GORM.
// It returns a concrete type; the services package declares the interface it needs.
type SessionRepositoryImpl struct {
	db *gorm.DB
}

// NewSessionRepository creates a new session repository
func NewSessionRepository(db *gorm.DB) *SessionRepositoryImpl {
	return &SessionRepositoryImpl{db: db}
}

// CreateSession inserts a session. A colliding invite token surfaces as ErrDuplicate.
func (r *SessionRepositoryImpl) CreateSession(ctx context.Context, s *models.Session) error {
	if err := r.db.WithContext(ctx).Create(s).Error; err != nil {
		if translate(err) == ErrDuplicate {
			return ErrDuplicate
		}
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

// GetSession retrieves a session by id
func (r *SessionRepositoryImpl) GetSession(ctx context.Context, sessionID string) (*models.Session, error) {
	var s models.Session
	if err := r.db.WithContext(ctx).First(&s, "session_id = ?", sessionID).Error; err != nil {
		if translate(err) == ErrNotFound {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return &s, nil
}

// UpdateInvite replaces the invite token and expiry
func (r *SessionRepositoryImpl) UpdateInvite(ctx context.Context, sessionID, token string, expiresAt *time.Time) error {
	result := r.db.WithContext(ctx).
		Model(&models.Session{}).
		Where("session_id = ?", sessionID).
		Updates(map[string]interface{}{
			"invite_token":      token,
			"invite_expires_at": expiresAt,
		})
	if result.Error != nil {
		if translate(result.Error) == ErrDuplicate {
			return ErrDuplicate
		}
		return fmt.Errorf("failed to update invite: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// TransitionStatus moves a session from one status to another.
// It reports false when the session was not in the expected status.
func (r *SessionRepositoryImpl) TransitionStatus(ctx context.Context, sessionID string, from, to models.SessionStatus) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&models.Session{}).
		Where("session_id = ? AND status = ?", sessionID, from).
		Update("status", to)
	if result.Error != nil {
		return false, fmt.Errorf("failed to transition session: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		if _, err := r.GetSession(ctx, sessionID); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

// EndSession marks the session ended and forces every collaborator offline
// in one transaction. It reports false if the session was already ended.
func (r *SessionRepositoryImpl) EndSession(ctx context.Context, sessionID string, at time.Time) (bool, error) {
	ended := false
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var s models.Session
		if err := forUpdate(tx).First(&s, "session_id = ?", sessionID).Error; err != nil {
			return translate(err)
		}
		if s.IsEnded() {
			return nil
		}

		if err := tx.Model(&models.Session{}).
			Where("session_id = ? AND status <> ?", sessionID, models.SessionEnded).
			Updates(map[string]interface{}{
				"status":             models.SessionEnded,
				"ended_at":           at,
				"active_users_count": 0,
			}).Error; err != nil {
			return err
		}

		if err := tx.Model(&models.Collaborator{}).
			Where("session_id = ? AND status <> ?", sessionID, models.PresenceOffline).
			Updates(map[string]interface{}{
				"status":  models.PresenceOffline,
				"left_at": at,
			}).Error; err != nil {
			return err
		}

		ended = true
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, err
		}
		return false, fmt.Errorf("failed to end session: %w", err)
	}
	return ended, nil
}

// RefreshActiveCount recounts online collaborators, excluding lapsed heartbeats,
// and stores the result in the session's cached counter
func (r *SessionRepositoryImpl) RefreshActiveCount(ctx context.Context, sessionID string, now time.Time) (int, error) {
	var n int
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		n, err = recount(tx, sessionID, now)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("failed to refresh active count: %w", err)
	}
	return n, nil
}

// ListExpiredActive returns active sessions whose invite expired before now.
// Served by idx_sessions_expiry (status, invite_expires_at).
func (r *SessionRepositoryImpl) ListExpiredActive(ctx context.Context, now time.Time) ([]*models.Session, error) {
	var sessions []*models.Session
	err := r.db.WithContext(ctx).
		Where("status = ? AND invite_expires_at IS NOT NULL AND invite_expires_at < ?", models.SessionActive, now).
		Order("invite_expires_at ASC").
		Find(&sessions).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list expired sessions: %w", err)
	}
	return sessions, nil
}

// ListOpenByDiagram returns every session of a diagram that has not ended
func (r *SessionRepositoryImpl) ListOpenByDiagram(ctx context.Context, diagramID string) ([]*models.Session, error) {
	var sessions []*models.Session
	err := r.db.WithContext(ctx).
		Where("diagram_id = ? AND status <> ?", diagramID, models.SessionEnded).
		Find(&sessions).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list diagram sessions: %w", err)
	}
	return sessions, nil
}

// Stats aggregates session and presence counters for the daily report
func (r *SessionRepositoryImpl) Stats(ctx context.Context, now time.Time) (*models.SessionStats, error) {
	db := r.db.WithContext(ctx)
	stats := &models.SessionStats{GeneratedAt: now}

	counts := []struct {
		status models.SessionStatus
		dst    *int64
	}{
		{models.SessionActive, &stats.ActiveSessions},
		{models.SessionPaused, &stats.PausedSessions},
		{models.SessionEnded, &stats.EndedSessions},
	}
	for _, c := range counts {
		if err := db.Model(&models.Session{}).Where("status = ?", c.status).Count(c.dst).Error; err != nil {
			return nil, fmt.Errorf("failed to count %s sessions: %w", c.status, err)
		}
	}

	if err := db.Model(&models.Session{}).
		Where("status = ? AND invite_expires_at IS NOT NULL AND invite_expires_at < ?", models.SessionActive, now).
		Count(&stats.ExpiredActive).Error; err != nil {
		return nil, fmt.Errorf("failed to count expired sessions: %w", err)
	}

	if err := db.Model(&models.Collaborator{}).
		Where("status = ? AND last_seen_at > ?", models.PresenceOnline, now.Add(-models.StalenessWindow)).
		Count(&stats.OnlineCollaborators).Error; err != nil {
		return nil, fmt.Errorf("failed to count online collaborators: %w", err)
	}

	return stats, nil
}
