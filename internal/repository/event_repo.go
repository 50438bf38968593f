package repository

import (
	"context"
	"fmt"

	"diagram-collab/internal/models"

	"gorm.io/gorm"
)

/*
Session event log persistence.

Query patterns:
- StoreEvent: append a persisted envelope
- ListEvents: replay for a late joiner (optionally after a known event id)
- DeleteOldEvents: compaction, keeps the newest N events of a session
*/

// EventRepositoryImpl handles the persisted event log
type EventRepositoryImpl struct {
	db *gorm.DB
}

// NewEventRepository creates a new event repository
func NewEventRepository(db *gorm.DB) *EventRepositoryImpl {
	return &EventRepositoryImpl{db: db}
}

// StoreEvent appends an event
func (r *EventRepositoryImpl) StoreEvent(ctx context.Context, event *models.SessionEvent) error {
	if err := r.db.WithContext(ctx).Create(event).Error; err != nil {
		return fmt.Errorf("failed to store session event: %w", err)
	}
	return nil
}

// ListEvents returns events of a session in publish order.
// An empty afterID replays from the beginning; limit <= 0 means no limit.
func (r *EventRepositoryImpl) ListEvents(ctx context.Context, sessionID, afterID string, limit int) ([]*models.SessionEvent, error) {
	var events []*models.SessionEvent

	q := r.db.WithContext(ctx).Where("session_id = ?", sessionID)
	if afterID != "" {
		q = q.Where("id > ?", afterID)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}

	if err := q.Order("id ASC").Find(&events).Error; err != nil {
		return nil, fmt.Errorf("failed to list session events: %w", err)
	}
	return events, nil
}

// DeleteOldEvents removes all but the newest keepCount events of a session
func (r *EventRepositoryImpl) DeleteOldEvents(ctx context.Context, sessionID string, keepCount int) (int64, error) {
	var count int64
	if err := r.db.WithContext(ctx).
		Model(&models.SessionEvent{}).
		Where("session_id = ?", sessionID).
		Count(&count).Error; err != nil {
		return 0, err
	}

	if count <= int64(keepCount) {
		return 0, nil
	}
	if keepCount <= 0 {
		result := r.db.WithContext(ctx).Where("session_id = ?", sessionID).Delete(&models.SessionEvent{})
		return result.RowsAffected, result.Error
	}

	// The oldest event that survives
	var cutoff models.SessionEvent
	if err := r.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("id ASC").
		Offset(int(count - int64(keepCount))).
		First(&cutoff).Error; err != nil {
		return 0, err
	}

	result := r.db.WithContext(ctx).
		Where("session_id = ? AND id < ?", sessionID, cutoff.ID).
		Delete(&models.SessionEvent{})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to delete old session events: %w", result.Error)
	}
	return result.RowsAffected, nil
}
