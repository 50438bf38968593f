package repository

import (
	"errors"
	"time"

	"diagram-collab/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// forUpdate adds a row lock on dialects that support it
func forUpdate(tx *gorm.DB) *gorm.DB {
	if tx.Dialector.Name() == "postgres" {
		return tx.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	return tx
}

func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return ErrNotFound
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return ErrDuplicate
	}
	return err
}

// countOnline counts collaborators that are stored online with a fresh heartbeat
func countOnline(tx *gorm.DB, sessionID string, now time.Time) (int, error) {
	var n int64
	err := tx.Model(&models.Collaborator{}).
		Where("session_id = ? AND status = ? AND last_seen_at > ?",
			sessionID, models.PresenceOnline, now.Add(-models.StalenessWindow)).
		Count(&n).Error
	return int(n), err
}

// recount rewrites the cached active_users_count from the collaborator rows
func recount(tx *gorm.DB, sessionID string, now time.Time) (int, error) {
	n, err := countOnline(tx, sessionID, now)
	if err != nil {
		return 0, err
	}
	err = tx.Model(&models.Session{}).
		Where("session_id = ?", sessionID).
		UpdateColumn("active_users_count", n).Error
	return n, err
}
