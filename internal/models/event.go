package models

import (
	"time"

	"github.com/oklog/ulid/v2"
	"gorm.io/gorm"
)

/*
Persisted broadcast events are appended here so that a peer attaching to
the session channel late can replay what it missed:

  client A publishes DiagramUpdated → gateway stores SessionEvent
  → broker fans out to subscribers → late joiner replays the log on attach

Ephemeral signals (cursor, selection, draft) never reach this table.
*/

// SessionEvent stores one persisted broadcast envelope.
// ID is the envelope ULID, so ordering by ID is publish order.
type SessionEvent struct {
	ID        string    `gorm:"type:char(26);primaryKey" json:"id"`
	SessionID string    `gorm:"type:varchar(36);not null;index:idx_session_events_time,priority:1" json:"session_id"`
	Kind      string    `gorm:"type:varchar(64);not null" json:"kind"`
	UserID    string    `gorm:"type:varchar(64);not null;default:''" json:"user_id"`
	Envelope  []byte    `gorm:"not null" json:"-"`
	CreatedAt time.Time `gorm:"index:idx_session_events_time,priority:2" json:"created_at"`
}

// BeforeCreate generates a ULID when the envelope did not carry one
func (e *SessionEvent) BeforeCreate(tx *gorm.DB) error {
	if e.ID == "" {
		e.ID = ulid.Make().String()
	}
	return nil
}

// TableName override
func (SessionEvent) TableName() string {
	return "session_events"
}
