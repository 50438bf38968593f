package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// SessionStatus is the lifecycle state of a collaboration session
type SessionStatus string

const (
	SessionActive SessionStatus = "active"
	SessionPaused SessionStatus = "paused"
	SessionEnded  SessionStatus = "ended"
)

/*
Session lifecycle:

  create ──► active ◄──► paused
               │            │
               └────► ended ◄┘   (terminal)

A session is ended explicitly by its owner, by the janitor once the invite
has expired, or when the owning diagram is deleted. Ending a session forces
every collaborator offline in the same update.
*/

// Session is a bounded collaborative editing context over one diagram
type Session struct {
	SessionID        string        `json:"session_id" gorm:"column:session_id;type:varchar(36);primaryKey"`
	DiagramID        string        `json:"diagram_id" gorm:"type:varchar(64);not null;index"`
	OwnerID          string        `json:"owner_id" gorm:"type:varchar(64);not null;index"`
	Status           SessionStatus `json:"status" gorm:"type:varchar(16);not null;default:'active';index:idx_sessions_expiry,priority:1"`
	StartedAt        time.Time     `json:"started_at" gorm:"not null"`
	EndedAt          *time.Time    `json:"ended_at,omitempty"`
	MaxCollaborators int           `json:"max_collaborators" gorm:"not null;default:10"`
	AllowAnonymous   bool          `json:"allow_anonymous" gorm:"not null;default:false"`
	InviteToken      string        `json:"-" gorm:"type:varchar(64);not null;uniqueIndex"`
	InviteExpiresAt  *time.Time    `json:"invite_expires_at,omitempty" gorm:"index:idx_sessions_expiry,priority:2"`
	IsPublic         bool          `json:"is_public" gorm:"not null;default:false"`
	ActiveUsersCount int           `json:"active_users_count" gorm:"not null;default:0"`
	CreatedAt        time.Time     `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt        time.Time     `json:"updated_at" gorm:"autoUpdateTime"`

	Collaborators []Collaborator `json:"collaborators,omitempty" gorm:"foreignKey:SessionID;references:SessionID;constraint:OnDelete:CASCADE"`
}

// BeforeCreate generates the session UUID
func (s *Session) BeforeCreate(tx *gorm.DB) error {
	if s.SessionID == "" {
		s.SessionID = uuid.NewString()
	}
	return nil
}

// TableName override
func (Session) TableName() string {
	return "sessions"
}

func (s *Session) IsActive() bool { return s.Status == SessionActive }
func (s *Session) IsPaused() bool { return s.Status == SessionPaused }
func (s *Session) IsEnded() bool  { return s.Status == SessionEnded }

// IsInviteValid reports whether the invite has not expired.
// Status is checked separately by the join path.
func (s *Session) IsInviteValid(now time.Time) bool {
	return s.InviteExpiresAt == nil || s.InviteExpiresAt.After(now)
}

// IsExpired is the janitor's predicate: an active session whose invite has lapsed
func (s *Session) IsExpired(now time.Time) bool {
	return s.IsActive() && s.InviteExpiresAt != nil && s.InviteExpiresAt.Before(now)
}

// CanAcceptMoreCollaborators compares the cached online count against capacity
func (s *Session) CanAcceptMoreCollaborators() bool {
	return s.ActiveUsersCount < s.MaxCollaborators
}

// Clone returns a detached copy (collaborators are not copied)
func (s *Session) Clone() *Session {
	c := *s
	c.Collaborators = nil
	if s.EndedAt != nil {
		t := *s.EndedAt
		c.EndedAt = &t
	}
	if s.InviteExpiresAt != nil {
		t := *s.InviteExpiresAt
		c.InviteExpiresAt = &t
	}
	return &c
}

// SessionStats is the observability snapshot reported by the daily dry run
type SessionStats struct {
	ActiveSessions      int64     `json:"active_sessions"`
	PausedSessions      int64     `json:"paused_sessions"`
	EndedSessions       int64     `json:"ended_sessions"`
	ExpiredActive       int64     `json:"expired_active"`
	OnlineCollaborators int64     `json:"online_collaborators"`
	GeneratedAt         time.Time `json:"generated_at"`
}
