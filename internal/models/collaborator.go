package models

import (
	"time"

	"github.com/segmentio/ksuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// StalenessWindow is how long a heartbeat keeps a collaborator online
const StalenessWindow = 5 * time.Minute

type Role string

const (
	RoleOwner  Role = "owner"
	RoleEditor Role = "editor"
	RoleViewer Role = "viewer"
)

type PresenceStatus string

const (
	PresenceOnline  PresenceStatus = "online"
	PresenceAway    PresenceStatus = "away"
	PresenceOffline PresenceStatus = "offline"
)

// AnonymousPalette is the fixed set of display colors handed to anonymous participants
var AnonymousPalette = []string{
	"#E53935", // red
	"#FB8C00", // orange
	"#FDD835", // yellow
	"#43A047", // green
	"#1E88E5", // blue
	"#5E35B1", // indigo
	"#8E24AA", // violet
}

// CursorPosition is the last reported pointer location of a collaborator.
// A zero Timestamp means no cursor has been reported yet.
type CursorPosition struct {
	X               float64   `json:"x"`
	Y               float64   `json:"y"`
	TargetElementID string    `json:"target_element_id,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
}

// Collaborator is a participant attached to a Session.
// At most one row exists per (session_id, user_id); anonymous rows have a nil UserID.
type Collaborator struct {
	ID             string         `json:"id" gorm:"type:char(27);primaryKey"`
	SessionID      string         `json:"session_id" gorm:"type:varchar(36);not null;index;uniqueIndex:idx_collaborators_session_user,priority:1"`
	UserID         *string        `json:"user_id,omitempty" gorm:"type:varchar(64);uniqueIndex:idx_collaborators_session_user,priority:2"`
	DisplayName    string         `json:"display_name" gorm:"type:varchar(128);not null;default:''"`
	AnonymousName  *string        `json:"anonymous_name,omitempty" gorm:"type:varchar(128)"`
	AnonymousColor *string        `json:"anonymous_color,omitempty" gorm:"type:varchar(16)"`
	Role           Role           `json:"role" gorm:"type:varchar(16);not null;default:'viewer'"`
	Status         PresenceStatus `json:"status" gorm:"type:varchar(16);not null;default:'online';index"`

	Permissions      datatypes.JSONType[Permissions]    `json:"permissions" gorm:"not null"`
	CursorPosition   datatypes.JSONType[CursorPosition] `json:"cursor_position" gorm:"not null"`
	CurrentSelection datatypes.JSONType[[]string]       `json:"current_selection" gorm:"not null"`

	JoinedAt   time.Time  `json:"joined_at" gorm:"not null"`
	LastSeenAt time.Time  `json:"last_seen_at" gorm:"not null;index"`
	LeftAt     *time.Time `json:"left_at,omitempty"`

	EditsCount       int `json:"edits_count" gorm:"not null;default:0"`
	ElementsCreated  int `json:"elements_created" gorm:"not null;default:0"`
	ElementsModified int `json:"elements_modified" gorm:"not null;default:0"`
	ChatMessages     int `json:"chat_messages" gorm:"not null;default:0"`

	CreatedAt time.Time `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt time.Time `json:"updated_at" gorm:"autoUpdateTime"`
}

// BeforeCreate generates KSUID
func (c *Collaborator) BeforeCreate(tx *gorm.DB) error {
	if c.ID == "" {
		c.ID = ksuid.New().String()
	}
	return nil
}

// TableName override
func (Collaborator) TableName() string {
	return "collaborators"
}

// NewCollaborator builds an online collaborator row with empty cursor and selection
func NewCollaborator(sessionID string, role Role, now time.Time) *Collaborator {
	return &Collaborator{
		ID:               ksuid.New().String(),
		SessionID:        sessionID,
		Role:             role,
		Status:           PresenceOnline,
		Permissions:      datatypes.NewJSONType(Permissions{}),
		CursorPosition:   datatypes.NewJSONType(CursorPosition{}),
		CurrentSelection: datatypes.NewJSONType([]string{}),
		JoinedAt:         now,
		LastSeenAt:       now,
	}
}

func (c *Collaborator) IsAnonymous() bool { return c.UserID == nil }

// Name returns the display name, falling back to the generated anonymous name
func (c *Collaborator) Name() string {
	if c.DisplayName != "" {
		return c.DisplayName
	}
	if c.AnonymousName != nil {
		return *c.AnonymousName
	}
	return ""
}

// IsOnline is the authoritative presence check: the stored status alone is advisory.
func IsOnline(c *Collaborator, now time.Time) bool {
	return c.Status == PresenceOnline && now.Sub(c.LastSeenAt) < StalenessWindow
}

// EffectiveStatus folds a lapsed heartbeat into "away" without touching the row
func EffectiveStatus(c *Collaborator, now time.Time) PresenceStatus {
	if c.Status == PresenceOnline && !IsOnline(c, now) {
		return PresenceAway
	}
	return c.Status
}

// Can resolves a permission against the collaborator's overrides and role defaults
func (c *Collaborator) Can(action Action) bool {
	return c.Permissions.Data().Allows(c.Role, action)
}

// Clone returns a detached copy safe to hand out of a store
func (c *Collaborator) Clone() *Collaborator {
	cp := *c
	if c.UserID != nil {
		v := *c.UserID
		cp.UserID = &v
	}
	if c.AnonymousName != nil {
		v := *c.AnonymousName
		cp.AnonymousName = &v
	}
	if c.AnonymousColor != nil {
		v := *c.AnonymousColor
		cp.AnonymousColor = &v
	}
	if c.LeftAt != nil {
		v := *c.LeftAt
		cp.LeftAt = &v
	}
	sel := append([]string(nil), c.CurrentSelection.Data()...)
	if sel == nil {
		sel = []string{}
	}
	cp.CurrentSelection = datatypes.NewJSONType(sel)
	return &cp
}

// CounterDelta is an increment applied to a collaborator's activity counters
type CounterDelta struct {
	Edits            int
	ElementsCreated  int
	ElementsModified int
	ChatMessages     int
}
