package protocol

import (
	"encoding/json"
	"time"
)

// Kind names an envelope variant
type Kind string

const (
	// Persisted events
	KindDiagramUpdated Kind = "diagram.updated"
	KindUserJoined     Kind = "user.joined"
	KindUserLeft       Kind = "user.left"

	// Ephemeral signals
	KindCursorMoved      Kind = "client-cursor-moved"
	KindSelectionChanged Kind = "client-selection-changed"
	KindDraftUpdated     Kind = "client-diagram-draft"
	KindPresenceChanged  Kind = "presence.changed"

	// Fabric membership
	KindMemberSnapshot Kind = "member.snapshot"
	KindMemberAdded    Kind = "member.added"
	KindMemberRemoved  Kind = "member.removed"
)

// Update types carried by DiagramUpdate. The set is open.
const (
	UpdateElementCreated  = "element_created"
	UpdateElementUpdated  = "element_updated"
	UpdateElementDeleted  = "element_deleted"
	UpdateRelationCreated = "relation_created"
	UpdateRelationUpdated = "relation_updated"
	UpdateRelationDeleted = "relation_deleted"
	UpdateFullSnapshot    = "full_snapshot"
)

// Persisted reports whether envelopes of this kind are durable
func (k Kind) Persisted() bool {
	switch k {
	case KindDiagramUpdated, KindUserJoined, KindUserLeft:
		return true
	}
	return false
}

// Ephemeral reports whether envelopes of this kind are best-effort signals
func (k Kind) Ephemeral() bool {
	switch k {
	case KindCursorMoved, KindSelectionChanged, KindDraftUpdated, KindPresenceChanged:
		return true
	}
	return false
}

// Membership reports whether the kind is produced by the channel fabric itself
func (k Kind) Membership() bool {
	switch k {
	case KindMemberSnapshot, KindMemberAdded, KindMemberRemoved:
		return true
	}
	return false
}

// Event is one payload variant
type Event interface {
	Kind() Kind
}

// User describes a participant in join/leave events
type User struct {
	ID             string `json:"id"`
	CollaboratorID string `json:"collaborator_id"`
	Name           string `json:"name"`
	Role           string `json:"role"`
	Color          string `json:"color,omitempty"`
	Anonymous      bool   `json:"anonymous,omitempty"`
}

// Member is a live subscriber of a channel
type Member struct {
	ConnectionID string `json:"connection_id"`
	UserID       string `json:"user_id"`
	Name         string `json:"name"`
}

// DiagramUpdate relays an opaque document change
type DiagramUpdate struct {
	UpdateType string          `json:"update_type"`
	Data       json.RawMessage `json:"data"`
}

type UserJoined struct {
	User User `json:"user"`
}

type UserLeft struct {
	User User `json:"user"`
}

type CursorMove struct {
	X               float64 `json:"x"`
	Y               float64 `json:"y"`
	TargetElementID string  `json:"target_element_id,omitempty"`
}

type SelectionChange struct {
	ElementIDs []string `json:"element_ids"`
}

// DraftUpdate is live feedback for a change that is not finalized yet
type DraftUpdate struct {
	UpdateType string          `json:"update_type"`
	Data       json.RawMessage `json:"data"`
}

type PresenceChange struct {
	CollaboratorID string    `json:"collaborator_id"`
	Status         string    `json:"status"`
	LastSeenAt     time.Time `json:"last_seen_at"`
}

// MembershipSnapshot lists who is subscribed at the moment of attach
type MembershipSnapshot struct {
	Members []Member `json:"members"`
}

type MemberAdded struct {
	Member Member `json:"member"`
}

type MemberRemoved struct {
	Member Member `json:"member"`
}

func (DiagramUpdate) Kind() Kind      { return KindDiagramUpdated }
func (UserJoined) Kind() Kind         { return KindUserJoined }
func (UserLeft) Kind() Kind           { return KindUserLeft }
func (CursorMove) Kind() Kind         { return KindCursorMoved }
func (SelectionChange) Kind() Kind    { return KindSelectionChanged }
func (DraftUpdate) Kind() Kind        { return KindDraftUpdated }
func (PresenceChange) Kind() Kind     { return KindPresenceChanged }
func (MembershipSnapshot) Kind() Kind { return KindMemberSnapshot }
func (MemberAdded) Kind() Kind        { return KindMemberAdded }
func (MemberRemoved) Kind() Kind      { return KindMemberRemoved }
