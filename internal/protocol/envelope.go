package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	ErrUnknownKind     = errors.New("protocol: unknown event kind")
	ErrInvalidEnvelope = errors.New("protocol: invalid envelope")
)

// Envelope is the unit exchanged over a session channel
type Envelope struct {
	ID        string          `json:"id"`
	Kind      Kind            `json:"kind"`
	Channel   string          `json:"channel"`
	SessionID string          `json:"session_id"`
	UserID    string          `json:"user_id"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// NewEnvelope stamps an event with the session envelope fields
func NewEnvelope(sessionID, userID string, ev Event, at time.Time) (*Envelope, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s payload: %w", ev.Kind(), err)
	}
	return &Envelope{
		ID:        ulid.Make().String(),
		Kind:      ev.Kind(),
		Channel:   ChannelName(sessionID),
		SessionID: sessionID,
		UserID:    userID,
		Timestamp: at.UTC(),
		Payload:   payload,
	}, nil
}

// Validate checks the envelope fields the fabric relies on
func (e *Envelope) Validate() error {
	switch {
	case e.SessionID == "":
		return fmt.Errorf("%w: missing session id", ErrInvalidEnvelope)
	case e.Kind == "":
		return fmt.Errorf("%w: missing kind", ErrInvalidEnvelope)
	case e.Channel != "" && e.Channel != ChannelName(e.SessionID):
		return fmt.Errorf("%w: channel %q does not match session", ErrInvalidEnvelope, e.Channel)
	}
	return nil
}

// Decode returns the payload as its concrete variant
func (e *Envelope) Decode() (Event, error) {
	var ev Event
	switch e.Kind {
	case KindDiagramUpdated:
		ev = &DiagramUpdate{}
	case KindUserJoined:
		ev = &UserJoined{}
	case KindUserLeft:
		ev = &UserLeft{}
	case KindCursorMoved:
		ev = &CursorMove{}
	case KindSelectionChanged:
		ev = &SelectionChange{}
	case KindDraftUpdated:
		ev = &DraftUpdate{}
	case KindPresenceChanged:
		ev = &PresenceChange{}
	case KindMemberSnapshot:
		ev = &MembershipSnapshot{}
	case KindMemberAdded:
		ev = &MemberAdded{}
	case KindMemberRemoved:
		ev = &MemberRemoved{}
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownKind, e.Kind)
	}
	if len(e.Payload) > 0 {
		if err := json.Unmarshal(e.Payload, ev); err != nil {
			return nil, fmt.Errorf("failed to decode %s payload: %w", e.Kind, err)
		}
	}
	return ev, nil
}

// Marshal encodes the envelope for the wire
func (e *Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// Unmarshal decodes and validates a wire envelope
func Unmarshal(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	if err := env.Validate(); err != nil {
		return nil, err
	}
	return &env, nil
}
