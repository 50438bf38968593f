package protocol

import (
	"errors"
	"strings"
)

// ChannelPrefix is prepended to a session id to name its channel
const ChannelPrefix = "session:"

var ErrChannelDenied = errors.New("protocol: channel subscription denied")

// Identity is what the identity provider supplies for an authenticated participant
type Identity struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
}

// ChannelAuthorization is returned to a permitted subscriber
type ChannelAuthorization struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// ChannelName returns the channel of a session
func ChannelName(sessionID string) string {
	return ChannelPrefix + sessionID
}

// SessionIDFromChannel extracts the session id from a channel name
func SessionIDFromChannel(channel string) (string, bool) {
	id, ok := strings.CutPrefix(channel, ChannelPrefix)
	if !ok || id == "" || strings.ContainsAny(id, ": ") {
		return "", false
	}
	return id, true
}

// AuthorizeChannel permits any authenticated identity to subscribe to a well-formed
// session channel. Collaborator rows are not consulted; per-action checks happen
// where mutations are accepted.
func AuthorizeChannel(identity *Identity, channel string) (*ChannelAuthorization, error) {
	if identity == nil || identity.ID == "" {
		return nil, ErrChannelDenied
	}
	if _, ok := SessionIDFromChannel(channel); !ok {
		return nil, ErrChannelDenied
	}
	name := identity.DisplayName
	if name == "" {
		name = identity.ID
	}
	return &ChannelAuthorization{ID: identity.ID, Name: name}, nil
}
