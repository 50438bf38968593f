package services

import (
	"errors"
	"fmt"
)

var (
	ErrSessionEnded = errors.New("session has ended")
	ErrForbidden    = errors.New("not permitted in this session")
)

// ValidationError reports a bad input field
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// JoinReason says why a join was refused
type JoinReason string

const (
	ReasonInvalidToken        JoinReason = "invalid_token"
	ReasonExpired             JoinReason = "expired"
	ReasonSessionPaused       JoinReason = "session_paused"
	ReasonAnonymousNotAllowed JoinReason = "anonymous_not_allowed"
	ReasonFull                JoinReason = "full"
)

// JoinError is returned by JoinSession. Compare with errors.Is against the
// sentinels below; the session id is informational.
type JoinError struct {
	Reason    JoinReason
	SessionID string
}

var (
	ErrInvalidToken        = &JoinError{Reason: ReasonInvalidToken}
	ErrExpired             = &JoinError{Reason: ReasonExpired}
	ErrSessionPaused       = &JoinError{Reason: ReasonSessionPaused}
	ErrAnonymousNotAllowed = &JoinError{Reason: ReasonAnonymousNotAllowed}
	ErrFull                = &JoinError{Reason: ReasonFull}
)

func (e *JoinError) Error() string {
	if e.SessionID == "" {
		return fmt.Sprintf("join refused: %s", e.Reason)
	}
	return fmt.Sprintf("join refused for session %s: %s", e.SessionID, e.Reason)
}

func (e *JoinError) Is(target error) bool {
	t, ok := target.(*JoinError)
	return ok && t.Reason == e.Reason
}

func joinError(reason JoinReason, sessionID string) *JoinError {
	return &JoinError{Reason: reason, SessionID: sessionID}
}
