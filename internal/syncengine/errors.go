package syncengine

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotConnected   = errors.New("syncengine: not connected")
	ErrAlreadyStarted = errors.New("syncengine: already initialized")
)

// TransportError is a subscribe or publish failure. It is retryable and
// drives the reconnect loop.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// TimeoutError is a subscribe that exceeded its bound. errors.As also
// matches it as a *TransportError.
type TimeoutError struct {
	Op    string
	After time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("transport %s timed out after %s", e.Op, e.After)
}

func (e *TimeoutError) Timeout() bool { return true }

func (e *TimeoutError) Unwrap() error { return context.DeadlineExceeded }

func (e *TimeoutError) As(target any) bool {
	if t, ok := target.(**TransportError); ok {
		*t = &TransportError{Op: e.Op, Err: e}
		return true
	}
	return false
}

// IsRetryable reports whether err came from the transport
func IsRetryable(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}
