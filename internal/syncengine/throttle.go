package syncengine

import (
	"time"

	"golang.org/x/time/rate"
)

// DefaultCursorRate caps cursor broadcasts per participant
const DefaultCursorRate = 20

// CursorThrottle limits how often a participant publishes cursor moves.
// Dropped moves are not queued; the next allowed move carries the latest position.
type CursorThrottle struct {
	limiter *rate.Limiter
}

func NewCursorThrottle(perSecond float64, burst int) *CursorThrottle {
	if perSecond <= 0 {
		perSecond = DefaultCursorRate
	}
	if burst < 1 {
		burst = 1
	}
	return &CursorThrottle{limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

func (t *CursorThrottle) Allow() bool {
	return t.limiter.Allow()
}

func (t *CursorThrottle) AllowAt(now time.Time) bool {
	return t.limiter.AllowN(now, 1)
}
