package services

import (
	"context"
	"fmt"
	"time"

	"diagram-collab/internal/middleware"
	"diagram-collab/internal/models"
	"diagram-collab/internal/protocol"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// Broadcaster writes persisted envelopes to the event log, then hands every
// envelope to the channel fabric. Ephemeral kinds skip the log.
type Broadcaster struct {
	events    EventRepository
	publisher Publisher
	logger    *zap.Logger
}

func NewBroadcaster(events EventRepository, publisher Publisher, logger *zap.Logger) *Broadcaster {
	return &Broadcaster{
		events:    events,
		publisher: publisher,
		logger:    logger,
	}
}

// Publish validates, persists (if durable) and fans out one envelope
func (b *Broadcaster) Publish(ctx context.Context, env *protocol.Envelope) error {
	ctx, span := middleware.StartSpan(ctx, "Broadcaster.Publish",
		attribute.String("session.id", env.SessionID),
		attribute.String("event.kind", string(env.Kind)),
	)
	defer span.End()

	if err := env.Validate(); err != nil {
		middleware.AddSpanError(ctx, err)
		return err
	}
	if env.Channel == "" {
		env.Channel = protocol.ChannelName(env.SessionID)
	}

	if env.Kind.Persisted() {
		data, err := env.Marshal()
		if err != nil {
			return err
		}
		if err := b.events.StoreEvent(ctx, &models.SessionEvent{
			ID:        env.ID,
			SessionID: env.SessionID,
			Kind:      string(env.Kind),
			UserID:    env.UserID,
			Envelope:  data,
			CreatedAt: env.Timestamp,
		}); err != nil {
			middleware.AddSpanError(ctx, err)
			return fmt.Errorf("failed to persist %s: %w", env.Kind, err)
		}
	}

	if err := b.publisher.Publish(ctx, env); err != nil {
		middleware.AddSpanError(ctx, err)
		return fmt.Errorf("failed to publish %s: %w", env.Kind, err)
	}
	return nil
}

// Emit wraps a server-originated event in an envelope and publishes it
func (b *Broadcaster) Emit(ctx context.Context, sessionID, userID string, ev protocol.Event, at time.Time) error {
	env, err := protocol.NewEnvelope(sessionID, userID, ev, at)
	if err != nil {
		return err
	}
	return b.Publish(ctx, env)
}

// emitQuietly is used after a state change has already been committed:
// a fabric failure is logged, not returned
func (b *Broadcaster) emitQuietly(ctx context.Context, sessionID, userID string, ev protocol.Event, at time.Time) {
	if err := b.Emit(ctx, sessionID, userID, ev, at); err != nil {
		b.logger.Warn("failed to broadcast event",
			zap.String("session_id", sessionID),
			zap.String("kind", string(ev.Kind())),
			zap.Error(err),
		)
	}
}

// History returns the persisted envelopes of a session after afterID, in publish order
func (b *Broadcaster) History(ctx context.Context, sessionID, afterID string, limit int) ([]*protocol.Envelope, error) {
	stored, err := b.events.ListEvents(ctx, sessionID, afterID, limit)
	if err != nil {
		return nil, err
	}

	envs := make([]*protocol.Envelope, 0, len(stored))
	for _, ev := range stored {
		env, err := protocol.Unmarshal(ev.Envelope)
		if err != nil {
			b.logger.Warn("skipping unreadable stored event",
				zap.String("session_id", sessionID),
				zap.String("event_id", ev.ID),
				zap.Error(err),
			)
			continue
		}
		envs = append(envs, env)
	}
	return envs, nil
}
