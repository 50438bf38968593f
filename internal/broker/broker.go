// Package broker is the pub/sub channel fabric. A single logical broker per
// process is assumed: MemoryBroker for one node, RedisBroker when several
// processes share one Redis.
package broker

import (
	"context"
	"errors"

	"diagram-collab/internal/protocol"
)

// DefaultBufferSize is the per-subscriber outbound queue length
const DefaultBufferSize = 256

var ErrClosed = errors.New("broker: closed")

// Broker fans envelopes out to every subscriber of a channel
type Broker interface {
	Publish(ctx context.Context, env *protocol.Envelope) error
	Subscribe(ctx context.Context, channel string, self protocol.Member) (Subscription, error)
	Close() error
}

// Subscription is one attachment to a channel.
// Events is closed when the subscription ends, including when the broker
// evicts a subscriber that cannot keep up with persisted events.
type Subscription interface {
	Events() <-chan *protocol.Envelope
	// Members is the membership snapshot taken when the subscription attached
	Members() []protocol.Member
	Close() error
}

// isOwnMembership filters the subscriber's own added/removed notifications
func isOwnMembership(env *protocol.Envelope, self protocol.Member) bool {
	if env.Kind != protocol.KindMemberAdded && env.Kind != protocol.KindMemberRemoved {
		return false
	}
	ev, err := env.Decode()
	if err != nil {
		return false
	}
	switch m := ev.(type) {
	case *protocol.MemberAdded:
		return m.Member.ConnectionID == self.ConnectionID
	case *protocol.MemberRemoved:
		return m.Member.ConnectionID == self.ConnectionID
	}
	return false
}
