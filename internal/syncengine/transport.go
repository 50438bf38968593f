package syncengine

import (
	"context"
	"encoding/json"

	"diagram-collab/internal/broker"
	"diagram-collab/internal/protocol"

	"github.com/segmentio/ksuid"
)

// SessionContext identifies the session and the local participant.
// It is passed explicitly to the engine and its transport.
type SessionContext struct {
	SessionID   string
	UserID      string
	DisplayName string
}

func (sc SessionContext) Channel() string {
	return protocol.ChannelName(sc.SessionID)
}

// Transport opens a stream to a session channel
type Transport interface {
	Subscribe(ctx context.Context, sc SessionContext) (Stream, error)
}

// Stream is one live attachment. Events is closed when the stream drops.
type Stream interface {
	Events() <-chan *protocol.Envelope
	Members() []protocol.Member
	Send(ctx context.Context, env *protocol.Envelope) error
	Close() error
}

// DocumentModel is the local diagram document the engine applies remote changes to
type DocumentModel interface {
	// ApplyUpdate replaces local state with a remote change; last arrival wins
	ApplyUpdate(userID, updateType string, data json.RawMessage) error
	// PreviewDraft shows a peer's unfinished change without committing it
	PreviewDraft(userID, updateType string, data json.RawMessage)
}

// Publisher is the outbound half used by BrokerTransport
type Publisher interface {
	Publish(ctx context.Context, env *protocol.Envelope) error
}

// BrokerTransport attaches to an in-process broker. Outbound envelopes go
// through publisher, which may persist them before fan-out.
type BrokerTransport struct {
	broker    broker.Broker
	publisher Publisher
}

func NewBrokerTransport(b broker.Broker, publisher Publisher) *BrokerTransport {
	if publisher == nil {
		publisher = b
	}
	return &BrokerTransport{broker: b, publisher: publisher}
}

func (t *BrokerTransport) Subscribe(ctx context.Context, sc SessionContext) (Stream, error) {
	sub, err := t.broker.Subscribe(ctx, sc.Channel(), protocol.Member{
		ConnectionID: ksuid.New().String(),
		UserID:       sc.UserID,
		Name:         sc.DisplayName,
	})
	if err != nil {
		return nil, err
	}
	return &brokerStream{sub: sub, publisher: t.publisher}, nil
}

type brokerStream struct {
	sub       broker.Subscription
	publisher Publisher
}

func (s *brokerStream) Events() <-chan *protocol.Envelope { return s.sub.Events() }
func (s *brokerStream) Members() []protocol.Member        { return s.sub.Members() }
func (s *brokerStream) Close() error                      { return s.sub.Close() }

func (s *brokerStream) Send(ctx context.Context, env *protocol.Envelope) error {
	return s.publisher.Publish(ctx, env)
}
