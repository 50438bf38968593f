package collaboration

import (
	"context"
	"errors"
	"net/http"
	"time"

	"diagram-collab/internal/broker"
	"diagram-collab/internal/middleware"
	"diagram-collab/internal/protocol"
	"diagram-collab/internal/repository"
	"diagram-collab/internal/services"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/segmentio/ksuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// DefaultHistoryLimit caps the persisted events replayed to a new connection
const DefaultHistoryLimit = 200

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// identity comes from the upstream provider, not from cookies
		return true
	},
}

// Gateway bridges websocket clients onto session channels
type Gateway struct {
	broker      broker.Broker
	broadcaster *services.Broadcaster
	lifecycle   *services.LifecycleManager
	presence    *services.PresenceTracker
	manager     *ConnectionManager
	logger      *zap.Logger

	historyLimit int
	pingInterval time.Duration
	now          func() time.Time
}

type Option func(*Gateway)

func WithHistoryLimit(n int) Option {
	return func(g *Gateway) { g.historyLimit = n }
}

func WithPingInterval(d time.Duration) Option {
	return func(g *Gateway) { g.pingInterval = d }
}

func WithClock(now func() time.Time) Option {
	return func(g *Gateway) { g.now = now }
}

func NewGateway(
	b broker.Broker,
	broadcaster *services.Broadcaster,
	lifecycle *services.LifecycleManager,
	presence *services.PresenceTracker,
	logger *zap.Logger,
	opts ...Option,
) *Gateway {
	g := &Gateway{
		broker:       b,
		broadcaster:  broadcaster,
		lifecycle:    lifecycle,
		presence:     presence,
		manager:      NewConnectionManager(logger),
		logger:       logger,
		historyLimit: DefaultHistoryLimit,
		pingInterval: pingPeriod,
		now:          func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(g)
	}
	lifecycle.OnSessionEnded(func(sessionID string) {
		if n := g.manager.CloseSession(sessionID, "session ended"); n > 0 {
			g.logger.Info("Closed connections of ended session",
				zap.String("session_id", sessionID),
				zap.Int("connections", n),
			)
		}
	})
	return g
}

// Manager exposes connection bookkeeping for shutdown and diagnostics
func (g *Gateway) Manager() *ConnectionManager { return g.manager }

// identify prefers the identity middleware, then the user_id/user_name query
func identify(r *http.Request) *protocol.Identity {
	if identity := middleware.IdentityFrom(r.Context()); identity != nil {
		return identity
	}
	q := r.URL.Query()
	if q.Get("user_id") == "" {
		return nil
	}
	return &protocol.Identity{ID: q.Get("user_id"), DisplayName: q.Get("user_name")}
}

// HandleSession upgrades GET /ws/sessions/{id}.
//
// Frames sent to the client, in order:
//  1. member.snapshot of the channel at attach time
//  2. persisted history after ?after=<eventId> (up to the history limit)
//  3. live envelopes from the channel
func (g *Gateway) HandleSession(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["id"]
	ctx, span := middleware.StartSpan(r.Context(), "Gateway.Connect",
		attribute.String("session.id", sessionID),
	)
	defer span.End()

	auth, err := protocol.AuthorizeChannel(identify(r), protocol.ChannelName(sessionID))
	if err != nil {
		http.Error(w, err.Error(), http.StatusForbidden)
		return
	}

	session, err := g.lifecycle.GetSession(ctx, sessionID)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		http.Error(w, "session not found", http.StatusNotFound)
		return
	case err != nil:
		middleware.AddSpanError(ctx, err)
		http.Error(w, "failed to load session", http.StatusInternalServerError)
		return
	case session.IsEnded():
		http.Error(w, "session has ended", http.StatusGone)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// the upgrader has already replied
		g.logger.Warn("failed to upgrade websocket", zap.Error(err))
		middleware.AddSpanError(ctx, err)
		return
	}

	// pumps outlive the request; keep its values, drop its cancellation
	connCtx := context.WithoutCancel(ctx)
	c, err := g.attach(connCtx, conn, sessionID, auth, r.URL.Query().Get("after"))
	if err != nil {
		g.logger.Warn("failed to attach websocket", zap.String("session_id", sessionID), zap.Error(err))
		middleware.AddSpanError(ctx, err)
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "attach failed"),
			time.Now().Add(writeWait))
		conn.Close()
		return
	}

	go c.WritePump()
	go c.ReadPump(connCtx)

	g.logger.Info("✓ WebSocket connection established",
		zap.String("session_id", sessionID),
		zap.String("user_id", auth.ID),
		zap.String("connection_id", c.ID),
	)
}

func (g *Gateway) attach(ctx context.Context, conn *websocket.Conn, sessionID string, auth *protocol.ChannelAuthorization, after string) (*Connection, error) {
	connectionID := ksuid.New().String()
	sub, err := g.broker.Subscribe(ctx, protocol.ChannelName(sessionID), protocol.Member{
		ConnectionID: connectionID,
		UserID:       auth.ID,
		Name:         auth.Name,
	})
	if err != nil {
		return nil, err
	}

	c := &Connection{
		ID:        connectionID,
		SessionID: sessionID,
		UserID:    auth.ID,
		Name:      auth.Name,
		conn:      conn,
		sub:       sub,
		gateway:   g,
		replayed:  make(map[string]bool),
		cursors:   newCursorLimiter(),
		done:      make(chan struct{}),
	}

	if err := g.sendInitialState(ctx, c, after); err != nil {
		_ = sub.Close()
		return nil, err
	}
	if !g.manager.add(c) {
		_ = sub.Close()
		return nil, errors.New("gateway is shutting down")
	}
	return c, nil
}

// sendInitialState writes the snapshot and history frames before the pumps start
func (g *Gateway) sendInitialState(ctx context.Context, c *Connection, after string) error {
	snapshot, err := protocol.NewEnvelope(c.SessionID, "", protocol.MembershipSnapshot{Members: c.sub.Members()}, g.now())
	if err != nil {
		return err
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteJSON(snapshot); err != nil {
		return err
	}

	if g.historyLimit <= 0 {
		return nil
	}
	history, err := g.broadcaster.History(ctx, c.SessionID, after, g.historyLimit)
	if err != nil {
		return err
	}
	for _, env := range history {
		c.replayed[env.ID] = true
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteJSON(env); err != nil {
			return err
		}
	}
	if len(history) > 0 {
		g.logger.Debug("replayed history",
			zap.String("connection_id", c.ID),
			zap.Int("events", len(history)),
		)
	}
	return nil
}
