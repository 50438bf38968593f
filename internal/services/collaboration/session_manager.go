package collaboration

import (
	"context"
	"errors"
	"sync"
	"time"

	"diagram-collab/internal/broker"
	"diagram-collab/internal/middleware"
	"diagram-collab/internal/models"
	"diagram-collab/internal/protocol"
	"diagram-collab/internal/telemetry"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024

	// inbound cursor moves above this rate are dropped per connection
	cursorRate  = 30
	cursorBurst = 5
)

/*
Gateway connections.

Each websocket is bridged to one broker subscription on its session channel:

  client frame → ReadPump → checks → Broadcaster.Publish → broker → WritePump → every client

The manager only tracks connections so shutdown can close them; fan-out
itself is the broker's job.
*/

// ConnectionManager tracks live gateway connections per session
type ConnectionManager struct {
	sessions map[string]map[*Connection]bool // sessionID -> set of connections
	mu       sync.RWMutex
	closed   bool
	wg       sync.WaitGroup
	logger   *zap.Logger
}

func NewConnectionManager(logger *zap.Logger) *ConnectionManager {
	return &ConnectionManager{
		sessions: make(map[string]map[*Connection]bool),
		logger:   logger,
	}
}

func (m *ConnectionManager) add(c *Connection) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false
	}
	if m.sessions[c.SessionID] == nil {
		m.sessions[c.SessionID] = make(map[*Connection]bool)
	}
	m.sessions[c.SessionID][c] = true
	m.wg.Add(2) // read and write pumps
	telemetry.GatewayConnections.Inc()

	m.logger.Debug("connection registered",
		zap.String("session_id", c.SessionID),
		zap.String("connection_id", c.ID),
		zap.Int("session_connections", len(m.sessions[c.SessionID])),
	)
	return true
}

func (m *ConnectionManager) remove(c *Connection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	conns, ok := m.sessions[c.SessionID]
	if !ok || !conns[c] {
		return
	}
	delete(conns, c)
	if len(conns) == 0 {
		delete(m.sessions, c.SessionID)
	}
	telemetry.GatewayConnections.Dec()
}

// Count returns the number of open connections on a session
func (m *ConnectionManager) Count(sessionID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions[sessionID])
}

// CloseSession sends a close frame to every connection on a session and
// drops them. It returns how many were closed.
func (m *ConnectionManager) CloseSession(sessionID, reason string) int {
	m.mu.RLock()
	conns := make([]*Connection, 0, len(m.sessions[sessionID]))
	for c := range m.sessions[sessionID] {
		conns = append(conns, c)
	}
	m.mu.RUnlock()

	frame := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
	for _, c := range conns {
		// WriteControl may run alongside the write pump
		_ = c.conn.WriteControl(websocket.CloseMessage, frame, time.Now().Add(writeWait))
		c.close()
	}
	return len(conns)
}

// Shutdown closes every connection and waits for their pumps to exit
func (m *ConnectionManager) Shutdown(ctx context.Context) error {
	m.logger.Info("🛑 Shutting down gateway connections...")

	m.mu.Lock()
	m.closed = true
	var all []*Connection
	for _, conns := range m.sessions {
		for c := range conns {
			all = append(all, c)
		}
	}
	m.mu.Unlock()

	for _, c := range all {
		c.close()
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		m.logger.Info("✓ Gateway shutdown complete", zap.Int("closed", len(all)))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Connection is one participant's websocket on a session channel
type Connection struct {
	ID        string
	SessionID string
	UserID    string
	Name      string

	conn    *websocket.Conn
	sub     broker.Subscription
	gateway *Gateway

	// envelopes already sent during history replay
	replayed map[string]bool
	cursors  *rate.Limiter

	// resolved lazily; owners may have no collaborator row
	collaboratorID string

	closeOnce sync.Once
	done      chan struct{}
}

func (c *Connection) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.sub.Close()
		_ = c.conn.Close()
	})
}

// ReadPump reads client envelopes until the socket fails
func (c *Connection) ReadPump(ctx context.Context) {
	manager := c.gateway.manager
	defer func() {
		c.close()
		manager.remove(c)
		manager.wg.Done()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		c.heartbeat(ctx)
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.gateway.logger.Warn("websocket read error", zap.String("connection_id", c.ID), zap.Error(err))
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))

		msgCtx, span := middleware.StartSpan(ctx, "Gateway.ProcessMessage",
			attribute.String("session.id", c.SessionID),
			attribute.String("connection.id", c.ID),
			attribute.Int("message.size", len(data)),
		)
		if err := c.handle(msgCtx, data); err != nil {
			middleware.AddSpanError(msgCtx, err)
			c.gateway.logger.Debug("client envelope rejected",
				zap.String("connection_id", c.ID),
				zap.String("user_id", c.UserID),
				zap.Error(err),
			)
		}
		span.End()
	}
}

var (
	errWrongSession   = errors.New("envelope addressed to another session")
	errServerOnlyKind = errors.New("kind is emitted by the server only")
	errThrottled      = errors.New("cursor rate exceeded")
)

// handle validates one client envelope, stamps it and publishes it
func (c *Connection) handle(ctx context.Context, data []byte) error {
	env, err := protocol.Unmarshal(data)
	if err != nil {
		return err
	}
	if env.SessionID != c.SessionID {
		return errWrongSession
	}
	ev, err := env.Decode()
	if err != nil {
		return err
	}

	g := c.gateway
	switch e := ev.(type) {
	case *protocol.DiagramUpdate:
		collab, err := g.lifecycle.Authorize(ctx, c.SessionID, c.UserID, models.ActionEdit)
		if err != nil {
			return err
		}
		if collab != nil {
			c.collaboratorID = collab.ID
			if err := g.presence.RecordEdit(ctx, collab.ID, e.UpdateType); err != nil {
				g.logger.Warn("failed to record edit", zap.String("collaborator_id", collab.ID), zap.Error(err))
			}
		}
	case *protocol.DraftUpdate:
		if _, err := g.lifecycle.Authorize(ctx, c.SessionID, c.UserID, models.ActionEdit); err != nil {
			return err
		}
	case *protocol.CursorMove:
		if !c.cursors.Allow() {
			return errThrottled
		}
		if id := c.collaborator(ctx); id != "" {
			if err := g.presence.UpdateCursor(ctx, id, e.X, e.Y, e.TargetElementID); err != nil {
				g.logger.Debug("cursor not recorded", zap.String("collaborator_id", id), zap.Error(err))
			}
		}
	case *protocol.SelectionChange:
		if id := c.collaborator(ctx); id != "" {
			if err := g.presence.UpdateSelection(ctx, id, e.ElementIDs); err != nil {
				g.logger.Debug("selection not recorded", zap.String("collaborator_id", id), zap.Error(err))
			}
		}
	default:
		return errServerOnlyKind
	}

	env.UserID = c.UserID
	env.Channel = protocol.ChannelName(c.SessionID)
	env.Timestamp = g.now()
	return g.broadcaster.Publish(ctx, env)
}

func (c *Connection) collaborator(ctx context.Context) string {
	if c.collaboratorID != "" {
		return c.collaboratorID
	}
	collab, err := c.gateway.lifecycle.Authorize(ctx, c.SessionID, c.UserID, models.ActionView)
	if err == nil && collab != nil {
		c.collaboratorID = collab.ID
	}
	return c.collaboratorID
}

func (c *Connection) heartbeat(ctx context.Context) {
	id := c.collaborator(ctx)
	if id == "" {
		return
	}
	if _, err := c.gateway.presence.Heartbeat(ctx, id); err != nil {
		c.gateway.logger.Debug("heartbeat refused", zap.String("collaborator_id", id), zap.Error(err))
	}
}

// WritePump relays channel envelopes to the socket and keeps it alive with pings
func (c *Connection) WritePump() {
	ticker := time.NewTicker(c.gateway.pingInterval)
	defer func() {
		ticker.Stop()
		c.close()
		c.gateway.manager.wg.Done()
	}()

	events := c.sub.Events()
	for {
		select {
		case env, ok := <-events:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// evicted by the broker or shutting down
				c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "channel closed"))
				return
			}
			if c.replayed[env.ID] {
				continue
			}
			if err := c.conn.WriteJSON(env); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			return
		}
	}
}

func newCursorLimiter() *rate.Limiter {
	return rate.NewLimiter(rate.Limit(cursorRate), cursorBurst)
}
