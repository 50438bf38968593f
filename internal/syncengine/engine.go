// Package syncengine is the client side of a collaboration session. It keeps
// one subscription to the session channel alive, applies remote changes to the
// local document and suppresses echoes of the local participant's own events.
package syncengine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"diagram-collab/internal/protocol"

	"go.uber.org/zap"
)

const (
	DefaultSubscribeTimeout = 10 * time.Second
	DefaultBackoffBase      = 2 * time.Second
	DefaultMaxAttempts      = 5
)

// Handler receives a decoded remote event. Events authored by the local
// participant never reach a handler.
type Handler func(env *protocol.Envelope, ev protocol.Event)

// Peer is what the engine knows about another participant
type Peer struct {
	UserID    string
	Name      string
	Connected bool
	// Status is the last presence.changed status seen for the peer, empty until one arrives
	Status     string
	LastSeenAt time.Time
	Cursor     *protocol.CursorMove
	Selection  []string
}

type registration struct {
	kind    protocol.Kind
	handler Handler
}

type Option func(*Engine)

func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

func WithSubscribeTimeout(d time.Duration) Option {
	return func(e *Engine) { e.subscribeTimeout = d }
}

// WithBackoff sets the reconnect delay unit (attempt n waits n×base) and the attempt cap
func WithBackoff(base time.Duration, attempts int) Option {
	return func(e *Engine) {
		e.backoffBase = base
		e.maxAttempts = attempts
	}
}

// WithStateListener is called after every state change
func WithStateListener(fn func(State)) Option {
	return func(e *Engine) { e.onState = fn }
}

// WithDegradedListener is called once when reconnecting gives up
func WithDegradedListener(fn func(error)) Option {
	return func(e *Engine) { e.onDegraded = fn }
}

// Engine is one participant's connection to one session
type Engine struct {
	sc        SessionContext
	transport Transport
	doc       DocumentModel
	logger    *zap.Logger

	subscribeTimeout time.Duration
	backoffBase      time.Duration
	maxAttempts      int
	now              func() time.Time
	sleep            func(ctx context.Context, d time.Duration) error
	onState          func(State)
	onDegraded       func(error)

	mu            sync.Mutex
	state         State
	gen           uint64
	stream        Stream
	table         map[protocol.Kind][]Handler
	registrations []registration
	cancel        context.CancelFunc
	runCtx        context.Context

	rosterMu sync.Mutex
	peers    map[string]*Peer
}

func NewEngine(sc SessionContext, transport Transport, doc DocumentModel, opts ...Option) *Engine {
	e := &Engine{
		sc:               sc,
		transport:        transport,
		doc:              doc,
		logger:           zap.NewNop(),
		subscribeTimeout: DefaultSubscribeTimeout,
		backoffBase:      DefaultBackoffBase,
		maxAttempts:      DefaultMaxAttempts,
		now:              func() time.Time { return time.Now().UTC() },
		sleep:            sleepContext,
		state:            StateDisconnected,
		peers:            make(map[string]*Peer),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With(
		zap.String("session_id", sc.SessionID),
		zap.String("user_id", sc.UserID),
	)
	return e
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Engine) notifyState(s State) {
	if e.onState != nil {
		e.onState(s)
	}
}

// Initialize subscribes to the session channel. The first attempt is not
// retried: on failure the caller continues in single-user mode.
func (e *Engine) Initialize(ctx context.Context) error {
	e.mu.Lock()
	if e.state != StateDisconnected && e.state != StateFailed {
		e.mu.Unlock()
		return ErrAlreadyStarted
	}
	e.gen++
	gen := e.gen
	e.runCtx, e.cancel = context.WithCancel(context.Background())
	e.state = StateConnecting
	e.mu.Unlock()
	e.notifyState(StateConnecting)

	stream, err := e.subscribe(ctx)
	if err != nil {
		e.mu.Lock()
		current := e.gen == gen
		if current {
			e.cancel()
			e.state = StateDisconnected
		}
		e.mu.Unlock()
		if current {
			e.notifyState(StateDisconnected)
		}
		e.logger.Warn("collaboration unavailable, continuing offline", zap.Error(err))
		return err
	}

	if !e.attach(gen, stream) {
		_ = stream.Close()
		return ErrNotConnected
	}
	e.logger.Info("✓ Connected to session channel")
	return nil
}

// subscribe bounds a transport subscribe by the configured timeout even if
// the transport ignores its context
func (e *Engine) subscribe(ctx context.Context) (Stream, error) {
	ctx, cancel := context.WithTimeout(ctx, e.subscribeTimeout)
	defer cancel()

	type result struct {
		stream Stream
		err    error
	}
	ch := make(chan result, 1)
	go func() {
		s, err := e.transport.Subscribe(ctx, e.sc)
		ch <- result{s, err}
	}()

	select {
	case r := <-ch:
		if r.err == nil {
			return r.stream, nil
		}
		if errors.Is(r.err, context.DeadlineExceeded) {
			return nil, &TimeoutError{Op: "subscribe", After: e.subscribeTimeout}
		}
		return nil, &TransportError{Op: "subscribe", Err: r.err}
	case <-ctx.Done():
		go func() {
			if r := <-ch; r.stream != nil {
				_ = r.stream.Close()
			}
		}()
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, &TimeoutError{Op: "subscribe", After: e.subscribeTimeout}
		}
		return nil, &TransportError{Op: "subscribe", Err: ctx.Err()}
	}
}

// attach installs a fresh stream and subscription table. It reports false
// if a teardown happened in the meantime.
func (e *Engine) attach(gen uint64, stream Stream) bool {
	e.mu.Lock()
	if e.gen != gen {
		e.mu.Unlock()
		return false
	}
	e.stream = stream
	e.table = e.buildTable()
	e.state = StateConnected
	e.mu.Unlock()

	e.resetRoster(stream.Members())
	e.notifyState(StateConnected)
	go e.readLoop(gen, stream)
	return true
}

func (e *Engine) readLoop(gen uint64, stream Stream) {
	for env := range stream.Events() {
		e.dispatch(gen, env)
	}

	e.mu.Lock()
	if e.gen != gen || e.stream != stream || e.state != StateConnected {
		e.mu.Unlock()
		return
	}
	e.stream = nil
	e.table = nil
	e.state = StateReconnecting
	ctx := e.runCtx
	e.mu.Unlock()

	_ = stream.Close()
	e.notifyState(StateReconnecting)
	e.logger.Warn("⚠️  Session channel dropped, reconnecting")
	e.reconnect(ctx, gen)
}

func (e *Engine) reconnect(ctx context.Context, gen uint64) {
	var lastErr error
	for attempt := 1; attempt <= e.maxAttempts; attempt++ {
		if err := e.sleep(ctx, e.backoffBase*time.Duration(attempt)); err != nil {
			return
		}
		if !e.reconnecting(gen) {
			return
		}

		stream, err := e.subscribe(ctx)
		if err == nil {
			if e.attach(gen, stream) {
				e.logger.Info("✓ Reconnected to session channel", zap.Int("attempt", attempt))
			} else {
				_ = stream.Close()
			}
			return
		}
		lastErr = err
		e.logger.Warn("reconnect attempt failed",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", e.maxAttempts),
			zap.Error(err),
		)
	}

	e.mu.Lock()
	if e.gen != gen {
		e.mu.Unlock()
		return
	}
	e.state = StateFailed
	e.cancel()
	e.mu.Unlock()

	e.notifyState(StateFailed)
	e.logger.Error("collaboration unavailable after reconnect attempts", zap.Error(lastErr))
	if e.onDegraded != nil {
		e.onDegraded(&TransportError{
			Op:  "reconnect",
			Err: fmt.Errorf("gave up after %d attempts: %w", e.maxAttempts, lastErr),
		})
	}
}

func (e *Engine) reconnecting(gen uint64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.gen == gen && e.state == StateReconnecting
}

func (e *Engine) live(gen uint64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.gen == gen && e.state == StateConnected
}

func (e *Engine) dispatch(gen uint64, env *protocol.Envelope) {
	e.mu.Lock()
	if e.gen != gen || e.state != StateConnected {
		e.mu.Unlock()
		return
	}
	handlers := append([]Handler(nil), e.table[env.Kind]...)
	e.mu.Unlock()

	if len(handlers) == 0 {
		return
	}
	ev, err := env.Decode()
	if err != nil {
		e.logger.Debug("ignoring undecodable envelope", zap.String("kind", string(env.Kind)), zap.Error(err))
		return
	}
	for _, h := range handlers {
		if !e.live(gen) {
			return
		}
		h(env, ev)
	}
}

// Handle registers a handler for a kind. Registrations are replayed into the
// table built on every (re)connect and dropped by Teardown.
func (e *Engine) Handle(kind protocol.Kind, h Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.registrations = append(e.registrations, registration{kind: kind, handler: h})
	if e.table != nil {
		e.table[kind] = append(e.table[kind], e.guard(h))
	}
}

// guard discards events authored by the local participant
func (e *Engine) guard(h Handler) Handler {
	self := e.sc.UserID
	return func(env *protocol.Envelope, ev protocol.Event) {
		if env.UserID == self {
			return
		}
		h(env, ev)
	}
}

func (e *Engine) buildTable() map[protocol.Kind][]Handler {
	table := map[protocol.Kind][]Handler{}
	add := func(kind protocol.Kind, h Handler) {
		table[kind] = append(table[kind], e.guard(h))
	}

	add(protocol.KindDiagramUpdated, e.applyUpdate)
	add(protocol.KindDraftUpdated, e.previewDraft)
	add(protocol.KindCursorMoved, e.trackCursor)
	add(protocol.KindSelectionChanged, e.trackSelection)
	add(protocol.KindPresenceChanged, e.trackPresence)
	add(protocol.KindUserJoined, e.trackJoin)
	add(protocol.KindUserLeft, e.trackLeave)
	add(protocol.KindMemberAdded, e.trackMember)
	add(protocol.KindMemberRemoved, e.trackMember)

	for _, r := range e.registrations {
		add(r.kind, r.handler)
	}
	return table
}

// Teardown unsubscribes and clears every handler. Events already in flight
// are ignored once it returns. Safe to call repeatedly.
func (e *Engine) Teardown() {
	e.mu.Lock()
	e.gen++
	stream := e.stream
	e.stream = nil
	e.table = nil
	e.registrations = nil
	if e.cancel != nil {
		e.cancel()
		e.cancel = nil
	}
	prev := e.state
	e.state = StateDisconnected
	e.mu.Unlock()

	if stream != nil {
		if err := stream.Close(); err != nil {
			e.logger.Debug("stream close failed", zap.Error(err))
		}
	}
	e.resetRoster(nil)
	if prev != StateDisconnected {
		e.notifyState(StateDisconnected)
	}
}

// Outbound

func (e *Engine) send(ctx context.Context, ev protocol.Event) error {
	e.mu.Lock()
	stream := e.stream
	connected := e.state == StateConnected
	e.mu.Unlock()
	if !connected || stream == nil {
		return ErrNotConnected
	}

	env, err := protocol.NewEnvelope(e.sc.SessionID, e.sc.UserID, ev, e.now())
	if err != nil {
		return err
	}
	if err := stream.Send(ctx, env); err != nil {
		return &TransportError{Op: "publish", Err: err}
	}
	return nil
}

// BroadcastUpdate publishes a finalized document change
func (e *Engine) BroadcastUpdate(ctx context.Context, updateType string, data json.RawMessage) error {
	return e.send(ctx, protocol.DiagramUpdate{UpdateType: updateType, Data: data})
}

// BroadcastDraft publishes live feedback for a change in progress
func (e *Engine) BroadcastDraft(ctx context.Context, updateType string, data json.RawMessage) error {
	return e.send(ctx, protocol.DraftUpdate{UpdateType: updateType, Data: data})
}

// BroadcastCursor is expected to be throttled by the caller (see CursorThrottle)
func (e *Engine) BroadcastCursor(ctx context.Context, x, y float64, targetElementID string) error {
	return e.send(ctx, protocol.CursorMove{X: x, Y: y, TargetElementID: targetElementID})
}

func (e *Engine) BroadcastSelection(ctx context.Context, elementIDs []string) error {
	if elementIDs == nil {
		elementIDs = []string{}
	}
	return e.send(ctx, protocol.SelectionChange{ElementIDs: elementIDs})
}

// Built-in handlers

func (e *Engine) applyUpdate(env *protocol.Envelope, ev protocol.Event) {
	u, ok := ev.(*protocol.DiagramUpdate)
	if !ok || e.doc == nil {
		return
	}
	if err := e.doc.ApplyUpdate(env.UserID, u.UpdateType, u.Data); err != nil {
		e.logger.Warn("failed to apply remote update",
			zap.String("from", env.UserID),
			zap.String("update_type", u.UpdateType),
			zap.Error(err),
		)
	}
}

func (e *Engine) previewDraft(env *protocol.Envelope, ev protocol.Event) {
	d, ok := ev.(*protocol.DraftUpdate)
	if !ok || e.doc == nil {
		return
	}
	e.doc.PreviewDraft(env.UserID, d.UpdateType, d.Data)
}

func (e *Engine) trackCursor(env *protocol.Envelope, ev protocol.Event) {
	c, ok := ev.(*protocol.CursorMove)
	if !ok {
		return
	}
	e.withPeer(env.UserID, "", func(p *Peer) {
		cp := *c
		p.Cursor = &cp
	})
}

func (e *Engine) trackSelection(env *protocol.Envelope, ev protocol.Event) {
	s, ok := ev.(*protocol.SelectionChange)
	if !ok {
		return
	}
	e.withPeer(env.UserID, "", func(p *Peer) {
		p.Selection = append([]string(nil), s.ElementIDs...)
	})
}

func (e *Engine) trackPresence(env *protocol.Envelope, ev protocol.Event) {
	pc, ok := ev.(*protocol.PresenceChange)
	if !ok {
		return
	}
	e.withPeer(env.UserID, "", func(p *Peer) {
		p.Status = pc.Status
		p.LastSeenAt = pc.LastSeenAt
	})
}

func (e *Engine) trackJoin(_ *protocol.Envelope, ev protocol.Event) {
	j, ok := ev.(*protocol.UserJoined)
	if !ok {
		return
	}
	e.withPeer(j.User.ID, j.User.Name, func(*Peer) {})
}

func (e *Engine) trackLeave(_ *protocol.Envelope, ev protocol.Event) {
	l, ok := ev.(*protocol.UserLeft)
	if !ok {
		return
	}
	e.rosterMu.Lock()
	delete(e.peers, l.User.ID)
	e.rosterMu.Unlock()
}

func (e *Engine) trackMember(_ *protocol.Envelope, ev protocol.Event) {
	switch m := ev.(type) {
	case *protocol.MemberAdded:
		e.withPeer(m.Member.UserID, m.Member.Name, func(p *Peer) { p.Connected = true })
	case *protocol.MemberRemoved:
		e.withPeer(m.Member.UserID, m.Member.Name, func(p *Peer) { p.Connected = false })
	}
}

func (e *Engine) withPeer(userID, name string, fn func(*Peer)) {
	if userID == "" || userID == e.sc.UserID {
		return
	}
	e.rosterMu.Lock()
	defer e.rosterMu.Unlock()

	p, ok := e.peers[userID]
	if !ok {
		p = &Peer{UserID: userID}
		e.peers[userID] = p
	}
	if name != "" {
		p.Name = name
	}
	fn(p)
}

func (e *Engine) resetRoster(members []protocol.Member) {
	e.rosterMu.Lock()
	e.peers = make(map[string]*Peer)
	e.rosterMu.Unlock()

	for _, m := range members {
		e.withPeer(m.UserID, m.Name, func(p *Peer) { p.Connected = true })
	}
}

// Peers returns a snapshot of known participants, ordered by user id
func (e *Engine) Peers() []Peer {
	e.rosterMu.Lock()
	defer e.rosterMu.Unlock()

	out := make([]Peer, 0, len(e.peers))
	for _, p := range e.peers {
		cp := *p
		cp.Selection = append([]string(nil), p.Selection...)
		if p.Cursor != nil {
			c := *p.Cursor
			cp.Cursor = &c
		}
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}
