package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"diagram-collab/internal/models"
	"diagram-collab/internal/protocol"
	"diagram-collab/internal/repository/memstore"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type recordingPublisher struct {
	mu   sync.Mutex
	envs []*protocol.Envelope
	err  error
}

func (p *recordingPublisher) Publish(_ context.Context, env *protocol.Envelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.envs = append(p.envs, env)
	return nil
}

func (p *recordingPublisher) kinds() []protocol.Kind {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]protocol.Kind, 0, len(p.envs))
	for _, e := range p.envs {
		out = append(out, e.Kind)
	}
	return out
}

func (p *recordingPublisher) last() *protocol.Envelope {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.envs) == 0 {
		return nil
	}
	return p.envs[len(p.envs)-1]
}

// failingEnds wraps the store so EndSession fails for selected sessions
type failingEnds struct {
	*memstore.Store
	fail map[string]bool
}

func (f *failingEnds) EndSession(ctx context.Context, sessionID string, at time.Time) (bool, error) {
	if f.fail[sessionID] {
		return false, errors.New("database unavailable")
	}
	return f.Store.EndSession(ctx, sessionID, at)
}

type fixture struct {
	store       *memstore.Store
	pub         *recordingPublisher
	clock       *fakeClock
	broadcaster *Broadcaster
	lifecycle   *LifecycleManager
	presence    *PresenceTracker
	janitor     *Janitor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureWithSessions(t, nil)
}

// newFixtureWithSessions lets a test swap the session repository seen by the
// lifecycle manager and janitor
func newFixtureWithSessions(t *testing.T, sessions SessionRepository) *fixture {
	t.Helper()
	logger := zaptest.NewLogger(t)
	store := memstore.New()
	if sessions == nil {
		sessions = store
	}
	pub := &recordingPublisher{}
	clock := newFakeClock()

	b := NewBroadcaster(store, pub, logger)
	lm := NewLifecycleManager(sessions, store, b, logger,
		WithClock(clock.Now),
		WithInviteBaseURL("https://collab.example.com/"),
	)
	return &fixture{
		store:       store,
		pub:         pub,
		clock:       clock,
		broadcaster: b,
		lifecycle:   lm,
		presence:    NewPresenceTracker(store, b, logger, clock.Now),
		janitor:     NewJanitor(sessions, store, lm, logger, WithJanitorClock(clock.Now), WithSweepWorkers(2)),
	}
}

func (f *fixture) createSession(t *testing.T, opts SessionOptions) *models.Session {
	t.Helper()
	if opts.MaxCollaborators == 0 {
		opts.MaxCollaborators = DefaultMaxCollaborators
	}
	s, err := f.lifecycle.CreateSession(context.Background(), "diagram-1", "owner-1", opts)
	require.NoError(t, err)
	return s
}

func (f *fixture) join(t *testing.T, s *models.Session, userID string) *models.Collaborator {
	t.Helper()
	c, err := f.lifecycle.JoinSession(context.Background(), s.SessionID, s.InviteToken,
		&protocol.Identity{ID: userID, DisplayName: "User " + userID})
	require.NoError(t, err)
	return c
}

// assertCountMatchesOnline checks the cached counter against a recount by IsOnline
func (f *fixture) assertCountMatchesOnline(t *testing.T, sessionID string) int {
	t.Helper()
	ctx := context.Background()

	s, err := f.lifecycle.GetSession(ctx, sessionID)
	require.NoError(t, err)
	list, err := f.store.ListCollaborators(ctx, sessionID)
	require.NoError(t, err)

	online := 0
	for _, c := range list {
		if models.IsOnline(c, f.clock.Now()) {
			online++
		}
	}
	require.Equal(t, online, s.ActiveUsersCount, "active_users_count must equal the online collaborators")
	return online
}
