package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"diagram-collab/internal/api"
	"diagram-collab/internal/app"
	"diagram-collab/internal/broker"
	"diagram-collab/internal/config"
	"diagram-collab/internal/protocol"
	"diagram-collab/internal/repository/memstore"
	"diagram-collab/internal/services"
	"diagram-collab/internal/services/collaboration"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

func testConfig() *config.Config {
	return &config.Config{
		LogEnv:            "development",
		SubscribeTimeout:  2 * time.Second,
		ReconnectBase:     10 * time.Millisecond,
		ReconnectAttempts: 1,
		JanitorWorkers:    2,
		EventRetention:    200,
	}
}

type harness struct {
	cfg *config.Config
	svc *app.Services
	b   *broker.MemoryBroker
}

func newHarness(t *testing.T) *harness {
	return newHarnessWith(t, app.MemoryStores())
}

func newHarnessWith(t *testing.T, st *app.Stores) *harness {
	t.Helper()
	cfg := testConfig()
	b := broker.NewMemoryBroker(zap.NewNop(), 0)
	b.Start()
	t.Cleanup(func() { _ = b.Close() })
	return &harness{cfg: cfg, svc: app.NewServices(cfg, st, b, zaptest.NewLogger(t)), b: b}
}

// lockedSessions refuses to end one session
type lockedSessions struct {
	*memstore.Store
	locked string
}

func (s *lockedSessions) EndSession(ctx context.Context, sessionID string, at time.Time) (bool, error) {
	if sessionID == s.locked {
		return false, errors.New("row locked")
	}
	return s.Store.EndSession(ctx, sessionID, at)
}

func (h *harness) root(factoryErr error) *cobra.Command {
	return newRootCmd(
		func() (*config.Config, error) { return h.cfg, nil },
		func(context.Context, *config.Config, *zap.Logger) (*Backend, error) {
			if factoryErr != nil {
				return nil, factoryErr
			}
			return &Backend{Janitor: h.svc.Janitor, Close: func() error { return nil }}, nil
		},
	)
}

func (h *harness) session(t *testing.T, expiresAt *time.Time) string {
	t.Helper()
	s, err := h.svc.Lifecycle.CreateSession(context.Background(), "diagram", "owner",
		services.SessionOptions{MaxCollaborators: 5, InviteExpiresAt: expiresAt})
	require.NoError(t, err)
	return s.SessionID
}

func run(root *cobra.Command, stdin string, args ...string) (string, error) {
	buf := new(bytes.Buffer)
	root.SetOut(buf)
	root.SetErr(buf)
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(args)
	err := root.Execute()
	return buf.String(), err
}

func TestCleanup_NothingToDo(t *testing.T) {
	h := newHarness(t)
	h.session(t, nil)

	out, err := run(h.root(nil), "", "cleanup", "--force")
	require.NoError(t, err)
	assert.Contains(t, out, "No expired sessions found")
}

func TestCleanup_DryRunConfirmAndForce(t *testing.T) {
	h := newHarness(t)
	past := time.Now().Add(-time.Minute)
	expired := h.session(t, &past)
	future := time.Now().Add(time.Hour)
	h.session(t, &future)

	out, err := run(h.root(nil), "", "cleanup", "--dry-run")
	require.NoError(t, err)
	assert.Contains(t, out, expired)
	assert.Contains(t, out, "Dry run mode - no changes made.")

	out, err = run(h.root(nil), "n\n", "cleanup")
	require.NoError(t, err)
	assert.Contains(t, out, "Cleanup cancelled.")
	s, err := h.svc.Lifecycle.GetSession(context.Background(), expired)
	require.NoError(t, err)
	assert.True(t, s.IsActive())

	out, err = run(h.root(nil), "yes\n", "cleanup")
	require.NoError(t, err)
	assert.Contains(t, out, "Ended 1 session(s)")
	s, err = h.svc.Lifecycle.GetSession(context.Background(), expired)
	require.NoError(t, err)
	assert.True(t, s.IsEnded())

	out, err = run(h.root(nil), "", "cleanup", "-f")
	require.NoError(t, err)
	assert.Contains(t, out, "No expired sessions found")
}

func TestCleanup_PartialFailureExitsNonZero(t *testing.T) {
	m := memstore.New()
	sessions := &lockedSessions{Store: m}
	h := newHarnessWith(t, &app.Stores{Sessions: sessions, Collaborators: m, Events: m, Close: func() error { return nil }})
	past := time.Now().Add(-time.Minute)
	ok := h.session(t, &past)
	sessions.locked = h.session(t, &past)

	out, err := run(h.root(nil), "", "cleanup", "--force")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 session(s) could not be ended")
	assert.Contains(t, out, "Ended 1 session(s)")
	assert.Contains(t, out, "Failed to end 1 session(s)")
	assert.Contains(t, out, sessions.locked)

	s, err := h.svc.Lifecycle.GetSession(context.Background(), ok)
	require.NoError(t, err)
	assert.True(t, s.IsEnded(), "the sweep went on past the failure")
}

func TestCommands_BackendFailure(t *testing.T) {
	h := newHarness(t)
	_, err := run(h.root(errors.New("db down")), "", "cleanup")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "db down")

	_, err = run(h.root(errors.New("db down")), "", "stats")
	assert.Error(t, err)
}

func TestStats(t *testing.T) {
	h := newHarness(t)
	h.session(t, nil)
	paused := h.session(t, nil)
	require.NoError(t, h.svc.Lifecycle.PauseSession(context.Background(), paused))

	out, err := run(h.root(nil), "", "stats")
	require.NoError(t, err)
	assert.Regexp(t, `Active sessions\s+1`, out)
	assert.Regexp(t, `Paused sessions\s+1`, out)

	out, err = run(h.root(nil), "", "stats", "--json")
	require.NoError(t, err)
	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(out), &decoded))
	assert.EqualValues(t, 1, decoded["active_sessions"])
	assert.EqualValues(t, 1, decoded["paused_sessions"])
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestWatch_PrintsRemoteActivity(t *testing.T) {
	h := newHarness(t)
	logger := zaptest.NewLogger(t)
	gateway := collaboration.NewGateway(h.b, h.svc.Broadcaster, h.svc.Lifecycle, h.svc.Presence, logger)
	srv := httptest.NewServer(api.SetupRoutes(api.NewHandler(h.svc.Lifecycle, h.svc.Presence, h.svc.Broadcaster, gateway, logger), logger))
	t.Cleanup(func() {
		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = gateway.Manager().Shutdown(ctx)
	})
	sessionID := h.session(t, nil)

	out := &syncBuffer{}
	root := h.root(nil)
	root.SetOut(out)
	root.SetErr(out)
	root.SetArgs([]string{"watch", sessionID, "--server", srv.URL, "--user", "watcher"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- root.ExecuteContext(ctx) }()

	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), "watching session "+sessionID)
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, h.svc.Broadcaster.Emit(context.Background(), sessionID, "alice", protocol.DiagramUpdate{
		UpdateType: protocol.UpdateElementCreated,
		Data:       json.RawMessage(`{"id":"e1"}`),
	}, time.Now().UTC()))
	require.NoError(t, h.svc.Broadcaster.Emit(context.Background(), sessionID, "watcher", protocol.DiagramUpdate{
		UpdateType: protocol.UpdateElementDeleted,
		Data:       json.RawMessage(`{"id":"e1"}`),
	}, time.Now().UTC()))
	require.NoError(t, h.svc.Broadcaster.Emit(context.Background(), sessionID, "bob", protocol.SelectionChange{
		ElementIDs: []string{"e1"},
	}, time.Now().UTC()))

	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), "select  bob")
	}, 5*time.Second, 10*time.Millisecond)
	assert.Regexp(t, `update\s+alice\s+element_created`, out.String())
	assert.NotContains(t, out.String(), "element_deleted", "own updates are not echoed")

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("watch did not stop on cancellation")
	}
}

func TestGatewayURL(t *testing.T) {
	assert.Equal(t, "ws://localhost:8080", gatewayURL("http://localhost:8080"))
	assert.Equal(t, "wss://collab.example", gatewayURL("https://collab.example"))
	assert.Equal(t, "ws://already", gatewayURL("ws://already"))
}
