package services

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"diagram-collab/internal/models"
	"diagram-collab/internal/protocol"
	"diagram-collab/internal/repository/memstore"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// seedSweepScenario creates one expired active session with two collaborators
// and one active session whose invite is still valid
func seedSweepScenario(t *testing.T, f *fixture) (expired, valid *models.Session) {
	t.Helper()
	expired = f.createSession(t, SessionOptions{InviteTTL: time.Hour})
	f.join(t, expired, "A")
	f.join(t, expired, "B")
	valid = f.createSession(t, SessionOptions{InviteTTL: 48 * time.Hour})
	f.join(t, valid, "C")

	f.clock.Advance(2 * time.Hour)
	return expired, valid
}

func TestSweep_DryRunThenLive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	expired, valid := seedSweepScenario(t, f)

	report, err := f.janitor.Sweep(ctx, true)
	require.NoError(t, err)
	assert.True(t, report.DryRun)
	assert.Equal(t, []string{expired.SessionID}, report.Candidates)
	assert.Empty(t, report.Ended)

	still, err := f.store.GetSession(ctx, expired.SessionID)
	require.NoError(t, err)
	assert.True(t, still.IsActive(), "dry run mutates nothing")

	report, err = f.janitor.Sweep(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, []string{expired.SessionID}, report.Ended)
	assert.False(t, report.HasFailures())

	ended, err := f.store.GetSession(ctx, expired.SessionID)
	require.NoError(t, err)
	assert.True(t, ended.IsEnded())
	list, err := f.store.ListCollaborators(ctx, expired.SessionID)
	require.NoError(t, err)
	require.Len(t, list, 2)
	for _, c := range list {
		assert.Equal(t, models.PresenceOffline, c.Status)
	}

	untouched, err := f.store.GetSession(ctx, valid.SessionID)
	require.NoError(t, err)
	assert.True(t, untouched.IsActive())

	report, err = f.janitor.Sweep(ctx, false)
	require.NoError(t, err)
	assert.Empty(t, report.Candidates, "nothing left to clean")
}

func TestSweep_SkipsPausedAndUnbounded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	paused := f.createSession(t, SessionOptions{InviteTTL: time.Minute})
	require.NoError(t, f.lifecycle.PauseSession(ctx, paused.SessionID))
	unbounded := f.createSession(t, SessionOptions{})
	f.clock.Advance(time.Hour)

	report, err := f.janitor.Sweep(ctx, false)
	require.NoError(t, err)
	assert.Empty(t, report.Candidates)

	for _, id := range []string{paused.SessionID, unbounded.SessionID} {
		s, err := f.store.GetSession(ctx, id)
		require.NoError(t, err)
		assert.False(t, s.IsEnded())
	}
}

func TestSweep_ContinuesPastFailures(t *testing.T) {
	wrapped := &failingEnds{Store: nil, fail: map[string]bool{}}
	f := newFixtureWithSessions(t, wrapped)
	wrapped.Store = f.store
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		s := f.createSession(t, SessionOptions{InviteTTL: time.Minute})
		ids = append(ids, s.SessionID)
	}
	wrapped.fail[ids[1]] = true
	f.clock.Advance(time.Hour)

	report, err := f.janitor.Sweep(ctx, false)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{ids[0], ids[2]}, report.Ended)
	require.Contains(t, report.Failed, ids[1])
	assert.True(t, report.HasFailures())

	s, err := f.store.GetSession(ctx, ids[1])
	require.NoError(t, err)
	assert.True(t, s.IsActive())
}

func TestSweep_CompactsEventLog(t *testing.T) {
	logger := zaptest.NewLogger(t)
	store := memstore.New()
	clock := newFakeClock()
	b := NewBroadcaster(store, &recordingPublisher{}, logger)
	lm := NewLifecycleManager(store, store, b, logger, WithClock(clock.Now))
	janitor := NewJanitor(store, store, lm, logger, WithJanitorClock(clock.Now), WithEventRetention(2))
	ctx := context.Background()

	s, err := lm.CreateSession(ctx, "d", "o", SessionOptions{MaxCollaborators: 5, InviteTTL: time.Minute})
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		require.NoError(t, b.Emit(ctx, s.SessionID, "o", protocol.DiagramUpdate{
			UpdateType: protocol.UpdateFullSnapshot,
			Data:       json.RawMessage(fmt.Sprintf(`{"rev":%d}`, i)),
		}, clock.Now()))
	}
	clock.Advance(time.Hour)

	report, err := janitor.Sweep(ctx, false)
	require.NoError(t, err)
	assert.EqualValues(t, 3, report.Compacted)

	history, err := b.History(ctx, s.SessionID, "", 0)
	require.NoError(t, err)
	require.Len(t, history, 2)
	ev, err := history[1].Decode()
	require.NoError(t, err)
	assert.JSONEq(t, `{"rev":4}`, string(ev.(*protocol.DiagramUpdate).Data))
}

func TestJanitorStats(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	seedSweepScenario(t, f)
	other := f.createSession(t, SessionOptions{})
	require.NoError(t, f.lifecycle.PauseSession(ctx, other.SessionID))
	third := f.createSession(t, SessionOptions{})
	f.join(t, third, "D")

	stats, err := f.janitor.Stats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 3, stats.ActiveSessions)
	assert.EqualValues(t, 1, stats.PausedSessions)
	assert.EqualValues(t, 1, stats.ExpiredActive)
	assert.EqualValues(t, 1, stats.OnlineCollaborators, "only D joined after the clock moved")
	assert.Equal(t, f.clock.Now(), stats.GeneratedAt)
}

func TestNewScheduler_RejectsBadSpecs(t *testing.T) {
	f := newFixture(t)
	logger := zaptest.NewLogger(t)

	_, err := NewScheduler(f.janitor, logger, "not a schedule", "")
	assert.Error(t, err)

	s, err := NewScheduler(f.janitor, logger, "", "")
	require.NoError(t, err)
	s.Start()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.Stop(ctx)
}
