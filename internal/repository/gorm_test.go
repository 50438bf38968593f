package repository

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"diagram-collab/internal/db"
	"diagram-collab/internal/models"

	"github.com/glebarez/sqlite"
	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

var base = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "collab.db")
	gdb, err := db.Open(sqlite.Open(path+"?_pragma=busy_timeout(5000)"), zaptest.NewLogger(t), gormlogger.Silent)
	require.NoError(t, err)
	t.Cleanup(func() { _ = gdb.Close() })
	return gdb.DB
}

type repos struct {
	sessions      *SessionRepositoryImpl
	collaborators *CollaboratorRepositoryImpl
	events        *EventRepositoryImpl
}

func newRepos(t *testing.T) repos {
	gdb := openTestDB(t)
	return repos{
		sessions:      NewSessionRepository(gdb),
		collaborators: NewCollaboratorRepository(gdb),
		events:        NewEventRepository(gdb),
	}
}

func (r repos) session(t *testing.T, diagramID string, capacity int, expiresAt *time.Time) *models.Session {
	t.Helper()
	s := &models.Session{
		DiagramID:        diagramID,
		OwnerID:          "owner",
		Status:           models.SessionActive,
		StartedAt:        base,
		MaxCollaborators: capacity,
		InviteToken:      fmt.Sprintf("token-%d-%s-", capacity, diagramID) + ulid.Make().String(),
		InviteExpiresAt:  expiresAt,
	}
	require.NoError(t, r.sessions.CreateSession(context.Background(), s))
	require.NotEmpty(t, s.SessionID)
	return s
}

func (r repos) admit(t *testing.T, s *models.Session, userID string, now time.Time) (*models.Collaborator, bool, error) {
	t.Helper()
	c := models.NewCollaborator(s.SessionID, models.RoleViewer, now)
	c.UserID = &userID
	c.DisplayName = userID
	return r.collaborators.AdmitCollaborator(context.Background(), c, now)
}

func TestSessionRepository_Lifecycle(t *testing.T) {
	r := newRepos(t)
	ctx := context.Background()
	s := r.session(t, "d1", 5, nil)

	got, err := r.sessions.GetSession(ctx, s.SessionID)
	require.NoError(t, err)
	assert.Equal(t, "d1", got.DiagramID)
	assert.True(t, got.IsActive())

	_, err = r.sessions.GetSession(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	exp := base.Add(time.Hour)
	require.NoError(t, r.sessions.UpdateInvite(ctx, s.SessionID, "fresh-token", &exp))
	got, err = r.sessions.GetSession(ctx, s.SessionID)
	require.NoError(t, err)
	assert.Equal(t, "fresh-token", got.InviteToken)
	require.NotNil(t, got.InviteExpiresAt)
	assert.True(t, exp.Equal(*got.InviteExpiresAt))
	assert.ErrorIs(t, r.sessions.UpdateInvite(ctx, "missing", "x", nil), ErrNotFound)

	changed, err := r.sessions.TransitionStatus(ctx, s.SessionID, models.SessionActive, models.SessionPaused)
	require.NoError(t, err)
	assert.True(t, changed)
	changed, err = r.sessions.TransitionStatus(ctx, s.SessionID, models.SessionActive, models.SessionPaused)
	require.NoError(t, err)
	assert.False(t, changed, "already paused")
	_, err = r.sessions.TransitionStatus(ctx, "missing", models.SessionActive, models.SessionPaused)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSessionRepository_EndForcesCollaboratorsOffline(t *testing.T) {
	r := newRepos(t)
	ctx := context.Background()
	s := r.session(t, "d1", 5, nil)
	_, _, err := r.admit(t, s, "a", base)
	require.NoError(t, err)
	_, _, err = r.admit(t, s, "b", base)
	require.NoError(t, err)

	endedAt := base.Add(time.Minute)
	ended, err := r.sessions.EndSession(ctx, s.SessionID, endedAt)
	require.NoError(t, err)
	assert.True(t, ended)

	got, err := r.sessions.GetSession(ctx, s.SessionID)
	require.NoError(t, err)
	assert.True(t, got.IsEnded())
	assert.Equal(t, 0, got.ActiveUsersCount)
	require.NotNil(t, got.EndedAt)
	assert.True(t, endedAt.Equal(*got.EndedAt))

	list, err := r.collaborators.ListCollaborators(ctx, s.SessionID)
	require.NoError(t, err)
	require.Len(t, list, 2)
	for _, c := range list {
		assert.Equal(t, models.PresenceOffline, c.Status)
		assert.NotNil(t, c.LeftAt)
	}

	ended, err = r.sessions.EndSession(ctx, s.SessionID, endedAt.Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, ended)
	got, err = r.sessions.GetSession(ctx, s.SessionID)
	require.NoError(t, err)
	assert.True(t, endedAt.Equal(*got.EndedAt), "ended_at is not rewritten")

	_, err = r.sessions.EndSession(ctx, "missing", base)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCollaboratorRepository_AdmitRespectsCapacity(t *testing.T) {
	r := newRepos(t)
	ctx := context.Background()
	s := r.session(t, "d1", 2, nil)

	a, created, err := r.admit(t, s, "a", base)
	require.NoError(t, err)
	assert.True(t, created)
	_, _, err = r.admit(t, s, "b", base)
	require.NoError(t, err)

	_, _, err = r.admit(t, s, "c", base)
	assert.ErrorIs(t, err, ErrCapacityReached)

	again, created, err := r.admit(t, s, "a", base.Add(time.Second))
	require.NoError(t, err, "an online collaborator does not need a free seat")
	assert.False(t, created)
	assert.Equal(t, a.ID, again.ID)

	n, err := r.sessions.RefreshActiveCount(ctx, s.SessionID, base.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	// both heartbeats lapse, so seats free up
	later := base.Add(models.StalenessWindow + time.Minute)
	c, created, err := r.admit(t, s, "c", later)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, models.PresenceOnline, c.Status)

	changed, err := r.collaborators.MarkOffline(ctx, a.ID, later)
	require.NoError(t, err)
	assert.True(t, changed)
	back, created, err := r.admit(t, s, "a", later)
	require.NoError(t, err)
	assert.False(t, created, "rejoining reuses the row")
	assert.Equal(t, a.ID, back.ID)
	assert.Equal(t, models.PresenceOnline, back.Status)
	assert.Nil(t, back.LeftAt)

	_, err = r.sessions.TransitionStatus(ctx, s.SessionID, models.SessionActive, models.SessionPaused)
	require.NoError(t, err)
	_, _, err = r.admit(t, s, "d", later)
	assert.ErrorIs(t, err, ErrSessionNotActive)

	missing := &models.Session{SessionID: "missing"}
	_, _, err = r.admit(t, missing, "e", later)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCollaboratorRepository_Presence(t *testing.T) {
	r := newRepos(t)
	ctx := context.Background()
	s := r.session(t, "d1", 1, nil)
	a, _, err := r.admit(t, s, "a", base)
	require.NoError(t, err)

	prev, err := r.collaborators.Heartbeat(ctx, a.ID, base.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, models.PresenceOnline, prev)

	lapsed := base.Add(time.Minute + models.StalenessWindow + time.Second)
	prev, err = r.collaborators.Heartbeat(ctx, a.ID, lapsed)
	require.NoError(t, err)
	assert.Equal(t, models.PresenceAway, prev)

	changed, err := r.collaborators.MarkAway(ctx, a.ID, lapsed)
	require.NoError(t, err)
	assert.True(t, changed)
	changed, err = r.collaborators.MarkAway(ctx, a.ID, lapsed)
	require.NoError(t, err)
	assert.False(t, changed)

	// a newcomer takes the only seat while a is away
	_, _, err = r.admit(t, s, "b", lapsed)
	require.NoError(t, err)
	_, err = r.collaborators.Heartbeat(ctx, a.ID, lapsed)
	assert.ErrorIs(t, err, ErrCapacityReached)

	_, err = r.collaborators.MarkOffline(ctx, a.ID, lapsed)
	require.NoError(t, err)
	_, err = r.collaborators.Heartbeat(ctx, a.ID, lapsed)
	assert.ErrorIs(t, err, ErrCollaboratorOffline)
	_, err = r.collaborators.Heartbeat(ctx, "missing", lapsed)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCollaboratorRepository_ActivityAndRoles(t *testing.T) {
	r := newRepos(t)
	ctx := context.Background()
	s := r.session(t, "d1", 3, nil)
	a, _, err := r.admit(t, s, "a", base)
	require.NoError(t, err)

	require.NoError(t, r.collaborators.UpdateCursor(ctx, a.ID, models.CursorPosition{X: 3, Y: 4, TargetElementID: "e1", Timestamp: base}))
	require.NoError(t, r.collaborators.UpdateSelection(ctx, a.ID, nil))
	require.NoError(t, r.collaborators.IncrementCounters(ctx, a.ID, models.CounterDelta{Edits: 1, ElementsCreated: 1}))
	require.NoError(t, r.collaborators.IncrementCounters(ctx, a.ID, models.CounterDelta{Edits: 1, ChatMessages: 2}))
	assert.ErrorIs(t, r.collaborators.UpdateCursor(ctx, "missing", models.CursorPosition{}), ErrNotFound)

	got, err := r.collaborators.GetCollaborator(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, "e1", got.CursorPosition.Data().TargetElementID)
	assert.Equal(t, []string{}, got.CurrentSelection.Data())
	assert.Equal(t, 2, got.EditsCount)
	assert.Equal(t, 1, got.ElementsCreated)
	assert.Equal(t, 2, got.ChatMessages)

	found, err := r.collaborators.FindCollaborator(ctx, s.SessionID, "a")
	require.NoError(t, err)
	assert.Equal(t, a.ID, found.ID)
	_, err = r.collaborators.FindCollaborator(ctx, s.SessionID, "nobody")
	assert.ErrorIs(t, err, ErrNotFound)

	changed, err := r.collaborators.ChangeRole(ctx, a.ID, models.RoleViewer, models.RoleEditor)
	require.NoError(t, err)
	assert.True(t, changed)
	changed, err = r.collaborators.ChangeRole(ctx, a.ID, models.RoleViewer, models.RoleEditor)
	require.NoError(t, err)
	assert.False(t, changed)
	_, err = r.collaborators.ChangeRole(ctx, "missing", models.RoleViewer, models.RoleEditor)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSessionRepository_QueriesAndStats(t *testing.T) {
	r := newRepos(t)
	ctx := context.Background()
	past := base.Add(-time.Hour)
	future := base.Add(time.Hour)

	expired := r.session(t, "d1", 3, &past)
	r.session(t, "d1", 3, &future)
	paused := r.session(t, "d2", 3, &past)
	_, err := r.sessions.TransitionStatus(ctx, paused.SessionID, models.SessionActive, models.SessionPaused)
	require.NoError(t, err)
	ended := r.session(t, "d1", 3, nil)
	_, err = r.sessions.EndSession(ctx, ended.SessionID, base)
	require.NoError(t, err)
	_, _, err = r.admit(t, expired, "a", base)
	require.NoError(t, err)

	list, err := r.sessions.ListExpiredActive(ctx, base)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, expired.SessionID, list[0].SessionID)

	open, err := r.sessions.ListOpenByDiagram(ctx, "d1")
	require.NoError(t, err)
	assert.Len(t, open, 2)

	stats, err := r.sessions.Stats(ctx, base)
	require.NoError(t, err)
	assert.EqualValues(t, 2, stats.ActiveSessions)
	assert.EqualValues(t, 1, stats.PausedSessions)
	assert.EqualValues(t, 1, stats.EndedSessions)
	assert.EqualValues(t, 1, stats.ExpiredActive)
	assert.EqualValues(t, 1, stats.OnlineCollaborators)
}

func TestEventRepository_ReplayAndCompaction(t *testing.T) {
	r := newRepos(t)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 5; i++ {
		id := ulid.MustNew(ulid.Timestamp(base.Add(time.Duration(i)*time.Second)), ulid.DefaultEntropy()).String()
		ids = append(ids, id)
		require.NoError(t, r.events.StoreEvent(ctx, &models.SessionEvent{
			ID:        id,
			SessionID: "s1",
			Kind:      "diagram.updated",
			UserID:    "u",
			Envelope:  []byte(fmt.Sprintf(`{"n":%d}`, i)),
			CreatedAt: base,
		}))
	}
	require.NoError(t, r.events.StoreEvent(ctx, &models.SessionEvent{SessionID: "s2", Kind: "user.joined", Envelope: []byte(`{}`)}))

	all, err := r.events.ListEvents(ctx, "s1", "", 0)
	require.NoError(t, err)
	require.Len(t, all, 5)
	assert.Equal(t, ids[0], all[0].ID)

	page, err := r.events.ListEvents(ctx, "s1", ids[1], 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, ids[2], page[0].ID)
	assert.Equal(t, ids[3], page[1].ID)

	n, err := r.events.DeleteOldEvents(ctx, "s1", 2)
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)
	left, err := r.events.ListEvents(ctx, "s1", "", 0)
	require.NoError(t, err)
	require.Len(t, left, 2)
	assert.Equal(t, ids[3], left[0].ID)

	n, err = r.events.DeleteOldEvents(ctx, "s1", 10)
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = r.events.DeleteOldEvents(ctx, "s2", 0)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}
