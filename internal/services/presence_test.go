package services

import (
	"context"
	"testing"
	"time"

	"diagram-collab/internal/models"
	"diagram-collab/internal/protocol"
	"diagram-collab/internal/repository"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsOnline_Window(t *testing.T) {
	f := newFixture(t)
	seen := f.clock.Now()
	c := &models.Collaborator{Status: models.PresenceOnline, LastSeenAt: seen}

	f.clock.Advance(models.StalenessWindow - time.Second)
	assert.True(t, f.presence.IsOnline(c))
	assert.Equal(t, models.PresenceOnline, f.presence.EffectiveStatus(c))

	f.clock.Advance(time.Second)
	assert.False(t, f.presence.IsOnline(c), "exactly five minutes is stale")
	assert.Equal(t, models.PresenceAway, f.presence.EffectiveStatus(c))

	c.Status = models.PresenceOffline
	c.LastSeenAt = f.clock.Now()
	assert.False(t, f.presence.IsOnline(c))
	assert.Equal(t, models.PresenceOffline, f.presence.EffectiveStatus(c))
}

func TestHeartbeat_KeepsCollaboratorOnline(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.createSession(t, SessionOptions{})
	c := f.join(t, s, "A")

	f.clock.Advance(4 * time.Minute)
	got, err := f.presence.Heartbeat(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, f.clock.Now(), got.LastSeenAt)

	f.clock.Advance(4 * time.Minute)
	assert.Equal(t, 1, f.assertCountMatchesOnline(t, s.SessionID))
	assert.Equal(t, []protocol.Kind{protocol.KindUserJoined}, f.pub.kinds(), "online heartbeats are silent")
}

func TestHeartbeat_ExpiryDropsCount(t *testing.T) {
	f := newFixture(t)
	s := f.createSession(t, SessionOptions{})
	f.join(t, s, "A")
	f.join(t, s, "B")
	assert.Equal(t, 2, f.assertCountMatchesOnline(t, s.SessionID))

	f.clock.Advance(models.StalenessWindow + time.Second)
	assert.Equal(t, 0, f.assertCountMatchesOnline(t, s.SessionID))
}

func TestHeartbeat_AwayComesBackOnline(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.createSession(t, SessionOptions{})
	c := f.join(t, s, "A")

	f.clock.Advance(10 * time.Minute)
	got, err := f.presence.Heartbeat(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PresenceOnline, got.Status)
	assert.Equal(t, 1, f.assertCountMatchesOnline(t, s.SessionID))

	env := f.pub.last()
	require.Equal(t, protocol.KindPresenceChanged, env.Kind)
	ev, err := env.Decode()
	require.NoError(t, err)
	change := ev.(*protocol.PresenceChange)
	assert.Equal(t, c.ID, change.CollaboratorID)
	assert.Equal(t, "online", change.Status)

	history, err := f.broadcaster.History(ctx, s.SessionID, "", 0)
	require.NoError(t, err)
	for _, h := range history {
		assert.NotEqual(t, protocol.KindPresenceChanged, h.Kind, "ephemeral signals are never persisted")
	}
}

func TestHeartbeat_AwayBlockedWhenFull(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.createSession(t, SessionOptions{MaxCollaborators: 1})
	a := f.join(t, s, "A")

	f.clock.Advance(models.StalenessWindow + time.Minute)
	f.join(t, s, "B")

	_, err := f.presence.Heartbeat(ctx, a.ID)
	assert.ErrorIs(t, err, repository.ErrCapacityReached)
	assert.Equal(t, 1, f.assertCountMatchesOnline(t, s.SessionID))
}

func TestHeartbeat_OfflineMustRejoin(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.createSession(t, SessionOptions{})
	c := f.join(t, s, "A")
	require.NoError(t, f.lifecycle.LeaveSession(ctx, s.SessionID, c.ID))

	_, err := f.presence.Heartbeat(ctx, c.ID)
	assert.ErrorIs(t, err, repository.ErrCollaboratorOffline)
	assert.ErrorIs(t, f.presence.UpdateCursor(ctx, c.ID, 1, 2, ""), repository.ErrCollaboratorOffline)

	_, err = f.presence.Heartbeat(ctx, "missing")
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestUpdateCursor_OverwritesAndHeartbeats(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.createSession(t, SessionOptions{})
	c := f.join(t, s, "A")

	f.clock.Advance(3 * time.Minute)
	require.NoError(t, f.presence.UpdateCursor(ctx, c.ID, 10, 20, "el-1"))
	f.clock.Advance(time.Second)
	require.NoError(t, f.presence.UpdateCursor(ctx, c.ID, 30, 40, ""))

	got, err := f.store.GetCollaborator(ctx, c.ID)
	require.NoError(t, err)
	cursor := got.CursorPosition.Data()
	assert.Equal(t, 30.0, cursor.X)
	assert.Equal(t, 40.0, cursor.Y)
	assert.Empty(t, cursor.TargetElementID)
	assert.Equal(t, f.clock.Now(), cursor.Timestamp)
	assert.Equal(t, f.clock.Now(), got.LastSeenAt)
}

func TestUpdateSelection(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.createSession(t, SessionOptions{})
	c := f.join(t, s, "A")

	require.NoError(t, f.presence.UpdateSelection(ctx, c.ID, []string{"e1", "e2"}))
	got, err := f.store.GetCollaborator(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"e1", "e2"}, got.CurrentSelection.Data())

	require.NoError(t, f.presence.UpdateSelection(ctx, c.ID, nil))
	got, err = f.store.GetCollaborator(ctx, c.ID)
	require.NoError(t, err)
	assert.Empty(t, got.CurrentSelection.Data())
}

func TestRecordEdit_Counters(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.createSession(t, SessionOptions{})
	c := f.join(t, s, "A")

	require.NoError(t, f.presence.RecordEdit(ctx, c.ID, protocol.UpdateElementCreated))
	require.NoError(t, f.presence.RecordEdit(ctx, c.ID, protocol.UpdateRelationCreated))
	require.NoError(t, f.presence.RecordEdit(ctx, c.ID, protocol.UpdateElementUpdated))
	require.NoError(t, f.presence.RecordEdit(ctx, c.ID, protocol.UpdateFullSnapshot))
	require.NoError(t, f.presence.RecordChatMessage(ctx, c.ID))

	got, err := f.store.GetCollaborator(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 4, got.EditsCount)
	assert.Equal(t, 2, got.ElementsCreated)
	assert.Equal(t, 1, got.ElementsModified)
	assert.Equal(t, 1, got.ChatMessages)
}

func TestRecordEdit_CountsEvenWhenSeatIsGone(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.createSession(t, SessionOptions{MaxCollaborators: 1})
	a := f.join(t, s, "A")
	f.clock.Advance(models.StalenessWindow + time.Minute)
	f.join(t, s, "B")

	require.NoError(t, f.presence.RecordEdit(ctx, a.ID, protocol.UpdateElementDeleted))
	got, err := f.store.GetCollaborator(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.EditsCount)
	assert.False(t, f.presence.IsOnline(got))
}

func TestMarkAway(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.createSession(t, SessionOptions{})
	c := f.join(t, s, "A")

	require.NoError(t, f.presence.MarkAway(ctx, c.ID))
	assert.Equal(t, 0, f.assertCountMatchesOnline(t, s.SessionID))

	env := f.pub.last()
	require.Equal(t, protocol.KindPresenceChanged, env.Kind)
	ev, err := env.Decode()
	require.NoError(t, err)
	assert.Equal(t, "away", ev.(*protocol.PresenceChange).Status)

	published := len(f.pub.kinds())
	require.NoError(t, f.presence.MarkAway(ctx, c.ID))
	assert.Len(t, f.pub.kinds(), published, "already away")

	got, err := f.presence.Heartbeat(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PresenceOnline, got.Status)
	assert.Equal(t, 1, f.assertCountMatchesOnline(t, s.SessionID))
}
