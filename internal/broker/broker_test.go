package broker

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"diagram-collab/internal/protocol"
	"diagram-collab/internal/telemetry"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const testSession = "0b7a3c2e-5d1f-4f0e-9b6a-2f3c4d5e6f70"

func member(conn, user string) protocol.Member {
	return protocol.Member{ConnectionID: conn, UserID: user, Name: user}
}

func update(t *testing.T, user, marker string) *protocol.Envelope {
	t.Helper()
	env, err := protocol.NewEnvelope(testSession, user, protocol.DiagramUpdate{
		UpdateType: protocol.UpdateElementUpdated,
		Data:       json.RawMessage(`{"marker":"` + marker + `"}`),
	}, time.Now())
	require.NoError(t, err)
	return env
}

func cursor(t *testing.T, user string, x float64) *protocol.Envelope {
	t.Helper()
	env, err := protocol.NewEnvelope(testSession, user, protocol.CursorMove{X: x, Y: 1}, time.Now())
	require.NoError(t, err)
	return env
}

func recv(t *testing.T, sub Subscription) *protocol.Envelope {
	t.Helper()
	select {
	case env, ok := <-sub.Events():
		require.True(t, ok, "subscription closed unexpectedly")
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for envelope")
		return nil
	}
}

func requireClosed(t *testing.T, sub Subscription) {
	t.Helper()
	select {
	case _, ok := <-sub.Events():
		require.False(t, ok, "expected subscription to be closed")
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for close")
	}
}

func counterValue(c prometheus.Counter) float64 {
	var m dto.Metric
	_ = c.Write(&m)
	return m.GetCounter().GetValue()
}

func newMemory(t *testing.T, buffer int) *MemoryBroker {
	t.Helper()
	b := NewMemoryBroker(zaptest.NewLogger(t), buffer)
	b.Start()
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestMemoryBroker_FanOutInPublishOrder(t *testing.T) {
	b := newMemory(t, 16)
	ctx := context.Background()
	channel := protocol.ChannelName(testSession)

	alice, err := b.Subscribe(ctx, channel, member("c1", "alice"))
	require.NoError(t, err)
	assert.Len(t, alice.Members(), 1)

	bob, err := b.Subscribe(ctx, channel, member("c2", "bob"))
	require.NoError(t, err)
	assert.ElementsMatch(t, []protocol.Member{member("c1", "alice"), member("c2", "bob")}, bob.Members())

	joined := recv(t, alice)
	require.Equal(t, protocol.KindMemberAdded, joined.Kind)
	ev, err := joined.Decode()
	require.NoError(t, err)
	assert.Equal(t, "c2", ev.(*protocol.MemberAdded).Member.ConnectionID)

	markers := []string{"one", "two", "three"}
	for _, m := range markers {
		require.NoError(t, b.Publish(ctx, update(t, "alice", m)))
	}

	for _, sub := range []Subscription{alice, bob} {
		for _, m := range markers {
			env := recv(t, sub)
			require.Equal(t, protocol.KindDiagramUpdated, env.Kind)
			ev, err := env.Decode()
			require.NoError(t, err)
			assert.JSONEq(t, `{"marker":"`+m+`"}`, string(ev.(*protocol.DiagramUpdate).Data))
		}
	}
}

func TestMemoryBroker_LeaveNotifiesRemaining(t *testing.T) {
	b := newMemory(t, 16)
	ctx := context.Background()
	channel := protocol.ChannelName(testSession)

	alice, err := b.Subscribe(ctx, channel, member("c1", "alice"))
	require.NoError(t, err)
	bob, err := b.Subscribe(ctx, channel, member("c2", "bob"))
	require.NoError(t, err)
	require.Equal(t, protocol.KindMemberAdded, recv(t, alice).Kind)

	require.NoError(t, bob.Close())
	requireClosed(t, bob)

	left := recv(t, alice)
	require.Equal(t, protocol.KindMemberRemoved, left.Kind)
	assert.Equal(t, "bob", left.UserID)
	assert.Len(t, b.Subscribers(channel), 1)
}

func TestMemoryBroker_ChannelsAreIsolated(t *testing.T) {
	b := newMemory(t, 16)
	ctx := context.Background()

	other, err := b.Subscribe(ctx, protocol.ChannelName("other"), member("c9", "carol"))
	require.NoError(t, err)
	mine, err := b.Subscribe(ctx, protocol.ChannelName(testSession), member("c1", "alice"))
	require.NoError(t, err)

	require.NoError(t, b.Publish(ctx, update(t, "alice", "x")))
	assert.Equal(t, protocol.KindDiagramUpdated, recv(t, mine).Kind)

	select {
	case env := <-other.Events():
		t.Fatalf("unexpected envelope on foreign channel: %s", env.Kind)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestMemoryBroker_SlowSubscriberDropsEphemeral(t *testing.T) {
	b := newMemory(t, 1)
	ctx := context.Background()
	channel := protocol.ChannelName(testSession)

	sub, err := b.Subscribe(ctx, channel, member("c1", "alice"))
	require.NoError(t, err)

	dropped := telemetry.EventsDropped.WithLabelValues(string(protocol.KindCursorMoved))
	before := counterValue(dropped)

	require.NoError(t, b.Publish(ctx, cursor(t, "bob", 1)))
	require.NoError(t, b.Publish(ctx, cursor(t, "bob", 2)))

	require.Eventually(t, func() bool {
		return counterValue(dropped) == before+1
	}, 2*time.Second, 10*time.Millisecond)

	env := recv(t, sub)
	ev, err := env.Decode()
	require.NoError(t, err)
	assert.Equal(t, 1.0, ev.(*protocol.CursorMove).X)
	assert.Len(t, b.Subscribers(channel), 1, "ephemeral overflow must not evict")
}

func TestMemoryBroker_SlowSubscriberEvictedOnPersisted(t *testing.T) {
	b := newMemory(t, 1)
	ctx := context.Background()
	channel := protocol.ChannelName(testSession)

	sub, err := b.Subscribe(ctx, channel, member("c1", "alice"))
	require.NoError(t, err)

	require.NoError(t, b.Publish(ctx, update(t, "bob", "first")))
	require.NoError(t, b.Publish(ctx, update(t, "bob", "second")))

	require.Eventually(t, func() bool {
		return len(b.Subscribers(channel)) == 0
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, protocol.KindDiagramUpdated, recv(t, sub).Kind)
	requireClosed(t, sub)
}

func TestMemoryBroker_ClosedBrokerRejects(t *testing.T) {
	b := NewMemoryBroker(zaptest.NewLogger(t), 4)
	b.Start()

	sub, err := b.Subscribe(context.Background(), protocol.ChannelName(testSession), member("c1", "alice"))
	require.NoError(t, err)

	require.NoError(t, b.Close())
	requireClosed(t, sub)
	assert.NoError(t, sub.Close())

	assert.ErrorIs(t, b.Publish(context.Background(), update(t, "alice", "late")), ErrClosed)
	_, err = b.Subscribe(context.Background(), protocol.ChannelName(testSession), member("c2", "bob"))
	assert.ErrorIs(t, err, ErrClosed)
}

func newRedis(t *testing.T, opts ...RedisOption) (*RedisBroker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisBroker(client, zaptest.NewLogger(t), 16, opts...), mr
}

// storedMembers reads the membership set straight from redis
func storedMembers(t *testing.T, b *RedisBroker, channel string) []protocol.Member {
	t.Helper()
	raw, err := b.client.ZRange(context.Background(), membersKey(channel), 0, -1).Result()
	require.NoError(t, err)
	out := make([]protocol.Member, 0, len(raw))
	for _, v := range raw {
		var m protocol.Member
		require.NoError(t, json.Unmarshal([]byte(v), &m))
		out = append(out, m)
	}
	return out
}

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestRedisBroker_MembershipAndFanOut(t *testing.T) {
	b, _ := newRedis(t)
	ctx := context.Background()
	channel := protocol.ChannelName(testSession)

	alice, err := b.Subscribe(ctx, channel, member("c1", "alice"))
	require.NoError(t, err)
	defer alice.Close()
	assert.Equal(t, []protocol.Member{member("c1", "alice")}, alice.Members())

	bob, err := b.Subscribe(ctx, channel, member("c2", "bob"))
	require.NoError(t, err)
	assert.ElementsMatch(t, []protocol.Member{member("c1", "alice"), member("c2", "bob")}, bob.Members())

	added := recv(t, alice)
	require.Equal(t, protocol.KindMemberAdded, added.Kind)
	assert.Equal(t, "bob", added.UserID)

	require.NoError(t, b.Publish(ctx, update(t, "alice", "hello")))
	for _, sub := range []Subscription{alice, bob} {
		env := recv(t, sub)
		assert.Equal(t, protocol.KindDiagramUpdated, env.Kind)
		assert.Equal(t, testSession, env.SessionID)
	}

	require.NoError(t, bob.Close())
	removed := recv(t, alice)
	require.Equal(t, protocol.KindMemberRemoved, removed.Kind)

	assert.Equal(t, []protocol.Member{member("c1", "alice")}, storedMembers(t, b, channel))
}

func TestRedisBroker_LapsedMembersArePruned(t *testing.T) {
	clock := &manualClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	b, mr := newRedis(t, WithMemberTTL(30*time.Second), WithRedisClock(clock.Now))
	ctx := context.Background()
	channel := protocol.ChannelName(testSession)

	// a process that dies without closing leaves its entry behind
	stale, err := b.Subscribe(ctx, channel, member("c1", "ghost"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = stale.Close() })

	clock.Advance(31 * time.Second)
	alice, err := b.Subscribe(ctx, channel, member("c2", "alice"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = alice.Close() })
	assert.Equal(t, []protocol.Member{member("c2", "alice")}, alice.Members())
	assert.Equal(t, []protocol.Member{member("c2", "alice")}, storedMembers(t, b, channel))

	// a refreshed lease survives the next prune
	clock.Advance(20 * time.Second)
	alice.(*redisSubscription).refresh()
	clock.Advance(20 * time.Second)
	bob, err := b.Subscribe(ctx, channel, member("c3", "bob"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = bob.Close() })
	assert.ElementsMatch(t, []protocol.Member{member("c2", "alice"), member("c3", "bob")}, bob.Members())

	// with nobody refreshing, the whole set expires
	mr.FastForward(61 * time.Second)
	assert.False(t, mr.Exists(membersKey(channel)))
	assert.Empty(t, storedMembers(t, b, channel))
}

func TestRedisBroker_DropsMalformedPayloads(t *testing.T) {
	b, _ := newRedis(t)
	ctx := context.Background()
	channel := protocol.ChannelName(testSession)

	sub, err := b.Subscribe(ctx, channel, member("c1", "alice"))
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, b.client.Publish(ctx, channel, "not json").Err())
	require.NoError(t, b.Publish(ctx, update(t, "bob", "ok")))

	assert.Equal(t, protocol.KindDiagramUpdated, recv(t, sub).Kind)
}
