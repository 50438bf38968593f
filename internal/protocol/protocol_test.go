package protocol

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChannelName(t *testing.T) {
	name := ChannelName("abc-123")
	assert.Equal(t, "session:abc-123", name)

	id, ok := SessionIDFromChannel(name)
	require.True(t, ok)
	assert.Equal(t, "abc-123", id)

	for _, bad := range []string{"", "session:", "presence-abc", "session:a:b"} {
		_, ok := SessionIDFromChannel(bad)
		assert.False(t, ok, bad)
	}
}

func TestAuthorizeChannel(t *testing.T) {
	auth, err := AuthorizeChannel(&Identity{ID: "u1", DisplayName: "Ada"}, ChannelName("s1"))
	require.NoError(t, err)
	assert.Equal(t, &ChannelAuthorization{ID: "u1", Name: "Ada"}, auth)

	auth, err = AuthorizeChannel(&Identity{ID: "u2"}, ChannelName("s1"))
	require.NoError(t, err)
	assert.Equal(t, "u2", auth.Name)

	_, err = AuthorizeChannel(nil, ChannelName("s1"))
	assert.ErrorIs(t, err, ErrChannelDenied)

	_, err = AuthorizeChannel(&Identity{ID: "u1"}, "private-s1")
	assert.ErrorIs(t, err, ErrChannelDenied)
}

func TestKindClasses(t *testing.T) {
	assert.True(t, KindDiagramUpdated.Persisted())
	assert.True(t, KindUserJoined.Persisted())
	assert.True(t, KindUserLeft.Persisted())
	assert.False(t, KindCursorMoved.Persisted())

	assert.True(t, KindCursorMoved.Ephemeral())
	assert.True(t, KindSelectionChanged.Ephemeral())
	assert.True(t, KindDraftUpdated.Ephemeral())
	assert.False(t, KindDiagramUpdated.Ephemeral())

	assert.True(t, KindMemberAdded.Membership())
	assert.False(t, KindMemberAdded.Persisted())
}

func TestEnvelopeCarriesOpaquePayload(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	snapshot := json.RawMessage(`{"elements":[{"id":"e1","type":"class"}]}`)

	env, err := NewEnvelope("s1", "u1", DiagramUpdate{UpdateType: UpdateFullSnapshot, Data: snapshot}, at)
	require.NoError(t, err)
	assert.NotEmpty(t, env.ID)
	assert.Equal(t, "session:s1", env.Channel)

	wire, err := env.Marshal()
	require.NoError(t, err)

	decoded, err := Unmarshal(wire)
	require.NoError(t, err)
	assert.Equal(t, "u1", decoded.UserID)
	assert.True(t, decoded.Timestamp.Equal(at))

	ev, err := decoded.Decode()
	require.NoError(t, err)
	update, ok := ev.(*DiagramUpdate)
	require.True(t, ok, "expected *DiagramUpdate, got %T", ev)
	assert.Equal(t, UpdateFullSnapshot, update.UpdateType)
	assert.JSONEq(t, string(snapshot), string(update.Data))
}

func TestEnvelopeDecodeVariants(t *testing.T) {
	env, err := NewEnvelope("s1", "u1", CursorMove{X: 10, Y: 20, TargetElementID: "e9"}, time.Now())
	require.NoError(t, err)
	ev, err := env.Decode()
	require.NoError(t, err)
	assert.Equal(t, &CursorMove{X: 10, Y: 20, TargetElementID: "e9"}, ev)

	env, err = NewEnvelope("s1", "u1", MembershipSnapshot{Members: []Member{{ConnectionID: "c1", UserID: "u1"}}}, time.Now())
	require.NoError(t, err)
	ev, err = env.Decode()
	require.NoError(t, err)
	assert.Len(t, ev.(*MembershipSnapshot).Members, 1)
}

func TestEnvelopeRejectsUnknownAndMalformed(t *testing.T) {
	env := &Envelope{SessionID: "s1", Kind: "client-laser-pointer"}
	_, err := env.Decode()
	assert.True(t, errors.Is(err, ErrUnknownKind))

	_, err = Unmarshal([]byte(`{"kind":"diagram.updated"}`))
	assert.ErrorIs(t, err, ErrInvalidEnvelope)

	_, err = Unmarshal([]byte(`{"kind":"diagram.updated","session_id":"s1","channel":"session:s2"}`))
	assert.ErrorIs(t, err, ErrInvalidEnvelope)

	_, err = Unmarshal([]byte(`not json`))
	assert.ErrorIs(t, err, ErrInvalidEnvelope)
}
