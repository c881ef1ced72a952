package rooms

import (
	"errors"
	"fmt"
	"testing"

	"haven/internal/models"
	"haven/internal/session"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeChats struct {
	chats map[string]models.Chat
	err   error
	calls int
}

func (f *fakeChats) GetChat(id string) (models.Chat, error) {
	f.calls++
	if f.err != nil {
		return models.Chat{}, f.err
	}
	c, ok := f.chats[id]
	if !ok {
		return models.Chat{}, fmt.Errorf("chat %s: %w", id, models.ErrNotFound)
	}
	return c, nil
}

func newFixture() (*Manager, *fakeChats) {
	chats := &fakeChats{chats: map[string]models.Chat{
		"c1": {ID: "c1", Participants: []string{"u1", "u2"}},
	}}
	return NewManager(chats), chats
}

func conn(userID string) *session.Conn {
	return session.NewConn(models.User{ID: userID}, 16)
}

func drain(c *session.Conn) []models.ServerMessage {
	var msgs []models.ServerMessage
	for {
		select {
		case m := <-c.Outbound():
			msgs = append(msgs, m)
		default:
			return msgs
		}
	}
}

func TestManager_JoinNotifiesOthers(t *testing.T) {
	m, _ := newFixture()
	a, b := conn("u1"), conn("u2")

	require.NoError(t, m.Join(a, "c1"))
	require.NoError(t, m.Join(b, "c1"))

	msgs := drain(a)
	require.Len(t, msgs, 1)
	assert.Equal(t, models.ServerMessageTypeUserJoinedChat, msgs[0].Type)
	assert.Equal(t, models.ChatUserPayload{ChatID: "c1", UserID: "u2"}, msgs[0].Payload)
	assert.Empty(t, drain(b), "joiner is not told about its own join")

	assert.ElementsMatch(t, []string{a.ID, b.ID}, m.Members("c1"))
	assert.True(t, m.UserSubscribed("c1", "u2"))
	assert.True(t, m.Subscribed("c1", a))
}

func TestManager_JoinRechecksEveryTime(t *testing.T) {
	m, chats := newFixture()
	a := conn("u1")

	require.NoError(t, m.Join(a, "c1"))
	require.NoError(t, m.Join(a, "c1"), "re-join is a no-op success")
	assert.Equal(t, 2, chats.calls, "membership must be verified on every join")

	// Participant list changed in the store: the next join is refused.
	chats.chats["c1"] = models.Chat{ID: "c1", Participants: []string{"u2", "u3"}}
	err := m.Join(conn("u1"), "c1")
	assert.ErrorIs(t, err, models.ErrAuthorization)
}

func TestManager_NonParticipantsNeverSubscribe(t *testing.T) {
	m, _ := newFixture()
	member := conn("u1")
	require.NoError(t, m.Join(member, "c1"))
	drain(member)

	intruders := []*session.Conn{conn("u3"), conn("u4")}
	for _, c := range intruders {
		err := m.Join(c, "c1")
		require.Error(t, err)
		assert.True(t, errors.Is(err, models.ErrAuthorization))
		assert.False(t, m.Subscribed("c1", c))
	}
	assert.Equal(t, []string{member.ID}, m.Members("c1"))
	assert.Empty(t, drain(member), "authorization failures are never broadcast")

	assert.ErrorIs(t, m.Join(conn("u1"), "missing"), models.ErrAuthorization)
	assert.ErrorIs(t, m.Join(conn("u1"), ""), models.ErrValidation)
}

func TestManager_StoreFailureIsPersistenceError(t *testing.T) {
	m, chats := newFixture()
	chats.err = errors.New("disk on fire")

	assert.ErrorIs(t, m.Join(conn("u1"), "c1"), models.ErrPersistence)
}

func TestManager_LeaveIsIdempotent(t *testing.T) {
	m, _ := newFixture()
	a, b := conn("u1"), conn("u2")
	require.NoError(t, m.Join(a, "c1"))
	require.NoError(t, m.Join(b, "c1"))
	drain(a)

	m.Leave(b, "c1")
	m.Leave(b, "c1")

	msgs := drain(a)
	require.Len(t, msgs, 1)
	assert.Equal(t, models.ServerMessageTypeUserLeftChat, msgs[0].Type)
	assert.False(t, m.Subscribed("c1", b))
}

func TestManager_BroadcastExclusions(t *testing.T) {
	m, _ := newFixture()
	a1, a2, b := conn("u1"), conn("u1"), conn("u2")
	for _, c := range []*session.Conn{a1, a2, b} {
		require.NoError(t, m.Join(c, "c1"))
	}
	for _, c := range []*session.Conn{a1, a2, b} {
		drain(c)
	}

	msg := models.ServerMessage{Type: models.ServerMessageTypeReceiveMessage}
	assert.Equal(t, 3, m.Broadcast("c1", msg, nil))
	assert.Equal(t, 2, m.Broadcast("c1", msg, a1))
	assert.Len(t, drain(a1), 1)
	assert.Len(t, drain(a2), 2)

	assert.Equal(t, 1, m.BroadcastExceptUser("c1", msg, "u1"))
	assert.Empty(t, drain(a1))
	assert.Len(t, drain(b), 3)

	assert.Equal(t, 0, m.Broadcast("nobody-here", msg, nil))
}

func TestManager_DropConnectionIsSilent(t *testing.T) {
	chats := &fakeChats{chats: map[string]models.Chat{
		"c1": {ID: "c1", Participants: []string{"u1", "u2"}},
		"c2": {ID: "c2", Participants: []string{"u1", "u3"}},
	}}
	m := NewManager(chats)
	a, b, c := conn("u1"), conn("u2"), conn("u3")
	require.NoError(t, m.Join(a, "c1"))
	require.NoError(t, m.Join(a, "c2"))
	require.NoError(t, m.Join(b, "c1"))
	require.NoError(t, m.Join(c, "c2"))
	drain(b)
	drain(c)

	assert.Equal(t, []string{"c1", "c2"}, m.DropConnection(a))
	assert.Empty(t, drain(b))
	assert.Empty(t, drain(c))
	assert.Equal(t, []string{b.ID}, m.Members("c1"))
	assert.Equal(t, []string{c.ID}, m.Members("c2"))
	assert.Empty(t, m.DropConnection(a))
}
