package ws

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"haven/internal/chat"
	"haven/internal/models"
	"haven/internal/notify"
	"haven/internal/presence"
	"haven/internal/rooms"
	"haven/internal/session"
	"haven/internal/storage"
	"haven/internal/typing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testStack struct {
	hub   *Hub
	store *storage.BboltStorage
	rooms *rooms.Manager
	chat  models.Chat
}

func newTestStack(t *testing.T, typingTimeout time.Duration) *testStack {
	t.Helper()
	store, err := storage.NewBboltStorage(filepath.Join(t.TempDir(), "hub.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	for _, id := range []string{"alice", "bob", "carol"} {
		require.NoError(t, store.UpsertUser(models.User{ID: id, UserName: id, DisplayName: id}))
	}
	c, _, err := store.CreateChat("alice", "bob")
	require.NoError(t, err)

	registry := session.NewRegistry()
	roomManager := rooms.NewManager(store)
	router := notify.NewRouter(store, registry, nil, notify.Config{})
	t.Cleanup(router.Close)

	hub := NewHub(Config{
		Registry:   registry,
		Rooms:      roomManager,
		Typing:     typing.New(roomManager, typing.Config{Timeout: typingTimeout}),
		Pipeline:   chat.New(store, roomManager, router, chat.Config{}),
		Presence:   presence.NewBroadcaster(registry, store),
		SendBuffer: 32,
	})
	return &testStack{hub: hub, store: store, rooms: roomManager, chat: c}
}

func (s *testStack) connect(t *testing.T, userID string) *session.Conn {
	t.Helper()
	user, err := s.store.GetUser(userID)
	require.NoError(t, err)
	return s.hub.Connect(user)
}

func next(t *testing.T, c *session.Conn) models.ServerMessage {
	t.Helper()
	select {
	case msg := <-c.Outbound():
		return msg
	case <-time.After(time.Second):
		t.Fatalf("no event for %s", c.UserID())
		return models.ServerMessage{}
	}
}

func drain(c *session.Conn) {
	for {
		select {
		case <-c.Outbound():
		default:
			return
		}
	}
}

func assertQuiet(t *testing.T, c *session.Conn) {
	t.Helper()
	select {
	case msg := <-c.Outbound():
		t.Errorf("unexpected %s event for %s", msg.Type, c.UserID())
	default:
	}
}

func TestHub_MessageFlow(t *testing.T) {
	s := newTestStack(t, time.Hour)
	ctx := context.Background()
	alice := s.connect(t, "alice")
	bob := s.connect(t, "bob")
	drain(alice)
	drain(bob)

	require.NoError(t, s.hub.Dispatch(ctx, alice, models.ClientMessage{
		Type: models.ClientMessageTypeJoinChat, ChatID: s.chat.ID,
	}))

	// Bob is online but not looking at the chat.
	require.NoError(t, s.hub.Dispatch(ctx, alice, models.ClientMessage{
		Type: models.ClientMessageTypeSendMessage, ChatID: s.chat.ID, Content: "ping", ReceiverID: "bob",
	}))
	own := next(t, alice)
	assert.Equal(t, models.ServerMessageTypeReceiveMessage, own.Type)
	notification := next(t, bob)
	assert.Equal(t, models.ServerMessageTypeNewMessageNotification, notification.Type)
	assertQuiet(t, bob)

	notifications, err := s.store.ListNotifications("bob", 0)
	require.NoError(t, err)
	assert.Len(t, notifications, 1)

	require.NoError(t, s.hub.Dispatch(ctx, bob, models.ClientMessage{
		Type: models.ClientMessageTypeJoinChat, ChatID: s.chat.ID,
	}))
	assert.Equal(t, models.ServerMessageTypeUserJoinedChat, next(t, alice).Type)

	require.NoError(t, s.hub.Dispatch(ctx, alice, models.ClientMessage{
		Type: models.ClientMessageTypeSendMessage, ChatID: s.chat.ID, Content: "hello", ReceiverID: "bob",
	}))
	toAlice := next(t, alice)
	toBob := next(t, bob)
	assert.Equal(t, models.ServerMessageTypeReceiveMessage, toBob.Type)
	assert.Equal(t, toAlice, toBob, "both parties see the identical message")
	assert.Equal(t, "hello", toBob.Payload.(models.Message).Content)
	assertQuiet(t, bob)

	history, err := s.store.ListMessages(s.chat.ID, 0, 0)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, toBob.Payload.(models.Message).ID, history[1].ID)
}

func TestHub_DisconnectWhileTyping(t *testing.T) {
	s := newTestStack(t, time.Hour)
	ctx := context.Background()
	alice := s.connect(t, "alice")
	bob := s.connect(t, "bob")
	for _, c := range []*session.Conn{alice, bob} {
		require.NoError(t, s.hub.Dispatch(ctx, c, models.ClientMessage{
			Type: models.ClientMessageTypeJoinChat, ChatID: s.chat.ID,
		}))
	}
	drain(alice)
	drain(bob)

	require.NoError(t, s.hub.Dispatch(ctx, alice, models.ClientMessage{
		Type: models.ClientMessageTypeTyping, ChatID: s.chat.ID,
	}))
	typingEvent := next(t, bob)
	assert.Equal(t, models.ServerMessageTypeUserTyping, typingEvent.Type)
	assert.Equal(t, models.ChatUserPayload{ChatID: s.chat.ID, UserID: "alice"}, typingEvent.Payload)
	assertQuiet(t, alice)

	s.hub.Disconnect(alice)

	stopped := next(t, bob)
	assert.Equal(t, models.ServerMessageTypeUserStopTyping, stopped.Type)
	assert.Equal(t, models.ChatUserPayload{ChatID: s.chat.ID, UserID: "alice"}, stopped.Payload)
	offline := next(t, bob)
	assert.Equal(t, models.ServerMessageTypeUserOffline, offline.Type)
	assertQuiet(t, bob)

	assert.Equal(t, []string{bob.ID}, s.rooms.Members(s.chat.ID))
	assert.True(t, alice.Closed())
}

func TestHub_TypingExpires(t *testing.T) {
	s := newTestStack(t, 30*time.Millisecond)
	ctx := context.Background()
	alice := s.connect(t, "alice")
	bob := s.connect(t, "bob")
	for _, c := range []*session.Conn{alice, bob} {
		require.NoError(t, s.hub.Dispatch(ctx, c, models.ClientMessage{
			Type: models.ClientMessageTypeJoinChat, ChatID: s.chat.ID,
		}))
	}
	drain(bob)

	for i := 0; i < 3; i++ {
		require.NoError(t, s.hub.Dispatch(ctx, alice, models.ClientMessage{
			Type: models.ClientMessageTypeTyping, ChatID: s.chat.ID,
		}))
	}
	assert.Equal(t, models.ServerMessageTypeUserTyping, next(t, bob).Type)
	assert.Equal(t, models.ServerMessageTypeUserStopTyping, next(t, bob).Type)

	// An explicit stop after expiry is a no-op.
	require.NoError(t, s.hub.Dispatch(ctx, alice, models.ClientMessage{
		Type: models.ClientMessageTypeStopTyping, ChatID: s.chat.ID,
	}))
	assertQuiet(t, bob)
}

func TestHub_MultiTabPresence(t *testing.T) {
	s := newTestStack(t, time.Hour)
	bob := s.connect(t, "bob")
	tab1 := s.connect(t, "alice")
	tab2 := s.connect(t, "alice")
	drain(bob)

	assert.Equal(t, models.ServerMessageTypeOnlineUsers, next(t, tab2).Type)

	s.hub.Disconnect(tab1)
	assert.True(t, s.hub.IsOnline("alice"))
	assertQuiet(t, bob)

	s.hub.Disconnect(tab2)
	assert.False(t, s.hub.IsOnline("alice"))
	offline := next(t, bob)
	require.Equal(t, models.ServerMessageTypeUserOffline, offline.Type)

	user, err := s.store.GetUser("alice")
	require.NoError(t, err)
	assert.Equal(t, offline.Payload.(models.UserOfflinePayload).LastSeenAt, user.LastSeenAt)
}

func TestHub_Rejections(t *testing.T) {
	s := newTestStack(t, time.Hour)
	ctx := context.Background()
	intruders := []*session.Conn{s.connect(t, "carol"), s.connect(t, "carol")}

	for _, c := range intruders {
		err := s.hub.Dispatch(ctx, c, models.ClientMessage{Type: models.ClientMessageTypeJoinChat, ChatID: s.chat.ID})
		assert.ErrorIs(t, err, models.ErrAuthorization)
	}
	assert.Empty(t, s.rooms.Members(s.chat.ID))

	alice := s.connect(t, "alice")
	err := s.hub.Dispatch(ctx, alice, models.ClientMessage{Type: models.ClientMessageTypeTyping, ChatID: s.chat.ID})
	assert.ErrorIs(t, err, models.ErrAuthorization, "typing requires a joined room")

	err = s.hub.Dispatch(ctx, alice, models.ClientMessage{Type: "dance"})
	assert.ErrorIs(t, err, models.ErrValidation)

	err = s.hub.Dispatch(ctx, alice, models.ClientMessage{Type: models.ClientMessageTypeLeaveChat})
	assert.ErrorIs(t, err, models.ErrValidation)

	err = s.hub.Dispatch(ctx, alice, models.ClientMessage{
		Type: models.ClientMessageTypeSendMessage, ChatID: s.chat.ID, Content: "", ReceiverID: "bob",
	})
	assert.ErrorIs(t, err, models.ErrValidation)
}

func TestHub_LeaveTwice(t *testing.T) {
	s := newTestStack(t, time.Hour)
	ctx := context.Background()
	alice := s.connect(t, "alice")
	bob := s.connect(t, "bob")
	for _, c := range []*session.Conn{alice, bob} {
		require.NoError(t, s.hub.Dispatch(ctx, c, models.ClientMessage{
			Type: models.ClientMessageTypeJoinChat, ChatID: s.chat.ID,
		}))
	}
	drain(alice)

	leave := models.ClientMessage{Type: models.ClientMessageTypeLeaveChat, ChatID: s.chat.ID}
	require.NoError(t, s.hub.Dispatch(ctx, bob, leave))
	require.NoError(t, s.hub.Dispatch(ctx, bob, leave))

	assert.Equal(t, models.ServerMessageTypeUserLeftChat, next(t, alice).Type)
	assertQuiet(t, alice)
}

func TestHub_DisconnectUser(t *testing.T) {
	s := newTestStack(t, time.Hour)
	tab1 := s.connect(t, "alice")
	tab2 := s.connect(t, "alice")

	s.hub.DisconnectUser("alice")
	assert.True(t, tab1.Closed())
	assert.True(t, tab2.Closed())
}
