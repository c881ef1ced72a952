package presence

import (
	"errors"
	"sync"
	"testing"

	"haven/internal/models"
	"haven/internal/session"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type lastSeen struct {
	mu    sync.Mutex
	calls map[string]int64
	err   error

	// When set, UpdateLastSeen closes entered and waits for release.
	entered chan struct{}
	release chan struct{}
}

func (l *lastSeen) UpdateLastSeen(userID string, at int64) error {
	if l.entered != nil {
		close(l.entered)
		<-l.release
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.calls == nil {
		l.calls = make(map[string]int64)
	}
	l.calls[userID] = at
	return l.err
}

func next(t *testing.T, c *session.Conn) models.ServerMessage {
	t.Helper()
	select {
	case m := <-c.Outbound():
		return m
	default:
		t.Fatalf("no event queued for %s", c.UserID())
		return models.ServerMessage{}
	}
}

func empty(t *testing.T, c *session.Conn) {
	t.Helper()
	select {
	case m := <-c.Outbound():
		t.Fatalf("unexpected event %s for %s", m.Type, c.UserID())
	default:
	}
}

func drain(c *session.Conn) []models.ServerMessageType {
	var types []models.ServerMessageType
	for {
		select {
		case m := <-c.Outbound():
			types = append(types, m.Type)
		default:
			return types
		}
	}
}

func TestBroadcaster_OnlineTransitions(t *testing.T) {
	reg := session.NewRegistry()
	b := NewBroadcaster(reg, &lastSeen{})

	alice := session.NewConn(models.User{ID: "alice", DisplayName: "Alice"}, 8)
	b.Connect(alice)

	msg := next(t, alice)
	assert.Equal(t, models.ServerMessageTypeOnlineUsers, msg.Type)
	require.Len(t, msg.Payload, 1)
	empty(t, alice)

	bob := session.NewConn(models.User{ID: "bob", DisplayName: "Bob"}, 8)
	b.Connect(bob)

	msg = next(t, bob)
	assert.Equal(t, models.ServerMessageTypeOnlineUsers, msg.Type)
	assert.Len(t, msg.Payload, 2)
	empty(t, bob)

	msg = next(t, alice)
	assert.Equal(t, models.ServerMessageTypeUserOnline, msg.Type)
	assert.Equal(t, models.UserOnlinePayload{UserID: "bob", User: models.User{ID: "bob", DisplayName: "Bob"}}, msg.Payload)

	// A second tab only gets the catch-up snapshot.
	bob2 := session.NewConn(models.User{ID: "bob"}, 8)
	b.Connect(bob2)
	assert.Equal(t, models.ServerMessageTypeOnlineUsers, next(t, bob2).Type)
	empty(t, alice)
	empty(t, bob)
}

func TestBroadcaster_Offline(t *testing.T) {
	reg := session.NewRegistry()
	store := &lastSeen{err: errors.New("disk full")}
	b := NewBroadcaster(reg, store)

	alice := session.NewConn(models.User{ID: "alice"}, 8)
	bob1 := session.NewConn(models.User{ID: "bob"}, 8)
	bob2 := session.NewConn(models.User{ID: "bob"}, 8)
	for _, c := range []*session.Conn{alice, bob1, bob2} {
		b.Connect(c)
	}
	drain(alice)

	assert.False(t, b.Disconnect(bob1))
	empty(t, alice)

	assert.True(t, b.Disconnect(bob2), "store failures are logged, not fatal")
	msg := next(t, alice)
	assert.Equal(t, models.ServerMessageTypeUserOffline, msg.Type)
	payload := msg.Payload.(models.UserOfflinePayload)
	assert.Equal(t, "bob", payload.UserID)
	assert.Equal(t, payload.LastSeenAt, store.calls["bob"])

	assert.False(t, b.Disconnect(bob2), "second disconnect is ignored")
	empty(t, alice)
}

func TestBroadcaster_ReconnectDuringLastSeenWrite(t *testing.T) {
	reg := session.NewRegistry()
	store := &lastSeen{}
	b := NewBroadcaster(reg, store)

	tab1 := session.NewConn(models.User{ID: "alice"}, 8)
	bob := session.NewConn(models.User{ID: "bob"}, 8)
	b.Connect(tab1)
	b.Connect(bob)
	drain(bob)

	store.entered = make(chan struct{})
	store.release = make(chan struct{})
	done := make(chan bool)
	go func() { done <- b.Disconnect(tab1) }()
	<-store.entered

	tab2 := session.NewConn(models.User{ID: "alice"}, 8)
	b.Connect(tab2)
	close(store.release)
	require.True(t, <-done)

	assert.Equal(t, []models.ServerMessageType{
		models.ServerMessageTypeUserOffline,
		models.ServerMessageTypeUserOnline,
	}, drain(bob))
	assert.True(t, reg.IsOnline("alice"))
}

func TestBroadcaster_ConcurrentReconnectEndsOnline(t *testing.T) {
	for i := 0; i < 100; i++ {
		reg := session.NewRegistry()
		b := NewBroadcaster(reg, &lastSeen{})

		bob := session.NewConn(models.User{ID: "bob"}, 16)
		tab1 := session.NewConn(models.User{ID: "alice"}, 16)
		b.Connect(bob)
		b.Connect(tab1)
		drain(bob)

		tab2 := session.NewConn(models.User{ID: "alice"}, 16)
		var wg sync.WaitGroup
		wg.Go(func() { b.Disconnect(tab1) })
		wg.Go(func() { b.Connect(tab2) })
		wg.Wait()

		require.True(t, reg.IsOnline("alice"))
		if events := drain(bob); len(events) > 0 {
			require.Equal(t, models.ServerMessageTypeUserOnline, events[len(events)-1],
				"peers must not see alice offline while tab2 is open")
		}
	}
}
