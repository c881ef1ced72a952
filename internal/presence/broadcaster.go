package presence

import (
	"log/slog"
	"sync"
	"time"

	"haven/internal/models"
	"haven/internal/session"
)

// Registry decides the online/offline transitions.
type Registry interface {
	Register(conn *session.Conn) (first bool, snapshot []models.OnlineUser)
	Unregister(conn *session.Conn) (last bool, lastSeen time.Time)
	All() []*session.Conn
}

// LastSeenStore persists when a user went offline.
type LastSeenStore interface {
	UpdateLastSeen(userID string, at int64) error
}

// Broadcaster relays registry online/offline transitions to every connected
// session.
type Broadcaster struct {
	registry Registry
	store    LastSeenStore

	// mu is held from the registry decision until its announcement has been
	// queued, so peers never see a user's transitions out of order.
	mu sync.Mutex
}

func NewBroadcaster(registry Registry, store LastSeenStore) *Broadcaster {
	return &Broadcaster{registry: registry, store: store}
}

// Connect registers conn. The new connection always gets the online
// snapshot; other users hear about the user only when this is its first
// connection.
func (b *Broadcaster) Connect(conn *session.Conn) {
	b.mu.Lock()
	defer b.mu.Unlock()

	first, snapshot := b.registry.Register(conn)
	if !conn.Send(models.ServerMessage{Type: models.ServerMessageTypeOnlineUsers, Payload: snapshot}) {
		slog.Warn("failed to deliver online users", "conn_id", conn.ID, "user_id", conn.UserID())
	}
	if !first {
		return
	}

	b.announce(conn.UserID(), models.ServerMessage{
		Type:    models.ServerMessageTypeUserOnline,
		Payload: models.UserOnlinePayload{UserID: conn.UserID(), User: conn.User.Identity()},
	})
	slog.Info("user online", "user_id", conn.UserID())
}

// Disconnect unregisters conn and reports whether it was the user's last
// connection. Last-seen is persisted after the offline event is queued.
func (b *Broadcaster) Disconnect(conn *session.Conn) bool {
	userID := conn.UserID()

	b.mu.Lock()
	last, lastSeen := b.registry.Unregister(conn)
	if last {
		b.announce(userID, models.ServerMessage{
			Type:    models.ServerMessageTypeUserOffline,
			Payload: models.UserOfflinePayload{UserID: userID, LastSeenAt: lastSeen.UnixMilli()},
		})
	}
	b.mu.Unlock()

	if !last {
		return false
	}
	if err := b.store.UpdateLastSeen(userID, lastSeen.UnixMilli()); err != nil {
		slog.Error("failed to persist last seen", "user_id", userID, "error", err)
	}
	slog.Info("user offline", "user_id", userID)
	return true
}

// announce queues msg on every connection not owned by userID.
func (b *Broadcaster) announce(userID string, msg models.ServerMessage) {
	for _, c := range b.registry.All() {
		if c.UserID() == userID {
			continue
		}
		c.Send(msg)
	}
}
