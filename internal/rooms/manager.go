package rooms

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"haven/internal/models"
	"haven/internal/session"
)

// ChatLookup reads chats from the external store.
type ChatLookup interface {
	GetChat(id string) (models.Chat, error)
}

// Manager tracks which connections are subscribed to which chat.
// The mapping is only changed through Join, Leave and DropConnection.
type Manager struct {
	chats ChatLookup

	mu sync.RWMutex
	// chatID -> connID -> connection
	rooms map[string]map[string]*session.Conn
	// connID -> set of chatIDs
	joined map[string]map[string]struct{}
}

func NewManager(chats ChatLookup) *Manager {
	return &Manager{
		chats:  chats,
		rooms:  make(map[string]map[string]*session.Conn),
		joined: make(map[string]map[string]struct{}),
	}
}

// Authorize loads the chat and checks that userID is a participant.
// It never caches: every call is a fresh store read.
func (m *Manager) Authorize(chatID, userID string) (models.Chat, error) {
	if chatID == "" {
		return models.Chat{}, fmt.Errorf("%w: chatId is required", models.ErrValidation)
	}
	chat, err := m.chats.GetChat(chatID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return models.Chat{}, fmt.Errorf("%w: chat not found or access denied", models.ErrAuthorization)
		}
		return models.Chat{}, fmt.Errorf("%w: %v", models.ErrPersistence, err)
	}
	if !chat.HasParticipant(userID) {
		return models.Chat{}, fmt.Errorf("%w: chat not found or access denied", models.ErrAuthorization)
	}
	return chat, nil
}

// Join subscribes conn to the chat room after re-verifying membership.
// Other members are told about the join; failures are returned to the
// caller only.
func (m *Manager) Join(conn *session.Conn, chatID string) error {
	if _, err := m.Authorize(chatID, conn.UserID()); err != nil {
		return err
	}

	m.mu.Lock()
	members, ok := m.rooms[chatID]
	if !ok {
		members = make(map[string]*session.Conn)
		m.rooms[chatID] = members
	}
	if _, already := members[conn.ID]; already {
		m.mu.Unlock()
		return nil
	}
	members[conn.ID] = conn
	if m.joined[conn.ID] == nil {
		m.joined[conn.ID] = make(map[string]struct{})
	}
	m.joined[conn.ID][chatID] = struct{}{}
	others := othersOf(members, conn.ID)
	m.mu.Unlock()

	slog.Debug("joined chat", "conn_id", conn.ID, "user_id", conn.UserID(), "chat_id", chatID)
	deliver(others, models.ServerMessage{
		Type:    models.ServerMessageTypeUserJoinedChat,
		Payload: models.ChatUserPayload{ChatID: chatID, UserID: conn.UserID()},
	})
	return nil
}

// Leave unsubscribes conn. Leaving a room the connection is not in is a
// no-op, so a repeated leave never notifies twice.
func (m *Manager) Leave(conn *session.Conn, chatID string) {
	m.mu.Lock()
	members, ok := m.rooms[chatID]
	if !ok {
		m.mu.Unlock()
		return
	}
	if _, in := members[conn.ID]; !in {
		m.mu.Unlock()
		return
	}
	m.unsubscribe(conn.ID, chatID)
	others := othersOf(m.rooms[chatID], conn.ID)
	m.mu.Unlock()

	deliver(others, models.ServerMessage{
		Type:    models.ServerMessageTypeUserLeftChat,
		Payload: models.ChatUserPayload{ChatID: chatID, UserID: conn.UserID()},
	})
}

// DropConnection removes every subscription of conn without notifying the
// rooms. It returns the chats the connection was subscribed to.
func (m *Manager) DropConnection(conn *session.Conn) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var chats []string
	for chatID := range m.joined[conn.ID] {
		chats = append(chats, chatID)
	}
	for _, chatID := range chats {
		m.unsubscribe(conn.ID, chatID)
	}
	delete(m.joined, conn.ID)
	sort.Strings(chats)
	return chats
}

// unsubscribe must be called with m.mu held.
func (m *Manager) unsubscribe(connID, chatID string) {
	if members, ok := m.rooms[chatID]; ok {
		delete(members, connID)
		if len(members) == 0 {
			delete(m.rooms, chatID)
		}
	}
	if set, ok := m.joined[connID]; ok {
		delete(set, chatID)
		if len(set) == 0 {
			delete(m.joined, connID)
		}
	}
}

// Broadcast delivers msg to every connection subscribed to the chat except
// exclude, which may be nil. It returns the number of connections that
// accepted the event.
func (m *Manager) Broadcast(chatID string, msg models.ServerMessage, exclude *session.Conn) int {
	excludeID := ""
	if exclude != nil {
		excludeID = exclude.ID
	}
	m.mu.RLock()
	targets := othersOf(m.rooms[chatID], excludeID)
	m.mu.RUnlock()

	return deliver(targets, msg)
}

// BroadcastExceptUser delivers msg to the room, skipping every connection
// owned by userID.
func (m *Manager) BroadcastExceptUser(chatID string, msg models.ServerMessage, userID string) int {
	m.mu.RLock()
	targets := make([]*session.Conn, 0, len(m.rooms[chatID]))
	for _, c := range m.rooms[chatID] {
		if c.UserID() != userID {
			targets = append(targets, c)
		}
	}
	m.mu.RUnlock()

	return deliver(targets, msg)
}

// Subscribed reports whether conn is in the chat room.
func (m *Manager) Subscribed(chatID string, conn *session.Conn) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	_, ok := m.rooms[chatID][conn.ID]
	return ok
}

// UserSubscribed reports whether any connection of userID is in the room.
func (m *Manager) UserSubscribed(chatID, userID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, c := range m.rooms[chatID] {
		if c.UserID() == userID {
			return true
		}
	}
	return false
}

// Members returns the ids of the connections subscribed to the chat.
func (m *Manager) Members(chatID string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.rooms[chatID]))
	for id := range m.rooms[chatID] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func othersOf(members map[string]*session.Conn, excludeID string) []*session.Conn {
	conns := make([]*session.Conn, 0, len(members))
	for id, c := range members {
		if id != excludeID {
			conns = append(conns, c)
		}
	}
	return conns
}

func deliver(conns []*session.Conn, msg models.ServerMessage) int {
	n := 0
	for _, c := range conns {
		if c.Send(msg) {
			n++
			continue
		}
		slog.Warn("dropped room event", "conn_id", c.ID, "user_id", c.UserID(), "type", msg.Type)
	}
	return n
}
