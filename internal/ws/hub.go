package ws

import (
	"context"
	"fmt"
	"log/slog"

	"haven/internal/chat"
	"haven/internal/models"
	"haven/internal/presence"
	"haven/internal/rooms"
	"haven/internal/session"
	"haven/internal/typing"
)

// Hub wires the gateway components together. It owns no state itself:
// connections live in the registry, subscriptions in the room manager and
// typing state in the coordinator.
type Hub struct {
	registry   *session.Registry
	rooms      *rooms.Manager
	typing     *typing.Coordinator
	pipeline   *chat.Pipeline
	presence   *presence.Broadcaster
	sendBuffer int
}

type Config struct {
	Registry   *session.Registry
	Rooms      *rooms.Manager
	Typing     *typing.Coordinator
	Pipeline   *chat.Pipeline
	Presence   *presence.Broadcaster
	SendBuffer int
}

func NewHub(config Config) *Hub {
	return &Hub{
		registry:   config.Registry,
		rooms:      config.Rooms,
		typing:     config.Typing,
		pipeline:   config.Pipeline,
		presence:   config.Presence,
		sendBuffer: config.SendBuffer,
	}
}

// Connect admits an authenticated user and announces it.
func (h *Hub) Connect(user models.User) *session.Conn {
	conn := session.NewConn(user, h.sendBuffer)
	h.presence.Connect(conn)
	slog.Debug("connection opened", "conn_id", conn.ID, "user_id", user.ID)
	return conn
}

// Disconnect tears a connection down:
// - Dropping its room subscriptions without leave notifications
// - Stopping its typing state in those rooms
// - Announcing the user offline if this was its last connection
func (h *Hub) Disconnect(conn *session.Conn) {
	chats := h.rooms.DropConnection(conn)
	h.typing.StopAll(conn.UserID(), chats)

	h.presence.Disconnect(conn)
	conn.Close()
	slog.Debug("connection closed", "conn_id", conn.ID, "user_id", conn.UserID())
}

// DisconnectUser closes every connection of the user. The transports notice
// the closed queue and call Disconnect.
func (h *Hub) DisconnectUser(userID string) {
	for _, conn := range h.registry.Connections(userID) {
		conn.Close()
	}
}

// CloseAll closes every open connection.
func (h *Hub) CloseAll() {
	for _, conn := range h.registry.All() {
		conn.Close()
	}
}

func (h *Hub) IsOnline(userID string) bool {
	return h.registry.IsOnline(userID)
}

// Dispatch routes one client event. Returned errors are meant for the
// originating connection only.
func (h *Hub) Dispatch(ctx context.Context, conn *session.Conn, msg models.ClientMessage) error {
	switch msg.Type {
	case models.ClientMessageTypeJoinChat:
		return h.rooms.Join(conn, msg.ChatID)

	case models.ClientMessageTypeLeaveChat:
		if msg.ChatID == "" {
			return fmt.Errorf("%w: chatId is required", models.ErrValidation)
		}
		h.typing.Stop(msg.ChatID, conn.UserID())
		h.rooms.Leave(conn, msg.ChatID)
		return nil

	case models.ClientMessageTypeSendMessage:
		_, err := h.pipeline.Send(ctx, conn, chat.SendRequest{
			ChatID:     msg.ChatID,
			Content:    msg.Content,
			ReceiverID: msg.ReceiverID,
		})
		if err != nil {
			return err
		}
		h.typing.Stop(msg.ChatID, conn.UserID())
		return nil

	case models.ClientMessageTypeTyping:
		if msg.ChatID == "" {
			return fmt.Errorf("%w: chatId is required", models.ErrValidation)
		}
		if !h.rooms.Subscribed(msg.ChatID, conn) {
			return fmt.Errorf("%w: join the chat first", models.ErrAuthorization)
		}
		h.typing.Start(msg.ChatID, conn.UserID())
		return nil

	case models.ClientMessageTypeStopTyping:
		if msg.ChatID == "" {
			return fmt.Errorf("%w: chatId is required", models.ErrValidation)
		}
		h.typing.Stop(msg.ChatID, conn.UserID())
		return nil

	case models.ClientMessageTypeMarkRead:
		return h.pipeline.MarkRead(conn, msg.ChatID)

	default:
		return fmt.Errorf("%w: unknown event type %q", models.ErrValidation, msg.Type)
	}
}
