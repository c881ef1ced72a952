package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"haven/internal/content"
	"haven/internal/models"
	"haven/internal/session"
)

// Store is the persistence side of the pipeline.
type Store interface {
	CreateMessage(message models.Message) (models.Message, error)
	TouchChat(chatID string, at int64) error
}

// Rooms authorizes senders and fans events out to subscribed connections.
type Rooms interface {
	Authorize(chatID, userID string) (models.Chat, error)
	Broadcast(chatID string, msg models.ServerMessage, exclude *session.Conn) int
	Subscribed(chatID string, conn *session.Conn) bool
	UserSubscribed(chatID, userID string) bool
}

type Notifier interface {
	Notify(ctx context.Context, n models.Notification) (models.Notification, error)
}

type Config struct {
	// MaxLength is the maximum message length in characters.
	MaxLength int
	Now       func() time.Time
}

// Pipeline validates, persists and broadcasts chat messages.
type Pipeline struct {
	store    Store
	rooms    Rooms
	notifier Notifier
	locks    *chatLocks

	maxLength int
	now       func() time.Time
}

func New(store Store, rooms Rooms, notifier Notifier, config Config) *Pipeline {
	if config.MaxLength <= 0 {
		config.MaxLength = content.DefaultMaxLength
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	return &Pipeline{
		store:     store,
		rooms:     rooms,
		notifier:  notifier,
		locks:     newChatLocks(),
		maxLength: config.MaxLength,
		now:       config.Now,
	}
}

type SendRequest struct {
	ChatID     string
	Content    string
	ReceiverID string
}

// Send handles one send-message request:
// - Checking the request and that the sender is a participant
// - Persisting the message before anything is broadcast
// - Broadcasting it to the room, the sender included
// - Notifying the receiver when it is not looking at the chat
//
// Persist and broadcast happen under a per-chat lock, so subscribers see a
// chat's messages in the order the store sequenced them.
func (p *Pipeline) Send(ctx context.Context, conn *session.Conn, req SendRequest) (models.Message, error) {
	if req.ChatID == "" {
		return models.Message{}, fmt.Errorf("%w: chatId is required", models.ErrValidation)
	}
	if req.ReceiverID == "" {
		return models.Message{}, fmt.Errorf("%w: receiverId is required", models.ErrValidation)
	}
	text, err := content.ValidateMessage(req.Content, p.maxLength)
	if err != nil {
		return models.Message{}, err
	}

	chat, err := p.rooms.Authorize(req.ChatID, conn.UserID())
	if err != nil {
		return models.Message{}, err
	}
	if other, _ := chat.OtherParticipant(conn.UserID()); other != req.ReceiverID {
		return models.Message{}, fmt.Errorf("%w: receiverId is not a participant of the chat", models.ErrValidation)
	}

	html, err := content.Render(text)
	if err != nil {
		slog.Warn("failed to render message", "chat_id", chat.ID, "error", err)
	}

	unlock := p.locks.lock(chat.ID)
	msg, err := p.store.CreateMessage(models.Message{
		ChatID:     chat.ID,
		SenderID:   conn.UserID(),
		ReceiverID: req.ReceiverID,
		Content:    text,
		HTML:       html,
		CreatedAt:  p.now().UnixMilli(),
	})
	if err != nil {
		unlock()
		slog.Error("failed to persist message", "chat_id", chat.ID, "user_id", conn.UserID(), "error", err)
		return models.Message{}, fmt.Errorf("%w: message was not saved", models.ErrPersistence)
	}

	// A failed touch does not abort the send: the message is already stored.
	if err := p.store.TouchChat(chat.ID, msg.CreatedAt); err != nil {
		slog.Error("failed to touch chat", "chat_id", chat.ID, "error", err)
	}

	event := models.ServerMessage{Type: models.ServerMessageTypeReceiveMessage, Payload: msg}
	p.rooms.Broadcast(chat.ID, event, nil)
	if !p.rooms.Subscribed(chat.ID, conn) {
		conn.Send(event)
	}
	unlock()

	if !p.rooms.UserSubscribed(chat.ID, req.ReceiverID) {
		p.notifyReceiver(ctx, conn, msg)
	}
	return msg, nil
}

func (p *Pipeline) notifyReceiver(ctx context.Context, conn *session.Conn, msg models.Message) {
	payload, err := json.Marshal(models.NewMessageNotificationPayload{
		ChatID:  msg.ChatID,
		Message: msg,
		Sender:  conn.User.Identity(),
	})
	if err != nil {
		slog.Error("failed to encode notification", "chat_id", msg.ChatID, "error", err)
		return
	}
	_, err = p.notifier.Notify(ctx, models.Notification{
		RecipientID: msg.ReceiverID,
		Kind:        models.NotificationKindNewMessage,
		Payload:     payload,
		CreatedAt:   msg.CreatedAt,
	})
	if err != nil {
		slog.Warn("failed to notify receiver", "chat_id", msg.ChatID, "user_id", msg.ReceiverID, "error", err)
	}
}

// MarkRead tells the other connections in the room that the user has read
// the chat. Read state is not persisted.
func (p *Pipeline) MarkRead(conn *session.Conn, chatID string) error {
	if chatID == "" {
		return fmt.Errorf("%w: chatId is required", models.ErrValidation)
	}
	if !p.rooms.Subscribed(chatID, conn) {
		return fmt.Errorf("%w: join the chat first", models.ErrAuthorization)
	}
	p.rooms.Broadcast(chatID, models.ServerMessage{
		Type: models.ServerMessageTypeMessagesRead,
		Payload: models.MessagesReadPayload{
			ChatID: chatID,
			UserID: conn.UserID(),
			ReadAt: p.now().UnixMilli(),
		},
	}, conn)
	return nil
}
