package models

// ClientMessage represents an event sent from the client to the server.
type ClientMessage struct {
	Type       ClientMessageType `json:"type"`
	ChatID     string            `json:"chatId,omitempty"`
	Content    string            `json:"content,omitempty"`
	ReceiverID string            `json:"receiverId,omitempty"`
}

// ServerMessage represents an event sent to the client.
type ServerMessage struct {
	Type    ServerMessageType `json:"type"`
	Payload any               `json:"payload,omitempty"`
}

type ClientMessageType string

const (
	ClientMessageTypeJoinChat    ClientMessageType = "join-chat"
	ClientMessageTypeLeaveChat   ClientMessageType = "leave-chat"
	ClientMessageTypeSendMessage ClientMessageType = "send-message"
	ClientMessageTypeTyping      ClientMessageType = "typing"
	ClientMessageTypeStopTyping  ClientMessageType = "stop-typing"
	ClientMessageTypeMarkRead    ClientMessageType = "mark-messages-read"
)

type ServerMessageType string

const (
	ServerMessageTypeReceiveMessage         ServerMessageType = "receive-message"
	ServerMessageTypeUserTyping             ServerMessageType = "user-typing"
	ServerMessageTypeUserStopTyping         ServerMessageType = "user-stop-typing"
	ServerMessageTypeOnlineUsers            ServerMessageType = "online-users"
	ServerMessageTypeUserOnline             ServerMessageType = "user-online"
	ServerMessageTypeUserOffline            ServerMessageType = "user-offline"
	ServerMessageTypeUserJoinedChat         ServerMessageType = "user-joined-chat"
	ServerMessageTypeUserLeftChat           ServerMessageType = "user-left-chat"
	ServerMessageTypeNewMessageNotification ServerMessageType = "new-message-notification"
	ServerMessageTypeSavedPostNotification  ServerMessageType = "saved-post-notification"
	ServerMessageTypeMessagesRead           ServerMessageType = "messages-read"
	ServerMessageTypeError                  ServerMessageType = "error"
)

// ChatUserPayload carries typing and room membership transitions.
type ChatUserPayload struct {
	ChatID string `json:"chatId"`
	UserID string `json:"userId"`
}

type UserOnlinePayload struct {
	UserID string `json:"userId"`
	User   User   `json:"user"`
}

type UserOfflinePayload struct {
	UserID     string `json:"userId"`
	LastSeenAt int64  `json:"lastSeenAt"`
}

type NewMessageNotificationPayload struct {
	ChatID  string  `json:"chatId"`
	Message Message `json:"message"`
	Sender  User    `json:"sender"`
}

type SavedPostNotificationPayload struct {
	PostID    string `json:"postId"`
	PostTitle string `json:"postTitle"`
	User      User   `json:"user"`
}

type MessagesReadPayload struct {
	ChatID string `json:"chatId"`
	UserID string `json:"userId"`
	ReadAt int64  `json:"readAt"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}
