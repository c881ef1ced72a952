package models

import "encoding/json"

type UserStatus string

const (
	UserStatusActive  UserStatus = "active"
	UserStatusDeleted UserStatus = "deleted"
)

// User represents a user in the system.
type User struct {
	ID          string     `json:"id"`
	UserName    string     `json:"userName"`
	DisplayName string     `json:"displayName"`
	AvatarURL   string     `json:"avatarUrl"`
	Status      UserStatus `json:"status,omitempty"`
	LastSeenAt  int64      `json:"lastSeenAt,omitempty"` // Unix milliseconds
}

// Identity is the projection of a user that is shared with other users.
func (u User) Identity() User {
	return User{
		ID:          u.ID,
		UserName:    u.UserName,
		DisplayName: u.DisplayName,
		AvatarURL:   u.AvatarURL,
	}
}

// Chat is a conversation between exactly two participants.
type Chat struct {
	ID           string   `json:"id"`
	Participants []string `json:"participants"`
	CreatedAt    int64    `json:"createdAt"`
	UpdatedAt    int64    `json:"updatedAt"` // last activity, Unix milliseconds
	LastSeq      int64    `json:"lastSeq"`
}

// HasParticipant reports whether userID is listed as a member of the chat.
func (c Chat) HasParticipant(userID string) bool {
	if userID == "" {
		return false
	}
	for _, p := range c.Participants {
		if p == userID {
			return true
		}
	}
	return false
}

// OtherParticipant returns the participant that is not userID.
func (c Chat) OtherParticipant(userID string) (string, bool) {
	if !c.HasParticipant(userID) {
		return "", false
	}
	for _, p := range c.Participants {
		if p != userID {
			return p, true
		}
	}
	return "", false
}

// Message represents a persisted chat message.
type Message struct {
	ID         string `json:"id"`
	Seq        int64  `json:"seq"`
	ChatID     string `json:"chatId"`
	SenderID   string `json:"senderId"`
	ReceiverID string `json:"receiverId"`
	Content    string `json:"content"`
	HTML       string `json:"html,omitempty"`
	CreatedAt  int64  `json:"createdAt"` // Unix milliseconds
}

type NotificationKind string

const (
	NotificationKindNewMessage NotificationKind = "new-message"
	NotificationKindSavedPost  NotificationKind = "saved-post"
)

// Notification is an out-of-band signal for a user. It outlives the
// recipient's connections and is read back through the REST API.
type Notification struct {
	ID          string           `json:"id"`
	RecipientID string           `json:"recipientId"`
	Kind        NotificationKind `json:"kind"`
	Payload     json.RawMessage  `json:"payload"`
	CreatedAt   int64            `json:"createdAt"`
	Read        bool             `json:"read"`
}

// PushSubscription is a browser web-push endpoint registered by a user.
type PushSubscription struct {
	UserID    string `json:"userId"`
	Endpoint  string `json:"endpoint"`
	P256dh    string `json:"p256dh"`
	Auth      string `json:"auth"`
	CreatedAt int64  `json:"createdAt"`
}

// OnlineUser is an entry of the online-users snapshot.
type OnlineUser struct {
	UserID string `json:"userId"`
	User   User   `json:"user"`
}

// APIResponse is a generic response for simple REST calls.
type APIResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}
