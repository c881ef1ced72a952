package storage

import (
	"encoding"
	"encoding/binary"

	"haven/internal/models"

	"github.com/vmihailenco/msgpack/v5"
)

type Storeable interface {
	Key() []byte
	encoding.BinaryMarshaler
	encoding.BinaryUnmarshaler
}

func seqKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}

type DBUser struct {
	ID          string `msgpack:"id"`
	UserName    string `msgpack:"userName"`
	DisplayName string `msgpack:"displayName"`
	AvatarURL   string `msgpack:"avatarUrl"`
	Status      string `msgpack:"status"`
	LastSeenAt  int64  `msgpack:"lastSeenAt"`
}

func (u *DBUser) Key() []byte {
	return []byte(u.ID)
}

func (u *DBUser) MarshalBinary() (data []byte, err error) {
	type alias DBUser
	return msgpack.Marshal((*alias)(u))
}

func (u *DBUser) UnmarshalBinary(data []byte) error {
	type alias DBUser
	return msgpack.Unmarshal(data, (*alias)(u))
}

func dbUserFrom(u models.User) DBUser {
	return DBUser{
		ID:          u.ID,
		UserName:    u.UserName,
		DisplayName: u.DisplayName,
		AvatarURL:   u.AvatarURL,
		Status:      string(u.Status),
		LastSeenAt:  u.LastSeenAt,
	}
}

func (u *DBUser) model() models.User {
	return models.User{
		ID:          u.ID,
		UserName:    u.UserName,
		DisplayName: u.DisplayName,
		AvatarURL:   u.AvatarURL,
		Status:      models.UserStatus(u.Status),
		LastSeenAt:  u.LastSeenAt,
	}
}

type DBChat struct {
	ID           string   `msgpack:"id"`
	Participants []string `msgpack:"participants"`
	CreatedAt    int64    `msgpack:"createdAt"`
	UpdatedAt    int64    `msgpack:"updatedAt"`
	LastSeq      int64    `msgpack:"lastSeq"`
}

func (c *DBChat) Key() []byte {
	return []byte(c.ID)
}

func (c *DBChat) MarshalBinary() (data []byte, err error) {
	type alias DBChat
	return msgpack.Marshal((*alias)(c))
}

func (c *DBChat) UnmarshalBinary(data []byte) error {
	type alias DBChat
	return msgpack.Unmarshal(data, (*alias)(c))
}

func (c *DBChat) model() models.Chat {
	return models.Chat{
		ID:           c.ID,
		Participants: append([]string(nil), c.Participants...),
		CreatedAt:    c.CreatedAt,
		UpdatedAt:    c.UpdatedAt,
		LastSeq:      c.LastSeq,
	}
}

type DBMessage struct {
	ID         string `msgpack:"id"`
	Seq        int64  `msgpack:"seq"`
	ChatID     string `msgpack:"chatId"`
	SenderID   string `msgpack:"senderId"`
	ReceiverID string `msgpack:"receiverId"`
	Content    string `msgpack:"content"`
	HTML       string `msgpack:"html"`
	CreatedAt  int64  `msgpack:"createdAt"`
}

func (m *DBMessage) Key() []byte {
	return seqKey(uint64(m.Seq))
}

func (m *DBMessage) MarshalBinary() (data []byte, err error) {
	type alias DBMessage
	return msgpack.Marshal((*alias)(m))
}

func (m *DBMessage) UnmarshalBinary(data []byte) error {
	type alias DBMessage
	return msgpack.Unmarshal(data, (*alias)(m))
}

func (m *DBMessage) model() models.Message {
	return models.Message{
		ID:         m.ID,
		Seq:        m.Seq,
		ChatID:     m.ChatID,
		SenderID:   m.SenderID,
		ReceiverID: m.ReceiverID,
		Content:    m.Content,
		HTML:       m.HTML,
		CreatedAt:  m.CreatedAt,
	}
}

type DBNotification struct {
	ID          string `msgpack:"id"`
	Seq         uint64 `msgpack:"seq"`
	RecipientID string `msgpack:"recipientId"`
	Kind        string `msgpack:"kind"`
	Payload     []byte `msgpack:"payload"`
	CreatedAt   int64  `msgpack:"createdAt"`
	Read        bool   `msgpack:"read"`
}

func (n *DBNotification) Key() []byte {
	return seqKey(n.Seq)
}

func (n *DBNotification) MarshalBinary() (data []byte, err error) {
	type alias DBNotification
	return msgpack.Marshal((*alias)(n))
}

func (n *DBNotification) UnmarshalBinary(data []byte) error {
	type alias DBNotification
	return msgpack.Unmarshal(data, (*alias)(n))
}

func (n *DBNotification) model() models.Notification {
	return models.Notification{
		ID:          n.ID,
		RecipientID: n.RecipientID,
		Kind:        models.NotificationKind(n.Kind),
		Payload:     append([]byte(nil), n.Payload...),
		CreatedAt:   n.CreatedAt,
		Read:        n.Read,
	}
}

type DBPushSubscription struct {
	UserID    string `msgpack:"userId"`
	Endpoint  string `msgpack:"endpoint"`
	P256dh    string `msgpack:"p256dh"`
	Auth      string `msgpack:"auth"`
	CreatedAt int64  `msgpack:"createdAt"`
}

func (p *DBPushSubscription) Key() []byte {
	return []byte(p.Endpoint)
}

func (p *DBPushSubscription) MarshalBinary() (data []byte, err error) {
	type alias DBPushSubscription
	return msgpack.Marshal((*alias)(p))
}

func (p *DBPushSubscription) UnmarshalBinary(data []byte) error {
	type alias DBPushSubscription
	return msgpack.Unmarshal(data, (*alias)(p))
}

func (p *DBPushSubscription) model() models.PushSubscription {
	return models.PushSubscription{
		UserID:    p.UserID,
		Endpoint:  p.Endpoint,
		P256dh:    p.P256dh,
		Auth:      p.Auth,
		CreatedAt: p.CreatedAt,
	}
}
