package storage

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"haven/internal/models"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"
)

var (
	bucketUsers         = []byte("users")
	bucketUserNames     = []byte("user_names")
	bucketChats         = []byte("chats")
	bucketChatPairs     = []byte("chat_pairs")
	bucketMessages      = []byte("messages")
	bucketNotifications = []byte("notifications")
	bucketPushSubs      = []byte("push_subscriptions")
)

// ErrUserNameTaken is returned when another active user holds the name.
var ErrUserNameTaken = errors.New("user name already taken")

type BboltStorage struct {
	db  *bbolt.DB
	now func() time.Time
}

func NewBboltStorage(path string) (*BboltStorage, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bbolt db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{
			bucketUsers,
			bucketUserNames,
			bucketChats,
			bucketChatPairs,
			bucketMessages,
			bucketNotifications,
			bucketPushSubs,
		} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	return &BboltStorage{db: db, now: time.Now}, nil
}

func (s *BboltStorage) Close() error {
	return s.db.Close()
}

func put(b *bbolt.Bucket, v Storeable) error {
	data, err := v.MarshalBinary()
	if err != nil {
		return err
	}
	return b.Put(v.Key(), data)
}

// UpsertUser stores a new or updated user. The user name index is checked
// and claimed in the same transaction, so two active users never share a
// name.
func (s *BboltStorage) UpsertUser(user models.User) error {
	if user.ID == "" {
		return errors.New("user missing id")
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		users := tx.Bucket(bucketUsers)
		if user.Status != models.UserStatusDeleted && user.UserName != "" {
			if err := claimUserName(tx.Bucket(bucketUserNames), users, user); err != nil {
				return err
			}
		}
		dbUser := dbUserFrom(user)
		return put(users, &dbUser)
	})
}

func claimUserName(names, users *bbolt.Bucket, user models.User) error {
	name := []byte(user.UserName)
	if holder := names.Get(name); holder != nil && string(holder) != user.ID {
		if data := users.Get(holder); data != nil {
			var current DBUser
			if err := current.UnmarshalBinary(data); err != nil {
				return err
			}
			if current.UserName == user.UserName && current.Status != string(models.UserStatusDeleted) {
				return fmt.Errorf("%s: %w", user.UserName, ErrUserNameTaken)
			}
		}
	}
	return names.Put(name, []byte(user.ID))
}

// GetUser returns the user with the given id or models.ErrNotFound.
func (s *BboltStorage) GetUser(id string) (models.User, error) {
	var dbUser DBUser
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketUsers).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("user %s: %w", id, models.ErrNotFound)
		}
		return dbUser.UnmarshalBinary(data)
	})
	if err != nil {
		return models.User{}, err
	}
	return dbUser.model(), nil
}

// ListUsers returns all users sorted by user name.
func (s *BboltStorage) ListUsers() ([]models.User, error) {
	var users []models.User
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketUsers).ForEach(func(k, v []byte) error {
			var dbUser DBUser
			if err := dbUser.UnmarshalBinary(v); err != nil {
				return err
			}
			users = append(users, dbUser.model())
			return nil
		})
	})
	sort.Slice(users, func(i, j int) bool {
		return users[i].UserName < users[j].UserName
	})
	return users, err
}

// UpdateLastSeen records when the user's last connection closed. The
// stored time only moves forward.
func (s *BboltStorage) UpdateLastSeen(userID string, at int64) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketUsers)
		data := b.Get([]byte(userID))
		if data == nil {
			return fmt.Errorf("user %s: %w", userID, models.ErrNotFound)
		}
		var dbUser DBUser
		if err := dbUser.UnmarshalBinary(data); err != nil {
			return err
		}
		if at <= dbUser.LastSeenAt {
			return nil
		}
		dbUser.LastSeenAt = at
		return put(b, &dbUser)
	})
}

func pairKey(a, b string) []byte {
	if b < a {
		a, b = b, a
	}
	return []byte(a + "\x00" + b)
}

// CreateChat returns the chat between the two users, creating it when none
// exists yet. The boolean reports whether a new chat was created.
func (s *BboltStorage) CreateChat(userA, userB string) (models.Chat, bool, error) {
	if userA == "" || userB == "" || userA == userB {
		return models.Chat{}, false, fmt.Errorf("%w: chat needs two distinct participants", models.ErrValidation)
	}

	var (
		dbChat  DBChat
		created bool
	)
	err := s.db.Update(func(tx *bbolt.Tx) error {
		users := tx.Bucket(bucketUsers)
		for _, id := range []string{userA, userB} {
			if users.Get([]byte(id)) == nil {
				return fmt.Errorf("user %s: %w", id, models.ErrNotFound)
			}
		}

		pairs := tx.Bucket(bucketChatPairs)
		chats := tx.Bucket(bucketChats)
		key := pairKey(userA, userB)

		if chatID := pairs.Get(key); chatID != nil {
			data := chats.Get(chatID)
			if data == nil {
				return fmt.Errorf("chat pair index points to missing chat %s", chatID)
			}
			return dbChat.UnmarshalBinary(data)
		}

		now := s.now().UnixMilli()
		dbChat = DBChat{
			ID:           uuid.NewString(),
			Participants: []string{userA, userB},
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		if err := put(chats, &dbChat); err != nil {
			return err
		}
		created = true
		return pairs.Put(key, dbChat.Key())
	})
	if err != nil {
		return models.Chat{}, false, err
	}
	return dbChat.model(), created, nil
}

// GetChat returns the chat with the given id or models.ErrNotFound.
func (s *BboltStorage) GetChat(id string) (models.Chat, error) {
	var dbChat DBChat
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketChats).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("chat %s: %w", id, models.ErrNotFound)
		}
		return dbChat.UnmarshalBinary(data)
	})
	if err != nil {
		return models.Chat{}, err
	}
	return dbChat.model(), nil
}

// ListChatsForUser returns the chats the user participates in, most
// recently active first.
func (s *BboltStorage) ListChatsForUser(userID string) ([]models.Chat, error) {
	var chats []models.Chat
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketChats).ForEach(func(k, v []byte) error {
			var dbChat DBChat
			if err := dbChat.UnmarshalBinary(v); err != nil {
				return err
			}
			c := dbChat.model()
			if c.HasParticipant(userID) {
				chats = append(chats, c)
			}
			return nil
		})
	})
	sort.Slice(chats, func(i, j int) bool {
		return chats[i].UpdatedAt > chats[j].UpdatedAt
	})
	return chats, err
}

// TouchChat moves the chat's last-activity marker forward.
func (s *BboltStorage) TouchChat(chatID string, at int64) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketChats)
		data := b.Get([]byte(chatID))
		if data == nil {
			return fmt.Errorf("chat %s: %w", chatID, models.ErrNotFound)
		}
		var dbChat DBChat
		if err := dbChat.UnmarshalBinary(data); err != nil {
			return err
		}
		if at <= dbChat.UpdatedAt {
			return nil
		}
		dbChat.UpdatedAt = at
		return put(b, &dbChat)
	})
}

// CreateMessage persists a new message. The store assigns the per-chat
// sequence number; id and creation time are assigned when empty.
func (s *BboltStorage) CreateMessage(message models.Message) (models.Message, error) {
	if message.ChatID == "" {
		return models.Message{}, errors.New("message missing chatID")
	}
	if message.ID == "" {
		message.ID = uuid.NewString()
	}
	if message.CreatedAt == 0 {
		message.CreatedAt = s.now().UnixMilli()
	}

	err := s.db.Update(func(tx *bbolt.Tx) error {
		chats := tx.Bucket(bucketChats)
		chatKey := []byte(message.ChatID)
		chatData := chats.Get(chatKey)
		if chatData == nil {
			return fmt.Errorf("chat %s: %w", message.ChatID, models.ErrNotFound)
		}
		var dbChat DBChat
		if err := dbChat.UnmarshalBinary(chatData); err != nil {
			return fmt.Errorf("failed to unmarshal chat: %w", err)
		}

		chatBucket, err := tx.Bucket(bucketMessages).CreateBucketIfNotExists(chatKey)
		if err != nil {
			return fmt.Errorf("failed to create chat bucket: %w", err)
		}
		seq, err := chatBucket.NextSequence()
		if err != nil {
			return fmt.Errorf("failed to allocate sequence: %w", err)
		}
		message.Seq = int64(seq)

		dbMessage := DBMessage{
			ID:         message.ID,
			Seq:        message.Seq,
			ChatID:     message.ChatID,
			SenderID:   message.SenderID,
			ReceiverID: message.ReceiverID,
			Content:    message.Content,
			HTML:       message.HTML,
			CreatedAt:  message.CreatedAt,
		}
		if err := put(chatBucket, &dbMessage); err != nil {
			return fmt.Errorf("failed to put message: %w", err)
		}

		if message.Seq > dbChat.LastSeq {
			dbChat.LastSeq = message.Seq
			return put(chats, &dbChat)
		}
		return nil
	})
	if err != nil {
		return models.Message{}, err
	}
	return message, nil
}

// ListMessages returns up to limit messages of the chat with seq > after,
// oldest first.
func (s *BboltStorage) ListMessages(chatID string, after int64, limit int) ([]models.Message, error) {
	messages := []models.Message{}
	err := s.db.View(func(tx *bbolt.Tx) error {
		chatBucket := tx.Bucket(bucketMessages).Bucket([]byte(chatID))
		if chatBucket == nil {
			return nil // No messages for this chat
		}

		c := chatBucket.Cursor()
		minKey := seqKey(uint64(after + 1))
		for k, v := c.Seek(minKey); k != nil; k, v = c.Next() {
			if limit > 0 && len(messages) >= limit {
				break
			}
			var dbMsg DBMessage
			if err := dbMsg.UnmarshalBinary(v); err != nil {
				return err
			}
			messages = append(messages, dbMsg.model())
		}
		return nil
	})
	return messages, err
}

// LatestMessage returns the chat's newest message or models.ErrNotFound
// when the chat has none.
func (s *BboltStorage) LatestMessage(chatID string) (models.Message, error) {
	var dbMsg DBMessage
	err := s.db.View(func(tx *bbolt.Tx) error {
		chatBucket := tx.Bucket(bucketMessages).Bucket([]byte(chatID))
		if chatBucket == nil {
			return fmt.Errorf("chat %s messages: %w", chatID, models.ErrNotFound)
		}
		_, v := chatBucket.Cursor().Last()
		if v == nil {
			return fmt.Errorf("chat %s messages: %w", chatID, models.ErrNotFound)
		}
		return dbMsg.UnmarshalBinary(v)
	})
	if err != nil {
		return models.Message{}, err
	}
	return dbMsg.model(), nil
}

// CreateNotification records a notification for its recipient.
func (s *BboltStorage) CreateNotification(n models.Notification) (models.Notification, error) {
	if n.RecipientID == "" {
		return models.Notification{}, errors.New("notification missing recipient")
	}
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.CreatedAt == 0 {
		n.CreatedAt = s.now().UnixMilli()
	}

	err := s.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.Bucket(bucketNotifications).CreateBucketIfNotExists([]byte(n.RecipientID))
		if err != nil {
			return err
		}
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		dbNotification := DBNotification{
			ID:          n.ID,
			Seq:         seq,
			RecipientID: n.RecipientID,
			Kind:        string(n.Kind),
			Payload:     n.Payload,
			CreatedAt:   n.CreatedAt,
			Read:        n.Read,
		}
		return put(b, &dbNotification)
	})
	if err != nil {
		return models.Notification{}, err
	}
	return n, nil
}

// ListNotifications returns the user's notifications, newest first.
func (s *BboltStorage) ListNotifications(userID string, limit int) ([]models.Notification, error) {
	notifications := []models.Notification{}
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketNotifications).Bucket([]byte(userID))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if limit > 0 && len(notifications) >= limit {
				break
			}
			var dbNotification DBNotification
			if err := dbNotification.UnmarshalBinary(v); err != nil {
				return err
			}
			notifications = append(notifications, dbNotification.model())
		}
		return nil
	})
	return notifications, err
}

// MarkNotificationRead flags one of the user's notifications as read.
func (s *BboltStorage) MarkNotificationRead(userID, id string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketNotifications).Bucket([]byte(userID))
		if b == nil {
			return fmt.Errorf("notification %s: %w", id, models.ErrNotFound)
		}
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var dbNotification DBNotification
			if err := dbNotification.UnmarshalBinary(v); err != nil {
				return err
			}
			if dbNotification.ID != id {
				continue
			}
			if dbNotification.Read {
				return nil
			}
			dbNotification.Read = true
			return put(b, &dbNotification)
		}
		return fmt.Errorf("notification %s: %w", id, models.ErrNotFound)
	})
}

// UpsertPushSubscription stores a web-push endpoint for the user.
func (s *BboltStorage) UpsertPushSubscription(sub models.PushSubscription) error {
	if sub.UserID == "" || sub.Endpoint == "" {
		return errors.New("push subscription needs user and endpoint")
	}
	if sub.CreatedAt == 0 {
		sub.CreatedAt = s.now().UnixMilli()
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.Bucket(bucketPushSubs).CreateBucketIfNotExists([]byte(sub.UserID))
		if err != nil {
			return err
		}
		dbSub := DBPushSubscription{
			UserID:    sub.UserID,
			Endpoint:  sub.Endpoint,
			P256dh:    sub.P256dh,
			Auth:      sub.Auth,
			CreatedAt: sub.CreatedAt,
		}
		return put(b, &dbSub)
	})
}

func (s *BboltStorage) ListPushSubscriptions(userID string) ([]models.PushSubscription, error) {
	var subs []models.PushSubscription
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketPushSubs).Bucket([]byte(userID))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			var dbSub DBPushSubscription
			if err := dbSub.UnmarshalBinary(v); err != nil {
				return err
			}
			subs = append(subs, dbSub.model())
			return nil
		})
	})
	return subs, err
}

func (s *BboltStorage) DeletePushSubscription(userID, endpoint string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketPushSubs).Bucket([]byte(userID))
		if b == nil {
			return nil
		}
		return b.Delete([]byte(endpoint))
	})
}

