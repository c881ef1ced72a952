package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"haven/internal/models"
	"haven/internal/storage"
	"haven/internal/ws"
)

const (
	defaultPageSize = 50
	maxPageSize     = 200
)

type Verifier interface {
	Verify(token string) (models.User, error)
}

// ChatAuthorizer is the same participant check the gateway runs on join.
type ChatAuthorizer interface {
	Authorize(chatID, userID string) (models.Chat, error)
}

type API struct {
	verifier       Verifier
	store          *storage.BboltStorage
	chats          ChatAuthorizer
	hub            *ws.Hub
	vapidPublicKey string
}

func New(verifier Verifier, store *storage.BboltStorage, chats ChatAuthorizer, hub *ws.Hub, vapidPublicKey string) *API {
	return &API{
		verifier:       verifier,
		store:          store,
		chats:          chats,
		hub:            hub,
		vapidPublicKey: vapidPublicKey,
	}
}

func (a *API) MeHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, currentUser(r))
}

// ChatSummary is a chat as listed for one of its participants.
type ChatSummary struct {
	models.Chat
	Peer          models.User     `json:"peer"`
	PeerOnline    bool            `json:"peerOnline"`
	LatestMessage *models.Message `json:"latestMessage"`
}

func (a *API) ChatsHandler(w http.ResponseWriter, r *http.Request) {
	user := currentUser(r)
	chats, err := a.store.ListChatsForUser(user.ID)
	if err != nil {
		writeError(w, fmt.Errorf("%w: %v", models.ErrPersistence, err))
		return
	}

	summaries := make([]ChatSummary, 0, len(chats))
	for _, c := range chats {
		summary := ChatSummary{Chat: c}
		if peerID, ok := c.OtherParticipant(user.ID); ok {
			if peer, err := a.store.GetUser(peerID); err == nil {
				summary.Peer = peer.Identity()
				summary.Peer.LastSeenAt = peer.LastSeenAt
			}
			summary.PeerOnline = a.hub.IsOnline(peerID)
		}
		if c.LastSeq > 0 {
			latest, err := a.store.LatestMessage(c.ID)
			if err != nil && !errors.Is(err, models.ErrNotFound) {
				writeError(w, fmt.Errorf("%w: %v", models.ErrPersistence, err))
				return
			}
			if err == nil {
				summary.LatestMessage = &latest
			}
		}
		summaries = append(summaries, summary)
	}
	writeJSON(w, http.StatusOK, summaries)
}

type StartChatRequest struct {
	ReceiverID string `json:"receiverId"`
}

// CreateChatHandler opens the caller's chat with receiverId. An existing chat
// is returned with 200, a new one with 201.
func (a *API) CreateChatHandler(w http.ResponseWriter, r *http.Request) {
	user := currentUser(r)

	var req StartChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, fmt.Errorf("%w: invalid request body", models.ErrValidation))
		return
	}
	if req.ReceiverID == "" {
		writeError(w, fmt.Errorf("%w: receiverId is required", models.ErrValidation))
		return
	}
	if req.ReceiverID == user.ID {
		writeError(w, fmt.Errorf("%w: cannot start a chat with yourself", models.ErrValidation))
		return
	}

	receiver, err := a.store.GetUser(req.ReceiverID)
	if err != nil && !errors.Is(err, models.ErrNotFound) {
		writeError(w, fmt.Errorf("%w: %v", models.ErrPersistence, err))
		return
	}
	if err != nil || receiver.Status == models.UserStatusDeleted {
		writeError(w, fmt.Errorf("user %s: %w", req.ReceiverID, models.ErrNotFound))
		return
	}

	chat, created, err := a.store.CreateChat(user.ID, receiver.ID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) || errors.Is(err, models.ErrValidation) {
			writeError(w, err)
			return
		}
		writeError(w, fmt.Errorf("%w: %v", models.ErrPersistence, err))
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, chat)
}

// MessagesHandler serves chat history, the source of truth for clients that
// reconnect or missed live events.
func (a *API) MessagesHandler(w http.ResponseWriter, r *http.Request) {
	user := currentUser(r)
	chatID := r.PathValue("id")
	if _, err := a.chats.Authorize(chatID, user.ID); err != nil {
		writeError(w, err)
		return
	}

	after, err := queryInt(r, "after", 0)
	if err != nil {
		writeError(w, err)
		return
	}
	limit, err := queryInt(r, "limit", defaultPageSize)
	if err != nil {
		writeError(w, err)
		return
	}
	if limit <= 0 || limit > maxPageSize {
		limit = maxPageSize
	}

	messages, err := a.store.ListMessages(chatID, int64(after), limit)
	if err != nil {
		writeError(w, fmt.Errorf("%w: %v", models.ErrPersistence, err))
		return
	}
	writeJSON(w, http.StatusOK, messages)
}

func (a *API) NotificationsHandler(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", defaultPageSize)
	if err != nil {
		writeError(w, err)
		return
	}
	notifications, err := a.store.ListNotifications(currentUser(r).ID, limit)
	if err != nil {
		writeError(w, fmt.Errorf("%w: %v", models.ErrPersistence, err))
		return
	}
	writeJSON(w, http.StatusOK, notifications)
}

func (a *API) MarkNotificationReadHandler(w http.ResponseWriter, r *http.Request) {
	if err := a.store.MarkNotificationRead(currentUser(r).ID, r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, models.APIResponse{Success: true})
}

type PushSubscriptionRequest struct {
	Endpoint string `json:"endpoint"`
	Keys     struct {
		P256dh string `json:"p256dh"`
		Auth   string `json:"auth"`
	} `json:"keys"`
}

func (a *API) PushSubscriptionHandler(w http.ResponseWriter, r *http.Request) {
	var req PushSubscriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.Endpoint == "" || req.Keys.P256dh == "" || req.Keys.Auth == "" {
		writeError(w, fmt.Errorf("%w: endpoint and keys are required", models.ErrValidation))
		return
	}

	err := a.store.UpsertPushSubscription(models.PushSubscription{
		UserID:   currentUser(r).ID,
		Endpoint: req.Endpoint,
		P256dh:   req.Keys.P256dh,
		Auth:     req.Keys.Auth,
	})
	if err != nil {
		writeError(w, fmt.Errorf("%w: %v", models.ErrPersistence, err))
		return
	}
	writeJSON(w, http.StatusCreated, models.APIResponse{Success: true})
}

func (a *API) VAPIDKeyHandler(w http.ResponseWriter, r *http.Request) {
	if a.vapidPublicKey == "" {
		http.Error(w, "Web push is not configured", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"publicKey": a.vapidPublicKey})
}

func queryInt(r *http.Request, key string, fallback int) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: %s must be a non-negative integer", models.ErrValidation, key)
	}
	return n, nil
}
