package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"haven/internal/content"
	"haven/internal/models"
	"haven/internal/storage"
	"haven/internal/ws"

	"github.com/google/uuid"
)

type TokenIssuer interface {
	Issue(userID string) (string, time.Time, error)
}

type Notifier interface {
	Notify(ctx context.Context, n models.Notification) (models.Notification, error)
}

// AdminHandler serves the internal API used by the marketplace backend and
// the command line tools. It listens on a private address only.
type AdminHandler struct {
	issuer   TokenIssuer
	store    *storage.BboltStorage
	hub      *ws.Hub
	notifier Notifier
	baseURL  string
}

func NewAdminHandler(issuer TokenIssuer, store *storage.BboltStorage, hub *ws.Hub, notifier Notifier, baseURL string) *AdminHandler {
	return &AdminHandler{issuer: issuer, store: store, hub: hub, notifier: notifier, baseURL: baseURL}
}

type AddUserRequest struct {
	Username    string `json:"username"`
	DisplayName string `json:"displayName,omitempty"`
	AvatarURL   string `json:"avatarUrl,omitempty"`
}

type AddUserResponse struct {
	Success     bool   `json:"success"`
	Message     string `json:"message,omitempty"`
	UserID      string `json:"userId,omitempty"`
	Username    string `json:"username,omitempty"`
	Token       string `json:"token,omitempty"`
	TokenExpiry int64  `json:"tokenExpiry,omitempty"`
	ChatURL     string `json:"chatUrl,omitempty"`
}

func (h *AdminHandler) AddUserHandler(w http.ResponseWriter, r *http.Request) {
	var req AddUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if err := content.ValidateUsername(req.Username); err != nil {
		writeJSON(w, http.StatusBadRequest, AddUserResponse{Success: false, Message: err.Error()})
		return
	}

	displayName := strings.TrimSpace(content.Sanitize(req.DisplayName))
	if displayName == "" {
		displayName = req.Username
	}
	user := models.User{
		ID:          uuid.NewString(),
		UserName:    req.Username,
		DisplayName: displayName,
		AvatarURL:   req.AvatarURL,
		Status:      models.UserStatusActive,
	}
	if err := h.store.UpsertUser(user); err != nil {
		if errors.Is(err, storage.ErrUserNameTaken) {
			writeJSON(w, http.StatusConflict, AddUserResponse{Success: false, Message: "user already exists"})
			return
		}
		writeError(w, fmt.Errorf("%w: %v", models.ErrPersistence, err))
		return
	}

	token, expires, err := h.issuer.Issue(user.ID)
	if err != nil {
		writeError(w, err)
		return
	}

	base := strings.TrimRight(h.baseURL, "/")
	writeJSON(w, http.StatusOK, AddUserResponse{
		Success:     true,
		UserID:      user.ID,
		Username:    user.UserName,
		Token:       token,
		TokenExpiry: expires.Unix(),
		ChatURL:     strings.Replace(base, "http", "ws", 1) + "/api/chat",
	})
}

// ListUsersHandler returns every user, deleted ones included.
func (h *AdminHandler) ListUsersHandler(w http.ResponseWriter, r *http.Request) {
	users, err := h.store.ListUsers()
	if err != nil {
		writeError(w, fmt.Errorf("%w: %v", models.ErrPersistence, err))
		return
	}
	if users == nil {
		users = []models.User{}
	}
	writeJSON(w, http.StatusOK, users)
}

func (h *AdminHandler) DeleteUserHandler(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("id")
	if userID == "" {
		http.Error(w, "User ID is required", http.StatusBadRequest)
		return
	}

	user, err := h.store.GetUser(userID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, models.APIResponse{Success: false, Message: "User not found"})
			return
		}
		writeError(w, fmt.Errorf("%w: %v", models.ErrPersistence, err))
		return
	}

	user.Status = models.UserStatusDeleted
	if err := h.store.UpsertUser(user); err != nil {
		writeError(w, fmt.Errorf("%w: %v", models.ErrPersistence, err))
		return
	}

	// Tokens of a deleted user stop verifying; open sockets are closed here.
	h.hub.DisconnectUser(userID)

	writeJSON(w, http.StatusOK, models.APIResponse{
		Success: true,
		Message: fmt.Sprintf("User %s deleted", userID),
	})
}

type CreateChatRequest struct {
	UserA string `json:"userA"`
	UserB string `json:"userB"`
}

type CreateChatResponse struct {
	Chat    models.Chat `json:"chat"`
	Created bool        `json:"created"`
}

// CreateChatHandler returns the chat of the two users, creating it when
// they have none yet.
func (h *AdminHandler) CreateChatHandler(w http.ResponseWriter, r *http.Request) {
	var req CreateChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.UserA == "" || req.UserB == "" || req.UserA == req.UserB {
		writeError(w, fmt.Errorf("%w: two distinct users are required", models.ErrValidation))
		return
	}

	chat, created, err := h.store.CreateChat(req.UserA, req.UserB)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
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
	writeJSON(w, status, CreateChatResponse{Chat: chat, Created: created})
}

type SavedPostRequest struct {
	OwnerID   string `json:"ownerId"`
	SaverID   string `json:"saverId"`
	PostID    string `json:"postId"`
	PostTitle string `json:"postTitle"`
}

// SavedPostHandler tells a listing owner that someone saved their post.
func (h *AdminHandler) SavedPostHandler(w http.ResponseWriter, r *http.Request) {
	var req SavedPostRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.OwnerID == "" || req.SaverID == "" || req.PostID == "" {
		writeError(w, fmt.Errorf("%w: ownerId, saverId and postId are required", models.ErrValidation))
		return
	}
	if req.OwnerID == req.SaverID {
		writeJSON(w, http.StatusOK, models.APIResponse{Success: true, Message: "own post, not notified"})
		return
	}

	saver, err := h.store.GetUser(req.SaverID)
	if err != nil {
		writeError(w, err)
		return
	}
	payload, err := json.Marshal(models.SavedPostNotificationPayload{
		PostID:    req.PostID,
		PostTitle: content.Sanitize(req.PostTitle),
		User:      saver.Identity(),
	})
	if err != nil {
		writeError(w, err)
		return
	}

	n, err := h.notifier.Notify(r.Context(), models.Notification{
		RecipientID: req.OwnerID,
		Kind:        models.NotificationKindSavedPost,
		Payload:     payload,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, n)
}
