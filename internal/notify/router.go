package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"haven/internal/models"
	"haven/internal/session"

	"golang.org/x/sync/errgroup"
)

const DefaultWorkers = 4

// Store records notifications and keeps push subscriptions.
type Store interface {
	CreateNotification(n models.Notification) (models.Notification, error)
	ListPushSubscriptions(userID string) ([]models.PushSubscription, error)
	DeletePushSubscription(userID, endpoint string) error
}

// Sessions resolves a user to its open connections.
type Sessions interface {
	Connections(userID string) []*session.Conn
}

// Pusher sends an out-of-band notification to one device.
type Pusher interface {
	Push(ctx context.Context, sub models.PushSubscription, payload []byte) error
}

type Config struct {
	// Workers bounds concurrent push deliveries.
	Workers     int
	PushTimeout time.Duration
}

// Router records notifications and delivers them live when the recipient is
// connected, or through web push when it is not. Delivery never fails the
// caller.
type Router struct {
	store    Store
	sessions Sessions
	pusher   Pusher
	timeout  time.Duration

	mu     sync.Mutex
	closed bool
	pushes errgroup.Group
	ctx    context.Context
	cancel context.CancelFunc
}

// NewRouter returns a Router. pusher may be nil, which disables web push.
func NewRouter(store Store, sessions Sessions, pusher Pusher, cfg Config) *Router {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.PushTimeout <= 0 {
		cfg.PushTimeout = 15 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &Router{
		store:    store,
		sessions: sessions,
		pusher:   pusher,
		timeout:  cfg.PushTimeout,
		ctx:      ctx,
		cancel:   cancel,
	}
	r.pushes.SetLimit(cfg.Workers)
	return r
}

// Notify records n and delivers it. The returned error only reports a
// recording failure; live delivery is attempted either way.
func (r *Router) Notify(ctx context.Context, n models.Notification) (models.Notification, error) {
	event, err := liveEvent(n)
	if err != nil {
		return n, err
	}

	var recordErr error
	stored, err := r.store.CreateNotification(n)
	if err != nil {
		recordErr = fmt.Errorf("%w: record notification: %v", models.ErrPersistence, err)
		slog.Error("failed to record notification", "user_id", n.RecipientID, "kind", n.Kind, "error", err)
		stored = n
	}

	conns := r.sessions.Connections(stored.RecipientID)
	delivered := 0
	for _, c := range conns {
		if c.Send(event) {
			delivered++
		}
	}
	if delivered > 0 {
		return stored, recordErr
	}
	if len(conns) > 0 {
		slog.Warn("notification not delivered", "user_id", stored.RecipientID, "kind", stored.Kind,
			"error", models.ErrDelivery)
	}

	if r.pusher != nil {
		r.schedulePush(stored.RecipientID, event)
	}
	return stored, recordErr
}

func liveEvent(n models.Notification) (models.ServerMessage, error) {
	var t models.ServerMessageType
	switch n.Kind {
	case models.NotificationKindNewMessage:
		t = models.ServerMessageTypeNewMessageNotification
	case models.NotificationKindSavedPost:
		t = models.ServerMessageTypeSavedPostNotification
	default:
		return models.ServerMessage{}, fmt.Errorf("%w: unknown notification kind %q", models.ErrValidation, n.Kind)
	}
	return models.ServerMessage{Type: t, Payload: n.Payload}, nil
}

func (r *Router) schedulePush(userID string, event models.ServerMessage) {
	payload, err := json.Marshal(event)
	if err != nil {
		slog.Error("failed to encode push payload", "user_id", userID, "error", err)
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	started := r.pushes.TryGo(func() error {
		r.push(userID, payload)
		return nil
	})
	if !started {
		slog.Warn("push queue full, dropping notification", "user_id", userID)
	}
}

func (r *Router) push(userID string, payload []byte) {
	subs, err := r.store.ListPushSubscriptions(userID)
	if err != nil {
		slog.Error("failed to list push subscriptions", "user_id", userID, "error", err)
		return
	}
	for _, sub := range subs {
		ctx, cancel := context.WithTimeout(r.ctx, r.timeout)
		err := r.pusher.Push(ctx, sub, payload)
		cancel()

		switch {
		case err == nil:
		case errors.Is(err, ErrSubscriptionGone):
			slog.Info("removing expired push subscription", "user_id", userID)
			if err := r.store.DeletePushSubscription(userID, sub.Endpoint); err != nil {
				slog.Error("failed to delete push subscription", "user_id", userID, "error", err)
			}
		default:
			slog.Warn("push delivery failed", "user_id", userID, "error", err)
		}
	}
}

// Close stops accepting pushes and waits for the ones in flight.
func (r *Router) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	_ = r.pushes.Wait()
	r.cancel()
}
