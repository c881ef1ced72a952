package typing

import (
	"sync"
	"time"

	"haven/internal/models"
)

const DefaultTimeout = 3 * time.Second

// Room delivers typing transitions to a chat's subscribers.
type Room interface {
	BroadcastExceptUser(chatID string, msg models.ServerMessage, userID string) int
}

type Config struct {
	// Timeout is the quiescence window after which a Typing state clears
	// itself.
	Timeout time.Duration
}

type key struct {
	chatID string
	userID string
}

// state is the Typing state of one (chat, user) pair. gen identifies the
// timer that currently owns the entry.
type state struct {
	timer *time.Timer
	gen   uint64
}

// Coordinator keeps the in-memory Idle/Typing state machine per
// (chat, user) pair and broadcasts its transitions.
type Coordinator struct {
	room    Room
	timeout time.Duration

	mu     sync.Mutex
	states map[key]*state
	gen    uint64
}

func New(room Room, cfg Config) *Coordinator {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Coordinator{
		room:    room,
		timeout: cfg.Timeout,
		states:  make(map[key]*state),
	}
}

// Start moves the pair to Typing. The started event is broadcast only on
// the Idle to Typing transition; a repeated start re-arms the one timer.
// Transitions are delivered under c.mu so peers see them in state order.
func (c *Coordinator) Start(chatID, userID string) {
	k := key{chatID: chatID, userID: userID}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.gen++
	gen := c.gen
	if st, typing := c.states[k]; typing {
		st.timer.Stop()
		st.gen = gen
		st.timer = time.AfterFunc(c.timeout, func() { c.expire(k, gen) })
		return
	}
	c.states[k] = &state{
		gen:   gen,
		timer: time.AfterFunc(c.timeout, func() { c.expire(k, gen) }),
	}
	c.room.BroadcastExceptUser(chatID, models.ServerMessage{
		Type:    models.ServerMessageTypeUserTyping,
		Payload: models.ChatUserPayload{ChatID: chatID, UserID: userID},
	}, userID)
}

// Stop moves the pair back to Idle. It reports whether a transition
// happened; stopping an Idle pair is a no-op.
func (c *Coordinator) Stop(chatID, userID string) bool {
	k := key{chatID: chatID, userID: userID}

	c.mu.Lock()
	defer c.mu.Unlock()

	st, typing := c.states[k]
	if !typing {
		return false
	}
	st.timer.Stop()
	delete(c.states, k)
	c.broadcastStop(k)
	return true
}

// StopAll clears the user's Typing state in each of the given chats.
// It is used when a connection closes.
func (c *Coordinator) StopAll(userID string, chatIDs []string) {
	for _, chatID := range chatIDs {
		c.Stop(chatID, userID)
	}
}

// IsTyping reports whether the pair is currently in the Typing state.
func (c *Coordinator) IsTyping(chatID, userID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, ok := c.states[key{chatID: chatID, userID: userID}]
	return ok
}

// expire runs on the timer goroutine. A timer that was replaced by a newer
// Start finds a different generation and does nothing.
func (c *Coordinator) expire(k key, gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	st, typing := c.states[k]
	if !typing || st.gen != gen {
		return
	}
	delete(c.states, k)
	c.broadcastStop(k)
}

// broadcastStop must be called with c.mu held.
func (c *Coordinator) broadcastStop(k key) {
	c.room.BroadcastExceptUser(k.chatID, models.ServerMessage{
		Type:    models.ServerMessageTypeUserStopTyping,
		Payload: models.ChatUserPayload{ChatID: k.chatID, UserID: k.userID},
	}, k.userID)
}
