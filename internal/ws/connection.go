package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"haven/internal/models"
	"haven/internal/session"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
)

type wsConnection interface {
	Close() error
	WriteJSON(v any) error
	NextReader() (messageType int, r io.Reader, err error)
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadLimit(limit int64)
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
}

type messageHub interface {
	Dispatch(ctx context.Context, conn *session.Conn, msg models.ClientMessage) error
	Disconnect(conn *session.Conn)
}

// Connection pumps events between one websocket and the hub. Client events
// are dispatched on the read goroutine, so a slow store call only delays
// this connection.
type Connection struct {
	ws      wsConnection
	hub     messageHub
	conn    *session.Conn
	errorCh chan error

	pingPeriod time.Duration
	pongWait   time.Duration
}

func NewConnection(
	hub messageHub,
	ws wsConnection,
	conn *session.Conn,
) *Connection {
	return &Connection{
		ws:         ws,
		hub:        hub,
		conn:       conn,
		errorCh:    make(chan error, 2),
		pingPeriod: pingPeriod,
		pongWait:   pongWait,
	}
}

func (c *Connection) Handle(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		c.hub.Disconnect(c.conn)
	}()

	var wg sync.WaitGroup
	wg.Go(func() {
		c.errorCh <- c.readLoop(ctx)
		cancel()
	})

	wg.Go(func() {
		c.errorCh <- c.writeLoop(ctx)
		cancel()
	})

	var err error
	select {
	case err = <-c.errorCh:
	case <-ctx.Done():
	}
	cancel()
	c.ws.Close()
	wg.Wait()

	if err == nil || errors.Is(err, context.Canceled) ||
		websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return nil
	}
	return err
}

func (c *Connection) readLoop(ctx context.Context) error {
	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(c.pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.pongWait))
	})

	for {
		// Transport failures end the connection; a complete frame that does
		// not decode is only reported back to the client.
		_, r, err := c.ws.NextReader()
		if err != nil {
			return err
		}
		frame, err := io.ReadAll(r)
		if err != nil {
			return err
		}
		var msg models.ClientMessage
		if err := json.Unmarshal(frame, &msg); err != nil {
			c.sendError(fmt.Errorf("%w: malformed event", models.ErrValidation))
			continue
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if err := c.hub.Dispatch(ctx, c.conn, msg); err != nil {
			slog.Debug("client event rejected", "conn_id", c.conn.ID, "user_id", c.conn.UserID(),
				"type", msg.Type, "chat_id", msg.ChatID, "error", err)
			c.sendError(err)
		}
	}
}

func (c *Connection) writeLoop(ctx context.Context) error {
	ticker := time.NewTicker(c.pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-c.conn.Outbound():
			if !ok {
				_ = c.ws.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(writeWait))
				return nil
			}
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteJSON(msg); err != nil {
				return err
			}
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return err
			}
		case <-ctx.Done():
			return nil
		}
	}
}

func (c *Connection) sendError(err error) {
	if !c.conn.Send(models.ServerMessage{
		Type:    models.ServerMessageTypeError,
		Payload: models.ErrorPayload{Message: publicMessage(err)},
	}) {
		slog.Warn("failed to deliver error event", "conn_id", c.conn.ID, "error", err)
	}
}

// publicMessage hides store details from clients.
func publicMessage(err error) string {
	if errors.Is(err, models.ErrPersistence) {
		return models.ErrPersistence.Error() + ": please try again later"
	}
	return err.Error()
}
