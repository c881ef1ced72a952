package http

import (
	"context"
	"log"
	"net/http"
	"sync"
	"time"

	"haven/internal/api"
	"haven/internal/ws"
)

type APIServer struct {
	server *http.Server
	wg     sync.WaitGroup
}

func NewAPIServer(apiHandlers *api.API, wsServer *ws.Server, addr string) *APIServer {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/me", apiHandlers.RequireAuth(apiHandlers.MeHandler))
	mux.HandleFunc("GET /api/chats", apiHandlers.RequireAuth(apiHandlers.ChatsHandler))
	mux.HandleFunc("POST /api/chats", apiHandlers.RequireAuth(apiHandlers.CreateChatHandler))
	mux.HandleFunc("GET /api/chats/{id}/messages", apiHandlers.RequireAuth(apiHandlers.MessagesHandler))
	mux.HandleFunc("GET /api/notifications", apiHandlers.RequireAuth(apiHandlers.NotificationsHandler))
	mux.HandleFunc("POST /api/notifications/{id}/read", apiHandlers.RequireAuth(apiHandlers.MarkNotificationReadHandler))
	mux.HandleFunc("POST /api/push/subscriptions", apiHandlers.RequireAuth(apiHandlers.PushSubscriptionHandler))
	mux.HandleFunc("GET /api/push/vapid-key", apiHandlers.VAPIDKeyHandler)

	// WebSocket endpoint
	mux.HandleFunc("GET /api/chat", wsServer.HandleConnections)

	if addr == "" {
		addr = ":8080"
	}

	return &APIServer{
		server: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
}

func (s *APIServer) Start() error {
	log.Printf("Server started on %s", s.server.Addr)
	s.wg.Add(1)
	defer s.wg.Done()

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *APIServer) Shutdown(ctx context.Context) error {
	defer s.wg.Wait()
	return s.server.Shutdown(ctx)
}
