package ws

import (
	"errors"
	"log"
	"log/slog"
	"net/http"
	"strings"

	"haven/internal/models"

	"github.com/gorilla/websocket"
)

// Verifier authenticates the handshake credential.
type Verifier interface {
	Verify(token string) (models.User, error)
}

type Server struct {
	verifier Verifier
	hub      *Hub
	upgrader *websocket.Upgrader
}

func NewServer(verifier Verifier, hub *Hub, allowedOrigins []string) *Server {
	return &Server{
		verifier: verifier,
		hub:      hub,
		upgrader: &websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     originChecker(allowedOrigins),
		},
	}
}

// HandleConnections authenticates the request and only then upgrades it.
// A bad credential is answered with 401 and never reaches the hub. The
// route is registered for GET only.
func (s *Server) HandleConnections(w http.ResponseWriter, r *http.Request) {
	user, err := s.verifier.Verify(Token(r))
	if err != nil {
		if errors.Is(err, models.ErrAuthentication) {
			slog.Info("websocket handshake rejected", "remote", r.RemoteAddr, "error", err)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		slog.Error("websocket handshake failed", "remote", r.RemoteAddr, "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("error upgrading to websocket: %v", err)
		return
	}

	conn := s.hub.Connect(user)
	if err := NewConnection(s.hub, ws, conn).Handle(r.Context()); err != nil {
		slog.Debug("websocket closed with error", "conn_id", conn.ID, "user_id", user.ID, "error", err)
	}
}

// Token extracts the bearer credential from the Authorization header, the
// token query parameter or the token cookie, in that order.
func Token(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	if c, err := r.Cookie("token"); err == nil {
		return c.Value
	}
	return ""
}

func originChecker(allowed []string) func(r *http.Request) bool {
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		set[strings.TrimRight(o, "/")] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[origin]
		return ok
	}
}
