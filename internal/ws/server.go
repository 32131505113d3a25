package ws

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
)

type tokenVerifier interface {
	UserID(token string) (string, error)
}

type Server struct {
	verifier tokenVerifier
	chats    orchestrator
	registry roomRegistry
	upgrader *websocket.Upgrader
}

func NewServer(verifier tokenVerifier, chats orchestrator, reg roomRegistry) *Server {
	return &Server{
		verifier: verifier,
		chats:    chats,
		registry: reg,
		upgrader: &websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // Allow all origins for now
			},
		},
	}
}

// tokenFromRequest accepts the token as a header, a query parameter or a
// bearer token, since browser websocket clients cannot set arbitrary headers.
func tokenFromRequest(r *http.Request) string {
	if t := r.Header.Get("token"); t != "" {
		return t
	}
	if t := r.URL.Query().Get("token"); t != "" {
		return t
	}
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}

func (s *Server) HandleConnections(w http.ResponseWriter, r *http.Request) {
	userID, err := s.verifier.UserID(tokenFromRequest(r))
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("error upgrading to websocket", "error", err)
		return
	}

	conn := NewConnection(s.chats, s.registry, ws, userID)
	if err := conn.Handle(r.Context()); err != nil {
		slog.Warn("websocket connection closed", "userID", userID, "error", err)
	}
}
