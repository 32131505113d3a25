package http

import (
	"context"
	"log"
	"net/http"
	"sync"

	"talktime/internal/api"
	"talktime/internal/chat"
	"talktime/internal/filestore"
	"talktime/internal/friends"
	"talktime/internal/identity"
	"talktime/internal/registry"
	"talktime/internal/storage"
	"talktime/internal/ws"
)

type APIServer struct {
	server *http.Server
	wg     sync.WaitGroup
}

func NewAPIServer(
	verifier *identity.Verifier,
	store *storage.BboltStorage,
	friendsService *friends.Service,
	chatService *chat.Service,
	reg *registry.Registry,
	files filestore.FileStore,
	addr string,
) *APIServer {
	wsServer := ws.NewServer(verifier, chatService, reg)
	h := api.New(verifier, store, friendsService, chatService, files)

	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/me", h.RequireAuth(h.MeHandler))
	mux.HandleFunc("POST /api/me/profile", h.RequireAuth(h.UpdateProfileHandler))
	mux.HandleFunc("GET /api/users/search", h.RequireAuth(h.SearchUsersHandler))

	mux.HandleFunc("POST /api/friend-requests", h.RequireAuth(h.CreateFriendRequestHandler))
	mux.HandleFunc("GET /api/friend-requests", h.RequireAuth(h.PendingRequestsHandler))
	mux.HandleFunc("POST /api/friend-requests/{id}/respond", h.RequireAuth(h.RespondFriendRequestHandler))
	mux.HandleFunc("GET /api/friends", h.RequireAuth(h.FriendsHandler))

	mux.HandleFunc("GET /api/chats", h.RequireAuth(h.ChatsHandler))
	mux.HandleFunc("POST /api/chats/group", h.RequireAuth(h.CreateGroupChatHandler))
	mux.HandleFunc("GET /api/chats/{id}/messages", h.RequireAuth(h.HistoryHandler))

	mux.HandleFunc("POST /api/upload", h.RequireAuth(h.UploadHandler))
	mux.HandleFunc("GET /api/files/{ref}", h.GetFileHandler)

	// WebSocket endpoint
	mux.HandleFunc("/api/chat", wsServer.HandleConnections)

	if addr == "" {
		addr = ":8080"
	}

	return &APIServer{
		server: &http.Server{
			Addr:    addr,
			Handler: mux,
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
