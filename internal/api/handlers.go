package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"

	"talktime/internal/chat"
	"talktime/internal/content"
	"talktime/internal/filestore"
	"talktime/internal/friends"
	"talktime/internal/identity"
	"talktime/internal/models"
	"talktime/internal/storage"
)

const maxUploadBytes = 32 << 20

type API struct {
	verifier *identity.Verifier
	store    *storage.BboltStorage
	friends  *friends.Service
	chats    *chat.Service
	files    filestore.FileStore
}

func New(
	verifier *identity.Verifier,
	store *storage.BboltStorage,
	friendsService *friends.Service,
	chatService *chat.Service,
	files filestore.FileStore,
) *API {
	return &API{
		verifier: verifier,
		store:    store,
		friends:  friendsService,
		chats:    chatService,
		files:    files,
	}
}

type ctxKey int

const ctxKeyUserID ctxKey = iota

func (a *API) getToken(r *http.Request) string {
	token := r.Header.Get("token")
	if token == "" {
		if c, err := r.Cookie("token"); err == nil {
			token = c.Value
		}
	}
	if token == "" {
		if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
			token = strings.TrimPrefix(auth, "Bearer ")
		}
	}
	return token
}

// RequireAuth verifies the identity token and stores the user id in the
// request context for the wrapped handler.
func (a *API) RequireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, err := a.verifier.UserID(a.getToken(r))
		if err != nil {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), ctxKeyUserID, userID)))
	}
}

func userID(r *http.Request) string {
	id, _ := r.Context().Value(ctxKeyUserID).(string)
	return id
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, models.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, models.ErrForbidden):
		http.Error(w, err.Error(), http.StatusForbidden)
	case errors.Is(err, models.ErrDuplicateRequest):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, models.ErrSelfRequest),
		errors.Is(err, models.ErrEmptyMessage),
		errors.Is(err, models.ErrInvalidInput):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}

func (a *API) MeHandler(w http.ResponseWriter, r *http.Request) {
	user, err := a.store.GetUser(userID(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, user)
}

func (a *API) UpdateProfileHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DisplayName string `json:"displayName"`
		AvatarRef   string `json:"avatarRef"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if err := content.ValidateDisplayName(req.DisplayName); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	user, err := a.store.UpdateProfile(userID(r), req.DisplayName, req.AvatarRef)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, user)
}

func (a *API) SearchUsersHandler(w http.ResponseWriter, r *http.Request) {
	query := strings.TrimSpace(r.URL.Query().Get("q"))
	if query == "" {
		http.Error(w, "Query is required", http.StatusBadRequest)
		return
	}

	users, err := a.store.FindUsers(query)
	if err != nil {
		writeError(w, err)
		return
	}

	// The requester is not a useful search result for themselves.
	self := userID(r)
	filtered := users[:0]
	for _, u := range users {
		if u.ID != self {
			filtered = append(filtered, u)
		}
	}
	writeJSON(w, filtered)
}

func (a *API) CreateFriendRequestHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ReceiverID string `json:"receiverId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.ReceiverID == "" {
		http.Error(w, "Receiver is required", http.StatusBadRequest)
		return
	}

	request, err := a.friends.Request(userID(r), req.ReceiverID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, request)
}

func (a *API) PendingRequestsHandler(w http.ResponseWriter, r *http.Request) {
	pending, err := a.friends.Pending(userID(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, pending)
}

func (a *API) RespondFriendRequestHandler(w http.ResponseWriter, r *http.Request) {
	requestID, err := strconv.ParseUint(r.PathValue("id"), 10, 64)
	if err != nil {
		http.Error(w, "Invalid request id", http.StatusBadRequest)
		return
	}

	var req struct {
		Action string `json:"action"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if err := a.friends.Respond(requestID, userID(r), req.Action); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (a *API) FriendsHandler(w http.ResponseWriter, r *http.Request) {
	list, err := a.friends.Friends(userID(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, list)
}

func (a *API) ChatsHandler(w http.ResponseWriter, r *http.Request) {
	chats, err := a.chats.VisibleChats(userID(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, chats)
}

func (a *API) CreateGroupChatHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name           string   `json:"name"`
		ParticipantIDs []string `json:"participantIds"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	group, err := a.chats.CreateGroupChat(userID(r), req.Name, req.ParticipantIDs)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, group)
}

func (a *API) HistoryHandler(w http.ResponseWriter, r *http.Request) {
	history, err := a.chats.History(userID(r), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, history)
}

type uploadResponse struct {
	Ref  string                `json:"ref"`
	Kind models.AttachmentKind `json:"kind"`
}

func (a *API) UploadHandler(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)

	var src io.Reader = r.Body
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		file, _, err := r.FormFile("file")
		if err != nil {
			http.Error(w, "Invalid upload", http.StatusBadRequest)
			return
		}
		defer func() { _ = file.Close() }()
		src = file
	}

	// Classification needs the leading magic bytes, saving needs the whole
	// stream, so peek through a buffered reader.
	buffered := bufio.NewReader(src)
	head, err := buffered.Peek(262)
	if err != nil && err != io.EOF {
		http.Error(w, "Invalid upload", http.StatusBadRequest)
		return
	}
	if len(head) == 0 {
		http.Error(w, "Empty upload", http.StatusBadRequest)
		return
	}

	ref, err := a.files.Save(buffered)
	if err != nil {
		log.Printf("failed to save upload: %v", err)
		http.Error(w, "Failed to save upload", http.StatusInternalServerError)
		return
	}

	writeJSON(w, uploadResponse{Ref: ref, Kind: filestore.DetectKind(head)})
}

func (a *API) GetFileHandler(w http.ResponseWriter, r *http.Request) {
	rc, err := a.files.Get(r.PathValue("ref"))
	if err != nil {
		http.Error(w, "Not found", http.StatusNotFound)
		return
	}
	defer func() { _ = rc.Close() }()

	w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	if _, err := io.Copy(w, rc); err != nil {
		log.Printf("failed to stream file: %v", err)
	}
}
