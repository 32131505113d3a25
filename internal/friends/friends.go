// Package friends implements the request/accept/reject workflow that
// produces the friend graph. Durable state lives in the store; the only
// side channel is a best-effort live notification to the receiver.
package friends

import (
	"fmt"
	"log/slog"

	"talktime/internal/models"
)

type Store interface {
	CreateFriendRequest(senderID, receiverID string) (models.FriendRequest, error)
	PendingRequestsFor(userID string) ([]models.FriendRequest, error)
	ResolveFriendRequest(requestID uint64, responderID string, accept bool) error
	ListFriends(userID string) ([]models.User, error)
	GetUser(id string) (models.User, error)
}

type Notifier interface {
	NotifyUser(userID string, event models.ServerEvent)
}

const (
	ActionAccept = "accept"
	ActionReject = "reject"
)

type Service struct {
	store    Store
	notifier Notifier
}

func NewService(store Store, notifier Notifier) *Service {
	return &Service{store: store, notifier: notifier}
}

// Request creates a pending friend request and notifies the receiver's live
// connections. The store rejects a repeat of the same ordered pair; a request
// in the opposite direction is a distinct pair and is allowed.
func (s *Service) Request(senderID, receiverID string) (models.FriendRequest, error) {
	if senderID == receiverID {
		return models.FriendRequest{}, models.ErrSelfRequest
	}

	req, err := s.store.CreateFriendRequest(senderID, receiverID)
	if err != nil {
		return models.FriendRequest{}, err
	}

	sender, err := s.store.GetUser(senderID)
	if err != nil {
		// The request is already durable; deliver the notification without
		// the display name rather than failing the whole operation.
		slog.Warn("friend request sender lookup failed", "sender_id", senderID, "error", err)
	}
	s.notifier.NotifyUser(receiverID, models.ServerEvent{
		Type:        models.ServerEventNewFriendRequest,
		SenderID:    senderID,
		DisplayName: sender.DisplayName,
	})

	return req, nil
}

// Respond consumes a pending request. Only the receiver may respond, and the
// request is gone afterwards whatever the action was.
func (s *Service) Respond(requestID uint64, responderID, action string) error {
	switch action {
	case ActionAccept, ActionReject:
	default:
		return fmt.Errorf("unknown action %q: %w", action, models.ErrInvalidInput)
	}
	return s.store.ResolveFriendRequest(requestID, responderID, action == ActionAccept)
}

func (s *Service) Friends(userID string) ([]models.User, error) {
	return s.store.ListFriends(userID)
}

// PendingRequest carries the sender's profile alongside the request so
// callers can render "X wants to be your friend" without extra lookups.
type PendingRequest struct {
	models.FriendRequest
	Sender models.User `json:"sender"`
}

func (s *Service) Pending(userID string) ([]PendingRequest, error) {
	requests, err := s.store.PendingRequestsFor(userID)
	if err != nil {
		return nil, err
	}
	pending := make([]PendingRequest, 0, len(requests))
	for _, req := range requests {
		sender, err := s.store.GetUser(req.SenderID)
		if err != nil {
			return nil, err
		}
		pending = append(pending, PendingRequest{FriendRequest: req, Sender: sender})
	}
	return pending, nil
}
