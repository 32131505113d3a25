// Package chat orchestrates message fan-out and chat lifecycle. The one
// ordering rule everything else hangs off: a message is durably stored
// before it is broadcast, so no subscriber ever sees a message the store
// could still lose, and broadcast order follows store-assigned ids.
package chat

import (
	"fmt"
	"iter"
	"strings"

	"talktime/internal/content"
	"talktime/internal/models"
	"talktime/internal/registry"
)

type Store interface {
	GetChat(id string) (models.Chat, error)
	IsParticipant(chatID, userID string) (bool, error)
	AppendMessage(chatID, senderID, content, attachmentRef string, attachmentKind models.AttachmentKind) (models.Message, error)
	GetUser(id string) (models.User, error)
	CreatePrivateChat(userA, userB string) (models.Chat, bool, error)
	CreateGroupChat(name string, participantIDs []string) (models.Chat, error)
	ChatsVisibleTo(userID string) ([]models.Chat, error)
	Messages(chatID string) iter.Seq2[models.Message, error]
}

type Rooms interface {
	Subscribe(h *registry.Handle, chatID string)
	Publish(chatID string, event models.ServerEvent)
}

type Service struct {
	store Store
	rooms Rooms
}

func NewService(store Store, rooms Rooms) *Service {
	return &Service{store: store, rooms: rooms}
}

// authorize returns nil if the user may see the chat: public chats are open
// to everyone, private and group chats to participants only.
func (s *Service) authorize(userID, chatID string) error {
	chat, err := s.store.GetChat(chatID)
	if err != nil {
		return err
	}
	if chat.Kind == models.ChatKindPublic {
		return nil
	}
	ok, err := s.store.IsParticipant(chatID, userID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("user %s is not a participant of chat %s: %w", userID, chatID, models.ErrForbidden)
	}
	return nil
}

// JoinRoom subscribes the connection to live broadcasts for the chat after
// a membership check.
func (s *Service) JoinRoom(h *registry.Handle, userID, chatID string) error {
	if err := s.authorize(userID, chatID); err != nil {
		return err
	}
	s.rooms.Subscribe(h, chatID)
	return nil
}

// SendMessage persists the message, re-reads the sender's profile and only
// then broadcasts to the chat's current subscribers. A store failure aborts
// the whole operation; nothing is ever broadcast for it.
func (s *Service) SendMessage(senderID, chatID, text, attachmentRef string, attachmentKind models.AttachmentKind) (models.MessagePayload, error) {
	text = strings.TrimSpace(content.Sanitize(text))
	if text == "" && attachmentRef == "" {
		return models.MessagePayload{}, models.ErrEmptyMessage
	}
	if attachmentRef == "" {
		attachmentKind = models.AttachmentKindNone
	} else {
		switch attachmentKind {
		case models.AttachmentKindImage, models.AttachmentKindVideo,
			models.AttachmentKindAudio, models.AttachmentKindFile:
		default:
			return models.MessagePayload{}, fmt.Errorf("unknown attachment kind %q: %w", attachmentKind, models.ErrInvalidInput)
		}
	}

	msg, err := s.store.AppendMessage(chatID, senderID, text, attachmentRef, attachmentKind)
	if err != nil {
		return models.MessagePayload{}, err
	}

	// Fresh read so profile updates show up in subsequent messages.
	sender, err := s.store.GetUser(senderID)
	if err != nil {
		return models.MessagePayload{}, err
	}

	payload := models.MessagePayload{
		Message:     msg,
		DisplayName: sender.DisplayName,
		AvatarRef:   sender.AvatarRef,
	}
	s.rooms.Publish(chatID, models.ServerEvent{
		Type:    models.ServerEventReceiveMessage,
		ChatID:  chatID,
		Message: &payload,
	})
	return payload, nil
}

// StartPrivateChat returns the private chat for the pair, creating it on
// first use. Both argument orders and concurrent calls converge on the same
// chat; the store serializes creation on the canonical pair.
func (s *Service) StartPrivateChat(userA, userB string) (models.Chat, bool, error) {
	if userA == userB {
		return models.Chat{}, false, fmt.Errorf("private chat requires two distinct users: %w", models.ErrInvalidInput)
	}
	return s.store.CreatePrivateChat(userA, userB)
}

// CreateGroupChat validates the input, deduplicates the participant list and
// always includes the creator.
func (s *Service) CreateGroupChat(creatorID, name string, participantIDs []string) (models.Chat, error) {
	if strings.TrimSpace(name) == "" {
		return models.Chat{}, fmt.Errorf("group name is required: %w", models.ErrInvalidInput)
	}
	if len(participantIDs) == 0 {
		return models.Chat{}, fmt.Errorf("group needs at least one participant: %w", models.ErrInvalidInput)
	}

	seen := map[string]bool{creatorID: true}
	members := []string{creatorID}
	for _, id := range participantIDs {
		if seen[id] {
			continue
		}
		seen[id] = true
		members = append(members, id)
	}

	return s.store.CreateGroupChat(strings.TrimSpace(name), members)
}

// VisibleChats lists every chat the user may open: all public chats plus
// the chats they participate in.
func (s *Service) VisibleChats(userID string) ([]models.Chat, error) {
	return s.store.ChatsVisibleTo(userID)
}

// History returns the chat's messages in ascending time order, enriched with
// each sender's current profile, after the same membership check as JoinRoom.
func (s *Service) History(userID, chatID string) ([]models.MessagePayload, error) {
	if err := s.authorize(userID, chatID); err != nil {
		return nil, err
	}

	senders := make(map[string]models.User)
	var history []models.MessagePayload
	for msg, err := range s.store.Messages(chatID) {
		if err != nil {
			return nil, err
		}
		sender, ok := senders[msg.SenderID]
		if !ok {
			var err error
			sender, err = s.store.GetUser(msg.SenderID)
			if err != nil {
				return nil, err
			}
			senders[msg.SenderID] = sender
		}
		history = append(history, models.MessagePayload{
			Message:     msg,
			DisplayName: sender.DisplayName,
			AvatarRef:   sender.AvatarRef,
		})
	}
	return history, nil
}
