package models

import (
	"errors"
	"time"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrForbidden        = errors.New("forbidden")
	ErrSelfRequest      = errors.New("cannot send a friend request to yourself")
	ErrDuplicateRequest = errors.New("friend request already exists")
	ErrEmptyMessage     = errors.New("message has no content and no attachment")
	ErrInvalidInput     = errors.New("invalid input")
)

// User represents a user in the system. Username is empty for accounts
// created through an external identity provider.
type User struct {
	ID          string `json:"id"`
	Username    string `json:"username,omitempty"`
	DisplayName string `json:"displayName"`
	AvatarRef   string `json:"avatarRef,omitempty"`
}

// FriendRequest is a pending request from Sender to Receiver. Accepted and
// rejected requests are deleted, so only pending rows ever exist.
type FriendRequest struct {
	ID         uint64    `json:"id"`
	SenderID   string    `json:"senderId"`
	ReceiverID string    `json:"receiverId"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Friendship is an undirected relation stored once per pair,
// with UserA < UserB.
type Friendship struct {
	UserA     string    `json:"userA"`
	UserB     string    `json:"userB"`
	CreatedAt time.Time `json:"createdAt"`
}

type ChatKind string

const (
	ChatKindPublic  ChatKind = "public"
	ChatKindPrivate ChatKind = "private"
	ChatKindGroup   ChatKind = "group"
)

// PublicChatID is the single process-wide public room, seeded at startup.
const PublicChatID = "global"

// Chat is a durable container of messages. Name is set for group chats only.
type Chat struct {
	ID        string    `json:"id"`
	Kind      ChatKind  `json:"kind"`
	Name      string    `json:"name,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

type AttachmentKind string

const (
	AttachmentKindNone  AttachmentKind = ""
	AttachmentKindImage AttachmentKind = "image"
	AttachmentKindVideo AttachmentKind = "video"
	AttachmentKindAudio AttachmentKind = "audio"
	AttachmentKindFile  AttachmentKind = "file"
)

// Message is immutable once stored. ID is assigned by the store and is
// monotonically increasing, so ascending ID equals ascending time.
type Message struct {
	ID             uint64         `json:"id"`
	ChatID         string         `json:"chatId"`
	SenderID       string         `json:"senderId"`
	Content        string         `json:"content,omitempty"`
	AttachmentRef  string         `json:"attachmentRef,omitempty"`
	AttachmentKind AttachmentKind `json:"attachmentKind,omitempty"`
	CreatedAt      time.Time      `json:"createdAt"`
}

// MessagePayload is a Message enriched with the sender's current profile,
// as broadcast to subscribers and returned by the history endpoint.
type MessagePayload struct {
	Message
	DisplayName string `json:"displayName"`
	AvatarRef   string `json:"avatarRef,omitempty"`
}

type ClientEventType string

const (
	ClientEventJoinRoom         ClientEventType = "join_room"
	ClientEventSendMessage      ClientEventType = "send_message"
	ClientEventStartPrivateChat ClientEventType = "start_private_chat"
	ClientEventJoinUserRoom     ClientEventType = "join_user_room"
)

// ClientEvent is the closed set of inbound socket events. Which fields are
// required depends on Type; the ws layer validates before dispatching.
type ClientEvent struct {
	Type           ClientEventType `json:"type"`
	ChatID         string          `json:"chatId,omitempty"`
	SenderID       string          `json:"senderId,omitempty"`
	Content        string          `json:"content,omitempty"`
	AttachmentRef  string          `json:"attachmentRef,omitempty"`
	AttachmentKind AttachmentKind  `json:"attachmentKind,omitempty"`
	UserA          string          `json:"userA,omitempty"`
	UserB          string          `json:"userB,omitempty"`
	UserID         string          `json:"userId,omitempty"`
}

type ServerEventType string

const (
	ServerEventReceiveMessage     ServerEventType = "receive_message"
	ServerEventPrivateChatStarted ServerEventType = "private_chat_started"
	ServerEventNewFriendRequest   ServerEventType = "new_friend_request"
	ServerEventError              ServerEventType = "error"
)

// ServerEvent is the closed set of outbound socket events.
type ServerEvent struct {
	Type        ServerEventType `json:"type"`
	ChatID      string          `json:"chatId,omitempty"`
	Message     *MessagePayload `json:"message,omitempty"`
	SenderID    string          `json:"senderId,omitempty"`
	DisplayName string          `json:"displayName,omitempty"`
	Error       string          `json:"error,omitempty"`
}
