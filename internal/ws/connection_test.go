package ws

import (
	"context"
	"errors"
	"testing"
	"time"

	"talktime/internal/models"
	"talktime/internal/registry"
)

type mockWS struct {
	readCh      chan models.ClientEvent
	writeCh     chan any
	closeCh     chan struct{}
	closed      bool
	errToReturn error
}

func newMockWS() *mockWS {
	return &mockWS{
		readCh:  make(chan models.ClientEvent, 10),
		writeCh: make(chan any, 10),
		closeCh: make(chan struct{}),
	}
}

func (m *mockWS) Close() error {
	if m.closed {
		return nil
	}
	m.closed = true
	close(m.closeCh)
	return nil
}

func (m *mockWS) WriteJSON(v any) error {
	if m.errToReturn != nil {
		return m.errToReturn
	}
	m.writeCh <- v
	return nil
}

func (m *mockWS) ReadJSON(v any) error {
	if m.errToReturn != nil {
		return m.errToReturn
	}
	select {
	case ev, ok := <-m.readCh:
		if !ok {
			return errors.New("closed")
		}
		if ptr, ok := v.(*models.ClientEvent); ok {
			*ptr = ev
		}
		return nil
	case <-m.closeCh:
		return errors.New("connection closed")
	}
}

type joinCall struct {
	userID string
	chatID string
}

type sendCall struct {
	senderID string
	chatID   string
	text     string
}

// mockChats records orchestrator calls and subscribes joined handles on the
// shared registry so published events reach the connection under test.
type mockChats struct {
	reg     *registry.Registry
	joinCh  chan joinCall
	sendCh  chan sendCall
	sendErr error
}

func newMockChats(reg *registry.Registry) *mockChats {
	return &mockChats{
		reg:    reg,
		joinCh: make(chan joinCall, 10),
		sendCh: make(chan sendCall, 10),
	}
}

func (m *mockChats) JoinRoom(h *registry.Handle, userID, chatID string) error {
	m.reg.Subscribe(h, chatID)
	m.joinCh <- joinCall{userID: userID, chatID: chatID}
	return nil
}

func (m *mockChats) SendMessage(senderID, chatID, text, attachmentRef string, attachmentKind models.AttachmentKind) (models.MessagePayload, error) {
	if m.sendErr != nil {
		return models.MessagePayload{}, m.sendErr
	}
	m.sendCh <- sendCall{senderID: senderID, chatID: chatID, text: text}
	return models.MessagePayload{
		Message: models.Message{ChatID: chatID, SenderID: senderID, Content: text},
	}, nil
}

func (m *mockChats) StartPrivateChat(userA, userB string) (models.Chat, bool, error) {
	return models.Chat{ID: "priv1", Kind: models.ChatKindPrivate}, true, nil
}

// recordingRegistry wraps a real registry to observe BindUser and Remove.
type recordingRegistry struct {
	reg      *registry.Registry
	bindCh   chan string
	removeCh chan struct{}
}

func newRecordingRegistry(reg *registry.Registry) *recordingRegistry {
	return &recordingRegistry{
		reg:      reg,
		bindCh:   make(chan string, 10),
		removeCh: make(chan struct{}, 10),
	}
}

func (r *recordingRegistry) NewHandle() *registry.Handle { return r.reg.NewHandle() }

func (r *recordingRegistry) BindUser(h *registry.Handle, userID string) {
	r.reg.BindUser(h, userID)
	r.bindCh <- userID
}

func (r *recordingRegistry) Remove(h *registry.Handle) {
	r.reg.Remove(h)
	r.removeCh <- struct{}{}
}

func recvWrite(t *testing.T, ws *mockWS) models.ServerEvent {
	t.Helper()
	select {
	case v := <-ws.writeCh:
		ev, ok := v.(models.ServerEvent)
		if !ok {
			t.Fatalf("WS received wrong type: %T", v)
		}
		return ev
	case <-time.After(1 * time.Second):
		t.Fatal("WS did not receive server event")
		return models.ServerEvent{}
	}
}

func TestConnection_Lifecycle(t *testing.T) {
	reg := registry.New()
	wrapped := newRecordingRegistry(reg)
	chats := newMockChats(reg)
	ws := newMockWS()

	conn := NewConnection(chats, wrapped, ws, "user1")
	if conn == nil {
		t.Fatal("NewConnection returned nil")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error)
	go func() {
		done <- conn.Handle(ctx)
	}()

	// 1. Join a room.
	ws.readCh <- models.ClientEvent{Type: models.ClientEventJoinRoom, ChatID: "chat1"}
	select {
	case call := <-chats.joinCh:
		if call.userID != "user1" || call.chatID != "chat1" {
			t.Errorf("JoinRoom received wrong call: %+v", call)
		}
	case <-time.After(1 * time.Second):
		t.Fatal("JoinRoom not called")
	}

	// 2. A publish on the joined room reaches the client.
	reg.Publish("chat1", models.ServerEvent{
		Type:    models.ServerEventReceiveMessage,
		ChatID:  "chat1",
		Message: &models.MessagePayload{Message: models.Message{Content: "hi"}},
	})
	ev := recvWrite(t, ws)
	if ev.Type != models.ServerEventReceiveMessage || ev.Message == nil || ev.Message.Content != "hi" {
		t.Errorf("WS received wrong event: %+v", ev)
	}

	// 3. Stop.
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Handle returned error: %v", err)
		}
	case <-time.After(1 * time.Second):
		t.Error("Handle did not return after cancel")
	}

	select {
	case <-wrapped.removeCh:
	default:
		t.Error("Remove not called on teardown")
	}
	if !ws.closed {
		t.Error("WS Close not called")
	}
}

func TestConnection_SendMessage(t *testing.T) {
	reg := registry.New()
	wrapped := newRecordingRegistry(reg)
	chats := newMockChats(reg)
	ws := newMockWS()

	conn := NewConnection(chats, wrapped, ws, "user1")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error)
	go func() {
		done <- conn.Handle(ctx)
	}()

	ws.readCh <- models.ClientEvent{
		Type:    models.ClientEventSendMessage,
		ChatID:  "chat1",
		Content: "hello",
	}
	select {
	case call := <-chats.sendCh:
		if call.senderID != "user1" || call.chatID != "chat1" || call.text != "hello" {
			t.Errorf("SendMessage received wrong call: %+v", call)
		}
	case <-time.After(1 * time.Second):
		t.Fatal("SendMessage not called")
	}

	// A payload claiming another sender is rejected before reaching the service.
	ws.readCh <- models.ClientEvent{
		Type:     models.ClientEventSendMessage,
		ChatID:   "chat1",
		SenderID: "someone-else",
		Content:  "spoofed",
	}
	ev := recvWrite(t, ws)
	if ev.Type != models.ServerEventError {
		t.Errorf("expected error event, got %+v", ev)
	}
	select {
	case call := <-chats.sendCh:
		t.Errorf("spoofed send reached the service: %+v", call)
	default:
	}

	// Service errors come back as error events, the connection stays up.
	chats.sendErr = models.ErrEmptyMessage
	ws.readCh <- models.ClientEvent{Type: models.ClientEventSendMessage, ChatID: "chat1"}
	ev = recvWrite(t, ws)
	if ev.Type != models.ServerEventError || ev.Error != models.ErrEmptyMessage.Error() {
		t.Errorf("expected empty message error event, got %+v", ev)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Handle returned error: %v", err)
		}
	case <-time.After(1 * time.Second):
		t.Error("Handle did not return after cancel")
	}
}

func TestConnection_StartPrivateChat(t *testing.T) {
	reg := registry.New()
	wrapped := newRecordingRegistry(reg)
	chats := newMockChats(reg)
	ws := newMockWS()

	conn := NewConnection(chats, wrapped, ws, "user1")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error)
	go func() {
		done <- conn.Handle(ctx)
	}()

	ws.readCh <- models.ClientEvent{
		Type:  models.ClientEventStartPrivateChat,
		UserA: "user1",
		UserB: "user2",
	}
	ev := recvWrite(t, ws)
	if ev.Type != models.ServerEventPrivateChatStarted || ev.ChatID != "priv1" {
		t.Errorf("expected private_chat_started for priv1, got %+v", ev)
	}

	// Starting a chat between two other users is refused.
	ws.readCh <- models.ClientEvent{
		Type:  models.ClientEventStartPrivateChat,
		UserA: "user2",
		UserB: "user3",
	}
	ev = recvWrite(t, ws)
	if ev.Type != models.ServerEventError {
		t.Errorf("expected error event, got %+v", ev)
	}

	cancel()
	<-done
}

func TestConnection_JoinUserRoom(t *testing.T) {
	reg := registry.New()
	wrapped := newRecordingRegistry(reg)
	chats := newMockChats(reg)
	ws := newMockWS()

	conn := NewConnection(chats, wrapped, ws, "user1")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error)
	go func() {
		done <- conn.Handle(ctx)
	}()

	ws.readCh <- models.ClientEvent{Type: models.ClientEventJoinUserRoom}
	select {
	case userID := <-wrapped.bindCh:
		if userID != "user1" {
			t.Errorf("bound wrong user: %s", userID)
		}
	case <-time.After(1 * time.Second):
		t.Fatal("BindUser not called")
	}

	// Direct notifications now reach this connection.
	reg.NotifyUser("user1", models.ServerEvent{
		Type:        models.ServerEventNewFriendRequest,
		SenderID:    "user2",
		DisplayName: "Second User",
	})
	ev := recvWrite(t, ws)
	if ev.Type != models.ServerEventNewFriendRequest || ev.SenderID != "user2" {
		t.Errorf("expected friend request notification, got %+v", ev)
	}

	// Binding someone else's identity is refused.
	ws.readCh <- models.ClientEvent{Type: models.ClientEventJoinUserRoom, UserID: "user9"}
	ev = recvWrite(t, ws)
	if ev.Type != models.ServerEventError {
		t.Errorf("expected error event, got %+v", ev)
	}

	cancel()
	<-done
}

func TestConnection_WSError(t *testing.T) {
	reg := registry.New()
	wrapped := newRecordingRegistry(reg)
	chats := newMockChats(reg)
	ws := newMockWS()

	conn := NewConnection(chats, wrapped, ws, "user2")

	ws.errToReturn = errors.New("read error")

	done := make(chan error)
	go func() {
		done <- conn.Handle(context.Background())
	}()

	select {
	case err := <-done:
		if err == nil {
			t.Error("Expected error from Handle, got nil")
		}
	case <-time.After(1 * time.Second):
		t.Error("Handle did not return on error")
	}

	if !ws.closed {
		t.Error("WS Close not called")
	}
}
