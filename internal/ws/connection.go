package ws

import (
	"context"
	"errors"
	"sync"

	"talktime/internal/models"
	"talktime/internal/registry"
)

type wsConnection interface {
	Close() error
	WriteJSON(v interface{}) error
	ReadJSON(v interface{}) error
}

type orchestrator interface {
	JoinRoom(h *registry.Handle, userID, chatID string) error
	SendMessage(senderID, chatID, text, attachmentRef string, attachmentKind models.AttachmentKind) (models.MessagePayload, error)
	StartPrivateChat(userA, userB string) (models.Chat, bool, error)
}

type roomRegistry interface {
	NewHandle() *registry.Handle
	BindUser(h *registry.Handle, userID string)
	Remove(h *registry.Handle)
}

// Connection owns one websocket for one authenticated user. A read pump and
// a single write loop run until either side fails or the context is
// canceled; teardown always clears the registry entries for this connection.
type Connection struct {
	ws         wsConnection
	chats      orchestrator
	registry   roomRegistry
	userID     string
	handle     *registry.Handle
	fromClient chan models.ClientEvent
	replies    chan models.ServerEvent
	errorCh    chan error
}

func NewConnection(
	chats orchestrator,
	reg roomRegistry,
	ws wsConnection,
	userID string,
) *Connection {
	return &Connection{
		ws:         ws,
		chats:      chats,
		registry:   reg,
		userID:     userID,
		handle:     reg.NewHandle(),
		fromClient: make(chan models.ClientEvent),
		replies:    make(chan models.ServerEvent, 16),
		errorCh:    make(chan error, 2),
	}
}

func (c *Connection) Handle(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		close(c.fromClient)
		close(c.errorCh)
		c.registry.Remove(c.handle)
	}()

	var wg sync.WaitGroup
	wg.Go(func() {
		c.errorCh <- c.pumpEvents(ctx)
		cancel()
	})

	wg.Go(func() {
		c.errorCh <- c.mainLoop(ctx)
		cancel()
	})

	var err error
	select {
	case err = <-c.errorCh:
	case <-ctx.Done():
	}
	c.ws.Close()
	wg.Wait()

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	return nil
}

func (c *Connection) pumpEvents(ctx context.Context) error {
	for {
		var ev models.ClientEvent
		if err := c.ws.ReadJSON(&ev); err != nil {
			return err
		}
		select {
		case c.fromClient <- ev:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// mainLoop is the only writer on the websocket. Events for the whole room
// arrive on the registry handle, direct replies on the replies channel;
// client events are processed in arrival order.
func (c *Connection) mainLoop(ctx context.Context) error {
	for {
		select {
		case ev := <-c.fromClient:
			if err := c.processClientEvent(ev); err != nil {
				return err
			}
		case ev := <-c.replies:
			if err := c.ws.WriteJSON(ev); err != nil {
				return err
			}
		case ev := <-c.handle.Events():
			if err := c.ws.WriteJSON(ev); err != nil {
				return err
			}
		case <-ctx.Done():
			return nil
		}
	}
}

func (c *Connection) processClientEvent(ev models.ClientEvent) error {
	switch ev.Type {
	case models.ClientEventJoinRoom:
		if ev.ChatID == "" {
			c.reply(errorEvent(models.ErrInvalidInput))
			return nil
		}
		if err := c.chats.JoinRoom(c.handle, c.userID, ev.ChatID); err != nil {
			c.reply(errorEvent(err))
		}

	case models.ClientEventSendMessage:
		// The sender is whoever authenticated this connection; a payload
		// claiming someone else is rejected.
		if ev.SenderID != "" && ev.SenderID != c.userID {
			c.reply(errorEvent(models.ErrForbidden))
			return nil
		}
		if ev.ChatID == "" {
			c.reply(errorEvent(models.ErrInvalidInput))
			return nil
		}
		if _, err := c.chats.SendMessage(c.userID, ev.ChatID, ev.Content, ev.AttachmentRef, ev.AttachmentKind); err != nil {
			c.reply(errorEvent(err))
		}

	case models.ClientEventStartPrivateChat:
		if c.userID != ev.UserA && c.userID != ev.UserB {
			c.reply(errorEvent(models.ErrForbidden))
			return nil
		}
		chat, _, err := c.chats.StartPrivateChat(ev.UserA, ev.UserB)
		if err != nil {
			c.reply(errorEvent(err))
			return nil
		}
		c.reply(models.ServerEvent{
			Type:   models.ServerEventPrivateChatStarted,
			ChatID: chat.ID,
		})

	case models.ClientEventJoinUserRoom:
		if ev.UserID != "" && ev.UserID != c.userID {
			c.reply(errorEvent(models.ErrForbidden))
			return nil
		}
		c.registry.BindUser(c.handle, c.userID)

	default:
		c.reply(errorEvent(models.ErrInvalidInput))
	}

	return nil
}

// reply queues a direct response for this connection only. A full queue
// drops the reply; the client will time out and retry rather than wedge the
// whole connection.
func (c *Connection) reply(ev models.ServerEvent) {
	select {
	case c.replies <- ev:
	default:
	}
}

func errorEvent(err error) models.ServerEvent {
	return models.ServerEvent{
		Type:  models.ServerEventError,
		Error: err.Error(),
	}
}
