// Package registry tracks which live connections are subscribed to which
// room and which connections belong to which user. Subscription here is an
// ephemeral, per-connection concept and says nothing about durable chat
// membership; authorization happens before anything is subscribed.
package registry

import (
	"sync"

	"talktime/internal/models"
)

const handleBuffer = 100

// Handle is the delivery endpoint of one live connection. The connection
// layer drains Events; delivery never blocks on a slow or dead consumer.
type Handle struct {
	events chan models.ServerEvent
}

// Events is drained by the owning connection until the registry closes it.
func (h *Handle) Events() <-chan models.ServerEvent {
	return h.events
}

type subscriptions struct {
	rooms  map[string]struct{}
	userID string
}

// Registry is safe for concurrent use. Delivery to a handle only happens
// while the lock is held (read side), and a handle's channel is only closed
// while the lock is held (write side), so a publish can never race a close.
type Registry struct {
	mu    sync.RWMutex
	rooms map[string]map[*Handle]struct{}
	users map[string]map[*Handle]struct{}
	subs  map[*Handle]*subscriptions
}

func New() *Registry {
	return &Registry{
		rooms: make(map[string]map[*Handle]struct{}),
		users: make(map[string]map[*Handle]struct{}),
		subs:  make(map[*Handle]*subscriptions),
	}
}

// NewHandle registers a fresh connection handle. The caller must pair it
// with a Remove on teardown.
func (r *Registry) NewHandle() *Handle {
	h := &Handle{events: make(chan models.ServerEvent, handleBuffer)}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.subs[h] = &subscriptions{rooms: make(map[string]struct{})}
	return h
}

// Subscribe adds the handle to the subscriber set of chatID.
func (r *Registry) Subscribe(h *Handle, chatID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub, ok := r.subs[h]
	if !ok {
		// Already removed; a late subscribe from a dying connection is a no-op.
		return
	}
	sub.rooms[chatID] = struct{}{}

	room := r.rooms[chatID]
	if room == nil {
		room = make(map[*Handle]struct{})
		r.rooms[chatID] = room
	}
	room[h] = struct{}{}
}

// BindUser attaches the handle to a user identity for direct notifications.
func (r *Registry) BindUser(h *Handle, userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub, ok := r.subs[h]
	if !ok {
		return
	}
	if sub.userID == userID {
		return
	}
	if sub.userID != "" {
		r.unbindUserLocked(h, sub.userID)
	}
	sub.userID = userID

	conns := r.users[userID]
	if conns == nil {
		conns = make(map[*Handle]struct{})
		r.users[userID] = conns
	}
	conns[h] = struct{}{}
}

// Publish delivers the event to every current subscriber of chatID.
// Delivery is best-effort: a full buffer means the event is dropped for that
// connection only.
func (r *Registry) Publish(chatID string, event models.ServerEvent) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for h := range r.rooms[chatID] {
		h.deliver(event)
	}
}

// NotifyUser delivers the event to every connection bound to userID.
func (r *Registry) NotifyUser(userID string, event models.ServerEvent) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for h := range r.users[userID] {
		h.deliver(event)
	}
}

// Remove clears the handle from every subscriber set and closes its channel.
// Called exactly once per handle, on connection teardown.
func (r *Registry) Remove(h *Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub, ok := r.subs[h]
	if !ok {
		return
	}
	for chatID := range sub.rooms {
		delete(r.rooms[chatID], h)
		if len(r.rooms[chatID]) == 0 {
			delete(r.rooms, chatID)
		}
	}
	if sub.userID != "" {
		r.unbindUserLocked(h, sub.userID)
	}
	delete(r.subs, h)
	close(h.events)
}

func (r *Registry) unbindUserLocked(h *Handle, userID string) {
	delete(r.users[userID], h)
	if len(r.users[userID]) == 0 {
		delete(r.users, userID)
	}
}

func (h *Handle) deliver(event models.ServerEvent) {
	select {
	case h.events <- event:
	default:
		// Slow consumer, drop rather than block everyone else.
	}
}
