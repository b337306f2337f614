// Package fanout keeps the registry of live sessions per user and broadcasts
// accepted mutations to every one of them, the originating session included.
package fanout

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"watchsync/internal/logging"
	"watchsync/internal/models"
)

const defaultBuffer = 64

// Publisher delivers an event to every live session of a user.
type Publisher interface {
	Publish(ctx context.Context, userID string, evt models.Event) error
}

type Session struct {
	ID       string
	UserID   string
	DeviceID string

	events chan models.Event
	once   sync.Once
}

// Events is closed when the session is unsubscribed or dropped for falling behind.
func (s *Session) Events() <-chan models.Event {
	return s.events
}

func (s *Session) close() {
	s.once.Do(func() { close(s.events) })
}

type Hub struct {
	mu       sync.Mutex
	sessions map[string]map[*Session]struct{}
	buffer   int
	log      *logging.Logger
}

func NewHub(log *logging.Logger) *Hub {
	if log == nil {
		log = logging.Nop()
	}
	return &Hub{sessions: map[string]map[*Session]struct{}{}, buffer: defaultBuffer, log: log}
}

func (h *Hub) SetBuffer(n int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if n > 0 {
		h.buffer = n
	}
}

func (h *Hub) Subscribe(userID, deviceID string) *Session {
	h.mu.Lock()
	defer h.mu.Unlock()
	s := &Session{ID: uuid.NewString(), UserID: userID, DeviceID: deviceID, events: make(chan models.Event, h.buffer)}
	set, ok := h.sessions[userID]
	if !ok {
		set = map[*Session]struct{}{}
		h.sessions[userID] = set
	}
	set[s] = struct{}{}
	h.log.Debugf("session %s subscribed user=%s device=%s total=%d", s.ID, userID, deviceID, len(set))
	return s
}

func (h *Hub) Unsubscribe(s *Session) {
	if s == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(s)
}

func (h *Hub) removeLocked(s *Session) {
	set, ok := h.sessions[s.UserID]
	if !ok {
		return
	}
	if _, ok := set[s]; !ok {
		return
	}
	delete(set, s)
	if len(set) == 0 {
		delete(h.sessions, s.UserID)
	}
	s.close()
	h.log.Debugf("session %s unsubscribed user=%s remaining=%d", s.ID, s.UserID, len(set))
}

// Publish never blocks on a slow session: a full buffer drops that session, which must
// reconnect and resynchronize.
func (h *Hub) Publish(_ context.Context, userID string, evt models.Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.sessions[userID] {
		select {
		case s.events <- evt:
		default:
			h.log.Warnf("session %s fell behind, dropping user=%s", s.ID, userID)
			h.removeLocked(s)
		}
	}
	return nil
}

func (h *Hub) Count(userID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions[userID])
}

// Close drops every session.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, set := range h.sessions {
		for s := range set {
			h.removeLocked(s)
		}
	}
}
