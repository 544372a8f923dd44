package api

import (
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/sessionvault/sessionvault/internal/logging"
	"github.com/sessionvault/sessionvault/pkg/models"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// SessionEvent is one entry of the change feed.
type SessionEvent struct {
	Type    string          `json:"type"`
	Session *models.Session `json:"session"`
}

// Hub broadcasts session change events to websocket subscribers. It
// implements service.Notifier.
type Hub struct {
	log *logging.Logger

	mu   sync.Mutex
	subs map[*websocket.Conn]chan SessionEvent
}

// NewHub creates an event hub.
func NewHub(log *logging.Logger) *Hub {
	return &Hub{
		log:  log,
		subs: make(map[*websocket.Conn]chan SessionEvent),
	}
}

// SessionChanged broadcasts a session's new state. Slow subscribers drop
// events rather than blocking the mutating operation that fired them.
func (h *Hub) SessionChanged(s *models.Session) {
	event := SessionEvent{Type: "session-changed", Session: s}

	h.mu.Lock()
	defer h.mu.Unlock()
	for conn, ch := range h.subs {
		select {
		case ch <- event:
		default:
			h.log.Debug("event dropped for slow subscriber",
				zap.String("remote", conn.RemoteAddr().String()))
		}
	}
}

// HandleEvents handles GET /v1/events, upgrading to a websocket and streaming
// session changes until the client disconnects.
func (h *Hub) HandleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("event feed upgrade failed", zap.Error(err))
		return
	}

	ch := make(chan SessionEvent, 16)
	h.mu.Lock()
	h.subs[conn] = ch
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		delete(h.subs, conn)
		h.mu.Unlock()
		conn.Close()
	}()

	// Reader goroutine: only to notice the client going away.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			return
		case event := <-ch:
			if err := conn.WriteJSON(event); err != nil {
				return
			}
		}
	}
}
