package events

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	subscriberBuffer = 64
	writeWait        = 10 * time.Second
	pingPeriod       = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// subscriber is one websocket client. Only its writer goroutine touches
// conn for writing; gorilla/websocket does not allow concurrent writers.
type subscriber struct {
	conn *websocket.Conn
	send chan Event
}

// Hub broadcasts events to websocket subscribers. A subscriber that cannot
// keep up loses events rather than slowing down transfers.
type Hub struct {
	mu      sync.RWMutex
	subs    map[*subscriber]struct{}
	dropped atomic.Int64
	log     zerolog.Logger
}

// NewHub creates an empty hub.
func NewHub(log zerolog.Logger) *Hub {
	return &Hub{subs: make(map[*subscriber]struct{}), log: log}
}

// Publish queues ev for every subscriber without blocking.
func (h *Hub) Publish(_ context.Context, ev Event) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for s := range h.subs {
		select {
		case s.send <- ev:
		default:
			h.dropped.Add(1)
		}
	}
	return nil
}

// Subscribers returns the number of connected clients.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Dropped returns how many events were discarded for slow subscribers.
func (h *Hub) Dropped() int64 {
	return h.dropped.Load()
}

// ServeHTTP upgrades the request and streams events until the client goes away.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("websocket upgrade")
		return
	}
	conn.SetReadLimit(4096)

	s := &subscriber{conn: conn, send: make(chan Event, subscriberBuffer)}
	h.mu.Lock()
	h.subs[s] = struct{}{}
	h.mu.Unlock()

	done := make(chan struct{})
	go h.writeLoop(s, done)

	// Clients only ever send control frames; the read loop exists to notice
	// when they disconnect.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.Debug().Err(err).Msg("websocket read")
			}
			break
		}
	}

	h.mu.Lock()
	delete(h.subs, s)
	h.mu.Unlock()
	close(done)
	conn.Close()
}

func (h *Hub) writeLoop(s *subscriber, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case ev := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteJSON(ev); err != nil {
				s.conn.Close()
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.conn.Close()
				return
			}
		}
	}
}
