package ws

import (
	"encoding/json"
	"errors"
	"log"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/pixelbattle/backend/internal/metrics"
	"github.com/pixelbattle/backend/internal/session"
)

// ErrTooManyConnections is returned by Add when the configured connection
// limit is reached.
var ErrTooManyConnections = errors.New("too many connections")

// Hub owns the live client set, keyed by session id, and fans events out
// to it. Registration and removal may run concurrently with broadcast;
// broadcast iterates a snapshot, so a client vanishing mid-fan-out is
// simply skipped.
type Hub struct {
	mu       sync.RWMutex
	clients  map[string]*Client
	store    *session.Store
	metrics  *metrics.Metrics
	maxConns int
}

func NewHub(store *session.Store, m *metrics.Metrics, maxConns int) *Hub {
	return &Hub{
		clients:  make(map[string]*Client),
		store:    store,
		metrics:  m,
		maxConns: maxConns,
	}
}

// Add creates a session for the connection and registers both. A maxConns
// of 0 means unlimited.
func (h *Hub) Add(conn *websocket.Conn, remoteAddr string) (*Client, *session.Session, error) {
	h.mu.Lock()
	if h.maxConns > 0 && len(h.clients) >= h.maxConns {
		h.mu.Unlock()
		return nil, nil, ErrTooManyConnections
	}
	sess := session.NewSession(remoteAddr)
	c := newClient(sess.ID, conn, h)
	h.clients[sess.ID] = c
	h.mu.Unlock()

	h.store.Register(sess)
	h.metrics.OnlineSessions.Inc()
	return c, sess, nil
}

// Remove unregisters the client and its session. Safe to call more than
// once; only the first call tears anything down.
func (h *Hub) Remove(c *Client) {
	h.mu.Lock()
	existing, ok := h.clients[c.sessionID]
	if !ok || existing != c {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c.sessionID)
	h.mu.Unlock()

	c.close()
	h.store.Unregister(c.sessionID)
	h.metrics.OnlineSessions.Dec()
}

func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast serializes the event once and delivers it to every client
// except excludeID. Delivery is best-effort: a client whose queue is full
// or which is closing is skipped, never retried, and never blocks the
// others.
func (h *Hub) Broadcast(v interface{}, excludeID string) {
	data, err := json.Marshal(v)
	if err != nil {
		log.Printf("broadcast marshal error: %v", err)
		return
	}

	h.mu.RLock()
	targets := make([]*Client, 0, len(h.clients))
	for id, c := range h.clients {
		if id == excludeID {
			continue
		}
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		c.trySend(frame{websocket.TextMessage, data})
	}
	h.metrics.Broadcasts.Inc()
}

// ForEach visits a snapshot of the current clients.
func (h *Hub) ForEach(fn func(*Client)) {
	h.mu.RLock()
	targets := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		fn(c)
	}
}
