package httpapi

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const maxWSConnections = 200

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Decision is one Send Pipeline gate outcome or dispatch event,
// broadcast live to connected admin clients (spec.md §9 enrichment:
// operators watching gate/dispatch decisions as they happen).
type Decision struct {
	Timestamp       time.Time `json:"timestamp"`
	QueuedMessageID string    `json:"queued_message_id"`
	UserID          string    `json:"user_id"`
	Gate            string    `json:"gate"`
	Outcome         string    `json:"outcome"`
	Detail          string    `json:"detail,omitempty"`
}

// DecisionHub is a single broadcaster shared by every connected
// WebSocket client, adapted from the teacher's MetricsHub
// (control_plane/ws_hub.go) from a per-tenant metrics poll to a
// fan-out of pipeline decisions pushed as they occur.
type DecisionHub struct {
	mu      sync.RWMutex
	clients map[*websocket.Conn]struct{}
}

func NewDecisionHub() *DecisionHub {
	return &DecisionHub{clients: make(map[*websocket.Conn]struct{})}
}

// ServeWS upgrades the request and registers the connection until it
// errors or the client disconnects.
func (h *DecisionHub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	h.mu.Lock()
	if len(h.clients) >= maxWSConnections {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.clients[conn] = struct{}{}
	h.mu.Unlock()

	defer h.unregister(conn)

	// Drain and discard any client->server frames; this stream is
	// read-only from the client's perspective. The read loop's only
	// purpose is noticing disconnects.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *DecisionHub) unregister(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[conn]; ok {
		delete(h.clients, conn)
		conn.Close()
	}
}

// Broadcast pushes d to every connected client, dropping any that
// don't accept the write within the deadline.
func (h *DecisionHub) Broadcast(d Decision) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for conn := range h.clients {
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteJSON(d); err != nil {
			go h.unregister(conn)
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *DecisionHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
