package control

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/relaymesh/webhook-relay/internal/logbuf"
)

const (
	writeWait    = 10 * time.Second
	pingPeriod   = 30 * time.Second
	statusPeriod = 5 * time.Second
)

// frame is the wire shape pushed to dashboard clients.
type frame struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// Hub upgrades dashboard connections and streams log records and status
// snapshots to them. Each connection gets its own writer goroutine fed by
// a ring subscription, so a slow client never blocks the pipeline.
type Hub struct {
	ring     *logbuf.Ring
	status   func() map[string]any
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[chan struct{}]struct{}
}

// NewHub builds a hub over the given log ring. status is called to build
// each status frame.
func NewHub(ring *logbuf.Ring, status func() map[string]any) *Hub {
	return &Hub{
		ring:   ring,
		status: status,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Read endpoints on this surface are origin-open; auth is the
			// API key, not the Origin header.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		conns: make(map[chan struct{}]struct{}),
	}
}

// NotifyStatus pushes a fresh status frame to every connected client.
func (h *Hub) NotifyStatus() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.conns {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func (h *Hub) register() chan struct{} {
	ch := make(chan struct{}, 1)
	h.mu.Lock()
	h.conns[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *Hub) unregister(ch chan struct{}) {
	h.mu.Lock()
	delete(h.conns, ch)
	h.mu.Unlock()
}

// ServeHTTP upgrades the request and streams until the client goes away.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response.
		return
	}
	defer conn.Close()

	logs, cancel := h.ring.Subscribe()
	defer cancel()

	statusPing := h.register()
	defer h.unregister(statusPing)

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	write := func(f frame) error {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		return conn.WriteJSON(f)
	}

	// Seed the client so the dashboard renders without waiting for traffic.
	if err := write(frame{Type: "status", Data: h.status()}); err != nil {
		return
	}
	for _, rec := range h.ring.Last(50) {
		if err := write(frame{Type: "log", Data: rec}); err != nil {
			return
		}
	}

	statusTicker := time.NewTicker(statusPeriod)
	defer statusTicker.Stop()
	pingTicker := time.NewTicker(pingPeriod)
	defer pingTicker.Stop()

	for {
		select {
		case <-closed:
			return
		case rec, ok := <-logs:
			if !ok {
				return
			}
			if err := write(frame{Type: "log", Data: rec}); err != nil {
				return
			}
		case <-statusPing:
			if err := write(frame{Type: "status", Data: h.status()}); err != nil {
				return
			}
		case <-statusTicker.C:
			if err := write(frame{Type: "status", Data: h.status()}); err != nil {
				return
			}
		case <-pingTicker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
