package httpapi

import (
	"context"
	"log"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/you/lampbot/internal/engine"
	"github.com/you/lampbot/internal/metrics"
)

const (
	clientBuffer = 64
	writeTimeout = 5 * time.Second
)

// Hub fans announcements out to websocket subscribers. It implements
// engine.Publisher; slow subscribers lose events instead of blocking the
// engine.
type Hub struct {
	metrics *metrics.Metrics

	mu      sync.Mutex
	clients map[chan engine.Event]struct{}
	closed  bool
}

func NewHub(m *metrics.Metrics) *Hub {
	return &Hub{metrics: m, clients: make(map[chan engine.Event]struct{})}
}

func (h *Hub) Publish(ev engine.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for ch := range h.clients {
		select {
		case ch <- ev:
		default:
			h.metrics.IncBroadcastDrops()
		}
	}
}

func (h *Hub) subscribe() (chan engine.Event, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, false
	}
	ch := make(chan engine.Event, clientBuffer)
	h.clients[ch] = struct{}{}
	h.metrics.IncWSClients(1)
	return ch, true
}

func (h *Hub) unsubscribe(ch chan engine.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[ch]; !ok {
		return
	}
	delete(h.clients, ch)
	close(ch)
	h.metrics.IncWSClients(-1)
}

// Clients reports the number of connected subscribers.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for ch := range h.clients {
		delete(h.clients, ch)
		close(ch)
		h.metrics.IncWSClients(-1)
	}
}

// handleEvents streams engine events. With APIToken set, the token comes
// as a bearer header or, for browsers, as the token query parameter.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.opts.APIToken != "" && !s.authorized(r) && !s.queryToken(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	ch, ok := s.hub.subscribe()
	if !ok {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}
	defer s.hub.unsubscribe(ch)

	conn, err := websocket.Accept(baseWriter(w), r, nil)
	if err != nil {
		log.Printf("ws accept: %v", err)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "")

	// Subscribers never send; CloseRead handles pings and the close frame.
	ctx := conn.CloseRead(r.Context())
	ticker := time.NewTicker(20 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := conn.Ping(pctx)
			cancel()
			if err != nil {
				return
			}
		case ev, ok := <-ch:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "shutting down")
				return
			}
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := wsjson.Write(wctx, conn, ev)
			cancel()
			if err != nil {
				return
			}
		}
	}
}
