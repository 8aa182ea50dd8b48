package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"bloombridge/core/events"
)

const (
	wsWriteTimeout = 10 * time.Second
	// subscriberBuffer bounds the per-connection queue; slow consumers are
	// dropped rather than blocking the manager.
	subscriberBuffer = 64
)

// eventPayload is the wire form of a lifecycle event.
type eventPayload struct {
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
}

// Hub fans bridge lifecycle events out to websocket subscribers. It
// satisfies the events.Emitter interface so the manager publishes through it
// directly.
type Hub struct {
	mu   sync.Mutex
	subs map[chan eventPayload]struct{}
}

// NewHub constructs an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[chan eventPayload]struct{})}
}

// Emit delivers the event to every subscriber with capacity.
func (h *Hub) Emit(event events.Event) {
	if h == nil || event == nil {
		return
	}
	payload := eventPayload{Type: event.EventType(), Attributes: event.Attributes()}
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs {
		select {
		case sub <- payload:
		default:
			// Slow subscriber: drop the connection's queue entry. The feed is
			// observational; storage remains the source of truth.
		}
	}
}

func (h *Hub) subscribe() (chan eventPayload, func()) {
	sub := make(chan eventPayload, subscriberBuffer)
	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()
	cancel := func() {
		h.mu.Lock()
		delete(h.subs, sub)
		h.mu.Unlock()
	}
	return sub, cancel
}

func (s *Server) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	if s == nil || s.hub == nil {
		http.Error(w, "event feed unavailable", http.StatusServiceUnavailable)
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")
	if err := s.streamEvents(r.Context(), conn); err != nil {
		if status := websocket.CloseStatus(err); status == -1 {
			_ = conn.Close(websocket.StatusInternalError, "stream error")
		}
	}
}

func (s *Server) streamEvents(ctx context.Context, conn *websocket.Conn) error {
	updates, cancel := s.hub.subscribe()
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case payload := <-updates:
			if err := writeEvent(ctx, conn, payload); err != nil {
				return err
			}
		}
	}
}

func writeEvent(ctx context.Context, conn *websocket.Conn, payload eventPayload) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}
