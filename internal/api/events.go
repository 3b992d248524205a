package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/operatorhq/operator/internal/logging"
	"github.com/operatorhq/operator/internal/notify"
)

// EventStream fans notification events out to websocket subscribers. It
// registers with the dispatcher as an always-on sink, so the REST stream
// and the configured sinks see the same events.
type EventStream struct {
	mu      sync.Mutex
	clients map[*streamClient]struct{}
}

type streamClient struct {
	conn *websocket.Conn
	send chan notify.Event
}

// NewEventStream creates an empty stream.
func NewEventStream() *EventStream {
	return &EventStream{clients: make(map[*streamClient]struct{})}
}

// Name implements notify.Sink.
func (s *EventStream) Name() string { return "api-stream" }

// Enabled implements notify.Sink; the stream is always on, it just may
// have no subscribers.
func (s *EventStream) Enabled() bool { return true }

// Events implements notify.Sink; an empty set subscribes to everything.
func (s *EventStream) Events() []notify.EventType { return nil }

// Send implements notify.Sink by queueing the event to every subscriber.
// Slow subscribers drop events rather than block the dispatcher.
func (s *EventStream) Send(_ context.Context, event notify.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.clients {
		select {
		case c.send <- event:
		default:
		}
	}
	return nil
}

func (s *EventStream) add(conn *websocket.Conn) *streamClient {
	c := &streamClient{conn: conn, send: make(chan notify.Event, 16)}
	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.mu.Unlock()
	return c
}

func (s *EventStream) remove(c *streamClient) {
	s.mu.Lock()
	delete(s.clients, c)
	s.mu.Unlock()
	close(c.send)
}

// Subscribers reports the current subscriber count.
func (s *EventStream) Subscribers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// handleEvents upgrades to a websocket and writes one JSON message per
// notification event until the client disconnects.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.stream == nil {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "not_found", Message: "event stream is not enabled"})
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.WithComponent("api").Error("websocket upgrade failed", "error", err)
		return
	}

	client := s.stream.add(conn)
	defer func() {
		s.stream.remove(client)
		_ = conn.Close()
	}()

	// Drain reads so close frames are processed.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				_ = conn.Close()
				return
			}
		}
	}()

	for event := range client.send {
		_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := conn.WriteJSON(event); err != nil {
			return
		}
	}
}
