// Package notify fans events out to configured sinks. Delivery is
// fire-and-forget: a slow or failing sink never blocks the supervisor.
package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/operatorhq/operator/internal/logging"
)

// EventType classifies what happened.
type EventType string

const (
	EventAgentStarted    EventType = "agent_started"
	EventStepCompleted   EventType = "step_completed"
	EventTicketCompleted EventType = "ticket_completed"
	EventTicketFailed    EventType = "ticket_failed"
	EventAwaitingInput   EventType = "awaiting_input"
	EventReviewRequested EventType = "review_requested"
)

// Event is one notification payload.
type Event struct {
	Type      EventType         `json:"event"`
	Title     string            `json:"title"`
	Message   string            `json:"message"`
	Timestamp time.Time         `json:"timestamp"`
	Data      map[string]string `json:"data,omitempty"`
}

// NewEvent builds an event stamped with the current time.
func NewEvent(kind EventType, title, message string, data map[string]string) Event {
	return Event{Type: kind, Title: title, Message: message, Timestamp: time.Now().UTC(), Data: data}
}

// Sink delivers events somewhere. Implementations must be safe for
// concurrent Send calls.
type Sink interface {
	Name() string
	Enabled() bool
	// Events is the filter set; empty means all events.
	Events() []EventType
	Send(ctx context.Context, event Event) error
}

// Dispatcher owns the sink registry.
type Dispatcher struct {
	mu    sync.RWMutex
	sinks []Sink
	wg    sync.WaitGroup
	log   *slog.Logger
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{log: logging.WithComponent("notify")}
}

// Register adds a sink.
func (d *Dispatcher) Register(s Sink) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sinks = append(d.sinks, s)
}

// Notify delivers the event to every enabled, matching sink, each on its
// own goroutine. Errors are logged and swallowed.
func (d *Dispatcher) Notify(event Event) {
	d.mu.RLock()
	sinks := make([]Sink, len(d.sinks))
	copy(sinks, d.sinks)
	d.mu.RUnlock()

	for _, s := range sinks {
		if !s.Enabled() || !matches(s.Events(), event.Type) {
			continue
		}
		d.wg.Add(1)
		go func(s Sink) {
			defer d.wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := s.Send(ctx, event); err != nil {
				d.log.Warn("notification delivery failed", "sink", s.Name(), "event", event.Type, "error", err)
			} else {
				d.log.Debug("notification delivered", "sink", s.Name(), "event", event.Type)
			}
		}(s)
	}
}

// Wait blocks until all in-flight deliveries finish. For shutdown and tests.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func matches(filter []EventType, kind EventType) bool {
	if len(filter) == 0 {
		return true
	}
	for _, f := range filter {
		if f == kind {
			return true
		}
	}
	return false
}
