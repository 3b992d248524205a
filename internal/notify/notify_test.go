package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/operatorhq/operator/internal/config"
)

// recordSink captures Send calls for assertions.
type recordSink struct {
	name    string
	enabled bool
	filter  []EventType
	err     error

	mu   sync.Mutex
	sent []Event
}

func (s *recordSink) Name() string        { return s.name }
func (s *recordSink) Enabled() bool       { return s.enabled }
func (s *recordSink) Events() []EventType { return s.filter }

func (s *recordSink) Send(_ context.Context, event Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, event)
	return s.err
}

func (s *recordSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

func TestNotify_FansOutToMatchingSinks(t *testing.T) {
	d := NewDispatcher()
	all := &recordSink{name: "all", enabled: true}
	reviews := &recordSink{name: "reviews", enabled: true, filter: []EventType{EventReviewRequested}}
	disabled := &recordSink{name: "off", enabled: false}
	d.Register(all)
	d.Register(reviews)
	d.Register(disabled)

	d.Notify(NewEvent(EventTicketCompleted, "Done", "FEAT-1 finished", nil))
	d.Notify(NewEvent(EventReviewRequested, "Review", "FEAT-2 plan ready", nil))
	d.Wait()

	if all.count() != 2 {
		t.Errorf("unfiltered sink received %d events, want 2", all.count())
	}
	if reviews.count() != 1 {
		t.Errorf("filtered sink received %d events, want 1", reviews.count())
	}
	if disabled.count() != 0 {
		t.Errorf("disabled sink received %d events, want 0", disabled.count())
	}
}

func TestNotify_SinkErrorNeverSurfaces(t *testing.T) {
	d := NewDispatcher()
	failing := &recordSink{name: "boom", enabled: true, err: errors.New("sink down")}
	healthy := &recordSink{name: "ok", enabled: true}
	d.Register(failing)
	d.Register(healthy)

	// Must not panic or block.
	d.Notify(NewEvent(EventTicketFailed, "Failed", "FIX-1 failed", nil))
	d.Wait()

	if healthy.count() != 1 {
		t.Errorf("healthy sink received %d events, want 1 despite sibling failure", healthy.count())
	}
}

func TestWebhookSink_Send(t *testing.T) {
	var got webhookPayload
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	t.Setenv("OPERATOR_TEST_WEBHOOK_TOKEN", "s3cret")
	sink := NewWebhookSink(config.WebhookConfig{
		Name:      "ci",
		URL:       srv.URL,
		BearerEnv: "OPERATOR_TEST_WEBHOOK_TOKEN",
	})

	event := NewEvent(EventStepCompleted, "Step done", "FEAT-1 build finished",
		map[string]string{"ticket_id": "FEAT-1"})
	if err := sink.Send(context.Background(), event); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if got.Event != EventStepCompleted {
		t.Errorf("payload event = %q, want step_completed", got.Event)
	}
	if got.Data["ticket_id"] != "FEAT-1" || got.Data["message"] != "FEAT-1 build finished" {
		t.Errorf("payload data = %v", got.Data)
	}
	if got.Timestamp.IsZero() {
		t.Error("payload timestamp is zero")
	}
	if auth != "Bearer s3cret" {
		t.Errorf("Authorization = %q, want bearer from env", auth)
	}
}

func TestWebhookSink_Non2xxIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	sink := NewWebhookSink(config.WebhookConfig{URL: srv.URL})
	if err := sink.Send(context.Background(), NewEvent(EventTicketFailed, "x", "y", nil)); err == nil {
		t.Error("Send() = nil error for 502 response")
	}
}

func TestWebhookSink_EmptyURLDisabled(t *testing.T) {
	sink := NewWebhookSink(config.WebhookConfig{Name: "unset"})
	if sink.Enabled() {
		t.Error("Enabled() = true for empty URL, want false")
	}
}

func TestDesktopSink_Disabled(t *testing.T) {
	sink := NewDesktopSink(config.DesktopConfig{Enabled: false})
	if sink.Enabled() {
		t.Error("Enabled() = true, want false")
	}
}

func TestDesktopSink_SoundName(t *testing.T) {
	var script string
	sink := NewDesktopSink(config.DesktopConfig{Enabled: true, Sound: "Glass"})
	sink.goos = "darwin"
	sink.run = func(_ context.Context, name string, args ...string) error {
		script = args[len(args)-1]
		return nil
	}
	if err := sink.Send(context.Background(), NewEvent(EventTicketCompleted, "done", "FEAT-1", nil)); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if !strings.Contains(script, `sound name "Glass"`) {
		t.Errorf("script = %q, want configured sound name", script)
	}

	// No sound configured means no sound clause at all.
	script = ""
	quiet := NewDesktopSink(config.DesktopConfig{Enabled: true})
	quiet.goos = "darwin"
	quiet.run = sink.run
	if err := quiet.Send(context.Background(), NewEvent(EventTicketCompleted, "done", "FEAT-1", nil)); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if strings.Contains(script, "sound name") {
		t.Errorf("script = %q, want no sound clause", script)
	}
}
