package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/operatorhq/operator/internal/config"
)

// WebhookSink POSTs events as JSON to one endpoint. Credentials are read
// from the environment once, at construction, never at send time.
type WebhookSink struct {
	name   string
	url    string
	events []EventType
	bearer string
	basic  string // user:pass
	client *http.Client
}

// NewWebhookSink creates a webhook sink from one config entry. An empty
// URL yields a disabled sink.
func NewWebhookSink(cfg config.WebhookConfig) *WebhookSink {
	s := &WebhookSink{
		name:   cfg.Name,
		url:    cfg.URL,
		client: &http.Client{Timeout: 10 * time.Second},
	}
	for _, e := range cfg.Events {
		s.events = append(s.events, EventType(e))
	}
	if cfg.BearerEnv != "" {
		s.bearer = os.Getenv(cfg.BearerEnv)
	}
	if cfg.BasicEnv != "" {
		s.basic = os.Getenv(cfg.BasicEnv)
	}
	return s
}

func (s *WebhookSink) Name() string {
	if s.name != "" {
		return "webhook:" + s.name
	}
	return "webhook"
}

func (s *WebhookSink) Enabled() bool       { return s.url != "" }
func (s *WebhookSink) Events() []EventType { return s.events }

// webhookPayload is the wire shape: {event, timestamp, data}.
type webhookPayload struct {
	Event     EventType         `json:"event"`
	Timestamp time.Time         `json:"timestamp"`
	Data      map[string]string `json:"data"`
}

// Send POSTs the event. Non-2xx responses are errors so the dispatcher
// logs them.
func (s *WebhookSink) Send(ctx context.Context, event Event) error {
	data := make(map[string]string, len(event.Data)+2)
	for k, v := range event.Data {
		data[k] = v
	}
	data["title"] = event.Title
	data["message"] = event.Message

	body, err := json.Marshal(webhookPayload{Event: event.Type, Timestamp: event.Timestamp, Data: data})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.bearer != "" {
		req.Header.Set("Authorization", "Bearer "+s.bearer)
	} else if s.basic != "" {
		user, pass, _ := strings.Cut(s.basic, ":")
		req.SetBasicAuth(user, pass)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook returned %s", resp.Status)
	}
	return nil
}
