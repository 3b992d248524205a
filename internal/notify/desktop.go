package notify

import (
	"context"
	"fmt"
	"os/exec"
	"runtime"

	"github.com/operatorhq/operator/internal/config"
)

// DesktopSink raises OS notifications via the platform helper: osascript
// on macOS, notify-send elsewhere.
type DesktopSink struct {
	enabled bool
	sound   string
	goos    string
	run     func(ctx context.Context, name string, args ...string) error
}

// NewDesktopSink creates a desktop sink from config.
func NewDesktopSink(cfg config.DesktopConfig) *DesktopSink {
	return &DesktopSink{
		enabled: cfg.Enabled,
		sound:   cfg.Sound,
		goos:    runtime.GOOS,
		run: func(ctx context.Context, name string, args ...string) error {
			return exec.CommandContext(ctx, name, args...).Run()
		},
	}
}

func (s *DesktopSink) Name() string        { return "desktop" }
func (s *DesktopSink) Enabled() bool       { return s.enabled }
func (s *DesktopSink) Events() []EventType { return nil }

// Send shows the notification. The subtitle carries the event type so the
// user can tell a review request from a completion at a glance.
func (s *DesktopSink) Send(ctx context.Context, event Event) error {
	if s.goos == "darwin" {
		script := fmt.Sprintf("display notification %q with title %q subtitle %q",
			event.Message, event.Title, string(event.Type))
		if s.sound != "" {
			script += fmt.Sprintf(" sound name %q", s.sound)
		}
		return s.run(ctx, "osascript", "-e", script)
	}
	return s.run(ctx, "notify-send", event.Title, event.Message)
}
