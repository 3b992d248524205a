// Package tmux drives the terminal multiplexer that hosts agent sessions.
// All calls shell out to the tmux binary; the command runner is injectable
// so tests never need a live server.
package tmux

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
)

// Session name prefixes. Production sessions are op-<ticket_id>; tests use
// a separate prefix so a crashed test run never collides with real agents.
const (
	SessionPrefix     = "op-"
	TestSessionPrefix = "optest-"
)

// Minimum supported tmux version. capture-pane and -F formats behave
// consistently from 3.2 on.
const (
	minMajor = 3
	minMinor = 2
)

var (
	// ErrNotInstalled means the tmux binary is not on PATH.
	ErrNotInstalled = errors.New("tmux is not installed")
	// ErrVersionTooOld means the installed tmux predates the minimum.
	ErrVersionTooOld = fmt.Errorf("tmux %d.%d or newer is required", minMajor, minMinor)
)

// Runner executes one external command and returns its combined output.
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// Client is a thin tmux wrapper scoped to one session-name prefix.
type Client struct {
	run    Runner
	prefix string
}

// NewClient creates a production client (op- prefix).
func NewClient() *Client {
	return &Client{run: execRunner, prefix: SessionPrefix}
}

// NewClientWithRunner creates a client with a custom runner and prefix.
func NewClientWithRunner(run Runner, prefix string) *Client {
	return &Client{run: run, prefix: prefix}
}

// SessionName returns the session name for a ticket.
func (c *Client) SessionName(ticketID string) string {
	return c.prefix + ticketID
}

var versionRe = regexp.MustCompile(`(\d+)\.(\d+)`)

// EnsureInstalled verifies tmux is present and at or above the minimum
// version.
func (c *Client) EnsureInstalled(ctx context.Context) error {
	out, err := c.run(ctx, "tmux", "-V")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNotInstalled, err)
	}
	m := versionRe.FindStringSubmatch(string(out))
	if m == nil {
		// Unparseable version strings (e.g. "tmux next-x") are let through;
		// only a clearly old version is rejected.
		return nil
	}
	major, _ := strconv.Atoi(m[1])
	minor, _ := strconv.Atoi(m[2])
	if major < minMajor || (major == minMajor && minor < minMinor) {
		return fmt.Errorf("%w, found %s", ErrVersionTooOld, strings.TrimSpace(string(out)))
	}
	return nil
}

// NewSession creates a detached session running the given command.
func (c *Client) NewSession(ctx context.Context, name, command string) error {
	if out, err := c.run(ctx, "tmux", "new-session", "-d", "-s", name, command); err != nil {
		return fmt.Errorf("failed to create session %s: %v: %s", name, err, strings.TrimSpace(string(out)))
	}
	return nil
}

// SessionExists reports whether a session with this exact name is live.
func (c *Client) SessionExists(ctx context.Context, name string) bool {
	_, err := c.run(ctx, "tmux", "has-session", "-t", "="+name)
	return err == nil
}

// KillSession terminates a session. Killing an absent session is not an
// error; the desired state is reached either way.
func (c *Client) KillSession(ctx context.Context, name string) error {
	if !c.SessionExists(ctx, name) {
		return nil
	}
	if out, err := c.run(ctx, "tmux", "kill-session", "-t", "="+name); err != nil {
		return fmt.Errorf("failed to kill session %s: %v: %s", name, err, strings.TrimSpace(string(out)))
	}
	return nil
}

// ListSessions returns the live session names carrying this client's prefix.
func (c *Client) ListSessions(ctx context.Context) ([]string, error) {
	out, err := c.run(ctx, "tmux", "list-sessions", "-F", "#{session_name}")
	if err != nil {
		// tmux exits nonzero when no server is running; that is just an
		// empty list.
		return nil, nil
	}
	var names []string
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		if strings.HasPrefix(line, c.prefix) {
			names = append(names, line)
		}
	}
	return names, nil
}

// CapturePane returns the visible pane content plus scrollback tail of a
// session's active pane.
func (c *Client) CapturePane(ctx context.Context, name string) (string, error) {
	out, err := c.run(ctx, "tmux", "capture-pane", "-p", "-t", "="+name, "-S", "-200")
	if err != nil {
		return "", fmt.Errorf("failed to capture pane for %s: %v", name, err)
	}
	return string(out), nil
}

// SendKeys types text into a session followed by Enter.
func (c *Client) SendKeys(ctx context.Context, name, text string) error {
	if out, err := c.run(ctx, "tmux", "send-keys", "-t", "="+name, text, "Enter"); err != nil {
		return fmt.Errorf("failed to send keys to %s: %v: %s", name, err, strings.TrimSpace(string(out)))
	}
	return nil
}

// PaneHash fingerprints captured pane output for silence detection. A
// changed hash means the agent (or the user) produced new output.
func PaneHash(output string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(output))
	return h.Sum64()
}

// ShellQuote single-quotes a string for safe interpolation into a POSIX
// shell command, handling embedded single quotes.
func ShellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
