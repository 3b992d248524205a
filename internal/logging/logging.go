// Package logging provides structured logging for the operator using Go's slog.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// contextKey is a type for context keys to avoid collisions.
type contextKey string

const (
	ticketIDKey  contextKey = "ticket_id"
	agentIDKey   contextKey = "agent_id"
	componentKey contextKey = "component"
	projectKey   contextKey = "project"
)

var (
	defaultLogger *slog.Logger
	loggerMu      sync.RWMutex
)

func init() {
	defaultLogger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
}

// Config holds logging configuration.
type Config struct {
	Level    string          `toml:"level"`    // debug, info, warn, error
	Format   string          `toml:"format"`   // json, text
	Output   string          `toml:"output"`   // stderr, stdout, file
	Rotation *RotationConfig `toml:"rotation"` // retention for file output
}

// RotationConfig holds log rotation settings for file output.
type RotationConfig struct {
	MaxSize    string `toml:"max_size"`    // e.g. "50MB"
	MaxAge     string `toml:"max_age"`     // e.g. "7d"
	MaxBackups int    `toml:"max_backups"` // number of rotated files to keep
}

// DefaultConfig returns sensible defaults for logging.
func DefaultConfig() *Config {
	return &Config{
		Level:  "info",
		Format: "text",
		Output: "stderr",
	}
}

// Init initializes the global logger. When cfg.Output is "file", logDir is
// where timestamped operator-<iso>.log files are written.
func Init(cfg *Config, logDir string) error {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	level := parseLevel(cfg.Level)
	writer, err := getWriter(cfg, logDir)
	if err != nil {
		return err
	}

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	var handler slog.Handler
	switch cfg.Format {
	case "json":
		handler = slog.NewJSONHandler(writer, opts)
	default:
		handler = slog.NewTextHandler(writer, opts)
	}

	loggerMu.Lock()
	defaultLogger = slog.New(handler)
	loggerMu.Unlock()

	return nil
}

// Suppress redirects all logging to io.Discard. Used while the TUI owns the
// terminal so log lines cannot corrupt the display.
func Suppress() {
	discardLogger := slog.New(slog.NewTextHandler(io.Discard, nil))

	loggerMu.Lock()
	defaultLogger = discardLogger
	loggerMu.Unlock()

	slog.SetDefault(discardLogger)
}

// LogFileName returns the timestamped log file name for a process start time.
func LogFileName(start time.Time) string {
	return "operator-" + start.UTC().Format("2006-01-02T15-04-05Z") + ".log"
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func getWriter(cfg *Config, logDir string) (io.Writer, error) {
	switch cfg.Output {
	case "stdout":
		return os.Stdout, nil
	case "stderr", "":
		return os.Stderr, nil
	case "file":
		name := filepath.Join(logDir, LogFileName(time.Now()))
		return newRotatingWriter(name, cfg.Rotation)
	default:
		// Any other value is an explicit file path.
		return newRotatingWriter(cfg.Output, cfg.Rotation)
	}
}

// Logger returns the global logger.
func Logger() *slog.Logger {
	loggerMu.RLock()
	defer loggerMu.RUnlock()
	return defaultLogger
}

// With returns a logger with additional attributes.
func With(args ...any) *slog.Logger {
	return Logger().With(args...)
}

// WithComponent returns a logger with a component attribute.
func WithComponent(component string) *slog.Logger {
	return Logger().With(slog.String("component", component))
}

// WithTicket returns a logger with ticket context.
func WithTicket(ticketID string) *slog.Logger {
	return Logger().With(slog.String("ticket_id", ticketID))
}

// WithAgent returns a logger with agent context.
func WithAgent(agentID string) *slog.Logger {
	return Logger().With(slog.String("agent_id", agentID))
}

// WithContext returns a logger with values from context.
func WithContext(ctx context.Context) *slog.Logger {
	logger := Logger()

	if ticketID := ctx.Value(ticketIDKey); ticketID != nil {
		logger = logger.With(slog.String("ticket_id", ticketID.(string)))
	}
	if agentID := ctx.Value(agentIDKey); agentID != nil {
		logger = logger.With(slog.String("agent_id", agentID.(string)))
	}
	if component := ctx.Value(componentKey); component != nil {
		logger = logger.With(slog.String("component", component.(string)))
	}
	if project := ctx.Value(projectKey); project != nil {
		logger = logger.With(slog.String("project", project.(string)))
	}

	return logger
}

// ContextWithTicketID adds a ticket ID to the context.
func ContextWithTicketID(ctx context.Context, ticketID string) context.Context {
	return context.WithValue(ctx, ticketIDKey, ticketID)
}

// ContextWithAgentID adds an agent ID to the context.
func ContextWithAgentID(ctx context.Context, agentID string) context.Context {
	return context.WithValue(ctx, agentIDKey, agentID)
}

// ContextWithComponent adds a component name to the context.
func ContextWithComponent(ctx context.Context, component string) context.Context {
	return context.WithValue(ctx, componentKey, component)
}

// ContextWithProject adds a project name to the context.
func ContextWithProject(ctx context.Context, project string) context.Context {
	return context.WithValue(ctx, projectKey, project)
}

// Debug logs at debug level.
func Debug(msg string, args ...any) {
	Logger().Debug(msg, args...)
}

// Info logs at info level.
func Info(msg string, args ...any) {
	Logger().Info(msg, args...)
}

// Warn logs at warn level.
func Warn(msg string, args ...any) {
	Logger().Warn(msg, args...)
}

// Error logs at error level.
func Error(msg string, args ...any) {
	Logger().Error(msg, args...)
}
