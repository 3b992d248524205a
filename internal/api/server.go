// Package api exposes the operator control surface over HTTP: registry
// CRUD, queue and agent views, launch preparation for external hosts, and
// a websocket stream of notification events.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/operatorhq/operator/internal/config"
	"github.com/operatorhq/operator/internal/launcher"
	"github.com/operatorhq/operator/internal/logging"
	"github.com/operatorhq/operator/internal/schema"
	"github.com/operatorhq/operator/internal/supervisor"
	"github.com/operatorhq/operator/internal/ticket"
)

// Version is reported by /api/v1/status and the discovery file.
const Version = "0.1.0"

// Scheduler is the slice of the supervisor the API drives.
type Scheduler interface {
	Agents() []supervisor.AgentState
	Paused() bool
	Pause()
	Resume()
	Approve(ctx context.Context, ticketID string) error
	Reject(ctx context.Context, ticketID, reason string) error
}

// LaunchPreparer builds launch records without starting a session, so
// external hosts can run them under their own terminal.
type LaunchPreparer interface {
	Prepare(ctx context.Context, t *ticket.Ticket, opts launcher.Options) (*launcher.PreparedLaunch, error)
}

// Server is the operator REST server. It is safe for concurrent use.
type Server struct {
	cfg      *config.Config
	paths    config.Paths
	reg      *schema.Registry
	store    *ticket.Store
	sched    Scheduler
	launches LaunchPreparer
	stream   *EventStream
	upgrader websocket.Upgrader

	server  *http.Server
	mu      sync.Mutex
	running bool
}

// NewServer wires the API server. The stream may be nil when no event
// endpoint is wanted.
func NewServer(cfg *config.Config, paths config.Paths, reg *schema.Registry, store *ticket.Store,
	sched Scheduler, launches LaunchPreparer, stream *EventStream) *Server {
	return &Server{
		cfg:      cfg,
		paths:    paths,
		reg:      reg,
		store:    store,
		sched:    sched,
		launches: launches,
		stream:   stream,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				if origin == "" {
					return true
				}
				return strings.HasPrefix(origin, "http://localhost") ||
					strings.HasPrefix(origin, "http://127.0.0.1") ||
					strings.HasPrefix(origin, "https://localhost") ||
					strings.HasPrefix(origin, "https://127.0.0.1")
			},
		},
	}
}

// Handler builds the full route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/v1/health", s.handleHealth)
	// Bare alias for load balancers and the curious.
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /api/v1/status", s.handleStatus)

	mux.HandleFunc("GET /api/v1/issuetypes", s.handleListTypes)
	mux.HandleFunc("GET /api/v1/issuetypes/{key}", s.handleGetType)
	mux.HandleFunc("POST /api/v1/issuetypes", s.handleCreateType)
	mux.HandleFunc("PUT /api/v1/issuetypes/{key}", s.handleUpdateType)
	mux.HandleFunc("DELETE /api/v1/issuetypes/{key}", s.handleDeleteType)

	mux.HandleFunc("GET /api/v1/collections", s.handleListCollections)
	mux.HandleFunc("GET /api/v1/collections/active", s.handleActiveCollection)
	mux.HandleFunc("PUT /api/v1/collections/{name}/activate", s.handleActivateCollection)

	mux.HandleFunc("GET /api/v1/queue/kanban", s.handleKanban)
	mux.HandleFunc("GET /api/v1/queue/status", s.handleQueueStatus)
	mux.HandleFunc("POST /api/v1/queue/pause", s.handlePause)
	mux.HandleFunc("POST /api/v1/queue/resume", s.handleResume)

	mux.HandleFunc("GET /api/v1/agents/active", s.handleActiveAgents)
	mux.HandleFunc("POST /api/v1/agents/{id}/approve", s.handleApprove)
	mux.HandleFunc("POST /api/v1/agents/{id}/reject", s.handleReject)

	mux.HandleFunc("POST /api/v1/tickets/{id}/launch", s.handleLaunch)
	mux.HandleFunc("POST /api/v1/tickets/{id}/steps/{step}/complete", s.handleCompleteStep)

	mux.HandleFunc("GET /api/v1/events", s.handleEvents)

	return mux
}

// Start runs the server until the context ends. A discovery file with the
// bound port and pid is written for clients and removed on shutdown.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("api server already running")
	}
	s.running = true
	s.mu.Unlock()

	addr := fmt.Sprintf("%s:%d", s.cfg.API.Host, s.cfg.API.Port)
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	if err := s.writeSessionFile(); err != nil {
		logging.WithComponent("api").Warn("failed to write discovery file", "error", err)
	}
	logging.WithComponent("api").Info("api server starting", "addr", addr)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		s.removeSessionFile()
		return err
	case <-ctx.Done():
		return s.Shutdown()
	}
}

// Shutdown drains connections and removes the discovery file.
func (s *Server) Shutdown() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return nil
	}
	s.running = false
	s.removeSessionFile()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

// sessionRecord is the api-session.json discovery payload.
type sessionRecord struct {
	Port      int       `json:"port"`
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"started_at"`
	Version   string    `json:"version"`
}

func (s *Server) writeSessionFile() error {
	record := sessionRecord{
		Port:      s.cfg.API.Port,
		PID:       os.Getpid(),
		StartedAt: time.Now(),
		Version:   Version,
	}
	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.paths.APISessionFile(), data, 0o644)
}

func (s *Server) removeSessionFile() {
	if err := os.Remove(s.paths.APISessionFile()); err != nil && !os.IsNotExist(err) {
		logging.WithComponent("api").Warn("failed to remove discovery file", "error", err)
	}
}
