package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/operatorhq/operator/internal/launcher"
	"github.com/operatorhq/operator/internal/schema"
	"github.com/operatorhq/operator/internal/ticket"
)

// errorBody is the uniform error envelope.
type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps the typed error taxonomy onto HTTP statuses: not-found
// to 404, conflicts to 409, builtin modification to 403, validation to 400.
func writeError(w http.ResponseWriter, err error) {
	status, code := http.StatusInternalServerError, "internal_error"
	var verr *schema.ValidationError
	switch {
	case errors.Is(err, ticket.ErrNotFound),
		errors.Is(err, schema.ErrTypeNotFound),
		errors.Is(err, schema.ErrCollectionNotFound):
		status, code = http.StatusNotFound, "not_found"
	case errors.Is(err, ticket.ErrAlreadyClaimed),
		errors.Is(err, schema.ErrDuplicateKey):
		status, code = http.StatusConflict, "conflict"
	case errors.Is(err, schema.ErrBuiltinReadOnly):
		status, code = http.StatusForbidden, "builtin_readonly"
	case errors.As(err, &verr):
		status, code = http.StatusBadRequest, "validation_failed"
	}
	writeJSON(w, status, errorBody{Error: code, Message: err.Error()})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	queued, _ := s.store.ListQueue()
	inProgress, _ := s.store.ListInProgress()
	completed, _ := s.store.ListCompleted()
	writeJSON(w, http.StatusOK, map[string]any{
		"version":     Version,
		"queued":      len(queued),
		"in_progress": len(inProgress),
		"completed":   len(completed),
		"agents":      len(s.sched.Agents()),
		"paused":      s.sched.Paused(),
	})
}

func (s *Server) handleListTypes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"issuetypes": s.reg.AllTypes()})
}

func (s *Server) handleGetType(w http.ResponseWriter, r *http.Request) {
	it, ok := s.reg.Get(r.PathValue("key"))
	if !ok {
		writeError(w, schema.ErrTypeNotFound)
		return
	}
	writeJSON(w, http.StatusOK, it)
}

func (s *Server) handleCreateType(w http.ResponseWriter, r *http.Request) {
	var it schema.IssueType
	if err := json.NewDecoder(r.Body).Decode(&it); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "bad_request", Message: "invalid JSON"})
		return
	}
	it.Source = schema.Source{Kind: schema.SourceUser}
	if err := s.reg.Register(&it); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, &it)
}

func (s *Server) handleUpdateType(w http.ResponseWriter, r *http.Request) {
	var it schema.IssueType
	if err := json.NewDecoder(r.Body).Decode(&it); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "bad_request", Message: "invalid JSON"})
		return
	}
	it.Key = r.PathValue("key")
	it.Source = schema.Source{Kind: schema.SourceUser}
	if err := s.reg.Update(&it); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, &it)
}

func (s *Server) handleDeleteType(w http.ResponseWriter, r *http.Request) {
	if err := s.reg.Delete(r.PathValue("key")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListCollections(w http.ResponseWriter, r *http.Request) {
	active := ""
	if c := s.reg.ActiveCollection(); c != nil {
		active = c.Name
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"collections": s.reg.AllCollections(),
		"active":      active,
	})
}

func (s *Server) handleActiveCollection(w http.ResponseWriter, r *http.Request) {
	c := s.reg.ActiveCollection()
	if c == nil {
		writeError(w, schema.ErrCollectionNotFound)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleActivateCollection(w http.ResponseWriter, r *http.Request) {
	if err := s.reg.ActivateCollection(r.PathValue("name")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"active": r.PathValue("name")})
}

// ticketCard is the kanban summary of one ticket.
type ticketCard struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Project  string `json:"project"`
	Summary  string `json:"summary"`
	Priority string `json:"priority"`
	Step     string `json:"step,omitempty"`
	Status   string `json:"status"`
}

func cards(tickets []*ticket.Ticket) []ticketCard {
	out := make([]ticketCard, 0, len(tickets))
	for _, t := range tickets {
		out = append(out, ticketCard{
			ID:       t.ID,
			Type:     t.Type,
			Project:  t.Project,
			Summary:  t.Summary,
			Priority: t.Priority,
			Step:     t.Step,
			Status:   string(t.Status),
		})
	}
	return out
}

func (s *Server) handleKanban(w http.ResponseWriter, r *http.Request) {
	queued, err := s.store.ListByPriority()
	if err != nil {
		writeError(w, err)
		return
	}
	inProgress, err := s.store.ListInProgress()
	if err != nil {
		writeError(w, err)
		return
	}
	completed, err := s.store.ListCompleted()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"queued":      cards(queued),
		"in_progress": cards(inProgress),
		"completed":   cards(completed),
	})
}

func (s *Server) handleQueueStatus(w http.ResponseWriter, r *http.Request) {
	queued, _ := s.store.ListQueue()
	inProgress, _ := s.store.ListInProgress()
	writeJSON(w, http.StatusOK, map[string]any{
		"queued":      len(queued),
		"in_progress": len(inProgress),
		"paused":      s.sched.Paused(),
	})
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	s.sched.Pause()
	writeJSON(w, http.StatusOK, map[string]bool{"paused": true})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	s.sched.Resume()
	writeJSON(w, http.StatusOK, map[string]bool{"paused": false})
}

func (s *Server) handleActiveAgents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"agents": s.sched.Agents()})
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	if err := s.sched.Approve(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"result": "approved"})
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Reason == "" {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "bad_request", Message: "a reason is required"})
		return
	}
	if err := s.sched.Reject(r.Context(), r.PathValue("id"), body.Reason); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"result": "rejected"})
}

// launchRequest mirrors launcher.Options for external callers.
type launchRequest struct {
	Provider string `json:"provider,omitempty"`
	Model    string `json:"model,omitempty"`
	YoloMode bool   `json:"yolo_mode,omitempty"`
	Wrapper  string `json:"wrapper,omitempty"`
}

// handleLaunch prepares a launch without starting the tmux session; the
// caller takes the PreparedLaunch record and runs it however it likes.
func (s *Server) handleLaunch(w http.ResponseWriter, r *http.Request) {
	var req launchRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	tk, err := s.store.FindTicket(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}

	prepared, err := s.launches.Prepare(r.Context(), tk, launcher.Options{
		Provider: req.Provider,
		Model:    req.Model,
		Yolo:     req.YoloMode,
		Docker:   req.Wrapper == "docker",
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, prepared)
}

// handleCompleteStep is the out-of-band completion signal from an external
// wrapper: advance the named step, completing the ticket on the terminal
// one.
func (s *Server) handleCompleteStep(w http.ResponseWriter, r *http.Request) {
	tk, err := s.store.FindTicket(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}

	it, ok := s.reg.Get(tk.Type)
	if !ok {
		writeError(w, schema.ErrTypeNotFound)
		return
	}
	current := tk.Step
	if current == "" && len(it.Steps) > 0 {
		current = it.Steps[0].Name
	}
	if step := r.PathValue("step"); step != current {
		writeJSON(w, http.StatusConflict, errorBody{
			Error:   "conflict",
			Message: "ticket " + tk.ID + " is on step " + current + ", not " + step,
		})
		return
	}

	next, advanced, err := s.store.AdvanceStep(tk)
	if err != nil {
		writeError(w, err)
		return
	}
	if !advanced {
		if err := s.store.CompleteTicket(tk); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"completed": true})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"completed": false, "next_step": next})
}
