// Package api serves the synchronous HTTP side-channel: queue inspection,
// enqueue, cancel, target status and named-task triggers.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sort"

	"github.com/user/cmdrelay/internal/queue"
	"github.com/user/cmdrelay/internal/state"
	"github.com/user/cmdrelay/internal/types"
)

// Issuer enqueues a command and delivers it when the target is online.
type Issuer interface {
	Issue(target, kind string, payload json.RawMessage) (types.Command, bool)
}

// Queue is the read and cancel surface of the command queue.
type Queue interface {
	ListAll(target string) []types.Command
	ListPending(target string) []types.Command
	Cancel(target string, id types.CommandID) (types.Command, error)
	Targets() []string
}

// Presence reports which targets are connected.
type Presence interface {
	IsOnline(name string) bool
	OnlineTargets() []string
}

// Server is the HTTP handler for the side-channel routes.
type Server struct {
	issuer   Issuer
	queue    Queue
	presence Presence
	tasks    *state.TaskStore
	mux      *http.ServeMux
}

// NewServer creates a Server. tasks may be nil, which disables the webhook
// trigger.
func NewServer(issuer Issuer, q Queue, presence Presence, tasks *state.TaskStore) *Server {
	s := &Server{
		issuer:   issuer,
		queue:    q,
		presence: presence,
		tasks:    tasks,
		mux:      http.NewServeMux(),
	}
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /api/targets", s.handleTargets)
	s.mux.HandleFunc("GET /api/targets/{target}/status", s.handleStatus)
	s.mux.HandleFunc("GET /api/targets/{target}/commands", s.handleList)
	s.mux.HandleFunc("POST /api/targets/{target}/commands", s.handleEnqueue)
	s.mux.HandleFunc("DELETE /api/targets/{target}/commands/{id}", s.handleCancel)
	s.mux.HandleFunc("POST /webhook/{name}", s.handleNamedTask)
	return s
}

// ServeHTTP delegates to the internal mux, implementing http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("write response failed", "error", err)
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// TargetSummary is one row of GET /api/targets.
type TargetSummary struct {
	Target  string `json:"target"`
	Online  bool   `json:"online"`
	Pending int    `json:"pending"`
	Total   int    `json:"total"`
}

func (s *Server) handleTargets(w http.ResponseWriter, r *http.Request) {
	names := make(map[string]struct{})
	for _, t := range s.queue.Targets() {
		names[t] = struct{}{}
	}
	for _, t := range s.presence.OnlineTargets() {
		names[t] = struct{}{}
	}

	result := make([]TargetSummary, 0, len(names))
	for name := range names {
		result = append(result, TargetSummary{
			Target:  name,
			Online:  s.presence.IsOnline(name),
			Pending: len(s.queue.ListPending(name)),
			Total:   len(s.queue.ListAll(name)),
		})
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Target < result[j].Target })
	writeJSON(w, http.StatusOK, result)
}

// TargetStatus is the body of GET /api/targets/{target}/status.
type TargetStatus struct {
	Target string `json:"target"`
	Online bool   `json:"online"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	target := r.PathValue("target")
	writeJSON(w, http.StatusOK, TargetStatus{Target: target, Online: s.presence.IsOnline(target)})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	target := r.PathValue("target")
	var cmds []types.Command
	if r.URL.Query().Get("pending") == "true" {
		cmds = s.queue.ListPending(target)
	} else {
		cmds = s.queue.ListAll(target)
	}
	if cmds == nil {
		cmds = []types.Command{}
	}
	writeJSON(w, http.StatusOK, cmds)
}

// EnqueueRequest is the body of POST /api/targets/{target}/commands.
type EnqueueRequest struct {
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// IssueResponse reports a created command and whether it reached the
// target.
type IssueResponse struct {
	Command   types.Command `json:"command"`
	Delivered bool          `json:"delivered"`
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	target := r.PathValue("target")
	var req EnqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Kind == "" {
		writeError(w, http.StatusBadRequest, "kind is required")
		return
	}

	cmd, delivered := s.issuer.Issue(target, req.Kind, req.Payload)
	writeJSON(w, http.StatusCreated, IssueResponse{Command: cmd, Delivered: delivered})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	target := r.PathValue("target")
	id := types.CommandID(r.PathValue("id"))

	cmd, err := s.queue.Cancel(target, id)
	switch {
	case errors.Is(err, queue.ErrUnknownCommand):
		writeError(w, http.StatusNotFound, "already executed or missing")
	case errors.Is(err, queue.ErrConflict):
		writeJSON(w, http.StatusConflict, map[string]any{
			"error":   "already executed or missing",
			"command": cmd,
		})
	case err != nil:
		slog.Error("cancel failed", "target", target, "command_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
	default:
		slog.Info("command canceled", "target", target, "command_id", id)
		writeJSON(w, http.StatusOK, cmd)
	}
}

// namedTaskRequest is the optional body for POST /webhook/{name}.
type namedTaskRequest struct {
	Payload json.RawMessage `json:"payload"`
}

func (s *Server) handleNamedTask(w http.ResponseWriter, r *http.Request) {
	if s.tasks == nil {
		writeError(w, http.StatusServiceUnavailable, "tasks not configured")
		return
	}
	name := r.PathValue("name")
	task, err := s.tasks.Get(name)
	if err != nil {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	if !task.Enabled {
		writeError(w, http.StatusForbidden, "task is disabled")
		return
	}

	payload := task.Payload
	// The body may override the stored payload.
	var body namedTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err == nil && len(body.Payload) > 0 {
		payload = body.Payload
	}

	cmd, delivered := s.issuer.Issue(task.Target, task.Kind, payload)
	slog.Info("task triggered via webhook", "task", name, "target", task.Target, "command_id", cmd.ID)
	writeJSON(w, http.StatusAccepted, IssueResponse{Command: cmd, Delivered: delivered})
}
