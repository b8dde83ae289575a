// Package api is the HTTP surface: the inbound message webhook plus
// read-only task, journal and link views and lifecycle operations.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"flowdesk/pkg/fault"
	"flowdesk/pkg/flow"
	"flowdesk/pkg/journal"
	"flowdesk/pkg/link"
	"flowdesk/pkg/task"
)

// Deps are the collaborators the server exposes. Feed, Metrics and Limiter
// are optional.
type Deps struct {
	Engine  *flow.Engine
	Tasks   task.Store
	Journal journal.Store
	Feed    *journal.Bus
	Links   link.Store
	Metrics http.Handler
	Limiter *Limiter
	Logger  *slog.Logger
}

// Server is the HTTP API server.
type Server struct {
	engine  *flow.Engine
	life    *flow.Lifecycle
	tasks   task.Store
	journal journal.Store
	feed    *journal.Bus
	links   link.Store
	limiter *Limiter
	log     *slog.Logger
	mux     *http.ServeMux
	now     func() time.Time
}

// New creates a Server.
func New(d Deps) *Server {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	s := &Server{
		engine:  d.Engine,
		life:    d.Engine.Lifecycle(),
		tasks:   d.Tasks,
		journal: d.Journal,
		feed:    d.Feed,
		links:   d.Links,
		limiter: d.Limiter,
		log:     d.Logger.With("component", "api"),
		mux:     http.NewServeMux(),
		now:     time.Now,
	}
	s.routes(d.Metrics)
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) routes(metrics http.Handler) {
	// Inbound
	s.mux.HandleFunc("POST /api/messages", s.handleMessage)

	// Tasks
	s.mux.HandleFunc("GET /api/tasks", s.handleTaskList)
	s.mux.HandleFunc("GET /api/tasks/{id}", s.handleTaskGet)
	s.mux.HandleFunc("GET /api/tasks/{id}/journal", s.handleTaskJournal)

	// Lifecycle
	s.mux.HandleFunc("GET /api/identities/{identity}/resumable", s.handleResumable)
	s.mux.HandleFunc("POST /api/identities/{identity}/recover", s.handleRecover)
	s.mux.HandleFunc("POST /api/sweep", s.handleSweep)

	// Journal
	s.mux.HandleFunc("GET /api/journal", s.handleJournalList)
	s.mux.HandleFunc("GET /api/journal/stream", s.handleJournalStream)

	// Links
	s.mux.HandleFunc("GET /api/links", s.handleLinkList)
	s.mux.HandleFunc("GET /api/links/{id}", s.handleLinkGet)

	// System
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /api/status", s.handleStatus)
	if metrics != nil {
		s.mux.Handle("GET /metrics", metrics)
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warn("write json", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

// writeFault answers with the status matching err's kind.
func (s *Server) writeFault(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= 500 {
		s.log.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	s.writeError(w, status, err.Error())
}

func statusFor(err error) int {
	switch fault.KindOf(err) {
	case fault.Validation, fault.UnknownStep:
		return http.StatusBadRequest
	case fault.NotFound:
		return http.StatusNotFound
	case fault.Conflict, fault.Duplicate:
		return http.StatusConflict
	case fault.Timeout:
		return http.StatusGone
	case fault.Database:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func queryInt(r *http.Request, key string, defaultVal int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return defaultVal
	}
	return n
}
