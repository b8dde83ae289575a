package api

import (
	"errors"
	"net/http"

	"flowdesk/pkg/fault"
	"flowdesk/pkg/task"
)

func (s *Server) handleTaskList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := task.Filter{
		Identity: q.Get("identity"),
		Role:     task.Role(q.Get("role")),
		Status:   task.Status(q.Get("status")),
		Limit:    queryInt(r, "limit", 50),
	}
	if f.Role != "" && !f.Role.Valid() {
		s.writeError(w, http.StatusBadRequest, "unknown role")
		return
	}
	tasks, err := s.tasks.List(r.Context(), f)
	if err != nil {
		s.writeFault(w, r, err)
		return
	}
	if tasks == nil {
		tasks = []task.Task{}
	}
	s.writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) handleTaskGet(w http.ResponseWriter, r *http.Request) {
	t, err := s.tasks.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeFault(w, r, notFound(err))
		return
	}
	s.writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleTaskJournal(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.tasks.Get(r.Context(), id); err != nil {
		s.writeFault(w, r, notFound(err))
		return
	}
	entries, err := s.journal.ByTask(r.Context(), id, queryInt(r, "limit", 200))
	if err != nil {
		s.writeFault(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, entries)
}

// notFound classifies a bare task.ErrNotFound coming from a store that does
// not tag its errors.
func notFound(err error) error {
	if fault.KindOf(err) == fault.Unknown && errors.Is(err, task.ErrNotFound) {
		return fault.E(fault.NotFound, "api", err)
	}
	return err
}
