package api

import (
	"net/http"

	"flowdesk/pkg/fault"
	"flowdesk/pkg/task"
)

func (s *Server) handleResumable(w http.ResponseWriter, r *http.Request) {
	identity := r.PathValue("identity")
	role := task.Role(r.URL.Query().Get("role"))
	typ := task.Type(r.URL.Query().Get("type"))
	if !role.Valid() || typ == "" {
		s.writeError(w, http.StatusBadRequest, "role and type are required")
		return
	}
	res, err := s.life.Resumable(r.Context(), identity, role, typ)
	if err != nil {
		s.writeFault(w, r, err)
		return
	}
	if res == nil {
		s.writeError(w, http.StatusNotFound, "no resumable task")
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleRecover(w http.ResponseWriter, r *http.Request) {
	t, err := s.life.Recover(r.Context(), r.PathValue("identity"))
	if err != nil {
		if k := fault.KindOf(err); k == fault.NotFound || k == fault.Timeout {
			s.writeError(w, statusFor(err), err.Error())
			return
		}
		s.writeFault(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request) {
	rep, err := s.life.Sweep(r.Context())
	if err != nil {
		s.writeFault(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, rep)
}
