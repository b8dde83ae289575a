package api

import (
	"encoding/json"
	"net/http"

	"flowdesk/pkg/fault"
	"flowdesk/pkg/flow"
)

// handleMessage is the inbound webhook. Replies are delivered through the
// messaging sink; the response body echoes them for gateways that prefer
// synchronous replies.
func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	var in flow.Inbound
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&in); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if !s.limiter.Allow(string(in.Role)+"|"+in.Identity, s.now()) {
		w.Header().Set("Retry-After", "1")
		s.writeError(w, http.StatusTooManyRequests, "slow down")
		return
	}

	reply, err := s.engine.Handle(r.Context(), in)
	if err != nil {
		status := statusFor(err)
		if status >= 500 {
			s.log.Error("handle message", "identity", in.Identity, "role", in.Role, "error", err)
		}
		s.writeJSON(w, status, map[string]any{
			"error":    fault.KindOf(err).String(),
			"messages": reply.Messages,
		})
		return
	}
	s.writeJSON(w, http.StatusOK, reply)
}
