package api

import "net/http"

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if _, err := s.tasks.Count(r.Context()); err != nil {
		s.log.Warn("health check", "error", err)
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	taskCount, _ := s.tasks.Count(ctx)
	journalCount, _ := s.journal.Count(ctx)
	pendingLinks, _ := s.links.PendingCount(ctx)
	win := s.life.Windows()

	s.writeJSON(w, http.StatusOK, map[string]any{
		"tasks":           taskCount,
		"journal_entries": journalCount,
		"pending_links":   pendingLinks,
		"resume_window":   win.Resume.String(),
		"expire_window":   win.Expire.String(),
		"recovery_window": win.Recovery.String(),
	})
}
