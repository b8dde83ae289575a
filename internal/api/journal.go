package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

func (s *Server) handleJournalList(w http.ResponseWriter, r *http.Request) {
	entries, err := s.journal.Recent(r.Context(), queryInt(r, "limit", 50))
	if err != nil {
		s.writeFault(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, entries)
}

// handleJournalStream pushes new journal entries as server-sent events.
func (s *Server) handleJournalStream(w http.ResponseWriter, r *http.Request) {
	if s.feed == nil {
		s.writeError(w, http.StatusServiceUnavailable, "journal stream not enabled")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	ch := s.feed.Subscribe()
	defer s.feed.Unsubscribe(ch)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-keepalive.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case e, ok := <-ch:
			if !ok {
				return
			}
			b, err := json.Marshal(e)
			if err != nil {
				s.log.Warn("encode journal entry", "id", e.ID, "error", err)
				continue
			}
			fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", e.ID, e.Type, b)
			flusher.Flush()
		}
	}
}
