package api

import (
	"net/http"

	"flowdesk/pkg/link"
)

func (s *Server) handleLinkList(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if customer := r.URL.Query().Get("customer"); customer != "" {
		links, err := s.links.PendingFor(ctx, customer)
		if err != nil {
			s.writeFault(w, r, err)
			return
		}
		s.writeJSON(w, http.StatusOK, nonNil(links))
		return
	}
	provider := r.URL.Query().Get("provider")
	if provider == "" {
		s.writeError(w, http.StatusBadRequest, "provider or customer is required")
		return
	}
	links, err := s.links.ByProvider(ctx, provider, queryInt(r, "limit", 50))
	if err != nil {
		s.writeFault(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, nonNil(links))
}

func (s *Server) handleLinkGet(w http.ResponseWriter, r *http.Request) {
	l, err := s.links.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeFault(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, l)
}

func nonNil(links []link.Link) []link.Link {
	if links == nil {
		return []link.Link{}
	}
	return links
}
