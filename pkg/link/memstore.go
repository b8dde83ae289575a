package link

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"flowdesk/pkg/fault"
)

// MemStore is an in-process link store.
type MemStore struct {
	mu    sync.Mutex
	links map[string]*Link
	order []string
}

// NewMemStore creates an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{links: make(map[string]*Link)}
}

func (s *MemStore) EnsureTable(context.Context) error { return nil }

func (s *MemStore) Open(_ context.Context, provider, customer string) (*Link, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l := s.betweenLocked(provider, customer); l != nil {
		cp := *l
		return &cp, false, nil
	}
	l := &Link{
		ID:        uuid.Must(uuid.NewV7()).String(),
		Provider:  provider,
		Customer:  customer,
		Status:    Pending,
		CreatedAt: time.Now(),
	}
	s.links[l.ID] = l
	s.order = append(s.order, l.ID)
	cp := *l
	return &cp, true, nil
}

func (s *MemStore) Resolve(_ context.Context, id string, confirmed bool) (*Link, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.links[id]
	if !ok {
		return nil, fault.E(fault.NotFound, "link.resolve", ErrNotFound)
	}
	status := Declined
	if confirmed {
		status = Confirmed
	}
	switch l.Status {
	case Pending:
		now := time.Now()
		l.Status = status
		l.ResolvedAt = &now
	case status:
	default:
		return nil, fault.Errorf(fault.Conflict, "link.resolve", "link %s is %s: %w", id, l.Status, ErrResolved)
	}
	cp := *l
	return &cp, nil
}

func (s *MemStore) Get(_ context.Context, id string) (*Link, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.links[id]
	if !ok {
		return nil, fault.E(fault.NotFound, "link.get", ErrNotFound)
	}
	cp := *l
	return &cp, nil
}

func (s *MemStore) Between(_ context.Context, provider, customer string) (*Link, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l := s.betweenLocked(provider, customer); l != nil {
		cp := *l
		return &cp, nil
	}
	return nil, nil
}

func (s *MemStore) PendingFor(_ context.Context, customer string) ([]Link, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Link
	for _, id := range s.order {
		if l := s.links[id]; l.Customer == customer && l.Status == Pending {
			out = append(out, *l)
		}
	}
	return out, nil
}

func (s *MemStore) ByProvider(_ context.Context, provider string, limit int) ([]Link, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Link
	for _, id := range s.order {
		if l := s.links[id]; l.Provider == provider {
			out = append(out, *l)
		}
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemStore) PendingCount(context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, l := range s.links {
		if l.Status == Pending {
			n++
		}
	}
	return n, nil
}

func (s *MemStore) betweenLocked(provider, customer string) *Link {
	for _, l := range s.links {
		if l.Provider == provider && l.Customer == customer && (l.Status == Pending || l.Status == Confirmed) {
			return l
		}
	}
	return nil
}
