package record

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"flowdesk/pkg/fault"
	"flowdesk/pkg/task"
)

// MemStore is an in-process Capability for one role.
type MemStore struct {
	mu      sync.Mutex
	role    task.Role
	mapping Mapping
	byID    map[string]*Record // identity -> record

	// Fail, when set, is returned (wrapped as a database fault) by every call.
	Fail error
}

// NewMemStore creates an empty MemStore serving role.
func NewMemStore(role task.Role) *MemStore {
	return &MemStore{role: role, mapping: Mappings[role], byID: make(map[string]*Record)}
}

func (s *MemStore) check(op string) error {
	if s.Fail != nil {
		return fault.E(fault.Database, op, s.Fail)
	}
	return nil
}

func (s *MemStore) Create(_ context.Context, r Record) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("record.create"); err != nil {
		return nil, err
	}
	if _, ok := s.byID[r.Identity]; ok {
		return nil, fault.Errorf(fault.Duplicate, "record.create", "%s %s already exists", s.role, r.Identity)
	}
	if r.Email != "" && s.emailLocked(r.Email) != nil {
		return nil, fault.Errorf(fault.Duplicate, "record.create", "email %s already registered", r.Email)
	}
	now := time.Now()
	r.ID = uuid.Must(uuid.NewV7()).String()
	r.Role = s.role
	r.CreatedAt, r.UpdatedAt = now, now
	if r.Phone == "" {
		r.Phone = r.Identity
	}
	cp := cloneRecord(&r)
	s.byID[r.Identity] = cp
	return cloneRecord(cp), nil
}

func (s *MemStore) Get(_ context.Context, identity string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("record.get"); err != nil {
		return nil, err
	}
	r, ok := s.byID[identity]
	if !ok {
		return nil, fault.E(fault.NotFound, "record.get", ErrNotFound)
	}
	return cloneRecord(r), nil
}

func (s *MemStore) Update(_ context.Context, identity string, fields map[string]string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("record.update"); err != nil {
		return nil, err
	}
	r, ok := s.byID[identity]
	if !ok {
		return nil, fault.E(fault.NotFound, "record.update", ErrNotFound)
	}
	if e := fields[FieldEmail]; e != "" {
		if other := s.emailLocked(e); other != nil && other.Identity != identity {
			return nil, fault.Errorf(fault.Duplicate, "record.update", "email %s already registered", e)
		}
	}
	next := cloneRecord(r)
	if err := next.Apply(fields); err != nil {
		return nil, err
	}
	next.UpdatedAt = time.Now()
	s.byID[identity] = next
	return cloneRecord(next), nil
}

func (s *MemStore) FindByPhone(_ context.Context, phone string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("record.find_by_phone"); err != nil {
		return nil, err
	}
	for _, r := range s.byID {
		if r.Phone == phone {
			return cloneRecord(r), nil
		}
	}
	return nil, nil
}

func (s *MemStore) FindByEmail(_ context.Context, email string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("record.find_by_email"); err != nil {
		return nil, err
	}
	return cloneRecord(s.emailLocked(email)), nil
}

func (s *MemStore) StorageField(field string) (string, bool) {
	f, ok := s.mapping[field]
	return f, ok
}

// List returns records newest first.
func (s *MemStore) List(_ context.Context, limit int) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Record, 0, len(s.byID))
	for _, r := range s.byID {
		out = append(out, *cloneRecord(r))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemStore) emailLocked(email string) *Record {
	for _, r := range s.byID {
		if r.Email != "" && strings.EqualFold(r.Email, email) {
			return r
		}
	}
	return nil
}
