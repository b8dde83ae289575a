package task

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"flowdesk/pkg/fault"
)

// MemStore is an in-process Store used by tests and the memory dev mode.
// It enforces the same invariants as PgStore.
type MemStore struct {
	mu    sync.Mutex
	tasks map[string]*Task
	now   func() time.Time

	// Fail, when set, is returned (wrapped as a database fault) by every call.
	Fail error
}

// NewMemStore creates an empty MemStore using the wall clock.
func NewMemStore() *MemStore {
	return &MemStore{tasks: make(map[string]*Task), now: time.Now}
}

// SetClock replaces the clock used for timestamps.
func (s *MemStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

func (s *MemStore) check(op string) error {
	if s.Fail != nil {
		return fault.E(fault.Database, op, s.Fail)
	}
	return nil
}

func (s *MemStore) runningLocked(identity string, role Role) *Task {
	for _, t := range s.tasks {
		if t.Identity == identity && t.Role == role && t.Status == StatusRunning {
			return t
		}
	}
	return nil
}

func (s *MemStore) getLocked(op, id string) (*Task, error) {
	t, ok := s.tasks[id]
	if !ok {
		return nil, fault.Errorf(fault.NotFound, op, "task %s: %w", id, ErrNotFound)
	}
	return t, nil
}

func (s *MemStore) EnsureTable(context.Context) error { return s.check("task.ensure_table") }

func (s *MemStore) Create(_ context.Context, t *Task) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("task.create"); err != nil {
		return nil, err
	}
	if s.runningLocked(t.Identity, t.Role) != nil {
		return nil, fault.Errorf(fault.Conflict, "task.create", "%s/%s already has a running task: %w", t.Identity, t.Role, ErrConflict)
	}
	now := s.now()
	t.ID = uuid.Must(uuid.NewV7()).String()
	t.Status = StatusRunning
	t.Version = 1
	t.CreatedAt, t.UpdatedAt, t.StartedAt = now, now, now
	t.Data = cloneData(t.Data)
	s.tasks[t.ID] = t.Clone()
	return t.Clone(), nil
}

func (s *MemStore) Get(_ context.Context, id string) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("task.get"); err != nil {
		return nil, err
	}
	t, err := s.getLocked("task.get", id)
	if err != nil {
		return nil, err
	}
	return t.Clone(), nil
}

func (s *MemStore) Running(_ context.Context, identity string, role Role) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("task.running"); err != nil {
		return nil, err
	}
	return s.runningLocked(identity, role).Clone(), nil
}

func (s *MemStore) Update(_ context.Context, id string, u Update) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("task.update"); err != nil {
		return nil, err
	}
	t, err := s.getLocked("task.update", id)
	if err != nil {
		return nil, err
	}
	if u.Version != 0 && u.Version != t.Version {
		return nil, fault.Errorf(fault.Conflict, "task.update", "task %s at version %d, expected %d: %w", id, t.Version, u.Version, ErrConflict)
	}
	if u.Status == StatusRunning && t.Status != StatusRunning {
		if other := s.runningLocked(t.Identity, t.Role); other != nil {
			return nil, fault.Errorf(fault.Conflict, "task.update", "%s/%s already has a running task: %w", t.Identity, t.Role, ErrConflict)
		}
	}
	now := s.now()
	t.Data = Merge(t.Data, u.Data)
	if u.Step != nil {
		t.Step = *u.Step
	}
	if u.Status != "" {
		t.Status = u.Status
		switch u.Status {
		case StatusCompleted:
			t.CompletedAt = &now
		case StatusStopped:
			t.StoppedAt = &now
		case StatusExpired:
			t.ExpiredAt = &now
		}
	}
	t.Version++
	t.UpdatedAt = now
	return t.Clone(), nil
}

func (s *MemStore) Complete(_ context.Context, id string) (*Task, error) {
	return s.finish("task.complete", id, StatusCompleted)
}

func (s *MemStore) Stop(_ context.Context, id string) (*Task, error) {
	return s.finish("task.stop", id, StatusStopped)
}

func (s *MemStore) finish(op, id string, status Status) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(op); err != nil {
		return nil, err
	}
	t, err := s.getLocked(op, id)
	if err != nil {
		return nil, err
	}
	if t.Status == status {
		return t.Clone(), nil
	}
	if t.Status != StatusRunning {
		return nil, fault.Errorf(fault.Conflict, op, "task %s is %s: %w", id, t.Status, ErrConflict)
	}
	now := s.now()
	t.Status = status
	if status == StatusCompleted {
		t.CompletedAt = &now
	} else {
		t.StoppedAt = &now
	}
	t.UpdatedAt = now
	t.Version++
	return t.Clone(), nil
}

func (s *MemStore) StopAllRunning(_ context.Context, identity string, role Role) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("task.stop_all"); err != nil {
		return 0, err
	}
	now := s.now()
	n := 0
	for _, t := range s.tasks {
		if t.Identity == identity && t.Role == role && t.Status == StatusRunning {
			t.Status = StatusStopped
			t.StoppedAt = &now
			t.UpdatedAt = now
			t.Version++
			n++
		}
	}
	return n, nil
}

func (s *MemStore) ListStale(_ context.Context, before time.Time, limit int) ([]Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("task.list_stale"); err != nil {
		return nil, err
	}
	var out []Task
	for _, t := range s.tasks {
		if t.Status == StatusRunning && t.UpdatedAt.Before(before) {
			out = append(out, *t.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemStore) Expire(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("task.expire"); err != nil {
		return false, err
	}
	t, err := s.getLocked("task.expire", id)
	if err != nil {
		return false, err
	}
	if t.Status != StatusRunning {
		return false, nil
	}
	now := s.now()
	t.Status = StatusExpired
	t.ExpiredAt = &now
	t.Version++
	return true, nil
}

func (s *MemStore) LatestExpired(_ context.Context, identity string) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("task.latest_expired"); err != nil {
		return nil, err
	}
	var latest *Task
	for _, t := range s.tasks {
		if t.Identity != identity || t.Status != StatusExpired || t.ExpiredAt == nil {
			continue
		}
		if latest == nil || t.ExpiredAt.After(*latest.ExpiredAt) {
			latest = t
		}
	}
	return latest.Clone(), nil
}

func (s *MemStore) Reactivate(_ context.Context, id string) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("task.reactivate"); err != nil {
		return nil, err
	}
	t, err := s.getLocked("task.reactivate", id)
	if err != nil {
		return nil, err
	}
	if t.Status != StatusExpired {
		return nil, fault.Errorf(fault.Conflict, "task.reactivate", "task %s is %s: %w", id, t.Status, ErrConflict)
	}
	if s.runningLocked(t.Identity, t.Role) != nil {
		return nil, fault.Errorf(fault.Conflict, "task.reactivate", "%s/%s already has a running task: %w", t.Identity, t.Role, ErrConflict)
	}
	t.Status = StatusRunning
	t.ExpiredAt = nil
	t.UpdatedAt = s.now()
	t.Version++
	return t.Clone(), nil
}

func (s *MemStore) List(_ context.Context, f Filter) ([]Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("task.list"); err != nil {
		return nil, err
	}
	var out []Task
	for _, t := range s.tasks {
		if f.Identity != "" && t.Identity != f.Identity {
			continue
		}
		if f.Role != "" && t.Role != f.Role {
			continue
		}
		if f.Status != "" && t.Status != f.Status {
			continue
		}
		out = append(out, *t.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemStore) Count(context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("task.count"); err != nil {
		return 0, err
	}
	return len(s.tasks), nil
}
