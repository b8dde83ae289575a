package task

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Status is the lifecycle state of a task.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusStopped   Status = "stopped"
	StatusExpired   Status = "expired"
)

// Terminal reports whether no further step can be applied in this status.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusStopped || s == StatusExpired
}

// Role is the kind of user a task belongs to.
type Role string

const (
	RoleProvider Role = "provider"
	RoleCustomer Role = "customer"
)

// Roles lists every known role.
var Roles = []Role{RoleProvider, RoleCustomer}

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleProvider || r == RoleCustomer
}

// Type names the flow a task follows.
type Type string

const (
	TypeRegistration        Type = "registration"
	TypeProfileEdit         Type = "profile_edit"
	TypeAddCounterpart      Type = "add_counterpart"
	TypeContactConfirmation Type = "contact_confirmation"
)

// Task is one in-progress multi-step interaction for an identity acting in a role.
type Task struct {
	ID          string         `json:"id"`
	Identity    string         `json:"identity"`
	Role        Role           `json:"role"`
	Type        Type           `json:"task_type"`
	Status      Status         `json:"status"`
	Data        map[string]any `json:"data"`
	Step        int            `json:"step"`    // index of the next step to collect
	Version     int            `json:"version"` // incremented on every write
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
	StartedAt   time.Time      `json:"started_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	StoppedAt   *time.Time     `json:"stopped_at,omitempty"`
	ExpiredAt   *time.Time     `json:"expired_at,omitempty"`
}

// Update describes a mutation. Data is merged key by key at the top level.
// Step and Status are left unchanged when nil/empty. A non-zero Version makes
// the write conditional on the stored version (compare-and-swap).
type Update struct {
	Data    map[string]any
	Step    *int
	Status  Status
	Version int
}

// Filter narrows List results. Zero fields match everything.
type Filter struct {
	Identity string
	Role     Role
	Status   Status
	Limit    int
}

var (
	// ErrNotFound is returned when a task id does not exist.
	ErrNotFound = errors.New("task not found")
	// ErrConflict is returned when a conditional write loses a race or a
	// running task already occupies the (identity, role) slot.
	ErrConflict = errors.New("task conflict")
)

// Store is the contract for task persistence. The only invariant it owns is
// that at most one task per (identity, role) is running.
type Store interface {
	Create(ctx context.Context, t *Task) (*Task, error)
	Get(ctx context.Context, id string) (*Task, error)
	// Running returns the running task for identity and role, or nil.
	Running(ctx context.Context, identity string, role Role) (*Task, error)
	Update(ctx context.Context, id string, u Update) (*Task, error)
	Complete(ctx context.Context, id string) (*Task, error)
	Stop(ctx context.Context, id string) (*Task, error)
	StopAllRunning(ctx context.Context, identity string, role Role) (int, error)

	// ListStale returns running tasks whose updated_at is before the cutoff.
	ListStale(ctx context.Context, before time.Time, limit int) ([]Task, error)
	// Expire moves a running task to expired. Returns false if the task was
	// no longer running.
	Expire(ctx context.Context, id string) (bool, error)
	// LatestExpired returns the most recently expired task for identity, or nil.
	LatestExpired(ctx context.Context, identity string) (*Task, error)
	// Reactivate moves an expired task back to running, leaving step and data intact.
	Reactivate(ctx context.Context, id string) (*Task, error)

	List(ctx context.Context, f Filter) ([]Task, error)
	Count(ctx context.Context) (int, error)
	EnsureTable(ctx context.Context) error
}

// StepPtr is a helper for Update.Step.
func StepPtr(i int) *int { return &i }

// Clone returns a deep copy of t, with data normalized through JSON the same
// way a round trip through the database would normalize it.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	cp := *t
	cp.Data = cloneData(t.Data)
	cp.CompletedAt = cloneTime(t.CompletedAt)
	cp.StoppedAt = cloneTime(t.StoppedAt)
	cp.ExpiredAt = cloneTime(t.ExpiredAt)
	return &cp
}

// String returns the string value stored under key, or "".
func (t *Task) String(key string) string {
	if t == nil || t.Data == nil {
		return ""
	}
	s, _ := t.Data[key].(string)
	return s
}

// Merge returns a copy of dst with patch applied key by key at the top level.
// Applying the same patch twice yields the same result as applying it once.
func Merge(dst, patch map[string]any) map[string]any {
	out := make(map[string]any, len(dst)+len(patch))
	for k, v := range dst {
		out[k] = v
	}
	for k, v := range patch {
		out[k] = v
	}
	return cloneData(out)
}

func cloneData(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	b, err := json.Marshal(m)
	if err != nil {
		out := make(map[string]any, len(m))
		for k, v := range m {
			out[k] = v
		}
		return out
	}
	out := map[string]any{}
	if err := json.Unmarshal(b, &out); err != nil {
		return map[string]any{}
	}
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
