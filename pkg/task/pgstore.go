package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"flowdesk/pkg/fault"
)

const taskColumns = `id, identity, role, task_type, status, data, step, version,
	created_at, updated_at, started_at, completed_at, stopped_at, expired_at`

// PgStore is a PostgreSQL-backed task store.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a PgStore.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

// EnsureTable creates the conversation_tasks table if it doesn't exist.
// The partial unique index is what enforces one running task per identity and role.
func (s *PgStore) EnsureTable(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS conversation_tasks (
			id           TEXT PRIMARY KEY,
			identity     TEXT NOT NULL,
			role         TEXT NOT NULL,
			task_type    TEXT NOT NULL,
			status       TEXT NOT NULL DEFAULT 'running',
			data         JSONB NOT NULL DEFAULT '{}',
			step         INTEGER NOT NULL DEFAULT 0,
			version      INTEGER NOT NULL DEFAULT 1,
			created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			started_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			completed_at TIMESTAMPTZ,
			stopped_at   TIMESTAMPTZ,
			expired_at   TIMESTAMPTZ
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_conversation_tasks_running
			ON conversation_tasks(identity, role) WHERE status = 'running'`,
		`CREATE INDEX IF NOT EXISTS idx_conversation_tasks_status_updated
			ON conversation_tasks(status, updated_at)`,
		`CREATE INDEX IF NOT EXISTS idx_conversation_tasks_identity
			ON conversation_tasks(identity, expired_at DESC) WHERE status = 'expired'`,
	}
	for _, stmt := range statements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return classify("task.ensure_table", err)
		}
	}
	return nil
}

// Create inserts a new running task.
func (s *PgStore) Create(ctx context.Context, t *Task) (*Task, error) {
	t.ID = uuid.Must(uuid.NewV7()).String()
	now := time.Now().Truncate(time.Microsecond)
	t.CreatedAt = now
	t.UpdatedAt = now
	t.StartedAt = now
	t.Status = StatusRunning
	t.Version = 1
	if t.Data == nil {
		t.Data = map[string]any{}
	}

	dataJSON, err := json.Marshal(t.Data)
	if err != nil {
		return nil, fmt.Errorf("marshal data: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO conversation_tasks (id, identity, role, task_type, status, data, step, version, created_at, updated_at, started_at)
		VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7, $8, $9, $10, $11)`,
		t.ID, t.Identity, string(t.Role), string(t.Type), string(t.Status), string(dataJSON), t.Step, t.Version,
		t.CreatedAt, t.UpdatedAt, t.StartedAt)
	if err != nil {
		return nil, classify("task.create", err)
	}
	return t, nil
}

// Get retrieves a single task by ID.
func (s *PgStore) Get(ctx context.Context, id string) (*Task, error) {
	t, err := s.scanOne(ctx, `SELECT `+taskColumns+` FROM conversation_tasks WHERE id = $1`, id)
	if err != nil {
		return nil, classify("task.get", err)
	}
	return t, nil
}

// Running returns the running task for identity and role, or nil if there is none.
func (s *PgStore) Running(ctx context.Context, identity string, role Role) (*Task, error) {
	t, err := s.scanOne(ctx, `SELECT `+taskColumns+` FROM conversation_tasks
		WHERE identity = $1 AND role = $2 AND status = 'running'`, identity, string(role))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify("task.running", err)
	}
	return t, nil
}

// Update merges u.Data into the stored data (jsonb ||, a top-level key merge)
// and applies the optional step and status changes. With u.Version set the
// write only succeeds when the stored version matches.
func (s *PgStore) Update(ctx context.Context, id string, u Update) (*Task, error) {
	patch := u.Data
	if patch == nil {
		patch = map[string]any{}
	}
	patchJSON, err := json.Marshal(patch)
	if err != nil {
		return nil, fmt.Errorf("marshal patch: %w", err)
	}
	now := time.Now().Truncate(time.Microsecond)

	t, err := s.scanOne(ctx, `
		UPDATE conversation_tasks SET
			data = data || $2::jsonb,
			step = COALESCE($3::int, step),
			status = COALESCE(NULLIF($4::text, ''), status),
			completed_at = CASE WHEN $4::text = 'completed' THEN $1 ELSE completed_at END,
			stopped_at = CASE WHEN $4::text = 'stopped' THEN $1 ELSE stopped_at END,
			expired_at = CASE WHEN $4::text = 'expired' THEN $1 ELSE expired_at END,
			version = version + 1,
			updated_at = $1
		WHERE id = $5 AND ($6::int = 0 OR version = $6::int)
		RETURNING `+taskColumns,
		now, string(patchJSON), u.Step, string(u.Status), id, u.Version)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, s.missOrConflict(ctx, "task.update", id)
	}
	if err != nil {
		return nil, classify("task.update", err)
	}
	return t, nil
}

// Complete marks a running task completed. Completing an already completed
// task returns it unchanged.
func (s *PgStore) Complete(ctx context.Context, id string) (*Task, error) {
	return s.finish(ctx, "task.complete", id, StatusCompleted, "completed_at")
}

// Stop marks a running task stopped.
func (s *PgStore) Stop(ctx context.Context, id string) (*Task, error) {
	return s.finish(ctx, "task.stop", id, StatusStopped, "stopped_at")
}

func (s *PgStore) finish(ctx context.Context, op, id string, status Status, column string) (*Task, error) {
	now := time.Now().Truncate(time.Microsecond)
	t, err := s.scanOne(ctx, fmt.Sprintf(`
		UPDATE conversation_tasks SET status = $1, %s = $2, updated_at = $2, version = version + 1
		WHERE id = $3 AND status = 'running'
		RETURNING %s`, column, taskColumns),
		string(status), now, id)
	if errors.Is(err, pgx.ErrNoRows) {
		cur, gerr := s.Get(ctx, id)
		if gerr != nil {
			return nil, gerr
		}
		if cur.Status == status {
			return cur, nil
		}
		return nil, fault.Errorf(fault.Conflict, op, "task %s is %s: %w", id, cur.Status, ErrConflict)
	}
	if err != nil {
		return nil, classify(op, err)
	}
	return t, nil
}

// StopAllRunning stops every running task for identity and role.
func (s *PgStore) StopAllRunning(ctx context.Context, identity string, role Role) (int, error) {
	now := time.Now().Truncate(time.Microsecond)
	tag, err := s.pool.Exec(ctx, `
		UPDATE conversation_tasks SET status = 'stopped', stopped_at = $1, updated_at = $1, version = version + 1
		WHERE identity = $2 AND role = $3 AND status = 'running'`,
		now, identity, string(role))
	if err != nil {
		return 0, classify("task.stop_all", err)
	}
	return int(tag.RowsAffected()), nil
}

// ListStale returns running tasks untouched since before, oldest first.
func (s *PgStore) ListStale(ctx context.Context, before time.Time, limit int) ([]Task, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+taskColumns+` FROM conversation_tasks
		WHERE status = 'running' AND updated_at < $1
		ORDER BY updated_at ASC LIMIT $2`, before, limit)
	if err != nil {
		return nil, classify("task.list_stale", err)
	}
	defer rows.Close()
	return scanTaskRows(rows)
}

// Expire moves a running task to expired. It never touches completed tasks.
func (s *PgStore) Expire(ctx context.Context, id string) (bool, error) {
	now := time.Now().Truncate(time.Microsecond)
	tag, err := s.pool.Exec(ctx, `
		UPDATE conversation_tasks SET status = 'expired', expired_at = $1, version = version + 1
		WHERE id = $2 AND status = 'running'`, now, id)
	if err != nil {
		return false, classify("task.expire", err)
	}
	return tag.RowsAffected() == 1, nil
}

// LatestExpired returns the most recently expired task for identity, or nil.
func (s *PgStore) LatestExpired(ctx context.Context, identity string) (*Task, error) {
	t, err := s.scanOne(ctx, `SELECT `+taskColumns+` FROM conversation_tasks
		WHERE identity = $1 AND status = 'expired'
		ORDER BY expired_at DESC LIMIT 1`, identity)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify("task.latest_expired", err)
	}
	return t, nil
}

// Reactivate moves an expired task back to running. Step and data are kept
// exactly as persisted. Fails with a conflict if another task is running.
func (s *PgStore) Reactivate(ctx context.Context, id string) (*Task, error) {
	now := time.Now().Truncate(time.Microsecond)
	t, err := s.scanOne(ctx, `
		UPDATE conversation_tasks SET status = 'running', expired_at = NULL, updated_at = $1, version = version + 1
		WHERE id = $2 AND status = 'expired'
		RETURNING `+taskColumns, now, id)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, s.missOrConflict(ctx, "task.reactivate", id)
	}
	if err != nil {
		return nil, classify("task.reactivate", err)
	}
	return t, nil
}

// List returns tasks matching f, newest first.
func (s *PgStore) List(ctx context.Context, f Filter) ([]Task, error) {
	var where []string
	var args []any
	add := func(clause string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if f.Identity != "" {
		add("identity = $%d", f.Identity)
	}
	if f.Role != "" {
		add("role = $%d", string(f.Role))
	}
	if f.Status != "" {
		add("status = $%d", string(f.Status))
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + taskColumns + ` FROM conversation_tasks`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, classify("task.list", err)
	}
	defer rows.Close()
	return scanTaskRows(rows)
}

// Count returns total task count.
func (s *PgStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM conversation_tasks`).Scan(&n); err != nil {
		return 0, classify("task.count", err)
	}
	return n, nil
}

func (s *PgStore) missOrConflict(ctx context.Context, op, id string) error {
	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM conversation_tasks WHERE id = $1)`, id).Scan(&exists); err != nil {
		return classify(op, err)
	}
	if !exists {
		return fault.Errorf(fault.NotFound, op, "task %s: %w", id, ErrNotFound)
	}
	return fault.Errorf(fault.Conflict, op, "task %s: %w", id, ErrConflict)
}

func (s *PgStore) scanOne(ctx context.Context, query string, args ...any) (*Task, error) {
	tasks, err := func() ([]Task, error) {
		rows, err := s.pool.Query(ctx, query, args...)
		if err != nil {
			return nil, err
		}
		defer rows.Close()
		return scanTaskRows(rows)
	}()
	if err != nil {
		return nil, err
	}
	if len(tasks) == 0 {
		return nil, pgx.ErrNoRows
	}
	return &tasks[0], nil
}

func scanTaskRows(rows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}) ([]Task, error) {
	var tasks []Task
	for rows.Next() {
		var t Task
		var role, typ, status string
		var dataJSON []byte
		if err := rows.Scan(&t.ID, &t.Identity, &role, &typ, &status, &dataJSON, &t.Step, &t.Version,
			&t.CreatedAt, &t.UpdatedAt, &t.StartedAt, &t.CompletedAt, &t.StoppedAt, &t.ExpiredAt); err != nil {
			return nil, err
		}
		t.Role, t.Type, t.Status = Role(role), Type(typ), Status(status)
		if err := json.Unmarshal(dataJSON, &t.Data); err != nil || t.Data == nil {
			t.Data = map[string]any{}
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration: %w", err)
	}
	return tasks, nil
}

// classify maps driver errors onto fault kinds by SQLSTATE, never by text.
func classify(op string, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fault.E(fault.NotFound, op, ErrNotFound)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fault.E(fault.Conflict, op, fmt.Errorf("%w: %s", ErrConflict, pgErr.ConstraintName))
	}
	return fault.E(fault.Database, op, err)
}
