package journal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"flowdesk/pkg/fault"
)

const entryColumns = `seq, id, type, timestamp, task_id, identity, content, hash, prev_hash`

// PgStore is a PostgreSQL-backed journal.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a PgStore.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

// EnsureTable creates the task_journal table if it doesn't exist.
func (s *PgStore) EnsureTable(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS task_journal (
			seq       BIGSERIAL,
			id        TEXT PRIMARY KEY,
			type      TEXT NOT NULL,
			timestamp TIMESTAMPTZ NOT NULL,
			task_id   TEXT NOT NULL,
			identity  TEXT NOT NULL DEFAULT '',
			content   JSONB NOT NULL DEFAULT '{}',
			hash      TEXT NOT NULL,
			prev_hash TEXT NOT NULL DEFAULT ''
		)`,
		`ALTER TABLE task_journal ADD COLUMN IF NOT EXISTS seq BIGSERIAL`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_task_journal_seq ON task_journal(seq)`,
		`CREATE INDEX IF NOT EXISTS idx_task_journal_task ON task_journal(task_id, seq)`,
	}
	for _, stmt := range statements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fault.E(fault.Database, "journal.ensure_table", err)
		}
	}
	return nil
}

// Append stores a new entry, linking it to the current chain head.
func (s *PgStore) Append(ctx context.Context, eventType, taskID, identity string, content map[string]any) (*Entry, error) {
	if content == nil {
		content = map[string]any{}
	}
	contentJSON, err := json.Marshal(content)
	if err != nil {
		return nil, fmt.Errorf("marshal content: %w", err)
	}

	now := time.Now().Truncate(time.Microsecond)
	id := uuid.Must(uuid.NewV7()).String()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fault.E(fault.Database, "journal.append", err)
	}
	defer tx.Rollback(ctx)

	// Serialize appends so two writers never link to the same head, and seq
	// values are handed out in chain order. Timestamps come from each
	// writer's clock and are not used for ordering.
	if _, err := tx.Exec(ctx, `LOCK TABLE task_journal IN SHARE ROW EXCLUSIVE MODE`); err != nil {
		return nil, fault.E(fault.Database, "journal.append", err)
	}
	var prevHash string
	err = tx.QueryRow(ctx, `SELECT hash FROM task_journal ORDER BY seq DESC LIMIT 1`).Scan(&prevHash)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, fault.E(fault.Database, "journal.append", err)
	}

	e := &Entry{
		ID:        id,
		Type:      eventType,
		Timestamp: now,
		TaskID:    taskID,
		Identity:  identity,
		Content:   content,
		PrevHash:  prevHash,
	}
	e.Hash = computeHash(prevHash, id, eventType, taskID, identity, now, contentJSON)

	err = tx.QueryRow(ctx, `
		INSERT INTO task_journal (id, type, timestamp, task_id, identity, content, hash, prev_hash)
		VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7, $8)
		RETURNING seq`,
		e.ID, e.Type, e.Timestamp, e.TaskID, e.Identity, string(contentJSON), e.Hash, e.PrevHash).Scan(&e.Seq)
	if err != nil {
		return nil, fault.E(fault.Database, "journal.append", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fault.E(fault.Database, "journal.append", err)
	}
	return e, nil
}

// ByTask returns a task's entries in chronological order.
func (s *PgStore) ByTask(ctx context.Context, taskID string, limit int) ([]Entry, error) {
	return s.scanMany(ctx, "journal.by_task", `SELECT `+entryColumns+` FROM task_journal
		WHERE task_id = $1 ORDER BY seq ASC LIMIT $2`, taskID, limit)
}

// Recent returns the most recent entries, newest first.
func (s *PgStore) Recent(ctx context.Context, limit int) ([]Entry, error) {
	return s.scanMany(ctx, "journal.recent", `SELECT `+entryColumns+` FROM task_journal
		ORDER BY seq DESC LIMIT $1`, limit)
}

// Count returns the total number of entries.
func (s *PgStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM task_journal`).Scan(&n); err != nil {
		return 0, fault.E(fault.Database, "journal.count", err)
	}
	return n, nil
}

// VerifyChain reads the whole log in insert order and checks hash integrity.
// Content is hashed as stored by jsonb, which re-marshals with sorted keys.
func (s *PgStore) VerifyChain(ctx context.Context) error {
	entries, err := s.scanMany(ctx, "journal.verify", `SELECT `+entryColumns+` FROM task_journal
		ORDER BY seq ASC`)
	if err != nil {
		return err
	}
	return verify(entries, marshalContent)
}

func (s *PgStore) scanMany(ctx context.Context, op, query string, args ...any) ([]Entry, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fault.E(fault.Database, op, err)
	}
	defer rows.Close()
	entries, err := scanRows(rows)
	if err != nil {
		return nil, fault.E(fault.Database, op, err)
	}
	return entries, nil
}

func scanRows(rows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}) ([]Entry, error) {
	var entries []Entry
	for rows.Next() {
		var e Entry
		var contentJSON []byte
		if err := rows.Scan(&e.Seq, &e.ID, &e.Type, &e.Timestamp, &e.TaskID, &e.Identity, &contentJSON, &e.Hash, &e.PrevHash); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(contentJSON, &e.Content); err != nil {
			return nil, fmt.Errorf("unmarshal content: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration: %w", err)
	}
	return entries, nil
}

func marshalContent(m map[string]any) []byte {
	if m == nil {
		m = map[string]any{}
	}
	b, _ := json.Marshal(m)
	return b
}
