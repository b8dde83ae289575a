package link

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"flowdesk/pkg/fault"
)

const linkColumns = `id, provider, customer, status, created_at, resolved_at`

// PgStore is a PostgreSQL-backed link store.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a PgStore.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

// EnsureTable creates the contact_links table if it doesn't exist.
func (s *PgStore) EnsureTable(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS contact_links (
			id          TEXT PRIMARY KEY,
			provider    TEXT NOT NULL,
			customer    TEXT NOT NULL,
			status      TEXT NOT NULL DEFAULT 'pending',
			created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			resolved_at TIMESTAMPTZ
		)`)
	if err != nil {
		return classify("link.ensure_table", err)
	}
	_, err = s.pool.Exec(ctx, `CREATE UNIQUE INDEX IF NOT EXISTS idx_contact_links_live
		ON contact_links(provider, customer) WHERE status IN ('pending', 'confirmed')`)
	if err != nil {
		return classify("link.ensure_table", err)
	}
	_, err = s.pool.Exec(ctx, `CREATE INDEX IF NOT EXISTS idx_contact_links_customer ON contact_links(customer, status, created_at)`)
	return classify("link.ensure_table", err)
}

// Open inserts a pending link unless the pair is already linked.
func (s *PgStore) Open(ctx context.Context, provider, customer string) (*Link, bool, error) {
	l := &Link{
		ID:        uuid.Must(uuid.NewV7()).String(),
		Provider:  provider,
		Customer:  customer,
		Status:    Pending,
		CreatedAt: time.Now().Truncate(time.Microsecond),
	}
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO contact_links (id, provider, customer, status, created_at)
		VALUES ($1, $2, $3, 'pending', $4)
		ON CONFLICT DO NOTHING`,
		l.ID, l.Provider, l.Customer, l.CreatedAt)
	if err != nil {
		return nil, false, classify("link.open", err)
	}
	if tag.RowsAffected() == 1 {
		return l, true, nil
	}
	// Lost to an existing live link; return it.
	existing, err := s.Between(ctx, provider, customer)
	if err != nil {
		return nil, false, err
	}
	if existing == nil {
		return nil, false, fault.Errorf(fault.Conflict, "link.open", "link %s/%s changed concurrently", provider, customer)
	}
	return existing, false, nil
}

// Resolve confirms or declines a pending link.
func (s *PgStore) Resolve(ctx context.Context, id string, confirmed bool) (*Link, error) {
	status := Declined
	if confirmed {
		status = Confirmed
	}
	now := time.Now().Truncate(time.Microsecond)
	l, err := s.scanOne(ctx, `
		UPDATE contact_links SET status = $1, resolved_at = $2
		WHERE id = $3 AND status = 'pending'
		RETURNING `+linkColumns, string(status), now, id)
	if errors.Is(err, pgx.ErrNoRows) {
		cur, gerr := s.Get(ctx, id)
		if gerr != nil {
			return nil, gerr
		}
		if cur.Status == status {
			return cur, nil
		}
		return nil, fault.Errorf(fault.Conflict, "link.resolve", "link %s is %s: %w", id, cur.Status, ErrResolved)
	}
	if err != nil {
		return nil, classify("link.resolve", err)
	}
	return l, nil
}

// Get retrieves a single link by ID.
func (s *PgStore) Get(ctx context.Context, id string) (*Link, error) {
	l, err := s.scanOne(ctx, `SELECT `+linkColumns+` FROM contact_links WHERE id = $1`, id)
	if err != nil {
		return nil, classify("link.get", err)
	}
	return l, nil
}

// Between returns the live link joining provider and customer, or nil.
func (s *PgStore) Between(ctx context.Context, provider, customer string) (*Link, error) {
	l, err := s.scanOne(ctx, `SELECT `+linkColumns+` FROM contact_links
		WHERE provider = $1 AND customer = $2 AND status IN ('pending', 'confirmed')`, provider, customer)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify("link.between", err)
	}
	return l, nil
}

// PendingFor returns the customer's pending links, oldest first.
func (s *PgStore) PendingFor(ctx context.Context, customer string) ([]Link, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+linkColumns+` FROM contact_links
		WHERE customer = $1 AND status = 'pending'
		ORDER BY created_at ASC`, customer)
	if err != nil {
		return nil, classify("link.pending_for", err)
	}
	defer rows.Close()
	return scanLinkRows(rows)
}

// ByProvider returns the provider's links, newest first.
func (s *PgStore) ByProvider(ctx context.Context, provider string, limit int) ([]Link, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `SELECT `+linkColumns+` FROM contact_links
		WHERE provider = $1 ORDER BY created_at DESC LIMIT $2`, provider, limit)
	if err != nil {
		return nil, classify("link.by_provider", err)
	}
	defer rows.Close()
	return scanLinkRows(rows)
}

// PendingCount returns the number of pending links.
func (s *PgStore) PendingCount(ctx context.Context) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM contact_links WHERE status = 'pending'`).Scan(&n); err != nil {
		return 0, classify("link.pending_count", err)
	}
	return n, nil
}

func (s *PgStore) scanOne(ctx context.Context, query string, args ...any) (*Link, error) {
	var l Link
	var status string
	err := s.pool.QueryRow(ctx, query, args...).
		Scan(&l.ID, &l.Provider, &l.Customer, &status, &l.CreatedAt, &l.ResolvedAt)
	if err != nil {
		return nil, err
	}
	l.Status = Status(status)
	return &l, nil
}

func scanLinkRows(rows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}) ([]Link, error) {
	var links []Link
	for rows.Next() {
		var l Link
		var status string
		if err := rows.Scan(&l.ID, &l.Provider, &l.Customer, &status, &l.CreatedAt, &l.ResolvedAt); err != nil {
			return nil, err
		}
		l.Status = Status(status)
		links = append(links, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration: %w", err)
	}
	return links, nil
}

func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return fault.E(fault.NotFound, op, ErrNotFound)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fault.Errorf(fault.Conflict, op, "%s", pgErr.ConstraintName)
	}
	return fault.E(fault.Database, op, err)
}
