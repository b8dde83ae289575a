package record

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"flowdesk/pkg/fault"
	"flowdesk/pkg/task"
)

const recordColumns = `id, role, identity, name, email, phone, attributes, created_by, created_at, updated_at`

// PgStore is a PostgreSQL-backed Capability for one role. All roles share the
// profiles table; the role column partitions it.
type PgStore struct {
	pool    *pgxpool.Pool
	role    task.Role
	mapping Mapping
}

// NewPgStore creates a PgStore serving role.
func NewPgStore(pool *pgxpool.Pool, role task.Role) *PgStore {
	return &PgStore{pool: pool, role: role, mapping: Mappings[role]}
}

// EnsureTable creates the profiles table if it doesn't exist.
func (s *PgStore) EnsureTable(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS profiles (
			id         TEXT PRIMARY KEY,
			role       TEXT NOT NULL,
			identity   TEXT NOT NULL,
			name       TEXT NOT NULL,
			email      TEXT,
			phone      TEXT NOT NULL,
			attributes JSONB NOT NULL DEFAULT '{}',
			created_by TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_profiles_role_identity ON profiles(role, identity)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_profiles_role_email ON profiles(role, email) WHERE email IS NOT NULL`,
		`CREATE INDEX IF NOT EXISTS idx_profiles_role_phone ON profiles(role, phone)`,
	}
	for _, stmt := range statements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return classify("record.ensure_table", err)
		}
	}
	return nil
}

// Create inserts a record. An existing (role, identity) or email yields a
// Duplicate fault.
func (s *PgStore) Create(ctx context.Context, r Record) (*Record, error) {
	r.ID = uuid.Must(uuid.NewV7()).String()
	r.Role = s.role
	now := time.Now().Truncate(time.Microsecond)
	r.CreatedAt, r.UpdatedAt = now, now
	if r.Phone == "" {
		r.Phone = r.Identity
	}
	if r.Attributes == nil {
		r.Attributes = map[string]string{}
	}
	attrs, err := json.Marshal(r.Attributes)
	if err != nil {
		return nil, fmt.Errorf("marshal attributes: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO profiles (id, role, identity, name, email, phone, attributes, created_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8, $9, $10)`,
		r.ID, string(r.Role), r.Identity, r.Name, nilIfEmpty(r.Email), r.Phone, string(attrs), r.CreatedBy, r.CreatedAt, r.UpdatedAt)
	if err != nil {
		return nil, classify("record.create", err)
	}
	return &r, nil
}

// Get returns the record for identity.
func (s *PgStore) Get(ctx context.Context, identity string) (*Record, error) {
	r, err := s.scanOne(ctx, `SELECT `+recordColumns+` FROM profiles WHERE role = $1 AND identity = $2`, string(s.role), identity)
	if err != nil {
		return nil, classify("record.get", err)
	}
	return r, nil
}

// Update writes storage fields for identity. Attribute fields are merged into
// the attributes document; column fields are set directly.
func (s *PgStore) Update(ctx context.Context, identity string, fields map[string]string) (*Record, error) {
	var probe Record
	if err := probe.Apply(fields); err != nil {
		return nil, err
	}
	cols := map[string]*string{}
	for _, c := range []string{FieldName, FieldEmail, FieldPhone} {
		if v, ok := fields[c]; ok {
			cols[c] = &v
		}
	}
	attrs := probe.Attributes
	if attrs == nil {
		attrs = map[string]string{}
	}
	attrJSON, err := json.Marshal(attrs)
	if err != nil {
		return nil, fmt.Errorf("marshal attributes: %w", err)
	}
	var email *string
	if e, ok := cols[FieldEmail]; ok {
		email = nilIfEmpty(*e)
	}
	_, clearEmail := cols[FieldEmail]

	r, err := s.scanOne(ctx, `
		UPDATE profiles SET
			name = COALESCE($3, name),
			email = CASE WHEN $5 THEN $4 ELSE email END,
			phone = COALESCE($6, phone),
			attributes = attributes || $7::jsonb,
			updated_at = $8
		WHERE role = $1 AND identity = $2
		RETURNING `+recordColumns,
		string(s.role), identity, cols[FieldName], email, clearEmail, cols[FieldPhone], string(attrJSON),
		time.Now().Truncate(time.Microsecond))
	if err != nil {
		return nil, classify("record.update", err)
	}
	return r, nil
}

// FindByPhone returns the record with phone, or nil.
func (s *PgStore) FindByPhone(ctx context.Context, phone string) (*Record, error) {
	return s.find(ctx, "record.find_by_phone", `phone = $2`, phone)
}

// FindByEmail returns the record with email, or nil.
func (s *PgStore) FindByEmail(ctx context.Context, email string) (*Record, error) {
	return s.find(ctx, "record.find_by_email", `email = $2`, email)
}

// StorageField maps a flow field to its storage field.
func (s *PgStore) StorageField(field string) (string, bool) {
	f, ok := s.mapping[field]
	return f, ok
}

// List returns records of this role, newest first.
func (s *PgStore) List(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `SELECT `+recordColumns+` FROM profiles WHERE role = $1
		ORDER BY created_at DESC LIMIT $2`, string(s.role), limit)
	if err != nil {
		return nil, classify("record.list", err)
	}
	defer rows.Close()
	return scanRecordRows(rows)
}

func (s *PgStore) find(ctx context.Context, op, cond string, arg string) (*Record, error) {
	r, err := s.scanOne(ctx, `SELECT `+recordColumns+` FROM profiles WHERE role = $1 AND `+cond+` LIMIT 1`, string(s.role), arg)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify(op, err)
	}
	return r, nil
}

func (s *PgStore) scanOne(ctx context.Context, query string, args ...any) (*Record, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	recs, err := scanRecordRows(rows)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, pgx.ErrNoRows
	}
	return &recs[0], nil
}

func scanRecordRows(rows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}) ([]Record, error) {
	var recs []Record
	for rows.Next() {
		var r Record
		var role string
		var email *string
		var attrs []byte
		if err := rows.Scan(&r.ID, &role, &r.Identity, &r.Name, &email, &r.Phone, &attrs, &r.CreatedBy, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, err
		}
		r.Role = task.Role(role)
		if email != nil {
			r.Email = *email
		}
		if err := json.Unmarshal(attrs, &r.Attributes); err != nil {
			return nil, fmt.Errorf("unmarshal attributes: %w", err)
		}
		recs = append(recs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration: %w", err)
	}
	return recs, nil
}

func classify(op string, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fault.E(fault.NotFound, op, ErrNotFound)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fault.Errorf(fault.Duplicate, op, "%s", pgErr.ConstraintName)
	}
	return fault.E(fault.Database, op, err)
}

func nilIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
