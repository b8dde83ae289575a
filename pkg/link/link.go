// Package link tracks contact-sharing requests between a provider and a
// customer. A provider adding a customer opens a pending link; the customer
// confirms or declines it.
package link

import (
	"context"
	"errors"
	"time"
)

// Status is the state of a link.
type Status string

const (
	Pending   Status = "pending"
	Confirmed Status = "confirmed"
	Declined  Status = "declined"
)

// Link connects a provider identity with a customer identity.
type Link struct {
	ID         string     `json:"id"`
	Provider   string     `json:"provider"`
	Customer   string     `json:"customer"`
	Status     Status     `json:"status"`
	CreatedAt  time.Time  `json:"created_at"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

var (
	ErrNotFound = errors.New("link not found")
	// ErrResolved is returned when resolving a link that is no longer pending.
	ErrResolved = errors.New("link already resolved")
)

// Store is the contract for link persistence.
type Store interface {
	// Open creates a pending link. If a pending or confirmed link already
	// joins the pair it is returned instead, with created=false.
	Open(ctx context.Context, provider, customer string) (l *Link, created bool, err error)
	// Resolve confirms or declines a pending link. Resolving a link again with
	// the same outcome returns it unchanged.
	Resolve(ctx context.Context, id string, confirmed bool) (*Link, error)
	Get(ctx context.Context, id string) (*Link, error)
	// Between returns the live (pending or confirmed) link for the pair, or nil.
	Between(ctx context.Context, provider, customer string) (*Link, error)
	// PendingFor returns the customer's pending links, oldest first.
	PendingFor(ctx context.Context, customer string) ([]Link, error)
	ByProvider(ctx context.Context, provider string, limit int) ([]Link, error)
	PendingCount(ctx context.Context) (int, error)
	EnsureTable(ctx context.Context) error
}
