// Package validate holds per-field validators and the bounded-retry
// bookkeeping that sits in front of them.
package validate

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"flowdesk/pkg/fault"
)

// DefaultMaxRetries is the number of consecutive failures after which a
// field reports Exceeded instead of another plain retry.
const DefaultMaxRetries = 3

// Validator parses raw input for one field. Rejected input is reported with a
// *Rejection; any other error means the validator itself could not run.
type Validator func(ctx context.Context, raw, identity string) (string, error)

// Rejection is a user-facing validation failure.
type Rejection struct {
	Message string
	Kind    fault.Kind // fault.Validation or fault.Duplicate
}

func (r *Rejection) Error() string { return r.Message }

// Reject returns a retryable validation rejection.
func Reject(format string, args ...any) error {
	return &Rejection{Message: fmt.Sprintf(format, args...), Kind: fault.Validation}
}

// RejectDuplicate returns a non-retryable rejection for values already taken.
func RejectDuplicate(format string, args ...any) error {
	return &Rejection{Message: fmt.Sprintf(format, args...), Kind: fault.Duplicate}
}

// Result is the outcome of one validation attempt.
type Result struct {
	Valid    bool
	Value    string // normalized value when Valid
	Message  string // field-specific error when not Valid
	Exceeded bool   // retries exhausted on this attempt
	Attempts int    // consecutive failures so far
	Kind     fault.Kind
}

// Registry maps field names to validators and tracks retries.
type Registry struct {
	mu         sync.RWMutex
	validators map[string]Validator
	retries    *RetryCounter
}

// NewRegistry creates an empty registry backed by retries.
func NewRegistry(retries *RetryCounter) *Registry {
	return &Registry{validators: make(map[string]Validator), retries: retries}
}

// Register binds a validator to a field name, replacing any previous one.
func (r *Registry) Register(field string, v Validator) {
	r.mu.Lock()
	r.validators[field] = v
	r.mu.Unlock()
}

// Has reports whether field has a validator.
func (r *Registry) Has(field string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.validators[field]
	return ok
}

// Retries exposes the retry counter.
func (r *Registry) Retries() *RetryCounter { return r.retries }

// Validate runs field's validator on raw for identity. Validation failures
// are reported in Result; the returned error is reserved for an unknown field
// or a collaborator failure (e.g. the uniqueness lookup could not reach the store).
func (r *Registry) Validate(ctx context.Context, field, raw, identity string) (Result, error) {
	r.mu.RLock()
	v, ok := r.validators[field]
	r.mu.RUnlock()
	if !ok {
		return Result{}, fault.Errorf(fault.Config, "validate", "no validator for field %q", field)
	}
	return r.ValidateWith(ctx, field, v, raw, identity)
}

// ValidateWith runs v for field with the same retry bookkeeping as Validate.
// Flow steps carry their own validator and use this entry point.
func (r *Registry) ValidateWith(ctx context.Context, field string, v Validator, raw, identity string) (Result, error) {
	value, err := v(ctx, raw, identity)
	if err == nil {
		r.retries.Reset(identity, field)
		return Result{Valid: true, Value: value}, nil
	}

	var rej *Rejection
	if !errors.As(err, &rej) {
		return Result{}, fmt.Errorf("validate %s: %w", field, err)
	}
	if rej.Kind == fault.Duplicate {
		return Result{Message: rej.Message, Kind: fault.Duplicate}, nil
	}

	attempts, exceeded := r.retries.Fail(identity, field)
	return Result{
		Message:  rej.Message,
		Exceeded: exceeded,
		Attempts: attempts,
		Kind:     fault.Validation,
	}, nil
}
