// Package record holds the role-specific profile records that flows create
// and edit. Every role exposes the same Capability; which implementation
// serves a role is decided once at startup in a Registry.
package record

import (
	"context"
	"errors"
	"strings"
	"time"

	"flowdesk/pkg/fault"
	"flowdesk/pkg/task"
)

// Record is a provider or customer profile.
type Record struct {
	ID         string            `json:"id"`
	Role       task.Role         `json:"role"`
	Identity   string            `json:"identity"` // transport identity, E.164 phone
	Name       string            `json:"name"`
	Email      string            `json:"email,omitempty"`
	Phone      string            `json:"phone"`
	Attributes map[string]string `json:"attributes,omitempty"` // role-specific fields, e.g. service, price
	CreatedBy  string            `json:"created_by,omitempty"` // identity that created the record, if not its owner
	CreatedAt  time.Time         `json:"created_at"`
	UpdatedAt  time.Time         `json:"updated_at"`
}

// AttrPrefix marks a storage field kept in Attributes rather than a column.
const AttrPrefix = "attributes."

// Column storage fields.
const (
	FieldName  = "name"
	FieldEmail = "email"
	FieldPhone = "phone"
)

// ErrNotFound is returned when no record matches.
var ErrNotFound = errors.New("record not found")

// Capability is the narrow record interface the flows depend on.
type Capability interface {
	Create(ctx context.Context, r Record) (*Record, error)
	// Get returns the record for identity, or a NotFound fault.
	Get(ctx context.Context, identity string) (*Record, error)
	// Update writes storage fields (see StorageField) for identity.
	Update(ctx context.Context, identity string, fields map[string]string) (*Record, error)
	// FindByPhone and FindByEmail return nil when nothing matches.
	FindByPhone(ctx context.Context, phone string) (*Record, error)
	FindByEmail(ctx context.Context, email string) (*Record, error)
	// StorageField maps a flow field name to where it is stored.
	StorageField(field string) (string, bool)
}

// Mapping is a flow-field to storage-field table for one role.
type Mapping map[string]string

// Mappings are the storage layouts per role.
var Mappings = map[task.Role]Mapping{
	task.RoleProvider: {
		"name":    FieldName,
		"email":   FieldEmail,
		"service": AttrPrefix + "service",
		"price":   AttrPrefix + "price",
	},
	task.RoleCustomer: {
		"name":  FieldName,
		"email": FieldEmail,
	},
}

// Apply writes storage fields onto r. Unknown column names are rejected.
func (r *Record) Apply(fields map[string]string) error {
	for k, v := range fields {
		switch {
		case k == FieldName:
			r.Name = v
		case k == FieldEmail:
			r.Email = v
		case k == FieldPhone:
			r.Phone = v
		case strings.HasPrefix(k, AttrPrefix) && len(k) > len(AttrPrefix):
			if r.Attributes == nil {
				r.Attributes = map[string]string{}
			}
			r.Attributes[strings.TrimPrefix(k, AttrPrefix)] = v
		default:
			return fault.Errorf(fault.Config, "record.apply", "unknown storage field %q", k)
		}
	}
	return nil
}

// Value reads a storage field from r.
func (r *Record) Value(storage string) string {
	switch storage {
	case FieldName:
		return r.Name
	case FieldEmail:
		return r.Email
	case FieldPhone:
		return r.Phone
	}
	if strings.HasPrefix(storage, AttrPrefix) {
		return r.Attributes[strings.TrimPrefix(storage, AttrPrefix)]
	}
	return ""
}

// Registry maps each role to the capability serving it.
type Registry struct {
	caps map[task.Role]Capability
}

// NewRegistry builds a registry from a role table.
func NewRegistry(caps map[task.Role]Capability) *Registry {
	m := make(map[task.Role]Capability, len(caps))
	for role, c := range caps {
		m[role] = c
	}
	return &Registry{caps: m}
}

// For returns the capability for role, or a Config fault.
func (r *Registry) For(role task.Role) (Capability, error) {
	c, ok := r.caps[role]
	if !ok {
		return nil, fault.Errorf(fault.Config, "record.for", "no record capability for role %q", role)
	}
	return c, nil
}

// Exists reports whether identity has a record in role.
func (r *Registry) Exists(ctx context.Context, role task.Role, identity string) (bool, error) {
	c, err := r.For(role)
	if err != nil {
		return false, err
	}
	_, err = c.Get(ctx, identity)
	if fault.Is(err, fault.NotFound) {
		return false, nil
	}
	return err == nil, err
}

// Uniqueness answers duplicate checks against one role's records.
type Uniqueness struct {
	Cap Capability
}

// PhoneTaken reports whether phone belongs to a record owned by someone else.
func (u Uniqueness) PhoneTaken(ctx context.Context, phone, identity string) (bool, error) {
	rec, err := u.Cap.FindByPhone(ctx, phone)
	if err != nil {
		return false, err
	}
	return rec != nil && rec.Identity != identity, nil
}

// EmailTaken reports whether email belongs to a record owned by someone else.
func (u Uniqueness) EmailTaken(ctx context.Context, email, identity string) (bool, error) {
	rec, err := u.Cap.FindByEmail(ctx, email)
	if err != nil {
		return false, err
	}
	return rec != nil && rec.Identity != identity, nil
}

func cloneRecord(r *Record) *Record {
	if r == nil {
		return nil
	}
	cp := *r
	if r.Attributes != nil {
		cp.Attributes = make(map[string]string, len(r.Attributes))
		for k, v := range r.Attributes {
			cp.Attributes[k] = v
		}
	}
	return &cp
}
