package flow

import (
	"context"

	"flowdesk/pkg/fault"
	"flowdesk/pkg/link"
	"flowdesk/pkg/record"
	"flowdesk/pkg/task"
	"flowdesk/pkg/validate"
)

// finalizers holds the commit callbacks of the built-in flows. Each one looks
// before it writes so a redelivered final message cannot create a second record.
type finalizers struct {
	deps Deps
}

func str(data map[string]any, key string) string {
	s, _ := data[key].(string)
	return s
}

// notRegistered refuses a registration for an identity that already has a record.
func (f *finalizers) notRegistered(rc record.Capability) func(context.Context, string) (map[string]any, error) {
	return func(ctx context.Context, identity string) (map[string]any, error) {
		_, err := rc.Get(ctx, identity)
		switch {
		case err == nil:
			return nil, &Refusal{Text: f.deps.Catalog.Text("already_registered")}
		case fault.Is(err, fault.NotFound):
			return map[string]any{}, nil
		default:
			return nil, err
		}
	}
}

func (f *finalizers) register(rc record.Capability) Finalizer {
	cat := f.deps.Catalog
	return func(ctx context.Context, in Finalize) (FinalizeResult, error) {
		t := in.Task
		existing, err := rc.Get(ctx, t.Identity)
		if err != nil && !fault.Is(err, fault.NotFound) {
			return FinalizeResult{}, err
		}
		rec := existing
		if rec == nil {
			r := record.Record{
				Identity: t.Identity,
				Name:     str(in.Data, FieldName),
				Email:    str(in.Data, FieldEmail),
				Phone:    t.Identity,
			}
			if svc := str(in.Data, FieldService); svc != "" {
				r.Attributes = map[string]string{FieldService: svc, FieldPrice: str(in.Data, FieldPrice)}
			}
			rec, err = rc.Create(ctx, r)
			if fault.Is(err, fault.Duplicate) {
				// Lost a race with a redelivery of the same message.
				if again, gerr := rc.Get(ctx, t.Identity); gerr == nil {
					rec, err = again, nil
				}
			}
			if err != nil {
				return FinalizeResult{}, err
			}
		}
		msg := cat.Text("registered_customer", rec.Name)
		if t.Role == task.RoleProvider {
			msg = cat.Text("registered_provider", rec.Name, serviceLabel(cat, rec.Attributes[FieldService]))
		}
		return FinalizeResult{Message: msg, CreatedID: rec.ID}, nil
	}
}

func serviceLabel(cat *Catalog, value string) string {
	for _, o := range cat.Services {
		if o.Value == value {
			return o.Label
		}
	}
	return value
}

// edit applies the accumulated updates in one write. No net changes means no
// write at all.
func (f *finalizers) edit(rc record.Capability) Finalizer {
	cat := f.deps.Catalog
	return func(ctx context.Context, in Finalize) (FinalizeResult, error) {
		updates := EditUpdates(in.Data)
		if len(updates) == 0 {
			return FinalizeResult{Message: cat.Text("no_changes")}, nil
		}
		fields := make(map[string]string, len(updates))
		for field, value := range updates {
			storage, ok := rc.StorageField(field)
			if !ok {
				return FinalizeResult{}, fault.Errorf(fault.Config, "flow.edit", "no storage field for %q", field)
			}
			fields[storage] = value
		}
		rec, err := rc.Update(ctx, in.Task.Identity, fields)
		if err != nil {
			return FinalizeResult{}, err
		}
		return FinalizeResult{Message: cat.Text("updated", len(updates)), CreatedID: rec.ID}, nil
	}
}

// addCounterpart creates the customer record if needed, opens a pending link
// and asks the customer to confirm.
func (f *finalizers) addCounterpart(customers record.Capability) Finalizer {
	cat := f.deps.Catalog
	return func(ctx context.Context, in Finalize) (FinalizeResult, error) {
		provider := in.Task.Identity
		name := str(in.Data, FieldCounterpartName)
		phone := str(in.Data, FieldCounterpartPhone)

		if _, err := customers.Get(ctx, phone); fault.Is(err, fault.NotFound) {
			_, err = customers.Create(ctx, record.Record{Identity: phone, Name: name, Phone: phone, CreatedBy: provider})
			if err != nil && !fault.Is(err, fault.Duplicate) {
				return FinalizeResult{}, err
			}
		} else if err != nil {
			return FinalizeResult{}, err
		}

		l, created, err := f.deps.Links.Open(ctx, provider, phone)
		if err != nil {
			return FinalizeResult{}, err
		}
		if created && f.deps.Sink != nil {
			if err := f.deps.Sink.SendText(ctx, phone, cat.Text("counterpart_notify", f.providerName(ctx, provider))); err != nil {
				f.deps.Logger.Warn("counterpart notification failed", "link_id", l.ID, "to", phone, "error", err)
			}
		}
		return FinalizeResult{Message: cat.Text("counterpart_added", name), CreatedID: l.ID}, nil
	}
}

// pendingLink seeds a contact-confirmation task with the oldest pending link.
func (f *finalizers) pendingLink() func(context.Context, string) (map[string]any, error) {
	return func(ctx context.Context, identity string) (map[string]any, error) {
		pending, err := f.deps.Links.PendingFor(ctx, identity)
		if err != nil {
			return nil, err
		}
		if len(pending) == 0 {
			return nil, &Refusal{Text: f.deps.Catalog.Text("no_pending")}
		}
		l := pending[0]
		return map[string]any{
			KeyLinkID:       l.ID,
			KeyProvider:     l.Provider,
			KeyProviderName: f.providerName(ctx, l.Provider),
		}, nil
	}
}

// confirmContact resolves the link. Resolving again with the same answer is a no-op.
func (f *finalizers) confirmContact() Finalizer {
	cat := f.deps.Catalog
	return func(ctx context.Context, in Finalize) (FinalizeResult, error) {
		yes := str(in.Data, FieldDecision) == validate.Yes
		l, err := f.deps.Links.Resolve(ctx, str(in.Data, KeyLinkID), yes)
		if err != nil {
			return FinalizeResult{}, err
		}
		who := str(in.Data, KeyProviderName)
		customer := in.Task.Identity
		if rc, err := f.deps.Records.For(task.RoleCustomer); err == nil {
			if rec, err := rc.Get(ctx, customer); err == nil {
				customer = rec.Name
			}
		}

		msg, notify := cat.Text("link_declined", who), cat.Text("link_declined_notify", customer)
		if l.Status == link.Confirmed {
			msg, notify = cat.Text("link_confirmed", who), cat.Text("link_confirmed_notify", customer)
		}
		if f.deps.Sink != nil {
			if err := f.deps.Sink.SendText(ctx, l.Provider, notify); err != nil {
				f.deps.Logger.Warn("link notification failed", "link_id", l.ID, "to", l.Provider, "error", err)
			}
		}
		return FinalizeResult{Message: msg, CreatedID: l.ID}, nil
	}
}

func (f *finalizers) providerName(ctx context.Context, identity string) string {
	rc, err := f.deps.Records.For(task.RoleProvider)
	if err != nil {
		return identity
	}
	rec, err := rc.Get(ctx, identity)
	if err != nil {
		return identity
	}
	return rec.Name
}
