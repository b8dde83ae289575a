package flow

import (
	"context"
	"log/slog"

	"flowdesk/pkg/link"
	"flowdesk/pkg/messaging"
	"flowdesk/pkg/record"
	"flowdesk/pkg/task"
	"flowdesk/pkg/validate"
)

// Field names used by the built-in flows.
const (
	FieldName             = "name"
	FieldEmail            = "email"
	FieldService          = "service"
	FieldPrice            = "price"
	FieldCounterpartName  = "counterpart_name"
	FieldCounterpartPhone = "counterpart_phone"
	FieldDecision         = "decision"
	FieldSelection        = "selection"
)

// Data keys set when a contact-confirmation task starts.
const (
	KeyLinkID       = "link_id"
	KeyProvider     = "provider"
	KeyProviderName = "provider_name"
)

// Deps are the collaborators the built-in flows need.
type Deps struct {
	Catalog  *Catalog
	Records  *record.Registry
	Links    link.Store
	Sink     messaging.Sink
	Region   string
	PriceMin float64
	PriceMax float64
	Logger   *slog.Logger
}

// BuiltinDefinitions returns the registration, profile edit, add-counterpart
// and contact-confirmation flows for both roles.
func BuiltinDefinitions(d Deps) (*Definitions, error) {
	if d.Catalog == nil {
		d.Catalog = DefaultCatalog()
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	providers, err := d.Records.For(task.RoleProvider)
	if err != nil {
		return nil, err
	}
	customers, err := d.Records.For(task.RoleCustomer)
	if err != nil {
		return nil, err
	}
	cat := d.Catalog
	fin := &finalizers{deps: d}
	defs := NewDefinitions()

	providerReg := &Definition{
		Role: task.RoleProvider,
		Type: task.TypeRegistration,
		Steps: withPrompts(cat, []Step{
			{Field: FieldName, Validate: validate.Name()},
			{Field: FieldEmail, Validate: validate.Email(true, record.Uniqueness{Cap: providers})},
			{Field: FieldService, Validate: validate.Choice(cat.Services, true)},
			{Field: FieldPrice, Validate: validate.Price(d.PriceMin, d.PriceMax)},
		}, map[string][]validate.Option{FieldService: cat.Services}),
		Finalize: fin.register(providers),
	}
	customerReg := &Definition{
		Role: task.RoleCustomer,
		Type: task.TypeRegistration,
		Steps: withPrompts(cat, []Step{
			{Field: FieldName, Validate: validate.Name()},
			{Field: FieldEmail, Validate: validate.Email(true, record.Uniqueness{Cap: customers})},
		}, nil),
		Finalize: fin.register(customers),
	}
	defs.Register(providerReg)
	defs.Register(customerReg)

	providerReg.Init = fin.notRegistered(providers)
	customerReg.Init = fin.notRegistered(customers)
	defs.Register(editDefinition(cat, providerReg, providers, fin.edit(providers)))
	defs.Register(editDefinition(cat, customerReg, customers, fin.edit(customers)))

	defs.Register(&Definition{
		Role: task.RoleProvider,
		Type: task.TypeAddCounterpart,
		Steps: withPrompts(cat, []Step{
			{Field: FieldCounterpartName, Validate: validate.Name()},
			{Field: FieldCounterpartPhone, Validate: counterpartPhone(cat, d.Region, d.Links)},
		}, nil),
		Finalize: fin.addCounterpart(customers),
	})

	defs.Register(&Definition{
		Role: task.RoleCustomer,
		Type: task.TypeContactConfirmation,
		Plan: func(t *task.Task) []Step {
			who := t.String(KeyProviderName)
			return []Step{{
				Field:    FieldDecision,
				Validate: validate.YesNo(),
				Prompt: func(int) Message {
					return Message{Text: cat.Prompt(FieldDecision, who), Options: validate.YesNoOptions}
				},
			}}
		},
		Init:     fin.pendingLink(),
		Finalize: fin.confirmContact(),
	})
	return defs, nil
}

// withPrompts fills in numbered catalog prompts for steps that have none.
func withPrompts(cat *Catalog, steps []Step, options map[string][]validate.Option) []Step {
	total := len(steps)
	for i := range steps {
		if steps[i].Prompt != nil {
			continue
		}
		field := steps[i].Field
		steps[i].Prompt = func(n int) Message {
			return Message{Text: cat.Text("step", n, total, cat.Prompt(field)), Options: options[field]}
		}
	}
	return steps
}

// counterpartPhone validates a customer's number for the provider adding
// them. Numbers already linked to the provider are duplicates.
func counterpartPhone(cat *Catalog, region string, links link.Store) validate.Validator {
	base := validate.Phone(region, nil)
	return func(ctx context.Context, raw, identity string) (string, error) {
		phone, err := base(ctx, raw, identity)
		if err != nil {
			return "", err
		}
		if phone == identity {
			return "", validate.Reject("%s", cat.Text("counterpart_self"))
		}
		l, err := links.Between(ctx, identity, phone)
		if err != nil {
			return "", err
		}
		if l != nil {
			return "", validate.RejectDuplicate("%s", cat.Text("counterpart_linked"))
		}
		return phone, nil
	}
}
