package flow

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flowdesk/pkg/record"
	"flowdesk/pkg/task"
)

func registerCustomer(t *testing.T, h *harness) {
	t.Helper()
	_, err := h.customers.Create(h.ctx, record.Record{Identity: customer, Name: "Asha Kumar", Email: "asha@example.com"})
	require.NoError(t, err)
}

func TestEditShowsCurrentValues(t *testing.T) {
	h := newHarness(t, PolicyError)
	registerCustomer(t, h)

	r := h.send(customer, task.RoleCustomer, "edit profile")
	require.Len(t, r.Messages, 2)
	menu := r.Messages[1].Text
	assert.Contains(t, menu, "1. name (Asha Kumar)")
	assert.Contains(t, menu, "2. email (asha@example.com)")

	r = h.send(customer, task.RoleCustomer, "2")
	assert.Equal(t, h.catalog.Text("step", 2, 2, h.catalog.Prompt("edit_field", "email", "asha@example.com")), lastText(r))
}

func TestEditIdenticalValueWritesNothing(t *testing.T) {
	h := newHarness(t, PolicyError)
	registerCustomer(t, h)
	h.send(customer, task.RoleCustomer, "edit")
	h.send(customer, task.RoleCustomer, "1")

	// Any write to the record store would fail now.
	h.customers.Fail = errors.New("read only")
	r := h.send(customer, task.RoleCustomer, "  Asha   Kumar ")
	assert.Equal(t, task.StatusCompleted, r.Status)
	assert.Equal(t, []string{h.catalog.Text("no_changes")}, texts(r))
}

func TestEditAppliesOnlyChangedFields(t *testing.T) {
	h := newHarness(t, PolicyError)
	registerCustomer(t, h)
	h.send(customer, task.RoleCustomer, "update profile")
	h.send(customer, task.RoleCustomer, "all")
	h.send(customer, task.RoleCustomer, "Asha Kumar")

	r := h.send(customer, task.RoleCustomer, "asha.k@example.com")
	assert.Equal(t, task.StatusCompleted, r.Status)
	assert.Equal(t, h.catalog.Text("updated", 1), lastText(r))
	assert.Equal(t, map[string]string{FieldEmail: "asha.k@example.com"}, EditUpdates(h.get(r.TaskID).Data))

	rec, err := h.customers.Get(h.ctx, customer)
	require.NoError(t, err)
	assert.Equal(t, "Asha Kumar", rec.Name)
	assert.Equal(t, "asha.k@example.com", rec.Email)
}

func TestEditChangeThenRevertIsNoChange(t *testing.T) {
	h := newHarness(t, PolicyError)
	registerCustomer(t, h)
	h.send(customer, task.RoleCustomer, "edit")
	h.send(customer, task.RoleCustomer, "1,2")
	h.send(customer, task.RoleCustomer, "Asha K")

	cur := h.running(customer, task.RoleCustomer)
	assert.Equal(t, map[string]string{FieldName: "Asha K"}, EditUpdates(cur.Data))

	r := h.send(customer, task.RoleCustomer, "asha@example.com")
	assert.Equal(t, h.catalog.Text("updated", 1), lastText(r))
	rec, err := h.customers.Get(h.ctx, customer)
	require.NoError(t, err)
	assert.Equal(t, "Asha K", rec.Name)
}

func TestEditProviderAttribute(t *testing.T) {
	h := newHarness(t, PolicyError)
	_, err := h.providers.Create(h.ctx, record.Record{
		Identity:   provider,
		Name:       "Ravi Shankar",
		Attributes: map[string]string{"service": "fitness", "price": "800.00"},
	})
	require.NoError(t, err)

	r := h.send(provider, task.RoleProvider, "edit profile")
	assert.Contains(t, lastText(r), "3. service (fitness)")

	r = h.send(provider, task.RoleProvider, "3, 4")
	require.Len(t, r.Messages, 1)
	assert.Len(t, r.Messages[0].Options, len(h.catalog.Services), "choice steps keep their options when edited")

	h.send(provider, task.RoleProvider, "tuition")
	r = h.send(provider, task.RoleProvider, "950")
	assert.Equal(t, h.catalog.Text("updated", 2), lastText(r))

	rec, err := h.providers.Get(h.ctx, provider)
	require.NoError(t, err)
	assert.Equal(t, "tutoring", rec.Attributes["service"])
	assert.Equal(t, "950.00", rec.Attributes["price"])
	assert.Equal(t, "Ravi Shankar", rec.Name)
}

func TestEditCancelCompletesWithoutChanges(t *testing.T) {
	h := newHarness(t, PolicyError)
	registerCustomer(t, h)
	started := h.send(customer, task.RoleCustomer, "edit")
	h.send(customer, task.RoleCustomer, "1")

	r := h.send(customer, task.RoleCustomer, "cancel")
	assert.Equal(t, task.StatusCompleted, r.Status)
	assert.Equal(t, []string{h.catalog.Text("no_changes")}, texts(r))
	assert.Equal(t, task.StatusCompleted, h.get(started.TaskID).Status)
}

func TestEditRequiresRegistration(t *testing.T) {
	h := newHarness(t, PolicyError)
	r := h.send(customer, task.RoleCustomer, "edit profile")
	assert.Equal(t, []string{h.catalog.Text("not_registered")}, texts(r))
	assert.Nil(t, h.running(customer, task.RoleCustomer))
}

func TestEditBadSelectionRetries(t *testing.T) {
	h := newHarness(t, PolicyError)
	registerCustomer(t, h)
	h.send(customer, task.RoleCustomer, "edit")

	r := h.send(customer, task.RoleCustomer, "5")
	assert.Equal(t, 0, r.Step)
	assert.Contains(t, r.Messages[0].Text, "between 1 and 2")
}
