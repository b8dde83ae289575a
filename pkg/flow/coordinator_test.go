package flow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flowdesk/pkg/fault"
	"flowdesk/pkg/journal"
	"flowdesk/pkg/record"
	"flowdesk/pkg/task"
)

func TestCustomerRegistrationRetriesEmail(t *testing.T) {
	h := newHarness(t, PolicyError)

	r := h.send(customer, task.RoleCustomer, "register")
	assert.Equal(t, []string{h.catalog.Text("start", "registration"), h.stepText(1, 2, FieldName)}, texts(r))
	assert.Equal(t, 0, r.Step)

	r = h.send(customer, task.RoleCustomer, "Asha Kumar")
	assert.Equal(t, 1, r.Step)
	assert.Equal(t, h.stepText(2, 2, FieldEmail), lastText(r))

	r = h.send(customer, task.RoleCustomer, "not-an-email")
	assert.Equal(t, 1, r.Step, "a rejected value never advances the step")
	require.Len(t, r.Messages, 2)
	assert.Contains(t, r.Messages[0].Text, "doesn't look like an email")
	assert.Equal(t, 1, h.retries.Attempts(customer, FieldEmail))

	r = h.send(customer, task.RoleCustomer, "asha@example.com")
	assert.Equal(t, task.StatusCompleted, r.Status)
	assert.Equal(t, h.catalog.Text("registered_customer", "Asha Kumar"), lastText(r))
	assert.Equal(t, 0, h.retries.Attempts(customer, FieldEmail))

	rec, err := h.customers.Get(h.ctx, customer)
	require.NoError(t, err)
	assert.Equal(t, "Asha Kumar", rec.Name)
	assert.Equal(t, "asha@example.com", rec.Email)

	assert.Equal(t, []string{
		journal.TaskCreated, journal.TaskAdvanced, journal.TaskRetry, journal.TaskAdvanced, journal.TaskCompleted,
	}, h.journalTypes(r.TaskID))
	require.NoError(t, h.journal.VerifyChain(h.ctx))
	assert.Equal(t, 1, h.obs.failed[FieldEmail])
	assert.Equal(t, 1, h.obs.transitions["registration/completed"])

	// Everything the user saw also went through the sink.
	assert.NotEmpty(t, h.sink.To(customer))
}

func TestProviderRegistration(t *testing.T) {
	h := newHarness(t, PolicyError)
	h.send(provider, task.RoleProvider, "sign up")
	h.send(provider, task.RoleProvider, "Ravi Shankar")

	r := h.send(provider, task.RoleProvider, "skip")
	assert.Equal(t, 2, r.Step)
	require.Len(t, r.Messages, 1)
	assert.Len(t, r.Messages[0].Options, len(h.catalog.Services))

	h.send(provider, task.RoleProvider, "2")
	r = h.send(provider, task.RoleProvider, "Rs. 1,500/-")
	assert.Equal(t, task.StatusCompleted, r.Status)
	assert.Equal(t, h.catalog.Text("registered_provider", "Ravi Shankar", "Fitness training"), lastText(r))

	rec, err := h.providers.Get(h.ctx, provider)
	require.NoError(t, err)
	assert.Equal(t, "", rec.Email)
	assert.Equal(t, "fitness", rec.Attributes["service"])
	assert.Equal(t, "1500.00", rec.Attributes["price"])

	// Registering twice is refused before a task is created.
	r = h.send(provider, task.RoleProvider, "register")
	assert.Equal(t, []string{h.catalog.Text("already_registered")}, texts(r))
	assert.Nil(t, h.running(provider, task.RoleProvider))
}

func TestRetriesExceededOffersCancelOrRestart(t *testing.T) {
	h := newHarness(t, PolicyError)
	h.send(customer, task.RoleCustomer, "register")
	h.send(customer, task.RoleCustomer, "Asha Kumar")

	h.send(customer, task.RoleCustomer, "bad")
	h.send(customer, task.RoleCustomer, "worse")
	r := h.send(customer, task.RoleCustomer, "still bad")
	require.Len(t, r.Messages, 2)
	offer := r.Messages[1]
	require.Len(t, offer.Options, 2)
	assert.Equal(t, choiceCancel, offer.Options[0].Value)
	assert.Equal(t, choiceRestart, offer.Options[1].Value)
	assert.Equal(t, AwaitAbort, h.running(customer, task.RoleCustomer).String(KeyAwait))
	assert.Equal(t, 1, h.obs.exceeded[FieldEmail])

	// Another wrong answer is still just a retry, with the offer repeated.
	r = h.send(customer, task.RoleCustomer, "nope@")
	assert.Equal(t, task.StatusRunning, r.Status)
	assert.Equal(t, 1, h.retries.Attempts(customer, FieldEmail))
	require.NotEmpty(t, r.Messages)
	assert.Len(t, r.Messages[len(r.Messages)-1].Options, 2)

	// Restart goes back to the first step with nothing collected.
	r = h.send(customer, task.RoleCustomer, "2")
	assert.Equal(t, 0, r.Step)
	assert.Equal(t, []string{h.catalog.Text("restarted"), h.stepText(1, 2, FieldName)}, texts(r))
	cur := h.running(customer, task.RoleCustomer)
	assert.Nil(t, cur.Data[FieldName])
	assert.Empty(t, cur.String(KeyAwait))
}

func TestRetriesExceededThenCancel(t *testing.T) {
	h := newHarness(t, PolicyError)
	h.send(customer, task.RoleCustomer, "register")
	h.send(customer, task.RoleCustomer, "A")
	h.send(customer, task.RoleCustomer, "1")
	h.send(customer, task.RoleCustomer, "!!")

	r := h.send(customer, task.RoleCustomer, "1")
	assert.Equal(t, task.StatusStopped, r.Status)
	assert.Equal(t, h.catalog.Text("cancelled", "registration"), lastText(r))
	assert.Nil(t, h.running(customer, task.RoleCustomer))
}

func TestRetriesExceededThenValidAnswer(t *testing.T) {
	h := newHarness(t, PolicyError)
	h.send(customer, task.RoleCustomer, "register")
	for _, bad := range []string{"1", "2", "3"} {
		h.send(customer, task.RoleCustomer, bad)
	}
	r := h.send(customer, task.RoleCustomer, "Asha Kumar")
	assert.Equal(t, 1, r.Step)
	assert.Empty(t, h.running(customer, task.RoleCustomer).String(KeyAwait))
}

func TestSecondStartOffersResume(t *testing.T) {
	h := newHarness(t, PolicyError)
	first := h.send(provider, task.RoleProvider, "register")
	h.send(provider, task.RoleProvider, "Ravi Shankar")
	h.clock.Advance(2 * time.Hour)

	r := h.send(provider, task.RoleProvider, "register")
	assert.Equal(t, first.TaskID, r.TaskID, "a second start never creates another task")
	require.Len(t, r.Messages, 1)
	assert.Equal(t, h.catalog.Text("resume_offer", "registration", "2 hours"), r.Messages[0].Text)
	assert.Len(t, r.Messages[0].Options, 2)

	r = h.send(provider, task.RoleProvider, "1")
	assert.Equal(t, first.TaskID, r.TaskID)
	assert.Equal(t, 1, r.Step)
	assert.Equal(t, []string{h.catalog.Text("resumed"), h.stepText(2, 4, FieldEmail)}, texts(r))
	assert.Equal(t, "Ravi Shankar", h.get(first.TaskID).String(FieldName))
}

func TestSecondStartFresh(t *testing.T) {
	h := newHarness(t, PolicyError)
	first := h.send(provider, task.RoleProvider, "register")
	h.send(provider, task.RoleProvider, "Ravi Shankar")
	h.send(provider, task.RoleProvider, "register")

	r := h.send(provider, task.RoleProvider, "start fresh")
	assert.NotEqual(t, first.TaskID, r.TaskID)
	assert.Equal(t, 0, r.Step)
	assert.Equal(t, task.StatusStopped, h.get(first.TaskID).Status)
	assert.Nil(t, h.get(r.TaskID).Data[FieldName])
}

func TestUnclearResumeAnswerRepeatsOffer(t *testing.T) {
	h := newHarness(t, PolicyError)
	h.send(provider, task.RoleProvider, "register")
	h.send(provider, task.RoleProvider, "register")

	r := h.send(provider, task.RoleProvider, "what?")
	require.Len(t, r.Messages, 1)
	assert.Len(t, r.Messages[0].Options, 2)
	assert.Equal(t, AwaitResume, h.running(provider, task.RoleProvider).String(KeyAwait))
}

func TestFinalizeKeepsTaskWhenStoreUnavailable(t *testing.T) {
	h := newHarness(t, PolicyError)
	h.send(customer, task.RoleCustomer, "register")
	h.send(customer, task.RoleCustomer, "Asha Kumar")

	h.customers.Fail = errors.New("connection refused")
	r, err := h.handle(customer, task.RoleCustomer, "skip")
	require.Error(t, err)
	assert.Equal(t, fault.Database, fault.KindOf(err))
	assert.Equal(t, []string{fault.MsgTryAgain}, texts(r))
	for _, m := range r.Messages {
		assert.NotContains(t, m.Text, "connection refused")
	}
	assert.Zero(t, h.obs.finalize)

	running := h.running(customer, task.RoleCustomer)
	require.NotNil(t, running)
	assert.Equal(t, 2, running.Step)
	assert.Equal(t, "Asha Kumar", running.String(FieldName))

	// The store is back; any message finishes the registration.
	h.customers.Fail = nil
	r = h.send(customer, task.RoleCustomer, "hello?")
	assert.Equal(t, running.ID, r.TaskID)
	assert.Equal(t, task.StatusCompleted, r.Status)
	assert.Equal(t, h.catalog.Text("registered_customer", "Asha Kumar"), lastText(r))

	rec, err := h.customers.Get(h.ctx, customer)
	require.NoError(t, err)
	assert.Equal(t, "Asha Kumar", rec.Name)
}

func TestFinalizeFailureStopsTask(t *testing.T) {
	h := newHarness(t, PolicyError)
	def, ok := h.defs.Lookup(task.RoleCustomer, task.TypeRegistration)
	require.True(t, ok)
	def.Finalize = func(context.Context, Finalize) (FinalizeResult, error) {
		return FinalizeResult{}, errors.New("profile rejected by directory")
	}

	h.send(customer, task.RoleCustomer, "register")
	h.send(customer, task.RoleCustomer, "Asha Kumar")
	r := h.send(customer, task.RoleCustomer, "skip")
	assert.Equal(t, task.StatusStopped, r.Status)
	assert.Equal(t, []string{fault.MsgNotCompleted}, texts(r))
	for _, m := range r.Messages {
		assert.NotContains(t, m.Text, "directory")
	}
	assert.Equal(t, 1, h.obs.finalize)
	types := h.journalTypes(r.TaskID)
	assert.Equal(t, journal.TaskStopped, types[len(types)-1])
	assert.Contains(t, types, journal.TaskFinalizeFailed)
	assert.Nil(t, h.running(customer, task.RoleCustomer))
}

func TestDuplicateValueOffersWayOut(t *testing.T) {
	h := newHarness(t, PolicyError)
	_, err := h.customers.Create(h.ctx, record.Record{
		Identity: "+919876500000", Name: "Ravi", Email: "taken@example.com", Phone: "+919876500000",
	})
	require.NoError(t, err)

	h.send(customer, task.RoleCustomer, "register")
	h.send(customer, task.RoleCustomer, "Asha Kumar")

	for i := 0; i < 3; i++ {
		r := h.send(customer, task.RoleCustomer, "taken@example.com")
		assert.Equal(t, 1, r.Step)
		require.Len(t, r.Messages, 2)
		assert.Equal(t, "That email is already registered with another account.", r.Messages[0].Text)
		offer := r.Messages[1]
		assert.Equal(t, h.catalog.Text("duplicate_offer"), offer.Text)
		require.Len(t, offer.Options, 2)
		assert.Equal(t, choiceCancel, offer.Options[0].Value)
		assert.Equal(t, AwaitAbort, h.running(customer, task.RoleCustomer).String(KeyAwait))
	}
	assert.Zero(t, h.retries.Attempts(customer, FieldEmail), "duplicates are not counted as retries")

	// A different answer still completes the flow.
	r := h.send(customer, task.RoleCustomer, "asha@example.com")
	assert.Equal(t, task.StatusCompleted, r.Status)

	// Or the user can take the offer and stop.
	h.send(provider, task.RoleProvider, "register")
	_, err = h.providers.Create(h.ctx, record.Record{
		Identity: "+919876500001", Name: "Meera", Email: "meera@example.com", Phone: "+919876500001",
	})
	require.NoError(t, err)
	h.send(provider, task.RoleProvider, "Kiran Rao")
	r = h.send(provider, task.RoleProvider, "meera@example.com")
	require.Len(t, r.Messages, 2)
	r = h.send(provider, task.RoleProvider, "1")
	assert.Equal(t, task.StatusStopped, r.Status)
}

func TestUnknownTaskTypePolicies(t *testing.T) {
	for _, tc := range []struct {
		policy  Policy
		status  task.Status
		message string
	}{
		{PolicyError, task.StatusStopped, "unknown_type"},
		{PolicyFinalize, task.StatusCompleted, "completed_generic"},
	} {
		t.Run(string(tc.policy), func(t *testing.T) {
			h := newHarness(t, tc.policy)
			legacy, err := h.tasks.Create(h.ctx, &task.Task{Identity: customer, Role: task.RoleCustomer, Type: "legacy_survey"})
			require.NoError(t, err)

			r := h.send(customer, task.RoleCustomer, "anything at all")
			assert.Equal(t, legacy.ID, r.TaskID)
			assert.Equal(t, tc.status, r.Status)
			assert.Equal(t, []string{h.catalog.Text(tc.message)}, texts(r))
		})
	}
}

func TestOutOfRangeStepRollsBack(t *testing.T) {
	h := newHarness(t, PolicyError)
	broken, err := h.tasks.Create(h.ctx, &task.Task{
		Identity: customer, Role: task.RoleCustomer, Type: task.TypeRegistration,
		Data: map[string]any{FieldName: "Asha Kumar"},
	})
	require.NoError(t, err)
	_, err = h.tasks.Update(h.ctx, broken.ID, task.Update{Step: task.StepPtr(7)})
	require.NoError(t, err)

	r := h.send(customer, task.RoleCustomer, "asha@example.com")
	assert.Equal(t, 1, r.Step)
	assert.Equal(t, []string{h.catalog.Text("lost_place"), h.stepText(2, 2, FieldEmail)}, texts(r))

	r = h.send(customer, task.RoleCustomer, "asha@example.com")
	assert.Equal(t, task.StatusCompleted, r.Status)
}

func TestAllStepsCollectedButRunningFinalizes(t *testing.T) {
	h := newHarness(t, PolicyError)
	stuck, err := h.tasks.Create(h.ctx, &task.Task{
		Identity: customer, Role: task.RoleCustomer, Type: task.TypeRegistration,
		Data: map[string]any{FieldName: "Asha Kumar", FieldEmail: ""},
	})
	require.NoError(t, err)
	_, err = h.tasks.Update(h.ctx, stuck.ID, task.Update{Step: task.StepPtr(2)})
	require.NoError(t, err)

	r := h.send(customer, task.RoleCustomer, "hello?")
	assert.Equal(t, task.StatusCompleted, r.Status)
	_, err = h.customers.Get(h.ctx, customer)
	assert.NoError(t, err)
}

func TestDuplicateMessageIDIsIgnored(t *testing.T) {
	h := newHarness(t, PolicyError)
	h.send(customer, task.RoleCustomer, "register")
	in := Inbound{MessageID: "wamid-1", Identity: customer, Role: task.RoleCustomer, Text: "Asha Kumar"}

	r, err := h.engine.Handle(h.ctx, in)
	require.NoError(t, err)
	assert.Equal(t, 1, r.Step)
	sent := len(h.sink.Sent())

	r, err = h.engine.Handle(h.ctx, in)
	require.NoError(t, err)
	assert.True(t, r.Duplicate)
	assert.Len(t, h.sink.Sent(), sent)
	assert.Equal(t, 1, h.running(customer, task.RoleCustomer).Step)

	// A fresh coordinator without the in-memory cache still recognizes the
	// last applied message from the task itself.
	again := New(Options{
		Store:       h.tasks,
		Definitions: h.engine.defs,
		Validators:  h.engine.validators,
		Lifecycle:   h.life,
		Catalog:     h.catalog,
		Logger:      quietLogger(),
	})
	r, err = again.Handle(h.ctx, in)
	require.NoError(t, err)
	assert.True(t, r.Duplicate)
	assert.Equal(t, 1, h.running(customer, task.RoleCustomer).Step)
}

func TestStoreFailureSurfacesRetryMessage(t *testing.T) {
	h := newHarness(t, PolicyError)
	h.send(customer, task.RoleCustomer, "register")
	h.tasks.Fail = errors.New("dial tcp: i/o timeout")

	r, err := h.handle(customer, task.RoleCustomer, "Asha Kumar")
	require.Error(t, err)
	assert.Equal(t, fault.Database, fault.KindOf(err))
	assert.Equal(t, []string{fault.MsgTryAgain}, texts(r))

	h.tasks.Fail = nil
	assert.Equal(t, 0, h.running(customer, task.RoleCustomer).Step, "nothing was lost or applied")
}

func TestSince(t *testing.T) {
	assert.Equal(t, "a moment", since(10*time.Second))
	assert.Equal(t, "1 minute", since(time.Minute))
	assert.Equal(t, "5 minutes", since(5*time.Minute+20*time.Second))
	assert.Equal(t, "26 hours", since(26*time.Hour))
	assert.Equal(t, "3 days", since(72*time.Hour))
}
