package telemetry

import (
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flowdesk/pkg/fault"
	"flowdesk/pkg/task"
)

func TestMetricsCountAndServe(t *testing.T) {
	m := NewMetrics()
	m.Transition(task.TypeRegistration, "completed")
	m.Transition(task.TypeRegistration, "completed")
	m.ValidationFailed("email")
	m.RetriesExceeded("email")
	m.FinalizeFailed(task.TypeProfileEdit)
	m.Expired(3)
	m.Expired(0)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `flowdesk_transitions_total{outcome="completed",type="registration"} 2`)
	assert.Contains(t, string(body), `flowdesk_validation_failures_total{field="email"} 1`)
	assert.Contains(t, string(body), `flowdesk_retries_exceeded_total{field="email"} 1`)
	assert.Contains(t, string(body), `flowdesk_finalize_failures_total{type="profile_edit"} 1`)
	assert.Contains(t, string(body), "flowdesk_tasks_expired_total 3")
}

func TestWrapStoreDisabledIsIdentity(t *testing.T) {
	p, err := Init(context.Background(), Settings{})
	require.NoError(t, err)
	s := task.NewMemStore()
	assert.Same(t, task.Store(s), WrapStore(p, s))
	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestWrapStorePassesThrough(t *testing.T) {
	ctx := context.Background()
	p, err := Init(ctx, Settings{Enabled: true, Service: "flowdesk-test"})
	require.NoError(t, err)
	defer p.Shutdown(ctx)

	inner := task.NewMemStore()
	s := WrapStore(p, inner)
	_, ok := s.(*Store)
	require.True(t, ok)

	created, err := s.Create(ctx, &task.Task{Identity: "+919876543210", Role: task.RoleCustomer, Type: task.TypeRegistration})
	require.NoError(t, err)
	got, err := s.Running(ctx, "+919876543210", task.RoleCustomer)
	require.NoError(t, err)
	assert.Equal(t, created.ID, got.ID)

	_, err = s.Update(ctx, created.ID, task.Update{Step: task.StepPtr(1), Version: 99})
	assert.Equal(t, fault.Conflict, fault.KindOf(err))

	inner.Fail = errors.New("down")
	_, err = s.Count(ctx)
	assert.Equal(t, fault.Database, fault.KindOf(err))
}
