package task

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flowdesk/pkg/fault"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestStore() (*MemStore, *fakeClock) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	s := NewMemStore()
	s.SetClock(clock.Now)
	return s, clock
}

func TestCreateEnforcesSingleRunningTask(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore()

	first, err := s.Create(ctx, &Task{Identity: "+911111111111", Role: RoleProvider, Type: TypeRegistration})
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, first.Status)
	assert.Equal(t, 1, first.Version)

	_, err = s.Create(ctx, &Task{Identity: "+911111111111", Role: RoleProvider, Type: TypeProfileEdit})
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.Conflict))
	assert.ErrorIs(t, err, ErrConflict)

	// A different role is a different slot.
	_, err = s.Create(ctx, &Task{Identity: "+911111111111", Role: RoleCustomer, Type: TypeRegistration})
	require.NoError(t, err)

	n, err := s.StopAllRunning(ctx, "+911111111111", RoleProvider)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = s.Create(ctx, &Task{Identity: "+911111111111", Role: RoleProvider, Type: TypeProfileEdit})
	require.NoError(t, err)

	running, err := s.List(ctx, Filter{Identity: "+911111111111", Status: StatusRunning})
	require.NoError(t, err)
	assert.Len(t, running, 2)
}

func TestUpdateIsIdempotentForRepeatedPatch(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore()
	created, err := s.Create(ctx, &Task{Identity: "a", Role: RoleCustomer, Type: TypeRegistration,
		Data: map[string]any{"name": "Asha"}})
	require.NoError(t, err)

	patch := Update{Data: map[string]any{"email": "a@b.com", "updates": map[string]any{"name": "Asha K"}}}
	once, err := s.Update(ctx, created.ID, patch)
	require.NoError(t, err)
	twice, err := s.Update(ctx, created.ID, patch)
	require.NoError(t, err)

	assert.Equal(t, once.Data, twice.Data)
	assert.Equal(t, "Asha", twice.Data["name"])
	assert.Equal(t, 3, twice.Version)
}

func TestUpdateCompareAndSwap(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore()
	created, err := s.Create(ctx, &Task{Identity: "a", Role: RoleCustomer, Type: TypeRegistration})
	require.NoError(t, err)

	// Two overlapping step advances read the same version; only one wins.
	_, err = s.Update(ctx, created.ID, Update{Data: map[string]any{"name": "Asha"}, Step: StepPtr(1), Version: created.Version})
	require.NoError(t, err)
	_, err = s.Update(ctx, created.ID, Update{Data: map[string]any{"name": "Other"}, Step: StepPtr(1), Version: created.Version})
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.Conflict))

	got, err := s.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "Asha", got.Data["name"])
	assert.Equal(t, 1, got.Step)
}

func TestUpdateUnknownTask(t *testing.T) {
	s, _ := newTestStore()
	_, err := s.Update(context.Background(), "missing", Update{})
	assert.True(t, fault.Is(err, fault.NotFound))
}

func TestCompleteAndStopTransitions(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore()
	created, err := s.Create(ctx, &Task{Identity: "a", Role: RoleProvider, Type: TypeRegistration})
	require.NoError(t, err)

	done, err := s.Complete(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, done.Status)
	require.NotNil(t, done.CompletedAt)

	again, err := s.Complete(ctx, created.ID)
	require.NoError(t, err, "completing twice is a no-op")
	assert.Equal(t, done.Version, again.Version)

	_, err = s.Stop(ctx, created.ID)
	assert.True(t, fault.Is(err, fault.Conflict), "a completed task cannot be stopped")
}

func TestExpireSkipsCompletedTasks(t *testing.T) {
	ctx := context.Background()
	s, clock := newTestStore()

	old, err := s.Create(ctx, &Task{Identity: "a", Role: RoleProvider, Type: TypeRegistration})
	require.NoError(t, err)
	finished, err := s.Create(ctx, &Task{Identity: "b", Role: RoleProvider, Type: TypeRegistration})
	require.NoError(t, err)
	_, err = s.Complete(ctx, finished.ID)
	require.NoError(t, err)

	clock.Advance(72 * time.Hour)
	stale, err := s.ListStale(ctx, clock.Now().Add(-48*time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, old.ID, stale[0].ID)

	ok, err := s.Expire(ctx, finished.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.Expire(ctx, old.ID)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestReactivateRestoresStepAndData(t *testing.T) {
	ctx := context.Background()
	s, clock := newTestStore()
	created, err := s.Create(ctx, &Task{Identity: "a", Role: RoleCustomer, Type: TypeRegistration})
	require.NoError(t, err)
	advanced, err := s.Update(ctx, created.ID, Update{Data: map[string]any{"name": "Asha"}, Step: StepPtr(1)})
	require.NoError(t, err)

	clock.Advance(49 * time.Hour)
	_, err = s.Expire(ctx, created.ID)
	require.NoError(t, err)

	latest, err := s.LatestExpired(ctx, "a")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, created.ID, latest.ID)

	back, err := s.Reactivate(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, back.Status)
	assert.Equal(t, advanced.Data, back.Data)
	assert.Equal(t, 1, back.Step)
	assert.Nil(t, back.ExpiredAt)
}

func TestReactivateBlockedByRunningTask(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore()
	created, err := s.Create(ctx, &Task{Identity: "a", Role: RoleCustomer, Type: TypeRegistration})
	require.NoError(t, err)
	_, err = s.Expire(ctx, created.ID)
	require.NoError(t, err)
	_, err = s.Create(ctx, &Task{Identity: "a", Role: RoleCustomer, Type: TypeProfileEdit})
	require.NoError(t, err)

	_, err = s.Reactivate(ctx, created.ID)
	assert.True(t, fault.Is(err, fault.Conflict))
}

func TestFailingStoreSurfacesDatabaseFault(t *testing.T) {
	s, _ := newTestStore()
	s.Fail = errors.New("connection refused")
	_, err := s.Running(context.Background(), "a", RoleCustomer)
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.Database))
}

func TestConcurrentCreatesKeepInvariant(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore()

	var wg sync.WaitGroup
	var mu sync.Mutex
	created := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.Create(ctx, &Task{Identity: "a", Role: RoleProvider, Type: TypeRegistration}); err == nil {
				mu.Lock()
				created++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, created)
}

func TestMergeDoesNotAlias(t *testing.T) {
	base := map[string]any{"a": "1"}
	out := Merge(base, map[string]any{"b": "2"})
	out["a"] = "changed"
	assert.Equal(t, "1", base["a"])
	assert.Equal(t, map[string]any{"a": "changed", "b": "2"}, out)
}
