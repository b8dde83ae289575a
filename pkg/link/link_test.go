package link

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flowdesk/pkg/fault"
)

func TestOpenIsIdempotentPerPair(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()

	l1, created, err := s.Open(ctx, "p1", "c1")
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, Pending, l1.Status)

	l2, created, err := s.Open(ctx, "p1", "c1")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, l1.ID, l2.ID)

	n, _ := s.PendingCount(ctx)
	assert.Equal(t, 1, n)
}

func TestResolve(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	l, _, _ := s.Open(ctx, "p1", "c1")

	got, err := s.Resolve(ctx, l.ID, true)
	require.NoError(t, err)
	assert.Equal(t, Confirmed, got.Status)
	require.NotNil(t, got.ResolvedAt)

	// Same outcome again is a no-op.
	_, err = s.Resolve(ctx, l.ID, true)
	require.NoError(t, err)

	_, err = s.Resolve(ctx, l.ID, false)
	assert.True(t, fault.Is(err, fault.Conflict))

	_, err = s.Resolve(ctx, "missing", true)
	assert.True(t, fault.Is(err, fault.NotFound))
}

func TestDeclinedLinkCanBeReopened(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	l, _, _ := s.Open(ctx, "p1", "c1")
	_, err := s.Resolve(ctx, l.ID, false)
	require.NoError(t, err)

	live, err := s.Between(ctx, "p1", "c1")
	require.NoError(t, err)
	assert.Nil(t, live)

	l2, created, err := s.Open(ctx, "p1", "c1")
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, l.ID, l2.ID)
}

func TestPendingForOldestFirst(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	a, _, _ := s.Open(ctx, "p1", "c1")
	b, _, _ := s.Open(ctx, "p2", "c1")
	_, _, _ = s.Open(ctx, "p3", "c2")

	pending, err := s.PendingFor(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, a.ID, pending[0].ID)
	assert.Equal(t, b.ID, pending[1].ID)

	byP, _ := s.ByProvider(ctx, "p1", 10)
	assert.Len(t, byP, 1)
}
