package validate

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flowdesk/pkg/fault"
)

func newRegistry(t *testing.T) *Registry {
	t.Helper()
	r := NewRegistry(NewRetryCounter(DefaultMaxRetries, time.Minute, 100))
	r.Register("email", Email(false, nil))
	return r
}

func TestInvalidThenValidResetsCounter(t *testing.T) {
	r := newRegistry(t)
	ctx := context.Background()

	res, err := r.Validate(ctx, "email", "not-an-email", "alice")
	require.NoError(t, err)
	assert.False(t, res.Valid)
	assert.NotEmpty(t, res.Message)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, 1, r.Retries().Attempts("alice", "email"))

	res, err = r.Validate(ctx, "email", "a@b.com", "alice")
	require.NoError(t, err)
	assert.True(t, res.Valid)
	assert.Equal(t, "a@b.com", res.Value)
	assert.Equal(t, 0, r.Retries().Attempts("alice", "email"))
}

func TestExceededOnThirdFailure(t *testing.T) {
	r := newRegistry(t)
	ctx := context.Background()

	for i := 1; i < DefaultMaxRetries; i++ {
		res, err := r.Validate(ctx, "email", "nope", "alice")
		require.NoError(t, err)
		assert.False(t, res.Exceeded, "attempt %d", i)
		assert.Equal(t, i, res.Attempts)
	}
	res, err := r.Validate(ctx, "email", "nope", "alice")
	require.NoError(t, err)
	assert.True(t, res.Exceeded)
	assert.Equal(t, DefaultMaxRetries, res.Attempts)

	// The counter starts over after exhaustion.
	assert.Equal(t, 0, r.Retries().Attempts("alice", "email"))
	res, _ = r.Validate(ctx, "email", "nope", "alice")
	assert.Equal(t, 1, res.Attempts)
}

func TestCountersAreScopedByIdentityAndField(t *testing.T) {
	r := newRegistry(t)
	r.Register("name", Name())
	ctx := context.Background()

	_, _ = r.Validate(ctx, "email", "x", "alice")
	_, _ = r.Validate(ctx, "email", "x", "alice")
	_, _ = r.Validate(ctx, "name", "1", "alice")
	_, _ = r.Validate(ctx, "email", "x", "bob")

	rc := r.Retries()
	assert.Equal(t, 2, rc.Attempts("alice", "email"))
	assert.Equal(t, 1, rc.Attempts("alice", "name"))
	assert.Equal(t, 1, rc.Attempts("bob", "email"))

	rc.ResetIdentity("alice")
	assert.Equal(t, 0, rc.Attempts("alice", "email"))
	assert.Equal(t, 0, rc.Attempts("alice", "name"))
	assert.Equal(t, 1, rc.Attempts("bob", "email"))
}

func TestDuplicateIsNotCounted(t *testing.T) {
	r := NewRegistry(NewRetryCounter(DefaultMaxRetries, time.Minute, 100))
	uniq := fakeUniq{emails: map[string]string{"taken@example.com": "carol"}}
	r.Register("email", Email(false, uniq))

	res, err := r.Validate(context.Background(), "email", "taken@example.com", "alice")
	require.NoError(t, err)
	assert.False(t, res.Valid)
	assert.Equal(t, fault.Duplicate, res.Kind)
	assert.Equal(t, 0, r.Retries().Attempts("alice", "email"))
}

func TestCollaboratorFailureIsAnError(t *testing.T) {
	r := NewRegistry(NewRetryCounter(DefaultMaxRetries, time.Minute, 100))
	r.Register("email", Email(false, fakeUniq{err: errors.New("db down")}))

	_, err := r.Validate(context.Background(), "email", "a@b.com", "alice")
	require.Error(t, err)
	assert.Equal(t, 0, r.Retries().Attempts("alice", "email"))
}

func TestUnknownField(t *testing.T) {
	r := newRegistry(t)
	_, err := r.Validate(context.Background(), "shoe_size", "42", "alice")
	assert.True(t, fault.Is(err, fault.Config))
	assert.False(t, r.Has("shoe_size"))
	assert.True(t, r.Has("email"))
}

func TestRetryCounterCapacity(t *testing.T) {
	rc := NewRetryCounter(3, time.Minute, 2)
	rc.Fail("a", "f")
	rc.Fail("b", "f")
	rc.Fail("c", "f")
	assert.LessOrEqual(t, rc.Len(), 2)
}

func TestRetryCounterExpiry(t *testing.T) {
	rc := NewRetryCounter(3, 20*time.Millisecond, 0)
	rc.Fail("a", "f")
	assert.Equal(t, 1, rc.Attempts("a", "f"))
	time.Sleep(40 * time.Millisecond)
	assert.Equal(t, 0, rc.Attempts("a", "f"))
}
