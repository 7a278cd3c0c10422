package lock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryExclusive(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	lease, err := m.Acquire(ctx, "server:a", time.Minute)
	require.NoError(t, err)

	_, err = m.Acquire(ctx, "server:a", time.Minute)
	assert.ErrorIs(t, err, ErrNotAcquired)

	_, err = m.Acquire(ctx, "server:b", time.Minute)
	assert.NoError(t, err, "other keys are independent")

	require.NoError(t, lease.Release(ctx))
	_, err = m.Acquire(ctx, "server:a", time.Minute)
	assert.NoError(t, err)
}

func TestMemoryExpiredLeaseDoesNotReleaseNewHolder(t *testing.T) {
	m := NewMemory()
	now := time.Now()
	m.now = func() time.Time { return now }
	ctx := context.Background()

	stale, err := m.Acquire(ctx, "server:a", time.Second)
	require.NoError(t, err)

	now = now.Add(2 * time.Second)
	_, err = m.Acquire(ctx, "server:a", time.Minute)
	require.NoError(t, err, "expired lease is up for grabs")

	require.NoError(t, stale.Release(ctx))
	_, err = m.Acquire(ctx, "server:a", time.Minute)
	assert.ErrorIs(t, err, ErrNotAcquired, "stale release must not free the new holder")
}
