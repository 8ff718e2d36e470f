package sagaflow

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryLease(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	l := NewMemoryLease()
	l.now = clock.Now

	guard, err := l.Acquire(ctx, "corr-1", time.Minute)
	require.NoError(t, err)

	_, err = l.Acquire(ctx, "corr-1", time.Minute)
	assert.ErrorIs(t, err, ErrAlreadyLocked)

	other, err := l.Acquire(ctx, "corr-2", time.Minute)
	require.NoError(t, err)
	require.NoError(t, l.Release(ctx, other))

	clock.Advance(2 * time.Minute)
	stolen, err := l.Acquire(ctx, "corr-1", time.Minute)
	require.NoError(t, err, "expired leases can be taken over")

	assert.ErrorIs(t, l.Release(ctx, guard), ErrLeaseLost)
	require.NoError(t, l.Release(ctx, stolen))
	assert.ErrorIs(t, l.Release(ctx, stolen), ErrLeaseLost)
}
