package sagaflow

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func dequeueWithin(t *testing.T, q Queue, d time.Duration) (Job, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	return q.Dequeue(ctx)
}

func TestMemoryQueuePriorityThenFIFO(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue()

	require.NoError(t, q.Enqueue(ctx, Job{ID: "low-1"}, 0))
	require.NoError(t, q.Enqueue(ctx, Job{ID: "high", Priority: 5}, 0))
	require.NoError(t, q.Enqueue(ctx, Job{ID: "low-2"}, 0))
	require.NoError(t, q.Enqueue(ctx, Job{ID: "mid", Priority: 1}, 0))

	var got []string
	for i := 0; i < 4; i++ {
		job, err := dequeueWithin(t, q, time.Second)
		require.NoError(t, err)
		got = append(got, job.ID)
	}
	assert.Equal(t, []string{"high", "mid", "low-1", "low-2"}, got)
}

func TestMemoryQueueDelay(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	q := NewMemoryQueue(WithQueueClock(clock.Now))

	require.NoError(t, q.Enqueue(ctx, Job{ID: "later"}, time.Hour))
	_, err := dequeueWithin(t, q, 20*time.Millisecond)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	clock.Advance(time.Hour)
	job, err := dequeueWithin(t, q, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "later", job.ID)
}

func TestMemoryQueueRedeliversAfterVisibilityTimeout(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	q := NewMemoryQueue(WithQueueClock(clock.Now), WithVisibilityTimeout(time.Minute))

	require.NoError(t, q.Enqueue(ctx, Job{ID: "job"}, 0))
	_, err := dequeueWithin(t, q, time.Second)
	require.NoError(t, err)

	require.NoError(t, q.Enqueue(ctx, Job{ID: "job"}, 0), "enqueue of an in-flight job is ignored")
	_, err = dequeueWithin(t, q, 20*time.Millisecond)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	clock.Advance(2 * time.Minute)
	job, err := dequeueWithin(t, q, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "job", job.ID)

	require.NoError(t, q.Ack(ctx, "job"))
	assert.Equal(t, 0, q.Len())
}

func TestMemoryQueueEnqueueReschedulesWaitingJob(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	q := NewMemoryQueue(WithQueueClock(clock.Now))

	require.NoError(t, q.Enqueue(ctx, Job{ID: "dup"}, time.Hour))
	require.NoError(t, q.Enqueue(ctx, Job{ID: "dup"}, 0))
	assert.Equal(t, 1, q.Len())

	job, err := dequeueWithin(t, q, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "dup", job.ID)

	require.NoError(t, q.Retry(ctx, job, time.Minute))
	_, err = dequeueWithin(t, q, 20*time.Millisecond)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	clock.Advance(time.Minute)
	_, err = dequeueWithin(t, q, time.Second)
	assert.NoError(t, err)
}

func TestMemoryQueueDequeueWakesOnEnqueue(t *testing.T) {
	q := NewMemoryQueue()
	go func() {
		time.Sleep(10 * time.Millisecond)
		_ = q.Enqueue(context.Background(), Job{ID: "wake"}, 0)
	}()
	job, err := dequeueWithin(t, q, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "wake", job.ID)
}
