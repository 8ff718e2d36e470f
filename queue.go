package sagaflow

import (
	"context"
	"sync"
	"time"

	"github.com/tidwall/btree"
)

// Job is a unit of queued work. Its ID is the correlation id of the
// instance, so re-enqueueing an instance never creates a second job.
type Job struct {
	ID         string    `json:"id"`
	SagaType   string    `json:"saga_type"`
	Priority   int       `json:"priority"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// Queue delivers jobs to workers, highest priority first and FIFO within a
// priority. A dequeued job stays invisible until acked, retried or its
// visibility timeout passes.
type Queue interface {
	Enqueue(ctx context.Context, job Job, delay time.Duration) error
	// Dequeue blocks until a job is available or ctx ends.
	Dequeue(ctx context.Context) (Job, error)
	Ack(ctx context.Context, jobID string) error
	// Retry makes an in-flight job visible again after delay.
	Retry(ctx context.Context, job Job, delay time.Duration) error
}

const DefaultVisibilityTimeout = 5 * time.Minute

type readyKey struct {
	priority int
	seq      uint64
	id       string
}

type delayedKey struct {
	at  time.Time
	seq uint64
	id  string
}

// MemoryQueue is an in-process Queue.
type MemoryQueue struct {
	mu         sync.Mutex
	jobs       map[string]Job
	ready      *btree.BTreeG[readyKey]
	delayed    *btree.BTreeG[delayedKey]
	readyIdx   map[string]readyKey
	delayedIdx map[string]delayedKey
	inflight   map[string]time.Time
	seq        uint64
	visibility time.Duration
	now        func() time.Time
	signal     chan struct{}
}

type MemoryQueueOption func(*MemoryQueue)

func WithVisibilityTimeout(d time.Duration) MemoryQueueOption {
	return func(q *MemoryQueue) { q.visibility = d }
}

func WithQueueClock(now func() time.Time) MemoryQueueOption {
	return func(q *MemoryQueue) { q.now = now }
}

func NewMemoryQueue(opts ...MemoryQueueOption) *MemoryQueue {
	q := &MemoryQueue{
		jobs: make(map[string]Job),
		ready: btree.NewBTreeG[readyKey](func(a, b readyKey) bool {
			if a.priority != b.priority {
				return a.priority > b.priority
			}
			return a.seq < b.seq
		}),
		delayed: btree.NewBTreeG[delayedKey](func(a, b delayedKey) bool {
			if !a.at.Equal(b.at) {
				return a.at.Before(b.at)
			}
			return a.seq < b.seq
		}),
		readyIdx:   make(map[string]readyKey),
		delayedIdx: make(map[string]delayedKey),
		inflight:   make(map[string]time.Time),
		visibility: DefaultVisibilityTimeout,
		now:        time.Now,
		signal:     make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(q)
	}
	return q
}

// Enqueue schedules job. A job already waiting is rescheduled; a job in
// flight is left alone.
func (q *MemoryQueue) Enqueue(_ context.Context, job Job, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, busy := q.inflight[job.ID]; busy {
		return nil
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = q.now()
	}
	q.removeLocked(job.ID)
	q.scheduleLocked(job, delay)
	return nil
}

func (q *MemoryQueue) scheduleLocked(job Job, delay time.Duration) {
	q.jobs[job.ID] = job
	q.seq++
	if delay > 0 {
		k := delayedKey{at: q.now().Add(delay), seq: q.seq, id: job.ID}
		q.delayed.Set(k)
		q.delayedIdx[job.ID] = k
	} else {
		k := readyKey{priority: job.Priority, seq: q.seq, id: job.ID}
		q.ready.Set(k)
		q.readyIdx[job.ID] = k
	}
	q.notify()
}

func (q *MemoryQueue) notify() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *MemoryQueue) removeLocked(id string) {
	if k, ok := q.readyIdx[id]; ok {
		q.ready.Delete(k)
		delete(q.readyIdx, id)
	}
	if k, ok := q.delayedIdx[id]; ok {
		q.delayed.Delete(k)
		delete(q.delayedIdx, id)
	}
	delete(q.inflight, id)
}

func (q *MemoryQueue) Dequeue(ctx context.Context) (Job, error) {
	for {
		job, wait, ok := q.tryDequeue()
		if ok {
			return job, nil
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return Job{}, ctx.Err()
		case <-q.signal:
		case <-t.C:
		}
		t.Stop()
	}
}

// tryDequeue pops the best ready job. When nothing is ready it returns how
// long to wait before something could be.
func (q *MemoryQueue) tryDequeue() (Job, time.Duration, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	for id, deadline := range q.inflight {
		if !deadline.After(now) {
			delete(q.inflight, id)
			q.scheduleLocked(q.jobs[id], 0)
		}
	}
	for {
		k, ok := q.delayed.Min()
		if !ok || k.at.After(now) {
			break
		}
		q.delayed.Delete(k)
		delete(q.delayedIdx, k.id)
		q.seq++
		rk := readyKey{priority: q.jobs[k.id].Priority, seq: q.seq, id: k.id}
		q.ready.Set(rk)
		q.readyIdx[k.id] = rk
	}

	if k, ok := q.ready.PopMin(); ok {
		delete(q.readyIdx, k.id)
		q.inflight[k.id] = now.Add(q.visibility)
		return q.jobs[k.id], 0, true
	}

	wait := 100 * time.Millisecond
	if k, ok := q.delayed.Min(); ok && k.at.Sub(now) < wait {
		wait = k.at.Sub(now)
	}
	for _, deadline := range q.inflight {
		if d := deadline.Sub(now); d < wait {
			wait = d
		}
	}
	if wait < time.Millisecond {
		wait = time.Millisecond
	}
	return Job{}, wait, false
}

func (q *MemoryQueue) Ack(_ context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.removeLocked(id)
	delete(q.jobs, id)
	return nil
}

func (q *MemoryQueue) Retry(_ context.Context, job Job, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.removeLocked(job.ID)
	q.scheduleLocked(job, delay)
	return nil
}

// Len reports waiting plus in-flight jobs.
func (q *MemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}
