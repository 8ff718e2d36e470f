package sagaflow

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type workerFixture struct {
	worker    *Worker
	store     *MemoryStore
	queue     *MemoryQueue
	lease     *MemoryLease
	publisher *MemoryPublisher
	decay     *MemoryDecay
}

func newWorkerFixture(t *testing.T, defs ...*Definition) *workerFixture {
	t.Helper()
	logger := zaptest.NewLogger(t)
	return newWorkerFixtureWith(t,
		NewEngine(EngineOptions{Logger: logger, StepRetry: RetryPolicy{BaseDelay: time.Millisecond}}),
		WorkerConfig{
			Concurrency:      2,
			Backoff:          RetryPolicy{BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond},
			LockedRetryDelay: 5 * time.Millisecond,
		}, defs...)
}

func newWorkerFixtureWith(t *testing.T, engine *Engine, cfg WorkerConfig, defs ...*Definition) *workerFixture {
	t.Helper()
	reg := NewRegistry()
	reg.MustRegister(defs...)

	f := &workerFixture{
		store:     NewMemoryStore(),
		queue:     NewMemoryQueue(),
		lease:     NewMemoryLease(),
		publisher: &MemoryPublisher{},
		decay:     &MemoryDecay{},
	}
	logger := zaptest.NewLogger(t)
	w, err := NewWorker(WorkerDeps{
		Registry:  reg,
		Store:     f.store,
		Queue:     f.queue,
		Lease:     f.lease,
		Engine:    engine,
		Publisher: f.publisher,
		Decay:     f.decay,
		Logger:    logger,
	}, cfg)
	require.NoError(t, err)
	f.worker = w
	return f
}

func (f *workerFixture) start(t *testing.T) {
	t.Helper()
	f.worker.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = f.worker.Shutdown(ctx)
	})
}

func (f *workerFixture) waitFor(t *testing.T, id string, status Status) SagaInstance {
	t.Helper()
	var inst SagaInstance
	require.Eventually(t, func() bool {
		var err error
		inst, err = f.store.Find(context.Background(), id)
		return err == nil && inst.Status == status
	}, 5*time.Second, 5*time.Millisecond, "saga %s never reached %s", id, status)
	return inst
}

func (f *workerFixture) eventNames() []string {
	var out []string
	for _, ev := range f.publisher.Events() {
		out = append(out, ev.Name)
	}
	return out
}

func TestWorkerRejectsMissingDeps(t *testing.T) {
	_, err := NewWorker(WorkerDeps{}, WorkerConfig{})
	assert.Error(t, err)
}

func TestWorkerCompletesSaga(t *testing.T) {
	j := &journal{}
	create := okStep(j, "create_account", "user_id")
	create.Returned = true
	def, err := NewDefinition("user_provisioning").Input("user_id").Step(create).Build()
	require.NoError(t, err)

	f := newWorkerFixture(t, def)
	f.start(t)

	id, err := f.worker.Enqueue(context.Background(), "user_provisioning",
		map[string]any{"user_id": "u-1"}, SagaOptions{CausationID: "evt-1"})
	require.NoError(t, err)

	inst := f.waitFor(t, id, StatusCompleted)
	assert.Equal(t, "create_account-value", inst.Output["create_account"])
	assert.Nil(t, inst.Error)
	assert.NotNil(t, inst.CompletedAt)
	assert.Nil(t, inst.Checkpoint)

	require.Eventually(t, func() bool { return len(f.publisher.Events()) == 1 }, time.Second, 5*time.Millisecond)
	ev := f.publisher.Events()[0]
	assert.Equal(t, "saga.completed", ev.Name)
	assert.Equal(t, id, ev.CorrelationID)
	assert.Equal(t, "evt-1", ev.CausationID)
	assert.Equal(t, "sagaflow", ev.Source)
	assert.Empty(t, f.decay.Requests())
}

func TestWorkerEnqueueValidation(t *testing.T) {
	def, err := NewDefinition("needs_user").Input("user_id").
		Step(StepSpec{Name: "a", DependsOn: []string{"user_id"}, Action: noop}).Build()
	require.NoError(t, err)
	f := newWorkerFixture(t, def)
	ctx := context.Background()

	_, err = f.worker.Enqueue(ctx, "nope", nil, SagaOptions{})
	assert.ErrorIs(t, err, ErrUnknownSagaType)

	_, err = f.worker.Enqueue(ctx, "needs_user", map[string]any{}, SagaOptions{CorrelationID: "c-1"})
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, []string{"user_id"}, ve.Missing)

	_, err = f.worker.GetInstance(ctx, "c-1")
	assert.ErrorIs(t, err, ErrNotFound, "rejected enqueues leave no instance behind")
}

func TestWorkerEnqueueIsIdempotent(t *testing.T) {
	var runs atomic.Int32
	def, err := NewDefinition("idempotent").Input("n").
		Step(StepSpec{Name: "count", DependsOn: []string{"n"}, Returned: true, Action: func(ctx context.Context, args Args) (any, error) {
			runs.Add(1)
			n, _ := Arg[int](args, "n")
			return n, nil
		}}).Build()
	require.NoError(t, err)

	f := newWorkerFixture(t, def)
	ctx := context.Background()
	opts := SagaOptions{CorrelationID: "same"}

	_, err = f.worker.Enqueue(ctx, "idempotent", map[string]any{"n": 1}, opts)
	require.NoError(t, err)
	_, err = f.worker.Enqueue(ctx, "idempotent", map[string]any{"n": 2}, opts)
	require.NoError(t, err)

	assert.Equal(t, 1, f.queue.Len(), "one job per correlation id")
	active, err := f.worker.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, 2, active[0].Inputs["n"], "the later enqueue updates inputs")

	f.start(t)
	inst := f.waitFor(t, "same", StatusCompleted)
	assert.Equal(t, 2, inst.Output["count"])

	_, err = f.worker.Enqueue(ctx, "idempotent", map[string]any{"n": 3}, opts)
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)

	inst, err = f.worker.GetInstance(ctx, "same")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, inst.Status)
	assert.Equal(t, 2, inst.Output["count"])
	assert.Equal(t, int32(1), runs.Load())
}

func TestWorkerTimeoutExhaustsAttempts(t *testing.T) {
	j := &journal{}
	sleepy := StepSpec{Name: "sleepy", Action: func(ctx context.Context, args Args) (any, error) {
		time.Sleep(time.Second)
		return nil, nil
	}}
	def, err := NewDefinition("slow_saga").Step(okStep(j, "prepare")).Then(sleepy).Build()
	require.NoError(t, err)

	f := newWorkerFixture(t, def)
	f.start(t)

	id, err := f.worker.Enqueue(context.Background(), "slow_saga", nil, SagaOptions{TimeoutMs: 100, MaxAttempts: 3})
	require.NoError(t, err)

	inst := f.waitFor(t, id, StatusFailed)
	assert.Equal(t, 3, inst.AttemptCount)
	require.NotNil(t, inst.Error)
	assert.Equal(t, FailureTimeout, inst.Error.Kind)
	assert.Equal(t, []string{"prepare", "prepare", "prepare"}, j.undos(), "every attempt compensates its own steps")

	require.Eventually(t, func() bool { return len(f.decay.Requests()) == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	reqs := f.decay.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, DecayRequest{
		ResourceType: ResourceSagaInstance,
		ResourceID:   id,
		Reason:       DecayReasonExhausted,
		TTLSeconds:   int((7 * 24 * time.Hour) / time.Second),
	}, reqs[0])
	assert.Equal(t, []string{"saga.failed"}, f.eventNames())
}

func TestWorkerRetriesTransientFailure(t *testing.T) {
	var calls atomic.Int32
	def, err := NewDefinition("flaky").Step(StepSpec{Name: "call", Action: func(ctx context.Context, args Args) (any, error) {
		if calls.Add(1) == 1 {
			return nil, errors.New("connection reset")
		}
		return "ok", nil
	}}).Build()
	require.NoError(t, err)

	f := newWorkerFixture(t, def)
	f.start(t)

	id, err := f.worker.Enqueue(context.Background(), "flaky", nil, SagaOptions{})
	require.NoError(t, err)

	inst := f.waitFor(t, id, StatusCompleted)
	assert.Equal(t, 2, inst.AttemptCount)
	assert.Nil(t, inst.Error, "a successful attempt clears the previous error")
}

func TestWorkerHaltAndResume(t *testing.T) {
	j := &journal{}
	await := StepSpec{
		Name:      "await_training",
		DependsOn: []string{"reserve_gpu"},
		Returned:  true,
		Action: func(ctx context.Context, args Args) (any, error) {
			cp, resumed := CheckpointAs[map[string]string](args)
			if !resumed {
				return nil, Halt(map[string]string{"job_id": "train-1"})
			}
			score, _ := InputAs[float64](args, "score")
			return map[string]any{"job_id": cp["job_id"], "score": score}, nil
		},
	}
	def, err := NewDefinition("nas_pipeline").Step(okStep(j, "reserve_gpu")).Step(await).Build()
	require.NoError(t, err)

	f := newWorkerFixture(t, def)
	f.start(t)
	ctx := context.Background()

	id, err := f.worker.Enqueue(ctx, "nas_pipeline", nil, SagaOptions{})
	require.NoError(t, err)

	halted := f.waitFor(t, id, StatusHalted)
	require.NotNil(t, halted.Checkpoint)
	assert.Equal(t, "await_training", halted.Checkpoint.HaltedStep)

	require.NoError(t, f.worker.Resume(ctx, id, map[string]any{"score": 0.91}))
	done := f.waitFor(t, id, StatusCompleted)
	assert.Equal(t, map[string]any{"job_id": "train-1", "score": 0.91}, done.Output["await_training"])
	assert.Equal(t, []string{"do:reserve_gpu"}, j.list(), "resumed attempts skip completed steps")

	err = f.worker.Resume(ctx, id, nil)
	assert.ErrorIs(t, err, ErrNotHalted)
}

func TestWorkerRetryAfterResumeStartsOver(t *testing.T) {
	j := &journal{}
	var resumedCalls atomic.Int32
	await := StepSpec{
		Name:      "await_training",
		DependsOn: []string{"reserve_gpu"},
		Returned:  true,
		Action: func(ctx context.Context, args Args) (any, error) {
			score, ok := InputAs[float64](args, "score")
			if !ok {
				return nil, Halt(map[string]string{"job_id": "train-1"})
			}
			if resumedCalls.Add(1) == 1 {
				return nil, errors.New("trainer callback rejected")
			}
			return score, nil
		},
	}
	def, err := NewDefinition("nas_pipeline").Step(okStep(j, "reserve_gpu")).Step(await).Build()
	require.NoError(t, err)

	f := newWorkerFixture(t, def)
	f.start(t)
	ctx := context.Background()

	id, err := f.worker.Enqueue(ctx, "nas_pipeline", nil, SagaOptions{})
	require.NoError(t, err)
	f.waitFor(t, id, StatusHalted)

	require.NoError(t, f.worker.Resume(ctx, id, map[string]any{"score": 0.91}))
	done := f.waitFor(t, id, StatusCompleted)

	assert.Equal(t, []string{"do:reserve_gpu", "undo:reserve_gpu", "do:reserve_gpu"}, j.list(),
		"a rolled-back step restored from the checkpoint runs again on retry")
	assert.Equal(t, 2, done.AttemptCount)
	assert.Equal(t, 0.91, done.Output["await_training"])
	assert.NotContains(t, done.Inputs, CheckpointInputKey)
}

func TestWorkerCancelRunningAttempt(t *testing.T) {
	j := &journal{}
	started := make(chan struct{})
	blocking := StepSpec{Name: "wait_forever", Action: func(ctx context.Context, args Args) (any, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	def, err := NewDefinition("cancellable").Step(okStep(j, "reserve")).Then(blocking).Build()
	require.NoError(t, err)

	f := newWorkerFixture(t, def)
	f.start(t)
	ctx := context.Background()

	id, err := f.worker.Enqueue(ctx, "cancellable", nil, SagaOptions{})
	require.NoError(t, err)

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("blocking step never started")
	}
	require.NoError(t, f.worker.Cancel(ctx, id))

	inst := f.waitFor(t, id, StatusCancelled)
	require.NotNil(t, inst.Error)
	assert.Equal(t, FailureCancelled, inst.Error.Kind)
	assert.Equal(t, []string{"reserve"}, j.undos())
	assert.Empty(t, f.decay.Requests())

	require.NoError(t, f.worker.Cancel(ctx, id), "cancelling twice is a no-op")
}

func TestWorkerCancelHaltedCompensatesCheckpoint(t *testing.T) {
	j := &journal{}
	halting := StepSpec{Name: "approval", Action: func(ctx context.Context, args Args) (any, error) {
		return nil, Halt(nil)
	}}
	def, err := NewDefinition("approval_flow").Step(okStep(j, "draft")).Then(halting).Build()
	require.NoError(t, err)

	f := newWorkerFixture(t, def)
	f.start(t)
	ctx := context.Background()

	id, err := f.worker.Enqueue(ctx, "approval_flow", nil, SagaOptions{})
	require.NoError(t, err)
	f.waitFor(t, id, StatusHalted)

	require.NoError(t, f.worker.Cancel(ctx, id))
	f.waitFor(t, id, StatusCancelled)
	assert.Equal(t, []string{"draft"}, j.undos())
	assert.Contains(t, f.eventNames(), "saga.cancelled")
}

func TestWorkerCancelCompletedSaga(t *testing.T) {
	def, err := NewDefinition("quick").Step(StepSpec{Name: "a", Action: noop}).Build()
	require.NoError(t, err)
	f := newWorkerFixture(t, def)
	f.start(t)
	ctx := context.Background()

	id, err := f.worker.Enqueue(ctx, "quick", nil, SagaOptions{})
	require.NoError(t, err)
	f.waitFor(t, id, StatusCompleted)

	assert.ErrorIs(t, f.worker.Cancel(ctx, id), ErrTerminal)
	assert.ErrorIs(t, f.worker.Cancel(ctx, "missing"), ErrNotFound)
}

func TestWorkerPublishFailureDoesNotChangeOutcome(t *testing.T) {
	def, err := NewDefinition("quiet").Step(StepSpec{Name: "a", Action: noop}).Build()
	require.NoError(t, err)
	f := newWorkerFixture(t, def)
	f.publisher.Err = errors.New("broker down")
	f.start(t)

	id, err := f.worker.Enqueue(context.Background(), "quiet", nil, SagaOptions{})
	require.NoError(t, err)
	f.waitFor(t, id, StatusCompleted)
	require.Eventually(t, func() bool { return f.queue.Len() == 0 }, time.Second, 5*time.Millisecond)
}

func TestWorkerRequeuesWhenLeaseHeld(t *testing.T) {
	def, err := NewDefinition("contended").Step(StepSpec{Name: "a", Action: noop}).Build()
	require.NoError(t, err)
	f := newWorkerFixture(t, def)
	ctx := context.Background()

	id, err := f.worker.Enqueue(ctx, "contended", nil, SagaOptions{})
	require.NoError(t, err)
	guard, err := f.lease.Acquire(ctx, id, time.Minute)
	require.NoError(t, err)

	job, err := dequeueWithin(t, f.queue, time.Second)
	require.NoError(t, err)
	require.NoError(t, f.worker.Process(ctx, job))

	inst, err := f.worker.GetInstance(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, inst.Status, "a contended job does not start an attempt")
	assert.Equal(t, 1, f.queue.Len())

	require.NoError(t, f.lease.Release(ctx, guard))
	job, err = dequeueWithin(t, f.queue, time.Second)
	require.NoError(t, err)
	require.NoError(t, f.worker.Process(ctx, job))
	f.waitFor(t, id, StatusCompleted)
}

func TestWorkerHoldsLeaseUntilAbandonedAttemptReturns(t *testing.T) {
	var forward, undos atomic.Int32
	unblock := make(chan struct{})
	reserve := StepSpec{
		Name: "reserve_gpu",
		Action: func(ctx context.Context, args Args) (any, error) {
			forward.Add(1)
			return "gpu-1", nil
		},
		Compensate: func(ctx context.Context, value any, ec *ExecutionContext) error {
			if undos.Add(1) == 1 {
				<-unblock
			}
			return nil
		},
	}
	j := &journal{}
	def, err := NewDefinition("nas_pipeline").
		Step(reserve).
		Then(failStep(j, "submit_search")).
		Build()
	require.NoError(t, err)

	logger := zaptest.NewLogger(t)
	f := newWorkerFixtureWith(t,
		NewEngine(EngineOptions{Logger: logger, CompensationTimeout: 20 * time.Millisecond}),
		WorkerConfig{
			Concurrency:      2,
			Backoff:          RetryPolicy{BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond},
			KillGrace:        10 * time.Millisecond,
			LockedRetryDelay: 5 * time.Millisecond,
		}, def)
	f.start(t)

	id, err := f.worker.Enqueue(context.Background(), "nas_pipeline", nil, SagaOptions{TimeoutMs: 50, MaxAttempts: 2})
	require.NoError(t, err)

	f.waitFor(t, id, StatusRetrying)
	assert.Never(t, func() bool { return forward.Load() > 1 }, 200*time.Millisecond, 10*time.Millisecond,
		"next attempt started while the abandoned one was still compensating")

	close(unblock)
	failed := f.waitFor(t, id, StatusFailed)
	assert.Equal(t, int32(2), forward.Load())
	assert.Equal(t, int32(2), undos.Load())
	assert.Equal(t, 2, failed.AttemptCount)
}

func TestWorkerReenqueueKeepsRetryBackoff(t *testing.T) {
	def, err := NewDefinition("flaky").Input("region").Step(okStep(&journal{}, "provision", "region")).Build()
	require.NoError(t, err)
	f := newWorkerFixture(t, def)
	ctx := context.Background()

	id, err := f.worker.Enqueue(ctx, "flaky", map[string]any{"region": "eu"}, SagaOptions{})
	require.NoError(t, err)
	job, err := dequeueWithin(t, f.queue, time.Second)
	require.NoError(t, err)
	_, err = f.store.Update(ctx, id, Patch{Status: Ptr(StatusRetrying)})
	require.NoError(t, err)
	require.NoError(t, f.queue.Retry(ctx, job, time.Hour))

	_, err = f.worker.Enqueue(ctx, "flaky", map[string]any{"region": "us"}, SagaOptions{CorrelationID: id})
	require.NoError(t, err)

	_, err = dequeueWithin(t, f.queue, 50*time.Millisecond)
	assert.Error(t, err, "re-enqueue must not pull the scheduled retry forward")
	inst, err := f.store.Find(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusRetrying, inst.Status)
	assert.Equal(t, "us", inst.Inputs["region"])
}

func TestWorkerFailsUnknownSagaTypeAtDequeue(t *testing.T) {
	f := newWorkerFixture(t)
	ctx := context.Background()

	_, err := f.store.Create(ctx, SagaInstance{CorrelationID: "orphan", SagaType: "removed_type", MaxAttempts: 3})
	require.NoError(t, err)
	require.NoError(t, f.worker.Process(ctx, Job{ID: "orphan", SagaType: "removed_type"}))

	inst, err := f.store.Find(ctx, "orphan")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, inst.Status)
	assert.Equal(t, FailureUnknownType, inst.Error.Kind)
	assert.Equal(t, []string{"saga.failed"}, f.eventNames())
}
