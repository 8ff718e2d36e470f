package sagaflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"
)

// SagaOptions tune a single enqueue. Zero values take the worker defaults.
type SagaOptions struct {
	CorrelationID string
	CausationID   string
	TimeoutMs     int
	MaxAttempts   int
	Priority      int
}

// WorkerConfig tunes a Worker. Zero values take DefaultWorkerConfig.
type WorkerConfig struct {
	// Concurrency caps attempts running at once across all instances.
	Concurrency        int
	DefaultTimeout     time.Duration
	DefaultMaxAttempts int
	// Backoff spaces attempts of the same instance.
	Backoff RetryPolicy
	// LeaseGrace is added to the attempt timeout, the compensation timeout
	// and KillGrace to form the lease TTL.
	LeaseGrace time.Duration
	// KillGrace is how long an attempt may overrun its deadline plus the
	// compensation timeout before the worker abandons it.
	KillGrace time.Duration
	// LockedRetryDelay is the requeue delay for jobs whose lease is held.
	LockedRetryDelay time.Duration
	DecayTTL         time.Duration
	EventSource      string
	Now              func() time.Time
}

// DefaultWorkerConfig returns the worker settings used for zero fields.
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		Concurrency:        8,
		DefaultTimeout:     60 * time.Second,
		DefaultMaxAttempts: 3,
		Backoff:            RetryPolicy{BaseDelay: time.Second, MaxDelay: 30 * time.Second, Jitter: 0.2},
		LeaseGrace:         5 * time.Second,
		KillGrace:          time.Second,
		LockedRetryDelay:   time.Second,
		DecayTTL:           7 * 24 * time.Hour,
		EventSource:        "sagaflow",
	}
}

func (c WorkerConfig) withDefaults() WorkerConfig {
	d := DefaultWorkerConfig()
	if c.Concurrency <= 0 {
		c.Concurrency = d.Concurrency
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = d.DefaultTimeout
	}
	if c.DefaultMaxAttempts <= 0 {
		c.DefaultMaxAttempts = d.DefaultMaxAttempts
	}
	if c.Backoff.BaseDelay <= 0 {
		c.Backoff = d.Backoff
	}
	if c.LeaseGrace <= 0 {
		c.LeaseGrace = d.LeaseGrace
	}
	if c.KillGrace <= 0 {
		c.KillGrace = d.KillGrace
	}
	if c.LockedRetryDelay <= 0 {
		c.LockedRetryDelay = d.LockedRetryDelay
	}
	if c.DecayTTL <= 0 {
		c.DecayTTL = d.DecayTTL
	}
	if c.EventSource == "" {
		c.EventSource = d.EventSource
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// WorkerDeps are the collaborators of a Worker. Registry, Store and Queue
// are required.
type WorkerDeps struct {
	Registry  *Registry
	Store     Store
	Queue     Queue
	Lease     Lease
	Engine    *Engine
	Publisher EventPublisher
	Decay     DecayRegistrar
	Logger    *zap.Logger
}

// Worker owns the SagaInstance lifecycle: it turns queued jobs into engine
// attempts, applies retries and writes every outcome back to the store.
type Worker struct {
	registry  *Registry
	store     Store
	queue     Queue
	lease     Lease
	engine    *Engine
	publisher EventPublisher
	decay     DecayRegistrar
	logger    *zap.Logger
	cfg       WorkerConfig

	running *xsync.MapOf[string, *attempt]

	mu     sync.Mutex
	wg     sync.WaitGroup
	cancel context.CancelFunc
}

type attempt struct {
	token  string
	cancel context.CancelCauseFunc
}

// NewWorker creates a Worker from deps and cfg.
func NewWorker(deps WorkerDeps, cfg WorkerConfig) (*Worker, error) {
	if deps.Registry == nil || deps.Store == nil || deps.Queue == nil {
		return nil, errors.New("worker requires a registry, a store and a queue")
	}
	w := &Worker{
		registry:  deps.Registry,
		store:     deps.Store,
		queue:     deps.Queue,
		lease:     deps.Lease,
		engine:    deps.Engine,
		publisher: deps.Publisher,
		decay:     deps.Decay,
		logger:    deps.Logger,
		cfg:       cfg.withDefaults(),
		running:   xsync.NewMapOf[string, *attempt](),
	}
	if w.logger == nil {
		w.logger = zap.NewNop()
	}
	if w.lease == nil {
		w.lease = NewMemoryLease()
	}
	if w.engine == nil {
		w.engine = NewEngine(EngineOptions{Logger: w.logger})
	}
	if w.publisher == nil {
		w.publisher = LogPublisher{Logger: w.logger}
	}
	return w, nil
}

// Registry returns the saga types the worker can run.
func (w *Worker) Registry() *Registry { return w.registry }

// Enqueue creates the instance, or updates it if the correlation id is
// already known, and queues a job for it. An instance waiting on a retry
// keeps its scheduled job. It returns the correlation id.
func (w *Worker) Enqueue(ctx context.Context, sagaType string, inputs map[string]any, opts SagaOptions) (string, error) {
	def, err := w.registry.Get(sagaType)
	if err != nil {
		return "", err
	}
	if err := def.ValidateInputs(inputs); err != nil {
		return "", err
	}

	id := opts.CorrelationID
	if id == "" {
		id = NewCorrelationID()
	}
	timeoutMs := opts.TimeoutMs
	if timeoutMs <= 0 {
		timeoutMs = int(w.cfg.DefaultTimeout / time.Millisecond)
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = w.cfg.DefaultMaxAttempts
	}
	logger := w.logger.With(zap.String("correlation_id", id), zap.String("saga_type", sagaType))

	inst := SagaInstance{
		CorrelationID: id,
		SagaType:      sagaType,
		Status:        StatusPending,
		Inputs:        cloneMap(inputs),
		AttemptCount:  1,
		MaxAttempts:   maxAttempts,
		TimeoutMs:     timeoutMs,
		Priority:      opts.Priority,
		CausationID:   opts.CausationID,
	}
	_, err = w.store.Create(ctx, inst)
	switch {
	case err == nil:
		logger.Info("saga enqueued")
	case errors.Is(err, ErrDuplicate):
		existing, err := w.store.Find(ctx, id)
		if err != nil {
			return "", err
		}
		if existing.SagaType != sagaType {
			return "", fmt.Errorf("correlation id %s belongs to saga type %s: %w", id, existing.SagaType, ErrDuplicate)
		}
		switch {
		case existing.Status.Terminal():
			logger.Info("ignoring enqueue of terminal saga", zap.String("status", string(existing.Status)))
			return id, nil
		case existing.Status == StatusHalted:
			return id, w.resume(ctx, existing, inputs)
		}
		p := Patch{Inputs: inputs}
		if opts.CausationID != "" {
			p.CausationID = &opts.CausationID
		}
		if _, err := w.store.Update(ctx, id, p); err != nil {
			return "", err
		}
		if existing.Status == StatusRetrying {
			// The queued retry keeps its backoff and picks up the new inputs.
			logger.Info("saga inputs updated ahead of scheduled retry")
			return id, nil
		}
		logger.Info("saga re-enqueued with updated inputs")
	default:
		return "", err
	}

	job := Job{ID: id, SagaType: sagaType, Priority: opts.Priority, EnqueuedAt: w.cfg.Now()}
	if err := w.queue.Enqueue(ctx, job, 0); err != nil {
		return "", infraErr("queue.enqueue", err)
	}
	return id, nil
}

// GetInstance returns the stored instance for a correlation id.
func (w *Worker) GetInstance(ctx context.Context, id string) (SagaInstance, error) {
	return w.store.Find(ctx, id)
}

// ListActive returns pending, running, retrying and halted instances.
func (w *Worker) ListActive(ctx context.Context) ([]SagaInstance, error) {
	return w.store.ListActive(ctx)
}

// Cancel stops an instance. A running attempt is interrupted and its
// completed steps are compensated by the engine; a halted instance has its
// checkpointed steps compensated here. Cancelling a cancelled instance is a
// no-op.
func (w *Worker) Cancel(ctx context.Context, id string) error {
	inst, err := w.store.Find(ctx, id)
	if err != nil {
		return err
	}
	switch {
	case inst.Status == StatusCancelled:
		return nil
	case inst.Status.Terminal():
		return fmt.Errorf("saga %s is %s: %w", id, inst.Status, ErrTerminal)
	case inst.Status != StatusHalted:
		if a, ok := w.running.Load(id); ok {
			a.cancel(ErrCancelled)
			return nil
		}
	}

	var compErr error
	if inst.Status == StatusHalted && inst.Checkpoint != nil {
		def, err := w.registry.Get(inst.SagaType)
		if err != nil {
			return err
		}
		ec := &ExecutionContext{CorrelationID: id, CausationID: inst.CausationID, SagaType: inst.SagaType, Attempt: inst.AttemptCount}
		res, err := w.engine.Compensate(ctx, def, ec, inst.Checkpoint)
		if err != nil {
			return err
		}
		compErr = res.CompensationErrors
	}

	updated, err := w.store.Update(ctx, id, Patch{
		Status: Ptr(StatusCancelled),
		Error:  failureFor(ErrCancelled, compErr),
	})
	if err != nil {
		return err
	}
	if err := w.queue.Ack(ctx, id); err != nil {
		w.logger.Warn("failed to drop queued job of cancelled saga", zap.String("correlation_id", id), zap.Error(err))
	}
	w.publish(ctx, updated, nil)
	return nil
}

// Resume re-enqueues a halted instance. payload is merged into its inputs
// together with the stored checkpoint.
func (w *Worker) Resume(ctx context.Context, id string, payload map[string]any) error {
	inst, err := w.store.Find(ctx, id)
	if err != nil {
		return err
	}
	if inst.Status != StatusHalted {
		return fmt.Errorf("saga %s is %s: %w", id, inst.Status, ErrNotHalted)
	}
	return w.resume(ctx, inst, payload)
}

func (w *Worker) resume(ctx context.Context, inst SagaInstance, payload map[string]any) error {
	inputs := cloneMap(inst.Inputs)
	if inputs == nil {
		inputs = make(map[string]any)
	}
	for k, v := range payload {
		inputs[k] = v
	}
	if inst.Checkpoint != nil {
		inputs[CheckpointInputKey] = inst.Checkpoint
	}
	if _, err := w.store.Update(ctx, inst.CorrelationID, Patch{Status: Ptr(StatusPending), Inputs: inputs}); err != nil {
		return err
	}
	job := Job{ID: inst.CorrelationID, SagaType: inst.SagaType, Priority: inst.Priority, EnqueuedAt: w.cfg.Now()}
	if err := w.queue.Enqueue(ctx, job, 0); err != nil {
		return infraErr("queue.enqueue", err)
	}
	w.logger.Info("saga resumed", zap.String("correlation_id", inst.CorrelationID), zap.String("saga_type", inst.SagaType))
	return nil
}

// Start launches Concurrency dequeue loops. Attempts already running when
// the worker shuts down are allowed to finish.
func (w *Worker) Start(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cancel != nil {
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	for i := 0; i < w.cfg.Concurrency; i++ {
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			w.loop(loopCtx)
		}()
	}
}

// Shutdown stops dequeueing and waits for in-flight attempts or ctx.
func (w *Worker) Shutdown(ctx context.Context) error {
	w.mu.Lock()
	cancel := w.cancel
	w.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run is Start followed by Shutdown once ctx ends.
func (w *Worker) Run(ctx context.Context) error {
	w.Start(ctx)
	<-ctx.Done()
	return w.Shutdown(context.Background())
}

func (w *Worker) loop(ctx context.Context) {
	for {
		job, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Error("dequeue failed", zap.Error(err))
			if sleepContext(ctx, 100*time.Millisecond) != nil {
				return
			}
			continue
		}
		if err := w.Process(context.WithoutCancel(ctx), job); err != nil {
			w.logger.Error("job processing failed",
				zap.String("correlation_id", job.ID),
				zap.String("saga_type", job.SagaType),
				zap.Error(err))
		}
	}
}

// Process runs one dequeued job to its next resting state. A returned
// error is an infrastructure failure; the job is left in flight and is
// redelivered after the queue's visibility timeout.
func (w *Worker) Process(ctx context.Context, job Job) error {
	logger := w.logger.With(zap.String("correlation_id", job.ID), zap.String("saga_type", job.SagaType))

	inst, err := w.store.Find(ctx, job.ID)
	if errors.Is(err, ErrNotFound) {
		logger.Warn("dropping job of unknown saga instance")
		return w.ack(ctx, job.ID)
	}
	if err != nil {
		return err
	}
	if inst.Status.Terminal() || inst.Status == StatusHalted {
		logger.Debug("skipping job of settled saga", zap.String("status", string(inst.Status)))
		return w.ack(ctx, job.ID)
	}

	def, err := w.registry.Get(inst.SagaType)
	if err == nil {
		err = def.ValidateInputs(inst.Inputs)
	}
	if err != nil {
		logger.Error("saga cannot run", zap.Error(err))
		updated, uErr := w.store.Update(ctx, inst.CorrelationID, Patch{
			Status: Ptr(StatusFailed),
			Error:  failureFor(err, nil),
		})
		if uErr != nil && !errors.Is(uErr, ErrTerminal) {
			return uErr
		}
		if uErr == nil {
			w.publish(ctx, updated, nil)
		}
		return w.ack(ctx, job.ID)
	}

	timeout := time.Duration(inst.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = w.cfg.DefaultTimeout
	}
	// The lease outlives the longest an attempt can run before it is killed.
	ttl := timeout + w.engine.compTimeout + w.cfg.KillGrace + w.cfg.LeaseGrace
	guard, err := w.lease.Acquire(ctx, inst.CorrelationID, ttl)
	if errors.Is(err, ErrAlreadyLocked) {
		logger.Debug("saga leased by another attempt, requeueing")
		return infraErr("queue.retry", w.queue.Retry(ctx, job, w.cfg.LockedRetryDelay))
	}
	if err != nil {
		return infraErr("lease.acquire", err)
	}

	return w.runAttempt(ctx, def, inst, job, guard, timeout, logger)
}

type attemptOutcome struct {
	res *Result
	err error
}

// runAttempt owns guard. An abandoned attempt keeps the lease until its
// engine goroutine returns, so no later attempt overlaps its compensation.
func (w *Worker) runAttempt(ctx context.Context, def *Definition, inst SagaInstance, job Job, guard *LeaseGuard, timeout time.Duration, logger *zap.Logger) error {
	id := inst.CorrelationID
	logger = logger.With(zap.Int("attempt", inst.AttemptCount))
	release := func() {
		if err := w.lease.Release(ctx, guard); err != nil {
			logger.Warn("failed to release lease", zap.Error(err))
		}
	}
	held := true
	defer func() {
		if held {
			release()
		}
	}()
	token := uuid.NewString()
	now := w.cfg.Now()
	deadline := now.Add(timeout)

	inst, err := w.store.Update(ctx, id, Patch{Status: Ptr(StatusRunning), LastAttemptAt: &now})
	if errors.Is(err, ErrTerminal) {
		return w.ack(ctx, id)
	}
	if err != nil {
		return err
	}

	cancelCtx, cancelCause := context.WithCancelCause(ctx)
	attemptCtx, cancelDeadline := context.WithDeadline(cancelCtx, deadline)
	defer cancelDeadline()
	defer cancelCause(nil)

	w.running.Store(id, &attempt{token: token, cancel: cancelCause})
	defer w.running.Compute(id, func(a *attempt, loaded bool) (*attempt, bool) {
		return a, !loaded || a.token == token
	})

	req := RunRequest{
		Definition: def,
		Inputs:     inst.Inputs,
		Exec: &ExecutionContext{
			CorrelationID: id,
			CausationID:   inst.CausationID,
			SagaType:      inst.SagaType,
			Attempt:       inst.AttemptCount,
			Deadline:      deadline,
		},
		Progress: func(cp Checkpoint) {
			if err := w.writeBack(ctx, id, token, Patch{Checkpoint: &cp}); err != nil {
				logger.Warn("failed to persist progress", zap.Error(err))
			}
		},
	}

	outcome := make(chan attemptOutcome, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				outcome <- attemptOutcome{err: fmt.Errorf("engine panicked: %v", p)}
			}
		}()
		res, err := w.engine.Run(attemptCtx, req)
		outcome <- attemptOutcome{res: res, err: err}
	}()

	kill := time.NewTimer(deadline.Sub(w.cfg.Now()) + w.engine.compTimeout + w.cfg.KillGrace)
	defer kill.Stop()

	var out attemptOutcome
	select {
	case out = <-outcome:
	case <-kill.C:
		cancelCause(context.DeadlineExceeded)
		logger.Error("attempt overran its deadline, abandoning it")
		held = false
		go func() {
			<-outcome
			logger.Warn("abandoned attempt returned")
			release()
		}()
		out = attemptOutcome{res: &Result{Status: StatusFailed, Err: &TimeoutError{Deadline: deadline}}}
	}
	if out.err != nil {
		out.res = &Result{Status: StatusFailed, Err: out.err}
		inst.AttemptCount = inst.MaxAttempts
	}
	return w.settle(ctx, inst, job, token, out.res, logger)
}

// settle writes the attempt outcome back and decides on a retry.
func (w *Worker) settle(ctx context.Context, inst SagaInstance, job Job, token string, res *Result, logger *zap.Logger) error {
	id := inst.CorrelationID
	now := w.cfg.Now()
	var p Patch

	switch res.Status {
	case StatusCompleted:
		output := res.Output
		if output == nil {
			output = map[string]any{}
		}
		p = Patch{Status: Ptr(StatusCompleted), Output: output, ClearError: true, ClearCheckpoint: true, CompletedAt: &now}
	case StatusHalted:
		p = Patch{Status: Ptr(StatusHalted), Checkpoint: res.Checkpoint}
	case StatusCancelled:
		p = Patch{Status: Ptr(StatusCancelled), Error: failureFor(res.Err, res.CompensationErrors), CompletedAt: &now}
	default:
		info := failureFor(res.Err, res.CompensationErrors)
		if inst.AttemptCount < inst.MaxAttempts {
			next := inst.AttemptCount + 1
			delay := w.cfg.Backoff.Delay(inst.AttemptCount)
			// Every completed step, including those restored from a resume
			// checkpoint, has been rolled back: the next attempt starts over.
			p := Patch{Status: Ptr(StatusRetrying), Error: info, AttemptCount: &next, ClearCheckpoint: true}
			if _, ok := inst.Inputs[CheckpointInputKey]; ok {
				p.Inputs = withoutCheckpoint(inst.Inputs)
			}
			if err := w.writeBack(ctx, id, token, p); err != nil {
				return w.settleFailed(ctx, id, err)
			}
			logger.Info("saga attempt failed, retrying",
				zap.String("error_kind", info.Kind),
				zap.Duration("delay", delay),
				zap.Error(res.Err))
			return infraErr("queue.retry", w.queue.Retry(ctx, job, delay))
		}
		p = Patch{Status: Ptr(StatusFailed), Error: info, CompletedAt: &now}
	}

	if err := w.writeBack(ctx, id, token, p); err != nil {
		return w.settleFailed(ctx, id, err)
	}
	if err := w.ack(ctx, id); err != nil {
		return err
	}

	updated, err := w.store.Find(ctx, id)
	if err != nil {
		updated = inst
		updated.Status = *p.Status
	}
	logger.Info("saga attempt settled", zap.String("status", string(updated.Status)))

	if updated.Status == StatusFailed {
		w.registerDecay(ctx, id, DecayReasonExhausted)
	}
	w.publish(ctx, updated, res)
	return nil
}

func withoutCheckpoint(inputs map[string]any) map[string]any {
	out := make(map[string]any, len(inputs))
	for k, v := range inputs {
		if k != CheckpointInputKey {
			out[k] = v
		}
	}
	return out
}

func (w *Worker) settleFailed(ctx context.Context, id string, err error) error {
	if errors.Is(err, ErrTerminal) || errors.Is(err, errSuperseded) {
		w.logger.Warn("attempt outcome discarded", zap.String("correlation_id", id), zap.Error(err))
		return w.ack(ctx, id)
	}
	return err
}

var errSuperseded = errors.New("attempt superseded")

// writeBack applies p only while token is still the live attempt of id.
func (w *Worker) writeBack(ctx context.Context, id, token string, p Patch) error {
	a, ok := w.running.Load(id)
	if !ok || a.token != token {
		return errSuperseded
	}
	_, err := w.store.Update(ctx, id, p)
	return err
}

func (w *Worker) ack(ctx context.Context, id string) error {
	return infraErr("queue.ack", w.queue.Ack(ctx, id))
}

func (w *Worker) registerDecay(ctx context.Context, id, reason string) {
	if w.decay == nil {
		return
	}
	err := w.decay.RegisterDecayable(ctx, DecayRequest{
		ResourceType: ResourceSagaInstance,
		ResourceID:   id,
		Reason:       reason,
		TTLSeconds:   int(w.cfg.DecayTTL / time.Second),
	})
	if err != nil {
		w.logger.Warn("failed to register saga for decay", zap.String("correlation_id", id), zap.Error(err))
	}
}

func (w *Worker) publish(ctx context.Context, inst SagaInstance, res *Result) {
	payload := map[string]any{"attempt_count": inst.AttemptCount}
	if inst.Output != nil {
		payload["output"] = inst.Output
	}
	if inst.Error != nil {
		payload["error"] = inst.Error
	}
	if res != nil && len(res.Compensated) > 0 {
		payload["compensated"] = res.Compensated
	}
	ev := LifecycleEvent{
		ID:            NewCorrelationID(),
		Name:          "saga." + string(inst.Status),
		Source:        w.cfg.EventSource,
		CorrelationID: inst.CorrelationID,
		CausationID:   inst.CausationID,
		SagaType:      inst.SagaType,
		Status:        inst.Status,
		Payload:       payload,
		OccurredAt:    w.cfg.Now(),
	}
	if err := w.publisher.Publish(ctx, ev); err != nil {
		w.logger.Warn("failed to publish lifecycle event",
			zap.String("correlation_id", inst.CorrelationID),
			zap.String("event", ev.Name),
			zap.Error(err))
	}
}
