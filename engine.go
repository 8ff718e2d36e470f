package sagaflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/tidwall/btree"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultMaxFanOut           = 4
	DefaultCompensationTimeout = 30 * time.Second

	// CheckpointInputKey is the input under which a resumed instance carries
	// the checkpoint it halted with.
	CheckpointInputKey = "_checkpoint"
)

// EngineOptions configures an Engine. Zero values take the defaults.
type EngineOptions struct {
	Middleware Middleware
	Logger     *zap.Logger
	// MaxFanOut bounds the steps of one attempt that run at the same time.
	MaxFanOut int
	// CompensationTimeout bounds the rollback walk. Rollback runs detached
	// from the attempt context so an expired deadline does not skip it.
	CompensationTimeout time.Duration
	// StepRetry spaces in-place re-invocations requested with Retry.
	StepRetry RetryPolicy
	Now       func() time.Time
}

// Engine runs one attempt of a saga definition. It holds no per-attempt
// state and is safe for concurrent use.
type Engine struct {
	mw          Middleware
	logger      *zap.Logger
	fanOut      int
	compTimeout time.Duration
	stepRetry   RetryPolicy
	now         func() time.Time
}

// NewEngine creates an Engine from opts.
func NewEngine(opts EngineOptions) *Engine {
	e := &Engine{
		logger:      opts.Logger,
		fanOut:      opts.MaxFanOut,
		compTimeout: opts.CompensationTimeout,
		stepRetry:   opts.StepRetry,
		now:         opts.Now,
	}
	if e.logger == nil {
		e.logger = zap.NewNop()
	}
	if e.fanOut <= 0 {
		e.fanOut = DefaultMaxFanOut
	}
	if e.compTimeout <= 0 {
		e.compTimeout = DefaultCompensationTimeout
	}
	if e.stepRetry.BaseDelay <= 0 {
		e.stepRetry = RetryPolicy{BaseDelay: 100 * time.Millisecond, MaxDelay: 2 * time.Second, Jitter: 0.2}
	}
	if e.now == nil {
		e.now = time.Now
	}
	mw := opts.Middleware
	if mw == nil {
		mw = NopMiddleware{}
	}
	e.mw = guarded{next: mw, logger: e.logger}
	return e
}

// RunRequest is one attempt of a saga.
type RunRequest struct {
	Definition *Definition
	Inputs     map[string]any
	Exec       *ExecutionContext
	// Checkpoint resumes a halted saga. When nil, a checkpoint stored under
	// CheckpointInputKey in Inputs is used.
	Checkpoint *Checkpoint
	// Progress is called after every stage that completed at least one step.
	Progress func(Checkpoint)
}

// Result is the outcome of an attempt.
type Result struct {
	Status Status
	// Output holds the values of steps marked Returned.
	Output     map[string]any
	Err        error
	FailedStep string
	// CompensationErrors aggregates CompensationError values with multierr.
	// They are diagnostics and never change Status.
	CompensationErrors error
	Compensated        []string
	StepsCompleted     int
	Checkpoint         *Checkpoint
	Trace              []StepLogEntry
}

// Run executes the saga stage by stage. Validation problems are returned as
// an error before anything runs; every other outcome is reported on Result.
func (e *Engine) Run(ctx context.Context, req RunRequest) (*Result, error) {
	def := req.Definition
	if def == nil {
		return nil, &GraphError{Reason: "nil definition"}
	}
	if err := def.ValidateInputs(req.Inputs); err != nil {
		return nil, err
	}
	cp := req.Checkpoint
	if cp == nil {
		var err error
		if cp, err = checkpointFromInputs(req.Inputs); err != nil {
			return nil, err
		}
	}

	ec := e.execContext(ctx, def, req.Exec)
	ec = e.mw.Before(ec)

	r := e.newRun(def, ec, req.Inputs)
	r.progressFn = req.Progress
	if cp != nil {
		r.restore(cp)
	}

	res := r.forward(ctx)
	if res.Status == StatusFailed || res.Status == StatusCancelled {
		r.compensate(ctx, res)
	}
	r.finish(res)
	e.mw.After(res.Status, ec, res)
	return res, nil
}

// Compensate rolls back the completed steps recorded on a checkpoint. It is
// used to cancel a halted saga.
func (e *Engine) Compensate(ctx context.Context, def *Definition, ec *ExecutionContext, cp *Checkpoint) (*Result, error) {
	if def == nil {
		return nil, &GraphError{Reason: "nil definition"}
	}
	ec = e.mw.Before(e.execContext(ctx, def, ec))
	r := e.newRun(def, ec, nil)
	if cp != nil {
		r.restore(cp)
	}
	res := &Result{Status: StatusCancelled, Err: ErrCancelled}
	r.compensate(ctx, res)
	r.finish(res)
	e.mw.After(res.Status, ec, res)
	return res, nil
}

func (e *Engine) execContext(ctx context.Context, def *Definition, ec *ExecutionContext) *ExecutionContext {
	if ec == nil {
		ec = &ExecutionContext{CorrelationID: NewCorrelationID(), Attempt: 1}
	}
	if ec.SagaType == "" {
		ec.SagaType = def.Name()
	}
	if ec.Deadline.IsZero() {
		if d, ok := ctx.Deadline(); ok {
			ec.Deadline = d
		}
	}
	return ec
}

func checkpointFromInputs(inputs map[string]any) (*Checkpoint, error) {
	v, ok := inputs[CheckpointInputKey]
	if !ok || v == nil {
		return nil, nil
	}
	switch cp := v.(type) {
	case *Checkpoint:
		return cp, nil
	case Checkpoint:
		return &cp, nil
	}
	cp, ok := ValueAs[Checkpoint](v)
	if !ok {
		return nil, fmt.Errorf("input %q does not hold a checkpoint", CheckpointInputKey)
	}
	return &cp, nil
}

// run is the state of a single attempt.
type run struct {
	e          *Engine
	def        *Definition
	ec         *ExecutionContext
	log        *StepLog
	inputs     map[string]any
	progressFn func(Checkpoint)

	mu         sync.Mutex
	values     *btree.Map[string, any]
	resumeStep string
	resumeData json.RawMessage
}

func (e *Engine) newRun(def *Definition, ec *ExecutionContext, inputs map[string]any) *run {
	return &run{
		e:      e,
		def:    def,
		ec:     ec,
		log:    newStepLog(),
		inputs: inputs,
		values: btree.NewMap[string, any](8),
	}
}

func (r *run) restore(cp *Checkpoint) {
	for _, c := range cp.Completed {
		if _, ok := r.def.Step(c.Name); !ok {
			r.e.logger.Warn("checkpoint names a step the saga no longer has",
				zap.String("correlation_id", r.ec.CorrelationID),
				zap.String("step", c.Name))
			continue
		}
		if err := r.log.restore(c); err != nil {
			r.e.logger.Warn("skipping checkpoint entry", zap.String("step", c.Name), zap.Error(err))
			continue
		}
		r.values.Set(c.Name, c.Value())
	}
	r.resumeStep = cp.HaltedStep
	r.resumeData = cp.Data
	if r.resumeStep != "" && len(r.resumeData) == 0 {
		r.resumeData = json.RawMessage("null")
	}
}

// stage tracks one level of steps. Once closed or failed, steps still
// waiting for a fan-out slot never start.
type stage struct {
	mu       sync.Mutex
	closed   bool
	failed   bool
	started  map[string]bool
	finished map[string]bool
	failures map[string]error
	halts    map[string]*HaltError
}

func (s *stage) inFlight(order []string) []string {
	var out []string
	for _, name := range order {
		if s.started[name] && !s.finished[name] {
			out = append(out, name)
		}
	}
	return out
}

func (r *run) forward(ctx context.Context) *Result {
	for _, level := range r.def.levels {
		var pending []string
		for _, name := range level {
			if r.log.Status(name) != StepSucceeded {
				pending = append(pending, name)
			}
		}
		if len(pending) == 0 {
			continue
		}
		if ctx.Err() != nil {
			return r.interrupted(ctx, nil)
		}

		st, abandoned := r.runStage(ctx, pending)
		if abandoned {
			return r.interrupted(ctx, st.inFlight(pending))
		}
		for _, name := range pending {
			if err, ok := st.failures[name]; ok {
				if ctx.Err() != nil {
					return r.interrupted(ctx, nil)
				}
				return &Result{Status: StatusFailed, Err: err, FailedStep: name}
			}
		}
		for _, name := range pending {
			if he, ok := st.halts[name]; ok {
				cp, err := r.checkpoint(he)
				if err != nil {
					return &Result{Status: StatusFailed, Err: &StepError{Step: name, Err: err}, FailedStep: name}
				}
				return &Result{Status: StatusHalted, Checkpoint: cp}
			}
		}
		r.progress()
	}

	out := make(map[string]any)
	r.mu.Lock()
	for _, spec := range r.def.steps {
		if !spec.Returned {
			continue
		}
		if v, ok := r.values.Get(spec.Name); ok {
			out[spec.Name] = v
		}
	}
	r.mu.Unlock()
	return &Result{Status: StatusCompleted, Output: out}
}

// runStage runs one stage under the fan-out bound. If ctx ends first the
// stage is abandoned: steps still running are left behind and anything
// they report afterwards is discarded.
func (r *run) runStage(ctx context.Context, pending []string) (*stage, bool) {
	st := &stage{
		started:  make(map[string]bool),
		finished: make(map[string]bool),
		failures: make(map[string]error),
		halts:    make(map[string]*HaltError),
	}

	args := make([]Args, len(pending))
	for i, name := range pending {
		args[i] = r.args(name)
	}

	var g errgroup.Group
	g.SetLimit(r.e.fanOut)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i, name := range pending {
			spec, _ := r.def.Step(name)
			a := args[i]
			// Outcomes are recorded on the stage; a failing step must not
			// stop its siblings, so the goroutines always return nil.
			g.Go(func() error {
				r.runStep(ctx, st, spec, a)
				return nil
			})
		}
		_ = g.Wait()
	}()

	select {
	case <-done:
		return st, false
	case <-ctx.Done():
		st.mu.Lock()
		st.closed = true
		st.mu.Unlock()
		return st, true
	}
}

func (r *run) args(name string) Args {
	spec, _ := r.def.Step(name)
	deps := btree.NewMap[string, any](4)

	r.mu.Lock()
	for _, dep := range spec.DependsOn {
		if v, ok := r.values.Get(dep); ok {
			deps.Set(dep, v)
		} else if v, ok := r.inputs[dep]; ok {
			deps.Set(dep, v)
		}
	}
	r.mu.Unlock()

	a := Args{
		Step:   name,
		Exec:   r.ec,
		deps:   deps,
		inputs: r.inputs,
		Event: StepEvent{
			ID:            NewCorrelationID(),
			CorrelationID: r.ec.CorrelationID,
			CausationID:   r.ec.CausationID,
		},
	}
	if name == r.resumeStep {
		a.checkpoint = r.resumeData
	}
	return a
}

func (r *run) runStep(ctx context.Context, st *stage, spec StepSpec, args Args) {
	st.mu.Lock()
	if st.closed || st.failed || ctx.Err() != nil {
		st.mu.Unlock()
		return
	}
	st.started[spec.Name] = true
	st.mu.Unlock()

	logger := r.e.logger.With(
		zap.String("correlation_id", r.ec.CorrelationID),
		zap.String("saga_type", r.ec.SagaType),
		zap.Int("attempt", r.ec.Attempt),
		zap.String("step", spec.Name))

	r.record(spec.Name, EventStarted, nil)
	r.e.mw.OnStepEvent(StepStart, spec.Name, r.ec, nil)

	stepCtx := WithExecutionContext(ctx, r.ec)
	value, err := r.invoke(stepCtx, spec, args)
	for retries := 0; IsRetry(err) && retries < spec.MaxRetries; retries++ {
		logger.Debug("retrying step", zap.Int("retry", retries+1), zap.Error(err))
		if sleepErr := sleepContext(ctx, r.e.stepRetry.Delay(retries+1)); sleepErr != nil {
			break
		}
		value, err = r.invoke(stepCtx, spec, args)
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if st.closed {
		logger.Warn("discarding result of abandoned step", zap.Error(err))
		return
	}
	st.finished[spec.Name] = true

	var he *HaltError
	if err != nil && errors.As(err, &he) {
		halt := &HaltError{Step: spec.Name, Data: he.Data}
		r.record(spec.Name, EventHalted, nil)
		st.halts[spec.Name] = halt
		logger.Info("step halted")
		return
	}

	if err == nil {
		raw, mErr := json.Marshal(value)
		if mErr == nil {
			r.mu.Lock()
			r.values.Set(spec.Name, value)
			r.mu.Unlock()
			if lErr := r.log.succeed(spec.Name, value, raw, r.e.now()); lErr != nil {
				logger.Error("step log rejected completion", zap.Error(lErr))
			}
			r.e.mw.OnStepEvent(StepComplete, spec.Name, r.ec, value)
			return
		}
		err = fmt.Errorf("serialize output: %w", mErr)
	}

	stepErr := &StepError{Step: spec.Name, Err: err}
	r.record(spec.Name, EventFailed, err)
	st.failures[spec.Name] = stepErr
	st.failed = true
	r.e.mw.OnStepEvent(StepFailure, spec.Name, r.ec, stepErr)
	logger.Info("step failed", zap.Error(err))
}

type panicError struct {
	value any
	stack []byte
}

func (e *panicError) Error() string { return fmt.Sprintf("panic: %v", e.value) }

func (r *run) invoke(ctx context.Context, spec StepSpec, args Args) (value any, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = &panicError{value: p, stack: debug.Stack()}
		}
	}()
	return spec.Action(ctx, args)
}

func (r *run) invokeCompensate(ctx context.Context, spec StepSpec, value any) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = &panicError{value: p, stack: debug.Stack()}
		}
	}()
	return spec.Compensate(ctx, value, r.ec)
}

func (r *run) record(step string, t StepEventType, cause error) {
	if err := r.log.record(step, t, r.e.now(), cause); err != nil {
		r.e.logger.Error("step log rejected event", zap.String("step", step), zap.Error(err))
	}
}

func (r *run) interrupted(ctx context.Context, inFlight []string) *Result {
	for _, name := range inFlight {
		r.record(name, EventAbandoned, ctx.Err())
	}
	cause := context.Cause(ctx)
	switch {
	case errors.Is(cause, ErrCancelled):
		return &Result{Status: StatusCancelled, Err: ErrCancelled}
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return &Result{Status: StatusFailed, Err: &TimeoutError{Deadline: r.ec.Deadline, Pending: inFlight}}
	default:
		return &Result{Status: StatusCancelled, Err: fmt.Errorf("%w: %w", ErrCancelled, cause)}
	}
}

// compensate walks completed steps in reverse completion order. Every
// compensation is attempted; failures are collected, not returned.
func (r *run) compensate(ctx context.Context, res *Result) {
	completed := r.log.Completed()
	if len(completed) == 0 {
		return
	}
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.e.compTimeout)
	defer cancel()
	cctx = WithExecutionContext(cctx, r.ec)

	var errs error
	for i := len(completed) - 1; i >= 0; i-- {
		c := completed[i]
		spec, _ := r.def.Step(c.Name)
		if spec.Compensate == nil {
			continue
		}

		r.e.mw.OnStepEvent(CompensateStart, c.Name, r.ec, c.Value())
		r.record(c.Name, EventUndoStarted, nil)
		err := r.invokeCompensate(cctx, spec, c.Value())
		if err != nil {
			errs = multierr.Append(errs, &CompensationError{Step: c.Name, Err: err})
			r.record(c.Name, EventUndoFailed, err)
			r.e.logger.Error("Compensation failed",
				zap.String("correlation_id", r.ec.CorrelationID),
				zap.String("step", c.Name),
				zap.Error(err))
		} else {
			r.record(c.Name, EventUndoFinished, nil)
			res.Compensated = append(res.Compensated, c.Name)
		}
		r.e.mw.OnStepEvent(CompensateComplete, c.Name, r.ec, err)
	}
	res.CompensationErrors = errs
}

func (r *run) checkpoint(halt *HaltError) (*Checkpoint, error) {
	cp := &Checkpoint{Completed: r.log.Completed()}
	if halt != nil {
		cp.HaltedStep = halt.Step
		if halt.Data != nil {
			raw, err := json.Marshal(halt.Data)
			if err != nil {
				return nil, fmt.Errorf("serialize checkpoint: %w", err)
			}
			cp.Data = raw
		}
	}
	return cp, nil
}

func (r *run) progress() {
	if r.progressFn == nil {
		return
	}
	cp, _ := r.checkpoint(nil)
	defer func() {
		if p := recover(); p != nil {
			r.e.logger.Warn("progress callback panicked", zap.Any("panic", p))
		}
	}()
	r.progressFn(*cp)
}

func (r *run) finish(res *Result) {
	res.StepsCompleted = len(r.log.Completed())
	res.Trace = r.log.Entries()
}

func compensationErrors(err error) []error {
	return multierr.Errors(err)
}
