package sagaflow

import (
	"fmt"
	"time"

	"go.uber.org/zap"
)

// StepEventKind names a step-level telemetry hook.
type StepEventKind string

const (
	StepStart          StepEventKind = "start"
	StepComplete       StepEventKind = "complete"
	StepFailure        StepEventKind = "error"
	CompensateStart    StepEventKind = "compensate_start"
	CompensateComplete StepEventKind = "compensate_complete"
)

// Middleware observes an attempt. Implementations must not block for long;
// the engine recovers and logs any panic they raise.
type Middleware interface {
	// Before may return a replacement context; returning nil keeps ec.
	Before(ec *ExecutionContext) *ExecutionContext
	After(status Status, ec *ExecutionContext, res *Result)
	// OnStepEvent receives the step value for complete and compensate_start,
	// the error for error, and the compensation error (or nil) for
	// compensate_complete.
	OnStepEvent(kind StepEventKind, step string, ec *ExecutionContext, payload any)
}

type NopMiddleware struct{}

func (NopMiddleware) Before(ec *ExecutionContext) *ExecutionContext             { return ec }
func (NopMiddleware) After(Status, *ExecutionContext, *Result)                  {}
func (NopMiddleware) OnStepEvent(StepEventKind, string, *ExecutionContext, any) {}

type chain []Middleware

// Chain runs middlewares in order for Before and OnStepEvent and in reverse
// order for After.
func Chain(ms ...Middleware) Middleware {
	return chain(ms)
}

func (c chain) Before(ec *ExecutionContext) *ExecutionContext {
	for _, m := range c {
		if next := m.Before(ec); next != nil {
			ec = next
		}
	}
	return ec
}

func (c chain) After(status Status, ec *ExecutionContext, res *Result) {
	for i := len(c) - 1; i >= 0; i-- {
		c[i].After(status, ec, res)
	}
}

func (c chain) OnStepEvent(kind StepEventKind, step string, ec *ExecutionContext, payload any) {
	for _, m := range c {
		m.OnStepEvent(kind, step, ec, payload)
	}
}

// guarded shields the engine from middleware panics.
type guarded struct {
	next   Middleware
	logger *zap.Logger
}

func (g guarded) recover(hook string) {
	if r := recover(); r != nil {
		g.logger.Warn("middleware panicked", zap.String("hook", hook), zap.Any("panic", r))
	}
}

func (g guarded) Before(ec *ExecutionContext) (out *ExecutionContext) {
	out = ec
	defer g.recover("before")
	if next := g.next.Before(ec); next != nil {
		out = next
	}
	return out
}

func (g guarded) After(status Status, ec *ExecutionContext, res *Result) {
	defer g.recover("after")
	g.next.After(status, ec, res)
}

func (g guarded) OnStepEvent(kind StepEventKind, step string, ec *ExecutionContext, payload any) {
	defer g.recover("step_event")
	g.next.OnStepEvent(kind, step, ec, payload)
}

// Sink receives telemetry events, e.g. ["saga", "step", "complete"].
type Sink interface {
	Emit(name []string, measurements map[string]float64, tags map[string]string)
}

type SinkFunc func(name []string, measurements map[string]float64, tags map[string]string)

func (f SinkFunc) Emit(name []string, measurements map[string]float64, tags map[string]string) {
	f(name, measurements, tags)
}

// Telemetry is the Middleware that turns attempt and step hooks into sink
// events and records timings on the ExecutionContext.
type Telemetry struct {
	sinks  []Sink
	logger *zap.Logger
	now    func() time.Time
}

func NewTelemetry(logger *zap.Logger, sinks ...Sink) *Telemetry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Telemetry{sinks: sinks, logger: logger, now: time.Now}
}

const sagaTimingKey = "saga"

func (t *Telemetry) Before(ec *ExecutionContext) *ExecutionContext {
	now := t.now()
	ec.MarkStart(sagaTimingKey, now)
	t.emit([]string{"saga", "start"}, map[string]float64{"system_time": float64(now.UnixMilli())}, ec.Tags())
	return ec
}

func (t *Telemetry) After(status Status, ec *ExecutionContext, res *Result) {
	d := ec.MarkEnd(sagaTimingKey, t.now())
	tags := ec.Tags()
	tags["status"] = string(status)
	m := map[string]float64{"duration_ms": ms(d)}
	if res != nil {
		m["steps_completed"] = float64(res.StepsCompleted)
		m["compensated"] = float64(len(res.Compensated))
		if res.Err != nil {
			tags["error"] = res.Err.Error()
		}
	}

	var name []string
	switch status {
	case StatusCompleted:
		name = []string{"saga", "complete"}
	case StatusHalted:
		name = []string{"saga", "halt"}
	default:
		name = []string{"saga", "error"}
	}
	t.emit(name, m, tags)
}

func (t *Telemetry) OnStepEvent(kind StepEventKind, step string, ec *ExecutionContext, payload any) {
	now := t.now()
	tags := ec.Tags()
	tags["step"] = step
	compKey := "compensate:" + step

	switch kind {
	case StepStart:
		ec.MarkStart(step, now)
		t.emit([]string{"saga", "step", "start"}, map[string]float64{"system_time": float64(now.UnixMilli())}, tags)
	case StepComplete:
		d := ec.MarkEnd(step, now)
		t.emit([]string{"saga", "step", "complete"}, map[string]float64{"duration_ms": ms(d)}, tags)
	case StepFailure:
		d := ec.MarkEnd(step, now)
		if err, ok := payload.(error); ok && err != nil {
			tags["error"] = err.Error()
		}
		t.emit([]string{"saga", "step", "error"}, map[string]float64{"duration_ms": ms(d)}, tags)
	case CompensateStart:
		ec.MarkStart(compKey, now)
		t.emit([]string{"saga", "compensate", "start"}, map[string]float64{"system_time": float64(now.UnixMilli())}, tags)
	case CompensateComplete:
		d := ec.MarkEnd(compKey, now)
		tags["outcome"] = "ok"
		if err, ok := payload.(error); ok && err != nil {
			tags["outcome"] = "failed"
			tags["error"] = err.Error()
		}
		t.emit([]string{"saga", "compensate", "complete"}, map[string]float64{"duration_ms": ms(d)}, tags)
	default:
		t.logger.Debug("unknown step event", zap.String("kind", string(kind)))
	}
}

func (t *Telemetry) emit(name []string, measurements map[string]float64, tags map[string]string) {
	for _, s := range t.sinks {
		t.emitOne(s, name, measurements, tags)
	}
}

func (t *Telemetry) emitOne(s Sink, name []string, measurements map[string]float64, tags map[string]string) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Warn("telemetry sink panicked",
				zap.Strings("event", name),
				zap.String("sink", fmt.Sprintf("%T", s)),
				zap.Any("panic", r))
		}
	}()
	s.Emit(name, measurements, tags)
}

func ms(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
