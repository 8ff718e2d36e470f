package sagaflow

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ExecutionContext is created once per attempt and shared by the engine,
// the middleware and compensations.
type ExecutionContext struct {
	CorrelationID string
	CausationID   string
	SagaType      string
	Attempt       int
	Deadline      time.Time

	mu      sync.Mutex
	started map[string]time.Time
	timings map[string]time.Duration
}

// EventMeta is the correlation pair carried by emitted events.
type EventMeta struct {
	CorrelationID string `json:"correlation_id"`
	CausationID   string `json:"causation_id,omitempty"`
}

// NewCorrelationID returns a time-ordered UUIDv7.
func NewCorrelationID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

func (ec *ExecutionContext) MarkStart(key string, at time.Time) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	if ec.started == nil {
		ec.started = make(map[string]time.Time)
	}
	ec.started[key] = at
}

// MarkEnd records the elapsed time since MarkStart for key. It returns zero
// if key was never started.
func (ec *ExecutionContext) MarkEnd(key string, at time.Time) time.Duration {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	start, ok := ec.started[key]
	if !ok {
		return 0
	}
	if ec.timings == nil {
		ec.timings = make(map[string]time.Duration)
	}
	d := at.Sub(start)
	ec.timings[key] = d
	return d
}

func (ec *ExecutionContext) Timing(key string) (time.Duration, bool) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	d, ok := ec.timings[key]
	return d, ok
}

func (ec *ExecutionContext) Timings() map[string]time.Duration {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	out := make(map[string]time.Duration, len(ec.timings))
	for k, v := range ec.timings {
		out[k] = v
	}
	return out
}

// Tags returns the correlation fields used as telemetry tags.
func (ec *ExecutionContext) Tags() map[string]string {
	tags := map[string]string{
		"correlation_id": ec.CorrelationID,
		"saga_type":      ec.SagaType,
		"attempt":        strconv.Itoa(ec.Attempt),
	}
	if ec.CausationID != "" {
		tags["causation_id"] = ec.CausationID
	}
	return tags
}

type execContextKey struct{}

// WithExecutionContext attaches ec to ctx. The engine does this for every
// action and compensation it invokes.
func WithExecutionContext(ctx context.Context, ec *ExecutionContext) context.Context {
	return context.WithValue(ctx, execContextKey{}, ec)
}

func ExecutionContextFrom(ctx context.Context) (*ExecutionContext, bool) {
	ec, ok := ctx.Value(execContextKey{}).(*ExecutionContext)
	return ec, ok
}
