package sagaflow

import (
	"context"
	"encoding/json"

	"github.com/tidwall/btree"
)

// ActionFunc is the forward action of a step. The returned value must be
// JSON-serializable; it is handed to dependent steps and, on rollback, to
// this step's compensation.
type ActionFunc func(ctx context.Context, args Args) (any, error)

// CompensateFunc undoes a completed step given the value its action produced.
// Values restored from a checkpoint arrive as json.RawMessage; use ValueAs to
// read them either way.
type CompensateFunc func(ctx context.Context, value any, ec *ExecutionContext) error

// StepSpec describes one step of a saga type.
type StepSpec struct {
	Name string
	// DependsOn names top-level inputs or earlier steps.
	DependsOn  []string
	Action     ActionFunc
	Compensate CompensateFunc
	// Returned marks the step's value as part of the saga output.
	Returned bool
	// MaxRetries bounds in-place re-invocation when the action returns Retry.
	MaxRetries int
	// Label is used when rendering the graph.
	Label string
}

// StepEvent identifies one forward invocation of a step. Events emitted by
// downstream systems on behalf of the step should carry ID as their
// causation id.
type StepEvent struct {
	ID            string `json:"id"`
	CorrelationID string `json:"correlation_id"`
	CausationID   string `json:"causation_id,omitempty"`
}

// Args is what an action sees: the values of its declared dependencies, the
// top-level inputs, and on resume the checkpoint it halted with.
type Args struct {
	Step  string
	Exec  *ExecutionContext
	Event StepEvent

	deps       *btree.Map[string, any]
	inputs     map[string]any
	checkpoint any
}

// Get returns the value of a declared dependency.
func (a Args) Get(name string) (any, bool) {
	if a.deps == nil {
		return nil, false
	}
	return a.deps.Get(name)
}

// Names returns the resolved dependency names in sorted order.
func (a Args) Names() []string {
	if a.deps == nil {
		return nil
	}
	return a.deps.Keys()
}

// Input returns a top-level input, including keys merged in on resume.
func (a Args) Input(name string) (any, bool) {
	v, ok := a.inputs[name]
	return v, ok
}

// Checkpoint returns the data this step halted with on a previous attempt.
func (a Args) Checkpoint() (any, bool) {
	return a.checkpoint, a.checkpoint != nil
}

// Downstream returns the correlation metadata to stamp on events emitted by
// this step.
func (a Args) Downstream() EventMeta {
	return EventMeta{CorrelationID: a.Event.CorrelationID, CausationID: a.Event.ID}
}

// Arg retrieves a dependency with type assertion. Values that came back
// from persistence or a JSON decoder are unmarshaled into R.
func Arg[R any](a Args, name string) (R, bool) {
	v, ok := a.Get(name)
	if !ok {
		var zero R
		return zero, false
	}
	return ValueAs[R](v)
}

// InputAs is Arg for top-level inputs.
func InputAs[R any](a Args, name string) (R, bool) {
	v, ok := a.Input(name)
	if !ok {
		var zero R
		return zero, false
	}
	return ValueAs[R](v)
}

// CheckpointAs is Arg for the halted checkpoint.
func CheckpointAs[R any](a Args) (R, bool) {
	v, ok := a.Checkpoint()
	if !ok {
		var zero R
		return zero, false
	}
	return ValueAs[R](v)
}

// ValueAs converts a step value to R. It tries a direct type assertion
// first, then json.RawMessage, then a JSON round trip for values decoded
// into generic maps and slices.
func ValueAs[R any](v any) (R, bool) {
	var zero R
	if typed, ok := v.(R); ok {
		return typed, true
	}

	raw, ok := v.(json.RawMessage)
	if !ok {
		data, err := json.Marshal(v)
		if err != nil {
			return zero, false
		}
		raw = data
	}
	var result R
	if err := json.Unmarshal(raw, &result); err != nil {
		return zero, false
	}
	return result, true
}
