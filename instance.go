package sagaflow

import (
	"encoding/json"
	"errors"
	"time"
)

// Status is the lifecycle state of a saga instance.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusRetrying  Status = "retrying"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusHalted    Status = "halted"
	StatusCancelled Status = "cancelled"
)

// Terminal statuses are immutable once set.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// ActiveStatuses are the statuses ListActive reports.
var ActiveStatuses = []Status{StatusPending, StatusRunning, StatusRetrying, StatusHalted}

func (s Status) Active() bool {
	for _, a := range ActiveStatuses {
		if s == a {
			return true
		}
	}
	return false
}

// Failure kinds recorded on SagaInstance.Error.
const (
	FailureStep        = "StepError"
	FailureTimeout     = "TimeoutError"
	FailureValidation  = "ValidationError"
	FailureStale       = "StaleTimeout"
	FailureCancelled   = "Cancelled"
	FailureUnknownType = "UnknownSagaType"
	FailurePanic       = "Panic"
)

// FailureInfo is the persisted form of an attempt error.
type FailureInfo struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
	Step    string `json:"step,omitempty"`
	// Compensation holds best-effort undo failures of the attempt.
	Compensation []string `json:"compensation_errors,omitempty"`
}

// Checkpoint is the resumable state of a halted saga.
type Checkpoint struct {
	HaltedStep string          `json:"halted_step,omitempty"`
	Data       json.RawMessage `json:"data,omitempty"`
	Completed  []CompletedStep `json:"completed"`
}

// SagaInstance is the durable record of one saga.
type SagaInstance struct {
	CorrelationID string         `json:"correlation_id"`
	SagaType      string         `json:"saga_type"`
	Status        Status         `json:"status"`
	Inputs        map[string]any `json:"inputs"`
	Output        map[string]any `json:"output,omitempty"`
	Error         *FailureInfo   `json:"error,omitempty"`
	AttemptCount  int            `json:"attempt_count"`
	MaxAttempts   int            `json:"max_attempts"`
	TimeoutMs     int            `json:"timeout_ms"`
	Priority      int            `json:"priority"`
	Checkpoint    *Checkpoint    `json:"checkpoint,omitempty"`
	CausationID   string         `json:"causation_id,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
	LastAttemptAt *time.Time     `json:"last_attempt_at,omitempty"`
	CompletedAt   *time.Time     `json:"completed_at,omitempty"`
}

// Clone returns a copy that shares no maps or pointers with inst.
func (inst SagaInstance) Clone() SagaInstance {
	out := inst
	out.Inputs = cloneMap(inst.Inputs)
	out.Output = cloneMap(inst.Output)
	if inst.Error != nil {
		e := *inst.Error
		e.Compensation = append([]string(nil), inst.Error.Compensation...)
		out.Error = &e
	}
	if inst.Checkpoint != nil {
		cp := *inst.Checkpoint
		cp.Completed = append([]CompletedStep(nil), inst.Checkpoint.Completed...)
		out.Checkpoint = &cp
	}
	if inst.LastAttemptAt != nil {
		t := *inst.LastAttemptAt
		out.LastAttemptAt = &t
	}
	if inst.CompletedAt != nil {
		t := *inst.CompletedAt
		out.CompletedAt = &t
	}
	return out
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Patch is a partial update. Nil fields are left untouched.
type Patch struct {
	Status          *Status
	Inputs          map[string]any
	Output          map[string]any
	Error           *FailureInfo
	ClearError      bool
	AttemptCount    *int
	Checkpoint      *Checkpoint
	ClearCheckpoint bool
	CausationID     *string
	LastAttemptAt   *time.Time
	CompletedAt     *time.Time
}

// Ptr returns a pointer to v, for building patches.
func Ptr[T any](v T) *T { return &v }

// ApplyPatch applies p to inst. A patch that sets a terminal instance to
// its current status is a no-op; any other change to a terminal instance
// fails with ErrTerminal. It reports whether inst changed.
func ApplyPatch(inst *SagaInstance, p Patch, now time.Time) (bool, error) {
	if inst.Status.Terminal() {
		if p.Status != nil && *p.Status == inst.Status {
			return false, nil
		}
		return false, ErrTerminal
	}

	if p.Status != nil {
		inst.Status = *p.Status
	}
	if p.Inputs != nil {
		inst.Inputs = cloneMap(p.Inputs)
	}
	if p.Output != nil {
		inst.Output = cloneMap(p.Output)
	}
	if p.ClearError {
		inst.Error = nil
	}
	if p.Error != nil {
		e := *p.Error
		inst.Error = &e
	}
	if p.AttemptCount != nil {
		inst.AttemptCount = *p.AttemptCount
	}
	if p.ClearCheckpoint {
		inst.Checkpoint = nil
	}
	if p.Checkpoint != nil {
		cp := *p.Checkpoint
		inst.Checkpoint = &cp
	}
	if p.CausationID != nil {
		inst.CausationID = *p.CausationID
	}
	if p.LastAttemptAt != nil {
		t := *p.LastAttemptAt
		inst.LastAttemptAt = &t
	}
	if p.CompletedAt != nil {
		t := *p.CompletedAt
		inst.CompletedAt = &t
	}
	if inst.Status.Terminal() && inst.CompletedAt == nil {
		t := now
		inst.CompletedAt = &t
	}
	inst.UpdatedAt = now
	return true, nil
}

// failureFor maps an attempt error to its persisted form.
func failureFor(err error, compensation error) *FailureInfo {
	if err == nil {
		return nil
	}
	info := &FailureInfo{Kind: FailureStep, Message: err.Error()}

	var (
		se *StepError
		te *TimeoutError
		ve *ValidationError
	)
	switch {
	case errors.As(err, &te):
		info.Kind = FailureTimeout
	case errors.Is(err, ErrCancelled):
		info.Kind = FailureCancelled
	case errors.As(err, &ve):
		info.Kind = FailureValidation
	case errors.Is(err, ErrUnknownSagaType):
		info.Kind = FailureUnknownType
	case errors.As(err, &se):
		info.Step = se.Step
		var pe *panicError
		if errors.As(se.Err, &pe) {
			info.Kind = FailurePanic
		}
	}
	for _, ce := range compensationErrors(compensation) {
		info.Compensation = append(info.Compensation, ce.Error())
	}
	return info
}
