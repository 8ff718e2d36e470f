package sagaflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrNotFound is returned when a saga instance does not exist.
	ErrNotFound = errors.New("saga instance not found")
	// ErrTerminal is returned when a write targets an instance that already
	// reached a terminal status with a different outcome.
	ErrTerminal = errors.New("saga instance is terminal")
	// ErrDuplicate is returned by Store.Create for an existing correlation id.
	ErrDuplicate = errors.New("saga instance already exists")
	// ErrUnknownSagaType is returned for saga types that were never registered.
	ErrUnknownSagaType = errors.New("unknown saga type")
	// ErrAlreadyLocked is returned when another attempt holds the lease.
	ErrAlreadyLocked = errors.New("lease already held")
	// ErrLeaseLost is returned when releasing a lease with a stale token.
	ErrLeaseLost = errors.New("lease token mismatch")
	// ErrCancelled is the cancellation cause of an attempt stopped by Cancel.
	ErrCancelled = errors.New("saga cancelled")
	// ErrNotHalted is returned by Resume for instances that are not halted.
	ErrNotHalted = errors.New("saga instance is not halted")
)

// GraphError reports an invalid step graph at registration time.
type GraphError struct {
	Saga   string
	Reason string
}

func (e *GraphError) Error() string {
	return fmt.Sprintf("invalid saga %q: %s", e.Saga, e.Reason)
}

func graphErrorf(saga, format string, args ...any) error {
	return &GraphError{Saga: saga, Reason: fmt.Sprintf(format, args...)}
}

// ValidationError reports saga inputs that do not satisfy the definition.
type ValidationError struct {
	Saga    string
	Missing []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("saga %q is missing required inputs: %s", e.Saga, strings.Join(e.Missing, ", "))
}

// StepError is a business failure of a single step's action.
type StepError struct {
	Step string
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %q failed: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// TimeoutError reports an attempt that outlived its deadline.
type TimeoutError struct {
	Deadline time.Time
	// Pending lists the steps that were still in flight when the deadline hit.
	Pending []string
}

func (e *TimeoutError) Error() string {
	if len(e.Pending) == 0 {
		return fmt.Sprintf("saga attempt exceeded deadline %s", e.Deadline.Format(time.RFC3339Nano))
	}
	return fmt.Sprintf("saga attempt exceeded deadline %s with steps in flight: %s",
		e.Deadline.Format(time.RFC3339Nano), strings.Join(e.Pending, ", "))
}

func (e *TimeoutError) Unwrap() error { return context.DeadlineExceeded }

// CompensationError is a diagnostic attached to a result when an undo
// action fails. It never changes the outcome of the attempt.
type CompensationError struct {
	Step string
	Err  error
}

func (e *CompensationError) Error() string {
	return fmt.Sprintf("compensation of step %q failed: %v", e.Step, e.Err)
}

func (e *CompensationError) Unwrap() error { return e.Err }

// InfraError wraps a failure of the store, queue, lease or another
// collaborator. The saga outcome of an attempt is unknown when one surfaces.
type InfraError struct {
	Op  string
	Err error
}

func (e *InfraError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *InfraError) Unwrap() error { return e.Err }

func infraErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var ie *InfraError
	if errors.As(err, &ie) {
		return err
	}
	return &InfraError{Op: op, Err: err}
}

// HaltError is returned by an action that needs an external trigger before
// the saga can proceed. Data is stored on the checkpoint.
type HaltError struct {
	Step string
	Data any
}

func (e *HaltError) Error() string {
	if e.Step == "" {
		return "saga halted"
	}
	return fmt.Sprintf("saga halted at step %q", e.Step)
}

// Halt is returned from an action to suspend the saga with a checkpoint.
func Halt(data any) error {
	return &HaltError{Data: data}
}

type retryError struct {
	err error
}

func (e *retryError) Error() string { return fmt.Sprintf("retry requested: %v", e.err) }

func (e *retryError) Unwrap() error { return e.err }

// Retry is returned from an action to ask for the step to be re-invoked in
// place, up to the step's MaxRetries.
func Retry(err error) error {
	if err == nil {
		err = errors.New("transient failure")
	}
	return &retryError{err: err}
}

// IsRetry reports whether err asks for an in-place step retry.
func IsRetry(err error) bool {
	var re *retryError
	return errors.As(err, &re)
}
