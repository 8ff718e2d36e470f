package sagaflow

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"
)

// StepEventType is an entry kind in the step log.
type StepEventType int

const (
	EventStarted StepEventType = iota
	EventSucceeded
	EventFailed
	EventHalted
	EventAbandoned
	EventRestored
	EventUndoStarted
	EventUndoFinished
	EventUndoFailed
)

func (s StepEventType) String() string {
	switch s {
	case EventStarted:
		return "started"
	case EventSucceeded:
		return "succeeded"
	case EventFailed:
		return "failed"
	case EventHalted:
		return "halted"
	case EventAbandoned:
		return "abandoned"
	case EventRestored:
		return "restored"
	case EventUndoStarted:
		return "undo_started"
	case EventUndoFinished:
		return "undo_finished"
	case EventUndoFailed:
		return "undo_failed"
	default:
		return fmt.Sprintf("Unknown StepEventType: %d", s)
	}
}

func (s StepEventType) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// StepLogEntry is one line of an attempt's trace.
type StepLogEntry struct {
	Step  string        `json:"step"`
	Type  StepEventType `json:"type"`
	At    time.Time     `json:"at"`
	Error string        `json:"error,omitempty"`
}

func (e StepLogEntry) String() string {
	if e.Error != "" {
		return fmt.Sprintf("%s %s: %s", e.Step, e.Type, e.Error)
	}
	return fmt.Sprintf("%s %s", e.Step, e.Type)
}

// StepStatus is the state of a step within one attempt.
type StepStatus int

const (
	StepNeverStarted StepStatus = iota
	StepStarted
	StepSucceeded
	StepFailed
	StepHalted
	StepAbandoned
	StepUndoStarted
	StepUndoFinished
	StepUndoFailed
)

func (s StepStatus) String() string {
	switch s {
	case StepNeverStarted:
		return "NeverStarted"
	case StepStarted:
		return "Started"
	case StepSucceeded:
		return "Succeeded"
	case StepFailed:
		return "Failed"
	case StepHalted:
		return "Halted"
	case StepAbandoned:
		return "Abandoned"
	case StepUndoStarted:
		return "UndoStarted"
	case StepUndoFinished:
		return "UndoFinished"
	case StepUndoFailed:
		return "UndoFailed"
	default:
		return fmt.Sprintf("Unknown StepStatus: %d", s)
	}
}

// nextStatus returns the new status for a step after recording the given event.
func (s StepStatus) nextStatus(eventType StepEventType) (StepStatus, error) {
	switch s {
	case StepNeverStarted:
		switch eventType {
		case EventStarted:
			return StepStarted, nil
		case EventRestored:
			return StepSucceeded, nil
		}
	case StepStarted:
		switch eventType {
		case EventSucceeded:
			return StepSucceeded, nil
		case EventFailed:
			return StepFailed, nil
		case EventHalted:
			return StepHalted, nil
		case EventAbandoned:
			return StepAbandoned, nil
		}
	case StepSucceeded:
		if eventType == EventUndoStarted {
			return StepUndoStarted, nil
		}
	case StepUndoStarted:
		switch eventType {
		case EventUndoFinished:
			return StepUndoFinished, nil
		case EventUndoFailed:
			return StepUndoFailed, nil
		}
	}

	return StepNeverStarted, fmt.Errorf("illegal event type %s for current status %v", eventType, s)
}

// CompletedStep is a step that produced a value, in the order it completed.
type CompletedStep struct {
	Name        string          `json:"name"`
	Output      json.RawMessage `json:"output"`
	CompletedAt time.Time       `json:"completed_at"`

	value any
}

// Value is the in-memory value the action returned, or the raw JSON for a
// step restored from a checkpoint.
func (c CompletedStep) Value() any {
	if c.value != nil {
		return c.value
	}
	return c.Output
}

// StepLog is the per-attempt write log. The completion list it keeps is the
// only source of truth for rollback order.
type StepLog struct {
	mu        sync.Mutex
	unwinding bool
	entries   []StepLogEntry
	status    map[string]StepStatus
	completed []CompletedStep
}

func newStepLog() *StepLog {
	return &StepLog{status: make(map[string]StepStatus)}
}

func (l *StepLog) record(step string, eventType StepEventType, at time.Time, cause error) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.recordLocked(step, eventType, at, cause)
}

func (l *StepLog) recordLocked(step string, eventType StepEventType, at time.Time, cause error) error {
	next, err := l.status[step].nextStatus(eventType)
	if err != nil {
		return fmt.Errorf("step %q: %w", step, err)
	}

	switch next {
	case StepFailed, StepUndoStarted, StepUndoFinished, StepUndoFailed:
		l.unwinding = true
	}

	entry := StepLogEntry{Step: step, Type: eventType, At: at}
	if cause != nil {
		entry.Error = cause.Error()
	}
	l.status[step] = next
	l.entries = append(l.entries, entry)
	return nil
}

// succeed records completion and appends to the completion list under the
// same lock, so list order is completion order.
func (l *StepLog) succeed(step string, value any, raw json.RawMessage, at time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.recordLocked(step, EventSucceeded, at, nil); err != nil {
		return err
	}
	l.completed = append(l.completed, CompletedStep{Name: step, Output: raw, CompletedAt: at, value: value})
	return nil
}

func (l *StepLog) restore(c CompletedStep) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.recordLocked(c.Name, EventRestored, c.CompletedAt, nil); err != nil {
		return err
	}
	l.completed = append(l.completed, c)
	return nil
}

func (l *StepLog) Status(step string) StepStatus {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.status[step]
}

func (l *StepLog) Completed() []CompletedStep {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]CompletedStep(nil), l.completed...)
}

func (l *StepLog) Entries() []StepLogEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]StepLogEntry(nil), l.entries...)
}

func (l *StepLog) Unwinding() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.unwinding
}

func (l *StepLog) String() string {
	l.mu.Lock()
	defer l.mu.Unlock()

	var sb strings.Builder
	direction := "forward"
	if l.unwinding {
		direction = "unwinding"
	}
	fmt.Fprintf(&sb, "direction: %s\n", direction)
	fmt.Fprintf(&sb, "events (%d total):\n", len(l.entries))
	for i, e := range l.entries {
		fmt.Fprintf(&sb, "%03d %s\n", i+1, e.String())
	}
	return sb.String()
}
