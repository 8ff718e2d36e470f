package sagaflow

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"
)

// LifecycleEvent is published when an instance reaches a new outcome.
type LifecycleEvent struct {
	ID            string         `json:"id"`
	Name          string         `json:"name"`
	Source        string         `json:"source"`
	CorrelationID string         `json:"correlation_id"`
	CausationID   string         `json:"causation_id,omitempty"`
	SagaType      string         `json:"saga_type"`
	Status        Status         `json:"status"`
	Payload       map[string]any `json:"payload,omitempty"`
	OccurredAt    time.Time      `json:"occurred_at"`
}

// EventPublisher publishes lifecycle events. Failures are logged by the
// worker and never change the saga outcome.
type EventPublisher interface {
	Publish(ctx context.Context, ev LifecycleEvent) error
}

// DecayRequest asks for a resource to be cleaned up after TTL.
type DecayRequest struct {
	ResourceType string `json:"resource_type"`
	ResourceID   string `json:"resource_id"`
	Reason       string `json:"reason"`
	TTLSeconds   int    `json:"ttl_seconds"`
}

type DecayRegistrar interface {
	RegisterDecayable(ctx context.Context, req DecayRequest) error
}

// ArchiveEntry is the archived copy of a terminal instance.
type ArchiveEntry struct {
	OriginalID   string          `json:"original_id"`
	ResourceType string          `json:"resource_type"`
	ArchivedAt   time.Time       `json:"archived_at"`
	Reason       string          `json:"reason"`
	Data         json.RawMessage `json:"data"`
	Meta         map[string]any  `json:"meta,omitempty"`
}

// Archiver stores archive entries keyed by original id.
type Archiver interface {
	CreateArchiveEntry(ctx context.Context, entry ArchiveEntry) error
	HasArchived(ctx context.Context, originalID string) (bool, error)
}

const (
	ResourceSagaInstance = "saga_instance"

	DecayReasonExhausted = "retries_exhausted"
	DecayReasonStale     = "stale_timeout"
)

// LogPublisher writes lifecycle events to the log. It is the publisher
// used when no broker is configured.
type LogPublisher struct {
	Logger *zap.Logger
}

func (p LogPublisher) Publish(_ context.Context, ev LifecycleEvent) error {
	logger := p.Logger
	if logger == nil {
		return nil
	}
	logger.Info("saga lifecycle event",
		zap.String("event", ev.Name),
		zap.String("correlation_id", ev.CorrelationID),
		zap.String("saga_type", ev.SagaType),
		zap.String("status", string(ev.Status)))
	return nil
}

// MemoryPublisher records events; it backs tests and the examples.
type MemoryPublisher struct {
	mu     sync.Mutex
	events []LifecycleEvent
	// Err, when set, is returned from every Publish after recording.
	Err error
}

func (p *MemoryPublisher) Publish(_ context.Context, ev LifecycleEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return p.Err
}

func (p *MemoryPublisher) Events() []LifecycleEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]LifecycleEvent(nil), p.events...)
}

type MemoryDecay struct {
	mu       sync.Mutex
	requests []DecayRequest
	Err      error
}

func (d *MemoryDecay) RegisterDecayable(_ context.Context, req DecayRequest) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.Err != nil {
		return d.Err
	}
	d.requests = append(d.requests, req)
	return nil
}

func (d *MemoryDecay) Requests() []DecayRequest {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]DecayRequest(nil), d.requests...)
}

// MemoryArchive keeps the first entry per original id.
type MemoryArchive struct {
	mu      sync.Mutex
	entries map[string]ArchiveEntry
	calls   int
}

func NewMemoryArchive() *MemoryArchive {
	return &MemoryArchive{entries: make(map[string]ArchiveEntry)}
}

func (a *MemoryArchive) CreateArchiveEntry(_ context.Context, entry ArchiveEntry) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls++
	if _, ok := a.entries[entry.OriginalID]; ok {
		return nil
	}
	a.entries[entry.OriginalID] = entry
	return nil
}

func (a *MemoryArchive) HasArchived(_ context.Context, originalID string) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.entries[originalID]
	return ok, nil
}

func (a *MemoryArchive) Entries() map[string]ArchiveEntry {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string]ArchiveEntry, len(a.entries))
	for k, v := range a.entries {
		out[k] = v
	}
	return out
}

// Calls counts CreateArchiveEntry invocations, including no-op repeats.
func (a *MemoryArchive) Calls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}
