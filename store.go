package sagaflow

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/tidwall/btree"
)

// Store persists one SagaInstance per correlation id.
type Store interface {
	// Create inserts inst, failing with ErrDuplicate if the id exists.
	Create(ctx context.Context, inst SagaInstance) (SagaInstance, error)
	// Find fails with ErrNotFound for unknown ids.
	Find(ctx context.Context, correlationID string) (SagaInstance, error)
	// Update applies p with ApplyPatch semantics.
	Update(ctx context.Context, correlationID string, p Patch) (SagaInstance, error)
	// ListStale returns running instances whose last attempt started before cutoff.
	ListStale(ctx context.Context, cutoff time.Time) ([]SagaInstance, error)
	// ListByStatusOlderThan returns instances in status last updated before cutoff.
	ListByStatusOlderThan(ctx context.Context, status Status, cutoff time.Time) ([]SagaInstance, error)
	// ListActive returns pending, running, retrying and halted instances.
	ListActive(ctx context.Context) ([]SagaInstance, error)
	// Delete removes an instance. Deleting a missing id is not an error.
	Delete(ctx context.Context, correlationID string) error
}

type statusKey struct {
	status    Status
	updatedAt time.Time
	id        string
}

func statusKeyLess(a, b statusKey) bool {
	if a.status != b.status {
		return a.status < b.status
	}
	if !a.updatedAt.Equal(b.updatedAt) {
		return a.updatedAt.Before(b.updatedAt)
	}
	return a.id < b.id
}

// MemoryStore is an in-memory Store for tests and single-process use. A
// (status, updated_at) index backs the range queries.
type MemoryStore struct {
	mu        sync.RWMutex
	instances map[string]*SagaInstance
	byStatus  *btree.BTreeG[statusKey]
	now       func() time.Time
}

type MemoryStoreOption func(*MemoryStore)

// WithStoreClock overrides the clock used for updated_at.
func WithStoreClock(now func() time.Time) MemoryStoreOption {
	return func(m *MemoryStore) { m.now = now }
}

func NewMemoryStore(opts ...MemoryStoreOption) *MemoryStore {
	m := &MemoryStore{
		instances: make(map[string]*SagaInstance),
		byStatus:  btree.NewBTreeG[statusKey](statusKeyLess),
		now:       time.Now,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

func keyOf(inst *SagaInstance) statusKey {
	return statusKey{status: inst.Status, updatedAt: inst.UpdatedAt, id: inst.CorrelationID}
}

func (m *MemoryStore) Create(_ context.Context, inst SagaInstance) (SagaInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.instances[inst.CorrelationID]; exists {
		return SagaInstance{}, fmt.Errorf("saga %s: %w", inst.CorrelationID, ErrDuplicate)
	}
	PrepareNew(&inst, m.now())
	stored := inst.Clone()
	m.instances[inst.CorrelationID] = &stored
	m.byStatus.Set(keyOf(&stored))
	return stored.Clone(), nil
}

// PrepareNew fills creation defaults. Explicit timestamps are kept so that
// imported or seeded records retain their history.
func PrepareNew(inst *SagaInstance, now time.Time) {
	if inst.CreatedAt.IsZero() {
		inst.CreatedAt = now
	}
	if inst.UpdatedAt.IsZero() {
		inst.UpdatedAt = inst.CreatedAt
	}
	if inst.Status == "" {
		inst.Status = StatusPending
	}
	if inst.AttemptCount == 0 {
		inst.AttemptCount = 1
	}
}

func (m *MemoryStore) Find(_ context.Context, id string) (SagaInstance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	inst, ok := m.instances[id]
	if !ok {
		return SagaInstance{}, fmt.Errorf("saga %s: %w", id, ErrNotFound)
	}
	return inst.Clone(), nil
}

func (m *MemoryStore) Update(_ context.Context, id string, p Patch) (SagaInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	inst, ok := m.instances[id]
	if !ok {
		return SagaInstance{}, fmt.Errorf("saga %s: %w", id, ErrNotFound)
	}
	oldKey := keyOf(inst)
	next := inst.Clone()
	changed, err := ApplyPatch(&next, p, m.now())
	if err != nil {
		return inst.Clone(), fmt.Errorf("saga %s: %w", id, err)
	}
	if changed {
		m.byStatus.Delete(oldKey)
		m.instances[id] = &next
		m.byStatus.Set(keyOf(&next))
	}
	return m.instances[id].Clone(), nil
}

func (m *MemoryStore) ListStale(_ context.Context, cutoff time.Time) ([]SagaInstance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []SagaInstance
	m.byStatus.Ascend(statusKey{status: StatusRunning}, func(k statusKey) bool {
		if k.status != StatusRunning {
			return false
		}
		inst := m.instances[k.id]
		if inst.LastAttemptAt != nil && inst.LastAttemptAt.Before(cutoff) {
			out = append(out, inst.Clone())
		}
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].LastAttemptAt.Before(*out[j].LastAttemptAt) })
	return out, nil
}

func (m *MemoryStore) ListByStatusOlderThan(_ context.Context, status Status, cutoff time.Time) ([]SagaInstance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []SagaInstance
	m.byStatus.Ascend(statusKey{status: status}, func(k statusKey) bool {
		if k.status != status || !k.updatedAt.Before(cutoff) {
			return false
		}
		out = append(out, m.instances[k.id].Clone())
		return true
	})
	return out, nil
}

func (m *MemoryStore) ListActive(_ context.Context) ([]SagaInstance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []SagaInstance
	for _, status := range ActiveStatuses {
		m.byStatus.Ascend(statusKey{status: status}, func(k statusKey) bool {
			if k.status != status {
				return false
			}
			out = append(out, m.instances[k.id].Clone())
			return true
		})
	}
	sortByCreated(out)
	return out, nil
}

func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	inst, ok := m.instances[id]
	if !ok {
		return nil
	}
	m.byStatus.Delete(keyOf(inst))
	delete(m.instances, id)
	return nil
}

func sortByCreated(insts []SagaInstance) {
	sort.SliceStable(insts, func(i, j int) bool {
		if !insts[i].CreatedAt.Equal(insts[j].CreatedAt) {
			return insts[i].CreatedAt.Before(insts[j].CreatedAt)
		}
		return insts[i].CorrelationID < insts[j].CorrelationID
	})
}
