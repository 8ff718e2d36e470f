package sagaflow

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// FileStore persists each saga instance as a JSON file. It suits a single
// process with no database, such as a CLI that must survive restarts.
type FileStore struct {
	basePath string
	mu       sync.Mutex
	now      func() time.Time
}

// NewFileStore creates a file-based store that saves instances to the
// specified directory.
func NewFileStore(basePath string) (*FileStore, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}
	return &FileStore{basePath: basePath, now: time.Now}, nil
}

func (f *FileStore) Create(_ context.Context, inst SagaInstance) (SagaInstance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, err := os.Stat(f.filename(inst.CorrelationID)); err == nil {
		return SagaInstance{}, fmt.Errorf("saga %s: %w", inst.CorrelationID, ErrDuplicate)
	}
	PrepareNew(&inst, f.now())
	if err := f.write(inst); err != nil {
		return SagaInstance{}, err
	}
	return inst, nil
}

func (f *FileStore) Find(_ context.Context, id string) (SagaInstance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.read(id)
}

func (f *FileStore) Update(_ context.Context, id string, p Patch) (SagaInstance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	inst, err := f.read(id)
	if err != nil {
		return SagaInstance{}, err
	}
	changed, err := ApplyPatch(&inst, p, f.now())
	if err != nil {
		return inst, fmt.Errorf("saga %s: %w", id, err)
	}
	if changed {
		if err := f.write(inst); err != nil {
			return SagaInstance{}, err
		}
	}
	return inst, nil
}

func (f *FileStore) ListStale(_ context.Context, cutoff time.Time) ([]SagaInstance, error) {
	return f.scan(func(inst SagaInstance) bool {
		return inst.Status == StatusRunning && inst.LastAttemptAt != nil && inst.LastAttemptAt.Before(cutoff)
	})
}

func (f *FileStore) ListByStatusOlderThan(_ context.Context, status Status, cutoff time.Time) ([]SagaInstance, error) {
	return f.scan(func(inst SagaInstance) bool {
		return inst.Status == status && inst.UpdatedAt.Before(cutoff)
	})
}

func (f *FileStore) ListActive(_ context.Context) ([]SagaInstance, error) {
	out, err := f.scan(func(inst SagaInstance) bool { return inst.Status.Active() })
	if err != nil {
		return nil, err
	}
	sortByCreated(out)
	return out, nil
}

// Delete removes the instance file.
func (f *FileStore) Delete(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := os.Remove(f.filename(id)); err != nil {
		if os.IsNotExist(err) {
			// Already deleted, not an error
			return nil
		}
		return fmt.Errorf("failed to delete state file: %w", err)
	}
	return nil
}

func (f *FileStore) scan(match func(SagaInstance) bool) ([]SagaInstance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	entries, err := os.ReadDir(f.basePath)
	if err != nil {
		return nil, fmt.Errorf("failed to list state files: %w", err)
	}
	var out []SagaInstance
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		inst, err := f.read(strings.TrimSuffix(e.Name(), ".json"))
		if err != nil {
			return nil, err
		}
		if match(inst) {
			out = append(out, inst)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	return out, nil
}

func (f *FileStore) read(id string) (SagaInstance, error) {
	data, err := os.ReadFile(f.filename(id))
	if err != nil {
		if os.IsNotExist(err) {
			return SagaInstance{}, fmt.Errorf("saga %s: %w", id, ErrNotFound)
		}
		return SagaInstance{}, fmt.Errorf("failed to read state file: %w", err)
	}
	var inst SagaInstance
	if err := json.Unmarshal(data, &inst); err != nil {
		return SagaInstance{}, fmt.Errorf("failed to unmarshal state: %w", err)
	}
	return inst, nil
}

func (f *FileStore) write(inst SagaInstance) error {
	data, err := json.MarshalIndent(inst, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}
	if err := os.WriteFile(f.filename(inst.CorrelationID), data, 0644); err != nil {
		return fmt.Errorf("failed to write state file: %w", err)
	}
	return nil
}

// filename returns the full path for an instance's state file.
func (f *FileStore) filename(id string) string {
	return filepath.Join(f.basePath, id+".json")
}
