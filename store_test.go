package sagaflow

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func storeImplementations(t *testing.T) map[string]Store {
	fs, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	return map[string]Store{
		"memory": NewMemoryStore(),
		"file":   fs,
	}
}

func TestStoreContract(t *testing.T) {
	for name, store := range storeImplementations(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			created, err := store.Create(ctx, SagaInstance{
				CorrelationID: "corr-1",
				SagaType:      "user_provisioning",
				Inputs:        map[string]any{"user_id": "u-1"},
				MaxAttempts:   3,
				TimeoutMs:     1000,
			})
			require.NoError(t, err)
			assert.Equal(t, StatusPending, created.Status)
			assert.Equal(t, 1, created.AttemptCount)
			assert.False(t, created.CreatedAt.IsZero())

			_, err = store.Create(ctx, SagaInstance{CorrelationID: "corr-1", SagaType: "user_provisioning"})
			assert.ErrorIs(t, err, ErrDuplicate)

			_, err = store.Find(ctx, "missing")
			assert.ErrorIs(t, err, ErrNotFound)
			_, err = store.Update(ctx, "missing", Patch{Status: Ptr(StatusRunning)})
			assert.ErrorIs(t, err, ErrNotFound)

			now := time.Now()
			updated, err := store.Update(ctx, "corr-1", Patch{Status: Ptr(StatusRunning), LastAttemptAt: &now})
			require.NoError(t, err)
			assert.Equal(t, StatusRunning, updated.Status)
			require.NotNil(t, updated.LastAttemptAt)

			done, err := store.Update(ctx, "corr-1", Patch{
				Status: Ptr(StatusCompleted),
				Output: map[string]any{"account": "acct-9"},
			})
			require.NoError(t, err)
			assert.Equal(t, StatusCompleted, done.Status)
			require.NotNil(t, done.CompletedAt, "terminal transitions stamp completed_at")

			again, err := store.Update(ctx, "corr-1", Patch{Status: Ptr(StatusCompleted)})
			require.NoError(t, err, "repeating a terminal status is a no-op")
			assert.True(t, again.UpdatedAt.Equal(done.UpdatedAt))

			_, err = store.Update(ctx, "corr-1", Patch{Status: Ptr(StatusFailed)})
			assert.ErrorIs(t, err, ErrTerminal)
			_, err = store.Update(ctx, "corr-1", Patch{AttemptCount: Ptr(5)})
			assert.ErrorIs(t, err, ErrTerminal)

			found, err := store.Find(ctx, "corr-1")
			require.NoError(t, err)
			assert.Equal(t, StatusCompleted, found.Status)
			assert.Equal(t, "acct-9", found.Output["account"])

			require.NoError(t, store.Delete(ctx, "corr-1"))
			require.NoError(t, store.Delete(ctx, "corr-1"), "deleting twice is fine")
			_, err = store.Find(ctx, "corr-1")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestStoreListQueries(t *testing.T) {
	for name, store := range storeImplementations(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			now := time.Now()
			old := now.Add(-2 * time.Hour)
			recent := now.Add(-time.Minute)

			seed := []SagaInstance{
				{CorrelationID: "stale", Status: StatusRunning, LastAttemptAt: &old, CreatedAt: old},
				{CorrelationID: "fresh", Status: StatusRunning, LastAttemptAt: &recent, CreatedAt: recent},
				{CorrelationID: "queued", Status: StatusPending, CreatedAt: now.Add(-3 * time.Hour)},
				{CorrelationID: "parked", Status: StatusHalted, CreatedAt: now.Add(-30 * time.Minute)},
				{CorrelationID: "old_done", Status: StatusCompleted, CreatedAt: now.Add(-48 * time.Hour)},
				{CorrelationID: "new_done", Status: StatusCompleted, CreatedAt: recent},
				{CorrelationID: "old_failed", Status: StatusFailed, CreatedAt: now.Add(-48 * time.Hour)},
			}
			for _, inst := range seed {
				inst.SagaType = "test"
				_, err := store.Create(ctx, inst)
				require.NoError(t, err)
			}

			stale, err := store.ListStale(ctx, now.Add(-time.Hour))
			require.NoError(t, err)
			assert.Equal(t, []string{"stale"}, ids(stale))

			completed, err := store.ListByStatusOlderThan(ctx, StatusCompleted, now.Add(-24*time.Hour))
			require.NoError(t, err)
			assert.Equal(t, []string{"old_done"}, ids(completed))

			failed, err := store.ListByStatusOlderThan(ctx, StatusFailed, now)
			require.NoError(t, err)
			assert.Equal(t, []string{"old_failed"}, ids(failed))

			active, err := store.ListActive(ctx)
			require.NoError(t, err)
			assert.Equal(t, []string{"queued", "stale", "parked", "fresh"}, ids(active))
		})
	}
}

func ids(insts []SagaInstance) []string {
	out := make([]string, 0, len(insts))
	for _, inst := range insts {
		out = append(out, inst.CorrelationID)
	}
	return out
}

func TestApplyPatchClearsFields(t *testing.T) {
	now := time.Now()
	inst := SagaInstance{
		Status:     StatusHalted,
		Error:      &FailureInfo{Kind: FailureStep, Message: "boom"},
		Checkpoint: &Checkpoint{HaltedStep: "await"},
	}
	changed, err := ApplyPatch(&inst, Patch{Status: Ptr(StatusPending), ClearError: true, ClearCheckpoint: true}, now)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Nil(t, inst.Error)
	assert.Nil(t, inst.Checkpoint)
	assert.Nil(t, inst.CompletedAt)
	assert.True(t, inst.UpdatedAt.Equal(now))
}
