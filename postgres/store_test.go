package postgres

import (
	"context"
	"database/sql/driver"
	"errors"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fortressi/sagaflow"
)

var testNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func newSagaMockDB(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock) {
	t.Helper()

	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)

	t.Cleanup(func() {
		mock.ExpectClose()
		require.NoError(t, mockDB.Close())
		require.NoError(t, mock.ExpectationsWereMet())
	})

	return sqlx.NewDb(mockDB, "postgres"), mock
}

func anyArgs(n int) []driver.Value {
	out := make([]driver.Value, n)
	for i := range out {
		out[i] = sqlmock.AnyArg()
	}
	return out
}

var rowColumns = []string{
	"correlation_id", "saga_type", "status", "inputs", "output", "error",
	"attempt_count", "max_attempts", "timeout_ms", "priority", "checkpoint", "causation_id",
	"created_at", "updated_at", "last_attempt_at", "completed_at",
}

func runningRow(id string) []driver.Value {
	started := testNow.Add(-time.Minute)
	return []driver.Value{
		id, "user_provisioning", "running", []byte(`{"user":"ada"}`), nil, nil,
		int64(1), int64(3), int64(30000), int64(0), nil, "evt-1",
		testNow.Add(-time.Hour), started, started, nil,
	}
}

func TestInitSchema(t *testing.T) {
	db, mock := newSagaMockDB(t)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS saga_instances").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE INDEX IF NOT EXISTS saga_instances_status_updated_idx").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS saga_archive").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS saga_decay").WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, InitSchema(context.Background(), db))
}

func TestInitSchemaWrapsFailure(t *testing.T) {
	db, mock := newSagaMockDB(t)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS saga_instances").WillReturnError(errors.New("permission denied"))

	err := InitSchema(context.Background(), db)
	var infra *sagaflow.InfraError
	require.ErrorAs(t, err, &infra)
	assert.Equal(t, "postgres.init_schema", infra.Op)
}

func TestStoreCreate(t *testing.T) {
	db, mock := newSagaMockDB(t)
	store := NewStore(db, WithClock(func() time.Time { return testNow }))

	args := append([]driver.Value{"saga-1", "user_provisioning", "pending"}, anyArgs(13)...)
	mock.ExpectExec("INSERT INTO saga_instances").
		WithArgs(args...).
		WillReturnResult(sqlmock.NewResult(0, 1))

	inst, err := store.Create(context.Background(), sagaflow.SagaInstance{
		CorrelationID: "saga-1",
		SagaType:      "user_provisioning",
		Inputs:        map[string]any{"user": "ada"},
		MaxAttempts:   3,
		TimeoutMs:     30000,
	})
	require.NoError(t, err)
	assert.Equal(t, sagaflow.StatusPending, inst.Status)
	assert.Equal(t, 1, inst.AttemptCount)
	assert.Equal(t, testNow, inst.CreatedAt)
	assert.Equal(t, testNow, inst.UpdatedAt)
}

func TestStoreCreateDuplicate(t *testing.T) {
	db, mock := newSagaMockDB(t)
	store := NewStore(db)

	mock.ExpectExec("INSERT INTO saga_instances").WillReturnResult(sqlmock.NewResult(0, 0))

	_, err := store.Create(context.Background(), sagaflow.SagaInstance{CorrelationID: "saga-1", SagaType: "t"})
	assert.ErrorIs(t, err, sagaflow.ErrDuplicate)
}

func TestStoreFind(t *testing.T) {
	db, mock := newSagaMockDB(t)
	store := NewStore(db)

	row := runningRow("saga-1")
	row[5] = []byte(`{"kind":"step","message":"boom","step":"create_user"}`)
	row[10] = []byte(`{"halted_step":"approve","completed":[{"name":"reserve","output":"r-1"}]}`)
	mock.ExpectQuery("FROM saga_instances WHERE correlation_id").
		WithArgs("saga-1").
		WillReturnRows(sqlmock.NewRows(rowColumns).AddRow(row...))

	inst, err := store.Find(context.Background(), "saga-1")
	require.NoError(t, err)
	assert.Equal(t, sagaflow.StatusRunning, inst.Status)
	assert.Equal(t, map[string]any{"user": "ada"}, inst.Inputs)
	assert.Nil(t, inst.Output)
	require.NotNil(t, inst.Error)
	assert.Equal(t, "create_user", inst.Error.Step)
	require.NotNil(t, inst.Checkpoint)
	assert.Equal(t, "approve", inst.Checkpoint.HaltedStep)
	require.Len(t, inst.Checkpoint.Completed, 1)
	assert.Equal(t, "reserve", inst.Checkpoint.Completed[0].Name)
	require.NotNil(t, inst.LastAttemptAt)
	assert.Nil(t, inst.CompletedAt)
	assert.Equal(t, "evt-1", inst.CausationID)
}

func TestStoreFindNotFound(t *testing.T) {
	db, mock := newSagaMockDB(t)
	store := NewStore(db)

	mock.ExpectQuery("FROM saga_instances WHERE correlation_id").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(rowColumns))

	_, err := store.Find(context.Background(), "missing")
	assert.ErrorIs(t, err, sagaflow.ErrNotFound)
}

func TestStoreFindInfraError(t *testing.T) {
	db, mock := newSagaMockDB(t)
	store := NewStore(db)

	mock.ExpectQuery("FROM saga_instances WHERE correlation_id").
		WithArgs("saga-1").
		WillReturnError(errors.New("connection reset"))

	_, err := store.Find(context.Background(), "saga-1")
	var infra *sagaflow.InfraError
	require.ErrorAs(t, err, &infra)
	assert.Equal(t, "postgres.find", infra.Op)
}

func TestStoreUpdate(t *testing.T) {
	db, mock := newSagaMockDB(t)
	store := NewStore(db, WithClock(func() time.Time { return testNow }))

	mock.ExpectBegin()
	mock.ExpectQuery("FOR UPDATE").
		WithArgs("saga-1").
		WillReturnRows(sqlmock.NewRows(rowColumns).AddRow(runningRow("saga-1")...))
	args := append([]driver.Value{"saga-1", "completed"}, anyArgs(9)...)
	mock.ExpectExec("UPDATE saga_instances SET").
		WithArgs(args...).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	inst, err := store.Update(context.Background(), "saga-1", sagaflow.Patch{
		Status: sagaflow.Ptr(sagaflow.StatusCompleted),
		Output: map[string]any{"create_user": "u-1"},
	})
	require.NoError(t, err)
	assert.Equal(t, sagaflow.StatusCompleted, inst.Status)
	assert.Equal(t, testNow, inst.UpdatedAt)
	require.NotNil(t, inst.CompletedAt)
	assert.Equal(t, testNow, *inst.CompletedAt)
}

func TestStoreUpdateTerminal(t *testing.T) {
	db, mock := newSagaMockDB(t)
	store := NewStore(db)

	row := runningRow("saga-1")
	row[2] = "completed"
	row[15] = testNow

	mock.ExpectBegin()
	mock.ExpectQuery("FOR UPDATE").
		WithArgs("saga-1").
		WillReturnRows(sqlmock.NewRows(rowColumns).AddRow(row...))
	mock.ExpectRollback()

	inst, err := store.Update(context.Background(), "saga-1", sagaflow.Patch{Status: sagaflow.Ptr(sagaflow.StatusFailed)})
	assert.ErrorIs(t, err, sagaflow.ErrTerminal)
	assert.Equal(t, sagaflow.StatusCompleted, inst.Status)
}

func TestStoreUpdateSameTerminalIsNoop(t *testing.T) {
	db, mock := newSagaMockDB(t)
	store := NewStore(db)

	row := runningRow("saga-1")
	row[2] = "cancelled"

	mock.ExpectBegin()
	mock.ExpectQuery("FOR UPDATE").
		WithArgs("saga-1").
		WillReturnRows(sqlmock.NewRows(rowColumns).AddRow(row...))
	mock.ExpectRollback()

	inst, err := store.Update(context.Background(), "saga-1", sagaflow.Patch{Status: sagaflow.Ptr(sagaflow.StatusCancelled)})
	require.NoError(t, err)
	assert.Equal(t, sagaflow.StatusCancelled, inst.Status)
}

func TestStoreListActive(t *testing.T) {
	db, mock := newSagaMockDB(t)
	store := NewStore(db)

	halted := runningRow("saga-2")
	halted[2] = "halted"
	mock.ExpectQuery("status = ANY").
		WithArgs(sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows(rowColumns).
			AddRow(runningRow("saga-1")...).
			AddRow(halted...))

	out, err := store.ListActive(context.Background())
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, "saga-1", out[0].CorrelationID)
	assert.Equal(t, sagaflow.StatusHalted, out[1].Status)
}

func TestStoreListStale(t *testing.T) {
	db, mock := newSagaMockDB(t)
	store := NewStore(db)
	cutoff := testNow.Add(-30 * time.Second)

	mock.ExpectQuery("last_attempt_at < ").
		WithArgs("running", cutoff).
		WillReturnRows(sqlmock.NewRows(rowColumns).AddRow(runningRow("saga-1")...))

	out, err := store.ListStale(context.Background(), cutoff)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "saga-1", out[0].CorrelationID)
}

func TestStoreListByStatusOlderThan(t *testing.T) {
	db, mock := newSagaMockDB(t)
	store := NewStore(db)
	cutoff := testNow.Add(-24 * time.Hour)

	mock.ExpectQuery("updated_at < ").
		WithArgs("failed", cutoff).
		WillReturnError(errors.New("timeout"))

	_, err := store.ListByStatusOlderThan(context.Background(), sagaflow.StatusFailed, cutoff)
	var infra *sagaflow.InfraError
	require.ErrorAs(t, err, &infra)
	assert.Equal(t, "postgres.list_by_status", infra.Op)
}

func TestStoreDelete(t *testing.T) {
	db, mock := newSagaMockDB(t)
	store := NewStore(db)

	mock.ExpectExec("DELETE FROM saga_instances").
		WithArgs("saga-1").
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, store.Delete(context.Background(), "saga-1"))
}

func TestArchiver(t *testing.T) {
	db, mock := newSagaMockDB(t)
	archiver := NewArchiver(db)

	entry := sagaflow.ArchiveEntry{
		OriginalID:   "saga-1",
		ResourceType: sagaflow.ResourceSagaInstance,
		ArchivedAt:   testNow,
		Reason:       "expired",
		Data:         []byte(`{"correlation_id":"saga-1"}`),
	}
	mock.ExpectExec("INSERT INTO saga_archive").
		WithArgs("saga-1", sagaflow.ResourceSagaInstance, testNow, "expired", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("FROM saga_archive WHERE original_id").
		WithArgs("saga-1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	ctx := context.Background()
	require.NoError(t, archiver.CreateArchiveEntry(ctx, entry))
	ok, err := archiver.HasArchived(ctx, "saga-1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestDecayRegistrar(t *testing.T) {
	db, mock := newSagaMockDB(t)
	decay := NewDecayRegistrar(db)
	decay.now = func() time.Time { return testNow }

	mock.ExpectExec("INSERT INTO saga_decay").
		WithArgs(sagaflow.ResourceSagaInstance, "saga-1", sagaflow.DecayReasonExhausted, 604800, testNow, testNow.Add(7*24*time.Hour)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO saga_decay").
		WillReturnError(errors.New("disk full"))

	ctx := context.Background()
	req := sagaflow.DecayRequest{
		ResourceType: sagaflow.ResourceSagaInstance,
		ResourceID:   "saga-1",
		Reason:       sagaflow.DecayReasonExhausted,
		TTLSeconds:   604800,
	}
	require.NoError(t, decay.RegisterDecayable(ctx, req))

	err := decay.RegisterDecayable(ctx, req)
	var infra *sagaflow.InfraError
	require.ErrorAs(t, err, &infra)
	assert.Equal(t, "postgres.register_decay", infra.Op)
}
