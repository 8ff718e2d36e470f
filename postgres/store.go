// Package postgres implements the saga store, archive and decay registry on
// PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/fortressi/sagaflow"
)

// Config holds connection pool settings.
type Config struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// Open connects to PostgreSQL and applies the pool settings.
func Open(ctx context.Context, cfg Config) (*sqlx.DB, error) {
	if cfg.DSN == "" {
		return nil, errors.New("postgres: dsn is required")
	}
	db, err := sqlx.ConnectContext(ctx, "postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	return db, nil
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS saga_instances (
		correlation_id TEXT PRIMARY KEY,
		saga_type TEXT NOT NULL,
		status TEXT NOT NULL,
		inputs JSONB NOT NULL DEFAULT '{}',
		output JSONB,
		error JSONB,
		attempt_count INTEGER NOT NULL DEFAULT 1,
		max_attempts INTEGER NOT NULL,
		timeout_ms INTEGER NOT NULL,
		priority INTEGER NOT NULL DEFAULT 0,
		checkpoint JSONB,
		causation_id TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		last_attempt_at TIMESTAMPTZ,
		completed_at TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS saga_instances_status_updated_idx
		ON saga_instances (status, updated_at)`,
	`CREATE TABLE IF NOT EXISTS saga_archive (
		original_id TEXT PRIMARY KEY,
		resource_type TEXT NOT NULL,
		archived_at TIMESTAMPTZ NOT NULL,
		reason TEXT NOT NULL,
		data JSONB NOT NULL,
		meta JSONB
	)`,
	`CREATE TABLE IF NOT EXISTS saga_decay (
		resource_type TEXT NOT NULL,
		resource_id TEXT NOT NULL,
		reason TEXT NOT NULL,
		ttl_seconds INTEGER NOT NULL,
		registered_at TIMESTAMPTZ NOT NULL,
		expires_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (resource_type, resource_id)
	)`,
}

// InitSchema creates the saga tables if they do not exist.
func InitSchema(ctx context.Context, db *sqlx.DB) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return &sagaflow.InfraError{Op: "postgres.init_schema", Err: err}
		}
	}
	return nil
}

const instanceColumns = `correlation_id, saga_type, status, inputs, output, error,
	attempt_count, max_attempts, timeout_ms, priority, checkpoint, causation_id,
	created_at, updated_at, last_attempt_at, completed_at`

type instanceRow struct {
	CorrelationID string       `db:"correlation_id"`
	SagaType      string       `db:"saga_type"`
	Status        string       `db:"status"`
	Inputs        []byte       `db:"inputs"`
	Output        []byte       `db:"output"`
	Error         []byte       `db:"error"`
	AttemptCount  int          `db:"attempt_count"`
	MaxAttempts   int          `db:"max_attempts"`
	TimeoutMs     int          `db:"timeout_ms"`
	Priority      int          `db:"priority"`
	Checkpoint    []byte       `db:"checkpoint"`
	CausationID   string       `db:"causation_id"`
	CreatedAt     time.Time    `db:"created_at"`
	UpdatedAt     time.Time    `db:"updated_at"`
	LastAttemptAt sql.NullTime `db:"last_attempt_at"`
	CompletedAt   sql.NullTime `db:"completed_at"`
}

// nullableJSON marshals v, mapping nil to SQL NULL.
func nullableJSON[T any](v *T) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func toRow(inst sagaflow.SagaInstance) (instanceRow, error) {
	row := instanceRow{
		CorrelationID: inst.CorrelationID,
		SagaType:      inst.SagaType,
		Status:        string(inst.Status),
		AttemptCount:  inst.AttemptCount,
		MaxAttempts:   inst.MaxAttempts,
		TimeoutMs:     inst.TimeoutMs,
		Priority:      inst.Priority,
		CausationID:   inst.CausationID,
		CreatedAt:     inst.CreatedAt,
		UpdatedAt:     inst.UpdatedAt,
		LastAttemptAt: nullTime(inst.LastAttemptAt),
		CompletedAt:   nullTime(inst.CompletedAt),
	}

	inputs := inst.Inputs
	if inputs == nil {
		inputs = map[string]any{}
	}
	var err error
	if row.Inputs, err = json.Marshal(inputs); err != nil {
		return row, fmt.Errorf("encode inputs: %w", err)
	}
	if inst.Output != nil {
		if row.Output, err = json.Marshal(inst.Output); err != nil {
			return row, fmt.Errorf("encode output: %w", err)
		}
	}
	if row.Error, err = nullableJSON(inst.Error); err != nil {
		return row, fmt.Errorf("encode error: %w", err)
	}
	if row.Checkpoint, err = nullableJSON(inst.Checkpoint); err != nil {
		return row, fmt.Errorf("encode checkpoint: %w", err)
	}
	return row, nil
}

func (r instanceRow) instance() (sagaflow.SagaInstance, error) {
	inst := sagaflow.SagaInstance{
		CorrelationID: r.CorrelationID,
		SagaType:      r.SagaType,
		Status:        sagaflow.Status(r.Status),
		AttemptCount:  r.AttemptCount,
		MaxAttempts:   r.MaxAttempts,
		TimeoutMs:     r.TimeoutMs,
		Priority:      r.Priority,
		CausationID:   r.CausationID,
		CreatedAt:     r.CreatedAt.UTC(),
		UpdatedAt:     r.UpdatedAt.UTC(),
	}
	if r.LastAttemptAt.Valid {
		t := r.LastAttemptAt.Time.UTC()
		inst.LastAttemptAt = &t
	}
	if r.CompletedAt.Valid {
		t := r.CompletedAt.Time.UTC()
		inst.CompletedAt = &t
	}
	if err := json.Unmarshal(r.Inputs, &inst.Inputs); err != nil {
		return inst, fmt.Errorf("decode inputs of %s: %w", r.CorrelationID, err)
	}
	if len(r.Output) > 0 {
		if err := json.Unmarshal(r.Output, &inst.Output); err != nil {
			return inst, fmt.Errorf("decode output of %s: %w", r.CorrelationID, err)
		}
	}
	if len(r.Error) > 0 {
		inst.Error = &sagaflow.FailureInfo{}
		if err := json.Unmarshal(r.Error, inst.Error); err != nil {
			return inst, fmt.Errorf("decode error of %s: %w", r.CorrelationID, err)
		}
	}
	if len(r.Checkpoint) > 0 {
		inst.Checkpoint = &sagaflow.Checkpoint{}
		if err := json.Unmarshal(r.Checkpoint, inst.Checkpoint); err != nil {
			return inst, fmt.Errorf("decode checkpoint of %s: %w", r.CorrelationID, err)
		}
	}
	return inst, nil
}

func instances(rows []instanceRow) ([]sagaflow.SagaInstance, error) {
	out := make([]sagaflow.SagaInstance, 0, len(rows))
	for _, r := range rows {
		inst, err := r.instance()
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, nil
}

// Store is a sagaflow.Store on the saga_instances table. Update takes a row
// lock so concurrent patches serialize.
type Store struct {
	db  *sqlx.DB
	now func() time.Time
}

type StoreOption func(*Store)

func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) { s.now = now }
}

func NewStore(db *sqlx.DB, opts ...StoreOption) *Store {
	s := &Store{db: db, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s
}

var _ sagaflow.Store = (*Store)(nil)

func (s *Store) Create(ctx context.Context, inst sagaflow.SagaInstance) (sagaflow.SagaInstance, error) {
	sagaflow.PrepareNew(&inst, s.now().UTC())
	row, err := toRow(inst)
	if err != nil {
		return sagaflow.SagaInstance{}, err
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO saga_instances (`+instanceColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (correlation_id) DO NOTHING`,
		row.CorrelationID, row.SagaType, row.Status, row.Inputs, row.Output, row.Error,
		row.AttemptCount, row.MaxAttempts, row.TimeoutMs, row.Priority, row.Checkpoint, row.CausationID,
		row.CreatedAt, row.UpdatedAt, row.LastAttemptAt, row.CompletedAt,
	)
	if err != nil {
		return sagaflow.SagaInstance{}, &sagaflow.InfraError{Op: "postgres.create", Err: err}
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return sagaflow.SagaInstance{}, &sagaflow.InfraError{Op: "postgres.create", Err: err}
	}
	if affected == 0 {
		return sagaflow.SagaInstance{}, fmt.Errorf("saga %s: %w", inst.CorrelationID, sagaflow.ErrDuplicate)
	}
	return inst.Clone(), nil
}

func (s *Store) Find(ctx context.Context, id string) (sagaflow.SagaInstance, error) {
	var row instanceRow
	err := s.db.GetContext(ctx, &row,
		`SELECT `+instanceColumns+` FROM saga_instances WHERE correlation_id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return sagaflow.SagaInstance{}, fmt.Errorf("saga %s: %w", id, sagaflow.ErrNotFound)
	}
	if err != nil {
		return sagaflow.SagaInstance{}, &sagaflow.InfraError{Op: "postgres.find", Err: err}
	}
	return row.instance()
}

func (s *Store) Update(ctx context.Context, id string, p sagaflow.Patch) (sagaflow.SagaInstance, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return sagaflow.SagaInstance{}, &sagaflow.InfraError{Op: "postgres.update", Err: err}
	}
	defer tx.Rollback() //nolint:errcheck

	var row instanceRow
	err = tx.GetContext(ctx, &row,
		`SELECT `+instanceColumns+` FROM saga_instances WHERE correlation_id = $1 FOR UPDATE`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return sagaflow.SagaInstance{}, fmt.Errorf("saga %s: %w", id, sagaflow.ErrNotFound)
	}
	if err != nil {
		return sagaflow.SagaInstance{}, &sagaflow.InfraError{Op: "postgres.update", Err: err}
	}
	inst, err := row.instance()
	if err != nil {
		return sagaflow.SagaInstance{}, err
	}

	current := inst.Clone()
	changed, err := sagaflow.ApplyPatch(&inst, p, s.now().UTC())
	if err != nil {
		return current, fmt.Errorf("saga %s: %w", id, err)
	}
	if !changed {
		return current, nil
	}

	next, err := toRow(inst)
	if err != nil {
		return current, err
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE saga_instances SET
			status = $2, inputs = $3, output = $4, error = $5, attempt_count = $6,
			checkpoint = $7, causation_id = $8, updated_at = $9,
			last_attempt_at = $10, completed_at = $11
		WHERE correlation_id = $1`,
		id, next.Status, next.Inputs, next.Output, next.Error, next.AttemptCount,
		next.Checkpoint, next.CausationID, next.UpdatedAt,
		next.LastAttemptAt, next.CompletedAt,
	); err != nil {
		return current, &sagaflow.InfraError{Op: "postgres.update", Err: err}
	}
	if err := tx.Commit(); err != nil {
		return current, &sagaflow.InfraError{Op: "postgres.update", Err: err}
	}
	return inst, nil
}

func (s *Store) list(ctx context.Context, op, query string, args ...any) ([]sagaflow.SagaInstance, error) {
	var rows []instanceRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, &sagaflow.InfraError{Op: op, Err: err}
	}
	return instances(rows)
}

func (s *Store) ListStale(ctx context.Context, cutoff time.Time) ([]sagaflow.SagaInstance, error) {
	return s.list(ctx, "postgres.list_stale",
		`SELECT `+instanceColumns+` FROM saga_instances
		WHERE status = $1 AND last_attempt_at < $2
		ORDER BY last_attempt_at`,
		string(sagaflow.StatusRunning), cutoff)
}

func (s *Store) ListByStatusOlderThan(ctx context.Context, status sagaflow.Status, cutoff time.Time) ([]sagaflow.SagaInstance, error) {
	return s.list(ctx, "postgres.list_by_status",
		`SELECT `+instanceColumns+` FROM saga_instances
		WHERE status = $1 AND updated_at < $2
		ORDER BY updated_at, correlation_id`,
		string(status), cutoff)
}

func (s *Store) ListActive(ctx context.Context) ([]sagaflow.SagaInstance, error) {
	statuses := make([]string, len(sagaflow.ActiveStatuses))
	for i, st := range sagaflow.ActiveStatuses {
		statuses[i] = string(st)
	}
	return s.list(ctx, "postgres.list_active",
		`SELECT `+instanceColumns+` FROM saga_instances
		WHERE status = ANY($1)
		ORDER BY created_at, correlation_id`,
		pq.Array(statuses))
}

func (s *Store) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM saga_instances WHERE correlation_id = $1`, id); err != nil {
		return &sagaflow.InfraError{Op: "postgres.delete", Err: err}
	}
	return nil
}
