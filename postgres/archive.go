package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/fortressi/sagaflow"
)

// Archiver writes archive entries to saga_archive. The first entry for an
// original id wins.
type Archiver struct {
	db *sqlx.DB
}

func NewArchiver(db *sqlx.DB) *Archiver {
	return &Archiver{db: db}
}

var _ sagaflow.Archiver = (*Archiver)(nil)

func (a *Archiver) CreateArchiveEntry(ctx context.Context, entry sagaflow.ArchiveEntry) error {
	var meta []byte
	if entry.Meta != nil {
		var err error
		if meta, err = json.Marshal(entry.Meta); err != nil {
			return fmt.Errorf("encode archive meta: %w", err)
		}
	}
	data := []byte(entry.Data)
	if len(data) == 0 {
		data = []byte("null")
	}

	_, err := a.db.ExecContext(ctx, `
		INSERT INTO saga_archive (original_id, resource_type, archived_at, reason, data, meta)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (original_id) DO NOTHING`,
		entry.OriginalID, entry.ResourceType, entry.ArchivedAt, entry.Reason, data, meta,
	)
	if err != nil {
		return &sagaflow.InfraError{Op: "postgres.archive", Err: err}
	}
	return nil
}

func (a *Archiver) HasArchived(ctx context.Context, originalID string) (bool, error) {
	var exists bool
	err := a.db.GetContext(ctx, &exists,
		`SELECT EXISTS (SELECT 1 FROM saga_archive WHERE original_id = $1)`, originalID)
	if err != nil {
		return false, &sagaflow.InfraError{Op: "postgres.has_archived", Err: err}
	}
	return exists, nil
}

// DecayRegistrar records decay requests in saga_decay. Registering the same
// resource again refreshes its reason and expiry.
type DecayRegistrar struct {
	db  *sqlx.DB
	now func() time.Time
}

func NewDecayRegistrar(db *sqlx.DB) *DecayRegistrar {
	return &DecayRegistrar{db: db, now: time.Now}
}

var _ sagaflow.DecayRegistrar = (*DecayRegistrar)(nil)

func (d *DecayRegistrar) RegisterDecayable(ctx context.Context, req sagaflow.DecayRequest) error {
	now := d.now().UTC()
	expires := now.Add(time.Duration(req.TTLSeconds) * time.Second)

	_, err := d.db.ExecContext(ctx, `
		INSERT INTO saga_decay (resource_type, resource_id, reason, ttl_seconds, registered_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (resource_type, resource_id) DO UPDATE
		SET reason = EXCLUDED.reason, ttl_seconds = EXCLUDED.ttl_seconds, expires_at = EXCLUDED.expires_at`,
		req.ResourceType, req.ResourceID, req.Reason, req.TTLSeconds, now, expires,
	)
	if err != nil {
		return &sagaflow.InfraError{Op: "postgres.register_decay", Err: err}
	}
	return nil
}
