package sagaflow

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
)

// LeaseGuard proves ownership of a lease.
type LeaseGuard struct {
	Key   string
	Token string
}

// Lease grants one attempt at a time exclusive ownership of a correlation
// id. Entries expire after their TTL so a crashed worker cannot wedge an
// instance.
type Lease interface {
	// Acquire fails with ErrAlreadyLocked while another guard is live.
	Acquire(ctx context.Context, key string, ttl time.Duration) (*LeaseGuard, error)
	// Release fails with ErrLeaseLost if the guard no longer owns the key.
	Release(ctx context.Context, guard *LeaseGuard) error
}

type leaseEntry struct {
	token     string
	expiresAt time.Time
}

// MemoryLease is a Lease for a single process.
type MemoryLease struct {
	leases *xsync.MapOf[string, leaseEntry]
	now    func() time.Time
}

func NewMemoryLease() *MemoryLease {
	return &MemoryLease{leases: xsync.NewMapOf[string, leaseEntry](), now: time.Now}
}

func (l *MemoryLease) Acquire(_ context.Context, key string, ttl time.Duration) (*LeaseGuard, error) {
	token := uuid.NewString()
	now := l.now()
	acquired := false
	l.leases.Compute(key, func(old leaseEntry, loaded bool) (leaseEntry, bool) {
		if loaded && now.Before(old.expiresAt) {
			return old, false
		}
		acquired = true
		return leaseEntry{token: token, expiresAt: now.Add(ttl)}, false
	})
	if !acquired {
		return nil, ErrAlreadyLocked
	}
	return &LeaseGuard{Key: key, Token: token}, nil
}

func (l *MemoryLease) Release(_ context.Context, guard *LeaseGuard) error {
	released := false
	l.leases.Compute(guard.Key, func(old leaseEntry, loaded bool) (leaseEntry, bool) {
		if !loaded {
			return old, true
		}
		if old.token != guard.Token {
			return old, false
		}
		released = true
		return old, true
	})
	if !released {
		return ErrLeaseLost
	}
	return nil
}
