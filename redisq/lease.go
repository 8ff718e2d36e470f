package redisq

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/fortressi/sagaflow"
)

// releaseScript deletes the key only if it still holds the guard's token.
const releaseScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
    return redis.call("del", KEYS[1])
else
    return 0
end
`

// Lease is a sagaflow.Lease on Redis using SET NX PX.
type Lease struct {
	client    redis.Cmdable
	keyPrefix string
}

var _ sagaflow.Lease = (*Lease)(nil)

type LeaseOption func(*Lease)

func WithLeasePrefix(prefix string) LeaseOption {
	return func(l *Lease) { l.keyPrefix = prefix }
}

func NewLease(client redis.Cmdable, opts ...LeaseOption) *Lease {
	l := &Lease{client: client, keyPrefix: "sagaflow:lease"}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Lease) leaseKey(key string) string {
	return l.keyPrefix + ":" + key
}

func (l *Lease) Acquire(ctx context.Context, key string, ttl time.Duration) (*sagaflow.LeaseGuard, error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, l.leaseKey(key), token, ttl).Result()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, sagaflow.ErrAlreadyLocked
	}
	return &sagaflow.LeaseGuard{Key: key, Token: token}, nil
}

func (l *Lease) Release(ctx context.Context, guard *sagaflow.LeaseGuard) error {
	result, err := l.client.Eval(ctx, releaseScript, []string{l.leaseKey(guard.Key)}, guard.Token).Int64()
	if err != nil {
		return err
	}
	if result == 0 {
		return sagaflow.ErrLeaseLost
	}
	return nil
}
