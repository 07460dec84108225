// Package lock implements the tenant-job mutual exclusion that the job
// admission pipeline (JM step 4, §4) uses to guarantee at most one
// RUNNING job per tenant. The lock's source of truth is a conditional
// write in the document store; an optional Redis layer (go-redis/v8)
// sits in front of it purely as a fast-path short-circuit so that a
// tenant already known to be locked never has to round-trip Postgres.
package lock

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"

	internalerrors "github.com/cloudveil/compliance-engine/internal/errors"
	"github.com/cloudveil/compliance-engine/pkg/documentstore"
)

const collection = "tenant_locks"

// state is the document-store record backing one tenant's lock.
type state struct {
	HeldBy    string    `json:"held_by"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// Locker grants exclusive per-tenant leases.
type Locker struct {
	ds    *documentstore.Store
	redis *redis.Client // optional; nil disables the fast path
	ttl   time.Duration
}

// New constructs a Locker. redisClient may be nil, in which case every
// Acquire checks the document store directly.
func New(ds *documentstore.Store, redisClient *redis.Client, ttl time.Duration) *Locker {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Locker{ds: ds, redis: redisClient, ttl: ttl}
}

// Acquire grants tenantKey exclusively to holder, returning
// internalerrors.KindConflict if another holder already owns it.
func (l *Locker) Acquire(ctx context.Context, tenantKey, holder string) error {
	if l.redis != nil {
		ok, err := l.redis.SetNX(ctx, redisKey(tenantKey), holder, l.ttl).Result()
		if err == nil && !ok {
			current, _ := l.redis.Get(ctx, redisKey(tenantKey)).Result()
			if current != holder {
				return internalerrors.Conflict("lock: tenant " + tenantKey + " already held")
			}
		}
		// Redis errors fall through to the document store, which remains
		// authoritative.
	}

	_, version, err := documentstore.Get[state](ctx, l.ds, collection, tenantKey)
	if err == nil {
		return internalerrors.Conflict("lock: tenant " + tenantKey + " already held")
	}
	if ierr, ok := internalerrors.As(err); !ok || ierr.Kind != internalerrors.KindNotFound {
		return err
	}
	_ = version

	s := state{HeldBy: holder, AcquiredAt: time.Now()}
	if err := documentstore.PutIfVersion(ctx, l.ds, collection, tenantKey, holder, s, 0); err != nil {
		return internalerrors.Conflict("lock: tenant " + tenantKey + " already held")
	}
	if l.redis != nil {
		l.redis.Set(ctx, redisKey(tenantKey), holder, l.ttl)
	}
	return nil
}

// Release drops the lock on tenantKey if held by holder.
func (l *Locker) Release(ctx context.Context, tenantKey, holder string) error {
	s, _, err := documentstore.Get[state](ctx, l.ds, collection, tenantKey)
	if err != nil {
		if ierr, ok := internalerrors.As(err); ok && ierr.Kind == internalerrors.KindNotFound {
			return nil
		}
		return err
	}
	if s.HeldBy != holder {
		return internalerrors.Forbidden("lock: " + holder + " does not hold tenant " + tenantKey)
	}
	if err := documentstore.Delete(ctx, l.ds, collection, tenantKey); err != nil {
		return err
	}
	if l.redis != nil {
		l.redis.Del(ctx, redisKey(tenantKey))
	}
	return nil
}

func redisKey(tenantKey string) string { return "lock:" + tenantKey }
