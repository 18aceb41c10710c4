// Package distlock provides cross-process mutual exclusion for scheduled
// jobs that must run on exactly one worker instance at a time, like the
// decay sweep and the event janitor.
package distlock

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Lock is a non-blocking distributed lock. A Lock value belongs to one
// goroutine; concurrent holders need separate instances.
type Lock interface {
	// TryAcquire attempts the lock without blocking.
	TryAcquire(ctx context.Context) (bool, error)
	// Release frees the lock if this instance still owns it.
	Release(ctx context.Context) error
}

// New picks the backend: Redis when a client is available (works across
// hosts), otherwise Postgres advisory locks.
func New(rdb *redis.Client, db *sql.DB, name string, ttl time.Duration) Lock {
	if rdb != nil {
		return newRedisLock(rdb, name, ttl)
	}
	return newAdvisoryLock(db, name)
}

// WithLock runs fn while holding the named lock. When another process
// holds it, fn is skipped and held is false.
func WithLock(ctx context.Context, l Lock, fn func(ctx context.Context) error) (held bool, err error) {
	ok, err := l.TryAcquire(ctx)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	defer func() {
		if rerr := l.Release(ctx); rerr != nil && err == nil {
			err = rerr
		}
	}()
	return true, fn(ctx)
}

// redisLock holds a key via SET NX with a TTL. The random owner token
// keeps one process from releasing a lock another process re-acquired
// after expiry.
type redisLock struct {
	rdb   *redis.Client
	key   string
	owner string
	ttl   time.Duration
}

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0
`)

func newRedisLock(rdb *redis.Client, name string, ttl time.Duration) *redisLock {
	b := make([]byte, 16)
	rand.Read(b)
	return &redisLock{
		rdb:   rdb,
		key:   "lock:" + name,
		owner: hex.EncodeToString(b),
		ttl:   ttl,
	}
}

func (l *redisLock) TryAcquire(ctx context.Context) (bool, error) {
	ok, err := l.rdb.SetNX(ctx, l.key, l.owner, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire %s: %w", l.key, err)
	}
	return ok, nil
}

func (l *redisLock) Release(ctx context.Context) error {
	_, err := releaseScript.Run(ctx, l.rdb, []string{l.key}, l.owner).Result()
	return err
}

// advisoryLock wraps pg_try_advisory_lock. Session scope gives the same
// crash-safety as a Redis TTL: a dead connection drops the lock.
type advisoryLock struct {
	db *sql.DB
	id int64
}

func newAdvisoryLock(db *sql.DB, name string) *advisoryLock {
	h := fnv.New64a()
	h.Write([]byte(name))
	return &advisoryLock{db: db, id: int64(h.Sum64())}
}

func (l *advisoryLock) TryAcquire(ctx context.Context) (bool, error) {
	var ok bool
	err := l.db.QueryRowContext(ctx, `SELECT pg_try_advisory_lock($1)`, l.id).Scan(&ok)
	return ok, err
}

func (l *advisoryLock) Release(ctx context.Context) error {
	_, err := l.db.ExecContext(ctx, `SELECT pg_advisory_unlock($1)`, l.id)
	return err
}
