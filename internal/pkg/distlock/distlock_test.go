package distlock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisClient(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return rdb, mr
}

func TestRedisLockMutualExclusion(t *testing.T) {
	rdb, _ := newRedisClient(t)
	ctx := context.Background()

	a := New(rdb, nil, "decay", time.Minute)
	b := New(rdb, nil, "decay", time.Minute)

	ok, err := a.TryAcquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = b.TryAcquire(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "second holder must be rejected")

	require.NoError(t, a.Release(ctx))

	ok, err = b.TryAcquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok, "lock is free after release")
}

func TestRedisLockReleaseOnlyByOwner(t *testing.T) {
	rdb, mr := newRedisClient(t)
	ctx := context.Background()

	a := New(rdb, nil, "decay", 50*time.Millisecond)
	ok, err := a.TryAcquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	// TTL expires, another process grabs the lock
	mr.FastForward(time.Second)
	b := New(rdb, nil, "decay", time.Minute)
	ok, err = b.TryAcquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	// The stale holder's release must not free b's lock
	require.NoError(t, a.Release(ctx))
	c := New(rdb, nil, "decay", time.Minute)
	ok, err = c.TryAcquire(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestWithLockRunsAndReleases(t *testing.T) {
	rdb, _ := newRedisClient(t)
	ctx := context.Background()

	ran := false
	held, err := WithLock(ctx, New(rdb, nil, "sweep", time.Minute), func(ctx context.Context) error {
		ran = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, held)
	assert.True(t, ran)

	// Released afterwards
	ok, err := New(rdb, nil, "sweep", time.Minute).TryAcquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestWithLockSkipsWhenHeld(t *testing.T) {
	rdb, _ := newRedisClient(t)
	ctx := context.Background()

	holder := New(rdb, nil, "sweep", time.Minute)
	ok, err := holder.TryAcquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	ran := false
	held, err := WithLock(ctx, New(rdb, nil, "sweep", time.Minute), func(ctx context.Context) error {
		ran = true
		return nil
	})
	require.NoError(t, err)
	assert.False(t, held)
	assert.False(t, ran, "fn must not run without the lock")
}
