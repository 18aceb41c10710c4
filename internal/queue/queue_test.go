package queue

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestQueue(t *testing.T, opts Options) (*Queue, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	return New(rdb, "test", opts), mr
}

type testPayload struct {
	LeadID string `json:"lead_id"`
}

func TestEnqueueClaimAck(t *testing.T) {
	q, _ := newTestQueue(t, Options{})
	ctx := context.Background()

	id, err := q.Enqueue(ctx, testPayload{LeadID: "lead-1"})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	job, err := q.Claim(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, id, job.ID)
	assert.Equal(t, "test", job.Queue)

	var p testPayload
	require.NoError(t, json.Unmarshal(job.Payload, &p))
	assert.Equal(t, "lead-1", p.LeadID)

	require.NoError(t, q.Ack(ctx, job))

	// Nothing left anywhere
	depths, err := q.Depths(ctx)
	require.NoError(t, err)
	for k, v := range depths {
		assert.Zero(t, v, k)
	}
}

func TestClaimEmptyQueue(t *testing.T) {
	q, _ := newTestQueue(t, Options{})

	job, err := q.Claim(context.Background())
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestClaimIsFIFO(t *testing.T) {
	q, _ := newTestQueue(t, Options{})
	ctx := context.Background()

	first, err := q.Enqueue(ctx, testPayload{LeadID: "a"})
	require.NoError(t, err)
	second, err := q.Enqueue(ctx, testPayload{LeadID: "b"})
	require.NoError(t, err)

	j1, err := q.Claim(ctx)
	require.NoError(t, err)
	j2, err := q.Claim(ctx)
	require.NoError(t, err)

	assert.Equal(t, first, j1.ID)
	assert.Equal(t, second, j2.ID)
}

func TestDelayedJobNotClaimableEarly(t *testing.T) {
	q, _ := newTestQueue(t, Options{})
	ctx := context.Background()

	_, err := q.Enqueue(ctx, testPayload{LeadID: "a"}, WithDelay(time.Hour))
	require.NoError(t, err)

	job, err := q.Claim(ctx)
	require.NoError(t, err)
	assert.Nil(t, job)

	depths, err := q.Depths(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depths["delayed"])
}

func TestDelayedJobPromotedWhenDue(t *testing.T) {
	q, _ := newTestQueue(t, Options{})
	ctx := context.Background()

	id, err := q.Enqueue(ctx, testPayload{LeadID: "a"}, WithDelay(20*time.Millisecond))
	require.NoError(t, err)

	time.Sleep(30 * time.Millisecond)

	job, err := q.Claim(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, id, job.ID)
}

func TestDedupKeySuppressesSecondEnqueue(t *testing.T) {
	q, _ := newTestQueue(t, Options{})
	ctx := context.Background()

	_, err := q.Enqueue(ctx, testPayload{LeadID: "a"}, WithDedupKey("routing-lead-1"))
	require.NoError(t, err)

	_, err = q.Enqueue(ctx, testPayload{LeadID: "a"}, WithDedupKey("routing-lead-1"))
	assert.ErrorIs(t, err, ErrDuplicate)

	// A different key is unaffected
	_, err = q.Enqueue(ctx, testPayload{LeadID: "b"}, WithDedupKey("routing-lead-2"))
	assert.NoError(t, err)
}

func TestDedupKeyReleasedOnAck(t *testing.T) {
	q, _ := newTestQueue(t, Options{})
	ctx := context.Background()

	_, err := q.Enqueue(ctx, testPayload{LeadID: "a"}, WithDedupKey("k"))
	require.NoError(t, err)

	job, err := q.Claim(ctx)
	require.NoError(t, err)
	require.NoError(t, q.Ack(ctx, job))

	// Same key enqueues again after completion
	_, err = q.Enqueue(ctx, testPayload{LeadID: "a"}, WithDedupKey("k"))
	assert.NoError(t, err)
}

func TestFailSchedulesRetryWithBackoff(t *testing.T) {
	q, _ := newTestQueue(t, Options{BackoffBase: time.Second, BackoffCap: 300 * time.Second})
	ctx := context.Background()

	_, err := q.Enqueue(ctx, testPayload{LeadID: "a"})
	require.NoError(t, err)

	job, err := q.Claim(ctx)
	require.NoError(t, err)
	require.NoError(t, q.Fail(ctx, job, "db timeout"))

	// Delayed, not pending, not processing
	depths, err := q.Depths(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depths["delayed"])
	assert.Equal(t, int64(0), depths["pending"])
	assert.Equal(t, int64(0), depths["processing"])

	// Attempt count and last error survive in the stored envelope
	job2, err := q.Claim(ctx)
	require.NoError(t, err)
	assert.Nil(t, job2, "backed-off job must not be claimable immediately")
}

func TestFailMovesToDeadLetterAfterMaxAttempts(t *testing.T) {
	q, _ := newTestQueue(t, Options{MaxAttempts: 2})
	ctx := context.Background()

	_, err := q.Enqueue(ctx, testPayload{LeadID: "a"}, WithDedupKey("k"))
	require.NoError(t, err)

	job, err := q.Claim(ctx)
	require.NoError(t, err)

	require.NoError(t, q.Fail(ctx, job, "boom"))
	assert.Equal(t, 1, job.Attempts)

	// Second failure hits MaxAttempts
	require.NoError(t, q.Fail(ctx, job, "boom again"))

	depths, err := q.Depths(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depths["dead"])
	assert.Equal(t, int64(0), depths["pending"])

	// Dedup key is released so the job can be re-submitted after a fix
	_, err = q.Enqueue(ctx, testPayload{LeadID: "a"}, WithDedupKey("k"))
	assert.NoError(t, err)
}

func TestBackoffDoublesAndCaps(t *testing.T) {
	q, _ := newTestQueue(t, Options{BackoffBase: time.Second, BackoffCap: 300 * time.Second})

	assert.Equal(t, 1*time.Second, q.backoff(1))
	assert.Equal(t, 2*time.Second, q.backoff(2))
	assert.Equal(t, 4*time.Second, q.backoff(3))
	assert.Equal(t, 8*time.Second, q.backoff(4))
	assert.Equal(t, 300*time.Second, q.backoff(20))
}

func TestReclaimRetriesExpiredJobs(t *testing.T) {
	q, _ := newTestQueue(t, Options{Visibility: time.Millisecond})
	ctx := context.Background()

	id, err := q.Enqueue(ctx, testPayload{LeadID: "a"})
	require.NoError(t, err)

	job, err := q.Claim(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)

	time.Sleep(5 * time.Millisecond)

	n, err := q.Reclaim(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// The job counted an attempt and went through backoff scheduling
	depths, err := q.Depths(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), depths["processing"])
	assert.Equal(t, int64(1), depths["delayed"])
	_ = id
}

func TestReclaimIgnoresLiveJobs(t *testing.T) {
	q, _ := newTestQueue(t, Options{Visibility: time.Hour})
	ctx := context.Background()

	_, err := q.Enqueue(ctx, testPayload{LeadID: "a"})
	require.NoError(t, err)

	_, err = q.Claim(ctx)
	require.NoError(t, err)

	n, err := q.Reclaim(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestEnqueueSurvivesRestart(t *testing.T) {
	// A new Queue handle over the same Redis sees jobs enqueued before it
	// existed, which is the restart-durability contract.
	q, mr := newTestQueue(t, Options{})
	ctx := context.Background()

	id, err := q.Enqueue(ctx, testPayload{LeadID: "a"})
	require.NoError(t, err)

	rdb2 := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb2.Close()
	q2 := New(rdb2, "test", Options{})

	job, err := q2.Claim(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, id, job.ID)
}
