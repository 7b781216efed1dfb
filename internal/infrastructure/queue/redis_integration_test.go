//go:build integration

package queue

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
	"go.uber.org/zap"
)

func setupRedis(t *testing.T) *redis.Client {
	t.Helper()
	ctx := context.Background()

	ctr, err := tcredis.Run(ctx, "redis:7")
	if err != nil {
		t.Skipf("redis container unavailable: %v", err)
	}
	t.Cleanup(func() { _ = testcontainers.TerminateContainer(ctr) })

	uri, err := ctr.ConnectionString(ctx)
	require.NoError(t, err)

	opts, err := redis.ParseURL(uri)
	require.NoError(t, err)

	client := redis.NewClient(opts)
	t.Cleanup(func() { _ = client.Close() })
	require.NoError(t, client.Ping(ctx).Err())

	return client
}

func TestIntegration_RedisBackendLifecycle(t *testing.T) {
	client := setupRedis(t)
	backend := NewRedisBackend(client, "test")
	ctx := context.Background()

	q := New("lifecycle", backend, JobOptions{Attempts: 2, RemoveOnComplete: 1, RemoveOnFail: 10})

	firstID, err := q.Add(ctx, map[string]string{"hash": "0x01"})
	require.NoError(t, err)
	secondID, err := q.Add(ctx, map[string]string{"hash": "0x02"})
	require.NoError(t, err)

	// oldest first
	job, err := backend.Fetch(ctx, q.Name(), time.Second)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, firstID, job.ID)
	assert.Equal(t, StateActive, job.State)
	assert.False(t, job.ProcessedAt.IsZero())

	job.AttemptsMade = 1
	job.FailedReason = "rpc unavailable"
	require.NoError(t, backend.Retry(ctx, job, time.Now().Add(-time.Millisecond)))

	promoted, err := backend.PromoteDelayed(ctx, q.Name(), time.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, promoted)

	job, err = backend.Fetch(ctx, q.Name(), time.Second)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, secondID, job.ID)
	job.AttemptsMade = 1
	require.NoError(t, backend.Complete(ctx, job, q.Options().RemoveOnComplete))

	job, err = backend.Fetch(ctx, q.Name(), time.Second)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, firstID, job.ID)
	assert.Equal(t, 1, job.AttemptsMade)
	assert.Equal(t, "rpc unavailable", job.FailedReason)

	job.AttemptsMade = 2
	require.NoError(t, backend.Fail(ctx, job, q.Options().RemoveOnFail))

	failed, err := q.FailedJobs(ctx, 10)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, firstID, failed[0].ID)
	assert.Equal(t, StateFailed, failed[0].State)

	counts, err := q.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts[StateCompleted])
	assert.Equal(t, int64(1), counts[StateFailed])
	assert.Zero(t, counts[StateWaiting])
	assert.Zero(t, counts[StateActive])

	require.NoError(t, q.RetryFailed(ctx, firstID))
	assert.True(t, errors.Is(q.RetryFailed(ctx, firstID), ErrJobNotFound))

	job, err = backend.Fetch(ctx, q.Name(), time.Second)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, firstID, job.ID)
	assert.Zero(t, job.AttemptsMade)
}

func TestIntegration_RedisBackendRecoversStalled(t *testing.T) {
	client := setupRedis(t)
	backend := NewRedisBackend(client, "test")
	ctx := context.Background()

	q := New("stalled", backend, DefaultJobOptions())
	id, err := q.Add(ctx, "payload")
	require.NoError(t, err)

	job, err := backend.Fetch(ctx, q.Name(), time.Second)
	require.NoError(t, err)
	require.NotNil(t, job)

	n, err := backend.RecoverStalled(ctx, q.Name(), time.Now().Add(-time.Minute))
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = backend.RecoverStalled(ctx, q.Name(), time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	job, err = backend.Fetch(ctx, q.Name(), time.Second)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, id, job.ID)
}

func TestIntegration_WorkersShareQueue(t *testing.T) {
	client := setupRedis(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q := New("shared", NewRedisBackend(client, "test"), JobOptions{Attempts: 1})

	const total = 20
	payloads := make([]interface{}, total)
	for i := range payloads {
		payloads[i] = i
	}
	_, err := q.AddBulk(ctx, payloads)
	require.NoError(t, err)

	var processed atomic.Int64
	handler := func(ctx context.Context, job *Job) error {
		processed.Add(1)
		return nil
	}

	opts := WorkerOptions{Concurrency: 2, PollTimeout: 100 * time.Millisecond, PromoteInterval: 50 * time.Millisecond}
	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		w := NewWorker(q, handler, opts, nil, zap.NewNop())
		go func() { errs <- w.Run(ctx) }()
	}

	require.Eventually(t, func() bool {
		counts, err := q.Counts(ctx)
		return err == nil && counts[StateCompleted] == total
	}, 10*time.Second, 50*time.Millisecond)

	cancel()
	require.NoError(t, <-errs)
	require.NoError(t, <-errs)
	assert.Equal(t, int64(total), processed.Load())
}

func TestIntegration_RedisBackendRecoversUnstampedJob(t *testing.T) {
	client := setupRedis(t)
	backend := NewRedisBackend(client, "test")
	ctx := context.Background()

	q := New("unstamped", backend, DefaultJobOptions())
	id, err := q.Add(ctx, "payload")
	require.NoError(t, err)

	// an id left in active without a lock, as after a crash mid-fetch
	require.NoError(t, client.LMove(ctx, "test:unstamped:wait", "test:unstamped:active", "RIGHT", "LEFT").Err())

	n, err := backend.RecoverStalled(ctx, q.Name(), time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	job, err := backend.Fetch(ctx, q.Name(), time.Second)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, id, job.ID)
	assert.NotEmpty(t, job.Token)
}

func TestIntegration_RedisBackendStaleOwnerCannotFinish(t *testing.T) {
	client := setupRedis(t)
	backend := NewRedisBackend(client, "test")
	ctx := context.Background()

	q := New("owner", backend, DefaultJobOptions())
	_, err := q.Add(ctx, "payload")
	require.NoError(t, err)

	first, err := backend.Fetch(ctx, q.Name(), time.Second)
	require.NoError(t, err)
	require.NotNil(t, first)

	n, err := backend.RecoverStalled(ctx, q.Name(), time.Now().Add(time.Minute))
	require.NoError(t, err)
	require.Equal(t, 1, n)
	assert.ErrorIs(t, backend.Extend(ctx, first), ErrLockLost)

	second, err := backend.Fetch(ctx, q.Name(), time.Second)
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, first.ID, second.ID)
	assert.NotEqual(t, first.Token, second.Token)

	first.AttemptsMade = 1
	assert.ErrorIs(t, backend.Complete(ctx, first, 100), ErrLockLost)
	assert.ErrorIs(t, backend.Retry(ctx, first, time.Now()), ErrLockLost)

	counts, err := q.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts[StateActive], "second owner keeps the job")

	require.NoError(t, backend.Extend(ctx, second))
	second.AttemptsMade = 1
	require.NoError(t, backend.Complete(ctx, second, 100))

	counts, err = q.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts[StateCompleted])
	assert.Zero(t, counts[StateActive])
}

func TestIntegration_RedisBackendTrimDeletesHashes(t *testing.T) {
	client := setupRedis(t)
	backend := NewRedisBackend(client, "test")
	ctx := context.Background()

	q := New("trim", backend, DefaultJobOptions())
	ids, err := q.AddBulk(ctx, []interface{}{1, 2, 3})
	require.NoError(t, err)

	for range ids {
		job, err := backend.Fetch(ctx, q.Name(), time.Second)
		require.NoError(t, err)
		require.NotNil(t, job)
		require.NoError(t, backend.Complete(ctx, job, 2))
	}

	completed, err := client.LRange(ctx, "test:trim:completed", 0, -1).Result()
	require.NoError(t, err)
	assert.Equal(t, []string{ids[2], ids[1]}, completed)

	exists, err := client.Exists(ctx, "test:trim:job:"+ids[0]).Result()
	require.NoError(t, err)
	assert.Zero(t, exists, "trimmed job hash should be deleted")
}
