package queue_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bimakw/nft-indexer/internal/infrastructure/queue"
)

func TestMemoryBackend_FetchTimeout(t *testing.T) {
	backend := queue.NewMemoryBackend()

	start := time.Now()
	job, err := backend.Fetch(context.Background(), "empty", 20*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, job)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestMemoryBackend_FetchCancelled(t *testing.T) {
	backend := queue.NewMemoryBackend()
	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := backend.Fetch(ctx, "empty", time.Minute)
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestMemoryBackend_FetchWakesOnAdd(t *testing.T) {
	ctx := context.Background()
	backend := queue.NewMemoryBackend()
	q := queue.New("q", backend, queue.DefaultJobOptions())

	go func() {
		time.Sleep(10 * time.Millisecond)
		_, _ = q.Add(ctx, payload{"0x01"})
	}()

	job, err := backend.Fetch(ctx, "q", time.Second)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, queue.StateActive, job.State)
}

func TestMemoryBackend_FIFO(t *testing.T) {
	ctx := context.Background()
	backend := queue.NewMemoryBackend()
	q := queue.New("q", backend, queue.DefaultJobOptions())

	ids, err := q.AddBulk(ctx, []interface{}{payload{"0x01"}, payload{"0x02"}})
	require.NoError(t, err)

	first, err := backend.Fetch(ctx, "q", time.Millisecond)
	require.NoError(t, err)
	second, err := backend.Fetch(ctx, "q", time.Millisecond)
	require.NoError(t, err)

	assert.Equal(t, ids[0], first.ID)
	assert.Equal(t, ids[1], second.ID)

	counts, _ := backend.Counts(ctx, "q")
	assert.Equal(t, int64(2), counts[queue.StateActive])
	assert.Equal(t, int64(0), counts[queue.StateWaiting])
}

func TestMemoryBackend_RetryAndPromote(t *testing.T) {
	ctx := context.Background()
	backend := queue.NewMemoryBackend()
	q := queue.New("q", backend, queue.DefaultJobOptions())

	id, _ := q.Add(ctx, payload{"0x01"})
	job, _ := backend.Fetch(ctx, "q", time.Millisecond)
	job.AttemptsMade = 1

	due := time.Now().Add(time.Minute)
	require.NoError(t, backend.Retry(ctx, job, due))

	n, err := backend.PromoteDelayed(ctx, "q", time.Now())
	require.NoError(t, err)
	assert.Equal(t, 0, n, "job is not due yet")

	n, err = backend.PromoteDelayed(ctx, "q", due)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	stored, _ := backend.Job("q", id)
	assert.Equal(t, queue.StateWaiting, stored.State)
	assert.Equal(t, 1, stored.AttemptsMade)
}

func TestMemoryBackend_CompleteTrims(t *testing.T) {
	ctx := context.Background()
	backend := queue.NewMemoryBackend()
	q := queue.New("q", backend, queue.DefaultJobOptions())

	ids, _ := q.AddBulk(ctx, []interface{}{payload{"0x01"}, payload{"0x02"}, payload{"0x03"}})
	for range ids {
		job, _ := backend.Fetch(ctx, "q", time.Millisecond)
		require.NoError(t, backend.Complete(ctx, job, 2))
	}

	counts, _ := backend.Counts(ctx, "q")
	assert.Equal(t, int64(2), counts[queue.StateCompleted])

	_, ok := backend.Job("q", ids[0])
	assert.False(t, ok, "oldest completed job should be removed")
	_, ok = backend.Job("q", ids[2])
	assert.True(t, ok)
}

func TestMemoryBackend_FailAndRetryFailed(t *testing.T) {
	ctx := context.Background()
	backend := queue.NewMemoryBackend()
	q := queue.New("q", backend, queue.DefaultJobOptions())

	id, _ := q.Add(ctx, payload{"0x01"})
	job, _ := backend.Fetch(ctx, "q", time.Millisecond)
	job.AttemptsMade = 10
	job.FailedReason = "rpc down"
	require.NoError(t, backend.Fail(ctx, job, 100))

	failed, err := backend.FailedJobs(ctx, "q", 10)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, id, failed[0].ID)
	assert.Equal(t, "rpc down", failed[0].FailedReason)

	require.NoError(t, backend.RetryFailed(ctx, "q", id))

	stored, _ := backend.Job("q", id)
	assert.Equal(t, queue.StateWaiting, stored.State)
	assert.Equal(t, 0, stored.AttemptsMade)

	err = backend.RetryFailed(ctx, "q", id)
	assert.True(t, errors.Is(err, queue.ErrJobNotFound))
}

func TestMemoryBackend_RecoverStalled(t *testing.T) {
	ctx := context.Background()
	backend := queue.NewMemoryBackend()
	q := queue.New("q", backend, queue.DefaultJobOptions())

	id, _ := q.Add(ctx, payload{"0x01"})
	_, _ = backend.Fetch(ctx, "q", time.Millisecond)

	n, err := backend.RecoverStalled(ctx, "q", time.Now().Add(-time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	n, err = backend.RecoverStalled(ctx, "q", time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	again, err := backend.Fetch(ctx, "q", time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, id, again.ID)
}

func TestMemoryBackend_StaleOwnerLosesJob(t *testing.T) {
	ctx := context.Background()
	backend := queue.NewMemoryBackend()
	q := queue.New("q", backend, queue.DefaultJobOptions())

	id, _ := q.Add(ctx, payload{"0x01"})
	first, err := backend.Fetch(ctx, "q", time.Millisecond)
	require.NoError(t, err)
	require.NotEmpty(t, first.Token)
	require.NoError(t, backend.Extend(ctx, first))

	n, err := backend.RecoverStalled(ctx, "q", time.Now().Add(time.Minute))
	require.NoError(t, err)
	require.Equal(t, 1, n)

	assert.ErrorIs(t, backend.Extend(ctx, first), queue.ErrLockLost)
	assert.ErrorIs(t, backend.Complete(ctx, first, 100), queue.ErrLockLost)
	assert.ErrorIs(t, backend.Retry(ctx, first, time.Now()), queue.ErrLockLost)
	assert.ErrorIs(t, backend.Fail(ctx, first, 100), queue.ErrLockLost)

	second, err := backend.Fetch(ctx, "q", time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, id, second.ID)
	assert.NotEqual(t, first.Token, second.Token)

	// the stale owner cannot take the job back from the new one
	assert.ErrorIs(t, backend.Complete(ctx, first, 100), queue.ErrLockLost)
	require.NoError(t, backend.Complete(ctx, second, 100))

	counts, _ := backend.Counts(ctx, "q")
	assert.Equal(t, int64(1), counts[queue.StateCompleted])
	assert.Zero(t, counts[queue.StateActive])
}
