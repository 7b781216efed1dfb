package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.UnixMilli(1700000000000)

func newMockBackend() (*RedisBackend, redismock.ClientMock) {
	client, mock := redismock.NewClientMock()
	b := NewRedisBackend(client, "bull")
	b.now = func() time.Time { return fixedNow }
	b.newToken = func() string { return "tok-1" }
	return b, mock
}

func TestRedisBackend_Add(t *testing.T) {
	b, mock := newMockBackend()
	job := &Job{
		ID:          "job-1",
		Queue:       "q",
		Data:        []byte(`{"hash":"0x01"}`),
		State:       StateWaiting,
		MaxAttempts: 10,
		CreatedAt:   fixedNow,
	}

	mock.ExpectTxPipeline()
	mock.ExpectHSet("bull:q:job:job-1", job.fields()...).SetVal(6)
	mock.ExpectLPush("bull:q:wait", "job-1").SetVal(1)
	mock.ExpectLPush("bull:q:marker", "1").SetVal(1)
	mock.ExpectTxPipelineExec()

	err := b.Add(context.Background(), job)
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisBackend_AddNothing(t *testing.T) {
	b, mock := newMockBackend()

	assert.NoError(t, b.Add(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

var (
	fetchKeys    = []string{"bull:q:wait", "bull:q:active", "bull:q:marker"}
	jobHashKey   = "bull:q:job:job-1"
	jobKeyPrefix = "bull:q:job:"
)

func activeJobHash() map[string]string {
	return map[string]string{
		"queue":         "q",
		"data":          `{"hash":"0x01"}`,
		"state":         StateActive,
		"attempts_made": "3",
		"max_attempts":  "10",
		"created_at":    "1700000000000",
		"processed_at":  "1700000000000",
		"token":         "tok-1",
	}
}

func TestRedisBackend_FetchTimeout(t *testing.T) {
	b, mock := newMockBackend()

	mock.ExpectEvalSha(fetchScript.Hash(), fetchKeys, fixedNow.UnixMilli(), "tok-1", jobKeyPrefix).RedisNil()
	mock.ExpectBLPop(time.Second, "bull:q:marker").RedisNil()

	job, err := b.Fetch(context.Background(), "q", time.Second)
	assert.NoError(t, err)
	assert.Nil(t, job)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisBackend_Fetch(t *testing.T) {
	b, mock := newMockBackend()

	mock.ExpectEvalSha(fetchScript.Hash(), fetchKeys, fixedNow.UnixMilli(), "tok-1", jobKeyPrefix).SetVal("job-1")
	mock.ExpectHGetAll(jobHashKey).SetVal(activeJobHash())

	job, err := b.Fetch(context.Background(), "q", time.Second)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, "job-1", job.ID)
	assert.Equal(t, 3, job.AttemptsMade)
	assert.Equal(t, 10, job.MaxAttempts)
	assert.Equal(t, "tok-1", job.Token)
	assert.True(t, job.ProcessedAt.Equal(fixedNow))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisBackend_FetchWokenByMarker(t *testing.T) {
	b, mock := newMockBackend()

	mock.ExpectEvalSha(fetchScript.Hash(), fetchKeys, fixedNow.UnixMilli(), "tok-1", jobKeyPrefix).RedisNil()
	mock.ExpectBLPop(time.Second, "bull:q:marker").SetVal([]string{"bull:q:marker", "1"})
	mock.ExpectEvalSha(fetchScript.Hash(), fetchKeys, fixedNow.UnixMilli(), "tok-1", jobKeyPrefix).SetVal("job-1")
	mock.ExpectHGetAll(jobHashKey).SetVal(activeJobHash())

	job, err := b.Fetch(context.Background(), "q", time.Second)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, "job-1", job.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisBackend_FetchError(t *testing.T) {
	b, mock := newMockBackend()

	mock.ExpectEvalSha(fetchScript.Hash(), fetchKeys, fixedNow.UnixMilli(), "tok-1", jobKeyPrefix).
		SetErr(errors.New("connection refused"))

	_, err := b.Fetch(context.Background(), "q", time.Second)
	assert.Error(t, err)
}

func TestRedisBackend_Extend(t *testing.T) {
	b, mock := newMockBackend()
	job := &Job{ID: "job-1", Queue: "q", Token: "tok-1"}

	mock.ExpectEvalSha(extendScript.Hash(), []string{jobHashKey}, "tok-1", fixedNow.UnixMilli()).SetVal(int64(1))
	mock.ExpectEvalSha(extendScript.Hash(), []string{jobHashKey}, "tok-1", fixedNow.UnixMilli()).SetVal(int64(0))

	assert.NoError(t, b.Extend(context.Background(), job))
	assert.ErrorIs(t, b.Extend(context.Background(), job), ErrLockLost)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisBackend_Complete(t *testing.T) {
	b, mock := newMockBackend()
	job := &Job{ID: "job-1", Queue: "q", AttemptsMade: 1, Token: "tok-1"}

	mock.ExpectEvalSha(finishScript.Hash(),
		[]string{"bull:q:active", jobHashKey, "bull:q:completed"},
		"job-1", "tok-1", StateCompleted, 1, "", fixedNow.UnixMilli(), int64(10000), jobKeyPrefix,
	).SetVal(int64(0))

	err := b.Complete(context.Background(), job, 10000)
	assert.NoError(t, err)
	assert.Equal(t, StateCompleted, job.State)
	assert.Empty(t, job.Token)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisBackend_CompleteLockLost(t *testing.T) {
	b, mock := newMockBackend()
	job := &Job{ID: "job-1", Queue: "q", AttemptsMade: 1, Token: "stale"}

	mock.ExpectEvalSha(finishScript.Hash(),
		[]string{"bull:q:active", jobHashKey, "bull:q:completed"},
		"job-1", "stale", StateCompleted, 1, "", fixedNow.UnixMilli(), int64(10000), jobKeyPrefix,
	).SetVal(int64(-1))

	err := b.Complete(context.Background(), job, 10000)
	assert.ErrorIs(t, err, ErrLockLost)
	assert.Equal(t, "", job.State)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisBackend_Fail(t *testing.T) {
	b, mock := newMockBackend()
	job := &Job{ID: "job-3", Queue: "q", AttemptsMade: 10, FailedReason: "boom", Token: "tok-1"}

	// trimming runs inside the same script
	mock.ExpectEvalSha(finishScript.Hash(),
		[]string{"bull:q:active", "bull:q:job:job-3", "bull:q:failed"},
		"job-3", "tok-1", StateFailed, 10, "boom", fixedNow.UnixMilli(), int64(2), jobKeyPrefix,
	).SetVal(int64(1))

	err := b.Fail(context.Background(), job, 2)
	assert.NoError(t, err)
	assert.Equal(t, StateFailed, job.State)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisBackend_Retry(t *testing.T) {
	b, mock := newMockBackend()
	job := &Job{ID: "job-1", Queue: "q", AttemptsMade: 2, FailedReason: "rpc down", Token: "tok-1"}
	due := fixedNow.Add(4 * time.Second)

	keys := []string{"bull:q:active", jobHashKey, "bull:q:delayed"}
	mock.ExpectEvalSha(retryScript.Hash(), keys, "job-1", "tok-1", 2, "rpc down", due.UnixMilli()).SetVal(int64(1))

	require.NoError(t, b.Retry(context.Background(), job, due))
	assert.Equal(t, StateDelayed, job.State)

	job.Token = "tok-1"
	mock.ExpectEvalSha(retryScript.Hash(), keys, "job-1", "tok-1", 2, "rpc down", due.UnixMilli()).SetVal(int64(0))
	assert.ErrorIs(t, b.Retry(context.Background(), job, due), ErrLockLost)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisBackend_PromoteDelayed(t *testing.T) {
	b, mock := newMockBackend()

	mock.ExpectEvalSha(promoteScript.Hash(),
		[]string{"bull:q:delayed", "bull:q:wait", "bull:q:marker"},
		fixedNow.UnixMilli(), promoteBatch, jobKeyPrefix,
	).SetVal(int64(2))

	n, err := b.PromoteDelayed(context.Background(), "q", fixedNow)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisBackend_RecoverStalled(t *testing.T) {
	b, mock := newMockBackend()
	cutoff := fixedNow.Add(-5 * time.Minute)

	mock.ExpectEvalSha(stalledScript.Hash(),
		[]string{"bull:q:active", "bull:q:wait", "bull:q:marker"},
		cutoff.UnixMilli(), jobKeyPrefix,
	).SetVal(int64(1))

	n, err := b.RecoverStalled(context.Background(), "q", cutoff)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisBackend_RetryFailedUnknown(t *testing.T) {
	b, mock := newMockBackend()

	mock.ExpectEvalSha(retryFailedScript.Hash(),
		[]string{"bull:q:failed", "bull:q:job:missing", "bull:q:wait", "bull:q:marker"},
		"missing",
	).SetVal(int64(0))

	err := b.RetryFailed(context.Background(), "q", "missing")
	assert.True(t, errors.Is(err, ErrJobNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisBackend_RetryFailed(t *testing.T) {
	b, mock := newMockBackend()

	mock.ExpectEvalSha(retryFailedScript.Hash(),
		[]string{"bull:q:failed", jobHashKey, "bull:q:wait", "bull:q:marker"},
		"job-1",
	).SetVal(int64(1))

	err := b.RetryFailed(context.Background(), "q", "job-1")
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisBackend_FailedJobs(t *testing.T) {
	b, mock := newMockBackend()

	mock.ExpectLRange("bull:q:failed", 0, 9).SetVal([]string{"job-2", "job-1"})
	mock.ExpectHGetAll("bull:q:job:job-2").SetVal(map[string]string{
		"queue":         "q",
		"state":         StateFailed,
		"attempts_made": "10",
		"max_attempts":  "10",
		"failed_reason": "timeout",
	})
	mock.ExpectHGetAll("bull:q:job:job-1").SetVal(map[string]string{})

	jobs, err := b.FailedJobs(context.Background(), "q", 10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "job-2", jobs[0].ID)
	assert.Equal(t, "timeout", jobs[0].FailedReason)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisBackend_Counts(t *testing.T) {
	b, mock := newMockBackend()

	mock.ExpectLLen("bull:q:wait").SetVal(4)
	mock.ExpectLLen("bull:q:active").SetVal(2)
	mock.ExpectZCard("bull:q:delayed").SetVal(1)
	mock.ExpectLLen("bull:q:completed").SetVal(100)
	mock.ExpectLLen("bull:q:failed").SetVal(3)

	counts, err := b.Counts(context.Background(), "q")
	require.NoError(t, err)
	assert.Equal(t, int64(4), counts[StateWaiting])
	assert.Equal(t, int64(2), counts[StateActive])
	assert.Equal(t, int64(1), counts[StateDelayed])
	assert.Equal(t, int64(100), counts[StateCompleted])
	assert.Equal(t, int64(3), counts[StateFailed])
	assert.NoError(t, mock.ExpectationsWereMet())
}
