package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Ensure RedisBackend implements Backend
var _ Backend = (*RedisBackend)(nil)

// fetchScript moves the oldest waiting job to active and stamps its owner.
// Ids whose hash was trimmed away are dropped. An empty waiting list clears
// the marker list so idle waiters are not woken for nothing.
// KEYS: wait, active, marker. ARGV: now (ms), token, job key prefix.
var fetchScript = redis.NewScript(`
while true do
  local id = redis.call('RPOP', KEYS[1])
  if not id then
    redis.call('DEL', KEYS[3])
    return false
  end
  local key = ARGV[3] .. id
  if redis.call('EXISTS', key) == 1 then
    redis.call('LPUSH', KEYS[2], id)
    redis.call('HSET', key, 'state', 'active', 'processed_at', ARGV[1], 'token', ARGV[2])
    return id
  end
end
`)

// extendScript refreshes processed_at while the caller still owns the job.
// KEYS: job. ARGV: token, now (ms).
var extendScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'token') ~= ARGV[1] then
  return 0
end
redis.call('HSET', KEYS[1], 'processed_at', ARGV[2])
return 1
`)

// finishScript moves an owned active job to the completed or failed list and
// deletes the hashes of ids pushed past keep. Returns -1 if the job is not owned.
// KEYS: active, job, finished list.
// ARGV: id, token, state, attempts made, failed reason, finished at (ms), keep, job key prefix.
var finishScript = redis.NewScript(`
if redis.call('HGET', KEYS[2], 'token') ~= ARGV[2] then
  return -1
end
if redis.call('LREM', KEYS[1], 1, ARGV[1]) == 0 then
  return -1
end
redis.call('HSET', KEYS[2], 'state', ARGV[3], 'attempts_made', ARGV[4], 'failed_reason', ARGV[5], 'finished_at', ARGV[6])
redis.call('HDEL', KEYS[2], 'token')
redis.call('LPUSH', KEYS[3], ARGV[1])
local keep = tonumber(ARGV[7])
if keep <= 0 then
  return 0
end
local old = redis.call('LRANGE', KEYS[3], keep, -1)
for _, id in ipairs(old) do
  redis.call('DEL', ARGV[8] .. id)
end
redis.call('LTRIM', KEYS[3], 0, keep - 1)
return #old
`)

// retryScript moves an owned active job to the delayed set.
// KEYS: active, job, delayed. ARGV: id, token, attempts made, failed reason, due (ms).
var retryScript = redis.NewScript(`
if redis.call('HGET', KEYS[2], 'token') ~= ARGV[2] then
  return 0
end
if redis.call('LREM', KEYS[1], 1, ARGV[1]) == 0 then
  return 0
end
redis.call('HSET', KEYS[2], 'state', 'delayed', 'attempts_made', ARGV[3], 'failed_reason', ARGV[4])
redis.call('HDEL', KEYS[2], 'token')
redis.call('ZADD', KEYS[3], ARGV[5], ARGV[1])
return 1
`)

// promoteScript moves due delayed jobs to the waiting list.
// KEYS: delayed, wait, marker. ARGV: now (ms), limit, job key prefix.
var promoteScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
for _, id in ipairs(ids) do
  redis.call('ZREM', KEYS[1], id)
  redis.call('LPUSH', KEYS[2], id)
  redis.call('LPUSH', KEYS[3], '1')
  redis.call('HSET', ARGV[3] .. id, 'state', 'waiting')
end
return #ids
`)

// stalledScript moves active jobs processed before the cutoff, or never
// stamped, back to waiting and revokes their owner. They are pushed to the
// consuming end of the list so they run next.
// KEYS: active, wait, marker. ARGV: cutoff (ms), job key prefix.
var stalledScript = redis.NewScript(`
local ids = redis.call('LRANGE', KEYS[1], 0, -1)
local moved = 0
for _, id in ipairs(ids) do
  local key = ARGV[2] .. id
  local processed = redis.call('HGET', key, 'processed_at')
  if not processed or tonumber(processed) < tonumber(ARGV[1]) then
    redis.call('LREM', KEYS[1], 1, id)
    if redis.call('EXISTS', key) == 1 then
      redis.call('RPUSH', KEYS[2], id)
      redis.call('LPUSH', KEYS[3], '1')
      redis.call('HSET', key, 'state', 'waiting')
      redis.call('HDEL', key, 'token', 'processed_at')
      moved = moved + 1
    end
  end
end
return moved
`)

// retryFailedScript re-enqueues a terminally failed job.
// KEYS: failed, job, wait, marker. ARGV: id.
var retryFailedScript = redis.NewScript(`
if redis.call('LREM', KEYS[1], 1, ARGV[1]) == 0 then
  return 0
end
redis.call('HSET', KEYS[2], 'state', 'waiting', 'attempts_made', 0, 'failed_reason', '')
redis.call('LPUSH', KEYS[3], ARGV[1])
redis.call('LPUSH', KEYS[4], '1')
return 1
`)

// promoteBatch bounds the work done by one promote call
const promoteBatch = 1000

// RedisBackend is a durable Backend storing jobs in Redis.
//
// Key layout, per queue: <prefix>:<queue>:job:<id> (hash), :wait and :active
// (lists, consumed right to left), :delayed (sorted by due time in ms),
// :completed and :failed (lists of ids, most recent first). Every push to
// :wait also pushes to :marker, which idle fetchers block on.
type RedisBackend struct {
	client   redis.UniversalClient
	prefix   string
	now      func() time.Time
	newToken func() string
}

// NewRedisBackend creates a Redis backed job store
func NewRedisBackend(client redis.UniversalClient, prefix string) *RedisBackend {
	return &RedisBackend{
		client: client,
		prefix:   prefix,
		now:      time.Now,
		newToken: uuid.NewString,
	}
}

func (b *RedisBackend) key(queue, suffix string) string {
	return b.prefix + ":" + queue + ":" + suffix
}

func (b *RedisBackend) jobPrefix(queue string) string {
	return b.key(queue, "job:")
}

func (b *RedisBackend) jobKey(queue, id string) string {
	return b.jobPrefix(queue) + id
}

// Add stores jobs and pushes them to the waiting list atomically
func (b *RedisBackend) Add(ctx context.Context, jobs ...*Job) error {
	if len(jobs) == 0 {
		return nil
	}

	_, err := b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, job := range jobs {
			pipe.HSet(ctx, b.jobKey(job.Queue, job.ID), job.fields()...)
			pipe.LPush(ctx, b.key(job.Queue, "wait"), job.ID)
			pipe.LPush(ctx, b.key(job.Queue, "marker"), "1")
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to add jobs: %w", err)
	}

	return nil
}

// Fetch moves the oldest waiting job to active, blocking on the marker list
// until one is available or timeout expires
func (b *RedisBackend) Fetch(ctx context.Context, queue string, timeout time.Duration) (*Job, error) {
	deadline := time.Now().Add(timeout)
	token := b.newToken()

	for {
		id, err := fetchScript.Run(ctx, b.client,
			[]string{b.key(queue, "wait"), b.key(queue, "active"), b.key(queue, "marker")},
			b.now().UnixMilli(), token, b.jobPrefix(queue),
		).Text()
		if err == nil {
			return b.load(ctx, queue, id)
		}
		if !errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("failed to fetch job: %w", err)
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}

		err = b.client.BLPop(ctx, remaining, b.key(queue, "marker")).Err()
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to wait for jobs: %w", err)
		}
	}
}

func (b *RedisBackend) load(ctx context.Context, queue, id string) (*Job, error) {
	h, err := b.client.HGetAll(ctx, b.jobKey(queue, id)).Result()
	if err != nil {
		// the job stays active and is recovered once it stalls
		return nil, fmt.Errorf("failed to load job %s: %w", id, err)
	}
	return jobFromHash(id, h)
}

// Extend refreshes the lock of an owned active job
func (b *RedisBackend) Extend(ctx context.Context, job *Job) error {
	ok, err := extendScript.Run(ctx, b.client,
		[]string{b.jobKey(job.Queue, job.ID)},
		job.Token, b.now().UnixMilli(),
	).Int()
	if err != nil {
		return fmt.Errorf("failed to extend lock of job %s: %w", job.ID, err)
	}
	if ok == 0 {
		return fmt.Errorf("%w: %s", ErrLockLost, job.ID)
	}
	return nil
}

// Complete marks an owned active job as completed
func (b *RedisBackend) Complete(ctx context.Context, job *Job, keep int64) error {
	return b.finish(ctx, job, StateCompleted, "completed", keep)
}

// Fail marks an owned active job as terminally failed
func (b *RedisBackend) Fail(ctx context.Context, job *Job, keep int64) error {
	return b.finish(ctx, job, StateFailed, "failed", keep)
}

func (b *RedisBackend) finish(ctx context.Context, job *Job, state, list string, keep int64) error {
	finishedAt := b.now()

	n, err := finishScript.Run(ctx, b.client,
		[]string{b.key(job.Queue, "active"), b.jobKey(job.Queue, job.ID), b.key(job.Queue, list)},
		job.ID, job.Token, state, job.AttemptsMade, job.FailedReason, finishedAt.UnixMilli(), keep, b.jobPrefix(job.Queue),
	).Int()
	if err != nil {
		return fmt.Errorf("failed to mark job %s %s: %w", job.ID, state, err)
	}
	if n < 0 {
		return fmt.Errorf("%w: %s", ErrLockLost, job.ID)
	}

	job.State = state
	job.FinishedAt = finishedAt
	job.Token = ""
	return nil
}

// Retry moves an owned active job to the delayed set
func (b *RedisBackend) Retry(ctx context.Context, job *Job, at time.Time) error {
	ok, err := retryScript.Run(ctx, b.client,
		[]string{b.key(job.Queue, "active"), b.jobKey(job.Queue, job.ID), b.key(job.Queue, "delayed")},
		job.ID, job.Token, job.AttemptsMade, job.FailedReason, at.UnixMilli(),
	).Int()
	if err != nil {
		return fmt.Errorf("failed to schedule retry of job %s: %w", job.ID, err)
	}
	if ok == 0 {
		return fmt.Errorf("%w: %s", ErrLockLost, job.ID)
	}

	job.State = StateDelayed
	job.Token = ""
	return nil
}

// PromoteDelayed moves due delayed jobs back to waiting
func (b *RedisBackend) PromoteDelayed(ctx context.Context, queue string, now time.Time) (int, error) {
	n, err := promoteScript.Run(ctx, b.client,
		[]string{b.key(queue, "delayed"), b.key(queue, "wait"), b.key(queue, "marker")},
		now.UnixMilli(), promoteBatch, b.jobPrefix(queue),
	).Int()
	if err != nil {
		return 0, fmt.Errorf("failed to promote delayed jobs: %w", err)
	}
	return n, nil
}

// RecoverStalled moves jobs whose lock was last refreshed before cutoff back to
// waiting. Their current owner loses the job.
func (b *RedisBackend) RecoverStalled(ctx context.Context, queue string, cutoff time.Time) (int, error) {
	n, err := stalledScript.Run(ctx, b.client,
		[]string{b.key(queue, "active"), b.key(queue, "wait"), b.key(queue, "marker")},
		cutoff.UnixMilli(), b.jobPrefix(queue),
	).Int()
	if err != nil {
		return 0, fmt.Errorf("failed to recover stalled jobs: %w", err)
	}
	return n, nil
}

// FailedJobs lists terminally failed jobs, most recent first
func (b *RedisBackend) FailedJobs(ctx context.Context, queue string, limit int64) ([]*Job, error) {
	if limit <= 0 {
		return nil, nil
	}

	ids, err := b.client.LRange(ctx, b.key(queue, "failed"), 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list failed jobs: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	cmds := make([]*redis.MapStringStringCmd, len(ids))
	_, err = b.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.HGetAll(ctx, b.jobKey(queue, id))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load failed jobs: %w", err)
	}

	jobs := make([]*Job, 0, len(ids))
	for i, cmd := range cmds {
		job, err := jobFromHash(ids[i], cmd.Val())
		if errors.Is(err, ErrJobNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}

	return jobs, nil
}

// RetryFailed re-enqueues a terminally failed job
func (b *RedisBackend) RetryFailed(ctx context.Context, queue, id string) error {
	ok, err := retryFailedScript.Run(ctx, b.client,
		[]string{b.key(queue, "failed"), b.jobKey(queue, id), b.key(queue, "wait"), b.key(queue, "marker")},
		id,
	).Int()
	if err != nil {
		return fmt.Errorf("failed to re-enqueue job %s: %w", id, err)
	}
	if ok == 0 {
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	return nil
}

// Counts returns the number of jobs per state
func (b *RedisBackend) Counts(ctx context.Context, queue string) (map[string]int64, error) {
	var waiting, active, completed, failed *redis.IntCmd
	var delayed *redis.IntCmd

	_, err := b.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		waiting = pipe.LLen(ctx, b.key(queue, "wait"))
		active = pipe.LLen(ctx, b.key(queue, "active"))
		delayed = pipe.ZCard(ctx, b.key(queue, "delayed"))
		completed = pipe.LLen(ctx, b.key(queue, "completed"))
		failed = pipe.LLen(ctx, b.key(queue, "failed"))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to count jobs: %w", err)
	}

	return map[string]int64{
		StateWaiting:   waiting.Val(),
		StateActive:    active.Val(),
		StateDelayed:   delayed.Val(),
		StateCompleted: completed.Val(),
		StateFailed:    failed.Val(),
	}, nil
}
