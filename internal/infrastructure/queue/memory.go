package queue

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Ensure MemoryBackend implements Backend
var _ Backend = (*MemoryBackend)(nil)

// MemoryBackend is an in-process Backend. Jobs do not survive a restart; it is
// meant for tests and local runs.
type MemoryBackend struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queues map[string]*memoryQueue
	now    func() time.Time
}

type memoryQueue struct {
	jobs      map[string]*Job
	wait      []string
	active    []string
	delayed   map[string]time.Time
	completed []string
	failed    []string
}

// NewMemoryBackend creates an empty in-process backend
func NewMemoryBackend() *MemoryBackend {
	b := &MemoryBackend{
		queues: make(map[string]*memoryQueue),
		now:    time.Now,
	}
	b.cond = sync.NewCond(&b.mu)
	return b
}

func (b *MemoryBackend) queue(name string) *memoryQueue {
	q, ok := b.queues[name]
	if !ok {
		q = &memoryQueue{
			jobs:    make(map[string]*Job),
			delayed: make(map[string]time.Time),
		}
		b.queues[name] = q
	}
	return q
}

func remove(ids []string, id string) []string {
	for i, v := range ids {
		if v == id {
			return append(ids[:i], ids[i+1:]...)
		}
	}
	return ids
}

func (q *memoryQueue) trim(list []string, keep int64) []string {
	if keep <= 0 || int64(len(list)) <= keep {
		return list
	}
	for _, id := range list[keep:] {
		delete(q.jobs, id)
	}
	return list[:keep]
}

// Add stores jobs in the waiting state
func (b *MemoryBackend) Add(_ context.Context, jobs ...*Job) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, job := range jobs {
		q := b.queue(job.Queue)
		stored := *job
		stored.State = StateWaiting
		q.jobs[job.ID] = &stored
		q.wait = append(q.wait, job.ID)
	}
	b.cond.Broadcast()
	return nil
}

// Fetch moves the oldest waiting job to active, waiting up to timeout
func (b *MemoryBackend) Fetch(ctx context.Context, queue string, timeout time.Duration) (*Job, error) {
	deadline := time.Now().Add(timeout)

	// wake waiters on deadline or cancellation
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		select {
		case <-ctx.Done():
		case <-timer.C:
		case <-stop:
			return
		}
		b.mu.Lock()
		b.cond.Broadcast()
		b.mu.Unlock()
	}()

	b.mu.Lock()
	defer b.mu.Unlock()

	q := b.queue(queue)
	for len(q.wait) == 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !time.Now().Before(deadline) {
			return nil, nil
		}
		b.cond.Wait()
	}

	id := q.wait[0]
	q.wait = q.wait[1:]
	q.active = append(q.active, id)

	job := q.jobs[id]
	job.State = StateActive
	job.ProcessedAt = b.now()
	job.Token = uuid.NewString()

	out := *job
	return &out, nil
}

// owned returns the stored job if job still holds its lock
func (b *MemoryBackend) owned(q *memoryQueue, job *Job) (*Job, error) {
	stored, ok := q.jobs[job.ID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, job.ID)
	}
	if stored.State != StateActive || stored.Token == "" || stored.Token != job.Token {
		return nil, fmt.Errorf("%w: %s", ErrLockLost, job.ID)
	}
	return stored, nil
}

// Extend refreshes the lock of an owned active job
func (b *MemoryBackend) Extend(_ context.Context, job *Job) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	stored, err := b.owned(b.queue(job.Queue), job)
	if err != nil {
		return err
	}
	stored.ProcessedAt = b.now()
	return nil
}

// Complete marks an active job as completed
func (b *MemoryBackend) Complete(_ context.Context, job *Job, keep int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	q := b.queue(job.Queue)
	stored, err := b.owned(q, job)
	if err != nil {
		return err
	}

	q.active = remove(q.active, job.ID)
	stored.Token = ""
	job.Token = ""
	stored.State = StateCompleted
	stored.AttemptsMade = job.AttemptsMade
	stored.FinishedAt = b.now()
	q.completed = append([]string{job.ID}, q.completed...)
	q.completed = q.trim(q.completed, keep)

	job.State = StateCompleted
	return nil
}

// Retry moves an active job to the delayed set
func (b *MemoryBackend) Retry(_ context.Context, job *Job, at time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	q := b.queue(job.Queue)
	stored, err := b.owned(q, job)
	if err != nil {
		return err
	}

	q.active = remove(q.active, job.ID)
	stored.Token = ""
	job.Token = ""
	stored.State = StateDelayed
	stored.AttemptsMade = job.AttemptsMade
	stored.FailedReason = job.FailedReason
	q.delayed[job.ID] = at

	job.State = StateDelayed
	return nil
}

// Fail marks an active job as terminally failed
func (b *MemoryBackend) Fail(_ context.Context, job *Job, keep int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	q := b.queue(job.Queue)
	stored, err := b.owned(q, job)
	if err != nil {
		return err
	}

	q.active = remove(q.active, job.ID)
	stored.Token = ""
	job.Token = ""
	stored.State = StateFailed
	stored.AttemptsMade = job.AttemptsMade
	stored.FailedReason = job.FailedReason
	stored.FinishedAt = b.now()
	q.failed = append([]string{job.ID}, q.failed...)
	q.failed = q.trim(q.failed, keep)

	job.State = StateFailed
	return nil
}

// PromoteDelayed moves due delayed jobs back to waiting
func (b *MemoryBackend) PromoteDelayed(_ context.Context, queue string, now time.Time) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	q := b.queue(queue)
	var due []string
	for id, at := range q.delayed {
		if !at.After(now) {
			due = append(due, id)
		}
	}
	sort.Slice(due, func(i, j int) bool { return q.delayed[due[i]].Before(q.delayed[due[j]]) })

	for _, id := range due {
		delete(q.delayed, id)
		q.jobs[id].State = StateWaiting
		q.wait = append(q.wait, id)
	}
	if len(due) > 0 {
		b.cond.Broadcast()
	}
	return len(due), nil
}

// RecoverStalled moves jobs whose lock was last refreshed before cutoff back to
// waiting, revoking the lock
func (b *MemoryBackend) RecoverStalled(_ context.Context, queue string, cutoff time.Time) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	q := b.queue(queue)
	var stalled, active []string
	for _, id := range q.active {
		job := q.jobs[id]
		switch {
		case job == nil:
			// trimmed away
		case job.ProcessedAt.Before(cutoff):
			stalled = append(stalled, id)
		default:
			active = append(active, id)
		}
	}
	q.active = active

	for _, id := range stalled {
		q.jobs[id].State = StateWaiting
		q.jobs[id].Token = ""
		q.wait = append([]string{id}, q.wait...)
	}
	if len(stalled) > 0 {
		b.cond.Broadcast()
	}
	return len(stalled), nil
}

// FailedJobs lists terminally failed jobs, most recent first
func (b *MemoryBackend) FailedJobs(_ context.Context, queue string, limit int64) ([]*Job, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	q := b.queue(queue)
	var jobs []*Job
	for _, id := range q.failed {
		if int64(len(jobs)) >= limit {
			break
		}
		job := *q.jobs[id]
		jobs = append(jobs, &job)
	}
	return jobs, nil
}

// RetryFailed re-enqueues a terminally failed job
func (b *MemoryBackend) RetryFailed(_ context.Context, queue, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	q := b.queue(queue)
	before := len(q.failed)
	q.failed = remove(q.failed, id)
	if len(q.failed) == before {
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}

	job := q.jobs[id]
	job.State = StateWaiting
	job.AttemptsMade = 0
	job.FailedReason = ""
	q.wait = append(q.wait, id)
	b.cond.Broadcast()
	return nil
}

// Counts returns the number of jobs per state
func (b *MemoryBackend) Counts(_ context.Context, queue string) (map[string]int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	q := b.queue(queue)
	return map[string]int64{
		StateWaiting:   int64(len(q.wait)),
		StateActive:    int64(len(q.active)),
		StateDelayed:   int64(len(q.delayed)),
		StateCompleted: int64(len(q.completed)),
		StateFailed:    int64(len(q.failed)),
	}, nil
}

// Job returns a copy of a stored job
func (b *MemoryBackend) Job(queue, id string) (*Job, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	job, ok := b.queue(queue).jobs[id]
	if !ok {
		return nil, false
	}
	out := *job
	return &out, true
}
