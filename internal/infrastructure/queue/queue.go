package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Backend stores jobs and arbitrates their ownership between workers
type Backend interface {
	// Add stores jobs in the waiting state
	Add(ctx context.Context, jobs ...*Job) error

	// Fetch moves the oldest waiting job to active and gives the caller its
	// lock token. It returns nil, nil when no job became available within timeout.
	Fetch(ctx context.Context, queue string, timeout time.Duration) (*Job, error)

	// Extend refreshes the lock of an active job. It returns ErrLockLost once
	// the job has been taken away from job.Token.
	Extend(ctx context.Context, job *Job) error

	// Complete marks an owned active job as completed, keeping the last keep ids
	Complete(ctx context.Context, job *Job, keep int64) error

	// Retry moves an owned active job to the delayed set until at
	Retry(ctx context.Context, job *Job, at time.Time) error

	// Fail marks an owned active job as terminally failed, keeping the last keep ids
	Fail(ctx context.Context, job *Job, keep int64) error

	// PromoteDelayed moves delayed jobs that are due back to waiting
	PromoteDelayed(ctx context.Context, queue string, now time.Time) (int, error)

	// RecoverStalled moves active jobs whose lock was last refreshed before
	// cutoff back to waiting, revoking their lock
	RecoverStalled(ctx context.Context, queue string, cutoff time.Time) (int, error)

	// FailedJobs lists terminally failed jobs, most recent first
	FailedJobs(ctx context.Context, queue string, limit int64) ([]*Job, error)

	// RetryFailed re-enqueues a terminally failed job with a fresh attempt budget
	RetryFailed(ctx context.Context, queue, id string) error

	// Counts returns the number of jobs per state
	Counts(ctx context.Context, queue string) (map[string]int64, error)
}

// Queue adds jobs to a named queue
type Queue struct {
	name    string
	backend Backend
	opts    JobOptions
	now     func() time.Time
}

// New creates a queue producer
func New(name string, backend Backend, opts JobOptions) *Queue {
	return &Queue{
		name:    name,
		backend: backend,
		opts:    opts,
		now:     time.Now,
	}
}

// Name returns the queue name
func (q *Queue) Name() string {
	return q.name
}

// Options returns the job options of the queue
func (q *Queue) Options() JobOptions {
	return q.opts
}

// Backend returns the storage backend of the queue
func (q *Queue) Backend() Backend {
	return q.backend
}

func (q *Queue) newJob(data interface{}) (*Job, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job payload: %w", err)
	}

	attempts := q.opts.Attempts
	if attempts < 1 {
		attempts = 1
	}

	return &Job{
		ID:          uuid.NewString(),
		Queue:       q.name,
		Data:        payload,
		State:       StateWaiting,
		MaxAttempts: attempts,
		CreatedAt:   q.now(),
	}, nil
}

// Add enqueues a single job and returns its id
func (q *Queue) Add(ctx context.Context, data interface{}) (string, error) {
	job, err := q.newJob(data)
	if err != nil {
		return "", err
	}

	if err := q.backend.Add(ctx, job); err != nil {
		return "", fmt.Errorf("failed to add job to %s: %w", q.name, err)
	}

	return job.ID, nil
}

// AddBulk enqueues one job per payload
func (q *Queue) AddBulk(ctx context.Context, data []interface{}) ([]string, error) {
	if len(data) == 0 {
		return nil, nil
	}

	jobs := make([]*Job, len(data))
	ids := make([]string, len(data))
	for i, d := range data {
		job, err := q.newJob(d)
		if err != nil {
			return nil, err
		}
		jobs[i] = job
		ids[i] = job.ID
	}

	if err := q.backend.Add(ctx, jobs...); err != nil {
		return nil, fmt.Errorf("failed to add %d jobs to %s: %w", len(jobs), q.name, err)
	}

	return ids, nil
}

// FailedJobs lists terminally failed jobs
func (q *Queue) FailedJobs(ctx context.Context, limit int64) ([]*Job, error) {
	return q.backend.FailedJobs(ctx, q.name, limit)
}

// RetryFailed re-enqueues a terminally failed job
func (q *Queue) RetryFailed(ctx context.Context, id string) error {
	return q.backend.RetryFailed(ctx, q.name, id)
}

// Counts returns the number of jobs per state
func (q *Queue) Counts(ctx context.Context) (map[string]int64, error) {
	return q.backend.Counts(ctx, q.name)
}
