package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// Job states
const (
	StateWaiting   = "waiting"
	StateActive    = "active"
	StateDelayed   = "delayed"
	StateCompleted = "completed"
	StateFailed    = "failed"
)

var (
	// ErrJobNotFound is returned when a job id is unknown to the queue
	ErrJobNotFound = errors.New("job not found")

	// ErrUnrecoverable marks handler errors that must not be retried
	ErrUnrecoverable = errors.New("unrecoverable job error")

	// ErrLockLost is returned when a job is no longer owned by the fetch that
	// holds it, typically because it was recovered as stalled
	ErrLockLost = errors.New("job lock lost")
)

// Unrecoverable wraps err so the worker fails the job without retrying it
func Unrecoverable(err error) error {
	return fmt.Errorf("%w: %w", ErrUnrecoverable, err)
}

// Job is a unit of work stored in a queue
type Job struct {
	ID           string          `json:"id"`
	Queue        string          `json:"queue"`
	Data         json.RawMessage `json:"data"`
	State        string          `json:"state"`
	AttemptsMade int             `json:"attempts_made"`
	MaxAttempts  int             `json:"max_attempts"`
	FailedReason string          `json:"failed_reason,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	ProcessedAt  time.Time       `json:"processed_at,omitempty"`
	FinishedAt   time.Time       `json:"finished_at,omitempty"`

	// Token identifies the fetch that owns an active job
	Token string `json:"-"`
}

// Decode unmarshals the job payload into v
func (j *Job) Decode(v interface{}) error {
	if err := json.Unmarshal(j.Data, v); err != nil {
		return fmt.Errorf("failed to decode job %s payload: %w", j.ID, err)
	}
	return nil
}

// fields returns the job as an ordered Redis hash field list
func (j *Job) fields() []interface{} {
	return []interface{}{
		"queue", j.Queue,
		"data", string(j.Data),
		"state", j.State,
		"attempts_made", j.AttemptsMade,
		"max_attempts", j.MaxAttempts,
		"created_at", j.CreatedAt.UnixMilli(),
	}
}

// jobFromHash rebuilds a job from its Redis hash
func jobFromHash(id string, h map[string]string) (*Job, error) {
	if len(h) == 0 {
		return nil, ErrJobNotFound
	}

	job := &Job{
		ID:           id,
		Queue:        h["queue"],
		Data:         json.RawMessage(h["data"]),
		State:        h["state"],
		FailedReason: h["failed_reason"],
		Token:        h["token"],
	}

	var err error
	if job.AttemptsMade, err = atoi(h["attempts_made"]); err != nil {
		return nil, fmt.Errorf("job %s attempts_made: %w", id, err)
	}
	if job.MaxAttempts, err = atoi(h["max_attempts"]); err != nil {
		return nil, fmt.Errorf("job %s max_attempts: %w", id, err)
	}
	job.CreatedAt = parseMillis(h["created_at"])
	job.ProcessedAt = parseMillis(h["processed_at"])
	job.FinishedAt = parseMillis(h["finished_at"])

	return job, nil
}

func atoi(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.Atoi(s)
}

func parseMillis(s string) time.Time {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil || ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// JobOptions are applied to every job added to a queue
type JobOptions struct {
	Attempts         int
	Backoff          Backoff
	RemoveOnComplete int64
	RemoveOnFail     int64
}

// DefaultJobOptions returns ten attempts with exponential backoff, keeping the
// last ten thousand completed and failed jobs.
func DefaultJobOptions() JobOptions {
	return JobOptions{
		Attempts:         10,
		Backoff:          Backoff{Delay: time.Second, Max: 10 * time.Minute},
		RemoveOnComplete: 10000,
		RemoveOnFail:     10000,
	}
}

// Backoff is an exponential retry delay
type Backoff struct {
	Delay time.Duration
	Max   time.Duration
}

// Next returns the delay before the retry that follows attemptsMade failures
func (b Backoff) Next(attemptsMade int) time.Duration {
	if b.Delay <= 0 {
		return 0
	}
	if attemptsMade < 1 {
		attemptsMade = 1
	}

	d := b.Delay
	for i := 1; i < attemptsMade; i++ {
		d *= 2
		if b.Max > 0 && d >= b.Max {
			return b.Max
		}
	}
	if b.Max > 0 && d > b.Max {
		return b.Max
	}
	return d
}
