package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Handler processes one job. A returned error fails the attempt; the job is
// retried until its attempts are spent unless the error is Unrecoverable.
type Handler func(ctx context.Context, job *Job) error

// Observer receives job lifecycle events, typically to record metrics
type Observer interface {
	JobCompleted(queue string, duration time.Duration)
	JobRetried(queue string)
	JobFailed(queue string)
}

// WorkerOptions configures a worker
type WorkerOptions struct {
	Concurrency     int
	PollTimeout     time.Duration
	PromoteInterval time.Duration
	StallTimeout    time.Duration
}

// Worker pulls jobs from a queue and runs them with bounded concurrency
type Worker struct {
	queue    *Queue
	handler  Handler
	opts     WorkerOptions
	observer Observer
	logger   *zap.Logger
	now      func() time.Time
}

// NewWorker creates a worker for q. observer may be nil.
func NewWorker(q *Queue, handler Handler, opts WorkerOptions, observer Observer, logger *zap.Logger) *Worker {
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = 5 * time.Second
	}
	if opts.PromoteInterval <= 0 {
		opts.PromoteInterval = time.Second
	}

	return &Worker{
		queue:    q,
		handler:  handler,
		opts:     opts,
		observer: observer,
		logger:   logger.With(zap.String("queue", q.Name())),
		now:      time.Now,
	}
}

// Run processes jobs until ctx is cancelled. Jobs already started are run to
// completion before Run returns.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("Worker started", zap.Int("concurrency", w.opts.Concurrency))

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		w.maintain(gCtx)
		return nil
	})

	for i := 0; i < w.opts.Concurrency; i++ {
		g.Go(func() error {
			w.poll(gCtx)
			return nil
		})
	}

	err := g.Wait()
	w.logger.Info("Worker stopped")
	return err
}

// poll fetches and processes jobs one at a time
func (w *Worker) poll(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		job, err := w.queue.backend.Fetch(ctx, w.queue.name, w.opts.PollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Error("Failed to fetch job", zap.Error(err))
			sleep(ctx, w.opts.PollTimeout)
			continue
		}
		if job == nil {
			continue
		}

		// a started job is not interrupted by shutdown
		w.Process(context.WithoutCancel(ctx), job)
	}
}

// maintain promotes due delayed jobs and recovers stalled ones
func (w *Worker) maintain(ctx context.Context) {
	ticker := time.NewTicker(w.opts.PromoteInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.Maintain(ctx)
		}
	}
}

// Maintain runs one promote and stalled-recovery pass
func (w *Worker) Maintain(ctx context.Context) {
	now := w.now()

	if n, err := w.queue.backend.PromoteDelayed(ctx, w.queue.name, now); err != nil {
		w.logger.Warn("Failed to promote delayed jobs", zap.Error(err))
	} else if n > 0 {
		w.logger.Debug("Promoted delayed jobs", zap.Int("count", n))
	}

	if w.opts.StallTimeout <= 0 {
		return
	}
	if n, err := w.queue.backend.RecoverStalled(ctx, w.queue.name, now.Add(-w.opts.StallTimeout)); err != nil {
		w.logger.Warn("Failed to recover stalled jobs", zap.Error(err))
	} else if n > 0 {
		w.logger.Warn("Recovered stalled jobs", zap.Int("count", n))
	}
}

// Process runs the handler for one fetched job and records the outcome. While
// the handler runs the job lock is extended every half StallTimeout; if the
// lock is lost the handler context is cancelled and its result is discarded.
func (w *Worker) Process(ctx context.Context, job *Job) {
	start := w.now()

	runCtx, cancel := context.WithCancel(ctx)
	stopHeartbeat := w.heartbeat(runCtx, cancel, job)
	err := w.run(runCtx, job)
	stopHeartbeat()
	cancel()

	job.AttemptsMade++

	if err == nil {
		if cErr := w.queue.backend.Complete(ctx, job, w.queue.opts.RemoveOnComplete); cErr != nil {
			w.finishFailed(job, "Failed to mark job completed", cErr)
			return
		}
		if w.observer != nil {
			w.observer.JobCompleted(w.queue.name, w.now().Sub(start))
		}
		return
	}

	job.FailedReason = err.Error()

	if job.AttemptsMade < job.MaxAttempts && !errors.Is(err, ErrUnrecoverable) {
		delay := w.queue.opts.Backoff.Next(job.AttemptsMade)
		w.logger.Warn("Job failed, retrying",
			zap.String("job_id", job.ID),
			zap.Int("attempt", job.AttemptsMade),
			zap.Int("max_attempts", job.MaxAttempts),
			zap.Duration("backoff", delay),
			zap.Error(err),
		)
		if rErr := w.queue.backend.Retry(ctx, job, w.now().Add(delay)); rErr != nil {
			w.finishFailed(job, "Failed to schedule job retry", rErr)
			return
		}
		if w.observer != nil {
			w.observer.JobRetried(w.queue.name)
		}
		return
	}

	w.logger.Error("Job failed permanently",
		zap.String("job_id", job.ID),
		zap.Int("attempts", job.AttemptsMade),
		zap.Error(err),
	)
	if fErr := w.queue.backend.Fail(ctx, job, w.queue.opts.RemoveOnFail); fErr != nil {
		w.finishFailed(job, "Failed to mark job failed", fErr)
		return
	}
	if w.observer != nil {
		w.observer.JobFailed(w.queue.name)
	}
}

// finishFailed logs an outcome that could not be recorded. A lost lock means
// another fetch owns the job now and will record its own outcome.
func (w *Worker) finishFailed(job *Job, msg string, err error) {
	if errors.Is(err, ErrLockLost) {
		w.logger.Warn("Job lock lost, discarding result",
			zap.String("job_id", job.ID),
			zap.Int("attempt", job.AttemptsMade),
		)
		return
	}
	w.logger.Error(msg,
		zap.String("job_id", job.ID),
		zap.Error(err),
	)
}

// heartbeat extends the job lock until the returned stop func is called.
// lost is called once the lock is gone.
func (w *Worker) heartbeat(ctx context.Context, lost context.CancelFunc, job *Job) (stop func()) {
	if w.opts.StallTimeout <= 0 {
		return func() {}
	}

	done := make(chan struct{})
	stopped := make(chan struct{})

	go func() {
		defer close(stopped)

		ticker := time.NewTicker(w.opts.StallTimeout / 2)
		defer ticker.Stop()

		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				err := w.queue.backend.Extend(ctx, job)
				if errors.Is(err, ErrLockLost) {
					w.logger.Warn("Job lock lost, cancelling handler", zap.String("job_id", job.ID))
					lost()
					return
				}
				if err != nil {
					w.logger.Warn("Failed to extend job lock", zap.String("job_id", job.ID), zap.Error(err))
				}
			}
		}
	}()

	return func() {
		close(done)
		<-stopped
	}
}

// run calls the handler, turning a panic into a failed attempt
func (w *Worker) run(ctx context.Context, job *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()
	return w.handler(ctx, job)
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
