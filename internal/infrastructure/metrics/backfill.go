package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// BackfillMetrics holds Prometheus metrics for the backfill workers.
// A nil *BackfillMetrics records nothing.
type BackfillMetrics struct {
	JobsCompleted      *prometheus.CounterVec
	JobsRetried        *prometheus.CounterVec
	JobsFailed         *prometheus.CounterVec
	JobDuration        *prometheus.HistogramVec
	TransfersPersisted prometheus.Counter
	LogsDeclined       prometheus.Counter
	TxHashesEnqueued   prometheus.Counter
	SeedCursorBlock    *prometheus.GaugeVec
}

// NewBackfillMetrics creates backfill metrics registered on reg
func NewBackfillMetrics(reg prometheus.Registerer) *BackfillMetrics {
	factory := promauto.With(reg)

	return &BackfillMetrics{
		JobsCompleted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "backfill_jobs_completed_total",
			Help: "Total number of backfill jobs completed",
		}, []string{"queue"}),
		JobsRetried: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "backfill_jobs_retried_total",
			Help: "Total number of failed backfill job attempts scheduled for retry",
		}, []string{"queue"}),
		JobsFailed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "backfill_jobs_failed_total",
			Help: "Total number of backfill jobs that exhausted their attempts",
		}, []string{"queue"}),
		JobDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "backfill_job_duration_seconds",
			Help:    "Time taken to process a backfill job",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}, []string{"queue"}),
		TransfersPersisted: factory.NewCounter(prometheus.CounterOpts{
			Name: "backfill_token_transfers_persisted_total",
			Help: "Total number of token transfers submitted for persistence",
		}),
		LogsDeclined: factory.NewCounter(prometheus.CounterOpts{
			Name: "backfill_logs_declined_total",
			Help: "Total number of logs the token transfer parser declined",
		}),
		TxHashesEnqueued: factory.NewCounter(prometheus.CounterOpts{
			Name: "backfill_tx_hashes_enqueued_total",
			Help: "Total number of transaction hashes enqueued for backfill",
		}),
		SeedCursorBlock: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "backfill_seed_cursor_block",
			Help: "Lowest block scanned by a backfill seed",
		}, []string{"seed"}),
	}
}

// JobCompleted records a successful job
func (m *BackfillMetrics) JobCompleted(queue string, duration time.Duration) {
	if m == nil {
		return
	}
	m.JobsCompleted.WithLabelValues(queue).Inc()
	m.JobDuration.WithLabelValues(queue).Observe(duration.Seconds())
}

// JobRetried records a failed attempt that will be retried
func (m *BackfillMetrics) JobRetried(queue string) {
	if m == nil {
		return
	}
	m.JobsRetried.WithLabelValues(queue).Inc()
}

// JobFailed records a terminal job failure
func (m *BackfillMetrics) JobFailed(queue string) {
	if m == nil {
		return
	}
	m.JobsFailed.WithLabelValues(queue).Inc()
}

func (m *BackfillMetrics) TransfersSaved(n int) {
	if m == nil {
		return
	}
	m.TransfersPersisted.Add(float64(n))
}

func (m *BackfillMetrics) Declined(n int) {
	if m == nil {
		return
	}
	m.LogsDeclined.Add(float64(n))
}

func (m *BackfillMetrics) Enqueued(n int) {
	if m == nil {
		return
	}
	m.TxHashesEnqueued.Add(float64(n))
}

func (m *BackfillMetrics) SeedProgress(seed string, block int64) {
	if m == nil {
		return
	}
	m.SeedCursorBlock.WithLabelValues(seed).Set(float64(block))
}
