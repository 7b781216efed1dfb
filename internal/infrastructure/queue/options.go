package queue

import (
	"github.com/bimakw/nft-indexer/internal/config"
)

// JobOptionsFromConfig builds the per-job options of every backfill queue
func JobOptionsFromConfig(cfg config.QueueConfig) JobOptions {
	return JobOptions{
		Attempts: cfg.Attempts,
		Backoff: Backoff{
			Delay: cfg.BackoffDelay,
			Max:   cfg.MaxBackoff,
		},
		RemoveOnComplete: cfg.RemoveOnComplete,
		RemoveOnFail:     cfg.RemoveOnFail,
	}
}

// WorkerOptionsFromConfig builds worker options with the configured concurrency
func WorkerOptionsFromConfig(cfg config.QueueConfig) WorkerOptions {
	return WorkerOptions{
		Concurrency:     cfg.Concurrency,
		PollTimeout:     cfg.PollTimeout,
		PromoteInterval: cfg.PromoteInterval,
		StallTimeout:    cfg.StallTimeout,
	}
}
