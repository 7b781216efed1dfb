package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/bimakw/nft-indexer/internal/config"
)

func TestOptionsFromConfig(t *testing.T) {
	cfg := config.QueueConfig{
		Concurrency:      10,
		Attempts:         10,
		BackoffDelay:     time.Second,
		MaxBackoff:       10 * time.Minute,
		RemoveOnComplete: 10000,
		RemoveOnFail:     10000,
		StallTimeout:     5 * time.Minute,
		PollTimeout:      5 * time.Second,
		PromoteInterval:  time.Second,
	}

	assert.Equal(t, DefaultJobOptions(), JobOptionsFromConfig(cfg))
	assert.Equal(t, WorkerOptions{
		Concurrency:     10,
		PollTimeout:     5 * time.Second,
		PromoteInterval: time.Second,
		StallTimeout:    5 * time.Minute,
	}, WorkerOptionsFromConfig(cfg))
}
