package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/bimakw/nft-indexer/internal/application/services"
	"github.com/bimakw/nft-indexer/internal/domain/entities"
	"github.com/bimakw/nft-indexer/internal/infrastructure/queue"
)

// backfillAdmin is the part of the backfill service the CLI drives
type backfillAdmin interface {
	EnqueueTransactions(ctx context.Context, txHashes []string) ([]string, error)
	StartSeed(ctx context.Context, name string, fromBlock, toBlock, batchSize int64) (string, error)
	SeedState(ctx context.Context, name string) (*entities.BackfillState, error)
	FailedJobs(ctx context.Context, queueName string, limit int64) ([]*queue.Job, error)
	RetryFailed(ctx context.Context, queueName, id string) error
	Stats(ctx context.Context) ([]services.QueueStats, error)
}

type connectFunc func(ctx context.Context) (backfillAdmin, func(), error)

func newRootCmd(connect connectFunc) *cobra.Command {
	root := &cobra.Command{
		Use:          "backfillctl",
		Short:        "Operate the token transfer backfill queues",
		SilenceUsage: true,
	}

	// withAdmin opens connections for the duration of one command
	withAdmin := func(run func(cmd *cobra.Command, args []string, admin backfillAdmin) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			admin, cleanup, err := connect(cmd.Context())
			if err != nil {
				return err
			}
			defer cleanup()
			return run(cmd, args, admin)
		}
	}

	enqueueCmd := &cobra.Command{
		Use:   "enqueue <tx-hash>...",
		Short: "Enqueue transactions for token transfer backfill",
		Args:  cobra.MinimumNArgs(1),
		RunE: withAdmin(func(cmd *cobra.Command, args []string, admin backfillAdmin) error {
			ids, err := admin.EnqueueTransactions(cmd.Context(), args)
			if err != nil {
				return err
			}
			return printJSON(cmd, map[string]interface{}{"job_ids": ids})
		}),
	}
	root.AddCommand(enqueueCmd)

	seedCmd := &cobra.Command{
		Use:   "seed",
		Short: "Start a seeding run that walks back from --to down to --from",
		RunE: withAdmin(func(cmd *cobra.Command, _ []string, admin backfillAdmin) error {
			name, _ := cmd.Flags().GetString("name")
			from, _ := cmd.Flags().GetInt64("from")
			to, _ := cmd.Flags().GetInt64("to")
			batchSize, _ := cmd.Flags().GetInt64("batch-size")

			id, err := admin.StartSeed(cmd.Context(), name, from, to, batchSize)
			if err != nil {
				return err
			}
			return printJSON(cmd, map[string]string{"job_id": id})
		}),
	}
	seedCmd.Flags().String("name", "default", "seeding run name")
	seedCmd.Flags().Int64("from", 0, "lowest block to seed (inclusive)")
	seedCmd.Flags().Int64("to", 0, "block to start walking back from (inclusive)")
	seedCmd.Flags().Int64("batch-size", 0, "blocks per seed job, 0 uses BACKFILL_SEED_BATCH_SIZE")
	_ = seedCmd.MarkFlagRequired("to")
	root.AddCommand(seedCmd)

	seedStatusCmd := &cobra.Command{
		Use:   "seed-status [name]",
		Short: "Show the progress of a seeding run",
		Args:  cobra.MaximumNArgs(1),
		RunE: withAdmin(func(cmd *cobra.Command, args []string, admin backfillAdmin) error {
			name := "default"
			if len(args) == 1 {
				name = args[0]
			}

			state, err := admin.SeedState(cmd.Context(), name)
			if err != nil {
				return err
			}
			if state == nil {
				return fmt.Errorf("seed %q not found", name)
			}
			return printJSON(cmd, state)
		}),
	}
	root.AddCommand(seedStatusCmd)

	failedCmd := &cobra.Command{
		Use:   "failed",
		Short: "List terminally failed jobs",
		RunE: withAdmin(func(cmd *cobra.Command, _ []string, admin backfillAdmin) error {
			queueName, _ := cmd.Flags().GetString("queue")
			limit, _ := cmd.Flags().GetInt64("limit")

			jobs, err := admin.FailedJobs(cmd.Context(), queueName, limit)
			if err != nil {
				return err
			}
			if jobs == nil {
				jobs = []*queue.Job{}
			}
			return printJSON(cmd, jobs)
		}),
	}
	failedCmd.Flags().String("queue", entities.TokenTransfersQueue, "queue name")
	failedCmd.Flags().Int64("limit", 50, "maximum number of jobs")
	root.AddCommand(failedCmd)

	retryCmd := &cobra.Command{
		Use:   "retry <job-id>...",
		Short: "Re-enqueue terminally failed jobs",
		Args:  cobra.MinimumNArgs(1),
		RunE: withAdmin(func(cmd *cobra.Command, args []string, admin backfillAdmin) error {
			queueName, _ := cmd.Flags().GetString("queue")

			for _, id := range args {
				if err := admin.RetryFailed(cmd.Context(), queueName, id); err != nil {
					return fmt.Errorf("retry %s: %w", id, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "retried %s\n", id)
			}
			return nil
		}),
	}
	retryCmd.Flags().String("queue", entities.TokenTransfersQueue, "queue name")
	root.AddCommand(retryCmd)

	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Show job counts per queue",
		RunE: withAdmin(func(cmd *cobra.Command, _ []string, admin backfillAdmin) error {
			stats, err := admin.Stats(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd, stats)
		}),
	}
	root.AddCommand(statsCmd)

	return root
}

func printJSON(cmd *cobra.Command, v interface{}) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
