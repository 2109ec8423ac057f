package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/shopvet/shopvet/internal/core/store"
	"github.com/shopvet/shopvet/internal/metrics"
	"github.com/shopvet/shopvet/internal/observability"
	"github.com/shopvet/shopvet/internal/output"
)

var (
	attemptsListPlatform string
	attemptsListSince    time.Duration
	attemptsListLimit    int
	attemptsListOutput   string
	attemptsListOut      string

	attemptsPruneOlderThan time.Duration
)

var attemptsCmd = &cobra.Command{
	Use:   "attempts",
	Short: "Inspect the persisted attempt log",
}

var attemptsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recorded attempts, oldest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		format, err := output.ParseFormat(attemptsListOutput)
		if err != nil {
			return err
		}
		cfg, err := loadConfig(cmd.Context())
		if err != nil {
			return err
		}
		db, err := openStoreWith(cmd.Context(), cfg.Store)
		if err != nil {
			return err
		}
		defer db.Close() // nolint:errcheck // best-effort cleanup

		records, err := db.ListAttempts(cmd.Context(), store.AttemptQuery{
			Platform: attemptsListPlatform,
			Since:    time.Now().Add(-attemptsListSince),
			Limit:    attemptsListLimit,
		})
		if err != nil {
			return err
		}

		sink, err := openSink(attemptsListOut)
		if err != nil {
			return err
		}
		defer func() { _ = sink.close() }()

		return output.Write(sink.writer, format, records, func() output.TableWriter {
			return output.AttemptTable(records)
		})
	},
}

var attemptsPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete old attempts and expired SQL counters",
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		defer func() { metrics.RecordOperation("attempts.prune", err == nil) }()

		cfg, err := loadConfig(cmd.Context())
		if err != nil {
			return err
		}
		olderThan := attemptsPruneOlderThan
		if olderThan <= 0 {
			olderThan = cfg.Store.AttemptRetention
		}
		if olderThan <= 0 {
			return fmt.Errorf("no retention configured; pass --older-than")
		}

		db, err := openStoreWith(cmd.Context(), cfg.Store)
		if err != nil {
			return err
		}
		defer db.Close() // nolint:errcheck // best-effort cleanup

		cutoff := time.Now().Add(-olderThan)
		attempts, err := db.PruneAttempts(cmd.Context(), cutoff)
		if err != nil {
			return err
		}
		counters, err := db.PruneCounters(cmd.Context())
		if err != nil {
			return err
		}

		observability.CLILogger.Info("Pruned persisted state",
			zap.Time("cutoff", cutoff),
			zap.Int64("attempts", attempts),
			zap.Int64("expired_counters", counters))
		_, err = fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d attempt(s) older than %s and %d expired counter(s)\n",
			attempts, olderThan, counters)
		return err
	},
}

func init() {
	rootCmd.AddCommand(attemptsCmd)
	attemptsCmd.AddCommand(attemptsListCmd)
	attemptsCmd.AddCommand(attemptsPruneCmd)

	attemptsListCmd.Flags().StringVar(&attemptsListPlatform, "platform", "", "Only attempts for this platform")
	attemptsListCmd.Flags().DurationVar(&attemptsListSince, "since", time.Hour, "How far back to look")
	attemptsListCmd.Flags().IntVar(&attemptsListLimit, "limit", 100, "Maximum rows (0 for no limit)")
	attemptsListCmd.Flags().StringVar(&attemptsListOutput, "output-format", string(output.FormatTable), "Output format: table|json|yaml")
	attemptsListCmd.Flags().StringVar(&attemptsListOut, "out", "", "Write output to a file (default stdout)")

	attemptsPruneCmd.Flags().DurationVar(&attemptsPruneOlderThan, "older-than", 0, "Delete attempts older than this (default store.attempt_retention)")
}
