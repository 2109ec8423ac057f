package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/fulmenhq/gofulmen/ascii"
	"github.com/spf13/cobra"

	"github.com/shopvet/shopvet/internal/config"
	"github.com/shopvet/shopvet/internal/core/counter"
	"github.com/shopvet/shopvet/internal/core/quota"
	"github.com/shopvet/shopvet/internal/metrics"
	"github.com/shopvet/shopvet/internal/observability"
	"github.com/shopvet/shopvet/internal/output"
)

var (
	quotaStatusOutput string
	quotaStatusOut    string
	quotaStatusRaw    bool

	quotaResetAll    bool
	quotaResetYes    bool
	quotaResetDryRun bool
	quotaResetOutput string
)

var quotaCmd = &cobra.Command{
	Use:   "quota",
	Short: "Inspect and reset per-platform quota counters",
}

var quotaStatusCmd = &cobra.Command{
	Use:   "status [platform]",
	Short: "Show quota usage, cooldowns and admission verdicts",
	Long: `Show each platform's window usage against its limits.

Counters are read from the configured counter store, so with the redis or
sql driver this reflects every process sharing the store. With --raw the
underlying counter keys are listed instead.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		defer func() { metrics.RecordOperation("quota.status", err == nil) }()

		format, err := output.ParseFormat(quotaStatusOutput)
		if err != nil {
			return err
		}
		cfg, err := loadConfig(cmd.Context())
		if err != nil {
			return err
		}
		gov, err := openGovernance(cmd.Context(), cfg, observability.CLILogger)
		if err != nil {
			return err
		}
		defer func() { _ = gov.Close() }()

		platforms := gov.Governor.Quota.Platforms()
		if len(args) == 1 {
			platforms = []string{args[0]}
		}

		sink, err := openSink(quotaStatusOut)
		if err != nil {
			return err
		}
		defer func() { _ = sink.close() }()

		if quotaStatusRaw {
			entries, err := listCounters(cmd.Context(), gov.Counters, platforms)
			if err != nil {
				return err
			}
			if len(entries) == 0 && format == output.FormatTable {
				_, err = fmt.Fprint(sink.writer, ascii.DrawBox("Quota Counters\n\n(no stored counter state)", 0))
				return err
			}
			return output.Write(sink.writer, format, entries, func() output.TableWriter {
				return output.CounterTable(entries)
			})
		}

		statuses := make([]quota.Status, 0, len(platforms))
		for _, platform := range platforms {
			status, err := gov.Governor.Quota.Status(cmd.Context(), platform)
			if err != nil {
				return err
			}
			statuses = append(statuses, status)
		}
		return output.Write(sink.writer, format, statuses, func() output.TableWriter {
			return output.QuotaTable(statuses)
		})
	},
}

var quotaResetCmd = &cobra.Command{
	Use:   "reset [platform]",
	Short: "Clear stored quota counters and cooldowns",
	Long: `Clear the counters, cooldown marker and response statistics for one
platform, or for every configured platform with --all.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		defer func() { metrics.RecordOperation("quota.reset", err == nil) }()

		format, err := output.ParseFormat(quotaResetOutput)
		if err != nil {
			return err
		}
		switch {
		case len(args) == 1 && quotaResetAll:
			return errors.New("pass a platform or --all, not both")
		case len(args) == 0 && !quotaResetAll:
			return errors.New("specify a platform or --all")
		case quotaResetAll && !quotaResetYes && !quotaResetDryRun:
			return errors.New("--all requires --yes (or use --dry-run)")
		}

		cfg, err := loadConfig(cmd.Context())
		if err != nil {
			return err
		}
		counters, closeCounters, err := openCounterStore(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer func() { _ = closeCounters() }()

		platforms := args
		if quotaResetAll {
			platforms = configuredPlatforms(cfg)
		}

		result, err := resetCounters(cmd.Context(), counters, platforms, quotaResetDryRun)
		if err != nil {
			return err
		}
		return writeResetResult(cmd.OutOrStdout(), format, result)
	},
}

type resetResult struct {
	Platforms []string `json:"platforms" yaml:"platforms"`
	Matched   int      `json:"matched" yaml:"matched"`
	Deleted   int64    `json:"deleted" yaml:"deleted"`
	DryRun    bool     `json:"dry_run" yaml:"dry_run"`
}

func resetCounters(ctx context.Context, counters counter.Store, platforms []string, dryRun bool) (resetResult, error) {
	lister, canList := counters.(counter.Lister)
	resetter, canReset := counters.(counter.Resetter)
	if !canList || !canReset {
		return resetResult{}, fmt.Errorf("counter store %T does not support reset", counters)
	}

	result := resetResult{DryRun: dryRun}
	for _, platform := range platforms {
		platform = strings.ToLower(strings.TrimSpace(platform))
		if platform == "" {
			continue
		}
		result.Platforms = append(result.Platforms, platform)

		entries, err := lister.List(ctx, quota.KeyPrefix(platform))
		if err != nil {
			return result, err
		}
		result.Matched += len(entries)
		if dryRun {
			continue
		}
		deleted, err := resetter.Reset(ctx, quota.KeyPrefix(platform))
		if err != nil {
			return result, err
		}
		result.Deleted += deleted
	}
	return result, nil
}

func writeResetResult(w io.Writer, format output.Format, result resetResult) error {
	if format != output.FormatTable {
		return output.Write(w, format, result, nil)
	}
	lines := []string{"Quota Reset", ""}
	if result.DryRun {
		lines = append(lines, fmt.Sprintf("Would delete %d counter key(s)", result.Matched))
	} else {
		lines = append(lines, fmt.Sprintf("Deleted %d/%d counter key(s)", result.Deleted, result.Matched))
	}
	lines = append(lines, "Platforms: "+strings.Join(result.Platforms, ", "))
	_, err := fmt.Fprint(w, ascii.DrawBox(strings.Join(lines, "\n"), 0))
	return err
}

func listCounters(ctx context.Context, counters counter.Store, platforms []string) ([]counter.Entry, error) {
	lister, ok := counters.(counter.Lister)
	if !ok {
		return nil, fmt.Errorf("counter store %T cannot list keys", counters)
	}
	var entries []counter.Entry
	for _, platform := range platforms {
		found, err := lister.List(ctx, quota.KeyPrefix(platform))
		if err != nil {
			return nil, err
		}
		entries = append(entries, found...)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })
	return entries, nil
}

// openCounterStore opens only the counter store, for commands that do not
// need a governor.
func openCounterStore(ctx context.Context, cfg *config.Config) (counter.Store, func() error, error) {
	if cfg.Counter.Driver != config.CounterDriverSQL {
		counters, err := openCounters(ctx, cfg, nil)
		if err != nil {
			return nil, nil, err
		}
		if closer, ok := counters.(counter.Closer); ok {
			return counters, closer.Close, nil
		}
		return counters, func() error { return nil }, nil
	}
	st, err := openStoreWith(ctx, cfg.Store)
	if err != nil {
		return nil, nil, fmt.Errorf("open store for sql counters: %w", err)
	}
	return st, st.Close, nil
}

func configuredPlatforms(cfg *config.Config) []string {
	platforms := make([]string, 0, len(cfg.Platforms))
	for name := range cfg.Platforms {
		platforms = append(platforms, name)
	}
	sort.Strings(platforms)
	return platforms
}

func init() {
	rootCmd.AddCommand(quotaCmd)
	quotaCmd.AddCommand(quotaStatusCmd)
	quotaCmd.AddCommand(quotaResetCmd)

	quotaStatusCmd.Flags().StringVar(&quotaStatusOutput, "output-format", string(output.FormatTable), "Output format: table|json|yaml")
	quotaStatusCmd.Flags().StringVar(&quotaStatusOut, "out", "", "Write output to a file (default stdout)")
	quotaStatusCmd.Flags().BoolVar(&quotaStatusRaw, "raw", false, "List raw counter keys")

	quotaResetCmd.Flags().BoolVar(&quotaResetAll, "all", false, "Reset every configured platform")
	quotaResetCmd.Flags().BoolVar(&quotaResetYes, "yes", false, "Confirm destructive reset")
	quotaResetCmd.Flags().BoolVar(&quotaResetDryRun, "dry-run", false, "Show what would be deleted")
	quotaResetCmd.Flags().StringVar(&quotaResetOutput, "output-format", string(output.FormatTable), "Output format: table|json|yaml")
}
