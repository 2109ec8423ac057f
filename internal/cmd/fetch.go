package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/shopvet/shopvet/internal/core/fetch"
	"github.com/shopvet/shopvet/internal/core/queue"
	"github.com/shopvet/shopvet/internal/metrics"
	"github.com/shopvet/shopvet/internal/observability"
	"github.com/shopvet/shopvet/internal/output"
)

var (
	fetchPriority string
	fetchTimeout  time.Duration
	fetchOut      string
	fetchOutDir   string
	fetchOutput   string
)

var fetchCmd = &cobra.Command{
	Use:   "fetch <platform> <url>",
	Short: "Fetch one page through the governance layer",
	Long: `Queue a GET for the platform and wait for it to be admitted, retried
and completed under the configured quota, proxies and retry policy.

Page metadata is printed; the body is written with --out or --out-dir.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		defer func() { metrics.RecordOperation("fetch", err == nil) }()

		platform, target := args[0], args[1]
		format, err := output.ParseFormat(fetchOutput)
		if err != nil {
			return err
		}
		priority, err := queue.ParsePriority(fetchPriority)
		if err != nil {
			return err
		}
		outPath, err := fetchBodyPath(platform, target)
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

		ctx, cancel := context.WithCancel(cmd.Context())
		done := make(chan error, 1)
		go func() { done <- gov.Governor.Run(ctx) }()
		defer func() {
			cancel()
			if runErr := <-done; runErr != nil && !errors.Is(runErr, context.Canceled) {
				observability.CLILogger.Warn("Governance loop stopped with error", zap.Error(runErr))
			}
		}()

		page, result, err := gov.Governor.Fetch(ctx, platform, target, priority, fetchTimeout)
		if err != nil {
			metrics.RecordOperationError("fetch", fmt.Sprintf("%T", err))
			return fmt.Errorf("fetch %s after %d attempt(s): %w", target, result.Attempts, err)
		}

		if outPath != "" {
			if err := writeBody(outPath, page); err != nil {
				return err
			}
			observability.CLILogger.Info("Body written", zap.String("path", outPath), zap.Int("bytes", page.Size))
		}

		summary := fetchSummary{Page: page, Attempts: result.Attempts, Elapsed: result.Elapsed.String(), BodyPath: outPath}
		return output.Write(cmd.OutOrStdout(), format, summary, func() output.TableWriter {
			return summary.table()
		})
	},
}

type fetchSummary struct {
	Page     *fetch.Page `json:"page" yaml:"page"`
	Attempts int         `json:"attempts" yaml:"attempts"`
	Elapsed  string      `json:"elapsed" yaml:"elapsed"`
	BodyPath string      `json:"body_path,omitempty" yaml:"body_path,omitempty"`
}

func (s fetchSummary) table() output.TableWriter {
	t := output.KeyValueTable()
	identity := s.Page.Identity
	if identity == "" {
		identity = "direct"
	}
	t.AppendRow([]any{"URL", s.Page.URL})
	t.AppendRow([]any{"Status", s.Page.StatusCode})
	t.AppendRow([]any{"Content-Type", s.Page.ContentType})
	t.AppendRow([]any{"Size", s.Page.Size})
	t.AppendRow([]any{"Truncated", s.Page.Truncated})
	t.AppendRow([]any{"Identity", identity})
	t.AppendRow([]any{"Attempts", s.Attempts})
	t.AppendRow([]any{"Elapsed", s.Elapsed})
	if s.BodyPath != "" {
		t.AppendRow([]any{"Body", s.BodyPath})
	}
	return t
}

func fetchBodyPath(platform, target string) (string, error) {
	outPath := strings.TrimSpace(fetchOut)
	outDir := strings.TrimSpace(fetchOutDir)
	if outPath != "" && outDir != "" {
		return "", fmt.Errorf("--out and --out-dir are mutually exclusive")
	}
	if outDir == "" {
		return outPath, nil
	}
	dir, err := ensureOutDir(outDir)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, sanitizeFilename(platform+"-"+target)+".html"), nil
}

func writeBody(path string, page *fetch.Page) error {
	sink, err := openSink(path)
	if err != nil {
		return err
	}
	if _, err := sink.writer.Write(page.Body); err != nil {
		_ = sink.close()
		return fmt.Errorf("write body: %w", err)
	}
	if sink.path == "-" {
		_, _ = fmt.Fprintln(os.Stdout)
	}
	return sink.close()
}

func init() {
	rootCmd.AddCommand(fetchCmd)

	fetchCmd.Flags().StringVar(&fetchPriority, "priority", "normal", "Queue priority: low|normal|high")
	fetchCmd.Flags().DurationVar(&fetchTimeout, "timeout", 0, "Give up if not completed within this duration (default queue.default_timeout)")
	fetchCmd.Flags().StringVar(&fetchOut, "out", "", "Write the response body to a file (- for stdout)")
	fetchCmd.Flags().StringVar(&fetchOutDir, "out-dir", "", "Write the response body into a directory")
	fetchCmd.Flags().StringVar(&fetchOutput, "output-format", string(output.FormatTable), "Output format: table|json|yaml")
}
