package cmd

import (
	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/shopvet/shopvet/internal/core/counter"
	"github.com/shopvet/shopvet/internal/core/engine"
	errwrap "github.com/shopvet/shopvet/internal/errors"
	"github.com/shopvet/shopvet/internal/observability"
)

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Run self-health check",
	Long: `Verify the application can start: version metadata, logging,
configuration and a governor assembled in memory from that configuration.
No store or network connection is opened.`,
	Run: func(cmd *cobra.Command, args []string) {
		logger := observability.CLILogger
		if logger == nil {
			ExitWithCodeStderr(foundry.ExitConfigInvalid, "Logger not initialized", errwrap.NewConfigInvalidError("logger not initialized"))
			return
		}
		logger.Info("Running health check...")

		if versionInfo.Version == "" {
			ExitWithCode(logger, foundry.ExitConfigInvalid, "Version information missing", errwrap.NewConfigInvalidError("version information missing"))
			return
		}
		logger.Info("✅ Version information available", zap.String("version", versionInfo.Version))

		cfg, err := loadConfig(cmd.Context())
		if err != nil {
			ExitWithCode(logger, foundry.ExitConfigInvalid, "Configuration invalid", errwrap.WrapConfigInvalid(cmd.Context(), err, "configuration invalid"))
			return
		}
		logger.Info("✅ Configuration loaded", zap.Int("platforms", len(cfg.Platforms)))

		opts, err := engineOptions(cfg)
		if err != nil {
			ExitWithCode(logger, foundry.ExitConfigInvalid, "Governance options invalid", errwrap.WrapConfigInvalid(cmd.Context(), err, "governance options invalid"))
			return
		}
		opts.Counters = counter.NewMemoryStore()
		governor, err := engine.New(opts)
		if err != nil {
			ExitWithCode(logger, foundry.ExitConfigInvalid, "Governor could not be built", errwrap.WrapConfigInvalid(cmd.Context(), err, "governor could not be built"))
			return
		}
		logger.Info("✅ Governor assembled",
			zap.Strings("platforms", governor.Quota.Platforms()),
			zap.Int("identities", len(governor.Pool.Snapshot())))

		logger.Info("")
		logger.Info("✅ All health checks passed")
	},
}

func init() {
	rootCmd.AddCommand(healthCmd)
}
