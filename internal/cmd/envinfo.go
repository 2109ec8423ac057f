package cmd

import (
	"fmt"
	"runtime"
	"strings"

	"github.com/fulmenhq/gofulmen/crucible"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/shopvet/shopvet/internal/config"
	"github.com/shopvet/shopvet/internal/observability"
)

var envInfoCmd = &cobra.Command{
	Use:   "envinfo",
	Short: "Display environment information",
	Long:  "Display environment, configuration, and version information.",
	Run: func(cmd *cobra.Command, args []string) {
		logger := observability.CLILogger
		version := crucible.GetVersion()
		identity := GetAppIdentity()

		logger.Info("=== " + identity.BinaryName + " environment ===")
		logger.Info("")
		logger.Info("Application:")
		logger.Info("  Name:       " + identity.BinaryName)
		logger.Info("  Version:    " + versionInfo.Version)
		logger.Info("  Commit:     " + versionInfo.Commit)
		logger.Info("  Built:      " + versionInfo.BuildDate)
		logger.Info("")

		logger.Info("SSOT:")
		logger.Info("  Gofulmen:   "+version.Gofulmen, zap.String("gofulmen_version", version.Gofulmen))
		logger.Info("  Crucible:   "+version.Crucible, zap.String("crucible_version", version.Crucible))
		logger.Info("")

		logger.Info("Runtime:")
		logger.Info("  Go Version: "+runtime.Version(), zap.String("go_version", runtime.Version()))
		logger.Info("  GOOS:       "+runtime.GOOS, zap.String("goos", runtime.GOOS))
		logger.Info("  GOARCH:     "+runtime.GOARCH, zap.String("goarch", runtime.GOARCH))
		logger.Info(fmt.Sprintf("  NumCPU:     %d", runtime.NumCPU()), zap.Int("num_cpu", runtime.NumCPU()))
		logger.Info("")

		cfg, err := loadConfig(cmd.Context())
		if err != nil {
			logger.Warn("Config load failed", zap.Error(err))
			return
		}

		logger.Info("Configuration:")
		logger.Info(fmt.Sprintf("  Server:         %s:%d", cfg.Server.Host, cfg.Server.Port))
		logger.Info("  Log Level:      " + cfg.Logging.Level)
		logger.Info("  DB Driver:      " + cfg.Store.Driver)
		logger.Info("  Database:       " + describeStore(cfg.Store))
		logger.Info("  Counter Driver: " + cfg.Counter.Driver)
		if cfg.Counter.Driver == config.CounterDriverRedis {
			logger.Info("  Redis:          " + redactURL(cfg.Counter.RedisURL))
		}
		logger.Info(fmt.Sprintf("  Metrics Port:   %d", cfg.Metrics.Port))
		logger.Info("  Config File:    " + config.DefaultConfigPath())
		logger.Info("")

		logger.Info("Governance:")
		logger.Info("  Platforms:      " + strings.Join(configuredPlatforms(cfg), ", "))
		logger.Info(fmt.Sprintf("  Safety Margin:  %.2f", cfg.SafetyMargin))
		logger.Info(fmt.Sprintf("  Proxies:        %d standard, %d premium", len(cfg.Egress.Proxies), len(cfg.Egress.PremiumProxies)))
		logger.Info(fmt.Sprintf("  Queue:          %d concurrent, max age %s", cfg.Queue.MaxConcurrent, cfg.Queue.MaxAge))
		logger.Info("")

		logger.Info("=== End Environment Information ===")
	},
}

// redactURL hides credentials embedded in a connection URL.
func redactURL(raw string) string {
	at := strings.LastIndex(raw, "@")
	scheme := strings.Index(raw, "://")
	if at < 0 || scheme < 0 || at < scheme {
		return raw
	}
	return raw[:scheme+3] + "***" + raw[at:]
}

func init() {
	rootCmd.AddCommand(envInfoCmd)
}
