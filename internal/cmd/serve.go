package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/fulmenhq/gofulmen/signals"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/shopvet/shopvet/internal/core/monitor"
	errwrap "github.com/shopvet/shopvet/internal/errors"
	"github.com/shopvet/shopvet/internal/metrics"
	"github.com/shopvet/shopvet/internal/observability"
	"github.com/shopvet/shopvet/internal/server"
	"github.com/shopvet/shopvet/internal/server/handlers"
)

var (
	serverPort int
	serverHost string
)

// telemetryHealthChecker ensures telemetry system and exporter are available
type telemetryHealthChecker struct{}

func (telemetryHealthChecker) CheckHealth(ctx context.Context) error {
	if observability.TelemetrySystem == nil || observability.PrometheusExporter == nil {
		return errwrap.NewInternalError("telemetry system not initialized")
	}
	return nil
}

// identityHealthChecker validates app identity metadata
type identityHealthChecker struct {
	binaryName string
	envPrefix  string
	configName string
}

func (i identityHealthChecker) CheckHealth(ctx context.Context) error {
	switch {
	case i.binaryName == "":
		return errwrap.NewConfigInvalidError("app identity missing binary name")
	case i.envPrefix == "":
		return errwrap.NewConfigInvalidError("app identity missing env prefix")
	case i.configName == "":
		return errwrap.NewConfigInvalidError("app identity missing config name")
	}
	return nil
}

// governanceHealthChecker maps the monitor's last verdict onto a check
// result. A degraded system degrades the aggregate without failing it.
type governanceHealthChecker struct {
	monitor *monitor.Monitor
}

func (g governanceHealthChecker) CheckHealth(ctx context.Context) error {
	health := g.monitor.GetSystemHealth()
	reasons := strings.Join(health.Reasons, "; ")
	switch health.Status {
	case monitor.StatusUnhealthy:
		return fmt.Errorf("governance unhealthy: %s", reasons)
	case monitor.StatusDegraded:
		return fmt.Errorf("%w: %s", handlers.ErrDegraded, reasons)
	}
	return nil
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the governance API server",
	Long: `Start the HTTP server and the governance loops (queue, monitor,
adaptive limits, pool cleanup) with graceful shutdown support.

Signal Handling:
  • Ctrl+C (SIGINT) or SIGTERM: Graceful shutdown
  • Ctrl+C twice within 2s: Force quit
  • SIGHUP: Reload config and apply platform rate limits`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd.Context(), serveOverrides(cmd))
		if err != nil {
			return err
		}

		identity := GetAppIdentity()
		namespace := identity.TelemetryNamespace()
		observability.InitServerLogger(identity.BinaryName, cfg.Logging.Level, namespace)
		logger := observability.ServerLogger

		metricsPort := cfg.Metrics.Port
		if metricsPort == 0 {
			metricsPort = 9090
		}
		if cfg.Metrics.Enabled {
			if err := observability.InitMetrics(identity.BinaryName, metricsPort, namespace); err != nil {
				logger.Error("Failed to initialize metrics", zap.Error(err))
				return errwrap.WrapInternal(cmd.Context(), err, "metrics initialization failed")
			}
		}

		gov, err := openGovernance(cmd.Context(), cfg, logger)
		if err != nil {
			return errwrap.WrapConfigInvalid(cmd.Context(), err, "governance initialization failed")
		}

		logger.Info("Initializing server",
			zap.String("service", identity.BinaryName),
			zap.String("namespace", namespace),
			zap.String("version", versionInfo.Version),
			zap.String("host", cfg.Server.Host),
			zap.Int("port", cfg.Server.Port),
			zap.Int("metrics_port", metricsPort),
			zap.String("counter_driver", cfg.Counter.Driver))

		if cfg.Health.Enabled {
			handlers.InitHealthManager(versionInfo.Version)
			hm := handlers.GetHealthManager()
			hm.RegisterChecker("counter_store", handlers.CheckerFunc(gov.Counters.Ping))
			hm.RegisterChecker("persistence", handlers.CheckerFunc(func(ctx context.Context) error {
				if gov.Store == nil {
					return nil
				}
				return gov.Store.Ping(ctx)
			}))
			hm.RegisterChecker("governance", governanceHealthChecker{monitor: gov.Governor.Monitor})
			if cfg.Metrics.Enabled {
				hm.RegisterChecker("telemetry", telemetryHealthChecker{})
			}
			hm.RegisterChecker("app_identity", identityHealthChecker{
				binaryName: identity.BinaryName,
				envPrefix:  identity.EnvPrefix,
				configName: identity.ConfigName,
			})
		}

		srv := server.New(cfg.Server, gov.Governor)

		shutdownTimeout := cfg.Server.ShutdownTimeout
		if shutdownTimeout == 0 {
			shutdownTimeout = 10 * time.Second
		}

		runCtx, stopGovernor := context.WithCancel(context.Background())
		governorDone := make(chan struct{})

		// Registered LIFO: the HTTP server stops first and the logger flushes last.
		signals.OnShutdown(func(ctx context.Context) error {
			logger.Info("Flushing logger...")
			if err := logger.Sync(); err != nil {
				// Sync errors are often benign (stdout/stderr already closed)
				logger.Warn("Logger sync returned error (may be benign)", zap.Error(err))
			}
			return nil
		})

		signals.OnShutdown(func(ctx context.Context) error {
			logger.Info("Stopping governance loops...")
			stopGovernor()
			select {
			case <-governorDone:
			case <-ctx.Done():
			}
			if err := gov.Close(); err != nil {
				return errwrap.WrapInternal(ctx, err, "closing governance resources failed")
			}
			return nil
		})

		signals.OnShutdown(func(ctx context.Context) error {
			logger.Info("Shutting down HTTP server...")
			shutdownCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
			defer cancel()

			if err := srv.Shutdown(shutdownCtx); err != nil {
				return errwrap.WrapInternal(ctx, err, "server shutdown failed")
			}
			logger.Info("HTTP server stopped gracefully")
			return nil
		})

		signals.OnReload(func(ctx context.Context) error {
			logger.Info("Received SIGHUP: reloading configuration")
			return reloadPolicies(ctx, gov, logger)
		})

		if err := signals.EnableDoubleTap(signals.DoubleTapConfig{
			Window:  2 * time.Second,
			Message: "Press Ctrl+C again within 2 seconds to force quit",
		}); err != nil {
			logger.Warn("Failed to enable double-tap force quit", zap.Error(err))
		}

		errChan := make(chan error, 3)
		go func() {
			defer close(governorDone)
			if err := gov.Governor.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("Governance loop failed", zap.Error(err))
				errChan <- err
			}
		}()

		startedAt := time.Now()
		metrics.SetServerStartTime(startedAt.Unix())
		go reportUptime(runCtx, startedAt)

		go func() {
			if err := srv.Start(); err != nil && err != http.ErrServerClosed {
				errChan <- err
			}
		}()

		go func() {
			if err := signals.Listen(cmd.Context()); err != nil {
				logger.Error("Signal handler error", zap.Error(err))
				errChan <- err
			}
		}()

		if err := <-errChan; err != nil {
			stopGovernor()
			return errwrap.WrapInternal(cmd.Context(), err, "server error")
		}
		return nil
	},
}

// serveOverrides turns explicitly set --host/--port flags into runtime
// config overrides, so they win over file and environment.
func serveOverrides(cmd *cobra.Command) map[string]any {
	listen := map[string]any{}
	if cmd.Flags().Changed("host") {
		listen["host"] = serverHost
	}
	if cmd.Flags().Changed("port") {
		listen["port"] = serverPort
	}
	if len(listen) == 0 {
		return nil
	}
	return map[string]any{"server": listen}
}

// reloadPolicies re-reads configuration and applies each platform's rate
// limit. Other settings need a restart.
func reloadPolicies(ctx context.Context, gov *governance, logger observability.Logger) error {
	cfg, err := loadConfig(ctx)
	if err != nil {
		logger.Error("Failed to reload config", zap.Error(err))
		return errwrap.WrapConfigInvalid(ctx, err, "config reload failed")
	}

	var errs []error
	for name, platform := range cfg.Platforms {
		policy := platform.RateLimit
		if cfg.SafetyMargin > 0 && cfg.SafetyMargin < 1 {
			policy = policy.WithMargin(cfg.SafetyMargin)
		}
		if err := gov.Governor.Quota.UpdatePolicy(name, policy); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			continue
		}
		metrics.SetQuotaLimit(name, policy.PerMinute)
	}
	if err := errors.Join(errs...); err != nil {
		return errwrap.WrapConfigInvalid(ctx, err, "applying reloaded policies failed")
	}

	logger.Info("Platform policies reloaded", zap.Int("platforms", len(cfg.Platforms)))
	return nil
}

func reportUptime(ctx context.Context, startedAt time.Time) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			metrics.SetServerUptime(int64(time.Since(startedAt).Seconds()))
		}
	}
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serverHost, "host", "localhost", "server host (overrides server.host)")
	serveCmd.Flags().IntVarP(&serverPort, "port", "p", 8080, "server port (overrides server.port)")
}
