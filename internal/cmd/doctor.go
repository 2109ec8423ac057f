package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"

	"github.com/fulmenhq/gofulmen/crucible"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/shopvet/shopvet/internal/appid"
	"github.com/shopvet/shopvet/internal/config"
	"github.com/shopvet/shopvet/internal/core/quota"
	"github.com/shopvet/shopvet/internal/observability"
)

// doctorCheck is one numbered diagnostic. A nil cfg means config did not
// load; checks that need it report themselves as skipped.
type doctorCheck struct {
	name string
	run  func(ctx context.Context, cfg *config.Config) (detail string, ok bool)
}

var doctorChecks = []doctorCheck{
	{"Go runtime", func(context.Context, *config.Config) (string, bool) {
		return fmt.Sprintf("%s %s/%s", runtime.Version(), runtime.GOOS, runtime.GOARCH), true
	}},
	{"Gofulmen/Crucible", func(context.Context, *config.Config) (string, bool) {
		version := crucible.GetVersion()
		if version.Gofulmen == "" || version.Crucible == "" {
			return "version metadata unavailable", false
		}
		return fmt.Sprintf("gofulmen v%s, crucible v%s", version.Gofulmen, version.Crucible), true
	}},
	{"config directory", func(context.Context, *config.Config) (string, bool) {
		path := config.DefaultConfigPath()
		if path == "" {
			return "cannot resolve config directory", false
		}
		return fmt.Sprintf("%s (%s)", path, existenceStatus(fileExists(path))), true
	}},
	{"platforms", func(_ context.Context, cfg *config.Config) (string, bool) {
		if cfg == nil {
			return "skipped (config not loaded)", false
		}
		return strings.Join(configuredPlatforms(cfg), ", "), len(cfg.Platforms) > 0
	}},
	{"egress proxies", func(_ context.Context, cfg *config.Config) (string, bool) {
		if cfg == nil {
			return "skipped (config not loaded)", false
		}
		identities, err := configuredIdentities(cfg.Egress)
		if err != nil {
			return err.Error(), false
		}
		if len(identities) == 0 {
			return "none configured (direct connections)", true
		}
		return fmt.Sprintf("%d identities", len(identities)), true
	}},
	{"persistence store", func(ctx context.Context, cfg *config.Config) (string, bool) {
		if cfg == nil {
			return "skipped (config not loaded)", false
		}
		db, err := openStoreWith(ctx, cfg.Store)
		if err != nil {
			return err.Error(), false
		}
		defer db.Close() // nolint:errcheck // best-effort cleanup
		if err := db.Ping(ctx); err != nil {
			return err.Error(), false
		}
		return describeStore(cfg.Store), true
	}},
	{"counter store", func(ctx context.Context, cfg *config.Config) (string, bool) {
		if cfg == nil {
			return "skipped (config not loaded)", false
		}
		counters, closeCounters, err := openCounterStore(ctx, cfg)
		if err != nil {
			return err.Error(), false
		}
		defer func() { _ = closeCounters() }()
		if err := counters.Ping(ctx); err != nil {
			return err.Error(), false
		}
		return cfg.Counter.Driver, true
	}},
}

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Run diagnostic checks",
	Long:  "Run diagnostic checks on configuration, stores and proxies, and suggest fixes for common issues.",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		logger := observability.CLILogger
		logger.Info("=== " + GetAppIdentity().BinaryName + " doctor ===")
		logger.Info("")

		cfg, cfgErr := loadConfig(ctx)
		if cfgErr != nil {
			logger.Warn("Config did not load", zap.Error(cfgErr))
			cfg = nil
		}

		failed := 0
		for i, check := range doctorChecks {
			detail, ok := check.run(ctx, cfg)
			line := fmt.Sprintf("[%d/%d] Checking %s... ", i+1, len(doctorChecks), check.name)
			if ok {
				logger.Info(line+"✅ "+detail, zap.String("check", check.name))
				continue
			}
			failed++
			logger.Warn(line+"⚠️  "+detail, zap.String("check", check.name))
		}

		logger.Info("")
		if failed == 0 {
			logger.Info("✅ All checks passed.")
		} else {
			logger.Warn(fmt.Sprintf("⚠️  %d check(s) need attention. Review the output above for details.", failed))
		}
	},
}

var (
	doctorInitForce   bool
	doctorResetConfig bool
	doctorResetData   bool
	doctorResetAll    bool
)

var doctorInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a starter config file",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath := config.DefaultConfigPath()
		if configPath == "" {
			return fmt.Errorf("config path not resolved")
		}
		if _, err := os.Stat(configPath); err == nil && !doctorInitForce {
			return fmt.Errorf("config file already exists: %s (use --force to overwrite)", configPath)
		}

		content, err := buildInitConfig()
		if err != nil {
			return err
		}
		if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
		if err := os.WriteFile(configPath, content, 0600); err != nil {
			return fmt.Errorf("write config file: %w", err)
		}

		observability.CLILogger.Info("Config initialized", zap.String("path", configPath))
		return nil
	},
}

var doctorConfigCmd = &cobra.Command{
	Use:   "config",
	Short: "Show configuration status and paths",
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := observability.CLILogger
		configPath := config.DefaultConfigPath()
		dataDir := config.DefaultDataDir()

		logger.Info("Configuration:")
		logger.Info(fmt.Sprintf("  Config file:    %s (%s)", configPath, existenceStatus(fileExists(configPath))))
		if dataDir != "" {
			logger.Info(fmt.Sprintf("  Data directory: %s (%s)", dataDir, existenceStatus(fileExists(dataDir))))
		} else {
			logger.Info("  Data directory: (not resolved)")
		}

		cfg, err := loadConfig(cmd.Context())
		if err != nil {
			logger.Warn("Config load failed", zap.Error(err))
			return nil
		}

		logger.Info(fmt.Sprintf("  Database:       %s", describeStore(cfg.Store)))
		logger.Info("")
		logger.Info("Environment:")
		for _, name := range []string{"DB_AUTH_TOKEN", "REDIS_URL", "PROXIES", "ADMIN_TOKEN"} {
			logger.Info(fmt.Sprintf("  %s%s: %s", appid.EnvPrefix, name, envStatus(appid.EnvPrefix+name)))
		}

		logger.Info("")
		logger.Info("Effective Settings:")
		logger.Info(fmt.Sprintf("  counter.driver: %s", cfg.Counter.Driver))
		logger.Info(fmt.Sprintf("  safety_margin: %.2f", cfg.SafetyMargin))
		logger.Info(fmt.Sprintf("  egress.proxies: %d standard, %d premium", len(cfg.Egress.Proxies), len(cfg.Egress.PremiumProxies)))
		for _, name := range configuredPlatforms(cfg) {
			policy := cfg.Platforms[name].RateLimit
			logger.Info(fmt.Sprintf("  platforms.%s: %d/min %d/h %d/day burst %d cooldown %s",
				name, policy.PerMinute, policy.PerHour, policy.PerDay, policy.Burst, policy.Cooldown))
		}
		return nil
	},
}

var doctorResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Reset user configuration and/or local data",
	RunE: func(cmd *cobra.Command, args []string) error {
		if doctorResetAll {
			doctorResetConfig = true
			doctorResetData = true
		}
		if !doctorResetConfig && !doctorResetData {
			return fmt.Errorf("specify --config, --data, or --all")
		}

		if doctorResetConfig {
			if err := removeIfExists("Config", config.DefaultConfigPath()); err != nil {
				return err
			}
		}

		if doctorResetData {
			cfg, err := loadConfig(cmd.Context())
			if err != nil {
				return err
			}
			if cfg.Store.URL != "" {
				return fmt.Errorf("remote store configured; database reset is not supported")
			}
			absPath, _ := filepath.Abs(cfg.Store.Path)
			if err := removeIfExists("Database", absPath); err != nil {
				return err
			}
		}
		return nil
	},
}

var doctorValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the current config file",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath := strings.TrimSpace(cfgFile)
		if configPath == "" {
			configPath = config.DefaultConfigPath()
		}
		if !fileExists(configPath) {
			return fmt.Errorf("config file not found: %s", configPath)
		}
		if _, err := config.Load(cmd.Context(), configPath); err != nil {
			return err
		}
		observability.CLILogger.Info("Config is valid", zap.String("path", configPath))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(doctorCmd)
	doctorCmd.AddCommand(doctorInitCmd)
	doctorCmd.AddCommand(doctorConfigCmd)
	doctorCmd.AddCommand(doctorResetCmd)
	doctorCmd.AddCommand(doctorValidateCmd)

	doctorInitCmd.Flags().BoolVar(&doctorInitForce, "force", false, "overwrite existing config file")

	doctorResetCmd.Flags().BoolVar(&doctorResetConfig, "config", false, "remove user config file")
	doctorResetCmd.Flags().BoolVar(&doctorResetData, "data", false, "remove local database")
	doctorResetCmd.Flags().BoolVar(&doctorResetAll, "all", false, "remove config and data")
}

// buildInitConfig renders a starter config listing the known platforms'
// default budgets, ready to edit.
func buildInitConfig() ([]byte, error) {
	names := make([]string, 0, len(quota.DefaultPolicies))
	for name := range quota.DefaultPolicies {
		names = append(names, name)
	}
	sort.Strings(names)

	platforms := make(map[string]any, len(names))
	for _, name := range names {
		policy := quota.DefaultPolicies[name]
		platforms[name] = map[string]any{
			"rate_limit": map[string]any{
				"per_minute":       policy.PerMinute,
				"per_hour":         policy.PerHour,
				"per_day":          policy.PerDay,
				"burst":            policy.Burst,
				"cooldown":         policy.Cooldown.String(),
				"adaptive_scaling": policy.AdaptiveScaling,
			},
		}
	}

	starter := map[string]any{
		"server":        map[string]any{"host": "localhost", "port": 8080},
		"store":         map[string]any{"path": config.DefaultStorePath(), "attempt_retention": "168h"},
		"counter":       map[string]any{"driver": config.CounterDriverSQL},
		"safety_margin": 0.9,
		"platforms":     platforms,
		"egress": map[string]any{
			"proxies":         []string{},
			"premium_proxies": []string{},
			"max_failures":    3,
		},
	}

	body, err := yaml.Marshal(starter)
	if err != nil {
		return nil, fmt.Errorf("render starter config: %w", err)
	}
	header := fmt.Sprintf("# %s config - created by '%s doctor init'\n", appid.Name, appid.Name)
	return append([]byte(header), body...), nil
}

func describeStore(cfg config.StoreConfig) string {
	if strings.TrimSpace(cfg.URL) != "" {
		return cfg.URL + " (remote)"
	}
	absPath, _ := filepath.Abs(cfg.Path)
	info, err := os.Stat(absPath)
	switch {
	case err == nil:
		return fmt.Sprintf("%s (%s)", absPath, formatFileSize(info.Size()))
	case os.IsNotExist(err):
		return absPath + " (not created yet)"
	default:
		return fmt.Sprintf("%s (error: %v)", absPath, err)
	}
}

func removeIfExists(label, path string) error {
	if path == "" {
		observability.CLILogger.Warn(label + " path not resolved; skipping")
		return nil
	}
	err := os.Remove(path)
	switch {
	case err == nil:
		observability.CLILogger.Info(label+" removed", zap.String("path", path))
	case os.IsNotExist(err):
		observability.CLILogger.Info(label+" already removed", zap.String("path", path))
	default:
		return fmt.Errorf("remove %s: %w", strings.ToLower(label), err)
	}
	return nil
}

// formatFileSize returns a human-readable file size
func formatFileSize(bytes int64) string {
	const (
		KB = 1024
		MB = KB * 1024
		GB = MB * 1024
	)
	switch {
	case bytes >= GB:
		return fmt.Sprintf("%.1f GB", float64(bytes)/float64(GB))
	case bytes >= MB:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(MB))
	case bytes >= KB:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(KB))
	default:
		return fmt.Sprintf("%d bytes", bytes)
	}
}

func fileExists(path string) bool {
	if path == "" {
		return false
	}
	_, err := os.Stat(path)
	return err == nil
}

func existenceStatus(exists bool) string {
	if exists {
		return "exists"
	}
	return "missing"
}

func envStatus(name string) string {
	if strings.TrimSpace(os.Getenv(name)) != "" {
		return "(set)"
	}
	return "(not set)"
}
