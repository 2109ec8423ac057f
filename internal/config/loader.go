// Package config provides centralized configuration management for shopvet.
// Defaults, an optional YAML file and SHOPVET_* environment variables are
// merged with viper and decoded into typed structs with mapstructure.
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	gfconfig "github.com/fulmenhq/gofulmen/config"
	"github.com/fulmenhq/gofulmen/pathfinder"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/shopvet/shopvet/internal/appid"
	"github.com/shopvet/shopvet/internal/core"
	"github.com/shopvet/shopvet/internal/core/quota"
)

var (
	// appConfig holds the current application configuration
	appConfig *Config
	configMu  sync.RWMutex
)

// EnvVarSpec defines environment variable mappings for config fields
// following the pattern: {PREFIX}{NAME} maps to config path
type EnvVarSpec = gfconfig.EnvVarSpec

// Environment variable types
const (
	EnvString = gfconfig.EnvString
	EnvInt    = gfconfig.EnvInt
	EnvBool   = gfconfig.EnvBool
)

// Load resolves configuration from defaults, the config file, environment
// variables and runtime overrides, in increasing precedence. An empty
// configFile searches the XDG config paths; a missing file there is fine,
// a missing explicit file is not.
//
// This function is safe to call multiple times (e.g., for config reload)
func Load(ctx context.Context, configFile string, runtimeOverrides ...map[string]any) (*Config, error) {
	identity, err := appid.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load app identity: %w", err)
	}

	v := viper.New()
	setDefaults(v)

	path := strings.TrimSpace(configFile)
	if path == "" {
		path = findUserConfig(identity.ConfigName)
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	envOverrides, err := gfconfig.LoadEnvOverrides(getEnvSpecs(identity.EnvPrefix))
	if err != nil {
		return nil, fmt.Errorf("failed to load environment overrides: %w", err)
	}
	if err := applyNumericEnvOverrides(envPrefix(identity.EnvPrefix), envOverrides); err != nil {
		return nil, err
	}

	allOverrides := append([]map[string]any{envOverrides}, runtimeOverrides...)
	for _, overrides := range allOverrides {
		if len(overrides) == 0 {
			continue
		}
		if err := v.MergeConfigMap(overrides); err != nil {
			return nil, fmt.Errorf("failed to merge overrides: %w", err)
		}
	}

	cfg := &Config{}
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           cfg,
		WeaklyTypedInput: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
			mapstructure.StringToFloat64HookFunc(),
		),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create decoder: %w", err)
	}
	if err := decoder.Decode(v.AllSettings()); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.normalize()
	if strings.TrimSpace(cfg.Store.URL) == "" && strings.TrimSpace(cfg.Store.Path) == "" {
		cfg.Store.Path = DefaultStorePath()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	setConfig(cfg)
	return cfg, nil
}

// GetConfig returns the current application configuration (thread-safe)
func GetConfig() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return appConfig
}

// setConfig updates the current configuration (thread-safe)
func setConfig(cfg *Config) {
	configMu.Lock()
	defer configMu.Unlock()
	appConfig = cfg
}

// normalize lowercases platform names and fills unset limits from the
// default policy.
func (c *Config) normalize() {
	platforms := make(map[string]PlatformConfig, len(c.Platforms))
	for name, platform := range c.Platforms {
		name = core.NormalizePlatform(name)
		if name == "" {
			continue
		}
		platform.RateLimit = fillPolicy(platform.RateLimit)
		platforms[name] = platform
	}
	c.Platforms = platforms

	for i, raw := range c.Egress.Proxies {
		c.Egress.Proxies[i] = strings.TrimSpace(raw)
	}
	for i, raw := range c.Egress.PremiumProxies {
		c.Egress.PremiumProxies[i] = strings.TrimSpace(raw)
	}
}

func fillPolicy(p quota.Policy) quota.Policy {
	defaults := quota.DefaultPolicy
	if p.PerMinute == 0 {
		p.PerMinute = defaults.PerMinute
	}
	if p.PerHour == 0 {
		p.PerHour = defaults.PerHour
	}
	if p.PerDay == 0 {
		p.PerDay = defaults.PerDay
	}
	if p.Burst == 0 {
		p.Burst = defaults.Burst
	}
	if p.Cooldown == 0 {
		p.Cooldown = defaults.Cooldown
	}
	return p
}

// findUserConfig returns the first existing config file on the XDG search
// path, or "".
func findUserConfig(appName string) string {
	if strings.TrimSpace(appName) == "" {
		appName = appid.Name
	}
	candidates := gfconfig.GetAppConfigPaths(appName)
	if root, err := findProjectRoot(); err == nil {
		candidates = append(candidates, filepath.Join(root, "config", appName+".yaml"))
	}
	for _, candidate := range candidates {
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate
		}
	}
	return ""
}

// findProjectRoot locates the enclosing checkout, so a deployment run from
// a repository can keep its config at config/<name>.yaml.
func findProjectRoot() (string, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("failed to get current directory: %w", err)
	}
	root, err := pathfinder.FindRepositoryRoot(cwd, []string{"go.mod", ".git"}, pathfinder.WithMaxDepth(10))
	if err != nil {
		return "", fmt.Errorf("project root not found: %w", err)
	}
	return root, nil
}

func envPrefix(prefix string) string {
	if prefix == "" {
		prefix = appid.EnvPrefix
	}
	if !strings.HasSuffix(prefix, "_") {
		prefix += "_"
	}
	return prefix
}

// getEnvSpecs returns environment variable specifications for config mapping
// Maps {PREFIX}{NAME} environment variables to config paths
func getEnvSpecs(prefix string) []EnvVarSpec {
	prefix = envPrefix(prefix)

	return []EnvVarSpec{
		// Server config
		{Name: prefix + "HOST", Path: []string{"server", "host"}, Type: EnvString},
		{Name: prefix + "PORT", Path: []string{"server", "port"}, Type: EnvInt},
		// Duration fields are parsed as strings and converted by mapstructure decode hook
		{Name: prefix + "READ_TIMEOUT", Path: []string{"server", "read_timeout"}, Type: EnvString},
		{Name: prefix + "WRITE_TIMEOUT", Path: []string{"server", "write_timeout"}, Type: EnvString},
		{Name: prefix + "IDLE_TIMEOUT", Path: []string{"server", "idle_timeout"}, Type: EnvString},
		{Name: prefix + "SHUTDOWN_TIMEOUT", Path: []string{"server", "shutdown_timeout"}, Type: EnvString},

		{Name: prefix + "LOG_LEVEL", Path: []string{"logging", "level"}, Type: EnvString},
		{Name: prefix + "LOG_PROFILE", Path: []string{"logging", "profile"}, Type: EnvString},

		// Store config
		{Name: prefix + "DB_DRIVER", Path: []string{"store", "driver"}, Type: EnvString},
		{Name: prefix + "DB_PATH", Path: []string{"store", "path"}, Type: EnvString},
		{Name: prefix + "DB_URL", Path: []string{"store", "url"}, Type: EnvString},
		{Name: prefix + "DB_AUTH_TOKEN", Path: []string{"store", "auth_token"}, Type: EnvString},
		{Name: prefix + "ATTEMPT_RETENTION", Path: []string{"store", "attempt_retention"}, Type: EnvString},

		// Counter store
		{Name: prefix + "COUNTER_DRIVER", Path: []string{"counter", "driver"}, Type: EnvString},
		{Name: prefix + "REDIS_URL", Path: []string{"counter", "redis_url"}, Type: EnvString},
		{Name: prefix + "COUNTER_KEY_PREFIX", Path: []string{"counter", "key_prefix"}, Type: EnvString},

		// Egress identities; comma-separated lists are split by the decode hook
		{Name: prefix + "PROXIES", Path: []string{"egress", "proxies"}, Type: EnvString},
		{Name: prefix + "PREMIUM_PROXIES", Path: []string{"egress", "premium_proxies"}, Type: EnvString},
		{Name: prefix + "EGRESS_MAX_FAILURES", Path: []string{"egress", "max_failures"}, Type: EnvInt},

		// Queue
		{Name: prefix + "QUEUE_MAX_CONCURRENT", Path: []string{"queue", "max_concurrent"}, Type: EnvInt},
		{Name: prefix + "QUEUE_MAX_AGE", Path: []string{"queue", "max_age"}, Type: EnvString},

		// Fetch operation
		{Name: prefix + "FETCH_USER_AGENT", Path: []string{"fetch", "user_agent"}, Type: EnvString},
		{Name: prefix + "FETCH_TIMEOUT", Path: []string{"fetch", "timeout"}, Type: EnvString},

		// Metrics config
		{Name: prefix + "METRICS_ENABLED", Path: []string{"metrics", "enabled"}, Type: EnvBool},
		{Name: prefix + "METRICS_PORT", Path: []string{"metrics", "port"}, Type: EnvInt},

		// Health config
		{Name: prefix + "HEALTH_ENABLED", Path: []string{"health", "enabled"}, Type: EnvBool},

		// Debug config
		{Name: prefix + "DEBUG_ENABLED", Path: []string{"debug", "enabled"}, Type: EnvBool},
		{Name: prefix + "DEBUG_PPROF_ENABLED", Path: []string{"debug", "pprof_enabled"}, Type: EnvBool},
	}
}

// applyNumericEnvOverrides handles the float settings the env spec types
// cannot express.
func applyNumericEnvOverrides(prefix string, envOverrides map[string]any) error {
	if value := strings.TrimSpace(os.Getenv(prefix + "SAFETY_MARGIN")); value != "" {
		margin, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fmt.Errorf("invalid safety margin: %w", err)
		}
		envOverrides["safety_margin"] = margin
	}
	return nil
}

// DefaultConfigPath returns the XDG-compliant path to the user config file.
func DefaultConfigPath() string {
	configDir := gfconfig.GetAppConfigDir(appid.Name)
	if strings.TrimSpace(configDir) == "" {
		return ""
	}
	return filepath.Join(configDir, "config.yaml")
}

// DefaultDataDir returns the XDG-compliant data directory for the app.
func DefaultDataDir() string {
	return gfconfig.GetAppDataDir(appid.Name)
}

// DefaultStorePath returns the XDG-compliant path to the database file.
func DefaultStorePath() string {
	dataDir := DefaultDataDir()
	if strings.TrimSpace(dataDir) == "" {
		return "./" + appid.Name + ".db"
	}
	return filepath.Join(dataDir, appid.Name+".db")
}

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid configuration")
