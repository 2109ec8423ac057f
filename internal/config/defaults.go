package config

import (
	"github.com/spf13/viper"

	"github.com/shopvet/shopvet/internal/core/quota"
)

// Platform concurrency caps for the known platforms. Aggressive challengers
// get a single in-flight operation.
var defaultMaxConcurrent = map[string]int{
	"amazon":  1,
	"walmart": 2,
	"ebay":    3,
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "120s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "10s")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.profile", "structured")

	// Store defaults
	v.SetDefault("store.driver", "libsql")
	v.SetDefault("store.path", "")
	v.SetDefault("store.url", "")
	v.SetDefault("store.auth_token", "")
	v.SetDefault("store.attempt_retention", "168h")

	// Counter store defaults
	v.SetDefault("counter.driver", CounterDriverSQL)
	v.SetDefault("counter.redis_url", "")
	v.SetDefault("counter.key_prefix", "shopvet:")
	v.SetDefault("counter.timeout", "2s")

	for name, policy := range quota.DefaultPolicies {
		prefix := "platforms." + name
		v.SetDefault(prefix+".rate_limit.per_minute", policy.PerMinute)
		v.SetDefault(prefix+".rate_limit.per_hour", policy.PerHour)
		v.SetDefault(prefix+".rate_limit.per_day", policy.PerDay)
		v.SetDefault(prefix+".rate_limit.burst", policy.Burst)
		v.SetDefault(prefix+".rate_limit.cooldown", policy.Cooldown.String())
		v.SetDefault(prefix+".rate_limit.adaptive_scaling", policy.AdaptiveScaling)
		v.SetDefault(prefix+".max_concurrent", defaultMaxConcurrent[name])
	}
	v.SetDefault("safety_margin", 0.9)

	// Egress pool defaults
	v.SetDefault("egress.proxies", []string{})
	v.SetDefault("egress.premium_proxies", []string{})
	v.SetDefault("egress.max_failures", 3)
	v.SetDefault("egress.rotation_interval", "30s")
	v.SetDefault("egress.reactivation_cooldown", "30m")
	v.SetDefault("egress.cleanup_interval", "5m")

	// Queue defaults
	v.SetDefault("queue.tick_interval", "100ms")
	v.SetDefault("queue.cleanup_interval", "10s")
	v.SetDefault("queue.max_age", "5m")
	v.SetDefault("queue.default_timeout", "1m")
	v.SetDefault("queue.max_concurrent", 2)

	// Monitor defaults
	v.SetDefault("monitor.metrics_interval", "1m")
	v.SetDefault("monitor.health_interval", "30s")
	v.SetDefault("monitor.metrics_window", "1h")
	v.SetDefault("monitor.probe_timeout", "5s")
	v.SetDefault("monitor.error_threshold", 10)
	v.SetDefault("monitor.max_alerts", 100)
	v.SetDefault("monitor.alert_retention", "24h")

	// Adaptive scaling defaults
	v.SetDefault("adaptive.interval", "1m")
	v.SetDefault("adaptive.shrink_factor", 0.8)
	v.SetDefault("adaptive.grow_factor", 1.05)
	v.SetDefault("adaptive.floor_ratio", 0.25)

	// Fetch operation defaults
	v.SetDefault("fetch.timeout", "20s")
	v.SetDefault("fetch.max_body", 2<<20)
	v.SetDefault("fetch.user_agent", "")

	// Metrics defaults
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.port", 9090)

	// Health check defaults
	v.SetDefault("health.enabled", true)

	// Debug defaults
	v.SetDefault("debug.enabled", false)
	v.SetDefault("debug.pprof_enabled", false)
}
