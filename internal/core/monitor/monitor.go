// Package monitor derives per-platform metrics from the durable attempt log,
// judges overall system health, and keeps the alert list.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/shopvet/shopvet/internal/core"
	"github.com/shopvet/shopvet/internal/core/egress"
	"github.com/shopvet/shopvet/internal/core/quota"
	"github.com/shopvet/shopvet/internal/core/queue"
	"github.com/shopvet/shopvet/internal/core/retry"
	"github.com/shopvet/shopvet/internal/observability"
)

// Status is the overall health verdict.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// LogStore is the durable attempt log.
type LogStore interface {
	RecordAttempt(ctx context.Context, record core.AttemptRecord) error
	AttemptsSince(ctx context.Context, since time.Time) ([]core.AttemptRecord, error)
	Ping(ctx context.Context) error
}

// Pinger probes a dependency.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PoolHealth reports egress pool state.
type PoolHealth interface {
	HealthCheck() egress.Health
}

// QueueStats reports admission queue state.
type QueueStats interface {
	Stats() queue.Stats
}

// Dependencies are the collaborators the monitor observes. Any may be nil.
type Dependencies struct {
	Counters Pinger
	Logs     LogStore
	Pool     PoolHealth
	Queue    QueueStats
}

// Config tunes refresh cadence and alerting.
type Config struct {
	MetricsInterval time.Duration `mapstructure:"metrics_interval"`
	HealthInterval  time.Duration `mapstructure:"health_interval"`
	MetricsWindow   time.Duration `mapstructure:"metrics_window"`
	ProbeTimeout    time.Duration `mapstructure:"probe_timeout"`
	ErrorThreshold  int           `mapstructure:"error_threshold"`
	MaxAlerts       int           `mapstructure:"max_alerts"`
	AlertRetention  time.Duration `mapstructure:"alert_retention"`
}

// DefaultConfig returns the stock monitor settings.
func DefaultConfig() Config {
	return Config{
		MetricsInterval: time.Minute,
		HealthInterval:  30 * time.Second,
		MetricsWindow:   time.Hour,
		ProbeTimeout:    5 * time.Second,
		ErrorThreshold:  10,
		MaxAlerts:       100,
		AlertRetention:  24 * time.Hour,
	}
}

// PlatformMetrics are rolling figures for one platform.
type PlatformMetrics struct {
	Platform        string        `json:"platform"`
	Requests        int           `json:"requests"`
	Successes       int           `json:"successes"`
	ErrorCount      int           `json:"error_count"`
	Throughput      float64       `json:"throughput_per_minute"`
	SuccessRate     float64       `json:"success_rate"`
	AvgResponseTime time.Duration `json:"avg_response_time"`
}

// DependencyHealth is the result of one probe.
type DependencyHealth struct {
	Name       string `json:"name"`
	Configured bool   `json:"configured"`
	Reachable  bool   `json:"reachable"`
	Error      string `json:"error,omitempty"`
}

// SystemHealth is the most recent verdict and what it was based on.
type SystemHealth struct {
	Status       Status             `json:"status"`
	Reasons      []string           `json:"reasons,omitempty"`
	Dependencies []DependencyHealth `json:"dependencies"`
	Pool         egress.Health      `json:"pool"`
	CheckedAt    time.Time          `json:"checked_at"`
}

// Summary combines health, metrics, queue and alert counts.
type Summary struct {
	Health             SystemHealth      `json:"health"`
	Platforms          []PlatformMetrics `json:"platforms"`
	TotalRequests      int               `json:"total_requests"`
	OverallSuccessRate float64           `json:"overall_success_rate"`
	Queue              *queue.Stats      `json:"queue,omitempty"`
	ActiveAlerts       int               `json:"active_alerts"`
	MetricsUpdatedAt   time.Time         `json:"metrics_updated_at"`
}

// Monitor is safe for concurrent use.
type Monitor struct {
	Clock   func() time.Time
	Logger  observability.Logger
	OnAlert func(Alert)

	deps Dependencies
	cfg  Config

	mu               sync.RWMutex
	metrics          map[string]PlatformMetrics
	metricsUpdatedAt time.Time
	health           SystemHealth
	alerts           []Alert
}

// New creates a monitor. Zero config values fall back to DefaultConfig.
func New(cfg Config, deps Dependencies) *Monitor {
	defaults := DefaultConfig()
	if cfg.MetricsInterval <= 0 {
		cfg.MetricsInterval = defaults.MetricsInterval
	}
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = defaults.HealthInterval
	}
	if cfg.MetricsWindow <= 0 {
		cfg.MetricsWindow = defaults.MetricsWindow
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = defaults.ProbeTimeout
	}
	if cfg.ErrorThreshold <= 0 {
		cfg.ErrorThreshold = defaults.ErrorThreshold
	}
	if cfg.MaxAlerts <= 0 {
		cfg.MaxAlerts = defaults.MaxAlerts
	}
	if cfg.AlertRetention <= 0 {
		cfg.AlertRetention = defaults.AlertRetention
	}
	return &Monitor{
		deps:    deps,
		cfg:     cfg,
		metrics: make(map[string]PlatformMetrics),
	}
}

// RecordAttempt appends an attempt to the durable log and raises an alert
// when the failure looks like a block or captcha challenge. Log failures
// are logged, never returned.
func (m *Monitor) RecordAttempt(ctx context.Context, record core.AttemptRecord) {
	if record.Timestamp.IsZero() {
		record.Timestamp = m.now()
	}
	if m.deps.Logs != nil {
		if err := m.deps.Logs.RecordAttempt(ctx, record); err != nil {
			m.logger().Warn("Attempt not persisted",
				zap.String("platform", record.Platform),
				zap.Error(err))
		}
	}

	if record.Succeeded() || record.Error == "" {
		return
	}
	switch class := retry.Classify(errors.New(record.Error)); class {
	case core.ErrorClassBlocked, core.ErrorClassCaptcha:
		m.raise(SeverityWarning, record.Platform,
			fmt.Sprintf("%s detected on %s: %s", class, record.Platform, truncate(record.Error, 200)))
	}
}

// RefreshMetrics recomputes per-platform figures from the attempt log over
// the metrics window. Without a reachable log store the metrics reset to
// zero values.
func (m *Monitor) RefreshMetrics(ctx context.Context) error {
	now := m.now()
	var (
		records []core.AttemptRecord
		err     error
	)
	if m.deps.Logs != nil {
		records, err = m.deps.Logs.AttemptsSince(ctx, now.Add(-m.cfg.MetricsWindow))
		if err != nil {
			m.logger().Warn("Metrics refresh could not read attempt log", zap.Error(err))
			records = nil
		}
	}

	computed := aggregate(records, m.cfg.MetricsWindow)

	m.mu.Lock()
	m.metrics = computed
	m.metricsUpdatedAt = now
	m.mu.Unlock()

	for _, platform := range sortedKeys(computed) {
		metrics := computed[platform]
		if metrics.ErrorCount > m.cfg.ErrorThreshold {
			m.raise(SeverityError, platform,
				fmt.Sprintf("%s recorded %d errors in the last %s", platform, metrics.ErrorCount, m.cfg.MetricsWindow))
		}
	}
	if err != nil {
		return fmt.Errorf("read attempt log: %w", err)
	}
	return nil
}

// CheckHealth probes dependencies concurrently and re-derives the verdict.
// A transition into degraded or unhealthy raises an alert.
func (m *Monitor) CheckHealth(ctx context.Context) SystemHealth {
	probeCtx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
	defer cancel()

	deps := []DependencyHealth{
		{Name: "counter_store", Configured: m.deps.Counters != nil},
		{Name: "persistence", Configured: m.deps.Logs != nil},
	}
	pingers := []Pinger{m.deps.Counters, m.deps.Logs}

	var g errgroup.Group
	for i := range deps {
		if pingers[i] == nil {
			continue
		}
		g.Go(func() error {
			if err := pingers[i].Ping(probeCtx); err != nil {
				deps[i].Error = err.Error()
				return nil
			}
			deps[i].Reachable = true
			return nil
		})
	}
	_ = g.Wait()

	var pool egress.Health
	if m.deps.Pool != nil {
		pool = m.deps.Pool.HealthCheck()
	}

	status, reasons := verdict(deps, pool)
	health := SystemHealth{
		Status:       status,
		Reasons:      reasons,
		Dependencies: deps,
		Pool:         pool,
		CheckedAt:    m.now(),
	}

	m.mu.Lock()
	previous := m.health.Status
	m.health = health
	m.mu.Unlock()

	if status != previous {
		m.logger().Info("System health changed",
			zap.String("from", string(previous)),
			zap.String("to", string(status)),
			zap.Strings("reasons", reasons))
		switch status {
		case StatusUnhealthy:
			m.raise(SeverityError, "", "system unhealthy: "+joinReasons(reasons))
		case StatusDegraded:
			m.raise(SeverityWarning, "", "system degraded: "+joinReasons(reasons))
		}
	}
	return health
}

// verdict applies the health rules: unreachable dependencies or no healthy
// identity make the system unhealthy; a weak identity pool degrades it.
// A pool with no identities configured runs direct and is not judged.
func verdict(deps []DependencyHealth, pool egress.Health) (Status, []string) {
	var unhealthy, degraded []string
	for _, dep := range deps {
		if dep.Configured && !dep.Reachable {
			unhealthy = append(unhealthy, dep.Name+" unreachable")
		}
	}
	if pool.Total > 0 {
		if pool.Healthy == 0 {
			unhealthy = append(unhealthy, "no healthy egress identities")
		} else {
			if pool.SuccessRate < 80 {
				degraded = append(degraded, fmt.Sprintf("identity success rate %.1f%%", pool.SuccessRate))
			}
			if pool.Healthy*2 < pool.Total {
				degraded = append(degraded, fmt.Sprintf("%d of %d identities healthy", pool.Healthy, pool.Total))
			}
		}
	}
	switch {
	case len(unhealthy) > 0:
		return StatusUnhealthy, append(unhealthy, degraded...)
	case len(degraded) > 0:
		return StatusDegraded, degraded
	default:
		return StatusHealthy, nil
	}
}

// GetMetrics returns the last computed per-platform metrics by name.
func (m *Monitor) GetMetrics() []PlatformMetrics {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]PlatformMetrics, 0, len(m.metrics))
	for _, platform := range sortedKeys(m.metrics) {
		out = append(out, m.metrics[platform])
	}
	return out
}

// GetSystemHealth returns the last verdict without probing.
func (m *Monitor) GetSystemHealth() SystemHealth {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.health
}

// GetPerformanceSummary combines the latest metrics, health and queue state.
func (m *Monitor) GetPerformanceSummary() Summary {
	platforms := m.GetMetrics()
	summary := Summary{
		Health:       m.GetSystemHealth(),
		Platforms:    platforms,
		ActiveAlerts: len(m.GetActiveAlerts()),
	}

	successes := 0
	for _, p := range platforms {
		summary.TotalRequests += p.Requests
		successes += p.Successes
	}
	if summary.TotalRequests > 0 {
		summary.OverallSuccessRate = 100 * float64(successes) / float64(summary.TotalRequests)
	}
	if m.deps.Queue != nil {
		stats := m.deps.Queue.Stats()
		summary.Queue = &stats
	}

	m.mu.RLock()
	summary.MetricsUpdatedAt = m.metricsUpdatedAt
	m.mu.RUnlock()
	return summary
}

// HealthSignal feeds the quota tracker's adaptive tick. With no recorded
// traffic the success rate is reported as 100.
func (m *Monitor) HealthSignal() quota.HealthSignal {
	summary := m.GetPerformanceSummary()
	signal := quota.HealthSignal{
		Poor:        summary.Health.Status == StatusDegraded || summary.Health.Status == StatusUnhealthy,
		SuccessRate: 100,
	}
	if summary.TotalRequests > 0 {
		signal.SuccessRate = summary.OverallSuccessRate
	}
	return signal
}

// Run refreshes metrics and health on their intervals until ctx is done.
// Both run once immediately.
func (m *Monitor) Run(ctx context.Context) error {
	m.CheckHealth(ctx)
	_ = m.RefreshMetrics(ctx)

	healthTicker := time.NewTicker(m.cfg.HealthInterval)
	defer healthTicker.Stop()
	metricsTicker := time.NewTicker(m.cfg.MetricsInterval)
	defer metricsTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-healthTicker.C:
			m.CheckHealth(ctx)
		case <-metricsTicker.C:
			_ = m.RefreshMetrics(ctx)
			m.CleanupAlerts()
		}
	}
}

func aggregate(records []core.AttemptRecord, window time.Duration) map[string]PlatformMetrics {
	type totals struct {
		requests, successes, errors int
		durationMs                  int64
	}
	byPlatform := make(map[string]*totals)
	for _, record := range records {
		platform := core.NormalizePlatform(record.Platform)
		t, ok := byPlatform[platform]
		if !ok {
			t = &totals{}
			byPlatform[platform] = t
		}
		t.requests++
		t.durationMs += record.DurationMs
		if record.Succeeded() {
			t.successes++
		} else {
			t.errors++
		}
	}

	minutes := window.Minutes()
	out := make(map[string]PlatformMetrics, len(byPlatform))
	for platform, t := range byPlatform {
		metrics := PlatformMetrics{
			Platform:   platform,
			Requests:   t.requests,
			Successes:  t.successes,
			ErrorCount: t.errors,
		}
		if t.requests > 0 {
			metrics.SuccessRate = 100 * float64(t.successes) / float64(t.requests)
			metrics.AvgResponseTime = time.Duration(t.durationMs/int64(t.requests)) * time.Millisecond
		}
		if minutes > 0 {
			metrics.Throughput = float64(t.requests) / minutes
		}
		out[platform] = metrics
	}
	return out
}

func (m *Monitor) now() time.Time {
	if m != nil && m.Clock != nil {
		return m.Clock().UTC()
	}
	return time.Now().UTC()
}

func (m *Monitor) logger() observability.Logger {
	return observability.LoggerOrNop(m.Logger)
}

func sortedKeys(metrics map[string]PlatformMetrics) []string {
	keys := make([]string, 0, len(metrics))
	for key := range metrics {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func joinReasons(reasons []string) string {
	if len(reasons) == 0 {
		return "no reason recorded"
	}
	return strings.Join(reasons, "; ")
}

func truncate(value string, limit int) string {
	if len(value) <= limit {
		return value
	}
	return value[:limit] + "..."
}
