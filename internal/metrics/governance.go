package metrics

import (
	"time"

	"github.com/shopvet/shopvet/internal/observability"
)

// Governance metrics
var (
	AdmissionsTotal     = "governance_admissions_total"
	AttemptsTotal       = "governance_attempts_total"
	AttemptDuration     = "governance_attempt_duration_ms"
	ExecutionsTotal     = "governance_executions_total"
	ExecutionAttempts   = "governance_execution_attempts"
	QueueDepth          = "governance_queue_depth"
	QueueExpiredTotal   = "governance_queue_expired_total"
	QueueOldestAge      = "governance_queue_oldest_age_seconds"
	PoolIdentities      = "governance_pool_identities"
	PoolSuccessRate     = "governance_pool_success_rate"
	AlertsTotal         = "governance_alerts_total"
	SystemHealthStatus  = "governance_system_health"
	QuotaLimitPerMinute = "governance_quota_limit_per_minute"
)

// RecordAdmission counts an admission decision.
func RecordAdmission(platform string, allowed bool, reason string) {
	if observability.TelemetrySystem == nil {
		return
	}
	decision := "allowed"
	if !allowed {
		decision = "denied"
	}
	if reason == "" {
		reason = "none"
	}
	_ = observability.TelemetrySystem.Counter(AdmissionsTotal, 1, map[string]string{
		"platform": platform,
		"decision": decision,
		"reason":   reason,
	})
}

// RecordAttempt counts one outbound attempt and its latency.
func RecordAttempt(platform, outcome string, duration time.Duration) {
	if observability.TelemetrySystem == nil {
		return
	}
	_ = observability.TelemetrySystem.Counter(AttemptsTotal, 1, map[string]string{
		"platform": platform,
		"outcome":  outcome,
	})
	_ = observability.TelemetrySystem.Histogram(AttemptDuration, duration, map[string]string{
		"platform": platform,
	})
}

// RecordExecution counts a finished execution and how many attempts it used.
func RecordExecution(platform string, success bool, attempts int, errorClass string) {
	if observability.TelemetrySystem == nil {
		return
	}
	status := "success"
	if !success {
		status = "failure"
	}
	if errorClass == "" {
		errorClass = "none"
	}
	_ = observability.TelemetrySystem.Counter(ExecutionsTotal, 1, map[string]string{
		"platform":    platform,
		"status":      status,
		"error_class": errorClass,
	})
	_ = observability.TelemetrySystem.Gauge(ExecutionAttempts, float64(attempts), map[string]string{
		"platform": platform,
	})
}

// SetQueueDepth records queue size and the age of its oldest entry.
func SetQueueDepth(size int, oldest time.Duration) {
	if observability.TelemetrySystem == nil {
		return
	}
	_ = observability.TelemetrySystem.Gauge(QueueDepth, float64(size), nil)
	_ = observability.TelemetrySystem.Gauge(QueueOldestAge, oldest.Seconds(), nil)
}

// RecordQueueExpired counts an operation that aged out before running.
func RecordQueueExpired(platform string) {
	if observability.TelemetrySystem == nil {
		return
	}
	_ = observability.TelemetrySystem.Counter(QueueExpiredTotal, 1, map[string]string{
		"platform": platform,
	})
}

// SetPoolHealth records identity counts by state and the mean success rate.
func SetPoolHealth(total, active, healthy int, successRate float64) {
	if observability.TelemetrySystem == nil {
		return
	}
	for state, count := range map[string]int{"total": total, "active": active, "healthy": healthy} {
		_ = observability.TelemetrySystem.Gauge(PoolIdentities, float64(count), map[string]string{"state": state})
	}
	_ = observability.TelemetrySystem.Gauge(PoolSuccessRate, successRate, nil)
}

// RecordAlert counts a raised alert.
func RecordAlert(severity, platform string) {
	if observability.TelemetrySystem == nil {
		return
	}
	if platform == "" {
		platform = "system"
	}
	_ = observability.TelemetrySystem.Counter(AlertsTotal, 1, map[string]string{
		"severity": severity,
		"platform": platform,
	})
}

// SetSystemHealth publishes the verdict as 1 healthy, 0.5 degraded, 0 unhealthy.
func SetSystemHealth(status string) {
	if observability.TelemetrySystem == nil {
		return
	}
	value := 0.0
	switch status {
	case "healthy":
		value = 1
	case "degraded":
		value = 0.5
	}
	_ = observability.TelemetrySystem.Gauge(SystemHealthStatus, value, nil)
}

// SetQuotaLimit publishes the effective per-minute limit after adaptive scaling.
func SetQuotaLimit(platform string, perMinute int) {
	if observability.TelemetrySystem == nil {
		return
	}
	_ = observability.TelemetrySystem.Gauge(QuotaLimitPerMinute, float64(perMinute), map[string]string{
		"platform": platform,
	})
}
