package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shopvet/shopvet/internal/core"
	"github.com/shopvet/shopvet/internal/core/egress"
)

type pinger struct{ err error }

func (p pinger) Ping(context.Context) error { return p.err }

type memoryLog struct {
	mu      sync.Mutex
	records []core.AttemptRecord
	pingErr error
	readErr error
}

func (l *memoryLog) RecordAttempt(_ context.Context, record core.AttemptRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = append(l.records, record)
	return nil
}

func (l *memoryLog) AttemptsSince(_ context.Context, since time.Time) ([]core.AttemptRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.readErr != nil {
		return nil, l.readErr
	}
	var out []core.AttemptRecord
	for _, record := range l.records {
		if !record.Timestamp.Before(since) {
			out = append(out, record)
		}
	}
	return out, nil
}

func (l *memoryLog) Ping(context.Context) error { return l.pingErr }

type staticPool struct{ health egress.Health }

func (p staticPool) HealthCheck() egress.Health { return p.health }

var healthyPool = staticPool{health: egress.Health{Total: 4, Active: 4, Healthy: 4, SuccessRate: 97}}

func newTestMonitor(deps Dependencies) (*Monitor, *time.Time) {
	now := time.Date(2025, 4, 1, 10, 0, 0, 0, time.UTC)
	m := New(Config{}, deps)
	m.Clock = func() time.Time { return now }
	return m, &now
}

func TestUnhealthyWhenCounterStoreUnreachable(t *testing.T) {
	m, _ := newTestMonitor(Dependencies{
		Counters: pinger{err: errors.New("dial tcp 127.0.0.1:6379: connection refused")},
		Logs:     &memoryLog{},
		Pool:     healthyPool,
	})

	health := m.CheckHealth(context.Background())
	assert.Equal(t, StatusUnhealthy, health.Status)
	assert.Contains(t, health.Reasons, "counter_store unreachable")
	assert.Equal(t, health, m.GetSystemHealth())

	alerts := m.GetActiveAlerts()
	require.Len(t, alerts, 1)
	assert.Equal(t, SeverityError, alerts[0].Severity)
}

func TestUnhealthyWhenPersistenceUnreachable(t *testing.T) {
	m, _ := newTestMonitor(Dependencies{
		Counters: pinger{},
		Logs:     &memoryLog{pingErr: errors.New("database is locked")},
		Pool:     healthyPool,
	})

	health := m.CheckHealth(context.Background())
	assert.Equal(t, StatusUnhealthy, health.Status)
	assert.Contains(t, health.Reasons, "persistence unreachable")
}

func TestHealthVerdicts(t *testing.T) {
	cases := map[string]struct {
		pool egress.Health
		want Status
	}{
		"healthy":              {healthyPool.health, StatusHealthy},
		"no identities":        {egress.Health{}, StatusHealthy},
		"none healthy":         {egress.Health{Total: 3}, StatusUnhealthy},
		"low success rate":     {egress.Health{Total: 2, Active: 2, Healthy: 2, SuccessRate: 70}, StatusDegraded},
		"minority healthy":     {egress.Health{Total: 5, Active: 2, Healthy: 2, SuccessRate: 95}, StatusDegraded},
		"exactly half healthy": {egress.Health{Total: 4, Active: 2, Healthy: 2, SuccessRate: 95}, StatusHealthy},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			m, _ := newTestMonitor(Dependencies{Counters: pinger{}, Logs: &memoryLog{}, Pool: staticPool{health: tc.pool}})
			assert.Equal(t, tc.want, m.CheckHealth(context.Background()).Status)
		})
	}
}

func TestAlertOnlyOnTransition(t *testing.T) {
	counters := &switchPinger{}
	m, _ := newTestMonitor(Dependencies{Counters: counters, Pool: healthyPool})

	require.Equal(t, StatusHealthy, m.CheckHealth(context.Background()).Status)
	assert.Empty(t, m.GetActiveAlerts())

	counters.set(errors.New("timeout"))
	m.CheckHealth(context.Background())
	m.CheckHealth(context.Background())
	assert.Len(t, m.GetActiveAlerts(), 1)

	counters.set(nil)
	require.Equal(t, StatusHealthy, m.CheckHealth(context.Background()).Status)
	assert.Len(t, m.GetActiveAlerts(), 1)
}

type switchPinger struct {
	mu  sync.Mutex
	err error
}

func (p *switchPinger) set(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
}

func (p *switchPinger) Ping(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func TestRefreshMetrics(t *testing.T) {
	log := &memoryLog{}
	m, now := newTestMonitor(Dependencies{Logs: log})
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		outcome := core.OutcomeSuccess
		if i%3 == 0 {
			outcome = core.OutcomeFailure
		}
		m.RecordAttempt(ctx, core.AttemptRecord{Platform: "amazon", Outcome: outcome, DurationMs: 300, Timestamp: now.Add(-time.Minute)})
	}
	// outside the window
	m.RecordAttempt(ctx, core.AttemptRecord{Platform: "ebay", Outcome: core.OutcomeSuccess, DurationMs: 100, Timestamp: now.Add(-2 * time.Hour)})

	require.NoError(t, m.RefreshMetrics(ctx))
	metrics := m.GetMetrics()
	require.Len(t, metrics, 1)
	assert.Equal(t, "amazon", metrics[0].Platform)
	assert.Equal(t, 6, metrics[0].Requests)
	assert.Equal(t, 2, metrics[0].ErrorCount)
	assert.InDelta(t, 66.67, metrics[0].SuccessRate, 0.01)
	assert.Equal(t, 300*time.Millisecond, metrics[0].AvgResponseTime)
	assert.InDelta(t, 0.1, metrics[0].Throughput, 0.0001)
	assert.Empty(t, m.GetActiveAlerts())

	summary := m.GetPerformanceSummary()
	assert.Equal(t, 6, summary.TotalRequests)
	assert.InDelta(t, 66.67, summary.OverallSuccessRate, 0.01)
	assert.Equal(t, *now, summary.MetricsUpdatedAt)
}

func TestErrorThresholdRaisesAlert(t *testing.T) {
	log := &memoryLog{}
	m, now := newTestMonitor(Dependencies{Logs: log})
	ctx := context.Background()

	for i := 0; i < 11; i++ {
		m.RecordAttempt(ctx, core.AttemptRecord{Platform: "walmart", Outcome: core.OutcomeFailure, Error: "upstream returned 500", Timestamp: *now})
	}
	require.NoError(t, m.RefreshMetrics(ctx))

	alerts := m.GetActiveAlerts()
	require.Len(t, alerts, 1)
	assert.Equal(t, "walmart", alerts[0].Platform)
	assert.Equal(t, SeverityError, alerts[0].Severity)
}

func TestMissingLogStoreDegradesToZero(t *testing.T) {
	m, _ := newTestMonitor(Dependencies{})
	require.NoError(t, m.RefreshMetrics(context.Background()))
	assert.Empty(t, m.GetMetrics())

	broken, _ := newTestMonitor(Dependencies{Logs: &memoryLog{readErr: errors.New("no such table: attempts")}})
	require.Error(t, broken.RefreshMetrics(context.Background()))
	assert.Empty(t, broken.GetMetrics())
	assert.Zero(t, broken.GetPerformanceSummary().TotalRequests)
}

func TestBlockPatternRaisesWarning(t *testing.T) {
	log := &memoryLog{}
	m, _ := newTestMonitor(Dependencies{Logs: log})
	var raised []Alert
	m.OnAlert = func(alert Alert) { raised = append(raised, alert) }

	m.RecordAttempt(context.Background(), core.AttemptRecord{Platform: "amazon", Outcome: core.OutcomeFailure, Error: "captcha challenge served"})
	m.RecordAttempt(context.Background(), core.AttemptRecord{Platform: "amazon", Outcome: core.OutcomeFailure, Error: "i/o timeout"})

	require.Len(t, raised, 1)
	assert.Equal(t, SeverityWarning, raised[0].Severity)
	assert.Len(t, log.records, 2)
	assert.False(t, log.records[1].Timestamp.IsZero())
}

func TestResolveAlert(t *testing.T) {
	m, _ := newTestMonitor(Dependencies{})
	alert := m.raise(SeverityInfo, "ebay", "note")

	resolved, err := m.ResolveAlert(alert.ID)
	require.NoError(t, err)
	assert.True(t, resolved.Resolved)
	require.NotNil(t, resolved.ResolvedAt)
	assert.Empty(t, m.GetActiveAlerts())
	assert.Len(t, m.Alerts(), 1)

	_, err = m.ResolveAlert("missing")
	require.ErrorIs(t, err, ErrAlertNotFound)
}

func TestAlertCapAndRetention(t *testing.T) {
	m, now := newTestMonitor(Dependencies{})
	current := *now
	m.Clock = func() time.Time { return current }

	for i := 0; i < 120; i++ {
		m.raise(SeverityInfo, "", fmt.Sprintf("alert %d", i))
	}
	alerts := m.Alerts()
	require.Len(t, alerts, 100)
	assert.Equal(t, "alert 119", alerts[0].Message)
	assert.Equal(t, "alert 20", alerts[99].Message)

	current = current.Add(12 * time.Hour)
	m.raise(SeverityInfo, "", "fresh")

	current = current.Add(12*time.Hour + time.Second)
	assert.Equal(t, 99, m.CleanupAlerts())
	require.Len(t, m.Alerts(), 1)
	assert.Equal(t, "fresh", m.Alerts()[0].Message)
}

func TestHealthSignal(t *testing.T) {
	m, _ := newTestMonitor(Dependencies{Counters: pinger{err: errors.New("down")}})
	assert.Equal(t, float64(100), m.HealthSignal().SuccessRate)
	assert.False(t, m.HealthSignal().Poor)

	m.CheckHealth(context.Background())
	assert.True(t, m.HealthSignal().Poor)
}
