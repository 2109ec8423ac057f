package monitor

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrAlertNotFound is returned by ResolveAlert for unknown IDs.
var ErrAlertNotFound = errors.New("alert not found")

// Severity grades an alert.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
	SeverityInfo    Severity = "info"
)

// Alert is an operator-facing notice. Only ResolveAlert mutates it from
// outside the monitor.
type Alert struct {
	ID         string     `json:"id"`
	Severity   Severity   `json:"severity"`
	Message    string     `json:"message"`
	Platform   string     `json:"platform,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	Resolved   bool       `json:"resolved"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

// GetActiveAlerts returns unresolved alerts, newest first.
func (m *Monitor) GetActiveAlerts() []Alert {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Alert, 0, len(m.alerts))
	for i := len(m.alerts) - 1; i >= 0; i-- {
		if !m.alerts[i].Resolved {
			out = append(out, m.alerts[i])
		}
	}
	return out
}

// Alerts returns every retained alert, newest first.
func (m *Monitor) Alerts() []Alert {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Alert, 0, len(m.alerts))
	for i := len(m.alerts) - 1; i >= 0; i-- {
		out = append(out, m.alerts[i])
	}
	return out
}

// ResolveAlert marks an alert resolved. Resolving twice is a no-op.
func (m *Monitor) ResolveAlert(id string) (Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range m.alerts {
		if m.alerts[i].ID != id {
			continue
		}
		if !m.alerts[i].Resolved {
			now := m.now()
			m.alerts[i].Resolved = true
			m.alerts[i].ResolvedAt = &now
		}
		return m.alerts[i], nil
	}
	return Alert{}, ErrAlertNotFound
}

// CleanupAlerts drops alerts older than the retention window.
func (m *Monitor) CleanupAlerts() int {
	cutoff := m.now().Add(-m.cfg.AlertRetention)

	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.alerts[:0]
	for _, alert := range m.alerts {
		if alert.CreatedAt.After(cutoff) {
			kept = append(kept, alert)
		}
	}
	removed := len(m.alerts) - len(kept)
	clear(m.alerts[len(kept):])
	m.alerts = kept
	return removed
}

func (m *Monitor) raise(severity Severity, platform, message string) Alert {
	alert := Alert{
		ID:        uuid.NewString(),
		Severity:  severity,
		Message:   message,
		Platform:  platform,
		CreatedAt: m.now(),
	}

	m.mu.Lock()
	m.alerts = append(m.alerts, alert)
	if overflow := len(m.alerts) - m.cfg.MaxAlerts; overflow > 0 {
		m.alerts = append(m.alerts[:0], m.alerts[overflow:]...)
	}
	m.mu.Unlock()

	m.logger().Warn("Alert raised",
		zap.String("alert_id", alert.ID),
		zap.String("severity", string(severity)),
		zap.String("platform", platform),
		zap.String("message", message))
	if m.OnAlert != nil {
		m.OnAlert(alert)
	}
	return alert
}
