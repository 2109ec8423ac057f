package output

import (
	"fmt"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/shopvet/shopvet/internal/core"
	"github.com/shopvet/shopvet/internal/core/counter"
	"github.com/shopvet/shopvet/internal/core/egress"
	"github.com/shopvet/shopvet/internal/core/quota"
)

const maxErrorWidth = 60

// QuotaTable lists each platform's windows, cooldown and admission verdict.
func QuotaTable(statuses []quota.Status) table.Writer {
	t := newTable(table.Row{"Platform", "Minute", "Hour", "Day", "Burst", "Cooldown", "Success", "Admit"})
	for _, status := range statuses {
		usage := make(map[quota.Window]string, len(status.Windows))
		for _, w := range status.Windows {
			usage[w.Window] = fmt.Sprintf("%d/%d", w.Used, w.Limit)
		}
		cooldown := "-"
		if status.CooldownUntil != nil {
			cooldown = status.CooldownUntil.UTC().Format(time.RFC3339)
		}
		admit := "yes"
		if !status.Decision.Allowed {
			admit = "no: " + status.Decision.Reason
		}
		t.AppendRow(table.Row{
			status.Platform,
			usage[quota.WindowMinute],
			usage[quota.WindowHour],
			usage[quota.WindowDay],
			usage[quota.WindowBurst],
			cooldown,
			fmt.Sprintf("%.1f%%", status.SuccessRate),
			admit,
		})
	}
	return t
}

// IdentityTable lists egress identities. Passwords never appear.
func IdentityTable(identities []egress.Identity) table.Writer {
	t := newTable(table.Row{"ID", "Tier", "Protocol", "Active", "Success", "Failures", "Requests"})
	for _, id := range identities {
		t.AppendRow(table.Row{
			id.ID,
			string(id.Tier),
			id.Protocol,
			id.Active,
			fmt.Sprintf("%.1f%%", id.SuccessRate),
			id.FailureCount,
			id.Stats.Total,
		})
	}
	t.AppendFooter(table.Row{"", "", "", "", "", "total", len(identities)})
	return t
}

// AttemptTable lists attempt log rows.
func AttemptTable(records []core.AttemptRecord) table.Writer {
	t := newTable(table.Row{"Time", "Platform", "Outcome", "Duration", "Identity", "Error"})
	for _, r := range records {
		identity := r.Identity
		if identity == "" {
			identity = "direct"
		}
		t.AppendRow(table.Row{
			r.Timestamp.UTC().Format(time.RFC3339),
			r.Platform,
			string(r.Outcome),
			(time.Duration(r.DurationMs) * time.Millisecond).String(),
			identity,
			truncate(r.Error, maxErrorWidth),
		})
	}
	return t
}

// CounterTable lists raw counter keys.
func CounterTable(entries []counter.Entry) table.Writer {
	t := newTable(table.Row{"Key", "Value", "Expires"})
	for _, e := range entries {
		expires := "-"
		if !e.ExpiresAt.IsZero() {
			expires = e.ExpiresAt.UTC().Format(time.RFC3339)
		}
		t.AppendRow(table.Row{e.Key, e.Value, expires})
	}
	return t
}

// KeyValueTable is a two-column table for single-record details.
func KeyValueTable() TableWriter {
	return newTable(table.Row{"Field", "Value"})
}

func truncate(value string, limit int) string {
	value = strings.Join(strings.Fields(value), " ")
	if len(value) <= limit {
		return value
	}
	return value[:limit-3] + "..."
}
