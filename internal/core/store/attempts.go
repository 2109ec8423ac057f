package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopvet/shopvet/internal/core"
)

// AttemptQuery filters attempt log reads.
type AttemptQuery struct {
	Platform string
	Since    time.Time
	Limit    int
}

// RecordAttempt appends one attempt to the durable log.
func (s *Store) RecordAttempt(ctx context.Context, record core.AttemptRecord) error {
	if s == nil || s.DB == nil {
		return errors.New("store is not initialized")
	}

	platform := core.NormalizePlatform(record.Platform)
	if platform == "" {
		return errors.New("platform is required")
	}
	if record.Timestamp.IsZero() {
		record.Timestamp = s.now()
	}

	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO attempts (platform, outcome, duration_ms, error, identity, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, platform, string(record.Outcome), record.DurationMs, nullString(record.Error),
		nullString(record.Identity), record.Timestamp.UTC().UnixMilli())
	if err != nil {
		return fmt.Errorf("record attempt: %w", err)
	}
	return nil
}

// AttemptsSince returns every attempt recorded at or after since, oldest first.
func (s *Store) AttemptsSince(ctx context.Context, since time.Time) ([]core.AttemptRecord, error) {
	return s.ListAttempts(ctx, AttemptQuery{Since: since})
}

// ListAttempts returns attempts matching q, oldest first.
func (s *Store) ListAttempts(ctx context.Context, q AttemptQuery) ([]core.AttemptRecord, error) {
	if s == nil || s.DB == nil {
		return nil, errors.New("store is not initialized")
	}

	clauses := []string{"created_at >= ?"}
	args := []any{q.Since.UTC().UnixMilli()}
	if platform := core.NormalizePlatform(q.Platform); platform != "" {
		clauses = append(clauses, "platform = ?")
		args = append(args, platform)
	}
	limit := ""
	if q.Limit > 0 {
		limit = "LIMIT ?"
		args = append(args, q.Limit)
	}

	rows, err := s.DB.QueryContext(ctx, fmt.Sprintf(`
		SELECT platform, outcome, duration_ms, error, identity, created_at
		FROM attempts
		WHERE %s
		ORDER BY created_at, id
		%s
	`, strings.Join(clauses, " AND "), limit), args...)
	if err != nil {
		return nil, fmt.Errorf("list attempts: %w", err)
	}
	defer rows.Close() // nolint:errcheck // best-effort cleanup

	records := []core.AttemptRecord{}
	for rows.Next() {
		var (
			record    core.AttemptRecord
			outcome   string
			errText   sql.NullString
			identity  sql.NullString
			createdAt int64
		)
		if err := rows.Scan(&record.Platform, &outcome, &record.DurationMs, &errText, &identity, &createdAt); err != nil {
			return nil, fmt.Errorf("scan attempts: %w", err)
		}
		record.Outcome = core.Outcome(outcome)
		record.Error = errText.String
		record.Identity = identity.String
		record.Timestamp = time.UnixMilli(createdAt).UTC()
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list attempts: %w", err)
	}
	return records, nil
}

// PruneAttempts deletes attempts older than before.
func (s *Store) PruneAttempts(ctx context.Context, before time.Time) (int64, error) {
	if s == nil || s.DB == nil {
		return 0, errors.New("store is not initialized")
	}

	result, err := s.DB.ExecContext(ctx, `DELETE FROM attempts WHERE created_at < ?`, before.UTC().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("prune attempts: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune attempts: %w", err)
	}
	return affected, nil
}

func nullString(value string) sql.NullString {
	value = strings.TrimSpace(value)
	if value == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: value, Valid: true}
}
