package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopvet/shopvet/internal/core/counter"
)

// Store satisfies the counter interfaces so a libsql database (local file or
// Turso) can act as the shared quota store.
var (
	_ counter.Store    = (*Store)(nil)
	_ counter.Lister   = (*Store)(nil)
	_ counter.Resetter = (*Store)(nil)
	_ counter.Releaser = (*Store)(nil)
)

// Get returns a live counter value. Expired rows read as absent.
func (s *Store) Get(ctx context.Context, key string) (int64, bool, error) {
	if s == nil || s.DB == nil {
		return 0, false, errors.New("store is not initialized")
	}

	var value int64
	row := s.DB.QueryRowContext(ctx, `
		SELECT value
		FROM counters
		WHERE key = ? AND (expires_at = 0 OR expires_at > ?)
	`, key, s.now().UnixMilli())
	if err := row.Scan(&value); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("fetch counter: %w: %w", counter.ErrUnavailable, err)
	}
	return value, true, nil
}

// Set overwrites a counter with a fresh TTL.
func (s *Store) Set(ctx context.Context, key string, value int64, ttl time.Duration) error {
	if s == nil || s.DB == nil {
		return errors.New("store is not initialized")
	}

	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO counters (key, value, expires_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			expires_at = excluded.expires_at
	`, key, value, s.expiry(ttl))
	if err != nil {
		return fmt.Errorf("store counter: %w: %w", counter.ErrUnavailable, err)
	}
	return nil
}

// Increment bumps a counter in a single upsert statement. An expired row is
// restarted at 1 with the new TTL; a live row keeps its original expiry.
func (s *Store) Increment(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	if s == nil || s.DB == nil {
		return 0, errors.New("store is not initialized")
	}

	now := s.now().UnixMilli()
	var value int64
	row := s.DB.QueryRowContext(ctx, `
		INSERT INTO counters (key, value, expires_at)
		VALUES (?, 1, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = CASE
				WHEN counters.expires_at > 0 AND counters.expires_at <= ? THEN 1
				ELSE counters.value + 1
			END,
			expires_at = CASE
				WHEN counters.expires_at > 0 AND counters.expires_at <= ? THEN excluded.expires_at
				ELSE counters.expires_at
			END
		RETURNING value
	`, key, s.expiry(ttl), now, now)
	if err := row.Scan(&value); err != nil {
		return 0, fmt.Errorf("increment counter: %w: %w", counter.ErrUnavailable, err)
	}
	return value, nil
}

// Decrement releases one unit of a live counter. Missing, expired and
// zero-valued rows are left alone.
func (s *Store) Decrement(ctx context.Context, key string) (int64, error) {
	if s == nil || s.DB == nil {
		return 0, errors.New("store is not initialized")
	}

	var value int64
	row := s.DB.QueryRowContext(ctx, `
		UPDATE counters SET value = value - 1
		WHERE key = ? AND value > 0 AND (expires_at = 0 OR expires_at > ?)
		RETURNING value
	`, key, s.now().UnixMilli())
	switch err := row.Scan(&value); {
	case errors.Is(err, sql.ErrNoRows):
		return 0, nil
	case err != nil:
		return 0, fmt.Errorf("decrement counter: %w: %w", counter.ErrUnavailable, err)
	}
	return value, nil
}

// List returns live counters whose key starts with prefix.
func (s *Store) List(ctx context.Context, prefix string) ([]counter.Entry, error) {
	if s == nil || s.DB == nil {
		return nil, errors.New("store is not initialized")
	}

	rows, err := s.DB.QueryContext(ctx, `
		SELECT key, value, expires_at
		FROM counters
		WHERE key LIKE ? ESCAPE '\' AND (expires_at = 0 OR expires_at > ?)
		ORDER BY key
	`, likePrefix(prefix), s.now().UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("list counters: %w", err)
	}
	defer rows.Close() // nolint:errcheck // best-effort cleanup

	entries := []counter.Entry{}
	for rows.Next() {
		var (
			key       string
			value     int64
			expiresAt int64
		)
		if err := rows.Scan(&key, &value, &expiresAt); err != nil {
			return nil, fmt.Errorf("scan counters: %w", err)
		}
		entry := counter.Entry{Key: key, Value: value}
		if expiresAt > 0 {
			entry.ExpiresAt = time.UnixMilli(expiresAt).UTC()
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list counters: %w", err)
	}
	return entries, nil
}

// Reset deletes counters whose key starts with prefix.
func (s *Store) Reset(ctx context.Context, prefix string) (int64, error) {
	if s == nil || s.DB == nil {
		return 0, errors.New("store is not initialized")
	}

	result, err := s.DB.ExecContext(ctx, `DELETE FROM counters WHERE key LIKE ? ESCAPE '\'`, likePrefix(prefix))
	if err != nil {
		return 0, fmt.Errorf("reset counters: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reset counters: %w", err)
	}
	return affected, nil
}

// PruneCounters removes expired counter rows.
func (s *Store) PruneCounters(ctx context.Context) (int64, error) {
	if s == nil || s.DB == nil {
		return 0, errors.New("store is not initialized")
	}

	result, err := s.DB.ExecContext(ctx, `
		DELETE FROM counters WHERE expires_at > 0 AND expires_at <= ?
	`, s.now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("prune counters: %w", err)
	}
	return result.RowsAffected()
}

func (s *Store) expiry(ttl time.Duration) int64 {
	if ttl <= 0 {
		return 0
	}
	return s.now().Add(ttl).UnixMilli()
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, "%", `\%`, "_", `\_`)

func likePrefix(prefix string) string {
	return likeEscaper.Replace(prefix) + "%"
}
