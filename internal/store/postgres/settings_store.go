package postgres

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/p2pboard/internal/domain"
)

const settingAutoRefresh = "auto_refresh"

// SettingsStore implements domain.SettingsStore over the key/value settings
// table.
type SettingsStore struct {
	pool *pgxpool.Pool
	// defaultAutoRefresh is reported while the row is missing.
	defaultAutoRefresh bool
}

// NewSettingsStore creates a new SettingsStore backed by the given connection pool.
func NewSettingsStore(pool *pgxpool.Pool, defaultAutoRefresh bool) *SettingsStore {
	return &SettingsStore{pool: pool, defaultAutoRefresh: defaultAutoRefresh}
}

// AutoRefresh returns the global background-refresh flag.
func (s *SettingsStore) AutoRefresh(ctx context.Context) (bool, error) {
	var raw string
	err := s.pool.QueryRow(ctx, `SELECT value FROM settings WHERE key = $1`, settingAutoRefresh).Scan(&raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return s.defaultAutoRefresh, nil
		}
		return false, fmt.Errorf("postgres: get auto refresh: %w", err)
	}

	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("postgres: parse auto refresh %q: %w", raw, err)
	}
	return v, nil
}

// SetAutoRefresh stores the flag and returns the value read back by the same
// statement.
func (s *SettingsStore) SetAutoRefresh(ctx context.Context, enabled bool) (bool, error) {
	const query = `
		INSERT INTO settings (key, value, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (key) DO UPDATE SET
			value      = EXCLUDED.value,
			updated_at = NOW()
		RETURNING value`

	var raw string
	if err := s.pool.QueryRow(ctx, query, settingAutoRefresh, strconv.FormatBool(enabled)).Scan(&raw); err != nil {
		return false, fmt.Errorf("postgres: set auto refresh: %w", err)
	}

	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("postgres: parse auto refresh %q: %w", raw, err)
	}
	return v, nil
}

var _ domain.SettingsStore = (*SettingsStore)(nil)
