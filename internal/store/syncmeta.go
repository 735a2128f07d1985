package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/hyperengineering/chartsync/internal/types"
)

// syncConfigKey is the sync_meta key holding the JSON-serialized config.
const syncConfigKey = "sync_config"

// GetSyncMeta returns the value for a sync metadata key, or "" when the
// key is absent.
func (s *SQLiteStore) GetSyncMeta(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		"SELECT value FROM sync_meta WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get sync meta %q: %w", key, err)
	}
	return value, nil
}

// SetSyncMeta upserts a sync metadata key.
func (s *SQLiteStore) SetSyncMeta(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_meta (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("set sync meta %q: %w", key, err)
	}
	return nil
}

// LoadSyncConfig reads the persisted sync configuration. Returns nil (not
// an error) when absent or structurally invalid; callers treat that as the
// first-run state.
func (s *SQLiteStore) LoadSyncConfig(ctx context.Context) (*types.SyncConfig, error) {
	raw, err := s.GetSyncMeta(ctx, syncConfigKey)
	if err != nil {
		return nil, err
	}
	if raw == "" {
		return nil, nil
	}

	var cfg types.SyncConfig
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		return nil, nil
	}
	if !cfg.Valid() {
		return nil, nil
	}
	cfg.RemoteEndpoint = types.NormalizeEndpoint(cfg.RemoteEndpoint)
	return &cfg, nil
}

// SaveSyncConfig persists the sync configuration, normalizing the remote
// endpoint before write.
func (s *SQLiteStore) SaveSyncConfig(ctx context.Context, cfg *types.SyncConfig) error {
	cfg.RemoteEndpoint = types.NormalizeEndpoint(cfg.RemoteEndpoint)
	raw, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal sync config: %w", err)
	}
	return s.SetSyncMeta(ctx, syncConfigKey, string(raw))
}
