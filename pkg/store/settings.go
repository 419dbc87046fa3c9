package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/nodenexus/nodenexus/pkg/config"
)

// globalAgentConfigKey holds the fleet-wide agent config in the settings table.
const globalAgentConfigKey = "global_agent_config"

// GetSetting unmarshals one settings row into out. Returns ErrNotFound when
// the key does not exist.
func (s *Store) GetSetting(ctx context.Context, key string, out any) error {
	var raw []byte
	err := s.pool.QueryRow(ctx,
		`SELECT value_json FROM settings WHERE key = $1`, key).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("store: reading setting %q: %w", key, err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("store: decoding setting %q: %w", key, err)
	}
	return nil
}

// PutSetting upserts one settings row.
func (s *Store) PutSetting(ctx context.Context, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("store: encoding setting %q: %w", key, err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO settings (key, value_json, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (key) DO UPDATE SET value_json = EXCLUDED.value_json, updated_at = now()`,
		key, raw)
	if err != nil {
		return fmt.Errorf("store: writing setting %q: %w", key, err)
	}
	return nil
}

// GlobalAgentConfig returns the fleet-wide agent config, falling back to the
// built-in defaults when none has been stored.
func (s *Store) GlobalAgentConfig(ctx context.Context) (config.AgentConfig, error) {
	var cfg config.AgentConfig
	err := s.GetSetting(ctx, globalAgentConfigKey, &cfg)
	if errors.Is(err, ErrNotFound) {
		return config.DefaultAgentConfig(), nil
	}
	if err != nil {
		return config.AgentConfig{}, err
	}
	cfg.Normalize()
	return cfg, nil
}

// SetGlobalAgentConfig stores the fleet-wide agent config.
func (s *Store) SetGlobalAgentConfig(ctx context.Context, cfg config.AgentConfig) error {
	return s.PutSetting(ctx, globalAgentConfigKey, cfg)
}
