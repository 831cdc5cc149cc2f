package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	drayerrors "github.com/draycraft/dray/internal/errors"
)

// Well-known admin config keys.
const (
	ConfigKeyDecisionPolicies  = "decision_policies_json"
	ConfigKeyGlobalThresholds  = "global_thresholds_json"
	ConfigKeyWorkerConcurrency = "worker_concurrency_json"
	ConfigKeyHitlGates         = "hitl_gates_json"
)

// AdminConfig is a keyed configuration value with optimistic concurrency.
type AdminConfig struct {
	Key       string
	Value     string // JSON
	Version   int
	UpdatedAt time.Time
}

// GetAdminConfig returns the config for key, or nil if unset.
func (d *DB) GetAdminConfig(ctx context.Context, key string) (*AdminConfig, error) {
	row := d.QueryRow(ctx, `SELECT key, value_json, version, updated_at
		FROM admin_config WHERE key = ?`, key)
	var c AdminConfig
	var updatedAt string
	err := row.Scan(&c.Key, &c.Value, &c.Version, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get admin config %s: %w", key, err)
	}
	c.UpdatedAt = parseTime(updatedAt)
	return &c, nil
}

// SetAdminConfig writes a config value with an optimistic version check.
// expectVersion 0 means "create only"; a mismatch returns CONFIG_VERSION_CONFLICT.
func (d *DB) SetAdminConfig(ctx context.Context, key, value string, expectVersion int) error {
	existing, err := d.GetAdminConfig(ctx, key)
	if err != nil {
		return err
	}

	now := formatTime(time.Now())
	if existing == nil {
		if expectVersion != 0 {
			return drayerrors.ErrConfigConflict(key, expectVersion, 0)
		}
		_, err := d.Exec(ctx, `INSERT INTO admin_config (key, value_json, version, updated_at)
			VALUES (?, ?, 1, ?)`, key, value, now)
		if err != nil {
			return fmt.Errorf("insert admin config %s: %w", key, err)
		}
		return nil
	}

	if expectVersion != existing.Version {
		return drayerrors.ErrConfigConflict(key, expectVersion, existing.Version)
	}

	res, err := d.Exec(ctx, `UPDATE admin_config
		SET value_json = ?, version = version + 1, updated_at = ?
		WHERE key = ? AND version = ?`, value, now, key, expectVersion)
	if err != nil {
		return fmt.Errorf("update admin config %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update admin config %s: %w", key, err)
	}
	if n == 0 {
		// Raced with a concurrent writer between read and update.
		return drayerrors.ErrConfigConflict(key, expectVersion, existing.Version+1)
	}
	return nil
}
