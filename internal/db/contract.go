package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Contract is the versioned per-project delivery-contract snapshot.
type Contract struct {
	ProjectID   string
	Version     int
	ContentHash string
	JSON        string
	UpdatedBy   string
	UpdatedAt   time.Time
}

// GetContract returns the contract for a project, or nil if none exists.
func (d *DB) GetContract(ctx context.Context, projectID string) (*Contract, error) {
	row := d.QueryRow(ctx, `
		SELECT project_id, version, content_hash, contract_json, updated_by, updated_at
		FROM contracts WHERE project_id = ?`, projectID)
	var c Contract
	var updatedAt string
	err := row.Scan(&c.ProjectID, &c.Version, &c.ContentHash, &c.JSON, &c.UpdatedBy, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get contract %s: %w", projectID, err)
	}
	c.UpdatedAt = parseTime(updatedAt)
	return &c, nil
}

// SaveContract writes a contract snapshot. The caller is responsible for
// version monotonicity; contract.Builder bumps the version only when the
// content hash changed.
func (d *DB) SaveContract(ctx context.Context, c *Contract) error {
	if c.ProjectID == "" {
		return fmt.Errorf("save contract: empty project id")
	}
	c.UpdatedAt = time.Now()
	_, err := d.Exec(ctx, `
		INSERT INTO contracts (project_id, version, content_hash, contract_json, updated_by, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (project_id) DO UPDATE SET
			version = excluded.version,
			content_hash = excluded.content_hash,
			contract_json = excluded.contract_json,
			updated_by = excluded.updated_by,
			updated_at = excluded.updated_at`,
		c.ProjectID, c.Version, c.ContentHash, c.JSON, c.UpdatedBy, formatTime(c.UpdatedAt))
	if err != nil {
		return fmt.Errorf("save contract %s: %w", c.ProjectID, err)
	}
	return nil
}
