package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// User roles.
const (
	RoleAdmin      = "ADMIN"
	RoleManager    = "MANAGER"
	RoleSales      = "SALES"
	RoleConsultant = "CONSULTANT"
	RolePC         = "PC"
	RoleBuilder    = "BUILDER"
	RoleTester     = "TESTER"
)

// Availability statuses.
const (
	AvailabilityAvailable   = "available"
	AvailabilityBusy        = "busy"
	AvailabilityOutOfOffice = "out_of_office"
)

// User is a staff member eligible for role assignment.
type User struct {
	ID                string
	Name              string
	Email             string
	Role              string
	Region            string
	Skills            string // JSON: []string
	Capacity          int
	Availability      string
	PerformanceScore  float64 // 0..1; 0 means unmeasured
	ActiveAssignments int
	Active            bool
	Archived          bool
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// SkillSet decodes the skills JSON into a set.
func (u *User) SkillSet() map[string]bool {
	var skills []string
	if u.Skills != "" {
		_ = json.Unmarshal([]byte(u.Skills), &skills)
	}
	set := make(map[string]bool, len(skills))
	for _, s := range skills {
		set[s] = true
	}
	return set
}

const userColumns = `id, name, email, role, region, skills_json, capacity, availability,
	performance_score, active_assignments, active, archived, created_at, updated_at`

// SaveUser creates or updates a user.
func (d *DB) SaveUser(ctx context.Context, u *User) error {
	if u.ID == "" {
		return fmt.Errorf("save user: empty id")
	}
	now := time.Now()
	if u.CreatedAt.IsZero() {
		u.CreatedAt = now
	}
	u.UpdatedAt = now
	if u.Skills == "" {
		u.Skills = "[]"
	}
	if u.Capacity == 0 {
		u.Capacity = 1
	}
	if u.Availability == "" {
		u.Availability = AvailabilityAvailable
	}

	_, err := d.Exec(ctx, `
		INSERT INTO users (`+userColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			email = excluded.email,
			role = excluded.role,
			region = excluded.region,
			skills_json = excluded.skills_json,
			capacity = excluded.capacity,
			availability = excluded.availability,
			performance_score = excluded.performance_score,
			active_assignments = excluded.active_assignments,
			active = excluded.active,
			archived = excluded.archived,
			updated_at = excluded.updated_at`,
		u.ID, u.Name, u.Email, u.Role, u.Region, u.Skills, u.Capacity, u.Availability,
		u.PerformanceScore, u.ActiveAssignments, boolToInt(u.Active), boolToInt(u.Archived),
		formatTime(u.CreatedAt), formatTime(u.UpdatedAt))
	if err != nil {
		return fmt.Errorf("save user %s: %w", u.ID, err)
	}
	return nil
}

// GetUser returns a user by ID, or nil.
func (d *DB) GetUser(ctx context.Context, id string) (*User, error) {
	row := d.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, id)
	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get user %s: %w", id, err)
	}
	return u, nil
}

// ListUsersByRole returns active, non-archived users of the given role.
func (d *DB) ListUsersByRole(ctx context.Context, role string) ([]*User, error) {
	rows, err := d.Query(ctx, `SELECT `+userColumns+` FROM users
		WHERE role = ? AND active = 1 AND archived = 0 ORDER BY id`, role)
	if err != nil {
		return nil, fmt.Errorf("list users by role %s: %w", role, err)
	}
	defer func() { _ = rows.Close() }()

	var users []*User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// AdjustActiveAssignments adds delta to a user's active-assignment counter,
// floored at zero.
func (d *DB) AdjustActiveAssignments(ctx context.Context, userID string, delta int) error {
	_, err := d.Exec(ctx, `UPDATE users
		SET active_assignments = MAX(0, active_assignments + ?), updated_at = ?
		WHERE id = ?`,
		delta, formatTime(time.Now()), userID)
	if err != nil {
		return fmt.Errorf("adjust assignments %s: %w", userID, err)
	}
	return nil
}

func scanUser(s scanner) (*User, error) {
	var u User
	var active, archived int
	var createdAt, updatedAt string
	err := s.Scan(&u.ID, &u.Name, &u.Email, &u.Role, &u.Region, &u.Skills, &u.Capacity,
		&u.Availability, &u.PerformanceScore, &u.ActiveAssignments, &active, &archived,
		&createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	u.Active = active != 0
	u.Archived = archived != 0
	u.CreatedAt = parseTime(createdAt)
	u.UpdatedAt = parseTime(updatedAt)
	return &u, nil
}
