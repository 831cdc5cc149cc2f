package stage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/draycraft/dray/internal/db"
	"github.com/draycraft/dray/internal/events"
)

// Machine applies stage transitions atomically with audit.
type Machine struct {
	db        *db.DB
	publisher events.Publisher
	logger    *slog.Logger
}

// NewMachine creates a stage machine.
func NewMachine(database *db.DB, publisher events.Publisher, logger *slog.Logger) *Machine {
	if logger == nil {
		logger = slog.Default()
	}
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	return &Machine{db: database, publisher: publisher, logger: logger}
}

// Transition moves a project from -> to under a row lock. It refuses when
// from does not match the current stage (unless from is empty), or when the
// transition is outside the valid-next map. Invalid transitions are not
// errors: they return applied=false and are logged. Transitioning to the
// current stage is a no-op returning false.
func (m *Machine) Transition(ctx context.Context, projectID string, from, to Stage, reason, actor string) (bool, error) {
	if !to.Valid() {
		m.logger.Warn("transition refused: unknown target stage", "project", projectID, "to", to)
		return false, nil
	}

	tx, err := m.db.BeginTx(ctx)
	if err != nil {
		return false, fmt.Errorf("transition %s: %w", projectID, err)
	}
	defer func() { _ = tx.Rollback() }()

	// Row lock on the project for the duration of the transition.
	row := tx.QueryRow(ctx, `SELECT current_stage, stage_history, phase_started_at
		FROM projects WHERE id = ?`+m.db.Driver().ClaimSuffix(), projectID)
	var currentStr, historyJSON, phasesJSON string
	if err := row.Scan(&currentStr, &historyJSON, &phasesJSON); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			// Missing project is a no-op, not an error.
			return false, nil
		}
		return false, fmt.Errorf("transition %s: %w", projectID, err)
	}
	current := Stage(currentStr)

	if from != "" && from != current {
		m.logger.Warn("transition refused: stage mismatch",
			"project", projectID, "expected", from, "current", current)
		return false, nil
	}
	if to == current {
		return false, nil
	}
	if !CanTransition(current, to) {
		m.logger.Warn("transition refused: not in valid-next map",
			"project", projectID, "from", current, "to", to)
		return false, nil
	}

	now := time.Now()

	var history []db.StageHistoryEntry
	_ = json.Unmarshal([]byte(historyJSON), &history)
	history = append(history, db.StageHistoryEntry{
		FromStage: string(current),
		ToStage:   string(to),
		Reason:    reason,
		Actor:     actor,
		At:        now,
	})
	newHistory, err := json.Marshal(history)
	if err != nil {
		return false, fmt.Errorf("transition %s: marshal history: %w", projectID, err)
	}

	phases := map[string]string{}
	_ = json.Unmarshal([]byte(phasesJSON), &phases)
	phases[to.Key()] = now.UTC().Format(time.RFC3339)
	newPhases, err := json.Marshal(phases)
	if err != nil {
		return false, fmt.Errorf("transition %s: marshal phase starts: %w", projectID, err)
	}

	nowStr := now.UTC().Format(time.RFC3339)
	status := db.ProjectStatusActive
	if to == Complete {
		status = db.ProjectStatusComplete
	}
	if _, err := tx.Exec(ctx, `UPDATE projects
		SET current_stage = ?, status = ?, stage_history = ?, phase_started_at = ?, updated_at = ?
		WHERE id = ?`,
		string(to), status, string(newHistory), string(newPhases), nowStr, projectID); err != nil {
		return false, fmt.Errorf("transition %s: %w", projectID, err)
	}

	// Old stage-state row completes; the target moves to ready unless it
	// already progressed past not_started/blocked/failed.
	if _, err := tx.Exec(ctx, `UPDATE stage_states SET status = ?, updated_at = ?
		WHERE project_id = ? AND stage_key = ?`,
		db.StageComplete, nowStr, projectID, current.Key()); err != nil {
		return false, fmt.Errorf("transition %s: %w", projectID, err)
	}
	if _, err := tx.Exec(ctx, `UPDATE stage_states SET status = ?, blocked_reasons_json = '[]', updated_at = ?
		WHERE project_id = ? AND stage_key = ? AND status IN (?, ?, ?)`,
		db.StageReady, nowStr, projectID, to.Key(),
		db.StageNotStarted, db.StageBlocked, db.StageFailed); err != nil {
		return false, fmt.Errorf("transition %s: %w", projectID, err)
	}

	detail, _ := json.Marshal(map[string]string{
		"from": string(current), "to": string(to), "reason": reason,
	})
	if _, err := tx.Exec(ctx, `INSERT INTO audit_log (id, project_id, actor, action, stage_key, detail, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), projectID, actor, "stage_transition", to.Key(), string(detail), nowStr); err != nil {
		return false, fmt.Errorf("transition %s: audit: %w", projectID, err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("transition %s: %w", projectID, err)
	}

	m.logger.Info("stage transition", "project", projectID, "from", current, "to", to, "actor", actor)
	m.publisher.Publish(events.New(events.StageTransitioned, projectID, to.Key(), map[string]string{
		"from": string(current), "to": string(to), "reason": reason,
	}))
	return true, nil
}

// SetHold puts a project on HOLD with a reason and writes audit.
func (m *Machine) SetHold(ctx context.Context, projectID, reason, actor string) error {
	if err := m.setTerminalStatus(ctx, projectID, db.ProjectStatusHold, "hold_reason", reason, actor); err != nil {
		return err
	}
	m.publisher.Publish(events.New(events.ProjectHold, projectID, "", map[string]string{"reason": reason}))
	return nil
}

// SetNeedsReview puts a project in NEEDS_REVIEW with a reason and writes audit.
func (m *Machine) SetNeedsReview(ctx context.Context, projectID, reason, actor string) error {
	if err := m.setTerminalStatus(ctx, projectID, db.ProjectStatusNeedsReview, "needs_review_reason", reason, actor); err != nil {
		return err
	}
	m.publisher.Publish(events.New(events.ProjectNeedsReview, projectID, "", map[string]string{"reason": reason}))
	return nil
}

func (m *Machine) setTerminalStatus(ctx context.Context, projectID, status, reasonColumn, reason, actor string) error {
	nowStr := time.Now().UTC().Format(time.RFC3339)
	// reasonColumn is one of two compile-time constants, never user input.
	query := fmt.Sprintf(`UPDATE projects SET status = ?, %s = ?, updated_at = ? WHERE id = ?`, reasonColumn)
	res, err := m.db.Exec(ctx, query, status, reason, nowStr, projectID)
	if err != nil {
		return fmt.Errorf("set %s on %s: %w", status, projectID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("set %s on %s: %w", status, projectID, err)
	}
	if n == 0 {
		return nil
	}
	return m.db.AppendAudit(ctx, &db.AuditEntry{
		ProjectID: projectID,
		Actor:     actor,
		Action:    "status_" + status,
		Detail:    reason,
	})
}
