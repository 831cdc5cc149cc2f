// Package hitl implements human-in-the-loop gating: per-stage rules decide
// whether autopilot may proceed on its own or a human approval record must
// exist first. Rules come from the global hitl_gates_json admin config,
// overridden per project, and their conditions are evaluated against the
// delivery contract.
package hitl

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/draycraft/dray/internal/condition"
	"github.com/draycraft/dray/internal/config"
	"github.com/draycraft/dray/internal/contract"
	"github.com/draycraft/dray/internal/db"
	"github.com/draycraft/dray/internal/events"
)

// Gate modes.
const (
	ModeNever       = "never"
	ModeAlways      = "always"
	ModeConditional = "conditional"
)

// Rule is one gate definition for a stage key.
type Rule struct {
	StageKey       string          `json:"stage_key"`
	Mode           string          `json:"mode"`
	ApproverRoles  []string        `json:"approver_roles,omitempty"`
	ConditionsJSON json.RawMessage `json:"conditions_json,omitempty"`
}

// ParseRules decodes a rule list, tolerating malformed input.
func ParseRules(raw string) []Rule {
	if raw == "" {
		return nil
	}
	var rules []Rule
	if err := json.Unmarshal([]byte(raw), &rules); err != nil {
		return nil
	}
	return rules
}

// ResolveRule returns the effective rule for a stage: the project override
// wins, then the global rule, then the implicit never gate.
func ResolveRule(overridesJSON, globalJSON, stageKey string) Rule {
	for _, r := range ParseRules(overridesJSON) {
		if r.StageKey == stageKey {
			return r
		}
	}
	for _, r := range ParseRules(globalJSON) {
		if r.StageKey == stageKey {
			return r
		}
	}
	return Rule{StageKey: stageKey, Mode: ModeNever}
}

// Decision is the outcome of a gate evaluation.
type Decision struct {
	Required bool
	Rule     Rule
	// Reasons carry failed-condition descriptions when a conditional gate
	// requires approval.
	Reasons []string
}

// Service evaluates gates and manages the approval lifecycle.
type Service struct {
	database  *db.DB
	publisher events.Publisher
	policy    config.Policy
	logger    *slog.Logger
}

// NewService creates a gate service. publisher and logger may be nil.
func NewService(database *db.DB, publisher events.Publisher, policy config.Policy, logger *slog.Logger) *Service {
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{database: database, publisher: publisher, policy: policy, logger: logger}
}

// Evaluate decides whether the stage needs human approval for this project.
//
// Full autopilot skips conditional gates entirely; always gates require
// approval in every mode; never gates require nothing.
func (s *Service) Evaluate(ctx context.Context, project *db.Project, stageKey, contractJSON string) (Decision, error) {
	global := ""
	row, err := s.database.GetAdminConfig(ctx, db.ConfigKeyHitlGates)
	if err != nil {
		return Decision{}, err
	}
	if row != nil {
		global = row.Value
	}

	rule := ResolveRule(project.HitlOverrides, global, stageKey)
	d := Decision{Rule: rule}

	switch rule.Mode {
	case ModeAlways:
		d.Required = true
	case ModeConditional:
		if project.AutopilotMode == db.AutopilotFull {
			break
		}
		passed, reasons := condition.Evaluate(condition.Parse(string(rule.ConditionsJSON)), contractJSON)
		if !passed {
			d.Required = true
			d.Reasons = append([]string{"Gate conditions failed"}, reasons...)
		}
	}
	return d, nil
}

// EnsurePending guarantees a pending approval exists for the gate, creating
// it with the current gate snapshot and inputs fingerprint, or refreshing
// the snapshot of an existing pending row in place.
func (s *Service) EnsurePending(ctx context.Context, project *db.Project, stageKey string, d Decision, c *db.Contract) (*db.Approval, error) {
	snapshot, err := json.Marshal(d.Rule)
	if err != nil {
		return nil, fmt.Errorf("marshal gate snapshot: %w", err)
	}
	roles, err := json.Marshal(d.Rule.ApproverRoles)
	if err != nil {
		return nil, fmt.Errorf("marshal approver roles: %w", err)
	}

	existing, err := s.database.GetPendingApproval(ctx, project.ID, stageKey)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		existing.GateSnapshot = string(snapshot)
		existing.ApproverRoles = string(roles)
		if err := s.database.SaveApproval(ctx, existing); err != nil {
			return nil, err
		}
		return existing, nil
	}

	approval := &db.Approval{
		ProjectID:         project.ID,
		StageKey:          stageKey,
		Status:            db.ApprovalPending,
		ApproverRoles:     string(roles),
		GateSnapshot:      string(snapshot),
		InputsFingerprint: contract.Fingerprint(c.Version, c.JSON, stageKey),
	}
	if err := s.database.SaveApproval(ctx, approval); err != nil {
		return nil, err
	}

	s.publisher.Publish(events.New(events.ApprovalRequested, project.ID, stageKey, map[string]any{
		"approval_id": approval.ID,
		"mode":        d.Rule.Mode,
	}))
	return approval, nil
}

// Approve marks the pending approval for (project, stage_key) as approved
// and flips the stage-state row to complete. Returns the approval, or nil
// when none is pending.
func (s *Service) Approve(ctx context.Context, projectID, stageKey, approverID, comment string) (*db.Approval, error) {
	approval, err := s.database.GetPendingApproval(ctx, projectID, stageKey)
	if err != nil {
		return nil, err
	}
	if approval == nil {
		return nil, nil
	}

	now := time.Now()
	approval.Status = db.ApprovalApproved
	approval.ApproverID = approverID
	approval.Comment = comment
	approval.DecidedAt = &now
	if err := s.database.SaveApproval(ctx, approval); err != nil {
		return nil, err
	}
	if err := s.database.SetStageStatus(ctx, projectID, stageKey, db.StageComplete); err != nil {
		return nil, err
	}

	s.publisher.Publish(events.New(events.ApprovalApproved, projectID, stageKey, map[string]any{
		"approval_id": approval.ID,
		"approver_id": approverID,
	}))
	return approval, nil
}

// Reject marks the pending approval as rejected and blocks the stage with
// the reviewer's comment. Rejection is terminal; a later re-evaluation
// creates a fresh approval row.
func (s *Service) Reject(ctx context.Context, projectID, stageKey, approverID, comment string) (*db.Approval, error) {
	approval, err := s.database.GetPendingApproval(ctx, projectID, stageKey)
	if err != nil {
		return nil, err
	}
	if approval == nil {
		return nil, nil
	}

	now := time.Now()
	approval.Status = db.ApprovalRejected
	approval.ApproverID = approverID
	approval.Comment = comment
	approval.DecidedAt = &now
	if err := s.database.SaveApproval(ctx, approval); err != nil {
		return nil, err
	}

	reasons, _ := json.Marshal([]string{fmt.Sprintf("Approval rejected: %s", comment)})
	state := &db.StageState{
		ProjectID:      projectID,
		StageKey:       stageKey,
		Status:         db.StageBlocked,
		BlockedReasons: string(reasons),
	}
	if err := s.database.SaveStageState(ctx, state); err != nil {
		return nil, err
	}

	s.publisher.Publish(events.New(events.ApprovalRejected, projectID, stageKey, map[string]any{
		"approval_id": approval.ID,
		"approver_id": approverID,
		"comment":     comment,
	}))
	return approval, nil
}

// InvalidateStale compares the stored fingerprint of a pending approval
// against the current contract. Called after every contract bump; a drifted
// fingerprint means the human would be approving inputs they never saw.
func (s *Service) InvalidateStale(ctx context.Context, projectID string, c *db.Contract) (int, error) {
	approvals, err := s.database.ListApprovals(ctx, projectID)
	if err != nil {
		return 0, err
	}

	invalidated := 0
	for _, a := range approvals {
		if a.Status != db.ApprovalPending {
			continue
		}
		current := contract.Fingerprint(c.Version, c.JSON, a.StageKey)
		if current == a.InputsFingerprint {
			continue
		}
		a.Status = db.ApprovalInvalidated
		if err := s.database.SaveApproval(ctx, a); err != nil {
			return invalidated, err
		}
		invalidated++
		s.logger.Info("approval invalidated", "project_id", projectID, "stage_key", a.StageKey)
		s.publisher.Publish(events.New(events.ApprovalInvalidated, projectID, a.StageKey, map[string]any{
			"approval_id": a.ID,
		}))
	}
	return invalidated, nil
}

// ExpireStale sweeps pending approvals older than the policy TTL to expired.
func (s *Service) ExpireStale(ctx context.Context, now time.Time) (int, error) {
	cutoff := now.Add(-s.policy.ApprovalTTL())
	stale, err := s.database.ListPendingApprovalsOlderThan(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	for _, a := range stale {
		a.Status = db.ApprovalExpired
		if err := s.database.SaveApproval(ctx, a); err != nil {
			return 0, err
		}
		s.publisher.Publish(events.New(events.ApprovalExpired, a.ProjectID, a.StageKey, map[string]any{
			"approval_id": a.ID,
		}))
	}
	return len(stale), nil
}
