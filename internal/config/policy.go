package config

import (
	"context"
	"encoding/json"
	"time"

	"github.com/draycraft/dray/internal/db"
)

// LighthouseFloor holds minimum acceptable Lighthouse category scores.
type LighthouseFloor struct {
	Performance   int `json:"performance"`
	Accessibility int `json:"accessibility"`
	BestPractices int `json:"best_practices"`
	SEO           int `json:"seo"`
}

// Policy is the orchestration behavior configuration, assembled at entry
// points and passed explicitly into domain logic. Values come from built-in
// defaults overlaid with the admin_config rows, so operators can tune
// behavior without a redeploy.
type Policy struct {
	ReminderCadenceHours int             `json:"reminder_cadence_hours"`
	MaxReminders         int             `json:"max_reminders"`
	BuildRetryCap        int             `json:"build_retry_cap"`
	DefectCycleCap       int             `json:"defect_cycle_cap"`
	PassThresholdPercent float64         `json:"pass_threshold_percent"`
	LighthouseFloor      LighthouseFloor `json:"lighthouse_floor"`
	AxeBlockSeverities   []string        `json:"axe_block_severities"`
	AxeCalloutMax        int             `json:"axe_callout_max"`
	ProofPackSoftMB      int             `json:"proof_pack_soft_mb"`
	ProofPackHardMB      int             `json:"proof_pack_hard_mb"`

	// From global_thresholds_json
	StageTimeoutsMinutes map[string]int `json:"stage_timeouts_minutes"`

	// From worker_concurrency_json
	MaxParallelJobs int `json:"max_parallel_jobs"`

	ApprovalTTLDays         int `json:"approval_ttl_days"`
	AssignmentWindowMinutes int `json:"assignment_window_minutes"`
	AutopilotFailureLimit   int `json:"autopilot_failure_limit"`
	AutopilotBackoffMinutes int `json:"autopilot_backoff_minutes"`
	BlueprintMaxIterations  int `json:"blueprint_max_iterations"`
	PreviewMaxConcurrent    int `json:"preview_max_concurrent"`
	PreviewMaxBundleMB      int `json:"preview_max_bundle_mb"`
	GenericJobLeaseSeconds  int `json:"generic_job_lease_seconds"`
}

// DefaultPolicy returns the built-in policy defaults.
func DefaultPolicy() Policy {
	return Policy{
		ReminderCadenceHours: 24,
		MaxReminders:         10,
		BuildRetryCap:        3,
		DefectCycleCap:       5,
		PassThresholdPercent: 98,
		LighthouseFloor: LighthouseFloor{
			Performance:   90,
			Accessibility: 95,
			BestPractices: 90,
			SEO:           90,
		},
		AxeBlockSeverities: []string{"serious", "critical"},
		AxeCalloutMax:      5,
		ProofPackSoftMB:    50,
		ProofPackHardMB:    100,
		StageTimeoutsMinutes: map[string]int{
			"build":             30,
			"test":              15,
			"defect_validation": 10,
			"complete":          5,
		},
		MaxParallelJobs:         1,
		ApprovalTTLDays:         7,
		AssignmentWindowMinutes: 10,
		AutopilotFailureLimit:   3,
		AutopilotBackoffMinutes: 15,
		BlueprintMaxIterations:  3,
		PreviewMaxConcurrent:    2,
		PreviewMaxBundleMB:      25,
		GenericJobLeaseSeconds:  120,
	}
}

// LoadPolicy assembles the effective policy: defaults overlaid with the
// decision_policies_json, global_thresholds_json, and worker_concurrency_json
// admin-config rows. Malformed stored values fall back to defaults for the
// fields they fail to provide.
func LoadPolicy(ctx context.Context, database *db.DB) Policy {
	p := DefaultPolicy()
	if database == nil {
		return p
	}

	overlay(ctx, database, db.ConfigKeyDecisionPolicies, &p)

	var thresholds struct {
		StageTimeoutsMinutes map[string]int `json:"stage_timeouts_minutes"`
	}
	if overlayInto(ctx, database, db.ConfigKeyGlobalThresholds, &thresholds) && thresholds.StageTimeoutsMinutes != nil {
		p.StageTimeoutsMinutes = thresholds.StageTimeoutsMinutes
	}

	var concurrency struct {
		MaxParallelJobs int `json:"max_parallel_jobs"`
	}
	if overlayInto(ctx, database, db.ConfigKeyWorkerConcurrency, &concurrency) && concurrency.MaxParallelJobs > 0 {
		p.MaxParallelJobs = concurrency.MaxParallelJobs
	}

	return p
}

func overlay(ctx context.Context, database *db.DB, key string, p *Policy) {
	row, err := database.GetAdminConfig(ctx, key)
	if err != nil || row == nil {
		return
	}
	_ = json.Unmarshal([]byte(row.Value), p)
}

func overlayInto(ctx context.Context, database *db.DB, key string, dst any) bool {
	row, err := database.GetAdminConfig(ctx, key)
	if err != nil || row == nil {
		return false
	}
	return json.Unmarshal([]byte(row.Value), dst) == nil
}

// StageTimeout returns the execution timeout for a stage job. The stage
// name is the bare name (build, test, defect_validation, complete), not
// the ordered key.
func (p Policy) StageTimeout(stage string) time.Duration {
	if minutes, ok := p.StageTimeoutsMinutes[stage]; ok && minutes > 0 {
		return time.Duration(minutes) * time.Minute
	}
	return 30 * time.Minute
}

// ReminderCadence returns the minimum interval between client reminders.
func (p Policy) ReminderCadence() time.Duration {
	return time.Duration(p.ReminderCadenceHours) * time.Hour
}

// ApprovalTTL returns how long a pending approval lives before expiry.
func (p Policy) ApprovalTTL() time.Duration {
	return time.Duration(p.ApprovalTTLDays) * 24 * time.Hour
}

// AssignmentWindow returns the auto-assignment rate-limit window.
func (p Policy) AssignmentWindow() time.Duration {
	return time.Duration(p.AssignmentWindowMinutes) * time.Minute
}

// AutopilotBackoff returns the lock duration applied after an autopilot
// failure.
func (p Policy) AutopilotBackoff() time.Duration {
	return time.Duration(p.AutopilotBackoffMinutes) * time.Minute
}

// GenericJobLease returns the generic-queue lease duration.
func (p Policy) GenericJobLease() time.Duration {
	return time.Duration(p.GenericJobLeaseSeconds) * time.Second
}
