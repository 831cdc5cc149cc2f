package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/draycraft/dray/internal/assign"
	"github.com/draycraft/dray/internal/config"
	"github.com/draycraft/dray/internal/contract"
	"github.com/draycraft/dray/internal/db"
	"github.com/draycraft/dray/internal/hitl"
	"github.com/draycraft/dray/internal/notify"
	"github.com/draycraft/dray/internal/queue"
	"github.com/draycraft/dray/internal/stage"
)

type fixture struct {
	db     *db.DB
	orch   *Orchestrator
	gates  *hitl.Service
	sender *notify.MemorySender
	policy config.Policy
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	database, err := db.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })

	policy := config.DefaultPolicy()
	machine := stage.NewMachine(database, nil, nil)
	contracts := contract.NewBuilder(database, nil, nil)
	gates := hitl.NewService(database, nil, policy, nil)
	assigner := assign.NewEngine(database, nil, nil, policy, nil)
	jobs := queue.NewStageQueue(database, nil, nil)
	sender := &notify.MemorySender{}

	return &fixture{
		db: database,
		orch: NewOrchestrator(database, machine, contracts, gates, assigner, jobs,
			sender, "https://portal.test", policy, nil),
		gates:  gates,
		sender: sender,
		policy: policy,
	}
}

func seedStaff(t *testing.T, database *db.DB) {
	t.Helper()
	ctx := context.Background()
	for _, u := range []*db.User{
		{ID: "u-consultant", Name: "Cora", Role: db.RoleConsultant, Capacity: 2, Active: true},
		{ID: "u-builder", Name: "Ben", Role: db.RoleBuilder, Capacity: 2, Active: true},
		{ID: "u-tester", Name: "Tess", Role: db.RoleTester, Capacity: 2, Active: true},
	} {
		require.NoError(t, database.SaveUser(ctx, u))
	}
}

func seedOnboarding(t *testing.T, database *db.DB, projectID string) {
	t.Helper()
	now := time.Now()
	require.NoError(t, database.SaveOnboarding(context.Background(), &db.Onboarding{
		ProjectID: projectID,
		Data: `{"primary_contact": {"name": "Pat", "email": "pat@acme.test"},
			"brand": {"palette": "warm"}, "design_preferences": {"style": "minimal"},
			"compliance": {"gdpr": true}}`,
		CompletionPercent: 100,
		SubmittedAt:       &now,
	}))
}

func seedProject(t *testing.T, database *db.DB, p *db.Project) {
	t.Helper()
	if p.Status == "" {
		p.Status = db.ProjectStatusActive
	}
	if p.AutopilotMode == "" {
		p.AutopilotMode = db.AutopilotFull
	}
	p.AutopilotEnabled = true
	require.NoError(t, database.SaveProject(context.Background(), p))
}

// finishStageJob plays the worker's part: marks the stage's latest job
// SUCCESS and writes its evidence into the stage-state row.
func finishStageJob(t *testing.T, database *db.DB, projectID, stageKey, evidence string) {
	t.Helper()
	ctx := context.Background()
	st, err := database.GetStageState(ctx, projectID, stageKey)
	require.NoError(t, err)
	require.NotNil(t, st, "stage %s has no state row", stageKey)
	require.NotEmpty(t, st.LastJobID, "stage %s has no job", stageKey)

	job, err := database.GetJobRun(ctx, st.LastJobID)
	require.NoError(t, err)
	require.NotNil(t, job)
	now := time.Now()
	job.Status = db.JobRunSuccess
	job.FinishedAt = &now
	require.NoError(t, database.SaveJobRun(ctx, job))

	st.Evidence = evidence
	require.NoError(t, database.SaveStageState(ctx, st))
}

const passingTestEvidence = `{"failures": [], "pass_rate": 99.2,
	"lighthouse": {"perf": 95, "a11y": 97, "bp": 92, "seo": 93},
	"axe": {"critical": 0, "serious": 0}}`

func TestAdvanceFullAutopilotToComplete(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	seedStaff(t, f.db)
	seedProject(t, f.db, &db.Project{ID: "p1", Title: "Acme Relaunch"})
	seedOnboarding(t, f.db, "p1")
	require.NoError(t, f.db.SaveProjectTemplate(ctx, &db.ProjectTemplate{
		ProjectID: "p1", TemplateSlug: "modern-stay", Validated: true,
	}))

	// First pass walks the immediate stages and enqueues the build job.
	status, err := f.orch.Advance(ctx, "p1", "")
	require.NoError(t, err)
	assert.Equal(t, "BUILD", status.CurrentStage)

	finishStageJob(t, f.db, "p1", "3_build",
		`{"status": "success", "preview_url": "https://preview.test/p1"}`)

	status, err = f.orch.Advance(ctx, "p1", "")
	require.NoError(t, err)
	assert.Equal(t, "TEST", status.CurrentStage)

	finishStageJob(t, f.db, "p1", "4_test", passingTestEvidence)

	// A clean test run skips defect validation straight to completion.
	status, err = f.orch.Advance(ctx, "p1", "")
	require.NoError(t, err)
	assert.Equal(t, "COMPLETE", status.CurrentStage)
	assert.Equal(t, db.ProjectStatusComplete, status.ProjectStatus)

	project, err := f.db.GetProject(ctx, "p1")
	require.NoError(t, err)
	history := project.History()
	require.Len(t, history, 6)
	assert.Equal(t, "SALES", history[0].FromStage)
	assert.Equal(t, "COMPLETE", history[5].ToStage)
	assert.NotEmpty(t, project.ConsultantID)
	assert.NotEmpty(t, project.BuilderID)
	assert.NotEmpty(t, project.TesterID)
}

func TestAdvanceBlocksBuildWithoutTemplate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	seedStaff(t, f.db)
	seedProject(t, f.db, &db.Project{ID: "p2", Title: "No Template"})
	seedOnboarding(t, f.db, "p2")

	status, err := f.orch.Advance(ctx, "p2", "")
	require.NoError(t, err)
	assert.Equal(t, "BUILD", status.CurrentStage)

	st, err := f.db.GetStageState(ctx, "p2", "3_build")
	require.NoError(t, err)
	assert.Equal(t, db.StageBlocked, st.Status)
	assert.Contains(t, st.BlockedReasonList(), "no template selected")
}

func TestAdvanceDefectReworkIncrementsCycleCount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	seedProject(t, f.db, &db.Project{
		ID: "p3", Title: "Rework", CurrentStage: "DEFECT_VALIDATION",
	})
	seedDefectValidation(t, f.db, "p3", `{"defects_open": 2}`)

	status, err := f.orch.Advance(ctx, "p3", "")
	require.NoError(t, err)
	assert.Equal(t, "BUILD", status.CurrentStage)
	assert.Equal(t, 1, status.DefectCycleCount)
}

func TestAdvanceDefectCycleCapForcesReview(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	seedProject(t, f.db, &db.Project{
		ID: "p4", Title: "Churning", CurrentStage: "DEFECT_VALIDATION",
		DefectCycleCount: f.policy.DefectCycleCap,
	})
	seedDefectValidation(t, f.db, "p4", `{"defects_open": 1}`)

	status, err := f.orch.Advance(ctx, "p4", "")
	require.NoError(t, err)
	assert.Equal(t, db.ProjectStatusNeedsReview, status.ProjectStatus)
	assert.Contains(t, status.NeedsReviewReason, "Defect cycle cap")
	assert.Equal(t, "DEFECT_VALIDATION", status.CurrentStage)
	assert.Equal(t, f.policy.DefectCycleCap+1, status.DefectCycleCount)
}

// seedDefectValidation stages a project mid-pipeline: a failed test run plus
// an already-finished defect-validation job with the given evidence.
func seedDefectValidation(t *testing.T, database *db.DB, projectID, dvEvidence string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, database.SaveStageState(ctx, &db.StageState{
		ProjectID: projectID, StageKey: "4_test", Status: db.StageComplete,
		Evidence: `{"failures": ["contact form 500s"], "pass_rate": 91.0}`,
	}))
	job := &db.JobRun{ProjectID: projectID, StageKey: "5_defect_validation", Status: db.JobRunSuccess}
	require.NoError(t, database.SaveJobRun(ctx, job))
	require.NoError(t, database.SaveStageState(ctx, &db.StageState{
		ProjectID: projectID, StageKey: "5_defect_validation", Status: db.StageRunning,
		LastJobID: job.ID, Evidence: dvEvidence,
	}))
}

func gateOnAssignment(t *testing.T, database *db.DB) {
	t.Helper()
	rules := `[{"stage_key": "2_assignment", "mode": "conditional",
		"approver_roles": ["MANAGER"],
		"conditions_json": {"path": "onboarding.fields.budget_confirmed", "op": "==", "value": true}}]`
	require.NoError(t, database.SetAdminConfig(context.Background(), db.ConfigKeyHitlGates, rules, 0))
}

func TestConditionalGatePassesWithoutApproval(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	seedStaff(t, f.db)
	gateOnAssignment(t, f.db)
	seedProject(t, f.db, &db.Project{ID: "p5", Title: "Funded", AutopilotMode: db.AutopilotConditional})
	now := time.Now()
	require.NoError(t, f.db.SaveOnboarding(ctx, &db.Onboarding{
		ProjectID: "p5",
		Data: `{"primary_contact": {}, "brand": {}, "design_preferences": {},
			"compliance": {}, "budget_confirmed": true}`,
		SubmittedAt: &now,
	}))

	status, err := f.orch.Advance(ctx, "p5", "")
	require.NoError(t, err)
	assert.Equal(t, "BUILD", status.CurrentStage)
	assert.Empty(t, status.Approvals)
}

func TestConditionalGateParksStageAwaitingApproval(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	seedStaff(t, f.db)
	gateOnAssignment(t, f.db)
	seedProject(t, f.db, &db.Project{ID: "p6", Title: "Unfunded", AutopilotMode: db.AutopilotConditional})
	seedOnboarding(t, f.db, "p6")

	status, err := f.orch.Advance(ctx, "p6", "")
	require.NoError(t, err)
	assert.Equal(t, "ASSIGNMENT", status.CurrentStage)

	st, err := f.db.GetStageState(ctx, "p6", "2_assignment")
	require.NoError(t, err)
	assert.Equal(t, db.StageAwaitingApproval, st.Status)
	assert.Contains(t, st.BlockedReasons, "Gate conditions failed")

	pending, err := f.db.GetPendingApproval(ctx, "p6", "2_assignment")
	require.NoError(t, err)
	require.NotNil(t, pending)
	assert.NotEmpty(t, pending.InputsFingerprint)
	assert.Contains(t, status.BlockedSummary, "2_assignment: awaiting approval")
}

func TestAdvanceIsIdempotentWhileGated(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	seedStaff(t, f.db)
	gateOnAssignment(t, f.db)
	seedProject(t, f.db, &db.Project{ID: "p7", Title: "Parked", AutopilotMode: db.AutopilotConditional})
	seedOnboarding(t, f.db, "p7")

	first, err := f.orch.Advance(ctx, "p7", "")
	require.NoError(t, err)
	second, err := f.orch.Advance(ctx, "p7", "")
	require.NoError(t, err)

	assert.Equal(t, first.CurrentStage, second.CurrentStage)
	assert.Equal(t, first.StageStates, second.StageStates)
	assert.Equal(t, first.Approvals, second.Approvals)

	pendingCount := 0
	for _, a := range second.Approvals {
		if a.Status == db.ApprovalPending {
			pendingCount++
		}
	}
	assert.Equal(t, 1, pendingCount, "re-running must not stack pending approvals")
}

func TestContractChangeInvalidatesPendingApproval(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	seedStaff(t, f.db)
	gateOnAssignment(t, f.db)
	seedProject(t, f.db, &db.Project{ID: "p8", Title: "Late Budget", AutopilotMode: db.AutopilotConditional})
	seedOnboarding(t, f.db, "p8")

	_, err := f.orch.Advance(ctx, "p8", "")
	require.NoError(t, err)
	pending, err := f.db.GetPendingApproval(ctx, "p8", "2_assignment")
	require.NoError(t, err)
	require.NotNil(t, pending)

	// The client confirms budget: the contract changes, the stale approval
	// is invalidated, and the now-passing gate no longer needs a human.
	ob, err := f.db.GetOnboarding(ctx, "p8")
	require.NoError(t, err)
	var fields map[string]any
	require.NoError(t, json.Unmarshal([]byte(ob.Data), &fields))
	fields["budget_confirmed"] = true
	raw, err := json.Marshal(fields)
	require.NoError(t, err)
	ob.Data = string(raw)
	require.NoError(t, f.db.SaveOnboarding(ctx, ob))

	status, err := f.orch.Advance(ctx, "p8", "")
	require.NoError(t, err)
	assert.Equal(t, "BUILD", status.CurrentStage)

	approvals, err := f.db.ListApprovals(ctx, "p8")
	require.NoError(t, err)
	require.Len(t, approvals, 1)
	assert.Equal(t, db.ApprovalInvalidated, approvals[0].Status)
}

func TestApproveStageResumesAdvance(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	seedStaff(t, f.db)
	gateOnAssignment(t, f.db)
	seedProject(t, f.db, &db.Project{ID: "p9", Title: "Waved Through", AutopilotMode: db.AutopilotConditional})
	seedOnboarding(t, f.db, "p9")

	_, err := f.orch.Advance(ctx, "p9", "")
	require.NoError(t, err)

	status, err := f.orch.ApproveStage(ctx, "p9", "2_assignment", "manager-1", "budget handled offline")
	require.NoError(t, err)
	assert.Equal(t, "BUILD", status.CurrentStage)

	approvals, err := f.db.ListApprovals(ctx, "p9")
	require.NoError(t, err)
	require.Len(t, approvals, 1)
	assert.Equal(t, db.ApprovalApproved, approvals[0].Status)
	assert.Equal(t, "manager-1", approvals[0].ApproverID)
}

func TestRejectStageBlocksStage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	seedStaff(t, f.db)
	gateOnAssignment(t, f.db)
	seedProject(t, f.db, &db.Project{ID: "p10", Title: "Denied", AutopilotMode: db.AutopilotConditional})
	seedOnboarding(t, f.db, "p10")

	_, err := f.orch.Advance(ctx, "p10", "")
	require.NoError(t, err)

	status, err := f.orch.RejectStage(ctx, "p10", "2_assignment", "manager-1", "scope unclear")
	require.NoError(t, err)
	assert.Equal(t, "ASSIGNMENT", status.CurrentStage)

	st, err := f.db.GetStageState(ctx, "p10", "2_assignment")
	require.NoError(t, err)
	assert.Equal(t, db.StageBlocked, st.Status)
	assert.Contains(t, st.BlockedReasons, "scope unclear")

	_, err = f.orch.RejectStage(ctx, "p10", "2_assignment", "manager-1", "again")
	require.Error(t, err, "nothing left pending to reject")
}

func TestAdvanceIneligibleProjectReturnsStatusOnly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	seedProject(t, f.db, &db.Project{ID: "p11", Title: "Parked", CurrentStage: "BUILD"})
	project, err := f.db.GetProject(ctx, "p11")
	require.NoError(t, err)
	project.AutopilotEnabled = false
	require.NoError(t, f.db.SaveProject(ctx, project))

	status, err := f.orch.Advance(ctx, "p11", "")
	require.NoError(t, err)
	assert.Equal(t, "BUILD", status.CurrentStage)
	assert.Contains(t, status.BlockedSummary, "autopilot disabled")

	// The seven rows are backfilled even when autopilot cannot act.
	require.Len(t, status.StageStates, 7)
	assert.Equal(t, db.StageComplete, status.StageStates[0].Status)
	assert.Equal(t, db.StageReady, status.StageStates[3].Status)
	assert.Equal(t, db.StageNotStarted, status.StageStates[6].Status)
	assert.Contains(t, status.NextReadyStages, "3_build")

	project, err = f.db.GetProject(ctx, "p11")
	require.NoError(t, err)
	assert.Empty(t, project.History(), "ineligible projects must not transition")
}

func TestAdvanceUnknownProject(t *testing.T) {
	f := newFixture(t)
	_, err := f.orch.Advance(context.Background(), "ghost", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ghost")
}

func TestAutopilotFailureAccounting(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	seedProject(t, f.db, &db.Project{ID: "p12", Title: "Flaky"})

	for i := 0; i < f.policy.AutopilotFailureLimit; i++ {
		f.orch.recordFailure(ctx, "p12", fmt.Errorf("boom %d", i))
	}

	project, err := f.db.GetProject(ctx, "p12")
	require.NoError(t, err)
	assert.Equal(t, f.policy.AutopilotFailureLimit, project.AutopilotFailureCount)
	require.NotNil(t, project.AutopilotLockUntil)
	assert.True(t, project.AutopilotLockUntil.After(time.Now()))
	assert.Equal(t, db.ProjectStatusNeedsReview, project.Status)
	assert.Contains(t, project.NeedsReviewReason, "consecutive times")

	f.orch.resetFailures(ctx, "p12")
	project, err = f.db.GetProject(ctx, "p12")
	require.NoError(t, err)
	assert.Zero(t, project.AutopilotFailureCount)
	assert.Nil(t, project.AutopilotLockUntil)
}

func TestStaleJobFromPreviousPhaseDoesNotCount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	seedStaff(t, f.db)
	seedProject(t, f.db, &db.Project{
		ID: "p13", Title: "Reworked", CurrentStage: "BUILD",
		PhaseStartedAt: fmt.Sprintf(`{"3_build": %q}`, time.Now().Add(time.Hour).UTC().Format(time.RFC3339)),
	})
	require.NoError(t, f.db.SaveProjectTemplate(ctx, &db.ProjectTemplate{
		ProjectID: "p13", TemplateSlug: "modern-stay", Validated: true,
	}))
	// A success from before the rework loop restarted the phase.
	stale := &db.JobRun{ProjectID: "p13", StageKey: "3_build", Status: db.JobRunSuccess}
	require.NoError(t, f.db.SaveJobRun(ctx, stale))

	status, err := f.orch.Advance(ctx, "p13", "")
	require.NoError(t, err)
	assert.Equal(t, "BUILD", status.CurrentStage, "stale success must not advance the stage")

	jobs, err := f.db.ListJobRunsForStage(ctx, "p13", "3_build")
	require.NoError(t, err)
	assert.Len(t, jobs, 2, "a fresh job is enqueued instead")
}

func TestFallbackConfirmationLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	seedProject(t, f.db, &db.Project{
		ID: "p-fb", Title: "Fallback site", ClientEmail: "client@acme.test",
		CurrentStage: "BUILD",
	})
	require.NoError(t, f.db.SaveProjectTemplate(ctx, &db.ProjectTemplate{
		ProjectID: "p-fb", TemplateSlug: "modern-stay",
	}))
	project, err := f.db.GetProject(ctx, "p-fb")
	require.NoError(t, err)

	contractJSON := `{"template": {"selected_template_id": "modern-stay"}}`
	ok, reasons, err := f.orch.buildReadiness(ctx, project, contractJSON)
	require.NoError(t, err)
	assert.False(t, ok)
	require.NotEmpty(t, reasons)

	// The request row is created once and mailed to the client once.
	pending, err := f.db.GetPendingConfirmation(ctx, "p-fb", "fallback_template")
	require.NoError(t, err)
	require.NotNil(t, pending)
	require.Equal(t, 1, f.sender.Count())
	assert.Equal(t, "confirmation", f.sender.Sent[0].Kind)
	assert.Equal(t, []string{"client@acme.test"}, f.sender.Sent[0].Recipients)
	assert.Contains(t, f.sender.Sent[0].PortalURL, "p-fb")

	_, _, err = f.orch.buildReadiness(ctx, project, contractJSON)
	require.NoError(t, err)
	assert.Equal(t, 1, f.sender.Count(), "pending request is not re-mailed")

	// Approval confirms the selection and clears the pending request.
	_, err = f.orch.ResolveConfirmation(ctx, "p-fb", "client@acme.test", true)
	require.NoError(t, err)

	pt, err := f.db.GetProjectTemplate(ctx, "p-fb")
	require.NoError(t, err)
	require.NotNil(t, pt)
	assert.True(t, pt.FallbackConfirmed)

	gone, err := f.db.GetPendingConfirmation(ctx, "p-fb", "fallback_template")
	require.NoError(t, err)
	assert.Nil(t, gone)

	// The contract now carries the confirmation and the stage unblocks.
	c, err := f.db.GetContract(ctx, "p-fb")
	require.NoError(t, err)
	require.NotNil(t, c)
	ok, _, err = f.orch.buildReadiness(ctx, project, c.JSON)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestFallbackConfirmationDecline(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	seedProject(t, f.db, &db.Project{
		ID: "p-fb2", Title: "Second thoughts", ClientEmail: "client@acme.test",
		CurrentStage: "BUILD",
	})
	require.NoError(t, f.db.SaveProjectTemplate(ctx, &db.ProjectTemplate{
		ProjectID: "p-fb2", TemplateSlug: "modern-stay",
	}))
	project, err := f.db.GetProject(ctx, "p-fb2")
	require.NoError(t, err)

	contractJSON := `{"template": {"selected_template_id": "modern-stay"}}`
	_, _, err = f.orch.buildReadiness(ctx, project, contractJSON)
	require.NoError(t, err)

	_, err = f.orch.ResolveConfirmation(ctx, "p-fb2", "client@acme.test", false)
	require.NoError(t, err)

	pt, err := f.db.GetProjectTemplate(ctx, "p-fb2")
	require.NoError(t, err)
	require.NotNil(t, pt)
	assert.False(t, pt.FallbackConfirmed, "a decline leaves the selection unconfirmed")

	// Resolving again without a pending request fails.
	_, err = f.orch.ResolveConfirmation(ctx, "p-fb2", "client@acme.test", false)
	require.Error(t, err)

	// The stage stays blocked, and a fresh request goes out for the next verdict.
	ok, _, err := f.orch.buildReadiness(ctx, project, contractJSON)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 2, f.sender.Count())
}
