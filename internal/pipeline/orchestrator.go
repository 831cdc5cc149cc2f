// Package pipeline is the per-project "what next" decision. The
// orchestrator reads the delivery contract, consults the gate service,
// and either waits for approval, enqueues a stage job, transitions via
// the state machine, or takes a terminal action (HOLD, NEEDS_REVIEW).
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/tidwall/gjson"

	"github.com/draycraft/dray/internal/assign"
	"github.com/draycraft/dray/internal/config"
	"github.com/draycraft/dray/internal/contract"
	"github.com/draycraft/dray/internal/db"
	"github.com/draycraft/dray/internal/errors"
	"github.com/draycraft/dray/internal/hitl"
	"github.com/draycraft/dray/internal/notify"
	"github.com/draycraft/dray/internal/queue"
	"github.com/draycraft/dray/internal/stage"
)

const actorOrchestrator = "orchestrator"

// Orchestrator wires the contract builder, gate service, assignment
// engine, stage queue, and state machine into the advance loop.
type Orchestrator struct {
	database  *db.DB
	machine   *stage.Machine
	contracts *contract.Builder
	gates     *hitl.Service
	assigner  *assign.Engine
	jobs      *queue.StageQueue
	sender    notify.EmailSender
	portalURL string
	policy    config.Policy
	logger    *slog.Logger
}

// NewOrchestrator creates an orchestrator. sender and logger may be nil;
// a nil sender logs client mail instead of delivering it.
func NewOrchestrator(database *db.DB, machine *stage.Machine, contracts *contract.Builder,
	gates *hitl.Service, assigner *assign.Engine, jobs *queue.StageQueue,
	sender notify.EmailSender, portalURL string,
	policy config.Policy, logger *slog.Logger) *Orchestrator {
	if sender == nil {
		sender = &notify.LogSender{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		database:  database,
		machine:   machine,
		contracts: contracts,
		gates:     gates,
		assigner:  assigner,
		jobs:      jobs,
		sender:    sender,
		portalURL: portalURL,
		policy:    policy,
		logger:    logger,
	}
}

// Advance runs the decision loop for one project and returns the
// resulting pipeline status. Ineligible projects (held, under review,
// autopilot off or locked) are returned as-is with their blocked summary.
// Orchestration errors feed autopilot failure accounting before being
// returned.
func (o *Orchestrator) Advance(ctx context.Context, projectID, actor string) (*Status, error) {
	project, err := o.database.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if project == nil {
		return nil, errors.ErrProjectNotFound(projectID)
	}
	if actor == "" {
		actor = actorOrchestrator
	}

	if err := o.ensureStageStates(ctx, project); err != nil {
		return nil, err
	}

	if !project.AutopilotEligible(time.Now()) {
		return o.Status(ctx, projectID)
	}

	advanced, err := o.advance(ctx, project, actor)
	if err != nil {
		o.recordFailure(ctx, projectID, err)
		return nil, err
	}
	if advanced {
		o.resetFailures(ctx, projectID)
	}
	return o.Status(ctx, projectID)
}

// advance is the inner loop: evaluate the current stage, act, and repeat
// while immediate transitions keep the project moving. Returns whether at
// least one transition was applied.
func (o *Orchestrator) advance(ctx context.Context, project *db.Project, actor string) (bool, error) {
	advanced := false
	for range stage.Order {
		// Reload per iteration: transitions and assignment mutate the row.
		project, err := o.database.GetProject(ctx, project.ID)
		if err != nil {
			return advanced, err
		}
		if project == nil || project.Status == db.ProjectStatusNeedsReview ||
			project.Status == db.ProjectStatusHold {
			return advanced, nil
		}
		cur := stage.Stage(project.CurrentStage)
		if cur == stage.Complete {
			return advanced, nil
		}

		c, err := o.refreshContract(ctx, project.ID)
		if err != nil {
			return advanced, err
		}

		ready, reasons, err := o.readiness(ctx, project, cur, c)
		if err != nil {
			return advanced, err
		}
		if !ready {
			if err := o.blockStage(ctx, project.ID, cur.Key(), reasons); err != nil {
				return advanced, err
			}
			return advanced, nil
		}

		proceed, err := o.gateCleared(ctx, project, cur, c)
		if err != nil {
			return advanced, err
		}
		if !proceed {
			return advanced, nil
		}

		switch cur {
		case stage.Sales, stage.Onboarding, stage.Assignment:
			next := stage.Next(cur, true, false)
			applied, err := o.machine.Transition(ctx, project.ID, cur, next, "readiness satisfied", actor)
			if err != nil {
				return advanced, err
			}
			if !applied {
				return advanced, nil
			}
			advanced = true

		case stage.Build, stage.Test:
			done, err := o.runJobStage(ctx, project, cur)
			if err != nil || !done {
				return advanced, err
			}
			next := stage.Next(cur, true, false)
			applied, err := o.machine.Transition(ctx, project.ID, cur, next, "stage job succeeded", actor)
			if err != nil {
				return advanced, err
			}
			if !applied {
				return advanced, nil
			}
			advanced = true

		case stage.DefectValidation:
			applied, err := o.advanceDefectValidation(ctx, project, c, actor)
			if err != nil || !applied {
				return advanced, err
			}
			advanced = true
		}
	}
	return advanced, nil
}

// advanceDefectValidation handles the one stage with three exits: skip to
// COMPLETE when the test run had no failures, rework to BUILD when the
// validation job confirms open defects, COMPLETE otherwise.
func (o *Orchestrator) advanceDefectValidation(ctx context.Context, project *db.Project, c *db.Contract, actor string) (bool, error) {
	failures := gjson.Get(c.JSON, "stages.4_test.outputs.failures").Array()
	if len(failures) == 0 {
		return o.finishProject(ctx, project, c, "no test failures to validate", actor)
	}

	done, err := o.runJobStage(ctx, project, stage.DefectValidation)
	if err != nil || !done {
		return false, err
	}

	// The validation job's evidence says whether the reported defects are
	// real; the contract was rebuilt after the job finished.
	c, err = o.refreshContract(ctx, project.ID)
	if err != nil {
		return false, err
	}
	open := gjson.Get(c.JSON, "stages.5_defect_validation.outputs.defects_open").Int()
	if open == 0 {
		return o.finishProject(ctx, project, c, "defects resolved", actor)
	}

	project.DefectCycleCount++
	if err := o.database.SaveProject(ctx, project); err != nil {
		return false, err
	}
	if project.DefectCycleCount > o.policy.DefectCycleCap {
		reason := fmt.Sprintf("Defect cycle cap exceeded: %d rework cycles (cap %d)",
			project.DefectCycleCount, o.policy.DefectCycleCap)
		return false, o.machine.SetNeedsReview(ctx, project.ID, reason, actorOrchestrator)
	}

	reason := fmt.Sprintf("%d defects confirmed, rework cycle %d", open, project.DefectCycleCount)
	return o.machine.Transition(ctx, project.ID, stage.DefectValidation, stage.Build, reason, actor)
}

// finishProject gates the final transition on the completion thresholds.
func (o *Orchestrator) finishProject(ctx context.Context, project *db.Project, c *db.Contract, reason, actor string) (bool, error) {
	met, failures, err := o.completionReadiness(ctx, project.ID, c)
	if err != nil {
		return false, err
	}
	if !met {
		if err := o.blockStage(ctx, project.ID, stage.Complete.Key(), failures); err != nil {
			return false, err
		}
		return false, nil
	}
	return o.machine.Transition(ctx, project.ID, stage.DefectValidation, stage.Complete, reason, actor)
}

// readiness applies the per-stage readiness rules against the contract.
func (o *Orchestrator) readiness(ctx context.Context, project *db.Project, cur stage.Stage, c *db.Contract) (bool, []string, error) {
	switch cur {
	case stage.Sales:
		// Handover to onboarding has no preconditions.
		return true, nil, nil

	case stage.Onboarding:
		ok, reasons := onboardingReadiness(c.JSON)
		return ok, reasons, nil

	case stage.Assignment:
		return o.assignmentReadiness(ctx, project)

	case stage.Build:
		return o.buildReadiness(ctx, project, c.JSON)

	case stage.Test:
		status := gjson.Get(c.JSON, "stages.3_build.outputs.status").String()
		preview := gjson.Get(c.JSON, "stages.3_build.outputs.preview_url").String()
		var reasons []string
		if status != "success" {
			reasons = append(reasons, "latest build output is not successful")
		}
		if preview == "" {
			reasons = append(reasons, "build produced no preview URL")
		}
		return len(reasons) == 0, reasons, nil

	case stage.DefectValidation:
		// Exits are decided in advanceDefectValidation.
		return true, nil, nil
	}
	return false, []string{fmt.Sprintf("unknown stage %s", cur)}, nil
}

// requiredOnboardingFields are the intake groups a submission must carry
// unless the client negotiated a minimum-requirements override.
var requiredOnboardingFields = []string{"primary_contact", "brand", "design_preferences", "compliance"}

func onboardingReadiness(contractJSON string) (bool, []string) {
	var reasons []string
	if !gjson.Get(contractJSON, "onboarding.submitted").Bool() {
		reasons = append(reasons, "onboarding not submitted")
	}
	if gjson.Get(contractJSON, "onboarding.fields.minimum_requirements_override").Bool() {
		return len(reasons) == 0, reasons
	}
	for _, field := range requiredOnboardingFields {
		if !gjson.Get(contractJSON, "onboarding.fields."+field).Exists() {
			reasons = append(reasons, fmt.Sprintf("missing onboarding field %s", field))
		}
	}
	return len(reasons) == 0, reasons
}

func (o *Orchestrator) assignmentReadiness(ctx context.Context, project *db.Project) (bool, []string, error) {
	result, err := o.assigner.AssignAll(ctx, project.ID, false)
	if err != nil {
		return false, nil, err
	}
	if len(result.Blocked) > 0 {
		return false, result.Blocked, nil
	}

	// Re-read: AssignAll persists the role holders it filled.
	project, err = o.database.GetProject(ctx, project.ID)
	if err != nil {
		return false, nil, err
	}
	var reasons []string
	if project.ConsultantID == "" {
		reasons = append(reasons, "consultant unassigned")
	}
	if project.BuilderID == "" {
		reasons = append(reasons, "builder unassigned")
	}
	if project.TesterID == "" {
		reasons = append(reasons, "tester unassigned")
	}
	if result.Skipped && len(reasons) > 0 {
		reasons = append(reasons, "assignment run rate-limited, retrying next pass")
	}
	return len(reasons) == 0, reasons, nil
}

// buildReadiness requires a validated template or a client-confirmed
// fallback. When a template is selected but unvalidated, a pending
// confirmation request is ensured so the client can unblock the stage.
func (o *Orchestrator) buildReadiness(ctx context.Context, project *db.Project, contractJSON string) (bool, []string, error) {
	if gjson.Get(contractJSON, "template.validated").Bool() ||
		gjson.Get(contractJSON, "template.fallback_confirmed").Bool() {
		return true, nil, nil
	}

	selected := gjson.Get(contractJSON, "template.selected_template_id").String()
	if selected == "" {
		return false, []string{"no template selected"}, nil
	}

	pending, err := o.database.GetPendingConfirmation(ctx, project.ID, "fallback_template")
	if err != nil {
		return false, nil, err
	}
	if pending == nil {
		req := &db.ConfirmationRequest{
			ProjectID: project.ID,
			Title:     fmt.Sprintf("Confirm fallback template %s", selected),
		}
		if err := o.database.SaveConfirmationRequest(ctx, req); err != nil {
			return false, nil, err
		}
		// Delivery failures never block orchestration; the request row is
		// durable and the next advance pass does not re-mail while it is
		// still pending.
		portal := fmt.Sprintf("%s/confirm/%s", o.portalURL, project.ID)
		if err := o.sender.SendConfirmationRequest(ctx, []string{project.ClientEmail},
			project.Title, req.Title, portal); err != nil {
			o.logger.Warn("confirmation request email failed",
				"project_id", project.ID, "error", err)
		}
	}
	return false, []string{fmt.Sprintf("template %s is not validated and fallback is unconfirmed", selected)}, nil
}

// completionReadiness checks the quality thresholds and open approvals
// that gate the final transition.
func (o *Orchestrator) completionReadiness(ctx context.Context, projectID string, c *db.Contract) (bool, []string, error) {
	var failures []string

	floor := o.policy.LighthouseFloor
	lighthouse := gjson.Get(c.JSON, "quality.lighthouse")
	if !lighthouse.Exists() {
		failures = append(failures, "no lighthouse scores recorded")
	} else {
		checks := []struct {
			key   string
			floor int
		}{
			{"perf", floor.Performance},
			{"a11y", floor.Accessibility},
			{"bp", floor.BestPractices},
			{"seo", floor.SEO},
		}
		for _, check := range checks {
			score := lighthouse.Get(check.key)
			if !score.Exists() || int(score.Int()) < check.floor {
				failures = append(failures, fmt.Sprintf("lighthouse %s %d below floor %d",
					check.key, score.Int(), check.floor))
			}
		}
	}

	for _, severity := range o.policy.AxeBlockSeverities {
		if n := gjson.Get(c.JSON, "quality.axe."+severity).Int(); n > 0 {
			failures = append(failures, fmt.Sprintf("%d %s axe violations open", n, severity))
		}
	}

	passRate := gjson.Get(c.JSON, "stages.4_test.outputs.pass_rate")
	if !passRate.Exists() || passRate.Float() < o.policy.PassThresholdPercent {
		failures = append(failures, fmt.Sprintf("test pass rate %.1f%% below threshold %.1f%%",
			passRate.Float(), o.policy.PassThresholdPercent))
	}

	approvals, err := o.database.ListApprovals(ctx, projectID)
	if err != nil {
		return false, nil, err
	}
	for _, a := range approvals {
		if a.Status == db.ApprovalPending {
			failures = append(failures, fmt.Sprintf("approval still pending for %s", a.StageKey))
		}
	}
	return len(failures) == 0, failures, nil
}

// gateCleared evaluates the HITL gate for the stage. When approval is
// required and not yet granted, the stage is parked awaiting_approval
// with a pending approval row and the loop stops.
func (o *Orchestrator) gateCleared(ctx context.Context, project *db.Project, cur stage.Stage, c *db.Contract) (bool, error) {
	decision, err := o.gates.Evaluate(ctx, project, cur.Key(), c.JSON)
	if err != nil {
		return false, err
	}
	if !decision.Required {
		return true, nil
	}

	approvals, err := o.database.ListApprovals(ctx, project.ID)
	if err != nil {
		return false, err
	}
	for _, a := range approvals {
		if a.StageKey != cur.Key() {
			continue
		}
		// Newest first: the latest decision for this stage wins.
		if a.Status == db.ApprovalApproved {
			return true, nil
		}
		break
	}

	reasons := decision.Reasons
	if len(reasons) == 0 {
		reasons = []string{fmt.Sprintf("Approval required by %s gate", decision.Rule.Mode)}
	}
	if err := o.mutateStageState(ctx, project.ID, cur.Key(), func(st *db.StageState) {
		st.Status = db.StageAwaitingApproval
		st.BlockedReasons = marshalReasons(reasons)
	}); err != nil {
		return false, err
	}
	if _, err := o.gates.EnsurePending(ctx, project, cur.Key(), decision, c); err != nil {
		return false, err
	}
	return false, nil
}

// runJobStage drives a worker-side stage: enqueue a fresh job when none
// exists for the current phase, wait while one is in flight, surface
// terminal failures, and report done on a fresh success.
func (o *Orchestrator) runJobStage(ctx context.Context, project *db.Project, cur stage.Stage) (bool, error) {
	key := cur.Key()
	phaseStart := phaseStartTime(project, key)

	jobs, err := o.database.ListJobRunsForStage(ctx, project.ID, key)
	if err != nil {
		return false, err
	}
	var latest *db.JobRun
	for _, j := range jobs {
		// Jobs from a previous visit to this stage (before a rework loop)
		// must not count as completion.
		if !j.CreatedAt.Before(phaseStart) {
			latest = j
			break
		}
	}

	if latest == nil || latest.Status == db.JobRunCanceled {
		return false, o.enqueueStageJob(ctx, project.ID, cur)
	}

	switch latest.Status {
	case db.JobRunSuccess:
		return true, nil
	case db.JobRunQueued, db.JobRunRunning:
		return false, nil
	case db.JobRunNeedsHuman:
		return false, o.blockStage(ctx, project.ID, key,
			[]string{fmt.Sprintf("Stage job %s needs human review", latest.ID)})
	case db.JobRunFailed:
		return false, o.mutateStageState(ctx, project.ID, key, func(st *db.StageState) {
			st.Status = db.StageFailed
			st.LastJobID = latest.ID
			st.BlockedReasons = marshalReasons([]string{fmt.Sprintf(
				"Stage job failed after %d attempts: %s", latest.Attempts, latest.Error)})
		})
	}
	return false, nil
}

func (o *Orchestrator) enqueueStageJob(ctx context.Context, projectID string, cur stage.Stage) error {
	maxAttempts := 0
	if cur == stage.Build {
		maxAttempts = o.policy.BuildRetryCap
	}
	job, err := o.jobs.Enqueue(ctx, projectID, cur.Key(), "{}", "", actorOrchestrator, maxAttempts)
	if err != nil {
		return err
	}
	return o.mutateStageState(ctx, projectID, cur.Key(), func(st *db.StageState) {
		st.Status = db.StageRunning
		st.LastJobID = job.ID
		st.BlockedReasons = "[]"
	})
}

func (o *Orchestrator) blockStage(ctx context.Context, projectID, stageKey string, reasons []string) error {
	return o.mutateStageState(ctx, projectID, stageKey, func(st *db.StageState) {
		st.Status = db.StageBlocked
		st.BlockedReasons = marshalReasons(reasons)
	})
}

// mutateStageState read-modify-writes one stage-state row so untouched
// columns (evidence, required actions) survive the update.
func (o *Orchestrator) mutateStageState(ctx context.Context, projectID, stageKey string, fn func(*db.StageState)) error {
	st, err := o.database.GetStageState(ctx, projectID, stageKey)
	if err != nil {
		return err
	}
	if st == nil {
		st = &db.StageState{ProjectID: projectID, StageKey: stageKey}
	}
	fn(st)
	return o.database.SaveStageState(ctx, st)
}

func marshalReasons(reasons []string) string {
	raw, err := json.Marshal(reasons)
	if err != nil {
		return "[]"
	}
	return string(raw)
}

// ensureStageStates creates the seven per-stage rows: earlier stages
// complete, the current stage ready, later stages not started. Existing
// rows are left alone.
func (o *Orchestrator) ensureStageStates(ctx context.Context, project *db.Project) error {
	existing, err := o.database.ListStageStates(ctx, project.ID)
	if err != nil {
		return err
	}
	have := make(map[string]bool, len(existing))
	for _, s := range existing {
		have[s.StageKey] = true
	}

	currentIdx := stage.Stage(project.CurrentStage).Index()
	for i, s := range stage.Order {
		if have[s.Key()] {
			continue
		}
		status := db.StageNotStarted
		switch {
		case i < currentIdx:
			status = db.StageComplete
		case i == currentIdx:
			status = db.StageReady
		}
		if err := o.database.SaveStageState(ctx, &db.StageState{
			ProjectID: project.ID,
			StageKey:  s.Key(),
			Status:    status,
		}); err != nil {
			return err
		}
	}
	return nil
}

// refreshContract rebuilds the contract and invalidates pending approvals
// whose inputs drifted under the new version.
func (o *Orchestrator) refreshContract(ctx context.Context, projectID string) (*db.Contract, error) {
	_, changed, err := o.contracts.CreateOrUpdate(ctx, projectID, actorOrchestrator)
	if err != nil {
		return nil, err
	}
	c, err := o.contracts.Get(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, fmt.Errorf("contract missing for project %s", projectID)
	}
	if changed {
		if _, err := o.gates.InvalidateStale(ctx, projectID, c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// recordFailure applies autopilot failure accounting: bump the counter,
// lock the project for the backoff window, and force NEEDS_REVIEW after
// the consecutive-failure limit.
func (o *Orchestrator) recordFailure(ctx context.Context, projectID string, cause error) {
	project, err := o.database.GetProject(ctx, projectID)
	if err != nil || project == nil {
		return
	}
	project.AutopilotFailureCount++
	lockUntil := time.Now().Add(o.policy.AutopilotBackoff())
	project.AutopilotLockUntil = &lockUntil
	if err := o.database.SaveProject(ctx, project); err != nil {
		o.logger.Error("autopilot failure accounting", "project_id", projectID, "error", err)
		return
	}
	o.logger.Warn("autopilot pass failed",
		"project_id", projectID, "failures", project.AutopilotFailureCount, "error", cause)

	if project.AutopilotFailureCount >= o.policy.AutopilotFailureLimit {
		reason := fmt.Sprintf("Autopilot failed %d consecutive times: %v",
			project.AutopilotFailureCount, cause)
		if err := o.machine.SetNeedsReview(ctx, projectID, reason, actorOrchestrator); err != nil {
			o.logger.Error("autopilot needs-review", "project_id", projectID, "error", err)
		}
	}
}

// resetFailures clears the consecutive-failure counter after a pass that
// moved the project forward.
func (o *Orchestrator) resetFailures(ctx context.Context, projectID string) {
	project, err := o.database.GetProject(ctx, projectID)
	if err != nil || project == nil {
		return
	}
	if project.AutopilotFailureCount == 0 && project.AutopilotLockUntil == nil {
		return
	}
	project.AutopilotFailureCount = 0
	project.AutopilotLockUntil = nil
	if err := o.database.SaveProject(ctx, project); err != nil {
		o.logger.Error("autopilot failure reset", "project_id", projectID, "error", err)
	}
}

// ApproveStage records a human approval for the pending gate and
// immediately re-advances the project.
func (o *Orchestrator) ApproveStage(ctx context.Context, projectID, stageKey, approverID, comment string) (*Status, error) {
	approval, err := o.gates.Approve(ctx, projectID, stageKey, approverID, comment)
	if err != nil {
		return nil, err
	}
	if approval == nil {
		return nil, fmt.Errorf("no pending approval for %s/%s", projectID, stageKey)
	}
	return o.Advance(ctx, projectID, approverID)
}

// RejectStage records a rejection, which blocks the stage until inputs
// change and a fresh approval is requested.
func (o *Orchestrator) RejectStage(ctx context.Context, projectID, stageKey, approverID, comment string) (*Status, error) {
	approval, err := o.gates.Reject(ctx, projectID, stageKey, approverID, comment)
	if err != nil {
		return nil, err
	}
	if approval == nil {
		return nil, fmt.Errorf("no pending approval for %s/%s", projectID, stageKey)
	}
	return o.Status(ctx, projectID)
}

// ResolveConfirmation records the client's verdict on the pending
// fallback-template request. Approval marks the template selection
// confirmed and re-advances the project; a decline leaves the build
// stage blocked until a different template is selected.
func (o *Orchestrator) ResolveConfirmation(ctx context.Context, projectID, resolver string, approved bool) (*Status, error) {
	pending, err := o.database.GetPendingConfirmation(ctx, projectID, "fallback_template")
	if err != nil {
		return nil, err
	}
	if pending == nil {
		return nil, fmt.Errorf("no pending confirmation for project %s", projectID)
	}

	verdict := db.ConfirmationDeclined
	if approved {
		verdict = db.ConfirmationApproved
	}
	if err := o.database.ResolveConfirmation(ctx, pending.ID, verdict, resolver); err != nil {
		return nil, err
	}
	if !approved {
		return o.Status(ctx, projectID)
	}

	pt, err := o.database.GetProjectTemplate(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if pt != nil {
		pt.FallbackConfirmed = true
		if err := o.database.SaveProjectTemplate(ctx, pt); err != nil {
			return nil, err
		}
	}
	return o.Advance(ctx, projectID, resolver)
}

func phaseStartTime(project *db.Project, stageKey string) time.Time {
	raw, ok := project.PhaseStarts()[stageKey]
	if !ok {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}
	}
	return t
}
