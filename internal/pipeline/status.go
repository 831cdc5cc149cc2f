package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/draycraft/dray/internal/db"
	"github.com/draycraft/dray/internal/errors"
)

// StageView is one stage's slice of the pipeline status projection.
type StageView struct {
	StageKey        string   `json:"stage_key"`
	Status          string   `json:"status"`
	BlockedReasons  []string `json:"blocked_reasons,omitempty"`
	RequiredActions []string `json:"required_actions,omitempty"`
	LastJobID       string   `json:"last_job_id,omitempty"`
}

// ApprovalView is one approval row in the status projection.
type ApprovalView struct {
	StageKey   string     `json:"stage_key"`
	Status     string     `json:"status"`
	ApproverID string     `json:"approver_id,omitempty"`
	Comment    string     `json:"comment,omitempty"`
	DecidedAt  *time.Time `json:"decided_at,omitempty"`
}

// Status is the pipeline projection the API and CLI surface to humans.
type Status struct {
	ProjectID         string         `json:"project_id"`
	Title             string         `json:"title"`
	ProjectStatus     string         `json:"project_status"`
	CurrentStage      string         `json:"current_stage"`
	DefectCycleCount  int            `json:"defect_cycle_count"`
	HoldReason        string         `json:"hold_reason,omitempty"`
	NeedsReviewReason string         `json:"needs_review_reason,omitempty"`
	StageStates       []StageView    `json:"stage_states"`
	Approvals         []ApprovalView `json:"approvals"`
	BlockedSummary    []string       `json:"blocked_summary,omitempty"`
	NextReadyStages   []string       `json:"next_ready_stages,omitempty"`
}

// Status assembles the projection for a project without mutating anything.
func (o *Orchestrator) Status(ctx context.Context, projectID string) (*Status, error) {
	project, err := o.database.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if project == nil {
		return nil, errors.ErrProjectNotFound(projectID)
	}

	s := &Status{
		ProjectID:         project.ID,
		Title:             project.Title,
		ProjectStatus:     project.Status,
		CurrentStage:      project.CurrentStage,
		DefectCycleCount:  project.DefectCycleCount,
		HoldReason:        project.HoldReason,
		NeedsReviewReason: project.NeedsReviewReason,
		StageStates:       []StageView{},
		Approvals:         []ApprovalView{},
	}

	states, err := o.database.ListStageStates(ctx, projectID)
	if err != nil {
		return nil, err
	}
	for _, st := range states {
		view := StageView{
			StageKey:        st.StageKey,
			Status:          st.Status,
			BlockedReasons:  st.BlockedReasonList(),
			RequiredActions: st.RequiredActionList(),
			LastJobID:       st.LastJobID,
		}
		s.StageStates = append(s.StageStates, view)

		switch st.Status {
		case db.StageReady:
			s.NextReadyStages = append(s.NextReadyStages, st.StageKey)
		case db.StageBlocked, db.StageFailed:
			for _, reason := range view.BlockedReasons {
				s.BlockedSummary = append(s.BlockedSummary, fmt.Sprintf("%s: %s", st.StageKey, reason))
			}
		case db.StageAwaitingApproval:
			s.BlockedSummary = append(s.BlockedSummary, fmt.Sprintf("%s: awaiting approval", st.StageKey))
		}
	}

	switch project.Status {
	case db.ProjectStatusHold:
		s.BlockedSummary = append(s.BlockedSummary, fmt.Sprintf("project on hold: %s", project.HoldReason))
	case db.ProjectStatusNeedsReview:
		s.BlockedSummary = append(s.BlockedSummary, fmt.Sprintf("needs review: %s", project.NeedsReviewReason))
	}
	if project.AutopilotLockUntil != nil && project.AutopilotLockUntil.After(time.Now()) {
		s.BlockedSummary = append(s.BlockedSummary,
			fmt.Sprintf("autopilot locked until %s", project.AutopilotLockUntil.UTC().Format(time.RFC3339)))
	}
	if !project.AutopilotEnabled || project.AutopilotMode == db.AutopilotOff {
		s.BlockedSummary = append(s.BlockedSummary, "autopilot disabled")
	}

	approvals, err := o.database.ListApprovals(ctx, projectID)
	if err != nil {
		return nil, err
	}
	for _, a := range approvals {
		s.Approvals = append(s.Approvals, ApprovalView{
			StageKey:   a.StageKey,
			Status:     a.Status,
			ApproverID: a.ApproverID,
			Comment:    a.Comment,
			DecidedAt:  a.DecidedAt,
		})
	}
	return s, nil
}
