// Package events provides event types and publishing infrastructure for dray.
// Every job, stage, approval, and reminder state change publishes one event;
// the websocket hub and the persistent event log are the two consumers.
package events

import (
	"time"
)

// Type defines the kind of event.
type Type string

const (
	// Job lifecycle

	JobEnqueued   Type = "job_enqueued"
	JobStarted    Type = "job_started"
	JobSucceeded  Type = "job_succeeded"
	JobFailed     Type = "job_failed"
	JobNeedsHuman Type = "job_needs_human"
	JobCanceled   Type = "job_canceled"

	// Stage / project lifecycle

	StageTransitioned  Type = "stage_transitioned"
	StageBlocked       Type = "stage_blocked"
	ProjectHold        Type = "project_hold"
	ProjectNeedsReview Type = "project_needs_review"

	// Approvals

	ApprovalRequested   Type = "approval_requested"
	ApprovalApproved    Type = "approval_approved"
	ApprovalRejected    Type = "approval_rejected"
	ApprovalInvalidated Type = "approval_invalidated"
	ApprovalExpired     Type = "approval_expired"

	// Reminders and assignment

	ReminderSent     Type = "reminder_sent"
	AssignmentMade   Type = "assignment_made"
	ContractUpdated  Type = "contract_updated"
	TemplateProposal Type = "template_proposal"
)

// Event is one published notification, scoped to a project.
type Event struct {
	Type      Type      `json:"event_type"`
	ProjectID string    `json:"project_id"`
	StageKey  string    `json:"stage_key,omitempty"`
	Details   any       `json:"details,omitempty"`
	Time      time.Time `json:"time"`
}

// New creates an event with the current timestamp.
func New(t Type, projectID, stageKey string, details any) Event {
	return Event{
		Type:      t,
		ProjectID: projectID,
		StageKey:  stageKey,
		Details:   details,
		Time:      time.Now(),
	}
}
