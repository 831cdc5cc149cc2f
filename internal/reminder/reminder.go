// Package reminder drives the client-nudge loop during onboarding:
// escalating email reminders on a cadence, and a forced HOLD once the
// configured maximum is exhausted without a client response.
package reminder

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/draycraft/dray/internal/config"
	"github.com/draycraft/dray/internal/db"
	"github.com/draycraft/dray/internal/events"
	"github.com/draycraft/dray/internal/metrics"
	"github.com/draycraft/dray/internal/notify"
	"github.com/draycraft/dray/internal/stage"
)

// Loop scans onboarding projects and sends due reminders.
type Loop struct {
	database  *db.DB
	machine   *stage.Machine
	sender    notify.EmailSender
	publisher events.Publisher
	policy    config.Policy
	portalURL string
	logger    *slog.Logger
}

// Stats summarizes one Tick.
type Stats struct {
	Scanned int
	Sent    int
	Held    int
	Skipped int
}

// NewLoop creates a reminder loop. publisher and logger may be nil; sender
// defaults to the log-only sender.
func NewLoop(database *db.DB, machine *stage.Machine, sender notify.EmailSender, publisher events.Publisher, policy config.Policy, portalURL string, logger *slog.Logger) *Loop {
	if sender == nil {
		sender = &notify.LogSender{}
	}
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		database:  database,
		machine:   machine,
		sender:    sender,
		publisher: publisher,
		policy:    policy,
		portalURL: portalURL,
		logger:    logger,
	}
}

// Tick runs one scan over all projects sitting in ONBOARDING. now is
// injected so sweeps are testable.
func (l *Loop) Tick(ctx context.Context, now time.Time) (Stats, error) {
	var stats Stats

	projects, err := l.database.ListProjectsInStage(ctx, string(stage.Onboarding))
	if err != nil {
		return stats, err
	}

	for _, project := range projects {
		stats.Scanned++
		if project.Status == db.ProjectStatusHold || project.Status == db.ProjectStatusNeedsReview {
			stats.Skipped++
			continue
		}

		outcome, err := l.tickProject(ctx, project, now)
		if err != nil {
			l.logger.Warn("reminder tick failed", "project_id", project.ID, "error", err)
			continue
		}
		switch outcome {
		case "sent":
			stats.Sent++
		case "hold":
			stats.Held++
		default:
			stats.Skipped++
		}
		metrics.RecordReminder(outcome)
	}
	return stats, nil
}

func (l *Loop) tickProject(ctx context.Context, project *db.Project, now time.Time) (string, error) {
	ob, err := l.database.GetOnboarding(ctx, project.ID)
	if err != nil {
		return "", err
	}
	if ob == nil || !ob.AutoReminderEnabled || ob.SubmittedAt != nil {
		return "skipped", nil
	}

	if ob.LastReminderSent != nil && now.Sub(*ob.LastReminderSent) < l.policy.ReminderCadence() {
		return "skipped", nil
	}

	if ob.ReminderCount >= l.policy.MaxReminders {
		return "hold", l.hold(ctx, project.ID, ob.ReminderCount)
	}

	message := fmt.Sprintf("Please complete the onboarding for %s so we can start building your site.", project.Title)
	portal := fmt.Sprintf("%s/onboarding/%s", l.portalURL, project.ID)
	if err := l.sender.SendClientReminder(ctx, project.Title, []string{project.ClientEmail}, message, portal); err != nil {
		// Counter stays untouched so the next tick retries.
		return "", fmt.Errorf("send reminder: %w", err)
	}

	ob.ReminderCount++
	ob.LastReminderSent = &now
	next := now.Add(l.policy.ReminderCadence())
	ob.NextReminderAt = &next
	if err := l.database.SaveOnboarding(ctx, ob); err != nil {
		return "", err
	}

	l.publisher.Publish(events.New(events.ReminderSent, project.ID, stage.Onboarding.Key(), map[string]any{
		"reminder_count": ob.ReminderCount,
	}))

	if ob.ReminderCount >= l.policy.MaxReminders {
		if err := l.hold(ctx, project.ID, ob.ReminderCount); err != nil {
			return "", err
		}
		return "hold", nil
	}
	return "sent", nil
}

func (l *Loop) hold(ctx context.Context, projectID string, count int) error {
	reason := fmt.Sprintf("Awaiting client response. We attempted to contact you %d times.", count)
	return l.machine.SetHold(ctx, projectID, reason, "reminder-loop")
}
