package reminder

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/draycraft/dray/internal/config"
	"github.com/draycraft/dray/internal/db"
	"github.com/draycraft/dray/internal/notify"
	"github.com/draycraft/dray/internal/stage"
)

func setup(t *testing.T) (*db.DB, *notify.MemorySender, *Loop) {
	t.Helper()
	database, err := db.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })

	sender := &notify.MemorySender{}
	machine := stage.NewMachine(database, nil, nil)
	loop := NewLoop(database, machine, sender, nil, config.DefaultPolicy(), "http://portal.test", nil)
	return database, sender, loop
}

func seed(t *testing.T, database *db.DB, ob *db.Onboarding) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, database.SaveProject(ctx, &db.Project{
		ID:           ob.ProjectID,
		Title:        "Acme Relaunch",
		ClientEmail:  "client@acme.test",
		Status:       db.ProjectStatusActive,
		CurrentStage: string(stage.Onboarding),
	}))
	require.NoError(t, database.SaveOnboarding(ctx, ob))
}

func TestTickSendsWhenDue(t *testing.T) {
	database, sender, loop := setup(t)
	ctx := context.Background()

	last := time.Now().Add(-25 * time.Hour)
	seed(t, database, &db.Onboarding{
		ProjectID:           "p1",
		AutoReminderEnabled: true,
		ReminderCount:       2,
		LastReminderSent:    &last,
	})

	stats, err := loop.Tick(ctx, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Sent)
	require.Equal(t, 1, sender.Count())
	assert.Equal(t, []string{"client@acme.test"}, sender.Sent[0].Recipients)
	assert.Contains(t, sender.Sent[0].PortalURL, "/onboarding/p1")

	ob, err := database.GetOnboarding(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 3, ob.ReminderCount)
	assert.NotNil(t, ob.NextReminderAt)
}

func TestTickSkipsInsideCadence(t *testing.T) {
	database, sender, loop := setup(t)

	last := time.Now().Add(-2 * time.Hour)
	seed(t, database, &db.Onboarding{
		ProjectID:           "p1",
		AutoReminderEnabled: true,
		ReminderCount:       2,
		LastReminderSent:    &last,
	})

	stats, err := loop.Tick(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Skipped)
	assert.Zero(t, sender.Count())
}

func TestTickSkipsSubmittedAndDisabled(t *testing.T) {
	database, sender, loop := setup(t)

	submitted := time.Now().Add(-time.Hour)
	seed(t, database, &db.Onboarding{
		ProjectID:           "p1",
		AutoReminderEnabled: true,
		SubmittedAt:         &submitted,
	})
	seed(t, database, &db.Onboarding{
		ProjectID:           "p2",
		AutoReminderEnabled: false,
	})

	stats, err := loop.Tick(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Skipped)
	assert.Zero(t, sender.Count())
}

func TestTickExhaustionForcesHold(t *testing.T) {
	database, sender, loop := setup(t)
	ctx := context.Background()

	// One reminder left before the cap.
	last := time.Now().Add(-25 * time.Hour)
	seed(t, database, &db.Onboarding{
		ProjectID:           "p1",
		AutoReminderEnabled: true,
		ReminderCount:       9,
		LastReminderSent:    &last,
	})

	stats, err := loop.Tick(ctx, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Held)
	assert.Equal(t, 1, sender.Count())

	ob, err := database.GetOnboarding(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 10, ob.ReminderCount)

	project, err := database.GetProject(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, db.ProjectStatusHold, project.Status)
	assert.Contains(t, project.HoldReason, "10 times")

	// A project already on hold is left alone.
	stats, err = loop.Tick(ctx, time.Now())
	require.NoError(t, err)
	assert.Zero(t, stats.Held)
	assert.Equal(t, 1, sender.Count())
}

func TestTickSendFailureLeavesCounter(t *testing.T) {
	database, sender, loop := setup(t)
	ctx := context.Background()
	sender.Fail = context.DeadlineExceeded

	last := time.Now().Add(-25 * time.Hour)
	seed(t, database, &db.Onboarding{
		ProjectID:           "p1",
		AutoReminderEnabled: true,
		ReminderCount:       4,
		LastReminderSent:    &last,
	})

	stats, err := loop.Tick(ctx, time.Now())
	require.NoError(t, err)
	assert.Zero(t, stats.Sent)

	ob, err := database.GetOnboarding(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 4, ob.ReminderCount)
	assert.Equal(t, last.UTC().Format(time.RFC3339),
		ob.LastReminderSent.UTC().Format(time.RFC3339))
}

func TestTickNeverSentBeforeSendsImmediately(t *testing.T) {
	database, sender, loop := setup(t)

	seed(t, database, &db.Onboarding{
		ProjectID:           "p1",
		AutoReminderEnabled: true,
	})

	stats, err := loop.Tick(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Sent)
	assert.Equal(t, 1, sender.Count())
}
