package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/draycraft/dray/internal/db"
	"github.com/draycraft/dray/internal/events"
)

func testDB(t *testing.T) *db.DB {
	t.Helper()
	database, err := db.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })
	return database
}

func TestBackoff(t *testing.T) {
	assert.Equal(t, 30*time.Second, Backoff(1))
	assert.Equal(t, 60*time.Second, Backoff(2))
	assert.Equal(t, 120*time.Second, Backoff(3))
	assert.Equal(t, 960*time.Second, Backoff(6))
	assert.Equal(t, 3600*time.Second, Backoff(8))
	assert.Equal(t, 3600*time.Second, Backoff(40))
	assert.Equal(t, 30*time.Second, Backoff(0))
}

func TestStageQueueLifecycle(t *testing.T) {
	database := testDB(t)
	q := NewStageQueue(database, nil, nil)
	ctx := context.Background()

	job, err := q.Enqueue(ctx, "p1", "3_build", `{"kind":"build"}`, "req-1", "orchestrator", 0)
	require.NoError(t, err)
	assert.Equal(t, db.JobRunQueued, job.Status)
	assert.Equal(t, 3, job.MaxAttempts)

	claimed, err := q.Claim(ctx, "w1")
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, job.ID, claimed.ID)
	assert.Equal(t, "w1", claimed.LockedBy)

	// Locked job is not claimable again.
	second, err := q.Claim(ctx, "w2")
	require.NoError(t, err)
	assert.Nil(t, second)

	running, err := q.MarkRunning(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, db.JobRunRunning, running.Status)
	assert.Equal(t, 1, running.Attempts)
	assert.NotNil(t, running.StartedAt)

	done, err := q.MarkSuccess(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, db.JobRunSuccess, done.Status)
	assert.NotNil(t, done.FinishedAt)
	assert.Empty(t, done.LockedBy)
}

func TestStageQueueRetryThenFailed(t *testing.T) {
	database := testDB(t)
	q := NewStageQueue(database, nil, nil)
	ctx := context.Background()

	job, err := q.Enqueue(ctx, "p1", "3_build", "{}", "req-1", "orchestrator", 2)
	require.NoError(t, err)

	claimed, err := q.Claim(ctx, "w1")
	require.NoError(t, err)
	_, err = q.MarkRunning(ctx, claimed.ID)
	require.NoError(t, err)

	// First retryable failure requeues with backoff.
	failed, err := q.MarkFailed(ctx, job.ID, "connection reset", true)
	require.NoError(t, err)
	assert.Equal(t, db.JobRunQueued, failed.Status)
	assert.True(t, failed.NextRunAt.After(time.Now().Add(25*time.Second)))
	assert.Empty(t, failed.LockedBy)

	// Exhausted attempts go terminal.
	failed.NextRunAt = time.Now().Add(-time.Second)
	require.NoError(t, database.SaveJobRun(ctx, failed))
	claimed, err = q.Claim(ctx, "w1")
	require.NoError(t, err)
	require.NotNil(t, claimed)
	_, err = q.MarkRunning(ctx, claimed.ID)
	require.NoError(t, err)
	failed, err = q.MarkFailed(ctx, job.ID, "connection reset", true)
	require.NoError(t, err)
	assert.Equal(t, db.JobRunFailed, failed.Status)

	// Non-retryable goes terminal immediately.
	other, err := q.Enqueue(ctx, "p1", "4_test", "{}", "req-2", "orchestrator", 3)
	require.NoError(t, err)
	failed, err = q.MarkFailed(ctx, other.ID, "bad payload", false)
	require.NoError(t, err)
	assert.Equal(t, db.JobRunFailed, failed.Status)
}

func TestStageQueueNeedsHumanAndCancel(t *testing.T) {
	database := testDB(t)
	q := NewStageQueue(database, nil, nil)
	ctx := context.Background()

	job, err := q.Enqueue(ctx, "p1", "4_test", "{}", "req-1", "orchestrator", 3)
	require.NoError(t, err)

	parked, err := q.MarkNeedsHuman(ctx, job.ID, `{"failures":3}`)
	require.NoError(t, err)
	assert.Equal(t, db.JobRunNeedsHuman, parked.Status)
	assert.Equal(t, `{"failures":3}`, parked.Report)

	// Cancel on a terminal job is a no-op.
	canceled, err := q.Cancel(ctx, job.ID)
	require.NoError(t, err)
	assert.Nil(t, canceled)

	// Cancel on a missing job is a no-op.
	canceled, err = q.Cancel(ctx, "missing")
	require.NoError(t, err)
	assert.Nil(t, canceled)

	active, err := q.Enqueue(ctx, "p1", "3_build", "{}", "req-2", "orchestrator", 3)
	require.NoError(t, err)
	canceled, err = q.Cancel(ctx, active.ID)
	require.NoError(t, err)
	assert.Equal(t, db.JobRunCanceled, canceled.Status)
}

func TestGenericQueueIdempotency(t *testing.T) {
	database := testDB(t)
	q := NewGenericQueue(database, nil, 0, nil)
	ctx := context.Background()

	job, existing, err := q.Enqueue(ctx, "preview_render", `{"slug":"aurora"}`, "preview-aurora-v1", 0)
	require.NoError(t, err)
	assert.False(t, existing)

	dup, existing, err := q.Enqueue(ctx, "preview_render", `{"slug":"aurora"}`, "preview-aurora-v1", 0)
	require.NoError(t, err)
	assert.True(t, existing)
	assert.Equal(t, job.ID, dup.ID)

	// Terminal jobs release the key.
	_, err = q.Claim(ctx, "w1")
	require.NoError(t, err)
	_, err = q.MarkSuccess(ctx, job.ID, `{"url":"https://preview.test/aurora"}`)
	require.NoError(t, err)

	fresh, existing, err := q.Enqueue(ctx, "preview_render", `{"slug":"aurora"}`, "preview-aurora-v1", 0)
	require.NoError(t, err)
	assert.False(t, existing)
	assert.NotEqual(t, job.ID, fresh.ID)
}

func TestGenericQueueLease(t *testing.T) {
	database := testDB(t)
	q := NewGenericQueue(database, nil, time.Minute, nil)
	ctx := context.Background()

	job, _, err := q.Enqueue(ctx, "blueprint_run", "{}", "", 0)
	require.NoError(t, err)

	claimed, err := q.Claim(ctx, "w1")
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, db.JobRunning, claimed.Status)
	assert.Equal(t, 1, claimed.Attempts)
	require.NotNil(t, claimed.LockExpiresAt)

	// Live lease blocks other claims.
	other, err := q.Claim(ctx, "w2")
	require.NoError(t, err)
	assert.Nil(t, other)

	require.NoError(t, q.ExtendLease(ctx, job.ID, "w1"))
	assert.Error(t, q.ExtendLease(ctx, job.ID, "w2"))

	// An expired lease is reaped back to retry and claimable again.
	stale, err := database.GetJob(ctx, job.ID)
	require.NoError(t, err)
	past := time.Now().Add(-time.Minute)
	stale.LockExpiresAt = &past
	require.NoError(t, database.SaveJob(ctx, stale))

	n, err := q.ReapExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	reclaimed, err := q.Claim(ctx, "w2")
	require.NoError(t, err)
	require.NotNil(t, reclaimed)
	assert.Equal(t, "w2", reclaimed.LockedBy)
	assert.Equal(t, 2, reclaimed.Attempts)
}

func TestGenericQueueRetryToDead(t *testing.T) {
	database := testDB(t)
	q := NewGenericQueue(database, nil, time.Minute, nil)
	ctx := context.Background()

	job, _, err := q.Enqueue(ctx, "template_validation", "{}", "", 2)
	require.NoError(t, err)

	claimed, err := q.Claim(ctx, "w1")
	require.NoError(t, err)
	require.NotNil(t, claimed)

	failed, err := q.MarkFailed(ctx, job.ID, "lighthouse timeout", true)
	require.NoError(t, err)
	assert.Equal(t, db.JobRetry, failed.Status)

	// Make it immediately claimable again.
	failed.RunAt = time.Now().Add(-time.Second)
	require.NoError(t, database.SaveJob(ctx, failed))

	claimed, err = q.Claim(ctx, "w1")
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, 2, claimed.Attempts)

	dead, err := q.MarkFailed(ctx, job.ID, "lighthouse timeout", true)
	require.NoError(t, err)
	assert.Equal(t, db.JobDead, dead.Status)
}

func TestGenericQueueTerminalEvents(t *testing.T) {
	database := testDB(t)
	pub := events.NewMemoryPublisher()
	defer pub.Close()
	sub := pub.Subscribe(events.GlobalProjectID)
	q := NewGenericQueue(database, pub, time.Minute, nil)
	ctx := context.Background()

	job, _, err := q.Enqueue(ctx, "template_run", "{}", "", 1)
	require.NoError(t, err)
	claimed, err := q.Claim(ctx, "w1")
	require.NoError(t, err)
	require.NotNil(t, claimed)

	_, err = q.MarkSuccess(ctx, job.ID, `{"ok":true}`)
	require.NoError(t, err)

	other, _, err := q.Enqueue(ctx, "template_validate", "{}", "", 1)
	require.NoError(t, err)
	claimed, err = q.Claim(ctx, "w1")
	require.NoError(t, err)
	require.NotNil(t, claimed)
	_, err = q.MarkFailed(ctx, other.ID, "lighthouse timeout", true)
	require.NoError(t, err)

	var types []events.Type
	for len(sub) > 0 {
		types = append(types, (<-sub).Type)
	}
	assert.Equal(t, []events.Type{
		events.JobEnqueued, events.JobSucceeded,
		events.JobEnqueued, events.JobFailed,
	}, types)
}
