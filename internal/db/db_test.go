package db

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	database, err := OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })
	return database
}

func TestSaveProjectAppliesDefaults(t *testing.T) {
	database := openTestDB(t)
	ctx := context.Background()

	require.NoError(t, database.SaveProject(ctx, &Project{ID: "p1", Title: "New site"}))

	p, err := database.GetProject(ctx, "p1")
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, ProjectStatusDraft, p.Status)
	assert.Equal(t, "SALES", p.CurrentStage)
	assert.Equal(t, AutopilotConditional, p.AutopilotMode)
	assert.Equal(t, "[]", p.StageHistory)
	assert.False(t, p.CreatedAt.IsZero())
}

func TestSaveProjectEmptyIDFails(t *testing.T) {
	database := openTestDB(t)
	err := database.SaveProject(context.Background(), &Project{Title: "no id"})
	assert.Error(t, err)
}

func TestGetProjectMissingReturnsNil(t *testing.T) {
	database := openTestDB(t)
	p, err := database.GetProject(context.Background(), "ghost")
	require.NoError(t, err)
	assert.Nil(t, p)
}

func TestListActiveProjectsSkipsHeldAndArchived(t *testing.T) {
	database := openTestDB(t)
	ctx := context.Background()

	require.NoError(t, database.SaveProject(ctx, &Project{ID: "draft", Title: "d"}))
	require.NoError(t, database.SaveProject(ctx, &Project{ID: "active", Title: "a", Status: ProjectStatusActive}))
	require.NoError(t, database.SaveProject(ctx, &Project{ID: "held", Title: "h", Status: ProjectStatusHold}))
	require.NoError(t, database.SaveProject(ctx, &Project{ID: "gone", Title: "g", Status: ProjectStatusActive, Archived: true}))

	projects, err := database.ListActiveProjects(ctx)
	require.NoError(t, err)
	ids := make([]string, 0, len(projects))
	for _, p := range projects {
		ids = append(ids, p.ID)
	}
	assert.ElementsMatch(t, []string{"draft", "active"}, ids)
}

func TestStageStateUpsert(t *testing.T) {
	database := openTestDB(t)
	ctx := context.Background()

	require.NoError(t, database.SaveStageState(ctx, &StageState{
		ProjectID: "p1", StageKey: "3_build", Status: StageReady,
	}))
	require.NoError(t, database.SaveStageState(ctx, &StageState{
		ProjectID: "p1", StageKey: "3_build", Status: StageRunning,
		Evidence: `{"preview_url": "https://x"}`,
	}))

	st, err := database.GetStageState(ctx, "p1", "3_build")
	require.NoError(t, err)
	require.NotNil(t, st)
	assert.Equal(t, StageRunning, st.Status)
	assert.Contains(t, st.Evidence, "preview_url")

	states, err := database.ListStageStates(ctx, "p1")
	require.NoError(t, err)
	assert.Len(t, states, 1)
}

func TestClaimNextJobRunOrderAndLock(t *testing.T) {
	database := openTestDB(t)
	ctx := context.Background()

	// Timestamps are stored at second precision; set them explicitly so the
	// claim order is unambiguous.
	now := time.Now()
	first := &JobRun{
		ProjectID: "p1", StageKey: "3_build", Status: JobRunQueued,
		MaxAttempts: 3, CreatedAt: now.Add(-2 * time.Second), NextRunAt: now.Add(-2 * time.Second),
	}
	require.NoError(t, database.SaveJobRun(ctx, first))
	second := &JobRun{
		ProjectID: "p2", StageKey: "3_build", Status: JobRunQueued,
		MaxAttempts: 3, CreatedAt: now.Add(-time.Second), NextRunAt: now.Add(-time.Second),
	}
	require.NoError(t, database.SaveJobRun(ctx, second))

	claimed, err := database.ClaimNextJobRun(ctx, "w1")
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, first.ID, claimed.ID, "oldest queued job claims first")
	assert.Equal(t, "w1", claimed.LockedBy)

	// The first job is locked; the next claim gets the second.
	next, err := database.ClaimNextJobRun(ctx, "w2")
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, second.ID, next.ID)

	none, err := database.ClaimNextJobRun(ctx, "w3")
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestReclaimStaleJobRunLocks(t *testing.T) {
	database := openTestDB(t)
	ctx := context.Background()

	job := &JobRun{ProjectID: "p1", StageKey: "3_build", Status: JobRunQueued, MaxAttempts: 3}
	require.NoError(t, database.SaveJobRun(ctx, job))

	claimed, err := database.ClaimNextJobRun(ctx, "w1")
	require.NoError(t, err)
	require.NotNil(t, claimed)

	// A fresh claim is left alone.
	n, err := database.ReclaimStaleJobRunLocks(ctx, time.Now().Add(-time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	// Past the cutoff the lock is released and the job is claimable again.
	n, err = database.ReclaimStaleJobRunLocks(ctx, time.Now().Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	back, err := database.ClaimNextJobRun(ctx, "w2")
	require.NoError(t, err)
	require.NotNil(t, back)
	assert.Equal(t, job.ID, back.ID)
	assert.Equal(t, "w2", back.LockedBy)
}

func TestClaimNextJobRunHonorsBackoff(t *testing.T) {
	database := openTestDB(t)
	ctx := context.Background()

	deferred := &JobRun{
		ProjectID: "p1", StageKey: "4_test", Status: JobRunQueued,
		MaxAttempts: 3, NextRunAt: time.Now().Add(time.Hour),
	}
	require.NoError(t, database.SaveJobRun(ctx, deferred))

	claimed, err := database.ClaimNextJobRun(ctx, "w1")
	require.NoError(t, err)
	assert.Nil(t, claimed, "job in backoff is not runnable yet")
}

func TestHasActiveJobRun(t *testing.T) {
	database := openTestDB(t)
	ctx := context.Background()

	active, err := database.HasActiveJobRun(ctx, "p1", "3_build")
	require.NoError(t, err)
	assert.False(t, active)

	require.NoError(t, database.SaveJobRun(ctx, &JobRun{
		ProjectID: "p1", StageKey: "3_build", Status: JobRunQueued, MaxAttempts: 3,
	}))
	active, err = database.HasActiveJobRun(ctx, "p1", "3_build")
	require.NoError(t, err)
	assert.True(t, active)
}

func TestGenericJobClaimLeaseAndRequeue(t *testing.T) {
	database := openTestDB(t)
	ctx := context.Background()

	job := &Job{Type: "template_run", Status: JobQueued, MaxAttempts: 3, Payload: "{}"}
	require.NoError(t, database.SaveJob(ctx, job))

	claimed, err := database.ClaimNextJob(ctx, "w1", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, "w1", claimed.LockedBy)
	require.NotNil(t, claimed.LockExpiresAt)

	// The live lease keeps the job off the claim query.
	other, err := database.ClaimNextJob(ctx, "w2", time.Minute)
	require.NoError(t, err)
	assert.Nil(t, other)

	// The queue layer moves claimed jobs to running; mimic it here so the
	// expired lease becomes eligible for requeue.
	claimed.Status = JobRunning
	require.NoError(t, database.SaveJob(ctx, claimed))

	n, err := database.RequeueExpiredJobs(ctx, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 0, n, "live lease is left alone")

	n, err = database.RequeueExpiredJobs(ctx, time.Now().Add(2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	back, err := database.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobRetry, back.Status)
	assert.Empty(t, back.LockedBy)
}

func TestFindJobByIdempotencyKey(t *testing.T) {
	database := openTestDB(t)
	ctx := context.Background()

	job := &Job{Type: "template_run", Status: JobQueued, MaxAttempts: 3, IdempotencyKey: "run-once"}
	require.NoError(t, database.SaveJob(ctx, job))

	dup, err := database.FindJobByIdempotencyKey(ctx, "run-once")
	require.NoError(t, err)
	require.NotNil(t, dup)
	assert.Equal(t, job.ID, dup.ID)

	none, err := database.FindJobByIdempotencyKey(ctx, "unused")
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestSetAdminConfigVersionCheck(t *testing.T) {
	database := openTestDB(t)
	ctx := context.Background()

	require.NoError(t, database.SetAdminConfig(ctx, ConfigKeyHitlGates, "[]", 0))

	c, err := database.GetAdminConfig(ctx, ConfigKeyHitlGates)
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, 1, c.Version)

	// Wrong expected version conflicts.
	err = database.SetAdminConfig(ctx, ConfigKeyHitlGates, `[{"stage_key":"2_assignment"}]`, 5)
	assert.Error(t, err)

	require.NoError(t, database.SetAdminConfig(ctx, ConfigKeyHitlGates, `[{"stage_key":"2_assignment"}]`, 1))
	c, err = database.GetAdminConfig(ctx, ConfigKeyHitlGates)
	require.NoError(t, err)
	assert.Equal(t, 2, c.Version)
}

func TestAdjustActiveAssignments(t *testing.T) {
	database := openTestDB(t)
	ctx := context.Background()

	require.NoError(t, database.SaveUser(ctx, &User{
		ID: "u1", Name: "Builder", Role: RoleBuilder, Capacity: 2, Active: true,
	}))
	require.NoError(t, database.AdjustActiveAssignments(ctx, "u1", 1))
	require.NoError(t, database.AdjustActiveAssignments(ctx, "u1", 1))
	require.NoError(t, database.AdjustActiveAssignments(ctx, "u1", -1))

	u, err := database.GetUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, u.ActiveAssignments)
}
