package hitl

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/draycraft/dray/internal/config"
	"github.com/draycraft/dray/internal/db"
)

func setup(t *testing.T) (*db.DB, *Service) {
	t.Helper()
	database, err := db.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })
	return database, NewService(database, nil, config.DefaultPolicy(), nil)
}

func saveProject(t *testing.T, database *db.DB, p *db.Project) *db.Project {
	t.Helper()
	require.NoError(t, database.SaveProject(context.Background(), p))
	return p
}

func TestResolveRulePrecedence(t *testing.T) {
	global := `[{"stage_key":"2_assignment","mode":"always"},{"stage_key":"3_build","mode":"conditional"}]`
	overrides := `[{"stage_key":"2_assignment","mode":"never"}]`

	r := ResolveRule(overrides, global, "2_assignment")
	require.Equal(t, ModeNever, r.Mode)

	r = ResolveRule(overrides, global, "3_build")
	require.Equal(t, ModeConditional, r.Mode)

	// Neither layer names the stage: implicit never.
	r = ResolveRule(overrides, global, "4_test")
	require.Equal(t, ModeNever, r.Mode)

	// Malformed layers fall through.
	r = ResolveRule("not json", "also not json", "3_build")
	require.Equal(t, ModeNever, r.Mode)
}

func TestEvaluateDecisionTable(t *testing.T) {
	database, svc := setup(t)
	ctx := context.Background()
	require.NoError(t, database.SetAdminConfig(ctx, db.ConfigKeyHitlGates, `[
		{"stage_key":"1_onboarding","mode":"never"},
		{"stage_key":"2_assignment","mode":"conditional",
			"conditions_json":{"all":[{"path":"assignments.consultant_id","op":"exists"}]}},
		{"stage_key":"3_build","mode":"always"}
	]`, 0))

	doc := `{"assignments":{"consultant_id":null}}`

	tests := []struct {
		name     string
		mode     string
		stageKey string
		doc      string
		required bool
	}{
		{"never is free in conditional mode", db.AutopilotConditional, "1_onboarding", doc, false},
		{"never is free in full mode", db.AutopilotFull, "1_onboarding", doc, false},
		{"always requires in conditional mode", db.AutopilotConditional, "3_build", doc, true},
		{"always requires even in full mode", db.AutopilotFull, "3_build", doc, true},
		{"conditional skipped in full mode", db.AutopilotFull, "2_assignment", doc, false},
		{"conditional failing requires", db.AutopilotConditional, "2_assignment", doc, true},
		{"conditional passing is free", db.AutopilotConditional, "2_assignment",
			`{"assignments":{"consultant_id":"u1"}}`, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			project := &db.Project{ID: "p-" + tt.name, AutopilotEnabled: true, AutopilotMode: tt.mode}
			d, err := svc.Evaluate(ctx, project, tt.stageKey, tt.doc)
			require.NoError(t, err)
			require.Equal(t, tt.required, d.Required)
			if tt.required && d.Rule.Mode == ModeConditional {
				require.Contains(t, d.Reasons[0], "Gate conditions failed")
			}
		})
	}
}

func TestApprovalLifecycle(t *testing.T) {
	database, svc := setup(t)
	ctx := context.Background()
	project := saveProject(t, database, &db.Project{ID: "p1", AutopilotEnabled: true, AutopilotMode: db.AutopilotConditional})

	c := &db.Contract{ProjectID: "p1", Version: 1, JSON: `{"onboarding":{"submitted_at":"2026-03-01T09:00:00Z"}}`}
	d := Decision{Required: true, Rule: Rule{StageKey: "2_assignment", Mode: ModeConditional}}

	a, err := svc.EnsurePending(ctx, project, "2_assignment", d, c)
	require.NoError(t, err)
	require.Equal(t, db.ApprovalPending, a.Status)
	require.NotEmpty(t, a.InputsFingerprint)

	// Second call updates the existing row instead of creating another.
	again, err := svc.EnsurePending(ctx, project, "2_assignment", d, c)
	require.NoError(t, err)
	require.Equal(t, a.ID, again.ID)

	approved, err := svc.Approve(ctx, "p1", "2_assignment", "mgr1", "looks good")
	require.NoError(t, err)
	require.Equal(t, db.ApprovalApproved, approved.Status)
	require.Equal(t, "mgr1", approved.ApproverID)
	require.NotNil(t, approved.DecidedAt)

	state, err := database.GetStageState(ctx, "p1", "2_assignment")
	require.NoError(t, err)
	require.Equal(t, db.StageComplete, state.Status)

	// Nothing pending anymore.
	none, err := svc.Approve(ctx, "p1", "2_assignment", "mgr1", "")
	require.NoError(t, err)
	require.Nil(t, none)
}

func TestRejectBlocksStage(t *testing.T) {
	database, svc := setup(t)
	ctx := context.Background()
	project := saveProject(t, database, &db.Project{ID: "p1", AutopilotEnabled: true, AutopilotMode: db.AutopilotConditional})

	c := &db.Contract{ProjectID: "p1", Version: 1, JSON: `{}`}
	_, err := svc.EnsurePending(ctx, project, "3_build", Decision{Required: true, Rule: Rule{StageKey: "3_build", Mode: ModeAlways}}, c)
	require.NoError(t, err)

	rejected, err := svc.Reject(ctx, "p1", "3_build", "mgr1", "template mismatch")
	require.NoError(t, err)
	require.Equal(t, db.ApprovalRejected, rejected.Status)

	state, err := database.GetStageState(ctx, "p1", "3_build")
	require.NoError(t, err)
	require.Equal(t, db.StageBlocked, state.Status)
	require.Contains(t, state.BlockedReasonList()[0], "template mismatch")
}

func TestInvalidateStale(t *testing.T) {
	database, svc := setup(t)
	ctx := context.Background()
	project := saveProject(t, database, &db.Project{ID: "p1", AutopilotEnabled: true, AutopilotMode: db.AutopilotConditional})

	v1 := &db.Contract{ProjectID: "p1", Version: 1, JSON: `{"template":{"selected_template_id":"aurora"}}`}
	a, err := svc.EnsurePending(ctx, project, "3_build", Decision{Required: true, Rule: Rule{StageKey: "3_build", Mode: ModeConditional}}, v1)
	require.NoError(t, err)

	// Same contract: fingerprint matches, nothing happens.
	n, err := svc.InvalidateStale(ctx, "p1", v1)
	require.NoError(t, err)
	require.Zero(t, n)

	// Bumped contract with a different template drifts the fingerprint.
	v2 := &db.Contract{ProjectID: "p1", Version: 2, JSON: `{"template":{"selected_template_id":"boreal"}}`}
	n, err = svc.InvalidateStale(ctx, "p1", v2)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	stored, err := database.GetApproval(ctx, a.ID)
	require.NoError(t, err)
	require.Equal(t, db.ApprovalInvalidated, stored.Status)

	pending, err := database.GetPendingApproval(ctx, "p1", "3_build")
	require.NoError(t, err)
	require.Nil(t, pending)
}

func TestExpireStale(t *testing.T) {
	database, svc := setup(t)
	ctx := context.Background()

	old := &db.Approval{
		ProjectID: "p1",
		StageKey:  "3_build",
		Status:    db.ApprovalPending,
		CreatedAt: time.Now().Add(-8 * 24 * time.Hour),
	}
	require.NoError(t, database.SaveApproval(ctx, old))

	fresh := &db.Approval{ProjectID: "p2", StageKey: "3_build", Status: db.ApprovalPending}
	require.NoError(t, database.SaveApproval(ctx, fresh))

	n, err := svc.ExpireStale(ctx, time.Now())
	require.NoError(t, err)
	require.Equal(t, 1, n)

	stored, err := database.GetApproval(ctx, old.ID)
	require.NoError(t, err)
	require.Equal(t, db.ApprovalExpired, stored.Status)

	kept, err := database.GetApproval(ctx, fresh.ID)
	require.NoError(t, err)
	require.Equal(t, db.ApprovalPending, kept.Status)
}
