package contract

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/draycraft/dray/internal/db"
)

func testDB(t *testing.T) *db.DB {
	t.Helper()
	database, err := db.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })
	return database
}

func seedProject(t *testing.T, database *db.DB, id string) {
	t.Helper()
	err := database.SaveProject(context.Background(), &db.Project{
		ID:           id,
		Title:        "Acme Relaunch",
		ClientName:   "Acme",
		ClientEmail:  "ops@acme.test",
		Priority:     "MEDIUM",
		CurrentStage: "ONBOARDING",
		Status:       db.ProjectStatusActive,
	})
	require.NoError(t, err)
}

func TestCreateOrUpdateIdempotent(t *testing.T) {
	database := testDB(t)
	ctx := context.Background()
	seedProject(t, database, "p1")

	b := NewBuilder(database, nil, nil)

	version, changed, err := b.CreateOrUpdate(ctx, "p1", "test")
	require.NoError(t, err)
	require.True(t, changed)
	require.Equal(t, 1, version)

	// Unchanged inputs keep the version.
	version, changed, err = b.CreateOrUpdate(ctx, "p1", "test")
	require.NoError(t, err)
	require.False(t, changed)
	require.Equal(t, 1, version)

	// A real change bumps it.
	p, err := database.GetProject(ctx, "p1")
	require.NoError(t, err)
	p.ConsultantID = "u1"
	require.NoError(t, database.SaveProject(ctx, p))

	version, changed, err = b.CreateOrUpdate(ctx, "p1", "test")
	require.NoError(t, err)
	require.True(t, changed)
	require.Equal(t, 2, version)

	stored, err := b.Get(ctx, "p1")
	require.NoError(t, err)
	require.Equal(t, 2, stored.Version)
	require.Equal(t, "u1", gjson.Get(stored.JSON, "assignments.consultant_id").String())
}

func TestApprovalRowsDoNotBumpVersion(t *testing.T) {
	database := testDB(t)
	ctx := context.Background()
	seedProject(t, database, "p1")

	b := NewBuilder(database, nil, nil)
	version, _, err := b.CreateOrUpdate(ctx, "p1", "test")
	require.NoError(t, err)

	require.NoError(t, database.SaveApproval(ctx, &db.Approval{
		ProjectID: "p1",
		StageKey:  "2_assignment",
		Status:    db.ApprovalPending,
	}))

	next, changed, err := b.CreateOrUpdate(ctx, "p1", "test")
	require.NoError(t, err)
	require.False(t, changed)
	require.Equal(t, version, next)
}

func TestBuildShape(t *testing.T) {
	database := testDB(t)
	ctx := context.Background()
	seedProject(t, database, "p1")

	submitted := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	require.NoError(t, database.SaveOnboarding(ctx, &db.Onboarding{
		ProjectID:         "p1",
		Data:              `{"primary_contact":"jo@acme.test","brand":{"name":"Acme"}}`,
		CompletionPercent: 90,
		SubmittedAt:       &submitted,
	}))
	require.NoError(t, database.SaveProjectTemplate(ctx, &db.ProjectTemplate{
		ProjectID:    "p1",
		TemplateSlug: "aurora",
		Validated:    true,
	}))
	require.NoError(t, database.SaveStageState(ctx, &db.StageState{
		ProjectID: "p1",
		StageKey:  "3_build",
		Status:    db.StageComplete,
		Evidence:  `{"preview_url":"https://preview.test/p1","build_outputs":["bundle.zip"]}`,
	}))
	require.NoError(t, database.SaveStageState(ctx, &db.StageState{
		ProjectID: "p1",
		StageKey:  "4_test",
		Status:    db.StageRunning,
		Evidence:  `{"lighthouse":{"perf":91,"a11y":95},"axe":{"critical":0,"serious":1}}`,
	}))

	_, _, err := NewBuilder(database, nil, nil).CreateOrUpdate(ctx, "p1", "test")
	require.NoError(t, err)
	stored, err := database.GetContract(ctx, "p1")
	require.NoError(t, err)

	doc := stored.JSON
	require.Equal(t, int64(SchemaVersion), gjson.Get(doc, "meta.schema_version").Int())
	require.Equal(t, "p1", gjson.Get(doc, "meta.project_id").String())
	require.Equal(t, "2026-03-01T09:00:00Z", gjson.Get(doc, "onboarding.submitted_at").String())
	require.True(t, gjson.Get(doc, "onboarding.submitted").Bool())
	require.Equal(t, "jo@acme.test", gjson.Get(doc, "onboarding.fields.primary_contact").String())
	require.Equal(t, "aurora", gjson.Get(doc, "template.selected_template_id").String())
	require.True(t, gjson.Get(doc, "template.validated").Bool())
	require.Equal(t, "complete", gjson.Get(doc, "stages.3_build.status").String())
	require.Equal(t, "bundle.zip", gjson.Get(doc, "artifacts.build_outputs.0").String())
	require.Equal(t, int64(91), gjson.Get(doc, "quality.lighthouse.perf").Int())
	require.Equal(t, int64(1), gjson.Get(doc, "quality.axe.serious").Int())
}

func TestBuildMissingProject(t *testing.T) {
	database := testDB(t)
	_, err := NewBuilder(database, nil, nil).Build(context.Background(), "nope")
	require.Error(t, err)
}

func TestFingerprintTracksInputs(t *testing.T) {
	docA := `{"onboarding":{"submitted_at":"2026-03-01T09:00:00Z"},
		"template":{"selected_template_id":"aurora"},
		"artifacts":{"uploads":["a"],"build_outputs":[]},
		"stages":{"2_assignment":{"outputs":{"rationale":"x"}}}}`

	fpA := Fingerprint(1, docA, "2_assignment")
	require.NotEmpty(t, fpA)
	require.Equal(t, fpA, Fingerprint(1, docA, "2_assignment"))

	// Version bump changes the fingerprint.
	require.NotEqual(t, fpA, Fingerprint(2, docA, "2_assignment"))

	// Template swap changes it.
	docB := `{"onboarding":{"submitted_at":"2026-03-01T09:00:00Z"},
		"template":{"selected_template_id":"boreal"},
		"artifacts":{"uploads":["a"],"build_outputs":[]},
		"stages":{"2_assignment":{"outputs":{"rationale":"x"}}}}`
	require.NotEqual(t, fpA, Fingerprint(1, docB, "2_assignment"))

	// Output values may drift; only the identity set matters.
	docC := `{"onboarding":{"submitted_at":"2026-03-01T09:00:00Z"},
		"template":{"selected_template_id":"aurora"},
		"artifacts":{"uploads":["a"],"build_outputs":[]},
		"stages":{"2_assignment":{"outputs":{"rationale":"y"}}}}`
	require.Equal(t, fpA, Fingerprint(1, docC, "2_assignment"))
}

func TestCanonicalStable(t *testing.T) {
	a := map[string]any{"b": 1, "a": map[string]any{"z": true, "y": "s"}}
	h1, err := Hash(a)
	require.NoError(t, err)
	h2, err := Hash(map[string]any{"a": map[string]any{"y": "s", "z": true}, "b": 1})
	require.NoError(t, err)
	require.Equal(t, h1, h2)
}
