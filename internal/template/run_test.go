package template

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/draycraft/dray/internal/ai"
	"github.com/draycraft/dray/internal/config"
	"github.com/draycraft/dray/internal/db"
)

// scriptedClient replays canned responses per task tag, repeating the last
// one when the script runs out.
type scriptedClient struct {
	responses map[string][]string
	calls     map[string]int
}

func (c *scriptedClient) Complete(_ context.Context, tag, _ string) (string, error) {
	if c.calls == nil {
		c.calls = make(map[string]int)
	}
	i := c.calls[tag]
	c.calls[tag]++
	script := c.responses[tag]
	if len(script) == 0 {
		return `{}`, nil
	}
	if i >= len(script) {
		i = len(script) - 1
	}
	return script[i], nil
}

func openDB(t *testing.T) *db.DB {
	t.Helper()
	database, err := db.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })
	return database
}

func TestRunSucceedsFirstIteration(t *testing.T) {
	database := openDB(t)
	client := ai.NewStub(map[string]string{
		ai.TaskBlueprintGenerate: validBlueprintJSON,
	})
	pipeline := NewPipeline(database, client, config.DefaultPolicy(), nil)

	run, err := pipeline.Run(context.Background(), "modern-stay", "boutique hotel site")
	require.NoError(t, err)
	assert.Equal(t, RunSuccess, run.Status)
	assert.Equal(t, 1, run.Iterations)
	assert.NotEmpty(t, run.BlueprintHash)
	assert.Equal(t, "[]", run.HardChecks)
	assert.Contains(t, run.Scorecard, `"score":1`)

	stored, err := database.GetBlueprintRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, RunSuccess, stored.Status)
	assert.Contains(t, stored.PromptLog, ai.TaskBlueprintCritique)
}

func TestRunRefinesOnCritiqueIssues(t *testing.T) {
	database := openDB(t)
	refined := strings.Replace(validBlueprintJSON, "Modern Stay", "Modern Stay v2", 1)
	client := &scriptedClient{responses: map[string][]string{
		ai.TaskBlueprintGenerate: {validBlueprintJSON},
		ai.TaskBlueprintCritique: {
			`{"issues":[{"detail":"hero copy too generic"}],"score":0.4}`,
			`{"issues":[],"score":0.9}`,
		},
		ai.TaskBlueprintRefine: {refined},
	}}
	pipeline := NewPipeline(database, client, config.DefaultPolicy(), nil)

	run, err := pipeline.Run(context.Background(), "modern-stay", "boutique hotel site")
	require.NoError(t, err)
	assert.Equal(t, RunSuccess, run.Status)
	assert.Equal(t, 2, run.Iterations)
	assert.Contains(t, run.BlueprintJSON, "Modern Stay v2")
	assert.Equal(t, 2, client.calls[ai.TaskBlueprintCritique])
}

func TestRunAbortsOnIdenticalRefinement(t *testing.T) {
	database := openDB(t)
	// Parses but fails hard checks, and refinement never changes it.
	broken := `{"meta":{"schema_version":1,"name":"X"},"pages":[{"slug":"home","title":"X","sections":[]}],"constraints":{"wcag_target":"AA"}}`
	client := &scriptedClient{responses: map[string][]string{
		ai.TaskBlueprintGenerate: {broken},
		ai.TaskBlueprintRefine:   {broken},
	}}
	pipeline := NewPipeline(database, client, config.DefaultPolicy(), nil)

	run, err := pipeline.Run(context.Background(), "modern-stay", "brief")
	require.NoError(t, err)
	assert.Equal(t, RunFailed, run.Status)
	assert.Contains(t, run.Error, "identical blueprint")
}

func TestRunRepairPassRecovers(t *testing.T) {
	database := openDB(t)
	client := &scriptedClient{responses: map[string][]string{
		ai.TaskBlueprintGenerate: {"sorry, here you go:", "```json\n" + validBlueprintJSON + "\n```"},
	}}
	pipeline := NewPipeline(database, client, config.DefaultPolicy(), nil)

	run, err := pipeline.Run(context.Background(), "modern-stay", "brief")
	require.NoError(t, err)
	assert.Equal(t, RunSuccess, run.Status)
	assert.Equal(t, 2, client.calls[ai.TaskBlueprintGenerate])
}

func TestRunRepairPassExhausted(t *testing.T) {
	database := openDB(t)
	client := &scriptedClient{responses: map[string][]string{
		ai.TaskBlueprintGenerate: {"still not json"},
	}}
	pipeline := NewPipeline(database, client, config.DefaultPolicy(), nil)

	run, err := pipeline.Run(context.Background(), "modern-stay", "brief")
	require.NoError(t, err)
	assert.Equal(t, RunFailed, run.Status)
	assert.Contains(t, run.Error, "after repair")
	assert.Equal(t, 2, client.calls[ai.TaskBlueprintGenerate])
}

func TestPromoteBumpsRegistryVersion(t *testing.T) {
	database := openDB(t)
	ctx := context.Background()
	pipeline := NewPipeline(database, ai.NewStub(map[string]string{
		ai.TaskBlueprintGenerate: validBlueprintJSON,
	}), config.DefaultPolicy(), nil)

	run, err := pipeline.Run(ctx, "modern-stay", "brief")
	require.NoError(t, err)

	first, err := pipeline.Promote(ctx, run, "Modern Stay")
	require.NoError(t, err)
	assert.Equal(t, 1, first.Version)
	assert.Equal(t, db.TemplateValidated, first.Status)

	second, err := pipeline.Promote(ctx, run, "")
	require.NoError(t, err)
	assert.Equal(t, 2, second.Version)
	assert.Equal(t, "Modern Stay", second.Name)

	failed := &db.BlueprintRun{ID: "r1", Status: RunFailed}
	_, err = pipeline.Promote(ctx, failed, "X")
	require.Error(t, err)
}
