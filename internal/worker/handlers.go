package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/tidwall/gjson"

	"github.com/draycraft/dray/internal/db"
	"github.com/draycraft/dray/internal/template"
)

// StageHandlers builds the built-in handler set: build renders the selected
// template into a preview bundle, test runs the validation runners against
// the preview, defect validation re-runs them to count what is still open.
func StageHandlers(database *db.DB, renderer *template.Renderer, validator *template.Validator, logger *slog.Logger) map[string]StageFunc {
	if logger == nil {
		logger = slog.Default()
	}
	return map[string]StageFunc{
		"3_build":             buildHandler(database, renderer),
		"4_test":              testHandler(database, validator),
		"5_defect_validation": defectValidationHandler(database, validator),
	}
}

func buildHandler(database *db.DB, renderer *template.Renderer) StageFunc {
	return func(ctx context.Context, job *db.JobRun) (string, error) {
		tmpl, err := selectedTemplate(ctx, database, job.ProjectID)
		if err != nil {
			return "", err
		}

		var payload struct {
			Dataset  map[string]string `json:"dataset"`
			AssetDir string            `json:"asset_dir"`
		}
		_ = json.Unmarshal([]byte(job.Payload), &payload)

		preview, err := renderer.Render(ctx, tmpl, payload.Dataset, payload.AssetDir)
		if err != nil {
			return "", err
		}

		evidence, err := json.Marshal(map[string]any{
			"status":        "success",
			"preview_url":   preview.URL,
			"thumbnail_url": preview.ThumbnailURL,
			"build_outputs": []string{preview.URL, preview.ThumbnailURL},
			"bundle_bytes":  preview.BundleBytes,
			"asset_count":   preview.AssetCount,
		})
		if err != nil {
			return "", err
		}
		return string(evidence), nil
	}
}

func testHandler(database *db.DB, validator *template.Validator) StageFunc {
	return func(ctx context.Context, job *db.JobRun) (string, error) {
		previewURL, err := buildPreviewURL(ctx, database, job.ProjectID)
		if err != nil {
			return "", err
		}
		tmpl, err := selectedTemplate(ctx, database, job.ProjectID)
		if err != nil {
			return "", err
		}

		result, err := validator.Validate(ctx, tmpl, previewURL)
		if err != nil {
			return "", err
		}
		return testEvidence(result), nil
	}
}

func defectValidationHandler(database *db.DB, validator *template.Validator) StageFunc {
	return func(ctx context.Context, job *db.JobRun) (string, error) {
		previewURL, err := buildPreviewURL(ctx, database, job.ProjectID)
		if err != nil {
			return "", err
		}
		tmpl, err := selectedTemplate(ctx, database, job.ProjectID)
		if err != nil {
			return "", err
		}

		result, err := validator.Validate(ctx, tmpl, previewURL)
		if err != nil {
			return "", err
		}

		var open []string
		for _, f := range gjson.Get(result.Scorecard, "failures").Array() {
			open = append(open, f.String())
		}
		evidence, err := json.Marshal(map[string]any{
			"defects_open": len(open),
			"defects":      open,
		})
		if err != nil {
			return "", err
		}
		return string(evidence), nil
	}
}

// testEvidence translates an aggregated validation scorecard into the
// evidence shape the contract's quality section reads.
func testEvidence(result *db.ValidationResult) string {
	var failures []string
	for _, f := range gjson.Get(result.Scorecard, "failures").Array() {
		failures = append(failures, f.String())
	}
	if failures == nil {
		failures = []string{}
	}

	// Each failed gate costs five points off the pass rate.
	passRate := 100.0 - 5.0*float64(len(failures))
	if passRate < 0 {
		passRate = 0
	}

	evidence := map[string]any{
		"failures":  failures,
		"pass_rate": passRate,
	}
	lighthouse := gjson.Get(result.Scorecard, "lighthouse")
	if lighthouse.Exists() {
		evidence["lighthouse"] = map[string]int64{
			"perf": lighthouse.Get("performance").Int(),
			"a11y": lighthouse.Get("accessibility").Int(),
			"bp":   lighthouse.Get("best_practices").Int(),
			"seo":  lighthouse.Get("seo").Int(),
		}
	}
	if axe := gjson.Get(result.Scorecard, "axe"); axe.Exists() {
		evidence["axe"] = map[string]int64{
			"critical": axe.Get("critical").Int(),
			"serious":  axe.Get("serious").Int(),
		}
	}

	raw, err := json.Marshal(evidence)
	if err != nil {
		return "{}"
	}
	return string(raw)
}

func selectedTemplate(ctx context.Context, database *db.DB, projectID string) (*db.Template, error) {
	pt, err := database.GetProjectTemplate(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if pt == nil {
		return nil, fmt.Errorf("project %s has no template selected", projectID)
	}
	tmpl, err := database.GetTemplate(ctx, pt.TemplateSlug)
	if err != nil {
		return nil, err
	}
	if tmpl == nil {
		return nil, fmt.Errorf("template %s is not in the registry", pt.TemplateSlug)
	}
	return tmpl, nil
}

func buildPreviewURL(ctx context.Context, database *db.DB, projectID string) (string, error) {
	st, err := database.GetStageState(ctx, projectID, "3_build")
	if err != nil {
		return "", err
	}
	if st == nil {
		return "", fmt.Errorf("project %s has no build output to test", projectID)
	}
	url := gjson.Get(st.Evidence, "preview_url").String()
	if url == "" {
		return "", fmt.Errorf("project %s build produced no preview URL", projectID)
	}
	return url, nil
}
