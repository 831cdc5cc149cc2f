package template

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/draycraft/dray/internal/db"
	"github.com/draycraft/dray/internal/events"
)

// Proposal is one suggested blueprint delta. Proposals are surfaced for
// human review and never applied automatically.
type Proposal struct {
	Path   string `json:"path"`
	From   string `json:"from"`
	To     string `json:"to"`
	Reason string `json:"reason"`
}

// ProposeEvolution derives blueprint-delta proposals from a template's
// stored performance metrics and its most recent validation scorecard.
// The returned proposals are also published for review dashboards.
func ProposeEvolution(ctx context.Context, database *db.DB, publisher events.Publisher, slug string) ([]Proposal, error) {
	t, err := database.GetTemplate(ctx, slug)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, fmt.Errorf("propose evolution: template %s not found", slug)
	}

	bp, _, err := ParseBlueprint([]byte(t.BlueprintJSON))
	if err != nil {
		return nil, fmt.Errorf("propose evolution: %w", err)
	}

	var metrics PerformanceMetrics
	_ = json.Unmarshal([]byte(t.Performance), &metrics)

	var proposals []Proposal

	if metrics.Projects > 0 && metrics.AvgSentiment < 0.5 {
		home := HomePage(bp)
		if home != nil && len(home.Sections) > 0 && home.Sections[0].Type != "hero" {
			proposals = append(proposals, Proposal{
				Path:   fmt.Sprintf("pages.%s.sections.0.type", home.Slug),
				From:   home.Sections[0].Type,
				To:     "hero",
				Reason: fmt.Sprintf("average client sentiment %.2f; leading with a hero section tests better", metrics.AvgSentiment),
			})
		}
	}

	if metrics.Projects > 0 && metrics.AvgDefectCycles >= 2 {
		proposals = append(proposals, Proposal{
			Path:   "constraints.seo_basics",
			From:   fmt.Sprintf("%t", bp.Constraints.SEOBasics),
			To:     "true",
			Reason: fmt.Sprintf("average of %.1f defect cycles; tightening baseline constraints reduces rework", metrics.AvgDefectCycles),
		})
	}

	if failures := recentValidationFailures(ctx, database, t); len(failures) > 0 {
		if hasAccessibilityFailure(failures) && bp.Constraints.WCAGTarget == "A" {
			proposals = append(proposals, Proposal{
				Path:   "constraints.wcag_target",
				From:   "A",
				To:     "AA",
				Reason: "latest validation reported accessibility failures",
			})
		}
	}

	if len(proposals) > 0 && publisher != nil {
		detail := map[string]any{"template_slug": slug, "proposals": proposals}
		publisher.Publish(events.New(events.TemplateProposal, "", "", detail))
	}
	return proposals, nil
}

func recentValidationFailures(ctx context.Context, database *db.DB, t *db.Template) []string {
	result, err := database.FindLatestValidationResult(ctx, t.Slug)
	if err != nil || result == nil || result.Passed {
		return nil
	}
	var scorecard struct {
		Failures []string `json:"failures"`
	}
	_ = json.Unmarshal([]byte(result.Scorecard), &scorecard)
	return scorecard.Failures
}

func hasAccessibilityFailure(failures []string) bool {
	for _, f := range failures {
		if strings.Contains(f, "accessibility") || strings.Contains(f, "axe") {
			return true
		}
	}
	return false
}
