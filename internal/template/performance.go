package template

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/draycraft/dray/internal/config"
	"github.com/draycraft/dray/internal/db"
)

// Performance aggregation weights. Client sentiment dominates, with defect
// volume and rework cycles pulling the score down.
const (
	weightSentiment = 0.40
	weightDefects   = 0.35
	weightCycles    = 0.25
)

// ProjectOutcome is one delivered project's contribution to a template's
// performance score.
type ProjectOutcome struct {
	ProjectID    string  `json:"project_id"`
	Sentiment    float64 `json:"sentiment"` // 0..1
	Defects      int     `json:"defects"`
	DefectCycles int     `json:"defect_cycles"`
}

// PerformanceMetrics is the aggregate persisted on the template registry row.
type PerformanceMetrics struct {
	Score           float64   `json:"score"`
	AvgSentiment    float64   `json:"avg_sentiment"`
	AvgDefects      float64   `json:"avg_defects"`
	AvgDefectCycles float64   `json:"avg_defect_cycles"`
	Projects        int       `json:"projects"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// AggregatePerformance folds delivered-project outcomes into a single
// score and persists it on the template row. An empty sample set leaves
// the stored metrics untouched.
func AggregatePerformance(ctx context.Context, database *db.DB, policy config.Policy, slug string, outcomes []ProjectOutcome) (*PerformanceMetrics, error) {
	if len(outcomes) == 0 {
		return nil, nil
	}
	t, err := database.GetTemplate(ctx, slug)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, fmt.Errorf("aggregate performance: template %s not found", slug)
	}

	var sentiment, defects, cycles float64
	for _, o := range outcomes {
		sentiment += clamp01(o.Sentiment)
		defects += float64(o.Defects)
		cycles += float64(o.DefectCycles)
	}
	n := float64(len(outcomes))
	m := &PerformanceMetrics{
		AvgSentiment:    sentiment / n,
		AvgDefects:      defects / n,
		AvgDefectCycles: cycles / n,
		Projects:        len(outcomes),
		UpdatedAt:       time.Now().UTC(),
	}

	// Defects normalize against the pass-threshold allowance, cycles
	// against the rework cap: a template averaging at the cap scores zero
	// on that component.
	cycleCap := float64(policy.DefectCycleCap)
	if cycleCap <= 0 {
		cycleCap = 5
	}
	defectScale := 10.0
	m.Score = weightSentiment*m.AvgSentiment +
		weightDefects*(1-clamp01(m.AvgDefects/defectScale)) +
		weightCycles*(1-clamp01(m.AvgDefectCycles/cycleCap))

	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal performance metrics: %w", err)
	}
	t.Performance = string(data)
	if err := database.SaveTemplate(ctx, t); err != nil {
		return nil, err
	}
	return m, nil
}

func clamp01(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}
