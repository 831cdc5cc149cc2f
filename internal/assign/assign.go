// Package assign implements role-based auto-assignment: ranking candidate
// users for the consultant, builder, and tester roles with a deterministic
// weighted score, an optional AI re-rank for close calls, and counter
// bookkeeping on the chosen users.
package assign

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/draycraft/dray/internal/ai"
	"github.com/draycraft/dray/internal/config"
	"github.com/draycraft/dray/internal/db"
	"github.com/draycraft/dray/internal/events"
)

// Score weights. Values sum to 1.
const (
	weightSkill        = 0.35
	weightWorkload     = 0.25
	weightAvailability = 0.15
	weightPerformance  = 0.15
	weightSLAUrgency   = 0.10
)

// rerankGap is the top-two score distance under which the AI re-rank runs.
const rerankGap = 0.05

// defaultPerformance applies to users with no measured score.
const defaultPerformance = 0.7

// Roles the engine fills, in fill order.
var Roles = []string{db.RoleConsultant, db.RoleBuilder, db.RoleTester}

// Candidate is one ranked user.
type Candidate struct {
	User      *db.User
	Score     float64
	Breakdown map[string]float64
	Reasons   []string
}

// Rationale is the persisted explanation for one role choice.
type Rationale struct {
	Role    string   `json:"role"`
	UserID  string   `json:"user_id"`
	Score   float64  `json:"score"`
	Reasons []string `json:"reasons"`
}

// Result summarizes one AssignAll run.
type Result struct {
	// Assigned maps role to the user now holding it (including kept ones).
	Assigned map[string]string
	// Blocked lists roles that could not be filled, with reasons.
	Blocked []string
	// Skipped is true when the rate-limit window suppressed the run.
	Skipped bool
}

// Engine ranks and assigns users to project roles.
type Engine struct {
	database  *db.DB
	aiClient  ai.Client
	publisher events.Publisher
	policy    config.Policy
	logger    *slog.Logger
}

// NewEngine creates an assignment engine. aiClient, publisher, and logger
// may be nil.
func NewEngine(database *db.DB, aiClient ai.Client, publisher events.Publisher, policy config.Policy, logger *slog.Logger) *Engine {
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{database: database, aiClient: aiClient, publisher: publisher, policy: policy, logger: logger}
}

// Rank scores eligible users of a role for a project, highest first.
// Out-of-office users are excluded before scoring.
func (e *Engine) Rank(ctx context.Context, project *db.Project, role string) ([]Candidate, error) {
	users, err := e.database.ListUsersByRole(ctx, role)
	if err != nil {
		return nil, err
	}

	needSkills := projectNeedSkills(project)
	var candidates []Candidate
	for _, u := range users {
		if u.Availability == db.AvailabilityOutOfOffice {
			continue
		}
		candidates = append(candidates, score(u, needSkills, project))
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Score != candidates[j].Score {
			return candidates[i].Score > candidates[j].Score
		}
		return candidates[i].User.ID < candidates[j].User.ID
	})

	return e.maybeRerank(ctx, project, candidates), nil
}

func projectNeedSkills(p *db.Project) map[string]bool {
	var skills []string
	if p.NeedSkills != "" {
		_ = json.Unmarshal([]byte(p.NeedSkills), &skills)
	}
	set := make(map[string]bool, len(skills))
	for _, s := range skills {
		set[s] = true
	}
	return set
}

func score(u *db.User, needSkills map[string]bool, project *db.Project) Candidate {
	c := Candidate{User: u, Breakdown: map[string]float64{}}

	skill := skillScore(u.SkillSet(), needSkills)
	c.Breakdown["skill"] = skill
	if skill > 0.5 {
		c.Reasons = append(c.Reasons, "skill overlap with project needs")
	}

	workload := 0.0
	if u.Capacity > 0 {
		workload = 1 - float64(u.ActiveAssignments)/float64(u.Capacity)
		if workload < 0 {
			workload = 0
		}
	}
	c.Breakdown["workload"] = workload
	if workload == 0 {
		c.Reasons = append(c.Reasons, "at capacity")
	}

	availability := 0.0
	switch u.Availability {
	case db.AvailabilityAvailable:
		availability = 1
		c.Reasons = append(c.Reasons, "available now")
	case db.AvailabilityBusy:
		availability = 0.5
	}
	c.Breakdown["availability"] = availability

	performance := u.PerformanceScore
	if performance == 0 {
		performance = defaultPerformance
	}
	c.Breakdown["performance"] = performance

	urgency := slaUrgency(project)
	c.Breakdown["sla_urgency"] = urgency

	c.Score = weightSkill*skill + weightWorkload*workload +
		weightAvailability*availability + weightPerformance*performance +
		weightSLAUrgency*urgency
	return c
}

// skillScore is Jaccard overlap with a +0.2 floor bonus for any overlap at
// all. No declared need skills scores neutral.
func skillScore(have, need map[string]bool) float64 {
	if len(need) == 0 {
		return 0.5
	}
	overlap := 0
	for s := range need {
		if have[s] {
			overlap++
		}
	}
	if overlap == 0 {
		return 0
	}
	union := len(need) + len(have) - overlap
	jaccard := float64(overlap) / float64(union)
	if s := jaccard + 0.2; s < 1 {
		return s
	}
	return 1
}

func slaUrgency(p *db.Project) float64 {
	if p.DueAt != nil && p.DueAt.Before(time.Now()) {
		return 1
	}
	switch p.Priority {
	case "CRITICAL":
		return 1
	case "HIGH":
		return 0.8
	case "MEDIUM":
		return 0.4
	default:
		return 0.2
	}
}

// maybeRerank asks the AI collaborator to reorder the candidates when the
// top two are within rerankGap or the project is high priority. Any failure
// keeps the deterministic order.
func (e *Engine) maybeRerank(ctx context.Context, project *db.Project, candidates []Candidate) []Candidate {
	if e.aiClient == nil || len(candidates) < 2 {
		return candidates
	}
	tight := candidates[0].Score-candidates[1].Score < rerankGap
	urgent := project.Priority == "HIGH" || project.Priority == "CRITICAL"
	if !tight && !urgent {
		return candidates
	}

	prompt := rerankPrompt(project, candidates)
	raw, err := e.aiClient.Complete(ctx, ai.TaskAssignRerank, prompt)
	if err != nil {
		e.logger.Warn("assignment re-rank failed", "project_id", project.ID, "error", err)
		return candidates
	}

	var resp struct {
		Order []string `json:"order"`
	}
	if err := ai.DecodeJSON(raw, &resp); err != nil || len(resp.Order) == 0 {
		return candidates
	}

	byID := make(map[string]Candidate, len(candidates))
	for _, c := range candidates {
		byID[c.User.ID] = c
	}
	reordered := make([]Candidate, 0, len(candidates))
	seen := map[string]bool{}
	for _, id := range resp.Order {
		if c, ok := byID[id]; ok && !seen[id] {
			reordered = append(reordered, c)
			seen[id] = true
		}
	}
	// Candidates the model dropped keep their deterministic positions.
	for _, c := range candidates {
		if !seen[c.User.ID] {
			reordered = append(reordered, c)
		}
	}
	return reordered
}

func rerankPrompt(project *db.Project, candidates []Candidate) string {
	type entry struct {
		UserID string             `json:"user_id"`
		Score  float64            `json:"score"`
		Detail map[string]float64 `json:"detail"`
	}
	entries := make([]entry, len(candidates))
	for i, c := range candidates {
		entries[i] = entry{UserID: c.User.ID, Score: c.Score, Detail: c.Breakdown}
	}
	payload, _ := json.Marshal(map[string]any{
		"project_priority": project.Priority,
		"candidates":       entries,
	})
	return fmt.Sprintf(`Rank these candidates for a website-build role. Respond with JSON {"order": ["user_id", ...]} listing best first.

%s`, payload)
}

// AssignAll fills the consultant, builder, and tester roles for a project.
// Already-filled roles are kept unless force is set. Runs inside the
// rate-limit window are skipped unless force is set.
func (e *Engine) AssignAll(ctx context.Context, projectID string, force bool) (*Result, error) {
	project, err := e.database.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if project == nil {
		return nil, fmt.Errorf("assign: project %s not found", projectID)
	}

	now := time.Now()
	if !force && project.LastAssignmentRunAt != nil &&
		now.Sub(*project.LastAssignmentRunAt) < e.policy.AssignmentWindow() {
		return &Result{Skipped: true}, nil
	}

	result := &Result{Assigned: map[string]string{}}
	var rationales []Rationale

	for _, role := range Roles {
		current := roleHolder(project, role)
		if current != "" && !force {
			result.Assigned[role] = current
			continue
		}

		candidates, err := e.Rank(ctx, project, role)
		if err != nil {
			return nil, err
		}

		chosen := pick(candidates)
		if chosen == nil {
			reason := fmt.Sprintf("no eligible %s candidate", role)
			if len(candidates) > 0 {
				reason = fmt.Sprintf("all %s candidates at capacity", role)
			}
			result.Blocked = append(result.Blocked, reason)
			continue
		}

		if current != "" && current != chosen.User.ID {
			if err := e.database.AdjustActiveAssignments(ctx, current, -1); err != nil {
				return nil, err
			}
		}
		if current != chosen.User.ID {
			if err := e.database.AdjustActiveAssignments(ctx, chosen.User.ID, 1); err != nil {
				return nil, err
			}
		}

		setRoleHolder(project, role, chosen.User.ID)
		result.Assigned[role] = chosen.User.ID
		rationales = append(rationales, Rationale{
			Role:    role,
			UserID:  chosen.User.ID,
			Score:   chosen.Score,
			Reasons: chosen.Reasons,
		})

		e.publisher.Publish(events.New(events.AssignmentMade, projectID, "2_assignment", map[string]any{
			"role":    role,
			"user_id": chosen.User.ID,
			"score":   chosen.Score,
		}))
	}

	project.LastAssignmentRunAt = &now
	if len(rationales) > 0 {
		merged := append(decodeRationales(project.AssignmentRationale), rationales...)
		if raw, err := json.Marshal(merged); err == nil {
			project.AssignmentRationale = string(raw)
		}
	}
	if err := e.database.SaveProject(ctx, project); err != nil {
		return nil, err
	}
	return result, nil
}

func decodeRationales(raw string) []Rationale {
	var out []Rationale
	if raw != "" {
		_ = json.Unmarshal([]byte(raw), &out)
	}
	return out
}

// pick returns the best candidate with spare capacity, or nil.
func pick(candidates []Candidate) *Candidate {
	for i := range candidates {
		c := &candidates[i]
		if c.User.ActiveAssignments < c.User.Capacity {
			return c
		}
	}
	return nil
}

func roleHolder(p *db.Project, role string) string {
	switch role {
	case db.RoleConsultant:
		return p.ConsultantID
	case db.RoleBuilder:
		return p.BuilderID
	case db.RoleTester:
		return p.TesterID
	}
	return ""
}

func setRoleHolder(p *db.Project, role, userID string) {
	switch role {
	case db.RoleConsultant:
		p.ConsultantID = userID
	case db.RoleBuilder:
		p.BuilderID = userID
	case db.RoleTester:
		p.TesterID = userID
	}
}
