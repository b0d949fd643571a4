// Package review scores plans and findings against fixed rubrics. The
// reasoning oracle supplies per-dimension scores; the pass decisions are
// computed locally so a confused oracle cannot approve its own work.
package review

import (
	"context"
	"fmt"
	"strings"

	"github.com/mkell/sagan/internal/models"
	"github.com/mkell/sagan/internal/oracle"
)

// Oracle is the slice of the oracle client the reviewers need.
type Oracle interface {
	InvokeStructured(ctx context.Context, req oracle.Request, v any) error
}

// Logger is the minimal logging surface for reviewers.
type Logger interface {
	LogDebug(message string)
	LogWarn(message string)
}

type noopLogger struct{}

func (noopLogger) LogDebug(string) {}
func (noopLogger) LogWarn(string)  {}

// planDimensions are the rubric axes for plan review, each scored 0 to 10.
var planDimensions = []string{"specificity", "relevance", "diversity", "coverage", "feasibility"}

// PlanReviewer validates proposed plans: first the structural contract,
// then the scored rubric.
type PlanReviewer struct {
	oracle        Oracle
	contract      models.StructuralContract
	meanThreshold float64
	floor         float64
	logger        Logger
}

// NewPlanReviewer creates a reviewer. Thresholds at or below zero select
// the defaults of 7.0 mean and 5.0 floor.
func NewPlanReviewer(o Oracle, contract models.StructuralContract, meanThreshold, floor float64, logger Logger) *PlanReviewer {
	if meanThreshold <= 0 {
		meanThreshold = 7.0
	}
	if floor <= 0 {
		floor = 5.0
	}
	if logger == nil {
		logger = noopLogger{}
	}
	return &PlanReviewer{
		oracle:        o,
		contract:      contract,
		meanThreshold: meanThreshold,
		floor:         floor,
		logger:        logger,
	}
}

type planReviewResponse struct {
	Scores   map[string]float64 `json:"scores"`
	Feedback string             `json:"feedback"`
}

// Evaluate reviews a plan against the structural contract and the rubric.
// A structural violation rejects immediately without consulting the oracle.
func (r *PlanReviewer) Evaluate(ctx context.Context, plan *models.Plan, goal string) (*models.PlanReview, error) {
	if err := plan.CheckStructure(r.contract); err != nil {
		r.logger.LogDebug(fmt.Sprintf("plan for cycle %d failed structure check: %v", plan.Cycle, err))
		return &models.PlanReview{
			Approved: false,
			Feedback: fmt.Sprintf("structural violation: %v", err),
		}, nil
	}

	var resp planReviewResponse
	err := r.oracle.InvokeStructured(ctx, oracle.Request{
		Label:  "plan-review",
		Prompt: buildPlanReviewPrompt(plan, goal),
		Schema: models.PlanReviewSchema(),
	}, &resp)
	if err != nil {
		return nil, fmt.Errorf("plan review: %w", err)
	}

	review := &models.PlanReview{
		Scores:   make(map[string]float64, len(planDimensions)),
		Feedback: resp.Feedback,
	}
	for _, dim := range planDimensions {
		score, ok := resp.Scores[dim]
		if !ok {
			// A missing dimension scores zero so it can never inflate
			// the mean.
			r.logger.LogWarn(fmt.Sprintf("plan review missing dimension %q", dim))
			score = 0
		}
		review.Scores[dim] = clampRange(score, 0, 10)
	}

	review.Approved = review.Mean() >= r.meanThreshold && review.Min() >= r.floor
	return review, nil
}

func buildPlanReviewPrompt(plan *models.Plan, goal string) string {
	var sb strings.Builder
	sb.WriteString("Review the following research plan against the stated goal.\n")
	sb.WriteString("Score each dimension from 0 to 10: specificity, relevance, diversity, coverage, feasibility.\n")
	sb.WriteString("Give concrete feedback on the weakest dimensions.\n\n")
	fmt.Fprintf(&sb, "Goal: %s\n\n", goal)
	fmt.Fprintf(&sb, "Plan rationale: %s\n\nTasks:\n", plan.Rationale)
	for i, task := range plan.Tasks {
		fmt.Fprintf(&sb, "%d. [%s] %s\n   Expected output: %s\n", i+1, task.Type, task.Description, task.ExpectedOutput)
	}
	return sb.String()
}

func clampRange(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
