package review

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/mkell/sagan/internal/models"
	"github.com/mkell/sagan/internal/oracle"
)

// findingWeights are the rubric weights for finding review. The weighted
// sum is the overall score.
var findingWeights = map[string]float64{
	"rigor":           0.25,
	"impact":          0.20,
	"novelty":         0.15,
	"reproducibility": 0.15,
	"clarity":         0.10,
	"coherence":       0.10,
	"limitations":     0.03,
	"ethics":          0.02,
}

// FindingReviewer scores candidate findings before they are persisted.
type FindingReviewer struct {
	oracle           Oracle
	overallThreshold float64
	rigorFloor       float64
	logger           Logger
}

// NewFindingReviewer creates a reviewer. Thresholds at or below zero select
// the defaults of 0.75 overall and 0.70 rigor.
func NewFindingReviewer(o Oracle, overallThreshold, rigorFloor float64, logger Logger) *FindingReviewer {
	if overallThreshold <= 0 {
		overallThreshold = 0.75
	}
	if rigorFloor <= 0 {
		rigorFloor = 0.70
	}
	if logger == nil {
		logger = noopLogger{}
	}
	return &FindingReviewer{
		oracle:           o,
		overallThreshold: overallThreshold,
		rigorFloor:       rigorFloor,
		logger:           logger,
	}
}

type findingReviewResponse struct {
	Scores   map[string]float64 `json:"scores"`
	Feedback string             `json:"feedback"`
}

// Evaluate scores one finding. The oracle supplies dimension scores in
// [0, 1]; the overall score and pass decision are computed here.
func (r *FindingReviewer) Evaluate(ctx context.Context, finding *models.Finding, execOutput string) (*models.FindingScore, error) {
	var resp findingReviewResponse
	err := r.oracle.InvokeStructured(ctx, oracle.Request{
		Label:  "finding-review",
		Prompt: buildFindingReviewPrompt(finding, execOutput),
		Schema: models.FindingScoreSchema(),
	}, &resp)
	if err != nil {
		return nil, fmt.Errorf("finding review: %w", err)
	}

	score := &models.FindingScore{
		Dimensions: make(map[string]float64, len(findingWeights)),
		Feedback:   resp.Feedback,
	}
	for dim, weight := range findingWeights {
		v, ok := resp.Scores[dim]
		if !ok {
			r.logger.LogWarn(fmt.Sprintf("finding review missing dimension %q", dim))
		}
		v = clampRange(v, 0, 1)
		score.Dimensions[dim] = v
		score.Overall += weight * v
	}
	score.Passes = score.Overall >= r.overallThreshold && score.Dimensions["rigor"] >= r.rigorFloor
	return score, nil
}

// BatchItem pairs a finding with its review outcome. Err is set when the
// review itself failed; the finding is then treated as rejected.
type BatchItem struct {
	Finding *models.Finding
	Score   *models.FindingScore
	Err     error
}

// EvaluateBatch reviews findings independently. One failed review never
// blocks the rest.
func (r *FindingReviewer) EvaluateBatch(ctx context.Context, findings []*models.Finding, execOutputs map[string]string) []BatchItem {
	items := make([]BatchItem, 0, len(findings))
	for _, f := range findings {
		score, err := r.Evaluate(ctx, f, execOutputs[f.TaskID])
		if err != nil {
			r.logger.LogWarn(fmt.Sprintf("review failed for finding from task %s: %v", f.TaskID, err))
		}
		items = append(items, BatchItem{Finding: f, Score: score, Err: err})
	}
	return items
}

func buildFindingReviewPrompt(finding *models.Finding, execOutput string) string {
	var sb strings.Builder
	sb.WriteString("Review the following research finding for scientific quality.\n")
	sb.WriteString("Score each dimension from 0.0 to 1.0: rigor, impact, novelty, reproducibility, clarity, coherence, limitations, ethics.\n")
	sb.WriteString("Rigor means the statistics and evidence actually support the claim.\n\n")
	fmt.Fprintf(&sb, "Finding: %s\n\n", finding.Summary)
	if finding.Interpretation != "" {
		fmt.Fprintf(&sb, "Interpretation: %s\n\n", finding.Interpretation)
	}
	if len(finding.Statistics) > 0 {
		sb.WriteString("Statistics:\n")
		keys := make([]string, 0, len(finding.Statistics))
		for k := range finding.Statistics {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&sb, "  %s = %g\n", k, finding.Statistics[k])
		}
		sb.WriteString("\n")
	}
	if execOutput != "" {
		fmt.Fprintf(&sb, "Raw execution output:\n%s\n", execOutput)
	}
	return sb.String()
}
