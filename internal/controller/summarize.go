package controller

import (
	"context"
	"fmt"
	"strings"

	"github.com/mkell/sagan/internal/models"
	"github.com/mkell/sagan/internal/oracle"
	"github.com/mkell/sagan/internal/store"
)

// maxOutputChars bounds how much raw task output goes into the summary
// prompt.
const maxOutputChars = 8000

// HypothesisClaim is one hypothesis verdict extracted from a task result.
type HypothesisClaim struct {
	Statement  string
	Verdict    models.HypothesisStatus
	Confidence float64
}

type summaryResponse struct {
	Summary        string             `json:"summary"`
	Interpretation string             `json:"interpretation"`
	Statistics     map[string]float64 `json:"statistics"`
	Hypotheses     []struct {
		Statement  string  `json:"statement"`
		Verdict    string  `json:"verdict"`
		Confidence float64 `json:"confidence"`
	} `json:"hypotheses"`
	Contradicts []string `json:"contradicts"`
}

// summarize distills a raw execution result into a candidate finding plus
// any hypothesis claims the result bears on. Prior findings go into the
// prompt so the oracle can flag direct contradictions by id. The finding
// carries a derives-from link to its task, which the store requires.
func (c *Controller) summarize(ctx context.Context, task models.Task, result models.ExecutionResult, priors []store.FindingSummary) (*models.Finding, []HypothesisClaim, []string, error) {
	var resp summaryResponse
	err := c.oracle.InvokeStructured(ctx, oracle.Request{
		Label:  "result-summary",
		Prompt: buildSummaryPrompt(task, result, priors),
		Schema: models.SummarySchema(),
	}, &resp)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("summarize task %s: %w", task.ID, err)
	}
	if strings.TrimSpace(resp.Summary) == "" {
		return nil, nil, nil, fmt.Errorf("summarize task %s: empty summary", task.ID)
	}

	finding := &models.Finding{
		Cycle:          task.Cycle,
		TaskID:         task.ID,
		Summary:        strings.TrimSpace(resp.Summary),
		Interpretation: strings.TrimSpace(resp.Interpretation),
		Statistics:     resp.Statistics,
		Evidence: []models.EvidenceLink{
			{To: task.ID, Relation: models.RelDerivesFrom},
		},
	}

	var claims []HypothesisClaim
	for _, h := range resp.Hypotheses {
		statement := strings.TrimSpace(h.Statement)
		if statement == "" {
			continue
		}
		verdict := models.HypothesisStatus(h.Verdict)
		switch verdict {
		case models.HypothesisSupported, models.HypothesisRefuted, models.HypothesisUndetermined:
		default:
			verdict = models.HypothesisUndetermined
		}
		claims = append(claims, HypothesisClaim{
			Statement:  statement,
			Verdict:    verdict,
			Confidence: h.Confidence,
		})
	}

	var contradicts []string
	for _, id := range resp.Contradicts {
		if id = strings.TrimSpace(id); id != "" {
			contradicts = append(contradicts, id)
		}
	}
	return finding, claims, contradicts, nil
}

func buildSummaryPrompt(task models.Task, result models.ExecutionResult, priors []store.FindingSummary) string {
	var sb strings.Builder
	sb.WriteString("Summarize the outcome of this research task as a finding.\n")
	sb.WriteString("Extract named numeric statistics from the output where present.\n")
	sb.WriteString("If the result bears on any hypothesis, state it with a verdict.\n")
	if len(priors) > 0 {
		sb.WriteString("If the result directly contradicts a prior finding, list that finding's id under contradicts.\n")
	}
	sb.WriteString("\n")
	if len(priors) > 0 {
		sb.WriteString("Prior findings:\n")
		for _, p := range priors {
			fmt.Fprintf(&sb, "- [%s] %s\n", p.ID, p.Summary)
		}
		sb.WriteString("\n")
	}
	fmt.Fprintf(&sb, "Task: %s\n", task.Description)
	if task.ExpectedOutput != "" {
		fmt.Fprintf(&sb, "Expected output: %s\n", task.ExpectedOutput)
	}
	fmt.Fprintf(&sb, "\nOutput:\n%s\n", truncate(result.Stdout, maxOutputChars))
	if result.Stderr != "" {
		fmt.Fprintf(&sb, "\nDiagnostics:\n%s\n", truncate(result.Stderr, maxOutputChars/4))
	}
	return sb.String()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "\n[output truncated]"
}
