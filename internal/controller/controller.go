// Package controller drives the research loop: propose, validate, execute,
// validate results, persist, repeat until a stopping condition. The
// controller owns no retry policy of its own; lower layers retry their own
// failure classes and the controller only decides continue or stop.
package controller

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mkell/sagan/internal/models"
	"github.com/mkell/sagan/internal/novelty"
	"github.com/mkell/sagan/internal/oracle"
	"github.com/mkell/sagan/internal/store"
)

// Planner drafts and revises cycle plans.
type Planner interface {
	Propose(ctx context.Context, goal string, rc *store.ResearchContext, totalCycles int) (*models.Plan, error)
	Revise(ctx context.Context, goal string, rc *store.ResearchContext, totalCycles int, feedback string) (*models.Plan, error)
}

// PlanReviewer scores a proposed plan.
type PlanReviewer interface {
	Evaluate(ctx context.Context, plan *models.Plan, goal string) (*models.PlanReview, error)
}

// FindingReviewer scores a candidate finding.
type FindingReviewer interface {
	Evaluate(ctx context.Context, finding *models.Finding, execOutput string) (*models.FindingScore, error)
}

// Coordinator executes a batch of tasks.
type Coordinator interface {
	Execute(ctx context.Context, tasks []models.Task) *models.BatchResult
}

// Oracle is the slice of the oracle client the controller needs for
// result summarization.
type Oracle interface {
	InvokeStructured(ctx context.Context, req oracle.Request, v any) error
}

// Logger is the logging surface the controller drives the console with.
type Logger interface {
	LogDebug(message string)
	LogInfo(message string)
	LogWarn(message string)
	LogError(message string)
	LogCycleStart(cycle, totalCycles, taskCount int)
	LogCycleComplete(cycle, accepted, rejected int, duration time.Duration)
	LogSummary(summary models.RunSummary)
}

// Options carries the controller's run-level settings.
type Options struct {
	Goal            string
	Cycles          int
	RunBudget       time.Duration
	ContextLookback int

	// MaxRevisions bounds feedback-driven plan revisions per cycle.
	// Zero means a rejected plan proceeds without revision.
	MaxRevisions int
}

// Controller wires the research components into the cycle loop.
type Controller struct {
	store       *store.Store
	planner     Planner
	planReview  PlanReviewer
	findReview  FindingReviewer
	coordinator Coordinator
	checker     novelty.Checker
	oracle      Oracle
	detector    *Detector
	logger      Logger
	opts        Options

	// hypothesisIDs maps normalized statements to store ids so repeated
	// claims update one hypothesis instead of multiplying it.
	hypothesisIDs map[string]string
}

// New creates a controller over already-constructed components.
func New(s *store.Store, p Planner, pr PlanReviewer, fr FindingReviewer, c Coordinator,
	checker novelty.Checker, o Oracle, logger Logger, opts Options) *Controller {
	if opts.Cycles < 1 {
		opts.Cycles = 1
	}
	if opts.ContextLookback < 1 {
		opts.ContextLookback = 10
	}
	if opts.MaxRevisions < 0 {
		opts.MaxRevisions = 0
	}
	return &Controller{
		store:         s,
		planner:       p,
		planReview:    pr,
		findReview:    fr,
		coordinator:   c,
		checker:       checker,
		oracle:        o,
		detector:      NewDetector(opts.Cycles, opts.RunBudget),
		logger:        logger,
		opts:          opts,
		hypothesisIDs: make(map[string]string),
	}
}

// Run executes cycles until a stopping condition fires or a fatal error
// aborts the run. Durable state is flushed as each cycle progresses, so an
// abort or mid-cycle budget stop loses nothing already persisted.
func (c *Controller) Run(ctx context.Context) (*models.RunSummary, error) {
	start := time.Now()
	summary := &models.RunSummary{}

	for cycle := 1; ; cycle++ {
		if err := ctx.Err(); err != nil {
			summary.StopReason = "canceled"
			break
		}
		if c.detector.BudgetExpired(time.Since(start)) {
			summary.StopReason = StopRunBudget
			break
		}

		stats, err := c.runCycle(ctx, cycle, start)
		if errors.Is(err, errRunBudget) {
			summary.StopReason = StopRunBudget
			break
		}
		if err != nil {
			summary.Duration = time.Since(start)
			return summary, fmt.Errorf("cycle %d: %w", cycle, err)
		}
		summary.Cycles = cycle
		summary.TasksExecuted += stats.executed
		summary.TasksFailed += stats.failed
		summary.FindingsAccepted += stats.accepted
		summary.FindingsRejected += stats.rejected

		c.detector.Observe(CycleStats{
			Cycle:       cycle,
			MeanNovelty: stats.meanNovelty,
			Accepted:    stats.accepted,
			Rejected:    stats.rejected,
		})
		c.logger.LogCycleComplete(cycle, stats.accepted, stats.rejected, stats.duration)

		open, total, err := c.store.HypothesisCounts(ctx)
		if err != nil {
			summary.Duration = time.Since(start)
			return summary, err
		}
		if reason, stop := c.detector.ShouldStop(time.Since(start), open, total); stop {
			summary.StopReason = reason
			break
		}
	}

	summary.Duration = time.Since(start)
	c.logger.LogSummary(*summary)
	return summary, nil
}

// errRunBudget signals a mid-cycle wall-clock stop. Everything durable is
// already flushed when it fires.
var errRunBudget = errors.New("run budget expired")

type cycleStats struct {
	executed    int
	failed      int
	accepted    int
	rejected    int
	meanNovelty float64
	duration    time.Duration
}

func (c *Controller) runCycle(ctx context.Context, cycle int, runStart time.Time) (*cycleStats, error) {
	cycleStart := time.Now()
	stats := &cycleStats{}

	rc, err := c.store.QueryContext(ctx, cycle, c.opts.ContextLookback)
	if err != nil {
		return nil, err
	}
	for _, hyp := range rc.OpenHypotheses {
		key := strings.ToLower(strings.TrimSpace(hyp.Statement))
		if _, ok := c.hypothesisIDs[key]; !ok {
			c.hypothesisIDs[key] = hyp.ID
		}
	}

	plan, err := c.proposePlan(ctx, rc)
	if err != nil {
		return nil, err
	}
	stats.meanNovelty = c.annotateNovelty(ctx, plan)
	c.logger.LogCycleStart(cycle, c.opts.Cycles, len(plan.Tasks))

	for i := range plan.Tasks {
		if err := c.store.RecordTask(ctx, &plan.Tasks[i]); err != nil {
			return nil, err
		}
	}
	c.indexTasks(ctx, plan.Tasks)

	if c.detector.BudgetExpired(time.Since(runStart)) {
		return stats, errRunBudget
	}

	batch := c.coordinator.Execute(ctx, plan.Tasks)
	stats.executed = len(batch.Completed)
	stats.failed = len(batch.Failed)

	for _, failure := range batch.Failed {
		c.logger.LogWarn(fmt.Sprintf("task %s failed after %d tries: %v", failure.Task.ID, failure.Tries, failure.Err))
		if err := c.store.UpdateTaskStatus(ctx, failure.Task.ID, models.TaskStatusFailed); err != nil {
			return nil, err
		}
	}

	tasksByID := make(map[string]models.Task, len(plan.Tasks))
	for _, task := range plan.Tasks {
		tasksByID[task.ID] = task
	}

	var acceptedSummaries []string
	for _, result := range batch.Completed {
		task := tasksByID[result.TaskID]
		accepted, findingSummary, err := c.processResult(ctx, rc, task, result)
		if err != nil {
			return nil, err
		}
		if accepted {
			stats.accepted++
			acceptedSummaries = append(acceptedSummaries, findingSummary)
		} else {
			stats.rejected++
		}
		if err := c.store.UpdateTaskStatus(ctx, task.ID, models.TaskStatusCompleted); err != nil {
			return nil, err
		}
	}

	if _, err := c.store.ExportCycleSummary(ctx, cycle); err != nil {
		c.logger.LogWarn(fmt.Sprintf("cycle %d: summary export failed: %v", cycle, err))
	}

	cycleNarrative := buildNarrative(cycle, acceptedSummaries)
	if err := c.store.CompleteCycle(ctx, cycle, cycleNarrative); err != nil {
		return nil, err
	}
	if err := c.store.SetRunningNarrative(ctx, c.foldNarrative(ctx, rc.RunningNarrative, cycleNarrative)); err != nil {
		return nil, err
	}

	stats.duration = time.Since(cycleStart)
	return stats, nil
}

// proposePlan drafts the cycle plan and applies up to MaxRevisions
// feedback-driven revisions. A plan still rejected after the revision
// budget proceeds anyway: the structural contract is already enforced by
// the planner, and stalling the run on review taste costs more than a
// weak cycle.
func (c *Controller) proposePlan(ctx context.Context, rc *store.ResearchContext) (*models.Plan, error) {
	plan, err := c.planner.Propose(ctx, c.opts.Goal, rc, c.opts.Cycles)
	if err != nil {
		return nil, err
	}

	review, err := c.planReview.Evaluate(ctx, plan, c.opts.Goal)
	if err != nil {
		return nil, err
	}
	plan.Review = review

	for revision := 1; !review.Approved && revision <= c.opts.MaxRevisions; revision++ {
		c.logger.LogInfo(fmt.Sprintf("plan for cycle %d rejected (mean %.1f), revising (%d/%d)",
			rc.Cycle, review.Mean(), revision, c.opts.MaxRevisions))
		revised, err := c.planner.Revise(ctx, c.opts.Goal, rc, c.opts.Cycles, review.Feedback)
		if err != nil {
			return nil, err
		}
		review, err = c.planReview.Evaluate(ctx, revised, c.opts.Goal)
		if err != nil {
			return nil, err
		}
		revised.Review = review
		plan = revised
	}
	if !review.Approved {
		c.logger.LogWarn(fmt.Sprintf("plan for cycle %d still rejected after %d revisions, proceeding best effort",
			rc.Cycle, c.opts.MaxRevisions))
	}
	return plan, nil
}

// annotateNovelty scores every task description against the index and
// returns the mean novelty. Scoring errors degrade to unannotated tasks.
func (c *Controller) annotateNovelty(ctx context.Context, plan *models.Plan) float64 {
	if len(plan.Tasks) == 0 {
		return 0
	}
	var sum float64
	scored := 0
	for i := range plan.Tasks {
		report, err := c.checker.Score(ctx, plan.Tasks[i].Description)
		if err != nil {
			c.logger.LogDebug(fmt.Sprintf("novelty score failed for task %d: %v", i, err))
			continue
		}
		plan.Tasks[i].Novelty = report
		sum += report.NoveltyScore
		scored++
		if !report.IsNovel {
			c.logger.LogDebug(fmt.Sprintf("task %d near-duplicates prior work (novelty %.2f)", i, report.NoveltyScore))
		}
	}
	if scored == 0 {
		return 0
	}
	return sum / float64(scored)
}

func (c *Controller) indexTasks(ctx context.Context, tasks []models.Task) {
	items := make([]novelty.Item, 0, len(tasks))
	for _, task := range tasks {
		items = append(items, novelty.Item{ID: task.ID, Text: task.Description})
	}
	if err := c.checker.Index(ctx, items); err != nil {
		c.logger.LogWarn(fmt.Sprintf("novelty index update failed: %v", err))
	}
}

// processResult summarizes, reviews, and persists one task result. It
// returns whether the finding was accepted and its summary text. Summary
// or review failures reject the finding; store failures are fatal.
func (c *Controller) processResult(ctx context.Context, rc *store.ResearchContext, task models.Task, result models.ExecutionResult) (bool, string, error) {
	// Raw output goes to disk first. The sandbox scratch directory is
	// gone by now; this log is the evidence a finding derives from.
	execLog, err := c.store.WriteExecutionLog(&result, task.Cycle)
	if err != nil {
		c.logger.LogWarn(fmt.Sprintf("task %s: %v", task.ID, err))
		execLog = ""
	}

	finding, claims, contradicts, err := c.summarize(ctx, task, result, rc.Findings)
	if err != nil {
		c.logger.LogWarn(fmt.Sprintf("task %s: %v", task.ID, err))
		return false, "", nil
	}
	if execLog != "" {
		finding.Evidence = append(finding.Evidence, models.EvidenceLink{To: execLog, Relation: models.RelDerivesFrom})
	}
	for _, artifact := range result.Artifacts {
		finding.Evidence = append(finding.Evidence, models.EvidenceLink{To: artifact, Relation: models.RelCites})
	}

	score, err := c.findReview.Evaluate(ctx, finding, result.Stdout)
	if err != nil {
		c.logger.LogWarn(fmt.Sprintf("task %s: review failed: %v", task.ID, err))
		return false, "", nil
	}
	finding.Score = score
	finding.Accepted = score.Passes

	accepted, err := c.store.Record(ctx, finding)
	if err != nil {
		return false, "", err
	}
	if !accepted {
		c.logger.LogDebug(fmt.Sprintf("finding from task %s rejected (overall %.2f)", task.ID, score.Overall))
		return false, "", nil
	}

	if err := c.recordContradictions(ctx, finding, contradicts); err != nil {
		return false, "", err
	}
	if err := c.checker.Index(ctx, []novelty.Item{{ID: finding.ID, Text: finding.Summary}}); err != nil {
		c.logger.LogWarn(fmt.Sprintf("novelty index update failed: %v", err))
	}
	if err := c.applyClaims(ctx, finding, claims); err != nil {
		return false, "", err
	}
	return true, finding.Summary, nil
}

// recordContradictions links an accepted finding against the prior ones
// it contradicts, marking both sides disputed. Ids the oracle invented
// are dropped; neither finding is ever retracted.
func (c *Controller) recordContradictions(ctx context.Context, finding *models.Finding, contradicts []string) error {
	for _, oldID := range contradicts {
		if oldID == finding.ID {
			continue
		}
		if _, err := c.store.GetFinding(ctx, oldID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				c.logger.LogWarn(fmt.Sprintf("finding %s claims to contradict unknown finding %s", finding.ID, oldID))
				continue
			}
			return err
		}
		if err := c.store.RecordContradiction(ctx, finding.ID, oldID); err != nil {
			return err
		}
		c.logger.LogInfo(fmt.Sprintf("finding %s contradicts %s, both marked disputed", finding.ID, oldID))
	}
	return nil
}

// applyClaims records or updates hypotheses named by a finding's claims.
func (c *Controller) applyClaims(ctx context.Context, finding *models.Finding, claims []HypothesisClaim) error {
	for _, claim := range claims {
		key := strings.ToLower(strings.TrimSpace(claim.Statement))
		id, known := c.hypothesisIDs[key]
		if !known {
			hyp := &models.Hypothesis{
				Statement:  claim.Statement,
				Status:     claim.Verdict,
				Confidence: claim.Confidence,
			}
			if err := c.store.RecordHypothesis(ctx, hyp); err != nil {
				return err
			}
			id = hyp.ID
			c.hypothesisIDs[key] = id
		} else {
			if err := c.store.UpdateHypothesis(ctx, id, claim.Verdict, claim.Confidence); err != nil {
				return err
			}
		}
		if claim.Verdict == models.HypothesisSupported || claim.Verdict == models.HypothesisRefuted {
			supports := claim.Verdict == models.HypothesisSupported
			if err := c.store.LinkHypothesisFinding(ctx, id, finding.ID, supports); err != nil {
				return err
			}
		}
	}
	return nil
}

func buildNarrative(cycle int, acceptedSummaries []string) string {
	if len(acceptedSummaries) == 0 {
		return fmt.Sprintf("Cycle %d produced no accepted findings.", cycle)
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "Cycle %d accepted %d findings. ", cycle, len(acceptedSummaries))
	sb.WriteString(strings.Join(acceptedSummaries, " "))
	return sb.String()
}

// maxNarrativeChars bounds the running narrative when the fallback
// concatenation has to stand in for oracle compression.
const maxNarrativeChars = 4000

// foldNarrative compresses the previous running narrative and the latest
// cycle's narrative into one, so early conclusions survive into later
// planning prompts. An unavailable oracle degrades to bounded
// concatenation rather than losing either side.
func (c *Controller) foldNarrative(ctx context.Context, previous, current string) string {
	if previous == "" {
		return current
	}

	var resp struct {
		Narrative string `json:"narrative"`
	}
	err := c.oracle.InvokeStructured(ctx, oracle.Request{
		Label:  "narrative-fold",
		Prompt: buildNarrativePrompt(previous, current),
		Schema: models.NarrativeSchema(),
	}, &resp)
	if err == nil && strings.TrimSpace(resp.Narrative) != "" {
		return strings.TrimSpace(resp.Narrative)
	}
	if err != nil {
		c.logger.LogWarn(fmt.Sprintf("narrative fold failed, concatenating: %v", err))
	}

	combined := previous + " " + current
	if len(combined) > maxNarrativeChars {
		combined = combined[len(combined)-maxNarrativeChars:]
	}
	return combined
}

func buildNarrativePrompt(previous, current string) string {
	var sb strings.Builder
	sb.WriteString("Fold the latest cycle into the running research narrative.\n")
	sb.WriteString("Keep every substantiated conclusion, drop procedural detail, and stay under three paragraphs.\n\n")
	fmt.Fprintf(&sb, "Narrative so far:\n%s\n\nLatest cycle:\n%s\n", previous, current)
	return sb.String()
}
