package controller

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mkell/sagan/internal/logger"
	"github.com/mkell/sagan/internal/models"
	"github.com/mkell/sagan/internal/novelty"
	"github.com/mkell/sagan/internal/oracle"
	"github.com/mkell/sagan/internal/store"
)

type stubPlanner struct {
	tasksPerCycle int
	revisions     int
}

func (p *stubPlanner) plan(cycle int) *models.Plan {
	plan := &models.Plan{Cycle: cycle, Rationale: "r"}
	for i := 0; i < p.tasksPerCycle; i++ {
		plan.Tasks = append(plan.Tasks, models.Task{
			Cycle:          cycle,
			Type:           models.TaskCodeAnalysis,
			Description:    fmt.Sprintf("cycle %d task %d analysis", cycle, i),
			ExpectedOutput: "numbers",
			Status:         models.TaskStatusPending,
		})
	}
	return plan
}

func (p *stubPlanner) Propose(_ context.Context, _ string, rc *store.ResearchContext, _ int) (*models.Plan, error) {
	return p.plan(rc.Cycle), nil
}

func (p *stubPlanner) Revise(_ context.Context, _ string, rc *store.ResearchContext, _ int, _ string) (*models.Plan, error) {
	p.revisions++
	return p.plan(rc.Cycle), nil
}

type stubPlanReviewer struct {
	rejectFirst int
	calls       int
}

func (r *stubPlanReviewer) Evaluate(_ context.Context, _ *models.Plan, _ string) (*models.PlanReview, error) {
	r.calls++
	approved := r.calls > r.rejectFirst
	return &models.PlanReview{
		Scores:   map[string]float64{"specificity": 8, "relevance": 8, "diversity": 8, "coverage": 8, "feasibility": 8},
		Approved: approved,
		Feedback: "feedback",
	}, nil
}

type stubFindingReviewer struct {
	pass bool
}

func (r *stubFindingReviewer) Evaluate(_ context.Context, _ *models.Finding, _ string) (*models.FindingScore, error) {
	return &models.FindingScore{
		Dimensions: map[string]float64{"rigor": 0.9},
		Overall:    0.85,
		Passes:     r.pass,
	}, nil
}

type stubCoordinator struct{}

func (stubCoordinator) Execute(_ context.Context, tasks []models.Task) *models.BatchResult {
	result := &models.BatchResult{}
	for _, task := range tasks {
		result.Completed = append(result.Completed, models.ExecutionResult{
			TaskID: task.ID,
			Status: models.ExecCompleted,
			Stdout: "value = 42",
		})
	}
	return result
}

type stubSummarizer struct {
	payload          string
	narrativePayload string
}

func (s *stubSummarizer) InvokeStructured(_ context.Context, req oracle.Request, v any) error {
	switch req.Label {
	case "result-summary":
		return json.Unmarshal([]byte(s.payload), v)
	case "narrative-fold":
		if s.narrativePayload == "" {
			return fmt.Errorf("narrative oracle down")
		}
		return json.Unmarshal([]byte(s.narrativePayload), v)
	default:
		return fmt.Errorf("unexpected label %q", req.Label)
	}
}

func newTestController(t *testing.T, planner Planner, pr PlanReviewer, fr FindingReviewer,
	summarizer Oracle, opts Options) (*Controller, *store.Store) {
	t.Helper()
	s, err := store.NewStore(":memory:", t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	checker := novelty.NewTokenOverlapChecker(0)
	c := New(s, planner, pr, fr, stubCoordinator{}, checker, summarizer, logger.NewNoOpLogger(), opts)
	return c, s
}

func TestRunStopsAtCycleBudget(t *testing.T) {
	planner := &stubPlanner{tasksPerCycle: 2}
	summarizer := &stubSummarizer{payload: `{"summary": "Mean was 42.", "interpretation": "High.", "statistics": {"mean": 42}}`}
	c, s := newTestController(t, planner, &stubPlanReviewer{}, &stubFindingReviewer{pass: true}, summarizer,
		Options{Goal: "goal", Cycles: 2})

	summary, err := c.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Cycles)
	assert.Equal(t, StopCycleBudget, summary.StopReason)
	assert.Equal(t, 4, summary.TasksExecuted)
	assert.Equal(t, 4, summary.FindingsAccepted)
	assert.Zero(t, summary.FindingsRejected)

	// Accepted findings are visible to the next context query.
	rc, err := s.QueryContext(context.Background(), 3, 10)
	require.NoError(t, err)
	assert.Len(t, rc.Findings, 4)
	assert.Equal(t, 2, rc.CompletedCycles)
}

func TestRunCountsRejectedFindings(t *testing.T) {
	planner := &stubPlanner{tasksPerCycle: 3}
	summarizer := &stubSummarizer{payload: `{"summary": "Weak.", "interpretation": "Unclear."}`}
	c, s := newTestController(t, planner, &stubPlanReviewer{}, &stubFindingReviewer{pass: false}, summarizer,
		Options{Goal: "goal", Cycles: 1})

	summary, err := c.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, summary.FindingsRejected)
	assert.Zero(t, summary.FindingsAccepted)

	// Rejected findings are audit records, excluded from context.
	rc, err := s.QueryContext(context.Background(), 2, 10)
	require.NoError(t, err)
	assert.Empty(t, rc.Findings)
}

func TestRunRetainsExecutionEvidence(t *testing.T) {
	// Accepted findings must stay traceable to the raw output that
	// produced them after the sandbox scratch directory is gone.
	planner := &stubPlanner{tasksPerCycle: 1}
	summarizer := &stubSummarizer{payload: `{"summary": "Mean was 42.", "interpretation": "High.", "statistics": {"mean": 42}}`}
	c, s := newTestController(t, planner, &stubPlanReviewer{}, &stubFindingReviewer{pass: true}, summarizer,
		Options{Goal: "goal", Cycles: 1})

	_, err := c.Run(context.Background())
	require.NoError(t, err)

	findings, err := s.CycleFindings(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, findings, 1)

	var logPath string
	for _, link := range findings[0].Evidence {
		if link.Relation == models.RelDerivesFrom && strings.HasSuffix(link.To, ".log") {
			logPath = link.To
		}
	}
	require.NotEmpty(t, logPath, "finding carries no execution log reference")

	data, err := s.ReadArtifact(logPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "value = 42")
}

func TestContradictionMarksBothFindingsDisputed(t *testing.T) {
	summarizer := &stubSummarizer{}
	c, s := newTestController(t, &stubPlanner{tasksPerCycle: 1}, &stubPlanReviewer{},
		&stubFindingReviewer{pass: true}, summarizer, Options{Goal: "goal", Cycles: 1})
	ctx := context.Background()

	first := models.Task{Cycle: 1, Type: models.TaskCodeAnalysis,
		Description: "measure latency under load", ExpectedOutput: "numbers"}
	require.NoError(t, s.RecordTask(ctx, &first))
	prior := &models.Finding{
		Cycle:    1,
		TaskID:   first.ID,
		Summary:  "Latency rises with load.",
		Accepted: true,
		Evidence: []models.EvidenceLink{{To: first.ID, Relation: models.RelDerivesFrom}},
	}
	accepted, err := s.Record(ctx, prior)
	require.NoError(t, err)
	require.True(t, accepted)

	second := models.Task{Cycle: 2, Type: models.TaskCodeAnalysis,
		Description: "repeat latency measurement", ExpectedOutput: "numbers"}
	require.NoError(t, s.RecordTask(ctx, &second))
	summarizer.payload = fmt.Sprintf(
		`{"summary": "Latency is flat under load.", "interpretation": "Conflicts with the earlier measurement.", "contradicts": [%q]}`,
		prior.ID)

	rc, err := s.QueryContext(ctx, 2, 10)
	require.NoError(t, err)
	ok, _, err := c.processResult(ctx, rc, second,
		models.ExecutionResult{TaskID: second.ID, Status: models.ExecCompleted, Stdout: "latency flat"})
	require.NoError(t, err)
	require.True(t, ok)

	old, err := s.GetFinding(ctx, prior.ID)
	require.NoError(t, err)
	assert.True(t, old.Disputed)
	assert.True(t, old.Accepted, "disputed findings are never retracted")

	newer, err := s.CycleFindings(ctx, 2)
	require.NoError(t, err)
	require.Len(t, newer, 1)
	assert.True(t, newer[0].Disputed)

	// The cycle summary names what a disputed finding conflicts with.
	text, err := s.ExportCycleSummary(ctx, 2)
	require.NoError(t, err)
	assert.Contains(t, text, "related: "+prior.ID)
}

func TestUnknownContradictionIDIsIgnored(t *testing.T) {
	summarizer := &stubSummarizer{payload: `{"summary": "S.", "interpretation": "I.", "contradicts": ["no-such-finding"]}`}
	c, s := newTestController(t, &stubPlanner{tasksPerCycle: 1}, &stubPlanReviewer{},
		&stubFindingReviewer{pass: true}, summarizer, Options{Goal: "goal", Cycles: 1})

	_, err := c.Run(context.Background())
	require.NoError(t, err)

	findings, err := s.CycleFindings(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, findings, 1)
	assert.False(t, findings[0].Disputed)
}

func TestNarrativeAccumulatesAcrossCycles(t *testing.T) {
	// With the narrative oracle down, folding degrades to concatenation;
	// cycle 1 must still be visible after cycle 2 completes.
	planner := &stubPlanner{tasksPerCycle: 1}
	summarizer := &stubSummarizer{payload: `{"summary": "S.", "interpretation": "I."}`}
	c, s := newTestController(t, planner, &stubPlanReviewer{}, &stubFindingReviewer{pass: true}, summarizer,
		Options{Goal: "goal", Cycles: 2})

	_, err := c.Run(context.Background())
	require.NoError(t, err)

	rc, err := s.QueryContext(context.Background(), 3, 10)
	require.NoError(t, err)
	assert.Contains(t, rc.RunningNarrative, "Cycle 1")
	assert.Contains(t, rc.RunningNarrative, "Cycle 2")
}

func TestNarrativeFoldUsesOracle(t *testing.T) {
	planner := &stubPlanner{tasksPerCycle: 1}
	summarizer := &stubSummarizer{
		payload:          `{"summary": "S.", "interpretation": "I."}`,
		narrativePayload: `{"narrative": "Latency scales linearly across both cycles."}`,
	}
	c, s := newTestController(t, planner, &stubPlanReviewer{}, &stubFindingReviewer{pass: true}, summarizer,
		Options{Goal: "goal", Cycles: 2})

	_, err := c.Run(context.Background())
	require.NoError(t, err)

	rc, err := s.QueryContext(context.Background(), 3, 10)
	require.NoError(t, err)
	assert.Equal(t, "Latency scales linearly across both cycles.", rc.RunningNarrative)
}

func TestRunRevisesRejectedPlanOnce(t *testing.T) {
	planner := &stubPlanner{tasksPerCycle: 2}
	reviewer := &stubPlanReviewer{rejectFirst: 1}
	summarizer := &stubSummarizer{payload: `{"summary": "S.", "interpretation": "I."}`}
	c, _ := newTestController(t, planner, reviewer, &stubFindingReviewer{pass: true}, summarizer,
		Options{Goal: "goal", Cycles: 1, MaxRevisions: 1})

	_, err := c.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, planner.revisions)
	assert.Equal(t, 2, reviewer.calls)
}

func TestRunProceedsWhenRevisionStillRejected(t *testing.T) {
	planner := &stubPlanner{tasksPerCycle: 2}
	reviewer := &stubPlanReviewer{rejectFirst: 100}
	summarizer := &stubSummarizer{payload: `{"summary": "S.", "interpretation": "I."}`}
	c, _ := newTestController(t, planner, reviewer, &stubFindingReviewer{pass: true}, summarizer,
		Options{Goal: "goal", Cycles: 1, MaxRevisions: 1})

	summary, err := c.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, planner.revisions)
	assert.Equal(t, 2, summary.TasksExecuted)
}

func TestRunRevisesUpToConfiguredBudget(t *testing.T) {
	// Two rejections then approval: with budget for three revisions the
	// loop stops at the second.
	planner := &stubPlanner{tasksPerCycle: 2}
	reviewer := &stubPlanReviewer{rejectFirst: 2}
	summarizer := &stubSummarizer{payload: `{"summary": "S.", "interpretation": "I."}`}
	c, _ := newTestController(t, planner, reviewer, &stubFindingReviewer{pass: true}, summarizer,
		Options{Goal: "goal", Cycles: 1, MaxRevisions: 3})

	_, err := c.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, planner.revisions)
	assert.Equal(t, 3, reviewer.calls)
}

func TestRunWithRevisionsDisabled(t *testing.T) {
	planner := &stubPlanner{tasksPerCycle: 2}
	reviewer := &stubPlanReviewer{rejectFirst: 100}
	summarizer := &stubSummarizer{payload: `{"summary": "S.", "interpretation": "I."}`}
	c, _ := newTestController(t, planner, reviewer, &stubFindingReviewer{pass: true}, summarizer,
		Options{Goal: "goal", Cycles: 1, MaxRevisions: 0})

	summary, err := c.Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, planner.revisions)
	assert.Equal(t, 1, reviewer.calls)
	assert.Equal(t, 2, summary.TasksExecuted)
}

func TestRunStopsWhenHypothesesResolved(t *testing.T) {
	planner := &stubPlanner{tasksPerCycle: 1}
	summarizer := &stubSummarizer{payload: `{
		"summary": "Latency scales linearly.",
		"interpretation": "Supports the scaling hypothesis.",
		"hypotheses": [{"statement": "Latency scales linearly", "verdict": "supported", "confidence": 0.9}]
	}`}
	c, s := newTestController(t, planner, &stubPlanReviewer{}, &stubFindingReviewer{pass: true}, summarizer,
		Options{Goal: "goal", Cycles: 10})

	summary, err := c.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Cycles)
	assert.Equal(t, StopHypothesesResolved, summary.StopReason)

	open, total, err := s.HypothesisCounts(context.Background())
	require.NoError(t, err)
	assert.Zero(t, open)
	assert.Equal(t, 1, total)
}

func TestRunHonorsCancellation(t *testing.T) {
	planner := &stubPlanner{tasksPerCycle: 1}
	summarizer := &stubSummarizer{payload: `{"summary": "S.", "interpretation": "I."}`}
	c, _ := newTestController(t, planner, &stubPlanReviewer{}, &stubFindingReviewer{pass: true}, summarizer,
		Options{Goal: "goal", Cycles: 10})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	summary, err := c.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, "canceled", summary.StopReason)
	assert.Zero(t, summary.Cycles)
}

func TestDetectorCycleBudget(t *testing.T) {
	d := NewDetector(2, 0)
	d.Observe(CycleStats{Cycle: 1, MeanNovelty: 0.9, Accepted: 3})

	_, stop := d.ShouldStop(time.Minute, 1, 1)
	assert.False(t, stop)

	d.Observe(CycleStats{Cycle: 2, MeanNovelty: 0.9, Accepted: 3})
	reason, stop := d.ShouldStop(time.Minute, 1, 1)
	assert.True(t, stop)
	assert.Equal(t, StopCycleBudget, reason)
}

func TestDetectorRunBudget(t *testing.T) {
	d := NewDetector(10, time.Hour)
	assert.False(t, d.BudgetExpired(59*time.Minute))
	assert.True(t, d.BudgetExpired(61*time.Minute))

	reason, stop := d.ShouldStop(61*time.Minute, 1, 1)
	assert.True(t, stop)
	assert.Equal(t, StopRunBudget, reason)
}

func TestDetectorNoveltyDecline(t *testing.T) {
	d := NewDetector(10, 0)
	for cycle := 1; cycle <= 3; cycle++ {
		d.Observe(CycleStats{Cycle: cycle, MeanNovelty: 0.05, Accepted: 3})
	}
	reason, stop := d.ShouldStop(time.Minute, 1, 1)
	assert.True(t, stop)
	assert.Contains(t, reason, StopNoveltyDecline)
}

func TestDetectorDiminishingReturns(t *testing.T) {
	d := NewDetector(10, 0)
	for cycle := 1; cycle <= 3; cycle++ {
		d.Observe(CycleStats{Cycle: cycle, MeanNovelty: 0.8, Accepted: 0, Rejected: 5})
	}
	reason, stop := d.ShouldStop(time.Minute, 1, 1)
	assert.True(t, stop)
	assert.Contains(t, reason, StopDiminishingReturns)
}

func TestDetectorHealthyRunContinues(t *testing.T) {
	d := NewDetector(10, 0)
	for cycle := 1; cycle <= 5; cycle++ {
		d.Observe(CycleStats{Cycle: cycle, MeanNovelty: 0.6, Accepted: 4, Rejected: 1})
	}
	_, stop := d.ShouldStop(time.Minute, 2, 3)
	assert.False(t, stop)
}

func TestDetectorHypothesesResolved(t *testing.T) {
	d := NewDetector(10, 0)
	d.Observe(CycleStats{Cycle: 1, MeanNovelty: 0.8, Accepted: 2})

	_, stop := d.ShouldStop(time.Minute, 0, 0)
	assert.False(t, stop, "no hypotheses proposed is not resolution")

	reason, stop := d.ShouldStop(time.Minute, 0, 2)
	assert.True(t, stop)
	assert.Equal(t, StopHypothesesResolved, reason)
}
